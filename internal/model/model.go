package model

import "time"

// Row is one flat tuple returned by an AQL query, keyed by the column
// aliases declared in the query template. Rows live only for the duration
// of a single batch.
type Row map[string]any

// Clone returns a shallow copy of the row.
func (r Row) Clone() Row {
	out := make(Row, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Document is a fully rendered FHIR resource ready for delivery.
// It is immutable once rendered; ownership transfers to the delivery pool.
type Document struct {
	ID           string         `json:"id"`
	ResourceType string         `json:"resource_type"`
	Identifier   string         `json:"identifier"`
	Body         map[string]any `json:"body"`
}

// OutcomeStatus classifies the terminal state of a delivery attempt.
type OutcomeStatus string

const (
	OutcomeCreated OutcomeStatus = "created"
	OutcomeUpdated OutcomeStatus = "updated"
	OutcomeFailed  OutcomeStatus = "failed"
)

// Outcome records the terminal result of delivering one document.
type Outcome struct {
	DocumentID    string        `json:"document_id"`
	ResourceType  string        `json:"resource_type"`
	Identifier    string        `json:"identifier"`
	DestinationID string        `json:"destination_id,omitempty"`
	Status        OutcomeStatus `json:"status"`
	Attempts      int           `json:"attempts"`
	Error         string        `json:"error,omitempty"`
}

// BatchReport summarizes one extraction/delivery cycle for a resource type.
// Every cycle produces a report regardless of partial failure.
type BatchReport struct {
	ResourceType string        `json:"resource_type"`
	WindowStart  time.Time     `json:"window_start"`
	WindowEnd    time.Time     `json:"window_end"`
	Extracted    int           `json:"extracted"`
	Grouped      int           `json:"grouped"`
	Rendered     int           `json:"rendered"`
	RenderFailed int           `json:"render_failed"`
	Delivered    int           `json:"delivered"`
	Created      int           `json:"created"`
	Updated      int           `json:"updated"`
	Failed       int           `json:"failed"`
	Duration     time.Duration `json:"duration"`
	CompletedAt  time.Time     `json:"completed_at"`
}
