package deliver

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/medic-kiel/aql2fhir/internal/model"
	"github.com/medic-kiel/aql2fhir/internal/resilience"
)

// Destination is the subset of the FHIR client the pool needs.
type Destination interface {
	SearchByIdentifier(ctx context.Context, resourceType, identifier string) (string, error)
	Create(ctx context.Context, resourceType string, body map[string]any) (string, error)
	Update(ctx context.Context, resourceType, id string, body map[string]any) error
}

// Pool delivers rendered documents to the destination with bounded
// concurrency. The semaphore is owned by the pool, not the batch, so the
// worker budget holds process-wide even when several resource-type jobs
// deliver at the same time.
type Pool struct {
	dest  Destination
	retry resilience.RetryConfig
	sem   chan struct{}
	log   *zap.Logger
}

// NewPool creates a delivery pool with the given process-wide worker budget.
func NewPool(dest Destination, workers int, retry resilience.RetryConfig) *Pool {
	if workers <= 0 {
		workers = 4
	}
	return &Pool{
		dest:  dest,
		retry: retry,
		sem:   make(chan struct{}, workers),
		log:   zap.L().With(zap.String("component", "deliver")),
	}
}

// Deliver upserts every document in the batch and returns one outcome per
// document, in input order. A document failure is recorded and never stops
// its siblings; the batch always runs to completion.
func (p *Pool) Deliver(ctx context.Context, docs []model.Document) []model.Outcome {
	outcomes := make([]model.Outcome, len(docs))

	var wg sync.WaitGroup
	for i, doc := range docs {
		wg.Add(1)
		go func(i int, doc model.Document) {
			defer wg.Done()

			select {
			case p.sem <- struct{}{}:
				defer func() { <-p.sem }()
			case <-ctx.Done():
				outcomes[i] = failedOutcome(doc, 0, ctx.Err())
				return
			}

			outcomes[i] = p.deliverOne(ctx, doc)
		}(i, doc)
	}
	wg.Wait()

	return outcomes
}

// deliverOne resolves the upsert decision and executes it with bounded
// retry. The search and the write retry as one unit so a resource created
// by a half-failed attempt is found and updated on the next one.
func (p *Pool) deliverOne(ctx context.Context, doc model.Document) model.Outcome {
	attempts := 0
	var status model.OutcomeStatus
	var destID string

	cfg := p.retry
	cfg.OnRetry = resilience.RetryLogger("fhir", "upsert "+doc.ResourceType)

	err := resilience.Do(ctx, cfg, func(ctx context.Context) error {
		attempts++

		existing, err := p.dest.SearchByIdentifier(ctx, doc.ResourceType, doc.Identifier)
		if err != nil {
			return err
		}
		if existing == "" {
			id, err := p.dest.Create(ctx, doc.ResourceType, doc.Body)
			if err != nil {
				return err
			}
			status, destID = model.OutcomeCreated, id
			return nil
		}
		if err := p.dest.Update(ctx, doc.ResourceType, existing, doc.Body); err != nil {
			return err
		}
		status, destID = model.OutcomeUpdated, existing
		return nil
	})
	if err != nil {
		p.log.Error("delivery failed",
			zap.String("resource_type", doc.ResourceType),
			zap.String("identifier", doc.Identifier),
			zap.Int("attempts", attempts),
			zap.Error(err),
		)
		return failedOutcome(doc, attempts, err)
	}

	return model.Outcome{
		DocumentID:    doc.ID,
		ResourceType:  doc.ResourceType,
		Identifier:    doc.Identifier,
		DestinationID: destID,
		Status:        status,
		Attempts:      attempts,
	}
}

func failedOutcome(doc model.Document, attempts int, err error) model.Outcome {
	return model.Outcome{
		DocumentID:   doc.ID,
		ResourceType: doc.ResourceType,
		Identifier:   doc.Identifier,
		Status:       model.OutcomeFailed,
		Attempts:     attempts,
		Error:        err.Error(),
	}
}

// Summarize folds delivery outcomes into batch report counters.
func Summarize(outcomes []model.Outcome, report *model.BatchReport) {
	for _, o := range outcomes {
		switch o.Status {
		case model.OutcomeCreated:
			report.Created++
			report.Delivered++
		case model.OutcomeUpdated:
			report.Updated++
			report.Delivered++
		case model.OutcomeFailed:
			report.Failed++
		}
	}
}
