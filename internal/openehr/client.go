package openehr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/medic-kiel/aql2fhir/internal/config"
	"github.com/medic-kiel/aql2fhir/internal/model"
	"github.com/medic-kiel/aql2fhir/internal/resilience"
)

// Client queries an openEHR repository over its REST AQL endpoint.
type Client struct {
	baseURL    string
	authMethod string
	username   string
	password   string
	httpClient *http.Client
	log        *zap.Logger
}

// NewClient creates an openEHR client from configuration.
func NewClient(cfg config.OpenEHRConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		authMethod: cfg.AuthMethod,
		username:   cfg.Username,
		password:   cfg.Password,
		httpClient: &http.Client{Timeout: timeout},
		log:        zap.L().With(zap.String("component", "openehr")),
	}
}

type queryRequest struct {
	AQL string `json:"aql"`
}

type queryResponse struct {
	ResultSet []map[string]any `json:"resultSet"`
}

// Query executes a rendered AQL query and returns the flat result rows.
// Transport failures and 5xx responses classify as transient.
func (c *Client) Query(ctx context.Context, aql string) ([]model.Row, error) {
	body, err := json.Marshal(queryRequest{AQL: aql})
	if err != nil {
		return nil, eris.Wrap(err, "openehr: marshal query")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/rest/v1/query", bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "openehr: build request")
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authMethod == "basic" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "openehr: query request"), 0)
	}
	defer resp.Body.Close()

	// The server answers 204 when the result set is empty.
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		err := eris.Errorf("openehr: query returned %d: %s", resp.StatusCode, string(msg))
		return nil, resilience.ClassifyHTTPStatus(err, resp.StatusCode)
	}

	var qr queryResponse
	if err := json.NewDecoder(resp.Body).Decode(&qr); err != nil {
		return nil, eris.Wrap(err, "openehr: decode result set")
	}

	rows := make([]model.Row, 0, len(qr.ResultSet))
	for _, r := range qr.ResultSet {
		rows = append(rows, model.Row(r))
	}
	c.log.Debug("query executed", zap.Int("rows", len(rows)))
	return rows, nil
}

// Ping probes repository reachability via the template endpoint, mirroring
// the OPTIONS heartbeat the repository exposes for health checks.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodOptions, c.baseURL+"/rest/v1/template", nil)
	if err != nil {
		return eris.Wrap(err, "openehr: build ping")
	}
	if c.authMethod == "basic" {
		req.SetBasicAuth(c.username, c.password)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return eris.Wrap(err, "openehr: ping")
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1024))

	if resp.StatusCode >= 400 {
		return fmt.Errorf("openehr: ping returned %d", resp.StatusCode)
	}
	return nil
}
