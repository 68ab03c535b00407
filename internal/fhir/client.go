package fhir

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/medic-kiel/aql2fhir/internal/config"
	"github.com/medic-kiel/aql2fhir/internal/resilience"
)

const fhirContentType = "application/fhir+json"

// Client talks to the destination FHIR server's REST API. All requests pass
// through a shared rate limiter so bursts of parallel deliveries do not
// overwhelm the server.
type Client struct {
	baseURL    string
	authMethod string
	username   string
	password   string
	token      string
	httpClient *http.Client
	limiter    *rate.Limiter
	log        *zap.Logger
}

// NewClient creates a FHIR client from configuration.
func NewClient(cfg config.FHIRConfig) *Client {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	limit := rate.Limit(cfg.RateLimit)
	if cfg.RateLimit <= 0 {
		limit = rate.Inf
	}
	burst := cfg.RateBurst
	if burst <= 0 {
		burst = 1
	}
	return &Client{
		baseURL:    cfg.BaseURL,
		authMethod: cfg.AuthMethod,
		username:   cfg.Username,
		password:   cfg.Password,
		token:      cfg.Token,
		httpClient: &http.Client{Timeout: timeout},
		limiter:    rate.NewLimiter(limit, burst),
		log:        zap.L().With(zap.String("component", "fhir")),
	}
}

type bundle struct {
	Total int `json:"total"`
	Entry []struct {
		Resource struct {
			ID string `json:"id"`
		} `json:"resource"`
	} `json:"entry"`
}

type resourceID struct {
	ID string `json:"id"`
}

// SearchByIdentifier looks up a resource by its business identifier and
// returns the server-assigned logical id, or empty when no match exists.
// Multiple matches mean earlier deliveries created duplicates; the first
// match is updated so the batch still converges.
func (c *Client) SearchByIdentifier(ctx context.Context, resourceType, identifier string) (string, error) {
	endpoint := c.baseURL + "/" + resourceType + "?identifier=" + url.QueryEscape(identifier)
	resp, err := c.do(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", c.statusError(resp, "search "+resourceType)
	}

	var b bundle
	if err := json.NewDecoder(resp.Body).Decode(&b); err != nil {
		return "", eris.Wrap(err, "fhir: decode search bundle")
	}
	if b.Total == 0 || len(b.Entry) == 0 {
		return "", nil
	}
	if b.Total > 1 {
		c.log.Warn("identifier matches multiple resources",
			zap.String("resource_type", resourceType),
			zap.Int("total", b.Total),
		)
	}
	return b.Entry[0].Resource.ID, nil
}

// Create posts a new resource and returns the server-assigned logical id.
func (c *Client) Create(ctx context.Context, resourceType string, body map[string]any) (string, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return "", eris.Wrap(err, "fhir: marshal resource")
	}

	resp, err := c.do(ctx, http.MethodPost, c.baseURL+"/"+resourceType, payload)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", c.statusError(resp, "create "+resourceType)
	}

	var created resourceID
	if err := json.NewDecoder(resp.Body).Decode(&created); err != nil {
		// Some servers answer 201 with an empty body and only a Location
		// header. The id is then the last path segment before _history.
		return idFromLocation(resp.Header.Get("Location")), nil
	}
	return created.ID, nil
}

// Update rewrites an existing resource in place, preserving its logical id.
func (c *Client) Update(ctx context.Context, resourceType, id string, body map[string]any) error {
	doc := make(map[string]any, len(body)+1)
	for k, v := range body {
		doc[k] = v
	}
	doc["id"] = id

	payload, err := json.Marshal(doc)
	if err != nil {
		return eris.Wrap(err, "fhir: marshal resource")
	}

	resp, err := c.do(ctx, http.MethodPut, c.baseURL+"/"+resourceType+"/"+id, payload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return c.statusError(resp, "update "+resourceType)
	}
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	return nil
}

// Ping probes server reachability via the capability statement.
func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, c.baseURL+"/metadata", nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode >= 400 {
		return eris.Errorf("fhir: metadata returned %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, endpoint string, payload []byte) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "fhir: rate limit wait")
	}

	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, eris.Wrap(err, "fhir: build request")
	}
	req.Header.Set("Accept", fhirContentType)
	if payload != nil {
		req.Header.Set("Content-Type", fhirContentType)
	}
	switch c.authMethod {
	case "basic":
		req.SetBasicAuth(c.username, c.password)
	case "token":
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, resilience.NewTransientError(eris.Wrap(err, "fhir: request"), 0)
	}
	return resp, nil
}

func (c *Client) statusError(resp *http.Response, op string) error {
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
	err := eris.Errorf("fhir: %s returned %d: %s", op, resp.StatusCode, string(msg))
	return resilience.ClassifyHTTPStatus(err, resp.StatusCode)
}

func idFromLocation(location string) string {
	if location == "" {
		return ""
	}
	if u, err := url.Parse(location); err == nil && u.Path != "" {
		location = u.Path
	}
	parts := strings.Split(strings.Trim(location, "/"), "/")
	for i, p := range parts {
		if p == "_history" && i >= 1 {
			return parts[i-1]
		}
	}
	return parts[len(parts)-1]
}
