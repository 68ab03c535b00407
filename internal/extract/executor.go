package extract

import (
	"context"
	"strconv"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/medic-kiel/aql2fhir/internal/model"
	"github.com/medic-kiel/aql2fhir/internal/openehr"
	"github.com/medic-kiel/aql2fhir/internal/resilience"
)

// aqlTimeLayout is the datetime literal format the repository accepts in
// AQL WHERE clauses.
const aqlTimeLayout = "2006-01-02T15:04:05"

// ErrPageCapReached signals that a window produced more pages than the
// configured safety cap. The window is incomplete; the caller should keep
// its offset checkpoint and resume on the next cycle.
var ErrPageCapReached = eris.New("extract: page cap reached, window incomplete")

// Querier executes a rendered AQL query against the repository.
type Querier interface {
	Query(ctx context.Context, aql string) ([]model.Row, error)
}

// Window is the half-open time range [Start, End) a sync run covers.
type Window struct {
	Start time.Time
	End   time.Time
}

// Request describes one windowed extraction: the query template, the time
// window, the page size, the offset to resume from, and mapping-level
// default parameters.
type Request struct {
	Template    string
	Window      Window
	Limit       int
	StartOffset int
	Parameters  map[string]string
}

// Page is one fetched slice of the window. Last marks the short page that
// terminates pagination.
type Page struct {
	Rows   []model.Row
	Offset int
	Last   bool
}

// Executor fetches a window of rows page by page, retrying each page
// request on transient failures.
type Executor struct {
	querier  Querier
	retry    resilience.RetryConfig
	maxPages int
	log      *zap.Logger
}

// NewExecutor creates an executor. maxPages caps the number of pages per
// window as a runaway guard; zero disables the cap.
func NewExecutor(querier Querier, retry resilience.RetryConfig, maxPages int) *Executor {
	return &Executor{
		querier:  querier,
		retry:    retry,
		maxPages: maxPages,
		log:      zap.L().With(zap.String("component", "extract")),
	}
}

// FetchPages walks the window page by page and hands each non-empty page to
// fn in order. Pagination stops at the first short page, which is the only
// reliable end signal the repository gives. A page whose fetch exhausts its
// retries fails the whole window; pages already handed to fn stay handed.
// Returns the total number of rows fetched.
func (e *Executor) FetchPages(ctx context.Context, req Request, fn func(Page) error) (int, error) {
	params := e.baseParams(req)

	// No page size means a single unpaginated fetch.
	if req.Limit <= 0 {
		rows, err := e.fetchOnce(ctx, req.Template, params)
		if err != nil {
			return 0, err
		}
		if len(rows) > 0 {
			if err := fn(Page{Rows: rows, Last: true}); err != nil {
				return len(rows), err
			}
		}
		return len(rows), nil
	}

	params["limit"] = strconv.Itoa(req.Limit)
	offset := req.StartOffset
	total := 0

	for page := 0; ; page++ {
		if e.maxPages > 0 && page >= e.maxPages {
			e.log.Warn("page cap reached",
				zap.Int("max_pages", e.maxPages),
				zap.Int("offset", offset),
			)
			return total, ErrPageCapReached
		}

		params["offset"] = strconv.Itoa(offset)
		rows, err := e.fetchOnce(ctx, req.Template, params)
		if err != nil {
			return total, err
		}

		last := len(rows) < req.Limit
		if len(rows) > 0 {
			total += len(rows)
			if err := fn(Page{Rows: rows, Offset: offset, Last: last}); err != nil {
				return total, err
			}
		}
		if last {
			return total, nil
		}
		offset += req.Limit
	}
}

// FetchAll collects every row of the window into memory. Used by one-shot
// backfills and tests; the poller streams pages instead.
func (e *Executor) FetchAll(ctx context.Context, req Request) ([]model.Row, error) {
	var rows []model.Row
	_, err := e.FetchPages(ctx, req, func(p Page) error {
		rows = append(rows, p.Rows...)
		return nil
	})
	return rows, err
}

func (e *Executor) baseParams(req Request) map[string]string {
	params := make(map[string]string, len(req.Parameters)+4)
	for k, v := range req.Parameters {
		params[k] = v
	}
	params["last_run_time"] = req.Window.Start.UTC().Format(aqlTimeLayout)
	params["window_end"] = req.Window.End.UTC().Format(aqlTimeLayout)
	return params
}

func (e *Executor) fetchOnce(ctx context.Context, template string, params map[string]string) ([]model.Row, error) {
	aql := openehr.RenderQuery(template, params)
	return resilience.DoVal(ctx, e.retry, func(ctx context.Context) ([]model.Row, error) {
		return e.querier.Query(ctx, aql)
	})
}
