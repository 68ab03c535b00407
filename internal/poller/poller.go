// Package poller drives the sync loop: one job per configured resource type,
// each cycling through extract, pseudonymize, render and deliver, with its
// progress checkpointed page by page.
package poller

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/medic-kiel/aql2fhir/internal/config"
	"github.com/medic-kiel/aql2fhir/internal/deliver"
	"github.com/medic-kiel/aql2fhir/internal/extract"
	"github.com/medic-kiel/aql2fhir/internal/mapping"
	"github.com/medic-kiel/aql2fhir/internal/model"
	"github.com/medic-kiel/aql2fhir/internal/openehr"
	"github.com/medic-kiel/aql2fhir/internal/pseudonym"
	"github.com/medic-kiel/aql2fhir/internal/resilience"
	"github.com/medic-kiel/aql2fhir/internal/state"
)

// Job binds one resource type's mapping template to its cadence, page size
// and merged query parameters.
type Job struct {
	Name       string
	Template   *mapping.Template
	Interval   time.Duration
	BatchSize  int
	Parameters map[string]string
}

// BuildJobs loads and validates the mapping file of every configured
// resource. Resource-level parameters override mapping-level defaults; a
// query placeholder satisfied by neither fails startup.
func BuildJobs(cfg *config.Config) ([]Job, error) {
	jobs := make([]Job, 0, len(cfg.Resources))
	for _, rc := range cfg.Resources {
		tmpl, err := mapping.LoadTemplate(rc.Mapping)
		if err != nil {
			return nil, eris.Wrapf(err, "poller: resource %s", rc.Name)
		}

		params := make(map[string]string, len(tmpl.Parameters)+len(rc.Parameters))
		for k, v := range tmpl.Parameters {
			params[k] = v
		}
		for k, v := range rc.Parameters {
			params[k] = v
		}
		if err := openehr.ValidateQueryTemplate(tmpl.Query, params); err != nil {
			return nil, eris.Wrapf(err, "poller: resource %s", rc.Name)
		}

		jobs = append(jobs, Job{
			Name:       rc.Name,
			Template:   tmpl,
			Interval:   cfg.PollInterval(rc),
			BatchSize:  cfg.EffectiveBatchSize(rc),
			Parameters: params,
		})
	}
	return jobs, nil
}

// Scheduler owns the per-resource sync loops and the last report of each.
type Scheduler struct {
	store  state.Store
	exec   *extract.Executor
	pool   *deliver.Pool
	fields *pseudonym.Fields
	probe  func(ctx context.Context) error
	jobs   []Job

	probeInterval time.Duration
	grace         time.Duration
	defaultStart  time.Time
	retry         resilience.RetryConfig

	log *zap.Logger

	mu      sync.Mutex
	reports map[string]model.BatchReport
}

// New assembles a scheduler. probe gates every cycle on collaborator
// reachability and blocks until it succeeds.
func New(cfg *config.Config, store state.Store, exec *extract.Executor, pool *deliver.Pool, fields *pseudonym.Fields, probe func(ctx context.Context) error, jobs []Job) (*Scheduler, error) {
	defaultStart, err := time.Parse(time.RFC3339, cfg.Sync.DefaultStartDate)
	if err != nil {
		return nil, eris.Wrap(err, "poller: parse sync.default_start_date")
	}
	return &Scheduler{
		store:         store,
		exec:          exec,
		pool:          pool,
		fields:        fields,
		probe:         probe,
		jobs:          jobs,
		probeInterval: time.Duration(cfg.OpenEHR.HealthIntervalSecs) * time.Second,
		grace:         time.Duration(cfg.Sync.GracePeriodSecs) * time.Second,
		defaultStart:  defaultStart,
		retry: resilience.RetryConfig{
			MaxAttempts: cfg.Sync.QueryRetries,
			Delay:       time.Duration(cfg.Sync.RetryDelaySecs) * time.Second,
		},
		log:           zap.L().With(zap.String("component", "poller")),
		reports:       map[string]model.BatchReport{},
	}, nil
}

// Run starts one loop per job and blocks until the context is canceled.
// Each loop runs a cycle immediately, then on its own cadence.
func (s *Scheduler) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, job := range s.jobs {
		g.Go(func() error {
			s.runLoop(ctx, job)
			return nil
		})
	}
	g.Wait()
	return ctx.Err()
}

func (s *Scheduler) runLoop(ctx context.Context, job Job) {
	log := s.log.With(zap.String("resource", job.Name))
	ticker := time.NewTicker(job.Interval)
	defer ticker.Stop()

	for {
		if err := s.runCycle(ctx, job); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("sync cycle failed", zap.Error(err))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// runCycle performs one incremental window for a job: gate on reachability,
// compute the window from the checkpoint, stream pages through the pipeline
// and advance the checkpoint.
func (s *Scheduler) runCycle(ctx context.Context, job Job) error {
	if s.probe != nil {
		if err := resilience.WaitUntil(ctx, s.probeInterval, s.probe); err != nil {
			return err
		}
	}

	cp, err := s.store.Get(ctx, job.Name)
	if err != nil {
		return err
	}
	start, offset := s.defaultStart, 0
	if cp != nil {
		start, offset = cp.LastRunTime, cp.LastOffset
	}
	end := time.Now().UTC()
	if !start.Before(end) {
		return nil
	}

	window := extract.Window{Start: start, End: end}
	report, err := s.syncWindow(ctx, job, window, offset, true)
	s.recordReport(job.Name, report)
	if errors.Is(err, extract.ErrPageCapReached) {
		// Window incomplete but progress is checkpointed by offset; the
		// next cycle resumes where this one stopped.
		s.log.Warn("window truncated by page cap",
			zap.String("resource", job.Name),
			zap.Int("extracted", report.Extracted),
		)
		return nil
	}
	return err
}

// RunBackfill replays one closed window for a named job without touching
// its checkpoint.
func (s *Scheduler) RunBackfill(ctx context.Context, name string, window extract.Window) (model.BatchReport, error) {
	for _, job := range s.jobs {
		if job.Name != name {
			continue
		}
		report, err := s.syncWindow(ctx, job, window, 0, false)
		s.recordReport(job.Name, report)
		return report, err
	}
	return model.BatchReport{}, eris.Errorf("poller: unknown resource %q", name)
}

// syncWindow streams the window page by page. After each fully delivered
// page the checkpoint advances by offset only; the window bound advances
// once the final page lands. An aborted page leaves the checkpoint at the
// last completed one, so a crash replays at most one page.
func (s *Scheduler) syncWindow(ctx context.Context, job Job, window extract.Window, startOffset int, checkpoint bool) (model.BatchReport, error) {
	started := time.Now()
	report := model.BatchReport{
		ResourceType: job.Template.ResourceType,
		WindowStart:  window.Start,
		WindowEnd:    window.End,
	}

	req := extract.Request{
		Template:    job.Template.Query,
		Window:      window,
		Limit:       job.BatchSize,
		StartOffset: startOffset,
		Parameters:  job.Parameters,
	}

	_, err := s.exec.FetchPages(ctx, req, func(page extract.Page) error {
		report.Extracted += len(page.Rows)

		docs, err := s.renderPage(ctx, job, page.Rows, &report)
		if err != nil {
			return err
		}
		if len(docs) > 0 {
			dctx, done := graceContext(ctx, s.grace)
			outcomes := s.pool.Deliver(dctx, docs)
			done()
			deliver.Summarize(outcomes, &report)
		}

		if checkpoint && !page.Last {
			return s.store.Put(ctx, state.Checkpoint{
				ResourceType: job.Name,
				LastRunTime:  window.Start,
				LastOffset:   page.Offset + job.BatchSize,
			})
		}
		return nil
	})

	report.Duration = time.Since(started)
	report.CompletedAt = time.Now().UTC()
	if err != nil {
		return report, err
	}

	if checkpoint {
		if err := s.store.Put(ctx, state.Checkpoint{
			ResourceType: job.Name,
			LastRunTime:  window.End,
		}); err != nil {
			return report, err
		}
	}

	s.log.Info("window synced",
		zap.String("resource", job.Name),
		zap.Time("window_start", window.Start),
		zap.Time("window_end", window.End),
		zap.Int("extracted", report.Extracted),
		zap.Int("created", report.Created),
		zap.Int("updated", report.Updated),
		zap.Int("failed", report.Failed+report.RenderFailed),
		zap.Duration("duration", report.Duration),
	)
	return report, nil
}

// renderPage turns one page of rows into deliverable documents. Row-level
// failures are counted and skipped; only an environmental failure of the
// pseudonymization engine aborts the page so the checkpoint stays put and
// the rows are re-extracted once the engine is reachable again.
func (s *Scheduler) renderPage(ctx context.Context, job Job, rows []model.Row, report *model.BatchReport) ([]model.Document, error) {
	tmpl := job.Template
	log := s.log.With(zap.String("resource", job.Name))

	if s.fields != nil && s.fields.Enabled() {
		kept := rows[:0]
		for _, row := range rows {
			applied, err := s.applyPseudonyms(ctx, row)
			if err != nil {
				if resilience.IsTransient(err) || ctx.Err() != nil {
					return nil, eris.Wrap(err, "poller: pseudonymize page")
				}
				report.RenderFailed++
				log.Warn("row dropped", zap.Error(err))
				continue
			}
			kept = append(kept, applied)
		}
		rows = kept
	}

	var docs []model.Document
	render := func(b *mapping.Bindings) {
		identifier, err := tmpl.RenderIdentifier(b)
		if err != nil {
			report.RenderFailed++
			log.Warn("row dropped", zap.Error(err))
			return
		}
		body, err := tmpl.Render(b)
		if err != nil {
			report.RenderFailed++
			log.Warn("row dropped", zap.String("identifier", identifier), zap.Error(err))
			return
		}
		docs = append(docs, model.Document{
			ID:           uuid.NewString(),
			ResourceType: tmpl.ResourceType,
			Identifier:   identifier,
			Body:         body,
		})
		report.Rendered++
	}

	if tmpl.GroupBy != "" {
		groups, skipped := mapping.GroupRows(rows, tmpl.GroupBy)
		report.RenderFailed += skipped
		report.Grouped += len(groups)
		for _, g := range groups {
			b := tmpl.BindRow(g.Head)
			b.InjectNested(tmpl.NestedField, tmpl.BuildNested(g))
			render(b)
		}
	} else {
		for _, row := range rows {
			render(tmpl.BindRow(row))
		}
	}

	if tmpl.Unique {
		docs = mapping.DeduplicateByIdentifier(docs)
	}
	return docs, nil
}

// applyPseudonyms runs the field rules with bounded retry. Each attempt
// works on a fresh clone of the row: a half-applied attempt must never be
// tokenized a second time.
func (s *Scheduler) applyPseudonyms(ctx context.Context, row model.Row) (model.Row, error) {
	return resilience.DoVal(ctx, s.retry, func(ctx context.Context) (model.Row, error) {
		work := row.Clone()
		if err := s.fields.Apply(ctx, work); err != nil {
			return nil, err
		}
		return work, nil
	})
}

// Reports returns the most recent batch report per resource, for the
// status endpoint.
func (s *Scheduler) Reports() []model.BatchReport {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.BatchReport, 0, len(s.reports))
	for _, r := range s.reports {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceType < out[j].ResourceType })
	return out
}

func (s *Scheduler) recordReport(name string, report model.BatchReport) {
	s.mu.Lock()
	s.reports[name] = report
	s.mu.Unlock()
}

// graceContext detaches delivery from loop cancellation: when the parent
// context ends, in-flight writes get the grace period to land before the
// detached context is canceled.
func graceContext(parent context.Context, grace time.Duration) (context.Context, context.CancelFunc) {
	if grace <= 0 {
		return parent, func() {}
	}
	ctx, cancel := context.WithCancel(context.WithoutCancel(parent))
	stop := context.AfterFunc(parent, func() {
		time.AfterFunc(grace, cancel)
	})
	return ctx, func() {
		stop()
		cancel()
	}
}
