package poller

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/medic-kiel/aql2fhir/internal/config"
	"github.com/medic-kiel/aql2fhir/internal/deliver"
	"github.com/medic-kiel/aql2fhir/internal/extract"
	"github.com/medic-kiel/aql2fhir/internal/mapping"
	"github.com/medic-kiel/aql2fhir/internal/model"
	"github.com/medic-kiel/aql2fhir/internal/pseudonym"
	"github.com/medic-kiel/aql2fhir/internal/resilience"
	"github.com/medic-kiel/aql2fhir/internal/state"
)

// memStore is an in-memory checkpoint store with the same monotonicity
// rule as the durable backends.
type memStore struct {
	mu   sync.Mutex
	cps  map[string]state.Checkpoint
	puts []state.Checkpoint
}

func newMemStore() *memStore {
	return &memStore{cps: map[string]state.Checkpoint{}}
}

func (m *memStore) Get(_ context.Context, resourceType string) (*state.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp, ok := m.cps[resourceType]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (m *memStore) Put(_ context.Context, cp state.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prev, ok := m.cps[cp.ResourceType]; ok && cp.LastRunTime.Before(prev.LastRunTime) {
		return state.ErrStaleCheckpoint
	}
	cp.UpdatedAt = time.Now()
	m.cps[cp.ResourceType] = cp
	m.puts = append(m.puts, cp)
	return nil
}

func (m *memStore) Clear(_ context.Context, resourceType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cps, resourceType)
	return nil
}

func (m *memStore) List(_ context.Context) ([]state.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []state.Checkpoint
	for _, cp := range m.cps {
		out = append(out, cp)
	}
	return out, nil
}

func (m *memStore) Migrate(context.Context) error { return nil }
func (m *memStore) Close() error                  { return nil }

var pageRe = regexp.MustCompile(`OFFSET (\d+) LIMIT (\d+)`)

// pageQuerier serves a fixed row set, optionally failing once a given
// offset is requested.
type pageQuerier struct {
	rows         []model.Row
	failAtOffset int // -1 disables
}

func (q *pageQuerier) Query(_ context.Context, aql string) ([]model.Row, error) {
	m := pageRe.FindStringSubmatch(aql)
	if m == nil {
		return q.rows, nil
	}
	offset, _ := strconv.Atoi(m[1])
	limit, _ := strconv.Atoi(m[2])
	if q.failAtOffset >= 0 && offset >= q.failAtOffset {
		return nil, resilience.NewPermanentError(errors.New("repository rejected query"), 400)
	}
	if offset >= len(q.rows) {
		return nil, nil
	}
	end := offset + limit
	if end > len(q.rows) {
		end = len(q.rows)
	}
	// Copy so the pipeline's in-place pseudonymization cannot leak back.
	out := make([]model.Row, 0, end-offset)
	for _, r := range q.rows[offset:end] {
		out = append(out, r.Clone())
	}
	return out, nil
}

// memDestination is a trivial in-memory upsert target.
type memDestination struct {
	mu        sync.Mutex
	resources map[string]string
	nextID    int
}

func newMemDestination() *memDestination {
	return &memDestination{resources: map[string]string{}}
}

func (d *memDestination) SearchByIdentifier(_ context.Context, _, identifier string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.resources[identifier], nil
}

func (d *memDestination) Create(_ context.Context, _ string, body map[string]any) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	id := fmt.Sprintf("srv-%d", d.nextID)
	ident, _ := body["identifier"].(string)
	d.resources[ident] = id
	return id, nil
}

func (d *memDestination) Update(context.Context, string, string, map[string]any) error {
	return nil
}

func flatTemplate(t *testing.T) *mapping.Template {
	t.Helper()
	tmpl := &mapping.Template{
		ResourceType: "Observation",
		Query: "SELECT o/uid/value AS id FROM EHR e " +
			"WHERE o/time/value >= '{{last_run_time}}' AND o/time/value < '{{window_end}}' " +
			"OFFSET {{offset}} LIMIT {{limit}}",
		Identifier:   "{{id}}",
		Placeholders: map[string]mapping.FieldType{"id": mapping.TypeString},
		Required:     []string{"id"},
		Body:         map[string]any{"identifier": "{{id}}"},
	}
	if err := tmpl.Validate(); err != nil {
		t.Fatalf("template: %v", err)
	}
	return tmpl
}

func makeRows(n int) []model.Row {
	rows := make([]model.Row, n)
	for i := range rows {
		rows[i] = model.Row{"id": fmt.Sprintf("row-%d", i)}
	}
	return rows
}

func testScheduler(t *testing.T, store state.Store, rows []model.Row, failAtOffset int) (*Scheduler, *memDestination, Job) {
	t.Helper()
	cfg := &config.Config{
		Sync:    config.SyncConfig{DefaultStartDate: "2025-01-01T00:00:00Z", GracePeriodSecs: 1},
		OpenEHR: config.OpenEHRConfig{HealthIntervalSecs: 1},
	}
	retry := resilience.RetryConfig{MaxAttempts: 2, Delay: time.Millisecond}
	exec := extract.NewExecutor(&pageQuerier{rows: rows, failAtOffset: failAtOffset}, retry, 0)
	dest := newMemDestination()
	pool := deliver.NewPool(dest, 2, retry)

	job := Job{Name: "observation", Template: flatTemplate(t), Interval: time.Minute, BatchSize: 10}
	sched, err := New(cfg, store, exec, pool, nil, nil, []Job{job})
	if err != nil {
		t.Fatalf("scheduler: %v", err)
	}
	return sched, dest, job
}

func testWindow() extract.Window {
	return extract.Window{
		Start: time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestSyncWindow_PagesDeliveredAndCheckpointed(t *testing.T) {
	store := newMemStore()
	sched, dest, job := testScheduler(t, store, makeRows(23), -1)

	report, err := sched.syncWindow(context.Background(), job, testWindow(), 0, true)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Extracted != 23 || report.Rendered != 23 || report.Created != 23 {
		t.Errorf("report = %+v", report)
	}
	if len(dest.resources) != 23 {
		t.Errorf("delivered = %d, want 23", len(dest.resources))
	}

	cp := store.cps["observation"]
	if !cp.LastRunTime.Equal(testWindow().End) || cp.LastOffset != 0 {
		t.Errorf("final checkpoint = %+v", cp)
	}

	// Two mid-window offset checkpoints, then the window completion.
	if len(store.puts) != 3 {
		t.Fatalf("puts = %d, want 3", len(store.puts))
	}
	if store.puts[0].LastOffset != 10 || !store.puts[0].LastRunTime.Equal(testWindow().Start) {
		t.Errorf("first mid-window checkpoint = %+v", store.puts[0])
	}
	if store.puts[1].LastOffset != 20 {
		t.Errorf("second mid-window checkpoint = %+v", store.puts[1])
	}
}

func TestSyncWindow_FailureKeepsLastCompletedPage(t *testing.T) {
	store := newMemStore()
	sched, dest, job := testScheduler(t, store, makeRows(23), 10)

	_, err := sched.syncWindow(context.Background(), job, testWindow(), 0, true)
	if err == nil {
		t.Fatal("expected window failure")
	}

	// Page one landed and was checkpointed; the window bound did not move.
	if len(dest.resources) != 10 {
		t.Errorf("delivered = %d, want 10", len(dest.resources))
	}
	cp := store.cps["observation"]
	if !cp.LastRunTime.Equal(testWindow().Start) {
		t.Errorf("window bound advanced on failure: %+v", cp)
	}
	if cp.LastOffset != 10 {
		t.Errorf("offset = %d, want 10", cp.LastOffset)
	}
}

func TestSyncWindow_EmptyWindowAdvances(t *testing.T) {
	store := newMemStore()
	sched, dest, job := testScheduler(t, store, nil, -1)

	report, err := sched.syncWindow(context.Background(), job, testWindow(), 0, true)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Extracted != 0 || len(dest.resources) != 0 {
		t.Errorf("report = %+v", report)
	}
	cp := store.cps["observation"]
	if !cp.LastRunTime.Equal(testWindow().End) {
		t.Errorf("empty window must still advance: %+v", cp)
	}
}

func TestRunBackfill_LeavesCheckpointAlone(t *testing.T) {
	store := newMemStore()
	sched, dest, _ := testScheduler(t, store, makeRows(5), -1)

	report, err := sched.RunBackfill(context.Background(), "observation", testWindow())
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if report.Created != 5 || len(dest.resources) != 5 {
		t.Errorf("report = %+v", report)
	}
	if len(store.puts) != 0 {
		t.Errorf("backfill wrote %d checkpoints", len(store.puts))
	}
}

func TestRunBackfill_UnknownResource(t *testing.T) {
	sched, _, _ := testScheduler(t, newMemStore(), nil, -1)
	if _, err := sched.RunBackfill(context.Background(), "nope", testWindow()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRunCycle_ResumesFromCheckpoint(t *testing.T) {
	store := newMemStore()
	sched, _, job := testScheduler(t, store, makeRows(3), -1)

	resume := time.Now().UTC().Add(-time.Hour)
	store.Put(context.Background(), state.Checkpoint{ResourceType: "observation", LastRunTime: resume})
	store.puts = nil

	if err := sched.runCycle(context.Background(), job); err != nil {
		t.Fatalf("cycle: %v", err)
	}
	cp := store.cps["observation"]
	if !cp.LastRunTime.After(resume) {
		t.Errorf("checkpoint did not advance: %+v", cp)
	}
	reports := sched.Reports()
	if len(reports) != 1 || !reports[0].WindowStart.Equal(resume) {
		t.Errorf("window start must be the checkpoint: %+v", reports)
	}
}

func TestRenderPage_GroupedNesting(t *testing.T) {
	tmpl := &mapping.Template{
		ResourceType: "Consent",
		Query:        "SELECT 1",
		Identifier:   "{{composition_id}}",
		GroupBy:      "composition_id",
		NestedField:  "provisions",
		Unique:       true,
		Placeholders: map[string]mapping.FieldType{
			"composition_id": mapping.TypeString,
			"code":           mapping.TypeCoded,
			"provisions":     mapping.TypeNested,
		},
		Body: map[string]any{
			"code":      "{{code}}",
			"provision": "{{provisions}}",
		},
		SubTemplate: map[string]any{"code": "{{code}}"},
	}
	if err := tmpl.Validate(); err != nil {
		t.Fatalf("template: %v", err)
	}

	sched, _, _ := testScheduler(t, newMemStore(), nil, -1)
	job := Job{Name: "consent", Template: tmpl, BatchSize: 10}

	rows := []model.Row{
		{"composition_id": "c1", "code": "IDAT"},
		{"composition_id": "c1", "code": "MDAT"},
		{"composition_id": "c2", "code": "IDAT"},
	}
	var report model.BatchReport
	docs, err := sched.renderPage(context.Background(), job, rows, &report)
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	if len(docs) != 2 {
		t.Fatalf("docs = %d, want 2", len(docs))
	}
	if report.Grouped != 2 {
		t.Errorf("grouped = %d", report.Grouped)
	}
	nested := docs[0].Body["provision"].([]any)
	if len(nested) != 1 {
		t.Errorf("c1 nested fragments = %d, want 1", len(nested))
	}
	if _, ok := docs[1].Body["provision"]; ok {
		t.Error("single-row group must have no nested fragments")
	}
}

func TestBuildJobs(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "obs.yaml")
	yaml := `
resource_type: Observation
query_template: "SELECT o AS id FROM EHR WHERE t >= '{{last_run_time}}' OFFSET {{offset}} LIMIT {{limit}}"
identifier: "{{id}}"
placeholders:
  id: string
mappings:
  identifier: "{{id}}"
`
	if err := os.WriteFile(good, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{
		Sync: config.SyncConfig{PollIntervalSecs: 60, BatchSize: 50},
		Resources: []config.ResourceConfig{
			{Name: "observation", Mapping: good},
		},
	}
	jobs, err := BuildJobs(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(jobs) != 1 || jobs[0].BatchSize != 50 || jobs[0].Interval != time.Minute {
		t.Errorf("jobs = %+v", jobs)
	}

	cfg.Resources[0].Mapping = filepath.Join(dir, "missing.yaml")
	if _, err := BuildJobs(cfg); err == nil {
		t.Fatal("expected error for missing mapping file")
	}
}

func TestBuildJobs_ResourceParametersSatisfyQuery(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cond.yaml")
	yaml := `
resource_type: Condition
query_template: "SELECT c AS id FROM EHR WHERE name = '{{composition_name}}' OFFSET {{offset}} LIMIT {{limit}}"
identifier: "{{id}}"
placeholders:
  id: string
parameters:
  composition_name: Diagnose
mappings:
  identifier: "{{id}}"
`
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg := &config.Config{Resources: []config.ResourceConfig{{
		Name:       "condition",
		Mapping:    path,
		Parameters: map[string]string{"composition_name": "Diagnosis"},
	}}}
	jobs, err := BuildJobs(cfg)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if jobs[0].Parameters["composition_name"] != "Diagnosis" {
		t.Errorf("resource parameter must override the mapping default: %v", jobs[0].Parameters)
	}
}

// stubEngine fails tokenization a configurable number of times before
// handing out stable tokens.
type stubEngine struct {
	mu        sync.Mutex
	transient int
	permanent bool
	calls     int
}

func (e *stubEngine) Pseudonymize(_ context.Context, value, _ string) (string, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.permanent {
		return "", resilience.NewPermanentError(errors.New("value rejected"), 422)
	}
	if e.transient > 0 {
		e.transient--
		return "", resilience.NewTransientError(errors.New("tokenization service unavailable"), 503)
	}
	return "tok-" + value, nil
}

func stubFields(t *testing.T, engine pseudonym.Engine) *pseudonym.Fields {
	t.Helper()
	f, err := pseudonym.NewFields(config.PseudonymConfig{
		Enabled:  true,
		Strategy: "deterministic",
		Fields: map[string]config.PseudonymField{
			"id": {Enabled: true, Prefix: "PSN-"},
		},
	}, engine, nil)
	if err != nil {
		t.Fatalf("fields: %v", err)
	}
	return f
}

func TestSyncWindow_UnreachableEngineAbortsWindow(t *testing.T) {
	store := newMemStore()
	sched, dest, job := testScheduler(t, store, makeRows(5), -1)
	sched.fields = stubFields(t, &stubEngine{transient: 100})
	sched.retry = resilience.RetryConfig{MaxAttempts: 2, Delay: time.Millisecond}

	_, err := sched.syncWindow(context.Background(), job, testWindow(), 0, true)
	if err == nil {
		t.Fatal("expected window failure")
	}
	if !resilience.IsTransient(err) {
		t.Errorf("error must stay transient for the caller: %v", err)
	}
	// Nothing delivered, nothing checkpointed: the rows are re-extracted
	// once the engine is reachable again.
	if len(dest.resources) != 0 {
		t.Errorf("delivered = %d, want 0", len(dest.resources))
	}
	if len(store.puts) != 0 {
		t.Errorf("checkpoint written on engine outage: %+v", store.puts)
	}
}

func TestSyncWindow_EngineBlipRetriedThenSucceeds(t *testing.T) {
	store := newMemStore()
	engine := &stubEngine{transient: 1}
	sched, dest, job := testScheduler(t, store, makeRows(3), -1)
	sched.fields = stubFields(t, engine)
	sched.retry = resilience.RetryConfig{MaxAttempts: 3, Delay: time.Millisecond}

	report, err := sched.syncWindow(context.Background(), job, testWindow(), 0, true)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.Created != 3 || report.RenderFailed != 0 {
		t.Errorf("report = %+v", report)
	}
	if _, ok := dest.resources["PSN-tok-row-0"]; !ok {
		t.Errorf("identifiers not tokenized: %v", dest.resources)
	}
	cp := store.cps["observation"]
	if !cp.LastRunTime.Equal(testWindow().End) {
		t.Errorf("checkpoint did not advance: %+v", cp)
	}
}

func TestSyncWindow_PermanentEngineRejectionDropsRowOnly(t *testing.T) {
	store := newMemStore()
	engine := &stubEngine{permanent: true}
	sched, dest, job := testScheduler(t, store, makeRows(2), -1)
	sched.fields = stubFields(t, engine)
	sched.retry = resilience.RetryConfig{MaxAttempts: 3, Delay: time.Millisecond}

	report, err := sched.syncWindow(context.Background(), job, testWindow(), 0, true)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if report.RenderFailed != 2 || len(dest.resources) != 0 {
		t.Errorf("report = %+v delivered = %d", report, len(dest.resources))
	}
	// Permanent rejections never retry and never block the window.
	if engine.calls != 2 {
		t.Errorf("engine calls = %d, want 2", engine.calls)
	}
	cp := store.cps["observation"]
	if !cp.LastRunTime.Equal(testWindow().End) {
		t.Errorf("checkpoint must still advance: %+v", cp)
	}
}

func TestApplyPseudonyms_RetryNeverTokenizesTwice(t *testing.T) {
	// The engine fails after the rule already ran once for the row; the
	// retried attempt must start from the raw value, not the token.
	engine := &stubEngine{transient: 1}
	sched, _, _ := testScheduler(t, newMemStore(), nil, -1)
	sched.fields = stubFields(t, engine)
	sched.retry = resilience.RetryConfig{MaxAttempts: 3, Delay: time.Millisecond}

	row := model.Row{"id": "row-0"}
	applied, err := sched.applyPseudonyms(context.Background(), row)
	if err != nil {
		t.Fatalf("apply: %v", err)
	}
	if applied["id"] != "PSN-tok-row-0" {
		t.Errorf("id = %v, want PSN-tok-row-0", applied["id"])
	}
	if row["id"] != "row-0" {
		t.Errorf("source row mutated: %v", row["id"])
	}
}

func TestGraceContext_OutlivesParentBriefly(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	ctx, done := graceContext(parent, 50*time.Millisecond)
	defer done()

	cancel()
	select {
	case <-ctx.Done():
		t.Fatal("detached context canceled immediately with the parent")
	case <-time.After(10 * time.Millisecond):
	}

	select {
	case <-ctx.Done():
	case <-time.After(200 * time.Millisecond):
		t.Fatal("detached context never canceled after the grace period")
	}
}
