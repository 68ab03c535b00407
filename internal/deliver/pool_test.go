package deliver

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/medic-kiel/aql2fhir/internal/model"
	"github.com/medic-kiel/aql2fhir/internal/resilience"
)

// fakeDestination is an in-memory FHIR server keyed by business identifier.
type fakeDestination struct {
	mu        sync.Mutex
	resources map[string]string // identifier -> logical id
	nextID    int
	updates   int

	transient map[string]int // identifier -> remaining transient failures
	permanent map[string]bool

	inFlight    int
	maxInFlight int
	delay       time.Duration
}

func newFakeDestination() *fakeDestination {
	return &fakeDestination{
		resources: map[string]string{},
		transient: map[string]int{},
		permanent: map[string]bool{},
	}
}

func (f *fakeDestination) enter() {
	f.mu.Lock()
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.mu.Unlock()
	if f.delay > 0 {
		time.Sleep(f.delay)
	}
}

func (f *fakeDestination) leave() {
	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()
}

func (f *fakeDestination) fail(identifier string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.permanent[identifier] {
		return resilience.NewPermanentError(errors.New("rejected"), 422)
	}
	if f.transient[identifier] > 0 {
		f.transient[identifier]--
		return resilience.NewTransientError(errors.New("unavailable"), 503)
	}
	return nil
}

func (f *fakeDestination) SearchByIdentifier(_ context.Context, _, identifier string) (string, error) {
	f.enter()
	defer f.leave()
	if err := f.fail(identifier); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resources[identifier], nil
}

func (f *fakeDestination) Create(_ context.Context, _ string, body map[string]any) (string, error) {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	id := fmt.Sprintf("srv-%d", f.nextID)
	f.resources[identifierOf(body)] = id
	return id, nil
}

func (f *fakeDestination) Update(_ context.Context, _, id string, body map[string]any) error {
	f.enter()
	defer f.leave()
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates++
	return nil
}

func identifierOf(body map[string]any) string {
	s, _ := body["identifier"].(string)
	return s
}

func doc(identifier string) model.Document {
	return model.Document{
		ID:           "doc-" + identifier,
		ResourceType: "Observation",
		Identifier:   identifier,
		Body:         map[string]any{"resourceType": "Observation", "identifier": identifier},
	}
}

func fastRetry() resilience.RetryConfig {
	return resilience.RetryConfig{MaxAttempts: 3, Delay: time.Millisecond}
}

func TestDeliver_CreatesWhenAbsent(t *testing.T) {
	dest := newFakeDestination()
	pool := NewPool(dest, 2, fastRetry())

	outcomes := pool.Deliver(context.Background(), []model.Document{doc("a")})
	if len(outcomes) != 1 {
		t.Fatalf("outcomes = %d", len(outcomes))
	}
	o := outcomes[0]
	if o.Status != model.OutcomeCreated {
		t.Errorf("status = %s, want created", o.Status)
	}
	if o.DestinationID == "" {
		t.Error("created outcome must carry the server id")
	}
	if o.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", o.Attempts)
	}
}

func TestDeliver_RedeliveryUpdatesInPlace(t *testing.T) {
	dest := newFakeDestination()
	pool := NewPool(dest, 2, fastRetry())
	ctx := context.Background()

	first := pool.Deliver(ctx, []model.Document{doc("a")})
	second := pool.Deliver(ctx, []model.Document{doc("a")})

	if first[0].Status != model.OutcomeCreated {
		t.Errorf("first status = %s", first[0].Status)
	}
	if second[0].Status != model.OutcomeUpdated {
		t.Errorf("second status = %s, want updated", second[0].Status)
	}
	if second[0].DestinationID != first[0].DestinationID {
		t.Errorf("redelivery must preserve the logical id: %s vs %s",
			second[0].DestinationID, first[0].DestinationID)
	}
	if len(dest.resources) != 1 {
		t.Errorf("resources = %d, redelivery must not duplicate", len(dest.resources))
	}
}

func TestDeliver_PartialFailureIsolation(t *testing.T) {
	dest := newFakeDestination()
	dest.permanent["b"] = true
	pool := NewPool(dest, 2, fastRetry())

	outcomes := pool.Deliver(context.Background(), []model.Document{doc("a"), doc("b"), doc("c")})

	if outcomes[0].Status != model.OutcomeCreated || outcomes[2].Status != model.OutcomeCreated {
		t.Errorf("siblings must succeed: %s, %s", outcomes[0].Status, outcomes[2].Status)
	}
	if outcomes[1].Status != model.OutcomeFailed {
		t.Errorf("status = %s, want failed", outcomes[1].Status)
	}
	if outcomes[1].Error == "" {
		t.Error("failed outcome must carry the error")
	}
	if outcomes[1].Attempts != 1 {
		t.Errorf("permanent failure consumed %d attempts, want 1", outcomes[1].Attempts)
	}
}

func TestDeliver_TransientRetriedThenSucceeds(t *testing.T) {
	dest := newFakeDestination()
	dest.transient["a"] = 1
	pool := NewPool(dest, 2, fastRetry())

	outcomes := pool.Deliver(context.Background(), []model.Document{doc("a")})
	if outcomes[0].Status != model.OutcomeCreated {
		t.Fatalf("status = %s: %s", outcomes[0].Status, outcomes[0].Error)
	}
	if outcomes[0].Attempts != 2 {
		t.Errorf("attempts = %d, want 2", outcomes[0].Attempts)
	}
}

func TestDeliver_RetryExhaustionFails(t *testing.T) {
	dest := newFakeDestination()
	dest.transient["a"] = 10
	pool := NewPool(dest, 2, fastRetry())

	outcomes := pool.Deliver(context.Background(), []model.Document{doc("a")})
	if outcomes[0].Status != model.OutcomeFailed {
		t.Fatalf("status = %s, want failed", outcomes[0].Status)
	}
	if outcomes[0].Attempts != 3 {
		t.Errorf("attempts = %d, want 3", outcomes[0].Attempts)
	}
}

func TestDeliver_ConcurrencyBoundHeldAcrossBatches(t *testing.T) {
	dest := newFakeDestination()
	dest.delay = 5 * time.Millisecond
	pool := NewPool(dest, 2, fastRetry())

	batchA := []model.Document{doc("a1"), doc("a2"), doc("a3"), doc("a4")}
	batchB := []model.Document{doc("b1"), doc("b2"), doc("b3"), doc("b4")}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); pool.Deliver(context.Background(), batchA) }()
	go func() { defer wg.Done(); pool.Deliver(context.Background(), batchB) }()
	wg.Wait()

	if dest.maxInFlight > 2 {
		t.Errorf("max in-flight = %d, budget of 2 must hold across batches", dest.maxInFlight)
	}
	if len(dest.resources) != 8 {
		t.Errorf("resources = %d, want 8", len(dest.resources))
	}
}

func TestDeliver_OutcomeOrderMatchesInput(t *testing.T) {
	dest := newFakeDestination()
	pool := NewPool(dest, 4, fastRetry())

	docs := []model.Document{doc("x"), doc("y"), doc("z")}
	outcomes := pool.Deliver(context.Background(), docs)
	for i, o := range outcomes {
		if o.Identifier != docs[i].Identifier {
			t.Errorf("outcome[%d] = %s, want %s", i, o.Identifier, docs[i].Identifier)
		}
	}
}

func TestSummarize(t *testing.T) {
	outcomes := []model.Outcome{
		{Status: model.OutcomeCreated},
		{Status: model.OutcomeCreated},
		{Status: model.OutcomeUpdated},
		{Status: model.OutcomeFailed},
	}
	var report model.BatchReport
	Summarize(outcomes, &report)
	if report.Created != 2 || report.Updated != 1 || report.Failed != 1 || report.Delivered != 3 {
		t.Errorf("report = %+v", report)
	}
}
