package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/aegisfin/aegis/internal/auditchain"
	"github.com/aegisfin/aegis/internal/bulkhead"
	"github.com/aegisfin/aegis/internal/history"
	"github.com/aegisfin/aegis/internal/scoring"
)

// fakeDispatcher records submitted proof tasks.
type fakeDispatcher struct {
	mu    sync.Mutex
	tasks []bulkhead.Task
	err   error
}

func (d *fakeDispatcher) Submit(t bulkhead.Task) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.tasks = append(d.tasks, t)
	return nil
}

func (d *fakeDispatcher) byReason(reason string) []bulkhead.Task {
	d.mu.Lock()
	defer d.mu.Unlock()
	var out []bulkhead.Task
	for _, t := range d.tasks {
		if t.RiskType == reason {
			out = append(out, t)
		}
	}
	return out
}

// fakePublisher forwards decisions and chain appends to channels for
// synchronization.
type fakePublisher struct {
	decisions chan map[string]interface{}
	appends   chan map[string]interface{}
}

func newFakePublisher(n int) *fakePublisher {
	return &fakePublisher{
		decisions: make(chan map[string]interface{}, n),
		appends:   make(chan map[string]interface{}, n),
	}
}

func (p *fakePublisher) BroadcastDecision(d map[string]interface{}) {
	p.decisions <- d
}

func (p *fakePublisher) BroadcastChainAppend(r map[string]interface{}) {
	p.appends <- r
}

type testPipeline struct {
	gateway    *Gateway
	store      *auditchain.MemoryStore
	ledger     *auditchain.Ledger
	dispatcher *fakeDispatcher
	publisher  *fakePublisher
	cancel     context.CancelFunc
	done       chan struct{}
}

func startPipeline(t *testing.T, bufferSize int, now time.Time) *testPipeline {
	t.Helper()

	store := auditchain.NewMemoryStore()
	ledger := auditchain.New(store, "NODE_TEST")
	dispatcher := &fakeDispatcher{}
	publisher := newFakePublisher(1024)

	g := New(bufferSize, history.NewStore(), scoring.NewEngine(scoring.DefaultWeights()), ledger,
		WithProofDispatcher(dispatcher),
		WithPublisher(publisher),
		WithClock(func() time.Time { return now }),
	)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()

	p := &testPipeline{gateway: g, store: store, ledger: ledger, dispatcher: dispatcher, publisher: publisher, cancel: cancel, done: done}
	t.Cleanup(p.stop)
	return p
}

func (p *testPipeline) stop() {
	p.cancel()
	select {
	case <-p.done:
	case <-time.After(2 * time.Second):
	}
}

// waitDecisions blocks until n decisions have been published.
func (p *testPipeline) waitDecisions(t *testing.T, n int) []map[string]interface{} {
	t.Helper()
	out := make([]map[string]interface{}, 0, n)
	for len(out) < n {
		select {
		case d := <-p.publisher.decisions:
			out = append(out, d)
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out after %d of %d decisions", len(out), n)
		}
	}
	return out
}

func rawEvent(entity, amount string, ts time.Time) []byte {
	b, _ := json.Marshal(map[string]interface{}{
		"entity_id":       entity,
		"amount":          amount,
		"transaction_ref": "TX_TEST",
		"timestamp":       float64(ts.UnixNano()) / float64(time.Second),
	})
	return b
}

func TestCleanTransactionIsClear(t *testing.T) {
	now := time.Now()
	p := startPipeline(t, 64, now)

	if err := p.gateway.Enqueue(rawEvent("ACC_CLEAN", "25.00", now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d := p.waitDecisions(t, 1)[0]
	if d["status"] != StatusClear {
		t.Fatalf("status = %v, want CLEAR", d["status"])
	}
	if d["entity_masked"] != "AC****" {
		t.Fatalf("entity_masked = %v", d["entity_masked"])
	}

	p.stop()
	records, err := p.store.FetchAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 0 {
		t.Fatalf("clear decisions should not be audited, got %d records", len(records))
	}
	if got := p.dispatcher.byReason(TriggerHighRisk); len(got) != 0 {
		t.Fatalf("clear decision dispatched %d proofs", len(got))
	}
}

func TestMalformedEventsAreSkipped(t *testing.T) {
	now := time.Now()
	p := startPipeline(t, 64, now)

	for _, raw := range [][]byte{
		[]byte("not json"),
		[]byte(`{"amount":"5.00"}`),                     // missing entity_id
		[]byte(`{"entity_id":"ACC_1","amount":"lots"}`), // bad amount
		[]byte(`{"entity_id":"ACC_1","amount":"-5"}`),   // negative amount
	} {
		if err := p.gateway.Enqueue(raw); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	// A valid event after the garbage proves the loop survived.
	if err := p.gateway.Enqueue(rawEvent("ACC_OK", "10.00", now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}

	d := p.waitDecisions(t, 1)[0]
	if d["status"] != StatusClear {
		t.Fatalf("status = %v, want CLEAR", d["status"])
	}
}

func TestEnqueueRejectsAtHighWaterMark(t *testing.T) {
	// No consumer running: the buffer fills and stays full.
	g := New(2, history.NewStore(), scoring.NewEngine(scoring.DefaultWeights()),
		auditchain.New(auditchain.NewMemoryStore(), "NODE_TEST"))

	if err := g.Enqueue([]byte(`{}`)); err != nil {
		t.Fatalf("enqueue 1: %v", err)
	}
	if err := g.Enqueue([]byte(`{}`)); err != nil {
		t.Fatalf("enqueue 2: %v", err)
	}
	if err := g.Enqueue([]byte(`{}`)); !errors.Is(err, ErrBufferFull) {
		t.Fatalf("enqueue 3 = %v, want ErrBufferFull", err)
	}
	if g.BufferDepth() != 2 {
		t.Fatalf("depth = %d, want 2", g.BufferDepth())
	}
}

func TestHighValueTriggersProof(t *testing.T) {
	now := time.Now()
	p := startPipeline(t, 64, now)

	if err := p.gateway.Enqueue(rawEvent("ACC_WHALE", "60000.00", now)); err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	d := p.waitDecisions(t, 1)[0]

	// A single large transfer is low risk but still proven.
	if d["status"] != StatusClear {
		t.Fatalf("status = %v, want CLEAR", d["status"])
	}
	tasks := p.dispatcher.byReason(TriggerHighValue)
	if len(tasks) != 1 {
		t.Fatalf("got %d high_value proof tasks, want 1", len(tasks))
	}
	if tasks[0].EntityID != "ACC_WHALE" {
		t.Fatalf("task entity = %q", tasks[0].EntityID)
	}
}

func TestSmurfingEndToEnd(t *testing.T) {
	now := time.Now()
	p := startPipeline(t, 256, now)

	// A burst of small transfers 30 seconds apart: classic structuring of
	// velocity. Scores climb as history accumulates.
	const burst = 100
	for i := 0; i < burst; i++ {
		ts := now.Add(-time.Duration(burst-i) * 30 * time.Second)
		if err := p.gateway.Enqueue(rawEvent("ACC_SMURF", "10.00", ts)); err != nil {
			t.Fatalf("enqueue %d: %v", i, err)
		}
	}

	decisions := p.waitDecisions(t, burst)

	var highRisk int
	for _, d := range decisions {
		if d["status"] == StatusHighRisk {
			highRisk++
			if d["reason_code"] != scoring.ReasonVelocity {
				t.Fatalf("reason_code = %v, want RC_VELOCITY_EXCEEDED", d["reason_code"])
			}
		}
	}
	if highRisk == 0 {
		t.Fatal("burst never reached HIGH_RISK")
	}

	if got := p.dispatcher.byReason(TriggerHighRisk); len(got) != highRisk {
		t.Fatalf("high_risk proof tasks = %d, want %d", len(got), highRisk)
	}

	// Stop flushes pending audit appends; the chain must hold every
	// non-clear decision and verify clean.
	p.stop()
	records, err := p.store.FetchAll(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if len(records) == 0 {
		t.Fatal("no audit records written")
	}
	ok, broken, err := p.ledger.VerifyIntegrity(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("audit chain broken at height %d", broken)
	}

	var payload struct {
		Status       string             `json:"status"`
		EntityMasked string             `json:"entity_masked"`
		RiskScore    float64            `json:"risk_score"`
		FullDetails  map[string]float64 `json:"full_details"`
	}
	if err := json.Unmarshal([]byte(records[len(records)-1].Payload), &payload); err != nil {
		t.Fatalf("payload decode: %v", err)
	}
	if payload.EntityMasked != "AC****" {
		t.Fatalf("audited entity not masked: %q", payload.EntityMasked)
	}
	if payload.RiskScore <= auditThreshold {
		t.Fatalf("audited score %v below audit threshold", payload.RiskScore)
	}
	if _, ok := payload.FullDetails[scoring.ContribVelocity]; !ok {
		t.Fatal("full_details missing velocity contribution")
	}
}

func TestAuditAppendIsPublished(t *testing.T) {
	now := time.Now()
	p := startPipeline(t, 64, now)

	// A run of structuring-range amounts climbs above the audit threshold
	// once velocity builds up, so a chain append must reach subscribers.
	for i := 0; i < 8; i++ {
		if err := p.gateway.Enqueue(rawEvent("ACC_STRUCT", "9600.00", now)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}
	p.waitDecisions(t, 8)

	select {
	case r := <-p.publisher.appends:
		if got := r["entity_masked"]; got != "AC****" {
			t.Fatalf("entity_masked = %v, want AC****", got)
		}
		hash, _ := r["block_hash"].(string)
		if len(hash) != 64 {
			t.Fatalf("block_hash = %q, want 64 hex chars", hash)
		}
		if r["request_id"] == "" {
			t.Fatal("chain append missing request_id")
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no chain append published")
	}
}

func TestShutdownDrainsBuffer(t *testing.T) {
	now := time.Now()

	store := auditchain.NewMemoryStore()
	ledger := auditchain.New(store, "NODE_TEST")
	publisher := newFakePublisher(64)
	g := New(64, history.NewStore(), scoring.NewEngine(scoring.DefaultWeights()), ledger,
		WithPublisher(publisher),
		WithClock(func() time.Time { return now }),
	)

	// Enqueue before starting the consumer, then cancel immediately:
	// Run must still process everything already buffered.
	for i := 0; i < 10; i++ {
		if err := g.Enqueue(rawEvent(fmt.Sprintf("ACC_%d", i), "10.00", now)); err != nil {
			t.Fatalf("enqueue: %v", err)
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	done := make(chan struct{})
	go func() {
		g.Run(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if got := len(publisher.decisions); got != 10 {
		t.Fatalf("processed %d buffered events, want 10", got)
	}
	if g.BufferDepth() != 0 {
		t.Fatalf("buffer depth = %d after drain", g.BufferDepth())
	}
}

func TestMask(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"ACC_78901", "AC****"},
		{"ABCDE", "AB****"},
		{"ABCD", "****"},
		{"AB", "****"},
		{"", "****"},
		{"ÉÑTITÉ_9", "ÉÑ****"},
		{"名前が長い口座", "名前****"},
		{"日本語", "****"},
	}
	for _, tc := range cases {
		if got := Mask(tc.in); got != tc.want {
			t.Errorf("Mask(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
