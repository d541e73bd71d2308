// Package ingest is the inbound edge of the risk pipeline. Events enter
// through a bounded buffer and are processed by a single consumer loop:
// record history, score, audit, and selectively dispatch proof work.
//
// The buffer is the backpressure point. When it is full the producer is
// told so immediately; nothing in the pipeline ever blocks the caller.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/aegisfin/aegis/internal/auditchain"
	"github.com/aegisfin/aegis/internal/bulkhead"
	"github.com/aegisfin/aegis/internal/history"
	"github.com/aegisfin/aegis/internal/idgen"
	"github.com/aegisfin/aegis/internal/logging"
	"github.com/aegisfin/aegis/internal/metrics"
	"github.com/aegisfin/aegis/internal/money"
	"github.com/aegisfin/aegis/internal/scoring"
)

// ErrBufferFull is returned by Enqueue when the inbound buffer is at the
// high-water mark. Producers should back off and retry.
var ErrBufferFull = errors.New("ingest: buffer full")

// Decision statuses. CLEAR decisions are not audited.
const (
	StatusClear    = "CLEAR"
	StatusWarning  = "WARNING"
	StatusHighRisk = "HIGH_RISK"
)

// Proof trigger reasons.
const (
	TriggerHighRisk  = "high_risk"
	TriggerHighValue = "high_value"
)

const (
	auditThreshold    = 0.5
	highRiskThreshold = 0.8
)

// highValueLimit is the amount above which a proof is generated
// regardless of score.
var highValueLimit = mustAmount("50000")

// event is the inbound wire format. Timestamp is optional epoch seconds;
// zero means "now".
type event struct {
	EntityID       string  `json:"entity_id"`
	Amount         string  `json:"amount"`
	TransactionRef string  `json:"transaction_ref"`
	Timestamp      float64 `json:"timestamp"`
}

// ProofDispatcher accepts proof tasks. Satisfied by *bulkhead.Pool.
type ProofDispatcher interface {
	Submit(bulkhead.Task) error
}

// DecisionPublisher pushes decisions and chain appends to live subscribers.
// Satisfied by *realtime.Hub.
type DecisionPublisher interface {
	BroadcastDecision(map[string]interface{})
	BroadcastChainAppend(map[string]interface{})
}

// Gateway owns the inbound buffer and the consumer loop.
type Gateway struct {
	buf    chan []byte
	hist   *history.Store
	engine *scoring.Engine
	ledger *auditchain.Ledger

	pool   ProofDispatcher
	hub    DecisionPublisher
	logger *slog.Logger
	clock  func() time.Time

	auditWG sync.WaitGroup
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithLogger sets the gateway logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Gateway) { g.logger = l }
}

// WithClock overrides the time source, for tests.
func WithClock(fn func() time.Time) Option {
	return func(g *Gateway) { g.clock = fn }
}

// WithProofDispatcher sets the bulkhead pool receiving proof tasks.
func WithProofDispatcher(p ProofDispatcher) Option {
	return func(g *Gateway) { g.pool = p }
}

// WithPublisher sets the realtime hub receiving decision events.
func WithPublisher(h DecisionPublisher) Option {
	return func(g *Gateway) { g.hub = h }
}

// New creates a gateway with the given buffer capacity.
func New(bufferSize int, hist *history.Store, engine *scoring.Engine, ledger *auditchain.Ledger, opts ...Option) *Gateway {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	g := &Gateway{
		buf:    make(chan []byte, bufferSize),
		hist:   hist,
		engine: engine,
		ledger: ledger,
		logger: slog.Default(),
		clock:  time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Enqueue accepts one raw event. It never blocks: at the high-water mark
// it returns ErrBufferFull and the caller decides what to do.
func (g *Gateway) Enqueue(raw []byte) error {
	select {
	case g.buf <- raw:
		metrics.IngestBufferDepth.Set(float64(len(g.buf)))
		return nil
	default:
		metrics.IngestRejectedTotal.Inc()
		return ErrBufferFull
	}
}

// BufferDepth returns the number of events waiting to be processed.
func (g *Gateway) BufferDepth() int {
	return len(g.buf)
}

// Run consumes events until ctx is cancelled, then drains whatever is
// already buffered and waits for outstanding audit appends.
func (g *Gateway) Run(ctx context.Context) {
	g.logger.Info("ingest gateway started", "buffer_capacity", cap(g.buf))

	for {
		select {
		case <-ctx.Done():
			g.drain()
			g.auditWG.Wait()
			g.logger.Info("ingest gateway stopped")
			return
		case raw := <-g.buf:
			metrics.IngestBufferDepth.Set(float64(len(g.buf)))
			g.process(ctx, raw)
		}
	}
}

// drain processes everything already buffered at shutdown. New Enqueue
// calls may still land during the drain; anything after the buffer
// empties is dropped.
func (g *Gateway) drain() {
	for {
		select {
		case raw := <-g.buf:
			g.process(context.Background(), raw)
		default:
			metrics.IngestBufferDepth.Set(0)
			return
		}
	}
}

// process runs one event through the full pipeline.
func (g *Gateway) process(ctx context.Context, raw []byte) {
	ev, amount, ts, err := g.decode(raw)
	if err != nil {
		metrics.ParseErrorsTotal.Inc()
		g.logger.Warn("dropping malformed event", "error", err)
		return
	}

	window := g.hist.Record(ev.EntityID, ts, amount)
	assessment := g.engine.PredictRisk(window, g.clock())

	metrics.TransactionsProcessedTotal.Inc()
	metrics.RiskScoreHistogram.WithLabelValues(assessment.ReasonCode).Observe(assessment.Score)

	requestID := idgen.WithPrefix("req")
	masked := Mask(ev.EntityID)
	status := StatusClear
	switch {
	case assessment.Score > highRiskThreshold:
		status = StatusHighRisk
		metrics.RiskBlocksTotal.Inc()
	case assessment.Score > auditThreshold:
		status = StatusWarning
	}

	logging.Decision(ctx, masked, status, assessment.ReasonCode, assessment.Score).
		Info("risk decision", "request_id", requestID, "ref", ev.TransactionRef)

	if status != StatusClear {
		g.auditWG.Add(1)
		go g.appendAudit(requestID, masked, status, assessment, ts)
	}

	g.maybeDispatchProof(ev.EntityID, amount, assessment.Score)

	if g.hub != nil {
		g.hub.BroadcastDecision(map[string]interface{}{
			"request_id":    requestID,
			"entity_masked": masked,
			"status":        status,
			"risk_score":    assessment.Score,
			"reason_code":   assessment.ReasonCode,
		})
	}
}

func (g *Gateway) decode(raw []byte) (event, money.Amount, time.Time, error) {
	var ev event
	if err := json.Unmarshal(raw, &ev); err != nil {
		return ev, money.Zero(), time.Time{}, fmt.Errorf("decode event: %w", err)
	}
	if ev.EntityID == "" {
		return ev, money.Zero(), time.Time{}, errors.New("decode event: missing entity_id")
	}
	amount, ok := money.Parse(ev.Amount)
	if !ok {
		return ev, money.Zero(), time.Time{}, fmt.Errorf("decode event: bad amount %q", ev.Amount)
	}

	ts := g.clock()
	if ev.Timestamp > 0 {
		sec, frac := math.Modf(ev.Timestamp)
		ts = time.Unix(int64(sec), int64(frac*float64(time.Second)))
	}
	return ev, amount, ts, nil
}

// appendAudit writes one decision record to the tamper-evident ledger.
// Runs off the consumer loop so a slow store never stalls ingestion.
func (g *Gateway) appendAudit(requestID, masked, status string, a *scoring.Assessment, ts time.Time) {
	defer g.auditWG.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	payload := map[string]any{
		"timestamp":     ts.UTC().Format(time.RFC3339Nano),
		"request_id":    requestID,
		"entity_masked": masked,
		"status":        status,
		"risk_score":    a.Score,
		"reason_code":   a.ReasonCode,
		"full_details":  a.Contributions,
	}
	blockHash, err := g.ledger.AppendEntry(ctx, payload)
	if err != nil {
		g.logger.Error("audit append failed", "request_id", requestID, "error", err)
		return
	}
	if g.hub != nil {
		g.hub.BroadcastChainAppend(map[string]interface{}{
			"block_hash":    blockHash,
			"request_id":    requestID,
			"entity_masked": masked,
			"status":        status,
		})
	}
}

// maybeDispatchProof submits a proof task when the decision is high risk
// or the amount crosses the high-value limit.
func (g *Gateway) maybeDispatchProof(entityID string, amount money.Amount, score float64) {
	if g.pool == nil {
		return
	}

	var reason string
	switch {
	case score > highRiskThreshold:
		reason = TriggerHighRisk
	case amount.GT(highValueLimit):
		reason = TriggerHighValue
	default:
		return
	}

	metrics.ProofTriggersTotal.WithLabelValues(reason).Inc()
	if err := g.pool.Submit(bulkhead.Task{EntityID: entityID, RiskType: reason, Score: score}); err != nil {
		g.logger.Warn("proof dispatch rejected", "entity", Mask(entityID), "reason", reason, "error", err)
	}
}

// Mask redacts an entity identifier for logs and audit payloads: the
// first two characters survive, the rest is replaced.
func Mask(entityID string) string {
	r := []rune(entityID)
	if len(r) > 4 {
		return string(r[:2]) + "****"
	}
	return "****"
}

func mustAmount(s string) money.Amount {
	a, ok := money.Parse(s)
	if !ok {
		panic("ingest: invalid amount literal " + s)
	}
	return a
}
