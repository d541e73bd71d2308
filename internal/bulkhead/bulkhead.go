// Package bulkhead isolates expensive proof generation behind a fixed
// worker pool with a bounded queue. A slow or failing prover can stall
// at most the pool's workers; the ingestion path never blocks on it.
package bulkhead

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/aegisfin/aegis/internal/circuitbreaker"
	"github.com/aegisfin/aegis/internal/metrics"
	"github.com/aegisfin/aegis/internal/prover"
)

var (
	// ErrQueueFull is returned by Submit when the task queue is at capacity.
	ErrQueueFull = errors.New("bulkhead: queue full")
	// ErrStopped is returned by Submit after Stop has been called.
	ErrStopped = errors.New("bulkhead: stopped")
)

const breakerKey = "prover"

// Task is one proof generation request.
type Task struct {
	EntityID string
	RiskType string
	Score    float64
}

// Pool runs proof generation tasks on a fixed set of workers.
// Submit never blocks: tasks beyond queue capacity are rejected.
type Pool struct {
	tasks   chan Task
	prover  prover.Prover
	breaker *circuitbreaker.Breaker
	timeout time.Duration
	logger  *slog.Logger
	onDone  func(Task, *prover.Artifact, error)

	// mu serializes intake against Stop: Submit holds the read lock
	// across the stopped check and the channel send, so the channel is
	// never closed mid-send.
	mu      sync.RWMutex
	wg      sync.WaitGroup
	stopped bool
}

// Option configures a Pool.
type Option func(*Pool)

// WithLogger sets the pool logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Pool) { p.logger = l }
}

// WithTimeout sets the per-task deadline for proof generation.
func WithTimeout(d time.Duration) Option {
	return func(p *Pool) { p.timeout = d }
}

// WithBreaker sets the circuit breaker guarding prover calls.
func WithBreaker(b *circuitbreaker.Breaker) Option {
	return func(p *Pool) { p.breaker = b }
}

// WithResultHook sets a callback invoked after each task completes,
// with the artifact on success or the error on failure.
func WithResultHook(fn func(Task, *prover.Artifact, error)) Option {
	return func(p *Pool) { p.onDone = fn }
}

// New creates a pool with the given worker count and queue capacity.
// Workers start immediately.
func New(workers, queueSize int, pv prover.Prover, opts ...Option) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	p := &Pool{
		tasks:   make(chan Task, queueSize),
		prover:  pv,
		timeout: 30 * time.Second,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.breaker == nil {
		p.breaker = circuitbreaker.New(5, 30*time.Second)
	}

	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Submit enqueues a proof task. It never blocks: if the queue is at
// capacity it returns ErrQueueFull, and after Stop it returns ErrStopped.
func (p *Pool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.stopped {
		return ErrStopped
	}
	select {
	case p.tasks <- task:
		metrics.ProofQueueDepth.Set(float64(len(p.tasks)))
		return nil
	default:
		metrics.ProofResultsTotal.WithLabelValues("rejected").Inc()
		return ErrQueueFull
	}
}

// QueueDepth returns the number of tasks waiting for a worker.
func (p *Pool) QueueDepth() int {
	return len(p.tasks)
}

// Stop closes intake and waits for in-flight tasks to finish.
// Queued tasks are drained before Stop returns.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.stopped {
		p.stopped = true
		close(p.tasks)
	}
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for task := range p.tasks {
		metrics.ProofQueueDepth.Set(float64(len(p.tasks)))
		p.run(task)
	}
}

// run executes one task. Panics from the prover are contained here so
// a misbehaving backend cannot take down a worker.
func (p *Pool) run(task Task) {
	start := time.Now()

	var (
		artifact *prover.Artifact
		err      error
	)
	defer func() {
		if r := recover(); r != nil {
			metrics.ProofResultsTotal.WithLabelValues("panic").Inc()
			p.breaker.RecordFailure(breakerKey)
			err = fmt.Errorf("bulkhead: prover panic: %v", r)
			p.logger.Error("proof generation panicked",
				"entity", task.EntityID,
				"risk_type", task.RiskType,
				"panic", r,
				"stack", string(debug.Stack()))
			if p.onDone != nil {
				p.onDone(task, nil, err)
			}
		}
	}()

	if !p.breaker.Allow(breakerKey) {
		metrics.ProofResultsTotal.WithLabelValues("rejected").Inc()
		err = fmt.Errorf("bulkhead: circuit open for %s", breakerKey)
		p.logger.Warn("proof skipped, circuit open",
			"entity", task.EntityID,
			"risk_type", task.RiskType)
		if p.onDone != nil {
			p.onDone(task, nil, err)
		}
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	artifact, err = p.prover.GenerateProof(ctx, task.EntityID, task.RiskType, task.Score)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		metrics.ProofResultsTotal.WithLabelValues("ok").Inc()
		p.breaker.RecordSuccess(breakerKey)
		p.logger.Info("proof generated",
			"entity", task.EntityID,
			"risk_type", task.RiskType,
			"score", task.Score,
			"duration", elapsed)
	case errors.Is(err, context.DeadlineExceeded):
		metrics.ProofResultsTotal.WithLabelValues("timeout").Inc()
		p.breaker.RecordFailure(breakerKey)
		p.logger.Error("proof generation timed out",
			"entity", task.EntityID,
			"risk_type", task.RiskType,
			"timeout", p.timeout)
	default:
		metrics.ProofResultsTotal.WithLabelValues("error").Inc()
		p.breaker.RecordFailure(breakerKey)
		p.logger.Error("proof generation failed",
			"entity", task.EntityID,
			"risk_type", task.RiskType,
			"error", err)
	}

	if p.onDone != nil {
		p.onDone(task, artifact, err)
	}
}
