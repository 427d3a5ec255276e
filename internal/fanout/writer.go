// Package fanout mirrors committed primary-store writes into the secondary
// projections (graph store, search index).
//
// The primary store is authoritative. Propagate never returns an error: each
// target runs inside its own boundary that captures errors and panics, and
// the result is reported as an Outcome. A projection that misses a write stays
// stale until the next write to the same entity.
package fanout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/bitfantasy/nimo-pdm/internal/apperr"
	"github.com/bitfantasy/nimo-pdm/internal/resilience"
)

// Target is one secondary store. Upsert and Delete must be idempotent by
// Mutation.ID so that a replayed or reordered write converges.
type Target interface {
	Name() string
	Upsert(ctx context.Context, m Mutation) error
	Delete(ctx context.Context, m Mutation) error
}

// Config 同步参数
type Config struct {
	// Timeout bounds a single target write.
	Timeout time.Duration
	// RateLimit caps writes per second per target; 0 disables the limiter.
	RateLimit float64
	Burst     int
	// Async hands mutations to a bounded pool instead of running them inline.
	Async   bool
	Workers int
	Breaker resilience.BreakerConfig
}

type guarded struct {
	target  Target
	breaker *resilience.Breaker
	limiter *rate.Limiter
}

// Writer fans a mutation out to every registered target.
type Writer struct {
	targets []*guarded
	logger  *zap.Logger
	tracer  trace.Tracer
	timeout time.Duration
	async   bool
	pool    *semaphore.Weighted
	wg      sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// NewWriter creates a writer over the given targets. Nil targets are ignored
// so optional collaborators can be passed straight from configuration.
func NewWriter(logger *zap.Logger, cfg Config, targets ...Target) *Writer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 16
	}
	w := &Writer{
		logger:  logger.Named("fanout"),
		tracer:  otel.Tracer("nimo-pdm/fanout"),
		timeout: cfg.Timeout,
		async:   cfg.Async,
		pool:    semaphore.NewWeighted(int64(cfg.Workers)),
	}
	for _, t := range targets {
		if t == nil {
			continue
		}
		g := &guarded{target: t, breaker: resilience.NewBreaker(t.Name(), cfg.Breaker)}
		g.breaker.OnStateChange(func(name string, from, to resilience.State) {
			observeBreaker(name, from, to)
			w.logger.Warn("target breaker state changed",
				zap.String("target", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		})
		if cfg.RateLimit > 0 {
			burst := cfg.Burst
			if burst <= 0 {
				burst = 1
			}
			g.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
		}
		w.targets = append(w.targets, g)
	}
	return w
}

// Targets returns the names of the registered targets.
func (w *Writer) Targets() []string {
	names := make([]string, len(w.targets))
	for i, g := range w.targets {
		names[i] = g.target.Name()
	}
	return names
}

// Publish propagates m inline or hands it to the pool, depending on the
// configured mode. Inline outcomes are also recorded on any Collector in ctx.
func (w *Writer) Publish(ctx context.Context, m Mutation) {
	if w == nil {
		return
	}
	if w.async {
		w.Dispatch(m)
		return
	}
	out := w.Propagate(ctx, m)
	if c := collectorFrom(ctx); c != nil {
		c.add(out)
	}
}

// Propagate writes m to every target concurrently and waits for all of them.
// It never fails; per-target results are returned in registration order.
func (w *Writer) Propagate(ctx context.Context, m Mutation) []Outcome {
	ctx, span := w.tracer.Start(ctx, "fanout.Propagate", trace.WithAttributes(
		attribute.String("kind", m.Kind),
		attribute.String("id", m.ID),
		attribute.String("op", string(m.Op)),
	))
	defer span.End()

	outcomes := make([]Outcome, len(w.targets))
	var g errgroup.Group
	for i, t := range w.targets {
		g.Go(func() error {
			outcomes[i] = w.apply(ctx, t, m)
			return nil
		})
	}
	_ = g.Wait()

	for _, o := range outcomes {
		if o.Degraded() {
			span.SetStatus(codes.Error, "degraded")
			break
		}
	}
	return outcomes
}

// Dispatch propagates m on the bounded pool without waiting. When the pool is
// full the mutation is dropped and counted.
func (w *Writer) Dispatch(m Mutation) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if w.closed {
		droppedTotal.Inc()
		w.logger.Warn("fanout writer closed, mutation dropped",
			zap.String("kind", m.Kind),
			zap.String("id", m.ID),
			zap.String("op", string(m.Op)))
		return false
	}
	if !w.pool.TryAcquire(1) {
		droppedTotal.Inc()
		w.logger.Warn("fanout pool full, mutation dropped",
			zap.String("kind", m.Kind),
			zap.String("id", m.ID),
			zap.String("op", string(m.Op)))
		return false
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer w.pool.Release(1)
		w.Propagate(context.Background(), m)
	}()
	return true
}

// Close stops accepting async mutations and waits for in-flight
// propagations or until ctx is done.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) apply(ctx context.Context, g *guarded, m Mutation) (out Outcome) {
	name := g.target.Name()
	out = Outcome{Target: name, Result: ResultOK}
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			g.breaker.Failure()
			out = w.failed(name, m, fmt.Errorf("panic: %v", r))
		}
		writeDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
		outcomesTotal.WithLabelValues(name, string(m.Op), string(out.Result)).Inc()
	}()

	ctx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return Outcome{
				Target:  name,
				Result:  ResultSkipped,
				Message: fmt.Sprintf("%s sync skipped - rate limited", name),
				Err:     &apperr.SecondaryStoreError{Target: name, Op: string(m.Op), ID: m.ID, Err: err},
			}
		}
	}

	if err := g.breaker.Allow(); err != nil {
		w.logger.Debug("target unavailable, write skipped",
			zap.String("target", name), zap.String("kind", m.Kind), zap.String("id", m.ID))
		return Outcome{
			Target:  name,
			Result:  ResultSkipped,
			Message: fmt.Sprintf("%s sync skipped - service unavailable", name),
			Err:     &apperr.SecondaryStoreError{Target: name, Op: string(m.Op), ID: m.ID, Err: err},
		}
	}

	var err error
	switch m.Op {
	case OpDelete:
		err = g.target.Delete(ctx, m)
	default:
		err = g.target.Upsert(ctx, m)
	}
	if err != nil {
		g.breaker.Failure()
		return w.failed(name, m, err)
	}
	g.breaker.Success()
	return out
}

func (w *Writer) failed(name string, m Mutation, err error) Outcome {
	serr := &apperr.SecondaryStoreError{Target: name, Op: string(m.Op), ID: m.ID, Err: err}
	w.logger.Error("secondary store write failed",
		zap.String("target", name),
		zap.String("kind", m.Kind),
		zap.String("id", m.ID),
		zap.String("op", string(m.Op)),
		zap.Error(err))
	return Outcome{
		Target:  name,
		Result:  ResultFailed,
		Message: fmt.Sprintf("%s sync skipped - service unavailable", name),
		Err:     serr,
	}
}
