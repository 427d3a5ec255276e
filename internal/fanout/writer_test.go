package fanout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/bitfantasy/nimo-pdm/internal/apperr"
	"github.com/bitfantasy/nimo-pdm/internal/resilience"
)

// memTarget stores the latest fields per id and can be told to fail or panic.
type memTarget struct {
	name  string
	err   error
	panic bool
	block chan struct{}
	calls atomic.Int32

	mu   sync.Mutex
	rows map[string]map[string]any
}

func newMemTarget(name string) *memTarget {
	return &memTarget{name: name, rows: map[string]map[string]any{}}
}

func (t *memTarget) Name() string { return t.name }

func (t *memTarget) Upsert(ctx context.Context, m Mutation) error {
	t.calls.Add(1)
	if t.block != nil {
		select {
		case <-t.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if t.panic {
		panic("driver exploded")
	}
	if t.err != nil {
		return t.err
	}
	t.mu.Lock()
	t.rows[m.ID] = m.Fields
	t.mu.Unlock()
	return nil
}

func (t *memTarget) Delete(_ context.Context, m Mutation) error {
	t.calls.Add(1)
	if t.err != nil {
		return t.err
	}
	t.mu.Lock()
	delete(t.rows, m.ID)
	t.mu.Unlock()
	return nil
}

func (t *memTarget) get(id string) (map[string]any, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	v, ok := t.rows[id]
	return v, ok
}

func TestPropagateAllHealthy(t *testing.T) {
	graph, search := newMemTarget("graph"), newMemTarget("search")
	w := NewWriter(zap.NewNop(), Config{}, graph, search)

	out := w.Propagate(context.Background(), Upsert(KindPart, "p1", map[string]any{"code": "P-1"}))
	require.Len(t, out, 2)
	for _, o := range out {
		assert.Equal(t, ResultOK, o.Result)
		assert.False(t, o.Degraded())
	}

	row, ok := graph.get("p1")
	require.True(t, ok)
	assert.Equal(t, "P-1", row["code"])

	w.Propagate(context.Background(), Delete(KindPart, "p1", nil))
	_, ok = search.get("p1")
	assert.False(t, ok)
}

func TestPropagateIsolatesFailingTarget(t *testing.T) {
	graph, search := newMemTarget("graph"), newMemTarget("search")
	graph.err = errors.New("connection refused")
	w := NewWriter(zap.NewNop(), Config{}, graph, search)

	out := w.Propagate(context.Background(), Upsert(KindDocument, "d1", map[string]any{"title": "Datasheet"}))

	assert.Equal(t, ResultFailed, out[0].Result)
	assert.Equal(t, "graph sync skipped - service unavailable", out[0].Message)
	var serr *apperr.SecondaryStoreError
	require.ErrorAs(t, out[0].Err, &serr)
	assert.Equal(t, "graph", serr.Target)
	assert.Equal(t, "d1", serr.ID)

	assert.Equal(t, ResultOK, out[1].Result)
	_, ok := search.get("d1")
	assert.True(t, ok)
}

func TestPropagateRecoversPanic(t *testing.T) {
	bad, good := newMemTarget("graph"), newMemTarget("search")
	bad.panic = true
	w := NewWriter(zap.NewNop(), Config{}, bad, good)

	var out []Outcome
	assert.NotPanics(t, func() {
		out = w.Propagate(context.Background(), Upsert(KindPart, "p1", nil))
	})
	assert.Equal(t, ResultFailed, out[0].Result)
	assert.Contains(t, out[0].Err.Error(), "driver exploded")
	assert.Equal(t, ResultOK, out[1].Result)
}

func TestPropagateTimesOutSlowTarget(t *testing.T) {
	slow := newMemTarget("graph")
	slow.block = make(chan struct{})
	defer close(slow.block)
	w := NewWriter(zap.NewNop(), Config{Timeout: 20 * time.Millisecond}, slow)

	out := w.Propagate(context.Background(), Upsert(KindPart, "p1", nil))
	assert.Equal(t, ResultFailed, out[0].Result)
	assert.ErrorIs(t, out[0].Err, context.DeadlineExceeded)
}

func TestBreakerSkipsUnavailableTarget(t *testing.T) {
	graph := newMemTarget("graph")
	graph.err = errors.New("unavailable")
	w := NewWriter(zap.NewNop(), Config{
		Breaker: resilience.BreakerConfig{Threshold: 2, Window: time.Minute, Cooldown: time.Hour},
	}, graph)

	w.Propagate(context.Background(), Upsert(KindPart, "p1", nil))
	w.Propagate(context.Background(), Upsert(KindPart, "p1", nil))
	require.Equal(t, int32(2), graph.calls.Load())

	out := w.Propagate(context.Background(), Upsert(KindPart, "p1", nil))
	assert.Equal(t, ResultSkipped, out[0].Result)
	assert.Equal(t, "graph sync skipped - service unavailable", out[0].Message)
	assert.Equal(t, int32(2), graph.calls.Load(), "open breaker must not call the target")
}

func TestPublishRecordsWarningsOnCollector(t *testing.T) {
	graph, search := newMemTarget("graph"), newMemTarget("search")
	graph.err = errors.New("down")
	w := NewWriter(zap.NewNop(), Config{}, graph, search)

	ctx, col := Collect(context.Background())
	w.Publish(ctx, Upsert(KindPart, "p1", nil))
	w.Publish(ctx, Upsert(KindPart, "p2", nil))

	assert.Equal(t, []string{"graph sync skipped - service unavailable"}, col.Warnings())
}

func TestNilCollectorHasNoWarnings(t *testing.T) {
	var c *Collector
	assert.Nil(t, c.Warnings())
}

func TestDispatchAsyncAndDropWhenFull(t *testing.T) {
	slow := newMemTarget("search")
	slow.block = make(chan struct{})
	w := NewWriter(zap.NewNop(), Config{Async: true, Workers: 1, Timeout: time.Second}, slow)

	assert.True(t, w.Dispatch(Upsert(KindTask, "t1", map[string]any{"title": "a"})))
	assert.False(t, w.Dispatch(Upsert(KindTask, "t2", nil)), "pool of one is busy")

	close(slow.block)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, w.Close(ctx))

	_, ok := slow.get("t1")
	assert.True(t, ok)
	_, ok = slow.get("t2")
	assert.False(t, ok)
}

func TestDispatchAfterCloseIsDropped(t *testing.T) {
	search := newMemTarget("search")
	w := NewWriter(zap.NewNop(), Config{Async: true, Workers: 4, Timeout: time.Second}, search)
	require.NoError(t, w.Close(context.Background()))

	assert.False(t, w.Dispatch(Upsert(KindTask, "late", nil)))
	_, ok := search.get("late")
	assert.False(t, ok)
}

func TestNilTargetsIgnored(t *testing.T) {
	w := NewWriter(zap.NewNop(), Config{}, nil, newMemTarget("search"))
	assert.Equal(t, []string{"search"}, w.Targets())
}

func TestLastWriteWinsAcrossUpserts(t *testing.T) {
	search := newMemTarget("search")
	w := NewWriter(zap.NewNop(), Config{}, search)

	w.Propagate(context.Background(), Upsert(KindPart, "p1", map[string]any{"title": "old"}))
	w.Propagate(context.Background(), Upsert(KindPart, "p1", map[string]any{"title": "new"}))

	row, _ := search.get("p1")
	assert.Equal(t, "new", row["title"])
}
