package fanout

import (
	"context"
	"sync"
)

// Op 变更操作
type Op string

const (
	OpUpsert Op = "upsert"
	OpDelete Op = "delete"
)

// Kind names the projected entity type.
const (
	KindPart     = "Part"
	KindUsage    = "PartUsage"
	KindDocument = "Document"
	KindChange   = "Change"
	KindTask     = "Task"
)

// Mutation is a committed primary-store write to mirror into secondaries.
// Fields carries the projected properties; for a delete it may carry the
// keys a target needs to find what to remove (edge endpoints).
type Mutation struct {
	Kind   string
	ID     string
	Op     Op
	Fields map[string]any
}

// Upsert builds an upsert mutation.
func Upsert(kind, id string, fields map[string]any) Mutation {
	return Mutation{Kind: kind, ID: id, Op: OpUpsert, Fields: fields}
}

// Delete builds a delete mutation.
func Delete(kind, id string, fields map[string]any) Mutation {
	return Mutation{Kind: kind, ID: id, Op: OpDelete, Fields: fields}
}

// Result 单个目标的同步结果
type Result string

const (
	ResultOK      Result = "ok"
	ResultFailed  Result = "failed"
	ResultSkipped Result = "skipped"
)

// Outcome reports what happened at one target.
type Outcome struct {
	Target  string `json:"target"`
	Result  Result `json:"result"`
	Message string `json:"message,omitempty"`
	Err     error  `json:"-"`
}

// Degraded reports whether the target did not apply the write.
func (o Outcome) Degraded() bool { return o.Result != ResultOK }

type collectorKey struct{}

// Collector gathers outcomes produced while serving one request so the
// handler can surface degraded targets to the caller.
type Collector struct {
	mu       sync.Mutex
	outcomes []Outcome
}

// Collect returns a context carrying a fresh Collector.
func Collect(ctx context.Context) (context.Context, *Collector) {
	c := &Collector{}
	return context.WithValue(ctx, collectorKey{}, c), c
}

func collectorFrom(ctx context.Context) *Collector {
	c, _ := ctx.Value(collectorKey{}).(*Collector)
	return c
}

func (c *Collector) add(out []Outcome) {
	c.mu.Lock()
	c.outcomes = append(c.outcomes, out...)
	c.mu.Unlock()
}

// Warnings returns the messages of degraded outcomes, deduplicated.
func (c *Collector) Warnings() []string {
	if c == nil {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	seen := map[string]bool{}
	var msgs []string
	for _, o := range c.outcomes {
		if o.Degraded() && !seen[o.Message] {
			seen[o.Message] = true
			msgs = append(msgs, o.Message)
		}
	}
	return msgs
}
