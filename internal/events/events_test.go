package events

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestHubBroadcastAndUserDelivery(t *testing.T) {
	hub := NewHub(zap.NewNop())
	alice := &Client{ID: "c1", UserID: "alice", Events: make(chan Event, 4)}
	bob := &Client{ID: "c2", UserID: "bob", Events: make(chan Event, 4)}
	hub.Register(alice)
	hub.Register(bob)
	require.Equal(t, 2, hub.Count())

	hub.Publish(context.Background(), NewEvent(TypeDocument, map[string]string{"id": "d1"}))
	hub.Publish(context.Background(), NewEvent(TypeMyTask, map[string]string{"id": "t1"}).ForUser("bob"))

	assert.Len(t, alice.Events, 1)
	assert.Len(t, bob.Events, 2)
	e := <-alice.Events
	assert.Equal(t, TypeDocument, e.EventType)
	assert.JSONEq(t, `{"id":"d1"}`, e.Data)

	hub.Unregister("c1")
	assert.Equal(t, 1, hub.Count())
	_, open := <-alice.Events
	assert.False(t, open)
}

func TestHubSkipsFullBuffer(t *testing.T) {
	hub := NewHub(zap.NewNop())
	c := &Client{ID: "c1", Events: make(chan Event, 1)}
	hub.Register(c)

	hub.Publish(context.Background(), NewEvent(TypePart, nil))
	assert.NotPanics(t, func() { hub.Publish(context.Background(), NewEvent(TypePart, nil)) })
	assert.Len(t, c.Events, 1)
}

func TestWireRoundTrip(t *testing.T) {
	e := NewEvent(TypeChange, map[string]string{"id": "c1"}).ForUser("alice")
	raw := `{"event":"change_update","user_id":"alice","data":{"id":"c1"}}`
	got, err := decodeWire(raw)
	require.NoError(t, err)
	assert.Equal(t, e.EventType, got.EventType)
	assert.Equal(t, "alice", got.UserID)
	assert.JSONEq(t, e.Data, got.Data)
}

type countingPublisher struct{ n int }

func (c *countingPublisher) Publish(context.Context, Event) { c.n++ }

func TestMultiSkipsNil(t *testing.T) {
	a := &countingPublisher{}
	m := Multi{a, nil}
	m.Publish(context.Background(), NewEvent(TypeBOM, nil))
	assert.Equal(t, 1, a.n)
}
