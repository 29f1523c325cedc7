package events

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, sub *Subscriber) Event {
	t.Helper()
	select {
	case e, ok := <-sub.C:
		require.True(t, ok, "subscriber channel closed")
		return e
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for broadcast event")
		return Event{}
	}
}

func TestSubscribeUnsubscribe(t *testing.T) {
	initial := SubscriberCount()

	sub1 := Subscribe()
	sub2 := Subscribe()
	assert.Equal(t, initial+2, SubscriberCount())

	Unsubscribe(sub1)
	assert.Equal(t, initial+1, SubscriberCount())

	Unsubscribe(sub2)
	Unsubscribe(sub2)
	assert.Equal(t, initial, SubscriberCount())

	_, ok := <-sub1.C
	assert.False(t, ok, "expected channel to be closed after unsubscribe")
}

func TestBroadcastToSubscribers(t *testing.T) {
	sub := Subscribe()
	defer Unsubscribe(sub)

	_, err := Emit("info", "node.executed", "test", map[string]interface{}{"node_id": "m1"})
	require.NoError(t, err)

	e := receive(t, sub)
	assert.Equal(t, "node.executed", e.Name)
	assert.Equal(t, "m1", e.Fields["node_id"])
}

func TestCategoryFilter(t *testing.T) {
	debug := Subscribe("debug")
	defer Unsubscribe(debug)

	Emit("info", "chain.started", "", nil)
	Emit("info", "debug.message", "", map[string]interface{}{"data": 1})

	e := receive(t, debug)
	assert.Equal(t, "debug.message", e.Name)
	select {
	case extra := <-debug.C:
		t.Fatalf("unexpected event %s", extra.Name)
	default:
	}
}

func TestRecentEvents(t *testing.T) {
	Clear()

	for i := 0; i < 10; i++ {
		Emit("info", "node.executed", "", map[string]interface{}{"i": i})
	}
	Emit("info", "debug.message", "", nil)

	recent := RecentEvents(5)
	require.Len(t, recent, 5)
	assert.Equal(t, 6, recent[0].Fields["i"])

	assert.Len(t, RecentEvents(100), 11)
	assert.Len(t, RecentEvents(0), 11)
	assert.Len(t, RecentEvents(0, "debug"), 1)
}

func TestRingBufferWraps(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 5; i++ {
		rb.Add(Event{Fields: map[string]interface{}{"i": i}})
	}
	snap := rb.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, 2, snap[0].Fields["i"])
	assert.Equal(t, 4, snap[2].Fields["i"])

	rb.Clear()
	assert.Empty(t, rb.Snapshot())
}

func TestCloseAllSubscribers(t *testing.T) {
	CloseAllSubscribers()

	sub1 := Subscribe()
	sub2 := Subscribe()
	assert.Equal(t, 2, SubscriberCount())

	CloseAllSubscribers()

	_, ok1 := <-sub1.C
	_, ok2 := <-sub2.C
	assert.False(t, ok1 || ok2, "expected all channels to be closed")
	assert.Equal(t, 0, SubscriberCount())
}

func TestEmitRejectsUnknownEvent(t *testing.T) {
	_, err := Emit("info", "puzzle.solved", "", nil)
	assert.Error(t, err)
}

type failingPersister struct{ calls int }

func (f *failingPersister) Append(time.Time, string, string, string, map[string]interface{}, string) error {
	f.calls++
	return errors.New("db down")
}

func TestPersistFailureReportedOnce(t *testing.T) {
	Clear()
	p := &failingPersister{}
	SetPersister(p)
	defer SetPersister(nil)

	Emit("info", "flow.deployed", "", nil)
	Emit("info", "flow.deployed", "", nil)

	assert.Equal(t, 2, p.calls)
	var systemErrors int
	for _, e := range Snapshot() {
		if e.Name == "system.error" {
			systemErrors++
		}
	}
	assert.Equal(t, 1, systemErrors)
}
