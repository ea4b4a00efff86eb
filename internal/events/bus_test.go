package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bastion-sh/bastion/internal/store"
)

func testEvent(runID string, seq int64) *Event {
	return &store.RunEvent{RunID: runID, Seq: seq, TS: 100, Level: "info", Kind: "stage", Message: "m"}
}

func TestBusFanOut(t *testing.T) {
	bus := NewBus()
	a := bus.Subscribe("r1")
	defer a.Close()
	b := bus.Subscribe("r1")
	defer b.Close()
	other := bus.Subscribe("r2")
	defer other.Close()

	bus.Publish(testEvent("r1", 1))

	require.Equal(t, int64(1), (<-a.C()).Seq)
	require.Equal(t, int64(1), (<-b.C()).Seq)
	select {
	case ev := <-other.C():
		t.Fatalf("r2 subscriber received %v", ev)
	default:
	}
}

func TestBusSlowSubscriberDrops(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("r1")
	defer sub.Close()

	for i := 0; i < subscriberBuffer+5; i++ {
		bus.Publish(testEvent("r1", int64(i+1)))
	}

	require.Equal(t, int64(5), sub.Dropped())

	// The buffered prefix is still intact and in order.
	first := <-sub.C()
	require.Equal(t, int64(1), first.Seq)
}

func TestBusLateSubscriberReplay(t *testing.T) {
	bus := NewBus()
	now := time.Unix(1000, 0)
	bus.now = func() time.Time { return now }

	for i := 1; i <= 12; i++ {
		bus.Publish(testEvent("r1", int64(i)))
	}

	// Only the newest retainMax events survive.
	sub := bus.Subscribe("r1")
	defer sub.Close()
	var got []int64
	for i := 0; i < DefaultRetainMax; i++ {
		got = append(got, (<-sub.C()).Seq)
	}
	require.Equal(t, []int64{5, 6, 7, 8, 9, 10, 11, 12}, got)
}

func TestBusReplayWindowExpires(t *testing.T) {
	bus := NewBus()
	now := time.Unix(1000, 0)
	bus.now = func() time.Time { return now }

	bus.Publish(testEvent("r1", 1))

	now = now.Add(DefaultRetention + time.Second)
	sub := bus.Subscribe("r1")
	defer sub.Close()

	select {
	case ev := <-sub.C():
		t.Fatalf("expired event %v replayed", ev)
	default:
	}
}

func TestBusSweepForgetsIdleStreams(t *testing.T) {
	bus := NewBus()
	now := time.Unix(1000, 0)
	bus.now = func() time.Time { return now }

	bus.Publish(testEvent("r1", 1))
	require.Len(t, bus.retained, 1)

	now = now.Add(DefaultRetention + time.Second)
	bus.Sweep()
	require.Empty(t, bus.retained)
}

func TestSubscriberCloseIsIdempotent(t *testing.T) {
	bus := NewBus()
	sub := bus.Subscribe("r1")
	sub.Close()
	sub.Close()

	// Publishing after close must not panic or deliver.
	bus.Publish(testEvent("r1", 1))
	_, open := <-sub.C()
	require.False(t, open)
}
