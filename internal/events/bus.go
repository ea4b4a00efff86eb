package events

import (
	"sync"
	"sync/atomic"
	"time"
)

const (
	// DefaultRetention is how long the bus keeps recent events per stream
	// for late subscribers.
	DefaultRetention = 60 * time.Second

	// DefaultRetainMax caps the retained events per stream.
	DefaultRetainMax = 8

	// subscriberBuffer is each subscriber's channel capacity. A watcher
	// that falls further behind than this starts losing events and its
	// drop counter ticks up.
	subscriberBuffer = 64
)

// Bus is an in-process pub/sub keyed by stream id (run id or operation
// id). Publishing never blocks: slow subscribers lose events instead of
// stalling the publisher. The last few events per stream are retained for
// a short window so a subscriber arriving just after an event still
// sees it.
type Bus struct {
	mu        sync.RWMutex
	subs      map[string]map[*Subscriber]struct{}
	retained  map[string][]retainedEvent
	retention time.Duration
	retainMax int
	now       func() time.Time
}

type retainedEvent struct {
	ev *Event
	at time.Time
}

// Subscriber receives one stream's events. Close it when done or the bus
// holds its registration forever.
type Subscriber struct {
	streamID string
	ch       chan *Event
	dropped  atomic.Int64
	bus      *Bus
	once     sync.Once
}

// NewBus creates a bus with the default retention window.
func NewBus() *Bus {
	return &Bus{
		subs:      make(map[string]map[*Subscriber]struct{}),
		retained:  make(map[string][]retainedEvent),
		retention: DefaultRetention,
		retainMax: DefaultRetainMax,
		now:       time.Now,
	}
}

// Subscribe registers a receiver for one stream. Events retained within
// the window are replayed into the channel before any new publishes, so a
// late subscriber catches the recent tail.
func (b *Bus) Subscribe(streamID string) *Subscriber {
	sub := &Subscriber{
		streamID: streamID,
		ch:       make(chan *Event, subscriberBuffer),
		bus:      b,
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	cutoff := b.now().Add(-b.retention)
	for _, re := range b.retained[streamID] {
		if re.at.Before(cutoff) {
			continue
		}
		sub.ch <- re.ev
	}

	set, ok := b.subs[streamID]
	if !ok {
		set = make(map[*Subscriber]struct{})
		b.subs[streamID] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Publish fans the event out to the stream's subscribers and retains it
// for late arrivals. Full subscriber channels drop the event and count it.
// The sends happen under the lock so they cannot race a Close; they are
// non-blocking, so the section stays short.
func (b *Bus) Publish(ev *Event) {
	now := b.now()

	b.mu.Lock()
	defer b.mu.Unlock()

	ring := b.retained[ev.RunID]
	ring = append(ring, retainedEvent{ev: ev, at: now})
	cutoff := now.Add(-b.retention)
	for len(ring) > 0 && (len(ring) > b.retainMax || ring[0].at.Before(cutoff)) {
		ring = ring[1:]
	}
	b.retained[ev.RunID] = ring

	for sub := range b.subs[ev.RunID] {
		select {
		case sub.ch <- ev:
		default:
			sub.dropped.Add(1)
		}
	}
}

// Sweep discards retained events older than the window and forgets streams
// with nothing left. The hub runs this on its housekeeping cadence.
func (b *Bus) Sweep() {
	cutoff := b.now().Add(-b.retention)

	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ring := range b.retained {
		for len(ring) > 0 && ring[0].at.Before(cutoff) {
			ring = ring[1:]
		}
		if len(ring) == 0 && len(b.subs[id]) == 0 {
			delete(b.retained, id)
			continue
		}
		b.retained[id] = ring
	}
}

// C is the subscriber's receive channel.
func (s *Subscriber) C() <-chan *Event {
	return s.ch
}

// Dropped reports how many events this subscriber lost to a full buffer.
func (s *Subscriber) Dropped() int64 {
	return s.dropped.Load()
}

// Close unregisters the subscriber and closes its channel. Safe to call
// more than once.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		b := s.bus
		b.mu.Lock()
		if set, ok := b.subs[s.streamID]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(b.subs, s.streamID)
			}
		}
		b.mu.Unlock()
		close(s.ch)
	})
}
