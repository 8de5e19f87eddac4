package hub

import (
	"sync"

	"github.com/google/uuid"
)

// Subscription is one subscriber's private buffered stream of events.
// Snapshot events are delivered before any buffered tail event; tail
// events are delivered in hub broadcast order. The buffer never blocks
// the hub: enqueues are non-blocking and, when a cap is configured,
// overflow terminates only this subscriber with ErrSlowConsumer.
type Subscription struct {
	id         string
	snapshotTs uint64
	// gated is false for subscribers that attached before the hub saw
	// any record; they receive every broadcast.
	gated bool

	out  chan Event
	wake chan struct{}

	mu       sync.Mutex
	snapshot []Event
	queue    []Event
	err      error
	done     bool

	cancelOnce sync.Once
	cancelled  chan struct{}
	onCancel   func(*Subscription)

	maxBuffer int
}

func newSubscription(snapshotTs uint64, gated bool, maxBuffer int, onCancel func(*Subscription)) *Subscription {
	s := &Subscription{
		id:         uuid.NewString(),
		snapshotTs: snapshotTs,
		gated:      gated,
		out:        make(chan Event),
		wake:       make(chan struct{}, 1),
		cancelled:  make(chan struct{}),
		onCancel:   onCancel,
		maxBuffer:  maxBuffer,
	}
	go s.pump()
	return s
}

// ID returns the subscription's unique identifier.
func (s *Subscription) ID() string {
	return s.id
}

// Events returns the subscriber's event stream. The channel closes when
// the subscription ends; check Err afterwards.
func (s *Subscription) Events() <-chan Event {
	return s.out
}

// Err returns the error that terminated the stream, if any. A clean
// shutdown closes the channel without an error.
func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the subscription. Safe to call concurrently with event
// broadcast and more than once; enqueues after Close are no-ops.
func (s *Subscription) Close() {
	s.cancelOnce.Do(func() {
		close(s.cancelled)
		if s.onCancel != nil {
			s.onCancel(s)
		}
	})
}

// loadSnapshot seeds the events delivered before any tail event. Called
// once, under the hub lock, before the subscription is broadcast to.
func (s *Subscription) loadSnapshot(events []Event) {
	s.mu.Lock()
	s.snapshot = events
	s.mu.Unlock()
	s.signal()
}

// enqueue appends a tail event. It never blocks; overflow of a capped
// buffer fails this subscriber only.
func (s *Subscription) enqueue(ev Event) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	if s.maxBuffer > 0 && len(s.queue) >= s.maxBuffer {
		s.err = ErrSlowConsumer
		s.done = true
		s.mu.Unlock()
		s.signal()
		// Detach asynchronously; the broadcaster holds the hub lock.
		go s.Close()
		return
	}
	s.queue = append(s.queue, ev)
	s.mu.Unlock()
	s.signal()
}

// fail terminates the subscription with the given error after all queued
// events drain.
func (s *Subscription) fail(err error) {
	s.mu.Lock()
	if !s.done {
		s.err = err
		s.done = true
	}
	s.mu.Unlock()
	s.signal()
}

// complete ends the subscription cleanly after queued events drain.
func (s *Subscription) complete() {
	s.mu.Lock()
	s.done = true
	s.mu.Unlock()
	s.signal()
}

func (s *Subscription) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pump moves events from the buffer to the consumer channel: snapshot
// first, then the tail in arrival order.
func (s *Subscription) pump() {
	defer close(s.out)

	for {
		s.mu.Lock()
		var next Event
		var ok bool
		switch {
		case len(s.snapshot) > 0:
			next, ok = s.snapshot[0], true
			s.snapshot = s.snapshot[1:]
		case len(s.queue) > 0:
			next, ok = s.queue[0], true
			s.queue = s.queue[1:]
		}
		done := s.done && !ok
		s.mu.Unlock()

		if done {
			return
		}
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.cancelled:
				return
			}
		}

		select {
		case s.out <- next:
		case <-s.cancelled:
			return
		}
	}
}
