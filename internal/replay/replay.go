// Package replay provides an append-only event log with replaying
// subscriptions: every subscriber receives the complete history in append
// order, followed by live events, each exactly once, regardless of when it
// attached.
package replay

import "sync"

// Log is an append-only, replayable event log. The zero value is ready to use.
type Log[T any] struct {
	mu     sync.Mutex
	events []T
	subs   []*subscription[T]
}

type subscription[T any] struct {
	log *Log[T]
	fn  func(T)

	mu       sync.Mutex
	cursor   int
	draining bool
	stopped  bool
}

// Append records v and delivers it to every live subscriber.
func (l *Log[T]) Append(v T) {
	l.Store(v)
	l.Flush()
}

// Store records v without delivering it. Callers that need to decide what
// to append under their own lock call Store there and Flush after unlocking.
func (l *Log[T]) Store(v T) {
	l.mu.Lock()
	l.events = append(l.events, v)
	l.mu.Unlock()
}

// Flush delivers every stored event that live subscribers have not seen yet.
func (l *Log[T]) Flush() {
	l.mu.Lock()
	subs := append([]*subscription[T](nil), l.subs...)
	l.mu.Unlock()
	for _, s := range subs {
		s.drain()
	}
}

// Subscribe replays the stored history to fn and then keeps it attached for
// future events. The returned function detaches fn; it is safe to call more
// than once and from within fn.
func (l *Log[T]) Subscribe(fn func(T)) (cancel func()) {
	s := &subscription[T]{log: l, fn: fn}
	l.mu.Lock()
	l.subs = append(l.subs, s)
	l.mu.Unlock()
	s.drain()
	return s.stop
}

// Len returns the number of stored events.
func (l *Log[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}

// Snapshot returns a copy of the stored events.
func (l *Log[T]) Snapshot() []T {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]T(nil), l.events...)
}

func (l *Log[T]) at(i int) (T, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if i < len(l.events) {
		return l.events[i], true
	}
	var zero T
	return zero, false
}

// drain delivers everything past the cursor. Only one goroutine drains a
// subscription at a time; a concurrent or re-entrant caller returns at once
// and the active drainer picks up the new events before it stops.
func (s *subscription[T]) drain() {
	s.mu.Lock()
	if s.draining {
		s.mu.Unlock()
		return
	}
	s.draining = true
	for {
		if s.stopped {
			break
		}
		v, ok := s.log.at(s.cursor)
		if !ok {
			break
		}
		s.cursor++
		s.mu.Unlock()
		s.fn(v)
		s.mu.Lock()
	}
	s.draining = false
	s.mu.Unlock()
}

func (s *subscription[T]) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	s.mu.Unlock()

	l := s.log
	l.mu.Lock()
	for i, sub := range l.subs {
		if sub == s {
			l.subs = append(l.subs[:i], l.subs[i+1:]...)
			break
		}
	}
	l.mu.Unlock()
}
