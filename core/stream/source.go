// Package stream implements the multicast response sinks used by the
// derivws runtime: a hot Source bound to an in-flight request and a
// reference-counted Shared fan-out for subscription consumers.
package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/derivkit/derivws/core/schema"
)

// ErrCompleted is returned by First when a source terminates without
// emitting a value.
var ErrCompleted = errors.New("stream completed without a value")

// Subscribable is the consumer-facing contract shared by Source and Shared.
type Subscribable interface {
	Subscribe() (<-chan schema.Message, func())
	Err() error
}

type subscriber struct {
	ch   chan schema.Message
	quit chan struct{}
	stop sync.Once
}

// Source is a multicast stream carrying a request's responses. Deliveries
// are strictly sequential; consumers that do not keep up block the emitter.
// Emissions that arrive before the first consumer attaches are buffered and
// replayed in order, so registering a sink and subscribing to it need not
// happen atomically with respect to the receive loop.
type Source struct {
	mu      sync.Mutex
	emitMu  sync.Mutex
	subs    map[uint64]*subscriber
	nextID  uint64
	backlog []schema.Message
	started bool
	done    bool
	err     error
}

// New creates an empty source.
func New() *Source {
	return &Source{subs: make(map[uint64]*subscriber)}
}

// Subscribe attaches a consumer. The returned channel closes when the
// source terminates; the cancel function detaches the consumer and is
// idempotent.
func (s *Source) Subscribe() (<-chan schema.Message, func()) {
	sub := &subscriber{ch: make(chan schema.Message), quit: make(chan struct{})}

	s.mu.Lock()
	id := s.nextID
	s.nextID++
	first := !s.started
	s.started = true
	var backlog []schema.Message
	if first {
		backlog = s.backlog
		s.backlog = nil
	}
	terminal := s.done
	if !terminal {
		s.subs[id] = sub
	}
	s.mu.Unlock()

	switch {
	case first && (len(backlog) > 0 || terminal):
		go func() {
			s.emitMu.Lock()
			defer s.emitMu.Unlock()
			for _, msg := range backlog {
				select {
				case sub.ch <- msg:
				case <-sub.quit:
					return
				}
			}
			if terminal {
				close(sub.ch)
			}
		}()
	case terminal:
		close(sub.ch)
	}

	cancel := func() {
		sub.stop.Do(func() {
			close(sub.quit)
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
	return sub.ch, cancel
}

// Next delivers a value to every attached consumer.
func (s *Source) Next(msg schema.Message) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	if !s.started {
		s.backlog = append(s.backlog, msg)
		s.mu.Unlock()
		return
	}
	targets := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		targets = append(targets, sub)
	}
	s.mu.Unlock()

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	for _, sub := range targets {
		select {
		case sub.ch <- msg:
		case <-sub.quit:
		}
	}
}

// Fail terminates the source with an error.
func (s *Source) Fail(err error) {
	s.terminate(err)
}

// Complete terminates the source normally.
func (s *Source) Complete() {
	s.terminate(nil)
}

// Done reports whether the source has terminated.
func (s *Source) Done() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.done
}

// Err returns the terminal error, if any.
func (s *Source) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

func (s *Source) terminate(err error) {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return
	}
	s.done = true
	s.err = err
	targets := make([]*subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		targets = append(targets, sub)
	}
	s.subs = make(map[uint64]*subscriber)
	s.mu.Unlock()

	s.emitMu.Lock()
	defer s.emitMu.Unlock()
	for _, sub := range targets {
		close(sub.ch)
	}
}

// First blocks until the subscribable emits its first value, terminates,
// or the context expires.
func First(ctx context.Context, s Subscribable) (schema.Message, error) {
	ch, cancel := s.Subscribe()
	defer cancel()
	select {
	case msg, ok := <-ch:
		if !ok {
			if err := s.Err(); err != nil {
				return nil, err
			}
			return nil, ErrCompleted
		}
		return msg, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
