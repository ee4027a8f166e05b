package stream

import (
	"sync"

	"github.com/derivkit/derivws/core/schema"
)

// Hooks customizes a Shared fan-out. All callbacks are optional and are
// invoked from the pump goroutine, never concurrently with one another.
type Hooks struct {
	// OnEmpty fires when the consumer count transitions from one to zero.
	OnEmpty func()
	// OnFirst fires for the first emission, before it is forwarded to
	// consumers. Used to extract the server subscription id.
	OnFirst func(schema.Message)
	// OnFail fires when the origin terminates with an error.
	OnFail func(error)
}

// Shared is a reference-counted fan-out over an origin source. Every local
// consumer subscribes through it; when the consumer count drops back to
// zero the OnEmpty hook fires so the owner can forget the upstream
// subscription.
type Shared struct {
	out    *Source
	origin *Source
	hooks  Hooks

	mu   sync.Mutex
	refs int
}

// Share wraps origin in a shared fan-out. The pump goroutine forwards
// origin emissions until origin terminates, then propagates the terminal
// state to all consumers.
func Share(origin *Source, hooks Hooks) *Shared {
	s := &Shared{out: New(), origin: origin, hooks: hooks}
	ch, _ := origin.Subscribe()
	go func() {
		first := true
		for msg := range ch {
			if first {
				first = false
				if hooks.OnFirst != nil {
					hooks.OnFirst(msg)
				}
			}
			s.out.Next(msg)
		}
		if err := origin.Err(); err != nil {
			if hooks.OnFail != nil {
				hooks.OnFail(err)
			}
			s.out.Fail(err)
		} else {
			s.out.Complete()
		}
	}()
	return s
}

// Subscribe attaches a consumer and bumps the reference count. The cancel
// function is idempotent; releasing the last reference triggers OnEmpty.
func (s *Shared) Subscribe() (<-chan schema.Message, func()) {
	ch, cancel := s.out.Subscribe()
	s.mu.Lock()
	s.refs++
	s.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			cancel()
			s.mu.Lock()
			s.refs--
			empty := s.refs == 0
			s.mu.Unlock()
			if empty && s.hooks.OnEmpty != nil {
				s.hooks.OnEmpty()
			}
		})
	}
}

// Subscribers returns the current consumer count.
func (s *Shared) Subscribers() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.refs
}

// Done reports whether the shared stream has terminated.
func (s *Shared) Done() bool { return s.out.Done() }

// Err returns the terminal error, if any.
func (s *Shared) Err() error { return s.out.Err() }
