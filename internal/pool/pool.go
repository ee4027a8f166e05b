// Package pool manages the set of websocket transports behind a client.
// Connections get monotonically increasing ids starting at zero; ids are
// never reused, even after a connection closes.
package pool

import (
	"context"
	"fmt"
	"sync"

	concpool "github.com/sourcegraph/conc/pool"

	"github.com/derivkit/derivws/core/events"
	"github.com/derivkit/derivws/errs"
	"github.com/derivkit/derivws/internal/bus"
	"github.com/derivkit/derivws/internal/transport"
)

// Pool owns every transport the client creates. Each transport's events are
// delivered synchronously to the tap, then republished on the shared event
// bus; events carrying failures go to the error bus as well.
type Pool struct {
	opts     transport.Options
	tap      func(events.Event)
	events   *bus.Bus
	errorBus *bus.Bus

	mu     sync.Mutex
	next   int
	conns  map[int]*transport.Transport
	closed bool
}

// New builds an empty pool. The options act as the template for every
// transport the pool creates. The tap receives every event before the buses
// do and is never dropped, unlike bus deliveries; lifecycle handling that
// must not miss an event (subscription teardown on connection loss) hangs
// off the tap, the buses serve observers only. A nil tap is allowed.
func New(opts transport.Options, eventBus, errorBus *bus.Bus, tap func(events.Event)) *Pool {
	return &Pool{
		opts:     opts,
		tap:      tap,
		events:   eventBus,
		errorBus: errorBus,
		conns:    make(map[int]*transport.Transport),
	}
}

// Create registers a new transport and returns it. Overrides are applied on
// top of the pool template, so a single connection can point at a different
// endpoint or carry an injected socket.
func (p *Pool) Create(override func(*transport.Options)) (*transport.Transport, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, errs.Connection("pool", "pool is closed")
	}
	id := p.next
	p.next++
	p.mu.Unlock()

	opts := p.opts
	if override != nil {
		override(&opts)
	}
	tr, err := transport.New(id, opts, p.forward)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.conns[id] = tr
	p.mu.Unlock()
	return tr, nil
}

// forward hands a transport event to the tap and republishes it on the
// shared buses.
func (p *Pool) forward(ev events.Event) {
	if p.tap != nil {
		p.tap(ev)
	}
	p.events.Publish(ev)
	if ev.IsError() {
		p.errorBus.Publish(ev)
	}
}

// Get returns the transport with the given id.
func (p *Pool) Get(id int) (*transport.Transport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tr, ok := p.conns[id]
	if !ok {
		return nil, errs.Connection("pool", fmt.Sprintf("no connection with id %d", id))
	}
	return tr, nil
}

// CloseConnection disconnects the transport and removes it from the pool.
// Its id is never reused.
func (p *Pool) CloseConnection(ctx context.Context, id int) error {
	tr, err := p.Get(id)
	if err != nil {
		return err
	}
	err = tr.Disconnect(ctx)

	p.mu.Lock()
	delete(p.conns, id)
	p.mu.Unlock()
	return err
}

// All returns the transports in creation order.
func (p *Pool) All() []*transport.Transport {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]*transport.Transport, 0, len(p.conns))
	for id := 0; id < p.next; id++ {
		if tr, ok := p.conns[id]; ok {
			out = append(out, tr)
		}
	}
	return out
}

// Size reports how many transports the pool holds.
func (p *Pool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// ConnectAll dials every pending transport concurrently. The returned slice
// is indexed by connection id and reports true where a dial was attempted
// and succeeded; transports already open or closed stay false.
func (p *Pool) ConnectAll(ctx context.Context) ([]bool, []error) {
	conns := p.All()
	results := make([]bool, p.nextID())
	errsOut := make([]error, p.nextID())

	cp := concpool.New().WithMaxGoroutines(maxConcurrent(len(conns)))
	for _, tr := range conns {
		if tr.State() != transport.StatePending {
			continue
		}
		tr := tr
		cp.Go(func() {
			if err := tr.Connect(ctx); err != nil {
				errsOut[tr.ID()] = err
				return
			}
			results[tr.ID()] = true
		})
	}
	cp.Wait()
	return results, errsOut
}

// DisconnectAll closes every open transport concurrently.
func (p *Pool) DisconnectAll(ctx context.Context) error {
	conns := p.All()

	var mu sync.Mutex
	var firstErr error
	cp := concpool.New().WithMaxGoroutines(maxConcurrent(len(conns)))
	for _, tr := range conns {
		if tr.State() != transport.StateOpen {
			continue
		}
		tr := tr
		cp.Go(func() {
			if err := tr.Disconnect(ctx); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = err
				}
				mu.Unlock()
			}
		})
	}
	cp.Wait()
	return firstErr
}

// Close disconnects everything and refuses further creations.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()

	var firstErr error
	for _, tr := range p.All() {
		if err := tr.Disconnect(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Pool) nextID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.next
}

func maxConcurrent(n int) int {
	if n < 1 {
		return 1
	}
	return n
}
