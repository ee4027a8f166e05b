package transport

import (
	"fmt"
	"sync"

	"github.com/derivkit/derivws/core/stream"
	"github.com/derivkit/derivws/errs"
)

const (
	// completedRetainWindow is how many of the newest req_ids keep their
	// completed entry, so a late frame carrying a subscription id can
	// still be turned into a server-side forget.
	completedRetainWindow = 64
	// sweepThreshold bounds the registry: once it holds more entries than
	// this, completed entries older than the retain window are pruned.
	sweepThreshold = 256
)

// registry maps request identifiers to their response sources. Entries are
// kept after the source completes, within a sliding window of recent
// req_ids, so that late subscription frames still find their origin;
// older completed entries are swept to keep long-lived connections from
// growing one entry per send forever.
type registry struct {
	mu      sync.Mutex
	sources map[int64]*stream.Source
	maxID   int64
}

func newRegistry() *registry {
	return &registry{sources: make(map[int64]*stream.Source)}
}

func (r *registry) insert(reqID int64, src *stream.Source) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[reqID]; exists {
		return errs.New("transport", errs.CodeAPI,
			errs.WithMessage(fmt.Sprintf("req_id %d is already in use", reqID)),
			errs.WithRawCode("api_misuse"))
	}
	r.sources[reqID] = src
	if reqID > r.maxID {
		r.maxID = reqID
	}
	if len(r.sources) > sweepThreshold {
		r.sweepLocked()
	}
	return nil
}

// sweepLocked drops completed entries whose late-subscription window has
// passed. Live sources are never touched. Callers hold mu.
func (r *registry) sweepLocked() {
	cutoff := r.maxID - completedRetainWindow
	for id, src := range r.sources {
		if id <= cutoff && src.Done() {
			delete(r.sources, id)
		}
	}
}

func (r *registry) lookup(reqID int64) (*stream.Source, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	src, ok := r.sources[reqID]
	return src, ok
}

func (r *registry) remove(reqID int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, reqID)
}

// failAll pushes err into every live source. Completed entries are left in
// place for late subscription frames.
func (r *registry) failAll(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, src := range r.sources {
		if !src.Done() {
			src.Fail(err)
		}
	}
}

func (r *registry) size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sources)
}
