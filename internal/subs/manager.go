// Package subs deduplicates and multiplexes server-side subscription
// streams. One request fingerprint maps to at most one upstream
// subscription per connection, no matter how many local consumers attach.
package subs

import (
	"context"
	"sync"

	"github.com/derivkit/derivws/core/schema"
	"github.com/derivkit/derivws/core/stream"
	"github.com/derivkit/derivws/errs"
	"github.com/derivkit/derivws/lib/async"
)

// Transporter is the slice of a connection the manager needs: background
// request transmission and plain request/response calls.
type Transporter interface {
	SendSource(schema.Message) *stream.Source
	Send(ctx context.Context, request schema.Message) (schema.Message, error)
}

// connState tracks the subscription bookkeeping of one connection.
type connState struct {
	shared       map[schema.Key]*stream.Shared
	origins      map[schema.Key]*stream.Source
	subsIDToKey  map[string]schema.Key
	keyToSubsID  map[schema.Key]string
	buyContracts map[schema.Key]int64
	perMsgType   map[string][]schema.Key
}

func newConnState() *connState {
	return &connState{
		shared:       make(map[schema.Key]*stream.Shared),
		origins:      make(map[schema.Key]*stream.Source),
		subsIDToKey:  make(map[string]schema.Key),
		keyToSubsID:  make(map[schema.Key]string),
		buyContracts: make(map[schema.Key]int64),
		perMsgType:   make(map[string][]schema.Key),
	}
}

// Manager keys live subscriptions by request fingerprint, per connection.
type Manager struct {
	runner  *async.Runner
	metrics *subsMetrics

	mu    sync.Mutex
	conns map[int]*connState
}

// NewManager builds a manager. Background forget failures surface through
// the runner's error callback.
func NewManager(runner *async.Runner) *Manager {
	return &Manager{
		runner:  runner,
		metrics: newSubsMetrics(),
		conns:   make(map[int]*connState),
	}
}

func (m *Manager) conn(id int) *connState {
	st, ok := m.conns[id]
	if !ok {
		st = newConnState()
		m.conns[id] = st
	}
	return st
}

// Subscribe returns the shared stream for the request, reusing an existing
// upstream subscription when one matches. A buy request's stream doubles as
// the proposal_open_contract stream for the purchased contract.
func (m *Manager) Subscribe(connID int, tr Transporter, request schema.Message) (*stream.Shared, error) {
	_, isBuy := request["buy"]
	if !isBuy && schema.StreamType(request) == "" {
		return nil, errs.API("subscriptions", "Subscription type is not found in deriv-api")
	}
	key, err := schema.Fingerprint(request)
	if err != nil {
		return nil, errs.New("subscriptions", errs.CodeConstruction,
			errs.WithMessage("fingerprint request"), errs.WithCause(err))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.conn(connID)

	if existing := m.lookupLocked(st, request, key); existing != nil {
		return existing, nil
	}

	req := request.Clone()
	req["subscribe"] = 1

	origin := tr.SendSource(req)
	st.origins[key] = origin

	shared := stream.Share(origin, stream.Hooks{
		OnFirst: func(resp schema.Message) { m.saveFirstResponse(connID, key, isBuy, resp) },
		OnFail:  func(error) { m.CompleteByKey(connID, key) },
		OnEmpty: func() { m.forgetAbandoned(connID, tr, key) },
	})
	st.shared[key] = shared

	// A buy delivers proposal_open_contract frames once the purchase settles.
	msgType := schema.StreamType(req)
	if isBuy {
		msgType = "proposal_open_contract"
	}
	st.perMsgType[msgType] = append(st.perMsgType[msgType], key)
	m.metrics.recordOpened(m.runner.Context(), connID)
	return shared, nil
}

// lookupLocked finds a live stream for the request, either directly by
// fingerprint or through the contract bought on an earlier buy stream.
func (m *Manager) lookupLocked(st *connState, request schema.Message, key schema.Key) *stream.Shared {
	if shared, ok := st.shared[key]; ok {
		return shared
	}
	contractID, ok := request.ContractID()
	if !ok {
		return nil
	}
	for buyKey, cid := range st.buyContracts {
		if cid == contractID {
			return st.shared[buyKey]
		}
	}
	return nil
}

// saveFirstResponse records the server subscription id once the first frame
// arrives. A first response without a subscription block means the server
// opened no stream, so the local one is torn down.
func (m *Manager) saveFirstResponse(connID int, key schema.Key, isBuy bool, resp schema.Message) {
	m.mu.Lock()
	st := m.conn(connID)
	if isBuy {
		if cid, ok := resp.BuyContractID(); ok {
			st.buyContracts[key] = cid
		}
	}
	subsID, ok := resp.SubscriptionID()
	if !ok {
		m.mu.Unlock()
		m.CompleteByKey(connID, key)
		return
	}
	if _, exists := st.subsIDToKey[subsID]; !exists {
		st.subsIDToKey[subsID] = key
		st.keyToSubsID[key] = subsID
	}
	m.mu.Unlock()
}

// forgetAbandoned runs when the last local consumer detaches. If the
// upstream subscription is still registered it is forgotten in the
// background.
func (m *Manager) forgetAbandoned(connID int, tr Transporter, key schema.Key) {
	m.mu.Lock()
	subsID, ok := m.conn(connID).keyToSubsID[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	m.runner.Go("forget old subscription", func(ctx context.Context) error {
		_, err := m.Forget(ctx, connID, tr, subsID)
		return err
	})
}

// Forget tears down the subscription with the given server id, locally and
// upstream. The API response of the forget call is returned.
func (m *Manager) Forget(ctx context.Context, connID int, tr Transporter, subsID string) (schema.Message, error) {
	m.completeBySubsID(connID, subsID)
	return tr.Send(ctx, schema.Message{"forget": subsID})
}

// ForgetAll tears down every subscription of the given stream types,
// including ones the server already ended, then issues one forget_all call.
func (m *Manager) ForgetAll(ctx context.Context, connID int, tr Transporter, types ...string) (schema.Message, error) {
	m.mu.Lock()
	st := m.conn(connID)
	var keys []schema.Key
	for _, t := range types {
		keys = append(keys, st.perMsgType[t]...)
		st.perMsgType[t] = nil
	}
	m.mu.Unlock()

	for _, key := range keys {
		m.CompleteByKey(connID, key)
	}

	list := make([]any, 0, len(types))
	for _, t := range types {
		list = append(list, t)
	}
	return tr.Send(ctx, schema.Message{"forget_all": list})
}

func (m *Manager) completeBySubsID(connID int, subsID string) {
	m.mu.Lock()
	key, ok := m.conn(connID).subsIDToKey[subsID]
	m.mu.Unlock()
	if ok {
		m.CompleteByKey(connID, key)
	}
}

// CompleteByKey drops all bookkeeping for the fingerprint and completes the
// origin source. Mappings are cleared first so the teardown hooks see no
// registered subscription and send no forget.
func (m *Manager) CompleteByKey(connID int, key schema.Key) {
	m.mu.Lock()
	st := m.conn(connID)
	origin, exists := st.origins[key]
	if !exists {
		if _, ok := st.shared[key]; !ok {
			m.mu.Unlock()
			return
		}
	}
	delete(st.origins, key)
	delete(st.shared, key)
	if subsID, ok := st.keyToSubsID[key]; ok {
		delete(st.subsIDToKey, subsID)
		delete(st.keyToSubsID, key)
	}
	delete(st.buyContracts, key)
	m.mu.Unlock()

	m.metrics.recordClosed(m.runner.Context(), connID, 1)
	if origin != nil && !origin.Done() {
		origin.Complete()
	}
}

// CompleteSubsIDs is the multi-id form of the teardown used when a server
// stream ends on its own.
func (m *Manager) CompleteSubsIDs(connID int, subsIDs ...string) {
	for _, id := range subsIDs {
		m.completeBySubsID(connID, id)
	}
}

// DropConnection tears down every stream of a connection at once. Streams
// are not revived after a reconnect; consumers observe the terminal error
// and decide whether to subscribe again, which then opens a fresh upstream
// subscription.
func (m *Manager) DropConnection(connID int, cause error) {
	m.mu.Lock()
	st, ok := m.conns[connID]
	if !ok {
		m.mu.Unlock()
		return
	}
	origins := make([]*stream.Source, 0, len(st.origins))
	for _, origin := range st.origins {
		origins = append(origins, origin)
	}
	m.conns[connID] = newConnState()
	m.mu.Unlock()

	m.metrics.recordClosed(m.runner.Context(), connID, len(origins))
	for _, origin := range origins {
		if origin.Done() {
			continue
		}
		if cause != nil {
			origin.Fail(cause)
		} else {
			origin.Complete()
		}
	}
}

// Streams reports how many live shared streams a connection holds.
func (m *Manager) Streams(connID int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.conn(connID).shared)
}
