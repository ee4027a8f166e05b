// Package transport owns a single websocket connection to the Deriv API:
// dialing, request/response correlation, frame dispatch and reconnection.
package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/derivkit/derivws/core/events"
	"github.com/derivkit/derivws/core/schema"
	"github.com/derivkit/derivws/core/stream"
	"github.com/derivkit/derivws/errs"
)

const (
	defaultDialTimeout  = 30 * time.Second
	defaultWriteTimeout = 30 * time.Second
	defaultMaxRetries   = 5
	defaultInitialDelay = time.Second
	defaultMaxDelay     = 60 * time.Second

	readLimit = 2 * 1024 * 1024
)

// State describes the readiness of a transport.
type State int

const (
	StatePending State = iota
	StateOpen
	StateClosedError
	StateClosedOK
)

// Options configures a Transport.
type Options struct {
	Endpoint string
	AppID    string
	Lang     string
	Brand    string

	// Conn injects an already established socket. The transport never
	// dials, reconnects or closes an injected socket.
	Conn *websocket.Conn

	AutoReconnect         bool
	MaxRetryCount         int
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration

	DialTimeout  time.Duration
	WriteTimeout time.Duration

	// RateLimit caps outbound request frames. Zero means unlimited.
	RateLimit rate.Limit
	RateBurst int
}

func (o Options) withDefaults() Options {
	if o.Lang == "" {
		o.Lang = DefaultLang
	}
	if o.MaxRetryCount <= 0 {
		o.MaxRetryCount = defaultMaxRetries
	}
	if o.ReconnectInitialDelay <= 0 {
		o.ReconnectInitialDelay = defaultInitialDelay
	}
	if o.ReconnectMaxDelay <= 0 {
		o.ReconnectMaxDelay = defaultMaxDelay
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = defaultDialTimeout
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	return o
}

// Transport is a single connection to the API. Requests are stamped with a
// monotonically increasing req_id and each response frame is routed to the
// source registered under that id.
type Transport struct {
	id      int
	opts    Options
	url     string
	owned   bool
	emit    func(events.Event)
	metrics *transportMetrics
	limiter *rate.Limiter

	reqID atomic.Int64
	reg   *registry

	mu        sync.Mutex
	conn      *websocket.Conn
	st        State
	ready     chan struct{}
	epochStop context.CancelFunc

	closing atomic.Bool

	lifeCtx    context.Context
	lifeCancel context.CancelFunc

	deadOnce sync.Once
	dead     chan struct{}
}

// New builds a transport identified by id within its pool. The emit callback
// receives every lifecycle and message event, tagged with that id.
func New(id int, opts Options, emit func(events.Event)) (*Transport, error) {
	opts = opts.withDefaults()
	if emit == nil {
		emit = func(events.Event) {}
	}

	t := &Transport{
		id:      id,
		opts:    opts,
		emit:    emit,
		metrics: newTransportMetrics(),
		reg:     newRegistry(),
		st:      StatePending,
		ready:   make(chan struct{}),
		dead:    make(chan struct{}),
	}
	t.lifeCtx, t.lifeCancel = context.WithCancel(context.Background())

	if limit := opts.RateLimit; limit > 0 {
		burst := opts.RateBurst
		if burst < 1 {
			burst = 1
		}
		t.limiter = rate.NewLimiter(limit, burst)
	}

	if opts.Conn != nil {
		t.conn = opts.Conn
		return t, nil
	}

	if opts.AppID == "" {
		return nil, errs.Construction("transport", "an app_id is required to connect to the API")
	}
	u, err := BuildURL(opts.Endpoint, opts.AppID, opts.Lang, opts.Brand)
	if err != nil {
		return nil, err
	}
	t.url = u
	t.owned = true
	return t, nil
}

// ID reports the transport's position in its pool.
func (t *Transport) ID() int { return t.id }

// State reports the current readiness state.
func (t *Transport) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.st
}

// Connect establishes the socket and starts the receive loop. It is
// idempotent; a second call on an open transport returns immediately.
func (t *Transport) Connect(ctx context.Context) error {
	t.mu.Lock()
	if t.st == StateOpen {
		t.mu.Unlock()
		return nil
	}
	if t.closing.Load() {
		t.mu.Unlock()
		return errs.Connection("transport", "transport is closed")
	}
	conn := t.conn
	t.mu.Unlock()

	if conn == nil {
		t.emit(events.Event{Name: events.Connect, ConnectionID: t.id})
		dialCtx, cancel := context.WithTimeout(ctx, t.opts.DialTimeout)
		c, _, err := websocket.Dial(dialCtx, t.url, nil)
		cancel()
		if err != nil {
			return errs.New("transport", errs.CodeNetwork,
				errs.WithMessage("dial "+t.url), errs.WithCause(err))
		}
		c.SetReadLimit(readLimit)
		conn = c
	}

	t.mu.Lock()
	t.conn = conn
	t.markOpenLocked()
	t.mu.Unlock()

	t.startReceiveLoop(conn)
	return nil
}

// markOpenLocked transitions to open and releases waiters. Callers hold mu.
func (t *Transport) markOpenLocked() {
	t.st = StateOpen
	select {
	case <-t.ready:
	default:
		close(t.ready)
	}
}

// SendSource stamps the request with a req_id if it carries none, registers
// a response source under that id and schedules transmission in the
// background. The source is returned synchronously; transmission failures
// surface as errors on it.
func (t *Transport) SendSource(request schema.Message) *stream.Source {
	src := stream.New()
	req := request.Clone()

	id, provided := req.ReqID()
	if !provided {
		id = t.reqID.Add(1)
		req["req_id"] = id
	}
	if err := t.reg.insert(id, src); err != nil {
		src.Fail(err)
		return src
	}

	go t.transmit(req, src)
	return src
}

// Send transmits the request and resolves with the first response. The
// returned message may still be an API error payload when the request echoes
// a parent proposal_open_contract; all other API errors arrive as *errs.E.
func (t *Transport) Send(ctx context.Context, request schema.Message) (schema.Message, error) {
	src := t.SendSource(request)
	msg, err := stream.First(ctx, src)
	if err != nil {
		return nil, err
	}
	src.Complete()
	return msg, nil
}

func (t *Transport) transmit(req schema.Message, src *stream.Source) {
	if err := t.awaitReady(t.lifeCtx); err != nil {
		src.Fail(err)
		return
	}
	if t.limiter != nil {
		if err := t.limiter.Wait(t.lifeCtx); err != nil {
			src.Fail(errs.Connection("transport", "transport closed while rate limited"))
			return
		}
	}

	data, err := req.Encode()
	if err != nil {
		src.Fail(errs.New("transport", errs.CodeConstruction,
			errs.WithMessage("encode request"), errs.WithCause(err)))
		return
	}

	t.mu.Lock()
	conn := t.conn
	t.mu.Unlock()
	if conn == nil {
		src.Fail(errs.Connection("transport", "socket is not available"))
		return
	}

	writeCtx, cancel := context.WithTimeout(t.lifeCtx, t.opts.WriteTimeout)
	err = conn.Write(writeCtx, websocket.MessageText, data)
	cancel()
	if err != nil {
		src.Fail(errs.New("transport", errs.CodeNetwork,
			errs.WithMessage("write request"), errs.WithCause(err)))
		return
	}

	t.metrics.recordSent(t.lifeCtx, t.id)
	t.emit(events.Event{Name: events.Send, ConnectionID: t.id, Data: req})
}

// awaitReady blocks until the transport is open. During a reconnect window
// it keeps waiting for the replacement socket; once the transport is
// permanently closed it fails.
func (t *Transport) awaitReady(ctx context.Context) error {
	for {
		t.mu.Lock()
		st := t.st
		ready := t.ready
		t.mu.Unlock()

		if st == StateOpen {
			return nil
		}
		select {
		case <-ready:
		case <-t.dead:
			return errs.Connection("transport", "connection closed")
		case <-ctx.Done():
			return errs.Connection("transport", "connection closed")
		}
	}
}

func (t *Transport) startReceiveLoop(conn *websocket.Conn) {
	ctx, cancel := context.WithCancel(t.lifeCtx)
	t.mu.Lock()
	t.epochStop = cancel
	t.mu.Unlock()
	go t.receiveLoop(ctx, conn)
}

func (t *Transport) receiveLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || t.closing.Load() {
				return
			}
			t.handleConnectionLoss(err)
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		msg, err := schema.Decode(data)
		if err != nil {
			t.emit(events.Event{Name: events.Error, ConnectionID: t.id,
				Err: errs.New("transport", errs.CodeResponse,
					errs.WithMessage("decode frame"), errs.WithCause(err))})
			continue
		}
		t.dispatch(msg)
	}
}

// dispatch routes one decoded frame. API error payloads fail the pending
// source except when the request was a parent proposal_open_contract, whose
// per-contract errors are stream data. Frames for completed sources are
// dropped unless they carry a subscription id, which means the server opened
// a stream nobody is listening to and it must be forgotten.
func (t *Transport) dispatch(msg schema.Message) {
	t.metrics.recordReceived(t.lifeCtx, t.id)
	t.emit(events.Event{Name: events.Message, ConnectionID: t.id, Data: msg})

	reqID, ok := msg.ReqID()
	if !ok {
		t.unmatched(msg)
		return
	}
	src, found := t.reg.lookup(reqID)
	if !found {
		t.unmatched(msg)
		return
	}

	if msg.HasError() && !msg.EchoReq().IsParentProposalOpenContract() {
		src.Fail(errs.Response("transport", msg))
		return
	}

	if src.Done() {
		if subsID, has := msg.SubscriptionID(); has {
			t.reg.remove(reqID)
			t.emit(events.Event{Name: events.ForgetSubscription, ConnectionID: t.id,
				Data: msg, SubscriptionID: subsID})
		}
		return
	}
	src.Next(msg)
}

func (t *Transport) unmatched(msg schema.Message) {
	t.metrics.recordUnmatched(t.lifeCtx, t.id)
	t.emit(events.Event{Name: events.UnmatchedResponse, ConnectionID: t.id, Data: msg})
}

func (t *Transport) handleConnectionLoss(cause error) {
	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.st = StateClosedError
	t.ready = make(chan struct{})
	t.mu.Unlock()

	if t.owned && conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}
	t.emit(events.Event{Name: events.ConnectionClosed, ConnectionID: t.id,
		Err: errs.New("transport", errs.CodeNetwork,
			errs.WithMessage("connection lost"), errs.WithCause(cause))})

	if t.owned && t.opts.AutoReconnect && !t.closing.Load() {
		go t.reconnectLoop()
		return
	}
	t.markDead()
}

// reconnectLoop redials with exponential backoff. Every attempt sleeps
// first, then dials. Streams and pending sources survive; their req_ids and
// sinks stay registered across the replacement socket.
func (t *Transport) reconnectLoop() {
	bo := newReconnectBackoff(t.opts.ReconnectInitialDelay, t.opts.ReconnectMaxDelay)

	for attempt := 1; attempt <= t.opts.MaxRetryCount; attempt++ {
		t.emit(events.Event{Name: events.Reconnecting, ConnectionID: t.id, Attempt: attempt})

		select {
		case <-t.lifeCtx.Done():
			return
		case <-time.After(bo.NextBackOff()):
		}
		if t.closing.Load() {
			return
		}

		dialCtx, cancel := context.WithTimeout(t.lifeCtx, t.opts.DialTimeout)
		conn, _, err := websocket.Dial(dialCtx, t.url, nil)
		cancel()
		if err != nil {
			t.metrics.recordReconnect(t.lifeCtx, t.id, "error")
			t.emit(events.Event{Name: events.ReconnectFailed, ConnectionID: t.id,
				Attempt: attempt,
				Err: errs.New("transport", errs.CodeNetwork,
					errs.WithMessage("reconnect dial"), errs.WithCause(err))})
			continue
		}
		conn.SetReadLimit(readLimit)

		t.mu.Lock()
		t.conn = conn
		t.markOpenLocked()
		t.mu.Unlock()

		t.metrics.recordReconnect(t.lifeCtx, t.id, "success")
		t.startReceiveLoop(conn)
		t.emit(events.Event{Name: events.Reconnected, ConnectionID: t.id, Attempt: attempt})
		return
	}

	t.emit(events.Event{Name: events.ReconnectMaxRetriesExceeded, ConnectionID: t.id,
		Attempt: t.opts.MaxRetryCount,
		Err:     errs.Connection("transport", "reconnect retries exhausted")})
	t.markDead()
}

// newReconnectBackoff yields a deterministic doubling schedule: with the
// default settings the delays are 1s, 2s, 4s, 8s and 16s.
func newReconnectBackoff(initial, max time.Duration) *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = initial
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = max
	bo.Reset()
	return bo
}

// markDead finalizes the transport. Live pending sources fail; completed
// registry entries are irrelevant once no socket remains.
func (t *Transport) markDead() {
	t.deadOnce.Do(func() {
		close(t.dead)
		t.reg.failAll(errs.Connection("transport", "connection closed"))
	})
}

// Disconnect tears the transport down. It is idempotent and emits at most
// one close event; injected sockets are left open for their owner.
func (t *Transport) Disconnect(ctx context.Context) error {
	t.closing.Store(true)

	t.mu.Lock()
	conn := t.conn
	t.conn = nil
	t.st = StateClosedOK
	stop := t.epochStop
	t.epochStop = nil
	t.mu.Unlock()

	t.lifeCancel()
	if stop != nil {
		stop()
	}
	if t.owned && conn != nil {
		t.emit(events.Event{Name: events.Close, ConnectionID: t.id})
		if err := conn.Close(websocket.StatusNormalClosure, "shutting down"); err != nil {
			t.markDead()
			return errs.New("transport", errs.CodeNetwork,
				errs.WithMessage("close socket"), errs.WithCause(err))
		}
	}
	t.markDead()
	return nil
}

// PendingRequests reports how many req_ids remain registered, including
// retained completed entries.
func (t *Transport) PendingRequests() int { return t.reg.size() }
