// Package derivws is a client for the Deriv websocket API. It multiplexes
// request/response and subscription traffic over a pool of connections,
// deduplicates subscriptions, reconnects with exponential backoff and
// memoizes responses in a pluggable cache.
package derivws

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/time/rate"

	"github.com/derivkit/derivws/cache"
	"github.com/derivkit/derivws/core/events"
	"github.com/derivkit/derivws/core/schema"
	"github.com/derivkit/derivws/core/stream"
	"github.com/derivkit/derivws/errs"
	"github.com/derivkit/derivws/internal/bus"
	"github.com/derivkit/derivws/internal/pool"
	"github.com/derivkit/derivws/internal/subs"
	"github.com/derivkit/derivws/internal/transport"
	"github.com/derivkit/derivws/lib/async"
)

// DefaultConnection is the id of the connection created at construction.
const DefaultConnection = 0

// Options configures a Client.
type Options struct {
	// Endpoint is the API host. A ws:// prefix selects a cleartext
	// connection; anything else connects over wss.
	Endpoint string
	// AppID is required unless Conn injects a pre-opened socket.
	AppID string
	Lang  string
	Brand string

	// Conn injects an established socket for the default connection. The
	// client never dials, reconnects or closes it.
	Conn *websocket.Conn

	AutoReconnect         bool
	MaxRetryCount         int
	ReconnectInitialDelay time.Duration
	ReconnectMaxDelay     time.Duration

	// RateLimit caps outbound request frames per connection. Zero means
	// unlimited.
	RateLimit rate.Limit
	RateBurst int

	// Cache holds memoized responses. Defaults to an in-process store.
	Cache cache.Backend
	// Storage is an optional second cache tier, typically persistent.
	Storage cache.Backend

	Middlewares []Middleware
}

// Client is the user-facing facade over the connection pool, subscription
// manager and response cache.
type Client struct {
	opts Options

	pool   *pool.Pool
	subs   *subs.Manager
	runner *async.Runner

	eventBus  *bus.Bus
	errorBus  *bus.Bus
	sanityBus *bus.Bus

	cacheTier   *cache.Cache
	storageTier *cache.Cache
	expect      *expectRegistry

	middlewares []Middleware

	closed atomic.Bool
}

// New builds a client and registers its default connection. Nothing is
// dialed until Connect.
func New(opts Options) (*Client, error) {
	if opts.Conn == nil && opts.AppID == "" {
		return nil, errs.Construction("client", "an app_id is required to connect to the API")
	}
	if opts.Cache == nil {
		opts.Cache = cache.NewInMemory()
	}

	c := &Client{
		opts:        opts,
		eventBus:    bus.New(0),
		errorBus:    bus.New(0),
		sanityBus:   bus.New(0),
		expect:      newExpectRegistry(),
		middlewares: opts.Middlewares,
	}
	c.runner = async.NewRunner("deriv_api", c.reportSanity)
	c.subs = subs.NewManager(c.runner)
	c.cacheTier = cache.New(opts.Cache, rawSender{c})
	if opts.Storage != nil {
		c.storageTier = cache.New(opts.Storage, rawSender{c})
	}

	c.pool = pool.New(transport.Options{
		Endpoint:              opts.Endpoint,
		AppID:                 opts.AppID,
		Lang:                  opts.Lang,
		Brand:                 opts.Brand,
		AutoReconnect:         opts.AutoReconnect,
		MaxRetryCount:         opts.MaxRetryCount,
		ReconnectInitialDelay: opts.ReconnectInitialDelay,
		ReconnectMaxDelay:     opts.ReconnectMaxDelay,
		RateLimit:             opts.RateLimit,
		RateBurst:             opts.RateBurst,
	}, c.eventBus, c.errorBus, c.handleEvent)

	if _, err := c.pool.Create(func(o *transport.Options) {
		o.Conn = opts.Conn
	}); err != nil {
		c.shutdownInternals()
		return nil, err
	}
	return c, nil
}

// handleEvent is the pool's synchronous event tap: connection loss tears
// down the affected subscriptions, and a stale subscription frame triggers
// a forget. It runs on transport goroutines, so it must not block; the
// forget call itself is scheduled on the runner. Going through the event
// bus instead would let a backlog of message events drop these and leave a
// dead stream registered under a live fingerprint.
func (c *Client) handleEvent(ev events.Event) {
	switch ev.Name {
	case events.ConnectionClosed:
		cause := ev.Err
		if cause == nil {
			cause = errs.Connection("client", "connection closed")
		}
		c.subs.DropConnection(ev.ConnectionID, cause)
	case events.ForgetSubscription:
		connID := ev.ConnectionID
		subsID := ev.SubscriptionID
		c.runner.Go("forget stale subscription", func(ctx context.Context) error {
			tr, err := c.pool.Get(connID)
			if err != nil {
				return err
			}
			_, err = tr.Send(ctx, schema.Message{"forget": subsID})
			return err
		})
	}
}

func (c *Client) reportSanity(err error) {
	c.sanityBus.Publish(events.Event{Name: events.Error, Err: err})
}

// Connect dials the default connection.
func (c *Client) Connect(ctx context.Context) error {
	return c.ConnectTo(ctx, DefaultConnection)
}

// ConnectTo dials the connection with the given id.
func (c *Client) ConnectTo(ctx context.Context, connID int) error {
	tr, err := c.pool.Get(connID)
	if err != nil {
		return err
	}
	return tr.Connect(ctx)
}

// ConnectAll dials every pending connection concurrently and reports, per
// connection id, whether a dial was attempted and succeeded.
func (c *Client) ConnectAll(ctx context.Context) ([]bool, []error) {
	return c.pool.ConnectAll(ctx)
}

// CreateConnection registers an additional connection and returns its id.
// The new connection is not dialed.
func (c *Client) CreateConnection(override func(*ConnectionOptions)) (int, error) {
	var co ConnectionOptions
	if override != nil {
		override(&co)
	}
	tr, err := c.pool.Create(func(o *transport.Options) {
		if co.Endpoint != "" {
			o.Endpoint = co.Endpoint
		}
		if co.AppID != "" {
			o.AppID = co.AppID
		}
		if co.Conn != nil {
			o.Conn = co.Conn
		}
	})
	if err != nil {
		return 0, err
	}
	return tr.ID(), nil
}

// ConnectionOptions overrides the client defaults for one extra connection.
type ConnectionOptions struct {
	Endpoint string
	AppID    string
	Conn     *websocket.Conn
}

// Send transmits the request on the default connection and resolves with
// the response.
func (c *Client) Send(ctx context.Context, request schema.Message) (schema.Message, error) {
	return c.SendOn(ctx, DefaultConnection, request)
}

// SendOn transmits the request on a specific connection. Middlewares may
// short-circuit or rewrite the exchange; successful responses are written to
// the cache tiers and fulfil pending response expectations.
func (c *Client) SendOn(ctx context.Context, connID int, request schema.Message) (schema.Message, error) {
	for _, mw := range c.middlewares {
		if mw.OnSendWillBeCalled == nil {
			continue
		}
		if resp := mw.OnSendWillBeCalled(request); resp != nil {
			return resp, nil
		}
	}

	tr, err := c.pool.Get(connID)
	if err != nil {
		return nil, err
	}
	resp, err := tr.Send(ctx, request)
	if err != nil {
		return nil, err
	}

	for _, mw := range c.middlewares {
		if mw.OnSendIsCalled == nil {
			continue
		}
		if replaced := mw.OnSendIsCalled(request, resp); replaced != nil {
			resp = replaced
		}
	}

	c.recordResponse(ctx, request, resp)
	return resp, nil
}

// recordResponse writes a successful one-shot response to the cache tiers
// and wakes any matching response expectations.
func (c *Client) recordResponse(ctx context.Context, request, response schema.Message) {
	if err := c.cacheTier.Set(ctx, request, response); err != nil {
		c.reportSanity(errs.AddedTask("deriv_api:cache response", err))
	}
	if c.storageTier != nil {
		if err := c.storageTier.Set(ctx, request, response); err != nil {
			c.reportSanity(errs.AddedTask("deriv_api:store response", err))
		}
	}
	c.expect.fulfil(response)
}

// SendSource transmits on the default connection and returns the raw
// response source without waiting.
func (c *Client) SendSource(request schema.Message) (*stream.Source, error) {
	return c.SendSourceOn(DefaultConnection, request)
}

// SendSourceOn is SendSource on a specific connection.
func (c *Client) SendSourceOn(connID int, request schema.Message) (*stream.Source, error) {
	tr, err := c.pool.Get(connID)
	if err != nil {
		return nil, err
	}
	return tr.SendSource(request), nil
}

// Subscribe opens (or joins) the subscription stream for the request on the
// default connection.
func (c *Client) Subscribe(request schema.Message) (*stream.Shared, error) {
	return c.SubscribeOn(DefaultConnection, request)
}

// SubscribeOn is Subscribe on a specific connection.
func (c *Client) SubscribeOn(connID int, request schema.Message) (*stream.Shared, error) {
	tr, err := c.pool.Get(connID)
	if err != nil {
		return nil, err
	}
	return c.subs.Subscribe(connID, tr, request)
}

// Forget ends the subscription with the given server id on the default
// connection and returns the API response.
func (c *Client) Forget(ctx context.Context, subsID string) (schema.Message, error) {
	return c.ForgetOn(ctx, DefaultConnection, subsID)
}

// ForgetOn is Forget on a specific connection.
func (c *Client) ForgetOn(ctx context.Context, connID int, subsID string) (schema.Message, error) {
	tr, err := c.pool.Get(connID)
	if err != nil {
		return nil, err
	}
	return c.subs.Forget(ctx, connID, tr, subsID)
}

// ForgetAll ends every subscription of the given stream types on the
// default connection.
func (c *Client) ForgetAll(ctx context.Context, types ...string) (schema.Message, error) {
	return c.ForgetAllOn(ctx, DefaultConnection, types...)
}

// ForgetAllOn is ForgetAll on a specific connection.
func (c *Client) ForgetAllOn(ctx context.Context, connID int, types ...string) (schema.Message, error) {
	tr, err := c.pool.Get(connID)
	if err != nil {
		return nil, err
	}
	return c.subs.ForgetAll(ctx, connID, tr, types...)
}

// Disconnect closes the default connection.
func (c *Client) Disconnect(ctx context.Context) error {
	return c.DisconnectFrom(ctx, DefaultConnection)
}

// DisconnectFrom closes one connection without removing it from the pool.
func (c *Client) DisconnectFrom(ctx context.Context, connID int) error {
	tr, err := c.pool.Get(connID)
	if err != nil {
		return err
	}
	return tr.Disconnect(ctx)
}

// CloseConnection disconnects a connection and removes it from the pool.
func (c *Client) CloseConnection(ctx context.Context, connID int) error {
	return c.pool.CloseConnection(ctx, connID)
}

// DisconnectAll closes every open connection concurrently.
func (c *Client) DisconnectAll(ctx context.Context) error {
	return c.pool.DisconnectAll(ctx)
}

// Clear disconnects everything and stops all background tasks. The client
// is unusable afterwards.
func (c *Client) Clear(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	err := c.pool.Close(ctx)
	c.shutdownInternals()
	return err
}

func (c *Client) shutdownInternals() {
	c.runner.Close()
	c.eventBus.Close()
	c.errorBus.Close()
	c.sanityBus.Close()
}

// Events subscribes to the pool-wide event bus. The cancel function
// releases the subscription.
func (c *Client) Events() (<-chan events.Event, func()) {
	_, ch, cancel := c.eventBus.Subscribe()
	return ch, cancel
}

// Errors subscribes to the error bus, which carries only failure events.
func (c *Client) Errors() (<-chan events.Event, func()) {
	_, ch, cancel := c.errorBus.Subscribe()
	return ch, cancel
}

// SanityErrors subscribes to failures of internally scheduled tasks.
func (c *Client) SanityErrors() (<-chan events.Event, func()) {
	_, ch, cancel := c.sanityBus.Subscribe()
	return ch, cancel
}

// Cache returns the cache facade: reads are answered from the cache and
// fall through to the wire on a miss.
func (c *Client) Cache() *cache.Cache { return c.cacheTier }

// Storage returns the persistent cache facade, or nil when no storage
// backend is configured.
func (c *Client) Storage() *cache.Cache { return c.storageTier }

// rawSender routes cache misses back through the client without re-entering
// the cache.
type rawSender struct{ c *Client }

func (s rawSender) Send(ctx context.Context, request schema.Message) (schema.Message, error) {
	return s.c.SendOn(ctx, DefaultConnection, request)
}
