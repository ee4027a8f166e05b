// Package cache stores API responses keyed by request fingerprint so
// repeated identical calls can be answered without touching the wire.
package cache

import (
	"context"

	"github.com/derivkit/derivws/core/schema"
	"github.com/derivkit/derivws/errs"
)

// Backend is a pluggable response store.
type Backend interface {
	Get(ctx context.Context, request schema.Message) (schema.Message, bool, error)
	Set(ctx context.Context, request, response schema.Message) error
	GetByMsgType(ctx context.Context, msgType string) (schema.Message, bool, error)
}

// Sender issues a request when the cache cannot answer it.
type Sender interface {
	Send(ctx context.Context, request schema.Message) (schema.Message, error)
}

// Cache answers requests from its backend and falls through to the sender
// on a miss, storing the fresh response on the way back.
type Cache struct {
	backend Backend
	sender  Sender
}

func New(backend Backend, sender Sender) *Cache {
	return &Cache{backend: backend, sender: sender}
}

// Send resolves the request from the backend when possible.
func (c *Cache) Send(ctx context.Context, request schema.Message) (schema.Message, error) {
	cached, ok, err := c.backend.Get(ctx, request)
	if err != nil {
		return nil, err
	}
	if ok {
		return cached, nil
	}
	if c.sender == nil {
		return nil, errs.Connection("cache", "no sender behind the cache")
	}
	resp, err := c.sender.Send(ctx, request)
	if err != nil {
		return nil, err
	}
	if err := c.backend.Set(ctx, request, resp); err != nil {
		return nil, err
	}
	return resp, nil
}

// Has reports whether the backend holds a response for the request.
func (c *Cache) Has(ctx context.Context, request schema.Message) (bool, error) {
	_, ok, err := c.backend.Get(ctx, request)
	return ok, err
}

// GetByMsgType returns any stored response of the given message type.
func (c *Cache) GetByMsgType(ctx context.Context, msgType string) (schema.Message, bool, error) {
	return c.backend.GetByMsgType(ctx, msgType)
}

// Set stores a response directly, bypassing the sender.
func (c *Cache) Set(ctx context.Context, request, response schema.Message) error {
	return c.backend.Set(ctx, request, response)
}
