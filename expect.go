package derivws

import (
	"context"
	"sync"

	"github.com/derivkit/derivws/core/schema"
)

// expectRegistry parks callers waiting for a response of a given msg_type
// until one passes through the send pipeline.
type expectRegistry struct {
	mu      sync.Mutex
	waiters map[string][]chan schema.Message
}

func newExpectRegistry() *expectRegistry {
	return &expectRegistry{waiters: map[string][]chan schema.Message{}}
}

func (r *expectRegistry) wait(msgType string) chan schema.Message {
	ch := make(chan schema.Message, 1)
	r.mu.Lock()
	r.waiters[msgType] = append(r.waiters[msgType], ch)
	r.mu.Unlock()
	return ch
}

func (r *expectRegistry) drop(msgType string, ch chan schema.Message) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ws := r.waiters[msgType]
	for i, w := range ws {
		if w == ch {
			r.waiters[msgType] = append(ws[:i], ws[i+1:]...)
			break
		}
	}
	if len(r.waiters[msgType]) == 0 {
		delete(r.waiters, msgType)
	}
}

func (r *expectRegistry) fulfil(response schema.Message) {
	msgType := response.MsgType()
	if msgType == "" {
		return
	}
	r.mu.Lock()
	ws := r.waiters[msgType]
	delete(r.waiters, msgType)
	r.mu.Unlock()
	for _, ch := range ws {
		ch <- response.Clone()
	}
}

// ExpectResponse resolves once a response exists for every given msg_type,
// returning them in argument order. Types already present in storage or the
// cache resolve immediately; the rest resolve as responses come off the
// wire. The waiter is registered before the cache lookup so a response
// recorded between the two is picked up either way.
func (c *Client) ExpectResponse(ctx context.Context, msgTypes ...string) ([]schema.Message, error) {
	out := make([]schema.Message, len(msgTypes))
	for i, msgType := range msgTypes {
		ch := c.expect.wait(msgType)
		resp, ok, err := c.lookupByMsgType(ctx, msgType)
		if err != nil {
			c.expect.drop(msgType, ch)
			return nil, err
		}
		if ok {
			c.expect.drop(msgType, ch)
			out[i] = resp
			continue
		}
		select {
		case resp := <-ch:
			out[i] = resp
		case <-ctx.Done():
			c.expect.drop(msgType, ch)
			return nil, ctx.Err()
		}
	}
	return out, nil
}

func (c *Client) lookupByMsgType(ctx context.Context, msgType string) (schema.Message, bool, error) {
	if c.storageTier != nil {
		resp, ok, err := c.storageTier.GetByMsgType(ctx, msgType)
		if err != nil || ok {
			return resp, ok, err
		}
	}
	return c.cacheTier.GetByMsgType(ctx, msgType)
}
