package derivws

import "github.com/derivkit/derivws/core/schema"

// Middleware hooks into the send pipeline. Both hooks are optional.
type Middleware struct {
	// OnSendWillBeCalled runs before the request reaches the wire. A
	// non-nil return value is used as the response and the request is
	// never transmitted.
	OnSendWillBeCalled func(request schema.Message) schema.Message

	// OnSendIsCalled runs after a response arrives. A non-nil return
	// value replaces the response handed to the caller and the cache.
	OnSendIsCalled func(request, response schema.Message) schema.Message
}
