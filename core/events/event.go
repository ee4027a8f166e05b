// Package events defines the connection lifecycle events published by the
// derivws runtime.
package events

import "github.com/derivkit/derivws/core/schema"

// Name identifies an event kind. The set is closed.
type Name string

const (
	// Connect is emitted before a transport dials its socket.
	Connect Name = "connect"
	// Send is emitted after a request frame is written to the wire.
	Send Name = "send"
	// Message is emitted for every inbound frame that parses as JSON.
	Message Name = "message"
	// Close is emitted when a transport closes a socket it owns.
	Close Name = "close"
	// ConnectionClosed is emitted when the socket terminates unexpectedly.
	ConnectionClosed Name = "connection_closed"
	// Reconnecting is emitted before each reconnect attempt.
	Reconnecting Name = "reconnecting"
	// Reconnected is emitted after a successful reconnect.
	Reconnected Name = "reconnected"
	// ReconnectFailed is emitted after a failed reconnect attempt.
	ReconnectFailed Name = "reconnect_failed"
	// ReconnectMaxRetriesExceeded is emitted when the retry budget is spent.
	ReconnectMaxRetriesExceeded Name = "reconnect_max_retries_exceeded"
	// Error is emitted for non-fatal receive-path failures.
	Error Name = "error"
	// UnmatchedResponse is emitted for inbound frames with no pending sink.
	UnmatchedResponse Name = "unmatched_response"
	// ForgetSubscription is emitted when a frame arrives for a sink that
	// already completed but still carries a live server subscription id.
	ForgetSubscription Name = "forget_subscription"
)

// Event is a tagged record describing a connection lifecycle occurrence.
// Name and ConnectionID are always set; the remaining fields depend on Name.
type Event struct {
	Name         Name
	ConnectionID int

	// Data carries the frame for message, send and unmatched_response.
	Data schema.Message
	// Err carries the failure for error, connection_closed and reconnect_failed.
	Err error
	// Attempt carries the retry ordinal for reconnecting and reconnect_failed.
	Attempt int
	// SubscriptionID carries the stale id for forget_subscription.
	SubscriptionID string
}

// IsError reports whether the event belongs on the error bus.
func (e Event) IsError() bool {
	switch e.Name {
	case Error, ConnectionClosed, ReconnectFailed, ReconnectMaxRetriesExceeded:
		return true
	default:
		return false
	}
}
