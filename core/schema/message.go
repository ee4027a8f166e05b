// Package schema defines the wire-level message model shared across the
/// derivws runtime: raw JSON frames, request fingerprints, and the catalogue
// of subscribable stream types.
package schema

import (
	"github.com/goccy/go-json"
)

// Message is a decoded JSON frame. Outbound requests and inbound responses
// are both arbitrary JSON objects; the runtime only interprets a small set
// of top-level fields.
type Message map[string]any

// Decode parses a raw frame into a Message.
func Decode(data []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Encode serializes the message for transmission.
func (m Message) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// Clone returns a shallow copy of the message.
func (m Message) Clone() Message {
	out := make(Message, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ReqID returns the request id carried by the message, if any. JSON numbers
// decode as float64; integral values are narrowed.
func (m Message) ReqID() (int64, bool) {
	return asInt(m["req_id"])
}

// MsgType returns the msg_type field, or the empty string.
func (m Message) MsgType() string {
	s, _ := m["msg_type"].(string)
	return s
}

// EchoReq returns the echoed request object from a response.
func (m Message) EchoReq() Message {
	echo, _ := m["echo_req"].(map[string]any)
	return Message(echo)
}

// SubscriptionID returns the server-issued subscription id, if present.
func (m Message) SubscriptionID() (string, bool) {
	sub, ok := m["subscription"].(map[string]any)
	if !ok {
		return "", false
	}
	id, ok := sub["id"].(string)
	return id, ok && id != ""
}

// HasError reports whether the message carries a server error payload.
func (m Message) HasError() bool {
	_, ok := m["error"]
	return ok && m["error"] != nil
}

// BuyContractID returns buy.contract_id from a buy response.
func (m Message) BuyContractID() (int64, bool) {
	buy, ok := m["buy"].(map[string]any)
	if !ok {
		return 0, false
	}
	return asInt(buy["contract_id"])
}

// ContractID returns the contract_id field of a request, if present.
func (m Message) ContractID() (int64, bool) {
	return asInt(m["contract_id"])
}

// IsParentProposalOpenContract reports whether the request is a "parent"
// proposal_open_contract subscription: it streams many contracts and
// per-element errors are data, not stream termination.
func (m Message) IsParentProposalOpenContract() bool {
	if m == nil {
		return false
	}
	if !truthy(m["proposal_open_contract"]) {
		return false
	}
	_, hasContract := asInt(m["contract_id"])
	return !hasContract
}

func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case string:
		return t != ""
	default:
		return true
	}
}

func asInt(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	case json.Number:
		n, err := t.Int64()
		return n, err == nil
	default:
		return 0, false
	}
}
