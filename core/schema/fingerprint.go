package schema

import (
	"github.com/goccy/go-json"
)

// Key is the canonical fingerprint of a request. Two requests with equal
// keys are the same call for subscription dedup and response caching.
type Key string

// Fields that vary per send without changing the identity of the call.
var fingerprintIgnored = [...]string{"req_id", "passthrough", "subscribe"}

// Fingerprint computes the canonical byte encoding of a request: volatile
// fields are stripped and the remainder is serialized with sorted keys.
func Fingerprint(request Message) (Key, error) {
	trimmed := request.Clone()
	for _, field := range fingerprintIgnored {
		delete(trimmed, field)
	}
	// encoding/json-compatible marshalers emit map keys in sorted order,
	// which makes the encoding deterministic for nested objects too.
	data, err := json.Marshal(trimmed)
	if err != nil {
		return "", err
	}
	return Key(data), nil
}
