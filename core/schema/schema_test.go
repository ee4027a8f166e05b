package schema

import (
	"testing"
)

func TestFingerprintIgnoresVolatileFields(t *testing.T) {
	a := Message{"ticks": "R_100", "req_id": float64(1)}
	b := Message{"ticks": "R_100", "req_id": float64(7), "subscribe": 1, "passthrough": map[string]any{"x": 1}}

	keyA, err := Fingerprint(a)
	if err != nil {
		t.Fatalf("fingerprint a: %v", err)
	}
	keyB, err := Fingerprint(b)
	if err != nil {
		t.Fatalf("fingerprint b: %v", err)
	}
	if keyA != keyB {
		t.Fatalf("expected equal fingerprints, got %q vs %q", keyA, keyB)
	}
}

func TestFingerprintDistinguishesContent(t *testing.T) {
	keyA, _ := Fingerprint(Message{"ticks": "R_100"})
	keyB, _ := Fingerprint(Message{"ticks": "R_50"})
	if keyA == keyB {
		t.Fatal("different requests must not share a fingerprint")
	}
}

func TestFingerprintDeterministicForNestedObjects(t *testing.T) {
	req := Message{
		"proposal":   1,
		"limit_order": map[string]any{"take_profit": 2.5, "stop_loss": 1.1},
	}
	keyA, _ := Fingerprint(req)
	keyB, _ := Fingerprint(req.Clone())
	if keyA != keyB {
		t.Fatal("fingerprint must be stable across clones")
	}
}

func TestStreamTypeDetection(t *testing.T) {
	cases := []struct {
		name string
		req  Message
		want string
	}{
		{"ticks", Message{"ticks": "R_100"}, "ticks"},
		{"poc", Message{"proposal_open_contract": 1, "contract_id": float64(11)}, "proposal_open_contract"},
		{"p2p", Message{"p2p_order_info": 1, "id": "42"}, "p2p_order_info"},
		{"unknown", Message{"ping": 1}, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := StreamType(tc.req); got != tc.want {
				t.Fatalf("StreamType(%v) = %q, want %q", tc.req, got, tc.want)
			}
		})
	}
}

func TestParentProposalOpenContract(t *testing.T) {
	parent := Message{"proposal_open_contract": float64(1)}
	child := Message{"proposal_open_contract": float64(1), "contract_id": float64(123)}

	if !parent.IsParentProposalOpenContract() {
		t.Fatal("request without contract_id must be a parent subscription")
	}
	if child.IsParentProposalOpenContract() {
		t.Fatal("request with contract_id must not be a parent subscription")
	}
}

func TestMessageAccessors(t *testing.T) {
	raw := []byte(`{"req_id":3,"msg_type":"tick","subscription":{"id":"abc"},"echo_req":{"ticks":"R_100"}}`)
	msg, err := Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if id, ok := msg.ReqID(); !ok || id != 3 {
		t.Fatalf("ReqID = %d, %v", id, ok)
	}
	if msg.MsgType() != "tick" {
		t.Fatalf("MsgType = %q", msg.MsgType())
	}
	if subs, ok := msg.SubscriptionID(); !ok || subs != "abc" {
		t.Fatalf("SubscriptionID = %q, %v", subs, ok)
	}
	if msg.EchoReq()["ticks"] != "R_100" {
		t.Fatal("echo_req not surfaced")
	}
	if msg.HasError() {
		t.Fatal("message has no error payload")
	}
}

func TestBuyContractID(t *testing.T) {
	msg := Message{"buy": map[string]any{"contract_id": float64(987)}}
	id, ok := msg.BuyContractID()
	if !ok || id != 987 {
		t.Fatalf("BuyContractID = %d, %v", id, ok)
	}
}
