package wstest

import "github.com/derivkit/derivws/core/schema"

// Reply builds a response frame the way the API shapes one: the request is
// echoed, msg_type names the payload field and req_id is carried over.
func Reply(req schema.Message, msgType string, payload any) schema.Message {
	resp := schema.Message{
		"echo_req": map[string]any(req.Clone()),
		"msg_type": msgType,
		msgType:    payload,
	}
	if id, ok := req.ReqID(); ok {
		resp["req_id"] = id
	}
	return resp
}

// ErrorReply builds an API error frame for the given request.
func ErrorReply(req schema.Message, code, message string) schema.Message {
	resp := schema.Message{
		"echo_req": map[string]any(req.Clone()),
		"msg_type": "error",
		"error": map[string]any{
			"code":    code,
			"message": message,
		},
	}
	if id, ok := req.ReqID(); ok {
		resp["req_id"] = id
	}
	return resp
}

// WithSubscription stamps a subscription id onto a response frame.
func WithSubscription(resp schema.Message, id string) schema.Message {
	out := resp.Clone()
	out["subscription"] = map[string]any{"id": id}
	return out
}
