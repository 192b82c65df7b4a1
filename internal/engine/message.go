package engine

import (
	"github.com/rendis/flowcore/internal/expressions"
)

// Message is the runtime message carried from node to node.
type Message struct {
	Payload any            `json:"payload"`
	Context map[string]any `json:"context"`
	Results map[string]any `json:"results"` // node ID → result
}

// newMessage builds the run's message from the initial context and the
// caller's initial message. Initial message context keys win.
func newMessage(initialContext map[string]any, initial *Message) *Message {
	msg := &Message{
		Context: expressions.DeepCopyMap(initialContext),
		Results: make(map[string]any),
	}
	if msg.Context == nil {
		msg.Context = make(map[string]any)
	}
	if initial == nil {
		return msg
	}
	msg.Payload = expressions.JSONSafe(expressions.DeepCopy(initial.Payload))
	for k, v := range initial.Context {
		msg.Context[k] = expressions.DeepCopy(v)
	}
	for k, v := range initial.Results {
		msg.Results[k] = expressions.DeepCopy(v)
	}
	return msg
}

// renderData is the expression data object for the current step: the initial
// context merged with context, payload, nodes and msg.
func renderData(initialContext map[string]any, msg *Message) map[string]any {
	data := make(map[string]any, len(initialContext)+4)
	for k, v := range initialContext {
		data[k] = v
	}
	data["context"] = msg.Context
	data["payload"] = msg.Payload
	data["nodes"] = msg.Results
	data["msg"] = map[string]any{
		"payload": msg.Payload,
		"context": msg.Context,
		"results": msg.Results,
	}
	return data
}

// errorResult is the error-shaped value a failed function node produces.
func errorResult(code, message, nodeID, templateKey string) map[string]any {
	return map[string]any{
		"error": map[string]any{
			"code":         code,
			"message":      message,
			"node_id":      nodeID,
			"template_key": templateKey,
		},
	}
}

// IsErrorResult reports whether v is an error-shaped node result.
func IsErrorResult(v any) bool {
	m, ok := v.(map[string]any)
	if !ok || len(m) != 1 {
		return false
	}
	inner, ok := m["error"].(map[string]any)
	if !ok {
		return false
	}
	_, hasCode := inner["code"]
	return hasCode
}
