// Package llm talks to an OpenAI-compatible chat completion endpoint.
// Only the surface the assistant needs is modeled: tool-calling
// completions, with or without token streaming.
package llm

import (
	"context"
	"encoding/json"
)

// Tool describes one function the model may call.
type Tool struct {
	Name        string
	Description string
	InputSchema map[string]any
}

// ToolCall is one function invocation requested by the model. When the
// model emitted an argument string that does not parse as JSON, ArgsErr
// carries the failure and Input is empty; the call still reaches the
// caller so it can answer that single call with an error instead of
// losing the whole turn.
type ToolCall struct {
	ID      string
	Name    string
	Input   map[string]any
	ArgsErr error
}

// Message is one turn of the conversation. Role is system, user,
// assistant or tool; tool messages carry the id of the call they
// answer.
type Message struct {
	Role       string
	Content    string
	ToolCalls  []ToolCall
	ToolCallID string
}

// Response is a completed model turn.
type Response struct {
	Text       string
	ToolCalls  []ToolCall
	StopReason string
}

// Client is implemented by chat completion backends.
type Client interface {
	// Complete runs one model turn.
	Complete(ctx context.Context, msgs []Message, tools []Tool) (*Response, error)
	// Stream runs one model turn, sending text deltas to the channel
	// as they arrive. The channel is not closed; the returned Response
	// carries the accumulated text and any tool calls.
	Stream(ctx context.Context, msgs []Message, tools []Tool, deltas chan<- string) (*Response, error)
}

// SystemMessage, UserMessage and ToolResult are conveniences for
// building conversations.
func SystemMessage(content string) Message { return Message{Role: "system", Content: content} }
func UserMessage(content string) Message   { return Message{Role: "user", Content: content} }

func ToolResult(callID string, payload any) Message {
	data, err := json.Marshal(payload)
	if err != nil {
		data = []byte(`{"error":"unencodable tool result"}`)
	}
	return Message{Role: "tool", ToolCallID: callID, Content: string(data)}
}
