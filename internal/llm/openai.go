package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"
)

// OpenAIClient implements Client against any OpenAI-compatible
// /chat/completions endpoint.
type OpenAIClient struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
	Log        *zap.Logger
}

func NewOpenAIClient(baseURL, apiKey, model string, timeout time.Duration, log *zap.Logger) *OpenAIClient {
	if log == nil {
		log = zap.NewNop()
	}
	return &OpenAIClient{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		Model:      model,
		HTTPClient: &http.Client{Timeout: timeout},
		Log:        log,
	}
}

type chatFunction struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

type chatToolCall struct {
	Index    *int         `json:"index,omitempty"`
	ID       string       `json:"id,omitempty"`
	Type     string       `json:"type,omitempty"`
	Function chatFunction `json:"function"`
}

type chatMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []chatToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type chatToolSpec struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatToolSpec `json:"function"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Tools       []chatTool    `json:"tools,omitempty"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatChoice struct {
	Message      *chatMessage `json:"message,omitempty"`
	Delta        *chatMessage `json:"delta,omitempty"`
	FinishReason string       `json:"finish_reason,omitempty"`
}

type chatResponse struct {
	Choices []chatChoice `json:"choices"`
	Error   *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

func encodeMessages(msgs []Message) ([]chatMessage, error) {
	out := make([]chatMessage, 0, len(msgs))
	for _, m := range msgs {
		cm := chatMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			args, err := json.Marshal(tc.Input)
			if err != nil {
				return nil, fmt.Errorf("marshal tool input for %s: %w", tc.Name, err)
			}
			cm.ToolCalls = append(cm.ToolCalls, chatToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: chatFunction{
					Name:      tc.Name,
					Arguments: string(args),
				},
			})
		}
		out = append(out, cm)
	}
	return out, nil
}

func encodeTools(tools []Tool) []chatTool {
	out := make([]chatTool, 0, len(tools))
	for _, t := range tools {
		out = append(out, chatTool{
			Type: "function",
			Function: chatToolSpec{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}
	return out
}

func (c *OpenAIClient) request(ctx context.Context, body chatRequest, stream bool) (*http.Response, error) {
	if c.APIKey == "" {
		return nil, fmt.Errorf("llm api key not configured")
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("llm request: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("llm request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return resp, nil
}

func (c *OpenAIClient) Complete(ctx context.Context, msgs []Message, tools []Tool) (*Response, error) {
	encoded, err := encodeMessages(msgs)
	if err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, chatRequest{
		Model:       c.Model,
		Messages:    encoded,
		Tools:       encodeTools(tools),
		Temperature: 0.1,
	}, false)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var cr chatResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("parse response: %w", err)
	}
	if cr.Error != nil {
		return nil, fmt.Errorf("llm error: %s", cr.Error.Message)
	}
	if len(cr.Choices) == 0 || cr.Choices[0].Message == nil {
		return nil, fmt.Errorf("no completion returned")
	}
	choice := cr.Choices[0]
	out := &Response{
		Text:       strings.TrimSpace(choice.Message.Content),
		StopReason: choice.FinishReason,
	}
	for _, tc := range choice.Message.ToolCalls {
		call := decodeToolCall(tc)
		if call.ArgsErr != nil {
			c.Log.Warn("tool call arguments did not parse",
				zap.String("tool", call.Name),
				zap.Error(call.ArgsErr))
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}
	return out, nil
}

// Stream runs one completion with SSE streaming. Tool call arguments
// arrive as fragments keyed by index; they are stitched back together
// and decoded once the stream ends.
func (c *OpenAIClient) Stream(ctx context.Context, msgs []Message, tools []Tool, deltas chan<- string) (*Response, error) {
	encoded, err := encodeMessages(msgs)
	if err != nil {
		return nil, err
	}
	resp, err := c.request(ctx, chatRequest{
		Model:       c.Model,
		Messages:    encoded,
		Tools:       encodeTools(tools),
		Temperature: 0.1,
		Stream:      true,
	}, true)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var text strings.Builder
	calls := map[int]*pendingCall{}
	finish := ""

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "" {
			continue
		}
		if data == "[DONE]" {
			break
		}
		var chunk chatResponse
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			continue
		}
		if chunk.Error != nil {
			return nil, fmt.Errorf("llm error: %s", chunk.Error.Message)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finish = choice.FinishReason
		}
		if choice.Delta == nil {
			continue
		}
		if choice.Delta.Content != "" {
			text.WriteString(choice.Delta.Content)
			select {
			case deltas <- choice.Delta.Content:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			pc := calls[idx]
			if pc == nil {
				pc = &pendingCall{}
				calls[idx] = pc
			}
			if tc.ID != "" {
				pc.id = tc.ID
			}
			if tc.Function.Name != "" {
				pc.name = tc.Function.Name
			}
			pc.args.WriteString(tc.Function.Arguments)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("stream read: %w", err)
	}

	out := &Response{Text: strings.TrimSpace(text.String()), StopReason: finish}
	indexes := make([]int, 0, len(calls))
	for idx := range calls {
		indexes = append(indexes, idx)
	}
	sort.Ints(indexes)
	for _, idx := range indexes {
		pc := calls[idx]
		input := map[string]any{}
		if args := strings.TrimSpace(pc.args.String()); args != "" {
			if err := json.Unmarshal([]byte(args), &input); err != nil {
				c.Log.Warn("dropping tool call with unparseable arguments",
					zap.String("tool", pc.name),
					zap.String("fragment", args),
					zap.Error(err))
				continue
			}
		}
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: pc.id, Name: pc.name, Input: input})
	}
	return out, nil
}

type pendingCall struct {
	id   string
	name string
	args strings.Builder
}

// decodeToolCall never fails the turn: unparseable arguments ride along
// on the call as ArgsErr.
func decodeToolCall(tc chatToolCall) ToolCall {
	call := ToolCall{ID: tc.ID, Name: tc.Function.Name, Input: map[string]any{}}
	if args := strings.TrimSpace(tc.Function.Arguments); args != "" {
		if err := json.Unmarshal([]byte(args), &call.Input); err != nil {
			call.Input = map[string]any{}
			call.ArgsErr = fmt.Errorf("decode arguments for %s: %w", tc.Function.Name, err)
		}
	}
	return call
}
