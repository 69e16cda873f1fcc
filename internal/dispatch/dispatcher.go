// Package dispatch turns operator messages into catalog intents. The
// model never mutates anything itself: every tool it may call routes
// through the engine, which re-validates and re-authorizes on its own.
package dispatch

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/llm"
)

type Dispatcher struct {
	Engine   engine.Engine
	Client   llm.Client
	Log      *zap.Logger
	MaxTurns int
}

func New(e engine.Engine, c llm.Client) *Dispatcher {
	maxTurns := e.Config.LLM.MaxTurns
	if maxTurns <= 0 {
		maxTurns = 6
	}
	log := e.Log
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{Engine: e, Client: c, Log: log, MaxTurns: maxTurns}
}

// Request is one operator message within a session.
type Request struct {
	TenantID  string
	SessionID string
	ActorID   string
	Message   string
}

// Result is what the assistant did with the message: the textual
// reply plus every draft and job the tool calls touched.
type Result struct {
	Reply  string         `json:"reply"`
	Drafts []domain.Draft `json:"drafts,omitempty"`
	Jobs   []domain.Job   `json:"jobs,omitempty"`
}

// Handle runs the tool-call loop to completion without streaming.
func (d *Dispatcher) Handle(ctx context.Context, req Request) (*Result, error) {
	return d.run(ctx, req, nil)
}

// HandleStream behaves like Handle but forwards text deltas to the
// channel as the model produces them. The channel is not closed.
func (d *Dispatcher) HandleStream(ctx context.Context, req Request, deltas chan<- string) (*Result, error) {
	return d.run(ctx, req, deltas)
}

func (d *Dispatcher) run(ctx context.Context, req Request, deltas chan<- string) (*Result, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, &engine.ValidationError{Field: "message", Reason: "is required"}
	}
	if _, err := d.Engine.Repo.GetTenant(ctx, req.TenantID); err != nil {
		return nil, err
	}

	msgs := []llm.Message{
		llm.SystemMessage(d.systemPrompt()),
		llm.UserMessage(req.Message),
	}
	tools := d.tools()
	result := &Result{}

	for turn := 0; turn < d.MaxTurns; turn++ {
		var resp *llm.Response
		var err error
		if deltas != nil {
			resp, err = d.Client.Stream(ctx, msgs, tools, deltas)
		} else {
			resp, err = d.Client.Complete(ctx, msgs, tools)
		}
		if err != nil {
			return nil, fmt.Errorf("model turn %d: %w", turn+1, err)
		}
		if len(resp.ToolCalls) == 0 {
			result.Reply = resp.Text
			return result, nil
		}
		msgs = append(msgs, llm.Message{Role: "assistant", Content: resp.Text, ToolCalls: resp.ToolCalls})
		for _, call := range resp.ToolCalls {
			payload := d.execTool(ctx, req, call, result)
			msgs = append(msgs, llm.ToolResult(call.ID, payload))
		}
	}

	d.Log.Warn("tool loop budget exhausted",
		zap.String("tenant_id", req.TenantID),
		zap.String("session_id", req.SessionID),
		zap.Int("max_turns", d.MaxTurns))
	result.Reply = "I could not finish working through that request. Nothing beyond the steps already reported was done."
	return result, nil
}

func (d *Dispatcher) systemPrompt() string {
	var b strings.Builder
	b.WriteString("You are the careline assistant for care organization staff. ")
	b.WriteString("You manage members only through the provided tools; never claim an action happened unless a tool confirmed it. ")
	b.WriteString("Collect missing parameters by asking the operator, propose the action, and only confirm when the operator clearly asked for execution.\n\n")
	b.WriteString("Available intents:\n")
	for _, key := range d.Engine.Catalog.Keys() {
		def, _ := d.Engine.Catalog.Lookup(key)
		fmt.Fprintf(&b, "- %s: %s", def.Key, def.Description)
		var required []string
		for _, f := range def.Params {
			if f.Required {
				required = append(required, f.Name)
			}
		}
		if len(required) > 0 {
			fmt.Fprintf(&b, " (requires %s)", strings.Join(required, ", "))
		}
		b.WriteString("\n")
	}
	return b.String()
}
