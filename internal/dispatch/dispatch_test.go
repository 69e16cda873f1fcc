package dispatch_test

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"careline/internal/config"
	"careline/internal/db"
	"careline/internal/dispatch"
	"careline/internal/domain"
	"careline/internal/engine"
	"careline/internal/intent"
	"careline/internal/llm"
	"careline/internal/migrate"
)

// scriptedClient plays back canned model turns. Once the script runs
// out it keeps returning the last response.
type scriptedClient struct {
	responses []*llm.Response
	turn      int
}

func (c *scriptedClient) next() *llm.Response {
	i := c.turn
	if i >= len(c.responses) {
		i = len(c.responses) - 1
	}
	c.turn++
	return c.responses[i]
}

func (c *scriptedClient) Complete(ctx context.Context, msgs []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	return c.next(), nil
}

func (c *scriptedClient) Stream(ctx context.Context, msgs []llm.Message, tools []llm.Tool, deltas chan<- string) (*llm.Response, error) {
	resp := c.next()
	if resp.Text != "" {
		deltas <- resp.Text
	}
	return resp, nil
}

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	eng := engine.New(conn, config.Default(), intent.Default(), nil)
	eng.Now = func() time.Time { return time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC) }
	if _, err := eng.CreateTenant(context.Background(), "org-1", "Test Org", "tester"); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	return eng
}

func TestDispatcherProposeThenConfirm(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()
	if _, err := e.AddMember(ctx, "org-1", engine.MemberAddOptions{FirstName: "Ana", LastName: "Costa", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := e.SetPolicy(ctx, "org-1", "member.paused", true, "tester"); err != nil {
		t.Fatal(err)
	}
	client := &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "propose_action", Input: map[string]any{
			"intent_key": "member.pause.schedule",
			"params":     map[string]any{"member": "Ana", "date": "2026/02/01"},
		}}}},
		{ToolCalls: []llm.ToolCall{{ID: "c2", Name: "confirm_action", Input: map[string]any{}}}},
		{Text: "Ana's participation is paused from 1 February."},
	}}
	d := dispatch.New(e, client)

	res, err := d.Handle(ctx, dispatch.Request{TenantID: "org-1", SessionID: "s1", ActorID: "tester", Message: "pause Ana from feb 1"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if res.Reply != "Ana's participation is paused from 1 February." {
		t.Fatalf("unexpected reply %q", res.Reply)
	}
	if len(res.Drafts) != 1 || res.Drafts[0].Status != domain.DraftExecuted {
		t.Fatalf("expected one executed draft, got %+v", res.Drafts)
	}
	if len(res.Jobs) != 1 || res.Jobs[0].Status != domain.JobPending {
		t.Fatalf("expected one pending job, got %+v", res.Jobs)
	}
	// the slashed date must have been normalized before the draft
	params := res.Drafts[0].ParamsJSON
	if want := `"date":"2026-02-01"`; !strings.Contains(params, want) {
		t.Fatalf("expected normalized date in %s", params)
	}
}

func TestDispatcherSurfacesMissingParams(t *testing.T) {
	e := newTestEngine(t)
	client := &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "propose_action", Input: map[string]any{
			"intent_key": "member.pause.schedule",
			"params":     map[string]any{"member": "Ana"},
		}}}},
		{Text: "Which date should the pause start?"},
	}}
	d := dispatch.New(e, client)
	res, err := d.Handle(context.Background(), dispatch.Request{TenantID: "org-1", SessionID: "s1", ActorID: "tester", Message: "pause Ana"})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Drafts) != 1 || res.Drafts[0].Status != domain.DraftCollecting {
		t.Fatalf("expected a collecting draft, got %+v", res.Drafts)
	}
}

func TestDispatcherToolLoopIsBounded(t *testing.T) {
	e := newTestEngine(t)
	client := &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "list_members", Input: map[string]any{}}}},
	}}
	d := dispatch.New(e, client)
	d.MaxTurns = 3

	res, err := d.Handle(context.Background(), dispatch.Request{TenantID: "org-1", SessionID: "s1", ActorID: "tester", Message: "loop forever"})
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if client.turn != 3 {
		t.Fatalf("expected exactly 3 model turns, got %d", client.turn)
	}
	if !strings.Contains(res.Reply, "could not finish") {
		t.Fatalf("expected the budget reply, got %q", res.Reply)
	}
}

func TestDispatcherRejectsEmptyMessage(t *testing.T) {
	e := newTestEngine(t)
	d := dispatch.New(e, &scriptedClient{responses: []*llm.Response{{Text: "hi"}}})
	_, err := d.Handle(context.Background(), dispatch.Request{TenantID: "org-1", SessionID: "s1", ActorID: "tester", Message: "   "})
	var vErr *engine.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDispatcherToolErrorStaysInConversation(t *testing.T) {
	e := newTestEngine(t)
	client := &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{ID: "c1", Name: "lookup_member", Input: map[string]any{"query": "nobody"}}}},
		{Text: "I could not find that member."},
	}}
	d := dispatch.New(e, client)
	res, err := d.Handle(context.Background(), dispatch.Request{TenantID: "org-1", SessionID: "s1", ActorID: "tester", Message: "who is nobody"})
	if err != nil {
		t.Fatalf("a failed lookup must not abort the turn: %v", err)
	}
	if res.Reply != "I could not find that member." {
		t.Fatalf("unexpected reply %q", res.Reply)
	}
}

func TestDispatcherBrokenToolArgsFailOnlyThatCall(t *testing.T) {
	e := newTestEngine(t)
	client := &scriptedClient{responses: []*llm.Response{
		{ToolCalls: []llm.ToolCall{{
			ID:      "c1",
			Name:    "propose_action",
			Input:   map[string]any{},
			ArgsErr: errors.New("decode arguments for propose_action: unexpected end of JSON input"),
		}}},
		{Text: "I did not catch that, could you rephrase?"},
	}}
	d := dispatch.New(e, client)
	res, err := d.Handle(context.Background(), dispatch.Request{TenantID: "org-1", SessionID: "s1", ActorID: "tester", Message: "pause Ana"})
	if err != nil {
		t.Fatalf("a broken tool call must not abort the turn: %v", err)
	}
	if res.Reply != "I did not catch that, could you rephrase?" {
		t.Fatalf("unexpected reply %q", res.Reply)
	}
	if len(res.Drafts) != 0 {
		t.Fatalf("no draft may come out of unparseable arguments, got %+v", res.Drafts)
	}
}

func TestHandleStreamForwardsDeltas(t *testing.T) {
	e := newTestEngine(t)
	client := &scriptedClient{responses: []*llm.Response{{Text: "All quiet."}}}
	d := dispatch.New(e, client)

	deltas := make(chan string, 8)
	res, err := d.HandleStream(context.Background(), dispatch.Request{TenantID: "org-1", SessionID: "s1", ActorID: "tester", Message: "status?"}, deltas)
	if err != nil {
		t.Fatal(err)
	}
	close(deltas)
	var streamed string
	for s := range deltas {
		streamed += s
	}
	if streamed != "All quiet." || res.Reply != "All quiet." {
		t.Fatalf("expected streamed text to match the reply, got %q / %q", streamed, res.Reply)
	}
}

func TestNormalizeParams(t *testing.T) {
	cases := []struct {
		name string
		key  string
		in   string
		want string
	}{
		{"slashed date", "date", "2026/02/01", "2026-02-01"},
		{"dotted birth date", "birth_date", "1961.04.02", "1961-04-02"},
		{"decorated phone", "phone", "+33 6 12-34-56-78", "+33612345678"},
		{"phone without digits kept", "phone", "unknown", "unknown"},
		{"whitespace trimmed", "member", "  Ana ", "Ana"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out := dispatch.NormalizeParams(map[string]string{tc.key: tc.in})
			if out[tc.key] != tc.want {
				t.Fatalf("got %q, want %q", out[tc.key], tc.want)
			}
		})
	}
}

