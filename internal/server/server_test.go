package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
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

const testSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	Token  string
	client *http.Client
}

// textOnlyClient is the minimal assistant backend: it answers every
// message with a fixed line and never calls tools.
type textOnlyClient struct{ reply string }

func (c *textOnlyClient) Complete(ctx context.Context, msgs []llm.Message, tools []llm.Tool) (*llm.Response, error) {
	return &llm.Response{Text: c.reply}, nil
}

func (c *textOnlyClient) Stream(ctx context.Context, msgs []llm.Message, tools []llm.Tool, deltas chan<- string) (*llm.Response, error) {
	deltas <- c.reply
	return &llm.Response{Text: c.reply}, nil
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default(), intent.Default(), nil)
	e.Now = func() time.Time { return time.Date(2026, 1, 5, 9, 0, 0, 0, time.UTC) }
	if _, err := e.CreateTenant(context.Background(), "org-1", "Test Org", "tester"); err != nil {
		t.Fatalf("create tenant: %v", err)
	}
	d := dispatch.New(e, &textOnlyClient{reply: "How can I help?"})
	handler, err := New(Config{Engine: e, Dispatcher: d, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	t.Cleanup(func() {
		srv.Shutdown(context.Background())
		ln.Close()
		conn.Close()
	})
	token, err := IssueToken(testSecret, "staff-1", "org-1", []string{"operator"})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}
	return &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		Token:  token,
		client: &http.Client{},
	}
}

func (s *testServer) doJSON(t *testing.T, method, path string, body any, token string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, s.URL+path, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	res, err := s.client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("decode error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.doJSON(t, http.MethodGet, "/v0/members", nil, "")
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if errorCode(t, data) != "unauthorized" {
		t.Fatalf("unexpected error body: %s", string(data))
	}

	// health stays open
	res, _ = srv.doJSON(t, http.MethodGet, "/v0/health", nil, "")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected open health endpoint, got %d", res.StatusCode)
	}
}

func TestTokenForUnknownTenantIsRejected(t *testing.T) {
	srv := newTestServer(t)
	token, err := IssueToken(testSecret, "staff-1", "org-ghost", nil)
	if err != nil {
		t.Fatal(err)
	}
	res, _ := srv.doJSON(t, http.MethodGet, "/v0/members", nil, token)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown tenant, got %d", res.StatusCode)
	}
}

func TestMemberEndpoints(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.doJSON(t, http.MethodPost, "/v0/members", map[string]any{
		"first_name": "Ana",
		"last_name":  "Costa",
		"phone":      "+33612345678",
	}, srv.Token)
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create member: %d %s", res.StatusCode, string(data))
	}
	var created domain.Member
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal member: %v", err)
	}
	if created.TenantID != "org-1" || created.Status != "active" {
		t.Fatalf("unexpected member %+v", created)
	}

	res, data = srv.doJSON(t, http.MethodGet, "/v0/members/"+created.ID, nil, srv.Token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get member: %d %s", res.StatusCode, string(data))
	}

	res, data = srv.doJSON(t, http.MethodGet, "/v0/members?status=active", nil, srv.Token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list members: %d %s", res.StatusCode, string(data))
	}
	var list struct {
		Members []domain.Member `json:"members"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(list.Members) != 1 {
		t.Fatalf("expected 1 member, got %d", len(list.Members))
	}
}

func TestDraftConfirmFlow(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	if _, err := srv.Engine.AddMember(ctx, "org-1", engine.MemberAddOptions{FirstName: "Ana", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	if _, err := srv.Engine.SetPolicy(ctx, "org-1", "member.paused", true, "tester"); err != nil {
		t.Fatal(err)
	}
	d, err := srv.Engine.OpenOrUpdateDraft(ctx, "org-1", "s1", "member.pause.schedule",
		map[string]string{"member": "Ana", "date": "2026-02-01"}, "tester")
	if err != nil {
		t.Fatal(err)
	}

	res, data := srv.doJSON(t, http.MethodPost, "/v0/drafts/"+d.ID+"/confirm?session_id=s1", nil, srv.Token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("confirm: %d %s", res.StatusCode, string(data))
	}
	var confirmed struct {
		Draft domain.Draft `json:"draft"`
		Job   *domain.Job  `json:"job"`
	}
	if err := json.Unmarshal(data, &confirmed); err != nil {
		t.Fatalf("unmarshal confirm: %v", err)
	}
	if confirmed.Draft.Status != domain.DraftExecuted {
		t.Fatalf("expected executed draft, got %s", confirmed.Draft.Status)
	}
	if confirmed.Job == nil || confirmed.Job.Status != domain.JobPending {
		t.Fatalf("expected a pending job, got %+v", confirmed.Job)
	}

	// a second confirmation lost the transition
	res, data = srv.doJSON(t, http.MethodPost, "/v0/drafts/"+d.ID+"/confirm?session_id=s1", nil, srv.Token)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 on duplicate confirm, got %d %s", res.StatusCode, string(data))
	}
}

func TestConfirmWithoutPolicyIsForbidden(t *testing.T) {
	srv := newTestServer(t)
	ctx := context.Background()
	if _, err := srv.Engine.AddMember(ctx, "org-1", engine.MemberAddOptions{FirstName: "Ana", ActorID: "tester"}); err != nil {
		t.Fatal(err)
	}
	d, err := srv.Engine.OpenOrUpdateDraft(ctx, "org-1", "s1", "member.pause.schedule",
		map[string]string{"member": "Ana", "date": "2026-02-01"}, "tester")
	if err != nil {
		t.Fatal(err)
	}
	res, data := srv.doJSON(t, http.MethodPost, "/v0/drafts/"+d.ID+"/confirm?session_id=s1", nil, srv.Token)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d %s", res.StatusCode, string(data))
	}
	if errorCode(t, data) != "policy_denied" {
		t.Fatalf("unexpected error body: %s", string(data))
	}
}

func TestPolicyEndpoints(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.doJSON(t, http.MethodPut, "/v0/policies/member.paused", map[string]any{"enabled": true}, srv.Token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("set policy: %d %s", res.StatusCode, string(data))
	}

	res, data = srv.doJSON(t, http.MethodPut, "/v0/policies/member.delete_everything", map[string]any{"enabled": true}, srv.Token)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown policy key, got %d %s", res.StatusCode, string(data))
	}

	res, data = srv.doJSON(t, http.MethodGet, "/v0/policies", nil, srv.Token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list policies: %d %s", res.StatusCode, string(data))
	}
	var list struct {
		Policies []domain.PolicySetting `json:"policies"`
	}
	if err := json.Unmarshal(data, &list); err != nil {
		t.Fatalf("unmarshal policies: %v", err)
	}
	if len(list.Policies) != 1 || !list.Policies[0].Enabled {
		t.Fatalf("unexpected policies %+v", list.Policies)
	}
}

func TestAssistantMessage(t *testing.T) {
	srv := newTestServer(t)

	res, data := srv.doJSON(t, http.MethodPost, "/v0/assistant/messages", map[string]any{
		"message": "hello",
	}, srv.Token)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assistant: %d %s", res.StatusCode, string(data))
	}
	var out struct {
		SessionID string          `json:"session_id"`
		Result    dispatch.Result `json:"result"`
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal assistant response: %v", err)
	}
	if out.SessionID == "" {
		t.Fatalf("expected a generated session id")
	}
	if out.Result.Reply != "How can I help?" {
		t.Fatalf("unexpected reply %q", out.Result.Reply)
	}
}
