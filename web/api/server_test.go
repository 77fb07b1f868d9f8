package api

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/config"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/issues"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/prompts"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/registry"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/roster"
	"github.com/hochfrequenz/claude-cycle-orchestrator/internal/runner"
)

func newTestServer(t *testing.T, ids ...string) (*Server, *registry.Registry) {
	t.Helper()
	cfg := config.Default()
	cfg.General.DataDir = t.TempDir()

	loader := prompts.NewLoader()
	managers, err := roster.LoadManagers(loader)
	if err != nil {
		t.Fatal(err)
	}

	var server *Server
	reg := registry.New(registry.Options{
		Config:   cfg,
		Managers: managers,
		OnEvent: func(ev runner.Event) {
			if server != nil {
				server.PublishRunnerEvent(ev)
			}
		},
		Tune: func(o *runner.Options) {
			o.Prompts = loader
			o.ControlPoll = 10 * time.Millisecond
		},
	})
	t.Cleanup(func() { reg.Shutdown() })

	for _, id := range ids {
		if _, err := reg.Add(config.ProjectRef{ID: id, RepoPath: t.TempDir()}); err != nil {
			t.Fatal(err)
		}
	}
	server = NewServer(reg, "127.0.0.1:0", nil)
	return server, reg
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.NewDecoder(w.Body).Decode(v); err != nil {
		t.Fatalf("decoding %q: %v", w.Body.String(), err)
	}
}

func fakeGH(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a unix shell")
	}
	path := filepath.Join(t.TempDir(), "gh")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProjectRoutes_NotFound(t *testing.T) {
	s, _ := newTestServer(t, "shop")

	tests := []struct {
		method, path string
		want         int
	}{
		{"GET", "/api/projects/nope/status", http.StatusNotFound},
		{"GET", "/api/projects/nope/logs", http.StatusNotFound},
		{"GET", "/api/projects/nope/agents", http.StatusNotFound},
		{"GET", "/api/projects/nope/config", http.StatusNotFound},
		{"POST", "/api/projects/nope/pause", http.StatusNotFound},
		{"POST", "/api/projects/shop/explode", http.StatusNotFound},
		{"GET", "/api/projects/shop/agents/nobody", http.StatusNotFound},
		{"GET", "/api/projects/shop/pause", http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		w := do(t, s, tt.method, tt.path, "")
		if w.Code != tt.want {
			t.Errorf("%s %s = %d, want %d", tt.method, tt.path, w.Code, tt.want)
		}
	}
}

func TestStatusHandlers(t *testing.T) {
	s, _ := newTestServer(t, "shop", "blog")

	w := do(t, s, "GET", "/api/projects/shop/status", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	var st runner.Status
	decode(t, w, &st)
	if st.Project != "shop" || !st.State.IsPaused || len(st.Agents) == 0 {
		t.Errorf("status = %+v", st)
	}

	w = do(t, s, "GET", "/api/status", "")
	var sum registry.Summary
	decode(t, w, &sum)
	if sum.Total != 2 || sum.Paused != 2 || sum.Running != 0 {
		t.Errorf("summary = %+v", sum)
	}
}

func TestAgentsHandlers(t *testing.T) {
	s, _ := newTestServer(t, "shop")

	w := do(t, s, "GET", "/api/projects/shop/agents", "")
	var agents []runner.AgentStatus
	decode(t, w, &agents)
	if len(agents) != 3 {
		t.Fatalf("agents = %d, want the three managers", len(agents))
	}

	w = do(t, s, "GET", "/api/projects/shop/agents/athena", "")
	if w.Code != http.StatusOK {
		t.Fatalf("agent detail = %d: %s", w.Code, w.Body.String())
	}
	var detail runner.AgentDetail
	decode(t, w, &detail)
	if detail.Name != "athena" || detail.Rules == "" {
		t.Errorf("detail = %+v", detail)
	}
}

func TestConfigHandlers(t *testing.T) {
	s, reg := newTestServer(t, "shop")

	w := do(t, s, "PUT", "/api/projects/shop/config",
		`{"cycle_interval_ms": 60000, "agent_timeout_ms": 120000, "budget_per_24h": 12.5, "tracker_repo": "acme/shop", "models": {"athena": "opus"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("put = %d: %s", w.Code, w.Body.String())
	}

	rn, _ := reg.Get("shop")
	cfg := rn.Config()
	if cfg.CycleInterval != time.Minute || cfg.BudgetPer24h != 12.5 || cfg.TrackerRepo != "acme/shop" {
		t.Errorf("saved config = %+v", cfg)
	}

	w = do(t, s, "GET", "/api/projects/shop/config", "")
	var doc config.ProjectDocument
	decode(t, w, &doc)
	if doc.AgentTimeoutMs != 120000 || doc.Models["athena"] != "opus" {
		t.Errorf("document = %+v", doc)
	}

	w = do(t, s, "PUT", "/api/projects/shop/config", `{"budget_per_24h": -3}`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("invalid put = %d, want 400", w.Code)
	}
	var bad ConfigErrorResponse
	decode(t, w, &bad)
	if len(bad.Fields) != 1 || !strings.Contains(bad.Fields[0], "budget_per_24h") {
		t.Errorf("errors = %+v", bad)
	}
	if got := rn.Config().BudgetPer24h; got != 12.5 {
		t.Errorf("rejected write changed budget to %v", got)
	}

	w = do(t, s, "PUT", "/api/projects/shop/config", `not json`)
	if w.Code != http.StatusBadRequest {
		t.Errorf("malformed put = %d, want 400", w.Code)
	}
}

func TestIssuesHandlers(t *testing.T) {
	s, reg := newTestServer(t, "shop")

	w := do(t, s, "GET", "/api/projects/shop/issues", "")
	if w.Code != http.StatusNotFound {
		t.Errorf("issues without tracker repo = %d, want 404", w.Code)
	}

	rn, _ := reg.Get("shop")
	cfg := rn.Config()
	cfg.TrackerRepo = "acme/shop"
	if err := rn.SaveConfig(cfg); err != nil {
		t.Fatal(err)
	}

	bin := fakeGH(t, `case "$1" in
issue) echo '[{"number": 4, "title": "Broken cart", "state": "OPEN", "author": {"login": "ana"}, "labels": [{"name": "bug"}]}]' ;;
pr) echo '[{"number": 9, "title": "Fix cart", "state": "OPEN", "headRefName": "fix-cart", "isDraft": true}]' ;;
esac`)
	var gotRepo string
	s.NewFetcher = func(repo string) *issues.Fetcher {
		gotRepo = repo
		return &issues.Fetcher{Binary: bin, Repo: repo}
	}

	w = do(t, s, "GET", "/api/projects/shop/issues?state=all&limit=5", "")
	if w.Code != http.StatusOK {
		t.Fatalf("issues = %d: %s", w.Code, w.Body.String())
	}
	var list []issues.Issue
	decode(t, w, &list)
	if gotRepo != "acme/shop" || len(list) != 1 || list[0].Author != "ana" || list[0].Labels[0] != "bug" {
		t.Errorf("issues = %+v (repo %q)", list, gotRepo)
	}

	w = do(t, s, "GET", "/api/projects/shop/prs", "")
	var prs []issues.PullRequest
	decode(t, w, &prs)
	if len(prs) != 1 || prs[0].HeadRefName != "fix-cart" || !prs[0].IsDraft {
		t.Errorf("prs = %+v", prs)
	}

	if w := do(t, s, "GET", "/api/projects/shop/issues?limit=zero", ""); w.Code != http.StatusBadRequest {
		t.Errorf("bad limit = %d, want 400", w.Code)
	}

	s.NewFetcher = func(repo string) *issues.Fetcher {
		return &issues.Fetcher{Binary: fakeGH(t, "echo boom >&2; exit 1"), Repo: repo}
	}
	if w := do(t, s, "GET", "/api/projects/shop/issues", ""); w.Code != http.StatusBadGateway {
		t.Errorf("failing gh = %d, want 502", w.Code)
	}
}

func TestActionHandlers(t *testing.T) {
	s, reg := newTestServer(t, "shop")
	rn, _ := reg.Get("shop")

	var resp ActionResponse
	w := do(t, s, "POST", "/api/projects/shop/resume", "")
	decode(t, w, &resp)
	if resp.Paused || resp.Action != "resume" {
		t.Errorf("resume = %+v", resp)
	}

	w = do(t, s, "POST", "/api/projects/shop/pause?reason=lunch", "")
	decode(t, w, &resp)
	if !resp.Paused || rn.State().PauseReason != "lunch" {
		t.Errorf("pause = %+v, reason %q", resp, rn.State().PauseReason)
	}

	w = do(t, s, "POST", "/api/projects/shop/start", "")
	decode(t, w, &resp)
	if !resp.Running {
		t.Errorf("start = %+v", resp)
	}
	if w := do(t, s, "POST", "/api/projects/shop/start", ""); w.Code != http.StatusConflict {
		t.Errorf("second start = %d, want 409", w.Code)
	}

	if w := do(t, s, "POST", "/api/projects/shop/skip", ""); w.Code != http.StatusOK {
		t.Errorf("skip = %d", w.Code)
	}

	do(t, s, "POST", "/api/projects/shop/stop", "")
	rn.Wait()
	if rn.Running() {
		t.Error("runner still running after stop")
	}

	w = do(t, s, "POST", "/api/projects/shop/bootstrap", "")
	if w.Code != http.StatusOK {
		t.Fatalf("bootstrap = %d: %s", w.Code, w.Body.String())
	}
	if st := rn.State(); !st.IsPaused || st.CycleCount != 0 {
		t.Errorf("state after bootstrap = %+v", st)
	}
}

func TestLogsHandler(t *testing.T) {
	s, reg := newTestServer(t, "shop")
	rn, _ := reg.Get("shop")
	rn.Pause("checking logs")

	w := do(t, s, "GET", "/api/projects/shop/logs?lines=50", "")
	var logs LogsResponse
	decode(t, w, &logs)
	if len(logs.Lines) == 0 || !strings.Contains(strings.Join(logs.Lines, "\n"), "checking logs") {
		t.Errorf("lines = %v", logs.Lines)
	}

	if w := do(t, s, "GET", "/api/projects/shop/logs?lines=-1", ""); w.Code != http.StatusBadRequest {
		t.Errorf("negative lines = %d, want 400", w.Code)
	}
}

func TestLogsWebSocket(t *testing.T) {
	s, reg := newTestServer(t, "shop")
	rn, _ := reg.Get("shop")
	rn.Pause("before tail")

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/projects/shop/logs/ws?lines=20"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	readUntil := func(substr string) {
		t.Helper()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				t.Fatalf("waiting for %q: %v", substr, err)
			}
			if strings.Contains(string(msg), substr) {
				return
			}
		}
	}

	readUntil("before tail")
	rn.Resume()
	readUntil("resumed")
}

func TestEventsStream(t *testing.T) {
	s, reg := newTestServer(t, "shop")
	rn, _ := reg.Get("shop")

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, "GET", ts.URL+"/api/events", nil)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Errorf("content type = %q", ct)
	}

	deadline := time.Now().Add(5 * time.Second)
	for s.sseHub.Clients() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	rn.Resume()

	scanner := bufio.NewScanner(resp.Body)
	var event, data string
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "event: ") {
			event = strings.TrimPrefix(line, "event: ")
		}
		if strings.HasPrefix(line, "data: ") {
			data = strings.TrimPrefix(line, "data: ")
			break
		}
	}
	if event != runner.EventResume {
		t.Fatalf("event = %q, want %q", event, runner.EventResume)
	}
	var got struct {
		Data runner.Event `json:"data"`
	}
	if err := json.Unmarshal([]byte(data), &got); err != nil {
		t.Fatal(err)
	}
	if got.Data.Project != "shop" || got.Data.Paused {
		t.Errorf("event data = %+v", got.Data)
	}
}

func TestSSEHub_DropsSlowClients(t *testing.T) {
	h := NewSSEHub()
	ch := h.Subscribe()
	for i := 0; i < clientBuffer+1; i++ {
		h.Broadcast(SSEEvent{Type: "state"})
	}
	if h.Clients() != 0 {
		t.Errorf("slow client still registered")
	}
	n := 0
	for range ch {
		n++
	}
	if n != clientBuffer {
		t.Errorf("buffered events = %d, want %d", n, clientBuffer)
	}

	h.Close()
	if _, ok := <-h.Subscribe(); ok {
		t.Error("subscribe after close returned an open channel")
	}
}
