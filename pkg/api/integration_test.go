package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fademem/fademem/pkg/api/response"
	"github.com/fademem/fademem/pkg/events"
	"github.com/fademem/fademem/pkg/memory"
)

type apiClient struct {
	t    *testing.T
	base string
}

func (c *apiClient) do(method, path string, body any, out any) int {
	c.t.Helper()
	var rd *bytes.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			c.t.Fatal(err)
		}
		rd = bytes.NewReader(buf)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.base+path, rd)
	if err != nil {
		c.t.Fatal(err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		c.t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			c.t.Fatalf("%s %s: decode: %v", method, path, err)
		}
	}
	return resp.StatusCode
}

func setupIntegrationTest(t *testing.T) (*testEnv, *apiClient, string) {
	t.Helper()
	env := newTestEnv(t, true)
	srv := httptest.NewServer(NewRouter(env.cfg, env.log, env.h))
	t.Cleanup(func() {
		env.h.WebSocket.Close()
		srv.Close()
	})
	return env, &apiClient{t: t, base: srv.URL}, srv.URL
}

func TestIntegration_MemoryLifecycle(t *testing.T) {
	_, c, _ := setupIntegrationTest(t)

	var added memory.AddResult
	status := c.do(http.MethodPost, "/api/v1/memories", map[string]any{
		"messages": "I go hiking in the Alps every summer",
		"user_id":  "alice",
	}, &added)
	if status != http.StatusOK {
		t.Fatalf("add status = %d", status)
	}
	if len(added.Results) != 1 || added.Results[0].Event != "ADD" {
		t.Fatalf("add results = %+v", added.Results)
	}
	id := added.Results[0].ID

	var found memory.SearchResponse
	status = c.do(http.MethodPost, "/api/v1/memories/search", map[string]any{
		"query":   "hiking in the Alps",
		"user_id": "alice",
	}, &found)
	if status != http.StatusOK {
		t.Fatalf("search status = %d", status)
	}
	if len(found.Results) == 0 || found.Results[0].ID != id {
		t.Fatalf("search results = %+v", found.Results)
	}

	var other memory.SearchResponse
	c.do(http.MethodPost, "/api/v1/memories/search", map[string]any{
		"query":   "hiking in the Alps",
		"user_id": "bob",
	}, &other)
	if len(other.Results) != 0 {
		t.Errorf("bob sees alice's memories: %+v", other.Results)
	}

	var change memory.TierChange
	if status := c.do(http.MethodPost, "/api/v1/memories/"+id+"/promote", nil, &change); status != http.StatusOK {
		t.Fatalf("promote status = %d", status)
	}
	if !change.Changed || change.NewTier != "long" {
		t.Errorf("promote = %+v", change)
	}

	var history struct {
		History []map[string]any `json:"history"`
	}
	c.do(http.MethodGet, "/api/v1/memories/"+id+"/history", nil, &history)
	if len(history.History) < 2 || history.History[0]["event"] != "ADD" {
		t.Errorf("history = %+v", history.History)
	}

	var stats memory.Stats
	c.do(http.MethodGet, "/api/v1/stats?user_id=alice", nil, &stats)
	if stats.Total != 1 || stats.LongTerm != 1 {
		t.Errorf("stats = %+v", stats)
	}

	var report memory.DecayReport
	if status := c.do(http.MethodPost, "/api/v1/maintenance/decay", map[string]any{"user_id": "alice"}, &report); status != http.StatusOK {
		t.Fatalf("decay status = %d", status)
	}
	var runs struct {
		Runs []map[string]any `json:"runs"`
	}
	c.do(http.MethodGet, "/api/v1/maintenance/runs", nil, &runs)
	if len(runs.Runs) != 1 {
		t.Errorf("runs = %+v", runs.Runs)
	}

	if status := c.do(http.MethodDelete, "/api/v1/memories/"+id, nil, nil); status != http.StatusOK {
		t.Fatalf("delete status = %d", status)
	}
	var errBody response.ErrorResponse
	if status := c.do(http.MethodGet, "/api/v1/memories/"+id, nil, &errBody); status != http.StatusNotFound {
		t.Errorf("get after delete status = %d", status)
	}
	if errBody.Error.Code != response.ErrCodeNotFound || errBody.Error.RequestID == "" {
		t.Errorf("error body = %+v", errBody.Error)
	}
}

func TestIntegration_ValidationErrors(t *testing.T) {
	_, c, _ := setupIntegrationTest(t)

	tests := []struct {
		name     string
		method   string
		path     string
		body     any
		wantCode string
	}{
		{"add without scope", http.MethodPost, "/api/v1/memories",
			map[string]any{"messages": "hello"}, memory.CodeMissingScope},
		{"malformed messages", http.MethodPost, "/api/v1/memories",
			map[string]any{"messages": 42, "user_id": "alice"}, memory.CodeMalformedMessages},
		{"scopeless delete", http.MethodDelete, "/api/v1/memories", nil, memory.CodeScopelessDelete},
		{"bad filter operator", http.MethodPost, "/api/v1/memories/search",
			map[string]any{"query": "x", "user_id": "alice", "filters": map[string]any{"k": map[string]any{"regex": ".*"}}},
			memory.CodeInvalidFilter},
		{"fuse one memory", http.MethodPost, "/api/v1/memories/fuse",
			map[string]any{"memory_ids": []string{"only"}}, response.ErrCodeBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var body response.ErrorResponse
			if status := c.do(tt.method, tt.path, tt.body, &body); status != http.StatusBadRequest {
				t.Errorf("status = %d, want 400", status)
			}
			if body.Error.Code != tt.wantCode {
				t.Errorf("code = %q, want %q", body.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestIntegration_Categories(t *testing.T) {
	_, c, _ := setupIntegrationTest(t)

	var list struct {
		Categories []map[string]any `json:"categories"`
	}
	if status := c.do(http.MethodGet, "/api/v1/categories", nil, &list); status != http.StatusOK {
		t.Fatalf("list status = %d", status)
	}
	if len(list.Categories) == 0 {
		t.Fatal("expected the root categories")
	}
	for _, cat := range list.Categories {
		if _, ok := cat["embedding"]; ok {
			t.Errorf("category %v leaks its embedding", cat["id"])
		}
	}

	id := fmt.Sprint(list.Categories[0]["id"])
	if status := c.do(http.MethodGet, "/api/v1/categories/"+id, nil, nil); status != http.StatusOK {
		t.Errorf("get status = %d", status)
	}
	if status := c.do(http.MethodGet, "/api/v1/categories/"+id+"/memories?user_id=alice", nil, nil); status != http.StatusOK {
		t.Errorf("memories status = %d", status)
	}
	if status := c.do(http.MethodGet, "/api/v1/categories/does-not-exist", nil, nil); status != http.StatusNotFound {
		t.Errorf("unknown category status = %d", status)
	}
	if status := c.do(http.MethodGet, "/api/v1/categories/tree", nil, nil); status != http.StatusOK {
		t.Errorf("tree status = %d", status)
	}
}

func TestIntegration_EventStream(t *testing.T) {
	env, c, base := setupIntegrationTest(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go env.h.WebSocket.Pump(ctx, env.bus)

	url := "ws" + strings.TrimPrefix(base, "http") + "/ws/events?events=" + events.TypeMemoryAdded
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	waitFor(t, func() bool { return env.h.WebSocket.Clients() == 1 && env.bus.Subscribers() >= 1 })

	c.do(http.MethodPost, "/api/v1/memories", map[string]any{
		"messages": "Works as a marine biologist",
		"user_id":  "alice",
	}, nil)

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var e events.Event
	if err := conn.ReadJSON(&e); err != nil {
		t.Fatalf("read: %v", err)
	}
	if e.Type != events.TypeMemoryAdded {
		t.Errorf("event type = %q", e.Type)
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
