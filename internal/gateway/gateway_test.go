package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/basket/loom/internal/bus"
	"github.com/basket/loom/internal/persistence"
	"github.com/basket/loom/internal/scheduler"
	"github.com/basket/loom/internal/session"
)

const testToken = "test-token"

type idleExecutor struct{}

func (idleExecutor) Execute(ctx context.Context, task *persistence.Task) {}

func newTestServer(t *testing.T) (*httptest.Server, *persistence.Store) {
	t.Helper()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "loom.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	sched := scheduler.New(store, idleExecutor{}, eventBus,
		func(name string) bool { return name == "coder" }, scheduler.Config{}, log)
	sessions := session.NewManager(store, nil, session.Config{}, log)
	srv := New(Config{
		Store:     store,
		Scheduler: sched,
		Sessions:  sessions,
		Bus:       eventBus,
		Reload:    func(ctx context.Context) (bool, error) { return false, nil },
		AuthToken: testToken,
		Log:       log,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func doJSON(t *testing.T, method, url string, body any, token string) (*http.Response, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, rd)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, url, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var decoded map[string]any
	if len(raw) > 0 && json.Valid(raw) {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

func TestGateway_RejectsMissingAndBadToken(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/v1/queue/status", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no token: status = %d, want 401", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/api/v1/queue/status", nil, "wrong")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("bad token: status = %d, want 401", resp.StatusCode)
	}
	// Health stays open without a token.
	resp, _ = doJSON(t, http.MethodGet, ts.URL+"/healthz", nil, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: status = %d, want 200", resp.StatusCode)
	}
}

func TestGateway_SubmitValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/submit",
		map[string]any{"session_id": "s1", "content": ""}, testToken)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty content: status = %d, want 400 (body %v)", resp.StatusCode, body)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/submit",
		map[string]any{"session_id": "s1", "content": "hi", "forced_intent": "nonexistent"}, testToken)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad forced intent: status = %d, want 400 (body %v)", resp.StatusCode, body)
	}
}

func TestGateway_SubmitAndFetchTask(t *testing.T) {
	ts, store := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/submit",
		map[string]any{"session_id": "s1", "content": "summarize the logs", "lane": "background"}, testToken)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: status = %d, want 202 (body %v)", resp.StatusCode, body)
	}
	taskID, _ := body["task_id"].(string)
	if taskID == "" {
		t.Fatalf("submit response missing task_id: %v", body)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/task/"+taskID, nil, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("fetch: status = %d, want 200", resp.StatusCode)
	}
	if got := body["status"]; got != string(persistence.TaskStatusQueued) {
		t.Fatalf("status = %v, want %s", got, persistence.TaskStatusQueued)
	}
	if got := body["lane"]; got != "background" {
		t.Fatalf("lane = %v, want background", got)
	}
	if inline, _ := body["logs"].([]any); len(inline) == 0 {
		t.Fatalf("task fetch missing inline logs: %v", body)
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/task/"+taskID+"/logs", nil, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logs: status = %d, want 200", resp.StatusCode)
	}
	logs, _ := body["logs"].([]any)
	if len(logs) == 0 {
		t.Fatalf("expected at least the creation log entry, got %v", body)
	}

	task, err := store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("store fetch: %v", err)
	}
	if task.SessionID != "s1" {
		t.Fatalf("session_id = %q, want s1", task.SessionID)
	}
}

func TestGateway_TaskNotFound(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/v1/task/nope", nil, testToken)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/task/nope", nil, testToken)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cancel missing: status = %d, want 404", resp.StatusCode)
	}
}

func TestGateway_QueueLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/queue/pause", nil, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause: status = %d", resp.StatusCode)
	}
	if body["paused"] != true {
		t.Fatalf("after pause: paused = %v, want true", body["paused"])
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/queue/resume", nil, testToken)
	if resp.StatusCode != http.StatusOK || body["paused"] != false {
		t.Fatalf("resume: status = %d, paused = %v", resp.StatusCode, body["paused"])
	}

	resp, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/queue/status", nil, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: status = %d", resp.StatusCode)
	}
	if body["emergency_stop"] != false {
		t.Fatalf("emergency_stop = %v, want false", body["emergency_stop"])
	}
}

func TestGateway_PurgeIdempotent(t *testing.T) {
	ts, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		doJSON(t, http.MethodPost, ts.URL+"/api/v1/submit",
			map[string]any{"session_id": "s1", "content": fmt.Sprintf("task %d", i)}, testToken)
	}
	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/queue/purge", nil, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("purge: status = %d", resp.StatusCode)
	}
	if got := body["purged"]; got != float64(3) {
		t.Fatalf("first purge: purged = %v, want 3", got)
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/queue/purge", nil, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("second purge: status = %d", resp.StatusCode)
	}
	if got := body["purged"]; got != float64(0) {
		t.Fatalf("second purge: purged = %v, want 0", got)
	}
}

func TestGateway_EmergencyStopBlocksSubmit(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, body := doJSON(t, http.MethodPost, ts.URL+"/api/v1/queue/emergency-stop", nil, testToken)
	if resp.StatusCode != http.StatusOK || body["emergency_stop"] != true {
		t.Fatalf("emergency-stop: status = %d, body %v", resp.StatusCode, body)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/submit",
		map[string]any{"session_id": "s1", "content": "hello"}, testToken)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("submit while stopped: status = %d, want 503", resp.StatusCode)
	}

	// Resume alone must not clear the latch.
	doJSON(t, http.MethodPost, ts.URL+"/api/v1/queue/resume", nil, testToken)
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/submit",
		map[string]any{"session_id": "s1", "content": "hello"}, testToken)
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("submit after resume only: status = %d, want 503", resp.StatusCode)
	}

	doJSON(t, http.MethodPost, ts.URL+"/api/v1/queue/emergency-reset", nil, testToken)
	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/submit",
		map[string]any{"session_id": "s1", "content": "hello"}, testToken)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit after reset: status = %d, want 202", resp.StatusCode)
	}
}

func TestGateway_SessionReset(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	resp, _ := doJSON(t, http.MethodDelete, ts.URL+"/api/v1/session/unknown", nil, testToken)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session: status = %d, want 404", resp.StatusCode)
	}

	if _, err := store.AppendTurn(ctx, "s1", "user", "hello", 2); err != nil {
		t.Fatalf("append turn: %v", err)
	}
	resp, body := doJSON(t, http.MethodDelete, ts.URL+"/api/v1/session/s1", nil, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reset: status = %d (body %v)", resp.StatusCode, body)
	}
	turns, err := store.RecentTurns(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("recent turns: %v", err)
	}
	if len(turns) != 0 {
		t.Fatalf("turns after reset = %d, want 0", len(turns))
	}
}

func TestGateway_BootAndReload(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	if _, err := store.ReconcileBoot(ctx, "boot-abc"); err != nil {
		t.Fatalf("reconcile boot: %v", err)
	}
	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/system/boot", nil, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("boot: status = %d", resp.StatusCode)
	}
	if body["boot_id"] != "boot-abc" {
		t.Fatalf("boot_id = %v, want boot-abc", body["boot_id"])
	}

	resp, body = doJSON(t, http.MethodPost, ts.URL+"/api/v1/system/reload", nil, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("reload: status = %d", resp.StatusCode)
	}
	if body["reloaded"] != true {
		t.Fatalf("reloaded = %v, want true", body["reloaded"])
	}
}

func TestGateway_EventStream(t *testing.T) {
	ts, _ := newTestServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/v1/events?topic=queue."
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// The handler subscribes just after the handshake; give it a beat so
	// the pause event is not published into the gap.
	time.Sleep(100 * time.Millisecond)
	doJSON(t, http.MethodPost, ts.URL+"/api/v1/queue/pause", nil, testToken)

	var frame struct {
		Topic   string         `json:"topic"`
		Payload map[string]any `json:"payload"`
	}
	if err := wsjson.Read(ctx, conn, &frame); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if !strings.HasPrefix(frame.Topic, "queue.") {
		t.Fatalf("topic = %q, want queue.* prefix", frame.Topic)
	}
	if frame.Payload["Paused"] != true {
		t.Fatalf("payload = %v, want Paused true", frame.Payload)
	}
}

func TestGateway_MemoryLifecycle(t *testing.T) {
	ts, _ := newTestServer(t)

	resp, _ := doJSON(t, http.MethodGet, ts.URL+"/api/v1/memory?q=editor", nil, "")
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/memory", map[string]string{
		"session_id": "s1", "key": "favorite_editor", "value": "helix",
	}, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("upsert status = %d, want 200", resp.StatusCode)
	}

	resp, _ = doJSON(t, http.MethodPost, ts.URL+"/api/v1/memory", map[string]string{
		"session_id": "s1", "value": "no key",
	}, testToken)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("keyless upsert status = %d, want 400", resp.StatusCode)
	}

	resp, body := doJSON(t, http.MethodGet, ts.URL+"/api/v1/memory?session_id=s1&q=editor", nil, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search status = %d, want 200", resp.StatusCode)
	}
	memories, ok := body["memories"].([]any)
	if !ok || len(memories) != 1 {
		t.Fatalf("memories = %v, want one match", body["memories"])
	}
	if entry := memories[0].(map[string]any); entry["value"] != "helix" {
		t.Fatalf("entry = %v, want value helix", entry)
	}

	resp, _ = doJSON(t, http.MethodDelete, ts.URL+"/api/v1/memory?session_id=s1&key=favorite_editor", nil, testToken)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("delete status = %d, want 200", resp.StatusCode)
	}
	_, body = doJSON(t, http.MethodGet, ts.URL+"/api/v1/memory?session_id=s1&q=editor", nil, testToken)
	if got, _ := body["memories"].([]any); len(got) != 0 {
		t.Fatalf("memories after delete = %v, want none", got)
	}
}

func TestGateway_MethodGuards(t *testing.T) {
	ts, _ := newTestServer(t)

	cases := []struct{ method, path string }{
		{http.MethodGet, "/api/v1/submit"},
		{http.MethodGet, "/api/v1/queue/pause"},
		{http.MethodPost, "/api/v1/queue/status"},
		{http.MethodGet, "/api/v1/session/s1"},
		{http.MethodGet, "/api/v1/system/reload"},
		{http.MethodPut, "/api/v1/memory"},
	}
	for _, tc := range cases {
		resp, _ := doJSON(t, tc.method, ts.URL+tc.path, nil, testToken)
		if resp.StatusCode != http.StatusMethodNotAllowed {
			t.Fatalf("%s %s: status = %d, want 405", tc.method, tc.path, resp.StatusCode)
		}
	}
}
