// runtime_smoke exercises a live loomd end to end: health check, task
// submission, event stream, terminal state. Exit 0 means the daemon is
// serving and the pipeline runs a task to completion.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/google/uuid"
)

type eventFrame struct {
	Topic   string          `json:"topic"`
	Payload json.RawMessage `json:"payload"`
}

func main() {
	base := flag.String("url", "http://127.0.0.1:18990", "daemon base URL")
	token := flag.String("token", "", "bearer token")
	timeout := flag.Duration("timeout", 60*time.Second, "overall timeout")
	sessionID := flag.String("session-id", uuid.NewString(), "session id for the smoke task")
	flag.Parse()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required")
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()
	client := &http.Client{Timeout: 10 * time.Second}

	if err := checkHealth(ctx, client, *base); err != nil {
		fatal("healthz", err)
	}
	fmt.Println("CHECK health ok")

	conn, _, err := websocket.Dial(ctx, eventsURL(*base), &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + strings.TrimSpace(*token)},
		},
	})
	if err != nil {
		fatal("dial events", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "runtime smoke done")
	fmt.Println("CHECK event stream connected")

	taskID, err := submitTask(ctx, client, *base, *token, *sessionID)
	if err != nil {
		fatal("submit", err)
	}
	fmt.Printf("CHECK task enqueued task_id=%s\n", taskID)

	topic, err := waitTerminal(ctx, conn, taskID)
	if err != nil {
		fatal("wait terminal", err)
	}
	fmt.Printf("CHECK task terminal topic=%s\n", topic)

	if topic != "task.completed" {
		fmt.Fprintf(os.Stderr, "task did not complete: %s\n", topic)
		os.Exit(1)
	}
	fmt.Println("PASS runtime smoke")
}

func checkHealth(ctx context.Context, client *http.Client, base string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+"/healthz", nil)
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	return nil
}

func submitTask(ctx context.Context, client *http.Client, base, token, sessionID string) (string, error) {
	body := fmt.Sprintf(`{"session_id":%q,"content":"runtime smoke test","lane":"background"}`, sessionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/api/v1/submit", strings.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(token))
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}
	var task struct {
		TaskID string `json:"task_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&task); err != nil {
		return "", err
	}
	if task.TaskID == "" {
		return "", fmt.Errorf("response missing task_id")
	}
	return task.TaskID, nil
}

// waitTerminal reads the event stream until a terminal topic names taskID.
func waitTerminal(ctx context.Context, conn *websocket.Conn, taskID string) (string, error) {
	for {
		var frame eventFrame
		if err := wsjson.Read(ctx, conn, &frame); err != nil {
			return "", err
		}
		if !isTerminalTopic(frame.Topic) {
			continue
		}
		id, err := extractField(frame.Payload, "task_id")
		if err != nil {
			continue
		}
		if id == taskID {
			return frame.Topic, nil
		}
	}
}

func isTerminalTopic(topic string) bool {
	switch topic {
	case "task.completed", "task.failed", "task.cancelled":
		return true
	default:
		return false
	}
}

// eventsURL converts an http(s) base URL into the ws(s) events endpoint.
func eventsURL(base string) string {
	ws := base
	switch {
	case strings.HasPrefix(base, "https://"):
		ws = "wss://" + strings.TrimPrefix(base, "https://")
	case strings.HasPrefix(base, "http://"):
		ws = "ws://" + strings.TrimPrefix(base, "http://")
	}
	return strings.TrimSuffix(ws, "/") + "/api/v1/events?topic=task."
}

func extractField(raw json.RawMessage, field string) (string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", err
	}
	val, ok := obj[field]
	if !ok {
		return "", fmt.Errorf("field %q missing", field)
	}
	var s string
	if err := json.Unmarshal(val, &s); err != nil {
		return "", err
	}
	return s, nil
}

func fatal(what string, err error) {
	fmt.Fprintf(os.Stderr, "%s failed: %v\n", what, err)
	os.Exit(1)
}
