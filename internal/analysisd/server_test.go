package analysisd

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

	"github.com/inkworks/novelwatch/internal/analysis"
	"github.com/inkworks/novelwatch/internal/protocol"
)

func newTestServer(t *testing.T, interval time.Duration) (*httptest.Server, *MemoryStore) {
	t.Helper()
	store := NewMemoryStore()
	hub := NewHub()
	runner := NewRunner(store, hub, RunnerConfig{ChapterInterval: interval})
	server := NewServer(ServerConfig{AllowAnyOrigin: true}, store, runner, hub)
	srv := httptest.NewServer(server.Router())
	t.Cleanup(srv.Close)
	return srv, store
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	res, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	return res
}

func decodeBody(t *testing.T, res *http.Response, out any) {
	t.Helper()
	defer res.Body.Close()
	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer(t, time.Millisecond)
	res, err := http.Get(srv.URL + "/healthz")
	if err != nil {
		t.Fatalf("GET /healthz: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", res.StatusCode)
	}
}

func TestStartThenLatest(t *testing.T) {
	srv, _ := newTestServer(t, time.Millisecond)

	res := postJSON(t, srv.URL+"/api/novels/novel-1/analyze", map[string]int{
		"chapter_start": 1,
		"chapter_end":   3,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("analyze status = %d", res.StatusCode)
	}
	var started struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
	}
	decodeBody(t, res, &started)
	if started.TaskID == "" || started.Status != "running" {
		t.Fatalf("start response = %+v", started)
	}

	var latest analysis.LatestResult
	deadline := time.Now().Add(2 * time.Second)
	for {
		res, err := http.Get(srv.URL + "/api/novels/novel-1/analysis/latest")
		if err != nil {
			t.Fatalf("GET latest: %v", err)
		}
		decodeBody(t, res, &latest)
		if latest.Task != nil && latest.Task.Status == analysis.TaskStatusCompleted {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed: %+v", latest.Task)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if latest.Task.CurrentChapter != 3 {
		t.Fatalf("final chapter = %d, want 3", latest.Task.CurrentChapter)
	}
	// Stats are rebuilt server-side from the chapter counters.
	want := analysis.Stats{Entities: 9, Relations: 5, Events: 2}
	if latest.Stats == nil || *latest.Stats != want {
		t.Fatalf("latest stats = %+v, want %+v", latest.Stats, want)
	}
}

func TestLatestWithNoHistory(t *testing.T) {
	srv, _ := newTestServer(t, time.Millisecond)
	res, err := http.Get(srv.URL + "/api/novels/unknown/analysis/latest")
	if err != nil {
		t.Fatalf("GET latest: %v", err)
	}
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", res.StatusCode)
	}
	var latest analysis.LatestResult
	decodeBody(t, res, &latest)
	if latest.Task != nil {
		t.Fatalf("expected no task, got %+v", latest.Task)
	}
}

func TestActiveAndPatchFlow(t *testing.T) {
	srv, store := newTestServer(t, 5*time.Millisecond)

	res := postJSON(t, srv.URL+"/api/novels/novel-1/analyze", map[string]int{
		"chapter_start": 1,
		"chapter_end":   1000,
	})
	var started struct {
		TaskID string `json:"task_id"`
	}
	decodeBody(t, res, &started)

	res, err := http.Get(srv.URL + "/api/analysis/active")
	if err != nil {
		t.Fatalf("GET active: %v", err)
	}
	var active struct {
		Items []struct {
			NovelID string `json:"novel_id"`
			Status  string `json:"status"`
		} `json:"items"`
	}
	decodeBody(t, res, &active)
	if len(active.Items) != 1 || active.Items[0].NovelID != "novel-1" || active.Items[0].Status != "running" {
		t.Fatalf("active = %+v", active.Items)
	}

	// A second start while one is running conflicts.
	res = postJSON(t, srv.URL+"/api/novels/novel-1/analyze", map[string]int{})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("concurrent analyze status = %d, want 409", res.StatusCode)
	}
	res.Body.Close()

	patch := func(status string) *http.Response {
		req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/api/analysis/"+started.TaskID,
			strings.NewReader(fmt.Sprintf(`{"status":%q}`, status)))
		req.Header.Set("Content-Type", "application/json")
		res, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("PATCH: %v", err)
		}
		return res
	}

	res = patch("paused")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pause status = %d", res.StatusCode)
	}
	res.Body.Close()
	waitTaskStatus(t, store, started.TaskID, analysis.TaskStatusPaused)

	res = patch("completed")
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("patch to completed status = %d, want 400", res.StatusCode)
	}
	res.Body.Close()

	res = patch("cancelled")
	if res.StatusCode != http.StatusOK {
		t.Fatalf("cancel status = %d", res.StatusCode)
	}
	res.Body.Close()
	waitTaskStatus(t, store, started.TaskID, analysis.TaskStatusCancelled)
}

func TestGetTask(t *testing.T) {
	srv, store := newTestServer(t, time.Millisecond)

	task := analysis.Task{ID: "t1", NovelID: "novel-1", Status: analysis.TaskStatusPaused, CurrentChapter: 4}
	if err := store.SaveTask(context.Background(), task); err != nil {
		t.Fatalf("SaveTask: %v", err)
	}

	res, err := http.Get(srv.URL + "/api/analysis/t1")
	if err != nil {
		t.Fatalf("GET task: %v", err)
	}
	var got analysis.Task
	decodeBody(t, res, &got)
	if got.ID != "t1" || got.Status != analysis.TaskStatusPaused || got.CurrentChapter != 4 {
		t.Fatalf("task = %+v", got)
	}

	res, err = http.Get(srv.URL + "/api/analysis/no-such-task")
	if err != nil {
		t.Fatalf("GET task: %v", err)
	}
	res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}

func TestPatchUnknownTask(t *testing.T) {
	srv, _ := newTestServer(t, time.Millisecond)
	req, _ := http.NewRequest(http.MethodPatch, srv.URL+"/api/analysis/no-such-task",
		strings.NewReader(`{"status":"paused"}`))
	req.Header.Set("Content-Type", "application/json")
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("PATCH: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", res.StatusCode)
	}
}

func TestWebsocketStreamsRunLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, time.Millisecond)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/analysis/novel-1"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("ws dial: %v", err)
	}
	defer conn.Close()

	res := postJSON(t, srv.URL+"/api/novels/novel-1/analyze", map[string]int{
		"chapter_start": 1,
		"chapter_end":   2,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("analyze status = %d", res.StatusCode)
	}
	res.Body.Close()

	var kinds []protocol.MessageType
	for {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ws read: %v (after %v)", err, kinds)
		}
		msg, err := protocol.ParseServerMessage(raw)
		if err != nil {
			t.Fatalf("parse broadcast: %v", err)
		}
		var env protocol.Envelope
		_ = json.Unmarshal(raw, &env)
		if env.NovelID != "novel-1" {
			t.Fatalf("broadcast for wrong novel: %s", raw)
		}
		kinds = append(kinds, env.Type)
		if status, ok := msg.(protocol.TaskStatus); ok {
			if status.Status != analysis.TaskStatusCompleted {
				t.Fatalf("terminal status = %s, want completed", status.Status)
			}
			break
		}
	}

	if kinds[0] != protocol.TypeStage {
		t.Fatalf("first broadcast = %s, want stage", kinds[0])
	}
	// stage, initial progress, then processing/chapter_done/progress per
	// chapter, then the terminal status.
	if len(kinds) != 2+2*3+1 {
		t.Fatalf("broadcast kinds = %v", kinds)
	}
}
