package magentic

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestSubmitTask(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/v1/tasks" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sdk-key" {
			t.Errorf("unexpected auth header: %q", got)
		}
		var submission TaskSubmission
		if err := json.NewDecoder(r.Body).Decode(&submission); err != nil {
			t.Errorf("decode: %v", err)
		}
		if submission.Prompt != "plan a trip" {
			t.Errorf("unexpected prompt: %q", submission.Prompt)
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"abc","prompt":"plan a trip","status":"pending","model_name":"gpt-4o"}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL, WithAPIKey("sdk-key"))
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	created, err := client.SubmitTask(context.Background(), TaskSubmission{Prompt: "plan a trip"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if created.ID != "abc" || created.Status != "pending" || created.Model != "gpt-4o" {
		t.Fatalf("unexpected task: %+v", created)
	}
}

func TestGetResultInProgress(t *testing.T) {
	var polls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if polls.Add(1) < 3 {
			w.WriteHeader(http.StatusAccepted)
			_, _ = w.Write([]byte(`{"id":"abc","status":"running"}`))
			return
		}
		_, _ = w.Write([]byte(`{
			"id":"abc","status":"completed","prompt_tokens":77,"completion_tokens":21,
			"result":{"execution_time":4.2,"messages":[
				{"source":"user","type":"text","content":"plan a trip"},
				{"source":"MagenticOneOrchestrator","type":"text","content":"here is the plan"}
			]}
		}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	if _, err := client.GetResult(context.Background(), "abc"); !errors.Is(err, ErrTaskInProgress) {
		t.Fatalf("expected ErrTaskInProgress, got %v", err)
	}

	finished, err := client.WaitForResult(context.Background(), "abc", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if finished.Status != "completed" || finished.Result == nil {
		t.Fatalf("unexpected task: %+v", finished)
	}
	if len(finished.Result.Messages) != 2 || finished.Result.ExecutionSeconds != 4.2 {
		t.Fatalf("unexpected result: %+v", finished.Result)
	}
	if finished.PromptTokens != 77 {
		t.Fatalf("unexpected usage: %+v", finished)
	}
	if polls.Load() != 3 {
		t.Fatalf("expected 3 polls, got %d", polls.Load())
	}
}

func TestAPIErrorDecoding(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"任务描述不能为空","code":"TASK_VALIDATION"}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.SubmitTask(context.Background(), TaskSubmission{})
	if err == nil {
		t.Fatal("expected error")
	}
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("expected APIError, got %T: %v", err, err)
	}
	if apiErr.StatusCode != http.StatusBadRequest || apiErr.Code != "TASK_VALIDATION" {
		t.Fatalf("unexpected api error: %+v", apiErr)
	}
}

func TestListTasksAndStatsSDK(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/v1/tasks":
			if got := r.URL.Query().Get("limit"); got != "5" {
				t.Errorf("unexpected limit: %q", got)
			}
			_, _ = w.Write([]byte(`{"tasks":[{"id":"a","status":"completed"},{"id":"b","status":"pending"}]}`))
		case "/api/v1/tasks/stats":
			_, _ = w.Write([]byte(`{"total":2,"completed":1,"pending":1,"prompt_tokens":100,"completion_tokens":40}`))
		default:
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
	}))
	defer server.Close()

	client, err := NewClient(server.URL)
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	tasks, err := client.ListTasks(context.Background(), 5, 0)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 || tasks[0].ID != "a" {
		t.Fatalf("unexpected tasks: %+v", tasks)
	}

	stats, err := client.GetStats(context.Background())
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 2 || stats.Completed != 1 || stats.PromptTokens != 100 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestBaseURLWithPathPrefix(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/gateway/api/v1/tasks/abc" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		_, _ = w.Write([]byte(`{"id":"abc","status":"running"}`))
	}))
	defer server.Close()

	client, err := NewClient(server.URL + "/gateway")
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	found, err := client.GetTask(context.Background(), "abc")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if found.ID != "abc" {
		t.Fatalf("unexpected task: %+v", found)
	}
}
