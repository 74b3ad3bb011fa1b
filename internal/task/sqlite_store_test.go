package task

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "tasks.db"))
	if err != nil {
		t.Fatalf("open sqlite store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	created := &Task{
		ID:             "run-1",
		Prompt:         "find the latest release notes",
		Model:          "gpt-4o",
		UseAzureOpenAI: true,
		Status:         StatusPending,
		MaxRetries:     2,
	}
	if err := store.Create(ctx, created); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, created); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict on duplicate create, got %v", err)
	}

	claimed, err := store.Claim(ctx, "run-1")
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}

	result := RunResult{
		Messages: []Message{
			{Source: "user", Kind: MessageText, Content: "find the latest release notes"},
			{Source: "WebSurfer", Kind: MessageText, Content: "found them"},
			{Source: "WebSurfer", Kind: MessageImage, Content: "aGVsbG8="},
		},
		ExecutionSeconds: 42.5,
	}
	if err := store.MarkCompleted(ctx, "run-1", result, Usage{PromptTokens: 321, CompletionTokens: 87}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	loaded, err := store.Get(ctx, "run-1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.Status != StatusCompleted {
		t.Fatalf("expected completed status, got %s", loaded.Status)
	}
	if loaded.PromptTokens != 321 || loaded.CompletionTokens != 87 {
		t.Fatalf("unexpected token usage: %+v", loaded)
	}
	if loaded.Result == nil || len(loaded.Result.Messages) != 3 {
		t.Fatalf("unexpected result: %+v", loaded.Result)
	}
	if loaded.Result.Messages[2].Kind != MessageImage {
		t.Fatalf("expected image message, got %s", loaded.Result.Messages[2].Kind)
	}
	if loaded.Result.ExecutionSeconds != 42.5 {
		t.Fatalf("unexpected execution time: %f", loaded.Result.ExecutionSeconds)
	}
	if !loaded.UseAzureOpenAI {
		t.Fatal("expected use_aoai to round trip")
	}

	if _, err := store.Get(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestSQLiteStoreClaimStateMachine(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "t1", Prompt: "p", Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := store.Claim(ctx, "t1"); err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict while running, got %v", err)
	}

	if err := store.MarkFailed(ctx, "t1", CodeTaskProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	failed, err := store.Get(ctx, "t1")
	if err != nil {
		t.Fatalf("get failed task: %v", err)
	}
	if failed.Status != StatusFailed || failed.LastError != "boom" {
		t.Fatalf("unexpected failed task: %+v", failed)
	}
	if failed.ErrorCode != string(CodeTaskProcessing) {
		t.Fatalf("unexpected error code: %s", failed.ErrorCode)
	}

	if _, err := store.Claim(ctx, "t1"); err != nil {
		t.Fatalf("retry claim: %v", err)
	}
	if err := store.MarkFailed(ctx, "t1", CodeTaskProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed terminal: %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskExhausted) {
		t.Fatalf("expected exhausted, got %v", err)
	}
}

func TestSQLiteStoreListAndStats(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c", "d"} {
		if err := store.Create(ctx, &Task{ID: id, Prompt: "prompt " + id, Status: StatusPending, MaxRetries: 1}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if _, err := store.Claim(ctx, "a"); err != nil {
		t.Fatalf("claim a: %v", err)
	}
	if err := store.MarkCompleted(ctx, "a", RunResult{ExecutionSeconds: 1}, Usage{PromptTokens: 10, CompletionTokens: 5}); err != nil {
		t.Fatalf("complete a: %v", err)
	}
	if err := store.MarkFailed(ctx, "b", CodeTaskProcessing, "nope", true); err != nil {
		t.Fatalf("fail b: %v", err)
	}

	completed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusCompleted)}))
	if err != nil {
		t.Fatalf("list completed: %v", err)
	}
	if len(completed) != 1 || completed[0].ID != "a" {
		t.Fatalf("unexpected completed list: %+v", completed)
	}

	limited, err := store.List(ctx, buildListOptions([]ListOption{WithLimit(2)}))
	if err != nil {
		t.Fatalf("list limited: %v", err)
	}
	if len(limited) != 2 {
		t.Fatalf("expected 2 tasks, got %d", len(limited))
	}

	matched, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("prompt c")}))
	if err != nil {
		t.Fatalf("list query: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "c" {
		t.Fatalf("unexpected query result: %+v", matched)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 4 || stats.Pending != 2 || stats.Completed != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.PromptTokens != 10 || stats.CompletionTokens != 5 {
		t.Fatalf("unexpected token totals: %+v", stats)
	}
}
