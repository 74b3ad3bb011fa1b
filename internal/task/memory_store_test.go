package task

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestMemoryStoreListWithFilters(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	base := time.Now().Add(-2 * time.Minute)

	tasks := []*Task{
		{ID: "t1", Prompt: "find release notes", Status: StatusPending, MaxRetries: 3},
		{ID: "t2", Prompt: "summarize report", Status: StatusPending, MaxRetries: 3},
		{ID: "t3", Prompt: "compare prices", Status: StatusPending, MaxRetries: 3},
	}

	for _, item := range tasks {
		if err := store.Create(ctx, item); err != nil {
			t.Fatalf("create task %s: %v", item.ID, err)
		}
		time.Sleep(5 * time.Millisecond)
	}

	if err := store.MarkFailed(ctx, "t2", CodeTaskProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	result := RunResult{
		Messages:         []Message{{Source: "Coder", Kind: MessageText, Content: "done"}},
		ExecutionSeconds: 12.5,
	}
	if err := store.MarkCompleted(ctx, "t3", result, Usage{PromptTokens: 120, CompletionTokens: 30}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	store.mu.Lock()
	store.tasks["t1"].UpdatedAt = base.Unix()
	store.tasks["t2"].UpdatedAt = base.Add(30 * time.Second).Unix()
	store.tasks["t3"].UpdatedAt = base.Add(60 * time.Second).Unix()
	store.mu.Unlock()

	all, err := store.List(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(all))
	}
	if all[0].ID != "t3" {
		t.Fatalf("expected newest task first, got %s", all[0].ID)
	}

	failed, err := store.List(ctx, buildListOptions([]ListOption{WithStatuses(StatusFailed)}))
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(failed) != 1 || failed[0].ID != "t2" {
		t.Fatalf("unexpected failed list: %+v", failed)
	}

	withResult, err := store.List(ctx, buildListOptions([]ListOption{WithResultPresence(true)}))
	if err != nil {
		t.Fatalf("list with result: %v", err)
	}
	if len(withResult) != 1 || withResult[0].ID != "t3" {
		t.Fatalf("unexpected result list: %+v", withResult)
	}

	since := base.Add(15 * time.Second)
	recent, err := store.List(ctx, buildListOptions([]ListOption{WithUpdatedSince(since)}))
	if err != nil {
		t.Fatalf("list recent: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("expected 2 tasks to match since filter, got %d", len(recent))
	}

	matched, err := store.List(ctx, buildListOptions([]ListOption{WithQuery("summarize")}))
	if err != nil {
		t.Fatalf("list query: %v", err)
	}
	if len(matched) != 1 || matched[0].ID != "t2" {
		t.Fatalf("unexpected query list: %+v", matched)
	}
}

func TestMemoryStoreStats(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		if err := store.Create(ctx, &Task{ID: id, Prompt: "p-" + id, Status: StatusPending, MaxRetries: 1}); err != nil {
			t.Fatalf("create %s: %v", id, err)
		}
	}
	if err := store.MarkCompleted(ctx, "a", RunResult{}, Usage{PromptTokens: 100, CompletionTokens: 40}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if err := store.MarkFailed(ctx, "b", CodeTaskProcessing, "boom", true); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	stats, err := store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.Total != 3 || stats.Pending != 1 || stats.Completed != 1 || stats.Failed != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.PromptTokens != 100 || stats.CompletionTokens != 40 {
		t.Fatalf("unexpected token stats: %+v", stats)
	}

	// token 计数走 int64，长跑任务的累计用量可能超过 32 位。
	const bigPrompt int64 = 3_000_000_000
	if err := store.MarkCompleted(ctx, "c", RunResult{}, Usage{PromptTokens: bigPrompt, CompletionTokens: 1}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	loaded, err := store.Get(ctx, "c")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if loaded.PromptTokens != bigPrompt {
		t.Fatalf("unexpected prompt tokens: %d", loaded.PromptTokens)
	}
	stats, err = store.Stats(ctx, ListOptions{})
	if err != nil {
		t.Fatalf("stats: %v", err)
	}
	if stats.PromptTokens != bigPrompt+100 {
		t.Fatalf("unexpected token stats after large run: %+v", stats)
	}
}

func TestMemoryStoreClaimTransitions(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	if err := store.Create(ctx, &Task{ID: "t1", Prompt: "p", Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create: %v", err)
	}

	claimed, err := store.Claim(ctx, "t1")
	if err != nil {
		t.Fatalf("first claim: %v", err)
	}
	if claimed.Status != StatusRunning || claimed.Attempts != 1 {
		t.Fatalf("unexpected claimed task: %+v", claimed)
	}

	if _, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskConflict) {
		t.Fatalf("expected conflict for running task, got %v", err)
	}

	if err := store.MarkFailed(ctx, "t1", CodeTaskProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); err != nil {
		t.Fatalf("second claim after failure: %v", err)
	}

	if err := store.MarkFailed(ctx, "t1", CodeTaskProcessing, "boom", false); err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if _, err := store.Claim(ctx, "t1"); !errors.Is(err, ErrTaskExhausted) {
		t.Fatalf("expected exhausted after max retries, got %v", err)
	}

	if err := store.Create(ctx, &Task{ID: "t2", Prompt: "p", Status: StatusPending, MaxRetries: 2}); err != nil {
		t.Fatalf("create t2: %v", err)
	}
	if _, err := store.Claim(ctx, "t2"); err != nil {
		t.Fatalf("claim t2: %v", err)
	}
	if err := store.MarkCompleted(ctx, "t2", RunResult{}, Usage{}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	if _, err := store.Claim(ctx, "t2"); !errors.Is(err, ErrTaskCompleted) {
		t.Fatalf("expected completed error, got %v", err)
	}

	if _, err := store.Claim(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
