package task

import (
	"context"
	"errors"
	"testing"

	xerrors "Magentic-Gateway/internal/errors"
)

type failingProducer struct{}

func (failingProducer) Publish(context.Context, string) error {
	return xerrors.New(xerrors.CodeQueueFailure, "队列不可用")
}

func (failingProducer) Close() error { return nil }

func TestServiceSubmitValidation(t *testing.T) {
	service := NewService(NewMemoryStore(), NewMemoryQueue(4), 3, "gpt-4o")
	defer service.Close()

	if _, err := service.Submit(context.Background(), SubmitRequest{Prompt: "   "}); err == nil {
		t.Fatal("expected validation error for blank prompt")
	} else if xerrors.CodeOf(err) != CodeTaskValidation {
		t.Fatalf("unexpected error code: %s", xerrors.CodeOf(err))
	}
}

func TestServiceSubmitDefaultsAndIdempotency(t *testing.T) {
	ctx := context.Background()
	service := NewService(NewMemoryStore(), NewMemoryQueue(16), 3, "gpt-4o")
	defer service.Close()

	created, err := service.Submit(ctx, SubmitRequest{Prompt: "summarize the report"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if created.ID == "" {
		t.Fatal("expected generated task id")
	}
	if created.Model != "gpt-4o" {
		t.Fatalf("expected default model, got %q", created.Model)
	}
	if created.Status != StatusPending || created.MaxRetries != 3 {
		t.Fatalf("unexpected task state: %+v", created)
	}

	// 相同 ID 重复提交应返回已有任务，而不是创建新记录。
	again, err := service.Submit(ctx, SubmitRequest{ID: created.ID, Prompt: "something else"})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if again.ID != created.ID || again.Prompt != created.Prompt {
		t.Fatalf("expected existing task back, got %+v", again)
	}
}

func TestServiceSubmitPublishFailureMarksTask(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	service := NewService(store, failingProducer{}, 3, "gpt-4o")

	created, err := service.Submit(ctx, SubmitRequest{ID: "doomed", Prompt: "never runs"})
	if err == nil {
		t.Fatalf("expected publish failure, got task %+v", created)
	}
	if xerrors.CodeOf(err) != CodeTaskPublish {
		t.Fatalf("unexpected error code: %s", xerrors.CodeOf(err))
	}

	stored, getErr := store.Get(ctx, "doomed")
	if getErr != nil {
		t.Fatalf("get: %v", getErr)
	}
	if stored.Status != StatusFailed {
		t.Fatalf("expected failed status, got %s", stored.Status)
	}
	if stored.ErrorCode != string(CodeTaskPublish) {
		t.Fatalf("unexpected error code on task: %q", stored.ErrorCode)
	}
}

func TestServiceResultInProgress(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	service := NewService(store, NewMemoryQueue(4), 3, "gpt-4o")
	defer service.Close()

	created, err := service.Submit(ctx, SubmitRequest{Prompt: "long running"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	task, err := service.Result(ctx, created.ID)
	if !errors.Is(err, ErrTaskInProgress) {
		t.Fatalf("expected ErrTaskInProgress, got %v", err)
	}
	if task == nil || task.Status != StatusPending {
		t.Fatalf("expected pending task alongside the sentinel, got %+v", task)
	}

	if err := store.MarkCompleted(ctx, created.ID, RunResult{ExecutionSeconds: 2}, Usage{PromptTokens: 5}); err != nil {
		t.Fatalf("mark completed: %v", err)
	}
	task, err = service.Result(ctx, created.ID)
	if err != nil {
		t.Fatalf("result after completion: %v", err)
	}
	if task.Status != StatusCompleted || task.Result == nil {
		t.Fatalf("unexpected terminal task: %+v", task)
	}

	if _, err := service.Result(ctx, "missing"); !errors.Is(err, ErrTaskNotFound) {
		t.Fatalf("expected ErrTaskNotFound, got %v", err)
	}
}
