package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapPreservesCauseAndCode(t *testing.T) {
	cause := fmt.Errorf("connection refused")
	err := Wrap(CodeQueueFailure, cause, "发布任务失败")

	if CodeOf(err) != CodeQueueFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !stdErrors.Is(err, cause) {
		t.Fatal("expected cause to survive errors.Is")
	}
	if !RetryableError(err) {
		t.Fatal("queue failures default to retryable")
	}
	if !ShouldAlert(err) {
		t.Fatal("queue failures default to alerting")
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeOrchestratorFailure, "quota exceeded",
		WithRetryable(false),
		WithSeverity(SeverityCritical),
		WithAlert(false),
		WithMetadata("model", "gpt-4o"),
	)
	if err.Retryable() {
		t.Fatal("expected retryable override")
	}
	if err.Severity() != SeverityCritical {
		t.Fatalf("unexpected severity: %s", err.Severity())
	}
	if err.ShouldAlert() {
		t.Fatal("expected alert override")
	}
	if err.Metadata()["model"] != "gpt-4o" {
		t.Fatalf("unexpected metadata: %v", err.Metadata())
	}
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(CodeNotFound, "task missing")
	b := New(CodeNotFound, "different message")
	if !stdErrors.Is(a, b) {
		t.Fatal("expected same-code errors to match")
	}
	c := New(CodeConflict, "")
	if stdErrors.Is(a, c) {
		t.Fatal("different codes must not match")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom failure", Severity: SeverityWarning, Retryable: true})

	attrs := AttributesOf(code)
	if attrs.Message != "custom failure" || !attrs.Retryable {
		t.Fatalf("unexpected attributes: %+v", attrs)
	}
	err := New(code, "")
	if err.Message() != "custom failure" {
		t.Fatalf("expected registered default message, got %q", err.Message())
	}
}

func TestUnknownErrorsFallBack(t *testing.T) {
	plain := fmt.Errorf("plain error")
	if CodeOf(plain) != CodeUnknown {
		t.Fatalf("unexpected code: %s", CodeOf(plain))
	}
	if RetryableError(plain) {
		t.Fatal("plain errors are not retryable")
	}
	if SeverityOf(plain) != SeverityCritical {
		t.Fatalf("unexpected severity: %s", SeverityOf(plain))
	}
}
