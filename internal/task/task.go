package task

import (
	xerrors "Magentic-Gateway/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// MessageKind 区分智能体消息的内容类型。
type MessageKind string

const (
	MessageText  MessageKind = "text"
	MessageImage MessageKind = "base64_image"
)

// Message 保存编排过程中单条智能体消息。
type Message struct {
	Source  string      `json:"source"`
	Content string      `json:"content"`
	Kind    MessageKind `json:"type"`
}

// RunResult 保存一次编排运行的结构化结果。
type RunResult struct {
	Messages         []Message `json:"messages"`
	ExecutionSeconds float64   `json:"execution_time"`
}

// Usage 汇总一次运行消耗的 token 数量。
type Usage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
}

// Task 描述排队执行的 Magentic-One 任务。
type Task struct {
	ID               string     `json:"id"`
	Prompt           string     `json:"prompt"`
	Model            string     `json:"model_name"`
	UseAzureOpenAI   bool       `json:"use_aoai"`
	Status           Status     `json:"status"`
	Attempts         int        `json:"attempts"`
	MaxRetries       int        `json:"max_retries"`
	LastError        string     `json:"last_error,omitempty"`
	ErrorCode        string     `json:"error_code,omitempty"`
	Result           *RunResult `json:"result,omitempty"`
	PromptTokens     int64      `json:"prompt_tokens"`
	CompletionTokens int64      `json:"completion_tokens"`
	CreatedAt        int64      `json:"created_at"`
	UpdatedAt        int64      `json:"updated_at"`
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示任务已经进入终态。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskExhausted 表示任务的重试次数已经耗尽。
	ErrTaskExhausted = xerrors.New(CodeTaskExhausted, "task retries exhausted", xerrors.WithSeverity(xerrors.SeverityCritical))
	// ErrTaskInProgress 表示任务尚未产生结果，调用方应稍后重试。
	ErrTaskInProgress = xerrors.New(CodeTaskInProgress, "task still in progress", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskExhausted  xerrors.Code = "TASK_RETRIES_EXHAUSTED"
	CodeTaskInProgress xerrors.Code = "TASK_IN_PROGRESS"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:   "task not found",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:   "task conflict",
		Severity:  xerrors.SeverityWarning,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:   "task already completed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskExhausted, xerrors.Attributes{
		Message:   "task retries exhausted",
		Severity:  xerrors.SeverityCritical,
		Retryable: false,
		Alert:     true,
	})
	xerrors.Register(CodeTaskInProgress, xerrors.Attributes{
		Message:   "task still in progress",
		Severity:  xerrors.SeverityInfo,
		Retryable: true,
		Alert:     false,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:   "task validation failed",
		Severity:  xerrors.SeverityInfo,
		Retryable: false,
		Alert:     false,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:   "failed to publish task",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:   "task execution failed",
		Severity:  xerrors.SeverityWarning,
		Retryable: true,
		Alert:     true,
	})
}

// IsTerminal 判断任务是否已经进入终态。
func (t *Task) IsTerminal() bool {
	if t == nil {
		return false
	}
	return t.Status == StatusCompleted || t.Status == StatusFailed
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed:
		return true
	default:
		return false
	}
}

// IsTaskError 判断错误是否为指定错误码的任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	return xerrors.CodeOf(err) == target
}

func cloneResult(result *RunResult) *RunResult {
	if result == nil {
		return nil
	}
	clone := RunResult{
		Messages:         make([]Message, len(result.Messages)),
		ExecutionSeconds: result.ExecutionSeconds,
	}
	copy(clone.Messages, result.Messages)
	return &clone
}

func cloneTask(task *Task) *Task {
	clone := *task
	clone.Result = cloneResult(task.Result)
	return &clone
}

func taskHasResult(task *Task) bool {
	return task != nil && task.Result != nil && len(task.Result.Messages) > 0
}
