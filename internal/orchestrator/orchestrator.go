// Package orchestrator 定义多智能体编排器的调用抽象。
// 具体实现(如 pythonbridge)负责驱动 Magentic-One 团队执行任务，
// 并在执行过程中把每条对话消息实时回传给调用方。
package orchestrator

import (
	"context"
)

// EventKind 标识事件内容的类型。
type EventKind string

const (
	// EventText 表示一段纯文本消息。
	EventText EventKind = "text"
	// EventImage 表示一张 base64 编码的 PNG 截图。
	EventImage EventKind = "base64_image"
)

// Event 是编排器执行过程中产生的一条消息。
type Event struct {
	// Source 为产生消息的智能体名称，如 MagenticOneOrchestrator、WebSurfer。
	Source string `json:"source"`
	// Kind 区分文本与截图。
	Kind EventKind `json:"kind"`
	// Content 为文本内容或 base64 图像数据。
	Content string `json:"content"`
	// PromptTokens 与 CompletionTokens 为该条消息携带的模型用量。
	PromptTokens     int64 `json:"prompt_tokens,omitempty"`
	CompletionTokens int64 `json:"completion_tokens,omitempty"`
}

// RunRequest 描述一次编排执行。
type RunRequest struct {
	TaskID         string
	Prompt         string
	Model          string
	UseAzureOpenAI bool
}

// Outcome 是一次编排执行的汇总结果。
type Outcome struct {
	Events           []Event
	PromptTokens     int64
	CompletionTokens int64
	ExecutionSeconds float64
}

// EmitFunc 在每条事件产生时被调用，事件顺序与编排器输出一致。
type EmitFunc func(Event)

// Client 是编排器的调用接口。
// RunStream 阻塞直到任务执行完毕或 ctx 取消，期间通过 emit 实时回传消息。
type Client interface {
	RunStream(ctx context.Context, req RunRequest, emit EmitFunc) (*Outcome, error)
}

// displayNames 将智能体内部名称映射为界面展示用的友好名称。
var displayNames = map[string]string{
	"user":                   "User",
	"MagenticOneOrchestrator": "Orchestrator",
	"WebSurfer":               "Web Surfer",
	"FileSurfer":              "File Surfer",
	"Coder":                   "Coder",
	"Executor":                "Executor",
	"ComputerTerminal":        "Computer Terminal",
}

// DisplayName 返回智能体的展示名称，未知来源原样返回。
func DisplayName(source string) string {
	if name, ok := displayNames[source]; ok {
		return name
	}
	return source
}
