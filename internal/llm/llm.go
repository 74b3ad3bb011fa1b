// Package llm 定义与对话模型交互的抽象。
package llm

import (
	"context"
	"encoding/json"
)

// 对话角色。
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message 是一条对话消息。
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolCall 表示模型发起的一次工具调用。
type ToolCall struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolSpec 描述一个可供模型调用的工具。
type ToolSpec struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// Request 是一次对话补全请求。
type Request struct {
	Messages []Message
	Tools    []ToolSpec
}

// Response 是模型的应答。
type Response struct {
	Message          Message
	PromptTokens     int64
	CompletionTokens int64
}

// Client 是对话模型的调用接口。
type Client interface {
	Chat(ctx context.Context, req Request) (*Response, error)
}
