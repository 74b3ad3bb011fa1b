// Package assist 实现基于工具调用的数据库问答助手。
// 模型通过 list_tables 与 run_query 两个工具探索数据库并回答问题。
package assist

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	xerrors "Magentic-Gateway/internal/errors"
	"Magentic-Gateway/internal/llm"
	"Magentic-Gateway/pkg/logger"
)

// 工具调用循环的最大轮数，防止模型陷入死循环。
const maxToolRounds = 8

const systemPrompt = `You are a helpful data analyst. You answer questions about a PostgreSQL database.
Use the list_tables tool to discover the schema and the run_query tool to execute read-only SQL.
Always inspect the schema before writing a query. Answer concisely based on the query results.`

// QueryTool 是助手可用的数据库能力。
type QueryTool interface {
	ListTables(ctx context.Context) (string, error)
	RunQuery(ctx context.Context, query string) (string, error)
}

// Answer 是一次问答的结果。
type Answer struct {
	Text             string   `json:"answer"`
	Queries          []string `json:"queries,omitempty"`
	PromptTokens     int64    `json:"prompt_tokens"`
	CompletionTokens int64    `json:"completion_tokens"`
}

// Service 驱动模型与数据库工具的交互。
type Service struct {
	client llm.Client
	tool   QueryTool
}

// NewService 构造助手服务。
func NewService(client llm.Client, tool QueryTool) *Service {
	return &Service{client: client, tool: tool}
}

var toolSpecs = []llm.ToolSpec{
	{
		Name:        "list_tables",
		Description: "List all tables and their columns in the database.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{}}`),
	},
	{
		Name:        "run_query",
		Description: "Execute a read-only SQL query and return the rows as JSON.",
		Parameters: json.RawMessage(`{"type":"object","properties":{` +
			`"query":{"type":"string","description":"The SQL SELECT statement to execute."}},` +
			`"required":["query"]}`),
	},
}

// Query 回答一个关于数据库的问题。
func (s *Service) Query(ctx context.Context, question string) (*Answer, error) {
	if strings.TrimSpace(question) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "问题不能为空")
	}
	if s.client == nil || s.tool == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "助手服务未初始化")
	}

	messages := []llm.Message{
		{Role: llm.RoleSystem, Content: systemPrompt},
		{Role: llm.RoleUser, Content: question},
	}
	answer := &Answer{}

	for round := 0; round < maxToolRounds; round++ {
		resp, err := s.client.Chat(ctx, llm.Request{Messages: messages, Tools: toolSpecs})
		if err != nil {
			return nil, err
		}
		answer.PromptTokens += resp.PromptTokens
		answer.CompletionTokens += resp.CompletionTokens

		if len(resp.Message.ToolCalls) == 0 {
			answer.Text = resp.Message.Content
			return answer, nil
		}

		messages = append(messages, resp.Message)
		for _, call := range resp.Message.ToolCalls {
			output := s.invokeTool(ctx, call, answer)
			messages = append(messages, llm.Message{
				Role:       llm.RoleTool,
				Content:    output,
				ToolCallID: call.ID,
			})
		}
	}
	return nil, xerrors.New(xerrors.CodeOrchestratorFailure, "工具调用轮数超过上限仍未得到答案")
}

func (s *Service) invokeTool(ctx context.Context, call llm.ToolCall, answer *Answer) string {
	switch call.Name {
	case "list_tables":
		output, err := s.tool.ListTables(ctx)
		if err != nil {
			logger.L().Warn("list_tables 执行失败", slog.Any("error", err))
			return "error: " + err.Error()
		}
		return output
	case "run_query":
		var args struct {
			Query string `json:"query"`
		}
		if err := json.Unmarshal([]byte(call.Arguments), &args); err != nil {
			return "error: invalid arguments: " + err.Error()
		}
		answer.Queries = append(answer.Queries, args.Query)
		output, err := s.tool.RunQuery(ctx, args.Query)
		if err != nil {
			logger.L().Warn("run_query 执行失败", slog.Any("error", err), slog.String("query", args.Query))
			return "error: " + err.Error()
		}
		return output
	default:
		return "error: unknown tool " + call.Name
	}
}
