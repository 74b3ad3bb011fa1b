// Package openai 通过 HTTP 直接调用 OpenAI 与 Azure OpenAI 的
// chat completions 接口，支持工具调用。
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "Magentic-Gateway/internal/errors"
	"Magentic-Gateway/internal/llm"
)

const (
	defaultBaseURL     = "https://api.openai.com/v1"
	azureAPIVersion    = "2024-10-21"
	defaultHTTPTimeout = 120 * time.Second
)

// Config 描述模型接入点。
type Config struct {
	// APIKey 为 OpenAI 或 Azure OpenAI 的密钥。
	APIKey string
	// Model 为模型名称，Azure 下同时作为 deployment 名称。
	Model string
	// UseAzure 为 true 时走 Azure OpenAI 接入点。
	UseAzure bool
	// AzureEndpoint 形如 https://xxx.openai.azure.com。
	AzureEndpoint string
	// BaseURL 可覆盖 OpenAI 默认地址，测试时指向本地服务。
	BaseURL string
}

// Client 实现 llm.Client。
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient 创建模型客户端。
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "模型 API Key 不能为空")
	}
	if strings.TrimSpace(cfg.Model) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "模型名称不能为空")
	}
	if cfg.UseAzure && strings.TrimSpace(cfg.AzureEndpoint) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Azure OpenAI endpoint 不能为空")
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: defaultHTTPTimeout},
	}, nil
}

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type chatRequest struct {
	Model    string        `json:"model,omitempty"`
	Messages []wireMessage `json:"messages"`
	Tools    []wireTool    `json:"tools,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message wireMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Chat 发起一次对话补全。
func (c *Client) Chat(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload := chatRequest{
		Messages: make([]wireMessage, 0, len(req.Messages)),
		Tools:    make([]wireTool, 0, len(req.Tools)),
	}
	if !c.cfg.UseAzure {
		payload.Model = c.cfg.Model
	}
	for _, msg := range req.Messages {
		payload.Messages = append(payload.Messages, toWireMessage(msg))
	}
	for _, tool := range req.Tools {
		wt := wireTool{Type: "function"}
		wt.Function.Name = tool.Name
		wt.Function.Description = tool.Description
		wt.Function.Parameters = tool.Parameters
		payload.Tools = append(payload.Tools, wt)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "序列化模型请求失败")
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint(), bytes.NewReader(encoded))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeOrchestratorFailure, err, "创建模型请求失败")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.cfg.UseAzure {
		httpReq.Header.Set("api-key", c.cfg.APIKey)
	} else {
		httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeOrchestratorFailure, err, "调用模型接口失败", xerrors.WithRetryable(true))
	}
	defer httpResp.Body.Close()

	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeOrchestratorFailure, err, "读取模型响应失败")
	}

	var resp chatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeOrchestratorFailure, err,
			fmt.Sprintf("解析模型响应失败, status=%d", httpResp.StatusCode))
	}
	if httpResp.StatusCode != http.StatusOK {
		message := strings.TrimSpace(string(body))
		if resp.Error != nil {
			message = resp.Error.Message
		}
		return nil, xerrors.New(xerrors.CodeOrchestratorFailure,
			fmt.Sprintf("模型接口返回 %d: %s", httpResp.StatusCode, message),
			xerrors.WithRetryable(httpResp.StatusCode >= 500 || httpResp.StatusCode == http.StatusTooManyRequests))
	}
	if len(resp.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeOrchestratorFailure, "模型未返回任何结果")
	}

	return &llm.Response{
		Message:          fromWireMessage(resp.Choices[0].Message),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
	}, nil
}

func (c *Client) endpoint() string {
	if c.cfg.UseAzure {
		return fmt.Sprintf("%s/openai/deployments/%s/chat/completions?api-version=%s",
			strings.TrimRight(c.cfg.AzureEndpoint, "/"), c.cfg.Model, azureAPIVersion)
	}
	base := c.cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	return strings.TrimRight(base, "/") + "/chat/completions"
}

func toWireMessage(msg llm.Message) wireMessage {
	wm := wireMessage{
		Role:       msg.Role,
		Content:    msg.Content,
		ToolCallID: msg.ToolCallID,
	}
	for _, call := range msg.ToolCalls {
		wc := wireToolCall{ID: call.ID, Type: "function"}
		wc.Function.Name = call.Name
		wc.Function.Arguments = call.Arguments
		wm.ToolCalls = append(wm.ToolCalls, wc)
	}
	return wm
}

func fromWireMessage(wm wireMessage) llm.Message {
	msg := llm.Message{
		Role:       wm.Role,
		Content:    wm.Content,
		ToolCallID: wm.ToolCallID,
	}
	for _, call := range wm.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, llm.ToolCall{
			ID:        call.ID,
			Name:      call.Function.Name,
			Arguments: call.Function.Arguments,
		})
	}
	return msg
}

var _ llm.Client = (*Client)(nil)
