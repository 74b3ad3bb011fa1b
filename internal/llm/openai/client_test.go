package openai

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	xerrors "Magentic-Gateway/internal/errors"
	"Magentic-Gateway/internal/llm"
)

func TestChatSendsToolsAndParsesToolCalls(t *testing.T) {
	var captured chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/chat/completions" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("unexpected auth header: %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&captured); err != nil {
			t.Errorf("decode request: %v", err)
		}
		_, _ = w.Write([]byte(`{
			"choices":[{"message":{"role":"assistant","tool_calls":[
				{"id":"call-1","type":"function","function":{"name":"run_query","arguments":"{\"query\":\"select 1\"}"}}
			]}}],
			"usage":{"prompt_tokens":55,"completion_tokens":9}
		}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{APIKey: "test-key", Model: "gpt-4o", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := client.Chat(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "count the rows"}},
		Tools: []llm.ToolSpec{{
			Name:        "run_query",
			Description: "Execute SQL",
			Parameters:  json.RawMessage(`{"type":"object"}`),
		}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}

	if captured.Model != "gpt-4o" {
		t.Fatalf("expected model in payload, got %q", captured.Model)
	}
	if len(captured.Tools) != 1 || captured.Tools[0].Function.Name != "run_query" {
		t.Fatalf("unexpected tools payload: %+v", captured.Tools)
	}
	if len(resp.Message.ToolCalls) != 1 {
		t.Fatalf("expected one tool call, got %+v", resp.Message)
	}
	call := resp.Message.ToolCalls[0]
	if call.ID != "call-1" || call.Name != "run_query" || !strings.Contains(call.Arguments, "select 1") {
		t.Fatalf("unexpected tool call: %+v", call)
	}
	if resp.PromptTokens != 55 || resp.CompletionTokens != 9 {
		t.Fatalf("unexpected usage: %+v", resp)
	}
}

func TestChatAzureEndpointAndHeaders(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasPrefix(r.URL.Path, "/openai/deployments/gpt-4o/chat/completions") {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("api-version"); got != azureAPIVersion {
			t.Errorf("unexpected api version: %q", got)
		}
		if got := r.Header.Get("api-key"); got != "azure-key" {
			t.Errorf("unexpected api-key header: %q", got)
		}
		var payload chatRequest
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			t.Errorf("decode request: %v", err)
		}
		// Azure 下 deployment 已编码在路径里，payload 不应带 model。
		if payload.Model != "" {
			t.Errorf("unexpected model in azure payload: %q", payload.Model)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"role":"assistant","content":"ok"}}],"usage":{"prompt_tokens":1,"completion_tokens":1}}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{
		APIKey:        "azure-key",
		Model:         "gpt-4o",
		UseAzure:      true,
		AzureEndpoint: server.URL,
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	resp, err := client.Chat(context.Background(), llm.Request{
		Messages: []llm.Message{{Role: llm.RoleUser, Content: "ping"}},
	})
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	if resp.Message.Content != "ok" {
		t.Fatalf("unexpected content: %q", resp.Message.Content)
	}
}

func TestChatServerErrorsAreRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"message":"rate limited"}}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{APIKey: "k", Model: "gpt-4o", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Chat(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if !xerrors.RetryableError(err) {
		t.Fatalf("expected retryable error, got %v", err)
	}
	if !strings.Contains(err.Error(), "rate limited") {
		t.Fatalf("expected server message in error, got %v", err)
	}
}

func TestChatClientErrorsAreNotRetryable(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":{"message":"invalid request"}}`))
	}))
	defer server.Close()

	client, err := NewClient(Config{APIKey: "k", Model: "gpt-4o", BaseURL: server.URL})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}
	_, err = client.Chat(context.Background(), llm.Request{Messages: []llm.Message{{Role: llm.RoleUser, Content: "x"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	if xerrors.RetryableError(err) {
		t.Fatalf("expected non-retryable error, got %v", err)
	}
}

func TestNewClientValidation(t *testing.T) {
	if _, err := NewClient(Config{Model: "gpt-4o"}); err == nil {
		t.Fatal("expected error for missing api key")
	}
	if _, err := NewClient(Config{APIKey: "k"}); err == nil {
		t.Fatal("expected error for missing model")
	}
	if _, err := NewClient(Config{APIKey: "k", Model: "m", UseAzure: true}); err == nil {
		t.Fatal("expected error for missing azure endpoint")
	}
}
