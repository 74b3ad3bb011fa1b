package archive

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"Magentic-Gateway/internal/task"
)

func archivedTask() *task.Task {
	return &task.Task{
		ID:               "run-42",
		Prompt:           "find the cheapest flight",
		Model:            "gpt-4o",
		UseAzureOpenAI:   true,
		Status:           task.StatusCompleted,
		PromptTokens:     120,
		CompletionTokens: 45,
		Result: &task.RunResult{
			ExecutionSeconds: 12.5,
			Messages: []task.Message{
				{Source: "user", Kind: task.MessageText, Content: "find the cheapest flight"},
				{Source: "WebSurfer", Kind: task.MessageImage, Content: "aGVsbG8="},
				{Source: "MagenticOneOrchestrator", Kind: task.MessageText, Content: "done"},
			},
		},
	}
}

func TestBuildDocumentUploadsImages(t *testing.T) {
	var uploaded []string
	upload := func(_ context.Context, runID string, index int, _ string) (string, error) {
		name := fmt.Sprintf("%s/image_%d.png", runID, index)
		uploaded = append(uploaded, name)
		return "https://example.blob.core.windows.net/runs/" + name, nil
	}

	doc, err := buildDocument(context.Background(), archivedTask(), upload)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if doc.ID != "run-42" || doc.ModelName != "gpt-4o" || !doc.UseAzureOpenAI {
		t.Fatalf("unexpected metadata: %+v", doc)
	}
	if doc.ElapsedTime != 12.5 || doc.PromptTokens != 120 || doc.CompletionTokens != 45 {
		t.Fatalf("unexpected usage fields: %+v", doc)
	}
	if len(doc.Results) != 3 {
		t.Fatalf("expected 3 result items, got %d", len(doc.Results))
	}
	if doc.Results[0].Type != "TextMessage" || doc.Results[0].Source != "user" {
		t.Fatalf("unexpected first item: %+v", doc.Results[0])
	}
	if doc.Results[1].Type != "MultiModalMessage" {
		t.Fatalf("expected multimodal item, got %+v", doc.Results[1])
	}
	image, ok := doc.Results[1].Content.(ImageContent)
	if !ok {
		t.Fatalf("unexpected image content type: %T", doc.Results[1].Content)
	}
	if image.BlobURL == "" || !strings.HasSuffix(image.BlobURL, "run-42/image_0.png") {
		t.Fatalf("unexpected blob url: %q", image.BlobURL)
	}
	if doc.TotalImages != 1 {
		t.Fatalf("expected 1 image, got %d", doc.TotalImages)
	}
	if len(uploaded) != 1 || uploaded[0] != "run-42/image_0.png" {
		t.Fatalf("unexpected uploads: %v", uploaded)
	}
}

func TestBuildDocumentUploadFailureKeepsNote(t *testing.T) {
	upload := func(context.Context, string, int, string) (string, error) {
		return "", fmt.Errorf("storage unavailable")
	}

	doc, err := buildDocument(context.Background(), archivedTask(), upload)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	image, ok := doc.Results[1].Content.(ImageContent)
	if !ok {
		t.Fatalf("unexpected content type: %T", doc.Results[1].Content)
	}
	if image.BlobURL != "" || image.Note == "" {
		t.Fatalf("expected failure note without url, got %+v", image)
	}
}

func TestBuildDocumentTruncatesLongText(t *testing.T) {
	archived := archivedTask()
	archived.Result.Messages = []task.Message{
		{Source: "Coder", Kind: task.MessageText, Content: strings.Repeat("x", maxTextBytes+500)},
	}

	doc, err := buildDocument(context.Background(), archived, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	text, ok := doc.Results[0].Content.(string)
	if !ok {
		t.Fatalf("unexpected content type: %T", doc.Results[0].Content)
	}
	if !strings.HasSuffix(text, "[Content truncated due to size limits]") {
		t.Fatalf("expected truncation marker, got tail %q", text[len(text)-60:])
	}
	if len(text) > maxTextBytes+100 {
		t.Fatalf("text not truncated, length %d", len(text))
	}
}

func TestBuildDocumentCapsTotalSize(t *testing.T) {
	archived := archivedTask()
	// 每条消息略低于单条截断阈值，整体必定超过文档上限。
	big := strings.Repeat("y", maxTextBytes-100)
	archived.Result.Messages = nil
	for i := 0; i < 32; i++ {
		archived.Result.Messages = append(archived.Result.Messages, task.Message{
			Source:  "Coder",
			Kind:    task.MessageText,
			Content: big,
		})
	}

	doc, err := buildDocument(context.Background(), archived, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if len(doc.Results) >= 32 {
		t.Fatalf("expected results to be capped, got %d", len(doc.Results))
	}
	last := doc.Results[len(doc.Results)-1]
	if last.Type != "TruncationNote" || last.Source != "system" {
		t.Fatalf("expected truncation note, got %+v", last)
	}
}

func TestMetadataDocumentFallback(t *testing.T) {
	doc := metadataDocument(archivedTask(), 250, 4<<20)
	if !doc.MetadataOnly {
		t.Fatal("expected metadata-only flag")
	}
	if doc.ElapsedTime != 12.5 || doc.PromptTokens != 120 {
		t.Fatalf("expected metadata to be preserved: %+v", doc)
	}
	if len(doc.Results) != 1 || doc.Results[0].Type != "MetadataOnly" {
		t.Fatalf("unexpected fallback results: %+v", doc.Results)
	}
	content, _ := doc.Results[0].Content.(string)
	if !strings.Contains(content, "250") {
		t.Fatalf("expected original result count in note: %q", content)
	}
}
