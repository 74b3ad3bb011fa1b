package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"Magentic-Gateway/internal/task"
)

// Cosmos 单文档上限为 2MB，预留空间给元数据字段。
const maxDocumentBytes = 3 << 19 // 1.5 MB

// 超长文本在归档时被截断，完整内容仍保留在任务存储中。
const maxTextBytes = 100000

// Document 是写入 Cosmos 的归档文档。
type Document struct {
	ID               string       `json:"id"`
	Prompt           string       `json:"prompt"`
	ModelName        string       `json:"model_name"`
	UseAzureOpenAI   bool         `json:"use_azure_openai"`
	ElapsedTime      float64      `json:"elapsed_time"`
	PromptTokens     int64        `json:"prompt_tokens"`
	CompletionTokens int64        `json:"completion_tokens"`
	Results          []ResultItem `json:"results"`
	CreatedAt        string       `json:"created_at"`
	DocumentSizeMB   float64      `json:"document_size_mb"`
	TotalImages      int          `json:"total_images"`
	MetadataOnly     bool         `json:"is_metadata_only,omitempty"`
}

// ResultItem 是归档文档中的一条执行消息。
type ResultItem struct {
	Type      string `json:"type"`
	Source    string `json:"source"`
	Content   any    `json:"content"`
	Timestamp string `json:"timestamp"`
}

// ImageContent 描述一张已转存到 Blob 的截图。
type ImageContent struct {
	Type    string  `json:"type"`
	BlobURL string  `json:"blob_url"`
	SizeKB  float64 `json:"size_kb,omitempty"`
	Note    string  `json:"note,omitempty"`
}

// imageUploader 把 base64 图像转存为 blob 并返回 URL。
type imageUploader func(ctx context.Context, runID string, index int, base64Data string) (string, error)

// buildDocument 把任务的执行记录序列化为归档文档。
// 截图被转存到 Blob 只保留 URL；累计体积超过上限时剩余消息被丢弃并附截断说明。
func buildDocument(ctx context.Context, t *task.Task, upload imageUploader) (*Document, error) {
	if t == nil {
		return nil, fmt.Errorf("task 不能为空")
	}

	now := time.Now().Format(time.RFC3339)
	doc := &Document{
		ID:               t.ID,
		Prompt:           t.Prompt,
		ModelName:        t.Model,
		UseAzureOpenAI:   t.UseAzureOpenAI,
		PromptTokens:     t.PromptTokens,
		CompletionTokens: t.CompletionTokens,
		CreatedAt:        now,
	}

	var messages []task.Message
	if t.Result != nil {
		messages = t.Result.Messages
		doc.ElapsedTime = t.Result.ExecutionSeconds
	}

	totalSize := 0
	imageIndex := 0
	doc.Results = make([]ResultItem, 0, len(messages)+1)

	for _, msg := range messages {
		item := ResultItem{
			Type:      "TextMessage",
			Source:    msg.Source,
			Timestamp: now,
		}
		switch msg.Kind {
		case task.MessageImage:
			item.Type = "MultiModalMessage"
			content := ImageContent{Type: "image"}
			if upload != nil {
				blobURL, err := upload(ctx, t.ID, imageIndex, msg.Content)
				if err != nil {
					content.Note = "Failed to upload image to blob storage"
				} else {
					content.BlobURL = blobURL
					content.SizeKB = math.Round(float64(len(msg.Content))*3/4/1024*10) / 10
				}
			} else {
				content.Note = "No image store configured"
			}
			imageIndex++
			item.Content = content
		default:
			text := msg.Content
			if len(text) > maxTextBytes {
				text = text[:maxTextBytes] + "... [Content truncated due to size limits]"
			}
			item.Content = text
		}

		encoded, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("序列化归档消息失败: %w", err)
		}
		if totalSize+len(encoded) > maxDocumentBytes {
			doc.Results = append(doc.Results, ResultItem{
				Type:      "TruncationNote",
				Source:    "system",
				Content:   fmt.Sprintf("Results truncated at %d items due to Cosmos DB 2MB size limit", len(doc.Results)),
				Timestamp: now,
			})
			break
		}
		doc.Results = append(doc.Results, item)
		totalSize += len(encoded)
	}

	doc.TotalImages = imageIndex
	doc.DocumentSizeMB = math.Round(float64(totalSize)/(1<<20)*100) / 100
	return doc, nil
}

// metadataDocument 在完整文档写入失败时生成仅含元数据的降级文档。
func metadataDocument(t *task.Task, resultCount int, sizeBytes int) *Document {
	now := time.Now().Format(time.RFC3339)
	doc := &Document{
		ID:               t.ID,
		Prompt:           t.Prompt,
		ModelName:        t.Model,
		UseAzureOpenAI:   t.UseAzureOpenAI,
		PromptTokens:     t.PromptTokens,
		CompletionTokens: t.CompletionTokens,
		CreatedAt:        now,
		MetadataOnly:     true,
	}
	if t.Result != nil {
		doc.ElapsedTime = t.Result.ExecutionSeconds
	}
	doc.Results = []ResultItem{{
		Type:      "MetadataOnly",
		Source:    "system",
		Content:   fmt.Sprintf("Results too large to store (>%.1fMB). Only metadata saved. Original result count: %d", float64(sizeBytes)/(1<<20), resultCount),
		Timestamp: now,
	}}
	return doc
}
