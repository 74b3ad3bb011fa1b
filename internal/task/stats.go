package task

// TaskStats 聚合了任务状态的统计信息，常用于仪表盘或健康检查。
type TaskStats struct {
	Total            int   `json:"total"`
	Pending          int   `json:"pending"`
	Running          int   `json:"running"`
	Completed        int   `json:"completed"`
	Failed           int   `json:"failed"`
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	OldestUpdatedAt  int64 `json:"oldest_updated_at,omitempty"`
	NewestUpdatedAt  int64 `json:"newest_updated_at,omitempty"`
}
