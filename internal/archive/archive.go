// Package archive 在任务完成后把执行记录归档到 Azure。
// 文档主体写入 Cosmos DB，截图转存到 Blob Storage。
package archive

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"

	xerrors "Magentic-Gateway/internal/errors"
	"Magentic-Gateway/internal/task"
	"Magentic-Gateway/pkg/logger"
)

// Config 描述归档目标。
type Config struct {
	CosmosEndpoint  string
	CosmosDatabase  string
	CosmosContainer string
	BlobAccountURL  string
	BlobContainer   string
}

// Manager 实现任务完成后的归档流程。
type Manager struct {
	documents *DocumentStore
	images    *ImageStore
}

// NewManager 使用 Azure Identity 凭据创建归档管理器。
// Blob 账户地址为空时截图转存被跳过，文档中只保留占位说明。
func NewManager(cfg Config) (*Manager, error) {
	credential, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "获取 Azure 凭据失败")
	}

	documents, err := NewDocumentStore(cfg.CosmosEndpoint, cfg.CosmosDatabase, cfg.CosmosContainer, credential)
	if err != nil {
		return nil, err
	}

	m := &Manager{documents: documents}
	if cfg.BlobAccountURL != "" {
		images, err := NewImageStore(cfg.BlobAccountURL, cfg.BlobContainer, credential)
		if err != nil {
			return nil, err
		}
		m.images = images
	}
	return m, nil
}

// ArchiveRun 把任务的执行记录写入 Cosmos。
// 文档超过大小上限时降级为仅存元数据，避免整次归档失败。
func (m *Manager) ArchiveRun(ctx context.Context, t *task.Task) error {
	var upload imageUploader
	if m.images != nil {
		upload = m.images.Upload
	}
	doc, err := buildDocument(ctx, t, upload)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeArchiveFailure, err, "构建归档文档失败")
	}
	encoded, err := json.Marshal(doc)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeArchiveFailure, err, "序列化归档文档失败")
	}

	if err := m.documents.CreateItem(ctx, doc.ID, encoded); err != nil {
		if !isDocumentTooLarge(err) {
			return err
		}
		logger.L().Warn("归档文档超过大小上限，降级为仅存元数据",
			slog.String("task_id", t.ID),
			slog.Int("size_bytes", len(encoded)),
		)
		minimal := metadataDocument(t, len(doc.Results), len(encoded))
		minimalEncoded, err := json.Marshal(minimal)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeArchiveFailure, err, "序列化降级文档失败")
		}
		return m.documents.CreateItem(ctx, minimal.ID, minimalEncoded)
	}
	return nil
}

// LoadRun 按任务 ID 读取归档文档。
func (m *Manager) LoadRun(ctx context.Context, runID string) (*Document, error) {
	raw, err := m.documents.ReadItem(ctx, runID)
	if err != nil {
		return nil, err
	}
	var doc Document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeArchiveFailure, err, "解析归档文档失败")
	}
	return &doc, nil
}

// DownloadImage 读取归档截图，未配置 Blob 存储时返回错误。
func (m *Manager) DownloadImage(ctx context.Context, blobURL string) ([]byte, error) {
	if m.images == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未配置 Blob 图像存储")
	}
	return m.images.Download(ctx, blobURL)
}

// Noop 在归档未启用时使用，所有操作直接返回成功。
type Noop struct{}

// ArchiveRun 忽略归档请求。
func (Noop) ArchiveRun(context.Context, *task.Task) error { return nil }

var (
	_ task.Archiver = (*Manager)(nil)
	_ task.Archiver = Noop{}
)
