package archive

import (
	"context"
	stdErrors "errors"
	"net/http"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/data/azcosmos"

	xerrors "Magentic-Gateway/internal/errors"
)

// DocumentStore 把归档文档写入 Azure Cosmos DB，分区键为文档 ID。
type DocumentStore struct {
	container *azcosmos.ContainerClient
}

// NewDocumentStore 创建 Cosmos 文档存储。
func NewDocumentStore(endpoint, database, container string, credential azcore.TokenCredential) (*DocumentStore, error) {
	if strings.TrimSpace(endpoint) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Cosmos endpoint 不能为空")
	}
	client, err := azcosmos.NewClient(endpoint, credential, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 Cosmos 客户端失败")
	}
	containerClient, err := client.NewContainer(database, container)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "获取 Cosmos 容器失败")
	}
	return &DocumentStore{container: containerClient}, nil
}

// CreateItem 写入一条归档文档。
func (s *DocumentStore) CreateItem(ctx context.Context, id string, item []byte) error {
	pk := azcosmos.NewPartitionKeyString(id)
	if _, err := s.container.CreateItem(ctx, pk, item, nil); err != nil {
		return xerrors.Wrap(xerrors.CodeArchiveFailure, err, "写入 Cosmos 文档失败")
	}
	return nil
}

// ReadItem 按 ID 读取归档文档。
func (s *DocumentStore) ReadItem(ctx context.Context, id string) ([]byte, error) {
	pk := azcosmos.NewPartitionKeyString(id)
	resp, err := s.container.ReadItem(ctx, pk, id, nil)
	if err != nil {
		var respErr *azcore.ResponseError
		if stdErrors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound {
			return nil, xerrors.Wrap(xerrors.CodeNotFound, err, "归档文档不存在")
		}
		return nil, xerrors.Wrap(xerrors.CodeArchiveFailure, err, "读取 Cosmos 文档失败")
	}
	return resp.Value, nil
}

// isDocumentTooLarge 判断写入失败是否由文档超过 Cosmos 2MB 上限导致。
func isDocumentTooLarge(err error) bool {
	var respErr *azcore.ResponseError
	if stdErrors.As(err, &respErr) {
		return respErr.StatusCode == http.StatusRequestEntityTooLarge
	}
	return err != nil && strings.Contains(strings.ToLower(err.Error()), "request size is too large")
}
