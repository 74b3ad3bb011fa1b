package archive

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"

	xerrors "Magentic-Gateway/internal/errors"
)

// ImageStore 把执行过程中的截图存入 Azure Blob Storage。
// 图像以 {run_id}/image_{i}.png 命名，归档文档中只保留 blob URL。
type ImageStore struct {
	client    *azblob.Client
	container string
}

// NewImageStore 创建 Blob 图像存储。
func NewImageStore(accountURL, container string, credential azcore.TokenCredential) (*ImageStore, error) {
	if strings.TrimSpace(accountURL) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "Blob 账户地址不能为空")
	}
	client, err := azblob.NewClient(accountURL, credential, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInitializationFailure, err, "创建 Blob 客户端失败")
	}
	return &ImageStore{client: client, container: container}, nil
}

// Upload 上传一张 base64 编码的 PNG 截图并返回 blob URL。
func (s *ImageStore) Upload(ctx context.Context, runID string, index int, base64Data string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(base64Data)
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeInvalidArgument, err, "解码图像数据失败")
	}

	if _, err := s.client.CreateContainer(ctx, s.container, nil); err != nil {
		if !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
			return "", xerrors.Wrap(xerrors.CodeArchiveFailure, err, "创建 Blob 容器失败")
		}
	}

	blobName := fmt.Sprintf("%s/image_%d.png", runID, index)
	contentType := "image/png"
	_, err = s.client.UploadBuffer(ctx, s.container, blobName, data, &azblob.UploadBufferOptions{
		HTTPHeaders: &blob.HTTPHeaders{BlobContentType: &contentType},
	})
	if err != nil {
		return "", xerrors.Wrap(xerrors.CodeArchiveFailure, err, "上传图像到 Blob 失败")
	}
	return s.client.ServiceClient().NewContainerClient(s.container).NewBlobClient(blobName).URL(), nil
}

// Download 按 blob URL 读取图像内容，供结果页回放截图。
func (s *ImageStore) Download(ctx context.Context, blobURL string) ([]byte, error) {
	blobName, err := s.blobNameFromURL(blobURL)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.DownloadStream(ctx, s.container, blobName, nil)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeArchiveFailure, err, "下载 Blob 图像失败")
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeArchiveFailure, err, "读取 Blob 图像失败")
	}
	return data, nil
}

// blobNameFromURL 从完整 URL 中提取容器内的 blob 路径。
// URL 形如 https://account.blob.core.windows.net/container/run_id/image_0.png。
func (s *ImageStore) blobNameFromURL(blobURL string) (string, error) {
	marker := "/" + s.container + "/"
	idx := strings.Index(blobURL, marker)
	if idx < 0 {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "无法从 URL 中解析 blob 路径")
	}
	name := blobURL[idx+len(marker):]
	if name == "" {
		return "", xerrors.New(xerrors.CodeInvalidArgument, "blob 路径为空")
	}
	return name, nil
}
