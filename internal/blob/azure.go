package blob

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/blob"
	"github.com/Azure/azure-sdk-for-go/sdk/storage/azblob/bloberror"
)

const azureScheme = "azure"

// Azure keeps bytes in an Azure Blob Storage container.
type Azure struct {
	client    *azblob.Client
	container string
	logger    *slog.Logger
	now       func() time.Time
}

// NewAzure validates the connection string and creates the client. No
// request is made until EnsureContainer or the first Save.
func NewAzure(connectionString, container string, logger *slog.Logger) (*Azure, error) {
	if container == "" {
		return nil, fmt.Errorf("azure blob container is required")
	}
	client, err := azblob.NewClientFromConnectionString(connectionString, nil)
	if err != nil {
		return nil, fmt.Errorf("create storage client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Azure{
		client:    client,
		container: container,
		logger:    logger.With("system", "blob"),
		now:       time.Now,
	}, nil
}

// EnsureContainer creates the container if it does not exist yet.
func (a *Azure) EnsureContainer(ctx context.Context) error {
	_, err := a.client.CreateContainer(ctx, a.container, nil)
	if err != nil && !bloberror.HasCode(err, bloberror.ContainerAlreadyExists) {
		return fmt.Errorf("create container %s: %w", a.container, err)
	}
	a.logger.Info("blob container ready", "container", a.container)
	return nil
}

func (a *Azure) Save(ctx context.Context, caseID, filename, contentType string, data []byte) (string, error) {
	key := objectKey(caseID, filename, a.now())
	opts := &azblob.UploadStreamOptions{
		HTTPHeaders: &blob.HTTPHeaders{
			BlobContentType: &contentType,
		},
	}
	if _, err := a.client.UploadStream(ctx, a.container, key, bytes.NewReader(data), opts); err != nil {
		return "", fmt.Errorf("upload blob %s: %w", key, err)
	}
	return azureScheme + "://" + key, nil
}

func (a *Azure) Read(ctx context.Context, locator string) ([]byte, error) {
	key, err := splitLocator(azureScheme, locator)
	if err != nil {
		return nil, err
	}
	resp, err := a.client.DownloadStream(ctx, a.container, key, nil)
	if err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("download blob %s: %w", key, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read blob %s: %w", key, err)
	}
	return data, nil
}

func (a *Azure) Delete(ctx context.Context, locator string) error {
	key, err := splitLocator(azureScheme, locator)
	if err != nil {
		return err
	}
	if _, err := a.client.DeleteBlob(ctx, a.container, key, nil); err != nil {
		if bloberror.HasCode(err, bloberror.BlobNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("delete blob %s: %w", key, err)
	}
	return nil
}
