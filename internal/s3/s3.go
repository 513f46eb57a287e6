package s3

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type Client struct {
	client *minio.Client
	bucket string
}

// NewMinioClient создаёт клиент; bucket используется для зеркала скриншотов
func NewMinioClient(endpoint, accessKey, secretKey string, secure bool, bucket string) (*Client, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: secure,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create MinIO client: %w", err)
	}

	return &Client{client: client, bucket: bucket}, nil
}

func (c *Client) EnsureBucketExists(ctx context.Context, bucketName string) error {
	exists, err := c.client.BucketExists(ctx, bucketName)
	if err != nil {
		return err
	}
	if !exists {
		return c.client.MakeBucket(ctx, bucketName, minio.MakeBucketOptions{})
	}
	return nil
}

// PutScreenshot сохраняет JPEG скриншота в бакет зеркала
func (c *Client) PutScreenshot(ctx context.Context, name string, data []byte) error {
	_, err := c.client.PutObject(
		ctx,
		c.bucket,
		name,
		bytes.NewReader(data),
		int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "image/jpeg",
		},
	)
	if err != nil {
		return fmt.Errorf("failed to upload screenshot %s: %w", name, err)
	}

	return nil
}

// ListFrames возвращает ключи кадров в папке, отсортированные по имени
func (c *Client) ListFrames(ctx context.Context, bucket, folder string) ([]string, error) {
	objectCh := c.client.ListObjects(ctx, bucket, minio.ListObjectsOptions{
		Prefix:    folder,
		Recursive: true,
	})

	var keys []string
	for object := range objectCh {
		if object.Err != nil {
			return nil, fmt.Errorf("error listing objects: %w", object.Err)
		}

		// Пропускаем саму папку и не-изображения
		if strings.HasSuffix(object.Key, "/") || !isImage(object.Key) {
			continue
		}

		keys = append(keys, object.Key)
	}

	sort.Strings(keys)
	return keys, nil
}

// GetFrame скачивает один кадр
func (c *Client) GetFrame(ctx context.Context, bucket, key string) ([]byte, error) {
	obj, err := c.client.GetObject(ctx, bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, err
	}
	defer obj.Close()

	buf := new(bytes.Buffer)
	if _, err := io.Copy(buf, obj); err != nil {
		return nil, fmt.Errorf("read %s/%s: %w", bucket, key, err)
	}

	return buf.Bytes(), nil
}

func isImage(key string) bool {
	switch strings.ToLower(path.Ext(key)) {
	case ".jpg", ".jpeg", ".png":
		return true
	}
	return false
}
