package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// BlobStore is the persistence boundary for image payloads.
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, string, error)
	Remove(ctx context.Context, key string) error
}

// Image describes a stored upload: the object key, the thumbnail key when one
// was generated, and the sniffed content type.
type Image struct {
	Key         string
	ThumbKey    string
	ContentType string
}

// SaveUpload validates an upload, stores the original and (when the format is
// decodable) a thumbnail, and returns the keys. Nothing is stored when
// validation fails.
func SaveUpload(ctx context.Context, store BlobStore, data []byte) (*Image, error) {
	contentType, ext, err := Sniff(data)
	if err != nil {
		return nil, err
	}

	key := uuid.NewString() + ext
	if err := store.Put(ctx, key, data, contentType); err != nil {
		return nil, fmt.Errorf("store image: %w", err)
	}

	img := &Image{Key: key, ContentType: contentType}
	thumb, err := Thumbnail(data, contentType)
	if err != nil || thumb == nil {
		// a missing thumbnail never fails the upload
		return img, nil
	}
	thumbKey := strings.TrimSuffix(key, ext) + "_thumb.jpg"
	if err := store.Put(ctx, thumbKey, thumb, "image/jpeg"); err == nil {
		img.ThumbKey = thumbKey
	}
	return img, nil
}

// ThumbKeyFor derives the thumbnail key the way SaveUpload names it.
func ThumbKeyFor(key string) string {
	dot := strings.LastIndex(key, ".")
	if dot < 0 {
		return key + "_thumb.jpg"
	}
	return key[:dot] + "_thumb.jpg"
}

// MinioStore keeps image blobs in a MinIO (S3-compatible) bucket.
type MinioStore struct {
	client *minio.Client
	bucket string
}

// NewMinioStore connects to MinIO and ensures the bucket exists.
func NewMinioStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*MinioStore, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("connect to minio: %w", err)
	}
	exists, err := client.BucketExists(ctx, bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(ctx, bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("create bucket: %w", err)
		}
	}
	return &MinioStore{client: client, bucket: bucket}, nil
}

func (s *MinioStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	_, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	return err
}

func (s *MinioStore) Get(ctx context.Context, key string) ([]byte, string, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", err
	}
	defer obj.Close()

	stat, err := obj.Stat()
	if err != nil {
		return nil, "", err
	}
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, "", err
	}
	return data, stat.ContentType, nil
}

func (s *MinioStore) Remove(ctx context.Context, key string) error {
	return s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{})
}
