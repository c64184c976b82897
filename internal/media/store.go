// Package media stores arrangement audio files in S3-compatible object
// storage.
package media

import (
	"context"
	"fmt"
	"io"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store wraps a MinIO client scoped to one bucket.
type Store struct {
	client *minio.Client
	bucket string
}

// NewStore connects to the object storage endpoint and makes sure the
// bucket exists.
func NewStore(ctx context.Context, endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("create minio client: %w", err)
	}

	s := &Store{client: client, bucket: bucket}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return fmt.Errorf("check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("create bucket: %w", err)
	}
	return nil
}

// PutAudio uploads an audio file and returns the stored object key.
func (s *Store) PutAudio(ctx context.Context, arrangementID, filename string, r io.Reader, size int64, contentType string) (string, error) {
	key := BuildAudioKey(arrangementID, filename)
	_, err := s.client.PutObject(ctx, s.bucket, key, r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return "", fmt.Errorf("put audio object: %w", err)
	}
	return key, nil
}

// GetAudio streams an audio object. The caller must close the reader.
func (s *Store) GetAudio(ctx context.Context, key string) (io.ReadCloser, string, int64, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, "", 0, fmt.Errorf("get audio object: %w", err)
	}
	info, err := obj.Stat()
	if err != nil {
		_ = obj.Close()
		return nil, "", 0, fmt.Errorf("stat audio object: %w", err)
	}
	return obj, info.ContentType, info.Size, nil
}

// RemoveAudio deletes an audio object.
func (s *Store) RemoveAudio(ctx context.Context, key string) error {
	if err := s.client.RemoveObject(ctx, s.bucket, key, minio.RemoveObjectOptions{}); err != nil {
		return fmt.Errorf("remove audio object: %w", err)
	}
	return nil
}

// PresignedAudioURL returns a time-limited download link.
func (s *Store) PresignedAudioURL(ctx context.Context, key string, expiry time.Duration) (string, error) {
	u, err := s.client.PresignedGetObject(ctx, s.bucket, key, expiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presign audio url: %w", err)
	}
	return u.String(), nil
}

// BuildAudioKey derives the object key for an arrangement's audio file.
// Only the file extension of the original name is kept.
func BuildAudioKey(arrangementID, filename string) string {
	ext := strings.ToLower(path.Ext(filename))
	switch ext {
	case ".mp3", ".ogg", ".wav", ".m4a", ".flac":
	default:
		ext = ".bin"
	}
	return "arrangements/" + arrangementID + "/audio" + ext
}
