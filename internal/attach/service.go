// Package attach stages email attachments in object storage until send
// time. Objects are keyed drafts/<draftID>/<attachmentID> so a draft's
// staging area can be listed and cleaned as a unit.
package attach

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"concierge/api/internal/store"
	"concierge/api/internal/util"
)

const defaultBucket = "concierge-attachments"

type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	UseSSL    bool
}

// Service wraps the object-store client.
type Service struct {
	client *minio.Client
	bucket string
}

// New connects to the object store and ensures the bucket exists.
func New(ctx context.Context, cfg Config) (*Service, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = defaultBucket
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("minio client: %w", err)
	}

	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	exists, err := client.BucketExists(checkCtx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("check bucket: %w", err)
	}
	if !exists {
		if err := client.MakeBucket(checkCtx, cfg.Bucket, minio.MakeBucketOptions{}); err != nil {
			return nil, fmt.Errorf("make bucket: %w", err)
		}
	}

	return &Service{client: client, bucket: cfg.Bucket}, nil
}

// Put stages an attachment for a draft and returns its descriptor.
func (s *Service) Put(ctx context.Context, draftID, filename, contentType string, r io.Reader, size int64) (store.Attachment, error) {
	att := store.Attachment{
		ID:          util.NewID("att"),
		Filename:    filename,
		ContentType: contentType,
		Size:        size,
	}

	_, err := s.client.PutObject(ctx, s.bucket, objectKey(draftID, att.ID), r, size, minio.PutObjectOptions{
		ContentType: contentType,
	})
	if err != nil {
		return store.Attachment{}, fmt.Errorf("put attachment: %w", err)
	}
	return att, nil
}

// Fetch loads a staged attachment's bytes for the send pipeline.
func (s *Service) Fetch(ctx context.Context, draftID string, att store.Attachment) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, objectKey(draftID, att.ID), minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("get attachment: %w", err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("read attachment: %w", err)
	}
	return data, nil
}

// Remove deletes a single staged attachment.
func (s *Service) Remove(ctx context.Context, draftID, attachmentID string) error {
	err := s.client.RemoveObject(ctx, s.bucket, objectKey(draftID, attachmentID), minio.RemoveObjectOptions{})
	if err != nil {
		return fmt.Errorf("remove attachment: %w", err)
	}
	return nil
}

func objectKey(draftID, attachmentID string) string {
	return fmt.Sprintf("drafts/%s/%s", draftID, attachmentID)
}
