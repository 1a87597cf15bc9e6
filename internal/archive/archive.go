// Package archive copies diagnosed leaf images and their results to an
// S3-compatible bucket.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/zombor/leafscan/internal/scanning"
	"github.com/zombor/leafscan/internal/workflow"
)

// Config holds the bucket connection settings
type Config struct {
	Endpoint  string
	Region    string
	Bucket    string
	AccessKey string
	SecretKey string
	UseSSL    bool
}

// ObjectStore is the subset of *minio.Client the archiver needs
type ObjectStore interface {
	FPutObject(ctx context.Context, bucketName, objectName, filePath string, opts minio.PutObjectOptions) (minio.UploadInfo, error)
	PutObject(ctx context.Context, bucketName, objectName string, reader io.Reader, objectSize int64, opts minio.PutObjectOptions) (minio.UploadInfo, error)
}

// Archiver uploads successful outcomes
type Archiver struct {
	store  ObjectStore
	bucket string
}

// Connect opens a MinIO client and makes sure the bucket exists
func Connect(ctx context.Context, cfg Config) (*Archiver, error) {
	cli, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
		Region: cfg.Region,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}

	exists, err := cli.BucketExists(ctx, cfg.Bucket)
	if err != nil {
		return nil, fmt.Errorf("checking bucket %s: %w", cfg.Bucket, err)
	}
	if !exists {
		if err := cli.MakeBucket(ctx, cfg.Bucket, minio.MakeBucketOptions{Region: cfg.Region}); err != nil {
			return nil, fmt.Errorf("creating bucket %s: %w", cfg.Bucket, err)
		}
		slog.Info("Created archive bucket", "bucket", cfg.Bucket)
	}

	return New(cli, cfg.Bucket), nil
}

// New creates an Archiver on top of an existing object store
func New(store ObjectStore, bucket string) *Archiver {
	return &Archiver{store: store, bucket: bucket}
}

// archivedResult is the JSON document stored next to the image
type archivedResult struct {
	UserID     string            `json:"user_id"`
	Attempt    uint64            `json:"attempt"`
	Source     string            `json:"source"`
	Image      string            `json:"image"`
	Disease    string            `json:"disease"`
	Confidence float64           `json:"confidence"`
	Prevention string            `json:"prevention"`
	Metrics    *scanning.Metrics `json:"metrics,omitempty"`
	ScannedAt  time.Time         `json:"scanned_at"`
}

// Present implements workflow.Presenter. Only successful outcomes with a
// staged image are archived.
func (a *Archiver) Present(ctx context.Context, outcome workflow.Outcome) {
	if !outcome.Succeeded() || outcome.Asset == nil {
		return
	}
	if err := a.archive(ctx, outcome); err != nil {
		slog.Error("Failed to archive scan", "attempt", outcome.Attempt, "file", outcome.Asset.FileName, "error", err)
	}
}

func (a *Archiver) archive(ctx context.Context, outcome workflow.Outcome) error {
	imageKey := ImageKey(outcome.UserID, outcome.Asset.FileName)
	_, err := a.store.FPutObject(ctx, a.bucket, imageKey, outcome.Asset.Path, minio.PutObjectOptions{
		ContentType: "image/jpeg",
	})
	if err != nil {
		return fmt.Errorf("uploading image: %w", err)
	}

	doc, err := json.Marshal(archivedResult{
		UserID:     outcome.UserID,
		Attempt:    outcome.Attempt,
		Source:     outcome.Source.String(),
		Image:      imageKey,
		Disease:    outcome.Result.Disease,
		Confidence: outcome.Result.Confidence,
		Prevention: outcome.Result.Prevention,
		Metrics:    outcome.Result.Metrics,
		ScannedAt:  outcome.FinishedAt,
	})
	if err != nil {
		return fmt.Errorf("marshaling result: %w", err)
	}

	resultKey := ResultKey(outcome.UserID, outcome.Asset.FileName)
	_, err = a.store.PutObject(ctx, a.bucket, resultKey, bytes.NewReader(doc), int64(len(doc)), minio.PutObjectOptions{
		ContentType: "application/json",
	})
	if err != nil {
		return fmt.Errorf("uploading result: %w", err)
	}

	slog.Info("Archived scan", "bucket", a.bucket, "image", imageKey, "result", resultKey)
	return nil
}

// ImageKey is the object name of an archived image
func ImageKey(userID, fileName string) string {
	return path.Join(sanitize(userID), path.Base(fileName))
}

// ResultKey is the object name of the result stored beside an image
func ResultKey(userID, fileName string) string {
	base := path.Base(fileName)
	return path.Join(sanitize(userID), strings.TrimSuffix(base, path.Ext(base))+".json")
}

// sanitize keeps a user id from escaping its prefix
func sanitize(userID string) string {
	s := strings.NewReplacer("/", "_", "\\", "_").Replace(strings.TrimSpace(userID))
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}
