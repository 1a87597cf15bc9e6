package staging

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zombor/leafscan/internal/acquire"
	"github.com/zombor/leafscan/internal/imaging"
)

// StagedAsset is a copy of an acquired image at a stable path
type StagedAsset struct {
	Path     string `json:"path"`
	FileName string `json:"file_name"`
}

// Store defines the interface for staging acquired images before upload
type Store interface {
	// Stage copies the image behind handle into the store
	Stage(ctx context.Context, handle *acquire.ImageHandle) (*StagedAsset, error)

	// Remove deletes a staged asset. Staged files are never removed implicitly.
	Remove(asset *StagedAsset) error
}

// TimeSource provides the current time
type TimeSource interface {
	Now() time.Time
}

type defaultTimeSource struct{}

func (t *defaultTimeSource) Now() time.Time {
	return time.Now()
}

// LocalStore implements the Store interface using local filesystem
type LocalStore struct {
	basePath   string
	quality    int
	timeSource TimeSource

	mu         sync.Mutex
	lastMillis int64
}

// NewLocalStore creates a new LocalStore instance
func NewLocalStore(basePath string, quality int) (*LocalStore, error) {
	return NewLocalStoreWithClock(basePath, quality, &defaultTimeSource{})
}

// NewLocalStoreWithClock creates a new LocalStore with a custom time source for testing
func NewLocalStoreWithClock(basePath string, quality int, timeSrc TimeSource) (*LocalStore, error) {
	if err := os.MkdirAll(basePath, 0700); err != nil {
		return nil, fmt.Errorf("creating staging directory: %w", err)
	}

	return &LocalStore{
		basePath:   basePath,
		quality:    quality,
		timeSource: timeSrc,
	}, nil
}

// Stage copies the image into the staging directory as image_<unixMillis>.jpg.
// JPEG sources are copied byte-for-byte; anything else is re-encoded as JPEG.
func (l *LocalStore) Stage(ctx context.Context, handle *acquire.ImageHandle) (*StagedAsset, error) {
	if handle == nil {
		return nil, fmt.Errorf("no image to stage")
	}

	data, err := os.ReadFile(handle.Path())
	if err != nil {
		return nil, fmt.Errorf("reading source image: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	jpegData, _, err := imaging.ToJPEG(data, handle.MIMEType, l.quality)
	if err != nil {
		return nil, err
	}

	fileName := l.nextFileName()
	path := filepath.Join(l.basePath, fileName)

	// Write to a temp file first so a partial copy never sits at the final name
	tmp, err := os.CreateTemp(l.basePath, ".staging-*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(jpegData); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return nil, fmt.Errorf("writing file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("writing file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return nil, fmt.Errorf("moving staged file: %w", err)
	}

	return &StagedAsset{
		Path:     path,
		FileName: fileName,
	}, nil
}

// Remove deletes a staged asset from local storage
func (l *LocalStore) Remove(asset *StagedAsset) error {
	if asset == nil {
		return nil
	}
	if err := os.Remove(asset.Path); err != nil {
		return fmt.Errorf("deleting file: %w", err)
	}
	return nil
}

// nextFileName returns image_<unixMillis>.jpg, bumping the timestamp when
// two calls land in the same millisecond so names strictly increase.
func (l *LocalStore) nextFileName() string {
	l.mu.Lock()
	defer l.mu.Unlock()

	millis := l.timeSource.Now().UnixMilli()
	if millis <= l.lastMillis {
		millis = l.lastMillis + 1
	}
	l.lastMillis = millis
	return fmt.Sprintf("image_%d.jpg", millis)
}
