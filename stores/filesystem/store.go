package filesystem

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"fleetingfiles/core"
	"fleetingfiles/presign"

	"github.com/sirupsen/logrus"
)

// fsStore keeps blobs as plain files below basePath. Like the memory store,
// its links are signed by the process and served by the blobs handler.
type fsStore struct {
	basePath string
	signer   *presign.Signer
}

// NewStore creates a new filesystem-based object store.
func NewStore(basePath string, signer *presign.Signer) (*fsStore, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	abs, err := filepath.Abs(basePath)
	if err != nil {
		return nil, err
	}
	return &fsStore{basePath: abs, signer: signer}, nil
}

// objectPath maps a storage key onto a path that stays inside basePath.
func (s *fsStore) objectPath(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("%w: empty storage key", core.ErrInvalidInput)
	}
	p := filepath.Join(s.basePath, filepath.FromSlash(key))
	if !strings.HasPrefix(p, s.basePath+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: storage key escapes base path", core.ErrInvalidInput)
	}
	return p, nil
}

func (s *fsStore) Put(ctx context.Context, key string, data []byte, contentType string) error {
	filePath, err := s.objectPath(key)
	if err != nil {
		return err
	}
	log := logrus.WithFields(logrus.Fields{"storage_key": key, "file_path": filePath})

	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		log.WithError(err).Error("Failed to create object directory")
		return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	if err := os.WriteFile(filePath, data, 0o644); err != nil {
		log.WithError(err).Error("Failed to write object")
		return fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}

	log.WithField("data_length", len(data)).Debug("Object stored")
	return nil
}

func (s *fsStore) DeleteMany(ctx context.Context, keys []string) error {
	var (
		failed []string
		cause  error
	)
	for _, key := range keys {
		filePath, err := s.objectPath(key)
		if err == nil {
			err = os.Remove(filePath)
		}
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			logrus.WithError(err).WithField("storage_key", key).Warn("Failed to delete object")
			failed = append(failed, key)
			cause = err
			continue
		}
		// Drop the now possibly empty room directory; a non-empty one stays.
		if err == nil {
			_ = os.Remove(filepath.Dir(filePath))
		}
	}

	if len(failed) > 0 {
		return &core.PartialFailureError{FailedKeys: failed, Cause: cause}
	}
	return nil
}

func (s *fsStore) Presign(ctx context.Context, key, downloadName string, ttl time.Duration) (string, error) {
	return s.signer.URL(key, downloadName, ttl)
}

func (s *fsStore) Get(ctx context.Context, key string) ([]byte, error) {
	filePath, err := s.objectPath(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, core.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	return data, nil
}
