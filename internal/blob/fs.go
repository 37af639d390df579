package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/doclift/doclift/internal/common"
)

// Store is a blob namespace keyed by job id. Put never overwrites: writing
// a key that already exists is reported as skipped, which is what makes the
// engine's output materialization safe to replay after a crash.
type Store interface {
	// Put writes data under key; the bool reports whether a write happened
	// (false when the key already existed).
	Put(ctx context.Context, key string, data []byte) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Open(ctx context.Context, key string) (io.ReadCloser, error)
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	// Path resolves the key to its location on disk; the extraction worker
	// reads inputs through the shared filesystem.
	Path(key string) string
}

// FSStore stores blobs as files under a root directory, one extension per
// namespace (inputs keep ".pdf", outputs keep ".txt").
type FSStore struct {
	root   string
	ext    string
	logger *slog.Logger
}

func NewFSStore(root, ext string, logger *slog.Logger) (*FSStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, common.WrapError(err, "create blob root")
	}
	return &FSStore{root: root, ext: ext, logger: logger}, nil
}

func (s *FSStore) Path(key string) string {
	// Keys are engine-generated UUIDs; Base guards against anything else.
	return filepath.Join(s.root, filepath.Base(key)+s.ext)
}

func (s *FSStore) Put(_ context.Context, key string, data []byte) (bool, error) {
	if key == "" || strings.ContainsRune(key, os.PathSeparator) {
		return false, fmt.Errorf("invalid blob key %q", key)
	}
	dst := s.Path(key)
	if _, err := os.Stat(dst); err == nil {
		s.logger.Debug("blob already present, write skipped", "key", key)
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, common.WrapError(err, "stat blob")
	}

	// Stage through a temp file so a crash mid-write never leaves a partial
	// blob under the final key.
	tmp, err := os.CreateTemp(s.root, ".tmp-*")
	if err != nil {
		return false, common.WrapError(err, "create temp blob")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return false, common.WrapError(err, "write blob")
	}
	if err := tmp.Close(); err != nil {
		return false, common.WrapError(err, "close blob")
	}
	// Link, not rename: rename replaces an existing file, so two concurrent
	// writers of the same key could both publish. Link fails with EEXIST for
	// the loser, which keeps an already-published blob intact.
	if err := os.Link(tmpName, dst); err != nil {
		if errors.Is(err, fs.ErrExist) {
			s.logger.Debug("blob already present, write skipped", "key", key)
			return false, nil
		}
		return false, common.WrapError(err, "publish blob")
	}
	s.logger.Debug("blob written", "key", key, "bytes", len(data))
	return true, nil
}

func (s *FSStore) Get(_ context.Context, key string) ([]byte, error) {
	data, err := os.ReadFile(s.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, common.ErrNotFound
		}
		return nil, common.WrapError(err, "read blob")
	}
	return data, nil
}

func (s *FSStore) Open(_ context.Context, key string) (io.ReadCloser, error) {
	f, err := os.Open(s.Path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, common.ErrNotFound
		}
		return nil, common.WrapError(err, "open blob")
	}
	return f, nil
}

func (s *FSStore) Delete(_ context.Context, key string) error {
	if err := os.Remove(s.Path(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return common.WrapError(err, "delete blob")
	}
	return nil
}

func (s *FSStore) Exists(_ context.Context, key string) (bool, error) {
	if _, err := os.Stat(s.Path(key)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, common.WrapError(err, "stat blob")
	}
	return true, nil
}
