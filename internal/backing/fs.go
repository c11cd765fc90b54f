package backing

import (
	"context"
	"encoding/hex"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/go-git/go-billy/v5"
	platformerrors "github.com/jmgilman/go/errors"
	"gopkg.in/yaml.v3"
)

// FS is a durable BackingStore keeping one YAML document per key in a
// directory of a billy filesystem.
//
// File names are the hex encoding of the key, so any string is a valid key.
// Writes go to a temp file that is renamed over the target, so a reader
// never sees a half-written value.
type FS[V any] struct {
	fs   billy.Filesystem
	root string

	// billy's in-memory filesystem is not safe for concurrent mutation.
	mu sync.RWMutex
}

// NewFS returns a store rooted at root on fs, creating the directory.
func NewFS[V any](fs billy.Filesystem, root string) (*FS[V], error) {
	if err := fs.MkdirAll(root, 0o755); err != nil {
		return nil, platformerrors.WrapWithContext(err, platformerrors.CodeDatabase, "failed to create store directory", map[string]interface{}{
			"root": root,
		})
	}
	return &FS[V]{fs: fs, root: root}, nil
}

func (s *FS[V]) Read(ctx context.Context, key string) (V, bool, error) {
	var value V
	if err := ctx.Err(); err != nil {
		return value, false, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := s.fs.Open(s.path(key))
	if errors.Is(err, os.ErrNotExist) {
		return value, false, nil
	}
	if err != nil {
		return value, false, wrapIO(err, "open", key)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return value, false, wrapIO(err, "read", key)
	}
	if err := yaml.Unmarshal(data, &value); err != nil {
		return value, false, platformerrors.WrapWithContext(err, platformerrors.CodeInternal, "corrupt value", map[string]interface{}{
			"key": key,
		})
	}
	return value, true, nil
}

func (s *FS[V]) Write(ctx context.Context, key string, value V) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	data, err := yaml.Marshal(value)
	if err != nil {
		return platformerrors.WrapWithContext(err, platformerrors.CodeInvalidInput, "value cannot be encoded", map[string]interface{}{
			"key": key,
		})
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := s.fs.TempFile(s.root, ".tmp-")
	if err != nil {
		return wrapIO(err, "create temp", key)
	}
	// memfs reports only the base name; osfs the full path.
	tmpPath := s.fs.Join(s.root, filepath.Base(tmp.Name()))

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = s.fs.Remove(tmpPath)
		return wrapIO(err, "write", key)
	}
	if err := tmp.Close(); err != nil {
		_ = s.fs.Remove(tmpPath)
		return wrapIO(err, "close", key)
	}
	if err := s.fs.Rename(tmpPath, s.path(key)); err != nil {
		_ = s.fs.Remove(tmpPath)
		return wrapIO(err, "rename", key)
	}
	return nil
}

func (s *FS[V]) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	err := s.fs.Remove(s.path(key))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return wrapIO(err, "remove", key)
	}
	return nil
}

func (s *FS[V]) path(key string) string {
	return s.fs.Join(s.root, hex.EncodeToString([]byte(key))+".yaml")
}

func wrapIO(err error, op, key string) error {
	return platformerrors.WrapWithContext(err, platformerrors.CodeDatabase, op+" failed", map[string]interface{}{
		"key": key,
		"op":  op,
	})
}
