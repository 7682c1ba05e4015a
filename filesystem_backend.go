package dicomindex

import (
	"context"
	"os"
	"path/filepath"
	"strings"
)

// FilesystemBackend implements Backend using the local filesystem. Intended
// for development and tests.
type FilesystemBackend struct {
	basePath string
	locks    *StripedLocks
}

// NewFilesystemBackend creates a filesystem backend rooted at basePath
func NewFilesystemBackend(basePath string) *FilesystemBackend {
	return &FilesystemBackend{
		basePath: basePath,
		locks:    NewStripedLocks(32),
	}
}

func (b *FilesystemBackend) path(key string) string {
	return filepath.Join(b.basePath, key)
}

func (b *FilesystemBackend) Get(ctx context.Context, key string) ([]byte, error) {
	unlock := b.locks.RLock(key)
	defer unlock()

	data, err := os.ReadFile(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, WithContext(ErrInstanceNotFound, map[string]interface{}{"key": key})
		}
		return nil, storeFailure("backend get", err)
	}
	return data, nil
}

func (b *FilesystemBackend) Put(ctx context.Context, key string, data []byte) error {
	unlock := b.locks.Lock(key)
	defer unlock()

	path := b.path(key)
	if err := os.MkdirAll(filepath.Dir(path), DefaultDirPermissions); err != nil {
		return storeFailure("backend put", err)
	}
	if err := os.WriteFile(path, data, DefaultFilePermissions); err != nil {
		return storeFailure("backend put", err)
	}
	return nil
}

func (b *FilesystemBackend) Delete(ctx context.Context, key string) error {
	unlock := b.locks.Lock(key)
	defer unlock()

	if err := os.Remove(b.path(key)); err != nil {
		if os.IsNotExist(err) {
			return WithContext(ErrInstanceNotFound, map[string]interface{}{"key": key})
		}
		return storeFailure("backend delete", err)
	}
	return nil
}

func (b *FilesystemBackend) Exists(ctx context.Context, key string) (bool, error) {
	unlock := b.locks.RLock(key)
	defer unlock()

	_, err := os.Stat(b.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, storeFailure("backend exists", err)
	}
	return true, nil
}

func (b *FilesystemBackend) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	root := b.basePath
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storeFailure("backend list", err)
	}
	return keys, nil
}

func (b *FilesystemBackend) Ping(ctx context.Context) error {
	if err := os.MkdirAll(b.basePath, DefaultDirPermissions); err != nil {
		return WithContext(ErrStoreUnavailable, map[string]interface{}{"path": b.basePath})
	}
	return nil
}

func (b *FilesystemBackend) Close() error {
	return nil
}
