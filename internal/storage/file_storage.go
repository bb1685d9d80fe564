// internal/storage/file_storage.go
package storage

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

const fileExt = ".json"

// FileStore 每个键一个文件的存储
type FileStore struct {
	BaseDir string

	// 并发控制
	fileLocks sync.Map // 文件级别锁 path -> *sync.RWMutex
}

// NewFileStore 创建文件存储
func NewFileStore(baseDir string) (*FileStore, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("创建存储目录失败: %w", err)
	}
	return &FileStore{BaseDir: baseDir}, nil
}

// 获取文件锁
func (fs *FileStore) getFileLock(fullPath string) *sync.RWMutex {
	value, _ := fs.fileLocks.LoadOrStore(fullPath, &sync.RWMutex{})
	return value.(*sync.RWMutex)
}

// pathFor 键经过转义后作为文件名，避免 / 等字符穿越目录
func (fs *FileStore) pathFor(key string) (string, error) {
	if key == "" {
		return "", fmt.Errorf("键不能为空")
	}
	return filepath.Join(fs.BaseDir, url.PathEscape(key)+fileExt), nil
}

// Get 读取键值
func (fs *FileStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	fullPath, err := fs.pathFor(key)
	if err != nil {
		return nil, err
	}

	lock := fs.getFileLock(fullPath)
	lock.RLock()
	defer lock.RUnlock()

	content, err := os.ReadFile(fullPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("读取文件失败: %w", err)
	}
	return content, nil
}

// Set 原子性写入：先写临时文件再重命名
func (fs *FileStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := fs.pathFor(key)
	if err != nil {
		return err
	}

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	tempPath := fullPath + ".tmp"
	if err := os.WriteFile(tempPath, value, 0644); err != nil {
		return fmt.Errorf("保存临时文件失败: %w", err)
	}
	if err := os.Rename(tempPath, fullPath); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("保存文件失败: %w", err)
	}
	return nil
}

// Delete 删除键，不存在时不报错
func (fs *FileStore) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	fullPath, err := fs.pathFor(key)
	if err != nil {
		return err
	}

	lock := fs.getFileLock(fullPath)
	lock.Lock()
	defer lock.Unlock()

	if err := os.Remove(fullPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("删除文件失败: %w", err)
	}
	return nil
}

// Keys 列出带指定前缀的键
func (fs *FileStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(fs.BaseDir)
	if err != nil {
		return nil, fmt.Errorf("读取目录失败: %w", err)
	}

	var keys []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, fileExt) {
			continue
		}
		key, err := url.PathUnescape(strings.TrimSuffix(name, fileExt))
		if err != nil {
			continue
		}
		if strings.HasPrefix(key, prefix) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Close 文件存储无需释放资源
func (fs *FileStore) Close() error { return nil }
