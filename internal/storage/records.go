// internal/storage/records.go
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/Corphon/huaxu/internal/config"
	apperrors "github.com/Corphon/huaxu/internal/errors"
)

// 持久化键
const (
	DraftKey                = "@new_work_draft"
	AdvancedSettingsKey     = "@advanced_settings"
	NotificationSettingsKey = "@notification_settings"
	WorksKey                = "@user_works"

	analysisPrefix  = "@analysis_"
	imagesPrefix    = "@generated_images_"
	tempWorkPrefix  = "@temp_work_"
	selectionPrefix = "@illustration_selection_"
	tempImagePrefix = "@temp_img_"
)

// AnalysisKey 分析结果键
func AnalysisKey(workID string) string { return analysisPrefix + workID }

// ImagesKey 生成图片映射键
func ImagesKey(workID string) string { return imagesPrefix + workID }

// TempWorkKey 临时作品快照键
func TempWorkKey(workID string) string { return tempWorkPrefix + workID }

// SelectionKey 插图选择键
func SelectionKey(workID string) string { return selectionPrefix + workID }

// TempImageKey 自由生成图片的临时记录键，id 形如 temp_img_<uuid>
func TempImageKey(id string) string { return "@" + id }

// TempImagePrefix 列出全部临时图片
func TempImagePrefix() string { return tempImagePrefix }

// GetJSON 读取并解析。键不存在时 found 为 false 且不返回错误
func GetJSON[T any](ctx context.Context, kv KV, key string) (value T, found bool, err error) {
	data, err := kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return value, false, nil
	}
	if err != nil {
		return value, false, apperrors.NewStorageError(fmt.Sprintf("读取 %s 失败", key), err)
	}
	if err := json.Unmarshal(data, &value); err != nil {
		return value, false, apperrors.NewStorageError(fmt.Sprintf("解析 %s 失败", key), err)
	}
	return value, true, nil
}

// LoadJSONInto 解析到已有值上，存储中缺失的字段保留原值（用于叠加默认值）
func LoadJSONInto(ctx context.Context, kv KV, key string, dst any) (found bool, err error) {
	data, err := kv.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, apperrors.NewStorageError(fmt.Sprintf("读取 %s 失败", key), err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return false, apperrors.NewStorageError(fmt.Sprintf("解析 %s 失败", key), err)
	}
	return true, nil
}

// SetJSON 序列化后写入
func SetJSON(ctx context.Context, kv KV, key string, value any) error {
	data, err := json.Marshal(value)
	if err != nil {
		return apperrors.NewStorageError(fmt.Sprintf("序列化 %s 失败", key), err)
	}
	if err := kv.Set(ctx, key, data); err != nil {
		return apperrors.NewStorageError(fmt.Sprintf("写入 %s 失败", key), err)
	}
	return nil
}

// DeleteKey 删除键，统一包装为存储错误
func DeleteKey(ctx context.Context, kv KV, key string) error {
	if err := kv.Delete(ctx, key); err != nil {
		return apperrors.NewStorageError(fmt.Sprintf("删除 %s 失败", key), err)
	}
	return nil
}

// Open 按配置打开存储后端，并在前面加 LRU 缓存
func Open(cfg *config.Config) (KV, error) {
	var (
		inner KV
		err   error
	)
	switch cfg.StoreBackend {
	case config.BackendSQLite:
		inner, err = NewSQLiteStore(filepath.Join(cfg.DataDir, "huaxu.db"))
	default:
		inner, err = NewFileStore(filepath.Join(cfg.DataDir, "kv"))
	}
	if err != nil {
		return nil, err
	}
	return NewCachedStore(inner, cfg.CacheSize, cfg.CacheTTL), nil
}
