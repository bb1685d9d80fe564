// internal/services/settings_service.go
package services

import (
	"context"
	"strings"
	"sync"

	apperrors "github.com/Corphon/huaxu/internal/errors"
	"github.com/Corphon/huaxu/internal/models"
	"github.com/Corphon/huaxu/internal/storage"
	"github.com/Corphon/huaxu/internal/utils"
)

// SettingsChangeSubscriber 高级设置变更通知
type SettingsChangeSubscriber func(old, updated models.AdvancedSettings)

// SettingsService 高级设置与通知设置，均为单例记录
type SettingsService struct {
	kv        storage.KV
	secretKey string
	logger    *utils.Logger

	mu          sync.Mutex
	subscribers []SettingsChangeSubscriber
}

// NewSettingsService secretKey 为空时密钥明文保存
func NewSettingsService(kv storage.KV, secretKey string, logger *utils.Logger) *SettingsService {
	return &SettingsService{kv: kv, secretKey: secretKey, logger: logger}
}

// Subscribe 订阅高级设置变更
func (s *SettingsService) Subscribe(fn SettingsChangeSubscriber) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

// Advanced 读取高级设置，未保存过时返回默认值
func (s *SettingsService) Advanced(ctx context.Context) (models.AdvancedSettings, error) {
	settings := models.DefaultAdvancedSettings()
	if _, err := storage.LoadJSONInto(ctx, s.kv, storage.AdvancedSettingsKey, &settings); err != nil {
		return models.DefaultAdvancedSettings(), err
	}

	var err error
	if settings.APIKey, err = utils.OpenSecret(settings.APIKey, s.secretKey); err != nil {
		return models.DefaultAdvancedSettings(), apperrors.NewStorageError("解密 API 密钥失败", err)
	}
	if settings.ImageAPIKey, err = utils.OpenSecret(settings.ImageAPIKey, s.secretKey); err != nil {
		return models.DefaultAdvancedSettings(), apperrors.NewStorageError("解密图像 API 密钥失败", err)
	}
	return settings.WithDefaults(), nil
}

// isMasked 接口返回的是掩码后的密钥，回写时保留原值
func isMasked(v string) bool {
	return strings.HasPrefix(v, "****")
}

// SaveAdvanced 保存高级设置
func (s *SettingsService) SaveAdvanced(ctx context.Context, updated models.AdvancedSettings) (models.AdvancedSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// 旧记录无法解密或解析时按默认值覆盖，否则换了密钥后设置再也保存不了
	old, err := s.Advanced(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return old, apperrors.NewTimeoutError("保存高级设置已取消", ctxErr)
		}
		s.logger.Warn("无法读取已保存的高级设置，将以新设置覆盖", map[string]interface{}{"error": err})
		old = models.DefaultAdvancedSettings()
	}
	if isMasked(updated.APIKey) {
		updated.APIKey = old.APIKey
	}
	if isMasked(updated.ImageAPIKey) {
		updated.ImageAPIKey = old.ImageAPIKey
	}
	updated.APIURL = strings.TrimSpace(updated.APIURL)
	updated.ImageAPIURL = strings.TrimSpace(updated.ImageAPIURL)
	updated = updated.WithDefaults()

	stored := updated
	if stored.APIKey, err = utils.SealSecret(updated.APIKey, s.secretKey); err != nil {
		return old, apperrors.NewProcessingError("加密 API 密钥失败", err)
	}
	if stored.ImageAPIKey, err = utils.SealSecret(updated.ImageAPIKey, s.secretKey); err != nil {
		return old, apperrors.NewProcessingError("加密图像 API 密钥失败", err)
	}
	if err := storage.SetJSON(ctx, s.kv, storage.AdvancedSettingsKey, stored); err != nil {
		return old, err
	}

	s.logger.Info("高级设置已保存", map[string]interface{}{
		"use_ai_api":  updated.UseAIAPI,
		"model":       updated.Model,
		"image_model": updated.ImageModel,
		"provider":    updated.Provider,
	})
	for _, fn := range s.subscribers {
		fn(old, updated)
	}
	return updated, nil
}

// Notifications 读取通知设置，缺失字段取默认值
func (s *SettingsService) Notifications(ctx context.Context) (models.NotificationSettings, error) {
	settings := models.DefaultNotificationSettings()
	if _, err := storage.LoadJSONInto(ctx, s.kv, storage.NotificationSettingsKey, &settings); err != nil {
		return models.DefaultNotificationSettings(), err
	}
	return settings, nil
}

// SaveNotifications 整体保存通知设置
func (s *SettingsService) SaveNotifications(ctx context.Context, settings models.NotificationSettings) error {
	return storage.SetJSON(ctx, s.kv, storage.NotificationSettingsKey, settings)
}

// SetNotification 切换单个开关并立即保存，name 为 JSON 字段名
func (s *SettingsService) SetNotification(ctx context.Context, name string, enabled bool) (models.NotificationSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	settings, err := s.Notifications(ctx)
	if err != nil {
		return settings, err
	}
	switch name {
	case "newMessage":
		settings.NewMessage = enabled
	case "workUpdate":
		settings.WorkUpdate = enabled
	case "activity":
		settings.Activity = enabled
	case "readingReminder":
		settings.ReadingReminder = enabled
	case "creativeInspiration":
		settings.CreativeInspiration = enabled
	case "maintenance":
		settings.Maintenance = enabled
	default:
		return settings, apperrors.NewValidationError("未知的通知类型: "+name, nil)
	}
	if err := s.SaveNotifications(ctx, settings); err != nil {
		return settings, err
	}
	return settings, nil
}
