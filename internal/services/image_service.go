// internal/services/image_service.go
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/Corphon/huaxu/internal/bridge"
	apperrors "github.com/Corphon/huaxu/internal/errors"
	"github.com/Corphon/huaxu/internal/llm"
	"github.com/Corphon/huaxu/internal/models"
	"github.com/Corphon/huaxu/internal/storage"
	"github.com/Corphon/huaxu/internal/utils"
)

const (
	imagePromptPreview = 200
	freePromptRunes    = 800
	defaultFreePrompt  = "请为以下故事生成一张插图"
	tempImageIDPrefix  = "temp_img_"
)

// 图像回退层级
const (
	ImageSourceBridge   = "bridge"
	ImageSourceExternal = "external"
	ImageSourceFallback = "fallback"
)

// ImageOptions 图像服务超时
type ImageOptions struct {
	Timeout     time.Duration
	SlotTimeout time.Duration
}

// ImageService 图像生成：本地桥接 -> 外部图像 API -> 提示信息
type ImageService struct {
	client   *bridge.Client
	settings *SettingsService
	kv       storage.KV
	metrics  *utils.StudioMetrics
	logger   *utils.Logger
	opts     ImageOptions
}

// NewImageService 创建图像服务
func NewImageService(client *bridge.Client, settings *SettingsService, kv storage.KV, metrics *utils.StudioMetrics, logger *utils.Logger, opts ImageOptions) *ImageService {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	if opts.SlotTimeout <= 0 {
		opts.SlotTimeout = 20 * time.Second
	}
	return &ImageService{
		client:   client,
		settings: settings,
		kv:       kv,
		metrics:  metrics,
		logger:   logger,
		opts:     opts,
	}
}

// GenerateImage 生成一张图片。slot 不为空时按插图位生成，使用更长的超时并携带该位的描述。
// 服务失败不返回错误，只有调用方取消时返回超时错误
func (s *ImageService) GenerateImage(ctx context.Context, prompt string, slot *models.Suggestion) (models.ImageResult, error) {
	start := time.Now()

	var advisories []models.Advisory
	settings, err := s.settings.Advanced(ctx)
	if err != nil {
		s.logger.Warn("读取高级设置失败，按默认设置生成图像", map[string]interface{}{"error": err})
		advisories = append(advisories, models.Advisory{
			Kind:    models.AdvisoryStorage,
			Title:   "读取设置失败",
			Message: "无法读取高级设置，已按默认设置生成图像。",
		})
	}

	result, ok := s.fromBridge(ctx, prompt, slot, settings)
	if !ok {
		if err := ctx.Err(); err != nil {
			return models.ImageResult{}, apperrors.NewTimeoutError("图像生成已取消", err)
		}
		result = s.fromExternal(ctx, prompt, settings)
	}
	result.Advisories = append(advisories, result.Advisories...)

	s.metrics.RecordImageTier(result.Source, time.Since(start))
	s.logger.Info("图像生成完成", map[string]interface{}{
		"tier":        result.Source,
		"images":      len(result.URLs),
		"slot":        slot != nil,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return result, nil
}

func (s *ImageService) fromBridge(ctx context.Context, prompt string, slot *models.Suggestion, settings models.AdvancedSettings) (models.ImageResult, bool) {
	if s.client == nil {
		return models.ImageResult{}, false
	}

	req := bridge.ImageRequest{Prompt: prompt}
	timeout := s.opts.Timeout
	if slot != nil {
		timeout = s.opts.SlotTimeout
		if segments, err := json.Marshal([]models.Suggestion{*slot}); err == nil {
			req.Segments = segments
		}
	}
	if settings.UseAIAPI {
		req.ImageAPIKey = settings.ImageAPIKey
		req.ImageAPIURL = settings.ImageAPIURL
		req.ImageModel = settings.ImageModel
		req.ImageSize = settings.ImageSize
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := s.client.GenerateImage(callCtx, req)
	if err != nil {
		s.logger.Warn("本地图像生成后端不可用或超时，回退到外部 API", map[string]interface{}{"error": err})
		return models.ImageResult{}, false
	}

	result := models.ImageResult{
		URLs:      s.client.MediaURLs(resp),
		Simulated: resp.Simulated,
		Source:    ImageSourceBridge,
	}
	if len(resp.Files) > 0 {
		result.Kind = models.ImageFiles
	} else {
		result.Kind = models.ImageURL
	}
	return result, true
}

func (s *ImageService) fromExternal(ctx context.Context, prompt string, settings models.AdvancedSettings) models.ImageResult {
	if !settings.ExternalImageEnabled() {
		return messageResult(fmt.Sprintf("（未配置图像 API）模拟图像基于文本：%s...", models.TruncateRunes(prompt, imagePromptPreview)))
	}
	if strings.TrimSpace(settings.ImageAPIURL) == "" {
		result := messageResult(fmt.Sprintf("（未配置图像 API）模拟图像基于文本：%s...", models.TruncateRunes(prompt, imagePromptPreview)))
		result.Advisories = []models.Advisory{{
			Kind:    models.AdvisoryNotConfigured,
			Title:   "图像 API 未配置",
			Message: "请在设置 -> 高级选项中配置图像模型的 API 地址与 Key",
		}}
		return result
	}

	fallback := func(err error) models.ImageResult {
		s.logger.Warn("图像生成返回错误，使用模拟图像", map[string]interface{}{"error": err})
		result := messageResult(fmt.Sprintf("（模拟图像）基于提示：%s...", models.TruncateRunes(prompt, imagePromptPreview)))
		result.Simulated = true
		result.Advisories = []models.Advisory{{
			Kind:    models.AdvisoryUnavailable,
			Title:   "图像生成失败",
			Message: "图像服务返回错误；已使用模拟图像作为回退。",
		}}
		return result
	}

	provider, err := llm.GetProvider("openai", map[string]string{
		"api_key": settings.ImageAPIKey,
		"api_url": settings.ImageAPIURL,
	})
	if err != nil {
		return fallback(err)
	}

	callCtx, cancel := context.WithTimeout(ctx, externalTimeout)
	defer cancel()

	resp, err := provider.GenerateImage(callCtx, llm.ImageRequest{
		Prompt: prompt,
		Model:  settings.ImageModel,
		Size:   models.DefaultImageSize,
	})
	if err != nil {
		return fallback(err)
	}
	if resp.URL == "" {
		return models.ImageResult{Kind: models.ImageURL, Source: ImageSourceExternal}
	}
	return models.ImageResult{Kind: models.ImageURL, URLs: []string{resp.URL}, Source: ImageSourceExternal}
}

func messageResult(msg string) models.ImageResult {
	return models.ImageResult{Kind: models.ImageMessage, Message: msg, Source: ImageSourceFallback}
}

// FreePrompt 新建作品页的插图提示：正文前 800 字，其次标题，最后是默认提示
func FreePrompt(title, content string) string {
	if c := strings.TrimSpace(content); c != "" {
		return models.TruncateRunes(c, freePromptRunes)
	}
	if t := strings.TrimSpace(title); t != "" {
		return t
	}
	return defaultFreePrompt
}

// GenerateFreeImage 按草稿生成一张插图，拿到地址时保存为临时图片
func (s *ImageService) GenerateFreeImage(ctx context.Context, title, content string) (models.ImageResult, *models.TempImage, error) {
	prompt := FreePrompt(title, content)
	result, err := s.GenerateImage(ctx, prompt, nil)
	if err != nil {
		return result, nil, err
	}
	if !result.HasImages() {
		return result, nil, nil
	}

	now := time.Now()
	img := &models.TempImage{
		ID:        tempImageIDPrefix + uuid.NewString(),
		URL:       result.URLs[0],
		Prompt:    prompt,
		CreatedAt: now,
	}
	if err := storage.SetJSON(ctx, s.kv, storage.TempImageKey(img.ID), img); err != nil {
		s.logger.Warn("保存临时图片失败", map[string]interface{}{"error": err, "id": img.ID})
		result.Advisories = append(result.Advisories, models.Advisory{
			Kind:    models.AdvisoryStorage,
			Title:   "保存失败",
			Message: "图片已生成，但保存临时记录失败。",
		})
		return result, nil, nil
	}
	return result, img, nil
}

// TempImages 已保存的临时图片，新的在前。单条损坏时跳过
func (s *ImageService) TempImages(ctx context.Context) ([]models.TempImage, error) {
	keys, err := s.kv.Keys(ctx, storage.TempImagePrefix())
	if err != nil {
		return nil, apperrors.NewStorageError("列出临时图片失败", err)
	}
	images := make([]models.TempImage, 0, len(keys))
	for _, key := range keys {
		img, found, err := storage.GetJSON[models.TempImage](ctx, s.kv, key)
		if err != nil {
			s.logger.Warn("跳过无法读取的临时图片", map[string]interface{}{"key": key, "error": err})
			continue
		}
		if !found {
			continue
		}
		img.ID = strings.TrimPrefix(key, "@")
		images = append(images, img)
	}
	sort.SliceStable(images, func(i, j int) bool {
		return images[i].CreatedAt.After(images[j].CreatedAt)
	})
	return images, nil
}

// DeleteTempImage 删除一张临时图片，id 必须是 temp_img_ 开头
func (s *ImageService) DeleteTempImage(ctx context.Context, id string) error {
	if !strings.HasPrefix(id, tempImageIDPrefix) {
		return apperrors.NewValidationError("临时图片 id 无效: "+id, nil)
	}
	key := storage.TempImageKey(id)
	if _, err := s.kv.Get(ctx, key); errors.Is(err, storage.ErrNotFound) {
		return apperrors.NewNotFoundError("临时图片不存在: "+id, nil)
	} else if err != nil {
		return apperrors.NewStorageError("读取临时图片失败", err)
	}
	return storage.DeleteKey(ctx, s.kv, key)
}
