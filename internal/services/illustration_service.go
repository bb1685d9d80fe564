// internal/services/illustration_service.go
package services

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	apperrors "github.com/Corphon/huaxu/internal/errors"
	"github.com/Corphon/huaxu/internal/models"
	"github.com/Corphon/huaxu/internal/storage"
	"github.com/Corphon/huaxu/internal/utils"
)

// DefaultBatchConcurrency 批量生成时同时进行的请求数
const DefaultBatchConcurrency = 2

// SlotKey 插图位标识：优先使用 position，否则由序号和内容指纹组成
func SlotKey(s models.Suggestion, index int) string {
	if p := strings.TrimSpace(string(s.Position)); p != "" {
		return p
	}
	sum := sha1.Sum([]byte(s.Summary + "|" + s.Prompt + "|" + s.Reason))
	return fmt.Sprintf("slot_%d_%s", index, hex.EncodeToString(sum[:])[:8])
}

// SlotPrompt 插图位的生成提示
func SlotPrompt(s models.Suggestion, key string) string {
	for _, v := range []string{s.Prompt, s.Summary, s.Reason} {
		if t := strings.TrimSpace(v); t != "" {
			return t
		}
	}
	return "为故事的 " + key + " 位置生成插图"
}

// SlotOutcome 单个插图位的生成结果
type SlotOutcome struct {
	SlotKey   string             `json:"slotKey"`
	Generated bool               `json:"generated"`
	Result    models.ImageResult `json:"result"`
}

// IllustrationService 插图位生成：同一插图位同时只允许一个请求
type IllustrationService struct {
	images   *ImageService
	kv       storage.KV
	locks    *LockManager
	progress *ProgressService
	metrics  *utils.StudioMetrics
	logger   *utils.Logger

	mu         sync.Mutex
	generating map[string]struct{}
}

// NewIllustrationService 创建插图服务
func NewIllustrationService(images *ImageService, kv storage.KV, locks *LockManager, progress *ProgressService, metrics *utils.StudioMetrics, logger *utils.Logger) *IllustrationService {
	return &IllustrationService{
		images:     images,
		kv:         kv,
		locks:      locks,
		progress:   progress,
		metrics:    metrics,
		logger:     logger,
		generating: make(map[string]struct{}),
	}
}

func generatingKey(workID, slotKey string) string {
	return workID + "\x00" + slotKey
}

// tryMark 检查并设置生成标记，已在生成中返回 false
func (s *IllustrationService) tryMark(workID, slotKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := generatingKey(workID, slotKey)
	if _, busy := s.generating[k]; busy {
		return false
	}
	s.generating[k] = struct{}{}
	s.metrics.TrackGenerating(1)
	return true
}

func (s *IllustrationService) unmark(workID, slotKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.generating, generatingKey(workID, slotKey))
	s.metrics.TrackGenerating(-1)
}

// IsGenerating 插图位是否在生成中
func (s *IllustrationService) IsGenerating(workID, slotKey string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, busy := s.generating[generatingKey(workID, slotKey)]
	return busy
}

// GeneratingSlots 作品中正在生成的插图位，已排序
func (s *IllustrationService) GeneratingSlots(workID string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	prefix := workID + "\x00"
	var keys []string
	for k := range s.generating {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, strings.TrimPrefix(k, prefix))
		}
	}
	sort.Strings(keys)
	return keys
}

// Images 作品已生成的图片映射，没有时返回空映射
func (s *IllustrationService) Images(ctx context.Context, workID string) (models.GeneratedImageMap, error) {
	m, _, err := storage.GetJSON[models.GeneratedImageMap](ctx, s.kv, storage.ImagesKey(workID))
	if err != nil {
		return models.GeneratedImageMap{}, err
	}
	if m == nil {
		m = models.GeneratedImageMap{}
	}
	return m, nil
}

// GenerateSlot 为一个插图位生成图片并覆盖映射中的旧值。该位正在生成时返回冲突错误
func (s *IllustrationService) GenerateSlot(ctx context.Context, workID string, suggestion models.Suggestion, index int) (SlotOutcome, error) {
	key := SlotKey(suggestion, index)
	outcome := SlotOutcome{SlotKey: key}

	if !s.tryMark(workID, key) {
		return outcome, apperrors.NewConflictError("该插图位正在生成中", nil)
	}
	defer s.unmark(workID, key)

	result, err := s.images.GenerateImage(ctx, SlotPrompt(suggestion, key), &suggestion)
	if err != nil {
		s.metrics.RecordSlot(false)
		return outcome, err
	}
	outcome.Result = result

	if !result.HasImages() {
		s.metrics.RecordSlot(false)
		s.logger.Info("插图位未生成图片", map[string]interface{}{
			"work_id": workID,
			"slot":    key,
			"tier":    result.Source,
		})
		return outcome, nil
	}

	err = s.locks.ExecuteWithWorkLock(workID, func() error {
		images, err := s.Images(ctx, workID)
		if err != nil {
			return err
		}
		images[key] = append([]string(nil), result.URLs...)
		return storage.SetJSON(ctx, s.kv, storage.ImagesKey(workID), images)
	})
	if err != nil {
		s.metrics.RecordSlot(false)
		return outcome, err
	}

	outcome.Generated = true
	s.metrics.RecordSlot(true)
	s.logger.Info("插图位生成完成", map[string]interface{}{
		"work_id": workID,
		"slot":    key,
		"images":  len(result.URLs),
	})
	return outcome, nil
}

// GenerateAll 按顺序派发全部插图位，最多 concurrency 个同时进行。
// 单个插图位失败只记日志，进度照常推进
func (s *IllustrationService) GenerateAll(ctx context.Context, workID string, slots []models.Suggestion, concurrency int) (models.BatchProgress, error) {
	run, err := s.StartBatch(workID, slots, concurrency)
	if err != nil {
		return models.BatchProgress{}, err
	}
	return run(ctx), nil
}

// BatchRun 执行一轮已占用的批量生成
type BatchRun func(ctx context.Context) models.BatchProgress

// StartBatch 立即占用该作品的批量生成（已有一轮在跑时返回冲突错误），生成本身由返回的函数执行
func (s *IllustrationService) StartBatch(workID string, slots []models.Suggestion, concurrency int) (BatchRun, error) {
	if concurrency <= 0 {
		concurrency = DefaultBatchConcurrency
	}
	tracker, err := s.progress.Begin(workID, len(slots))
	if err != nil {
		return nil, err
	}
	return func(ctx context.Context) models.BatchProgress {
		return s.runBatch(ctx, tracker, workID, slots, concurrency)
	}, nil
}

func (s *IllustrationService) runBatch(ctx context.Context, tracker *ProgressTracker, workID string, slots []models.Suggestion, concurrency int) models.BatchProgress {
	if len(slots) == 0 {
		return tracker.Complete()
	}

	s.logger.Info("开始批量生成插图", map[string]interface{}{
		"work_id":     workID,
		"total":       len(slots),
		"concurrency": concurrency,
	})

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, slot := range slots {
		i, slot := i, slot
		g.Go(func() error {
			if ctx.Err() != nil {
				tracker.Advance(true)
				return nil
			}
			outcome, err := s.GenerateSlot(ctx, workID, slot, i)
			if err != nil {
				s.logger.Warn("插图位生成失败", map[string]interface{}{
					"work_id": workID,
					"slot":    outcome.SlotKey,
					"error":   err,
				})
			}
			tracker.Advance(err != nil || !outcome.Generated)
			return nil
		})
	}
	_ = g.Wait()

	var final models.BatchProgress
	if ctx.Err() != nil {
		final = tracker.Fail()
	} else {
		final = tracker.Complete()
	}
	s.logger.Info("批量生成插图结束", map[string]interface{}{
		"work_id": workID,
		"done":    final.Done,
		"failed":  final.Failed,
		"status":  final.Status,
	})
	return final
}
