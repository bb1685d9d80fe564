// internal/services/selection_service.go
package services

import (
	"context"
	"strings"
	"time"

	apperrors "github.com/Corphon/huaxu/internal/errors"
	"github.com/Corphon/huaxu/internal/models"
	"github.com/Corphon/huaxu/internal/storage"
	"github.com/Corphon/huaxu/internal/utils"
)

// SelectionService 每个插图位的选择、放弃与跳过
type SelectionService struct {
	kv     storage.KV
	locks  *LockManager
	logger *utils.Logger
}

// NewSelectionService 创建选择服务
func NewSelectionService(kv storage.KV, locks *LockManager, logger *utils.Logger) *SelectionService {
	return &SelectionService{kv: kv, locks: locks, logger: logger}
}

// List 作品的全部选择记录
func (s *SelectionService) List(ctx context.Context, workID string) (map[string]models.SlotSelection, error) {
	m, _, err := storage.GetJSON[map[string]models.SlotSelection](ctx, s.kv, storage.SelectionKey(workID))
	if err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]models.SlotSelection{}
	}
	return m, nil
}

// Get 单个插图位，没有记录时为待选择
func (s *SelectionService) Get(ctx context.Context, workID, slotKey string) (models.SlotSelection, error) {
	m, err := s.List(ctx, workID)
	if err != nil {
		return models.SlotSelection{}, err
	}
	if sel, ok := m[slotKey]; ok {
		return sel, nil
	}
	return models.SlotSelection{SlotKey: slotKey, Status: models.SelectionPending}, nil
}

// Select 选定一张图片
func (s *SelectionService) Select(ctx context.Context, workID, slotKey, imageURL string) (models.SlotSelection, error) {
	if strings.TrimSpace(imageURL) == "" {
		return models.SlotSelection{}, apperrors.NewValidationError("请先选择一张插图", nil)
	}
	return s.set(ctx, workID, slotKey, models.SelectionSelected, imageURL)
}

// Abandon 放弃该位置的插图
func (s *SelectionService) Abandon(ctx context.Context, workID, slotKey string) (models.SlotSelection, error) {
	return s.set(ctx, workID, slotKey, models.SelectionAbandoned, "")
}

// Skip 跳过该位置
func (s *SelectionService) Skip(ctx context.Context, workID, slotKey string) (models.SlotSelection, error) {
	return s.set(ctx, workID, slotKey, models.SelectionSkipped, "")
}

// Apply 按动作名 select / abandon / skip 更新
func (s *SelectionService) Apply(ctx context.Context, workID, slotKey, action, imageURL string) (models.SlotSelection, error) {
	switch action {
	case "select":
		return s.Select(ctx, workID, slotKey, imageURL)
	case "abandon":
		return s.Abandon(ctx, workID, slotKey)
	case "skip":
		return s.Skip(ctx, workID, slotKey)
	default:
		return models.SlotSelection{}, apperrors.NewValidationError("未知的选择动作: "+action, nil)
	}
}

func (s *SelectionService) set(ctx context.Context, workID, slotKey string, status models.SelectionStatus, imageURL string) (models.SlotSelection, error) {
	if strings.TrimSpace(slotKey) == "" {
		return models.SlotSelection{}, apperrors.NewValidationError("插图位不能为空", nil)
	}
	sel := models.SlotSelection{
		SlotKey:   slotKey,
		Status:    status,
		ImageURL:  imageURL,
		UpdatedAt: time.Now(),
	}
	err := s.locks.ExecuteWithWorkLock(workID, func() error {
		m, err := s.List(ctx, workID)
		if err != nil {
			return err
		}
		m[slotKey] = sel
		return storage.SetJSON(ctx, s.kv, storage.SelectionKey(workID), m)
	})
	if err != nil {
		return models.SlotSelection{}, err
	}
	s.logger.Info("插图选择已更新", map[string]interface{}{
		"work_id": workID,
		"slot":    slotKey,
		"status":  status,
	})
	return sel, nil
}
