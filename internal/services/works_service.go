// internal/services/works_service.go
package services

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Corphon/huaxu/internal/errors"
	"github.com/Corphon/huaxu/internal/models"
	"github.com/Corphon/huaxu/internal/storage"
	"github.com/Corphon/huaxu/internal/utils"
)

// worksLockID 作品列表是单条记录，用固定 ID 加锁
const worksLockID = "@user_works"

// WorksService 作品列表
type WorksService struct {
	kv     storage.KV
	locks  *LockManager
	logger *utils.Logger
}

// NewWorksService 创建作品列表服务
func NewWorksService(kv storage.KV, locks *LockManager, logger *utils.Logger) *WorksService {
	return &WorksService{kv: kv, locks: locks, logger: logger}
}

// List 全部作品，没有记录时为空列表
func (s *WorksService) List(ctx context.Context) ([]models.WorkItem, error) {
	works, _, err := storage.GetJSON[[]models.WorkItem](ctx, s.kv, storage.WorksKey)
	if err != nil {
		return nil, err
	}
	if works == nil {
		works = []models.WorkItem{}
	}
	return works, nil
}

// Get 按 ID 读取
func (s *WorksService) Get(ctx context.Context, id string) (models.WorkItem, error) {
	works, err := s.List(ctx)
	if err != nil {
		return models.WorkItem{}, err
	}
	for _, w := range works {
		if w.ID == id {
			return w, nil
		}
	}
	return models.WorkItem{}, apperrors.NewNotFoundError("作品不存在: "+id, nil)
}

// Upsert 新增或更新作品。新作品分配 ID 并记录创建时间，分类颜色按分类重算
func (s *WorksService) Upsert(ctx context.Context, item models.WorkItem) (models.WorkItem, error) {
	item.Title = strings.TrimSpace(item.Title)
	if item.Title == "" {
		return item, apperrors.NewValidationError("作品标题不能为空", nil)
	}
	if item.Category == models.CategoryAll {
		return item, apperrors.NewValidationError("作品分类不能为 all", nil)
	}

	now := time.Now()
	item.LastModified = &now
	item.CategoryColor = models.CategoryColor(item.Category)

	err := s.locks.ExecuteWithWorkLock(worksLockID, func() error {
		works, err := s.List(ctx)
		if err != nil {
			return err
		}
		replaced := false
		if item.ID != "" {
			for i := range works {
				if works[i].ID == item.ID {
					item.Created = works[i].Created
					works[i] = item
					replaced = true
					break
				}
			}
		} else {
			item.ID = uuid.NewString()
		}
		if !replaced {
			if item.Created == nil {
				item.Created = &now
			}
			works = append(works, item)
		}
		return storage.SetJSON(ctx, s.kv, storage.WorksKey, works)
	})
	if err != nil {
		return item, err
	}
	s.logger.Info("作品已保存", map[string]interface{}{"id": item.ID, "category": item.Category})
	return item, nil
}

// Delete 删除作品
func (s *WorksService) Delete(ctx context.Context, id string) error {
	return s.locks.ExecuteWithWorkLock(worksLockID, func() error {
		works, err := s.List(ctx)
		if err != nil {
			return err
		}
		kept := works[:0]
		for _, w := range works {
			if w.ID != id {
				kept = append(kept, w)
			}
		}
		if len(kept) == len(works) {
			return apperrors.NewNotFoundError("作品不存在: "+id, nil)
		}
		return storage.SetJSON(ctx, s.kv, storage.WorksKey, kept)
	})
}

// ToggleFilter 切换筛选项：选 all 重置为 [all]；选其他分类时去掉 all 并切换该分类；清空后回到 [all]
func ToggleFilter(current []string, value string) []string {
	if value == models.CategoryAll {
		return []string{models.CategoryAll}
	}

	next := make([]string, 0, len(current)+1)
	found := false
	for _, f := range current {
		switch f {
		case models.CategoryAll:
		case value:
			found = true
		default:
			next = append(next, f)
		}
	}
	if !found {
		next = append(next, value)
	}
	if len(next) == 0 {
		return []string{models.CategoryAll}
	}
	return next
}

// FilterWorks 按分类筛选，筛选项含 all 或为空时返回全部
func FilterWorks(works []models.WorkItem, filters []string) []models.WorkItem {
	if len(filters) == 0 {
		return works
	}
	allowed := make(map[string]bool, len(filters))
	for _, f := range filters {
		if f == models.CategoryAll {
			return works
		}
		allowed[f] = true
	}
	out := make([]models.WorkItem, 0, len(works))
	for _, w := range works {
		if allowed[w.Category] {
			out = append(out, w)
		}
	}
	return out
}
