// internal/services/studio_service.go
package services

import (
	"context"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/Corphon/huaxu/internal/errors"
	"github.com/Corphon/huaxu/internal/models"
	"github.com/Corphon/huaxu/internal/storage"
	"github.com/Corphon/huaxu/internal/utils"
)

// MsgDraftIncomplete 草稿不满足开始分析的条件
const MsgDraftIncomplete = "请填写标题和作者，并确保正文超过 100 字"

// StartResult 开始分析的结果
type StartResult struct {
	WorkID  string                 `json:"workId"`
	Outcome models.AnalysisOutcome `json:"outcome"`
}

// StudioService 从草稿开始一次分析
type StudioService struct {
	kv       storage.KV
	analysis *AnalysisService
	view     *AnalysisView
	logger   *utils.Logger
}

// NewStudioService 创建工作流服务
func NewStudioService(kv storage.KV, analysis *AnalysisService, view *AnalysisView, logger *utils.Logger) *StudioService {
	return &StudioService{kv: kv, analysis: analysis, view: view, logger: logger}
}

// NewWorkID 临时作品 ID
func NewWorkID() string {
	return "temp_" + uuid.NewString()
}

// StartAnalysis 保存草稿与快照，分析正文并保存结果。保存失败只作为提示返回
func (s *StudioService) StartAnalysis(ctx context.Context, draft *DraftController) (*StartResult, error) {
	if !draft.CanProceed() {
		return nil, apperrors.NewValidationError(MsgDraftIncomplete, nil)
	}

	var advisories []models.Advisory
	if err := draft.SaveNow(ctx); err != nil {
		s.logger.Warn("开始分析前保存草稿失败", map[string]interface{}{"error": err})
		advisories = append(advisories, storageAdvisory("草稿保存失败，但分析会继续进行。"))
	}

	current := draft.Draft().Trimmed()
	workID := NewWorkID()
	snapshot := models.TempWork{
		ID:        workID,
		Title:     current.Title,
		Author:    current.Author,
		Content:   current.Content,
		CreatedAt: time.Now(),
	}
	if err := storage.SetJSON(ctx, s.kv, storage.TempWorkKey(workID), snapshot); err != nil {
		s.logger.Warn("保存作品快照失败", map[string]interface{}{"work_id": workID, "error": err})
		advisories = append(advisories, storageAdvisory("作品快照保存失败，合成阅读稿时将缺少标题与作者。"))
	}

	outcome := s.analysis.Analyze(ctx, current.Content)

	if err := s.view.Save(ctx, workID, outcome.Result); err != nil {
		s.logger.Warn("保存分析结果失败", map[string]interface{}{"work_id": workID, "error": err})
		advisories = append(advisories, storageAdvisory("分析已完成，但结果未能保存，离开页面后将无法找回。"))
	}
	outcome.Advisories = append(outcome.Advisories, advisories...)

	s.logger.Info("已开始作品分析", map[string]interface{}{
		"work_id": workID,
		"tier":    outcome.Source,
	})
	return &StartResult{WorkID: workID, Outcome: outcome}, nil
}

// TempWork 读取作品快照
func (s *StudioService) TempWork(ctx context.Context, workID string) (models.TempWork, error) {
	tw, found, err := storage.GetJSON[models.TempWork](ctx, s.kv, storage.TempWorkKey(workID))
	if err != nil {
		return tw, err
	}
	if !found {
		return tw, apperrors.NewNotFoundError("作品不存在: "+workID, nil)
	}
	return tw, nil
}

func storageAdvisory(msg string) models.Advisory {
	return models.Advisory{Kind: models.AdvisoryStorage, Title: "保存失败", Message: msg}
}
