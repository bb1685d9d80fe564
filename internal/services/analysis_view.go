// internal/services/analysis_view.go
package services

import (
	"context"
	"fmt"
	"time"

	apperrors "github.com/Corphon/huaxu/internal/errors"
	"github.com/Corphon/huaxu/internal/models"
	"github.com/Corphon/huaxu/internal/storage"
	"github.com/Corphon/huaxu/internal/utils"
)

// MsgAnalysisNotFound 作品没有分析记录
const MsgAnalysisNotFound = "未找到分析结果。"

// SlotView 分析页中的一个插图位
type SlotView struct {
	Index      int               `json:"index"`
	SlotKey    string            `json:"slotKey"`
	Suggestion models.Suggestion `json:"suggestion"`
	Images     []string          `json:"images,omitempty"`
	Generating bool              `json:"generating"`
}

// AnalysisViewState 分析结果页需要的全部数据
type AnalysisViewState struct {
	WorkID    string                   `json:"workId"`
	Analysis  models.AnalysisResult    `json:"analysis"`
	Summary   string                   `json:"summary"`
	RawText   string                   `json:"rawText"`
	Slots     []SlotView               `json:"slots"`
	Images    models.GeneratedImageMap `json:"images"`
	CreatedAt time.Time                `json:"createdAt"`
	UpdatedAt *time.Time               `json:"updatedAt,omitempty"`
}

// AnalysisView 分析结果的读取、编辑与插图生成入口
type AnalysisView struct {
	kv     storage.KV
	illus  *IllustrationService
	logger *utils.Logger
}

// NewAnalysisView 创建分析视图
func NewAnalysisView(kv storage.KV, illus *IllustrationService, logger *utils.Logger) *AnalysisView {
	return &AnalysisView{kv: kv, illus: illus, logger: logger}
}

func (v *AnalysisView) record(ctx context.Context, workID string) (models.AnalysisRecord, error) {
	rec, found, err := storage.GetJSON[models.AnalysisRecord](ctx, v.kv, storage.AnalysisKey(workID))
	if err != nil {
		return rec, err
	}
	if !found || rec.Analysis.IsZero() {
		return rec, apperrors.NewNotFoundError(MsgAnalysisNotFound, nil)
	}
	return rec, nil
}

// Load 读取分析结果、图片映射与生成中的插图位
func (v *AnalysisView) Load(ctx context.Context, workID string) (*AnalysisViewState, error) {
	rec, err := v.record(ctx, workID)
	if err != nil {
		return nil, err
	}
	images, err := v.illus.Images(ctx, workID)
	if err != nil {
		return nil, err
	}

	state := &AnalysisViewState{
		WorkID:    workID,
		Analysis:  rec.Analysis,
		Summary:   rec.Analysis.Text,
		RawText:   rec.Analysis.RawText(),
		Images:    images,
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	}
	for i, s := range rec.Analysis.Suggestions() {
		key := SlotKey(s, i)
		state.Slots = append(state.Slots, SlotView{
			Index:      i,
			SlotKey:    key,
			Suggestion: s,
			Images:     images[key],
			Generating: v.illus.IsGenerating(workID, key),
		})
	}
	return state, nil
}

// Save 保存新的分析结果，已有记录时保留创建时间
func (v *AnalysisView) Save(ctx context.Context, workID string, result models.AnalysisResult) error {
	now := time.Now()
	rec := models.AnalysisRecord{Analysis: result, CreatedAt: now}

	existing, found, err := storage.GetJSON[models.AnalysisRecord](ctx, v.kv, storage.AnalysisKey(workID))
	if err != nil {
		v.logger.Warn("读取旧分析记录失败，按新记录保存", map[string]interface{}{"work_id": workID, "error": err})
	} else if found && !existing.CreatedAt.IsZero() {
		rec.CreatedAt = existing.CreatedAt
		rec.UpdatedAt = &now
	}
	return storage.SetJSON(ctx, v.kv, storage.AnalysisKey(workID), rec)
}

// SaveEdit 用编辑后的文本整体替换分析结果
func (v *AnalysisView) SaveEdit(ctx context.Context, workID, raw string) (*AnalysisViewState, error) {
	if err := v.Save(ctx, workID, models.ParseEditedAnalysis(raw)); err != nil {
		return nil, err
	}
	v.logger.Info("分析结果已更新", map[string]interface{}{"work_id": workID})
	return v.Load(ctx, workID)
}

// Regenerate 重新生成第 index 个插图位
func (v *AnalysisView) Regenerate(ctx context.Context, workID string, index int) (SlotOutcome, error) {
	rec, err := v.record(ctx, workID)
	if err != nil {
		return SlotOutcome{}, err
	}
	suggestions := rec.Analysis.Suggestions()
	if index < 0 || index >= len(suggestions) {
		return SlotOutcome{}, apperrors.NewValidationError(fmt.Sprintf("插图位 %d 不存在", index), nil)
	}
	return v.illus.GenerateSlot(ctx, workID, suggestions[index], index)
}

// GenerateAll 为全部建议插图位生成图片
func (v *AnalysisView) GenerateAll(ctx context.Context, workID string, concurrency int) (models.BatchProgress, error) {
	rec, err := v.record(ctx, workID)
	if err != nil {
		return models.BatchProgress{}, err
	}
	return v.illus.GenerateAll(ctx, workID, rec.Analysis.Suggestions(), concurrency)
}

// StartBatch 读取插图位并占用批量生成，供后台执行
func (v *AnalysisView) StartBatch(ctx context.Context, workID string, concurrency int) (BatchRun, error) {
	rec, err := v.record(ctx, workID)
	if err != nil {
		return nil, err
	}
	return v.illus.StartBatch(workID, rec.Analysis.Suggestions(), concurrency)
}
