// internal/services/draft_controller.go
package services

import (
	"context"
	"sync"
	"time"

	apperrors "github.com/Corphon/huaxu/internal/errors"
	"github.com/Corphon/huaxu/internal/models"
	"github.com/Corphon/huaxu/internal/storage"
	"github.com/Corphon/huaxu/internal/utils"
)

// DefaultAutosaveDelay 最后一次编辑后多久自动保存
const DefaultAutosaveDelay = 3 * time.Second

// DraftController 当前草稿的编辑与自动保存。
// 编辑会重置唯一的防抖定时器；Close 之后不会再有定时写入
type DraftController struct {
	kv      storage.KV
	delay   time.Duration
	metrics *utils.StudioMetrics
	logger  *utils.Logger

	mu       sync.Mutex
	draft    models.WorkDraft
	state    models.SaveState
	version  uint64 // 每次编辑加一
	timerSeq uint64 // 定时器代次，过期的回调直接返回
	timer    *time.Timer
	closed   bool
	lastErr  error

	keepStored bool // 已保存的草稿读取失败，编辑之前关闭时不覆盖它

	saveMu sync.Mutex // 串行化写入
}

// NewDraftController 开始一份新草稿
func NewDraftController(kv storage.KV, delay time.Duration, metrics *utils.StudioMetrics, logger *utils.Logger) *DraftController {
	if delay <= 0 {
		delay = DefaultAutosaveDelay
	}
	return &DraftController{
		kv:      kv,
		delay:   delay,
		metrics: metrics,
		logger:  logger,
		draft:   models.WorkDraft{CreatedAt: time.Now()},
		state:   models.SaveIdle,
	}
}

// Edit 更新标题、作者与正文，标记为未保存并重新计时
func (c *DraftController) Edit(fields models.WorkDraft) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return apperrors.NewConflictError("草稿编辑已结束", nil)
	}
	c.draft.Title = fields.Title
	c.draft.Author = fields.Author
	c.draft.Content = fields.Content
	c.keepStored = false
	c.version++
	c.state = models.SaveDirty

	c.stopTimerLocked()
	seq := c.timerSeq
	c.timer = time.AfterFunc(c.delay, func() { c.fire(seq) })
	return nil
}

// stopTimerLocked 调用方需持有 mu
func (c *DraftController) stopTimerLocked() {
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.timerSeq++
}

func (c *DraftController) fire(seq uint64) {
	c.mu.Lock()
	if c.closed || seq != c.timerSeq {
		c.mu.Unlock()
		return
	}
	c.timer = nil
	c.mu.Unlock()

	if err := c.save(context.Background(), true); err != nil {
		c.logger.Warn("草稿自动保存失败", map[string]interface{}{"error": err})
	}
}

// SaveNow 立即保存，返回写入错误
func (c *DraftController) SaveNow(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.NewConflictError("草稿编辑已结束", nil)
	}
	c.stopTimerLocked()
	c.mu.Unlock()

	return c.save(ctx, false)
}

// Close 停止定时器并保存一次。恢复失败且之后没有编辑时跳过，避免空草稿覆盖原记录
func (c *DraftController) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.stopTimerLocked()
	keep := c.keepStored
	c.mu.Unlock()

	if keep {
		c.logger.Warn("草稿未能恢复，关闭时保留已保存的记录", nil)
		return nil
	}
	return c.save(ctx, false)
}

// Discard 结束编辑，不写入存储
func (c *DraftController) Discard() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.stopTimerLocked()
	if c.state == models.SaveDirty {
		c.logger.Warn("丢弃未保存的草稿编辑", map[string]interface{}{"version": c.version})
	}
}

func (c *DraftController) save(ctx context.Context, fromTimer bool) error {
	c.saveMu.Lock()
	defer c.saveMu.Unlock()

	c.mu.Lock()
	if fromTimer && c.closed {
		c.mu.Unlock()
		return nil
	}
	snapshot := c.draft.Trimmed()
	version := c.version
	c.state = models.SaveSaving
	c.mu.Unlock()

	err := storage.SetJSON(ctx, c.kv, storage.DraftKey, snapshot)

	c.mu.Lock()
	switch {
	case err != nil:
		c.state = models.SaveFailed
		c.lastErr = err
	case version == c.version:
		c.state = models.SaveSaved
		c.lastErr = nil
	default:
		// 保存期间又有编辑
		c.state = models.SaveDirty
		c.lastErr = nil
	}
	c.mu.Unlock()

	c.metrics.RecordDraftSave(err == nil)
	if err != nil {
		return err
	}
	c.logger.Debug("草稿已保存", map[string]interface{}{
		"characters": snapshot.Stats().Characters,
		"timer":      fromTimer,
	})
	return nil
}

// Restore 载入已保存的草稿，不触发保存。没有草稿时返回 false
func (c *DraftController) Restore(ctx context.Context) (bool, error) {
	stored, found, err := storage.GetJSON[models.WorkDraft](ctx, c.kv, storage.DraftKey)
	if err != nil {
		c.mu.Lock()
		c.keepStored = true
		c.mu.Unlock()
		return false, err
	}
	if !found {
		return false, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, apperrors.NewConflictError("草稿编辑已结束", nil)
	}
	c.stopTimerLocked()
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = c.draft.CreatedAt
	}
	c.draft = stored
	c.version++
	c.state = models.SaveSaved
	c.lastErr = nil
	return true, nil
}

// Draft 当前草稿
func (c *DraftController) Draft() models.WorkDraft {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.draft
}

// Status 保存状态
func (c *DraftController) Status() models.SaveState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// LastError 最近一次保存失败的原因
func (c *DraftController) LastError() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Stats 字数与段落数
func (c *DraftController) Stats() models.DraftStats {
	return c.Draft().Stats()
}

// CanProceed 是否满足开始分析的条件
func (c *DraftController) CanProceed() bool {
	return c.Draft().CanProceed()
}
