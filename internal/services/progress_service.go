// internal/services/progress_service.go
package services

import (
	"sync"
	"time"

	apperrors "github.com/Corphon/huaxu/internal/errors"
	"github.com/Corphon/huaxu/internal/models"
)

// 批量生成状态
const (
	ProgressIdle      = "idle"
	ProgressRunning   = "running"
	ProgressCompleted = "completed"
	ProgressFailed    = "failed"
)

// ProgressUpdate 推送给订阅者的进度
type ProgressUpdate = models.BatchProgress

// ProgressTracker 跟踪一个作品的批量插图生成进度
type ProgressTracker struct {
	WorkID     string
	Done       int
	Total      int
	Failed     int
	Status     string
	StartTime  time.Time
	UpdateTime time.Time

	subscribers map[chan ProgressUpdate]struct{}
	mutex       sync.Mutex
}

// ProgressService 管理所有进度跟踪器
type ProgressService struct {
	trackers map[string]*ProgressTracker
	mutex    sync.Mutex
}

// NewProgressService 创建进度服务实例
func NewProgressService() *ProgressService {
	return &ProgressService{
		trackers: make(map[string]*ProgressTracker),
	}
}

// Tracker 获取作品的跟踪器，不存在时创建一个空闲的
func (s *ProgressService) Tracker(workID string) *ProgressTracker {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if tracker, exists := s.trackers[workID]; exists {
		return tracker
	}
	tracker := &ProgressTracker{
		WorkID:      workID,
		Status:      ProgressIdle,
		UpdateTime:  time.Now(),
		subscribers: make(map[chan ProgressUpdate]struct{}),
	}
	s.trackers[workID] = tracker
	return tracker
}

// Begin 开始新一轮批量生成；同一作品已有批次在运行时返回冲突
func (s *ProgressService) Begin(workID string, total int) (*ProgressTracker, error) {
	t := s.Tracker(workID)

	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.Status == ProgressRunning {
		return nil, apperrors.NewConflictError("该作品正在批量生成插图", nil)
	}
	now := time.Now()
	t.Done, t.Total, t.Failed = 0, total, 0
	t.Status = ProgressRunning
	t.StartTime, t.UpdateTime = now, now
	t.broadcast()
	return t, nil
}

// Advance 完成一个插图位，failed 表示该位失败
func (t *ProgressTracker) Advance(failed bool) ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.Done++
	if failed {
		t.Failed++
	}
	t.UpdateTime = time.Now()
	return t.broadcast()
}

// Complete 标记本轮完成
func (t *ProgressTracker) Complete() ProgressUpdate {
	return t.finish(ProgressCompleted)
}

// Fail 标记本轮中断（例如请求被取消）
func (t *ProgressTracker) Fail() ProgressUpdate {
	return t.finish(ProgressFailed)
}

func (t *ProgressTracker) finish(status string) ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	t.Status = status
	t.UpdateTime = time.Now()
	return t.broadcast()
}

// Snapshot 当前进度
func (t *ProgressTracker) Snapshot() ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return t.snapshot()
}

func (t *ProgressTracker) snapshot() ProgressUpdate {
	return ProgressUpdate{
		WorkID: t.WorkID,
		Done:   t.Done,
		Total:  t.Total,
		Failed: t.Failed,
		Status: t.Status,
	}
}

// broadcast 调用方需持有锁。非阻塞发送，通道已满则跳过
func (t *ProgressTracker) broadcast() ProgressUpdate {
	update := t.snapshot()
	for subscriber := range t.subscribers {
		select {
		case subscriber <- update:
		default:
		}
	}
	return update
}

// Subscribe 订阅进度更新，立即收到当前状态
func (t *ProgressTracker) Subscribe() chan ProgressUpdate {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	subscriber := make(chan ProgressUpdate, 16)
	t.subscribers[subscriber] = struct{}{}
	subscriber <- t.snapshot()
	return subscriber
}

// Unsubscribe 取消订阅并关闭通道
func (t *ProgressTracker) Unsubscribe(subscriber chan ProgressUpdate) {
	t.mutex.Lock()
	defer t.mutex.Unlock()

	if _, ok := t.subscribers[subscriber]; ok {
		delete(t.subscribers, subscriber)
		close(subscriber)
	}
}

// CleanupCompletedTasks 清理已结束且无人订阅的旧跟踪器
func (s *ProgressService) CleanupCompletedTasks(maxAge time.Duration) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	removed := 0
	now := time.Now()
	for id, tracker := range s.trackers {
		tracker.mutex.Lock()
		finished := tracker.Status != ProgressRunning
		idle := len(tracker.subscribers) == 0
		old := now.Sub(tracker.UpdateTime) > maxAge
		tracker.mutex.Unlock()

		if finished && idle && old {
			delete(s.trackers, id)
			removed++
		}
	}
	return removed
}
