package services

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	apperrors "github.com/Corphon/huaxu/internal/errors"
	"github.com/Corphon/huaxu/internal/models"
	"github.com/Corphon/huaxu/internal/storage"
	"github.com/Corphon/huaxu/internal/utils"
)

func TestLockManagerSerializes(t *testing.T) {
	lm := NewLockManager()
	counter := 0
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = lm.ExecuteWithWorkLock("w1", func() error {
				v := counter
				time.Sleep(time.Microsecond)
				counter = v + 1
				return nil
			})
		}()
	}
	wg.Wait()
	assert.Equal(t, 50, counter)
	assert.Equal(t, 0, lm.Size(), "没有持有者时锁被回收")

	err := lm.ExecuteWithWorkLock("w1", func() error { return apperrors.NewConflictError("x", nil) })
	assert.True(t, apperrors.IsConflictError(err))
}

func TestProgressTracker(t *testing.T) {
	ps := NewProgressService()
	tracker, err := ps.Begin("w1", 2)
	require.NoError(t, err)

	_, err = ps.Begin("w1", 2)
	assert.True(t, apperrors.IsConflictError(err))

	sub := tracker.Subscribe()
	first := <-sub
	assert.Equal(t, ProgressRunning, first.Status)

	tracker.Advance(false)
	u := tracker.Advance(true)
	assert.Equal(t, models.BatchProgress{WorkID: "w1", Done: 2, Total: 2, Failed: 1, Status: ProgressRunning}, u)
	done := tracker.Complete()
	assert.Equal(t, ProgressCompleted, done.Status)

	assert.Equal(t, 1, (<-sub).Done)
	assert.Equal(t, 2, (<-sub).Done)
	assert.Equal(t, ProgressCompleted, (<-sub).Status)

	assert.Equal(t, 0, ps.CleanupCompletedTasks(0), "仍有订阅者")
	tracker.Unsubscribe(sub)
	_, open := <-sub
	assert.False(t, open)
	tracker.Unsubscribe(sub)

	time.Sleep(time.Millisecond)
	assert.Equal(t, 1, ps.CleanupCompletedTasks(0))

	_, err = ps.Begin("w1", 1)
	assert.NoError(t, err, "上一轮结束后可以开始新一轮")
}

func TestSettingsService(t *testing.T) {
	kv := storage.NewMemoryStore()
	logger := utils.NewLogger(zap.NewNop())
	svc := NewSettingsService(kv, "secret", logger)
	ctx := context.Background()

	s, err := svc.Advanced(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultAdvancedSettings(), s)

	var notified []models.AdvancedSettings
	svc.Subscribe(func(old, updated models.AdvancedSettings) { notified = append(notified, updated) })

	saved, err := svc.SaveAdvanced(ctx, models.AdvancedSettings{UseAIAPI: true, APIKey: "sk-123456", APIURL: " http://api/v1 "})
	require.NoError(t, err)
	assert.Equal(t, "http://api/v1", saved.APIURL)
	assert.Equal(t, models.DefaultChatModel, saved.Model)
	require.Len(t, notified, 1)

	raw, err := kv.Get(ctx, storage.AdvancedSettingsKey)
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sk-123456", "密钥加密保存")

	masked := saved.Masked()
	assert.Equal(t, "****3456", masked.APIKey)
	_, err = svc.SaveAdvanced(ctx, masked)
	require.NoError(t, err)
	s, err = svc.Advanced(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sk-123456", s.APIKey, "掩码回写时保留原密钥")

	n, err := svc.Notifications(ctx)
	require.NoError(t, err)
	assert.Equal(t, models.DefaultNotificationSettings(), n)

	n, err = svc.SetNotification(ctx, "activity", true)
	require.NoError(t, err)
	assert.True(t, n.Activity)
	n, err = svc.Notifications(ctx)
	require.NoError(t, err)
	assert.True(t, n.Activity)

	_, err = svc.SetNotification(ctx, "unknown", true)
	assert.True(t, apperrors.IsValidationError(err))
}

func TestSaveAdvancedAfterSecretKeyChange(t *testing.T) {
	kv := storage.NewMemoryStore()
	logger := utils.NewLogger(zap.NewNop())
	ctx := context.Background()

	_, err := NewSettingsService(kv, "key-a", logger).SaveAdvanced(ctx, models.AdvancedSettings{
		UseAIAPI: true, APIKey: "sk-aaaa1111", ImageAPIKey: "img-aaaa2222",
	})
	require.NoError(t, err)

	svc := NewSettingsService(kv, "key-b", logger)
	_, err = svc.Advanced(ctx)
	require.True(t, apperrors.IsStorageError(err))

	saved, err := svc.SaveAdvanced(ctx, models.AdvancedSettings{UseAIAPI: true, APIKey: "sk-bbbb3333", ImageAPIKey: "****2222"})
	require.NoError(t, err)
	assert.Empty(t, saved.ImageAPIKey, "旧密钥无法解密时掩码值不回填")

	s, err := svc.Advanced(ctx)
	require.NoError(t, err)
	assert.Equal(t, "sk-bbbb3333", s.APIKey)
	assert.Empty(t, s.ImageAPIKey)
}

func TestSaveAdvancedOverwritesCorruptRecord(t *testing.T) {
	kv := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, kv.Set(ctx, storage.AdvancedSettingsKey, []byte("{not json")))

	svc := NewSettingsService(kv, "", utils.NewLogger(zap.NewNop()))
	_, err := svc.SaveAdvanced(ctx, models.AdvancedSettings{Model: "gpt-x"})
	require.NoError(t, err)
	s, err := svc.Advanced(ctx)
	require.NoError(t, err)
	assert.Equal(t, "gpt-x", s.Model)
}
