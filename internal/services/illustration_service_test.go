package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/Corphon/huaxu/internal/errors"
	"github.com/Corphon/huaxu/internal/models"
	"github.com/Corphon/huaxu/internal/storage"
)

func TestSlotKey(t *testing.T) {
	assert.Equal(t, "3", SlotKey(models.Suggestion{Position: "3"}, 0))
	assert.Equal(t, "开头", SlotKey(models.Suggestion{Position: " 开头 "}, 5))

	a := SlotKey(models.Suggestion{Summary: "森林"}, 2)
	b := SlotKey(models.Suggestion{Summary: "城堡"}, 2)
	assert.True(t, strings.HasPrefix(a, "slot_2_"))
	assert.Len(t, a, len("slot_2_")+8)
	assert.NotEqual(t, a, b, "内容不同的建议不应共用插图位")
	assert.Equal(t, a, SlotKey(models.Suggestion{Summary: "森林"}, 2))
}

func TestSlotPrompt(t *testing.T) {
	assert.Equal(t, "p", SlotPrompt(models.Suggestion{Prompt: "p", Summary: "s"}, "1"))
	assert.Equal(t, "s", SlotPrompt(models.Suggestion{Summary: "s", Reason: "r"}, "1"))
	assert.Equal(t, "r", SlotPrompt(models.Suggestion{Reason: "r"}, "1"))
	assert.Contains(t, SlotPrompt(models.Suggestion{}, "开头"), "开头")
}

func imageBridge(t *testing.T, fn func(req map[string]json.RawMessage) string) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/generate_image", r.URL.Path)
		var req map[string]json.RawMessage
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_, _ = w.Write([]byte(fn(req)))
	})
}

func TestGenerateImageFromBridgeFiles(t *testing.T) {
	h := newHarness(t, imageBridge(t, func(req map[string]json.RawMessage) string {
		return `{"ok":true,"files":["out\\scene_001.png"],"simulated":true}`
	}))

	res, err := h.images.GenerateImage(context.Background(), "山", nil)
	require.NoError(t, err)
	assert.Equal(t, models.ImageFiles, res.Kind)
	assert.Equal(t, []string{h.bridge.BaseURL() + "/static/generated_images/scene_001.png"}, res.URLs)
	assert.True(t, res.Simulated)
	assert.Equal(t, ImageSourceBridge, res.Source)
}

func TestGenerateImageSlotPayload(t *testing.T) {
	var got map[string]json.RawMessage
	h := newHarness(t, imageBridge(t, func(req map[string]json.RawMessage) string {
		got = req
		return `{"ok":true,"url":"http://cdn/x.png"}`
	}))
	slot := models.Suggestion{Position: "2", Summary: "城堡"}

	res, err := h.images.GenerateImage(context.Background(), "城堡", &slot)
	require.NoError(t, err)
	assert.Equal(t, models.ImageURL, res.Kind)
	assert.Equal(t, []string{"http://cdn/x.png"}, res.URLs)
	assert.JSONEq(t, `[{"position":"2","summary":"城堡"}]`, string(got["segments"]))
	_, hasKey := got["image_api_key"]
	assert.False(t, hasKey)
}

func TestGenerateImageNotConfigured(t *testing.T) {
	h := newHarness(t, nil)
	prompt := longText(250)

	res, err := h.images.GenerateImage(context.Background(), prompt, nil)
	require.NoError(t, err)
	assert.Equal(t, models.ImageMessage, res.Kind)
	assert.Equal(t, "（未配置图像 API）模拟图像基于文本："+longText(200)+"...", res.Message)
	assert.False(t, res.HasImages())
	assert.Empty(t, res.Advisories)
}

func TestGenerateImageMissingExternalURL(t *testing.T) {
	h := newHarness(t, nil)
	h.useExternal(t, models.AdvancedSettings{ImageAPIKey: "ik"})

	res, err := h.images.GenerateImage(context.Background(), "p", nil)
	require.NoError(t, err)
	assert.Equal(t, models.ImageMessage, res.Kind)
	require.Len(t, res.Advisories, 1)
	assert.Equal(t, "图像 API 未配置", res.Advisories[0].Title)
	assert.Equal(t, "请在设置 -> 高级选项中配置图像模型的 API 地址与 Key", res.Advisories[0].Message)
}

func TestGenerateImageExternal(t *testing.T) {
	var body map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/images/generate", r.URL.Path)
		assert.Equal(t, "Bearer ik", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_, _ = w.Write([]byte(`{"output":[{"url":"http://img/1.png"}]}`))
	}))
	t.Cleanup(srv.Close)

	h := newHarness(t, nil)
	h.useExternal(t, models.AdvancedSettings{ImageAPIKey: "ik", ImageAPIURL: srv.URL})

	res, err := h.images.GenerateImage(context.Background(), "p", nil)
	require.NoError(t, err)
	assert.Equal(t, ImageSourceExternal, res.Source)
	assert.Equal(t, []string{"http://img/1.png"}, res.URLs)
	assert.Equal(t, models.DefaultImageModel, body["model"])
	assert.Equal(t, "1024x1024", body["size"])
}

func TestGenerateImageExternalErrorFallsBack(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "bad", http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	h := newHarness(t, nil)
	h.useExternal(t, models.AdvancedSettings{ImageAPIKey: "ik", ImageAPIURL: srv.URL + "/v1"})

	res, err := h.images.GenerateImage(context.Background(), "森林里的小屋", nil)
	require.NoError(t, err)
	assert.Equal(t, models.ImageMessage, res.Kind)
	assert.Equal(t, "（模拟图像）基于提示：森林里的小屋...", res.Message)
	assert.True(t, res.Simulated)
	require.Len(t, res.Advisories, 1)
	assert.Equal(t, "图像生成失败", res.Advisories[0].Title)
}

func TestGenerateImageCancelled(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.images.GenerateImage(ctx, "p", nil)
	assert.Equal(t, apperrors.ErrorTypeTimeout, apperrors.TypeOf(err))
}

func TestFreePrompt(t *testing.T) {
	assert.Equal(t, longText(800), FreePrompt("标题", "  "+longText(900)+"  "))
	assert.Equal(t, "标题", FreePrompt(" 标题 ", "   "))
	assert.Equal(t, "请为以下故事生成一张插图", FreePrompt("", ""))
}

func TestGenerateFreeImageStoresTempImage(t *testing.T) {
	h := newHarness(t, imageBridge(t, func(map[string]json.RawMessage) string {
		return `{"ok":true,"url":"http://cdn/free.png"}`
	}))

	res, img, err := h.images.GenerateFreeImage(context.Background(), "标题", "正文")
	require.NoError(t, err)
	require.NotNil(t, img)
	assert.True(t, res.HasImages())
	assert.True(t, strings.HasPrefix(img.ID, "temp_img_"))

	stored, found, err := storage.GetJSON[models.TempImage](context.Background(), h.kv, storage.TempImageKey(img.ID))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "http://cdn/free.png", stored.URL)
	assert.Equal(t, "正文", stored.Prompt)

	keys, err := h.kv.Keys(context.Background(), storage.TempImagePrefix())
	require.NoError(t, err)
	assert.Equal(t, []string{"@" + img.ID}, keys)

	_, second, err := h.images.GenerateFreeImage(context.Background(), "标题", "正文")
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, img.ID, second.ID)
}

func TestTempImagesListAndDelete(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	older := models.TempImage{URL: "http://cdn/a.png", CreatedAt: time.Now().Add(-time.Minute)}
	newer := models.TempImage{URL: "http://cdn/b.png", CreatedAt: time.Now()}
	require.NoError(t, storage.SetJSON(ctx, h.kv, storage.TempImageKey("temp_img_a"), older))
	require.NoError(t, storage.SetJSON(ctx, h.kv, storage.TempImageKey("temp_img_b"), newer))
	require.NoError(t, h.kv.Set(ctx, storage.TempImageKey("temp_img_bad"), []byte("{")))

	images, err := h.images.TempImages(ctx)
	require.NoError(t, err)
	require.Len(t, images, 2)
	assert.Equal(t, "temp_img_b", images[0].ID)
	assert.Equal(t, "temp_img_a", images[1].ID)

	require.NoError(t, h.images.DeleteTempImage(ctx, "temp_img_bad"))
	require.NoError(t, h.images.DeleteTempImage(ctx, "temp_img_a"))
	assert.True(t, apperrors.IsNotFoundError(h.images.DeleteTempImage(ctx, "temp_img_a")))
	assert.True(t, apperrors.IsValidationError(h.images.DeleteTempImage(ctx, "draft")))

	keys, err := h.kv.Keys(ctx, storage.TempImagePrefix())
	require.NoError(t, err)
	assert.Equal(t, []string{"@temp_img_b"}, keys)
}

func TestGenerateSlotWritesImageMap(t *testing.T) {
	var calls int32
	h := newHarness(t, imageBridge(t, func(map[string]json.RawMessage) string {
		n := atomic.AddInt32(&calls, 1)
		return fmt.Sprintf(`{"ok":true,"files":["v%d.png"]}`, n)
	}))
	ctx := context.Background()
	s := models.Suggestion{Position: "1", Prompt: "山"}

	out, err := h.illus.GenerateSlot(ctx, "w1", s, 0)
	require.NoError(t, err)
	assert.True(t, out.Generated)
	assert.Equal(t, "1", out.SlotKey)

	out, err = h.illus.GenerateSlot(ctx, "w1", s, 0)
	require.NoError(t, err)
	require.True(t, out.Generated)

	images, err := h.illus.Images(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{h.bridge.BaseURL() + "/static/generated_images/v2.png"}, images["1"], "重新生成覆盖旧值")
	assert.False(t, h.illus.IsGenerating("w1", "1"))
	assert.EqualValues(t, 0, h.metrics.Collector().GetGauge("slots_generating"))
	assert.EqualValues(t, 2, h.counter("slot_generated"))
}

func TestGenerateSlotWithoutImage(t *testing.T) {
	h := newHarness(t, nil)
	out, err := h.illus.GenerateSlot(context.Background(), "w1", models.Suggestion{Position: "1"}, 0)
	require.NoError(t, err)
	assert.False(t, out.Generated)
	assert.Equal(t, models.ImageMessage, out.Result.Kind)

	images, err := h.illus.Images(context.Background(), "w1")
	require.NoError(t, err)
	assert.Empty(t, images)
}

func TestGenerateSlotGuard(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	h := newHarness(t, imageBridge(t, func(map[string]json.RawMessage) string {
		started <- struct{}{}
		<-release
		return `{"ok":true,"url":"http://cdn/x.png"}`
	}))
	ctx := context.Background()
	s := models.Suggestion{Position: "1"}

	errCh := make(chan error, 1)
	go func() {
		_, err := h.illus.GenerateSlot(ctx, "w1", s, 0)
		errCh <- err
	}()
	<-started

	assert.True(t, h.illus.IsGenerating("w1", "1"))
	assert.Equal(t, []string{"1"}, h.illus.GeneratingSlots("w1"))
	_, err := h.illus.GenerateSlot(ctx, "w1", s, 0)
	assert.True(t, apperrors.IsConflictError(err))

	// 其他作品的同名插图位不受影响的判断只看标记
	assert.False(t, h.illus.IsGenerating("w2", "1"))

	close(release)
	require.NoError(t, <-errCh)
	assert.False(t, h.illus.IsGenerating("w1", "1"))
}

func TestGenerateSlotClearsFlagOnStoreFailure(t *testing.T) {
	h := newHarness(t, imageBridge(t, func(map[string]json.RawMessage) string {
		return `{"ok":true,"url":"http://cdn/x.png"}`
	}))
	h.kv.FailSet(storage.ImagesKey("w1"))

	_, err := h.illus.GenerateSlot(context.Background(), "w1", models.Suggestion{Position: "1"}, 0)
	assert.True(t, apperrors.IsStorageError(err))
	assert.False(t, h.illus.IsGenerating("w1", "1"))
}

func TestGenerateAllBoundedConcurrency(t *testing.T) {
	var inFlight, peak int32
	h := newHarness(t, imageBridge(t, func(req map[string]json.RawMessage) string {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		atomic.AddInt32(&inFlight, -1)

		var prompt string
		_ = json.Unmarshal(req["prompt"], &prompt)
		if prompt == "坏" {
			return `{"ok":false}`
		}
		return `{"ok":true,"url":"http://cdn/` + prompt + `.png"}`
	}))

	slots := []models.Suggestion{
		{Position: "1", Prompt: "a"},
		{Position: "2", Prompt: "坏"},
		{Position: "3", Prompt: "c"},
		{Prompt: "d"},
		{Position: "5", Prompt: "e"},
	}

	tracker := h.progress.Tracker("w1")
	sub := tracker.Subscribe()
	var updates []models.BatchProgress
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for u := range sub {
			updates = append(updates, u)
		}
	}()

	final, err := h.illus.GenerateAll(context.Background(), "w1", slots, 2)
	require.NoError(t, err)
	tracker.Unsubscribe(sub)
	wg.Wait()

	assert.Equal(t, 5, final.Done)
	assert.Equal(t, 5, final.Total)
	assert.Equal(t, 1, final.Failed)
	assert.Equal(t, ProgressCompleted, final.Status)
	assert.LessOrEqual(t, atomic.LoadInt32(&peak), int32(2))

	require.NotEmpty(t, updates)
	last := updates[len(updates)-1]
	assert.Equal(t, 5, last.Done)
	for i := 1; i < len(updates); i++ {
		assert.GreaterOrEqual(t, updates[i].Done, updates[i-1].Done, "进度单调不减")
	}

	images, err := h.illus.Images(context.Background(), "w1")
	require.NoError(t, err)
	assert.Len(t, images, 4)
	assert.Equal(t, []string{"http://cdn/a.png"}, images["1"])
	assert.NotContains(t, images, "2")
	assert.Contains(t, images, SlotKey(slots[3], 3))
}

func TestGenerateAllRejectsConcurrentBatch(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.progress.Begin("w1", 3)
	require.NoError(t, err)

	_, err = h.illus.GenerateAll(context.Background(), "w1", []models.Suggestion{{Position: "1"}}, 2)
	assert.True(t, apperrors.IsConflictError(err))
}

func TestStartBatchClaimsBeforeRunning(t *testing.T) {
	h := newHarness(t, nil)
	run, err := h.illus.StartBatch("w1", nil, 2)
	require.NoError(t, err)
	assert.Equal(t, ProgressRunning, h.progress.Tracker("w1").Snapshot().Status)

	_, err = h.illus.StartBatch("w1", nil, 2)
	assert.True(t, apperrors.IsConflictError(err), "未执行的批次也占用该作品")

	assert.Equal(t, ProgressCompleted, run(context.Background()).Status)
	run, err = h.illus.StartBatch("w1", nil, 2)
	require.NoError(t, err)
	run(context.Background())
}

func TestGenerateAllEmpty(t *testing.T) {
	h := newHarness(t, nil)
	final, err := h.illus.GenerateAll(context.Background(), "w1", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, models.BatchProgress{WorkID: "w1", Status: ProgressCompleted}, final)
}

func TestGenerateAllCancelled(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	final, err := h.illus.GenerateAll(ctx, "w1", []models.Suggestion{{Position: "1"}, {Position: "2"}}, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, final.Done)
	assert.Equal(t, 2, final.Failed)
	assert.Equal(t, ProgressFailed, final.Status)
}
