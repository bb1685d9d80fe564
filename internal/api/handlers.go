// internal/api/handlers.go
package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/huaxu/internal/bridge"
	"github.com/Corphon/huaxu/internal/di"
	"github.com/Corphon/huaxu/internal/models"
	"github.com/Corphon/huaxu/internal/services"
	"github.com/Corphon/huaxu/internal/utils"
)

const healthProbeTimeout = 2 * time.Second

// Handler 处理API请求
type Handler struct {
	// 核心服务
	Draft        *services.DraftController     // 当前草稿
	Studio       *services.StudioService       // 草稿 -> 分析
	Analysis     *services.AnalysisService     // 文本分析
	View         *services.AnalysisView        // 分析结果页
	Illustration *services.IllustrationService // 插图生成
	Images       *services.ImageService        // 单张图像
	Works        *services.WorksService        // 作品列表
	Selections   *services.SelectionService    // 插图选择
	Compose      *services.ComposeService      // 阅读稿
	Settings     *services.SettingsService     // 设置
	Progress     *services.ProgressService     // 批量进度
	Bridge       *bridge.Client                // 本地桥接服务
	Metrics      *utils.StudioMetrics
	Hub          *ProgressHub
	Logger       *utils.Logger
	Response     *ResponseHelper

	concurrency int

	// 后台批量任务
	batches  sync.WaitGroup
	bgCtx    context.Context
	bgCancel context.CancelFunc
}

func resolve[T any](c *di.Container, name string, errs *[]error) T {
	service, err := di.Resolve[T](c, name)
	if err != nil {
		*errs = append(*errs, err)
	}
	return service
}

// NewHandler 从容器中取出所需服务
func NewHandler(c *di.Container, concurrency int) (*Handler, error) {
	h := &Handler{concurrency: concurrency, Response: NewResponseHelper()}

	var errs []error
	h.Draft = resolve[*services.DraftController](c, di.Draft, &errs)
	h.Studio = resolve[*services.StudioService](c, di.Studio, &errs)
	h.Analysis = resolve[*services.AnalysisService](c, di.Analysis, &errs)
	h.View = resolve[*services.AnalysisView](c, di.View, &errs)
	h.Illustration = resolve[*services.IllustrationService](c, di.Illustrator, &errs)
	h.Images = resolve[*services.ImageService](c, di.Images, &errs)
	h.Works = resolve[*services.WorksService](c, di.Works, &errs)
	h.Selections = resolve[*services.SelectionService](c, di.Selections, &errs)
	h.Compose = resolve[*services.ComposeService](c, di.Compose, &errs)
	h.Settings = resolve[*services.SettingsService](c, di.Settings, &errs)
	h.Progress = resolve[*services.ProgressService](c, di.Progress, &errs)
	h.Bridge = resolve[*bridge.Client](c, di.Bridge, &errs)
	h.Metrics = resolve[*utils.StudioMetrics](c, di.Metrics, &errs)
	h.Logger = resolve[*utils.Logger](c, di.Logger, &errs)
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	h.Hub = NewProgressHub(h.Progress, h.Logger)
	h.bgCtx, h.bgCancel = context.WithCancel(context.Background())
	return h, nil
}

// Shutdown 等待后台批量任务结束；ctx 到期后取消剩余任务
func (h *Handler) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.batches.Wait()
		close(done)
	}()

	select {
	case <-done:
		h.bgCancel()
		return nil
	case <-ctx.Done():
		h.bgCancel()
		<-done
		return ctx.Err()
	}
}

// ========================================
// 健康检查与指标
// ========================================

// Health GET /health
func (h *Handler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthProbeTimeout)
	defer cancel()

	bridgeStatus := "up"
	if err := h.Bridge.Health(ctx); err != nil {
		bridgeStatus = "down"
	}
	h.Response.Success(c, gin.H{
		"status":     "ok",
		"bridge":     bridgeStatus,
		"bridge_url": h.Bridge.BaseURL(),
		"websocket":  h.Hub.Status(),
	})
}

// GetMetrics GET /api/metrics
func (h *Handler) GetMetrics(c *gin.Context) {
	h.Response.Success(c, h.Metrics.Collector().GetMetrics())
}

// GetWebSocketStatus GET /api/ws/status
func (h *Handler) GetWebSocketStatus(c *gin.Context) {
	h.Response.Success(c, h.Hub.Status())
}

// ========================================
// 草稿
// ========================================

// DraftState 草稿页状态
type DraftState struct {
	Draft       models.WorkDraft  `json:"draft"`
	Status      models.SaveState  `json:"status"`
	StatusLabel string            `json:"statusLabel"`
	Stats       models.DraftStats `json:"stats"`
	CanProceed  bool              `json:"canProceed"`
	LastError   string            `json:"lastError,omitempty"`
}

func (h *Handler) draftState() DraftState {
	status := h.Draft.Status()
	state := DraftState{
		Draft:       h.Draft.Draft(),
		Status:      status,
		StatusLabel: status.Label(),
		Stats:       h.Draft.Stats(),
		CanProceed:  h.Draft.CanProceed(),
	}
	if err := h.Draft.LastError(); err != nil {
		state.LastError = err.Error()
	}
	return state
}

// GetDraft GET /api/draft
func (h *Handler) GetDraft(c *gin.Context) {
	h.Response.Success(c, h.draftState())
}

// UpdateDraftRequest 编辑草稿，未提供的字段保持不变
type UpdateDraftRequest struct {
	Title   *string `json:"title"`
	Author  *string `json:"author"`
	Content *string `json:"content"`
}

// UpdateDraft PUT /api/draft
func (h *Handler) UpdateDraft(c *gin.Context) {
	var req UpdateDraftRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	draft := h.Draft.Draft()
	if req.Title != nil {
		draft.Title = *req.Title
	}
	if req.Author != nil {
		draft.Author = *req.Author
	}
	if req.Content != nil {
		draft.Content = *req.Content
	}
	if err := h.Draft.Edit(draft); err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, h.draftState())
}

// SaveDraft POST /api/draft/save
func (h *Handler) SaveDraft(c *gin.Context) {
	if err := h.Draft.SaveNow(c.Request.Context()); err != nil {
		h.Response.Error(c, http.StatusInternalServerError, ErrorStorage, "草稿保存失败", err.Error())
		return
	}
	h.Response.Success(c, h.draftState(), "草稿已保存")
}

// StartAnalysis POST /api/draft/analyze
func (h *Handler) StartAnalysis(c *gin.Context) {
	result, err := h.Studio.StartAnalysis(c.Request.Context(), h.Draft)
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Created(c, result, "分析完成")
}

// ========================================
// 分析
// ========================================

// AnalyzeRequest 直接分析一段文本
type AnalyzeRequest struct {
	Text string `json:"text" binding:"required"`
}

// AnalyzeText POST /api/analyze
func (h *Handler) AnalyzeText(c *gin.Context) {
	var req AnalyzeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}
	if strings.TrimSpace(req.Text) == "" {
		h.Response.Error(c, http.StatusBadRequest, ErrorValidation, "文本不能为空")
		return
	}
	h.Response.Success(c, h.Analysis.Analyze(c.Request.Context(), req.Text))
}

// GetAnalysis GET /api/works/:id/analysis
func (h *Handler) GetAnalysis(c *gin.Context) {
	state, err := h.View.Load(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, state)
}

// EditAnalysisRequest 编辑后的分析文本
type EditAnalysisRequest struct {
	RawText string `json:"rawText"`
}

// UpdateAnalysis PUT /api/works/:id/analysis
func (h *Handler) UpdateAnalysis(c *gin.Context) {
	var req EditAnalysisRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}
	state, err := h.View.SaveEdit(c.Request.Context(), c.Param("id"), req.RawText)
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, state, "分析结果已保存")
}

// GetSource GET /api/works/:id/source
func (h *Handler) GetSource(c *gin.Context) {
	tw, err := h.Studio.TempWork(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, tw)
}

// ========================================
// 插图
// ========================================

// GenerateIllustrations POST /api/works/:id/illustrations
// 默认在后台执行并返回 202，进度通过 WebSocket 推送；?wait=true 时同步等待结束
func (h *Handler) GenerateIllustrations(c *gin.Context) {
	workID := c.Param("id")
	if _, err := h.View.Load(c.Request.Context(), workID); err != nil {
		h.Response.HandleError(c, err)
		return
	}

	if c.Query("wait") == "true" {
		progress, err := h.View.GenerateAll(c.Request.Context(), workID, h.concurrency)
		if err != nil {
			h.Response.HandleError(c, err)
			return
		}
		h.Response.Success(c, progress, "批量生成结束")
		return
	}

	// 在请求内占用，并发的第二个请求直接得到 409
	run, err := h.View.StartBatch(c.Request.Context(), workID, h.concurrency)
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}

	h.batches.Add(1)
	go func() {
		defer h.batches.Done()
		run(h.bgCtx)
	}()
	h.Response.Accepted(c, gin.H{
		"work_id":   workID,
		"progress":  "/api/works/" + workID + "/progress",
		"websocket": "/ws/works/" + workID + "/progress",
	}, "批量生成已开始")
}

// RegenerateIllustration POST /api/works/:id/illustrations/:index
func (h *Handler) RegenerateIllustration(c *gin.Context) {
	index, err := strconv.Atoi(c.Param("index"))
	if err != nil {
		h.Response.Error(c, http.StatusBadRequest, ErrorSlotInvalid, "插图位序号无效", c.Param("index"))
		return
	}
	outcome, err := h.View.Regenerate(c.Request.Context(), c.Param("id"), index)
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, outcome)
}

// GetImages GET /api/works/:id/images
func (h *Handler) GetImages(c *gin.Context) {
	workID := c.Param("id")
	images, err := h.Illustration.Images(c.Request.Context(), workID)
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, gin.H{
		"images":     images,
		"generating": h.Illustration.GeneratingSlots(workID),
	})
}

// GetProgress GET /api/works/:id/progress
func (h *Handler) GetProgress(c *gin.Context) {
	h.Response.Success(c, h.Progress.Tracker(c.Param("id")).Snapshot())
}

// GenerateImageRequest 自由生成：给出 prompt，或给出标题与正文
type GenerateImageRequest struct {
	Prompt  string `json:"prompt"`
	Title   string `json:"title"`
	Content string `json:"content"`
}

// GenerateImage POST /api/images/generate
func (h *Handler) GenerateImage(c *gin.Context) {
	var req GenerateImageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}

	if prompt := strings.TrimSpace(req.Prompt); prompt != "" {
		result, err := h.Images.GenerateImage(c.Request.Context(), prompt, nil)
		if err != nil {
			h.Response.HandleError(c, err)
			return
		}
		h.Response.Success(c, gin.H{"result": result})
		return
	}

	result, img, err := h.Images.GenerateFreeImage(c.Request.Context(), req.Title, req.Content)
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	data := gin.H{"result": result}
	if img != nil {
		data["temp_image"] = gin.H{"id": img.ID, "url": img.URL, "createdAt": img.CreatedAt}
	}
	h.Response.Success(c, data)
}

// GetTempImages GET /api/images/temp
func (h *Handler) GetTempImages(c *gin.Context) {
	images, err := h.Images.TempImages(c.Request.Context())
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	items := make([]gin.H, 0, len(images))
	for _, img := range images {
		items = append(items, gin.H{"id": img.ID, "url": img.URL, "prompt": img.Prompt, "createdAt": img.CreatedAt})
	}
	h.Response.Success(c, gin.H{"images": items})
}

// DeleteTempImage DELETE /api/images/temp/:id
func (h *Handler) DeleteTempImage(c *gin.Context) {
	if err := h.Images.DeleteTempImage(c.Request.Context(), c.Param("id")); err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"id": c.Param("id")}, "临时图片已删除")
}

// ========================================
// 阅读稿
// ========================================

// ComposeWork GET /api/works/:id/compose，?format=markdown 时直接返回 Markdown 文本
func (h *Handler) ComposeWork(c *gin.Context) {
	result, err := h.Compose.ComposeMarkdown(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	if c.Query("format") == "markdown" {
		c.Data(http.StatusOK, "text/markdown; charset=utf-8", []byte(result.Markdown))
		return
	}
	h.Response.Success(c, result)
}

func notFoundRoute(rh *ResponseHelper) gin.HandlerFunc {
	return func(c *gin.Context) {
		rh.Error(c, http.StatusNotFound, ErrorNotFound, "接口不存在", c.Request.URL.Path)
	}
}

