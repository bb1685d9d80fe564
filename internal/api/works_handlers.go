// internal/api/works_handlers.go
package api

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/huaxu/internal/models"
	"github.com/Corphon/huaxu/internal/services"
)

// ========================================
// 作品列表
// ========================================

// queryFilters 支持 ?category=a&category=b 与 ?category=a,b 两种写法
func queryFilters(c *gin.Context) []string {
	var filters []string
	for _, v := range c.QueryArray("category") {
		for _, f := range strings.Split(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				filters = append(filters, f)
			}
		}
	}
	return filters
}

// GetWorks GET /api/works
func (h *Handler) GetWorks(c *gin.Context) {
	works, err := h.Works.List(c.Request.Context())
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	filters := queryFilters(c)
	if len(filters) == 0 {
		filters = []string{models.CategoryAll}
	}
	h.Response.Success(c, gin.H{
		"works":      services.FilterWorks(works, filters),
		"filters":    filters,
		"categories": models.Categories,
	})
}

// GetWork GET /api/works/:id
func (h *Handler) GetWork(c *gin.Context) {
	work, err := h.Works.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, work)
}

// CreateWork POST /api/works
func (h *Handler) CreateWork(c *gin.Context) {
	var item models.WorkItem
	if err := c.ShouldBindJSON(&item); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}
	item.ID = ""
	saved, err := h.Works.Upsert(c.Request.Context(), item)
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Created(c, saved, "作品已创建")
}

// UpdateWork PUT /api/works/:id
func (h *Handler) UpdateWork(c *gin.Context) {
	ctx := c.Request.Context()
	if _, err := h.Works.Get(ctx, c.Param("id")); err != nil {
		h.Response.HandleError(c, err)
		return
	}

	var item models.WorkItem
	if err := c.ShouldBindJSON(&item); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}
	item.ID = c.Param("id")
	saved, err := h.Works.Upsert(ctx, item)
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, saved, "作品已更新")
}

// DeleteWork DELETE /api/works/:id
func (h *Handler) DeleteWork(c *gin.Context) {
	if err := h.Works.Delete(c.Request.Context(), c.Param("id")); err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"id": c.Param("id")}, "作品已删除")
}

// ToggleFilterRequest 当前筛选项与点击的分类
type ToggleFilterRequest struct {
	Current []string `json:"current"`
	Value   string   `json:"value" binding:"required"`
}

// ToggleFilter POST /api/filters/toggle
func (h *Handler) ToggleFilter(c *gin.Context) {
	var req ToggleFilterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}
	h.Response.Success(c, gin.H{"filters": services.ToggleFilter(req.Current, req.Value)})
}

// ========================================
// 插图选择
// ========================================

// GetSelections GET /api/works/:id/selections
func (h *Handler) GetSelections(c *gin.Context) {
	selections, err := h.Selections.List(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, selections)
}

// GetSelection GET /api/works/:id/selections/:slot
func (h *Handler) GetSelection(c *gin.Context) {
	sel, err := h.Selections.Get(c.Request.Context(), c.Param("id"), c.Param("slot"))
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, sel)
}

// SelectionRequest select 需要 imageUrl；abandon 与 skip 不需要
type SelectionRequest struct {
	Action   string `json:"action" binding:"required"`
	ImageURL string `json:"imageUrl"`
}

// UpdateSelection PUT /api/works/:id/selections/:slot
func (h *Handler) UpdateSelection(c *gin.Context) {
	var req SelectionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}
	sel, err := h.Selections.Apply(c.Request.Context(), c.Param("id"), c.Param("slot"), req.Action, req.ImageURL)
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, sel)
}

// ========================================
// 设置
// ========================================

// GetAdvancedSettings GET /api/settings/advanced，密钥只返回掩码
func (h *Handler) GetAdvancedSettings(c *gin.Context) {
	settings, err := h.Settings.Advanced(c.Request.Context())
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, gin.H{
		"settings":        settings.Masked(),
		"suggestedModels": services.SuggestedModels,
		"providers":       services.ChatProviders(),
	})
}

// SaveAdvancedSettings PUT /api/settings/advanced
func (h *Handler) SaveAdvancedSettings(c *gin.Context) {
	var req models.AdvancedSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}
	saved, err := h.Settings.SaveAdvanced(c.Request.Context(), req)
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, gin.H{"settings": saved.Masked()}, "设置已保存")
}

// GetNotificationSettings GET /api/settings/notifications
func (h *Handler) GetNotificationSettings(c *gin.Context) {
	settings, err := h.Settings.Notifications(c.Request.Context())
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, settings)
}

// SaveNotificationSettings PUT /api/settings/notifications
func (h *Handler) SaveNotificationSettings(c *gin.Context) {
	var req models.NotificationSettings
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}
	if err := h.Settings.SaveNotifications(c.Request.Context(), req); err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, req, "通知设置已保存")
}

// ToggleNotificationRequest 单个开关
type ToggleNotificationRequest struct {
	Enabled bool `json:"enabled"`
}

// ToggleNotification PATCH /api/settings/notifications/:name
func (h *Handler) ToggleNotification(c *gin.Context) {
	var req ToggleNotificationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.Response.BadRequest(c, "请求参数错误", err.Error())
		return
	}
	settings, err := h.Settings.SetNotification(c.Request.Context(), c.Param("name"), req.Enabled)
	if err != nil {
		h.Response.HandleError(c, err)
		return
	}
	h.Response.Success(c, settings)
}
