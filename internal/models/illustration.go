// internal/models/illustration.go
package models

import "time"

// ImageResultKind 图像生成结果形态
type ImageResultKind string

const (
	ImageURL     ImageResultKind = "url"
	ImageFiles   ImageResultKind = "files"
	ImageMessage ImageResultKind = "message"
)

// ImageResult 图像生成结果，Message 形态表示没有真实图片
type ImageResult struct {
	Kind       ImageResultKind `json:"kind"`
	URLs       []string        `json:"urls,omitempty"`
	Message    string          `json:"message,omitempty"`
	Simulated  bool            `json:"simulated,omitempty"`
	Source     string          `json:"source"`
	Advisories []Advisory      `json:"advisories,omitempty"`
}

// HasImages 是否拿到了可展示的图片地址
func (r ImageResult) HasImages() bool {
	return r.Kind != ImageMessage && len(r.URLs) > 0
}

// GeneratedImageMap 插图位 -> 图片地址列表
type GeneratedImageMap map[string][]string

// SelectionStatus 插图选择状态
type SelectionStatus string

const (
	SelectionPending   SelectionStatus = "待选择"
	SelectionSelected  SelectionStatus = "已选择"
	SelectionAbandoned SelectionStatus = "已放弃"
	SelectionSkipped   SelectionStatus = "已跳过"
)

// SlotSelection 单个插图位的选择结果
type SlotSelection struct {
	SlotKey   string          `json:"slotKey"`
	Status    SelectionStatus `json:"status"`
	ImageURL  string          `json:"imageUrl,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

// BatchProgress 批量生成进度
type BatchProgress struct {
	WorkID string `json:"work_id"`
	Done   int    `json:"done"`
	Total  int    `json:"total"`
	Failed int    `json:"failed"`
	Status string `json:"status"`
}

// TempImage 自由生成的图片，保存在 @temp_img_<uuid> 下
type TempImage struct {
	ID        string    `json:"-"`
	URL       string    `json:"url"`
	Prompt    string    `json:"prompt"`
	CreatedAt time.Time `json:"createdAt"`
}
