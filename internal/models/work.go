// internal/models/work.go
package models

import "time"

// WorkItem 作品列表条目
type WorkItem struct {
	ID            string     `json:"id"`
	Title         string     `json:"title"`
	Author        string     `json:"author"`
	Category      string     `json:"category"`
	CategoryColor string     `json:"categoryColor"`
	Description   string     `json:"description,omitempty"`
	CoverImage    string     `json:"coverImage,omitempty"`
	LastModified  *time.Time `json:"lastModified,omitempty"`
	Created       *time.Time `json:"created,omitempty"`
}

// 作品分类
const (
	CategoryAll     = "all"
	CategoryFairy   = "童话故事"
	CategoryScifi   = "科幻冒险"
	CategoryAnimal  = "动物故事"
	CategoryFantasy = "魔法奇幻"
)

// Categories 可筛选的分类（不含 all）
var Categories = []string{CategoryFairy, CategoryScifi, CategoryAnimal, CategoryFantasy}

var categoryColors = map[string]string{
	CategoryFairy:   "#10b981",
	CategoryScifi:   "#3b82f6",
	CategoryAnimal:  "#f59e0b",
	CategoryFantasy: "#8b5cf6",
}

// CategoryColor 分类对应的标签颜色
func CategoryColor(category string) string {
	if c, ok := categoryColors[category]; ok {
		return c
	}
	return "#6366f1"
}
