// internal/models/draft.go
package models

import (
	"strings"
	"time"
	"unicode/utf8"
)

// WorkDraft 当前草稿，只存在一份
type WorkDraft struct {
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}

// 进入分析前正文至少需要的字符数（不含首尾空白）
const MinContentRunes = 100

// Trimmed 去掉首尾空白后的副本
func (d WorkDraft) Trimmed() WorkDraft {
	d.Title = strings.TrimSpace(d.Title)
	d.Author = strings.TrimSpace(d.Author)
	d.Content = strings.TrimSpace(d.Content)
	return d
}

// CanProceed 标题、作者非空且正文超过 100 字才能开始分析
func (d WorkDraft) CanProceed() bool {
	t := d.Trimmed()
	return t.Title != "" && t.Author != "" && utf8.RuneCountInString(t.Content) > MinContentRunes
}

// DraftStats 字数与段落数
type DraftStats struct {
	Characters int `json:"characters"`
	Paragraphs int `json:"paragraphs"`
}

// Stats 统计正文字符数与非空段落数
func (d WorkDraft) Stats() DraftStats {
	paragraphs := 0
	for _, line := range strings.Split(d.Content, "\n") {
		if strings.TrimSpace(line) != "" {
			paragraphs++
		}
	}
	return DraftStats{
		Characters: utf8.RuneCountInString(d.Content),
		Paragraphs: paragraphs,
	}
}

// SaveState 自动保存状态
type SaveState string

const (
	SaveIdle   SaveState = "idle"
	SaveDirty  SaveState = "dirty"
	SaveSaving SaveState = "saving"
	SaveSaved  SaveState = "saved"
	SaveFailed SaveState = "save_failed"
)

// Label 界面上显示的状态文字
func (s SaveState) Label() string {
	switch s {
	case SaveSaving:
		return "保存中..."
	case SaveFailed:
		return "保存失败"
	case SaveDirty:
		return "未保存"
	default:
		return "已保存"
	}
}

// TempWork 开始分析时的草稿快照
type TempWork struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	Author    string    `json:"author"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"createdAt"`
}
