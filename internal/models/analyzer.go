// internal/models/analyzer.go
package models

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// AnalysisKind 区分分析结果的两种形态
type AnalysisKind string

const (
	AnalysisText       AnalysisKind = "text"
	AnalysisStructured AnalysisKind = "structured"
)

// AnalysisResult 分析结果：自由文本或结构化结果二选一
type AnalysisResult struct {
	Kind       AnalysisKind
	Text       string
	Structured *StructuredAnalysis
}

// StructuredAnalysis 桥接服务返回的结构化分析
type StructuredAnalysis struct {
	Segments               []Segment         `json:"segments,omitempty"`
	SuggestedIllustrations []Suggestion      `json:"suggested_illustrations,omitempty"`
	Twists                 []json.RawMessage `json:"twists,omitempty"`
	Simulated              bool              `json:"simulated,omitempty"`
}

// Suggestion 建议的插图位置
type Suggestion struct {
	Position SlotPosition `json:"position,omitempty"`
	Reason   string       `json:"reason,omitempty"`
	Summary  string       `json:"summary,omitempty"`
	Prompt   string       `json:"prompt,omitempty"`
}

// SlotPosition 兼容数字与字符串两种写法，统一保存为字符串
type SlotPosition string

// UnmarshalJSON 接受 3、"3"、"开头" 以及 null
func (p *SlotPosition) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*p = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*p = SlotPosition(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("position 既不是数字也不是字符串: %s", string(data))
	}
	*p = SlotPosition(n.String())
	return nil
}

// Index 位置为整数时返回该段落序号
func (p SlotPosition) Index() (int, bool) {
	n, err := strconv.Atoi(string(p))
	if err != nil {
		return 0, false
	}
	return n, true
}

// NewTextAnalysis 构造文本形态的结果
func NewTextAnalysis(text string) AnalysisResult {
	return AnalysisResult{Kind: AnalysisText, Text: text}
}

// NewStructuredAnalysis 构造结构化结果，summary 为空时按段落重新渲染
func NewStructuredAnalysis(s *StructuredAnalysis, summary string) AnalysisResult {
	if summary == "" {
		summary = SummarizeStructured(s)
	}
	return AnalysisResult{Kind: AnalysisStructured, Structured: s, Text: summary}
}

// 摘要最多展示的段落数与单段截断长度
const (
	summarySegmentLimit = 6
	summaryTextRunes    = 80
)

// SummarizeStructured 渲染给用户看的摘要：有段落时列出前 6 段，否则输出缩进 JSON
func SummarizeStructured(s *StructuredAnalysis) string {
	if s == nil {
		return ""
	}
	if len(s.Segments) == 0 {
		data, err := json.MarshalIndent(s, "", "  ")
		if err != nil {
			return ""
		}
		return string(data)
	}

	lines := make([]string, 0, summarySegmentLimit)
	for i, seg := range s.Segments {
		if i >= summarySegmentLimit {
			break
		}
		line := seg.Summary
		if line == "" {
			line = TruncateRunes(seg.Text, summaryTextRunes)
		}
		lines = append(lines, fmt.Sprintf("%d. %s", i+1, line))
	}
	return "（后端分析）\n段落摘要：\n" + strings.Join(lines, "\n\n")
}

// TruncateRunes 按字符截断，不追加省略号
func TruncateRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// IsZero 未设置
func (r AnalysisResult) IsZero() bool {
	return r.Kind == "" && r.Text == "" && r.Structured == nil
}

// Suggestions 结构化结果中的建议插图，文本结果为空
func (r AnalysisResult) Suggestions() []Suggestion {
	if r.Structured == nil {
		return nil
	}
	return r.Structured.SuggestedIllustrations
}

// Segments 结构化结果中的段落
func (r AnalysisResult) Segments() []Segment {
	if r.Structured == nil {
		return nil
	}
	return r.Structured.Segments
}

// RawText 可编辑的原始文本：文本结果即文本，结构化结果为缩进 JSON
func (r AnalysisResult) RawText() string {
	if r.Kind == AnalysisStructured && r.Structured != nil {
		data, err := json.MarshalIndent(r.Structured, "", "  ")
		if err == nil {
			return string(data)
		}
	}
	return r.Text
}

// MarshalJSON 文本结果写成 JSON 字符串，结构化结果写成对象
func (r AnalysisResult) MarshalJSON() ([]byte, error) {
	if r.Kind == AnalysisStructured && r.Structured != nil {
		return json.Marshal(r.Structured)
	}
	return json.Marshal(r.Text)
}

// UnmarshalJSON 读回两种形态
func (r *AnalysisResult) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*r = AnalysisResult{}
		return nil
	case data[0] == '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = NewTextAnalysis(s)
		return nil
	case data[0] == '{':
		var s StructuredAnalysis
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*r = NewStructuredAnalysis(&s, "")
		return nil
	default:
		return fmt.Errorf("无法识别的分析结果格式")
	}
}

// ParseEditedAnalysis 用户编辑后的文本：能解析成含 segments 或 suggested_illustrations 的对象则为结构化，否则为文本
func ParseEditedAnalysis(raw string) AnalysisResult {
	trimmed := strings.TrimSpace(raw)
	if strings.HasPrefix(trimmed, "{") {
		var probe map[string]json.RawMessage
		if json.Unmarshal([]byte(trimmed), &probe) == nil {
			_, hasSeg := probe["segments"]
			_, hasSug := probe["suggested_illustrations"]
			if hasSeg || hasSug {
				var s StructuredAnalysis
				if json.Unmarshal([]byte(trimmed), &s) == nil {
					return NewStructuredAnalysis(&s, "")
				}
			}
		}
	}
	return NewTextAnalysis(raw)
}

// AnalysisRecord 持久化在 @analysis_<workId> 下
type AnalysisRecord struct {
	Analysis  AnalysisResult `json:"analysis"`
	CreatedAt time.Time      `json:"createdAt"`
	UpdatedAt *time.Time     `json:"updatedAt,omitempty"`
}

// AnalysisSource 给出结果的回退层级
type AnalysisSource string

const (
	SourceBridge   AnalysisSource = "bridge"
	SourceExternal AnalysisSource = "external"
	SourceDegraded AnalysisSource = "degraded"
	SourceMock     AnalysisSource = "mock"
)

// AnalysisOutcome 分析调用的返回值，告警不作为错误抛出
type AnalysisOutcome struct {
	Result     AnalysisResult `json:"analysis"`
	Source     AnalysisSource `json:"source"`
	Advisories []Advisory     `json:"advisories,omitempty"`
}
