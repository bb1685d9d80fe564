// internal/services/compose_service.go
package services

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	apperrors "github.com/Corphon/huaxu/internal/errors"
	"github.com/Corphon/huaxu/internal/models"
	"github.com/Corphon/huaxu/internal/utils"
)

// segMarker 正文中的 {seg 001} 标记，数字为段落序号
var segMarker = regexp.MustCompile(`(?i)\{seg\s*0*([0-9]+)\}`)

// ComposeResult 合成后的 Markdown 与缺图的插图位
type ComposeResult struct {
	WorkID   string   `json:"workId"`
	Markdown string   `json:"markdown"`
	Missing  []string `json:"missing,omitempty"`
}

// ComposeService 把分析段落与选定插图合成为一篇 Markdown
type ComposeService struct {
	studio     *StudioService
	view       *AnalysisView
	illus      *IllustrationService
	selections *SelectionService
	logger     *utils.Logger
}

// NewComposeService 创建合成服务
func NewComposeService(studio *StudioService, view *AnalysisView, illus *IllustrationService, selections *SelectionService, logger *utils.Logger) *ComposeService {
	return &ComposeService{studio: studio, view: view, illus: illus, selections: selections, logger: logger}
}

type placedSlot struct {
	key        string
	suggestion models.Suggestion
}

// ComposeMarkdown 段落序号从 1 开始，数字 position 为 N 的插图放在第 N 段之后；
// 段落中有 {seg N} 标记时插图替换标记。无法定位的插图放到末尾“其他插图”
func (c *ComposeService) ComposeMarkdown(ctx context.Context, workID string) (*ComposeResult, error) {
	rec, err := c.view.record(ctx, workID)
	if err != nil {
		return nil, err
	}

	title, author := "未命名作品", ""
	var content string
	if tw, err := c.studio.TempWork(ctx, workID); err == nil {
		if tw.Title != "" {
			title = tw.Title
		}
		author, content = tw.Author, tw.Content
	} else if !apperrors.IsNotFoundError(err) {
		return nil, err
	}

	images, err := c.illus.Images(ctx, workID)
	if err != nil {
		return nil, err
	}
	selections, err := c.selections.List(ctx, workID)
	if err != nil {
		return nil, err
	}

	paragraphs := segmentTexts(rec.Analysis, content)
	byIndex := make(map[int][]placedSlot)
	var others []placedSlot
	for i, s := range rec.Analysis.Suggestions() {
		slot := placedSlot{key: SlotKey(s, i), suggestion: s}
		if n, ok := s.Position.Index(); ok && n >= 1 && n <= len(paragraphs) {
			byIndex[n] = append(byIndex[n], slot)
			continue
		}
		others = append(others, slot)
	}

	result := &ComposeResult{WorkID: workID}
	render := func(slot placedSlot) string {
		block, missing := c.imageBlock(slot, images, selections)
		if missing {
			result.Missing = append(result.Missing, slot.key)
		}
		return block
	}

	var b strings.Builder
	b.WriteString("# " + title + "\n\n")
	if author != "" {
		b.WriteString("作者：" + author + "\n\n")
	}

	for i, para := range paragraphs {
		n := i + 1
		used := map[int]bool{}
		para = segMarker.ReplaceAllStringFunc(para, func(m string) string {
			num, _ := strconv.Atoi(segMarker.FindStringSubmatch(m)[1])
			slots, ok := byIndex[num]
			if !ok {
				return m + "\n\n" + fmt.Sprintf("<!-- ⚠️ 未找到对应图片 scene_%03d -->", num)
			}
			used[num] = true
			var parts []string
			for _, slot := range slots {
				if block := render(slot); block != "" {
					parts = append(parts, block)
				}
			}
			return "<!-- " + m + " -->\n\n" + strings.Join(parts, "\n\n")
		})
		for num := range used {
			delete(byIndex, num)
		}

		b.WriteString(strings.TrimSpace(para) + "\n\n")
		for _, slot := range byIndex[n] {
			if block := render(slot); block != "" {
				b.WriteString(block + "\n\n")
			}
		}
		delete(byIndex, n)
	}

	if len(others) > 0 {
		var blocks []string
		for _, slot := range others {
			if block := render(slot); block != "" {
				blocks = append(blocks, block)
			}
		}
		if len(blocks) > 0 {
			b.WriteString("## 其他插图\n\n")
			b.WriteString(strings.Join(blocks, "\n\n") + "\n")
		}
	}

	result.Markdown = strings.TrimRight(b.String(), "\n") + "\n"
	c.logger.Info("阅读稿已合成", map[string]interface{}{
		"work_id":    workID,
		"paragraphs": len(paragraphs),
		"missing":    len(result.Missing),
	})
	return result, nil
}

// imageBlock 已选择的图片优先，其次第一张生成图；放弃或跳过的位置不输出
func (c *ComposeService) imageBlock(slot placedSlot, images models.GeneratedImageMap, selections map[string]models.SlotSelection) (string, bool) {
	alt := slot.suggestion.Summary
	if alt == "" {
		alt = slot.suggestion.Reason
	}
	alt = strings.NewReplacer("[", "", "]", "", "\n", " ").Replace(models.TruncateRunes(alt, 60))

	url := ""
	if sel, ok := selections[slot.key]; ok {
		switch sel.Status {
		case models.SelectionAbandoned, models.SelectionSkipped:
			return "", false
		case models.SelectionSelected:
			url = sel.ImageURL
		}
	}
	if url == "" {
		if urls := images[slot.key]; len(urls) > 0 {
			url = urls[0]
		}
	}
	if url == "" {
		return fmt.Sprintf("<!-- ⚠️ 未找到对应图片 %s -->", slot.key), true
	}
	return fmt.Sprintf("![%s](%s)", alt, url), false
}

// segmentTexts 结构化结果用分析段落，否则按空行以外的行切分原文
func segmentTexts(result models.AnalysisResult, content string) []string {
	if segs := result.Segments(); len(segs) > 0 {
		out := make([]string, 0, len(segs))
		for _, s := range segs {
			out = append(out, s.Text)
		}
		return out
	}
	var out []string
	for _, line := range strings.Split(content, "\n") {
		if t := strings.TrimSpace(line); t != "" {
			out = append(out, t)
		}
	}
	return out
}
