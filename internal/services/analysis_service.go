// internal/services/analysis_service.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/Corphon/huaxu/internal/bridge"
	"github.com/Corphon/huaxu/internal/llm"
	_ "github.com/Corphon/huaxu/internal/llm/providers/anthropic"
	_ "github.com/Corphon/huaxu/internal/llm/providers/google"
	_ "github.com/Corphon/huaxu/internal/llm/providers/openai"
	"github.com/Corphon/huaxu/internal/models"
	"github.com/Corphon/huaxu/internal/utils"
)

const (
	// 外部分析提示词
	analysisSystemPrompt = "你是一个有经验的故事分析师，任务是：请分析以下文本的故事脉络，理清文本包含哪些故事，其是否存在明线暗线并且理清。输出应包含：\n1) 概要（两到三段）\n2) 识别出的线索/情节（分段列出明线与暗线）\n3) 建议的插图位置（给出段落索引或关键词）"
	analysisUserPrefix   = "用户文本：\n"

	// MockAnalysisText 没有任何可用服务时的固定结果
	MockAnalysisText = "（模拟分析）\n概要：\n该故事讲述了……（示例）\n明线：主人公寻找秘密花园……\n暗线：花园守护者的过去与秘密……\n建议插图位置：开头、高潮、结尾。"

	degradedSnippetRunes = 300
	externalMaxTokens    = 1200
	externalTemperature  = 0.2
	externalTimeout      = 60 * time.Second
)

// SuggestedModels 模型不存在时推荐的替代模型
var SuggestedModels = []string{"Qwen/QwQ-32B", "Qwen/Qwen2.5-72B-Instruct", "deepseek-ai/DeepSeek-V3"}

// ChatProviders 可在高级设置 provider 字段中选择的服务
func ChatProviders() []string {
	return llm.ListProviders()
}

var paidBalancePattern = regexp.MustCompile(`(?i)paid balance|balance is insufficient|requires paid`)

// analysisStrategy 回退链中的一级；ok 为 false 表示交给下一级
type analysisStrategy interface {
	source() models.AnalysisSource
	try(ctx context.Context, text string, settings models.AdvancedSettings) (outcome models.AnalysisOutcome, ok bool)
}

// AnalysisOptions 分析服务参数
type AnalysisOptions struct {
	BridgeTimeout time.Duration
	MaxConcurrent int
}

// AnalysisService 按 本地桥接 -> 外部 API -> 模拟 的顺序分析文本，永不返回错误
type AnalysisService struct {
	strategies []analysisStrategy
	settings   *SettingsService
	metrics    *utils.StudioMetrics
	logger     *utils.Logger
	semaphore  chan struct{}
}

// NewAnalysisService 创建分析服务
func NewAnalysisService(client *bridge.Client, settings *SettingsService, metrics *utils.StudioMetrics, logger *utils.Logger, opts AnalysisOptions) *AnalysisService {
	if opts.BridgeTimeout <= 0 {
		opts.BridgeTimeout = 8 * time.Second
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	return &AnalysisService{
		strategies: []analysisStrategy{
			&bridgeAnalysis{client: client, timeout: opts.BridgeTimeout, logger: logger},
			&externalAnalysis{logger: logger},
			mockAnalysis{},
		},
		settings:  settings,
		metrics:   metrics,
		logger:    logger,
		semaphore: make(chan struct{}, opts.MaxConcurrent),
	}
}

// Analyze 分析文本。任何网络或服务错误都被吸收为降级结果与提示
func (s *AnalysisService) Analyze(ctx context.Context, text string) models.AnalysisOutcome {
	start := time.Now()

	select {
	case s.semaphore <- struct{}{}:
		defer func() { <-s.semaphore }()
	case <-ctx.Done():
		return s.finish(mockOutcome(), start)
	}

	var advisories []models.Advisory
	settings, err := s.settings.Advanced(ctx)
	if err != nil {
		s.logger.Warn("读取高级设置失败，按默认设置分析", map[string]interface{}{"error": err})
		advisories = append(advisories, models.Advisory{
			Kind:    models.AdvisoryStorage,
			Title:   "读取设置失败",
			Message: "无法读取高级设置，已按默认设置进行分析。",
		})
	}

	for _, strategy := range s.strategies {
		outcome, ok := strategy.try(ctx, text, settings)
		if !ok {
			continue
		}
		outcome.Advisories = append(advisories, outcome.Advisories...)
		return s.finish(outcome, start)
	}
	return s.finish(mockOutcome(), start)
}

func (s *AnalysisService) finish(outcome models.AnalysisOutcome, start time.Time) models.AnalysisOutcome {
	s.metrics.RecordAnalysisTier(string(outcome.Source), time.Since(start))
	s.logger.Info("文本分析完成", map[string]interface{}{
		"tier":        outcome.Source,
		"kind":        outcome.Result.Kind,
		"advisories":  len(outcome.Advisories),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return outcome
}

// bridgeAnalysis 本地桥接服务
type bridgeAnalysis struct {
	client  *bridge.Client
	timeout time.Duration
	logger  *utils.Logger
}

func (b *bridgeAnalysis) source() models.AnalysisSource { return models.SourceBridge }

func (b *bridgeAnalysis) try(ctx context.Context, text string, settings models.AdvancedSettings) (models.AnalysisOutcome, bool) {
	if b.client == nil {
		return models.AnalysisOutcome{}, false
	}
	req := bridge.AnalyzeRequest{Text: text}
	if settings.UseAIAPI {
		req.APIKey = settings.APIKey
		req.APIURL = settings.APIURL
		req.Model = settings.Model
		req.Provider = settings.Provider
	}

	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	resp, err := b.client.Analyze(callCtx, req)
	if err != nil {
		b.logger.Warn("本地后端不可用或超时，回退到外部 API", map[string]interface{}{"error": err})
		return models.AnalysisOutcome{}, false
	}

	var result models.AnalysisResult
	if resp.HasResult() {
		result = resultFromBridge(resp.Result)
	} else {
		result = models.NewTextAnalysis(indentJSON(resp.Raw))
	}
	return models.AnalysisOutcome{Result: result, Source: models.SourceBridge}, true
}

// resultFromBridge 对象形式的 result 作为结构化结果；有 segments 时摘要列段落，否则摘要为缩进 JSON
func resultFromBridge(raw json.RawMessage) models.AnalysisResult {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '{' {
		var structured models.StructuredAnalysis
		if err := json.Unmarshal(trimmed, &structured); err == nil {
			summary := ""
			if len(structured.Segments) == 0 {
				summary = indentJSON(trimmed)
			}
			return models.NewStructuredAnalysis(&structured, summary)
		}
	}
	return models.NewTextAnalysis(indentJSON(trimmed))
}

func indentJSON(raw []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		return string(raw)
	}
	return buf.String()
}

// externalAnalysis OpenAI 兼容的外部 API；启用后无论成败都给出结果
type externalAnalysis struct {
	logger *utils.Logger
}

func (e *externalAnalysis) source() models.AnalysisSource { return models.SourceExternal }

func (e *externalAnalysis) try(ctx context.Context, text string, settings models.AdvancedSettings) (models.AnalysisOutcome, bool) {
	if !settings.ExternalChatEnabled() {
		return models.AnalysisOutcome{}, false
	}

	provider, err := newChatProvider(settings)
	if err != nil {
		e.logger.Warn("创建外部 AI 客户端失败", map[string]interface{}{"error": err})
		return degradedOutcome(text, err), true
	}

	callCtx, cancel := context.WithTimeout(ctx, externalTimeout)
	defer cancel()

	resp, err := provider.CompleteText(callCtx, llm.CompletionRequest{
		SystemPrompt: analysisSystemPrompt,
		Prompt:       analysisUserPrefix + text,
		Model:        settings.Model,
		MaxTokens:    externalMaxTokens,
		Temperature:  externalTemperature,
	})
	if err != nil {
		e.logger.Warn("AI 服务调用失败，回退到降级模拟分析", map[string]interface{}{
			"provider": provider.GetName(),
			"error":    err,
		})
		return degradedOutcome(text, err), true
	}
	return models.AnalysisOutcome{
		Result: models.NewTextAnalysis(resp.Text),
		Source: models.SourceExternal,
	}, true
}

// newChatProvider provider 字段为空或未注册时使用 openai
func newChatProvider(settings models.AdvancedSettings) (llm.Provider, error) {
	cfg := map[string]string{
		"api_key":       settings.APIKey,
		"api_url":       settings.APIURL,
		"default_model": settings.Model,
	}
	name := strings.TrimSpace(settings.Provider)
	if name != "" {
		if p, err := llm.GetProvider(name, cfg); err == nil {
			return p, nil
		} else if !errors.Is(err, llm.ErrUnknownProvider) {
			return nil, err
		}
	}
	return llm.GetProvider("openai", cfg)
}

// degradedOutcome 外部 API 失败时基于用户文本片段的降级结果
func degradedOutcome(text string, err error) models.AnalysisOutcome {
	snippet := text
	if r := []rune(text); len(r) > degradedSnippetRunes {
		snippet = string(r[:degradedSnippetRunes]) + "..."
	}

	var b strings.Builder
	b.WriteString("（降级模拟分析，基于用户文本片段）\n用户原文片段：\n")
	b.WriteString(snippet)
	b.WriteString("\n\n")

	var apiErr *llm.APIError
	if errors.As(err, &apiErr) {
		b.WriteString("（注：请求返回 ")
		b.WriteString(strconv.Itoa(apiErr.StatusCode))
		b.WriteString("，响应体：")
		b.WriteString(apiErr.Body)
		b.WriteString("）\n\n")
	}
	b.WriteString("概要：\n根据上述用户文本，可判断该故事的核心是...（模拟）\n明线：...\n暗线：...\n建议插图位置：第若干段（基于文本关键词）")

	return models.AnalysisOutcome{
		Result:     models.NewTextAnalysis(b.String()),
		Source:     models.SourceDegraded,
		Advisories: []models.Advisory{ClassifyProviderError(err)},
	}
}

// ClassifyProviderError 把外部服务错误归类为付费、模型不存在或通用不可用提示
func ClassifyProviderError(err error) models.Advisory {
	var apiErr *llm.APIError
	if !errors.As(err, &apiErr) {
		return models.Advisory{
			Kind:    models.AdvisoryUnavailable,
			Title:   "⚠️ AI 服务不可用",
			Message: "无法连接 AI 服务，已使用基于你文本片段的降级模拟分析。",
		}
	}

	switch {
	case apiErr.Code == "30011" || paidBalancePattern.MatchString(apiErr.Message):
		msg := apiErr.Message
		if msg == "" {
			msg = "所选模型需要付费或余额不足，请充值或更换模型/Key。"
		}
		return models.Advisory{Kind: models.AdvisoryPayment, Title: "AI 服务拒绝（需付费）", Message: msg}
	case apiErr.Code == "20012" || strings.Contains(apiErr.Message, "模型不存在"):
		msg := apiErr.Message
		if msg == "" {
			msg = "模型不存在，请检查模型名称。"
		}
		return models.Advisory{
			Kind:            models.AdvisoryInvalidModel,
			Title:           "模型不存在",
			Message:         msg + "\n\n请在设置 -> 高级选项中将模型字段改为：\n" + strings.Join(SuggestedModels, "\n"),
			SuggestedModels: append([]string(nil), SuggestedModels...),
		}
	default:
		return models.Advisory{
			Kind:    models.AdvisoryUnavailable,
			Title:   "⚠️ AI 服务不可用",
			Message: "AI 服务响应异常，已使用基于你文本片段的降级模拟分析。",
		}
	}
}

// mockAnalysis 最后一级
type mockAnalysis struct{}

func (mockAnalysis) source() models.AnalysisSource { return models.SourceMock }

func (mockAnalysis) try(context.Context, string, models.AdvancedSettings) (models.AnalysisOutcome, bool) {
	return mockOutcome(), true
}

func mockOutcome() models.AnalysisOutcome {
	return models.AnalysisOutcome{Result: models.NewTextAnalysis(MockAnalysisText), Source: models.SourceMock}
}
