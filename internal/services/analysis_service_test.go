package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/huaxu/internal/llm"
	"github.com/Corphon/huaxu/internal/models"
	"github.com/Corphon/huaxu/internal/storage"
)

func segmentsResult(n int) string {
	segs := make([]string, 0, n)
	for i := 1; i <= n; i++ {
		segs = append(segs, fmt.Sprintf(`{"type":"scene","text":"第%d段正文","summary":"摘要%d"}`, i, i))
	}
	return `{"ok":true,"result":{"segments":[` + strings.Join(segs, ",") + `],"suggested_illustrations":[{"position":1,"prompt":"山"}]}}`
}

func TestAnalyzeUsesBridgeSegments(t *testing.T) {
	var got map[string]interface{}
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(segmentsResult(7)))
	}))

	out := h.analysis.Analyze(context.Background(), "从前有座山")

	assert.Equal(t, models.SourceBridge, out.Source)
	assert.Empty(t, out.Advisories)
	require.Equal(t, models.AnalysisStructured, out.Result.Kind)
	assert.True(t, strings.HasPrefix(out.Result.Text, "（后端分析）\n段落摘要：\n1. 摘要1"))
	assert.Contains(t, out.Result.Text, "6. 摘要6")
	assert.NotContains(t, out.Result.Text, "7. 摘要7")
	assert.Len(t, out.Result.Segments(), 7)
	assert.Equal(t, models.SlotPosition("1"), out.Result.Suggestions()[0].Position)

	assert.Equal(t, "从前有座山", got["text"])
	_, hasKey := got["api_key"]
	assert.False(t, hasKey, "没有开启外部 API 时不携带密钥")
	assert.EqualValues(t, 1, h.counter("analysis_tier_bridge"))
}

func TestAnalyzeBridgeObjectWithoutSegments(t *testing.T) {
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"result":{"suggested_illustrations":[{"position":"开头"}]}}`))
	}))

	out := h.analysis.Analyze(context.Background(), "text")
	require.Equal(t, models.AnalysisStructured, out.Result.Kind)
	assert.Contains(t, out.Result.Text, `"suggested_illustrations"`)
	assert.Contains(t, out.Result.Text, "\n  ")
}

func TestAnalyzeBridgeMediaResponseBecomesText(t *testing.T) {
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":true,"files":["a.png"]}`))
	}))

	out := h.analysis.Analyze(context.Background(), "text")
	assert.Equal(t, models.SourceBridge, out.Source)
	assert.Equal(t, models.AnalysisText, out.Result.Kind)
	assert.Contains(t, out.Result.Text, `"files"`)
}

func TestAnalyzeFallsBackToMock(t *testing.T) {
	h := newHarness(t, nil)

	out := h.analysis.Analyze(context.Background(), "任意文本")
	assert.Equal(t, models.SourceMock, out.Source)
	assert.Equal(t, MockAnalysisText, out.Result.Text)
	assert.Contains(t, out.Result.Text, "模拟分析")
	assert.Empty(t, out.Advisories)
}

func TestAnalyzeBridgeTimeout(t *testing.T) {
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	h.analysis = NewAnalysisService(h.bridge, h.settings, h.metrics, h.logger, AnalysisOptions{BridgeTimeout: 50 * time.Millisecond})

	start := time.Now()
	out := h.analysis.Analyze(context.Background(), "text")
	assert.Equal(t, models.SourceMock, out.Source)
	assert.Less(t, time.Since(start), time.Second)
}

func TestAnalyzeBridgeErrorStatusIsMiss(t *testing.T) {
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	assert.Equal(t, models.SourceMock, h.analysis.Analyze(context.Background(), "x").Source)

	h2 := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false}`))
	}))
	assert.Equal(t, models.SourceMock, h2.analysis.Analyze(context.Background(), "x").Source)
}

func newChatServer(t *testing.T, status int, body string, seen *map[string]interface{}) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		if seen != nil {
			require.NoError(t, json.NewDecoder(r.Body).Decode(seen))
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv.URL + "/v1"
}

func TestAnalyzeExternalSuccess(t *testing.T) {
	var seen map[string]interface{}
	h := newHarness(t, nil)
	h.useExternal(t, models.AdvancedSettings{
		APIKey: "sk-test",
		APIURL: newChatServer(t, http.StatusOK, `{"choices":[{"message":{"content":"外部分析结果"}}]}`, &seen),
		Model:  "Qwen/QwQ-32B",
	})

	out := h.analysis.Analyze(context.Background(), "从前有座山")
	assert.Equal(t, models.SourceExternal, out.Source)
	assert.Equal(t, "外部分析结果", out.Result.Text)
	assert.Empty(t, out.Advisories)

	assert.Equal(t, "Qwen/QwQ-32B", seen["model"])
	assert.EqualValues(t, 1200, seen["max_tokens"])
	assert.InDelta(t, 0.2, seen["temperature"], 0.001)
	msgs := seen["messages"].([]interface{})
	require.Len(t, msgs, 2)
	assert.Equal(t, "用户文本：\n从前有座山", msgs[1].(map[string]interface{})["content"])
}

func TestAnalyzeBridgeReceivesSettingsWhenEnabled(t *testing.T) {
	var got map[string]interface{}
	h := newHarness(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"ok":true,"result":"纯文本结果"}`))
	}))
	h.useExternal(t, models.AdvancedSettings{APIKey: "sk-test", APIURL: "http://api", Provider: "siliconflow"})

	out := h.analysis.Analyze(context.Background(), "x")
	assert.Equal(t, models.AnalysisText, out.Result.Kind)
	assert.Equal(t, `"纯文本结果"`, out.Result.Text)
	assert.Equal(t, "sk-test", got["api_key"])
	assert.Equal(t, "http://api", got["api_url"])
	assert.Equal(t, models.DefaultChatModel, got["model"])
	assert.Equal(t, "siliconflow", got["provider"])
}

func TestAnalyzeExternalPaymentDegrades(t *testing.T) {
	h := newHarness(t, nil)
	h.useExternal(t, models.AdvancedSettings{
		APIKey: "sk-test",
		APIURL: newChatServer(t, http.StatusPaymentRequired, `{"code":30011,"message":"Model requires paid balance"}`, nil),
	})

	text := longText(350)
	out := h.analysis.Analyze(context.Background(), text)

	assert.Equal(t, models.SourceDegraded, out.Source)
	assert.True(t, strings.HasPrefix(out.Result.Text, "（降级模拟分析，基于用户文本片段）\n用户原文片段：\n"+longText(300)+"...\n\n"))
	assert.Contains(t, out.Result.Text, "（注：请求返回 402，响应体：")
	assert.Contains(t, out.Result.Text, "建议插图位置：第若干段（基于文本关键词）")

	require.Len(t, out.Advisories, 1)
	assert.Equal(t, models.AdvisoryPayment, out.Advisories[0].Kind)
	assert.Equal(t, "AI 服务拒绝（需付费）", out.Advisories[0].Title)
	assert.EqualValues(t, 1, h.counter("analysis_tier_degraded"))
}

func TestAnalyzeExternalNetworkFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.useExternal(t, models.AdvancedSettings{APIKey: "sk-test", APIURL: deadURL(t) + "/v1"})

	out := h.analysis.Analyze(context.Background(), "短文本")
	assert.Equal(t, models.SourceDegraded, out.Source)
	assert.Contains(t, out.Result.Text, "用户原文片段：\n短文本\n\n概要：")
	assert.NotContains(t, out.Result.Text, "（注：")
	require.Len(t, out.Advisories, 1)
	assert.Equal(t, "无法连接 AI 服务，已使用基于你文本片段的降级模拟分析。", out.Advisories[0].Message)
}

func TestAnalyzeSettingsReadFailure(t *testing.T) {
	h := newHarness(t, nil)
	h.kv.FailGet(storage.AdvancedSettingsKey)

	out := h.analysis.Analyze(context.Background(), "x")
	assert.Equal(t, models.SourceMock, out.Source)
	require.Len(t, out.Advisories, 1)
	assert.Equal(t, models.AdvisoryStorage, out.Advisories[0].Kind)
}

func TestClassifyProviderError(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		kind    models.AdvisoryKind
		title   string
		message string
	}{
		{
			name:    "付费代码",
			err:     &llm.APIError{StatusCode: 403, Code: "30011"},
			kind:    models.AdvisoryPayment,
			title:   "AI 服务拒绝（需付费）",
			message: "所选模型需要付费或余额不足，请充值或更换模型/Key。",
		},
		{
			name:    "余额不足文案",
			err:     &llm.APIError{StatusCode: 400, Message: "Your balance is insufficient"},
			kind:    models.AdvisoryPayment,
			title:   "AI 服务拒绝（需付费）",
			message: "Your balance is insufficient",
		},
		{
			name:    "模型不存在代码",
			err:     &llm.APIError{StatusCode: 400, Code: "20012"},
			kind:    models.AdvisoryInvalidModel,
			title:   "模型不存在",
			message: "模型不存在，请检查模型名称。\n\n请在设置 -> 高级选项中将模型字段改为：\nQwen/QwQ-32B\nQwen/Qwen2.5-72B-Instruct\ndeepseek-ai/DeepSeek-V3",
		},
		{
			name:  "模型不存在文案",
			err:   fmt.Errorf("wrapped: %w", &llm.APIError{StatusCode: 404, Message: "模型不存在"}),
			kind:  models.AdvisoryInvalidModel,
			title: "模型不存在",
		},
		{
			name:    "其他状态",
			err:     &llm.APIError{StatusCode: 500, Body: "oops"},
			kind:    models.AdvisoryUnavailable,
			title:   "⚠️ AI 服务不可用",
			message: "AI 服务响应异常，已使用基于你文本片段的降级模拟分析。",
		},
		{
			name:    "网络错误",
			err:     errors.New("dial tcp: connection refused"),
			kind:    models.AdvisoryUnavailable,
			title:   "⚠️ AI 服务不可用",
			message: "无法连接 AI 服务，已使用基于你文本片段的降级模拟分析。",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			adv := ClassifyProviderError(tt.err)
			assert.Equal(t, tt.kind, adv.Kind)
			assert.Equal(t, tt.title, adv.Title)
			if tt.message != "" {
				assert.Equal(t, tt.message, adv.Message)
			}
			if tt.kind == models.AdvisoryInvalidModel {
				assert.Equal(t, SuggestedModels, adv.SuggestedModels)
			}
		})
	}
}

func TestNewChatProviderFallsBackToOpenAI(t *testing.T) {
	p, err := newChatProvider(models.AdvancedSettings{APIKey: "k", Provider: "no-such"})
	require.NoError(t, err)
	assert.Equal(t, "OpenAI", p.GetName())

	p, err = newChatProvider(models.AdvancedSettings{APIKey: "k", Provider: "SiliconFlow"})
	require.NoError(t, err)
	assert.Equal(t, "SiliconFlow", p.GetName())

	p, err = newChatProvider(models.AdvancedSettings{APIKey: "k", Provider: "anthropic"})
	require.NoError(t, err)
	assert.Equal(t, "Anthropic Claude", p.GetName())

	assert.Subset(t, ChatProviders(), []string{"anthropic", "google", "openai", "qwen"})
}
