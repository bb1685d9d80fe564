// internal/llm/providers/openai/openai.go
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"

	"github.com/Corphon/huaxu/internal/llm"
)

// 各兼容服务的默认地址
const (
	DefaultChatURL        = "https://api.openai.com/v1/chat/completions"
	openRouterBaseURL     = "https://openrouter.ai/api/v1"
	siliconFlowBaseURL    = "https://api.siliconflow.cn/v1"
	glmBaseURL            = "https://open.bigmodel.cn/api/paas/v4"
	qwenBaseURL           = "https://dashscope.aliyuncs.com/compatible-mode/v1"
	grokBaseURL           = "https://api.x.ai/v1"
	githubModelsChatURL   = "https://models.inference.ai.azure.com/chat/completions"
	defaultModel          = "gpt-4"
	defaultImageModel     = "sd-xl-1.0"
	defaultImageSize      = "1024x1024"
	maxErrorBodyBytes     = 64 << 10
	openRouterDefaultName = "HuaXu Studio"
)

func init() {
	llm.Register("openai", func() llm.Provider {
		return &Provider{name: "OpenAI", defaultChatURL: DefaultChatURL}
	})
	llm.Register("openrouter", func() llm.Provider {
		return &Provider{
			name:           "OpenRouter",
			defaultChatURL: openRouterBaseURL,
			extraHeaders: map[string]string{
				"HTTP-Referer": "http://127.0.0.1",
				"X-Title":      openRouterDefaultName,
			},
		}
	})
	llm.Register("siliconflow", func() llm.Provider {
		return &Provider{name: "SiliconFlow", defaultChatURL: siliconFlowBaseURL}
	})
	// 以下服务同样兼容 chat/completions
	llm.Register("glm", func() llm.Provider {
		return &Provider{name: "智谱 GLM", defaultChatURL: glmBaseURL}
	})
	llm.Register("qwen", func() llm.Provider {
		return &Provider{name: "通义千问", defaultChatURL: qwenBaseURL}
	})
	llm.Register("grok", func() llm.Provider {
		return &Provider{name: "xAI Grok", defaultChatURL: grokBaseURL}
	})
	llm.Register("githubmodels", func() llm.Provider {
		return &Provider{name: "GitHub Models", defaultChatURL: githubModelsChatURL}
	})
}

// Provider OpenAI 兼容接口（chat/completions 与 images/generate）
type Provider struct {
	name           string
	apiKey         string
	apiURL         string
	defaultChatURL string
	defaultModel   string
	client         *http.Client
	extraHeaders   map[string]string
}

// New 直接构造，不经过注册表
func New(config map[string]string) (*Provider, error) {
	p := &Provider{name: "OpenAI", defaultChatURL: DefaultChatURL}
	if err := p.Initialize(config); err != nil {
		return nil, err
	}
	return p, nil
}

// Initialize 读取 api_key、api_url、default_model
func (p *Provider) Initialize(config map[string]string) error {
	apiKey := strings.TrimSpace(config["api_key"])
	if apiKey == "" {
		return errors.New("API密钥未提供")
	}
	p.apiKey = apiKey
	p.apiURL = strings.TrimSpace(config["api_url"])
	p.defaultModel = config["default_model"]
	if p.client == nil {
		p.client = &http.Client{}
	}
	return nil
}

func (p *Provider) GetName() string {
	return p.name
}

var (
	versionSegment = regexp.MustCompile(`(?i)v\d+`)
	endsWithV1     = regexp.MustCompile(`(?i)/v1$`)
	imageEndpoint  = regexp.MustCompile(`(?i)generate|images|image`)
	imageEndsV1    = regexp.MustCompile(`(?i)v1$`)
)

// NormalizeChatURL 用户可能只填了 base URL，补全为 chat/completions 地址
func NormalizeChatURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return u
	}
	u = strings.TrimSuffix(u, "/")
	lower := strings.ToLower(u)
	switch {
	case strings.Contains(lower, "/chat/") || strings.Contains(lower, "completions"):
		return u
	case endsWithV1.MatchString(u):
		return u + "/chat/completions"
	case !versionSegment.MatchString(u):
		return u + "/v1/chat/completions"
	default:
		return u + "/chat/completions"
	}
}

// NormalizeImageURL 补全为 images/generate 地址
func NormalizeImageURL(raw string) string {
	u := strings.TrimSpace(raw)
	if u == "" {
		return u
	}
	u = strings.TrimSuffix(u, "/")
	switch {
	case imageEndpoint.MatchString(u):
		return u
	case imageEndsV1.MatchString(u):
		return u + "/images/generate"
	default:
		return u + "/v1/images/generate"
	}
}

func (p *Provider) chatURL() string {
	if p.apiURL != "" {
		return NormalizeChatURL(p.apiURL)
	}
	return NormalizeChatURL(p.defaultChatURL)
}

func (p *Provider) post(ctx context.Context, url string, body interface{}) ([]byte, error) {
	jsonData, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)
	for k, v := range p.extraHeaders {
		httpReq.Header.Set(k, v)
	}

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(httpResp.Body, 8<<20))
	if err != nil {
		return nil, err
	}
	if httpResp.StatusCode != http.StatusOK {
		if len(data) > maxErrorBodyBytes {
			data = data[:maxErrorBodyBytes]
		}
		return nil, llm.NewAPIError(httpResp.StatusCode, data)
	}
	return data, nil
}

// CompleteText 调用 chat/completions。优先取 message.content，其次 text，最后返回原始 JSON
func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		model = defaultModel
	}

	messages := []map[string]string{}
	if req.SystemPrompt != "" {
		messages = append(messages, map[string]string{"role": "system", "content": req.SystemPrompt})
	}
	messages = append(messages, map[string]string{"role": "user", "content": req.Prompt})

	requestBody := map[string]interface{}{
		"model":       model,
		"messages":    messages,
		"temperature": req.Temperature,
	}
	if req.MaxTokens > 0 {
		requestBody["max_tokens"] = req.MaxTokens
	}

	data, err := p.post(ctx, p.chatURL(), requestBody)
	if err != nil {
		return nil, err
	}

	var response struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
			Text         string `json:"text"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			TotalTokens int `json:"total_tokens"`
		} `json:"usage"`
		Model string `json:"model"`
	}
	out := &llm.CompletionResponse{ModelName: model, ProviderName: p.GetName()}
	if err := json.Unmarshal(data, &response); err != nil {
		out.Text = string(data)
		return out, nil
	}
	if response.Model != "" {
		out.ModelName = response.Model
	}
	out.TokensUsed = response.Usage.TotalTokens

	if len(response.Choices) > 0 {
		c := response.Choices[0]
		out.FinishReason = c.FinishReason
		if c.Message.Content != "" {
			out.Text = c.Message.Content
			return out, nil
		}
		if c.Text != "" {
			out.Text = c.Text
			return out, nil
		}
	}
	out.Text = string(data)
	return out, nil
}

// GenerateImage 调用图像接口，依次尝试 data/result/output 中第一个 url
func (p *Provider) GenerateImage(ctx context.Context, req llm.ImageRequest) (*llm.ImageResponse, error) {
	if p.apiURL == "" {
		return nil, errors.New("图像 API 地址未配置")
	}
	model := req.Model
	if model == "" {
		model = defaultImageModel
	}
	size := req.Size
	if size == "" {
		size = defaultImageSize
	}

	data, err := p.post(ctx, NormalizeImageURL(p.apiURL), map[string]interface{}{
		"model":  model,
		"prompt": req.Prompt,
		"size":   size,
	})
	if err != nil {
		return nil, err
	}

	type item struct {
		URL string `json:"url"`
	}
	var response struct {
		Data   []item `json:"data"`
		Result []item `json:"result"`
		Output []item `json:"output"`
	}
	if err := json.Unmarshal(data, &response); err != nil {
		return nil, fmt.Errorf("解析图像响应失败: %w", err)
	}

	out := &llm.ImageResponse{ProviderName: p.GetName()}
	for _, list := range [][]item{response.Data, response.Result, response.Output} {
		if len(list) > 0 && list[0].URL != "" {
			out.URL = list[0].URL
			break
		}
	}
	return out, nil
}
