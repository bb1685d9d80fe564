// internal/llm/providers/anthropic/anthropic.go
package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/Corphon/huaxu/internal/llm"
)

const (
	defaultBaseURL    = "https://api.anthropic.com"
	defaultAPIVersion = "2023-06-01"
	defaultModel      = "claude-3-5-sonnet-latest"
	// messages 接口要求 max_tokens
	defaultMaxTokens  = 1024
	maxErrorBodyBytes = 64 << 10
)

// ErrImageUnsupported Anthropic 没有图像生成接口
var ErrImageUnsupported = errors.New("anthropic 不支持图像生成")

func init() {
	llm.Register("anthropic", func() llm.Provider {
		return &Provider{baseURL: defaultBaseURL, apiVersion: defaultAPIVersion}
	})
}

// Provider 调用 /v1/messages
type Provider struct {
	apiKey       string
	baseURL      string
	apiVersion   string
	defaultModel string
	client       *http.Client
}

// Initialize api_url 可选，填写时替换 base URL
func (p *Provider) Initialize(config map[string]string) error {
	apiKey := strings.TrimSpace(config["api_key"])
	if apiKey == "" {
		return errors.New("anthropic api密钥未提供")
	}
	p.apiKey = apiKey
	p.client = &http.Client{}

	p.defaultModel = defaultModel
	if model := strings.TrimSpace(config["default_model"]); model != "" {
		p.defaultModel = model
	}
	if base := strings.TrimSpace(config["api_url"]); base != "" {
		p.baseURL = strings.TrimSuffix(strings.TrimSuffix(base, "/"), "/v1/messages")
	}
	if p.baseURL == "" {
		p.baseURL = defaultBaseURL
	}
	if p.apiVersion == "" {
		p.apiVersion = defaultAPIVersion
	}
	return nil
}

func (p *Provider) GetName() string {
	return "Anthropic Claude"
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	requestBody := map[string]interface{}{
		"model":       model,
		"messages":    []map[string]string{{"role": "user", "content": req.Prompt}},
		"max_tokens":  maxTokens,
		"temperature": req.Temperature,
	}
	if req.SystemPrompt != "" {
		requestBody["system"] = req.SystemPrompt
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/messages", bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("X-Api-Key", p.apiKey)
	httpReq.Header.Set("Anthropic-Version", p.apiVersion)

	httpResp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, maxErrorBodyBytes))
		return nil, llm.NewAPIError(httpResp.StatusCode, body)
	}

	var response struct {
		Model      string `json:"model"`
		StopReason string `json:"stop_reason"`
		Content    []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
		Usage struct {
			InputTokens  int `json:"input_tokens"`
			OutputTokens int `json:"output_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return nil, err
	}

	var text strings.Builder
	for _, c := range response.Content {
		if c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if text.Len() == 0 {
		return nil, errors.New("Anthropic未返回文本内容")
	}

	out := &llm.CompletionResponse{
		Text:         text.String(),
		FinishReason: response.StopReason,
		TokensUsed:   response.Usage.InputTokens + response.Usage.OutputTokens,
		ModelName:    model,
		ProviderName: p.GetName(),
	}
	if response.Model != "" {
		out.ModelName = response.Model
	}
	return out, nil
}

func (p *Provider) GenerateImage(ctx context.Context, req llm.ImageRequest) (*llm.ImageResponse, error) {
	return nil, ErrImageUnsupported
}
