// internal/llm/providers/google/google.go
package google

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/Corphon/huaxu/internal/llm"
)

const (
	defaultBaseURL    = "https://generativelanguage.googleapis.com/v1beta"
	defaultModel      = "gemini-2.0-flash"
	maxErrorBodyBytes = 64 << 10
)

// ErrImageUnsupported 当前只接入了文本生成
var ErrImageUnsupported = errors.New("google gemini 暂不支持图像生成")

func init() {
	llm.Register("google", func() llm.Provider {
		return &Provider{baseURL: defaultBaseURL}
	})
	llm.Register("gemini", func() llm.Provider {
		return &Provider{baseURL: defaultBaseURL}
	})
}

// Provider 调用 models/{model}:generateContent
type Provider struct {
	apiKey       string
	baseURL      string
	defaultModel string
	client       *http.Client
}

func (p *Provider) Initialize(config map[string]string) error {
	apiKey := strings.TrimSpace(config["api_key"])
	if apiKey == "" {
		return errors.New("google_api密钥未提供")
	}
	p.apiKey = apiKey
	p.client = &http.Client{}

	p.defaultModel = defaultModel
	if model := strings.TrimSpace(config["default_model"]); model != "" {
		p.defaultModel = model
	}
	if base := strings.TrimSpace(config["api_url"]); base != "" {
		p.baseURL = strings.TrimSuffix(base, "/")
	}
	if p.baseURL == "" {
		p.baseURL = defaultBaseURL
	}
	return nil
}

func (p *Provider) GetName() string {
	return "google gemini"
}

func (p *Provider) CompleteText(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	generation := map[string]interface{}{"temperature": req.Temperature}
	if req.MaxTokens > 0 {
		generation["maxOutputTokens"] = req.MaxTokens
	}
	requestBody := map[string]interface{}{
		"contents": []map[string]interface{}{
			{"role": "user", "parts": []map[string]string{{"text": req.Prompt}}},
		},
		"generationConfig": generation,
	}
	// Gemini 没有 system 角色
	if req.SystemPrompt != "" {
		requestBody["systemInstruction"] = map[string]interface{}{
			"parts": []map[string]string{{"text": req.SystemPrompt}},
		}
	}

	jsonData, err := json.Marshal(requestBody)
	if err != nil {
		return nil, err
	}

	apiURL := fmt.Sprintf("%s/models/%s:generateContent?key=%s", p.baseURL, url.PathEscape(model), url.QueryEscape(p.apiKey))
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, apiURL, bytes.NewReader(jsonData))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

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
		Candidates []struct {
			Content struct {
				Parts []struct {
					Text string `json:"text"`
				} `json:"parts"`
			} `json:"content"`
			FinishReason string `json:"finishReason"`
		} `json:"candidates"`
		UsageMetadata struct {
			TotalTokenCount int `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.NewDecoder(httpResp.Body).Decode(&response); err != nil {
		return nil, err
	}
	if len(response.Candidates) == 0 {
		return nil, errors.New("google gemini未返回任何结果")
	}

	var text strings.Builder
	for _, part := range response.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}

	return &llm.CompletionResponse{
		Text:         text.String(),
		FinishReason: response.Candidates[0].FinishReason,
		TokensUsed:   response.UsageMetadata.TotalTokenCount,
		ModelName:    model,
		ProviderName: p.GetName(),
	}, nil
}

func (p *Provider) GenerateImage(ctx context.Context, req llm.ImageRequest) (*llm.ImageResponse, error) {
	return nil, ErrImageUnsupported
}
