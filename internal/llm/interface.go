// internal/llm/interface.go
package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// 错误定义
var ErrUnknownProvider = errors.New("未知的AI提供者")

// CompletionRequest 对话补全请求
type CompletionRequest struct {
	Prompt       string  `json:"prompt"`
	SystemPrompt string  `json:"system_prompt,omitempty"`
	MaxTokens    int     `json:"max_tokens,omitempty"`
	Temperature  float32 `json:"temperature,omitempty"`
	Model        string  `json:"model,omitempty"`
}

// CompletionResponse 对话补全响应
type CompletionResponse struct {
	Text         string `json:"text"`
	FinishReason string `json:"finish_reason,omitempty"`
	TokensUsed   int    `json:"tokens_used,omitempty"`
	ModelName    string `json:"model_name,omitempty"`
	ProviderName string `json:"provider_name,omitempty"`
}

// ImageRequest 图像生成请求
type ImageRequest struct {
	Prompt string `json:"prompt"`
	Model  string `json:"model,omitempty"`
	Size   string `json:"size,omitempty"`
}

// ImageResponse 图像生成响应，URL 可能为空
type ImageResponse struct {
	URL          string `json:"url"`
	ProviderName string `json:"provider_name,omitempty"`
}

// Provider 定义所有提供者必须实现的接口
type Provider interface {
	// 初始化提供者：api_key、api_url、default_model
	Initialize(config map[string]string) error

	GetName() string

	CompleteText(ctx context.Context, req CompletionRequest) (*CompletionResponse, error)

	GenerateImage(ctx context.Context, req ImageRequest) (*ImageResponse, error)
}

// APIError 服务端返回非 200 时的错误，保留状态码与原始响应体
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API错误(%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API错误(%d): %s", e.StatusCode, e.Body)
}

// NewAPIError 从响应体中尽量解析 code 与 message，兼容顶层和 error 对象两种写法
func NewAPIError(status int, body []byte) *APIError {
	e := &APIError{StatusCode: status, Body: string(body)}

	var parsed struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
		Error   json.RawMessage `json:"error"`
	}
	if json.Unmarshal(body, &parsed) != nil {
		return e
	}
	e.Code = rawScalar(parsed.Code)
	e.Message = parsed.Message

	if len(parsed.Error) > 0 {
		var nested struct {
			Code    json.RawMessage `json:"code"`
			Message string          `json:"message"`
		}
		if json.Unmarshal(parsed.Error, &nested) == nil {
			if e.Code == "" {
				e.Code = rawScalar(nested.Code)
			}
			if e.Message == "" {
				e.Message = nested.Message
			}
		} else if e.Message == "" {
			e.Message = rawScalar(parsed.Error)
		}
	}
	return e
}

// rawScalar 数字或字符串统一转为字符串
func rawScalar(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	return strings.TrimSpace(string(raw))
}

// ProviderFactory 提供者工厂
type ProviderFactory func() Provider

var (
	providers   = make(map[string]ProviderFactory)
	providersMu sync.RWMutex
)

// Register 注册提供者工厂
func Register(name string, factory ProviderFactory) {
	providersMu.Lock()
	defer providersMu.Unlock()
	providers[strings.ToLower(name)] = factory
}

// GetProvider 创建指定名称的提供者实例
func GetProvider(name string, config map[string]string) (Provider, error) {
	providersMu.RLock()
	factory, exists := providers[strings.ToLower(name)]
	providersMu.RUnlock()
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, name)
	}

	provider := factory()
	if err := provider.Initialize(config); err != nil {
		return nil, err
	}
	return provider, nil
}

// ListProviders 返回所有已注册的提供者名称
func ListProviders() []string {
	providersMu.RLock()
	defer providersMu.RUnlock()
	names := make([]string, 0, len(providers))
	for name := range providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
