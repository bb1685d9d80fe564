// internal/models/settings.go
package models

// 默认模型
const (
	DefaultChatModel  = "gpt-4"
	DefaultImageModel = "sd-xl-1.0"
	DefaultImageSize  = "1024x1024"
)

// AdvancedSettings 外部 AI 服务设置，单例
type AdvancedSettings struct {
	UseAIAPI    bool   `json:"useAiApi"`
	APIKey      string `json:"apiKey"`
	APIURL      string `json:"apiUrl"`
	Model       string `json:"model"`
	Provider    string `json:"provider,omitempty"`
	ImageAPIKey string `json:"imageApiKey"`
	ImageAPIURL string `json:"imageApiUrl"`
	ImageModel  string `json:"imageModel"`
	ImageSize   string `json:"imageSize,omitempty"`
}

// DefaultAdvancedSettings 未保存过设置时的默认值
func DefaultAdvancedSettings() AdvancedSettings {
	return AdvancedSettings{
		Model:      DefaultChatModel,
		ImageModel: DefaultImageModel,
	}
}

// WithDefaults 为空的模型名填默认值
func (s AdvancedSettings) WithDefaults() AdvancedSettings {
	if s.Model == "" {
		s.Model = DefaultChatModel
	}
	if s.ImageModel == "" {
		s.ImageModel = DefaultImageModel
	}
	return s
}

// ExternalChatEnabled 开启外部 API 且填写了密钥
func (s AdvancedSettings) ExternalChatEnabled() bool {
	return s.UseAIAPI && s.APIKey != ""
}

// ExternalImageEnabled 开启外部 API 且填写了图像密钥
func (s AdvancedSettings) ExternalImageEnabled() bool {
	return s.UseAIAPI && s.ImageAPIKey != ""
}

// Masked 返回隐藏密钥后的副本，用于接口输出
func (s AdvancedSettings) Masked() AdvancedSettings {
	s.APIKey = maskSecret(s.APIKey)
	s.ImageAPIKey = maskSecret(s.ImageAPIKey)
	return s
}

func maskSecret(v string) string {
	if v == "" {
		return ""
	}
	r := []rune(v)
	if len(r) <= 4 {
		return "****"
	}
	return "****" + string(r[len(r)-4:])
}

// NotificationSettings 通知开关，单例
type NotificationSettings struct {
	NewMessage          bool `json:"newMessage"`
	WorkUpdate          bool `json:"workUpdate"`
	Activity            bool `json:"activity"`
	ReadingReminder     bool `json:"readingReminder"`
	CreativeInspiration bool `json:"creativeInspiration"`
	Maintenance         bool `json:"maintenance"`
}

// DefaultNotificationSettings 默认开关
func DefaultNotificationSettings() NotificationSettings {
	return NotificationSettings{
		NewMessage:          true,
		WorkUpdate:          true,
		Activity:            false,
		ReadingReminder:     true,
		CreativeInspiration: false,
		Maintenance:         true,
	}
}

// AdvisoryKind 告警类别
type AdvisoryKind string

const (
	AdvisoryPayment       AdvisoryKind = "payment"
	AdvisoryInvalidModel  AdvisoryKind = "invalid_model"
	AdvisoryUnavailable   AdvisoryKind = "unavailable"
	AdvisoryNotConfigured AdvisoryKind = "not_configured"
	AdvisoryStorage       AdvisoryKind = "storage"
)

// Advisory 给用户的提示，不中断流程
type Advisory struct {
	Kind            AdvisoryKind `json:"kind"`
	Title           string       `json:"title"`
	Message         string       `json:"message"`
	SuggestedModels []string     `json:"suggestedModels,omitempty"`
}
