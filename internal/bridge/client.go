// internal/bridge/client.go
package bridge

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
)

// ErrUnexpectedResponse 返回 200 但不是约定的结构
var ErrUnexpectedResponse = errors.New("invalid local backend response")

// AnalyzeRequest POST /analyze 的请求体，只发送 snake_case 字段
type AnalyzeRequest struct {
	Text     string `json:"text"`
	APIKey   string `json:"api_key,omitempty"`
	APIURL   string `json:"api_url,omitempty"`
	Model    string `json:"model,omitempty"`
	Provider string `json:"provider,omitempty"`
}

// ImageRequest POST /generate_image 的请求体
type ImageRequest struct {
	Prompt      string          `json:"prompt"`
	Segments    json.RawMessage `json:"segments,omitempty"`
	ImageAPIKey string          `json:"image_api_key,omitempty"`
	ImageAPIURL string          `json:"image_api_url,omitempty"`
	ImageModel  string          `json:"image_model,omitempty"`
	ImageSize   string          `json:"image_size,omitempty"`
}

// Response 桥接服务的通用响应
type Response struct {
	OK        bool            `json:"ok"`
	Result    json.RawMessage `json:"result,omitempty"`
	Files     []string        `json:"files,omitempty"`
	URL       string          `json:"url,omitempty"`
	Simulated bool            `json:"simulated,omitempty"`
	Error     string          `json:"error,omitempty"`

	// Raw 原始响应体
	Raw json.RawMessage `json:"-"`
}

// HasResult ok 且带 result
func (r *Response) HasResult() bool {
	return r.OK && len(r.Result) > 0 && string(r.Result) != "null"
}

// HasMedia ok 且带 files 或 url
func (r *Response) HasMedia() bool {
	return r.OK && (len(r.Files) > 0 || r.URL != "")
}

// Client 本地桥接服务客户端
type Client struct {
	baseURL  string
	simulate bool
	http     *http.Client
}

// NewClient baseURL 形如 http://127.0.0.1:8000
func NewClient(baseURL string, simulate bool) *Client {
	return &Client{
		baseURL:  strings.TrimRight(baseURL, "/"),
		simulate: simulate,
		http:     &http.Client{},
	}
}

// BaseURL 桥接服务地址
func (c *Client) BaseURL() string {
	return c.baseURL
}

// Analyze 调用 /analyze。非 200、无法解析或结构不符都返回错误，由调用方回退
func (c *Client) Analyze(ctx context.Context, req AnalyzeRequest) (*Response, error) {
	path := "/analyze"
	if c.simulate {
		path += "?simulate=1"
	}
	resp, err := c.post(ctx, path, req)
	if err != nil {
		return nil, err
	}
	if !resp.HasResult() && !resp.HasMedia() {
		return nil, ErrUnexpectedResponse
	}
	return resp, nil
}

// GenerateImage 调用 /generate_image
func (c *Client) GenerateImage(ctx context.Context, req ImageRequest) (*Response, error) {
	resp, err := c.post(ctx, "/generate_image", req)
	if err != nil {
		return nil, err
	}
	if !resp.HasMedia() {
		return nil, ErrUnexpectedResponse
	}
	return resp, nil
}

// Health GET /health
func (c *Client) Health(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("local backend %d", resp.StatusCode)
	}
	return nil
}

func (c *Client) post(ctx context.Context, path string, body interface{}) (*Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("local backend %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var out Response
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	out.Raw = data
	return &out, nil
}

var absoluteURL = regexp.MustCompile(`(?i)^https?://`)

// StaticURL 桥接服务返回的文件名映射为可访问的静态地址；绝对 URL 原样返回
func (c *Client) StaticURL(file string) string {
	if file == "" || absoluteURL.MatchString(file) {
		return file
	}
	name := file
	if i := strings.LastIndexAny(name, `/\`); i >= 0 {
		name = name[i+1:]
	}
	return c.baseURL + "/static/generated_images/" + name
}

// MediaURLs files 映射后的地址，没有 files 时返回 url
func (c *Client) MediaURLs(resp *Response) []string {
	if len(resp.Files) > 0 {
		urls := make([]string, 0, len(resp.Files))
		for _, f := range resp.Files {
			if f == "" {
				continue
			}
			urls = append(urls, c.StaticURL(f))
		}
		return urls
	}
	if resp.URL != "" {
		return []string{resp.URL}
	}
	return nil
}
