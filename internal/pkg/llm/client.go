package llm

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"k8s.io/klog/v2"

	"github.com/romitcloud1/aai-docupdate/config"
)

// Client LLM 客户端，兼容 OpenAI Chat Completions / Images API
type Client struct {
	BaseURL    string
	APIKey     string
	Model      string
	ImageModel string
	ImageSize  string
	MaxTokens  int
	Client     *http.Client
}

// NewClient 创建新的 LLM 客户端
func NewClient(cfg *config.Config) *Client {
	return &Client{
		BaseURL:    cfg.LLM.APIURL,
		APIKey:     cfg.LLM.APIKey,
		Model:      cfg.LLM.Model,
		ImageModel: cfg.Image.Model,
		ImageSize:  cfg.Image.Size,
		MaxTokens:  cfg.LLM.MaxTokens,
		Client: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// Chat 发送对话请求
func (c *Client) Chat(ctx context.Context, messages []ChatMessage) (string, error) {
	klog.V(6).Infof("Chat 请求: model=%s, messages=%d", c.Model, len(messages))
	resp, err := c.sendChat(ctx, ChatRequest{
		Model:       c.Model,
		Messages:    messages,
		MaxTokens:   c.MaxTokens,
		Temperature: 0.7,
	})
	if err != nil {
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no response from LLM")
	}

	return resp.Choices[0].Message.Content, nil
}

// ChatWithTools 发送带 Tools 的对话请求
// toolChoice 可强制模型调用指定函数，保证结构化输出
func (c *Client) ChatWithTools(ctx context.Context, messages []ChatMessage, tools []Tool, toolChoice any) (*ChatResponse, error) {
	klog.V(6).Infof("ChatWithTools 请求: model=%s, messages=%d, tools=%d", c.Model, len(messages), len(tools))
	return c.sendChat(ctx, ChatRequest{
		Model:       c.Model,
		Messages:    messages,
		Tools:       tools,
		ToolChoice:  toolChoice,
		MaxTokens:   c.MaxTokens,
		Temperature: 0.7,
	})
}

// GenerateImage 生成图片，返回解码后的图片字节
// 兼容 b64_json 与 data URI 两种返回形态
func (c *Client) GenerateImage(ctx context.Context, prompt string) ([]byte, error) {
	klog.V(6).Infof("GenerateImage 请求: model=%s, promptLength=%d", c.ImageModel, len(prompt))

	reqBody := ImageRequest{
		Model:          c.ImageModel,
		Prompt:         prompt,
		N:              1,
		Size:           c.ImageSize,
		ResponseFormat: "b64_json",
	}

	body, err := c.post(ctx, "/images/generations", reqBody)
	if err != nil {
		return nil, err
	}

	var imgResp ImageResponse
	if err := json.Unmarshal(body, &imgResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal image response: %w", err)
	}
	if imgResp.Error != nil {
		return nil, fmt.Errorf("image API error: %s", imgResp.Error.Message)
	}
	if len(imgResp.Data) == 0 {
		return nil, fmt.Errorf("no image in response")
	}

	item := imgResp.Data[0]
	if item.B64JSON != "" {
		return base64.StdEncoding.DecodeString(item.B64JSON)
	}
	if strings.HasPrefix(item.URL, "data:") {
		return DecodeDataURI(item.URL)
	}
	return nil, fmt.Errorf("image response has no base64 payload")
}

// DecodeDataURI 解析 data:image/png;base64,... 形式的 URI
func DecodeDataURI(uri string) ([]byte, error) {
	idx := strings.Index(uri, "base64,")
	if idx < 0 {
		return nil, fmt.Errorf("data URI is not base64 encoded")
	}
	return base64.StdEncoding.DecodeString(uri[idx+len("base64,"):])
}

// sendChat 发送 Chat Completions 请求
func (c *Client) sendChat(ctx context.Context, reqBody ChatRequest) (*ChatResponse, error) {
	body, err := c.post(ctx, "/chat/completions", reqBody)
	if err != nil {
		return nil, err
	}

	var chatResp ChatResponse
	if err := json.Unmarshal(body, &chatResp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}

	if chatResp.Error != nil {
		return nil, fmt.Errorf("API error: %s", chatResp.Error.Message)
	}

	return &chatResp, nil
}

// post 发送 HTTP 请求，非 2xx 状态返回 *StatusError
func (c *Client) post(ctx context.Context, path string, reqBody any) ([]byte, error) {
	url := c.BaseURL + path
	klog.V(6).Infof("发送 LLM 请求: url=%s", url)

	jsonData, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	resp, err := c.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		klog.Warningf("LLM 请求失败: url=%s, status=%d", url, resp.StatusCode)
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Message:    truncate(string(body), 500),
		}
	}

	return body, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
