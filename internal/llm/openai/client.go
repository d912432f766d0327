package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
)

// Config 描述了调用 OpenAI Chat Completions API 所需的信息。
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
	Timeout time.Duration
}

// Client 通过官方 SDK 调用 OpenAI 提供的大模型能力。
type Client struct {
	client sdk.Client
	model  string
}

// NewClient 根据配置创建 OpenAI 客户端。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("未提供 OpenAI API Key")
	}

	baseURL := strings.TrimSpace(cfg.BaseURL)
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	baseURL = strings.TrimRight(baseURL, "/") + "/"

	model := strings.TrimSpace(cfg.Model)
	if model == "" {
		model = defaultModelName
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	client := sdk.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithHTTPClient(&http.Client{Timeout: timeout}),
		// 预言机回调不做重试，失败由调用方记录。
		option.WithMaxRetries(0),
	)
	return &Client{client: client, model: model}, nil
}

// Generate 调用 OpenAI 生成回复。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "提示词不能为空")
	}

	params := sdk.ChatCompletionNewParams{
		Model: sdk.ChatModel(c.model),
		Messages: []sdk.ChatCompletionMessageParamUnion{
			sdk.SystemMessage(buildSystemPrompt(req)),
			sdk.UserMessage(prompt),
		},
		Temperature: sdk.Float(0.2),
	}

	completion, err := c.client.Chat.Completions.New(ctx, params)
	if err != nil {
		var apiErr *sdk.Error
		if errors.As(err, &apiErr) {
			return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, fmt.Sprintf("OpenAI 返回错误状态 %d", apiErr.StatusCode))
		}
		return nil, xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "请求 OpenAI 失败")
	}
	if len(completion.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "OpenAI 响应中没有有效的 choices")
	}

	content := strings.TrimSpace(completion.Choices[0].Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeUpstreamFailure, "OpenAI 响应内容为空")
	}
	return &llm.Response{Reply: llm.Truncate(content, req.MaxBytes)}, nil
}

const basePrompt = "You are an on-ledger oracle. Reply in plain text, no markdown."

func buildSystemPrompt(req llm.Request) string {
	var builder strings.Builder
	builder.WriteString(basePrompt)
	if req.MaxBytes > 0 {
		builder.WriteString(fmt.Sprintf(" Keep the answer under %d bytes.", req.MaxBytes))
	}
	if text := strings.TrimSpace(req.Context); text != "" {
		builder.WriteString("\n\n")
		builder.WriteString(text)
	}
	return builder.String()
}

var _ llm.Client = (*Client)(nil)
