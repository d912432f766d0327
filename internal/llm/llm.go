package llm

import (
	"context"
	"strings"
)

// Request 描述一次预言机推理：上下文描述充当系统提示，Prompt 为本次提问。
type Request struct {
	Context string
	Prompt  string
	// MaxBytes 为回复的字节上限，0 表示不限制。
	MaxBytes int
}

// Response 是大模型返回的文本。
type Response struct {
	Reply string
}

// Client 定义了调用大模型的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 允许普通函数充当 Client。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 实现 Client 接口。
func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) { return f(ctx, req) }

// StaticClient 返回固定回复，供本地开发网与测试在没有外部模型时使用。
type StaticClient struct {
	Reply string
}

// Generate 实现 Client 接口。
func (s StaticClient) Generate(ctx context.Context, req Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	reply := s.Reply
	if reply == "" {
		reply = "ack: " + strings.TrimSpace(req.Prompt)
	}
	return &Response{Reply: Truncate(reply, req.MaxBytes)}, nil
}

// Truncate 在不截断 UTF-8 字符的前提下把文本限制在 max 字节内。
func Truncate(text string, max int) string {
	if max <= 0 || len(text) <= max {
		return text
	}
	cut := max
	for cut > 0 && !utf8Start(text[cut]) {
		cut--
	}
	return text[:cut]
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
