package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/pkg/logger"
)

// Channel 表示通知渠道。
type Channel string

// 支持的通知渠道
const (
	ChannelWebhook Channel = "webhook"
	ChannelAudit   Channel = "audit"
)

// Event 描述一次需要告警的事件。
type Event struct {
	Code     xerrors.Code      `json:"code"`
	Message  string            `json:"message"`
	Severity xerrors.Severity  `json:"severity"`
	Channel  Channel           `json:"channel,omitempty"`
	// Subject 标识出问题的对象，例如任务记录 ID 或交互账户。
	Subject    string            `json:"subject"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Notifier 负责将事件发送到指定渠道。
type Notifier interface {
	Channel() Channel
	Notify(ctx context.Context, event Event) error
}

// Dispatcher 将事件广播给多个通知器。
type Dispatcher interface {
	Notify(ctx context.Context, event Event) error
}

// FanoutDispatcher 实现将事件投递到多个通知器的逻辑。
type FanoutDispatcher struct {
	notifiers map[Channel]Notifier
	// MinSeverity 低于该级别的事件不会发送。
	MinSeverity xerrors.Severity
}

// NewFanout 创建一个新的 FanoutDispatcher。
func NewFanout(notifiers ...Notifier) *FanoutDispatcher {
	set := make(map[Channel]Notifier, len(notifiers))
	for _, n := range notifiers {
		if n == nil {
			continue
		}
		set[n.Channel()] = n
	}
	return &FanoutDispatcher{notifiers: set}
}

// Notify 将事件广播至所有注册渠道。
func (d *FanoutDispatcher) Notify(ctx context.Context, event Event) error {
	if d == nil {
		return nil
	}
	if d.MinSeverity != "" && severityRank(event.Severity) < severityRank(d.MinSeverity) {
		return nil
	}
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now()
	}
	var errs []error
	for _, notifier := range d.notifiers {
		routed := event
		routed.Channel = notifier.Channel()
		if err := notifier.Notify(ctx, routed); err != nil {
			errs = append(errs, fmt.Errorf("channel %s: %w", notifier.Channel(), err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

func severityRank(sev xerrors.Severity) int {
	switch sev {
	case xerrors.SeverityCritical:
		return 3
	case xerrors.SeverityWarning:
		return 2
	case xerrors.SeverityInfo:
		return 1
	default:
		return 0
	}
}

// AuditNotifier 把告警写入审计日志。
type AuditNotifier struct{}

// Channel 返回审计渠道。
func (AuditNotifier) Channel() Channel { return ChannelAudit }

// Notify 写入一条审计记录。
func (AuditNotifier) Notify(_ context.Context, event Event) error {
	attrs := []any{
		slog.String("code", string(event.Code)),
		slog.String("severity", string(event.Severity)),
		slog.String("subject", event.Subject),
		slog.String("message", event.Message),
	}
	for k, v := range event.Metadata {
		attrs = append(attrs, slog.String("meta_"+k, v))
	}
	logger.Audit().Warn("alert", attrs...)
	return nil
}

// WebhookNotifier 以 JSON POST 的形式把告警推送到外部地址。
type WebhookNotifier struct {
	URL    string
	Client *http.Client
}

// Channel 返回 webhook 渠道。
func (n *WebhookNotifier) Channel() Channel { return ChannelWebhook }

// Notify 发送告警。
func (n *WebhookNotifier) Notify(ctx context.Context, event Event) error {
	if n == nil || strings.TrimSpace(n.URL) == "" {
		logger.L().Warn("WebhookNotifier 未正确配置，跳过发送", slog.String("subject", event.Subject))
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook 返回状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}
	return nil
}
