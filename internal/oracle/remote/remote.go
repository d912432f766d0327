package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/ledger"
	"Oracle-Relay/internal/oracle"
	"Oracle-Relay/internal/runtime"
	"Oracle-Relay/pkg/logger"
)

const (
	defaultTimeout           = 10 * time.Second
	defaultReconcileInterval = time.Minute
	outboxSize               = 256
	maxAttempts              = 3
)

// Config 描述远端预言机网关。
type Config struct {
	BaseURL string
	APIKey  string
	Program common.Address
	Timeout time.Duration
	// Ledger 用于对账，为空时 Reconcile 不做任何事。
	Ledger ledger.Ledger
	// ReconcileInterval 是对账周期，负数关闭周期对账。
	ReconcileInterval time.Duration
}

// Backend 将上下文与交互登记到远端网关。
//
// 账本事务内只确定登记用的句柄，HTTP 请求在事务提交后由 Run 异步发送，
// 网关缓慢或不可用时不会阻塞账本。登记以 PUT 按句柄幂等写入，
// 发送失败的登记由 Reconcile 从账本中未回调的交互补齐。
type Backend struct {
	baseURL    string
	apiKey     string
	program    common.Address
	ledger     ledger.Ledger
	httpClient *http.Client
	timeout    time.Duration
	interval   time.Duration
	backoff    time.Duration
	outbox     chan registration
	log        *slog.Logger
}

// New 创建远端预言机后端。
func New(cfg Config) (*Backend, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("远端预言机地址不能为空")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("解析远端预言机地址失败: %w", err)
	}
	if cfg.Program == (common.Address{}) {
		cfg.Program = oracle.DefaultProgramID
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	interval := cfg.ReconcileInterval
	if interval == 0 {
		interval = defaultReconcileInterval
	}
	return &Backend{
		baseURL:    base,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		program:    cfg.Program,
		ledger:     cfg.Ledger,
		httpClient: &http.Client{Timeout: timeout},
		timeout:    timeout,
		interval:   interval,
		backoff:    200 * time.Millisecond,
		outbox:     make(chan registration, outboxSize),
		log:        logger.Named("oracle.remote"),
	}, nil
}

type contextRequest struct {
	Address string `json:"address"`
	Index   uint32 `json:"index"`
	Text    string `json:"text"`
}

type callbackPayload struct {
	Program  string                `json:"program"`
	Selector runtime.Selector      `json:"selector"`
	Accounts []runtime.AccountMeta `json:"accounts"`
}

type interactionRequest struct {
	ID            string          `json:"id"`
	Address       string          `json:"address"`
	Context       string          `json:"context"`
	ContextHandle string          `json:"context_handle,omitempty"`
	Payer         string          `json:"payer"`
	Text          string          `json:"text"`
	Callback      callbackPayload `json:"callback"`
}

// registration 是一次待发送的幂等登记。
type registration struct {
	path string
	body any
}

func contextRegistration(address common.Address, account oracle.ContextAccount) registration {
	return registration{
		path: "/contexts/" + url.PathEscape(account.Handle),
		body: contextRequest{Address: address.Hex(), Index: account.Index, Text: account.Text},
	}
}

func interactionRegistration(address common.Address, interaction oracle.Interaction, contextHandle string) registration {
	return registration{
		path: "/interactions/" + url.PathEscape(interaction.Handle),
		body: interactionRequest{
			ID:            interaction.ID,
			Address:       address.Hex(),
			Context:       interaction.Context.Hex(),
			ContextHandle: contextHandle,
			Payer:         interaction.Payer.Hex(),
			Text:          interaction.Text,
			Callback: callbackPayload{
				Program:  interaction.Callback.Program.Hex(),
				Selector: interaction.Callback.Selector,
				Accounts: interaction.Callback.Accounts,
			},
		},
	}
}

// ContextCreated 实现 oracle.Backend 接口。上下文以账户地址作为远端句柄。
func (b *Backend) ContextCreated(_ context.Context, tx ledger.Tx, address common.Address, account *oracle.ContextAccount) error {
	account.Handle = address.Hex()
	reg := contextRegistration(address, *account)
	tx.OnCommit(func() { b.submit(reg) })
	return nil
}

// InteractionSubmitted 实现 oracle.Backend 接口。交互以自身 ID 作为远端句柄。
func (b *Backend) InteractionSubmitted(ctx context.Context, tx ledger.Tx, address common.Address, interaction *oracle.Interaction) error {
	account, err := oracle.LoadContext(ctx, tx, b.program, interaction.Context)
	if err != nil {
		return err
	}
	interaction.Handle = interaction.ID
	reg := interactionRegistration(address, *interaction, account.Handle)
	tx.OnCommit(func() { b.submit(reg) })
	return nil
}

func (b *Backend) submit(reg registration) {
	select {
	case b.outbox <- reg:
	default:
		b.log.Warn("登记队列已满，等待对账补发", slog.String("path", reg.path))
	}
}

// Run 发送已提交的登记并周期性对账，直到 ctx 结束。
func (b *Backend) Run(ctx context.Context) error {
	b.reconcile(ctx)
	var tick <-chan time.Time
	if b.interval > 0 {
		ticker := time.NewTicker(b.interval)
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case reg := <-b.outbox:
			_ = b.send(ctx, reg)
		case <-tick:
			b.reconcile(ctx)
		}
	}
}

// Flush 同步发送当前排队的全部登记，返回发送失败的数量。
func (b *Backend) Flush(ctx context.Context) int {
	failed := 0
	for {
		select {
		case reg := <-b.outbox:
			if b.send(ctx, reg) != nil {
				failed++
			}
		default:
			return failed
		}
	}
}

// Reconcile 重新登记账本中所有尚未回调的交互及其上下文，返回成功登记的交互数量。
func (b *Backend) Reconcile(ctx context.Context) (int, error) {
	if b.ledger == nil {
		return 0, nil
	}
	pending, err := oracle.Unprocessed(ctx, b.ledger, b.program)
	if err != nil {
		return 0, err
	}
	registered := 0
	var firstErr error
	for _, address := range pending {
		interaction, account, err := oracle.Pending(ctx, b.ledger, b.program, address)
		if err == nil {
			if account.Handle == "" {
				account.Handle = interaction.Context.Hex()
			}
			if interaction.Handle == "" {
				interaction.Handle = interaction.ID
			}
			err = b.send(ctx, contextRegistration(interaction.Context, account))
		}
		if err == nil {
			err = b.send(ctx, interactionRegistration(address, interaction, account.Handle))
		}
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		registered++
	}
	return registered, firstErr
}

func (b *Backend) reconcile(ctx context.Context) {
	n, err := b.Reconcile(ctx)
	if err != nil {
		b.log.Warn("远端对账未完成", slog.Int("registered", n), slog.Any("error", err))
		return
	}
	if n > 0 {
		b.log.Debug("远端对账完成", slog.Int("registered", n))
	}
}

// send 以有限次数重试单个登记，失败只记录日志，由下一轮对账补发。
func (b *Backend) send(ctx context.Context, reg registration) error {
	backoff := b.backoff
	var err error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		reqCtx, cancel := context.WithTimeout(ctx, b.timeout)
		err = b.do(reqCtx, http.MethodPut, reg.path, reg.body, nil)
		cancel()
		if err == nil {
			return nil
		}
		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
	b.log.Error("远端登记失败", slog.String("path", reg.path), slog.Any("error", err))
	return err
}

func (b *Backend) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码远端请求失败")
		}
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, b.baseURL+path, reader)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "构建远端请求失败")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if b.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+b.apiKey)
	}

	resp, err := b.httpClient.Do(req)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, fmt.Sprintf("请求远端预言机失败: %s %s", method, path))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return xerrors.New(xerrors.CodeUpstreamFailure,
			fmt.Sprintf("远端预言机返回错误状态 %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet))),
			xerrors.WithMetadata("path", path))
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "解析远端响应失败")
	}
	return nil
}

var _ oracle.Backend = (*Backend)(nil)
