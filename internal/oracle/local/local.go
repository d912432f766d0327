package local

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/ledger"
	"Oracle-Relay/internal/llm"
	"Oracle-Relay/internal/oracle"
	"Oracle-Relay/pkg/logger"
)

const (
	defaultQueueSize     = 256
	defaultTimeout       = 30 * time.Second
	defaultSweepInterval = time.Minute
)

// Config 描述本地预言机的参数。
type Config struct {
	Program  common.Address
	Operator common.Address
	// MaxResponseBytes 传给模型的回复长度上限，0 表示不限制。
	MaxResponseBytes int
	Timeout          time.Duration
	QueueSize        int
	Workers          int
	// SweepInterval 是补扫账本中未回调交互的周期，负数关闭周期补扫，启动时的补扫总会执行。
	SweepInterval time.Duration
}

// Observer 接收每次推理的结果。
type Observer interface {
	ObserveOracle(backend string, err error, duration time.Duration)
}

// Oracle 在进程内完成推理：交互提交后入队，工作协程调用模型并以运营方身份回调。
type Oracle struct {
	cfg      Config
	invoker  oracle.Invoker
	client   llm.Client
	observer Observer
	queue    chan common.Address
	log      *slog.Logger

	mu     sync.Mutex
	closed bool
	// queued 记录已入队或正在处理的交互，避免补扫重复入队。
	queued map[common.Address]struct{}
}

// Option 配置本地预言机。
type Option func(*Oracle)

// WithObserver 设置指标观察者。
func WithObserver(obs Observer) Option {
	return func(o *Oracle) { o.observer = obs }
}

// New 创建本地预言机。
func New(cfg Config, invoker oracle.Invoker, client llm.Client, opts ...Option) *Oracle {
	if cfg.Program == (common.Address{}) {
		cfg.Program = oracle.DefaultProgramID
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	o := &Oracle{
		cfg:     cfg,
		invoker: invoker,
		client:  client,
		queue:   make(chan common.Address, cfg.QueueSize),
		log:     logger.Named("oracle.local"),
		queued:  make(map[common.Address]struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(o)
		}
	}
	return o
}

// ContextCreated 实现 oracle.Backend 接口，本地模式无需额外登记。
func (o *Oracle) ContextCreated(context.Context, ledger.Tx, common.Address, *oracle.ContextAccount) error {
	return nil
}

// InteractionSubmitted 实现 oracle.Backend 接口：事务提交后才入队，回滚时不会产生任何推理。
func (o *Oracle) InteractionSubmitted(_ context.Context, tx ledger.Tx, address common.Address, _ *oracle.Interaction) error {
	tx.OnCommit(func() { o.enqueue(address) })
	return nil
}

// enqueue 返回交互是否已在队列中。队列已满时交互留在账本上，由下一轮补扫重新入队。
func (o *Oracle) enqueue(address common.Address) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return false
	}
	if _, ok := o.queued[address]; ok {
		return true
	}
	select {
	case o.queue <- address:
		o.queued[address] = struct{}{}
		return true
	default:
		o.log.Warn("推理队列已满，等待补扫", slog.String("interaction", address.Hex()))
		return false
	}
}

func (o *Oracle) handle(ctx context.Context, address common.Address) {
	defer func() {
		o.mu.Lock()
		delete(o.queued, address)
		o.mu.Unlock()
	}()
	_ = o.Process(ctx, address)
}

// Resume 把账本中尚未回调的交互重新入队，返回入队的数量。
// 进程重启或队列溢出后遗留的交互由它补齐。
func (o *Oracle) Resume(ctx context.Context) (int, error) {
	pending, err := oracle.Unprocessed(ctx, o.invoker.Ledger(), o.cfg.Program)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, address := range pending {
		if o.enqueue(address) {
			queued++
		}
	}
	return queued, nil
}

func (o *Oracle) sweep(ctx context.Context) {
	n, err := o.Resume(ctx)
	if err != nil {
		o.log.Warn("补扫未回调交互失败", slog.Any("error", err))
		return
	}
	if n > 0 {
		o.log.Info("未回调交互已重新入队", slog.Int("count", n))
	}
}

// Run 先补扫账本中遗留的交互，再启动工作协程直到 ctx 结束。
func (o *Oracle) Run(ctx context.Context) error {
	o.sweep(ctx)

	var wg sync.WaitGroup
	for i := 0; i < o.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case address := <-o.queue:
					o.handle(ctx, address)
				}
			}
		}()
	}
	if o.cfg.SweepInterval > 0 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(o.cfg.SweepInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					o.sweep(ctx)
				}
			}
		}()
	}
	<-ctx.Done()
	wg.Wait()
	return ctx.Err()
}

// Drain 同步处理当前队列中的全部交互，返回处理的数量。
func (o *Oracle) Drain(ctx context.Context) int {
	processed := 0
	for {
		select {
		case address := <-o.queue:
			o.handle(ctx, address)
			processed++
		default:
			return processed
		}
	}
}

// Pending 返回队列中等待处理的交互数量。
func (o *Oracle) Pending() int { return len(o.queue) }

// Process 完成一次推理并回调。
func (o *Oracle) Process(ctx context.Context, address common.Address) (err error) {
	start := time.Now()
	defer func() {
		if o.observer != nil {
			o.observer.ObserveOracle("local", err, time.Since(start))
		}
		if err != nil {
			o.log.Warn("交互处理失败",
				slog.String("interaction", address.Hex()),
				slog.String("error_code", string(xerrors.CodeOf(err))),
				slog.Any("error", err))
		}
	}()

	interaction, account, err := oracle.Pending(ctx, o.invoker.Ledger(), o.cfg.Program, address)
	if err != nil {
		return err
	}
	if interaction.IsProcessed {
		return nil
	}

	genCtx, cancel := context.WithTimeout(ctx, o.cfg.Timeout)
	defer cancel()
	resp, err := o.client.Generate(genCtx, llm.Request{
		Context:  account.Text,
		Prompt:   interaction.Text,
		MaxBytes: o.cfg.MaxResponseBytes,
	})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeUpstreamFailure, err, "模型推理失败")
	}

	if err := oracle.Deliver(ctx, o.invoker, o.cfg.Program, o.cfg.Operator, address, resp.Reply); err != nil {
		return err
	}
	logger.Audit().Info("oracle_callback_delivered",
		slog.String("interaction", address.Hex()),
		slog.String("interaction_id", interaction.ID),
		slog.String("callback_program", interaction.Callback.Program.Hex()),
		slog.Int("response_bytes", len(resp.Reply)))
	return nil
}

// Close 停止接收新的交互。
func (o *Oracle) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.closed = true
	return nil
}

var _ oracle.Backend = (*Oracle)(nil)
