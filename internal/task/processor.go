package task

import (
	"context"
	"log/slog"
	"time"

	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/observability/alerting"
	"Oracle-Relay/pkg/logger"
)

// Executor 执行一条已领取的任务。
type Executor interface {
	Execute(ctx context.Context, task *Task) (*ExecutionResult, error)
}

// ExecutorFunc 允许普通函数充当 Executor。
type ExecutorFunc func(ctx context.Context, task *Task) (*ExecutionResult, error)

// Execute 实现 Executor 接口。
func (f ExecutorFunc) Execute(ctx context.Context, task *Task) (*ExecutionResult, error) {
	return f(ctx, task)
}

// Observer 接收每次任务执行的结果，通常由指标模块实现。
type Observer interface {
	ObserveTask(status Status, duration time.Duration)
}

// Processor 从队列消费任务并交给 Executor 执行。每条任务最多执行一次，失败即终态。
type Processor struct {
	executor    Executor
	store       Store
	consumer    Consumer
	workerCount int
	logger      *slog.Logger
	alerter     alerting.Dispatcher
	observer    Observer
}

// ProcessorOption 定义可选配置。
type ProcessorOption func(*Processor)

// WithProcessorLogger 指定日志输出。
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		p.logger = logger
	}
}

// WithWorkerCount 设置消费协程数量。
func WithWorkerCount(workers int) ProcessorOption {
	return func(p *Processor) {
		if workers > 0 {
			p.workerCount = workers
		}
	}
}

// WithAlertDispatcher 配置告警派发器。
func WithAlertDispatcher(dispatcher alerting.Dispatcher) ProcessorOption {
	return func(p *Processor) {
		p.alerter = dispatcher
	}
}

// WithTaskObserver 配置指标观察者。
func WithTaskObserver(observer Observer) ProcessorOption {
	return func(p *Processor) {
		p.observer = observer
	}
}

// NewProcessor 构造 Processor。
func NewProcessor(executor Executor, store Store, consumer Consumer, opts ...ProcessorOption) *Processor {
	p := &Processor{
		executor:    executor,
		store:       store,
		consumer:    consumer,
		workerCount: 1,
		logger:      logger.Named("task.processor"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	if p.workerCount <= 0 {
		p.workerCount = 1
	}
	return p
}

// Start 启动任务处理循环。
func (p *Processor) Start(ctx context.Context) error {
	if p.consumer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "未配置任务消费者")
	}
	return p.consumer.Consume(ctx, p.workerCount, p.Handle)
}

// Handle 处理一条任务记录，可直接调用以同步执行。
func (p *Processor) Handle(ctx context.Context, taskID string) error {
	if p.store == nil || p.executor == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "处理器未初始化")
	}
	task, err := p.store.Claim(ctx, taskID)
	if err != nil {
		if IsTaskError(err, CodeTaskNotFound) || IsTaskError(err, CodeTaskCompleted) ||
			IsTaskError(err, CodeTaskAborted) || IsTaskError(err, CodeTaskConflict) {
			p.logger.Debug("跳过任务", slog.String("task_id", taskID), slog.String("reason", err.Error()))
			return nil
		}
		p.logger.Error("领取任务失败", slog.Any("error", err), slog.String("task_id", taskID))
		p.emitAlert(ctx, taskID, xerrors.CodeOf(err), err, "claim")
		return err
	}

	start := time.Now()
	result, execErr := p.executor.Execute(ctx, task)
	if execErr != nil {
		p.observe(StatusFailed, time.Since(start))
		return p.handleExecutionFailure(ctx, task, execErr)
	}

	var record ExecutionResult
	if result != nil {
		record = *result
	}
	if record.ExecutedAt == 0 {
		record.ExecutedAt = time.Now().Unix()
	}
	if err := p.store.MarkSucceeded(ctx, task.ID, record); err != nil {
		p.logger.Error("标记任务成功状态失败", slog.Any("error", err), slog.String("task_id", task.ID))
		p.emitAlert(ctx, task.ID, xerrors.CodeOf(err), err, "mark_succeeded")
		return err
	}
	p.observe(StatusSucceeded, time.Since(start))
	logger.Audit().Info("task_executed",
		slog.String("task_id", task.ID),
		slog.String("task_account", task.Address),
		slog.String("queue", task.Queue),
		slog.String("crank", record.Crank),
		slog.Uint64("reward", record.Reward),
	)
	return nil
}

func (p *Processor) handleExecutionFailure(ctx context.Context, task *Task, execErr error) error {
	code := xerrors.CodeOf(execErr)
	if code == xerrors.CodeUnknown {
		code = CodeTaskProcessing
	}
	if storeErr := p.store.MarkFailed(ctx, task.ID, code, execErr.Error()); storeErr != nil {
		p.logger.Error("标记任务失败状态出错", slog.Any("error", storeErr), slog.String("task_id", task.ID))
		return storeErr
	}
	logger.Audit().Warn("task_failed",
		slog.String("task_id", task.ID),
		slog.String("task_account", task.Address),
		slog.String("error", execErr.Error()),
		slog.String("error_code", string(code)),
	)
	p.emitAlert(ctx, task.ID, code, execErr, "execute")
	return xerrors.Wrap(CodeTaskProcessing, execErr, "任务执行失败")
}

func (p *Processor) observe(status Status, duration time.Duration) {
	if p.observer != nil {
		p.observer.ObserveTask(status, duration)
	}
}

func (p *Processor) emitAlert(ctx context.Context, taskID string, code xerrors.Code, cause error, stage string) {
	if p == nil || p.alerter == nil {
		return
	}
	attrs := xerrors.AttributesOf(code)
	message := attrs.Message
	metadata := map[string]string{"stage": stage}
	if cause != nil {
		message = cause.Error()
		metadata["cause"] = cause.Error()
	}
	event := alerting.Event{
		Code:       code,
		Message:    message,
		Severity:   xerrors.SeverityOf(cause),
		Subject:    taskID,
		Metadata:   metadata,
		OccurredAt: time.Now(),
	}
	if err := p.alerter.Notify(ctx, event); err != nil {
		p.logger.Error("告警通知失败",
			slog.Any("error", err),
			slog.String("task_id", taskID),
			slog.String("stage", stage),
		)
	}
}
