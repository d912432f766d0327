package task

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/pkg/logger"
)

const defaultPublishTimeout = 5 * time.Second

// Hooks 是账本事务暴露的提交与回滚钩子，ledger.Tx 满足该接口。
type Hooks interface {
	OnCommit(fn func())
	OnRollback(fn func())
}

// Service 负责任务记录的预留、发布与查询。
type Service struct {
	store          Store
	producer       Producer
	publishTimeout time.Duration
}

// ServiceOption 配置 Service。
type ServiceOption func(*Service)

// WithPublishTimeout 设置提交后投递队列的超时。
func WithPublishTimeout(timeout time.Duration) ServiceOption {
	return func(s *Service) {
		if timeout > 0 {
			s.publishTimeout = timeout
		}
	}
}

// NewService 构造任务服务。
func NewService(store Store, producer Producer, opts ...ServiceOption) *Service {
	s := &Service{store: store, producer: producer, publishTimeout: defaultPublishTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Reserve 在账本事务内登记任务：记录立即写入存储，事务提交后才投递到队列，
// 事务回滚时删除记录。task.ID 为空时自动生成。
func (s *Service) Reserve(ctx context.Context, hooks Hooks, task *Task) error {
	if s.store == nil || s.producer == nil {
		return xerrors.New(xerrors.CodeInitializationFailure, "任务服务未初始化")
	}
	if task == nil {
		return xerrors.New(CodeTaskValidation, "任务不能为空")
	}
	if strings.TrimSpace(task.Queue) == "" || strings.TrimSpace(task.Address) == "" {
		return xerrors.New(CodeTaskValidation, "任务必须指定队列与任务账户")
	}
	if err := task.Trigger.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(task.ID) == "" {
		task.ID = uuid.NewString()
	}
	task.Status = StatusPending
	task.Result = nil
	if err := s.store.Create(ctx, task); err != nil {
		return err
	}

	id := task.ID
	hooks.OnRollback(func() {
		cctx, cancel := context.WithTimeout(context.Background(), s.publishTimeout)
		defer cancel()
		if err := s.store.Delete(cctx, id); err != nil && !IsTaskError(err, CodeTaskNotFound) {
			logger.L().Error("撤销任务预留失败", slog.String("task_id", id), slog.Any("error", err))
		}
	})
	hooks.OnCommit(func() { s.publish(id) })
	return nil
}

func (s *Service) publish(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), s.publishTimeout)
	defer cancel()
	if err := s.producer.Publish(ctx, id); err != nil {
		wrapped := xerrors.Wrap(CodeTaskPublish, err, "发布任务到队列失败")
		logger.L().Error("任务入队失败", slog.Any("error", wrapped), slog.String("task_id", id))
		if markErr := s.store.MarkFailed(ctx, id, CodeTaskPublish, wrapped.Error()); markErr != nil {
			logger.L().Error("回写任务失败状态出错", slog.Any("error", markErr), slog.String("task_id", id))
		}
		return
	}
	logger.Audit().Info("task_published", slog.String("task_id", id))
}

// Get 返回指定任务的状态。
func (s *Service) Get(ctx context.Context, id string) (*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Get(ctx, id)
}

// List 返回符合过滤条件的任务列表。
func (s *Service) List(ctx context.Context, opts ...ListOption) ([]*Task, error) {
	if s.store == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.List(ctx, BuildListOptions(opts...))
}

// Stats 返回符合过滤条件的任务统计信息。
func (s *Service) Stats(ctx context.Context, opts ...ListOption) (TaskStats, error) {
	if s.store == nil {
		return TaskStats{}, xerrors.New(xerrors.CodeInitializationFailure, "任务存储未初始化")
	}
	return s.store.Stats(ctx, BuildListOptions(opts...))
}

// Close 释放资源。
func (s *Service) Close() error {
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			return err
		}
	}
	if s.producer != nil {
		return s.producer.Close()
	}
	return nil
}

// WaitUntilCompleted 轮询任务状态直到进入终态或 ctx 结束。
func (s *Service) WaitUntilCompleted(ctx context.Context, id string, interval time.Duration) (*Task, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		task, err := s.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if task.Status.IsFinished() {
			return task, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}
