package task

import (
	"context"

	xerrors "Oracle-Relay/internal/errors"
)

// Store 抽象了任务记录的持久化接口。
type Store interface {
	// Create 插入新任务，ID 重复时返回 ErrTaskConflict。
	Create(ctx context.Context, task *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	// Delete 移除任务记录，用于撤销尚未提交的预留。
	Delete(ctx context.Context, id string) error
	// Claim 将待执行任务标记为运行中。
	Claim(ctx context.Context, id string) (*Task, error)
	MarkSucceeded(ctx context.Context, id string, result ExecutionResult) error
	// MarkFailed 记录失败原因，失败是终态。
	MarkFailed(ctx context.Context, id string, code xerrors.Code, lastError string) error
	List(ctx context.Context, opts ListOptions) ([]*Task, error)
	Stats(ctx context.Context, opts ListOptions) (TaskStats, error)
	Close() error
}
