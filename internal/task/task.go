package task

import (
	stdErrors "errors"
	"fmt"
	"time"

	xerrors "Oracle-Relay/internal/errors"
)

// Status 表示任务在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// TriggerKind 决定任务何时可以被执行。
type TriggerKind string

const (
	TriggerNow       TriggerKind = "now"
	TriggerTimestamp TriggerKind = "timestamp"
)

// Trigger 描述任务的触发条件。
type Trigger struct {
	Kind TriggerKind `json:"kind"`
	// At 为 Unix 秒，仅 TriggerTimestamp 使用。
	At int64 `json:"at,omitempty"`
}

// Now 返回立即触发的条件。
func Now() Trigger { return Trigger{Kind: TriggerNow} }

// At 返回在指定时间之后触发的条件。
func At(ts time.Time) Trigger { return Trigger{Kind: TriggerTimestamp, At: ts.Unix()} }

// Validate 校验触发条件。
func (t Trigger) Validate() error {
	switch t.Kind {
	case TriggerNow:
		return nil
	case TriggerTimestamp:
		if t.At <= 0 {
			return xerrors.New(CodeTaskValidation, "定时触发必须提供时间")
		}
		return nil
	default:
		return xerrors.New(CodeTaskValidation, fmt.Sprintf("未知的触发类型 %q", t.Kind))
	}
}

// Due 判断在 now 时刻任务是否已经可以执行。
func (t Trigger) Due(now time.Time) bool {
	if t.Kind != TriggerTimestamp {
		return true
	}
	return now.Unix() >= t.At
}

// DueAt 返回任务最早可执行的时间，立即触发的任务返回零值。
func (t Trigger) DueAt() time.Time {
	if t.Kind != TriggerTimestamp {
		return time.Time{}
	}
	return time.Unix(t.At, 0)
}

// ExecutionResult 保存一次任务执行的结果。
type ExecutionResult struct {
	Crank      string `json:"crank"`
	Reward     uint64 `json:"reward"`
	ExecutedAt int64  `json:"executed_at"`
}

// Task 是调度程序中一个待执行任务的链下记录，ID 与账本上的任务账户一一对应。
type Task struct {
	ID             string           `json:"id"`
	Queue          string           `json:"queue"`
	TaskID         uint16           `json:"task_id"`
	Address        string           `json:"address"`
	QueueAuthority string           `json:"queue_authority,omitempty"`
	Payer          string           `json:"payer,omitempty"`
	Description    string           `json:"description,omitempty"`
	CrankReward    uint64           `json:"crank_reward"`
	FreeTasks      uint8            `json:"free_tasks"`
	Trigger        Trigger          `json:"trigger"`
	Status         Status           `json:"status"`
	LastError      string           `json:"last_error,omitempty"`
	ErrorCode      string           `json:"error_code,omitempty"`
	Result         *ExecutionResult `json:"result,omitempty"`
	CreatedAt      int64            `json:"created_at"`
	UpdatedAt      int64            `json:"updated_at"`
}

// Clone 返回任务的深拷贝。
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	clone := *t
	if t.Result != nil {
		result := *t.Result
		clone.Result = &result
	}
	return &clone
}

var (
	// ErrTaskNotFound 表示指定的任务不存在。
	ErrTaskNotFound = xerrors.New(CodeTaskNotFound, "task not found")
	// ErrTaskConflict 表示任务在当前状态下无法进行所请求的操作。
	ErrTaskConflict = xerrors.New(CodeTaskConflict, "task conflict", xerrors.WithSeverity(xerrors.SeverityWarning))
	// ErrTaskCompleted 表示任务已经成功完成。
	ErrTaskCompleted = xerrors.New(CodeTaskCompleted, "task already completed", xerrors.WithSeverity(xerrors.SeverityInfo))
	// ErrTaskAborted 表示任务已失败，失败是终态，不会再次执行。
	ErrTaskAborted = xerrors.New(CodeTaskAborted, "task already failed", xerrors.WithSeverity(xerrors.SeverityInfo))
)

const (
	CodeTaskNotFound   xerrors.Code = "TASK_NOT_FOUND"
	CodeTaskConflict   xerrors.Code = "TASK_CONFLICT"
	CodeTaskCompleted  xerrors.Code = "TASK_COMPLETED"
	CodeTaskAborted    xerrors.Code = "TASK_ABORTED"
	CodeTaskValidation xerrors.Code = "TASK_VALIDATION_FAILED"
	CodeTaskPublish    xerrors.Code = "TASK_PUBLISH_FAILED"
	CodeTaskProcessing xerrors.Code = "TASK_PROCESSING_FAILED"
)

func init() {
	xerrors.Register(CodeTaskNotFound, xerrors.Attributes{
		Message:    "task not found",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 404,
	})
	xerrors.Register(CodeTaskConflict, xerrors.Attributes{
		Message:    "task conflict",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeTaskCompleted, xerrors.Attributes{
		Message:    "task already completed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeTaskAborted, xerrors.Attributes{
		Message:    "task already failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 409,
	})
	xerrors.Register(CodeTaskValidation, xerrors.Attributes{
		Message:    "task validation failed",
		Severity:   xerrors.SeverityInfo,
		HTTPStatus: 400,
	})
	xerrors.Register(CodeTaskPublish, xerrors.Attributes{
		Message:    "failed to publish task",
		Severity:   xerrors.SeverityCritical,
		Retryable:  true,
		HTTPStatus: 503,
	})
	xerrors.Register(CodeTaskProcessing, xerrors.Attributes{
		Message:    "task execution failed",
		Severity:   xerrors.SeverityWarning,
		HTTPStatus: 500,
	})
}

// IsTaskError 判断错误是否为统一任务错误。
func IsTaskError(err error, target xerrors.Code) bool {
	if err == nil {
		return false
	}
	switch {
	case stdErrors.Is(err, ErrTaskNotFound):
		return target == CodeTaskNotFound
	case stdErrors.Is(err, ErrTaskConflict):
		return target == CodeTaskConflict
	case stdErrors.Is(err, ErrTaskCompleted):
		return target == CodeTaskCompleted
	case stdErrors.Is(err, ErrTaskAborted):
		return target == CodeTaskAborted
	}
	return xerrors.HasCode(err, target)
}

// IsValidStatus 检查给定的任务状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}

// IsFinished 报告任务是否处于终态。
func (s Status) IsFinished() bool {
	return s == StatusSucceeded || s == StatusFailed
}
