package scheduler

import (
	"context"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/ledger"
	"Oracle-Relay/internal/runtime"
	"Oracle-Relay/internal/task"
	"Oracle-Relay/pkg/logger"
)

// Invoker 是执行指令并读取账本的最小能力，由 runtime.Runtime 实现。
type Invoker interface {
	Invoke(ctx context.Context, signers []common.Address, instructions ...runtime.Instruction) error
	Ledger() ledger.Ledger
}

// Crank 作为 task.Executor 执行已排队的任务：等待触发时间后以 crank 身份调用 run_task，
// 并领取任务奖励。
type Crank struct {
	program common.Address
	crank   common.Address
	invoker Invoker
	log     *slog.Logger
	now     func() time.Time
}

// NewCrank 创建执行器。
func NewCrank(program, crank common.Address, invoker Invoker) *Crank {
	if program == (common.Address{}) {
		program = DefaultProgramID
	}
	return &Crank{
		program: program,
		crank:   crank,
		invoker: invoker,
		log:     logger.Named("scheduler.crank"),
		now:     time.Now,
	}
}

// Execute 实现 task.Executor 接口。
func (c *Crank) Execute(ctx context.Context, record *task.Task) (*task.ExecutionResult, error) {
	if c.invoker == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "crank 未配置运行时")
	}
	if !common.IsHexAddress(record.Address) {
		return nil, xerrors.New(CodeInvalidTaskAccount, "任务记录缺少有效的任务账户")
	}
	taskAddr := common.HexToAddress(record.Address)

	account, err := c.load(ctx, taskAddr)
	if err != nil {
		return nil, err
	}
	if account.Executed {
		return nil, xerrors.New(CodeTaskAlreadyExecuted, "任务已被其他 crank 执行")
	}
	if account.RecordID != "" && record.ID != "" && account.RecordID != record.ID {
		return nil, xerrors.New(CodeInvalidTaskAccount, "任务账户已被新的排队记录替换")
	}
	if err := c.waitUntilDue(ctx, account.Trigger); err != nil {
		return nil, err
	}

	ix, err := RunTaskInstruction(c.program, c.crank, taskAddr, account)
	if err != nil {
		return nil, err
	}
	if err := c.invoker.Invoke(ctx, []common.Address{c.crank}, ix); err != nil {
		return nil, err
	}

	executed, err := c.load(ctx, taskAddr)
	if err != nil {
		return nil, err
	}
	c.log.Info("任务已执行",
		slog.String("task", taskAddr.Hex()),
		slog.String("record_id", record.ID),
		slog.Uint64("reward", executed.CrankReward))
	return &task.ExecutionResult{
		Crank:      c.crank.Hex(),
		Reward:     executed.CrankReward,
		ExecutedAt: executed.ExecutedAt,
	}, nil
}

func (c *Crank) load(ctx context.Context, addr common.Address) (TaskAccount, error) {
	var account TaskAccount
	err := c.invoker.Ledger().View(ctx, func(tx ledger.Tx) error {
		var err error
		account, err = LoadTask(ctx, tx, c.program, addr)
		return err
	})
	return account, err
}

func (c *Crank) waitUntilDue(ctx context.Context, trigger task.Trigger) error {
	now := c.now()
	if trigger.Due(now) {
		return nil
	}
	timer := time.NewTimer(trigger.DueAt().Sub(now))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ task.Executor = (*Crank)(nil)
