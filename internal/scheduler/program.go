package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/identity"
	"Oracle-Relay/internal/ledger"
	"Oracle-Relay/internal/runtime"
	"Oracle-Relay/internal/task"
	"Oracle-Relay/pkg/logger"
)

// Reserver 在账本事务内登记链下任务记录，task.Service 实现该接口。
type Reserver interface {
	Reserve(ctx context.Context, hooks task.Hooks, record *task.Task) error
}

// Program 是调度协作方在账本上的程序：维护任务队列、接受排队并在触发后执行任务交易。
type Program struct {
	id       common.Address
	reserver Reserver
	router   *runtime.Router
	log      *slog.Logger
	now      func() time.Time
}

// Option 配置调度程序。
type Option func(*Program)

// WithClock 替换时间来源。
func WithClock(now func() time.Time) Option {
	return func(p *Program) {
		if now != nil {
			p.now = now
		}
	}
}

// NewProgram 创建调度程序，reserver 为空时只维护链上状态。
func NewProgram(id common.Address, reserver Reserver, opts ...Option) *Program {
	if id == (common.Address{}) {
		id = DefaultProgramID
	}
	p := &Program{
		id:       id,
		reserver: reserver,
		log:      logger.Named("scheduler"),
		now:      time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.router = runtime.NewRouter().
		Handle(InstructionInitializeTaskQueue, p.initializeTaskQueue).
		Handle(InstructionAddQueueAuthority, p.addQueueAuthority).
		Handle(InstructionQueueTask, p.queueTask).
		Handle(InstructionRunTask, p.runTask)
	return p
}

// ID 返回程序标识。
func (p *Program) ID() common.Address { return p.id }

// Process 实现 runtime.Program 接口。
func (p *Program) Process(ctx context.Context, call *runtime.Call) error {
	return p.router.Process(ctx, call)
}

// InstructionName 供运行时记录指标。
func (p *Program) InstructionName(data []byte) string { return p.router.InstructionName(data) }

func (p *Program) initializeTaskQueue(ctx context.Context, call *runtime.Call) error {
	var args InitializeTaskQueueArgs
	if err := call.Decode(&args); err != nil {
		return err
	}
	name := strings.TrimSpace(args.Name)
	if name == "" || len(name) > MaxQueueNameLength {
		return xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("队列名称长度必须在 1 到 %d 之间", MaxQueueNameLength))
	}
	if err := call.RequireAccounts(3); err != nil {
		return err
	}
	if err := requireSigner(call, 0); err != nil {
		return err
	}
	if err := requireSigner(call, 1); err != nil {
		return err
	}
	queueAddr := TaskQueueAddress(p.id, name).Address
	if call.Accounts[2].Pubkey != queueAddr {
		return xerrors.New(CodeInvalidTaskAccount, fmt.Sprintf("任务队列账户应为 %s", queueAddr.Hex()))
	}
	capacity := args.Capacity
	if capacity == 0 {
		capacity = DefaultCapacity
	}
	data, err := encode(TaskQueue{
		Name:            name,
		UpdateAuthority: call.Accounts[1].Pubkey,
		MinCrankReward:  args.MinCrankReward,
		Capacity:        capacity,
	})
	if err != nil {
		return err
	}
	if err := call.Tx.CreateAccount(ctx, queueAddr, p.id, data); err != nil {
		return err
	}
	p.log.Debug("任务队列已创建", slog.String("queue", queueAddr.Hex()), slog.String("name", name))
	return nil
}

func (p *Program) addQueueAuthority(ctx context.Context, call *runtime.Call) error {
	if err := call.RequireAccounts(5); err != nil {
		return err
	}
	if err := requireSigner(call, 0); err != nil {
		return err
	}
	if err := requireSigner(call, 1); err != nil {
		return err
	}
	authority := call.Accounts[2].Pubkey
	queueAddr := call.Accounts[3].Pubkey
	queue, err := LoadTaskQueue(ctx, call.Tx, p.id, queueAddr)
	if err != nil {
		return err
	}
	if queue.UpdateAuthority != call.Accounts[1].Pubkey {
		return xerrors.New(CodeUnauthorizedQueueOwner, fmt.Sprintf("%s 不是队列的更新权限", call.Accounts[1].Pubkey.Hex()))
	}
	tqa := TaskQueueAuthorityAddress(p.id, queueAddr, authority).Address
	if call.Accounts[4].Pubkey != tqa {
		return xerrors.New(CodeInvalidTaskAccount, fmt.Sprintf("队列授权账户应为 %s", tqa.Hex()))
	}
	data, err := encode(QueueAuthority{Queue: queueAddr, Authority: authority})
	if err != nil {
		return err
	}
	return call.Tx.CreateAccount(ctx, tqa, p.id, data)
}

func (p *Program) queueTask(ctx context.Context, call *runtime.Call) error {
	var args QueueTaskArgs
	if err := call.Decode(&args); err != nil {
		return err
	}
	if len(args.Description) > MaxDescriptionLength {
		return xerrors.New(CodeDescriptionTooLong, fmt.Sprintf("任务描述长度 %d 超过上限 %d", len(args.Description), MaxDescriptionLength))
	}
	if err := args.Trigger.Validate(); err != nil {
		return err
	}
	if _, err := args.Transaction.Decompile(); err != nil {
		return err
	}
	if err := call.RequireAccounts(5); err != nil {
		return err
	}
	if err := requireSigner(call, 0); err != nil {
		return err
	}
	if err := requireSigner(call, 1); err != nil {
		return err
	}
	payer := call.Accounts[0].Pubkey
	authority := call.Accounts[1].Pubkey
	queueAddr := call.Accounts[2].Pubkey
	queue, err := LoadTaskQueue(ctx, call.Tx, p.id, queueAddr)
	if err != nil {
		return err
	}
	tqa := TaskQueueAuthorityAddress(p.id, queueAddr, authority).Address
	if call.Accounts[3].Pubkey != tqa {
		return xerrors.New(CodeInvalidTaskAccount, fmt.Sprintf("队列授权账户应为 %s", tqa.Hex()))
	}
	if _, err := call.Tx.Account(ctx, tqa); err != nil {
		if xerrors.HasCode(err, ledger.CodeAccountNotFound) {
			return xerrors.New(CodeQueueAuthorityMissing, fmt.Sprintf("%s 未获准向队列 %s 提交任务", authority.Hex(), queue.Name))
		}
		return err
	}
	if args.ID >= queue.Capacity {
		return xerrors.New(CodeTaskIDOutOfRange, fmt.Sprintf("任务 ID %d 超出队列容量 %d", args.ID, queue.Capacity))
	}
	reward := queue.MinCrankReward
	if args.CrankReward != nil {
		reward = *args.CrankReward
	}
	if reward < queue.MinCrankReward {
		return xerrors.New(CodeCrankRewardTooLow, fmt.Sprintf("奖励 %d 低于队列最低值 %d", reward, queue.MinCrankReward))
	}

	taskAddr := TaskAddress(p.id, queueAddr, args.ID).Address
	if call.Accounts[4].Pubkey != taskAddr {
		return xerrors.New(CodeInvalidTaskAccount, fmt.Sprintf("任务账户应为 %s", taskAddr.Hex()))
	}
	replace := false
	existing, err := call.Tx.Account(ctx, taskAddr)
	switch {
	case err == nil && existing.Owner == p.id:
		previous, err := LoadTask(ctx, call.Tx, p.id, taskAddr)
		if err != nil {
			return err
		}
		if !previous.Executed {
			return xerrors.New(CodeTaskExists, fmt.Sprintf("队列 %s 中的任务 %d 尚未执行", queue.Name, args.ID))
		}
		replace = true
	case err != nil && !xerrors.HasCode(err, ledger.CodeAccountNotFound):
		return err
	}

	account := TaskAccount{
		Queue:          queueAddr,
		ID:             args.ID,
		QueueAuthority: authority,
		Payer:          payer,
		Trigger:        args.Trigger,
		Transaction:    args.Transaction,
		CrankReward:    reward,
		FreeTasks:      args.FreeTasks,
		Description:    args.Description,
		QueuedAt:       p.now().Unix(),
	}
	if p.reserver != nil {
		record := &task.Task{
			Queue:          queueAddr.Hex(),
			TaskID:         args.ID,
			Address:        taskAddr.Hex(),
			QueueAuthority: authority.Hex(),
			Payer:          payer.Hex(),
			Description:    args.Description,
			CrankReward:    reward,
			FreeTasks:      args.FreeTasks,
			Trigger:        args.Trigger,
		}
		if err := p.reserver.Reserve(ctx, call.Tx, record); err != nil {
			return err
		}
		account.RecordID = record.ID
	}

	data, err := encode(account)
	if err != nil {
		return err
	}
	if replace {
		err = call.Tx.WriteData(ctx, taskAddr, p.id, data)
	} else {
		err = call.Tx.CreateAccount(ctx, taskAddr, p.id, data)
	}
	if err != nil {
		return err
	}
	if reward > 0 {
		if err := call.Tx.Transfer(ctx, payer, taskAddr, reward); err != nil {
			return err
		}
	}

	queue.QueuedTasks++
	if err := p.writeQueue(ctx, call.Tx, queueAddr, queue); err != nil {
		return err
	}
	p.log.Debug("任务已排队",
		slog.String("queue", queueAddr.Hex()),
		slog.Uint64("task_id", uint64(args.ID)),
		slog.String("task", taskAddr.Hex()),
		slog.String("record_id", account.RecordID))
	return nil
}

func (p *Program) runTask(ctx context.Context, call *runtime.Call) error {
	if err := call.RequireAccounts(4); err != nil {
		return err
	}
	if err := requireSigner(call, 0); err != nil {
		return err
	}
	crank := call.Accounts[0].Pubkey
	queueAddr := call.Accounts[1].Pubkey
	taskAddr := call.Accounts[2].Pubkey

	account, err := LoadTask(ctx, call.Tx, p.id, taskAddr)
	if err != nil {
		return err
	}
	if account.Queue != queueAddr {
		return xerrors.New(CodeInvalidTaskAccount, "任务不属于该队列")
	}
	if account.Executed {
		return xerrors.New(CodeTaskAlreadyExecuted, fmt.Sprintf("任务 %s 已执行", taskAddr.Hex()))
	}
	now := p.now()
	if !account.Trigger.Due(now) {
		return xerrors.New(CodeTaskNotDue, fmt.Sprintf("任务 %s 的触发时间为 %s", taskAddr.Hex(), account.Trigger.DueAt().UTC().Format(time.RFC3339)))
	}
	queue, err := LoadTaskQueue(ctx, call.Tx, p.id, queueAddr)
	if err != nil {
		return err
	}

	tqa := TaskQueueAuthorityAddress(p.id, queueAddr, account.QueueAuthority)
	if call.Accounts[3].Pubkey != tqa.Address {
		return xerrors.New(CodeInvalidTaskAccount, fmt.Sprintf("队列授权账户应为 %s", tqa.Address.Hex()))
	}
	remaining := call.Accounts[4:]
	if len(remaining) != len(account.Transaction.Accounts) {
		return xerrors.New(CodeInvalidTaskAccount, fmt.Sprintf("任务交易需要 %d 个账户，实际 %d 个", len(account.Transaction.Accounts), len(remaining)))
	}
	for i, addr := range account.Transaction.Accounts {
		if remaining[i].Pubkey != addr {
			return xerrors.New(CodeInvalidTaskAccount, fmt.Sprintf("第 %d 个任务账户应为 %s", i, addr.Hex()))
		}
	}

	instructions, err := account.Transaction.Decompile()
	if err != nil {
		return err
	}
	if _, err := call.Tx.Sign(p.id, tqa.Seeds(TaskQueueAuthoritySeed, queueAddr.Bytes(), account.QueueAuthority.Bytes())...); err != nil {
		return err
	}
	for _, seeds := range account.Transaction.SignerSeeds {
		if _, err := call.Tx.Sign(p.id, seeds...); err != nil {
			return err
		}
	}
	for _, ix := range instructions {
		if err := call.Invoke(ctx, ix); err != nil {
			return err
		}
	}

	account.Executed = true
	account.ExecutedAt = now.Unix()
	account.Crank = crank
	data, err := encode(account)
	if err != nil {
		return err
	}
	if err := call.Tx.WriteData(ctx, taskAddr, p.id, data); err != nil {
		return err
	}
	if account.CrankReward > 0 {
		derived := TaskAddress(p.id, queueAddr, account.ID)
		if _, err := call.Tx.Sign(p.id, derived.Seeds(TaskSeed, queueAddr.Bytes(), identity.U16Seed(account.ID))...); err != nil {
			return err
		}
		if err := call.Tx.Transfer(ctx, taskAddr, crank, account.CrankReward); err != nil {
			return err
		}
	}
	queue.ExecutedTasks++
	return p.writeQueue(ctx, call.Tx, queueAddr, queue)
}

func (p *Program) writeQueue(ctx context.Context, tx ledger.Tx, addr common.Address, queue TaskQueue) error {
	data, err := encode(queue)
	if err != nil {
		return err
	}
	return tx.WriteData(ctx, addr, p.id, data)
}

func requireSigner(call *runtime.Call, i int) error {
	meta, err := call.Account(i)
	if err != nil {
		return err
	}
	if !meta.IsSigner || !call.Tx.IsSigner(meta.Pubkey) {
		return xerrors.New(ledger.CodeMissingSigner, fmt.Sprintf("账户 %s 需要签名", meta.Pubkey.Hex()))
	}
	return nil
}

var _ runtime.Program = (*Program)(nil)
