package scheduler

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/identity"
	"Oracle-Relay/internal/ledger"
	"Oracle-Relay/internal/runtime"
	"Oracle-Relay/internal/task"
)

// DefaultProgramID 是开发网中调度程序的固定标识。
var DefaultProgramID = common.HexToAddress("0x7c7c000000000000000000000000000000000001")

// 指令名称。
const (
	InstructionInitializeTaskQueue = "initialize_task_queue"
	InstructionAddQueueAuthority   = "add_queue_authority"
	InstructionQueueTask           = "queue_task"
	InstructionRunTask             = "run_task"
)

// 派生种子。
var (
	TaskQueueSeed          = []byte("task_queue")
	TaskQueueAuthoritySeed = []byte("task_queue_authority")
	TaskSeed               = []byte("task")
)

const (
	// MaxDescriptionLength 限制任务描述的字节数。
	MaxDescriptionLength = 40
	// MaxQueueNameLength 与单个种子的长度上限一致。
	MaxQueueNameLength = identity.MaxSeedLength
	// DefaultCapacity 是未指定容量时队列可容纳的任务 ID 数量。
	DefaultCapacity = 1024
)

const (
	CodeInvalidTransaction     xerrors.Code = "INVALID_COMPILED_TRANSACTION"
	CodeTaskExists             xerrors.Code = "TASK_EXISTS"
	CodeTaskAccountNotFound    xerrors.Code = "TASK_ACCOUNT_NOT_FOUND"
	CodeTaskQueueNotFound      xerrors.Code = "TASK_QUEUE_NOT_FOUND"
	CodeQueueAuthorityMissing  xerrors.Code = "QUEUE_AUTHORITY_NOT_REGISTERED"
	CodeTaskNotDue             xerrors.Code = "TASK_NOT_DUE"
	CodeTaskAlreadyExecuted    xerrors.Code = "TASK_ALREADY_EXECUTED"
	CodeInvalidTaskAccount     xerrors.Code = "INVALID_TASK_ACCOUNT"
	CodeDescriptionTooLong     xerrors.Code = "TASK_DESCRIPTION_TOO_LONG"
	CodeCrankRewardTooLow      xerrors.Code = "CRANK_REWARD_TOO_LOW"
	CodeTaskIDOutOfRange       xerrors.Code = "TASK_ID_OUT_OF_RANGE"
	CodeUnauthorizedQueueOwner xerrors.Code = "UNAUTHORIZED_QUEUE_UPDATE"
)

func init() {
	xerrors.Register(CodeInvalidTransaction, xerrors.Attributes{Message: "invalid compiled transaction", Severity: xerrors.SeverityInfo, HTTPStatus: 400})
	xerrors.Register(CodeTaskExists, xerrors.Attributes{Message: "task id already queued", Severity: xerrors.SeverityInfo, HTTPStatus: 409})
	xerrors.Register(CodeTaskAccountNotFound, xerrors.Attributes{Message: "task account not found", Severity: xerrors.SeverityInfo, HTTPStatus: 404})
	xerrors.Register(CodeTaskQueueNotFound, xerrors.Attributes{Message: "task queue not found", Severity: xerrors.SeverityWarning, HTTPStatus: 404})
	xerrors.Register(CodeQueueAuthorityMissing, xerrors.Attributes{Message: "queue authority not registered", Severity: xerrors.SeverityWarning, HTTPStatus: 403})
	xerrors.Register(CodeTaskNotDue, xerrors.Attributes{Message: "task trigger not reached", Severity: xerrors.SeverityInfo, Retryable: true, HTTPStatus: 409})
	xerrors.Register(CodeTaskAlreadyExecuted, xerrors.Attributes{Message: "task already executed", Severity: xerrors.SeverityInfo, HTTPStatus: 409})
	xerrors.Register(CodeInvalidTaskAccount, xerrors.Attributes{Message: "invalid task account", Severity: xerrors.SeverityWarning, HTTPStatus: 400})
	xerrors.Register(CodeDescriptionTooLong, xerrors.Attributes{Message: "task description too long", Severity: xerrors.SeverityInfo, HTTPStatus: 400})
	xerrors.Register(CodeCrankRewardTooLow, xerrors.Attributes{Message: "crank reward below queue minimum", Severity: xerrors.SeverityInfo, HTTPStatus: 400})
	xerrors.Register(CodeTaskIDOutOfRange, xerrors.Attributes{Message: "task id exceeds queue capacity", Severity: xerrors.SeverityInfo, HTTPStatus: 400})
	xerrors.Register(CodeUnauthorizedQueueOwner, xerrors.Attributes{Message: "caller is not the queue update authority", Severity: xerrors.SeverityWarning, HTTPStatus: 403})
}

// TaskQueueAddress 返回名为 name 的任务队列账户。
func TaskQueueAddress(program common.Address, name string) identity.Derived {
	return identity.MustFind(program, TaskQueueSeed, []byte(name))
}

// TaskQueueAuthorityAddress 返回 authority 在 queue 上的授权账户。
// 该地址同时是执行任务时调度程序代为签名的身份。
func TaskQueueAuthorityAddress(program, queue, authority common.Address) identity.Derived {
	return identity.MustFind(program, TaskQueueAuthoritySeed, queue.Bytes(), authority.Bytes())
}

// TaskAddress 返回队列中编号为 id 的任务账户。
func TaskAddress(program, queue common.Address, id uint16) identity.Derived {
	return identity.MustFind(program, TaskSeed, queue.Bytes(), identity.U16Seed(id))
}

// TaskQueue 是任务队列账户的数据。
type TaskQueue struct {
	Name            string         `json:"name"`
	UpdateAuthority common.Address `json:"update_authority"`
	MinCrankReward  uint64         `json:"min_crank_reward"`
	Capacity        uint16         `json:"capacity"`
	QueuedTasks     uint64         `json:"queued_tasks"`
	ExecutedTasks   uint64         `json:"executed_tasks"`
}

// QueueAuthority 记录一个被允许向队列提交任务的身份。
type QueueAuthority struct {
	Queue     common.Address `json:"queue"`
	Authority common.Address `json:"authority"`
}

// TaskAccount 是已排队任务的链上记录。
type TaskAccount struct {
	Queue          common.Address      `json:"queue"`
	ID             uint16              `json:"id"`
	QueueAuthority common.Address      `json:"queue_authority"`
	Payer          common.Address      `json:"payer"`
	Trigger        task.Trigger        `json:"trigger"`
	Transaction    CompiledTransaction `json:"transaction"`
	CrankReward    uint64              `json:"crank_reward"`
	FreeTasks      uint8               `json:"free_tasks"`
	Description    string              `json:"description"`
	RecordID       string              `json:"record_id,omitempty"`
	QueuedAt       int64               `json:"queued_at"`
	Executed       bool                `json:"executed"`
	ExecutedAt     int64               `json:"executed_at,omitempty"`
	Crank          common.Address      `json:"crank,omitempty"`
}

// InitializeTaskQueueArgs 是 initialize_task_queue 的参数。
type InitializeTaskQueueArgs struct {
	Name           string `json:"name"`
	MinCrankReward uint64 `json:"min_crank_reward"`
	Capacity       uint16 `json:"capacity"`
}

// QueueTaskArgs 是 queue_task 的参数。CrankReward 为空时使用队列的最低奖励。
type QueueTaskArgs struct {
	ID          uint16              `json:"id"`
	Trigger     task.Trigger        `json:"trigger"`
	Transaction CompiledTransaction `json:"transaction"`
	CrankReward *uint64             `json:"crank_reward,omitempty"`
	FreeTasks   uint8               `json:"free_tasks"`
	Description string              `json:"description"`
}

// InitializeTaskQueueInstruction 构造创建任务队列的指令。
func InitializeTaskQueueInstruction(program, payer, updateAuthority common.Address, args InitializeTaskQueueArgs) (runtime.Instruction, error) {
	return runtime.NewInstruction(program, InstructionInitializeTaskQueue, args,
		runtime.WritableSigner(payer),
		runtime.ReadOnlySigner(updateAuthority),
		runtime.Writable(TaskQueueAddress(program, args.Name).Address),
		runtime.ReadOnly(ledger.SystemProgram),
	)
}

// AddQueueAuthorityInstruction 构造为 authority 授权的指令。
func AddQueueAuthorityInstruction(program, payer, updateAuthority, queue, authority common.Address) (runtime.Instruction, error) {
	return runtime.NewInstruction(program, InstructionAddQueueAuthority, nil,
		runtime.WritableSigner(payer),
		runtime.ReadOnlySigner(updateAuthority),
		runtime.ReadOnly(authority),
		runtime.ReadOnly(queue),
		runtime.Writable(TaskQueueAuthorityAddress(program, queue, authority).Address),
		runtime.ReadOnly(ledger.SystemProgram),
	)
}

// QueueTaskInstruction 构造排队指令，queueAuthority 必须签名。
func QueueTaskInstruction(program, payer, queueAuthority, queue common.Address, args QueueTaskArgs) (runtime.Instruction, error) {
	return runtime.NewInstruction(program, InstructionQueueTask, args, QueueTaskAccounts(program, payer, queueAuthority, queue, args.ID)...)
}

// QueueTaskAccounts 返回 queue_task 的账户列表，供跨程序调用方复用。
func QueueTaskAccounts(program, payer, queueAuthority, queue common.Address, id uint16) []runtime.AccountMeta {
	return []runtime.AccountMeta{
		runtime.WritableSigner(payer),
		runtime.ReadOnlySigner(queueAuthority),
		runtime.Writable(queue),
		runtime.ReadOnly(TaskQueueAuthorityAddress(program, queue, queueAuthority).Address),
		runtime.Writable(TaskAddress(program, queue, id).Address),
		runtime.ReadOnly(ledger.SystemProgram),
	}
}

// RunTaskInstruction 构造执行指令，账户列表末尾追加任务交易的全部账户。
func RunTaskInstruction(program, crank, taskAddr common.Address, account TaskAccount) (runtime.Instruction, error) {
	accounts := []runtime.AccountMeta{
		runtime.WritableSigner(crank),
		runtime.Writable(account.Queue),
		runtime.Writable(taskAddr),
		runtime.ReadOnly(TaskQueueAuthorityAddress(program, account.Queue, account.QueueAuthority).Address),
	}
	tx := account.Transaction
	for i, addr := range tx.Accounts {
		accounts = append(accounts, runtime.AccountMeta{Pubkey: addr, IsWritable: tx.IsWritable(i)})
	}
	return runtime.NewInstruction(program, InstructionRunTask, nil, accounts...)
}

// LoadTaskQueue 读取任务队列。
func LoadTaskQueue(ctx context.Context, tx ledger.Tx, program, addr common.Address) (TaskQueue, error) {
	var queue TaskQueue
	if err := load(ctx, tx, addr, program, &queue); err != nil {
		if xerrors.HasCode(err, ledger.CodeAccountNotFound) {
			return queue, xerrors.Wrap(CodeTaskQueueNotFound, err, fmt.Sprintf("任务队列 %s 不存在", addr.Hex()))
		}
		return queue, err
	}
	return queue, nil
}

// LoadTask 读取任务账户。
func LoadTask(ctx context.Context, tx ledger.Tx, program, addr common.Address) (TaskAccount, error) {
	var account TaskAccount
	if err := load(ctx, tx, addr, program, &account); err != nil {
		if xerrors.HasCode(err, ledger.CodeAccountNotFound) {
			return account, xerrors.Wrap(CodeTaskAccountNotFound, err, fmt.Sprintf("任务 %s 不存在", addr.Hex()))
		}
		return account, err
	}
	return account, nil
}

func load(ctx context.Context, tx ledger.Tx, addr, owner common.Address, v any) error {
	acc, err := tx.Account(ctx, addr)
	if err != nil {
		return err
	}
	if acc.Owner != owner {
		return xerrors.New(CodeInvalidTaskAccount, fmt.Sprintf("账户 %s 不属于调度程序", addr.Hex()))
	}
	if err := json.Unmarshal(acc.Data, v); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析账户 %s 失败", addr.Hex()))
	}
	return nil
}

func encode(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码账户数据失败")
	}
	return data, nil
}
