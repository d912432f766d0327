package relay

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/ledger"
	"Oracle-Relay/internal/oracle"
	"Oracle-Relay/internal/runtime"
	"Oracle-Relay/internal/scheduler"
	"Oracle-Relay/internal/task"
	"Oracle-Relay/pkg/logger"
)

// Config 描述中继程序及其协作方的程序标识。
type Config struct {
	ID               common.Address
	OracleProgram    common.Address
	SchedulerProgram common.Address
}

func (c Config) withDefaults() Config {
	if c.ID == (common.Address{}) {
		c.ID = DefaultProgramID
	}
	if c.OracleProgram == (common.Address{}) {
		c.OracleProgram = oracle.DefaultProgramID
	}
	if c.SchedulerProgram == (common.Address{}) {
		c.SchedulerProgram = scheduler.DefaultProgramID
	}
	return c
}

// Observer 接收请求生命周期中的计数事件，通常由指标模块实现。
type Observer interface {
	ObserveDispatch(requests uint64)
	ObserveCallback(responseBytes int)
}

// Program 是请求生命周期状态机：注册上下文、注资国库、排队、派发请求与接收回调。
type Program struct {
	cfg      Config
	router   *runtime.Router
	log      *slog.Logger
	observer Observer
}

// Option 配置中继程序。
type Option func(*Program)

// WithObserver 配置生命周期观察者。
func WithObserver(observer Observer) Option {
	return func(p *Program) {
		p.observer = observer
	}
}

// NewProgram 创建中继程序。
func NewProgram(cfg Config, opts ...Option) *Program {
	p := &Program{
		cfg: cfg.withDefaults(),
		log: logger.Named("relay"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(p)
		}
	}
	p.router = runtime.NewRouter().
		Handle(InstructionInitialize, p.initialize).
		Handle(InstructionCreateContext, p.createContext).
		Handle(InstructionFundTreasury, p.fundTreasury).
		Handle(InstructionSchedule, p.schedule).
		Handle(InstructionRequestGPT, p.requestGPT).
		Handle(InstructionOracleCallback, p.processOracleCallback)
	return p
}

// Config 返回生效的配置。
func (p *Program) Config() Config { return p.cfg }

// ID 返回程序标识。
func (p *Program) ID() common.Address { return p.cfg.ID }

// Process 实现 runtime.Program 接口。
func (p *Program) Process(ctx context.Context, call *runtime.Call) error {
	return p.router.Process(ctx, call)
}

// InstructionName 供运行时记录指标。
func (p *Program) InstructionName(data []byte) string { return p.router.InstructionName(data) }

func (p *Program) initialize(ctx context.Context, call *runtime.Call) error {
	var args InitializeArgs
	if err := call.Decode(&args); err != nil {
		return err
	}
	if len(args.DefaultPrompt) > MaxPromptLength {
		return promptTooLong(len(args.DefaultPrompt))
	}
	if args.TaskQueueAuthority == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "必须指定调度队列授权身份")
	}
	if err := call.RequireAccounts(3); err != nil {
		return err
	}
	if err := requireSigner(call, 0); err != nil {
		return err
	}
	stateID := StateAddress(p.cfg.ID)
	treasury := TreasuryAddress(p.cfg.ID)
	if err := expectAccount(call, 1, stateID.Address, "状态"); err != nil {
		return err
	}
	if err := expectAccount(call, 2, treasury.Address, "国库"); err != nil {
		return err
	}

	data, err := encodeState(State{
		Bump:               stateID.Bump,
		TreasuryBump:       treasury.Bump,
		DefaultPrompt:      args.DefaultPrompt,
		TaskQueueAuthority: args.TaskQueueAuthority,
	})
	if err != nil {
		return err
	}
	if err := call.Tx.CreateAccount(ctx, stateID.Address, p.cfg.ID, data); err != nil {
		return err
	}
	// 国库只承载余额，可能已被预先注资。
	if _, err := call.Tx.Account(ctx, treasury.Address); err != nil {
		if !xerrors.HasCode(err, ledger.CodeAccountNotFound) {
			return err
		}
		if err := call.Tx.CreateAccount(ctx, treasury.Address, ledger.SystemProgram, nil); err != nil {
			return err
		}
	}

	payer := call.Accounts[0].Pubkey
	call.Tx.OnCommit(func() {
		logger.Audit().Info("initialize",
			slog.String("payer", payer.Hex()),
			slog.String("state", stateID.Address.Hex()),
			slog.String("treasury", treasury.Address.Hex()),
			slog.String("task_queue_authority", args.TaskQueueAuthority.Hex()))
	})
	return nil
}

func (p *Program) createContext(ctx context.Context, call *runtime.Call) error {
	var args CreateContextArgs
	if err := call.Decode(&args); err != nil {
		return err
	}
	if len(args.AgentDescription) > MaxPromptLength {
		return promptTooLong(len(args.AgentDescription))
	}
	if err := call.RequireAccounts(6); err != nil {
		return err
	}
	if err := requireSigner(call, 0); err != nil {
		return err
	}
	stateAddr := StateAddress(p.cfg.ID).Address
	if err := expectAccount(call, 1, stateAddr, "状态"); err != nil {
		return err
	}
	if err := expectAccount(call, 2, oracle.CounterAddress(p.cfg.OracleProgram).Address, "预言机计数器"); err != nil {
		return err
	}
	if err := expectAccount(call, 5, p.cfg.OracleProgram, "预言机程序"); err != nil {
		return err
	}
	state, err := LoadState(ctx, call.Tx, p.cfg.ID)
	if err != nil {
		return err
	}

	payer := call.Accounts[0].Pubkey
	contextAddr := call.Accounts[3].Pubkey
	ix, err := oracle.CreateContextInstruction(p.cfg.OracleProgram, payer, contextAddr, args.AgentDescription)
	if err != nil {
		return err
	}
	if err := call.Invoke(ctx, ix); err != nil {
		return err
	}

	state.LLMContext = contextAddr
	state.DefaultPrompt = args.AgentDescription
	if err := p.writeState(ctx, call.Tx, state); err != nil {
		return err
	}
	call.Tx.OnCommit(func() {
		logger.Audit().Info("create_context",
			slog.String("payer", payer.Hex()),
			slog.String("llm_context", contextAddr.Hex()))
	})
	return nil
}

func (p *Program) fundTreasury(ctx context.Context, call *runtime.Call) error {
	var args FundTreasuryArgs
	if err := call.Decode(&args); err != nil {
		return err
	}
	if args.Amount == 0 {
		return xerrors.New(CodeInvalidFundingAmount, "注资金额必须大于 0")
	}
	if err := call.RequireAccounts(2); err != nil {
		return err
	}
	if err := requireSigner(call, 0); err != nil {
		return err
	}
	treasury := TreasuryAddress(p.cfg.ID).Address
	if err := expectAccount(call, 1, treasury, "国库"); err != nil {
		return err
	}
	payer := call.Accounts[0].Pubkey
	if err := call.Tx.Transfer(ctx, payer, treasury, args.Amount); err != nil {
		return err
	}
	call.Tx.OnCommit(func() {
		logger.Audit().Info("fund_treasury",
			slog.String("payer", payer.Hex()),
			slog.Uint64("amount", args.Amount))
	})
	return nil
}

func (p *Program) schedule(ctx context.Context, call *runtime.Call) error {
	var args ScheduleArgs
	if err := call.Decode(&args); err != nil {
		return err
	}
	if err := call.RequireAccounts(12); err != nil {
		return err
	}
	if err := requireSigner(call, 0); err != nil {
		return err
	}
	stateAddr := StateAddress(p.cfg.ID).Address
	treasury := TreasuryAddress(p.cfg.ID).Address
	queueAuthority := QueueAuthorityAddress(p.cfg.ID)
	if err := expectAccount(call, 1, stateAddr, "状态"); err != nil {
		return err
	}
	if err := expectAccount(call, 2, treasury, "国库"); err != nil {
		return err
	}
	state, err := LoadState(ctx, call.Tx, p.cfg.ID)
	if err != nil {
		return err
	}
	if !state.HasContext() {
		return xerrors.New(CodeContextNotInitialized, "尚未注册 LLM 上下文")
	}
	interaction := oracle.InteractionAddress(p.cfg.OracleProgram, treasury, state.LLMContext).Address
	queueAddr := call.Accounts[5].Pubkey
	checks := []struct {
		index int
		want  common.Address
		label string
	}{
		{3, state.LLMContext, "LLM 上下文"},
		{4, interaction, "交互"},
		{6, state.TaskQueueAuthority, "队列授权"},
		{7, scheduler.TaskAddress(p.cfg.SchedulerProgram, queueAddr, args.TaskID).Address, "任务"},
		{8, queueAuthority.Address, "排队身份"},
		{9, p.cfg.OracleProgram, "预言机程序"},
		{10, ledger.SystemProgram, "系统程序"},
		{11, p.cfg.SchedulerProgram, "调度程序"},
	}
	for _, c := range checks {
		if err := expectAccount(call, c.index, c.want, c.label); err != nil {
			return err
		}
	}

	request, err := RequestGPTInstruction(p.cfg, state)
	if err != nil {
		return xerrors.Wrap(CodeTaskCompilationFailed, err, "构造 request_gpt 指令失败")
	}
	compiled, err := scheduler.Compile([]runtime.Instruction{request}, nil)
	if err != nil {
		return xerrors.Wrap(CodeTaskCompilationFailed, err, "编译延迟调用失败")
	}

	if _, err := call.Tx.Sign(p.cfg.ID, queueAuthority.Seeds(QueueAuthoritySeed)...); err != nil {
		return err
	}
	reward := CrankReward
	payer := call.Accounts[0].Pubkey
	queueIx, err := scheduler.QueueTaskInstruction(p.cfg.SchedulerProgram, payer, queueAuthority.Address, queueAddr, scheduler.QueueTaskArgs{
		ID:          args.TaskID,
		Trigger:     task.Now(),
		Transaction: *compiled,
		CrankReward: &reward,
		FreeTasks:   FreeTasks,
		Description: TaskDescription,
	})
	if err != nil {
		return err
	}
	if err := call.Invoke(ctx, queueIx); err != nil {
		return err
	}
	call.Tx.OnCommit(func() {
		logger.Audit().Info("schedule",
			slog.String("payer", payer.Hex()),
			slog.String("task_queue", queueAddr.Hex()),
			slog.Uint64("task_id", uint64(args.TaskID)))
	})
	return nil
}

func (p *Program) requestGPT(ctx context.Context, call *runtime.Call) error {
	if err := call.RequireAccounts(7); err != nil {
		return err
	}
	stateAddr := StateAddress(p.cfg.ID).Address
	if err := expectAccount(call, 0, stateAddr, "状态"); err != nil {
		return err
	}
	state, err := LoadState(ctx, call.Tx, p.cfg.ID)
	if err != nil {
		return err
	}
	caller := call.Accounts[4]
	if !caller.IsSigner || !call.Tx.IsSigner(caller.Pubkey) || caller.Pubkey != state.TaskQueueAuthority {
		return xerrors.New(CodeUnauthorized, fmt.Sprintf("%s 不是调度队列授权身份", caller.Pubkey.Hex()))
	}
	if !state.HasContext() {
		return xerrors.New(CodeContextNotInitialized, "尚未注册 LLM 上下文")
	}
	treasury := TreasuryAddress(p.cfg.ID)
	if err := expectAccount(call, 1, treasury.Address, "国库"); err != nil {
		return err
	}
	if err := expectAccount(call, 2, oracle.InteractionAddress(p.cfg.OracleProgram, treasury.Address, state.LLMContext).Address, "交互"); err != nil {
		return err
	}
	if err := expectAccount(call, 3, state.LLMContext, "LLM 上下文"); err != nil {
		return err
	}
	if err := expectAccount(call, 6, p.cfg.OracleProgram, "预言机程序"); err != nil {
		return err
	}

	if _, err := call.Tx.Sign(p.cfg.ID, treasury.Seeds(TreasurySeed)...); err != nil {
		return err
	}
	ix, err := oracle.InteractInstruction(p.cfg.OracleProgram, treasury.Address, state.LLMContext, oracle.InteractArgs{
		Text:             state.DefaultPrompt,
		CallbackProgram:  p.cfg.ID,
		CallbackSelector: runtime.SelectorFor(InstructionOracleCallback),
		CallbackAccounts: []runtime.AccountMeta{runtime.Writable(stateAddr)},
	})
	if err != nil {
		return err
	}
	if err := call.Invoke(ctx, ix); err != nil {
		return err
	}

	if state.Requests < math.MaxUint64 {
		state.Requests++
	}
	if err := p.writeState(ctx, call.Tx, state); err != nil {
		return err
	}
	requests := state.Requests
	call.Tx.OnCommit(func() {
		logger.Audit().Info("request_gpt",
			slog.String("caller", caller.Pubkey.Hex()),
			slog.String("llm_context", state.LLMContext.Hex()),
			slog.Uint64("requests", requests))
		if p.observer != nil {
			p.observer.ObserveDispatch(requests)
		}
	})
	return nil
}

func (p *Program) processOracleCallback(ctx context.Context, call *runtime.Call) error {
	var args CallbackArgs
	if err := call.Decode(&args); err != nil {
		return err
	}
	if err := call.RequireAccounts(2); err != nil {
		return err
	}
	caller := call.Accounts[0]
	identity := oracle.IdentityAddress(p.cfg.OracleProgram).Address
	if !caller.IsSigner || !call.Tx.IsSigner(caller.Pubkey) || caller.Pubkey != identity {
		return xerrors.New(CodeUnauthorized, fmt.Sprintf("%s 不是预言机回调身份", caller.Pubkey.Hex()))
	}
	if len(args.Response) > MaxResponseLength {
		return xerrors.New(CodeResponseTooLong, fmt.Sprintf("响应长度 %d 超过上限 %d", len(args.Response), MaxResponseLength))
	}
	if err := expectAccount(call, 1, StateAddress(p.cfg.ID).Address, "状态"); err != nil {
		return err
	}
	state, err := LoadState(ctx, call.Tx, p.cfg.ID)
	if err != nil {
		return err
	}
	state.LastResponse = args.Response
	if err := p.writeState(ctx, call.Tx, state); err != nil {
		return err
	}
	size := len(args.Response)
	call.Tx.OnCommit(func() {
		logger.Audit().Info("process_oracle_callback",
			slog.String("identity", identity.Hex()),
			slog.Int("response_bytes", size))
		if p.observer != nil {
			p.observer.ObserveCallback(size)
		}
	})
	return nil
}

func (p *Program) writeState(ctx context.Context, tx ledger.Tx, state State) error {
	data, err := encodeState(state)
	if err != nil {
		return err
	}
	return tx.WriteData(ctx, StateAddress(p.cfg.ID).Address, p.cfg.ID, data)
}

func promptTooLong(n int) error {
	return xerrors.New(CodePromptTooLong, fmt.Sprintf("提示词长度 %d 超过上限 %d", n, MaxPromptLength))
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

func expectAccount(call *runtime.Call, i int, want common.Address, label string) error {
	meta, err := call.Account(i)
	if err != nil {
		return err
	}
	if meta.Pubkey != want {
		return xerrors.New(CodeAccountConstraint, fmt.Sprintf("%s账户应为 %s，实际为 %s", label, want.Hex(), meta.Pubkey.Hex()))
	}
	return nil
}

var _ runtime.Program = (*Program)(nil)
