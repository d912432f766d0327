package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/ledger"
	"Oracle-Relay/internal/runtime"
	"Oracle-Relay/pkg/logger"
)

// Backend 把预言机程序的链上状态变化同步给实际执行推理的一方。
// 两个方法都在账本事务内被调用，实现可以通过 tx 注册提交或回滚钩子。
type Backend interface {
	ContextCreated(ctx context.Context, tx ledger.Tx, address common.Address, account *ContextAccount) error
	InteractionSubmitted(ctx context.Context, tx ledger.Tx, address common.Address, interaction *Interaction) error
}

// Config 描述预言机程序的部署参数。
type Config struct {
	ID common.Address
	// Operator 是唯一允许提交计算结果的身份。
	Operator common.Address
	// InteractionFee 在每次提问时从 payer 扣除。
	InteractionFee uint64
}

// Program 是预言机协作方在账本上的程序：管理上下文、记录提问并转发回调。
type Program struct {
	cfg     Config
	backend Backend
	router  *runtime.Router
	log     *slog.Logger
	now     func() time.Time
}

// NewProgram 创建预言机程序。
func NewProgram(cfg Config, backend Backend) *Program {
	if cfg.ID == (common.Address{}) {
		cfg.ID = DefaultProgramID
	}
	p := &Program{
		cfg:     cfg,
		backend: backend,
		log:     logger.Named("oracle"),
		now:     time.Now,
	}
	p.router = runtime.NewRouter().
		Handle(InstructionInitialize, p.initialize).
		Handle(InstructionCreateContext, p.createContext).
		Handle(InstructionInteract, p.interact).
		Handle(InstructionCallbackFromLLM, p.callbackFromLLM)
	return p
}

// ID 返回程序标识。
func (p *Program) ID() common.Address { return p.cfg.ID }

// Identity 返回回调签名身份。
func (p *Program) Identity() common.Address { return IdentityAddress(p.cfg.ID).Address }

// Operator 返回运营方身份。
func (p *Program) Operator() common.Address { return p.cfg.Operator }

// Process 实现 runtime.Program 接口。
func (p *Program) Process(ctx context.Context, call *runtime.Call) error {
	return p.router.Process(ctx, call)
}

// InstructionName 供运行时记录指标。
func (p *Program) InstructionName(data []byte) string { return p.router.InstructionName(data) }

func (p *Program) initialize(ctx context.Context, call *runtime.Call) error {
	if err := call.RequireAccounts(2); err != nil {
		return err
	}
	if err := requireSigner(call, 0); err != nil {
		return err
	}
	counter := CounterAddress(p.cfg.ID).Address
	if call.Accounts[1].Pubkey != counter {
		return xerrors.New(CodeInvalidContext, "计数器账户地址不正确")
	}
	return writeNew(ctx, call.Tx, counter, p.cfg.ID, Counter{})
}

func (p *Program) createContext(ctx context.Context, call *runtime.Call) error {
	var args CreateContextArgs
	if err := call.Decode(&args); err != nil {
		return err
	}
	if len(args.Text) > MaxTextLength {
		return xerrors.New(CodeTextTooLong, fmt.Sprintf("上下文描述长度 %d 超过上限 %d", len(args.Text), MaxTextLength))
	}
	if err := call.RequireAccounts(3); err != nil {
		return err
	}
	if err := requireSigner(call, 0); err != nil {
		return err
	}
	counterAddr := CounterAddress(p.cfg.ID).Address
	if call.Accounts[2].Pubkey != counterAddr {
		return xerrors.New(CodeInvalidContext, "计数器账户地址不正确")
	}
	counter, err := LoadCounter(ctx, call.Tx, p.cfg.ID)
	if err != nil {
		return err
	}
	if counter.Count == math.MaxUint32 {
		return xerrors.New(CodeInvalidContext, "上下文数量已达上限")
	}
	contextAddr := ContextAddress(p.cfg.ID, counter.Count).Address
	if call.Accounts[1].Pubkey != contextAddr {
		return xerrors.New(CodeInvalidContext, fmt.Sprintf("上下文账户应为 %s", contextAddr.Hex()))
	}

	account := ContextAccount{Text: args.Text, Index: counter.Count}
	if p.backend != nil {
		if err := p.backend.ContextCreated(ctx, call.Tx, contextAddr, &account); err != nil {
			return xerrors.Wrap(CodeBackendFailure, err, "注册上下文失败")
		}
	}
	if err := writeNew(ctx, call.Tx, contextAddr, p.cfg.ID, account); err != nil {
		return err
	}
	counter.Count++
	if err := write(ctx, call.Tx, counterAddr, p.cfg.ID, counter); err != nil {
		return err
	}
	p.log.Debug("上下文已创建", slog.String("context", contextAddr.Hex()), slog.Uint64("index", uint64(account.Index)))
	return nil
}

func (p *Program) interact(ctx context.Context, call *runtime.Call) error {
	var args InteractArgs
	if err := call.Decode(&args); err != nil {
		return err
	}
	if len(args.Text) > MaxTextLength {
		return xerrors.New(CodeTextTooLong, fmt.Sprintf("提示词长度 %d 超过上限 %d", len(args.Text), MaxTextLength))
	}
	if args.CallbackProgram == (common.Address{}) {
		return xerrors.New(CodeCallbackMismatch, "未指定回调程序")
	}
	if err := call.RequireAccounts(3); err != nil {
		return err
	}
	if err := requireSigner(call, 0); err != nil {
		return err
	}
	payer := call.Accounts[0].Pubkey
	contextAddr := call.Accounts[2].Pubkey
	interactionAddr := InteractionAddress(p.cfg.ID, payer, contextAddr).Address
	if call.Accounts[1].Pubkey != interactionAddr {
		return xerrors.New(CodeInvalidContext, fmt.Sprintf("交互账户应为 %s", interactionAddr.Hex()))
	}
	if _, err := LoadContext(ctx, call.Tx, p.cfg.ID, contextAddr); err != nil {
		return err
	}

	if p.cfg.InteractionFee > 0 {
		if err := call.Tx.Transfer(ctx, payer, interactionAddr, p.cfg.InteractionFee); err != nil {
			return err
		}
	}

	interaction := Interaction{
		ID:      uuid.NewString(),
		Context: contextAddr,
		Payer:   payer,
		Text:    args.Text,
		Callback: Callback{
			Program:  args.CallbackProgram,
			Selector: args.CallbackSelector,
			Accounts: args.CallbackAccounts,
		},
		CreatedAt: p.now().Unix(),
	}
	if p.backend != nil {
		if err := p.backend.InteractionSubmitted(ctx, call.Tx, interactionAddr, &interaction); err != nil {
			return xerrors.Wrap(CodeBackendFailure, err, "提交交互失败")
		}
	}

	existing, err := call.Tx.Account(ctx, interactionAddr)
	switch {
	case err == nil && existing.Owner == p.cfg.ID:
		err = write(ctx, call.Tx, interactionAddr, p.cfg.ID, interaction)
	case err == nil || xerrors.HasCode(err, ledger.CodeAccountNotFound):
		err = writeNew(ctx, call.Tx, interactionAddr, p.cfg.ID, interaction)
	}
	if err != nil {
		return err
	}
	p.log.Debug("交互已记录",
		slog.String("interaction", interactionAddr.Hex()),
		slog.String("interaction_id", interaction.ID),
		slog.String("payer", payer.Hex()))
	return nil
}

func (p *Program) callbackFromLLM(ctx context.Context, call *runtime.Call) error {
	var args CallbackArgs
	if err := call.Decode(&args); err != nil {
		return err
	}
	if err := call.RequireAccounts(4); err != nil {
		return err
	}
	if err := requireSigner(call, 0); err != nil {
		return err
	}
	if call.Accounts[0].Pubkey != p.cfg.Operator {
		return xerrors.New(CodeUnauthorizedCaller, fmt.Sprintf("%s 不是预言机运营方", call.Accounts[0].Pubkey.Hex()))
	}
	identity := IdentityAddress(p.cfg.ID)
	if call.Accounts[1].Pubkey != identity.Address {
		return xerrors.New(CodeUnauthorizedCaller, "回调身份账户不正确")
	}

	interactionAddr := call.Accounts[2].Pubkey
	interaction, err := LoadInteraction(ctx, call.Tx, p.cfg.ID, interactionAddr)
	if err != nil {
		return err
	}
	if interaction.IsProcessed {
		return xerrors.New(CodeAlreadyProcessed, fmt.Sprintf("交互 %s 已处理", interaction.ID))
	}
	if call.Accounts[3].Pubkey != interaction.Callback.Program {
		return xerrors.New(CodeCallbackMismatch, "回调程序与交互记录不一致")
	}

	interaction.IsProcessed = true
	interaction.Response = args.Response
	if err := write(ctx, call.Tx, interactionAddr, p.cfg.ID, interaction); err != nil {
		return err
	}

	if _, err := call.Tx.Sign(p.cfg.ID, identity.Seeds(IdentitySeed)...); err != nil {
		return err
	}
	payload, err := json.Marshal(CallbackArgs{Response: args.Response})
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码回调参数失败")
	}
	data := append(append([]byte(nil), interaction.Callback.Selector[:]...), payload...)
	accounts := append([]runtime.AccountMeta{runtime.ReadOnlySigner(identity.Address)}, interaction.Callback.Accounts...)
	return call.Invoke(ctx, runtime.Instruction{
		ProgramID: interaction.Callback.Program,
		Accounts:  accounts,
		Data:      data,
	})
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

func writeNew(ctx context.Context, tx ledger.Tx, addr, owner common.Address, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码账户数据失败")
	}
	return tx.CreateAccount(ctx, addr, owner, data)
}

func write(ctx context.Context, tx ledger.Tx, addr, owner common.Address, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码账户数据失败")
	}
	return tx.WriteData(ctx, addr, owner, data)
}

var _ runtime.Program = (*Program)(nil)
