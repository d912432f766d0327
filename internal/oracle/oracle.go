package oracle

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/identity"
	"Oracle-Relay/internal/ledger"
	"Oracle-Relay/internal/runtime"
)

// DefaultProgramID 是开发网中预言机程序的固定标识。
var DefaultProgramID = common.HexToAddress("0x11a0000000000000000000000000000000000001")

// 指令名称。
const (
	InstructionInitialize      = "initialize"
	InstructionCreateContext   = "create_llm_context"
	InstructionInteract        = "interact_with_llm"
	InstructionCallbackFromLLM = "callback_from_llm"
)

// 派生种子。
var (
	CounterSeed     = []byte("counter")
	ContextSeed     = []byte("test-context")
	InteractionSeed = []byte("interaction")
	IdentitySeed    = []byte("identity")
)

// MaxTextLength 限制上下文描述与提示词的长度。
const MaxTextLength = 1024

const (
	CodeNotInitialized      xerrors.Code = "ORACLE_NOT_INITIALIZED"
	CodeUnauthorizedCaller  xerrors.Code = "ORACLE_UNAUTHORIZED_CALLER"
	CodeAlreadyProcessed    xerrors.Code = "INTERACTION_ALREADY_PROCESSED"
	CodeCallbackMismatch    xerrors.Code = "CALLBACK_MISMATCH"
	CodeInvalidContext      xerrors.Code = "INVALID_CONTEXT_ACCOUNT"
	CodeTextTooLong         xerrors.Code = "ORACLE_TEXT_TOO_LONG"
	CodeBackendFailure      xerrors.Code = "ORACLE_BACKEND_FAILURE"
	CodeInteractionNotFound xerrors.Code = "INTERACTION_NOT_FOUND"
)

func init() {
	xerrors.Register(CodeNotInitialized, xerrors.Attributes{Message: "oracle program not initialized", Severity: xerrors.SeverityWarning, HTTPStatus: 409})
	xerrors.Register(CodeUnauthorizedCaller, xerrors.Attributes{Message: "caller is not the oracle operator", Severity: xerrors.SeverityWarning, HTTPStatus: 403})
	xerrors.Register(CodeAlreadyProcessed, xerrors.Attributes{Message: "interaction already processed", Severity: xerrors.SeverityInfo, HTTPStatus: 409})
	xerrors.Register(CodeCallbackMismatch, xerrors.Attributes{Message: "callback target mismatch", Severity: xerrors.SeverityWarning, HTTPStatus: 400})
	xerrors.Register(CodeInvalidContext, xerrors.Attributes{Message: "invalid context account", Severity: xerrors.SeverityInfo, HTTPStatus: 400})
	xerrors.Register(CodeTextTooLong, xerrors.Attributes{Message: "oracle text too long", Severity: xerrors.SeverityInfo, HTTPStatus: 400})
	xerrors.Register(CodeBackendFailure, xerrors.Attributes{Message: "oracle backend failure", Severity: xerrors.SeverityWarning, Retryable: true, HTTPStatus: 502})
	xerrors.Register(CodeInteractionNotFound, xerrors.Attributes{Message: "interaction not found", Severity: xerrors.SeverityInfo, HTTPStatus: 404})
}

// CounterAddress 返回上下文计数器账户。
func CounterAddress(program common.Address) identity.Derived {
	return identity.MustFind(program, CounterSeed)
}

// ContextAddress 返回第 index 个上下文账户。
func ContextAddress(program common.Address, index uint32) identity.Derived {
	return identity.MustFind(program, ContextSeed, identity.U32Seed(index))
}

// InteractionAddress 返回 payer 在 context 上的交互账户，同一对组合复用同一账户。
func InteractionAddress(program, payer, context common.Address) identity.Derived {
	return identity.MustFind(program, InteractionSeed, payer.Bytes(), context.Bytes())
}

// IdentityAddress 返回预言机回调时使用的签名身份。
func IdentityAddress(program common.Address) identity.Derived {
	return identity.MustFind(program, IdentitySeed)
}

// Counter 记录已创建的上下文数量。
type Counter struct {
	Count uint32 `json:"count"`
}

// ContextAccount 保存一段对话上下文。
type ContextAccount struct {
	Text   string `json:"text"`
	Index  uint32 `json:"index"`
	Handle string `json:"handle,omitempty"`
}

// Callback 描述预言机完成计算后要调用的入口。
type Callback struct {
	Program  common.Address        `json:"program"`
	Selector runtime.Selector      `json:"selector"`
	Accounts []runtime.AccountMeta `json:"accounts"`
}

// Interaction 是一次待处理的提问。
type Interaction struct {
	ID          string         `json:"id"`
	Context     common.Address `json:"context"`
	Payer       common.Address `json:"payer"`
	Text        string         `json:"text"`
	Callback    Callback       `json:"callback"`
	IsProcessed bool           `json:"is_processed"`
	Response    string         `json:"response,omitempty"`
	Handle      string         `json:"handle,omitempty"`
	CreatedAt   int64          `json:"created_at"`
}

// CreateContextArgs 是 create_llm_context 的参数。
type CreateContextArgs struct {
	Text string `json:"text"`
}

// InteractArgs 是 interact_with_llm 的参数。
type InteractArgs struct {
	Text             string                `json:"text"`
	CallbackProgram  common.Address        `json:"callback_program_id"`
	CallbackSelector runtime.Selector      `json:"callback_discriminator"`
	CallbackAccounts []runtime.AccountMeta `json:"account_metas,omitempty"`
}

// CallbackArgs 是预言机回调目标程序时携带的参数。
type CallbackArgs struct {
	Response string `json:"response"`
}

// InitializeInstruction 创建计数器账户。
func InitializeInstruction(program, payer common.Address) (runtime.Instruction, error) {
	return runtime.NewInstruction(program, InstructionInitialize, nil,
		runtime.WritableSigner(payer),
		runtime.Writable(CounterAddress(program).Address),
	)
}

// CreateContextInstruction 构造创建上下文的指令，contextAccount 必须由当前计数派生。
func CreateContextInstruction(program, payer, contextAccount common.Address, text string) (runtime.Instruction, error) {
	return runtime.NewInstruction(program, InstructionCreateContext, CreateContextArgs{Text: text},
		runtime.WritableSigner(payer),
		runtime.Writable(contextAccount),
		runtime.Writable(CounterAddress(program).Address),
		runtime.ReadOnly(ledger.SystemProgram),
	)
}

// InteractInstruction 构造提问指令，payer 支付交互费用。
func InteractInstruction(program, payer, contextAccount common.Address, args InteractArgs) (runtime.Instruction, error) {
	return runtime.NewInstruction(program, InstructionInteract, args,
		runtime.WritableSigner(payer),
		runtime.Writable(InteractionAddress(program, payer, contextAccount).Address),
		runtime.ReadOnly(contextAccount),
		runtime.ReadOnly(ledger.SystemProgram),
	)
}

// CallbackInstruction 构造运营方提交计算结果的指令。
func CallbackInstruction(program, operator, interaction common.Address, callback Callback, response string) (runtime.Instruction, error) {
	accounts := []runtime.AccountMeta{
		runtime.ReadOnlySigner(operator),
		runtime.ReadOnly(IdentityAddress(program).Address),
		runtime.Writable(interaction),
		runtime.ReadOnly(callback.Program),
	}
	accounts = append(accounts, callback.Accounts...)
	return runtime.NewInstruction(program, InstructionCallbackFromLLM, CallbackArgs{Response: response}, accounts...)
}

// LoadCounter 读取计数器。
func LoadCounter(ctx context.Context, tx ledger.Tx, program common.Address) (Counter, error) {
	var counter Counter
	err := load(ctx, tx, CounterAddress(program).Address, program, &counter)
	if xerrors.HasCode(err, ledger.CodeAccountNotFound) {
		return counter, xerrors.Wrap(CodeNotInitialized, err, "预言机计数器不存在")
	}
	return counter, err
}

// LoadContext 读取上下文账户。
func LoadContext(ctx context.Context, tx ledger.Tx, program, addr common.Address) (ContextAccount, error) {
	var account ContextAccount
	if err := load(ctx, tx, addr, program, &account); err != nil {
		if xerrors.HasCode(err, ledger.CodeAccountNotFound) {
			return account, xerrors.Wrap(CodeInvalidContext, err, fmt.Sprintf("上下文 %s 不存在", addr.Hex()))
		}
		return account, err
	}
	return account, nil
}

// LoadInteraction 读取交互账户。
func LoadInteraction(ctx context.Context, tx ledger.Tx, program, addr common.Address) (Interaction, error) {
	var in Interaction
	if err := load(ctx, tx, addr, program, &in); err != nil {
		if xerrors.HasCode(err, ledger.CodeAccountNotFound) {
			return in, xerrors.Wrap(CodeInteractionNotFound, err, fmt.Sprintf("交互 %s 不存在", addr.Hex()))
		}
		return in, err
	}
	return in, nil
}

func load(ctx context.Context, tx ledger.Tx, addr, owner common.Address, v any) error {
	acc, err := tx.Account(ctx, addr)
	if err != nil {
		return err
	}
	if acc.Owner != owner {
		return xerrors.New(ledger.CodeOwnerMismatch, fmt.Sprintf("账户 %s 不属于预言机程序", addr.Hex()))
	}
	if err := json.Unmarshal(acc.Data, v); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("解析账户 %s 失败", addr.Hex()))
	}
	return nil
}
