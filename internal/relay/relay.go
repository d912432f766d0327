package relay

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/identity"
	"Oracle-Relay/internal/ledger"
)

// DefaultProgramID 是开发网中中继程序的固定标识。
var DefaultProgramID = common.HexToAddress("0x6e1a000000000000000000000000000000000001")

// 指令名称。
const (
	InstructionInitialize     = "initialize"
	InstructionCreateContext  = "create_context"
	InstructionFundTreasury   = "fund_treasury"
	InstructionSchedule       = "schedule"
	InstructionRequestGPT     = "request_gpt"
	InstructionOracleCallback = "process_oracle_callback"
)

// 派生种子。
var (
	StateSeed          = []byte("oracle_state")
	TreasurySeed       = []byte("treasury")
	QueueAuthoritySeed = []byte("queue_authority")
)

const (
	// MaxPromptLength 是默认提示词与上下文描述的字节上限（含）。
	MaxPromptLength = 280
	// MaxResponseLength 是回调响应的字节上限（含）。
	MaxResponseLength = 512
	// CrankReward 是每次排队支付给执行方的奖励。
	CrankReward uint64 = 1_000_001
	// FreeTasks 是排队时附带的免费后续任务数。
	FreeTasks uint8 = 1
	// TaskDescription 是排队任务的描述。
	TaskDescription = "solana-gpt-oracle request"
)

const (
	CodePromptTooLong         xerrors.Code = "PROMPT_TOO_LONG"
	CodeResponseTooLong       xerrors.Code = "RESPONSE_TOO_LONG"
	CodeContextNotInitialized xerrors.Code = "CONTEXT_NOT_INITIALIZED"
	CodeTaskCompilationFailed xerrors.Code = "TASK_COMPILATION_FAILED"
	CodeInvalidFundingAmount  xerrors.Code = "INVALID_FUNDING_AMOUNT"
	CodeUnauthorized          xerrors.Code = "UNAUTHORIZED"
	CodeAccountConstraint     xerrors.Code = "ACCOUNT_CONSTRAINT"
	CodeNotInitialized        xerrors.Code = "RELAY_NOT_INITIALIZED"
)

func init() {
	xerrors.Register(CodePromptTooLong, xerrors.Attributes{Message: "prompt too long", Severity: xerrors.SeverityInfo, HTTPStatus: 400})
	xerrors.Register(CodeResponseTooLong, xerrors.Attributes{Message: "response too long", Severity: xerrors.SeverityWarning, HTTPStatus: 400})
	xerrors.Register(CodeContextNotInitialized, xerrors.Attributes{Message: "llm context not initialized", Severity: xerrors.SeverityInfo, HTTPStatus: 409})
	xerrors.Register(CodeTaskCompilationFailed, xerrors.Attributes{Message: "task compilation failed", Severity: xerrors.SeverityWarning, HTTPStatus: 400})
	xerrors.Register(CodeInvalidFundingAmount, xerrors.Attributes{Message: "funding amount must be positive", Severity: xerrors.SeverityInfo, HTTPStatus: 400})
	xerrors.Register(CodeUnauthorized, xerrors.Attributes{Message: "unauthorized caller", Severity: xerrors.SeverityWarning, HTTPStatus: 403})
	xerrors.Register(CodeAccountConstraint, xerrors.Attributes{Message: "account constraint violated", Severity: xerrors.SeverityWarning, HTTPStatus: 400})
	xerrors.Register(CodeNotInitialized, xerrors.Attributes{Message: "relay state not initialized", Severity: xerrors.SeverityInfo, HTTPStatus: 409})
}

// State 是每个部署唯一的状态记录。
type State struct {
	Bump         uint8  `json:"bump"`
	TreasuryBump uint8  `json:"treasury_bump"`
	Requests     uint64 `json:"requests"`
	// LLMContext 为零地址表示尚未注册上下文。
	LLMContext         common.Address `json:"llm_context"`
	DefaultPrompt      string         `json:"default_prompt"`
	LastResponse       string         `json:"last_response"`
	TaskQueueAuthority common.Address `json:"task_queue_authority"`
}

// HasContext 报告是否已注册上下文。
func (s State) HasContext() bool { return s.LLMContext != (common.Address{}) }

// InitializeArgs 是 initialize 的参数。
type InitializeArgs struct {
	DefaultPrompt      string         `json:"default_prompt"`
	TaskQueueAuthority common.Address `json:"task_queue_authority"`
}

// CreateContextArgs 是 create_context 的参数。
type CreateContextArgs struct {
	AgentDescription string `json:"agent_description"`
}

// FundTreasuryArgs 是 fund_treasury 的参数。
type FundTreasuryArgs struct {
	Amount uint64 `json:"amount"`
}

// ScheduleArgs 是 schedule 的参数。
type ScheduleArgs struct {
	TaskID uint16 `json:"task_id"`
}

// CallbackArgs 是 process_oracle_callback 的参数。
type CallbackArgs struct {
	Response string `json:"response"`
}

// StateAddress 返回状态记录的派生身份。
func StateAddress(program common.Address) identity.Derived {
	return identity.MustFind(program, StateSeed)
}

// TreasuryAddress 返回国库的派生身份。
func TreasuryAddress(program common.Address) identity.Derived {
	return identity.MustFind(program, TreasurySeed)
}

// QueueAuthorityAddress 返回向调度队列提交任务时使用的派生身份。
func QueueAuthorityAddress(program common.Address) identity.Derived {
	return identity.MustFind(program, QueueAuthoritySeed)
}

// LoadState 读取状态记录。
func LoadState(ctx context.Context, tx ledger.Tx, program common.Address) (State, error) {
	var state State
	addr := StateAddress(program).Address
	acc, err := tx.Account(ctx, addr)
	if err != nil {
		if xerrors.HasCode(err, ledger.CodeAccountNotFound) {
			return state, xerrors.Wrap(CodeNotInitialized, err, "中继状态尚未初始化")
		}
		return state, err
	}
	if acc.Owner != program {
		return state, xerrors.New(CodeAccountConstraint, fmt.Sprintf("账户 %s 不属于中继程序", addr.Hex()))
	}
	if err := json.Unmarshal(acc.Data, &state); err != nil {
		return state, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析中继状态失败")
	}
	return state, nil
}

func encodeState(state State) ([]byte, error) {
	data, err := json.Marshal(state)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "编码中继状态失败")
	}
	return data, nil
}
