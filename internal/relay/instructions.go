package relay

import (
	"github.com/ethereum/go-ethereum/common"

	"Oracle-Relay/internal/ledger"
	"Oracle-Relay/internal/oracle"
	"Oracle-Relay/internal/runtime"
	"Oracle-Relay/internal/scheduler"
)

// InitializeInstruction 构造 initialize 指令。
func InitializeInstruction(cfg Config, payer common.Address, args InitializeArgs) (runtime.Instruction, error) {
	cfg = cfg.withDefaults()
	return runtime.NewInstruction(cfg.ID, InstructionInitialize, args,
		runtime.WritableSigner(payer),
		runtime.Writable(StateAddress(cfg.ID).Address),
		runtime.Writable(TreasuryAddress(cfg.ID).Address),
		runtime.ReadOnly(ledger.SystemProgram),
	)
}

// CreateContextInstruction 构造 create_context 指令，contextAccount 必须是预言机下一个上下文地址。
func CreateContextInstruction(cfg Config, payer, contextAccount common.Address, description string) (runtime.Instruction, error) {
	cfg = cfg.withDefaults()
	return runtime.NewInstruction(cfg.ID, InstructionCreateContext, CreateContextArgs{AgentDescription: description},
		runtime.WritableSigner(payer),
		runtime.Writable(StateAddress(cfg.ID).Address),
		runtime.Writable(oracle.CounterAddress(cfg.OracleProgram).Address),
		runtime.Writable(contextAccount),
		runtime.ReadOnly(ledger.SystemProgram),
		runtime.ReadOnly(cfg.OracleProgram),
	)
}

// FundTreasuryInstruction 构造 fund_treasury 指令。
func FundTreasuryInstruction(cfg Config, payer common.Address, amount uint64) (runtime.Instruction, error) {
	cfg = cfg.withDefaults()
	return runtime.NewInstruction(cfg.ID, InstructionFundTreasury, FundTreasuryArgs{Amount: amount},
		runtime.WritableSigner(payer),
		runtime.Writable(TreasuryAddress(cfg.ID).Address),
		runtime.ReadOnly(ledger.SystemProgram),
	)
}

// ScheduleInstruction 构造 schedule 指令。state 用于定位上下文、交互与队列授权账户。
func ScheduleInstruction(cfg Config, payer, queue common.Address, state State, taskID uint16) (runtime.Instruction, error) {
	cfg = cfg.withDefaults()
	treasury := TreasuryAddress(cfg.ID).Address
	return runtime.NewInstruction(cfg.ID, InstructionSchedule, ScheduleArgs{TaskID: taskID},
		runtime.WritableSigner(payer),
		runtime.Writable(StateAddress(cfg.ID).Address),
		runtime.ReadOnly(treasury),
		runtime.ReadOnly(state.LLMContext),
		runtime.Writable(oracle.InteractionAddress(cfg.OracleProgram, treasury, state.LLMContext).Address),
		runtime.Writable(queue),
		runtime.ReadOnly(state.TaskQueueAuthority),
		runtime.Writable(scheduler.TaskAddress(cfg.SchedulerProgram, queue, taskID).Address),
		runtime.ReadOnly(QueueAuthorityAddress(cfg.ID).Address),
		runtime.ReadOnly(cfg.OracleProgram),
		runtime.ReadOnly(ledger.SystemProgram),
		runtime.ReadOnly(cfg.SchedulerProgram),
	)
}

// RequestGPTInstruction 构造 request_gpt 指令，调用方为 state 中登记的队列授权身份。
func RequestGPTInstruction(cfg Config, state State) (runtime.Instruction, error) {
	cfg = cfg.withDefaults()
	treasury := TreasuryAddress(cfg.ID).Address
	return runtime.NewInstruction(cfg.ID, InstructionRequestGPT, nil,
		runtime.Writable(StateAddress(cfg.ID).Address),
		runtime.Writable(treasury),
		runtime.Writable(oracle.InteractionAddress(cfg.OracleProgram, treasury, state.LLMContext).Address),
		runtime.ReadOnly(state.LLMContext),
		runtime.ReadOnlySigner(state.TaskQueueAuthority),
		runtime.ReadOnly(ledger.SystemProgram),
		runtime.ReadOnly(cfg.OracleProgram),
	)
}

// OracleCallbackInstruction 构造 process_oracle_callback 指令，正常情况下由预言机程序发起。
func OracleCallbackInstruction(cfg Config, caller common.Address, response string) (runtime.Instruction, error) {
	cfg = cfg.withDefaults()
	return runtime.NewInstruction(cfg.ID, InstructionOracleCallback, CallbackArgs{Response: response},
		runtime.ReadOnlySigner(caller),
		runtime.Writable(StateAddress(cfg.ID).Address),
	)
}
