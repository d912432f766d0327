package relay

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/ledger"
	"Oracle-Relay/internal/oracle"
	"Oracle-Relay/internal/runtime"
)

// Invoker 是执行指令并读取账本的最小能力，由 runtime.Runtime 实现。
type Invoker interface {
	Invoke(ctx context.Context, signers []common.Address, instructions ...runtime.Instruction) error
	Ledger() ledger.Ledger
}

// Client 把中继程序的指令封装为同步调用，每次调用对应一个账本事务。
type Client struct {
	cfg     Config
	invoker Invoker
	queue   common.Address
}

// NewClient 创建客户端，queue 是 schedule 使用的调度队列。
func NewClient(cfg Config, invoker Invoker, queue common.Address) *Client {
	return &Client{cfg: cfg.withDefaults(), invoker: invoker, queue: queue}
}

// Config 返回客户端使用的程序配置。
func (c *Client) Config() Config { return c.cfg }

// Queue 返回调度队列地址。
func (c *Client) Queue() common.Address { return c.queue }

// Initialize 创建状态记录与国库。
func (c *Client) Initialize(ctx context.Context, payer common.Address, prompt string, taskQueueAuthority common.Address) error {
	ix, err := InitializeInstruction(c.cfg, payer, InitializeArgs{DefaultPrompt: prompt, TaskQueueAuthority: taskQueueAuthority})
	if err != nil {
		return err
	}
	return c.invoker.Invoke(ctx, []common.Address{payer}, ix)
}

// CreateContext 在预言机上注册新上下文并返回其地址。
func (c *Client) CreateContext(ctx context.Context, payer common.Address, description string) (common.Address, error) {
	var counter oracle.Counter
	err := c.invoker.Ledger().View(ctx, func(tx ledger.Tx) error {
		var err error
		counter, err = oracle.LoadCounter(ctx, tx, c.cfg.OracleProgram)
		return err
	})
	if err != nil {
		return common.Address{}, err
	}
	contextAddr := oracle.ContextAddress(c.cfg.OracleProgram, counter.Count).Address
	ix, err := CreateContextInstruction(c.cfg, payer, contextAddr, description)
	if err != nil {
		return common.Address{}, err
	}
	if err := c.invoker.Invoke(ctx, []common.Address{payer}, ix); err != nil {
		return common.Address{}, err
	}
	return contextAddr, nil
}

// FundTreasury 从 payer 向国库转账。
func (c *Client) FundTreasury(ctx context.Context, payer common.Address, amount uint64) error {
	ix, err := FundTreasuryInstruction(c.cfg, payer, amount)
	if err != nil {
		return err
	}
	return c.invoker.Invoke(ctx, []common.Address{payer}, ix)
}

// Schedule 把一次 request_gpt 排入调度队列。
func (c *Client) Schedule(ctx context.Context, payer common.Address, taskID uint16) error {
	if c.queue == (common.Address{}) {
		return xerrors.New(xerrors.CodeInvalidArgument, "未配置调度队列")
	}
	state, err := c.State(ctx)
	if err != nil {
		return err
	}
	if !state.HasContext() {
		return xerrors.New(CodeContextNotInitialized, "尚未注册 LLM 上下文")
	}
	ix, err := ScheduleInstruction(c.cfg, payer, c.queue, state, taskID)
	if err != nil {
		return err
	}
	return c.invoker.Invoke(ctx, []common.Address{payer}, ix)
}

// RequestGPT 以 caller 身份直接派发请求，仅当 caller 是登记的队列授权身份时成功。
func (c *Client) RequestGPT(ctx context.Context, caller common.Address) error {
	state, err := c.State(ctx)
	if err != nil {
		return err
	}
	ix, err := RequestGPTInstruction(c.cfg, state)
	if err != nil {
		return err
	}
	ix.Accounts[4] = runtime.ReadOnlySigner(caller)
	return c.invoker.Invoke(ctx, []common.Address{caller}, ix)
}

// State 读取当前状态记录。
func (c *Client) State(ctx context.Context) (State, error) {
	var state State
	err := c.invoker.Ledger().View(ctx, func(tx ledger.Tx) error {
		var err error
		state, err = LoadState(ctx, tx, c.cfg.ID)
		return err
	})
	return state, err
}

// TreasuryBalance 返回国库余额。
func (c *Client) TreasuryBalance(ctx context.Context) (uint64, error) {
	var balance uint64
	err := c.invoker.Ledger().View(ctx, func(tx ledger.Tx) error {
		var err error
		balance, err = tx.Balance(ctx, TreasuryAddress(c.cfg.ID).Address)
		return err
	})
	return balance, err
}

// Interaction 返回国库在当前上下文上的交互账户地址。
func (c *Client) Interaction(state State) common.Address {
	return oracle.InteractionAddress(c.cfg.OracleProgram, TreasuryAddress(c.cfg.ID).Address, state.LLMContext).Address
}
