package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/ledger"
	"Oracle-Relay/pkg/logger"
)

// DefaultMaxDepth 限制跨程序调用的嵌套层数（顶层指令为第 1 层）。
const DefaultMaxDepth = 4

const (
	CodeUnknownProgram         xerrors.Code = "UNKNOWN_PROGRAM"
	CodeProgramExists          xerrors.Code = "PROGRAM_EXISTS"
	CodeUnknownInstruction     xerrors.Code = "UNKNOWN_INSTRUCTION"
	CodeInvalidInstructionData xerrors.Code = "INVALID_INSTRUCTION_DATA"
	CodeNotEnoughAccounts      xerrors.Code = "NOT_ENOUGH_ACCOUNTS"
	CodeCallDepthExceeded      xerrors.Code = "CALL_DEPTH_EXCEEDED"
	CodeReadOnlyAccount        xerrors.Code = "READONLY_ACCOUNT"
	CodeSignerScope            xerrors.Code = "SIGNER_SCOPE_VIOLATION"
)

func init() {
	xerrors.Register(CodeUnknownProgram, xerrors.Attributes{Message: "unknown program", Severity: xerrors.SeverityInfo, HTTPStatus: 400})
	xerrors.Register(CodeProgramExists, xerrors.Attributes{Message: "program already registered", Severity: xerrors.SeverityCritical, HTTPStatus: 500})
	xerrors.Register(CodeUnknownInstruction, xerrors.Attributes{Message: "unknown instruction", Severity: xerrors.SeverityInfo, HTTPStatus: 400})
	xerrors.Register(CodeInvalidInstructionData, xerrors.Attributes{Message: "invalid instruction data", Severity: xerrors.SeverityInfo, HTTPStatus: 400})
	xerrors.Register(CodeNotEnoughAccounts, xerrors.Attributes{Message: "not enough account keys", Severity: xerrors.SeverityInfo, HTTPStatus: 400})
	xerrors.Register(CodeCallDepthExceeded, xerrors.Attributes{Message: "cross-program call depth exceeded", Severity: xerrors.SeverityWarning, HTTPStatus: 400})
	xerrors.Register(CodeReadOnlyAccount, xerrors.Attributes{Message: "account not declared writable", Severity: xerrors.SeverityWarning, HTTPStatus: 400})
	xerrors.Register(CodeSignerScope, xerrors.Attributes{Message: "program signed for a foreign derivation", Severity: xerrors.SeverityCritical, HTTPStatus: 403})
}

// Program 是注册在运行时中的链上程序。
type Program interface {
	Process(ctx context.Context, call *Call) error
}

// ProgramFunc 允许普通函数充当 Program。
type ProgramFunc func(ctx context.Context, call *Call) error

// Process 实现 Program 接口。
func (f ProgramFunc) Process(ctx context.Context, call *Call) error { return f(ctx, call) }

// Recorder 接收每条指令的执行结果，通常由指标模块实现。
type Recorder interface {
	ObserveInstruction(program, instruction string, err error, duration time.Duration)
}

type namer interface {
	InstructionName(data []byte) string
}

type registered struct {
	name    string
	program Program
}

// Runtime 将指令路由到已注册的程序，并保证一次 Invoke 内的全部调用在同一账本事务中执行。
type Runtime struct {
	ledger   ledger.Ledger
	recorder Recorder
	maxDepth int
	log      *slog.Logger

	mu       sync.RWMutex
	programs map[common.Address]registered
}

// Option 配置 Runtime。
type Option func(*Runtime)

// WithRecorder 设置指标记录器。
func WithRecorder(rec Recorder) Option {
	return func(r *Runtime) { r.recorder = rec }
}

// WithMaxDepth 设置跨程序调用深度上限。
func WithMaxDepth(depth int) Option {
	return func(r *Runtime) {
		if depth > 0 {
			r.maxDepth = depth
		}
	}
}

// New 创建运行时。
func New(l ledger.Ledger, opts ...Option) *Runtime {
	r := &Runtime{
		ledger:   l,
		maxDepth: DefaultMaxDepth,
		log:      logger.Named("runtime"),
		programs: make(map[common.Address]registered),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// Ledger 返回底层账本。
func (r *Runtime) Ledger() ledger.Ledger { return r.ledger }

// Register 以 id 注册程序，同一 id 只能注册一次。
func (r *Runtime) Register(id common.Address, name string, program Program) error {
	if program == nil {
		return xerrors.New(xerrors.CodeInvalidArgument, "program 不能为空")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.programs[id]; ok {
		return xerrors.New(CodeProgramExists, fmt.Sprintf("程序 %s 已注册", id.Hex()))
	}
	r.programs[id] = registered{name: name, program: program}
	return nil
}

// Invoke 在单个账本事务中依次执行指令。任意一条失败都会回滚全部写入。
func (r *Runtime) Invoke(ctx context.Context, signers []common.Address, instructions ...Instruction) error {
	if len(instructions) == 0 {
		return xerrors.New(xerrors.CodeInvalidArgument, "至少需要一条指令")
	}
	return r.ledger.Update(ctx, signers, func(tx ledger.Tx) error {
		for _, ix := range instructions {
			if err := r.execute(ctx, tx, ix, 1); err != nil {
				return err
			}
		}
		return nil
	})
}

func (r *Runtime) lookup(id common.Address) (registered, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entry, ok := r.programs[id]
	if !ok {
		return registered{}, xerrors.New(CodeUnknownProgram, fmt.Sprintf("程序 %s 未注册", id.Hex()))
	}
	return entry, nil
}

func (r *Runtime) execute(ctx context.Context, tx ledger.Tx, ix Instruction, depth int) error {
	if depth > r.maxDepth {
		return xerrors.New(CodeCallDepthExceeded, fmt.Sprintf("调用深度 %d 超过上限 %d", depth, r.maxDepth))
	}
	entry, err := r.lookup(ix.ProgramID)
	if err != nil {
		return err
	}
	name := instructionName(entry.program, ix.Data)

	start := time.Now()
	err = r.dispatch(ctx, tx, entry, ix, depth)
	if r.recorder != nil {
		r.recorder.ObserveInstruction(entry.name, name, err, time.Since(start))
	}
	if err != nil {
		r.log.Debug("指令执行失败",
			slog.String("program", entry.name),
			slog.String("instruction", name),
			slog.Int("depth", depth),
			slog.String("error_code", string(xerrors.CodeOf(err))),
			slog.Any("error", err))
	}
	return err
}

func (r *Runtime) dispatch(ctx context.Context, tx ledger.Tx, entry registered, ix Instruction, depth int) error {
	writable := make(map[common.Address]struct{}, len(ix.Accounts))
	var inherited []common.Address
	for _, meta := range ix.Accounts {
		if meta.IsSigner {
			if !tx.IsSigner(meta.Pubkey) {
				return xerrors.New(ledger.CodeMissingSigner, fmt.Sprintf("账户 %s 需要签名", meta.Pubkey.Hex()))
			}
			inherited = append(inherited, meta.Pubkey)
		}
		if meta.IsWritable {
			writable[meta.Pubkey] = struct{}{}
		}
	}
	// 顶层指令从空帧开始；跨程序调用只带入以签名者身份传递的派生签名。
	exit := tx.EnterFrame(inherited)
	defer exit()
	call := &Call{
		Tx:        &scopedTx{Tx: tx, program: ix.ProgramID, writable: writable},
		ProgramID: ix.ProgramID,
		Accounts:  ix.Accounts,
		Data:      ix.Data,
		runtime:   r,
		root:      tx,
		depth:     depth,
	}
	return entry.program.Process(ctx, call)
}

func instructionName(p Program, data []byte) string {
	if n, ok := p.(namer); ok {
		if name := n.InstructionName(data); name != "" {
			return name
		}
	}
	if len(data) < SelectorSize {
		return "unknown"
	}
	return Selector(data[:SelectorSize]).String()
}

// Call 是程序处理一条指令时可见的上下文。
type Call struct {
	// Tx 是限定到当前程序的事务视图。
	Tx        ledger.Tx
	ProgramID common.Address
	Accounts  []AccountMeta
	Data      []byte

	runtime *Runtime
	root    ledger.Tx
	depth   int
}

// Account 返回第 i 个账户声明。
func (c *Call) Account(i int) (AccountMeta, error) {
	if i < 0 || i >= len(c.Accounts) {
		return AccountMeta{}, xerrors.New(CodeNotEnoughAccounts, fmt.Sprintf("需要至少 %d 个账户，实际 %d 个", i+1, len(c.Accounts)))
	}
	return c.Accounts[i], nil
}

// RequireAccounts 校验账户数量下限。
func (c *Call) RequireAccounts(n int) error {
	if len(c.Accounts) < n {
		return xerrors.New(CodeNotEnoughAccounts, fmt.Sprintf("需要至少 %d 个账户，实际 %d 个", n, len(c.Accounts)))
	}
	return nil
}

// Decode 将 selector 之后的 JSON 参数解码到 v，参数为空时保持 v 不变。
func (c *Call) Decode(v any) error {
	_, payload, err := SplitData(c.Data)
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return xerrors.Wrap(CodeInvalidInstructionData, err, "解析指令参数失败")
	}
	return nil
}

// Depth 返回当前调用深度。
func (c *Call) Depth() int { return c.depth }

// Invoke 在同一事务内发起跨程序调用。当前程序的派生签名只有在 ix 中
// 声明为签名者时才对被调用方有效，调用返回后被调用方的签名随之失效。
func (c *Call) Invoke(ctx context.Context, ix Instruction) error {
	return c.runtime.execute(ctx, c.root, ix, c.depth+1)
}

// scopedTx 把事务限制在当前指令声明的可写账户与当前程序的派生身份内。
type scopedTx struct {
	ledger.Tx
	program  common.Address
	writable map[common.Address]struct{}
}

func (s *scopedTx) checkWritable(addrs ...common.Address) error {
	for _, addr := range addrs {
		if _, ok := s.writable[addr]; !ok {
			return xerrors.New(CodeReadOnlyAccount, fmt.Sprintf("账户 %s 未声明为可写", addr.Hex()))
		}
	}
	return nil
}

func (s *scopedTx) CreateAccount(ctx context.Context, addr, owner common.Address, data []byte) error {
	if err := s.checkWritable(addr); err != nil {
		return err
	}
	if owner != s.program && owner != ledger.SystemProgram {
		return xerrors.New(ledger.CodeOwnerMismatch, fmt.Sprintf("程序 %s 不能为 %s 创建账户", s.program.Hex(), owner.Hex()))
	}
	return s.Tx.CreateAccount(ctx, addr, owner, data)
}

func (s *scopedTx) WriteData(ctx context.Context, addr, owner common.Address, data []byte) error {
	if err := s.checkWritable(addr); err != nil {
		return err
	}
	if owner != s.program {
		return xerrors.New(ledger.CodeOwnerMismatch, fmt.Sprintf("程序 %s 只能写入自己的账户", s.program.Hex()))
	}
	return s.Tx.WriteData(ctx, addr, owner, data)
}

func (s *scopedTx) Transfer(ctx context.Context, from, to common.Address, amount uint64) error {
	if err := s.checkWritable(from, to); err != nil {
		return err
	}
	return s.Tx.Transfer(ctx, from, to, amount)
}

func (s *scopedTx) Sign(program common.Address, seeds ...[]byte) (common.Address, error) {
	if program != s.program {
		return common.Address{}, xerrors.New(CodeSignerScope, fmt.Sprintf("程序 %s 不能以 %s 的派生身份签名", s.program.Hex(), program.Hex()))
	}
	return s.Tx.Sign(program, seeds...)
}
