package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Oracle-Relay/internal/errors"
)

// SystemProgram 拥有所有仅承载余额的普通账户。
var SystemProgram = common.HexToAddress("0x0000000000000000000000000000000000000001")

// Account 是账本中的一条记录：余额加上由 Owner 程序独占写入的数据。
type Account struct {
	Address common.Address `json:"address"`
	Owner   common.Address `json:"owner"`
	Balance uint64         `json:"balance"`
	Data    []byte         `json:"data,omitempty"`
}

// Clone 返回账户的深拷贝。
func (a *Account) Clone() *Account {
	if a == nil {
		return nil
	}
	clone := *a
	if a.Data != nil {
		clone.Data = append([]byte(nil), a.Data...)
	}
	return &clone
}

// Tx 表示一次原子、可串行化的账本事务。
// 事务内的任何错误都会导致整个事务回滚，不会留下部分写入。
type Tx interface {
	// Account 读取账户，不存在时返回 ErrAccountNotFound。
	Account(ctx context.Context, addr common.Address) (*Account, error)
	// CreateAccount 仅允许创建一次，重复创建返回 ErrAccountExists。
	CreateAccount(ctx context.Context, addr, owner common.Address, data []byte) error
	// WriteData 覆盖账户数据，owner 必须与账户的 Owner 一致。
	WriteData(ctx context.Context, addr, owner common.Address, data []byte) error
	// Balance 返回账户余额，不存在的账户余额为 0。
	Balance(ctx context.Context, addr common.Address) (uint64, error)
	// Transfer 在两个账户之间转移余额，from 必须是本事务的签名者。
	Transfer(ctx context.Context, from, to common.Address, amount uint64) error

	// IsSigner 判断地址是否已为本事务签名。
	IsSigner(addr common.Address) bool
	// Sign 以程序派生身份签名：种子（含 bump）必须在 program 下派生出该身份。
	Sign(program common.Address, seeds ...[]byte) (common.Address, error)
	// EnterFrame 进入新的调用帧，派生签名仅在帧内有效；inherited 指定带入新帧的派生签名。
	EnterFrame(inherited []common.Address) (exit func())

	// OnCommit 注册提交成功后执行的钩子。
	OnCommit(fn func())
	// OnRollback 注册回滚后执行的补偿钩子。
	OnRollback(fn func())
}

// Ledger 抽象了宿主账本：按地址寻址的持久化记录与原子事务。
type Ledger interface {
	// Update 以给定签名者集合执行读写事务，fn 返回错误时整体回滚。
	Update(ctx context.Context, signers []common.Address, fn func(tx Tx) error) error
	// View 执行只读事务。
	View(ctx context.Context, fn func(tx Tx) error) error
	// Seed 为账户注入创世余额，已存在的账户会被跳过。
	Seed(ctx context.Context, balances map[common.Address]uint64) error
	Close() error
}

// OwnerScanner 由能够按 owner 枚举账户的账本实现，结果按地址排序。
// 枚举在事务之外进行，只反映调用时刻已提交的状态。
type OwnerScanner interface {
	AccountsByOwner(ctx context.Context, owner common.Address) ([]*Account, error)
}

const (
	CodeAccountExists     xerrors.Code = "ACCOUNT_EXISTS"
	CodeAccountNotFound   xerrors.Code = "ACCOUNT_NOT_FOUND"
	CodeInsufficientFunds xerrors.Code = "INSUFFICIENT_FUNDS"
	CodeMissingSigner     xerrors.Code = "MISSING_SIGNER"
	CodeOwnerMismatch     xerrors.Code = "OWNER_MISMATCH"
	CodeBalanceOverflow   xerrors.Code = "BALANCE_OVERFLOW"
	CodeReadOnly          xerrors.Code = "READ_ONLY_TRANSACTION"
)

var (
	// ErrAccountExists 表示账户已经被创建过。
	ErrAccountExists = xerrors.New(CodeAccountExists, "account already exists")
	// ErrAccountNotFound 表示账户不存在。
	ErrAccountNotFound = xerrors.New(CodeAccountNotFound, "account not found")
	// ErrInsufficientFunds 表示转出账户余额不足。
	ErrInsufficientFunds = xerrors.New(CodeInsufficientFunds, "insufficient funds")
	// ErrMissingSigner 表示转出方没有为事务签名。
	ErrMissingSigner = xerrors.New(CodeMissingSigner, "missing required signature")
	// ErrOwnerMismatch 表示写入方并非账户所有者。
	ErrOwnerMismatch = xerrors.New(CodeOwnerMismatch, "account owner mismatch")
	// ErrBalanceOverflow 表示转入后余额溢出。
	ErrBalanceOverflow = xerrors.New(CodeBalanceOverflow, "balance overflow")
	// ErrReadOnly 表示在只读事务中尝试写入。
	ErrReadOnly = xerrors.New(CodeReadOnly, "write attempted in read-only transaction")
)

func init() {
	xerrors.Register(CodeAccountExists, xerrors.Attributes{Message: "account already exists", Severity: xerrors.SeverityInfo, HTTPStatus: 409})
	xerrors.Register(CodeAccountNotFound, xerrors.Attributes{Message: "account not found", Severity: xerrors.SeverityInfo, HTTPStatus: 404})
	xerrors.Register(CodeInsufficientFunds, xerrors.Attributes{Message: "insufficient funds", Severity: xerrors.SeverityInfo, HTTPStatus: 402})
	xerrors.Register(CodeMissingSigner, xerrors.Attributes{Message: "missing required signature", Severity: xerrors.SeverityWarning, HTTPStatus: 403})
	xerrors.Register(CodeOwnerMismatch, xerrors.Attributes{Message: "account owner mismatch", Severity: xerrors.SeverityCritical, HTTPStatus: 403})
	xerrors.Register(CodeBalanceOverflow, xerrors.Attributes{Message: "balance overflow", Severity: xerrors.SeverityWarning, HTTPStatus: 400})
	xerrors.Register(CodeReadOnly, xerrors.Attributes{Message: "write attempted in read-only transaction", Severity: xerrors.SeverityCritical, HTTPStatus: 500})
}

// CheckedAdd 在溢出时返回 ErrBalanceOverflow。
func CheckedAdd(a, b uint64) (uint64, error) {
	sum := a + b
	if sum < a {
		return 0, ErrBalanceOverflow
	}
	return sum, nil
}
