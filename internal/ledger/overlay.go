package ledger

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Oracle-Relay/internal/errors"
)

// accountSource 为覆盖层提供事务开始时的账户基线。
type accountSource interface {
	load(ctx context.Context, addr common.Address) (*Account, bool, error)
}

// overlayTx 把事务内的全部修改写入 dirty，基线只读。提交时由后端把 dirty 合并回存储。
type overlayTx struct {
	*Session
	base  accountSource
	dirty map[common.Address]*Account
}

func newOverlayTx(session *Session, base accountSource) *overlayTx {
	return &overlayTx{Session: session, base: base, dirty: make(map[common.Address]*Account)}
}

func (t *overlayTx) lookup(ctx context.Context, addr common.Address) (*Account, bool, error) {
	if acc, ok := t.dirty[addr]; ok {
		return acc, true, nil
	}
	return t.base.load(ctx, addr)
}

// writable 返回可修改的副本，首次修改时从基线复制到覆盖层。
func (t *overlayTx) writable(ctx context.Context, addr common.Address) (*Account, bool, error) {
	if acc, ok := t.dirty[addr]; ok {
		return acc, true, nil
	}
	acc, ok, err := t.base.load(ctx, addr)
	if err != nil || !ok {
		return nil, false, err
	}
	clone := acc.Clone()
	t.dirty[addr] = clone
	return clone, true, nil
}

func (t *overlayTx) Account(ctx context.Context, addr common.Address) (*Account, error) {
	acc, ok, err := t.lookup(ctx, addr)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, xerrors.New(CodeAccountNotFound, fmt.Sprintf("账户 %s 不存在", addr.Hex()))
	}
	return acc.Clone(), nil
}

func (t *overlayTx) CreateAccount(ctx context.Context, addr, owner common.Address, data []byte) error {
	if t.ReadOnly() {
		return ErrReadOnly
	}
	existing, ok, err := t.lookup(ctx, addr)
	if err != nil {
		return err
	}
	if ok {
		// 预先转入余额的系统账户可以被程序认领一次。
		if existing.Owner != SystemProgram || len(existing.Data) > 0 || owner == SystemProgram {
			return xerrors.New(CodeAccountExists, fmt.Sprintf("账户 %s 已存在", addr.Hex()))
		}
		acc, _, err := t.writable(ctx, addr)
		if err != nil {
			return err
		}
		acc.Owner = owner
		acc.Data = append([]byte(nil), data...)
		return nil
	}
	t.dirty[addr] = &Account{Address: addr, Owner: owner, Data: append([]byte(nil), data...)}
	return nil
}

func (t *overlayTx) WriteData(ctx context.Context, addr, owner common.Address, data []byte) error {
	if t.ReadOnly() {
		return ErrReadOnly
	}
	acc, ok, err := t.writable(ctx, addr)
	if err != nil {
		return err
	}
	if !ok {
		return xerrors.New(CodeAccountNotFound, fmt.Sprintf("账户 %s 不存在", addr.Hex()))
	}
	if acc.Owner != owner {
		return xerrors.New(CodeOwnerMismatch, fmt.Sprintf("账户 %s 不属于 %s", addr.Hex(), owner.Hex()))
	}
	acc.Data = append([]byte(nil), data...)
	return nil
}

func (t *overlayTx) Balance(ctx context.Context, addr common.Address) (uint64, error) {
	acc, ok, err := t.lookup(ctx, addr)
	if err != nil || !ok {
		return 0, err
	}
	return acc.Balance, nil
}

func (t *overlayTx) Transfer(ctx context.Context, from, to common.Address, amount uint64) error {
	if t.ReadOnly() {
		return ErrReadOnly
	}
	if !t.IsSigner(from) {
		return xerrors.New(CodeMissingSigner, fmt.Sprintf("转出账户 %s 未签名", from.Hex()))
	}
	src, ok, err := t.writable(ctx, from)
	if err != nil {
		return err
	}
	if !ok || src.Balance < amount {
		return xerrors.New(CodeInsufficientFunds, fmt.Sprintf("账户 %s 余额不足", from.Hex()))
	}
	if from == to {
		return nil
	}
	dst, ok, err := t.writable(ctx, to)
	if err != nil {
		return err
	}
	if !ok {
		dst = &Account{Address: to, Owner: SystemProgram}
		t.dirty[to] = dst
	}
	credited, err := CheckedAdd(dst.Balance, amount)
	if err != nil {
		return err
	}
	src.Balance -= amount
	dst.Balance = credited
	return nil
}

var _ Tx = (*overlayTx)(nil)
