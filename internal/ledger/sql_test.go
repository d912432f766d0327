package ledger

import (
	"context"
	"math"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Oracle-Relay/internal/errors"
	sqlitestore "Oracle-Relay/internal/storage/sqlite"
)

func newSQLiteLedger(t *testing.T) *SQLLedger {
	t.Helper()
	db, err := sqlitestore.Open(context.Background(), filepath.Join(t.TempDir(), "ledger.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	l, err := NewSQLLedger(db, SQLite)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func balanceOf(t *testing.T, l Ledger, addr common.Address) uint64 {
	t.Helper()
	var balance uint64
	if err := l.View(context.Background(), func(tx Tx) error {
		var err error
		balance, err = tx.Balance(context.Background(), addr)
		return err
	}); err != nil {
		t.Fatalf("view balance: %v", err)
	}
	return balance
}

func TestSQLLedgerTransferPersists(t *testing.T) {
	ctx := context.Background()
	l := newSQLiteLedger(t)
	if err := l.Seed(ctx, map[common.Address]uint64{alice: 100}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := l.Update(ctx, []common.Address{alice}, func(tx Tx) error {
		return tx.Transfer(ctx, alice, bob, 30)
	}); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if got := balanceOf(t, l, alice); got != 70 {
		t.Fatalf("alice balance = %d", got)
	}
	if got := balanceOf(t, l, bob); got != 30 {
		t.Fatalf("bob balance = %d", got)
	}

	// 已存在的账户不会被重复注入。
	if err := l.Seed(ctx, map[common.Address]uint64{alice: 500}); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if got := balanceOf(t, l, alice); got != 70 {
		t.Fatalf("reseed changed balance to %d", got)
	}
}

func TestSQLLedgerRollbackDiscardsWrites(t *testing.T) {
	ctx := context.Background()
	l := newSQLiteLedger(t)
	_ = l.Seed(ctx, map[common.Address]uint64{alice: 100})

	var rolledBack, committed bool
	err := l.Update(ctx, []common.Address{alice}, func(tx Tx) error {
		tx.OnRollback(func() { rolledBack = true })
		tx.OnCommit(func() { committed = true })
		if err := tx.CreateAccount(ctx, program, program, []byte("state")); err != nil {
			return err
		}
		if err := tx.Transfer(ctx, alice, bob, 60); err != nil {
			return err
		}
		return tx.Transfer(ctx, alice, bob, 60)
	})
	if !xerrors.HasCode(err, CodeInsufficientFunds) {
		t.Fatalf("expected insufficient funds, got %v", err)
	}
	if !rolledBack || committed {
		t.Fatalf("unexpected hooks: rollback=%v commit=%v", rolledBack, committed)
	}
	if got := balanceOf(t, l, alice); got != 100 {
		t.Fatalf("alice balance = %d", got)
	}
	err = l.View(ctx, func(tx Tx) error {
		_, err := tx.Account(ctx, program)
		return err
	})
	if !xerrors.HasCode(err, CodeAccountNotFound) {
		t.Fatalf("expected created account to be discarded, got %v", err)
	}
}

func TestSQLLedgerAccountDataRoundTrip(t *testing.T) {
	ctx := context.Background()
	l := newSQLiteLedger(t)

	if err := l.Update(ctx, nil, func(tx Tx) error {
		return tx.CreateAccount(ctx, bob, program, []byte("v1"))
	}); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := l.Update(ctx, nil, func(tx Tx) error {
		return tx.WriteData(ctx, bob, program, []byte("v2"))
	}); err != nil {
		t.Fatalf("write: %v", err)
	}
	err := l.Update(ctx, nil, func(tx Tx) error {
		return tx.CreateAccount(ctx, bob, program, nil)
	})
	if !xerrors.HasCode(err, CodeAccountExists) {
		t.Fatalf("expected account exists, got %v", err)
	}

	var acc *Account
	if err := l.View(ctx, func(tx Tx) error {
		var err error
		acc, err = tx.Account(ctx, bob)
		return err
	}); err != nil {
		t.Fatalf("view: %v", err)
	}
	if acc.Owner != program || string(acc.Data) != "v2" {
		t.Fatalf("unexpected account: %+v", acc)
	}
}

func TestSQLLedgerViewIsReadOnly(t *testing.T) {
	ctx := context.Background()
	l := newSQLiteLedger(t)
	err := l.View(ctx, func(tx Tx) error {
		return tx.CreateAccount(ctx, bob, program, nil)
	})
	if !xerrors.HasCode(err, CodeReadOnly) {
		t.Fatalf("expected read-only error, got %v", err)
	}
}

func TestSQLLedgerRejectsUnstorableBalance(t *testing.T) {
	ctx := context.Background()
	l := newSQLiteLedger(t)
	err := l.Seed(ctx, map[common.Address]uint64{alice: math.MaxInt64 + 1})
	if !xerrors.HasCode(err, CodeBalanceOverflow) {
		t.Fatalf("expected balance overflow, got %v", err)
	}
}

type scanLedger interface {
	Ledger
	OwnerScanner
}

func checkAccountsByOwner(t *testing.T, l scanLedger) {
	t.Helper()
	ctx := context.Background()
	other := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	err := l.Update(ctx, nil, func(tx Tx) error {
		if err := tx.CreateAccount(ctx, bob, program, []byte(`{"n":2}`)); err != nil {
			return err
		}
		if err := tx.CreateAccount(ctx, alice, program, []byte(`{"n":1}`)); err != nil {
			return err
		}
		return tx.CreateAccount(ctx, other, SystemProgram, nil)
	})
	if err != nil {
		t.Fatalf("create accounts: %v", err)
	}
	accounts, err := l.AccountsByOwner(ctx, program)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(accounts) != 2 {
		t.Fatalf("expected 2 program accounts, got %d", len(accounts))
	}
	for _, acc := range accounts {
		if acc.Owner != program {
			t.Fatalf("unexpected owner %s", acc.Owner.Hex())
		}
	}
	if accounts[0].Address.Hex() > accounts[1].Address.Hex() {
		t.Fatalf("accounts not ordered by address")
	}
	if string(accounts[0].Data) != `{"n":1}` && string(accounts[0].Data) != `{"n":2}` {
		t.Fatalf("unexpected data %q", accounts[0].Data)
	}
	none, err := l.AccountsByOwner(ctx, common.HexToAddress("0x0000000000000000000000000000000000000abc"))
	if err != nil || len(none) != 0 {
		t.Fatalf("expected no accounts, got %d err=%v", len(none), err)
	}
}

func TestSQLLedgerAccountsByOwner(t *testing.T) {
	checkAccountsByOwner(t, newSQLiteLedger(t))
}

func TestMemoryLedgerAccountsByOwner(t *testing.T) {
	checkAccountsByOwner(t, NewMemoryLedger())
}
