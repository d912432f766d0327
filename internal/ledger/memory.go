package ledger

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryLedger 以内存方式保存账户，主要用于测试与本地开发网。
// 所有写事务由同一把锁串行化，事务内的修改先写入覆盖层，成功后一次性合并。
type MemoryLedger struct {
	mu       sync.Mutex
	accounts map[common.Address]*Account
}

// NewMemoryLedger 创建内存账本。
func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{accounts: make(map[common.Address]*Account)}
}

// Update 实现 Ledger 接口。
func (m *MemoryLedger) Update(ctx context.Context, signers []common.Address, fn func(tx Tx) error) error {
	return m.run(ctx, signers, false, fn)
}

// View 实现 Ledger 接口。
func (m *MemoryLedger) View(ctx context.Context, fn func(tx Tx) error) error {
	return m.run(ctx, nil, true, fn)
}

func (m *MemoryLedger) run(ctx context.Context, signers []common.Address, readOnly bool, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	tx := newOverlayTx(NewSession(signers, readOnly), mapSource(m.accounts))
	err := fn(tx)
	if err == nil {
		err = ctx.Err()
	}
	if err == nil {
		for addr, acc := range tx.dirty {
			m.accounts[addr] = acc
		}
	}
	m.mu.Unlock()

	tx.Finish(err == nil)
	return err
}

// Seed 实现 Ledger 接口。
func (m *MemoryLedger) Seed(ctx context.Context, balances map[common.Address]uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, balance := range balances {
		if _, ok := m.accounts[addr]; ok {
			continue
		}
		m.accounts[addr] = &Account{Address: addr, Owner: SystemProgram, Balance: balance}
	}
	return nil
}

// AccountsByOwner 实现 OwnerScanner 接口。
func (m *MemoryLedger) AccountsByOwner(ctx context.Context, owner common.Address) ([]*Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*Account
	for _, acc := range m.accounts {
		if acc.Owner == owner {
			out = append(out, acc.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address.Hex() < out[j].Address.Hex() })
	return out, nil
}

// Snapshot 返回账户的只读副本，便于测试与调试。
func (m *MemoryLedger) Snapshot(addr common.Address) (*Account, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	acc, ok := m.accounts[addr]
	if !ok {
		return nil, false
	}
	return acc.Clone(), true
}

// Addresses 返回当前所有账户地址。
func (m *MemoryLedger) Addresses() []common.Address {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]common.Address, 0, len(m.accounts))
	for addr := range m.accounts {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hex() < out[j].Hex() })
	return out
}

// Close 对内存账本无需操作。
func (m *MemoryLedger) Close() error { return nil }

type mapSource map[common.Address]*Account

func (m mapSource) load(_ context.Context, addr common.Address) (*Account, bool, error) {
	acc, ok := m[addr]
	return acc, ok, nil
}

var (
	_ Ledger       = (*MemoryLedger)(nil)
	_ OwnerScanner = (*MemoryLedger)(nil)
)
