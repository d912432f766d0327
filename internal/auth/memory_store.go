package auth

import (
	"context"
	"slices"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// MemoryStore 在内存中保存地址到角色的映射，角色来自配置文件。
type MemoryStore struct {
	mu    sync.RWMutex
	roles map[common.Address][]Role
}

// NewMemoryStore 创建空的角色表。
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{roles: make(map[common.Address][]Role)}
}

// Grant 为地址追加角色，重复授予会被忽略。
func (m *MemoryStore) Grant(addr common.Address, roles ...Role) {
	m.mu.Lock()
	defer m.mu.Unlock()
	current := m.roles[addr]
	for _, role := range roles {
		if role != "" && !slices.Contains(current, role) {
			current = append(current, role)
		}
	}
	m.roles[addr] = current
}

// Revoke 移除地址的全部角色。
func (m *MemoryStore) Revoke(addr common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.roles, addr)
}

// Roles 实现 RoleStore 接口。
func (m *MemoryStore) Roles(_ context.Context, addr common.Address) ([]Role, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.roles[addr]), nil
}

var _ RoleStore = (*MemoryStore)(nil)
