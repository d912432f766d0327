package ledger

import (
	"log/slog"

	"github.com/ethereum/go-ethereum/common"

	"Oracle-Relay/internal/identity"
	"Oracle-Relay/pkg/logger"
)

// Session 保存与存储后端无关的事务状态：签名者集合与提交/回滚钩子。
// 各账本后端将其嵌入自己的事务实现中。
//
// 外部签名者在整个事务内有效；程序派生签名只属于当前调用帧，
// 帧结束后即失效。
type Session struct {
	signers    map[common.Address]struct{}
	derived    map[common.Address]struct{}
	readOnly   bool
	onCommit   []func()
	onRollback []func()
}

// NewSession 创建事务会话。
func NewSession(signers []common.Address, readOnly bool) *Session {
	set := make(map[common.Address]struct{}, len(signers))
	for _, s := range signers {
		set[s] = struct{}{}
	}
	return &Session{signers: set, derived: make(map[common.Address]struct{}), readOnly: readOnly}
}

// ReadOnly 报告会话是否只读。
func (s *Session) ReadOnly() bool { return s.readOnly }

// IsSigner 实现 Tx 接口。
func (s *Session) IsSigner(addr common.Address) bool {
	if _, ok := s.signers[addr]; ok {
		return true
	}
	_, ok := s.derived[addr]
	return ok
}

// Sign 实现 Tx 接口。
func (s *Session) Sign(program common.Address, seeds ...[]byte) (common.Address, error) {
	addr, err := identity.CreateProgramAddress(seeds, program)
	if err != nil {
		return common.Address{}, err
	}
	s.derived[addr] = struct{}{}
	return addr, nil
}

// EnterFrame 实现 Tx 接口。新帧只继承 inherited 中当前帧已持有的派生签名，
// 返回的函数恢复调用方的帧。
func (s *Session) EnterFrame(inherited []common.Address) (exit func()) {
	parent := s.derived
	frame := make(map[common.Address]struct{}, len(inherited))
	for _, addr := range inherited {
		if _, ok := parent[addr]; ok {
			frame[addr] = struct{}{}
		}
	}
	s.derived = frame
	return func() { s.derived = parent }
}

// OnCommit 实现 Tx 接口。
func (s *Session) OnCommit(fn func()) {
	if fn != nil {
		s.onCommit = append(s.onCommit, fn)
	}
}

// OnRollback 实现 Tx 接口。
func (s *Session) OnRollback(fn func()) {
	if fn != nil {
		s.onRollback = append(s.onRollback, fn)
	}
}

// Finish 在事务结束后执行对应的钩子。回滚钩子按注册的逆序执行。
// 调用方必须在释放后端锁之后再调用，钩子内允许开启新的事务。
func (s *Session) Finish(committed bool) {
	if committed {
		for _, fn := range s.onCommit {
			runHook(fn, "commit")
		}
		return
	}
	for i := len(s.onRollback) - 1; i >= 0; i-- {
		runHook(s.onRollback[i], "rollback")
	}
}

func runHook(fn func(), stage string) {
	defer func() {
		if r := recover(); r != nil {
			logger.Named("ledger").Error("事务钩子执行异常", slog.String("stage", stage), slog.Any("panic", r))
		}
	}()
	fn()
}
