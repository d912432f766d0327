package ledger

import (
	"context"
	"database/sql"
	stdErrors "errors"
	"fmt"
	"math"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Oracle-Relay/internal/errors"
)

// Dialect 描述 SQL 后端之间的差异。
type Dialect struct {
	Name string
	// LockClause 追加在读写事务的行读取语句之后，使读到的账户在事务结束前保持锁定。
	LockClause string
}

var (
	// MySQL 通过 SELECT ... FOR UPDATE 行锁串行化同一账户上的并发事务。
	MySQL = Dialect{Name: "mysql", LockClause: " FOR UPDATE"}
	// SQLite 依赖单连接与数据库级写锁串行化事务。
	SQLite = Dialect{Name: "sqlite"}
)

// SQLLedger 把账户保存在 ledger_accounts 表中，表结构由 deploy/migrations 维护。
// 事务内读取的账户被缓存在覆盖层，提交时按地址顺序写回。
type SQLLedger struct {
	db      *sql.DB
	dialect Dialect
}

// NewSQLLedger 基于已完成迁移的连接创建账本。
func NewSQLLedger(db *sql.DB, dialect Dialect) (*SQLLedger, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	return &SQLLedger{db: db, dialect: dialect}, nil
}

// Update 实现 Ledger 接口。
func (l *SQLLedger) Update(ctx context.Context, signers []common.Address, fn func(tx Tx) error) error {
	return l.run(ctx, signers, false, fn)
}

// View 实现 Ledger 接口。
func (l *SQLLedger) View(ctx context.Context, fn func(tx Tx) error) error {
	return l.run(ctx, nil, true, fn)
}

func (l *SQLLedger) run(ctx context.Context, signers []common.Address, readOnly bool, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	dbTx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启账本事务失败")
	}
	source := &sqlSource{tx: dbTx, dialect: l.dialect, lock: !readOnly, cache: make(map[common.Address]*Account)}
	tx := newOverlayTx(NewSession(signers, readOnly), source)

	err = fn(tx)
	if err == nil {
		err = ctx.Err()
	}
	if err == nil && !readOnly {
		err = source.flush(ctx, tx.dirty)
	}
	if err != nil {
		_ = dbTx.Rollback()
		tx.Finish(false)
		return err
	}
	if commitErr := dbTx.Commit(); commitErr != nil {
		tx.Finish(false)
		return xerrors.Wrap(xerrors.CodeStorageFailure, commitErr, "提交账本事务失败")
	}
	tx.Finish(true)
	return nil
}

// Seed 实现 Ledger 接口。
func (l *SQLLedger) Seed(ctx context.Context, balances map[common.Address]uint64) error {
	return l.run(ctx, nil, false, func(tx Tx) error {
		ot := tx.(*overlayTx)
		for addr, balance := range balances {
			_, ok, err := ot.lookup(ctx, addr)
			if err != nil {
				return err
			}
			if ok {
				continue
			}
			ot.dirty[addr] = &Account{Address: addr, Owner: SystemProgram, Balance: balance}
		}
		return nil
	})
}

// AccountsByOwner 实现 OwnerScanner 接口。
func (l *SQLLedger) AccountsByOwner(ctx context.Context, owner common.Address) ([]*Account, error) {
	rows, err := l.db.QueryContext(ctx, `SELECT address, balance, data FROM ledger_accounts WHERE owner = ? ORDER BY address`, owner.Hex())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "按 owner 查询账户失败")
	}
	defer rows.Close()
	var out []*Account
	for rows.Next() {
		var (
			address string
			balance uint64
			data    []byte
		)
		if err := rows.Scan(&address, &balance, &data); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析账户失败")
		}
		out = append(out, &Account{Address: common.HexToAddress(address), Owner: owner, Balance: balance, Data: data})
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历账户失败")
	}
	return out, nil
}

// Close 关闭底层连接。
func (l *SQLLedger) Close() error {
	if l == nil || l.db == nil {
		return nil
	}
	return l.db.Close()
}

type sqlSource struct {
	tx      *sql.Tx
	dialect Dialect
	lock    bool
	// cache 记录事务内读到的基线，nil 值表示账户不存在。
	cache map[common.Address]*Account
}

func (s *sqlSource) load(ctx context.Context, addr common.Address) (*Account, bool, error) {
	if acc, ok := s.cache[addr]; ok {
		return acc, acc != nil, nil
	}
	query := `SELECT owner, balance, data FROM ledger_accounts WHERE address = ?`
	if s.lock {
		query += s.dialect.LockClause
	}
	var (
		owner   string
		balance uint64
		data    []byte
	)
	err := s.tx.QueryRowContext(ctx, query, addr.Hex()).Scan(&owner, &balance, &data)
	if stdErrors.Is(err, sql.ErrNoRows) {
		s.cache[addr] = nil
		return nil, false, nil
	}
	if err != nil {
		return nil, false, xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("读取账户 %s 失败", addr.Hex()))
	}
	acc := &Account{Address: addr, Owner: common.HexToAddress(owner), Balance: balance}
	if len(data) > 0 {
		acc.Data = data
	}
	s.cache[addr] = acc
	return acc, true, nil
}

func (s *sqlSource) flush(ctx context.Context, dirty map[common.Address]*Account) error {
	addrs := make([]common.Address, 0, len(dirty))
	for addr := range dirty {
		addrs = append(addrs, addr)
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i].Hex() < addrs[j].Hex() })

	for _, addr := range addrs {
		acc := dirty[addr]
		if acc.Balance > math.MaxInt64 {
			return xerrors.Wrap(CodeBalanceOverflow, ErrBalanceOverflow, fmt.Sprintf("账户 %s 余额超出存储范围", addr.Hex()))
		}
		data := acc.Data
		if data == nil {
			data = []byte{}
		}
		var err error
		if s.cache[addr] != nil {
			_, err = s.tx.ExecContext(ctx,
				`UPDATE ledger_accounts SET owner = ?, balance = ?, data = ? WHERE address = ?`,
				acc.Owner.Hex(), int64(acc.Balance), data, addr.Hex())
		} else {
			_, err = s.tx.ExecContext(ctx,
				`INSERT INTO ledger_accounts (address, owner, balance, data) VALUES (?, ?, ?, ?)`,
				addr.Hex(), acc.Owner.Hex(), int64(acc.Balance), data)
		}
		if err != nil {
			return xerrors.Wrap(xerrors.CodeStorageFailure, err, fmt.Sprintf("写入账户 %s 失败", addr.Hex()))
		}
	}
	return nil
}

var (
	_ Ledger       = (*SQLLedger)(nil)
	_ OwnerScanner = (*SQLLedger)(nil)
)
