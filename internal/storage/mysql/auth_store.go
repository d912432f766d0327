package mysql

import (
	"context"
	"database/sql"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"Oracle-Relay/internal/auth"
	xerrors "Oracle-Relay/internal/errors"
)

// SQLAuthStore 在 relay_roles 表中持久化签名地址的角色，实现 auth.RoleStore。
// 除插入语句外与 SQLite 方言通用，单节点部署可以直接传入 sqlite.Open 的连接。
type SQLAuthStore struct {
	db     *sql.DB
	insert string
	now    func() time.Time
}

// NewSQLAuthStore 基于已完成迁移的连接创建角色表，driver 取 "mysql" 或 "sqlite"。
func NewSQLAuthStore(db *sql.DB, driver string) (*SQLAuthStore, error) {
	if db == nil {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "数据库连接不能为空")
	}
	var verb string
	switch driver {
	case "mysql":
		verb = "INSERT IGNORE INTO"
	case "sqlite":
		verb = "INSERT OR IGNORE INTO"
	default:
		return nil, xerrors.New(xerrors.CodeInvalidArgument, fmt.Sprintf("不支持的角色表驱动 %q", driver))
	}
	return &SQLAuthStore{
		db:     db,
		insert: verb + ` relay_roles (address, role, granted_at) VALUES (?, ?, ?)`,
		now:    time.Now,
	}, nil
}

// Roles 实现 auth.RoleStore。
func (s *SQLAuthStore) Roles(ctx context.Context, addr common.Address) ([]auth.Role, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role FROM relay_roles WHERE address = ? ORDER BY role`, addr.Hex())
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询角色失败")
	}
	defer rows.Close()
	var roles []auth.Role
	for rows.Next() {
		var role string
		if err := rows.Scan(&role); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析角色失败")
		}
		roles = append(roles, auth.Role(role))
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历角色失败")
	}
	return roles, nil
}

// Grant 为地址追加角色，已有的角色保持不变。
func (s *SQLAuthStore) Grant(ctx context.Context, addr common.Address, roles ...auth.Role) error {
	return s.ApplySeed(ctx, map[common.Address][]auth.Role{addr: roles})
}

// Revoke 移除地址的全部角色。
func (s *SQLAuthStore) Revoke(ctx context.Context, addr common.Address) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM relay_roles WHERE address = ?`, addr.Hex()); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "撤销角色失败")
	}
	return nil
}

// ApplySeed 在单个事务中写入配置文件给出的角色，重启时重复写入不会产生重复记录。
func (s *SQLAuthStore) ApplySeed(ctx context.Context, grants map[common.Address][]auth.Role) (err error) {
	addrs := make([]common.Address, 0, len(grants))
	for addr := range grants {
		addrs = append(addrs, addr)
	}
	slices.SortFunc(addrs, func(a, b common.Address) int { return strings.Compare(a.Hex(), b.Hex()) })

	now := s.now().Unix()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "开启角色事务失败")
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()
	for _, addr := range addrs {
		for _, role := range dedupeRoles(grants[addr]) {
			if _, execErr := tx.ExecContext(ctx, s.insert, addr.Hex(), string(role), now); execErr != nil {
				err = xerrors.Wrap(xerrors.CodeStorageFailure, execErr, "保存角色失败")
				return err
			}
		}
	}
	if err = tx.Commit(); err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "提交角色失败")
	}
	return nil
}

func dedupeRoles(roles []auth.Role) []auth.Role {
	out := make([]auth.Role, 0, len(roles))
	for _, role := range roles {
		role = auth.Role(strings.ToLower(strings.TrimSpace(string(role))))
		if role != "" && !slices.Contains(out, role) {
			out = append(out, role)
		}
	}
	slices.Sort(out)
	return out
}

var _ auth.RoleStore = (*SQLAuthStore)(nil)
