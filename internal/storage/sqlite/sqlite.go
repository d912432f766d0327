// Package sqlite opens single-file SQLite databases for single-node
// deployments and tests, applying the SQLite flavour of the schema migrations.
package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	"Oracle-Relay/deploy/migrations"
	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/storage"
)

// Open 打开 path 指向的数据库文件并执行迁移。
// 连接池被限制为一个连接，所有事务因此天然串行。
func Open(ctx context.Context, path string) (*sql.DB, error) {
	if strings.TrimSpace(path) == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 路径不能为空")
	}
	dsn := filepath.Clean(path) + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 失败")
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法连接到 SQLite")
	}
	if err := storage.ApplyMigrations(ctx, db, migrations.SQLite()); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "执行 SQLite 迁移失败")
	}
	return db, nil
}
