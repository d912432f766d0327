package mysql

import (
	"context"
	"database/sql/driver"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"Oracle-Relay/internal/auth"
	xerrors "Oracle-Relay/internal/errors"
	"Oracle-Relay/internal/storage/sqlite"
)

func TestSQLAuthStoreRolesQuery(t *testing.T) {
	t.Parallel()

	admin := common.HexToAddress("0x00000000000000000000000000000000000000a1")
	db, drv := newMockDB(t, []mockOperation{
		queryOp("SELECT role FROM relay_roles WHERE address = ? ORDER BY role", mockRowsData{
			columns: []string{"role"},
			values:  [][]driver.Value{{"admin"}, {"oracle"}},
		}),
	})
	defer db.Close()

	store, err := NewSQLAuthStore(db, "mysql")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	roles, err := store.Roles(context.Background(), admin)
	if err != nil {
		t.Fatalf("roles: %v", err)
	}
	if len(roles) != 2 || roles[0] != auth.RoleAdmin || roles[1] != auth.RoleOracle {
		t.Fatalf("unexpected roles %v", roles)
	}
	drv.assertConsumed(t)
}

func TestSQLAuthStoreSeedUsesInsertIgnore(t *testing.T) {
	t.Parallel()

	insert := "INSERT IGNORE INTO relay_roles (address, role, granted_at) VALUES (?, ?, ?)"
	db, drv := newMockDB(t, []mockOperation{
		beginOp(),
		execOp(insert, mockResult{rowsAffected: 1}),
		execOp(insert, mockResult{rowsAffected: 1}),
		execOp(insert, mockResult{rowsAffected: 0}),
		commitOp(),
	})
	defer db.Close()

	store, err := NewSQLAuthStore(db, "mysql")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	err = store.ApplySeed(context.Background(), map[common.Address][]auth.Role{
		common.HexToAddress("0x00000000000000000000000000000000000000a1"): {auth.RoleAdmin, " Oracle ", auth.RoleAdmin},
		common.HexToAddress("0x00000000000000000000000000000000000000e1"): {auth.RoleOracle},
	})
	if err != nil {
		t.Fatalf("seed: %v", err)
	}
	drv.assertConsumed(t)
}

func TestSQLAuthStoreRejectsUnknownDriver(t *testing.T) {
	t.Parallel()

	db, _ := newMockDB(t, nil)
	defer db.Close()
	if _, err := NewSQLAuthStore(db, "postgres"); !xerrors.HasCode(err, xerrors.CodeInvalidArgument) {
		t.Fatalf("expected invalid argument, got %v", err)
	}
}

func TestSQLAuthStoreOnSQLite(t *testing.T) {
	ctx := context.Background()
	db, err := sqlite.Open(ctx, filepath.Join(t.TempDir(), "roles.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	defer db.Close()

	store, err := NewSQLAuthStore(db, "sqlite")
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	operator := common.HexToAddress("0x00000000000000000000000000000000000000e1")
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000b6")

	seed := map[common.Address][]auth.Role{operator: {auth.RoleOracle}}
	if err := store.ApplySeed(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}
	// 重启时再次写入相同的种子。
	if err := store.ApplySeed(ctx, seed); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	if err := store.Grant(ctx, operator, auth.RoleAdmin); err != nil {
		t.Fatalf("grant: %v", err)
	}

	roles, err := store.Roles(ctx, operator)
	if err != nil {
		t.Fatalf("roles: %v", err)
	}
	if len(roles) != 2 || roles[0] != auth.RoleAdmin || roles[1] != auth.RoleOracle {
		t.Fatalf("unexpected roles %v", roles)
	}
	if roles, _ := store.Roles(ctx, stranger); len(roles) != 0 {
		t.Fatalf("stranger should have no roles, got %v", roles)
	}

	if err := store.Revoke(ctx, operator); err != nil {
		t.Fatalf("revoke: %v", err)
	}
	if roles, _ := store.Roles(ctx, operator); len(roles) != 0 {
		t.Fatalf("roles survived revoke: %v", roles)
	}
}
