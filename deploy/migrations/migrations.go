package migrations

import (
	"embed"
	"io/fs"
)

//go:embed mysql/*.sql sqlite/*.sql
var files embed.FS

// MySQL 返回 MySQL 方言的迁移文件。
func MySQL() fs.FS { return sub("mysql") }

// SQLite 返回 SQLite 方言的迁移文件。
func SQLite() fs.FS { return sub("sqlite") }

func sub(dir string) fs.FS {
	fsys, err := fs.Sub(files, dir)
	if err != nil {
		panic(err)
	}
	return fsys
}
