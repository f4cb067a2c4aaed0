package migrations

import "embed"

// FS 是场次存储的内嵌 SQLite 迁移文件。
//
//go:embed *.sql
var FS embed.FS
