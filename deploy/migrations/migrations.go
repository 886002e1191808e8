package migrations

import "embed"

// Files 暴露账本表结构的 SQL 迁移文件。
//
//go:embed *.sql
var Files embed.FS
