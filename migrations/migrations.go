// Package migrations はMySQL用のスキーマ定義を埋め込む。
package migrations

import "embed"

// FS は {version}_{name}.sql 形式のマイグレーションファイル群。
//
//go:embed *.sql
var FS embed.FS
