package domain

import "time"

// MigrationStatus はスキーママイグレーションの状態を表す。
type MigrationStatus string

const (
	MigrationStatusPending  MigrationStatus = "pending"
	MigrationStatusApplied  MigrationStatus = "applied"
	MigrationStatusModified MigrationStatus = "modified" // 適用後にファイルが書き換えられた
)

// Migration は1つのスキーママイグレーションファイルを表す。
// ファイル名は {version}_{name}.sql で、Checksum はファイル内容の BLAKE3 ダイジェスト（hex）。
type Migration struct {
	Version   string
	Name      string
	Checksum  string
	AppliedAt *time.Time
	Status    MigrationStatus
}
