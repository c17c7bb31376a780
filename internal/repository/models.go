package repository

// Models は AutoMigrate 対象の全モデルを返す。
// 本番のMySQLは migrations/ のSQLで管理し、これは SQLite（開発・テスト）用。
func Models() []any {
	return []any{
		&PrincipalModel{},
		&RoleBindingModel{},
		&KeyVersionModel{},
		&GrantModel{},
		&AuditRecordModel{},
		&EnvelopeModel{},
		&RotationLeaseModel{},
		&RotationModel{},
		&SchemaMigrationModel{},
	}
}
