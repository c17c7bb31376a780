package domain

import "time"

// AuditAction は監査レコードの操作種別を表す。
type AuditAction string

const (
	AuditActionClassInitialized  AuditAction = "class_initialized"
	AuditActionRotationCommitted AuditAction = "rotation_committed"
	AuditActionRotationFailed    AuditAction = "rotation_failed"
	AuditActionVersionRetired    AuditAction = "version_retired"
	AuditActionPrincipalAdded    AuditAction = "principal_added"
	AuditActionPrincipalRemoved  AuditAction = "principal_removed"
	AuditActionRoleBound         AuditAction = "role_bound"
	AuditActionRoleUnbound       AuditAction = "role_unbound"
)

// HashSize はハッシュチェーンで使うダイジェスト長（BLAKE3-256）。
const HashSize = 32

// AuditRecord はハッシュチェーンを構成する追記専用の監査レコードを表す。
type AuditRecord struct {
	Sequence      uint64
	PreviousHash  []byte
	Action        AuditAction
	Actor         string
	Subject       string // 影響を受けたプリンシパル（任意）
	ResourceClass ResourceClass
	Timestamp     time.Time
	Payload       []byte // 正規化CBORの詳細情報
	PayloadHash   []byte
	Hash          []byte
}

// RotationSummary はローテーション完了・失敗時に監査ログへ記録する内容を表す。
type RotationSummary struct {
	RotationID string          `cbor:"rotation_id" json:"rotation_id"`
	Trigger    RotationTrigger `cbor:"trigger" json:"trigger"`
	OldVersion uint64          `cbor:"old_version" json:"old_version"`
	NewVersion uint64          `cbor:"new_version" json:"new_version"`
	Granted    []string        `cbor:"granted" json:"granted"`
	Revoked    []string        `cbor:"revoked" json:"revoked"`
	FailedAt   RotationState   `cbor:"failed_at,omitempty" json:"failed_at,omitempty"`
	Cause      string          `cbor:"cause,omitempty" json:"cause,omitempty"`
}

// BindingChange はロールバインディング変更時に監査ログへ記録する内容を表す。
type BindingChange struct {
	Role      Role  `cbor:"role" json:"role"`
	Scope     Scope `cbor:"scope" json:"scope"`
	Downgrade bool  `cbor:"downgrade,omitempty" json:"downgrade,omitempty"`
	Previous  Role  `cbor:"previous,omitempty" json:"previous,omitempty"`
}

// VersionRetirement は旧バージョン廃止時に監査ログへ記録する内容を表す。
type VersionRetirement struct {
	Version       uint64   `cbor:"version" json:"version"`
	RevokedGrants []string `cbor:"revoked_grants" json:"revoked_grants"`
	ReencryptedTo uint64   `cbor:"reencrypted_to" json:"reencrypted_to"`
}
