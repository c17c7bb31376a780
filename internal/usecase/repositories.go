// Package usecase はアプリケーションのユースケースを実装する。
package usecase

import (
	"context"
	"time"

	"keysync-service/internal/domain"
)

// KeyVersionRepository は鍵バージョンのデータアクセスのインターフェース。
type KeyVersionRepository interface {
	Create(ctx context.Context, v *domain.KeyVersion) error
	FindCurrent(ctx context.Context, class domain.ResourceClass) (*domain.KeyVersion, error)
	Find(ctx context.Context, class domain.ResourceClass, version uint64) (*domain.KeyVersion, error)
	FindAllByClass(ctx context.Context, class domain.ResourceClass) ([]*domain.KeyVersion, error)
	FindByStatus(ctx context.Context, status domain.KeyVersionStatus) ([]*domain.KeyVersion, error)
	GetMaxVersion(ctx context.Context, class domain.ResourceClass) (uint64, error)
	UpdateStatus(ctx context.Context, class domain.ResourceClass, version uint64, from, to domain.KeyVersionStatus) error
	Promote(ctx context.Context, class domain.ResourceClass, version uint64, at time.Time) error
}

// GrantRepository はグラントのデータアクセスのインターフェース。
type GrantRepository interface {
	Create(ctx context.Context, g *domain.WrappedKeyGrant) error
	Find(ctx context.Context, principalID string, class domain.ResourceClass, version uint64) (*domain.WrappedKeyGrant, error)
	FindLiveByPrincipal(ctx context.Context, principalID string, class domain.ResourceClass) ([]*domain.WrappedKeyGrant, error)
	FindLiveByClass(ctx context.Context, class domain.ResourceClass) ([]*domain.WrappedKeyGrant, error)
	FindLiveByVersion(ctx context.Context, class domain.ResourceClass, version uint64) ([]*domain.WrappedKeyGrant, error)
	Revoke(ctx context.Context, principalID string, class domain.ResourceClass, version uint64, at time.Time) error
	RevokePrincipalInClass(ctx context.Context, principalID string, class domain.ResourceClass, at time.Time) (int64, error)
	RevokeVersion(ctx context.Context, class domain.ResourceClass, version uint64, at time.Time) ([]string, error)
}

// PrincipalRepository はプリンシパルのデータアクセスのインターフェース。
type PrincipalRepository interface {
	Create(ctx context.Context, p *domain.Principal) error
	FindByID(ctx context.Context, id string) (*domain.Principal, error)
	FindAll(ctx context.Context, includeRemoved bool) ([]*domain.Principal, error)
	MarkRemoved(ctx context.Context, id string, at time.Time) error
}

// RoleBindingRepository はロールバインディングのデータアクセスのインターフェース。
type RoleBindingRepository interface {
	Upsert(ctx context.Context, b *domain.RoleBinding) (*domain.RoleBinding, error)
	Delete(ctx context.Context, principalID string, scope domain.Scope) (*domain.RoleBinding, error)
	DeleteByPrincipal(ctx context.Context, principalID string) ([]*domain.RoleBinding, error)
	FindAll(ctx context.Context) ([]*domain.RoleBinding, error)
}

// AuditRepository は監査レコードのデータアクセスのインターフェース。
type AuditRepository interface {
	Append(ctx context.Context, rec *domain.AuditRecord) error
	Head(ctx context.Context) (*domain.AuditRecord, error)
	FindBySequence(ctx context.Context, seq uint64) (*domain.AuditRecord, error)
	FindRange(ctx context.Context, from, to uint64) ([]*domain.AuditRecord, error)
	FindByFilter(ctx context.Context, action domain.AuditAction, class domain.ResourceClass, subject string, limit int) ([]*domain.AuditRecord, error)
}

// EnvelopeRepository はエンベロープのデータアクセスのインターフェース。
type EnvelopeRepository interface {
	Append(ctx context.Context, env *domain.SyncEnvelope) error
	FindByID(ctx context.Context, id string) (*domain.SyncEnvelope, error)
	FindExistingIDs(ctx context.Context, class domain.ResourceClass, ids []string) (map[string]struct{}, error)
	Head(ctx context.Context, class domain.ResourceClass) (uint64, error)
	FindRange(ctx context.Context, class domain.ResourceClass, since, upTo uint64, limit int) ([]*domain.SyncEnvelope, error)
}

// LeaseRepository はローテーションリースのデータアクセスのインターフェース。
type LeaseRepository interface {
	Acquire(ctx context.Context, lease *domain.RotationLease, now time.Time) (bool, error)
	Renew(ctx context.Context, class domain.ResourceClass, holder string, expiresAt time.Time) (bool, error)
	Release(ctx context.Context, class domain.ResourceClass, holder string) error
}

// RotationRepository はローテーション履歴のデータアクセスのインターフェース。
type RotationRepository interface {
	Save(ctx context.Context, rot *domain.Rotation) error
	FindByID(ctx context.Context, id string) (*domain.Rotation, error)
	FindRecent(ctx context.Context, class domain.ResourceClass, limit int) ([]*domain.Rotation, error)
}

// KMSClient は暗号化/復号のインターフェース。
type KMSClient interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
}
