package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"keysync-service/internal/domain"
)

// GrantModel はgorm用のモデル定義。
// (principal, class, version) は一意なので、一度失効したグラントを同じバージョンで復活させることはできない。
type GrantModel struct {
	ID            string    `gorm:"size:36;primaryKey"`
	PrincipalID   string    `gorm:"size:128;not null;uniqueIndex:idx_grant_owner;index:idx_grant_principal"`
	ResourceClass string    `gorm:"size:64;not null;uniqueIndex:idx_grant_owner;index:idx_grant_version"`
	Version       uint64    `gorm:"not null;uniqueIndex:idx_grant_owner;index:idx_grant_version"`
	WrappedKey    []byte    `gorm:"not null"`
	GrantedAt     time.Time `gorm:"not null"`
	RevokedAt     *time.Time
}

// TableName はテーブル名を返す。
func (GrantModel) TableName() string {
	return "key_grants"
}

func (m *GrantModel) toDomain() *domain.WrappedKeyGrant {
	return &domain.WrappedKeyGrant{
		ID:            m.ID,
		PrincipalID:   m.PrincipalID,
		ResourceClass: domain.ResourceClass(m.ResourceClass),
		Version:       m.Version,
		WrappedKey:    m.WrappedKey,
		GrantedAt:     m.GrantedAt,
		RevokedAt:     m.RevokedAt,
	}
}

// GrantRepository はグラントのデータアクセスを提供する。
type GrantRepository struct {
	db *gorm.DB
}

// NewGrantRepository は新しいGrantRepositoryを生成する。
func NewGrantRepository(db *gorm.DB) *GrantRepository {
	return &GrantRepository{db: db}
}

// Create はグラントを保存する。同じ (principal, class, version) が既にあれば ErrDuplicate を返す。
func (r *GrantRepository) Create(ctx context.Context, g *domain.WrappedKeyGrant) error {
	model := &GrantModel{
		ID:            g.ID,
		PrincipalID:   g.PrincipalID,
		ResourceClass: string(g.ResourceClass),
		Version:       g.Version,
		WrappedKey:    g.WrappedKey,
		GrantedAt:     g.GrantedAt,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrDuplicate
		}
		slog.ErrorContext(ctx, "failed to create grant",
			"operation", "create",
			"principal_id", g.PrincipalID,
			"class", g.ResourceClass,
			"version", g.Version,
			"error", err,
		)
		return err
	}
	return nil
}

// Find は (principal, class, version) のグラントを失効済みも含めて取得する。存在しなければ nil を返す。
func (r *GrantRepository) Find(ctx context.Context, principalID string, class domain.ResourceClass, version uint64) (*domain.WrappedKeyGrant, error) {
	var model GrantModel
	err := r.db.WithContext(ctx).
		Where("principal_id = ? AND resource_class = ? AND version = ?", principalID, string(class), version).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find grant",
			"operation", "find",
			"principal_id", principalID,
			"class", class,
			"version", version,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindLiveByPrincipal はプリンシパルが持つ有効なグラントを取得する。class が空なら全クラス。
func (r *GrantRepository) FindLiveByPrincipal(ctx context.Context, principalID string, class domain.ResourceClass) ([]*domain.WrappedKeyGrant, error) {
	var models []GrantModel
	q := r.db.WithContext(ctx).
		Where("principal_id = ? AND revoked_at IS NULL", principalID)
	if class != "" {
		q = q.Where("resource_class = ?", string(class))
	}
	if err := q.Order("resource_class ASC, version ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find live grants by principal",
			"operation", "find_live_by_principal",
			"principal_id", principalID,
			"error", err,
		)
		return nil, err
	}
	return toGrantDomains(models), nil
}

// FindLiveByClass はクラス内の有効なグラントを全バージョン分取得する。
func (r *GrantRepository) FindLiveByClass(ctx context.Context, class domain.ResourceClass) ([]*domain.WrappedKeyGrant, error) {
	var models []GrantModel
	err := r.db.WithContext(ctx).
		Where("resource_class = ? AND revoked_at IS NULL", string(class)).
		Order("version ASC, principal_id ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find live grants by class",
			"operation", "find_live_by_class",
			"class", class,
			"error", err,
		)
		return nil, err
	}
	return toGrantDomains(models), nil
}

// FindLiveByVersion は特定バージョンの有効なグラントを取得する。
func (r *GrantRepository) FindLiveByVersion(ctx context.Context, class domain.ResourceClass, version uint64) ([]*domain.WrappedKeyGrant, error) {
	var models []GrantModel
	err := r.db.WithContext(ctx).
		Where("resource_class = ? AND version = ? AND revoked_at IS NULL", string(class), version).
		Order("principal_id ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find live grants by version",
			"operation", "find_live_by_version",
			"class", class,
			"version", version,
			"error", err,
		)
		return nil, err
	}
	return toGrantDomains(models), nil
}

// RevokePrincipalInClass はクラス内でプリンシパルが持つ全バージョンの有効なグラントを失効させ、失効数を返す。
func (r *GrantRepository) RevokePrincipalInClass(ctx context.Context, principalID string, class domain.ResourceClass, at time.Time) (int64, error) {
	result := r.db.WithContext(ctx).
		Model(&GrantModel{}).
		Where("principal_id = ? AND resource_class = ? AND revoked_at IS NULL", principalID, string(class)).
		Update("revoked_at", at)
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to revoke grants",
			"operation", "revoke_principal_in_class",
			"principal_id", principalID,
			"class", class,
			"error", result.Error,
		)
		return 0, result.Error
	}
	return result.RowsAffected, nil
}

// Revoke は単一のグラントを失効させる。有効なグラントが無ければ ErrNotFound を返す。
func (r *GrantRepository) Revoke(ctx context.Context, principalID string, class domain.ResourceClass, version uint64, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&GrantModel{}).
		Where("principal_id = ? AND resource_class = ? AND version = ? AND revoked_at IS NULL", principalID, string(class), version).
		Update("revoked_at", at)
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to revoke grant",
			"operation", "revoke",
			"principal_id", principalID,
			"class", class,
			"version", version,
			"error", result.Error,
		)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RevokeVersion はバージョンの全グラントを失効させ、失効させたプリンシパルIDを返す。
func (r *GrantRepository) RevokeVersion(ctx context.Context, class domain.ResourceClass, version uint64, at time.Time) ([]string, error) {
	var revoked []string
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []GrantModel
		if err := tx.Where("resource_class = ? AND version = ? AND revoked_at IS NULL", string(class), version).
			Order("principal_id ASC").
			Find(&models).Error; err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}
		if err := tx.Model(&GrantModel{}).
			Where("resource_class = ? AND version = ? AND revoked_at IS NULL", string(class), version).
			Update("revoked_at", at).Error; err != nil {
			return err
		}
		for _, m := range models {
			revoked = append(revoked, m.PrincipalID)
		}
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to revoke version grants",
			"operation", "revoke_version",
			"class", class,
			"version", version,
			"error", err,
		)
		return nil, err
	}
	return revoked, nil
}

func toGrantDomains(models []GrantModel) []*domain.WrappedKeyGrant {
	grants := make([]*domain.WrappedKeyGrant, len(models))
	for i := range models {
		grants[i] = models[i].toDomain()
	}
	return grants
}
