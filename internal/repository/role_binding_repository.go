package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"keysync-service/internal/domain"
)

// RoleBindingModel はgorm用のモデル定義。プリンシパルとスコープの組は一意。
type RoleBindingModel struct {
	ID          string    `gorm:"size:36;primaryKey"`
	PrincipalID string    `gorm:"size:128;not null;uniqueIndex:idx_principal_scope"`
	Role        string    `gorm:"size:16;not null"`
	Scope       string    `gorm:"size:64;not null;uniqueIndex:idx_principal_scope"`
	CreatedAt   time.Time `gorm:"not null"`
}

// TableName はテーブル名を返す。
func (RoleBindingModel) TableName() string {
	return "role_bindings"
}

func (m *RoleBindingModel) toDomain() *domain.RoleBinding {
	return &domain.RoleBinding{
		ID:          m.ID,
		PrincipalID: m.PrincipalID,
		Role:        domain.Role(m.Role),
		Scope:       domain.Scope(m.Scope),
		CreatedAt:   m.CreatedAt,
	}
}

// RoleBindingRepository はロールバインディングのデータアクセスを提供する。
type RoleBindingRepository struct {
	db *gorm.DB
}

// NewRoleBindingRepository は新しいRoleBindingRepositoryを生成する。
func NewRoleBindingRepository(db *gorm.DB) *RoleBindingRepository {
	return &RoleBindingRepository{db: db}
}

// Upsert は (principal, scope) のバインディングを作成または置き換え、置き換え前のバインディングを返す。
func (r *RoleBindingRepository) Upsert(ctx context.Context, b *domain.RoleBinding) (*domain.RoleBinding, error) {
	var previous *domain.RoleBinding
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing RoleBindingModel
		err := tx.Where("principal_id = ? AND scope = ?", b.PrincipalID, string(b.Scope)).First(&existing).Error
		switch {
		case err == nil:
			previous = existing.toDomain()
			b.ID = existing.ID
			b.CreatedAt = existing.CreatedAt
			return tx.Model(&RoleBindingModel{}).
				Where("id = ?", existing.ID).
				Update("role", string(b.Role)).Error
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(&RoleBindingModel{
				ID:          b.ID,
				PrincipalID: b.PrincipalID,
				Role:        string(b.Role),
				Scope:       string(b.Scope),
				CreatedAt:   b.CreatedAt,
			}).Error
		default:
			return err
		}
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to upsert role binding",
			"operation", "upsert",
			"principal_id", b.PrincipalID,
			"scope", b.Scope,
			"error", err,
		)
		return nil, err
	}
	return previous, nil
}

// Delete は (principal, scope) のバインディングを削除し、削除したバインディングを返す。
// 存在しなければ nil を返す。
func (r *RoleBindingRepository) Delete(ctx context.Context, principalID string, scope domain.Scope) (*domain.RoleBinding, error) {
	var deleted *domain.RoleBinding
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing RoleBindingModel
		if err := tx.Where("principal_id = ? AND scope = ?", principalID, string(scope)).First(&existing).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil
			}
			return err
		}
		if err := tx.Delete(&RoleBindingModel{}, "id = ?", existing.ID).Error; err != nil {
			return err
		}
		deleted = existing.toDomain()
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete role binding",
			"operation", "delete",
			"principal_id", principalID,
			"scope", scope,
			"error", err,
		)
		return nil, err
	}
	return deleted, nil
}

// DeleteByPrincipal はプリンシパルの全バインディングを削除し、削除したバインディングを返す。
func (r *RoleBindingRepository) DeleteByPrincipal(ctx context.Context, principalID string) ([]*domain.RoleBinding, error) {
	var deleted []*domain.RoleBinding
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []RoleBindingModel
		if err := tx.Where("principal_id = ?", principalID).Find(&models).Error; err != nil {
			return err
		}
		if len(models) == 0 {
			return nil
		}
		if err := tx.Delete(&RoleBindingModel{}, "principal_id = ?", principalID).Error; err != nil {
			return err
		}
		for i := range models {
			deleted = append(deleted, models[i].toDomain())
		}
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete role bindings by principal",
			"operation", "delete_by_principal",
			"principal_id", principalID,
			"error", err,
		)
		return nil, err
	}
	return deleted, nil
}

// FindAll は全バインディングを取得する。
func (r *RoleBindingRepository) FindAll(ctx context.Context) ([]*domain.RoleBinding, error) {
	var models []RoleBindingModel
	if err := r.db.WithContext(ctx).Order("principal_id ASC, scope ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find role bindings",
			"operation", "find_all",
			"error", err,
		)
		return nil, err
	}

	bindings := make([]*domain.RoleBinding, len(models))
	for i := range models {
		bindings[i] = models[i].toDomain()
	}
	return bindings, nil
}
