// Package repository はデータアクセス層の実装を提供する。
package repository

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"keysync-service/internal/domain"
)

// KeyVersionModel はgorm用のモデル定義。
type KeyVersionModel struct {
	ResourceClass  string    `gorm:"size:64;primaryKey;index:idx_class_status"`
	Version        uint64    `gorm:"primaryKey;autoIncrement:false"`
	SealedMaterial []byte    `gorm:"not null"`
	Status         string    `gorm:"size:16;not null;index:idx_class_status"`
	CreatedAt      time.Time `gorm:"not null"`
	SupersededAt   *time.Time
}

// TableName はテーブル名を返す。
func (KeyVersionModel) TableName() string {
	return "key_versions"
}

// toDomain はモデルをドメインエンティティに変換する。
func (m *KeyVersionModel) toDomain() *domain.KeyVersion {
	return &domain.KeyVersion{
		ResourceClass:  domain.ResourceClass(m.ResourceClass),
		Version:        m.Version,
		SealedMaterial: m.SealedMaterial,
		Status:         domain.KeyVersionStatus(m.Status),
		CreatedAt:      m.CreatedAt,
		SupersededAt:   m.SupersededAt,
	}
}

// KeyVersionRepository は鍵バージョンのデータアクセスを提供する。
type KeyVersionRepository struct {
	db *gorm.DB
}

// NewKeyVersionRepository は新しいKeyVersionRepositoryを生成する。
func NewKeyVersionRepository(db *gorm.DB) *KeyVersionRepository {
	return &KeyVersionRepository{db: db}
}

// Create は新しい鍵バージョンを保存する。
func (r *KeyVersionRepository) Create(ctx context.Context, v *domain.KeyVersion) error {
	model := &KeyVersionModel{
		ResourceClass:  string(v.ResourceClass),
		Version:        v.Version,
		SealedMaterial: v.SealedMaterial,
		Status:         string(v.Status),
		CreatedAt:      v.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		slog.ErrorContext(ctx, "failed to create key version",
			"operation", "create",
			"class", v.ResourceClass,
			"version", v.Version,
			"error", err,
		)
		return err
	}
	return nil
}

// FindCurrent は指定されたクラスの現行バージョンを取得する。存在しなければ nil を返す。
func (r *KeyVersionRepository) FindCurrent(ctx context.Context, class domain.ResourceClass) (*domain.KeyVersion, error) {
	var model KeyVersionModel
	err := r.db.WithContext(ctx).
		Where("resource_class = ? AND status = ?", string(class), string(domain.KeyVersionStatusCurrent)).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find current key version",
			"operation", "find_current",
			"class", class,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// Find は指定されたクラス・バージョンを取得する。存在しなければ nil を返す。
func (r *KeyVersionRepository) Find(ctx context.Context, class domain.ResourceClass, version uint64) (*domain.KeyVersion, error) {
	var model KeyVersionModel
	err := r.db.WithContext(ctx).
		Where("resource_class = ? AND version = ?", string(class), version).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find key version",
			"operation", "find",
			"class", class,
			"version", version,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindAllByClass は指定されたクラスの全バージョンをバージョン順に取得する。
func (r *KeyVersionRepository) FindAllByClass(ctx context.Context, class domain.ResourceClass) ([]*domain.KeyVersion, error) {
	var models []KeyVersionModel
	err := r.db.WithContext(ctx).
		Where("resource_class = ?", string(class)).
		Order("version ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find key versions by class",
			"operation", "find_all_by_class",
			"class", class,
			"error", err,
		)
		return nil, err
	}

	versions := make([]*domain.KeyVersion, len(models))
	for i := range models {
		versions[i] = models[i].toDomain()
	}
	return versions, nil
}

// FindByStatus は指定されたステータスの全バージョンを取得する。
func (r *KeyVersionRepository) FindByStatus(ctx context.Context, status domain.KeyVersionStatus) ([]*domain.KeyVersion, error) {
	var models []KeyVersionModel
	err := r.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("resource_class ASC, version ASC").
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find key versions by status",
			"operation", "find_by_status",
			"status", status,
			"error", err,
		)
		return nil, err
	}

	versions := make([]*domain.KeyVersion, len(models))
	for i := range models {
		versions[i] = models[i].toDomain()
	}
	return versions, nil
}

// GetMaxVersion は指定されたクラスの最大バージョン番号を取得する。失敗したバージョンも含む。
func (r *KeyVersionRepository) GetMaxVersion(ctx context.Context, class domain.ResourceClass) (uint64, error) {
	var maxVersion *uint64
	err := r.db.WithContext(ctx).
		Model(&KeyVersionModel{}).
		Where("resource_class = ?", string(class)).
		Select("MAX(version)").
		Scan(&maxVersion).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to get max version",
			"operation", "get_max_version",
			"class", class,
			"error", err,
		)
		return 0, err
	}
	if maxVersion == nil {
		return 0, nil
	}
	return *maxVersion, nil
}

// UpdateStatus は指定されたバージョンのステータスを from から to に更新する。
// 現在のステータスが from でなければ ErrNotFound を返す。
func (r *KeyVersionRepository) UpdateStatus(ctx context.Context, class domain.ResourceClass, version uint64, from, to domain.KeyVersionStatus) error {
	result := r.db.WithContext(ctx).
		Model(&KeyVersionModel{}).
		Where("resource_class = ? AND version = ? AND status = ?", string(class), version, string(from)).
		Update("status", string(to))
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to update key version status",
			"operation", "update_status",
			"class", class,
			"version", version,
			"status", to,
			"error", result.Error,
		)
		return result.Error
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("%w: key version %s/%d in status %s", domain.ErrNotFound, class, version, from)
	}
	return nil
}

// Promote は pending のバージョンを現行にし、旧現行を historical にする。
// 1トランザクションで行うため、読み手は現行バージョンが0個や2個の状態を観測しない。
func (r *KeyVersionRepository) Promote(ctx context.Context, class domain.ResourceClass, version uint64, at time.Time) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&KeyVersionModel{}).
			Where("resource_class = ? AND status = ?", string(class), string(domain.KeyVersionStatusCurrent)).
			Updates(map[string]any{
				"status":        string(domain.KeyVersionStatusHistorical),
				"superseded_at": at,
			}).Error; err != nil {
			return err
		}

		result := tx.Model(&KeyVersionModel{}).
			Where("resource_class = ? AND version = ? AND status = ?", string(class), version, string(domain.KeyVersionStatusPending)).
			Update("status", string(domain.KeyVersionStatusCurrent))
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected != 1 {
			return fmt.Errorf("%w: pending version %s/%d not found", domain.ErrInvariantViolation, class, version)
		}
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to promote key version",
			"operation", "promote",
			"class", class,
			"version", version,
			"error", err,
		)
		return err
	}
	return nil
}
