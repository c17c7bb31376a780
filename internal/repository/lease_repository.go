package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"keysync-service/internal/domain"
)

// RotationLeaseModel はgorm用のモデル定義。クラスごとに1行。
type RotationLeaseModel struct {
	ResourceClass string    `gorm:"size:64;primaryKey"`
	Holder        string    `gorm:"size:64;not null"`
	ExpiresAt     time.Time `gorm:"not null"`
}

// TableName はテーブル名を返す。
func (RotationLeaseModel) TableName() string {
	return "rotation_leases"
}

// LeaseRepository はローテーションリースのデータアクセスを提供する。
type LeaseRepository struct {
	db *gorm.DB
}

// NewLeaseRepository は新しいLeaseRepositoryを生成する。
func NewLeaseRepository(db *gorm.DB) *LeaseRepository {
	return &LeaseRepository{db: db}
}

// Acquire はリースの取得を試みる。他のホルダーが有効なリースを持っていれば false を返す。
func (r *LeaseRepository) Acquire(ctx context.Context, lease *domain.RotationLease, now time.Time) (bool, error) {
	acquired := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing RotationLeaseModel
		err := tx.Where("resource_class = ?", string(lease.ResourceClass)).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			if err := tx.Create(&RotationLeaseModel{
				ResourceClass: string(lease.ResourceClass),
				Holder:        lease.Holder,
				ExpiresAt:     lease.ExpiresAt,
			}).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return nil
				}
				return err
			}
			acquired = true
			return nil
		case err != nil:
			return err
		}

		if existing.Holder != lease.Holder && existing.ExpiresAt.After(now) {
			return nil
		}
		result := tx.Model(&RotationLeaseModel{}).
			Where("resource_class = ? AND holder = ?", existing.ResourceClass, existing.Holder).
			Updates(map[string]any{"holder": lease.Holder, "expires_at": lease.ExpiresAt})
		if result.Error != nil {
			return result.Error
		}
		acquired = result.RowsAffected == 1
		return nil
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to acquire rotation lease",
			"operation", "acquire",
			"class", lease.ResourceClass,
			"error", err,
		)
		return false, err
	}
	return acquired, nil
}

// Renew はホルダーが一致する場合のみ有効期限を延長する。リースを失っていれば false を返す。
func (r *LeaseRepository) Renew(ctx context.Context, class domain.ResourceClass, holder string, expiresAt time.Time) (bool, error) {
	result := r.db.WithContext(ctx).
		Model(&RotationLeaseModel{}).
		Where("resource_class = ? AND holder = ?", string(class), holder).
		Update("expires_at", expiresAt)
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to renew rotation lease",
			"operation", "renew",
			"class", class,
			"error", result.Error,
		)
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Release はホルダーが一致する場合のみリースを解放する。
func (r *LeaseRepository) Release(ctx context.Context, class domain.ResourceClass, holder string) error {
	err := r.db.WithContext(ctx).
		Where("resource_class = ? AND holder = ?", string(class), holder).
		Delete(&RotationLeaseModel{}).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to release rotation lease",
			"operation", "release",
			"class", class,
			"error", err,
		)
		return err
	}
	return nil
}

// Find は現在のリースを返す。存在しなければ nil を返す。
func (r *LeaseRepository) Find(ctx context.Context, class domain.ResourceClass) (*domain.RotationLease, error) {
	var model RotationLeaseModel
	if err := r.db.WithContext(ctx).Where("resource_class = ?", string(class)).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find rotation lease",
			"operation", "find",
			"class", class,
			"error", err,
		)
		return nil, err
	}
	return &domain.RotationLease{
		ResourceClass: domain.ResourceClass(model.ResourceClass),
		Holder:        model.Holder,
		ExpiresAt:     model.ExpiresAt,
	}, nil
}
