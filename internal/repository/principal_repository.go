package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"keysync-service/internal/domain"
)

// PrincipalModel はgorm用のモデル定義。
type PrincipalModel struct {
	ID        string    `gorm:"size:128;primaryKey"`
	Kind      string    `gorm:"size:16;not null"`
	PublicKey []byte    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	RemovedAt *time.Time
}

// TableName はテーブル名を返す。
func (PrincipalModel) TableName() string {
	return "principals"
}

func (m *PrincipalModel) toDomain() *domain.Principal {
	return &domain.Principal{
		ID:        m.ID,
		Kind:      domain.PrincipalKind(m.Kind),
		PublicKey: m.PublicKey,
		CreatedAt: m.CreatedAt,
		RemovedAt: m.RemovedAt,
	}
}

// PrincipalRepository はプリンシパルのデータアクセスを提供する。
type PrincipalRepository struct {
	db *gorm.DB
}

// NewPrincipalRepository は新しいPrincipalRepositoryを生成する。
func NewPrincipalRepository(db *gorm.DB) *PrincipalRepository {
	return &PrincipalRepository{db: db}
}

// Create はプリンシパルを登録する。同じIDが存在する場合は ErrPrincipalAlreadyExists を返す。
func (r *PrincipalRepository) Create(ctx context.Context, p *domain.Principal) error {
	model := &PrincipalModel{
		ID:        p.ID,
		Kind:      string(p.Kind),
		PublicKey: p.PublicKey,
		CreatedAt: p.CreatedAt,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrPrincipalAlreadyExists
		}
		slog.ErrorContext(ctx, "failed to create principal",
			"operation", "create",
			"principal_id", p.ID,
			"error", err,
		)
		return err
	}
	return nil
}

// FindByID はIDでプリンシパルを取得する。削除済みも返す。存在しなければ nil を返す。
func (r *PrincipalRepository) FindByID(ctx context.Context, id string) (*domain.Principal, error) {
	var model PrincipalModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find principal",
			"operation", "find_by_id",
			"principal_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindAll は全プリンシパルを取得する。includeRemoved が false なら削除済みを除く。
func (r *PrincipalRepository) FindAll(ctx context.Context, includeRemoved bool) ([]*domain.Principal, error) {
	var models []PrincipalModel
	q := r.db.WithContext(ctx).Order("id ASC")
	if !includeRemoved {
		q = q.Where("removed_at IS NULL")
	}
	if err := q.Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find principals",
			"operation", "find_all",
			"error", err,
		)
		return nil, err
	}

	principals := make([]*domain.Principal, len(models))
	for i := range models {
		principals[i] = models[i].toDomain()
	}
	return principals, nil
}

// MarkRemoved はプリンシパルを削除済みにする。既に削除済みなら ErrPrincipalRemoved を返す。
func (r *PrincipalRepository) MarkRemoved(ctx context.Context, id string, at time.Time) error {
	result := r.db.WithContext(ctx).
		Model(&PrincipalModel{}).
		Where("id = ? AND removed_at IS NULL", id).
		Update("removed_at", at)
	if result.Error != nil {
		slog.ErrorContext(ctx, "failed to mark principal removed",
			"operation", "mark_removed",
			"principal_id", id,
			"error", result.Error,
		)
		return result.Error
	}
	if result.RowsAffected == 0 {
		existing, err := r.FindByID(ctx, id)
		if err != nil {
			return err
		}
		if existing == nil {
			return domain.ErrNotFound
		}
		return domain.ErrPrincipalRemoved
	}
	return nil
}
