package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"keysync-service/internal/domain"
)

// RotationModel はgorm用のモデル定義。
type RotationModel struct {
	ID            string    `gorm:"size:36;primaryKey"`
	ResourceClass string    `gorm:"size:64;not null;index"`
	Trigger       string    `gorm:"size:32;not null"`
	Actor         string    `gorm:"size:128;not null"`
	State         string    `gorm:"size:32;not null"`
	OldVersion    uint64    `gorm:"not null"`
	NewVersion    uint64    `gorm:"not null"`
	Granted       []string  `gorm:"serializer:json"`
	Revoked       []string  `gorm:"serializer:json"`
	FailedAt      string    `gorm:"size:32"`
	Cause         string    `gorm:"size:1024"`
	StartedAt     time.Time `gorm:"not null;index"`
	FinishedAt    *time.Time
}

// TableName はテーブル名を返す。
func (RotationModel) TableName() string {
	return "rotations"
}

func (m *RotationModel) toDomain() *domain.Rotation {
	return &domain.Rotation{
		ID:            m.ID,
		ResourceClass: domain.ResourceClass(m.ResourceClass),
		Trigger:       domain.RotationTrigger(m.Trigger),
		Actor:         m.Actor,
		State:         domain.RotationState(m.State),
		OldVersion:    m.OldVersion,
		NewVersion:    m.NewVersion,
		Granted:       m.Granted,
		Revoked:       m.Revoked,
		FailedAt:      domain.RotationState(m.FailedAt),
		Cause:         m.Cause,
		StartedAt:     m.StartedAt,
		FinishedAt:    m.FinishedAt,
	}
}

func toRotationModel(r *domain.Rotation) *RotationModel {
	cause := r.Cause
	if len(cause) > 1024 {
		cause = cause[:1024]
	}
	return &RotationModel{
		ID:            r.ID,
		ResourceClass: string(r.ResourceClass),
		Trigger:       string(r.Trigger),
		Actor:         r.Actor,
		State:         string(r.State),
		OldVersion:    r.OldVersion,
		NewVersion:    r.NewVersion,
		Granted:       r.Granted,
		Revoked:       r.Revoked,
		FailedAt:      string(r.FailedAt),
		Cause:         cause,
		StartedAt:     r.StartedAt,
		FinishedAt:    r.FinishedAt,
	}
}

// RotationRepository はローテーション履歴のデータアクセスを提供する。
type RotationRepository struct {
	db *gorm.DB
}

// NewRotationRepository は新しいRotationRepositoryを生成する。
func NewRotationRepository(db *gorm.DB) *RotationRepository {
	return &RotationRepository{db: db}
}

// Save はローテーションを作成または更新する。
func (r *RotationRepository) Save(ctx context.Context, rot *domain.Rotation) error {
	if err := r.db.WithContext(ctx).Save(toRotationModel(rot)).Error; err != nil {
		slog.ErrorContext(ctx, "failed to save rotation",
			"operation", "save",
			"rotation_id", rot.ID,
			"state", rot.State,
			"error", err,
		)
		return err
	}
	return nil
}

// FindByID はIDでローテーションを取得する。存在しなければ nil を返す。
func (r *RotationRepository) FindByID(ctx context.Context, id string) (*domain.Rotation, error) {
	var model RotationModel
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find rotation",
			"operation", "find_by_id",
			"rotation_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindRecent は新しい順にローテーションを返す。class が空なら全クラス。
func (r *RotationRepository) FindRecent(ctx context.Context, class domain.ResourceClass, limit int) ([]*domain.Rotation, error) {
	var models []RotationModel
	q := r.db.WithContext(ctx)
	if class != "" {
		q = q.Where("resource_class = ?", string(class))
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Order("started_at DESC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find rotations",
			"operation", "find_recent",
			"class", class,
			"error", err,
		)
		return nil, err
	}

	rotations := make([]*domain.Rotation, len(models))
	for i := range models {
		rotations[i] = models[i].toDomain()
	}
	return rotations, nil
}
