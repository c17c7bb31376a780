package repository

import (
	"context"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"keysync-service/internal/domain"
)

// SchemaMigrationModel はschema_migrationsテーブルのモデル。
type SchemaMigrationModel struct {
	Version   string    `gorm:"column:version;primaryKey;size:14"`
	Name      string    `gorm:"column:name;size:128;not null"`
	Checksum  string    `gorm:"column:checksum;size:64;not null"`
	AppliedAt time.Time `gorm:"column:applied_at;not null"`
}

// TableName はテーブル名を返す。
func (SchemaMigrationModel) TableName() string {
	return "schema_migrations"
}

// MigrationRepository は適用済みマイグレーションの履歴を管理する。
type MigrationRepository struct {
	db *gorm.DB
}

// NewMigrationRepository は新しいMigrationRepositoryを生成する。
func NewMigrationRepository(db *gorm.DB) *MigrationRepository {
	return &MigrationRepository{db: db}
}

// EnsureTable は履歴テーブルが無ければ作成する。
func (r *MigrationRepository) EnsureTable(ctx context.Context) error {
	if err := r.db.WithContext(ctx).AutoMigrate(&SchemaMigrationModel{}); err != nil {
		slog.ErrorContext(ctx, "failed to ensure schema_migrations table",
			"operation", "ensure_table",
			"error", err,
		)
		return err
	}
	return nil
}

// FindAllApplied は適用済みマイグレーションをバージョン順に返す。
func (r *MigrationRepository) FindAllApplied(ctx context.Context) ([]*domain.Migration, error) {
	var models []SchemaMigrationModel
	if err := r.db.WithContext(ctx).Order("version ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find applied migrations",
			"operation", "find_all_applied",
			"error", err,
		)
		return nil, err
	}

	migrations := make([]*domain.Migration, len(models))
	for i := range models {
		appliedAt := models[i].AppliedAt
		migrations[i] = &domain.Migration{
			Version:   models[i].Version,
			Name:      models[i].Name,
			Checksum:  models[i].Checksum,
			AppliedAt: &appliedAt,
			Status:    domain.MigrationStatusApplied,
		}
	}
	return migrations, nil
}

// Apply は statements を1トランザクションで実行し、同じトランザクションで履歴を記録する。
func (r *MigrationRepository) Apply(ctx context.Context, m *domain.Migration, statements []string, at time.Time) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, stmt := range statements {
			if err := tx.Exec(stmt).Error; err != nil {
				return err
			}
		}
		return tx.Create(&SchemaMigrationModel{
			Version:   m.Version,
			Name:      m.Name,
			Checksum:  m.Checksum,
			AppliedAt: at,
		}).Error
	})
	if err != nil {
		slog.ErrorContext(ctx, "failed to apply migration",
			"operation", "apply",
			"version", m.Version,
			"error", err,
		)
		return err
	}
	return nil
}
