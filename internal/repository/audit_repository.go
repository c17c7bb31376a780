package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"keysync-service/internal/domain"
)

// AuditRecordModel はgorm用のモデル定義。行の更新・削除は行わない。
type AuditRecordModel struct {
	Sequence      uint64    `gorm:"primaryKey;autoIncrement:false"`
	PreviousHash  []byte    `gorm:"not null"`
	Action        string    `gorm:"size:32;not null;index"`
	Actor         string    `gorm:"size:128;not null"`
	Subject       string    `gorm:"size:128;index"`
	ResourceClass string    `gorm:"size:64;index"`
	Timestamp     time.Time `gorm:"not null"`
	Payload       []byte
	PayloadHash   []byte `gorm:"not null"`
	Hash          []byte `gorm:"not null"`
}

// TableName はテーブル名を返す。
func (AuditRecordModel) TableName() string {
	return "audit_records"
}

func (m *AuditRecordModel) toDomain() *domain.AuditRecord {
	return &domain.AuditRecord{
		Sequence:      m.Sequence,
		PreviousHash:  m.PreviousHash,
		Action:        domain.AuditAction(m.Action),
		Actor:         m.Actor,
		Subject:       m.Subject,
		ResourceClass: domain.ResourceClass(m.ResourceClass),
		Timestamp:     m.Timestamp,
		Payload:       m.Payload,
		PayloadHash:   m.PayloadHash,
		Hash:          m.Hash,
	}
}

// AuditRepository は監査レコードのデータアクセスを提供する。
type AuditRepository struct {
	db *gorm.DB
}

// NewAuditRepository は新しいAuditRepositoryを生成する。
func NewAuditRepository(db *gorm.DB) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append はレコードを追記する。同じシーケンスが既に存在する場合は ErrChainBroken を返す。
func (r *AuditRepository) Append(ctx context.Context, rec *domain.AuditRecord) error {
	model := &AuditRecordModel{
		Sequence:      rec.Sequence,
		PreviousHash:  rec.PreviousHash,
		Action:        string(rec.Action),
		Actor:         rec.Actor,
		Subject:       rec.Subject,
		ResourceClass: string(rec.ResourceClass),
		Timestamp:     rec.Timestamp,
		Payload:       rec.Payload,
		PayloadHash:   rec.PayloadHash,
		Hash:          rec.Hash,
	}
	if err := r.db.WithContext(ctx).Create(model).Error; err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrChainBroken
		}
		slog.ErrorContext(ctx, "failed to append audit record",
			"operation", "append",
			"sequence", rec.Sequence,
			"error", err,
		)
		return err
	}
	return nil
}

// Head は最新のレコードを返す。レコードが無ければ nil を返す。
func (r *AuditRepository) Head(ctx context.Context) (*domain.AuditRecord, error) {
	var model AuditRecordModel
	if err := r.db.WithContext(ctx).Order("sequence DESC").First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find audit head",
			"operation", "head",
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindBySequence は指定シーケンスのレコードを返す。存在しなければ nil を返す。
func (r *AuditRepository) FindBySequence(ctx context.Context, seq uint64) (*domain.AuditRecord, error) {
	var model AuditRecordModel
	if err := r.db.WithContext(ctx).Where("sequence = ?", seq).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find audit record",
			"operation", "find_by_sequence",
			"sequence", seq,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindRange は from 以上 to 以下のレコードをシーケンス順に返す。to が0なら末尾まで。
func (r *AuditRepository) FindRange(ctx context.Context, from, to uint64) ([]*domain.AuditRecord, error) {
	var models []AuditRecordModel
	q := r.db.WithContext(ctx).Where("sequence >= ?", from)
	if to > 0 {
		q = q.Where("sequence <= ?", to)
	}
	if err := q.Order("sequence ASC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find audit range",
			"operation", "find_range",
			"from", from,
			"to", to,
			"error", err,
		)
		return nil, err
	}

	records := make([]*domain.AuditRecord, len(models))
	for i := range models {
		records[i] = models[i].toDomain()
	}
	return records, nil
}

// FindByFilter は操作種別・クラス・対象で絞り込んだレコードを新しい順に返す。
func (r *AuditRepository) FindByFilter(ctx context.Context, action domain.AuditAction, class domain.ResourceClass, subject string, limit int) ([]*domain.AuditRecord, error) {
	var models []AuditRecordModel
	q := r.db.WithContext(ctx)
	if action != "" {
		q = q.Where("action = ?", string(action))
	}
	if class != "" {
		q = q.Where("resource_class = ?", string(class))
	}
	if subject != "" {
		q = q.Where("subject = ?", subject)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Order("sequence DESC").Find(&models).Error; err != nil {
		slog.ErrorContext(ctx, "failed to find audit records",
			"operation", "find_by_filter",
			"error", err,
		)
		return nil, err
	}

	records := make([]*domain.AuditRecord, len(models))
	for i := range models {
		records[i] = models[i].toDomain()
	}
	return records, nil
}
