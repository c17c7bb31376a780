package repository

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm"

	"keysync-service/internal/domain"
)

// EnvelopeModel はgorm用のモデル定義。
// (origin_device_id, device_seq) はストリームをまたいで一意で、(resource_class, sequence) はストリーム内の順序を表す。
type EnvelopeModel struct {
	EnvelopeID     string    `gorm:"size:200;primaryKey"`
	OriginDeviceID string    `gorm:"size:128;not null;uniqueIndex:idx_origin_seq"`
	DeviceSeq      uint64    `gorm:"not null;uniqueIndex:idx_origin_seq"`
	ResourceClass  string    `gorm:"size:64;not null;uniqueIndex:idx_stream_seq"`
	Sequence       uint64    `gorm:"not null;uniqueIndex:idx_stream_seq"`
	KeyVersion     uint64    `gorm:"not null"`
	Ciphertext     []byte    `gorm:"not null"`
	Tag            []byte    `gorm:"not null"`
	Predecessors   []string  `gorm:"serializer:json"`
	SubmittedBy    string    `gorm:"size:128;not null"`
	AcceptedAt     time.Time `gorm:"not null"`
}

// TableName はテーブル名を返す。
func (EnvelopeModel) TableName() string {
	return "sync_envelopes"
}

func (m *EnvelopeModel) toDomain() *domain.SyncEnvelope {
	return &domain.SyncEnvelope{
		OriginDeviceID: m.OriginDeviceID,
		ResourceClass:  domain.ResourceClass(m.ResourceClass),
		KeyVersion:     m.KeyVersion,
		DeviceSeq:      m.DeviceSeq,
		Ciphertext:     m.Ciphertext,
		Tag:            m.Tag,
		Predecessors:   m.Predecessors,
		Sequence:       m.Sequence,
		SubmittedBy:    m.SubmittedBy,
		AcceptedAt:     m.AcceptedAt,
	}
}

// EnvelopeRepository はエンベロープのデータアクセスを提供する。
type EnvelopeRepository struct {
	db *gorm.DB
}

// NewEnvelopeRepository は新しいEnvelopeRepositoryを生成する。
func NewEnvelopeRepository(db *gorm.DB) *EnvelopeRepository {
	return &EnvelopeRepository{db: db}
}

// Append はストリームの末尾にエンベロープを追加し、割り当てたシーケンスを env.Sequence に設定する。
// (origin, deviceSeq) が既に存在すれば ErrDuplicate を返す。
func (r *EnvelopeRepository) Append(ctx context.Context, env *domain.SyncEnvelope) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var head *uint64
		if err := tx.Model(&EnvelopeModel{}).
			Where("resource_class = ?", string(env.ResourceClass)).
			Select("MAX(sequence)").
			Scan(&head).Error; err != nil {
			return err
		}
		next := uint64(1)
		if head != nil {
			next = *head + 1
		}

		model := &EnvelopeModel{
			EnvelopeID:     env.ID(),
			OriginDeviceID: env.OriginDeviceID,
			DeviceSeq:      env.DeviceSeq,
			ResourceClass:  string(env.ResourceClass),
			Sequence:       next,
			KeyVersion:     env.KeyVersion,
			Ciphertext:     env.Ciphertext,
			Tag:            env.Tag,
			Predecessors:   env.Predecessors,
			SubmittedBy:    env.SubmittedBy,
			AcceptedAt:     env.AcceptedAt,
		}
		if err := tx.Create(model).Error; err != nil {
			return err
		}
		env.Sequence = next
		return nil
	})
	if err != nil {
		if errors.Is(err, gorm.ErrDuplicatedKey) {
			return domain.ErrDuplicate
		}
		slog.ErrorContext(ctx, "failed to append envelope",
			"operation", "append",
			"envelope_id", env.ID(),
			"class", env.ResourceClass,
			"error", err,
		)
		return err
	}
	return nil
}

// FindByID はエンベロープIDで取得する。存在しなければ nil を返す。
func (r *EnvelopeRepository) FindByID(ctx context.Context, id string) (*domain.SyncEnvelope, error) {
	var model EnvelopeModel
	if err := r.db.WithContext(ctx).Where("envelope_id = ?", id).First(&model).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		slog.ErrorContext(ctx, "failed to find envelope",
			"operation", "find_by_id",
			"envelope_id", id,
			"error", err,
		)
		return nil, err
	}
	return model.toDomain(), nil
}

// FindExistingIDs は ids のうちストリーム class に存在するものを返す。
func (r *EnvelopeRepository) FindExistingIDs(ctx context.Context, class domain.ResourceClass, ids []string) (map[string]struct{}, error) {
	found := make(map[string]struct{}, len(ids))
	if len(ids) == 0 {
		return found, nil
	}
	var existing []string
	err := r.db.WithContext(ctx).
		Model(&EnvelopeModel{}).
		Where("resource_class = ? AND envelope_id IN ?", string(class), ids).
		Pluck("envelope_id", &existing).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find existing envelope ids",
			"operation", "find_existing_ids",
			"class", class,
			"error", err,
		)
		return nil, err
	}
	for _, id := range existing {
		found[id] = struct{}{}
	}
	return found, nil
}

// Head はストリームの最新シーケンスを返す。空なら0。
func (r *EnvelopeRepository) Head(ctx context.Context, class domain.ResourceClass) (uint64, error) {
	var head *uint64
	err := r.db.WithContext(ctx).
		Model(&EnvelopeModel{}).
		Where("resource_class = ?", string(class)).
		Select("MAX(sequence)").
		Scan(&head).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to get stream head",
			"operation", "head",
			"class", class,
			"error", err,
		)
		return 0, err
	}
	if head == nil {
		return 0, nil
	}
	return *head, nil
}

// FindRange は since より大きく upTo 以下のエンベロープをシーケンス順に最大 limit 件返す。
func (r *EnvelopeRepository) FindRange(ctx context.Context, class domain.ResourceClass, since, upTo uint64, limit int) ([]*domain.SyncEnvelope, error) {
	var models []EnvelopeModel
	err := r.db.WithContext(ctx).
		Where("resource_class = ? AND sequence > ? AND sequence <= ?", string(class), since, upTo).
		Order("sequence ASC").
		Limit(limit).
		Find(&models).Error
	if err != nil {
		slog.ErrorContext(ctx, "failed to find envelope range",
			"operation", "find_range",
			"class", class,
			"since", since,
			"error", err,
		)
		return nil, err
	}

	envelopes := make([]*domain.SyncEnvelope, len(models))
	for i := range models {
		envelopes[i] = models[i].toDomain()
	}
	return envelopes, nil
}
