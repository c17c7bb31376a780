package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"keysync-service/internal/domain"
	"keysync-service/internal/infra"
)

// Reencryptor は旧バージョンで暗号化されたデータを新バージョンで暗号化し直すアプリケーション側のフック。
type Reencryptor interface {
	Reencrypt(ctx context.Context, class domain.ResourceClass, fromVersion, toVersion uint64) error
}

// NopReencryptor は何もしない Reencryptor。リレーのみを運用する場合に使う。
type NopReencryptor struct{}

// Reencrypt は何もしない。
func (NopReencryptor) Reencrypt(context.Context, domain.ResourceClass, uint64, uint64) error {
	return nil
}

// GraceSweeper は猶予期間を過ぎた旧バージョンを再暗号化の後に廃止する。
type GraceSweeper struct {
	store       *KeyStore
	reencryptor Reencryptor
	ledger      *AuditLedger
	clock       infra.Clock
	window      time.Duration
}

// NewGraceSweeper は新しいGraceSweeperを生成する。
func NewGraceSweeper(store *KeyStore, reencryptor Reencryptor, ledger *AuditLedger, clock infra.Clock, window time.Duration) *GraceSweeper {
	if reencryptor == nil {
		reencryptor = NopReencryptor{}
	}
	return &GraceSweeper{
		store:       store,
		reencryptor: reencryptor,
		ledger:      ledger,
		clock:       clock,
		window:      window,
	}
}

// Sweep は猶予期間を過ぎた旧バージョンをすべて廃止し、廃止した数を返す。
// 再暗号化に失敗したバージョンは廃止せず、次回に再試行する。
func (s *GraceSweeper) Sweep(ctx context.Context) (int, error) {
	if err := s.ledger.Err(); err != nil {
		return 0, err
	}

	historical, err := s.store.versions.FindByStatus(ctx, domain.KeyVersionStatusHistorical)
	if err != nil {
		return 0, fmt.Errorf("finding historical versions: %w", err)
	}

	now := s.clock.Now()
	retired := 0
	for _, v := range historical {
		if v.SupersededAt == nil || v.SupersededAt.Add(s.window).After(now) {
			continue
		}

		current, err := s.store.versions.FindCurrent(ctx, v.ResourceClass)
		if err != nil {
			return retired, fmt.Errorf("finding current version: %w", err)
		}
		if current == nil {
			return retired, fmt.Errorf("%w: %s has historical version %d but no current", domain.ErrInvariantViolation, v.ResourceClass, v.Version)
		}

		if err := s.reencryptor.Reencrypt(ctx, v.ResourceClass, v.Version, current.Version); err != nil {
			slog.WarnContext(ctx, "re-encryption failed; version kept",
				"class", v.ResourceClass,
				"version", v.Version,
				"error", err,
			)
			continue
		}

		revoked, err := s.store.retireVersion(ctx, v.ResourceClass, v.Version)
		if err != nil {
			return retired, err
		}
		if _, err := s.ledger.Record(ctx, AuditEntry{
			Action:        domain.AuditActionVersionRetired,
			Actor:         "system",
			ResourceClass: v.ResourceClass,
			Payload: domain.VersionRetirement{
				Version:       v.Version,
				RevokedGrants: revoked,
				ReencryptedTo: current.Version,
			},
		}); err != nil {
			return retired, fmt.Errorf("recording retirement: %w", err)
		}

		slog.InfoContext(ctx, "historical version retired",
			"class", v.ResourceClass,
			"version", v.Version,
			"revoked_grants", len(revoked),
		)
		retired++
	}
	return retired, nil
}

// Run は interval ごとに Sweep を実行する。ctx が取り消されると戻る。
func (s *GraceSweeper) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				slog.ErrorContext(ctx, "grace sweep failed",
					"operation", "sweep",
					"error", err,
				)
			}
		}
	}
}
