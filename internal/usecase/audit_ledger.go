package usecase

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"keysync-service/internal/domain"
	"keysync-service/internal/infra"
	"keysync-service/pkg/codec"
)

// genesisHash は最初のレコードの PreviousHash。
var genesisHash = make([]byte, domain.HashSize)

// AuditEntry は監査ログに記録する1件の内容。Payload は決定的CBORでエンコードされる。
type AuditEntry struct {
	Action        domain.AuditAction
	Actor         string
	Subject       string
	ResourceClass domain.ResourceClass
	Payload       any
}

// AuditFilter は監査レコード検索の条件。
type AuditFilter struct {
	Action        domain.AuditAction
	ResourceClass domain.ResourceClass
	Subject       string
	Limit         int
}

// chainedFields はハッシュ計算の対象。PreviousHash はCBORの外側で連結する。
type chainedFields struct {
	Sequence      uint64             `cbor:"1,keyasint"`
	Action        domain.AuditAction `cbor:"2,keyasint"`
	Actor         string             `cbor:"3,keyasint"`
	Subject       string             `cbor:"4,keyasint"`
	ResourceClass string             `cbor:"5,keyasint"`
	Timestamp     time.Time          `cbor:"6,keyasint"`
	PayloadHash   []byte             `cbor:"7,keyasint"`
}

// AuditLedger は追記専用のハッシュチェーン監査ログ。
// チェーン破損を検出すると、Resume で全体検証が通るまで書き込みを停止する。
type AuditLedger struct {
	repo  AuditRepository
	clock infra.Clock

	mu     sync.Mutex
	halted error
}

// NewAuditLedger は新しいAuditLedgerを生成する。
func NewAuditLedger(repo AuditRepository, clock infra.Clock) *AuditLedger {
	return &AuditLedger{repo: repo, clock: clock}
}

// ComputeHash は H(previousHash || serialize(record)) を計算する。
func ComputeHash(rec *domain.AuditRecord) ([]byte, error) {
	body, err := codec.Marshal(chainedFields{
		Sequence:      rec.Sequence,
		Action:        rec.Action,
		Actor:         rec.Actor,
		Subject:       rec.Subject,
		ResourceClass: string(rec.ResourceClass),
		Timestamp:     rec.Timestamp.UTC(),
		PayloadHash:   rec.PayloadHash,
	})
	if err != nil {
		return nil, fmt.Errorf("encoding audit record: %w", err)
	}

	h := blake3.New()
	h.Write(rec.PreviousHash)
	h.Write(body)
	return h.Sum(nil), nil
}

func payloadHash(payload []byte) []byte {
	sum := blake3.Sum256(payload)
	return sum[:]
}

// Err は書き込み停止中であれば停止理由を返す。
func (l *AuditLedger) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.halted
}

// Record は現在の末尾に連結したレコードを組み立てて追記する。
func (l *AuditLedger) Record(ctx context.Context, entry AuditEntry) (*domain.AuditRecord, error) {
	var payload []byte
	if entry.Payload != nil {
		var err error
		payload, err = codec.Marshal(entry.Payload)
		if err != nil {
			return nil, fmt.Errorf("encoding audit payload: %w", err)
		}
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted != nil {
		return nil, l.halted
	}
	head, err := l.repo.Head(ctx)
	if err != nil {
		return nil, fmt.Errorf("reading audit head: %w", err)
	}

	rec := &domain.AuditRecord{
		Sequence:      1,
		PreviousHash:  genesisHash,
		Action:        entry.Action,
		Actor:         entry.Actor,
		Subject:       entry.Subject,
		ResourceClass: entry.ResourceClass,
		Timestamp:     l.clock.Now().UTC().Truncate(time.Microsecond),
		Payload:       payload,
	}
	if head != nil {
		rec.Sequence = head.Sequence + 1
		rec.PreviousHash = head.Hash
	}
	if err := l.appendLocked(ctx, rec, head); err != nil {
		return nil, err
	}
	return rec, nil
}

// Append は呼び出し側が PreviousHash を設定したレコードを追記する。
// PreviousHash が末尾のハッシュと一致しなければ ErrChainBroken を返し、以後の書き込みを停止する。
func (l *AuditLedger) Append(ctx context.Context, rec *domain.AuditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.halted != nil {
		return l.halted
	}
	head, err := l.repo.Head(ctx)
	if err != nil {
		return fmt.Errorf("reading audit head: %w", err)
	}
	rec.Sequence = 1
	if head != nil {
		rec.Sequence = head.Sequence + 1
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = l.clock.Now()
	}
	rec.Timestamp = rec.Timestamp.UTC().Truncate(time.Microsecond)
	return l.appendLocked(ctx, rec, head)
}

func (l *AuditLedger) appendLocked(ctx context.Context, rec *domain.AuditRecord, head *domain.AuditRecord) error {
	expected := genesisHash
	if head != nil {
		expected = head.Hash
	}
	if !bytes.Equal(rec.PreviousHash, expected) {
		return l.haltLocked(ctx, fmt.Errorf("%w: previous hash mismatch at sequence %d", domain.ErrChainBroken, rec.Sequence))
	}

	rec.PayloadHash = payloadHash(rec.Payload)
	hash, err := ComputeHash(rec)
	if err != nil {
		return err
	}
	rec.Hash = hash

	if err := l.repo.Append(ctx, rec); err != nil {
		if errors.Is(err, domain.ErrChainBroken) {
			return l.haltLocked(ctx, fmt.Errorf("%w: sequence %d already taken", domain.ErrChainBroken, rec.Sequence))
		}
		return fmt.Errorf("appending audit record: %w", err)
	}

	slog.DebugContext(ctx, "audit record appended",
		"sequence", rec.Sequence,
		"action", rec.Action,
		"class", rec.ResourceClass,
	)
	return nil
}

func (l *AuditLedger) haltLocked(ctx context.Context, err error) error {
	l.halted = err
	slog.ErrorContext(ctx, "audit ledger halted",
		"operation", "append",
		"error", err,
	)
	return err
}

// Verify は fromSeq から toSeq までのハッシュチェーンを再計算して検証する。toSeq が0なら末尾まで。
func (l *AuditLedger) Verify(ctx context.Context, fromSeq, toSeq uint64) (bool, error) {
	broken, err := l.FirstBroken(ctx, fromSeq, toSeq)
	if err != nil {
		return false, err
	}
	return broken == 0, nil
}

// FirstBroken は範囲内で最初に検証に失敗したシーケンスを返す。問題がなければ0を返す。
func (l *AuditLedger) FirstBroken(ctx context.Context, fromSeq, toSeq uint64) (uint64, error) {
	if fromSeq == 0 {
		fromSeq = 1
	}
	if toSeq != 0 && toSeq < fromSeq {
		return 0, fmt.Errorf("%w: range %d..%d", domain.ErrInvalidVersion, fromSeq, toSeq)
	}

	prevHash := genesisHash
	if fromSeq > 1 {
		prev, err := l.repo.FindBySequence(ctx, fromSeq-1)
		if err != nil {
			return 0, err
		}
		if prev == nil {
			return fromSeq - 1, nil
		}
		prevHash = prev.Hash
	}

	records, err := l.repo.FindRange(ctx, fromSeq, toSeq)
	if err != nil {
		return 0, err
	}

	expectedSeq := fromSeq
	for _, rec := range records {
		if rec.Sequence != expectedSeq {
			return expectedSeq, nil
		}
		if !bytes.Equal(rec.PreviousHash, prevHash) {
			return rec.Sequence, nil
		}
		if !bytes.Equal(rec.PayloadHash, payloadHash(rec.Payload)) {
			return rec.Sequence, nil
		}
		hash, err := ComputeHash(rec)
		if err != nil || !bytes.Equal(rec.Hash, hash) {
			return rec.Sequence, nil
		}
		prevHash = rec.Hash
		expectedSeq++
	}
	if toSeq != 0 && expectedSeq <= toSeq {
		return expectedSeq, nil
	}
	return 0, nil
}

// Resume はチェーン全体を検証し、問題がなければ書き込み停止を解除する。
func (l *AuditLedger) Resume(ctx context.Context) error {
	broken, err := l.FirstBroken(ctx, 1, 0)
	if err != nil {
		return err
	}
	if broken != 0 {
		return fmt.Errorf("%w: first broken record at sequence %d", domain.ErrChainBroken, broken)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.halted != nil {
		slog.InfoContext(ctx, "audit ledger resumed")
	}
	l.halted = nil
	return nil
}

// List は条件に一致するレコードを新しい順に返す。
func (l *AuditLedger) List(ctx context.Context, f AuditFilter) ([]*domain.AuditRecord, error) {
	return l.repo.FindByFilter(ctx, f.Action, f.ResourceClass, f.Subject, f.Limit)
}

// Head は最新のレコードを返す。
func (l *AuditLedger) Head(ctx context.Context) (*domain.AuditRecord, error) {
	return l.repo.Head(ctx)
}
