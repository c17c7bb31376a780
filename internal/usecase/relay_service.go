package usecase

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"sync"

	"keysync-service/internal/domain"
	"keysync-service/internal/infra"
)

// Authorizer はロールに基づく操作の可否を返す。
type Authorizer interface {
	IsAuthorized(principalID string, class domain.ResourceClass, op domain.Operation) bool
}

const maxAppendAttempts = 3

// RelayService は暗号化差分を中身を見ずに保存・順序付けする。
// 順序はリソースクラスごとのストリーム単位で、最初に受理されたものがその位置を得る。
type RelayService struct {
	envelopes EnvelopeRepository
	store     *KeyStore
	authz     Authorizer
	clock     infra.Clock
	pullLimit int

	mu      sync.Mutex
	streams map[domain.ResourceClass]*sync.Mutex
}

// NewRelayService は新しいRelayServiceを生成する。pullLimit は1回の Pull で返す上限。
func NewRelayService(envelopes EnvelopeRepository, store *KeyStore, authz Authorizer, clock infra.Clock, pullLimit int) *RelayService {
	if pullLimit <= 0 {
		pullLimit = 500
	}
	return &RelayService{
		envelopes: envelopes,
		store:     store,
		authz:     authz,
		clock:     clock,
		pullLimit: pullLimit,
		streams:   make(map[domain.ResourceClass]*sync.Mutex),
	}
}

func (s *RelayService) streamLock(class domain.ResourceClass) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.streams[class]
	if !ok {
		m = &sync.Mutex{}
		s.streams[class] = m
	}
	return m
}

// Push はエンベロープをストリームの末尾に受理し、割り当てたシーケンスを返す。
// 受理済みの (originDeviceId, deviceSeq) であれば元のシーケンスと ErrDuplicate を返す。
func (s *RelayService) Push(ctx context.Context, principalID string, env *domain.SyncEnvelope) (uint64, error) {
	if err := env.Validate(); err != nil {
		return 0, err
	}
	if err := s.store.checkClass(env.ResourceClass); err != nil {
		return 0, err
	}
	if !s.authz.IsAuthorized(principalID, env.ResourceClass, domain.OperationWrite) {
		return 0, fmt.Errorf("%w: %s cannot write %s", domain.ErrAccessDenied, principalID, env.ResourceClass)
	}

	if seq, err := s.duplicateOf(ctx, env); seq != 0 || err != nil {
		return seq, err
	}

	active, err := s.store.ActiveVersion(ctx, env.ResourceClass, env.KeyVersion)
	if err != nil {
		return 0, err
	}
	if !active {
		return 0, fmt.Errorf("%w: %s/%d is not current", domain.ErrStaleKeyVersion, env.ResourceClass, env.KeyVersion)
	}
	if _, err := s.store.liveGrant(ctx, principalID, env.ResourceClass, env.KeyVersion); err != nil {
		if errors.Is(err, domain.ErrAccessDenied) {
			return 0, fmt.Errorf("%w: %s has no live grant for %s/%d", domain.ErrStaleKeyVersion, principalID, env.ResourceClass, env.KeyVersion)
		}
		return 0, err
	}

	lock := s.streamLock(env.ResourceClass)
	lock.Lock()
	defer lock.Unlock()

	if len(env.Predecessors) > 0 {
		found, err := s.envelopes.FindExistingIDs(ctx, env.ResourceClass, env.Predecessors)
		if err != nil {
			return 0, fmt.Errorf("checking predecessors: %w", err)
		}
		for _, p := range env.Predecessors {
			if _, ok := found[p]; !ok {
				return 0, fmt.Errorf("%w: predecessor %s", domain.ErrNotFound, p)
			}
		}
	}

	accepted := *env
	accepted.SubmittedBy = principalID
	accepted.AcceptedAt = s.clock.Now()

	for attempt := 1; ; attempt++ {
		err := s.envelopes.Append(ctx, &accepted)
		if err == nil {
			break
		}
		if !errors.Is(err, domain.ErrDuplicate) {
			return 0, fmt.Errorf("appending envelope: %w", err)
		}
		// 同じIDが先に受理されたか、別プロセスと同じシーケンスを取り合った
		if seq, derr := s.duplicateOf(ctx, env); seq != 0 || derr != nil {
			return seq, derr
		}
		if attempt >= maxAppendAttempts {
			return 0, fmt.Errorf("appending envelope: %w", err)
		}
	}

	env.Sequence = accepted.Sequence
	env.SubmittedBy = accepted.SubmittedBy
	env.AcceptedAt = accepted.AcceptedAt

	slog.DebugContext(ctx, "envelope accepted",
		"envelope_id", env.ID(),
		"class", env.ResourceClass,
		"sequence", env.Sequence,
		"key_version", env.KeyVersion,
	)
	return env.Sequence, nil
}

// duplicateOf は受理済みの同じエンベロープがあればそのシーケンスと ErrDuplicate を返す。
func (s *RelayService) duplicateOf(ctx context.Context, env *domain.SyncEnvelope) (uint64, error) {
	existing, err := s.envelopes.FindByID(ctx, env.ID())
	if err != nil {
		return 0, fmt.Errorf("finding envelope: %w", err)
	}
	if existing == nil {
		return 0, nil
	}
	if existing.ResourceClass != env.ResourceClass {
		return 0, fmt.Errorf("%w: %s already accepted in another stream", domain.ErrInvalidEnvelope, env.ID())
	}
	return existing.Sequence, domain.ErrDuplicate
}

// Pull は since より後のエンベロープをシーケンス順に返す。
// 返す範囲は呼び出し時点のストリーム末尾と limit で区切られる。
// 有効なグラントを持たないバージョンのエンベロープは、過去に配信済みであっても返さない。
func (s *RelayService) Pull(ctx context.Context, principalID string, class domain.ResourceClass, since uint64, limit int) (iter.Seq2[*domain.SyncEnvelope, error], error) {
	if err := s.store.checkClass(class); err != nil {
		return nil, err
	}
	if !s.authz.IsAuthorized(principalID, class, domain.OperationRead) {
		return nil, fmt.Errorf("%w: %s cannot read %s", domain.ErrAccessDenied, principalID, class)
	}
	live, err := s.store.LiveVersions(ctx, principalID, class)
	if err != nil {
		return nil, err
	}
	if len(live) == 0 {
		return nil, fmt.Errorf("%w: %s holds no live grant in %s", domain.ErrAccessDenied, principalID, class)
	}

	head, err := s.envelopes.Head(ctx, class)
	if err != nil {
		return nil, fmt.Errorf("reading stream head: %w", err)
	}
	if limit <= 0 || limit > s.pullLimit {
		limit = s.pullLimit
	}
	pageSize := min(limit, 100)

	return func(yield func(*domain.SyncEnvelope, error) bool) {
		cursor := since
		delivered := 0
		for cursor < head && delivered < limit {
			if err := ctx.Err(); err != nil {
				yield(nil, err)
				return
			}
			page, err := s.envelopes.FindRange(ctx, class, cursor, head, pageSize)
			if err != nil {
				yield(nil, fmt.Errorf("reading stream: %w", err))
				return
			}
			if len(page) == 0 {
				return
			}

			// ページごとにグラントを読み直し、途中で失効したバージョンも返さない
			live, err := s.store.LiveVersions(ctx, principalID, class)
			if err != nil {
				yield(nil, err)
				return
			}
			for _, env := range page {
				cursor = env.Sequence
				if _, ok := live[env.KeyVersion]; !ok {
					continue
				}
				if !yield(env, nil) {
					return
				}
				delivered++
				if delivered >= limit {
					return
				}
			}
		}
	}, nil
}

// StreamHead はストリームの最新シーケンスを返す。
func (s *RelayService) StreamHead(ctx context.Context, principalID string, class domain.ResourceClass) (uint64, error) {
	if err := s.store.checkClass(class); err != nil {
		return 0, err
	}
	if !s.authz.IsAuthorized(principalID, class, domain.OperationRead) {
		return 0, fmt.Errorf("%w: %s cannot read %s", domain.ErrAccessDenied, principalID, class)
	}
	return s.envelopes.Head(ctx, class)
}
