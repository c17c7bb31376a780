package usecase

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"keysync-service/internal/domain"
)

// Rotator はローテーションを同期的に実行する。
type Rotator interface {
	Rotate(ctx context.Context, req domain.RotationRequest) (*domain.Rotation, error)
}

// SchedulerConfig はローテーションスケジューラの設定。
type SchedulerConfig struct {
	// RetryDelay はリース競合時に再実行するまでの待ち時間。
	RetryDelay time.Duration
	// PolicyInterval は定期ローテーションの間隔。0なら無効。
	PolicyInterval time.Duration
	Classes        []domain.ResourceClass
	Actor          string
}

var triggerRank = map[domain.RotationTrigger]int{
	domain.RotationTriggerPolicy:           0,
	domain.RotationTriggerReconciliation:   1,
	domain.RotationTriggerAdminRequest:     1,
	domain.RotationTriggerRoleUnbound:      2,
	domain.RotationTriggerRoleDowngraded:   3,
	domain.RotationTriggerPrincipalRemoved: 4,
}

// RotationScheduler はアクセス変更によるローテーション要求をクラスごとに集約し、
// バックグラウンドで順に実行する。同じクラスで同時に走るのは高々1つ。
type RotationScheduler struct {
	cfg    SchedulerConfig
	signal chan struct{}

	mu      sync.Mutex
	pending map[domain.ResourceClass]*domain.RotationRequest
	running map[domain.ResourceClass]bool
}

// NewRotationScheduler は新しいRotationSchedulerを生成する。
func NewRotationScheduler(cfg SchedulerConfig) *RotationScheduler {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.Actor == "" {
		cfg.Actor = "system"
	}
	return &RotationScheduler{
		cfg:     cfg,
		signal:  make(chan struct{}, 1),
		pending: make(map[domain.ResourceClass]*domain.RotationRequest),
		running: make(map[domain.ResourceClass]bool),
	}
}

// Enqueue はローテーション要求を登録する。同じクラスの未実行の要求があれば1つにまとめる。
func (s *RotationScheduler) Enqueue(ctx context.Context, req domain.RotationRequest) error {
	if err := req.ResourceClass.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.mergeLocked(req)
	s.mu.Unlock()

	slog.DebugContext(ctx, "rotation enqueued",
		"class", req.ResourceClass,
		"trigger", req.Trigger,
	)
	s.notify()
	return nil
}

// Pending は未実行の要求のコピーを返す。
func (s *RotationScheduler) Pending(class domain.ResourceClass) (domain.RotationRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	req, ok := s.pending[class]
	if !ok {
		return domain.RotationRequest{}, false
	}
	out := *req
	out.RemovedPrincipals = slices.Clone(req.RemovedPrincipals)
	return out, true
}

func (s *RotationScheduler) mergeLocked(req domain.RotationRequest) {
	existing, ok := s.pending[req.ResourceClass]
	if !ok {
		merged := req
		merged.RemovedPrincipals = slices.Clone(req.RemovedPrincipals)
		s.pending[req.ResourceClass] = &merged
		return
	}
	if triggerRank[req.Trigger] > triggerRank[existing.Trigger] {
		existing.Trigger = req.Trigger
		existing.Actor = req.Actor
	}
	for _, p := range req.RemovedPrincipals {
		if !slices.Contains(existing.RemovedPrincipals, p) {
			existing.RemovedPrincipals = append(existing.RemovedPrincipals, p)
		}
	}
	slices.Sort(existing.RemovedPrincipals)
}

func (s *RotationScheduler) notify() {
	select {
	case s.signal <- struct{}{}:
	default:
	}
}

// Run は ctx が取り消されるまで要求を処理する。実行中のローテーションの終了を待って戻る。
func (s *RotationScheduler) Run(ctx context.Context, rotator Rotator) {
	var wg sync.WaitGroup
	defer wg.Wait()

	var policy <-chan time.Time
	if s.cfg.PolicyInterval > 0 {
		ticker := time.NewTicker(s.cfg.PolicyInterval)
		defer ticker.Stop()
		policy = ticker.C
	}

	slog.InfoContext(ctx, "rotation scheduler started",
		"policy_interval", s.cfg.PolicyInterval,
	)

	for {
		s.dispatch(ctx, rotator, &wg)

		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "rotation scheduler stopped")
			return
		case <-s.signal:
		case <-policy:
			s.mu.Lock()
			for _, class := range s.cfg.Classes {
				s.mergeLocked(domain.RotationRequest{
					ResourceClass: class,
					Trigger:       domain.RotationTriggerPolicy,
					Actor:         s.cfg.Actor,
				})
			}
			s.mu.Unlock()
		}
	}
}

// dispatch は実行中でないクラスの要求を取り出して実行する。
func (s *RotationScheduler) dispatch(ctx context.Context, rotator Rotator, wg *sync.WaitGroup) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for class, req := range s.pending {
		if s.running[class] {
			continue
		}
		delete(s.pending, class)
		s.running[class] = true

		wg.Add(1)
		go func(req domain.RotationRequest) {
			defer wg.Done()
			s.execute(ctx, rotator, req)
		}(*req)
	}
}

func (s *RotationScheduler) execute(ctx context.Context, rotator Rotator, req domain.RotationRequest) {
	_, err := rotator.Rotate(ctx, req)

	s.mu.Lock()
	delete(s.running, req.ResourceClass)
	s.mu.Unlock()

	switch {
	case err == nil:
	case errors.Is(err, domain.ErrRotationInProgress):
		slog.InfoContext(ctx, "rotation deferred; retrying",
			"class", req.ResourceClass,
			"trigger", req.Trigger,
			"retry_delay", s.cfg.RetryDelay,
		)
		select {
		case <-ctx.Done():
			return
		case <-time.After(s.cfg.RetryDelay):
		}
		s.mu.Lock()
		s.mergeLocked(req)
		s.mu.Unlock()
	case errors.Is(err, domain.ErrNoKey):
		slog.DebugContext(ctx, "skipping rotation of uninitialized class",
			"class", req.ResourceClass,
		)
	default:
		slog.ErrorContext(ctx, "scheduled rotation failed",
			"operation", "rotate",
			"class", req.ResourceClass,
			"trigger", req.Trigger,
			"error", err,
		)
	}
	s.notify()
}
