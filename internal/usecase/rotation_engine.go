package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"keysync-service/internal/domain"
	"keysync-service/internal/infra"
)

// EligibilitySource はクラスの鍵を受け取れるプリンシパル集合を返す。
type EligibilitySource interface {
	EligiblePrincipals(ctx context.Context, class domain.ResourceClass) ([]string, error)
}

// RotationConfig はローテーションエンジンの設定。
type RotationConfig struct {
	LeaseTTL         time.Duration
	GrantTimeout     time.Duration
	GrantMaxAttempts uint
	GrantParallelism int
	InitialBackoff   time.Duration
	MaxBackoff       time.Duration
}

func (c *RotationConfig) setDefaults() {
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 5 * time.Minute
	}
	if c.GrantTimeout <= 0 {
		c.GrantTimeout = 5 * time.Second
	}
	if c.GrantMaxAttempts == 0 {
		c.GrantMaxAttempts = 5
	}
	if c.GrantParallelism <= 0 {
		c.GrantParallelism = 8
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 100 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
}

type inflightRotation struct {
	id      string
	state   domain.RotationState
	cancel  context.CancelFunc
	aborted bool
}

// RotationEngine はクラスごとに高々1つのローテーション状態機械を実行する。
//
//	Pending -> KeyGenerated -> GrantsIssued -> OldGrantsRevoked -> Committed
//
// 新バージョンは Committed まで現行にならないので、途中の失敗は読み手から見えない。
type RotationEngine struct {
	store       *KeyStore
	grants      GrantRepository
	eligibility EligibilitySource
	leases      LeaseRepository
	rotations   RotationRepository
	ledger      *AuditLedger
	clock       infra.Clock
	cfg         RotationConfig
	tracer      trace.Tracer

	mu       sync.Mutex
	inflight map[domain.ResourceClass]*inflightRotation
}

// NewRotationEngine は新しいRotationEngineを生成する。
func NewRotationEngine(store *KeyStore, grants GrantRepository, eligibility EligibilitySource, leases LeaseRepository, rotations RotationRepository, ledger *AuditLedger, clock infra.Clock, cfg RotationConfig) *RotationEngine {
	cfg.setDefaults()
	return &RotationEngine{
		store:       store,
		grants:      grants,
		eligibility: eligibility,
		leases:      leases,
		rotations:   rotations,
		ledger:      ledger,
		clock:       clock,
		cfg:         cfg,
		tracer:      otel.Tracer("keysync-service/rotation"),
		inflight:    make(map[domain.ResourceClass]*inflightRotation),
	}
}

// InitClass はクラスの最初のバージョンを作成し、現在の対象プリンシパル全員に配布する。
func (e *RotationEngine) InitClass(ctx context.Context, class domain.ResourceClass, actor string) (*domain.Rotation, error) {
	return e.run(ctx, domain.RotationRequest{
		ResourceClass: class,
		Trigger:       domain.RotationTriggerInitialization,
		Actor:         actor,
	})
}

// Rotate はクラスの新しいバージョンを作成して現行にする。
// 同じクラスで実行中のローテーションがあれば ErrRotationInProgress を返す。
func (e *RotationEngine) Rotate(ctx context.Context, req domain.RotationRequest) (*domain.Rotation, error) {
	return e.run(ctx, req)
}

// Abort は OldGrantsRevoked より前のローテーションを中断する。
func (e *RotationEngine) Abort(ctx context.Context, class domain.ResourceClass, actor string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	r, ok := e.inflight[class]
	if !ok {
		return fmt.Errorf("%w: no rotation in progress for %s", domain.ErrNotFound, class)
	}
	if !r.state.Abortable() {
		return fmt.Errorf("%w: rotation %s is at %s", domain.ErrRotationNotAbortable, r.id, r.state)
	}
	r.aborted = true
	r.cancel()

	slog.InfoContext(ctx, "rotation abort requested",
		"rotation_id", r.id,
		"class", class,
		"actor", actor,
	)
	return nil
}

// InProgress は実行中のローテーションの状態を返す。
func (e *RotationEngine) InProgress(class domain.ResourceClass) (domain.RotationState, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.inflight[class]
	if !ok {
		return "", false
	}
	return r.state, true
}

// Get はローテーション履歴を1件返す。
func (e *RotationEngine) Get(ctx context.Context, id string) (*domain.Rotation, error) {
	rot, err := e.rotations.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if rot == nil {
		return nil, fmt.Errorf("%w: rotation %s", domain.ErrNotFound, id)
	}
	return rot, nil
}

// History は新しい順にローテーション履歴を返す。
func (e *RotationEngine) History(ctx context.Context, class domain.ResourceClass, limit int) ([]*domain.Rotation, error) {
	return e.rotations.FindRecent(ctx, class, limit)
}

// rotationRun は1回のローテーションの実行状態。
type rotationRun struct {
	rot      *domain.Rotation
	holder   string
	toRevoke []string
	span     trace.Span
}

func (e *RotationEngine) run(parent context.Context, req domain.RotationRequest) (*domain.Rotation, error) {
	if err := e.store.checkClass(req.ResourceClass); err != nil {
		return nil, err
	}
	if err := e.ledger.Err(); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	run := &rotationRun{
		rot: &domain.Rotation{
			ID:            uuid.NewString(),
			ResourceClass: req.ResourceClass,
			Trigger:       req.Trigger,
			Actor:         req.Actor,
			State:         domain.RotationStatePending,
			StartedAt:     e.clock.Now(),
		},
		holder: uuid.NewString(),
	}

	if err := e.begin(ctx, run, cancel); err != nil {
		return nil, err
	}
	defer e.end(parent, run)

	ctx, run.span = e.tracer.Start(ctx, "rotation",
		trace.WithAttributes(
			attribute.String("rotation.id", run.rot.ID),
			attribute.String("rotation.class", string(req.ResourceClass)),
			attribute.String("rotation.trigger", string(req.Trigger)),
		),
	)
	defer run.span.End()

	slog.InfoContext(ctx, "rotation started",
		"rotation_id", run.rot.ID,
		"class", req.ResourceClass,
		"trigger", req.Trigger,
		"actor", req.Actor,
	)

	if err := e.rotations.Save(ctx, run.rot); err != nil {
		return nil, e.fail(ctx, run, err)
	}

	if err := e.prepare(ctx, run, req); err != nil {
		return run.rot, e.fail(ctx, run, err)
	}
	if err := e.generateKey(ctx, run); err != nil {
		return run.rot, e.fail(ctx, run, err)
	}
	if err := e.issueGrants(ctx, run); err != nil {
		return run.rot, e.fail(ctx, run, err)
	}
	if err := e.advance(ctx, run, domain.RotationStateOldGrantsRevoked); err != nil {
		return run.rot, e.fail(ctx, run, err)
	}

	// ここから先は中断も呼び出し元の取り消しも受け付けない
	ctx = context.WithoutCancel(ctx)
	if err := e.revokeOldGrants(ctx, run); err != nil {
		return run.rot, e.fail(ctx, run, err)
	}
	if err := e.commit(ctx, run); err != nil {
		return run.rot, err
	}
	return run.rot, nil
}

// begin はリースを取得し、実行中のローテーションとして登録する。
func (e *RotationEngine) begin(ctx context.Context, run *rotationRun, cancel context.CancelFunc) error {
	class := run.rot.ResourceClass

	e.mu.Lock()
	if _, busy := e.inflight[class]; busy {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", domain.ErrRotationInProgress, class)
	}
	e.inflight[class] = &inflightRotation{id: run.rot.ID, state: domain.RotationStatePending, cancel: cancel}
	e.mu.Unlock()

	acquired, err := e.leases.Acquire(ctx, &domain.RotationLease{
		ResourceClass: class,
		Holder:        run.holder,
		ExpiresAt:     e.clock.Now().Add(e.cfg.LeaseTTL),
	}, e.clock.Now())
	if err == nil && !acquired {
		err = fmt.Errorf("%w: lease for %s is held", domain.ErrRotationInProgress, class)
	}
	if err != nil {
		e.mu.Lock()
		delete(e.inflight, class)
		e.mu.Unlock()
		return err
	}
	return nil
}

// end はリースを解放する。呼び出し元の context が取り消されていても解放する。
func (e *RotationEngine) end(parent context.Context, run *rotationRun) {
	ctx := context.WithoutCancel(parent)
	class := run.rot.ResourceClass

	if err := e.leases.Release(ctx, class, run.holder); err != nil {
		slog.WarnContext(ctx, "failed to release rotation lease; it will expire",
			"rotation_id", run.rot.ID,
			"class", class,
			"error", err,
		)
	}

	e.mu.Lock()
	delete(e.inflight, class)
	e.mu.Unlock()
}

// advance は次の状態に遷移し、リースを延長して履歴を保存する。
// OldGrantsRevoked への遷移は中断要求と排他的に行う。
func (e *RotationEngine) advance(ctx context.Context, run *rotationRun, next domain.RotationState) error {
	if !run.rot.State.CanTransitionTo(next) {
		return fmt.Errorf("%w: transition %s -> %s", domain.ErrInvariantViolation, run.rot.State, next)
	}

	e.mu.Lock()
	r := e.inflight[run.rot.ResourceClass]
	if r.aborted {
		e.mu.Unlock()
		return domain.ErrRotationAborted
	}
	r.state = next
	e.mu.Unlock()

	run.rot.State = next
	run.span.AddEvent(string(next))

	renewed, err := e.leases.Renew(ctx, run.rot.ResourceClass, run.holder, e.clock.Now().Add(e.cfg.LeaseTTL))
	if err != nil {
		return fmt.Errorf("renewing lease: %w", err)
	}
	if !renewed {
		return fmt.Errorf("%w: lease for %s was lost", domain.ErrRotationInProgress, run.rot.ResourceClass)
	}
	if err := e.rotations.Save(ctx, run.rot); err != nil {
		return fmt.Errorf("saving rotation: %w", err)
	}

	slog.DebugContext(ctx, "rotation advanced",
		"rotation_id", run.rot.ID,
		"class", run.rot.ResourceClass,
		"state", next,
	)
	return nil
}

// prepare は Pending で対象集合と失効集合を確定する。以後ローテーション中は変えない。
func (e *RotationEngine) prepare(ctx context.Context, run *rotationRun, req domain.RotationRequest) error {
	class := req.ResourceClass

	current, err := e.store.versions.FindCurrent(ctx, class)
	if err != nil {
		return fmt.Errorf("finding current version: %w", err)
	}
	initializing := req.Trigger == domain.RotationTriggerInitialization
	switch {
	case initializing && current != nil:
		return fmt.Errorf("%w: %s", domain.ErrClassAlreadyInitialized, class)
	case !initializing && current == nil:
		return fmt.Errorf("%w: %s", domain.ErrNoKey, class)
	case current != nil:
		run.rot.OldVersion = current.Version
	}

	eligible, err := e.eligibility.EligiblePrincipals(ctx, class)
	if err != nil {
		return fmt.Errorf("computing eligible principals: %w", err)
	}
	if len(eligible) == 0 {
		return fmt.Errorf("%w: %s", domain.ErrNoEligiblePrincipals, class)
	}
	run.rot.Granted = eligible

	live, err := e.grants.FindLiveByClass(ctx, class)
	if err != nil {
		return fmt.Errorf("finding live grants: %w", err)
	}
	candidates := make(map[string]struct{})
	for _, g := range live {
		candidates[g.PrincipalID] = struct{}{}
	}
	for _, p := range req.RemovedPrincipals {
		candidates[p] = struct{}{}
	}
	for _, p := range eligible {
		delete(candidates, p)
	}
	for p := range candidates {
		run.toRevoke = append(run.toRevoke, p)
	}
	slices.Sort(run.toRevoke)
	return nil
}

// generateKey は version = 既存の最大 + 1 の鍵を pending として作成する。
func (e *RotationEngine) generateKey(ctx context.Context, run *rotationRun) error {
	class := run.rot.ResourceClass
	maxVersion, err := e.store.versions.GetMaxVersion(ctx, class)
	if err != nil {
		return fmt.Errorf("getting max version: %w", err)
	}
	run.rot.NewVersion = maxVersion + 1

	if err := e.store.createPendingVersion(ctx, class, run.rot.NewVersion); err != nil {
		return fmt.Errorf("creating version %d: %w", run.rot.NewVersion, err)
	}
	return e.advance(ctx, run, domain.RotationStateKeyGenerated)
}

// issueGrants は対象全員に新バージョンを並列に配布する。
// 全員が成功するかリトライを使い切るまで次の状態に進まない。
func (e *RotationEngine) issueGrants(ctx context.Context, run *rotationRun) error {
	var g errgroup.Group
	g.SetLimit(e.cfg.GrantParallelism)

	for _, principalID := range run.rot.Granted {
		g.Go(func() error {
			if err := e.grantWithRetry(ctx, principalID, run.rot.ResourceClass, run.rot.NewVersion); err != nil {
				return fmt.Errorf("granting to %s: %w", principalID, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	return e.advance(ctx, run, domain.RotationStateGrantsIssued)
}

func (e *RotationEngine) grantWithRetry(ctx context.Context, principalID string, class domain.ResourceClass, version uint64) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.InitialBackoff
	b.MaxInterval = e.cfg.MaxBackoff

	_, err := backoff.Retry(ctx, func() (*domain.WrappedKeyGrant, error) {
		attemptCtx, cancel := context.WithTimeout(ctx, e.cfg.GrantTimeout)
		defer cancel()

		grant, err := e.store.Grant(attemptCtx, principalID, class, version)
		if err != nil {
			if isPermanentGrantError(err) {
				return nil, backoff.Permanent(err)
			}
			slog.WarnContext(ctx, "grant attempt failed",
				"principal_id", principalID,
				"class", class,
				"version", version,
				"error", err,
			)
			return nil, err
		}
		return grant, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(e.cfg.GrantMaxAttempts),
	)
	return err
}

func isPermanentGrantError(err error) bool {
	return errors.Is(err, domain.ErrPrincipalRemoved) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrAccessDenied) ||
		errors.Is(err, domain.ErrDerivation) ||
		errors.Is(err, domain.ErrInvariantViolation)
}

// revokeOldGrants は対象外になったプリンシパルのクラス内の全グラントを失効させる。
func (e *RotationEngine) revokeOldGrants(ctx context.Context, run *rotationRun) error {
	class := run.rot.ResourceClass
	now := e.clock.Now()
	for _, principalID := range run.toRevoke {
		g, err := e.grants.Find(ctx, principalID, class, run.rot.NewVersion)
		if err != nil {
			return fmt.Errorf("checking new-version grant: %w", err)
		}
		if g != nil && g.IsLive() {
			return fmt.Errorf("%w: %s holds a live grant to new version %d", domain.ErrInvariantViolation, principalID, run.rot.NewVersion)
		}
		if _, err := e.grants.RevokePrincipalInClass(ctx, principalID, class, now); err != nil {
			return fmt.Errorf("revoking %s: %w", principalID, err)
		}
		run.rot.Revoked = append(run.rot.Revoked, principalID)
	}
	return nil
}

// commit は新バージョンを現行にし、ローテーション全体を1件の監査レコードに記録する。
func (e *RotationEngine) commit(ctx context.Context, run *rotationRun) error {
	class := run.rot.ResourceClass
	if err := e.store.versions.Promote(ctx, class, run.rot.NewVersion, e.clock.Now()); err != nil {
		return e.fail(ctx, run, fmt.Errorf("promoting version: %w", err))
	}
	e.grantLateEligible(ctx, run)

	run.rot.State = domain.RotationStateCommitted
	finished := e.clock.Now()
	run.rot.FinishedAt = &finished
	if err := e.rotations.Save(ctx, run.rot); err != nil {
		slog.ErrorContext(ctx, "failed to save committed rotation",
			"operation", "commit",
			"rotation_id", run.rot.ID,
			"error", err,
		)
	}

	action := domain.AuditActionRotationCommitted
	if run.rot.Trigger == domain.RotationTriggerInitialization {
		action = domain.AuditActionClassInitialized
	}
	if _, err := e.ledger.Record(ctx, AuditEntry{
		Action:        action,
		Actor:         run.rot.Actor,
		ResourceClass: class,
		Payload:       run.rot.Summary(),
	}); err != nil {
		run.span.RecordError(err)
		return fmt.Errorf("recording committed rotation %s: %w", run.rot.ID, err)
	}

	slog.InfoContext(ctx, "rotation committed",
		"rotation_id", run.rot.ID,
		"class", class,
		"old_version", run.rot.OldVersion,
		"new_version", run.rot.NewVersion,
		"granted", len(run.rot.Granted),
		"revoked", len(run.rot.Revoked),
	)
	return nil
}

// grantLateEligible は Pending 以降に読み取り権を得たプリンシパルへ新バージョンを配布する。
// 現行化の後に行うので、以後のバインドは GrantCurrent で新バージョンを受け取る。
func (e *RotationEngine) grantLateEligible(ctx context.Context, run *rotationRun) {
	class := run.rot.ResourceClass
	eligible, err := e.eligibility.EligiblePrincipals(ctx, class)
	if err != nil {
		slog.ErrorContext(ctx, "failed to recompute eligible principals",
			"operation", "commit",
			"rotation_id", run.rot.ID,
			"error", err,
		)
		return
	}
	for _, principalID := range eligible {
		if slices.Contains(run.rot.Granted, principalID) {
			continue
		}
		if err := e.grantWithRetry(ctx, principalID, class, run.rot.NewVersion); err != nil {
			slog.ErrorContext(ctx, "failed to grant new version to late principal",
				"operation", "commit",
				"rotation_id", run.rot.ID,
				"principal_id", principalID,
				"class", class,
				"version", run.rot.NewVersion,
				"error", err,
			)
			continue
		}
		run.rot.Granted = append(run.rot.Granted, principalID)
	}
	slices.Sort(run.rot.Granted)
}

// fail はローテーションを Failed にし、新バージョンを現行にしないまま原因を監査ログに記録する。
// 中断や呼び出し元の取り消しの後でも後始末が完了するよう、取り消されない context で行う。
func (e *RotationEngine) fail(ctx context.Context, run *rotationRun, cause error) error {
	class := run.rot.ResourceClass
	e.mu.Lock()
	if r, ok := e.inflight[class]; ok && r.aborted {
		cause = fmt.Errorf("%w: %v", domain.ErrRotationAborted, cause)
	}
	e.mu.Unlock()

	cleanupCtx := context.WithoutCancel(ctx)
	failedAt := run.rot.State

	run.rot.State = domain.RotationStateFailed
	run.rot.FailedAt = failedAt
	run.rot.Cause = cause.Error()
	finished := e.clock.Now()
	run.rot.FinishedAt = &finished

	if run.span != nil {
		run.span.RecordError(cause)
		run.span.SetStatus(codes.Error, "rotation failed")
	}

	if run.rot.NewVersion > 0 {
		if err := e.store.versions.UpdateStatus(cleanupCtx, class, run.rot.NewVersion, domain.KeyVersionStatusPending, domain.KeyVersionStatusFailed); err != nil && !errors.Is(err, domain.ErrNotFound) {
			slog.ErrorContext(ctx, "failed to mark version failed",
				"operation", "fail",
				"rotation_id", run.rot.ID,
				"version", run.rot.NewVersion,
				"error", err,
			)
		}
	}
	if err := e.rotations.Save(cleanupCtx, run.rot); err != nil {
		slog.ErrorContext(ctx, "failed to save failed rotation",
			"operation", "fail",
			"rotation_id", run.rot.ID,
			"error", err,
		)
	}
	if _, err := e.ledger.Record(cleanupCtx, AuditEntry{
		Action:        domain.AuditActionRotationFailed,
		Actor:         run.rot.Actor,
		ResourceClass: class,
		Payload:       run.rot.Summary(),
	}); err != nil {
		slog.ErrorContext(ctx, "failed to record failed rotation",
			"operation", "fail",
			"rotation_id", run.rot.ID,
			"error", err,
		)
	}

	slog.WarnContext(ctx, "rotation failed",
		"rotation_id", run.rot.ID,
		"class", class,
		"failed_at", failedAt,
		"error", cause,
	)
	return fmt.Errorf("rotation %s failed at %s: %w", run.rot.ID, failedAt, cause)
}
