package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"

	"github.com/google/uuid"

	"keysync-service/internal/domain"
	"keysync-service/internal/infra"
	"keysync-service/internal/keytree"
)

// RotationRequester はローテーション要求を受け付けるキュー。Enqueue は要求を保持した時点で戻る。
type RotationRequester interface {
	Enqueue(ctx context.Context, req domain.RotationRequest) error
}

// CurrentGranter は新たに読み取り権を得たプリンシパルに現行バージョンを配布する。
type CurrentGranter interface {
	GrantCurrent(ctx context.Context, principalID string, class domain.ResourceClass) (*domain.WrappedKeyGrant, error)
}

// LiveHolderSource はクラスに有効なグラントを持つプリンシパルを返す。
type LiveHolderSource interface {
	LiveHolders(ctx context.Context, class domain.ResourceClass) ([]string, error)
}

type opSet uint8

const (
	opRead opSet = 1 << iota
	opWrite
	opAdminister
)

func toOpSet(ops []domain.Operation) opSet {
	var s opSet
	for _, op := range ops {
		s |= opBit(op)
	}
	return s
}

func opBit(op domain.Operation) opSet {
	switch op {
	case domain.OperationRead:
		return opRead
	case domain.OperationWrite:
		return opWrite
	case domain.OperationAdminister:
		return opAdminister
	}
	return 0
}

// accessIndex は (principal, class) → 許可された操作 の参照表。バインディング変更のたびに作り直す。
type accessIndex struct {
	ops map[string]map[domain.ResourceClass]opSet
}

func buildIndex(bindings []*domain.RoleBinding, classes []domain.ResourceClass) *accessIndex {
	idx := &accessIndex{ops: make(map[string]map[domain.ResourceClass]opSet)}
	for _, b := range bindings {
		byClass := idx.ops[b.PrincipalID]
		if byClass == nil {
			byClass = make(map[domain.ResourceClass]opSet)
			idx.ops[b.PrincipalID] = byClass
		}
		ops := toOpSet(b.Role.Operations())
		for _, c := range classes {
			if b.Scope.Covers(c) {
				byClass[c] |= ops
			}
		}
	}
	return idx
}

func (idx *accessIndex) allowed(principalID string, class domain.ResourceClass) opSet {
	return idx.ops[principalID][class]
}

// AccessService はプリンシパルとロールバインディングを管理し、認可判定を行う。
// アクセスを縮小する変更は、影響するクラスすべてのローテーション要求を同期的に積んでから戻る。
type AccessService struct {
	principals PrincipalRepository
	bindings   RoleBindingRepository
	granter    CurrentGranter
	requester  RotationRequester
	ledger     *AuditLedger
	classes    []domain.ResourceClass
	clock      infra.Clock

	writeMu sync.Mutex
	mu      sync.RWMutex
	index   *accessIndex
}

// NewAccessService は新しいAccessServiceを生成する。利用前に Load を呼ぶこと。
func NewAccessService(principals PrincipalRepository, bindings RoleBindingRepository, granter CurrentGranter, requester RotationRequester, ledger *AuditLedger, classes []domain.ResourceClass, clock infra.Clock) *AccessService {
	return &AccessService{
		principals: principals,
		bindings:   bindings,
		granter:    granter,
		requester:  requester,
		ledger:     ledger,
		classes:    classes,
		clock:      clock,
		index:      buildIndex(nil, classes),
	}
}

// Load は永続化されたバインディングから参照表を作り直す。
func (s *AccessService) Load(ctx context.Context) error {
	bindings, err := s.bindings.FindAll(ctx)
	if err != nil {
		return fmt.Errorf("loading role bindings: %w", err)
	}
	idx := buildIndex(bindings, s.classes)

	s.mu.Lock()
	s.index = idx
	s.mu.Unlock()
	return nil
}

// IsAuthorized はプリンシパルがクラスに対して操作を許可されているかを返す。
func (s *AccessService) IsAuthorized(principalID string, class domain.ResourceClass, op domain.Operation) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.index.allowed(principalID, class)&opBit(op) != 0
}

// IsAuthorizedForScope はスコープに含まれる全クラスで操作が許可されているかを返す。
func (s *AccessService) IsAuthorizedForScope(principalID string, scope domain.Scope, op domain.Operation) bool {
	classes := s.scopeClasses(scope)
	if len(classes) == 0 {
		return false
	}
	for _, c := range classes {
		if !s.IsAuthorized(principalID, c, op) {
			return false
		}
	}
	return true
}

// EligiblePrincipals はクラスの鍵を受け取れる（read権限を持つ）プリンシパルをID順に返す。
func (s *AccessService) EligiblePrincipals(ctx context.Context, class domain.ResourceClass) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var eligible []string
	for principalID, byClass := range s.index.ops {
		if byClass[class]&opRead != 0 {
			eligible = append(eligible, principalID)
		}
	}
	slices.Sort(eligible)
	return eligible, nil
}

func (s *AccessService) scopeClasses(scope domain.Scope) []domain.ResourceClass {
	var out []domain.ResourceClass
	for _, c := range s.classes {
		if scope.Covers(c) {
			out = append(out, c)
		}
	}
	return out
}

// RegisterPrincipal は招待を受諾したユーザーまたはデバイスを登録する。
func (s *AccessService) RegisterPrincipal(ctx context.Context, actor, id string, kind domain.PrincipalKind, publicKey []byte) (*domain.Principal, error) {
	if err := domain.ValidatePrincipalID(id); err != nil {
		return nil, err
	}
	if kind != domain.PrincipalKindUser && kind != domain.PrincipalKindDevice {
		return nil, fmt.Errorf("%w: unknown kind %q", domain.ErrInvalidPrincipalID, kind)
	}
	if err := keytree.ValidatePublicKey(publicKey); err != nil {
		return nil, err
	}
	if err := s.ledger.Err(); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	p := &domain.Principal{
		ID:        id,
		Kind:      kind,
		PublicKey: publicKey,
		CreatedAt: s.clock.Now(),
	}
	if err := s.principals.Create(ctx, p); err != nil {
		return nil, err
	}

	if _, err := s.ledger.Record(ctx, AuditEntry{
		Action:  domain.AuditActionPrincipalAdded,
		Actor:   actor,
		Subject: id,
		Payload: map[string]string{"kind": string(kind)},
	}); err != nil {
		return nil, fmt.Errorf("recording principal addition: %w", err)
	}

	slog.InfoContext(ctx, "principal registered",
		"principal_id", id,
		"kind", kind,
	)
	return p, nil
}

// GetPrincipal はプリンシパルを返す。削除済みも返す。
func (s *AccessService) GetPrincipal(ctx context.Context, id string) (*domain.Principal, error) {
	p, err := s.principals.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("finding principal: %w", err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: principal %s", domain.ErrNotFound, id)
	}
	return p, nil
}

// ListPrincipals はプリンシパル一覧を返す。
func (s *AccessService) ListPrincipals(ctx context.Context, includeRemoved bool) ([]*domain.Principal, error) {
	return s.principals.FindAll(ctx, includeRemoved)
}

// ListBindings はロールバインディング一覧を返す。
func (s *AccessService) ListBindings(ctx context.Context) ([]*domain.RoleBinding, error) {
	return s.bindings.FindAll(ctx)
}

// Bind はプリンシパルにロールを付与する。同じスコープの既存バインディングは置き換える。
// 既存より弱いロールへの置き換えは降格として扱い、スコープ内の全クラスでローテーションを要求する。
func (s *AccessService) Bind(ctx context.Context, actor, principalID string, role domain.Role, scope domain.Scope) (*domain.RoleBinding, error) {
	if err := role.Validate(); err != nil {
		return nil, err
	}
	if err := scope.Validate(); err != nil {
		return nil, err
	}
	classes := s.scopeClasses(scope)
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w: resource class %q", domain.ErrNotFound, scope)
	}
	if err := s.ledger.Err(); err != nil {
		return nil, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	p, err := s.GetPrincipal(ctx, principalID)
	if err != nil {
		return nil, err
	}
	if p.IsRemoved() {
		return nil, fmt.Errorf("%w: %s", domain.ErrPrincipalRemoved, principalID)
	}

	readBefore := s.readableClasses(principalID, classes)

	binding := &domain.RoleBinding{
		ID:          uuid.NewString(),
		PrincipalID: principalID,
		Role:        role,
		Scope:       scope,
		CreatedAt:   s.clock.Now(),
	}
	previous, err := s.bindings.Upsert(ctx, binding)
	if err != nil {
		return nil, fmt.Errorf("saving role binding: %w", err)
	}
	if err := s.Load(ctx); err != nil {
		return nil, err
	}

	change := domain.BindingChange{Role: role, Scope: scope}
	if previous != nil {
		change.Previous = previous.Role
		change.Downgrade = role.Rank() < previous.Role.Rank()
	}

	if change.Downgrade {
		if err := s.enqueueRotations(ctx, actor, principalID, classes, domain.RotationTriggerRoleDowngraded); err != nil {
			return nil, err
		}
	}

	for _, c := range classes {
		if _, had := readBefore[c]; had || !s.IsAuthorized(principalID, c, domain.OperationRead) {
			continue
		}
		s.provision(ctx, actor, principalID, c)
	}

	if _, err := s.ledger.Record(ctx, AuditEntry{
		Action:  domain.AuditActionRoleBound,
		Actor:   actor,
		Subject: principalID,
		Payload: change,
	}); err != nil {
		return nil, fmt.Errorf("recording role binding: %w", err)
	}

	slog.InfoContext(ctx, "role bound",
		"principal_id", principalID,
		"role", role,
		"scope", scope,
		"downgrade", change.Downgrade,
	)
	return binding, nil
}

// provision は新たに読み取り権を得たプリンシパルに現行バージョンを配布する。
// 同じバージョンのグラントが失効済みなら、次のローテーションで新バージョンを配布させる。
func (s *AccessService) provision(ctx context.Context, actor, principalID string, class domain.ResourceClass) {
	_, err := s.granter.GrantCurrent(ctx, principalID, class)
	switch {
	case err == nil, errors.Is(err, domain.ErrNoKey):
		return
	case errors.Is(err, domain.ErrAccessDenied):
		slog.InfoContext(ctx, "grant deferred to next rotation",
			"principal_id", principalID,
			"class", class,
		)
		if err := s.requester.Enqueue(ctx, domain.RotationRequest{
			ResourceClass: class,
			Trigger:       domain.RotationTriggerAdminRequest,
			Actor:         actor,
		}); err != nil {
			slog.ErrorContext(ctx, "failed to enqueue rotation",
				"operation", "provision",
				"class", class,
				"error", err,
			)
		}
	default:
		slog.WarnContext(ctx, "failed to grant current version",
			"principal_id", principalID,
			"class", class,
			"error", err,
		)
	}
}

// Unbind はバインディングを削除し、スコープ内の全クラスでローテーションを要求する。
func (s *AccessService) Unbind(ctx context.Context, actor, principalID string, scope domain.Scope) error {
	if err := scope.Validate(); err != nil {
		return err
	}
	if err := s.ledger.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	deleted, err := s.bindings.Delete(ctx, principalID, scope)
	if err != nil {
		return fmt.Errorf("deleting role binding: %w", err)
	}
	if deleted == nil {
		return fmt.Errorf("%w: binding %s/%s", domain.ErrNotFound, principalID, scope)
	}
	if err := s.Load(ctx); err != nil {
		return err
	}

	if err := s.enqueueRotations(ctx, actor, principalID, s.scopeClasses(scope), domain.RotationTriggerRoleUnbound); err != nil {
		return err
	}

	if _, err := s.ledger.Record(ctx, AuditEntry{
		Action:  domain.AuditActionRoleUnbound,
		Actor:   actor,
		Subject: principalID,
		Payload: domain.BindingChange{Role: deleted.Role, Scope: scope},
	}); err != nil {
		return fmt.Errorf("recording role unbinding: %w", err)
	}

	slog.InfoContext(ctx, "role unbound",
		"principal_id", principalID,
		"scope", scope,
	)
	return nil
}

// RemovePrincipal はプリンシパルを削除済みにし、全バインディングを外して全クラスでローテーションを要求する。
// 監査履歴からは消さない。
func (s *AccessService) RemovePrincipal(ctx context.Context, actor, principalID string) error {
	if err := s.ledger.Err(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if err := s.principals.MarkRemoved(ctx, principalID, s.clock.Now()); err != nil {
		return err
	}
	if _, err := s.bindings.DeleteByPrincipal(ctx, principalID); err != nil {
		return fmt.Errorf("deleting role bindings: %w", err)
	}
	if err := s.Load(ctx); err != nil {
		return err
	}

	if err := s.enqueueRotations(ctx, actor, principalID, s.classes, domain.RotationTriggerPrincipalRemoved); err != nil {
		return err
	}

	if _, err := s.ledger.Record(ctx, AuditEntry{
		Action:  domain.AuditActionPrincipalRemoved,
		Actor:   actor,
		Subject: principalID,
	}); err != nil {
		return fmt.Errorf("recording principal removal: %w", err)
	}

	slog.InfoContext(ctx, "principal removed",
		"principal_id", principalID,
	)
	return nil
}

// ReconcileGrants は読み取り権を失ったのに有効なグラントを持つプリンシパルを探し、
// 該当クラスのローテーションを要求する。要求はメモリ上にしか無いため起動時に呼ぶ。
func (s *AccessService) ReconcileGrants(ctx context.Context, holders LiveHolderSource) error {
	for _, c := range s.classes {
		live, err := holders.LiveHolders(ctx, c)
		if err != nil {
			return err
		}
		var stale []string
		for _, p := range live {
			if !s.IsAuthorized(p, c, domain.OperationRead) {
				stale = append(stale, p)
			}
		}
		if len(stale) == 0 {
			continue
		}

		slog.WarnContext(ctx, "live grants held without read access",
			"class", c,
			"principals", stale,
		)
		if err := s.requester.Enqueue(ctx, domain.RotationRequest{
			ResourceClass:     c,
			Trigger:           domain.RotationTriggerReconciliation,
			Actor:             "system",
			RemovedPrincipals: stale,
		}); err != nil {
			return fmt.Errorf("enqueueing rotation for %s: %w", c, err)
		}
	}
	return nil
}

func (s *AccessService) readableClasses(principalID string, classes []domain.ResourceClass) map[domain.ResourceClass]struct{} {
	out := make(map[domain.ResourceClass]struct{})
	for _, c := range classes {
		if s.IsAuthorized(principalID, c, domain.OperationRead) {
			out[c] = struct{}{}
		}
	}
	return out
}

func (s *AccessService) enqueueRotations(ctx context.Context, actor, principalID string, classes []domain.ResourceClass, trigger domain.RotationTrigger) error {
	for _, c := range classes {
		req := domain.RotationRequest{
			ResourceClass: c,
			Trigger:       trigger,
			Actor:         actor,
		}
		if !s.IsAuthorized(principalID, c, domain.OperationRead) {
			req.RemovedPrincipals = []string{principalID}
		}
		if err := s.requester.Enqueue(ctx, req); err != nil {
			return fmt.Errorf("enqueueing rotation for %s: %w", c, err)
		}
	}
	return nil
}
