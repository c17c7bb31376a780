package usecase

import (
	"bytes"
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	"keysync-service/internal/domain"
	"keysync-service/internal/infra"
	"keysync-service/internal/keytree"
	"keysync-service/internal/repository"
	"keysync-service/internal/testutil"
)

// recordingRequester はローテーション要求を記録するだけのテスト用キュー。
type recordingRequester struct {
	mu       sync.Mutex
	requests []domain.RotationRequest
}

func (r *recordingRequester) Enqueue(ctx context.Context, req domain.RotationRequest) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, req)
	return nil
}

func (r *recordingRequester) forClass(class domain.ResourceClass) []domain.RotationRequest {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.RotationRequest
	for _, req := range r.requests {
		if req.ResourceClass == class {
			out = append(out, req)
		}
	}
	return out
}

// fixture はSQLite上に全サービスを組み立てたテスト環境。
type fixture struct {
	clock     *infra.FakeClock
	versions  *repository.KeyVersionRepository
	grants    GrantRepository
	rotations *repository.RotationRepository
	leases    *repository.LeaseRepository
	audits    *repository.AuditRepository
	envelopes *repository.EnvelopeRepository
	ledger    *AuditLedger
	store     *KeyStore
	requester *recordingRequester
	access    *AccessService
	engine    *RotationEngine
	relay     *RelayService
	records   *RecordService

	privateKeys map[string][]byte
}

type fixtureOption func(*fixtureConfig)

type fixtureConfig struct {
	wrapGrants func(GrantRepository) GrantRepository
	rotation   RotationConfig
}

func withGrantRepository(wrap func(GrantRepository) GrantRepository) fixtureOption {
	return func(c *fixtureConfig) { c.wrapGrants = wrap }
}

func withRotationConfig(cfg RotationConfig) fixtureOption {
	return func(c *fixtureConfig) { c.rotation = cfg }
}

var testClasses = []domain.ResourceClass{"ledger", "attachments"}

func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()

	cfg := fixtureConfig{
		rotation: RotationConfig{
			GrantMaxAttempts: 2,
			InitialBackoff:   time.Millisecond,
			MaxBackoff:       2 * time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	db := testutil.NewDB(t)
	clock := infra.NewFakeClock(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	kms, err := infra.NewLocalKMSClient(bytes.Repeat([]byte{7}, 32))
	if err != nil {
		t.Fatalf("NewLocalKMSClient() error = %v", err)
	}
	tree, err := keytree.New(testClasses)
	if err != nil {
		t.Fatalf("keytree.New() error = %v", err)
	}

	f := &fixture{
		clock:       clock,
		versions:    repository.NewKeyVersionRepository(db),
		grants:      repository.NewGrantRepository(db),
		rotations:   repository.NewRotationRepository(db),
		leases:      repository.NewLeaseRepository(db),
		audits:      repository.NewAuditRepository(db),
		envelopes:   repository.NewEnvelopeRepository(db),
		requester:   &recordingRequester{},
		privateKeys: make(map[string][]byte),
	}
	if cfg.wrapGrants != nil {
		f.grants = cfg.wrapGrants(f.grants)
	}
	principals := repository.NewPrincipalRepository(db)

	f.ledger = NewAuditLedger(f.audits, clock)
	f.store, err = NewKeyStore(f.versions, f.grants, principals, kms, tree, bytes.Repeat([]byte{1}, keytree.RootSecretSize), clock)
	if err != nil {
		t.Fatalf("NewKeyStore() error = %v", err)
	}
	f.access = NewAccessService(principals, repository.NewRoleBindingRepository(db), f.store, f.requester, f.ledger, testClasses, clock)
	if err := f.access.Load(context.Background()); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	f.engine = NewRotationEngine(f.store, f.grants, f.access, f.leases, f.rotations, f.ledger, clock, cfg.rotation)
	f.relay = NewRelayService(f.envelopes, f.store, f.access, clock, 500)
	f.records = NewRecordService(f.store, f.access)
	return f
}

// addPrincipal はプリンシパルを登録し、ロールを付与する。
func (f *fixture) addPrincipal(t *testing.T, id string, role domain.Role, scope domain.Scope) {
	t.Helper()
	ctx := context.Background()

	priv, pub, err := keytree.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}
	if _, err := f.access.RegisterPrincipal(ctx, "root", id, domain.PrincipalKindUser, pub); err != nil {
		t.Fatalf("RegisterPrincipal(%s) error = %v", id, err)
	}
	if _, err := f.access.Bind(ctx, "root", id, role, scope); err != nil {
		t.Fatalf("Bind(%s) error = %v", id, err)
	}
	f.privateKeys[id] = priv
}

func (f *fixture) initClass(t *testing.T, class domain.ResourceClass) {
	t.Helper()
	if _, err := f.engine.InitClass(context.Background(), class, "root"); err != nil {
		t.Fatalf("InitClass(%s) error = %v", class, err)
	}
}

func (f *fixture) rotate(t *testing.T, req domain.RotationRequest) *domain.Rotation {
	t.Helper()
	if req.Actor == "" {
		req.Actor = "root"
	}
	rot, err := f.engine.Rotate(context.Background(), req)
	if err != nil {
		t.Fatalf("Rotate() error = %v", err)
	}
	return rot
}

func (f *fixture) auditActions(t *testing.T) []domain.AuditAction {
	t.Helper()
	records, err := f.audits.FindRange(context.Background(), 1, 0)
	if err != nil {
		t.Fatalf("FindRange() error = %v", err)
	}
	actions := make([]domain.AuditAction, len(records))
	for i, r := range records {
		actions[i] = r.Action
	}
	return actions
}

func (f *fixture) liveVersions(t *testing.T, principalID string, class domain.ResourceClass) []uint64 {
	t.Helper()
	live, err := f.store.LiveVersions(context.Background(), principalID, class)
	if err != nil {
		t.Fatalf("LiveVersions() error = %v", err)
	}
	var out []uint64
	for v := range live {
		out = append(out, v)
	}
	slices.Sort(out)
	return out
}
