package repository_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"keysync-service/internal/domain"
	"keysync-service/internal/repository"
	"keysync-service/internal/testutil"
)

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func TestKeyVersionRepository_Promote(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewKeyVersionRepository(testutil.NewDB(t))

	for _, v := range []*domain.KeyVersion{
		{ResourceClass: "ledger", Version: 1, SealedMaterial: []byte("v1"), Status: domain.KeyVersionStatusPending, CreatedAt: baseTime},
		{ResourceClass: "ledger", Version: 2, SealedMaterial: []byte("v2"), Status: domain.KeyVersionStatusPending, CreatedAt: baseTime},
	} {
		if err := repo.Create(ctx, v); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	if err := repo.Promote(ctx, "ledger", 1, baseTime); err != nil {
		t.Fatalf("Promote(1) failed: %v", err)
	}
	later := baseTime.Add(time.Hour)
	if err := repo.Promote(ctx, "ledger", 2, later); err != nil {
		t.Fatalf("Promote(2) failed: %v", err)
	}

	current, err := repo.FindCurrent(ctx, "ledger")
	if err != nil {
		t.Fatalf("FindCurrent failed: %v", err)
	}
	if current == nil || current.Version != 2 {
		t.Fatalf("expected version 2 current, got %+v", current)
	}

	v1, err := repo.Find(ctx, "ledger", 1)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if v1.Status != domain.KeyVersionStatusHistorical {
		t.Errorf("expected v1 historical, got %s", v1.Status)
	}
	if v1.SupersededAt == nil || !v1.SupersededAt.Equal(later) {
		t.Errorf("expected v1 superseded at %v, got %v", later, v1.SupersededAt)
	}

	// pending でないバージョンは昇格できない
	err = repo.Promote(ctx, "ledger", 1, later)
	if !errors.Is(err, domain.ErrInvariantViolation) {
		t.Errorf("expected ErrInvariantViolation, got %v", err)
	}
	current, _ = repo.FindCurrent(ctx, "ledger")
	if current == nil || current.Version != 2 {
		t.Errorf("failed promote must roll back, current = %+v", current)
	}
}

func TestKeyVersionRepository_MaxVersionAndNotFound(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewKeyVersionRepository(testutil.NewDB(t))

	maxVersion, err := repo.GetMaxVersion(ctx, "ledger")
	if err != nil || maxVersion != 0 {
		t.Fatalf("expected 0 for empty class, got %d, %v", maxVersion, err)
	}
	v, err := repo.FindCurrent(ctx, "ledger")
	if err != nil || v != nil {
		t.Fatalf("expected nil, nil for missing current, got %+v, %v", v, err)
	}

	if err := repo.Create(ctx, &domain.KeyVersion{ResourceClass: "ledger", Version: 3, SealedMaterial: []byte("x"), Status: domain.KeyVersionStatusFailed, CreatedAt: baseTime}); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	maxVersion, err = repo.GetMaxVersion(ctx, "ledger")
	if err != nil || maxVersion != 3 {
		t.Errorf("expected max 3 including failed versions, got %d, %v", maxVersion, err)
	}

	err = repo.UpdateStatus(ctx, "ledger", 3, domain.KeyVersionStatusHistorical, domain.KeyVersionStatusRetired)
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound for mismatched status, got %v", err)
	}
}

func TestGrantRepository_RevokeIsPermanent(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewGrantRepository(testutil.NewDB(t))

	grant := &domain.WrappedKeyGrant{
		ID:            uuid.NewString(),
		PrincipalID:   "alice",
		ResourceClass: "ledger",
		Version:       1,
		WrappedKey:    []byte("wrapped"),
		GrantedAt:     baseTime,
	}
	if err := repo.Create(ctx, grant); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if err := repo.Revoke(ctx, "alice", "ledger", 1, baseTime.Add(time.Minute)); err != nil {
		t.Fatalf("Revoke failed: %v", err)
	}
	if err := repo.Revoke(ctx, "alice", "ledger", 1, baseTime.Add(time.Minute)); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound revoking twice, got %v", err)
	}

	again := *grant
	again.ID = uuid.NewString()
	if err := repo.Create(ctx, &again); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate re-granting a revoked version, got %v", err)
	}

	live, err := repo.FindLiveByPrincipal(ctx, "alice", "")
	if err != nil {
		t.Fatalf("FindLiveByPrincipal failed: %v", err)
	}
	if len(live) != 0 {
		t.Errorf("expected no live grants, got %d", len(live))
	}
	found, err := repo.Find(ctx, "alice", "ledger", 1)
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if found == nil || found.IsLive() {
		t.Errorf("expected revoked grant to remain recorded, got %+v", found)
	}
}

func TestGrantRepository_RevokeVersion(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewGrantRepository(testutil.NewDB(t))

	for _, p := range []string{"bob", "alice"} {
		for _, v := range []uint64{1, 2} {
			if err := repo.Create(ctx, &domain.WrappedKeyGrant{
				ID: uuid.NewString(), PrincipalID: p, ResourceClass: "ledger", Version: v,
				WrappedKey: []byte("w"), GrantedAt: baseTime,
			}); err != nil {
				t.Fatalf("Create failed: %v", err)
			}
		}
	}

	revoked, err := repo.RevokeVersion(ctx, "ledger", 1, baseTime)
	if err != nil {
		t.Fatalf("RevokeVersion failed: %v", err)
	}
	if len(revoked) != 2 || revoked[0] != "alice" || revoked[1] != "bob" {
		t.Errorf("unexpected revoked principals: %v", revoked)
	}

	live, err := repo.FindLiveByClass(ctx, "ledger")
	if err != nil {
		t.Fatalf("FindLiveByClass failed: %v", err)
	}
	for _, g := range live {
		if g.Version != 2 {
			t.Errorf("version 1 grant still live for %s", g.PrincipalID)
		}
	}

	n, err := repo.RevokePrincipalInClass(ctx, "bob", "ledger", baseTime)
	if err != nil || n != 1 {
		t.Errorf("expected 1 grant revoked for bob, got %d, %v", n, err)
	}
}

func TestEnvelopeRepository_AppendAssignsSequence(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewEnvelopeRepository(testutil.NewDB(t))

	newEnv := func(origin string, seq uint64, class domain.ResourceClass) *domain.SyncEnvelope {
		return &domain.SyncEnvelope{
			OriginDeviceID: origin,
			ResourceClass:  class,
			KeyVersion:     1,
			DeviceSeq:      seq,
			Ciphertext:     []byte("ct"),
			Tag:            []byte("tag"),
			SubmittedBy:    origin,
			AcceptedAt:     baseTime,
		}
	}

	a1 := newEnv("dev-a", 1, "ledger")
	a2 := newEnv("dev-a", 2, "ledger")
	a2.Predecessors = []string{a1.ID()}
	b1 := newEnv("dev-b", 1, "attachments")

	for _, e := range []*domain.SyncEnvelope{a1, a2, b1} {
		if err := repo.Append(ctx, e); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	if a1.Sequence != 1 || a2.Sequence != 2 {
		t.Errorf("expected ledger sequences 1,2, got %d,%d", a1.Sequence, a2.Sequence)
	}
	if b1.Sequence != 1 {
		t.Errorf("expected attachments stream to start at 1, got %d", b1.Sequence)
	}

	if err := repo.Append(ctx, newEnv("dev-a", 2, "ledger")); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate, got %v", err)
	}
	// (origin, deviceSeq) はストリームをまたいで一意
	if err := repo.Append(ctx, newEnv("dev-a", 1, "attachments")); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("expected ErrDuplicate across streams, got %v", err)
	}

	head, err := repo.Head(ctx, "ledger")
	if err != nil || head != 2 {
		t.Fatalf("expected head 2, got %d, %v", head, err)
	}

	got, err := repo.FindRange(ctx, "ledger", 0, head, 10)
	if err != nil {
		t.Fatalf("FindRange failed: %v", err)
	}
	if len(got) != 2 || got[1].Predecessors[0] != "dev-a:1" {
		t.Errorf("unexpected range result: %+v", got)
	}

	existing, err := repo.FindExistingIDs(ctx, "ledger", []string{"dev-a:1", "dev-b:1", "dev-z:9"})
	if err != nil {
		t.Fatalf("FindExistingIDs failed: %v", err)
	}
	if _, ok := existing["dev-a:1"]; !ok || len(existing) != 1 {
		t.Errorf("expected only dev-a:1 in ledger, got %v", existing)
	}
}

func TestLeaseRepository_AcquireRenewRelease(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewLeaseRepository(testutil.NewDB(t))

	lease := &domain.RotationLease{ResourceClass: "ledger", Holder: "r1", ExpiresAt: baseTime.Add(time.Minute)}
	ok, err := repo.Acquire(ctx, lease, baseTime)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got %v, %v", ok, err)
	}

	other := &domain.RotationLease{ResourceClass: "ledger", Holder: "r2", ExpiresAt: baseTime.Add(2 * time.Minute)}
	ok, err = repo.Acquire(ctx, other, baseTime.Add(30*time.Second))
	if err != nil || ok {
		t.Fatalf("expected acquire by another holder to fail while lease is live, got %v, %v", ok, err)
	}

	// 失効後は奪える
	ok, err = repo.Acquire(ctx, other, baseTime.Add(2*time.Minute))
	if err != nil || !ok {
		t.Fatalf("expected acquire after expiry to succeed, got %v, %v", ok, err)
	}

	renewed, err := repo.Renew(ctx, "ledger", "r1", baseTime.Add(time.Hour))
	if err != nil || renewed {
		t.Errorf("expected stale holder renew to fail, got %v, %v", renewed, err)
	}

	if err := repo.Release(ctx, "ledger", "r2"); err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	current, err := repo.Find(ctx, "ledger")
	if err != nil || current != nil {
		t.Errorf("expected no lease after release, got %+v, %v", current, err)
	}
}

func TestAuditRepository_AppendAndRange(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewAuditRepository(testutil.NewDB(t))

	head, err := repo.Head(ctx)
	if err != nil || head != nil {
		t.Fatalf("expected empty ledger, got %+v, %v", head, err)
	}

	rec := &domain.AuditRecord{
		Sequence:     1,
		PreviousHash: make([]byte, domain.HashSize),
		Action:       domain.AuditActionClassInitialized,
		Actor:        "admin",
		Timestamp:    baseTime,
		PayloadHash:  make([]byte, domain.HashSize),
		Hash:         make([]byte, domain.HashSize),
	}
	if err := repo.Append(ctx, rec); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if err := repo.Append(ctx, rec); !errors.Is(err, domain.ErrChainBroken) {
		t.Errorf("expected ErrChainBroken on sequence reuse, got %v", err)
	}

	records, err := repo.FindRange(ctx, 1, 0)
	if err != nil || len(records) != 1 {
		t.Fatalf("expected 1 record, got %d, %v", len(records), err)
	}
	if records[0].Action != domain.AuditActionClassInitialized {
		t.Errorf("unexpected action %s", records[0].Action)
	}
}

func TestRoleBindingRepository_UpsertReturnsPrevious(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewRoleBindingRepository(testutil.NewDB(t))

	prev, err := repo.Upsert(ctx, &domain.RoleBinding{ID: uuid.NewString(), PrincipalID: "alice", Role: domain.RoleAdmin, Scope: "ledger", CreatedAt: baseTime})
	if err != nil || prev != nil {
		t.Fatalf("expected new binding, got %+v, %v", prev, err)
	}
	prev, err = repo.Upsert(ctx, &domain.RoleBinding{ID: uuid.NewString(), PrincipalID: "alice", Role: domain.RoleViewer, Scope: "ledger", CreatedAt: baseTime})
	if err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	if prev == nil || prev.Role != domain.RoleAdmin {
		t.Fatalf("expected previous admin binding, got %+v", prev)
	}

	all, err := repo.FindAll(ctx)
	if err != nil || len(all) != 1 || all[0].Role != domain.RoleViewer {
		t.Fatalf("expected single viewer binding, got %+v, %v", all, err)
	}

	deleted, err := repo.DeleteByPrincipal(ctx, "alice")
	if err != nil || len(deleted) != 1 {
		t.Errorf("expected 1 deleted binding, got %d, %v", len(deleted), err)
	}
	missing, err := repo.Delete(ctx, "alice", "ledger")
	if err != nil || missing != nil {
		t.Errorf("expected nil for missing binding, got %+v, %v", missing, err)
	}
}

func TestPrincipalRepository_Tombstone(t *testing.T) {
	ctx := context.Background()
	repo := repository.NewPrincipalRepository(testutil.NewDB(t))

	p := &domain.Principal{ID: "dev-1", Kind: domain.PrincipalKindDevice, PublicKey: make([]byte, 32), CreatedAt: baseTime}
	if err := repo.Create(ctx, p); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.Create(ctx, p); !errors.Is(err, domain.ErrPrincipalAlreadyExists) {
		t.Errorf("expected ErrPrincipalAlreadyExists, got %v", err)
	}

	if err := repo.MarkRemoved(ctx, "dev-1", baseTime); err != nil {
		t.Fatalf("MarkRemoved failed: %v", err)
	}
	if err := repo.MarkRemoved(ctx, "dev-1", baseTime); !errors.Is(err, domain.ErrPrincipalRemoved) {
		t.Errorf("expected ErrPrincipalRemoved, got %v", err)
	}
	if err := repo.MarkRemoved(ctx, "ghost", baseTime); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}

	active, err := repo.FindAll(ctx, false)
	if err != nil || len(active) != 0 {
		t.Errorf("expected no active principals, got %d, %v", len(active), err)
	}
	all, err := repo.FindAll(ctx, true)
	if err != nil || len(all) != 1 || !all[0].IsRemoved() {
		t.Errorf("expected tombstoned principal to remain, got %+v, %v", all, err)
	}
}
