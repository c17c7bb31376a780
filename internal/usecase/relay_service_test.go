package usecase

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"testing"

	"keysync-service/internal/domain"
)

func testEnvelope(origin string, seq, version uint64, preds ...string) *domain.SyncEnvelope {
	return &domain.SyncEnvelope{
		OriginDeviceID: origin,
		ResourceClass:  "ledger",
		KeyVersion:     version,
		DeviceSeq:      seq,
		Ciphertext:     []byte(fmt.Sprintf("ct-%s-%d", origin, seq)),
		Tag:            []byte("tag"),
		Predecessors:   preds,
	}
}

func collect(t *testing.T, f *fixture, principal string, since uint64, limit int) []*domain.SyncEnvelope {
	t.Helper()
	seq, err := f.relay.Pull(context.Background(), principal, "ledger", since, limit)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	var out []*domain.SyncEnvelope
	for env, err := range seq {
		if err != nil {
			t.Fatalf("Pull() iteration error = %v", err)
		}
		out = append(out, env)
	}
	return out
}

func newRelayFixture(t *testing.T) *fixture {
	t.Helper()
	f := newFixture(t)
	f.addPrincipal(t, "alice", domain.RoleAdmin, domain.ScopeAll)
	f.addPrincipal(t, "bob", domain.RoleMember, "ledger")
	f.initClass(t, "ledger")
	return f
}

func TestRelayService_Push_DiamondPredecessors(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)

	e1 := testEnvelope("alice-phone", 1, 1)
	seq1, err := f.relay.Push(ctx, "alice", e1)
	if err != nil {
		t.Fatalf("Push(e1) error = %v", err)
	}

	left := testEnvelope("alice-phone", 2, 1, e1.ID())
	right := testEnvelope("alice-laptop", 1, 1, e1.ID())
	seqLeft, err := f.relay.Push(ctx, "alice", left)
	if err != nil {
		t.Fatalf("Push(left) error = %v", err)
	}
	seqRight, err := f.relay.Push(ctx, "alice", right)
	if err != nil {
		t.Fatalf("Push(right) error = %v", err)
	}
	if seqLeft <= seq1 || seqRight <= seq1 {
		t.Errorf("dependents must follow e1: e1=%d left=%d right=%d", seq1, seqLeft, seqRight)
	}

	merge := testEnvelope("alice-phone", 3, 1, left.ID(), right.ID())
	if _, err := f.relay.Push(ctx, "alice", merge); err != nil {
		t.Fatalf("Push(merge) error = %v", err)
	}

	got := collect(t, f, "bob", 0, 0)
	if len(got) != 4 {
		t.Fatalf("expected 4 envelopes, got %d", len(got))
	}
	if got[0].ID() != e1.ID() || got[3].ID() != merge.ID() {
		t.Errorf("unexpected order: first=%s last=%s", got[0].ID(), got[3].ID())
	}
	if got[0].SubmittedBy != "alice" {
		t.Errorf("SubmittedBy = %q, want alice", got[0].SubmittedBy)
	}
}

func TestRelayService_Push_UnknownPredecessor(t *testing.T) {
	f := newRelayFixture(t)

	_, err := f.relay.Push(context.Background(), "alice", testEnvelope("alice-phone", 2, 1, "alice-phone:1"))
	if !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestRelayService_Push_Idempotent(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)

	first, err := f.relay.Push(ctx, "alice", testEnvelope("alice-phone", 1, 1))
	if err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if _, err := f.relay.Push(ctx, "bob", testEnvelope("bob-phone", 1, 1)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}

	again, err := f.relay.Push(ctx, "alice", testEnvelope("alice-phone", 1, 1))
	if !errors.Is(err, domain.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
	if again != first {
		t.Errorf("duplicate push returned %d, want original position %d", again, first)
	}

	head, err := f.relay.StreamHead(ctx, "alice", "ledger")
	if err != nil {
		t.Fatalf("StreamHead() error = %v", err)
	}
	if head != 2 {
		t.Errorf("head = %d, want 2", head)
	}
}

func TestRelayService_Push_Rejections(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)
	f.addPrincipal(t, "carol", domain.RoleViewer, "ledger")

	tests := []struct {
		name      string
		principal string
		env       *domain.SyncEnvelope
		wantErr   error
	}{
		{name: "viewer cannot write", principal: "carol", env: testEnvelope("carol-phone", 1, 1), wantErr: domain.ErrAccessDenied},
		{name: "stranger cannot write", principal: "mallory", env: testEnvelope("m", 1, 1), wantErr: domain.ErrAccessDenied},
		{name: "unknown key version", principal: "alice", env: testEnvelope("alice-phone", 1, 7), wantErr: domain.ErrStaleKeyVersion},
		{name: "missing device seq", principal: "alice", env: testEnvelope("alice-phone", 0, 1), wantErr: domain.ErrInvalidEnvelope},
		{name: "self predecessor", principal: "alice", env: testEnvelope("alice-phone", 1, 1, "alice-phone:1"), wantErr: domain.ErrInvalidEnvelope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.relay.Push(ctx, tt.principal, tt.env); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestRelayService_Push_ConcurrentOrdering(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)

	const perDevice = 10
	devices := []string{"alice-phone", "alice-laptop", "bob-phone"}
	var wg sync.WaitGroup
	errs := make(chan error, len(devices)*perDevice)
	for _, device := range devices {
		principal := "alice"
		if device == "bob-phone" {
			principal = "bob"
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := uint64(1); i <= perDevice; i++ {
				if _, err := f.relay.Push(ctx, principal, testEnvelope(device, i, 1)); err != nil {
					errs <- err
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Errorf("Push() error = %v", err)
	}

	got := collect(t, f, "alice", 0, 0)
	if len(got) != len(devices)*perDevice {
		t.Fatalf("expected %d envelopes, got %d", len(devices)*perDevice, len(got))
	}
	lastByDevice := make(map[string]uint64)
	for i, env := range got {
		if env.Sequence != uint64(i+1) {
			t.Fatalf("sequence gap at %d: got %d", i, env.Sequence)
		}
		if env.DeviceSeq <= lastByDevice[env.OriginDeviceID] {
			t.Errorf("device %s order not preserved", env.OriginDeviceID)
		}
		lastByDevice[env.OriginDeviceID] = env.DeviceSeq
	}
}

func TestRelayService_Pull_Cursor(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)
	for i := uint64(1); i <= 5; i++ {
		if _, err := f.relay.Push(ctx, "alice", testEnvelope("alice-phone", i, 1)); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	page := collect(t, f, "bob", 0, 2)
	if len(page) != 2 || page[1].Sequence != 2 {
		t.Fatalf("first page = %d envelopes", len(page))
	}

	// 配信済み位置は後からの push でずれない
	if _, err := f.relay.Push(ctx, "bob", testEnvelope("bob-phone", 1, 1)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	rest := collect(t, f, "bob", page[1].Sequence, 0)
	var seqs []uint64
	for _, env := range rest {
		seqs = append(seqs, env.Sequence)
	}
	if !slices.Equal(seqs, []uint64{3, 4, 5, 6}) {
		t.Errorf("resumed sequences = %v, want [3 4 5 6]", seqs)
	}
}

func TestRelayService_Pull_StopsAtHeadCapturedAtCall(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)
	for i := uint64(1); i <= 3; i++ {
		if _, err := f.relay.Push(ctx, "alice", testEnvelope("alice-phone", i, 1)); err != nil {
			t.Fatalf("Push() error = %v", err)
		}
	}

	seq, err := f.relay.Pull(ctx, "bob", "ledger", 0, 0)
	if err != nil {
		t.Fatalf("Pull() error = %v", err)
	}
	count := 0
	for _, err := range seq {
		if err != nil {
			t.Fatalf("iteration error = %v", err)
		}
		if count == 0 {
			if _, err := f.relay.Push(ctx, "alice", testEnvelope("alice-phone", 4, 1)); err != nil {
				t.Fatalf("Push() error = %v", err)
			}
		}
		count++
	}
	if count != 3 {
		t.Errorf("pulled %d envelopes, want 3", count)
	}
}

func TestRelayService_Pull_RevocationIsRetroactive(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)
	f.addPrincipal(t, "carol", domain.RoleViewer, "ledger")

	if _, err := f.relay.Push(ctx, "alice", testEnvelope("alice-phone", 1, 1)); err != nil {
		t.Fatalf("Push() error = %v", err)
	}
	if got := collect(t, f, "carol", 0, 0); len(got) != 1 {
		t.Fatalf("carol pulled %d envelopes before revocation, want 1", len(got))
	}

	if err := f.access.Unbind(ctx, "alice", "carol", "ledger"); err != nil {
		t.Fatalf("Unbind() error = %v", err)
	}
	f.rotate(t, domain.RotationRequest{ResourceClass: "ledger", Trigger: domain.RotationTriggerRoleUnbound})

	if _, err := f.relay.Pull(ctx, "carol", "ledger", 0, 0); !errors.Is(err, domain.ErrAccessDenied) {
		t.Errorf("Pull() after revocation: expected ErrAccessDenied, got %v", err)
	}

	// 権限を取り戻しても失効済みバージョンの履歴は返さない
	if _, err := f.access.Bind(ctx, "alice", "carol", domain.RoleViewer, "ledger"); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if _, err := f.relay.Push(ctx, "alice", testEnvelope("alice-phone", 2, 2)); err != nil {
		t.Fatalf("Push() v2 error = %v", err)
	}
	got := collect(t, f, "carol", 0, 0)
	if len(got) != 1 || got[0].KeyVersion != 2 {
		t.Errorf("carol should only see the v2 envelope, got %d envelopes", len(got))
	}

	// 猶予期間中の旧バージョンは他の保有者には引き続き返る
	if got := collect(t, f, "bob", 0, 0); len(got) != 2 {
		t.Errorf("bob pulled %d envelopes, want 2", len(got))
	}
}

func TestRelayService_Push_StaleAfterRevocation(t *testing.T) {
	ctx := context.Background()
	f := newRelayFixture(t)

	if err := f.access.RemovePrincipal(ctx, "alice", "bob"); err != nil {
		t.Fatalf("RemovePrincipal() error = %v", err)
	}
	f.rotate(t, f.requester.forClass("ledger")[0])

	// 書き込み権はなくなっている
	if _, err := f.relay.Push(ctx, "bob", testEnvelope("bob-phone", 1, 1)); !errors.Is(err, domain.ErrAccessDenied) {
		t.Errorf("expected ErrAccessDenied, got %v", err)
	}

	// 旧バージョンでも猶予期間中は受理する
	if _, err := f.relay.Push(ctx, "alice", testEnvelope("alice-phone", 1, 1)); err != nil {
		t.Errorf("Push() with historical version error = %v", err)
	}
}
