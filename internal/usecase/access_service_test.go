package usecase

import (
	"context"
	"errors"
	"slices"
	"testing"

	"keysync-service/internal/domain"
	"keysync-service/internal/keytree"
)

func TestAccessService_IsAuthorized(t *testing.T) {
	f := newFixture(t)
	f.addPrincipal(t, "alice", domain.RoleAdmin, domain.ScopeAll)
	f.addPrincipal(t, "bob", domain.RoleMember, "ledger")
	f.addPrincipal(t, "carol", domain.RoleViewer, "attachments")

	tests := []struct {
		principal string
		class     domain.ResourceClass
		op        domain.Operation
		want      bool
	}{
		{"alice", "ledger", domain.OperationAdminister, true},
		{"alice", "attachments", domain.OperationWrite, true},
		{"bob", "ledger", domain.OperationWrite, true},
		{"bob", "ledger", domain.OperationAdminister, false},
		{"bob", "attachments", domain.OperationRead, false},
		{"carol", "attachments", domain.OperationRead, true},
		{"carol", "attachments", domain.OperationWrite, false},
		{"mallory", "ledger", domain.OperationRead, false},
	}

	for _, tt := range tests {
		t.Run(tt.principal+"/"+string(tt.class)+"/"+string(tt.op), func(t *testing.T) {
			if got := f.access.IsAuthorized(tt.principal, tt.class, tt.op); got != tt.want {
				t.Errorf("IsAuthorized() = %v, want %v", got, tt.want)
			}
		})
	}

	if !f.access.IsAuthorizedForScope("alice", domain.ScopeAll, domain.OperationAdminister) {
		t.Error("alice should administer every class")
	}
	if f.access.IsAuthorizedForScope("bob", domain.ScopeAll, domain.OperationRead) {
		t.Error("bob should not read every class")
	}
}

func TestAccessService_EligiblePrincipals(t *testing.T) {
	f := newFixture(t)
	f.addPrincipal(t, "carol", domain.RoleViewer, "ledger")
	f.addPrincipal(t, "alice", domain.RoleAdmin, domain.ScopeAll)
	f.addPrincipal(t, "bob", domain.RoleMember, "attachments")

	got, err := f.access.EligiblePrincipals(context.Background(), "ledger")
	if err != nil {
		t.Fatalf("EligiblePrincipals() error = %v", err)
	}
	if !slices.Equal(got, []string{"alice", "carol"}) {
		t.Errorf("EligiblePrincipals() = %v, want [alice carol]", got)
	}
}

func TestAccessService_Bind_ProvisionsCurrentVersion(t *testing.T) {
	f := newFixture(t)
	f.addPrincipal(t, "alice", domain.RoleAdmin, domain.ScopeAll)
	f.initClass(t, "ledger")

	f.addPrincipal(t, "bob", domain.RoleViewer, "ledger")

	if got := f.liveVersions(t, "bob", "ledger"); !slices.Equal(got, []uint64{1}) {
		t.Errorf("bob live versions = %v, want [1]", got)
	}
	if reqs := f.requester.forClass("ledger"); len(reqs) != 0 {
		t.Errorf("binding a new reader should not rotate, got %v", reqs)
	}

	actions := f.auditActions(t)
	if actions[len(actions)-1] != domain.AuditActionRoleBound {
		t.Errorf("last audit action = %s, want role_bound", actions[len(actions)-1])
	}
}

func TestAccessService_Bind_Downgrade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addPrincipal(t, "alice", domain.RoleAdmin, domain.ScopeAll)
	f.addPrincipal(t, "bob", domain.RoleMember, "ledger")

	if _, err := f.access.Bind(ctx, "alice", "bob", domain.RoleViewer, "ledger"); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	reqs := f.requester.forClass("ledger")
	if len(reqs) != 1 {
		t.Fatalf("expected 1 rotation request, got %d", len(reqs))
	}
	if reqs[0].Trigger != domain.RotationTriggerRoleDowngraded {
		t.Errorf("trigger = %s, want role_downgraded", reqs[0].Trigger)
	}
	if len(reqs[0].RemovedPrincipals) != 0 {
		t.Errorf("viewer keeps read access, RemovedPrincipals = %v", reqs[0].RemovedPrincipals)
	}
	if f.access.IsAuthorized("bob", "ledger", domain.OperationWrite) {
		t.Error("bob should no longer write ledger")
	}

	// 昇格はローテーション不要
	if _, err := f.access.Bind(ctx, "alice", "bob", domain.RoleAdmin, "ledger"); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}
	if reqs := f.requester.forClass("ledger"); len(reqs) != 1 {
		t.Errorf("upgrade should not enqueue rotation, got %d requests", len(reqs))
	}
}

func TestAccessService_Bind_AfterRevocationDefersToRotation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addPrincipal(t, "alice", domain.RoleAdmin, domain.ScopeAll)
	f.addPrincipal(t, "bob", domain.RoleViewer, "ledger")
	f.initClass(t, "ledger")

	if err := f.access.Unbind(ctx, "alice", "bob", "ledger"); err != nil {
		t.Fatalf("Unbind() error = %v", err)
	}
	if err := f.store.Revoke(ctx, "bob", "ledger", 1); err != nil {
		t.Fatalf("Revoke() error = %v", err)
	}

	if _, err := f.access.Bind(ctx, "alice", "bob", domain.RoleViewer, "ledger"); err != nil {
		t.Fatalf("Bind() error = %v", err)
	}

	reqs := f.requester.forClass("ledger")
	last := reqs[len(reqs)-1]
	if last.Trigger != domain.RotationTriggerAdminRequest {
		t.Errorf("trigger = %s, want admin_request", last.Trigger)
	}
	if _, err := f.store.Unwrap(ctx, "bob", "ledger", 1); !errors.Is(err, domain.ErrAccessDenied) {
		t.Errorf("revoked grant must not be restored, got %v", err)
	}
}

func TestAccessService_RemovePrincipal(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addPrincipal(t, "alice", domain.RoleAdmin, domain.ScopeAll)
	f.addPrincipal(t, "bob", domain.RoleMember, domain.ScopeAll)

	if err := f.access.RemovePrincipal(ctx, "alice", "bob"); err != nil {
		t.Fatalf("RemovePrincipal() error = %v", err)
	}

	for _, class := range testClasses {
		if f.access.IsAuthorized("bob", class, domain.OperationRead) {
			t.Errorf("bob still reads %s", class)
		}
		reqs := f.requester.forClass(class)
		if len(reqs) != 1 || reqs[0].Trigger != domain.RotationTriggerPrincipalRemoved {
			t.Errorf("%s: unexpected requests %v", class, reqs)
		}
	}

	p, err := f.access.GetPrincipal(ctx, "bob")
	if err != nil {
		t.Fatalf("GetPrincipal() error = %v", err)
	}
	if !p.IsRemoved() {
		t.Error("expected tombstone")
	}

	if err := f.access.RemovePrincipal(ctx, "alice", "bob"); !errors.Is(err, domain.ErrPrincipalRemoved) {
		t.Errorf("second RemovePrincipal(): expected ErrPrincipalRemoved, got %v", err)
	}
	if _, err := f.access.Bind(ctx, "alice", "bob", domain.RoleViewer, "ledger"); !errors.Is(err, domain.ErrPrincipalRemoved) {
		t.Errorf("Bind() on removed principal: expected ErrPrincipalRemoved, got %v", err)
	}

	records, err := f.ledger.List(ctx, AuditFilter{Subject: "bob"})
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(records) == 0 || records[0].Action != domain.AuditActionPrincipalRemoved {
		t.Errorf("expected principal_removed as newest record for bob, got %v", records)
	}
}

func TestAccessService_ReconcileGrants(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addPrincipal(t, "alice", domain.RoleAdmin, domain.ScopeAll)
	f.addPrincipal(t, "bob", domain.RoleViewer, "ledger")
	f.initClass(t, "ledger")

	if err := f.access.RemovePrincipal(ctx, "alice", "bob"); err != nil {
		t.Fatalf("RemovePrincipal() error = %v", err)
	}
	// 再起動でキューの中身が失われた状態
	f.requester.requests = nil

	if err := f.access.ReconcileGrants(ctx, f.store); err != nil {
		t.Fatalf("ReconcileGrants() error = %v", err)
	}
	if got := f.requester.forClass("attachments"); len(got) != 0 {
		t.Errorf("unexpected requests for attachments: %+v", got)
	}
	reqs := f.requester.forClass("ledger")
	if len(reqs) != 1 {
		t.Fatalf("got %d requests for ledger, want 1", len(reqs))
	}
	if reqs[0].Trigger != domain.RotationTriggerReconciliation || !slices.Equal(reqs[0].RemovedPrincipals, []string{"bob"}) {
		t.Errorf("unexpected request: %+v", reqs[0])
	}

	f.rotate(t, reqs[0])
	if got := f.liveVersions(t, "bob", "ledger"); len(got) != 0 {
		t.Errorf("bob still holds %v", got)
	}

	f.requester.requests = nil
	if err := f.access.ReconcileGrants(ctx, f.store); err != nil {
		t.Fatalf("ReconcileGrants() error = %v", err)
	}
	if got := f.requester.forClass("ledger"); len(got) != 0 {
		t.Errorf("reconciled class enqueued again: %+v", got)
	}
}

func TestAccessService_Validation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addPrincipal(t, "alice", domain.RoleAdmin, domain.ScopeAll)
	_, pub, err := keytree.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair() error = %v", err)
	}

	tests := []struct {
		name    string
		run     func() error
		wantErr error
	}{
		{
			name: "duplicate principal",
			run: func() error {
				_, err := f.access.RegisterPrincipal(ctx, "root", "alice", domain.PrincipalKindUser, pub)
				return err
			},
			wantErr: domain.ErrPrincipalAlreadyExists,
		},
		{
			name: "invalid principal id",
			run: func() error {
				_, err := f.access.RegisterPrincipal(ctx, "root", "bad id!", domain.PrincipalKindUser, pub)
				return err
			},
			wantErr: domain.ErrInvalidPrincipalID,
		},
		{
			name: "short public key",
			run: func() error {
				_, err := f.access.RegisterPrincipal(ctx, "root", "dave", domain.PrincipalKindDevice, pub[:16])
				return err
			},
			wantErr: domain.ErrDerivation,
		},
		{
			name: "unknown role",
			run: func() error {
				_, err := f.access.Bind(ctx, "root", "alice", "owner", "ledger")
				return err
			},
			wantErr: domain.ErrInvalidRole,
		},
		{
			name: "unregistered class scope",
			run: func() error {
				_, err := f.access.Bind(ctx, "root", "alice", domain.RoleViewer, "payroll")
				return err
			},
			wantErr: domain.ErrNotFound,
		},
		{
			name: "unbind missing binding",
			run: func() error {
				return f.access.Unbind(ctx, "root", "alice", "ledger")
			},
			wantErr: domain.ErrNotFound,
		},
		{
			name: "bind unknown principal",
			run: func() error {
				_, err := f.access.Bind(ctx, "root", "nobody", domain.RoleViewer, "ledger")
				return err
			},
			wantErr: domain.ErrNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.run(); !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}
