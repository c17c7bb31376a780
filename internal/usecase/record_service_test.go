package usecase

import (
	"context"
	"errors"
	"testing"

	"keysync-service/internal/domain"
)

func TestRecordService_EncryptDecrypt_AcrossRotation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addPrincipal(t, "alice", domain.RoleAdmin, domain.ScopeAll)
	f.addPrincipal(t, "bob", domain.RoleMember, "ledger")
	f.initClass(t, "ledger")

	rec, err := f.records.EncryptRecord(ctx, "bob", "ledger", []byte("invoice #42"))
	if err != nil {
		t.Fatalf("EncryptRecord() error = %v", err)
	}
	if rec.Version != 1 {
		t.Errorf("Version = %d, want 1", rec.Version)
	}

	plaintext, err := f.records.DecryptRecord(ctx, "alice", "ledger", rec.Version, rec.Ciphertext)
	if err != nil {
		t.Fatalf("DecryptRecord() error = %v", err)
	}
	if string(plaintext) != "invoice #42" {
		t.Errorf("DecryptRecord() = %q", plaintext)
	}

	if err := f.access.RemovePrincipal(ctx, "alice", "bob"); err != nil {
		t.Fatalf("RemovePrincipal() error = %v", err)
	}
	f.rotate(t, f.requester.forClass("ledger")[0])

	if _, err := f.records.DecryptRecord(ctx, "bob", "ledger", rec.Version, rec.Ciphertext); !errors.Is(err, domain.ErrAccessDenied) {
		t.Errorf("removed principal decrypt: expected ErrAccessDenied, got %v", err)
	}

	// 猶予期間中は旧バージョンのデータも読める
	if _, err := f.records.DecryptRecord(ctx, "alice", "ledger", rec.Version, rec.Ciphertext); err != nil {
		t.Errorf("DecryptRecord() of v1 data during grace window error = %v", err)
	}

	rec2, err := f.records.EncryptRecord(ctx, "alice", "ledger", []byte("invoice #43"))
	if err != nil {
		t.Fatalf("EncryptRecord() error = %v", err)
	}
	if rec2.Version != 2 {
		t.Errorf("new records use version %d, want 2", rec2.Version)
	}
}

func TestRecordService_DecryptRecord_WrongVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addPrincipal(t, "alice", domain.RoleAdmin, domain.ScopeAll)
	f.initClass(t, "ledger")
	f.rotate(t, domain.RotationRequest{ResourceClass: "ledger", Trigger: domain.RotationTriggerPolicy})

	rec, err := f.records.EncryptRecord(ctx, "alice", "ledger", []byte("secret"))
	if err != nil {
		t.Fatalf("EncryptRecord() error = %v", err)
	}
	if _, err := f.records.DecryptRecord(ctx, "alice", "ledger", 1, rec.Ciphertext); err == nil {
		t.Error("expected error opening v2 ciphertext with v1 key")
	}
}

func TestRecordService_Authorization(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.addPrincipal(t, "alice", domain.RoleAdmin, domain.ScopeAll)
	f.addPrincipal(t, "carol", domain.RoleViewer, "ledger")
	f.initClass(t, "ledger")

	if _, err := f.records.EncryptRecord(ctx, "carol", "ledger", []byte("x")); !errors.Is(err, domain.ErrAccessDenied) {
		t.Errorf("viewer encrypt: expected ErrAccessDenied, got %v", err)
	}
	if _, err := f.records.EncryptRecord(ctx, "alice", "attachments", []byte("x")); !errors.Is(err, domain.ErrNoKey) {
		t.Errorf("uninitialized class: expected ErrNoKey, got %v", err)
	}
}
