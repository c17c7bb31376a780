package usecase

import (
	"context"
	"fmt"

	"keysync-service/internal/domain"
	"keysync-service/internal/keytree"
)

// EncryptedRecord はレコードの暗号文と、その暗号化に使った鍵バージョン。
type EncryptedRecord struct {
	ResourceClass domain.ResourceClass `json:"resourceClass"`
	Version       uint64               `json:"keyVersion"`
	Ciphertext    []byte               `json:"ciphertext"`
}

// RecordService はアプリケーションのレコードをクラスの鍵で暗号化・復号する。
type RecordService struct {
	store *KeyStore
	authz Authorizer
}

// NewRecordService は新しいRecordServiceを生成する。
func NewRecordService(store *KeyStore, authz Authorizer) *RecordService {
	return &RecordService{store: store, authz: authz}
}

// EncryptRecord は現行バージョンでレコードを暗号化する。
func (s *RecordService) EncryptRecord(ctx context.Context, principalID string, class domain.ResourceClass, plaintext []byte) (*EncryptedRecord, error) {
	if !s.authz.IsAuthorized(principalID, class, domain.OperationWrite) {
		return nil, fmt.Errorf("%w: %s cannot write %s", domain.ErrAccessDenied, principalID, class)
	}
	current, err := s.store.CurrentVersion(ctx, class)
	if err != nil {
		return nil, err
	}

	key, err := s.store.Unwrap(ctx, principalID, class, current.Version)
	if err != nil {
		return nil, err
	}
	defer keytree.Zero(key.Key)

	ciphertext, err := keytree.SealRecord(key.Key, class, current.Version, plaintext)
	if err != nil {
		return nil, fmt.Errorf("sealing record: %w", err)
	}
	return &EncryptedRecord{
		ResourceClass: class,
		Version:       current.Version,
		Ciphertext:    ciphertext,
	}, nil
}

// DecryptRecord は指定バージョンで暗号化されたレコードを復号する。
func (s *RecordService) DecryptRecord(ctx context.Context, principalID string, class domain.ResourceClass, version uint64, ciphertext []byte) ([]byte, error) {
	if !s.authz.IsAuthorized(principalID, class, domain.OperationRead) {
		return nil, fmt.Errorf("%w: %s cannot read %s", domain.ErrAccessDenied, principalID, class)
	}
	key, err := s.store.Unwrap(ctx, principalID, class, version)
	if err != nil {
		return nil, err
	}
	defer keytree.Zero(key.Key)

	plaintext, err := keytree.OpenRecord(key.Key, class, version, ciphertext)
	if err != nil {
		return nil, fmt.Errorf("opening record: %w", err)
	}
	return plaintext, nil
}
