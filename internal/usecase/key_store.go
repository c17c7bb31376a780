package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"

	"github.com/google/uuid"

	"keysync-service/internal/domain"
	"keysync-service/internal/infra"
	"keysync-service/internal/keytree"
)

// KeyStore は鍵バージョンとグラントの唯一の管理者。
// unwrap はアクセス可否を判定する唯一の関門で、有効なグラントなしに鍵素材を返すことはない。
type KeyStore struct {
	versions   KeyVersionRepository
	grants     GrantRepository
	principals PrincipalRepository
	kms        KMSClient
	tree       *keytree.Tree
	rootSecret []byte
	clock      infra.Clock
}

// NewKeyStore は新しいKeyStoreを生成する。rootSecret は復号済みの組織ルート秘密。
func NewKeyStore(versions KeyVersionRepository, grants GrantRepository, principals PrincipalRepository, kms KMSClient, tree *keytree.Tree, rootSecret []byte, clock infra.Clock) (*KeyStore, error) {
	if len(rootSecret) != keytree.RootSecretSize {
		return nil, fmt.Errorf("%w: root secret must be %d bytes", domain.ErrDerivation, keytree.RootSecretSize)
	}
	return &KeyStore{
		versions:   versions,
		grants:     grants,
		principals: principals,
		kms:        kms,
		tree:       tree,
		rootSecret: rootSecret,
		clock:      clock,
	}, nil
}

// Classes は登録済みのリソースクラスを返す。
func (s *KeyStore) Classes() []domain.ResourceClass {
	return s.tree.Classes()
}

func (s *KeyStore) checkClass(class domain.ResourceClass) error {
	if err := class.Validate(); err != nil {
		return err
	}
	if !s.tree.Has(class) {
		return fmt.Errorf("%w: resource class %q", domain.ErrNotFound, class)
	}
	return nil
}

// CurrentVersion は現行バージョンのメタデータを返す。初期化前は ErrNoKey を返す。
func (s *KeyStore) CurrentVersion(ctx context.Context, class domain.ResourceClass) (*domain.KeyVersionMetadata, error) {
	if err := s.checkClass(class); err != nil {
		return nil, err
	}
	v, err := s.versions.FindCurrent(ctx, class)
	if err != nil {
		return nil, fmt.Errorf("finding current version: %w", err)
	}
	if v == nil {
		return nil, fmt.Errorf("%w: %s", domain.ErrNoKey, class)
	}
	return v.Metadata(), nil
}

// ListVersions はクラスの全バージョンのメタデータを返す。
func (s *KeyStore) ListVersions(ctx context.Context, class domain.ResourceClass) ([]*domain.KeyVersionMetadata, error) {
	if err := s.checkClass(class); err != nil {
		return nil, err
	}
	versions, err := s.versions.FindAllByClass(ctx, class)
	if err != nil {
		return nil, fmt.Errorf("finding versions: %w", err)
	}
	metadata := make([]*domain.KeyVersionMetadata, len(versions))
	for i, v := range versions {
		metadata[i] = v.Metadata()
	}
	return metadata, nil
}

// Grant はプリンシパルにバージョンのグラントを発行する。
// 有効なグラントが既にあればそれを返す。失効済みの組を復活させることはなく ErrAccessDenied を返す。
func (s *KeyStore) Grant(ctx context.Context, principalID string, class domain.ResourceClass, version uint64) (*domain.WrappedKeyGrant, error) {
	if err := s.checkClass(class); err != nil {
		return nil, err
	}

	existing, err := s.grants.Find(ctx, principalID, class, version)
	if err != nil {
		return nil, fmt.Errorf("finding grant: %w", err)
	}
	if existing != nil {
		if existing.IsLive() {
			return existing, nil
		}
		return nil, fmt.Errorf("%w: grant %s/%s/%d was revoked", domain.ErrAccessDenied, principalID, class, version)
	}

	principal, err := s.principals.FindByID(ctx, principalID)
	if err != nil {
		return nil, fmt.Errorf("finding principal: %w", err)
	}
	if principal == nil {
		return nil, fmt.Errorf("%w: principal %s", domain.ErrNotFound, principalID)
	}
	if principal.IsRemoved() {
		return nil, fmt.Errorf("%w: %s", domain.ErrPrincipalRemoved, principalID)
	}

	kv, err := s.versions.Find(ctx, class, version)
	if err != nil {
		return nil, fmt.Errorf("finding version: %w", err)
	}
	if kv == nil || kv.Status == domain.KeyVersionStatusRetired || kv.Status == domain.KeyVersionStatusFailed {
		return nil, fmt.Errorf("%w: key version %s/%d", domain.ErrNotFound, class, version)
	}

	material, err := s.kms.Decrypt(ctx, kv.SealedMaterial)
	if err != nil {
		return nil, fmt.Errorf("unsealing key material: %w", err)
	}
	defer keytree.Zero(material)

	wrapped, err := keytree.SealGrant(principal.PublicKey, material)
	if err != nil {
		return nil, fmt.Errorf("wrapping key for %s: %w", principalID, err)
	}

	grant := &domain.WrappedKeyGrant{
		ID:            uuid.NewString(),
		PrincipalID:   principalID,
		ResourceClass: class,
		Version:       version,
		WrappedKey:    wrapped,
		GrantedAt:     s.clock.Now(),
	}
	if err := s.grants.Create(ctx, grant); err != nil {
		if errors.Is(err, domain.ErrDuplicate) {
			// 並行して同じグラントが作られた
			return s.liveGrant(ctx, principalID, class, version)
		}
		return nil, fmt.Errorf("creating grant: %w", err)
	}

	slog.DebugContext(ctx, "grant issued",
		"principal_id", principalID,
		"class", class,
		"version", version,
	)
	return grant, nil
}

// GrantCurrent は現行バージョンのグラントを発行する。クラスが未初期化なら ErrNoKey を返す。
func (s *KeyStore) GrantCurrent(ctx context.Context, principalID string, class domain.ResourceClass) (*domain.WrappedKeyGrant, error) {
	current, err := s.CurrentVersion(ctx, class)
	if err != nil {
		return nil, err
	}
	return s.Grant(ctx, principalID, class, current.Version)
}

// Revoke はグラントを失効させる。行は削除しない。有効なグラントが無ければ ErrNotFound を返す。
func (s *KeyStore) Revoke(ctx context.Context, principalID string, class domain.ResourceClass, version uint64) error {
	if err := s.checkClass(class); err != nil {
		return err
	}
	if err := s.grants.Revoke(ctx, principalID, class, version, s.clock.Now()); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: no live grant %s/%s/%d", domain.ErrNotFound, principalID, class, version)
		}
		return fmt.Errorf("revoking grant: %w", err)
	}
	return nil
}

// Unwrap はプリンシパルが有効なグラントを持つ場合に限り鍵素材を返す。
func (s *KeyStore) Unwrap(ctx context.Context, principalID string, class domain.ResourceClass, version uint64) (*domain.KeyMaterial, error) {
	if _, err := s.liveGrant(ctx, principalID, class, version); err != nil {
		return nil, err
	}

	kv, err := s.versions.Find(ctx, class, version)
	if err != nil {
		return nil, fmt.Errorf("finding version: %w", err)
	}
	if kv == nil {
		return nil, fmt.Errorf("%w: key version %s/%d", domain.ErrNotFound, class, version)
	}
	// 失敗したローテーションで発行済みのグラントが残っていても使わせない
	if kv.Status == domain.KeyVersionStatusFailed {
		return nil, fmt.Errorf("%w: key version %s/%d failed", domain.ErrAccessDenied, class, version)
	}

	material, err := s.kms.Decrypt(ctx, kv.SealedMaterial)
	if err != nil {
		return nil, fmt.Errorf("unsealing key material: %w", err)
	}
	return &domain.KeyMaterial{
		ResourceClass: class,
		Version:       version,
		Key:           material,
	}, nil
}

// FetchGrant はデバイスが手元で開封するためのラップ済みグラントを返す。
func (s *KeyStore) FetchGrant(ctx context.Context, principalID string, class domain.ResourceClass, version uint64) (*domain.WrappedKeyGrant, error) {
	return s.liveGrant(ctx, principalID, class, version)
}

// LiveHolders はクラスのいずれかのバージョンに有効なグラントを持つプリンシパルをID順に返す。
func (s *KeyStore) LiveHolders(ctx context.Context, class domain.ResourceClass) ([]string, error) {
	live, err := s.grants.FindLiveByClass(ctx, class)
	if err != nil {
		return nil, fmt.Errorf("finding live grants: %w", err)
	}
	var holders []string
	for _, g := range live {
		if !slices.Contains(holders, g.PrincipalID) {
			holders = append(holders, g.PrincipalID)
		}
	}
	slices.Sort(holders)
	return holders, nil
}

// LiveGrants はプリンシパルが持つ有効なグラントを返す。class が空なら全クラス。
func (s *KeyStore) LiveGrants(ctx context.Context, principalID string, class domain.ResourceClass) ([]*domain.WrappedKeyGrant, error) {
	grants, err := s.grants.FindLiveByPrincipal(ctx, principalID, class)
	if err != nil {
		return nil, fmt.Errorf("finding live grants: %w", err)
	}
	return grants, nil
}

// LiveVersions はプリンシパルが有効なグラントを持つクラス内のバージョン集合を返す。
func (s *KeyStore) LiveVersions(ctx context.Context, principalID string, class domain.ResourceClass) (map[uint64]struct{}, error) {
	grants, err := s.LiveGrants(ctx, principalID, class)
	if err != nil {
		return nil, err
	}
	versions := make(map[uint64]struct{}, len(grants))
	for _, g := range grants {
		versions[g.Version] = struct{}{}
	}
	return versions, nil
}

// ActiveVersion はエンベロープの受理に使えるバージョン（現行または猶予期間中）かどうかを返す。
func (s *KeyStore) ActiveVersion(ctx context.Context, class domain.ResourceClass, version uint64) (bool, error) {
	kv, err := s.versions.Find(ctx, class, version)
	if err != nil {
		return false, fmt.Errorf("finding version: %w", err)
	}
	if kv == nil {
		return false, nil
	}
	return kv.Status == domain.KeyVersionStatusCurrent || kv.Status == domain.KeyVersionStatusHistorical, nil
}

func (s *KeyStore) liveGrant(ctx context.Context, principalID string, class domain.ResourceClass, version uint64) (*domain.WrappedKeyGrant, error) {
	g, err := s.grants.Find(ctx, principalID, class, version)
	if err != nil {
		return nil, fmt.Errorf("finding grant: %w", err)
	}
	if g == nil || !g.IsLive() {
		return nil, fmt.Errorf("%w: %s has no live grant for %s/%d", domain.ErrAccessDenied, principalID, class, version)
	}
	return g, nil
}

// createPendingVersion は新しいバージョンの鍵素材を導出し、KMSで封印して pending として保存する。
func (s *KeyStore) createPendingVersion(ctx context.Context, class domain.ResourceClass, version uint64) error {
	material, err := s.tree.DeriveClassKey(s.rootSecret, class, version)
	if err != nil {
		return err
	}
	defer keytree.Zero(material)

	sealed, err := s.kms.Encrypt(ctx, material)
	if err != nil {
		return fmt.Errorf("sealing key material: %w", err)
	}

	return s.versions.Create(ctx, &domain.KeyVersion{
		ResourceClass:  class,
		Version:        version,
		SealedMaterial: sealed,
		Status:         domain.KeyVersionStatusPending,
		CreatedAt:      s.clock.Now(),
	})
}

// retireVersion は旧バージョンの全グラントを失効させ、retired にする。失効させたプリンシパルを返す。
func (s *KeyStore) retireVersion(ctx context.Context, class domain.ResourceClass, version uint64) ([]string, error) {
	revoked, err := s.grants.RevokeVersion(ctx, class, version, s.clock.Now())
	if err != nil {
		return nil, fmt.Errorf("revoking version grants: %w", err)
	}
	if err := s.versions.UpdateStatus(ctx, class, version, domain.KeyVersionStatusHistorical, domain.KeyVersionStatusRetired); err != nil {
		return nil, fmt.Errorf("retiring version: %w", err)
	}
	return revoked, nil
}
