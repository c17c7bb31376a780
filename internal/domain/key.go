// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"regexp"
	"time"
)

var resourceClassRegex = regexp.MustCompile(`^[a-z0-9][a-z0-9_.-]{0,62}$`)

// ResourceClass は同じデータ鍵系列を共有するレコード群を表す（例: "ledger", "attachments"）。
type ResourceClass string

// Validate はリソースクラス名の形式を検証する。
func (c ResourceClass) Validate() error {
	if !resourceClassRegex.MatchString(string(c)) {
		return ErrInvalidResourceClass
	}
	return nil
}

// KeyVersionStatus は鍵バージョンの状態を表す。
type KeyVersionStatus string

const (
	// KeyVersionStatusPending はローテーション中でまだ現行になっていないバージョン。
	KeyVersionStatusPending KeyVersionStatus = "pending"
	// KeyVersionStatusCurrent はクラスごとに常に1つだけ存在する現行バージョン。
	KeyVersionStatusCurrent KeyVersionStatus = "current"
	// KeyVersionStatusHistorical は再暗号化待ちデータのために猶予期間中保持される旧バージョン。
	KeyVersionStatusHistorical KeyVersionStatus = "historical"
	// KeyVersionStatusRetired は猶予期間が終わり全グラントが失効した旧バージョン。
	KeyVersionStatusRetired KeyVersionStatus = "retired"
	// KeyVersionStatusFailed はローテーション失敗により現行にならなかったバージョン。
	KeyVersionStatusFailed KeyVersionStatus = "failed"
)

// KeyVersion はリソースクラスの鍵の1世代を表す。鍵素材はKMSで封印された状態で保持する。
type KeyVersion struct {
	ResourceClass  ResourceClass
	Version        uint64
	SealedMaterial []byte
	Status         KeyVersionStatus
	CreatedAt      time.Time
	SupersededAt   *time.Time
}

// IsCurrent は現行バージョンかどうかを返す。
func (v *KeyVersion) IsCurrent() bool {
	return v.Status == KeyVersionStatusCurrent
}

// KeyVersionMetadata は鍵バージョンのメタデータを表す（鍵素材を含まない）。
type KeyVersionMetadata struct {
	ResourceClass ResourceClass
	Version       uint64
	Status        KeyVersionStatus
	CreatedAt     time.Time
	SupersededAt  *time.Time
}

// Metadata は鍵素材を除いたメタデータを返す。
func (v *KeyVersion) Metadata() *KeyVersionMetadata {
	return &KeyVersionMetadata{
		ResourceClass: v.ResourceClass,
		Version:       v.Version,
		Status:        v.Status,
		CreatedAt:     v.CreatedAt,
		SupersededAt:  v.SupersededAt,
	}
}

// KeyMaterial は復号済みの対称鍵を表す。
type KeyMaterial struct {
	ResourceClass ResourceClass
	Version       uint64
	Key           []byte // 平文の鍵
}

// WrappedKeyGrant はプリンシパルの公開鍵で包まれた鍵バージョンのコピーを表す。
// RevokedAt が設定されたグラントは、バイト列が復号可能であっても決して使用しない。
type WrappedKeyGrant struct {
	ID            string
	PrincipalID   string
	ResourceClass ResourceClass
	Version       uint64
	WrappedKey    []byte
	GrantedAt     time.Time
	RevokedAt     *time.Time
}

// IsLive は失効していないグラントかどうかを返す。
func (g *WrappedKeyGrant) IsLive() bool {
	return g.RevokedAt == nil
}
