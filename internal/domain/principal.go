package domain

import (
	"regexp"
	"time"
)

var principalIDRegex = regexp.MustCompile(`^[a-zA-Z0-9_.@-]{1,128}$`)

// ValidatePrincipalID はプリンシパルIDの形式を検証する。
func ValidatePrincipalID(id string) error {
	if !principalIDRegex.MatchString(id) {
		return ErrInvalidPrincipalID
	}
	return nil
}

// PrincipalKind はプリンシパルの種別を表す。
type PrincipalKind string

const (
	PrincipalKindUser   PrincipalKind = "user"
	PrincipalKindDevice PrincipalKind = "device"
)

// Principal はユーザーまたはデバイスの識別子を表す。
// 削除時は RemovedAt を設定するだけで、監査履歴からは消さない。
type Principal struct {
	ID        string
	Kind      PrincipalKind
	PublicKey []byte // X25519公開鍵（32バイト）
	CreatedAt time.Time
	RemovedAt *time.Time
}

// IsRemoved は削除済みかどうかを返す。
func (p *Principal) IsRemoved() bool {
	return p.RemovedAt != nil
}

// Operation はリソースに対する操作を表す。
type Operation string

const (
	OperationRead       Operation = "read"
	OperationWrite      Operation = "write"
	OperationAdminister Operation = "administer"
)

// Role はロールを表す。
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleMember Role = "member"
	RoleViewer Role = "viewer"
)

var roleOperations = map[Role][]Operation{
	RoleAdmin:  {OperationRead, OperationWrite, OperationAdminister},
	RoleMember: {OperationRead, OperationWrite},
	RoleViewer: {OperationRead},
}

// Operations はロールに許可された操作一覧を返す。
func (r Role) Operations() []Operation {
	return roleOperations[r]
}

// Validate はロールが既知かどうかを検証する。
func (r Role) Validate() error {
	if _, ok := roleOperations[r]; !ok {
		return ErrInvalidRole
	}
	return nil
}

// Rank は権限の強さを返す。値が大きいほど強い。
func (r Role) Rank() int {
	return len(roleOperations[r])
}

// ScopeAll は登録済みの全リソースクラスを表すスコープ。
const ScopeAll = "*"

// Scope はロールバインディングの対象範囲を表す。リソースクラス名または ScopeAll。
type Scope string

// Validate はスコープの形式を検証する。
func (s Scope) Validate() error {
	if s == ScopeAll {
		return nil
	}
	if err := ResourceClass(s).Validate(); err != nil {
		return ErrInvalidRole
	}
	return nil
}

// Covers はスコープが指定されたリソースクラスを含むかどうかを返す。
func (s Scope) Covers(class ResourceClass) bool {
	return s == ScopeAll || string(s) == string(class)
}

// RoleBinding はプリンシパルとロール・スコープの対応を表す。
// 鍵素材そのものは付与しない。グラントはローテーション時に別途実体化される。
type RoleBinding struct {
	ID          string
	PrincipalID string
	Role        Role
	Scope       Scope
	CreatedAt   time.Time
}
