package domain

import "time"

// RotationState はローテーションの状態機械の状態を表す。
//
//	Pending -> KeyGenerated -> GrantsIssued -> OldGrantsRevoked -> Committed
//
// Failed は終端状態以外のどこからでも遷移できる。
type RotationState string

const (
	RotationStatePending          RotationState = "pending"
	RotationStateKeyGenerated     RotationState = "key_generated"
	RotationStateGrantsIssued     RotationState = "grants_issued"
	RotationStateOldGrantsRevoked RotationState = "old_grants_revoked"
	RotationStateCommitted        RotationState = "committed"
	RotationStateFailed           RotationState = "failed"
)

var rotationStateOrder = map[RotationState]int{
	RotationStatePending:          0,
	RotationStateKeyGenerated:     1,
	RotationStateGrantsIssued:     2,
	RotationStateOldGrantsRevoked: 3,
	RotationStateCommitted:        4,
}

// IsTerminal は終端状態かどうかを返す。
func (s RotationState) IsTerminal() bool {
	return s == RotationStateCommitted || s == RotationStateFailed
}

// Abortable は中断可能な状態かどうかを返す。OldGrantsRevoked 以降は中断できない。
func (s RotationState) Abortable() bool {
	order, ok := rotationStateOrder[s]
	return ok && order < rotationStateOrder[RotationStateOldGrantsRevoked]
}

// CanTransitionTo は next への遷移が許可されているかどうかを返す。
func (s RotationState) CanTransitionTo(next RotationState) bool {
	if s.IsTerminal() {
		return false
	}
	if next == RotationStateFailed {
		return true
	}
	return rotationStateOrder[next] == rotationStateOrder[s]+1
}

// RotationTrigger はローテーションの契機を表す。
type RotationTrigger string

const (
	RotationTriggerPrincipalRemoved RotationTrigger = "principal_removed"
	RotationTriggerRoleDowngraded   RotationTrigger = "role_downgraded"
	RotationTriggerRoleUnbound      RotationTrigger = "role_unbound"
	RotationTriggerAdminRequest     RotationTrigger = "admin_request"
	RotationTriggerPolicy           RotationTrigger = "policy"
	RotationTriggerInitialization   RotationTrigger = "initialization"
	RotationTriggerReconciliation   RotationTrigger = "reconciliation"
)

// RotationRequest はローテーション要求を表す。
type RotationRequest struct {
	ResourceClass ResourceClass
	Trigger       RotationTrigger
	Actor         string
	// RemovedPrincipals は今回のローテーションの契機となったプリンシパル。
	RemovedPrincipals []string
}

// Rotation は1回のローテーションの記録を表す。
type Rotation struct {
	ID            string
	ResourceClass ResourceClass
	Trigger       RotationTrigger
	Actor         string
	State         RotationState
	OldVersion    uint64
	NewVersion    uint64
	Granted       []string
	Revoked       []string
	FailedAt      RotationState
	Cause         string
	StartedAt     time.Time
	FinishedAt    *time.Time
}

// Summary は監査ログ用の要約を返す。
func (r *Rotation) Summary() RotationSummary {
	return RotationSummary{
		RotationID: r.ID,
		Trigger:    r.Trigger,
		OldVersion: r.OldVersion,
		NewVersion: r.NewVersion,
		Granted:    r.Granted,
		Revoked:    r.Revoked,
		FailedAt:   r.FailedAt,
		Cause:      r.Cause,
	}
}

// RotationLease はクラスごとのローテーション排他リースを表す。
type RotationLease struct {
	ResourceClass ResourceClass
	Holder        string
	ExpiresAt     time.Time
}
