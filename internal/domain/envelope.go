package domain

import (
	"fmt"
	"time"
)

// SyncEnvelope はリレーが保存・順序付けする暗号化差分の単位を表す。
// リレーは中身を復号せず、順序キーを持つ不透明なデータとして扱う。
type SyncEnvelope struct {
	OriginDeviceID string        `json:"originDeviceId" cbor:"originDeviceId"`
	ResourceClass  ResourceClass `json:"resourceClass" cbor:"resourceClass"`
	KeyVersion     uint64        `json:"keyVersion" cbor:"keyVersion"`
	DeviceSeq      uint64        `json:"deviceSeq" cbor:"deviceSeq"`
	Ciphertext     []byte        `json:"ciphertext" cbor:"ciphertext"`
	Tag            []byte        `json:"tag" cbor:"tag"`
	Predecessors   []string      `json:"predecessors" cbor:"predecessors"`

	// 以下はリレーが受理時に設定する。
	Sequence    uint64    `json:"sequence,omitempty" cbor:"sequence,omitempty"`
	SubmittedBy string    `json:"submittedBy,omitempty" cbor:"submittedBy,omitempty"`
	AcceptedAt  time.Time `json:"acceptedAt,omitempty" cbor:"acceptedAt,omitempty"`
}

// EnvelopeID は (originDeviceId, deviceSeq) からエンベロープIDを組み立てる。
// クライアントが送信前に先行参照を作れるよう決定的に計算できる。
func EnvelopeID(originDeviceID string, deviceSeq uint64) string {
	return fmt.Sprintf("%s:%d", originDeviceID, deviceSeq)
}

// ID はエンベロープIDを返す。
func (e *SyncEnvelope) ID() string {
	return EnvelopeID(e.OriginDeviceID, e.DeviceSeq)
}

// Validate は必須項目を検証する。
func (e *SyncEnvelope) Validate() error {
	if e.OriginDeviceID == "" || e.DeviceSeq == 0 || e.KeyVersion == 0 {
		return ErrInvalidEnvelope
	}
	if err := e.ResourceClass.Validate(); err != nil {
		return err
	}
	if len(e.Ciphertext) == 0 || len(e.Tag) == 0 {
		return ErrInvalidEnvelope
	}
	self := e.ID()
	for _, p := range e.Predecessors {
		if p == "" || p == self {
			return ErrInvalidEnvelope
		}
	}
	return nil
}
