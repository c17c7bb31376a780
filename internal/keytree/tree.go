// Package keytree は組織のルート秘密からリソースクラス鍵を導出する鍵導出木を提供する。
// 全ての関数は純粋関数で、I/Oを行わない。
package keytree

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sort"

	"golang.org/x/crypto/hkdf"

	"keysync-service/internal/domain"
)

const (
	// RootSecretSize は組織ルート秘密の長さ。
	RootSecretSize = 32
	// KeySize は導出されるクラス鍵・ラップ鍵の長さ（XChaCha20-Poly1305）。
	KeySize = 32
)

var classKeySalt = []byte("keysync/class-key/v1")

// Tree は登録済みリソースクラスの集合を保持する。
// 未登録のクラスタグに対する導出は ErrDerivation で失敗する。
type Tree struct {
	classes map[domain.ResourceClass]struct{}
}

// New は指定されたリソースクラスを登録した Tree を生成する。
func New(classes []domain.ResourceClass) (*Tree, error) {
	if len(classes) == 0 {
		return nil, fmt.Errorf("%w: no resource classes registered", domain.ErrDerivation)
	}
	t := &Tree{classes: make(map[domain.ResourceClass]struct{}, len(classes))}
	for _, c := range classes {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("%w: class %q: %v", domain.ErrDerivation, c, err)
		}
		t.classes[c] = struct{}{}
	}
	return t, nil
}

// Has はクラスが登録済みかどうかを返す。
func (t *Tree) Has(class domain.ResourceClass) bool {
	_, ok := t.classes[class]
	return ok
}

// Classes は登録済みクラスを名前順に返す。
func (t *Tree) Classes() []domain.ResourceClass {
	out := make([]domain.ResourceClass, 0, len(t.classes))
	for c := range t.classes {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// DeriveClassKey はルート秘密・クラス・バージョンから対称鍵を決定的に導出する。
// HKDF-SHA256 を用い、info にクラスタグとバージョンを含める。
func (t *Tree) DeriveClassKey(rootSecret []byte, class domain.ResourceClass, version uint64) ([]byte, error) {
	if len(rootSecret) != RootSecretSize {
		return nil, fmt.Errorf("%w: root secret must be %d bytes, got %d", domain.ErrDerivation, RootSecretSize, len(rootSecret))
	}
	if !t.Has(class) {
		return nil, fmt.Errorf("%w: unknown class tag %q", domain.ErrDerivation, class)
	}
	if version == 0 {
		return nil, fmt.Errorf("%w: version must be >= 1", domain.ErrDerivation)
	}

	info := make([]byte, 0, len(class)+1+8)
	info = append(info, string(class)...)
	info = append(info, 0)
	info = binary.BigEndian.AppendUint64(info, version)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, rootSecret, classKeySalt, info), key); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDerivation, err)
	}
	return key, nil
}

// Zero はバイト列をゼロで上書きする。
func Zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
