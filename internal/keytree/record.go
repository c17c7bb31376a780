package keytree

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"

	"keysync-service/internal/domain"
)

// ErrCiphertextTooShort は暗号文が短すぎる場合のエラー。
var ErrCiphertextTooShort = errors.New("keytree: ciphertext too short")

func recordAAD(class domain.ResourceClass, version uint64) []byte {
	aad := make([]byte, 0, len(class)+1+8)
	aad = append(aad, string(class)...)
	aad = append(aad, 0)
	return binary.BigEndian.AppendUint64(aad, version)
}

// SealRecord はクラス鍵でレコードを暗号化する。クラスとバージョンをAADに含めるため、
// 別クラス・別バージョンの鍵で誤って復号されることはない。
// 出力形式: [nonce(24) || ciphertext+tag]
func SealRecord(key []byte, class domain.ResourceClass, version uint64, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, recordAAD(class, version)), nil
}

// OpenRecord は SealRecord で暗号化されたレコードを復号する。
func OpenRecord(key []byte, class domain.ResourceClass, version uint64, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating aead: %w", err)
	}
	if len(ciphertext) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, ErrCiphertextTooShort
	}
	nonce := ciphertext[:chacha20poly1305.NonceSizeX]
	plaintext, err := aead.Open(nil, nonce, ciphertext[chacha20poly1305.NonceSizeX:], recordAAD(class, version))
	if err != nil {
		return nil, fmt.Errorf("opening record: %w", err)
	}
	return plaintext, nil
}
