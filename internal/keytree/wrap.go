package keytree

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"

	"keysync-service/internal/domain"
)

// PublicKeySize はプリンシパル公開鍵（X25519）の長さ。
const PublicKeySize = curve25519.PointSize

var wrapKeyInfo = []byte("keysync/wrap-key/v1")

// WrapKey はグラント1件分の転送用ラップ鍵を表す。
// EphemeralPublic はグラントに同梱され、受信側が共有秘密を再計算するのに使う。
type WrapKey struct {
	Key             []byte
	EphemeralPublic []byte
}

// NewEphemeralSecret はグラントごとに使い捨てるX25519秘密を生成する。
func NewEphemeralSecret() ([]byte, error) {
	secret := make([]byte, curve25519.ScalarSize)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generating ephemeral secret: %w", err)
	}
	return secret, nil
}

// GenerateKeyPair はプリンシパル（デバイス）用のX25519鍵ペアを生成する。
func GenerateKeyPair() (privateKey, publicKey []byte, err error) {
	privateKey, err = NewEphemeralSecret()
	if err != nil {
		return nil, nil, err
	}
	publicKey, err = curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, nil, fmt.Errorf("deriving public key: %w", err)
	}
	return privateKey, publicKey, nil
}

// ValidatePublicKey はプリンシパル公開鍵の長さを検証する。
func ValidatePublicKey(publicKey []byte) error {
	if len(publicKey) != PublicKeySize {
		return fmt.Errorf("%w: public key must be %d bytes, got %d", domain.ErrDerivation, PublicKeySize, len(publicKey))
	}
	return nil
}

// DeriveWrapKey はプリンシパル公開鍵と使い捨て秘密からラップ鍵を導出する。
// 呼び出しごとに新しい ephemeralSecret を渡すこと。グラント間で使い回してはならない。
func DeriveWrapKey(principalPublicKey, ephemeralSecret []byte) (*WrapKey, error) {
	if err := ValidatePublicKey(principalPublicKey); err != nil {
		return nil, err
	}
	if len(ephemeralSecret) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: ephemeral secret must be %d bytes, got %d", domain.ErrDerivation, curve25519.ScalarSize, len(ephemeralSecret))
	}

	ephemeralPublic, err := curve25519.X25519(ephemeralSecret, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDerivation, err)
	}
	shared, err := curve25519.X25519(ephemeralSecret, principalPublicKey)
	if err != nil {
		// 低位数点など
		return nil, fmt.Errorf("%w: %v", domain.ErrDerivation, err)
	}
	defer Zero(shared)

	key, err := expandWrapKey(shared, ephemeralPublic, principalPublicKey)
	if err != nil {
		return nil, err
	}
	return &WrapKey{Key: key, EphemeralPublic: ephemeralPublic}, nil
}

func expandWrapKey(shared, ephemeralPublic, recipientPublic []byte) ([]byte, error) {
	salt := make([]byte, 0, len(ephemeralPublic)+len(recipientPublic))
	salt = append(salt, ephemeralPublic...)
	salt = append(salt, recipientPublic...)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, shared, salt, wrapKeyInfo), key); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDerivation, err)
	}
	return key, nil
}

// SealGrant は鍵素材をプリンシパル公開鍵宛てに包む。
// 出力形式: [ephemeralPublic(32) || nonce(24) || ciphertext+tag]
func SealGrant(principalPublicKey, material []byte) ([]byte, error) {
	ephemeral, err := NewEphemeralSecret()
	if err != nil {
		return nil, err
	}
	defer Zero(ephemeral)

	wk, err := DeriveWrapKey(principalPublicKey, ephemeral)
	if err != nil {
		return nil, err
	}
	defer Zero(wk.Key)

	aead, err := chacha20poly1305.NewX(wk.Key)
	if err != nil {
		return nil, fmt.Errorf("creating aead: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}

	out := make([]byte, 0, PublicKeySize+len(nonce)+len(material)+aead.Overhead())
	out = append(out, wk.EphemeralPublic...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, material, principalPublicKey), nil
}

// OpenGrant はプリンシパルの秘密鍵でグラントを開き、鍵素材を取り出す。
// デバイス側で使う。
func OpenGrant(privateKey, wrapped []byte) ([]byte, error) {
	if len(privateKey) != curve25519.ScalarSize {
		return nil, fmt.Errorf("%w: private key must be %d bytes", domain.ErrDerivation, curve25519.ScalarSize)
	}
	if len(wrapped) < PublicKeySize+chacha20poly1305.NonceSizeX+chacha20poly1305.Overhead {
		return nil, fmt.Errorf("%w: wrapped grant too short", domain.ErrDerivation)
	}
	ephemeralPublic := wrapped[:PublicKeySize]
	nonce := wrapped[PublicKeySize : PublicKeySize+chacha20poly1305.NonceSizeX]
	ciphertext := wrapped[PublicKeySize+chacha20poly1305.NonceSizeX:]

	publicKey, err := curve25519.X25519(privateKey, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDerivation, err)
	}
	shared, err := curve25519.X25519(privateKey, ephemeralPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrDerivation, err)
	}
	defer Zero(shared)

	key, err := expandWrapKey(shared, ephemeralPublic, publicKey)
	if err != nil {
		return nil, err
	}
	defer Zero(key)

	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("creating aead: %w", err)
	}
	material, err := aead.Open(nil, nonce, ciphertext, publicKey)
	if err != nil {
		return nil, fmt.Errorf("opening grant: %w", err)
	}
	return material, nil
}
