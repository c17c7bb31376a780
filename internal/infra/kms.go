package infra

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"golang.org/x/crypto/chacha20poly1305"

	"keysync-service/config"
)

// KMSClient は保存時の鍵素材封印に使うKMSのインターフェース。
type KMSClient interface {
	Encrypt(ctx context.Context, plaintext []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error)
	Close() error
}

// NewKMSFromConfig は設定に応じてCloud KMSまたはローカルKMSを生成する。
// KMS_KEY_NAME が設定されていればCloud KMS、なければ LOCAL_MASTER_KEY を使う。
func NewKMSFromConfig(ctx context.Context, cfg *config.Config) (KMSClient, error) {
	if cfg.KMSKeyName != "" {
		return NewCloudKMSClient(ctx, cfg.KMSKeyName)
	}
	if cfg.LocalMasterKey == "" {
		return nil, errors.New("either KMS_KEY_NAME or LOCAL_MASTER_KEY is required")
	}
	key, err := base64.StdEncoding.DecodeString(cfg.LocalMasterKey)
	if err != nil {
		return nil, fmt.Errorf("decoding LOCAL_MASTER_KEY: %w", err)
	}
	return NewLocalKMSClient(key)
}

// CloudKMSClient はCloud KMSクライアントをラップする。
type CloudKMSClient struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewCloudKMSClient は指定されたキー名でCloudKMSClientを生成する。
func NewCloudKMSClient(ctx context.Context, keyName string) (*CloudKMSClient, error) {
	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	return &CloudKMSClient{
		client:  client,
		keyName: keyName,
	}, nil
}

// Encrypt は平文をCloud KMSで暗号化する。
func (c *CloudKMSClient) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	req := &kmspb.EncryptRequest{
		Name:      c.keyName,
		Plaintext: plaintext,
	}
	resp, err := c.client.Encrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	return resp.Ciphertext, nil
}

// Decrypt は暗号文をCloud KMSで復号する。
func (c *CloudKMSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	req := &kmspb.DecryptRequest{
		Name:       c.keyName,
		Ciphertext: ciphertext,
	}
	resp, err := c.client.Decrypt(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return resp.Plaintext, nil
}

// Close はKMSクライアントを閉じる。
func (c *CloudKMSClient) Close() error {
	return c.client.Close()
}

// LocalKMSClient はローカルのマスター鍵でXChaCha20-Poly1305封印を行う。開発・テスト用。
type LocalKMSClient struct {
	key []byte
}

// NewLocalKMSClient は32バイトのマスター鍵からLocalKMSClientを生成する。
func NewLocalKMSClient(masterKey []byte) (*LocalKMSClient, error) {
	if len(masterKey) != chacha20poly1305.KeySize {
		return nil, fmt.Errorf("local master key must be %d bytes, got %d", chacha20poly1305.KeySize, len(masterKey))
	}
	return &LocalKMSClient{key: append([]byte(nil), masterKey...)}, nil
}

// Encrypt は平文を封印する。出力形式: [nonce || ciphertext+tag]
func (c *LocalKMSClient) Encrypt(ctx context.Context, plaintext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	nonce := make([]byte, chacha20poly1305.NonceSizeX)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("encrypting: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, nil), nil
}

// Decrypt は封印を解く。
func (c *LocalKMSClient) Decrypt(ctx context.Context, ciphertext []byte) ([]byte, error) {
	aead, err := chacha20poly1305.NewX(c.key)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	if len(ciphertext) < chacha20poly1305.NonceSizeX+aead.Overhead() {
		return nil, errors.New("decrypting: ciphertext too short")
	}
	plaintext, err := aead.Open(nil, ciphertext[:chacha20poly1305.NonceSizeX], ciphertext[chacha20poly1305.NonceSizeX:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

// Close は何もしない。
func (c *LocalKMSClient) Close() error {
	return nil
}

// LoadRootSecret は ORG_ROOT_SECRET を復元する。
// ORG_ROOT_SECRET_SEALED が有効な場合はKMSで封印された値として開封する。
func LoadRootSecret(ctx context.Context, cfg *config.Config, kms KMSClient) ([]byte, error) {
	if cfg.OrgRootSecret == "" {
		return nil, errors.New("ORG_ROOT_SECRET is required")
	}
	raw, err := base64.StdEncoding.DecodeString(cfg.OrgRootSecret)
	if err != nil {
		return nil, fmt.Errorf("decoding ORG_ROOT_SECRET: %w", err)
	}
	if !cfg.OrgRootSecretSealed {
		return raw, nil
	}
	secret, err := kms.Decrypt(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("unsealing ORG_ROOT_SECRET: %w", err)
	}
	return secret, nil
}
