package content

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"coinledger/internal/infrastructure/identity"

	"golang.org/x/crypto/hkdf"
)

var ErrCiphertextTooShort = errors.New("密文长度不足")

const hkdfInfo = "coinledger content key v1"

// KeyDecryptor 付费内容解密
//
// 【关键点】
//  1. 每个内容一把独立密钥：HKDF-SHA256(masterKey, salt=contentID)
//  2. AES-GCM 的附加数据也是 contentID，A 的密文不能冒充 B 解密
//  3. 解密前先校验调用方令牌，未登录拿不到明文
//
// 密文格式：nonce(12字节) || ciphertext+tag
type KeyDecryptor struct {
	masterKey []byte
	verifier  identity.Verifier
}

func NewKeyDecryptor(masterKey []byte, verifier identity.Verifier) (*KeyDecryptor, error) {
	if len(masterKey) < 32 {
		return nil, fmt.Errorf("content.master_key 至少 32 字节，当前 %d", len(masterKey))
	}
	return &KeyDecryptor{masterKey: masterKey, verifier: verifier}, nil
}

func (d *KeyDecryptor) aead(contentID string) (cipher.AEAD, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, d.masterKey, []byte(contentID), []byte(hkdfInfo)), key); err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Decrypt 校验令牌后解密
func (d *KeyDecryptor) Decrypt(ctx context.Context, token, contentID string, blob []byte) ([]byte, error) {
	if _, err := d.verifier.Verify(ctx, token); err != nil {
		return nil, err
	}

	gcm, err := d.aead(contentID)
	if err != nil {
		return nil, err
	}
	if len(blob) < gcm.NonceSize() {
		return nil, ErrCiphertextTooShort
	}

	nonce, ciphertext := blob[:gcm.NonceSize()], blob[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, []byte(contentID))
	if err != nil {
		return nil, fmt.Errorf("解密失败: content_id=%s: %w", contentID, err)
	}
	return plain, nil
}

// Encrypt 内容上架时加密，输出格式与 Decrypt 对应
func (d *KeyDecryptor) Encrypt(contentID string, plain []byte) ([]byte, error) {
	gcm, err := d.aead(contentID)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plain, []byte(contentID)), nil
}
