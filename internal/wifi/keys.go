// =============================================================================
// 文件: internal/wifi/keys.go
// 描述: 会话密钥 - 32 字节随机密钥，或由预共享口令经 HKDF 派生
// =============================================================================
package wifi

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize 会话密钥长度
const KeySize = 32

const hkdfInfo = "slidelink-wifi-key-v1"

// NewKey 生成随机会话密钥
func NewKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("生成密钥失败: %w", err)
	}
	return key, nil
}

// DeriveKey 从口令派生会话密钥，每次调用使用新的随机盐
func DeriveKey(psk string) ([]byte, error) {
	if psk == "" {
		return NewKey()
	}
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("生成盐失败: %w", err)
	}
	return deriveKey([]byte(psk), salt)
}

func deriveKey(psk, salt []byte) ([]byte, error) {
	reader := hkdf.New(sha256.New, psk, salt, []byte(hkdfInfo))
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("派生密钥失败: %w", err)
	}
	return key, nil
}
