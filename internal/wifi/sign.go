// =============================================================================
// 文件: internal/wifi/sign.go
// 描述: 副通道请求签名 - HMAC-SHA256(key, "<unix>,<uuid>")，base64 编码
// =============================================================================
package wifi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// 请求头
const (
	HeaderTimestampNonce = "X-Timestamp-Nonce"
	HeaderHmac           = "X-Hmac"
)

// Sign 计算签名
func Sign(key []byte, msg string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// Verify 常量时间比较签名
func Verify(key []byte, msg, signature string) bool {
	expected := Sign(key, msg)
	return hmac.Equal([]byte(expected), []byte(strings.TrimSpace(signature)))
}

// NewNonce 生成 "<unix 秒>,<随机 uuid>"
func NewNonce(now time.Time) string {
	return strconv.FormatInt(now.Unix(), 10) + "," + uuid.NewString()
}

// ParseNonce 拆分时间戳和 nonce
func ParseNonce(msg string) (time.Time, string, error) {
	ts, nonce, ok := strings.Cut(strings.TrimSpace(msg), ",")
	if !ok || nonce == "" {
		return time.Time{}, "", fmt.Errorf("格式错误: %q", msg)
	}
	// 兼容带小数的时间戳
	secs, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("时间戳无效: %q", ts)
	}
	whole := int64(secs)
	frac := int64((secs - float64(whole)) * float64(time.Second))
	return time.Unix(whole, frac), nonce, nil
}
