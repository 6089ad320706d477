// =============================================================================
// 文件: internal/wifi/credentials.go
// 描述: 副通道凭据 - 从主机握手中解析共享密钥和地址
// =============================================================================
package wifi

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"

	"github.com/mrcgq/slidelink/internal/protocol"
)

// ErrSecondaryTransport 副通道失败，调用方降级到主链路
var ErrSecondaryTransport = errors.New("副通道失败")

// Credentials 副通道凭据
type Credentials struct {
	Key []byte
	URI string
}

// ParseCredentials 解析主机握手负载
// 否定信号返回 (nil, nil)
func ParseCredentials(payload []byte) (*Credentials, error) {
	offer, err := protocol.ParseOffer(payload)
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, nil
	}

	key, err := base64.StdEncoding.DecodeString(offer.Key)
	if err != nil {
		return nil, fmt.Errorf("密钥不是有效的 base64: %w", err)
	}
	if len(key) == 0 {
		return nil, fmt.Errorf("密钥为空")
	}

	u, err := url.Parse(offer.URI)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("副通道地址无效: %q", offer.URI)
	}

	return &Credentials{Key: key, URI: offer.URI}, nil
}

// Offer 转换为握手负载
func (c *Credentials) Offer() protocol.Offer {
	return protocol.Offer{
		Key: base64.StdEncoding.EncodeToString(c.Key),
		URI: c.URI,
	}
}
