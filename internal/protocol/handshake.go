// =============================================================================
// 文件: internal/protocol/handshake.go
// 描述: 握手负载 - 遥控端网络可达性 / 主机端副通道凭据
// =============================================================================

package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Hello 遥控端握手，描述本机所在的无线网络
type Hello struct {
	Wifi bool   `json:"wifi"`
	SSID string `json:"ssid,omitempty"`
	IP   string `json:"ip,omitempty"`
}

// Offer 主机端握手，携带副通道密钥和地址
type Offer struct {
	Key string `json:"key"`
	URI string `json:"uri"`
}

// NoWifi 无线不可用时的握手
var NoWifi = Hello{Wifi: false}

// EncodeHello 序列化遥控端握手负载
func EncodeHello(h Hello) ([]byte, error) {
	return json.Marshal(h)
}

// ParseHello 解析遥控端握手
func ParseHello(payload []byte) (*Hello, error) {
	var h Hello
	if err := json.Unmarshal(payload, &h); err != nil {
		return nil, fmt.Errorf("解析握手失败: %w", err)
	}
	return &h, nil
}

// ParseOffer 解析主机端握手
// 空负载、null 或缺少字段均为否定信号，返回 (nil, nil)
func ParseOffer(payload []byte) (*Offer, error) {
	trimmed := bytes.TrimSpace(payload)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return nil, nil
	}
	var o Offer
	if err := json.Unmarshal(trimmed, &o); err != nil {
		return nil, fmt.Errorf("解析副通道凭据失败: %w", err)
	}
	if o.Key == "" || o.URI == "" {
		return nil, nil
	}
	return &o, nil
}
