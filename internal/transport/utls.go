// =============================================================================
// 文件: internal/transport/utls.go
// 描述: 主链路 TLS - 在 TCP 连接上以指定浏览器指纹完成 uTLS 握手
// 依赖: github.com/refraction-networking/utls
// =============================================================================
package transport

import (
	"context"
	"crypto/x509"
	"fmt"
	"math/rand"
	"net"
	"strings"
	"sync/atomic"
	"time"

	utls "github.com/refraction-networking/utls"
	"go.uber.org/zap"

	"github.com/mrcgq/slidelink/internal/logging"
)

// Fingerprint ClientHello 指纹名
type Fingerprint string

const (
	FingerprintGo      Fingerprint = "go"
	FingerprintChrome  Fingerprint = "chrome"
	FingerprintFirefox Fingerprint = "firefox"
	FingerprintSafari  Fingerprint = "safari"
	FingerprintIOS     Fingerprint = "ios"
	FingerprintAndroid Fingerprint = "android"
	FingerprintEdge    Fingerprint = "edge"
	FingerprintRandom  Fingerprint = "random"
)

var helloIDs = map[Fingerprint]utls.ClientHelloID{
	FingerprintGo:      utls.HelloGolang,
	FingerprintChrome:  utls.HelloChrome_Auto,
	FingerprintFirefox: utls.HelloFirefox_Auto,
	FingerprintSafari:  utls.HelloSafari_Auto,
	FingerprintIOS:     utls.HelloIOS_Auto,
	FingerprintAndroid: utls.HelloAndroid_11_OkHttp,
	FingerprintEdge:    utls.HelloEdge_Auto,
}

// random 在浏览器指纹中挑选，不含 go
var randomPool = []Fingerprint{
	FingerprintChrome, FingerprintFirefox, FingerprintSafari, FingerprintEdge, FingerprintIOS,
}

// ParseFingerprint 不区分大小写，未知名称按 chrome 处理
func ParseFingerprint(name string) Fingerprint {
	fp := Fingerprint(strings.ToLower(strings.TrimSpace(name)))
	if fp == "golang" {
		return FingerprintGo
	}
	if _, ok := helloIDs[fp]; ok || fp == FingerprintRandom {
		return fp
	}
	return FingerprintChrome
}

// UTLSConfig 主链路 TLS 参数
type UTLSConfig struct {
	ServerName         string // 为空时取拨号地址的主机名
	Fingerprint        Fingerprint
	InsecureSkipVerify bool
	RootCAs            *x509.CertPool
	MinVersion         uint16
	MaxVersion         uint16
	HandshakeTimeout   time.Duration
}

// DefaultUTLSConfig chrome 指纹，TLS 1.2 ~ 1.3
func DefaultUTLSConfig() *UTLSConfig {
	return &UTLSConfig{
		Fingerprint:      FingerprintChrome,
		MinVersion:       utls.VersionTLS12,
		MaxVersion:       utls.VersionTLS13,
		HandshakeTimeout: 10 * time.Second,
	}
}

// UTLSStats 握手计数
type UTLSStats struct {
	Handshakes uint64
	Failures   uint64
}

// UTLSClient 供 TCPDialer 使用
type UTLSClient struct {
	cfg UTLSConfig
	log *zap.Logger

	handshakes atomic.Uint64
	failures   atomic.Uint64
}

// NewUTLSClient 创建客户端，cfg 为 nil 时使用默认值
func NewUTLSClient(cfg *UTLSConfig, log *zap.Logger) *UTLSClient {
	c := DefaultUTLSConfig()
	if cfg != nil {
		c = cfg
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	log = logging.OrNop(log)
	return &UTLSClient{cfg: *c, log: log.Named("utls")}
}

// helloID random 每次握手重新挑选
func (c *UTLSClient) helloID() (Fingerprint, utls.ClientHelloID) {
	fp := c.cfg.Fingerprint
	if fp == FingerprintRandom {
		fp = randomPool[rand.Intn(len(randomPool))]
	}
	id, ok := helloIDs[fp]
	if !ok {
		fp, id = FingerprintChrome, utls.HelloChrome_Auto
	}
	return fp, id
}

func (c *UTLSClient) serverName(addr string) string {
	if c.cfg.ServerName != "" {
		return c.cfg.ServerName
	}
	if host, _, err := net.SplitHostPort(addr); err == nil {
		return host
	}
	return addr
}

// DialWithConn 在已建立的连接上握手；失败时关闭 conn
func (c *UTLSClient) DialWithConn(ctx context.Context, conn net.Conn, addr string) (net.Conn, error) {
	sni := c.serverName(addr)
	fp, id := c.helloID()

	uconn := utls.UClient(conn, &utls.Config{
		ServerName:         sni,
		InsecureSkipVerify: c.cfg.InsecureSkipVerify,
		RootCAs:            c.cfg.RootCAs,
		MinVersion:         c.cfg.MinVersion,
		MaxVersion:         c.cfg.MaxVersion,
	}, id)

	hsCtx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	defer cancel()
	if err := uconn.HandshakeContext(hsCtx); err != nil {
		conn.Close()
		c.failures.Add(1)
		return nil, fmt.Errorf("TLS 握手失败 (%s, %s): %w", sni, fp, err)
	}
	c.handshakes.Add(1)

	c.log.Debug("TLS 已建立",
		zap.String("sni", sni),
		zap.String("fingerprint", string(fp)),
		zap.Uint16("version", uconn.ConnectionState().Version))
	return uconn, nil
}

// GetStats 握手计数快照
func (c *UTLSClient) GetStats() UTLSStats {
	return UTLSStats{Handshakes: c.handshakes.Load(), Failures: c.failures.Load()}
}
