// =============================================================================
// 文件: internal/config/config.go
// 描述: 配置管理 - 遥控端 / 主机端 / 监控，YAML 加载、默认值与校验
// =============================================================================
package config

import (
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 主配置
type Config struct {
	LogLevel     string `yaml:"log_level"`
	MaxImageSize int    `yaml:"max_image_size"`

	Remote  RemoteConfig  `yaml:"remote"`
	Host    HostConfig    `yaml:"host"`
	Metrics MetricsConfig `yaml:"metrics"`
}

// RemoteConfig 遥控端配置
type RemoteConfig struct {
	Network string          `yaml:"network"` // tcp, websocket
	Address string          `yaml:"address"`
	Name    string          `yaml:"name"`
	TLS     RemoteTLSConfig `yaml:"tls"`

	// 本机无线信息，用于副通道握手
	SSID string `yaml:"ssid"`
	IP   string `yaml:"ip"`

	// 链路节奏
	KeepaliveIdleMs     int `yaml:"keepalive_idle_ms"`
	KeepaliveIntervalMs int `yaml:"keepalive_interval_ms"`
	ReconnectBackoffMs  int `yaml:"reconnect_backoff_ms"`
	WorkerIdleMs        int `yaml:"worker_idle_ms"`
	DialTimeoutMs       int `yaml:"dial_timeout_ms"`

	// 副通道
	WifiTimeoutMs   int `yaml:"wifi_timeout_ms"`
	WifiMaxTimeouts int `yaml:"wifi_max_timeouts"`
	FetchTimeoutMs  int `yaml:"fetch_timeout_ms"`

	// 连续翻页后延迟截图
	DebounceMs int `yaml:"debounce_ms"`

	ImageDir string `yaml:"image_dir"`
}

// RemoteTLSConfig 主链路 TLS（uTLS 指纹）
type RemoteTLSConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Fingerprint string `yaml:"fingerprint"`
	ServerName  string `yaml:"server_name"`
	Insecure    bool   `yaml:"insecure"`
}

// HostConfig 主机端配置
type HostConfig struct {
	Listen    string          `yaml:"listen"`
	TLS       HostTLSConfig   `yaml:"tls"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	Wifi      WifiConfig      `yaml:"wifi"`

	Presenter  PresenterConfig  `yaml:"presenter"`
	Screenshot ScreenshotConfig `yaml:"screenshot"`

	SettleDelayMs int `yaml:"settle_delay_ms"`
	IdleTimeoutMs int `yaml:"idle_timeout_ms"`
}

// HostTLSConfig 主机端 TLS 证书
type HostTLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// WebSocketConfig WebSocket 主链路
type WebSocketConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
	Path    string `yaml:"path"`
}

// WifiConfig 副通道（HTTP 截图）配置
// 警告: 只在可信网络上启用
type WifiConfig struct {
	Enabled bool   `yaml:"enabled"`
	SSID    string `yaml:"ssid"`
	IP      string `yaml:"ip"`
	PSK     string `yaml:"psk"`
}

// PresenterConfig 翻页按键命令
type PresenterConfig struct {
	PageUp   []string `yaml:"page_up"`
	PageDown []string `yaml:"page_down"`
}

// ScreenshotConfig 截图来源，二选一
type ScreenshotConfig struct {
	Command []string `yaml:"command"`
	File    string   `yaml:"file"`
}

// MetricsConfig 监控配置
type MetricsConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Listen      string `yaml:"listen"`
	Path        string `yaml:"path"`
	HealthPath  string `yaml:"health_path"`
	EnablePprof bool   `yaml:"enable_pprof"`
}

// Load 加载配置
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("读取配置失败: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("解析配置失败: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		LogLevel:     "info",
		MaxImageSize: 16 << 20,
		Remote: RemoteConfig{
			Network:             "tcp",
			Name:                "presenter",
			KeepaliveIdleMs:     9000,
			KeepaliveIntervalMs: 10000,
			ReconnectBackoffMs:  1500,
			WorkerIdleMs:        60000,
			DialTimeoutMs:       5000,
			WifiTimeoutMs:       1500,
			WifiMaxTimeouts:     3,
			FetchTimeoutMs:      10000,
			DebounceMs:          1000,
			ImageDir:            ".",
			TLS: RemoteTLSConfig{
				Fingerprint: "chrome",
			},
		},
		Host: HostConfig{
			Listen: ":4455",
			WebSocket: WebSocketConfig{
				Listen: ":4456",
				Path:   "/link",
			},
			SettleDelayMs: 300,
			IdleTimeoutMs: 11000,
		},
		Metrics: MetricsConfig{
			Listen:     "127.0.0.1:9100",
			Path:       "/metrics",
			HealthPath: "/health",
		},
	}
}

// Validate 校验公共配置
func (c *Config) Validate() error {
	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log_level 无效: %q (可选 debug/info/warn/error)", c.LogLevel)
	}
	if c.MaxImageSize <= 0 || c.MaxImageSize > 99999999 {
		return fmt.Errorf("max_image_size 必须在 1..99999999 之间: %d", c.MaxImageSize)
	}

	r := &c.Remote
	switch r.Network {
	case "tcp", "websocket":
	default:
		return fmt.Errorf("remote.network 无效: %q (可选 tcp/websocket)", r.Network)
	}
	timers := map[string]int{
		"remote.keepalive_idle_ms":     r.KeepaliveIdleMs,
		"remote.keepalive_interval_ms": r.KeepaliveIntervalMs,
		"remote.reconnect_backoff_ms":  r.ReconnectBackoffMs,
		"remote.worker_idle_ms":        r.WorkerIdleMs,
		"remote.dial_timeout_ms":       r.DialTimeoutMs,
		"remote.wifi_timeout_ms":       r.WifiTimeoutMs,
		"remote.fetch_timeout_ms":      r.FetchTimeoutMs,
		"host.idle_timeout_ms":         c.Host.IdleTimeoutMs,
	}
	for name, v := range timers {
		if v <= 0 {
			return fmt.Errorf("%s 必须大于 0: %d", name, v)
		}
	}
	if r.WifiMaxTimeouts < 1 {
		return fmt.Errorf("remote.wifi_max_timeouts 必须 >= 1: %d", r.WifiMaxTimeouts)
	}
	if r.DebounceMs < 0 || c.Host.SettleDelayMs < 0 {
		return fmt.Errorf("debounce_ms / settle_delay_ms 不能为负")
	}
	if r.IP != "" && net.ParseIP(r.IP) == nil {
		return fmt.Errorf("remote.ip 无效: %q", r.IP)
	}

	if c.Metrics.Enabled {
		if c.Metrics.Listen == "" {
			return fmt.Errorf("metrics.listen 不能为空")
		}
		if !strings.HasPrefix(c.Metrics.Path, "/") || !strings.HasPrefix(c.Metrics.HealthPath, "/") {
			return fmt.Errorf("metrics.path / metrics.health_path 必须以 / 开头")
		}
	}
	return nil
}

// ValidateRemote 遥控端额外校验
func (c *Config) ValidateRemote() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.Remote.Address == "" {
		return fmt.Errorf("remote.address 不能为空")
	}
	if c.Remote.Network == "websocket" &&
		!strings.HasPrefix(c.Remote.Address, "ws://") && !strings.HasPrefix(c.Remote.Address, "wss://") {
		return fmt.Errorf("websocket 地址必须以 ws:// 或 wss:// 开头: %q", c.Remote.Address)
	}
	return nil
}

// ValidateHost 主机端额外校验
func (c *Config) ValidateHost() error {
	if err := c.Validate(); err != nil {
		return err
	}
	h := &c.Host
	if h.Listen == "" {
		return fmt.Errorf("host.listen 不能为空")
	}
	if h.TLS.Enabled && (h.TLS.CertFile == "" || h.TLS.KeyFile == "") {
		return fmt.Errorf("host.tls 启用时必须配置 cert_file 和 key_file")
	}
	if h.WebSocket.Enabled {
		if h.WebSocket.Listen == "" || !strings.HasPrefix(h.WebSocket.Path, "/") {
			return fmt.Errorf("host.websocket.listen 不能为空且 path 必须以 / 开头")
		}
		if h.WebSocket.Listen == h.Listen {
			return fmt.Errorf("host.websocket.listen 与 host.listen 端口冲突: %s", h.Listen)
		}
	}
	if len(h.Screenshot.Command) == 0 && h.Screenshot.File == "" {
		return fmt.Errorf("host.screenshot 必须配置 command 或 file")
	}
	if len(h.Screenshot.Command) > 0 && h.Screenshot.File != "" {
		return fmt.Errorf("host.screenshot 的 command 和 file 只能二选一")
	}
	if h.Wifi.Enabled {
		if h.Wifi.SSID == "" {
			return fmt.Errorf("host.wifi 启用时必须配置 ssid")
		}
		if h.Wifi.IP != "" && net.ParseIP(h.Wifi.IP) == nil {
			return fmt.Errorf("host.wifi.ip 无效: %q", h.Wifi.IP)
		}
	}
	return nil
}

// =============================================================================
// 时长换算
// =============================================================================

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (r *RemoteConfig) KeepaliveIdle() time.Duration     { return ms(r.KeepaliveIdleMs) }
func (r *RemoteConfig) KeepaliveInterval() time.Duration { return ms(r.KeepaliveIntervalMs) }
func (r *RemoteConfig) ReconnectBackoff() time.Duration  { return ms(r.ReconnectBackoffMs) }
func (r *RemoteConfig) WorkerIdle() time.Duration        { return ms(r.WorkerIdleMs) }
func (r *RemoteConfig) DialTimeout() time.Duration       { return ms(r.DialTimeoutMs) }
func (r *RemoteConfig) WifiTimeout() time.Duration       { return ms(r.WifiTimeoutMs) }
func (r *RemoteConfig) FetchTimeout() time.Duration      { return ms(r.FetchTimeoutMs) }
func (r *RemoteConfig) Debounce() time.Duration          { return ms(r.DebounceMs) }

func (h *HostConfig) SettleDelay() time.Duration { return ms(h.SettleDelayMs) }
func (h *HostConfig) IdleTimeout() time.Duration { return ms(h.IdleTimeoutMs) }
