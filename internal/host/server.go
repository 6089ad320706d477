// =============================================================================
// 文件: internal/host/server.go
// 描述: 演示主机 - 每条主链路连接一个会话，按需开启副通道
// =============================================================================
package host

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/slidelink/internal/metrics"
	"github.com/mrcgq/slidelink/internal/protocol"
	"github.com/mrcgq/slidelink/internal/wifi"
)

// WifiConfig 副通道升级
type WifiConfig struct {
	Enabled bool
	SSID    string // 为空时不比较网络名
	IP      string // 为空时自动探测
	PSK     string // 为空时每个会话使用随机密钥
}

// Config 主机参数
type Config struct {
	Wifi             WifiConfig
	SettleDelay      time.Duration // 截图前等待翻页动画
	IdleTimeout      time.Duration // 无活动超过该值关闭会话
	WatchdogInterval time.Duration
	MaxImageSize     int
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		SettleDelay:      300 * time.Millisecond,
		IdleTimeout:      11 * time.Second,
		WatchdogInterval: 5 * time.Second,
		MaxImageSize:     protocol.DefaultMaxImageSize,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.SettleDelay < 0 {
		c.SettleDelay = 0
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = def.IdleTimeout
	}
	if c.WatchdogInterval <= 0 {
		c.WatchdogInterval = def.WatchdogInterval
	}
	if c.MaxImageSize <= 0 || c.MaxImageSize > protocol.MaxPictureSize {
		c.MaxImageSize = def.MaxImageSize
	}
}

// Option 主机选项
type Option func(*Server)

// WithLogger 设置日志器
func WithLogger(log *zap.Logger) Option {
	return func(s *Server) {
		if log != nil {
			s.log = log
		}
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.HostMetrics) Option {
	return func(s *Server) { s.metrics = m }
}

// Server 演示主机，实现 transport.ConnectionHandler
type Server struct {
	cfg       Config
	presenter Presenter
	shots     wifi.Screenshotter
	guard     *wifi.NonceGuard
	log       *zap.Logger
	metrics   *metrics.HostMetrics

	nextID   atomic.Uint64
	sessions sync.Map // uint64 -> *session
	active   atomic.Int64
	wg       sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewServer 创建主机
func NewServer(cfg Config, presenter Presenter, shots wifi.Screenshotter, opts ...Option) *Server {
	cfg.normalize()
	s := &Server{
		cfg:       cfg,
		presenter: presenter,
		shots:     shots,
		log:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.Named("host")
	// 副通道 nonce 在所有会话间共享，时间片需覆盖时间戳容忍窗口
	s.guard = wifi.NewNonceGuard(wifi.DefaultMaxSkew)
	return s
}

// Guard 副通道防重放，用于注册指标
func (s *Server) Guard() *wifi.NonceGuard { return s.guard }

// ActiveSessions 活跃会话数
func (s *Server) ActiveSessions() int {
	return int(s.active.Load())
}

// HandleConnection 处理一条主链路连接，返回时连接已关闭
func (s *Server) HandleConnection(ctx context.Context, conn net.Conn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		conn.Close()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	sess := newSession(s, s.nextID.Add(1), conn)
	s.sessions.Store(sess.id, sess)
	s.active.Add(1)
	defer func() {
		s.sessions.Delete(sess.id)
		s.active.Add(-1)
	}()

	sess.run(ctx)
}

// upgrade 按握手决定是否开启副通道，不满足条件返回 nil
func (s *Server) upgrade(hello *protocol.Hello, log *zap.Logger) *wifi.Server {
	w := s.cfg.Wifi
	if !w.Enabled || hello == nil || !hello.Wifi {
		return nil
	}
	if w.SSID != "" && hello.SSID != w.SSID {
		log.Info("网络名不一致，不开启副通道",
			zap.String("remote", hello.SSID),
			zap.String("local", w.SSID))
		return nil
	}

	ip := w.IP
	if ip == "" {
		ip = wifi.DetectIP()
	}
	if ip == "" {
		log.Warn("没有可用的本机地址，不开启副通道")
		return nil
	}

	key, err := wifi.DeriveKey(w.PSK)
	if err != nil {
		log.Error("生成副通道密钥失败", zap.Error(err))
		s.metrics.RecordError("wifi_key")
		return nil
	}

	srv := wifi.NewServer(key, s.shots, wifi.ServerConfig{
		Listen:      net.JoinHostPort(ip, "0"),
		SettleDelay: s.cfg.SettleDelay,
		Guard:       s.guard,
		Metrics:     s.metrics,
		Logger:      log,
	})
	if err := srv.Start(); err != nil {
		log.Error("启动副通道失败", zap.Error(err))
		s.metrics.RecordError("wifi_listen")
		return nil
	}
	return srv
}

// Close 关闭所有会话
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	s.sessions.Range(func(_, v interface{}) bool {
		v.(*session).close("主机关闭")
		return true
	})
	s.wg.Wait()
	s.guard.Close()
}
