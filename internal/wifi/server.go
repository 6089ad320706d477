// =============================================================================
// 文件: internal/wifi/server.go
// 描述: 主机端副通道 HTTP 服务 - 每个会话一个实例，签名校验后返回截图
// =============================================================================
package wifi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/mrcgq/slidelink/internal/logging"
	"github.com/mrcgq/slidelink/internal/metrics"
)

// DefaultMaxSkew 时间戳容忍窗口
const DefaultMaxSkew = 5 * time.Second

// 拒绝原因
const (
	RejectMissing   = "missing"
	RejectMalformed = "malformed"
	RejectStale     = "stale"
	RejectReplay    = "replay"
	RejectSignature = "signature"
)

// Screenshotter 截图来源
type Screenshotter interface {
	Screenshot(ctx context.Context) ([]byte, error)
}

// ScreenshotFunc 函数适配器
type ScreenshotFunc func(ctx context.Context) ([]byte, error)

// Screenshot 实现 Screenshotter
func (f ScreenshotFunc) Screenshot(ctx context.Context) ([]byte, error) { return f(ctx) }

// ServerConfig 副通道服务配置
type ServerConfig struct {
	// 监听地址，端口通常为 0
	Listen      string
	SettleDelay time.Duration
	MaxSkew     time.Duration
	// 可在多个会话间共享
	Guard   *NonceGuard
	Metrics *metrics.HostMetrics
	Logger  *zap.Logger
}

// Server 副通道服务
type Server struct {
	key    []byte
	shots  Screenshotter
	cfg    ServerConfig
	log    *zap.Logger
	guard  *NonceGuard
	ownGrd bool
	now    func() time.Time

	mu       sync.Mutex
	listener net.Listener
	srv      *http.Server
	uri      string
	closed   bool
}

// NewServer 创建副通道服务
func NewServer(key []byte, shots Screenshotter, cfg ServerConfig) *Server {
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = DefaultMaxSkew
	}
	if cfg.Listen == "" {
		cfg.Listen = "127.0.0.1:0"
	}
	log := logging.OrNop(cfg.Logger)
	s := &Server{
		key:   key,
		shots: shots,
		cfg:   cfg,
		log:   log.Named("wifi"),
		guard: cfg.Guard,
		now:   time.Now,
	}
	if s.guard == nil {
		s.guard = NewNonceGuard(0)
		s.ownGrd = true
	}
	return s
}

// Handler 路由
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Head("/", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	r.With(s.authenticate).Get("/", s.handleScreenshot)
	return r
}

// Start 开始监听
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("服务已关闭")
	}
	if s.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Listen)
	if err != nil {
		return fmt.Errorf("副通道监听失败: %w", err)
	}
	s.listener = ln
	s.uri = "http://" + ln.Addr().String()
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	srv := s.srv
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Warn("副通道服务异常退出", zap.Error(err))
		}
	}()

	s.log.Debug("副通道已启动", zap.String("uri", s.uri))
	return nil
}

// URI 服务地址，Start 之前为空
func (s *Server) URI() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.uri
}

// Credentials 发给遥控端的凭据
func (s *Server) Credentials() *Credentials {
	return &Credentials{Key: s.key, URI: s.URI()}
}

// Close 关闭服务
func (s *Server) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	srv := s.srv
	s.mu.Unlock()

	var err error
	if srv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		err = srv.Shutdown(ctx)
		cancel()
		if err != nil {
			err = srv.Close()
		}
	}
	if s.ownGrd {
		s.guard.Close()
	}
	return err
}

func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		msg := r.Header.Get(HeaderTimestampNonce)
		sig := r.Header.Get(HeaderHmac)
		if msg == "" || sig == "" {
			s.reject(w, RejectMissing)
			return
		}

		ts, nonce, err := ParseNonce(msg)
		if err != nil {
			s.reject(w, RejectMalformed)
			return
		}
		if age := s.now().Sub(ts); age > s.cfg.MaxSkew || age < -s.cfg.MaxSkew {
			s.reject(w, RejectStale)
			return
		}
		if !s.guard.CheckOnly(nonce) {
			s.reject(w, RejectReplay)
			return
		}
		if !Verify(s.key, msg, sig) {
			s.reject(w, RejectSignature)
			return
		}
		// 签名通过后才占用 nonce
		s.guard.Mark(nonce)

		next.ServeHTTP(w, r)
	})
}

func (s *Server) reject(w http.ResponseWriter, reason string) {
	s.cfg.Metrics.RecordAuthReject(reason)
	s.log.Debug("拒绝副通道请求", zap.String("reason", reason))
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if d := s.cfg.SettleDelay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}

	data, err := s.shots.Screenshot(ctx)
	if err != nil {
		s.cfg.Metrics.RecordError("screenshot")
		s.log.Warn("截图失败", zap.Error(err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}

	s.cfg.Metrics.RecordScreenshot(metrics.PathSecondary)
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}
