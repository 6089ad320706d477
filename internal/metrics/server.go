// =============================================================================
// 文件: internal/metrics/server.go
// 描述: 监控服务 - Prometheus 指标、健康检查与存活/就绪探针
// =============================================================================
package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/mrcgq/slidelink/internal/logging"
)

// 健康状态取值
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// HealthStatus 健康检查输出
type HealthStatus struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Version    string                     `json:"version"`
	Uptime     string                     `json:"uptime"`
	Components map[string]ComponentHealth `json:"components"`
}

// ComponentHealth 单个组件
type ComponentHealth struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// serving 降级仍可服务：遥控端未连上主机时进程本身依然正常
func (h HealthStatus) serving() bool {
	return h.Status == StatusHealthy || h.Status == StatusDegraded
}

// MetricsServer 监控 HTTP 服务，使用独立 registry
type MetricsServer struct {
	listen      string
	metricsPath string
	healthPath  string
	enablePprof bool

	registry *prometheus.Registry
	log      *zap.Logger

	alive atomic.Bool

	mu          sync.RWMutex
	healthCheck func() HealthStatus
	httpServer  *http.Server
	stopOnce    sync.Once
}

// NewMetricsServer 创建监控服务
func NewMetricsServer(listen, metricsPath, healthPath string, enablePprof bool, log *zap.Logger) *MetricsServer {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	log = logging.OrNop(log)

	s := &MetricsServer{
		listen:      listen,
		metricsPath: metricsPath,
		healthPath:  healthPath,
		enablePprof: enablePprof,
		registry:    registry,
		log:         log,
	}
	s.alive.Store(true)
	return s
}

// GetRegistry 指标注册表，供 NewLinkMetrics / NewHostMetrics 使用
func (s *MetricsServer) GetRegistry() *prometheus.Registry {
	return s.registry
}

// MustRegisterCollector 注册收集器，重复注册会 panic
func (s *MetricsServer) MustRegisterCollector(c prometheus.Collector) {
	s.registry.MustRegister(c)
}

// SetHealthCheck 设置健康检查函数
func (s *MetricsServer) SetHealthCheck(fn func() HealthStatus) {
	s.mu.Lock()
	s.healthCheck = fn
	s.mu.Unlock()
}

// SetHealthy 设置存活探针，进程退出前置为 false
func (s *MetricsServer) SetHealthy(healthy bool) {
	s.alive.Store(healthy)
}

// Handler 构建路由
func (s *MetricsServer) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Method(http.MethodGet, s.metricsPath, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		Registry:          s.registry,
	}))

	r.Route(s.healthPath, func(r chi.Router) {
		r.Get("/", s.handleHealth)
		r.Get("/live", s.handleLiveness)
		r.Get("/ready", s.handleReadiness)
	})

	if s.enablePprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// Start 监听失败同步返回；ctx 结束时自动停止
func (s *MetricsServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return fmt.Errorf("监听 %s 失败: %w", s.listen, err)
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
	}
	s.mu.Lock()
	s.httpServer = srv
	s.mu.Unlock()

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("监控服务异常退出", zap.Error(err))
		}
	}()
	context.AfterFunc(ctx, s.Stop)

	s.log.Info("监控服务已启动",
		zap.String("addr", ln.Addr().String()),
		zap.String("metrics", s.metricsPath),
		zap.String("health", s.healthPath),
		zap.Bool("pprof", s.enablePprof))
	return nil
}

// Stop 停止服务，可重复调用
func (s *MetricsServer) Stop() {
	s.mu.RLock()
	srv := s.httpServer
	s.mu.RUnlock()
	if srv == nil {
		return
	}
	s.stopOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			s.log.Debug("监控服务关闭超时", zap.Error(err))
		}
	})
}

// probe 执行健康检查；未设置检查函数时返回 nil
func (s *MetricsServer) probe() *HealthStatus {
	s.mu.RLock()
	fn := s.healthCheck
	s.mu.RUnlock()
	if fn == nil {
		return nil
	}
	status := fn()
	return &status
}

func (s *MetricsServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.probe()
	if status == nil {
		status = &HealthStatus{Status: StatusHealthy, Timestamp: time.Now()}
	}

	w.Header().Set("Content-Type", "application/json")
	if !status.serving() {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Debug("写入健康检查失败", zap.Error(err))
	}
}

func (s *MetricsServer) handleLiveness(w http.ResponseWriter, r *http.Request) {
	if s.alive.Load() {
		writeText(w, http.StatusOK, "OK")
		return
	}
	writeText(w, http.StatusServiceUnavailable, "NOT OK")
}

// handleReadiness 必须设置过检查函数才算就绪
func (s *MetricsServer) handleReadiness(w http.ResponseWriter, r *http.Request) {
	if status := s.probe(); status != nil && status.serving() {
		writeText(w, http.StatusOK, "READY")
		return
	}
	writeText(w, http.StatusServiceUnavailable, "NOT READY")
}

func writeText(w http.ResponseWriter, code int, text string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	w.Write([]byte(text))
}
