// =============================================================================
// 文件: internal/transport/tcp.go
// 描述: TCP 传输层 - 主机端监听 / 遥控端拨号，可选 TLS
// =============================================================================
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/slidelink/internal/link"
	"github.com/mrcgq/slidelink/internal/logging"
)

// ConnectionHandler 连接处理接口
type ConnectionHandler interface {
	HandleConnection(ctx context.Context, conn net.Conn)
}

// HandlerFunc 函数适配器
type HandlerFunc func(ctx context.Context, conn net.Conn)

// HandleConnection 实现 ConnectionHandler
func (f HandlerFunc) HandleConnection(ctx context.Context, conn net.Conn) { f(ctx, conn) }

// =============================================================================
// 服务器
// =============================================================================

// TCPServer TCP 服务器
type TCPServer struct {
	addr      string
	listener  net.Listener
	handler   ConnectionHandler
	tlsConfig *tls.Config
	log       *zap.Logger

	conns    sync.Map // net.Conn -> struct{}
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// TCPServerOption 服务器选项
type TCPServerOption func(*TCPServer)

// WithTLSConfig 启用 TLS
func WithTLSConfig(tlsConfig *tls.Config) TCPServerOption {
	return func(s *TCPServer) {
		s.tlsConfig = tlsConfig
	}
}

// NewTCPServer 创建 TCP 服务器
func NewTCPServer(addr string, handler ConnectionHandler, log *zap.Logger, opts ...TCPServerOption) *TCPServer {
	log = logging.OrNop(log)
	s := &TCPServer{
		addr:    addr,
		handler: handler,
		log:     log.Named("tcp"),
		stopCh:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// LoadServerTLS 加载证书
func LoadServerTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("加载证书失败: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Start 启动服务器
func (s *TCPServer) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop(ctx)

	s.log.Info("TCP 服务器已启动",
		zap.String("addr", listener.Addr().String()),
		zap.Bool("tls", s.tlsConfig != nil))
	return nil
}

// Addr 实际监听地址，Start 之后有效
func (s *TCPServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// acceptLoop 接受连接循环
func (s *TCPServer) acceptLoop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		default:
		}

		// 设置 accept 超时，以便检查退出
		if tcpListener, ok := s.listener.(*net.TCPListener); ok {
			_ = tcpListener.SetDeadline(time.Now().Add(time.Second))
		}

		conn, err := s.listener.Accept()
		if err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			select {
			case <-s.stopCh:
				return
			default:
				s.log.Debug("Accept 错误", zap.Error(err))
				if errors.Is(err, net.ErrClosed) {
					return
				}
				continue
			}
		}

		if tcpConn, ok := conn.(*net.TCPConn); ok {
			_ = tcpConn.SetNoDelay(true)
			_ = tcpConn.SetKeepAlive(true)
			_ = tcpConn.SetKeepAlivePeriod(30 * time.Second)
		}

		s.conns.Store(conn, struct{}{})

		s.wg.Add(1)
		go func(c net.Conn) {
			defer s.wg.Done()
			defer func() {
				s.conns.Delete(c)
				_ = c.Close()
			}()
			s.handleConnection(ctx, c)
		}(conn)
	}
}

// handleConnection 处理单个连接
func (s *TCPServer) handleConnection(ctx context.Context, conn net.Conn) {
	if s.tlsConfig != nil {
		tlsConn := tls.Server(conn, s.tlsConfig)
		hsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := tlsConn.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			s.log.Debug("TLS 握手失败", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
			return
		}
		s.handler.HandleConnection(ctx, tlsConn)
		return
	}

	s.handler.HandleConnection(ctx, conn)
}

// Stop 停止服务器
func (s *TCPServer) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.listener != nil {
			_ = s.listener.Close()
		}
		s.conns.Range(func(key, _ interface{}) bool {
			if conn, ok := key.(net.Conn); ok {
				_ = conn.Close()
			}
			return true
		})
	})
	s.wg.Wait()
}

// =============================================================================
// 拨号器
// =============================================================================

// TCPDialer 主链路 TCP 拨号器，设备名即 host:port
type TCPDialer struct {
	timeout time.Duration
	tls     *UTLSClient
	log     *zap.Logger
}

// NewTCPDialer 创建拨号器，tlsClient 为 nil 时使用明文
func NewTCPDialer(timeout time.Duration, tlsClient *UTLSClient, log *zap.Logger) *TCPDialer {
	log = logging.OrNop(log)
	return &TCPDialer{timeout: timeout, tls: tlsClient, log: log.Named("tcp")}
}

// Dial 实现 link.Dialer
func (d *TCPDialer) Dial(ctx context.Context, dev link.Device) (link.Stream, error) {
	addr := dev.Name()
	dialer := &net.Dialer{Timeout: d.timeout, KeepAlive: 30 * time.Second}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", addr, err)
	}
	if tcpConn, ok := conn.(*net.TCPConn); ok {
		_ = tcpConn.SetNoDelay(true)
	}

	if d.tls != nil {
		tlsConn, err := d.tls.DialWithConn(ctx, conn, addr)
		if err != nil {
			return nil, err
		}
		conn = tlsConn
	}

	d.log.Debug("已连接", zap.String("addr", addr), zap.Bool("tls", d.tls != nil))
	return conn, nil
}
