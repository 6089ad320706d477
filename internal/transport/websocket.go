// =============================================================================
// 文件: internal/transport/websocket.go
// 描述: WebSocket 传输层 - 二进制消息适配为字节流
// =============================================================================
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/mrcgq/slidelink/internal/link"
	"github.com/mrcgq/slidelink/internal/logging"
)

// =============================================================================
// 服务器
// =============================================================================

// WebSocketServer WebSocket 服务器
type WebSocketServer struct {
	addr      string
	path      string
	handler   ConnectionHandler
	tlsConfig *tls.Config
	log       *zap.Logger

	httpServer *http.Server
	listener   net.Listener
	upgrader   websocket.Upgrader
	conns      sync.Map // *WSConn -> struct{}
	ctx        context.Context
	stopOnce   sync.Once
	wg         sync.WaitGroup

	activeConns int64
}

// NewWebSocketServer 创建 WebSocket 服务器，tlsConfig 为 nil 时使用明文
func NewWebSocketServer(addr, path string, handler ConnectionHandler, tlsConfig *tls.Config, log *zap.Logger) *WebSocketServer {
	if path == "" {
		path = "/"
	}
	log = logging.OrNop(log)
	return &WebSocketServer{
		addr:      addr,
		path:      path,
		handler:   handler,
		tlsConfig: tlsConfig,
		log:       log.Named("websocket"),
		ctx:       context.Background(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 * 1024,
			WriteBufferSize: 32 * 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Handler 路由
func (s *WebSocketServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(s.path, s.handleWebSocket)
	return mux
}

// Start 启动服务器
func (s *WebSocketServer) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("监听失败: %w", err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	s.listener = ln
	s.ctx = ctx

	s.httpServer = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("HTTP 服务器错误", zap.Error(err))
		}
	}()

	s.log.Info("WebSocket 服务器已启动",
		zap.String("addr", ln.Addr().String()),
		zap.String("path", s.path),
		zap.Bool("tls", s.tlsConfig != nil))
	return nil
}

// Addr 实际监听地址
func (s *WebSocketServer) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// handleWebSocket 升级连接并交给处理器，处理器返回后关闭
func (s *WebSocketServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("WebSocket 升级失败", zap.Error(err))
		return
	}

	atomic.AddInt64(&s.activeConns, 1)
	defer atomic.AddInt64(&s.activeConns, -1)

	conn := NewWSConn(ws)
	s.conns.Store(conn, struct{}{})
	defer func() {
		s.conns.Delete(conn)
		conn.Close()
	}()

	s.log.Debug("WebSocket 连接", zap.String("remote", r.RemoteAddr))
	s.handler.HandleConnection(s.ctx, conn)
}

// Stop 停止服务器
func (s *WebSocketServer) Stop() {
	s.stopOnce.Do(func() {
		s.conns.Range(func(key, _ interface{}) bool {
			key.(*WSConn).Close()
			return true
		})
		if s.httpServer != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.httpServer.Shutdown(ctx)
		}
	})
	s.wg.Wait()
}

// GetActiveConns 获取活跃连接数
func (s *WebSocketServer) GetActiveConns() int64 {
	return atomic.LoadInt64(&s.activeConns)
}

// =============================================================================
// 拨号器
// =============================================================================

// WebSocketDialer 主链路 WebSocket 拨号器
// 设备名可以是完整的 ws:// / wss:// 地址，也可以是 host:port
type WebSocketDialer struct {
	path   string
	secure bool
	dialer websocket.Dialer
	log    *zap.Logger
}

// NewWebSocketDialer 创建拨号器
func NewWebSocketDialer(path string, timeout time.Duration, tlsConfig *tls.Config, log *zap.Logger) *WebSocketDialer {
	if path == "" {
		path = "/"
	}
	log = logging.OrNop(log)
	return &WebSocketDialer{
		path:   path,
		secure: tlsConfig != nil,
		dialer: websocket.Dialer{
			HandshakeTimeout: timeout,
			TLSClientConfig:  tlsConfig,
			ReadBufferSize:   32 * 1024,
			WriteBufferSize:  32 * 1024,
		},
		log: log.Named("websocket"),
	}
}

// URL 设备对应的地址
func (d *WebSocketDialer) URL(dev link.Device) string {
	name := dev.Name()
	if strings.HasPrefix(name, "ws://") || strings.HasPrefix(name, "wss://") {
		return name
	}
	scheme := "ws://"
	if d.secure {
		scheme = "wss://"
	}
	return scheme + name + d.path
}

// Dial 实现 link.Dialer
func (d *WebSocketDialer) Dial(ctx context.Context, dev link.Device) (link.Stream, error) {
	url := d.URL(dev)
	ws, resp, err := d.dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, fmt.Errorf("连接 %s 失败: %w", url, err)
	}
	d.log.Debug("已连接", zap.String("url", url))
	return NewWSConn(ws), nil
}

// =============================================================================
// 流适配
// =============================================================================

// WSConn 将 WebSocket 二进制消息适配为 net.Conn 字节流
// 消息边界不承载语义，一次写入对应一条消息
type WSConn struct {
	ws     *websocket.Conn
	reader io.Reader
	readMu sync.Mutex

	writeMu   sync.Mutex
	closeOnce sync.Once
}

// NewWSConn 包装连接
func NewWSConn(ws *websocket.Conn) *WSConn {
	return &WSConn{ws: ws}
}

// Read 跨消息读取
func (c *WSConn) Read(b []byte) (int, error) {
	c.readMu.Lock()
	defer c.readMu.Unlock()

	for {
		if c.reader == nil {
			typ, r, err := c.ws.NextReader()
			if err != nil {
				if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					return 0, io.EOF
				}
				return 0, err
			}
			if typ != websocket.BinaryMessage {
				continue
			}
			c.reader = r
		}

		n, err := c.reader.Read(b)
		if errors.Is(err, io.EOF) {
			c.reader = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, err
	}
}

// Write 写入一条二进制消息
func (c *WSConn) Write(b []byte) (int, error) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.ws.WriteMessage(websocket.BinaryMessage, b); err != nil {
		return 0, err
	}
	return len(b), nil
}

// Close 发送关闭帧并关闭底层连接
func (c *WSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		// WriteControl 可与其他写入并发调用
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		err = c.ws.Close()
	})
	return err
}

func (c *WSConn) LocalAddr() net.Addr  { return c.ws.LocalAddr() }
func (c *WSConn) RemoteAddr() net.Addr { return c.ws.RemoteAddr() }

func (c *WSConn) SetDeadline(t time.Time) error {
	if err := c.ws.SetReadDeadline(t); err != nil {
		return err
	}
	return c.ws.SetWriteDeadline(t)
}

func (c *WSConn) SetReadDeadline(t time.Time) error  { return c.ws.SetReadDeadline(t) }
func (c *WSConn) SetWriteDeadline(t time.Time) error { return c.ws.SetWriteDeadline(t) }

// ReadTimeoutFatal gorilla 连接读超时后不可再读，链路暂停不能用读超时打断
func (c *WSConn) ReadTimeoutFatal() bool { return true }
