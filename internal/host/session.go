// =============================================================================
// 文件: internal/host/session.go
// 描述: 主机会话 - 握手、命令循环、空闲看门狗
// =============================================================================
package host

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/slidelink/internal/metrics"
	"github.com/mrcgq/slidelink/internal/protocol"
	"github.com/mrcgq/slidelink/internal/wifi"
)

type session struct {
	id   uint64
	srv  *Server
	conn net.Conn
	log  *zap.Logger

	lastActivity atomic.Int64

	mu     sync.Mutex
	wifi   *wifi.Server
	closed bool

	closeOnce sync.Once
	done      chan struct{}
}

func newSession(srv *Server, id uint64, conn net.Conn) *session {
	s := &session{
		id:   id,
		srv:  srv,
		conn: conn,
		log: srv.log.With(
			zap.Uint64("session", id),
			zap.String("remote", conn.RemoteAddr().String())),
		done: make(chan struct{}),
	}
	s.touch()
	return s
}

func (s *session) touch() {
	s.lastActivity.Store(time.Now().UnixNano())
}

func (s *session) idle() time.Duration {
	return time.Since(time.Unix(0, s.lastActivity.Load()))
}

func (s *session) run(ctx context.Context) {
	s.log.Info("连接建立")
	stop := context.AfterFunc(ctx, func() { s.close("上下文取消") })
	defer stop()
	defer s.close("会话结束")

	go s.watchdog()

	withWifi, err := s.handshake()
	if err != nil {
		s.log.Info("握手失败", zap.Error(err))
		s.srv.metrics.RecordError("handshake")
		return
	}
	s.srv.metrics.RecordSession(true, withWifi)
	defer s.srv.metrics.RecordSession(false, withWifi)

	for {
		cmd, err := protocol.ReadCommand(s.conn)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownCommand) {
				s.touch()
				s.log.Warn("无法识别的命令", zap.String("command", string(cmd)))
				s.srv.metrics.RecordError("unknown_command")
				continue
			}
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				s.log.Debug("读取失败", zap.Error(err))
			}
			return
		}
		s.touch()
		s.srv.metrics.RecordCommand(cmd.String())

		if !s.dispatch(ctx, cmd) {
			return
		}
	}
}

// handshake 读取遥控端握手并回复，总是回复一个 wifi 帧
func (s *session) handshake() (bool, error) {
	payload, err := protocol.ReadHandshakeFrame(s.conn)
	if err != nil {
		return false, err
	}
	s.touch()

	hello, err := protocol.ParseHello(payload)
	if err != nil {
		s.log.Warn("握手内容无效，按无副通道处理", zap.Error(err))
		hello = nil
	}

	var reply []byte
	ws := s.srv.upgrade(hello, s.log)
	if ws != nil {
		if !s.attachWifi(ws) {
			ws.Close()
			return false, errors.New("会话已关闭")
		}
		reply, err = json.Marshal(ws.Credentials().Offer())
		if err != nil {
			return false, err
		}
		s.log.Info("副通道已开启", zap.String("uri", ws.URI()))
	}

	frame, err := protocol.EncodeHandshake(reply)
	if err != nil {
		return false, err
	}
	if _, err := s.conn.Write(frame); err != nil {
		return false, err
	}
	return ws != nil, nil
}

func (s *session) attachWifi(ws *wifi.Server) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.wifi = ws
	return true
}

// dispatch 执行一条命令，返回 false 结束会话
func (s *session) dispatch(ctx context.Context, cmd protocol.Command) bool {
	switch cmd {
	case protocol.CmdUp:
		if err := s.srv.presenter.PageUp(ctx); err != nil {
			s.log.Warn("翻页失败", zap.Error(err))
			s.srv.metrics.RecordError("presenter")
		}
	case protocol.CmdDown:
		if err := s.srv.presenter.PageDown(ctx); err != nil {
			s.log.Warn("翻页失败", zap.Error(err))
			s.srv.metrics.RecordError("presenter")
		}
	case protocol.CmdPing:
		if _, err := s.conn.Write(protocol.EncodePong()); err != nil {
			return false
		}
	case protocol.CmdDisconnect:
		s.log.Info("遥控端主动断开")
		return false
	case protocol.CmdScreenshot:
		return s.sendScreenshot(ctx)
	}
	return true
}

// sendScreenshot 等待翻页稳定后截图；截图失败只记录，会话继续
func (s *session) sendScreenshot(ctx context.Context) bool {
	if d := s.srv.cfg.SettleDelay; d > 0 {
		t := time.NewTimer(d)
		select {
		case <-s.done:
			t.Stop()
			return false
		case <-t.C:
		}
	}

	data, err := s.srv.shots.Screenshot(ctx)
	if err == nil && len(data) > s.srv.cfg.MaxImageSize {
		err = errors.New("截图超过上限")
	}
	if err != nil {
		s.log.Error("截图失败", zap.Error(err))
		s.srv.metrics.RecordError("screenshot")
		return true
	}

	frame, err := protocol.EncodePicture(data)
	if err != nil {
		s.log.Error("编码截图失败", zap.Error(err))
		return true
	}
	if _, err := s.conn.Write(frame); err != nil {
		return false
	}
	s.srv.metrics.RecordScreenshot(metrics.PathPrimary)
	s.log.Debug("已发送截图", zap.Int("bytes", len(data)))
	return true
}

// watchdog 无活动超过 IdleTimeout 关闭会话
func (s *session) watchdog() {
	ticker := time.NewTicker(s.srv.cfg.WatchdogInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			if s.idle() > s.srv.cfg.IdleTimeout {
				s.close("长时间无活动")
				return
			}
		}
	}
}

func (s *session) close(reason string) {
	s.closeOnce.Do(func() {
		close(s.done)
		s.log.Info("关闭连接", zap.String("reason", reason))
		s.mu.Lock()
		s.closed = true
		ws := s.wifi
		s.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		s.conn.Close()
	})
}
