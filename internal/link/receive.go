// =============================================================================
// 文件: internal/link/receive.go
// 描述: 接收循环 - 解析 pong / pic / wifi 帧，失步时断开重连
// =============================================================================
package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/slidelink/internal/metrics"
	"github.com/mrcgq/slidelink/internal/protocol"
)

// startReceiver 启动接收循环（每个引擎同时只有一个）
func (e *Engine) startReceiver() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.recvCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.recvCancel = cancel
	e.wg.Add(1)
	go e.receiveLoop(ctx)
}

func (e *Engine) receiveLoop(ctx context.Context) {
	defer e.wg.Done()
	e.log.Debug("接收循环启动")
	defer e.log.Debug("接收循环退出")

	var tags tagBuffer
	for {
		if ctx.Err() != nil {
			return
		}

		e.mu.Lock()
		ready := e.state == Connected && !e.paused
		changed := e.changed
		e.mu.Unlock()

		// 未连接或暂停时挂起，不读取任何字节
		if !ready {
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
			continue
		}

		stream := e.readerStream(ctx)
		if stream == nil {
			select {
			case <-changed:
			case <-ctx.Done():
				return
			}
			continue
		}

		if err := e.receiveFrame(stream, &tags); err != nil {
			if _, ok := interruptible(stream); ok && isReadTimeout(err) {
				// 暂停打断了标签读取，回到循环顶部挂起
				continue
			}
			tags.reset(nil)
			e.receiveFailed(ctx, stream, err)
		}
	}
}

// readerStream 在读/关闭锁内取流快照；接收循环已被取消时返回 nil
func (e *Engine) readerStream(ctx context.Context) Stream {
	e.streamMu.Lock()
	defer e.streamMu.Unlock()
	if ctx.Err() != nil {
		return nil
	}
	return e.stream
}

// tagBuffer 可续读的标签缓冲，读取被暂停打断时保留已读字节
type tagBuffer struct {
	stream Stream
	buf    [protocol.TagSize]byte
	n      int
}

func (t *tagBuffer) reset(stream Stream) {
	t.stream = stream
	t.n = 0
}

// fill 读满一个标签；换了流则丢弃旧的部分标签
func (t *tagBuffer) fill(stream Stream) error {
	if t.stream != stream {
		t.reset(stream)
	}
	for t.n < len(t.buf) {
		n, err := stream.Read(t.buf[t.n:])
		t.n += n
		if err != nil && t.n < len(t.buf) {
			if errors.Is(err, io.EOF) && t.n > 0 {
				return io.ErrUnexpectedEOF
			}
			return err
		}
	}
	return nil
}

// take 取出完整标签并清空缓冲
func (t *tagBuffer) take() (protocol.Tag, error) {
	tag, err := protocol.ReadTag(bytes.NewReader(t.buf[:]))
	t.n = 0
	return tag, err
}

// steadyReader 帧开始后暂停不再打断读取，整帧读完才回到循环
type steadyReader struct {
	stream Stream
}

func (r steadyReader) Read(p []byte) (int, error) {
	for {
		n, err := r.stream.Read(p)
		if err == nil || !isReadTimeout(err) {
			return n, err
		}
		d, ok := interruptible(r.stream)
		if !ok {
			return n, err
		}
		d.SetReadDeadline(time.Time{})
		if n > 0 {
			return n, nil
		}
	}
}

// isReadTimeout 读超时只由暂停设置
func isReadTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// receiveFrame 读取并分发一个完整帧
// 图片负载在同一次迭代内读完，标签读取不会与图片读取交错
func (e *Engine) receiveFrame(stream Stream, tags *tagBuffer) error {
	if err := tags.fill(stream); err != nil {
		return err
	}
	tag, err := tags.take()
	if err != nil {
		return err
	}
	e.touch()
	e.metrics.RecordReceived(protocol.TagSize)
	body := steadyReader{stream: stream}

	switch tag {
	case protocol.TagPong:
		e.log.Debug("收到 pong")
		return nil

	case protocol.TagPicture:
		n, err := protocol.ReadLength(body, protocol.PictureLengthSize)
		if err != nil {
			return err
		}
		if n > e.cfg.MaxImageSize {
			return fmt.Errorf("%w: 图片长度 %d 超过上限 %d", protocol.ErrProtocolDesync, n, e.cfg.MaxImageSize)
		}
		e.log.Debug("等待图片", zap.Int("bytes", n))

		e.submode.Store(int32(AwaitingImage))
		data, err := protocol.ReadExactly(body, n, e.cfg.ChunkSize)
		e.submode.Store(int32(AwaitingTag))
		if err != nil {
			return err
		}
		e.touch()
		e.metrics.RecordReceived(protocol.PictureLengthSize + n)
		e.DeliverPicture(data, metrics.PathPrimary)
		return nil

	case protocol.TagHandshake:
		n, err := protocol.ReadLength(body, protocol.HandshakeLengthSize)
		if err != nil {
			return err
		}
		payload, err := protocol.ReadExactly(body, n, e.cfg.ChunkSize)
		if err != nil {
			return err
		}
		e.touch()
		e.metrics.RecordReceived(protocol.HandshakeLengthSize + n)
		e.log.Debug("收到握手", zap.Int("bytes", n))
		e.notifyHandshake(payload)
		return nil
	}

	return fmt.Errorf("%w: %q", protocol.ErrProtocolDesync, tag)
}

// receiveFailed 处理读取错误
// 失步：断开后立即重连一次；读写失败：回到未连接并走重连路径
func (e *Engine) receiveFailed(ctx context.Context, stream Stream, err error) {
	if ctx.Err() != nil {
		return
	}
	e.submode.Store(int32(AwaitingTag))

	if errors.Is(err, protocol.ErrProtocolDesync) {
		if e.currentStream() != stream {
			return
		}
		e.log.Warn("主链路数据无法识别，断开重连", zap.Error(err))
		e.metrics.RecordDesync()
		e.Disconnect(false)
		e.reconnect(ctx)
		return
	}

	// 流已被断开或替换，错误来自关闭动作本身
	if !e.linkFailed(stream, err) {
		return
	}
	e.reconnect(ctx)
}

// DeliverPicture 解码并交付截图，解码失败仍交付原始字节
func (e *Engine) DeliverPicture(data []byte, path string) {
	img, err := e.decode(data)
	if err != nil {
		e.log.Warn("图片解码失败", zap.String("path", path), zap.Int("bytes", len(data)), zap.Error(err))
	}
	e.metrics.RecordImage(path, len(data))
	e.log.Debug("截图就绪", zap.String("path", path), zap.Int("bytes", len(data)))
	e.sink.Picture(Picture{Data: data, Image: img, Path: path})
}

func (e *Engine) notifyHandshake(payload []byte) {
	e.obsMu.RLock()
	observers := e.onHandshake
	e.obsMu.RUnlock()
	for _, fn := range observers {
		fn(payload)
	}
}
