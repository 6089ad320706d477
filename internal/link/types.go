// =============================================================================
// 文件: internal/link/types.go
// 描述: 主链路引擎类型定义 - 状态、设备句柄、流、外部协作者接口
// =============================================================================
package link

import (
	"bytes"
	"context"
	"errors"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"time"

	"github.com/mrcgq/slidelink/internal/protocol"
)

// =============================================================================
// 状态
// =============================================================================

// State 链路状态，唯一权威值
type State int32

const (
	NotConnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case NotConnected:
		return "NOT_CONNECTED"
	case Connecting:
		return "CONNECTING"
	case Connected:
		return "CONNECTED"
	}
	return "UNKNOWN"
}

// Submode 接收子模式
type Submode int32

const (
	AwaitingTag Submode = iota
	AwaitingImage
)

func (m Submode) String() string {
	if m == AwaitingImage {
		return "AWAITING_IMAGE"
	}
	return "AWAITING_TAG"
}

// 状态文本，原样展示给界面
const (
	StatusConnecting       = "Connecting..."
	StatusConnected        = "Connected"
	StatusNotConnected     = "Not connected"
	StatusDisconnecting    = "Disconnecting"
	StatusConnectionFailed = "Connection failed"
)

func statusText(s State) string {
	switch s {
	case Connecting:
		return StatusConnecting
	case Connected:
		return StatusConnected
	}
	return StatusNotConnected
}

// =============================================================================
// 错误
// =============================================================================

var (
	// ErrTransportOpen 无法打开传输
	ErrTransportOpen = errors.New("传输打开失败")

	// ErrTransportIO 连接中途读写失败
	ErrTransportIO = errors.New("传输读写失败")
)

// =============================================================================
// 外部协作者
// =============================================================================

// Device 远端设备句柄，nil 表示未选择目标，不自动重连
type Device interface {
	Name() string
}

// Addr 以网络地址标识的设备
type Addr string

// Name 实现 Device
func (a Addr) Name() string { return string(a) }

// Stream 主链路双工字节流
// 实现可选提供 Flush() error，写入后调用
type Stream interface {
	io.Reader
	io.Writer
	io.Closer
}

// readInterrupter 可用读超时打断挂起读取的流
type readInterrupter interface {
	SetReadDeadline(t time.Time) error
}

// interruptible 读超时后仍可继续读取的流才用于暂停打断
// 实现 ReadTimeoutFatal() 并返回 true 的流（WebSocket）暂停只在帧边界生效
func interruptible(s Stream) (readInterrupter, bool) {
	if s == nil {
		return nil, false
	}
	if f, ok := s.(interface{ ReadTimeoutFatal() bool }); ok && f.ReadTimeoutFatal() {
		return nil, false
	}
	d, ok := s.(readInterrupter)
	return d, ok
}

// Dialer 按设备句柄打开主链路
type Dialer interface {
	Dial(ctx context.Context, dev Device) (Stream, error)
}

// DialerFunc 函数适配器
type DialerFunc func(ctx context.Context, dev Device) (Stream, error)

// Dial 实现 Dialer
func (f DialerFunc) Dial(ctx context.Context, dev Device) (Stream, error) {
	return f(ctx, dev)
}

// HelloSource 提供本机握手负载（无线可达性）
type HelloSource interface {
	Hello() protocol.Hello
}

// HelloFunc 函数适配器
type HelloFunc func() protocol.Hello

// Hello 实现 HelloSource
func (f HelloFunc) Hello() protocol.Hello { return f() }

// Picture 交付给界面的截图
type Picture struct {
	Data  []byte
	Image image.Image // 解码失败时为 nil
	Path  string      // primary / secondary
}

// Sink 界面接收端，投递即忘
type Sink interface {
	Status(text string)
	Picture(p Picture)
}

type nopSink struct{}

func (nopSink) Status(string)   {}
func (nopSink) Picture(Picture) {}

// ImageDecoder 图片解码协作者
type ImageDecoder func(data []byte) (image.Image, error)

// DecodeImage 默认解码器，支持 PNG / JPEG / GIF
func DecodeImage(data []byte) (image.Image, error) {
	img, _, err := image.Decode(bytes.NewReader(data))
	return img, err
}

// =============================================================================
// 配置
// =============================================================================

// Config 链路节奏参数
type Config struct {
	KeepaliveIdle     time.Duration // 空闲超过该值发送 pi
	KeepaliveInterval time.Duration // 发送 pi 后休眠
	ReconnectBackoff  time.Duration // 重连间隔，不递增
	WorkerIdle        time.Duration // 发送协程空闲等待
	DialTimeout       time.Duration
	IdlePoll          time.Duration // 保活循环无事可做时的检查间隔
	MaxImageSize      int
	ChunkSize         int
}

// DefaultConfig 默认节奏
func DefaultConfig() Config {
	return Config{
		KeepaliveIdle:     9 * time.Second,
		KeepaliveInterval: 10 * time.Second,
		ReconnectBackoff:  1500 * time.Millisecond,
		WorkerIdle:        time.Minute,
		DialTimeout:       5 * time.Second,
		IdlePoll:          250 * time.Millisecond,
		MaxImageSize:      protocol.DefaultMaxImageSize,
		ChunkSize:         protocol.DefaultChunkSize,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.KeepaliveIdle <= 0 {
		c.KeepaliveIdle = def.KeepaliveIdle
	}
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = def.KeepaliveInterval
	}
	if c.ReconnectBackoff <= 0 {
		c.ReconnectBackoff = def.ReconnectBackoff
	}
	if c.WorkerIdle <= 0 {
		c.WorkerIdle = def.WorkerIdle
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = def.DialTimeout
	}
	if c.IdlePoll <= 0 {
		c.IdlePoll = def.IdlePoll
	}
	if c.MaxImageSize <= 0 || c.MaxImageSize > protocol.MaxPictureSize {
		c.MaxImageSize = def.MaxImageSize
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = def.ChunkSize
	}
}
