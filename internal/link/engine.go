// =============================================================================
// 文件: internal/link/engine.go
// 描述: 主链路引擎 - 连接状态机、断开、暂停，以及各协程的生命周期
// =============================================================================
package link

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/slidelink/internal/metrics"
	"github.com/mrcgq/slidelink/internal/protocol"
)

// Engine 主链路引擎
//
// 锁顺序: connectMu → notifyMu → streamMu → queueMu → mu
// 状态回调在 notifyMu 内同步执行，回调中不得调用 Connect / Disconnect
type Engine struct {
	dialer  Dialer
	hello   HelloSource
	sink    Sink
	decode  ImageDecoder
	cfg     Config
	log     *zap.Logger
	metrics *metrics.LinkMetrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	connectMu    sync.Mutex
	disconnectMu sync.Mutex
	notifyMu     sync.Mutex

	mu            sync.Mutex
	state         State
	device        Device
	paused        bool
	closed        bool
	changed       chan struct{} // 状态或暂停变化时关闭并替换（广播）
	recvCancel    context.CancelFunc
	kaCancel      context.CancelFunc
	workerRunning bool

	// 读/关闭锁：保护流句柄的快照、替换与关闭
	streamMu sync.Mutex
	stream   Stream

	writeMu sync.Mutex

	queueMu sync.Mutex
	queue   []protocol.Command
	pending chan struct{}

	submode      atomic.Int32
	lastActivity atomic.Int64
	retrying     atomic.Bool

	obsMu       sync.RWMutex
	onState     []func(State)
	onHandshake []func([]byte)
}

// Option 引擎选项
type Option func(*Engine)

// WithConfig 设置节奏参数
func WithConfig(cfg Config) Option {
	return func(e *Engine) {
		cfg.normalize()
		e.cfg = cfg
	}
}

// WithLogger 设置日志器
func WithLogger(log *zap.Logger) Option {
	return func(e *Engine) {
		if log != nil {
			e.log = log
		}
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.LinkMetrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithSink 设置界面接收端
func WithSink(s Sink) Option {
	return func(e *Engine) {
		if s != nil {
			e.sink = s
		}
	}
}

// WithHello 设置本机握手来源
func WithHello(h HelloSource) Option {
	return func(e *Engine) { e.hello = h }
}

// WithDecoder 设置图片解码器
func WithDecoder(d ImageDecoder) Option {
	return func(e *Engine) {
		if d != nil {
			e.decode = d
		}
	}
}

// New 创建引擎
func New(dialer Dialer, opts ...Option) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		dialer:  dialer,
		sink:    nopSink{},
		decode:  DecodeImage,
		cfg:     DefaultConfig(),
		log:     zap.NewNop(),
		ctx:     ctx,
		cancel:  cancel,
		changed: make(chan struct{}),
		pending: make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.touch()
	return e
}

// =============================================================================
// 连接状态机
// =============================================================================

// Connect 连接设备
// 已连接、正在连接、暂停或 dev 为 nil 时直接返回 nil；并发调用只会拨号一次
func (e *Engine) Connect(ctx context.Context, dev Device) error {
	if dev == nil {
		return nil
	}

	e.connectMu.Lock()
	defer e.connectMu.Unlock()

	e.mu.Lock()
	if e.closed || e.state != NotConnected || e.paused {
		e.mu.Unlock()
		return nil
	}
	e.device = dev
	e.mu.Unlock()

	// 调用方已取消（例如保活循环被停止）时不再拨号
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %w", ErrTransportOpen, err)
	}

	e.log.Info("正在连接", zap.String("device", dev.Name()))
	e.setState(Connecting)

	dialCtx, cancel := context.WithTimeout(ctx, e.cfg.DialTimeout)
	stop := context.AfterFunc(e.ctx, cancel)
	stream, err := e.dialer.Dial(dialCtx, dev)
	stop()
	cancel()

	if err != nil {
		e.metrics.RecordConnect(false)
		e.log.Warn("连接失败", zap.String("device", dev.Name()), zap.Error(err))
		e.transition(NotConnected, Connecting)
		e.sink.Status(StatusConnectionFailed)
		return fmt.Errorf("%w: %s: %w", ErrTransportOpen, dev.Name(), err)
	}

	// 拨号期间可能被断开
	e.streamMu.Lock()
	e.mu.Lock()
	ok := e.state == Connecting && !e.closed
	if ok {
		e.stream = stream
	}
	e.mu.Unlock()
	e.streamMu.Unlock()
	if !ok {
		stream.Close()
		return fmt.Errorf("%w: 连接过程中被中断", ErrTransportOpen)
	}

	e.submode.Store(int32(AwaitingTag))
	e.touch()
	e.startReceiver()

	// 握手绕过发送队列，保证是新连接上的第一笔写入
	if err := e.writeHandshake(stream); err != nil {
		e.metrics.RecordConnect(false)
		e.log.Warn("发送握手失败", zap.String("device", dev.Name()), zap.Error(err))
		e.dropStream(stream)
		e.transition(NotConnected, Connecting)
		e.sink.Status(StatusConnectionFailed)
		return fmt.Errorf("%w: 发送握手失败: %w", ErrTransportIO, err)
	}

	if !e.transition(Connected, Connecting) {
		e.dropStream(stream)
		return fmt.Errorf("%w: 连接过程中被中断", ErrTransportOpen)
	}
	e.metrics.RecordConnect(true)
	e.log.Info("主链路已连接", zap.String("device", dev.Name()))

	if e.queueLen() > 0 {
		e.ensureWorker()
	}
	e.startKeepalive()
	return nil
}

// Disconnect 断开连接
// forever 为 true 时停止接收循环并清除设备句柄，之后不再自动重连
func (e *Engine) Disconnect(forever bool) {
	e.disconnectMu.Lock()
	defer e.disconnectMu.Unlock()

	state := e.State()
	if state == NotConnected {
		if forever {
			e.forget()
		}
		return
	}

	e.log.Info("断开连接", zap.Stringer("state", state), zap.Bool("forever", forever))
	e.sink.Status(StatusDisconnecting)
	e.stopKeepalive()

	if state == Connected {
		if stream := e.currentStream(); stream != nil {
			// 尽力通知，失败忽略
			if err := e.write(stream, protocol.CmdDisconnect.Bytes()); err == nil {
				e.metrics.RecordCommand(string(protocol.CmdDisconnect), protocol.CommandSize)
			}
		}
	}
	e.touch()
	e.setState(NotConnected)

	if forever {
		e.forget()
	}

	e.streamMu.Lock()
	if e.stream != nil {
		e.stream.Close()
		e.stream = nil
	}
	e.streamMu.Unlock()
}

// forget 清除设备句柄并停止接收循环
func (e *Engine) forget() {
	e.mu.Lock()
	e.device = nil
	if e.recvCancel != nil {
		e.recvCancel()
		e.recvCancel = nil
	}
	e.broadcastLocked()
	e.mu.Unlock()
}

// Pause 暂停：不再发起连接，接收循环不再读取；已打开的连接保持
// 挂起在标签上的读取被读超时打断，已读的部分标签保留到恢复后续读
func (e *Engine) Pause() {
	e.streamMu.Lock()
	defer e.streamMu.Unlock()

	e.mu.Lock()
	e.paused = true
	e.broadcastLocked()
	e.mu.Unlock()

	if d, ok := interruptible(e.stream); ok {
		d.SetReadDeadline(time.Now())
	}
	e.log.Debug("链路暂停")
}

// Resume 恢复
// 先清除读超时再清除暂停标志，看到未暂停的读取不会再被打断
func (e *Engine) Resume() {
	e.streamMu.Lock()
	defer e.streamMu.Unlock()

	if d, ok := interruptible(e.stream); ok {
		d.SetReadDeadline(time.Time{})
	}

	e.mu.Lock()
	e.paused = false
	e.broadcastLocked()
	e.mu.Unlock()
	e.log.Debug("链路恢复")
}

// Close 永久断开并等待所有协程退出
func (e *Engine) Close() error {
	e.Disconnect(true)

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.device = nil
	e.broadcastLocked()
	e.mu.Unlock()

	e.cancel()

	e.streamMu.Lock()
	if e.stream != nil {
		e.stream.Close()
		e.stream = nil
	}
	e.streamMu.Unlock()

	e.wg.Wait()
	return nil
}

// =============================================================================
// 查询
// =============================================================================

// State 当前状态
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Device 缓存的设备句柄
func (e *Engine) Device() Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.device
}

// Paused 是否暂停
func (e *Engine) Paused() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.paused
}

// Submode 接收子模式
func (e *Engine) Submode() Submode {
	return Submode(e.submode.Load())
}

// LastActivity 最近一次成功读写的时间
func (e *Engine) LastActivity() time.Time {
	return time.Unix(0, e.lastActivity.Load())
}

// =============================================================================
// 观察者
// =============================================================================

// OnStateChange 注册状态回调
func (e *Engine) OnStateChange(fn func(State)) {
	e.obsMu.Lock()
	e.onState = append(e.onState, fn)
	e.obsMu.Unlock()
}

// OnHandshake 注册握手回调，在接收循环内同步执行
func (e *Engine) OnHandshake(fn func(payload []byte)) {
	e.obsMu.Lock()
	e.onHandshake = append(e.onHandshake, fn)
	e.obsMu.Unlock()
}

// Status 转发状态文本给界面
func (e *Engine) Status(text string) {
	e.sink.Status(text)
}

// =============================================================================
// 内部
// =============================================================================

// setState 无条件写入状态并通知
func (e *Engine) setState(s State) {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	e.state = s
	e.broadcastLocked()
	e.mu.Unlock()

	e.notify(s)
}

// transition 仅当当前状态属于 from 时切换
func (e *Engine) transition(to State, from ...State) bool {
	e.notifyMu.Lock()
	defer e.notifyMu.Unlock()

	e.mu.Lock()
	ok := false
	for _, f := range from {
		if e.state == f {
			ok = true
			break
		}
	}
	if ok {
		e.state = to
		e.broadcastLocked()
	}
	e.mu.Unlock()

	if ok {
		e.notify(to)
	}
	return ok
}

func (e *Engine) notify(s State) {
	e.metrics.RecordState(int(s))
	e.sink.Status(statusText(s))

	e.obsMu.RLock()
	observers := e.onState
	e.obsMu.RUnlock()
	for _, fn := range observers {
		fn(s)
	}
}

// broadcastLocked 唤醒所有等待状态变化的协程，调用方持有 mu
func (e *Engine) broadcastLocked() {
	close(e.changed)
	e.changed = make(chan struct{})
}

// waitChange 返回当前的状态变化信号
func (e *Engine) waitChange() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.changed
}

func (e *Engine) touch() {
	e.lastActivity.Store(time.Now().UnixNano())
}

func (e *Engine) currentStream() Stream {
	e.streamMu.Lock()
	defer e.streamMu.Unlock()
	return e.stream
}

// dropStream 关闭流，仅当它仍是当前流时清空句柄
// 返回 false 表示该流已被替换或关闭（过期错误）
func (e *Engine) dropStream(stream Stream) bool {
	e.streamMu.Lock()
	defer e.streamMu.Unlock()
	if e.stream != stream || stream == nil {
		return false
	}
	stream.Close()
	e.stream = nil
	return true
}

// linkFailed 读写失败：关闭当前流并回到未连接
func (e *Engine) linkFailed(stream Stream, err error) bool {
	if !e.dropStream(stream) {
		return false
	}
	e.log.Warn("主链路读写失败", zap.Error(err))
	e.transition(NotConnected, Connected)
	return true
}

// write 写入并刷新
func (e *Engine) write(stream Stream, b []byte) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	// 对端停止读取时不无限阻塞
	if d, ok := stream.(interface{ SetWriteDeadline(time.Time) error }); ok {
		d.SetWriteDeadline(time.Now().Add(e.cfg.DialTimeout))
	}
	if _, err := stream.Write(b); err != nil {
		return err
	}
	if f, ok := stream.(interface{ Flush() error }); ok {
		if err := f.Flush(); err != nil {
			return err
		}
	}
	e.touch()
	return nil
}

func (e *Engine) writeHandshake(stream Stream) error {
	hello := protocol.NoWifi
	if e.hello != nil {
		hello = e.hello.Hello()
	}
	payload, err := protocol.EncodeHello(hello)
	if err != nil {
		return err
	}
	frame, err := protocol.EncodeHandshake(payload)
	if err != nil {
		return err
	}
	if err := e.write(stream, frame); err != nil {
		return err
	}
	e.metrics.RecordCommand(string(protocol.TagHandshake), len(frame))
	e.log.Debug("握手已发送", zap.Bool("wifi", hello.Wifi), zap.String("ssid", hello.SSID))
	return nil
}

// spawn 在引擎未关闭时启动协程
func (e *Engine) spawn(fn func(ctx context.Context)) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return false
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn(e.ctx)
	}()
	return true
}

// reconnect 用缓存的设备重连一次
func (e *Engine) reconnect(ctx context.Context) {
	dev := e.Device()
	if dev == nil {
		return
	}
	e.metrics.RecordReconnect()
	if err := e.Connect(ctx, dev); err != nil {
		e.log.Debug("重连失败", zap.Error(err))
	}
}

// sleepCtx 可取消的休眠
func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
