// =============================================================================
// 文件: internal/remote/client.go
// 描述: 遥控端协调器 - 主链路命令 + 副通道截图竞速 + 翻页后截图防抖
// =============================================================================
package remote

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/slidelink/internal/link"
	"github.com/mrcgq/slidelink/internal/metrics"
	"github.com/mrcgq/slidelink/internal/protocol"
	"github.com/mrcgq/slidelink/internal/wifi"
)

// ErrClosed 客户端已关闭
var ErrClosed = errors.New("客户端已关闭")

// Fetcher 副通道截图获取
type Fetcher interface {
	Fetch(ctx context.Context, creds *wifi.Credentials) ([]byte, error)
}

// FetcherFunc 函数适配器
type FetcherFunc func(ctx context.Context, creds *wifi.Credentials) ([]byte, error)

// Fetch 实现 Fetcher
func (f FetcherFunc) Fetch(ctx context.Context, creds *wifi.Credentials) ([]byte, error) {
	return f(ctx, creds)
}

// Config 协调器参数
type Config struct {
	WifiTimeout  time.Duration // 副通道结果等待上限，超时回退主链路
	FetchTimeout time.Duration // 副通道请求本身的上限
	MaxTimeouts  int
	Debounce     time.Duration
}

// DefaultConfig 默认参数
func DefaultConfig() Config {
	return Config{
		WifiTimeout:  1500 * time.Millisecond,
		FetchTimeout: 10 * time.Second,
		MaxTimeouts:  3,
		Debounce:     time.Second,
	}
}

func (c *Config) normalize() {
	def := DefaultConfig()
	if c.WifiTimeout <= 0 {
		c.WifiTimeout = def.WifiTimeout
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = def.FetchTimeout
	}
	if c.MaxTimeouts <= 0 {
		c.MaxTimeouts = def.MaxTimeouts
	}
	if c.Debounce <= 0 {
		c.Debounce = def.Debounce
	}
}

// Option 协调器选项
type Option func(*Client)

// WithConfig 设置参数
func WithConfig(cfg Config) Option {
	return func(c *Client) {
		cfg.normalize()
		c.cfg = cfg
	}
}

// WithLogger 设置日志器
func WithLogger(log *zap.Logger) Option {
	return func(c *Client) {
		if log != nil {
			c.log = log
		}
	}
}

// WithMetrics 设置指标
func WithMetrics(m *metrics.LinkMetrics) Option {
	return func(c *Client) { c.metrics = m }
}

// Client 遥控端
type Client struct {
	engine    *link.Engine
	fetcher   Fetcher
	secondary *Secondary
	cfg       Config
	log       *zap.Logger
	metrics   *metrics.LinkMetrics
	now       func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	closed    bool
	lastClick time.Time
	waiting   bool
}

type fetchResult struct {
	data []byte
	err  error
}

// New 创建遥控端并挂接引擎回调
func New(engine *link.Engine, fetcher Fetcher, opts ...Option) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		engine:  engine,
		fetcher: fetcher,
		cfg:     DefaultConfig(),
		log:     zap.NewNop(),
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.Named("remote")
	c.secondary = NewSecondary(c.cfg.MaxTimeouts)

	engine.OnHandshake(c.handleHandshake)
	engine.OnStateChange(c.handleState)
	return c
}

// Engine 底层引擎
func (c *Client) Engine() *link.Engine { return c.engine }

// Secondary 副通道状态
func (c *Client) Secondary() *Secondary { return c.secondary }

// Connect 连接设备
func (c *Client) Connect(ctx context.Context, dev link.Device) error {
	return c.engine.Connect(ctx, dev)
}

// Disconnect 断开，forever 为 true 时不再自动重连
func (c *Client) Disconnect(forever bool) {
	c.secondary.Disable()
	c.engine.Disconnect(forever)
}

// Pause 暂停接收
func (c *Client) Pause() { c.engine.Pause() }

// Resume 恢复接收并唤醒发送协程
func (c *Client) Resume() {
	c.engine.Resume()
	c.engine.Poke()
}

// Up 上一页
func (c *Client) Up() { c.engine.Send(protocol.CmdUp) }

// Down 下一页
func (c *Client) Down() { c.engine.Send(protocol.CmdDown) }

// Next 下一页，停止点击后截图
func (c *Client) Next() {
	c.Down()
	c.scheduleScreenshot()
}

// Previous 上一页，停止点击后截图
func (c *Client) Previous() {
	c.Up()
	c.scheduleScreenshot()
}

// Screenshot 请求一张截图
//
// 副通道可用时与 WifiTimeout 竞速，失败或超时回退为主链路 sc；
// 输掉竞速的请求结果直接丢弃
func (c *Client) Screenshot(ctx context.Context) error {
	creds, gen := c.secondary.Current()
	if creds == nil || c.fetcher == nil {
		c.engine.Send(protocol.CmdScreenshot)
		return nil
	}

	result := make(chan fetchResult, 1)
	// 调用方放弃等待后请求继续，直到 FetchTimeout 或客户端关闭
	fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.FetchTimeout)
	stop := context.AfterFunc(c.ctx, cancel)
	start := c.now()
	if !c.spawn(func() {
		defer stop()
		defer cancel()
		data, err := c.fetcher.Fetch(fetchCtx, creds)
		result <- fetchResult{data: data, err: err}
	}) {
		stop()
		cancel()
		return ErrClosed
	}

	timer := time.NewTimer(c.cfg.WifiTimeout)
	defer timer.Stop()

	select {
	case r := <-result:
		if r.err != nil {
			c.metrics.RecordWifiFailure()
			c.log.Warn("副通道截图失败，回退主链路", zap.Error(r.err))
			if text := c.secondary.Failure(gen); text != "" {
				c.engine.Status(text)
			}
			c.engine.Send(protocol.CmdScreenshot)
			return nil
		}
		c.metrics.RecordFetch(c.now().Sub(start).Seconds())
		c.engine.DeliverPicture(r.data, metrics.PathSecondary)
		return nil

	case <-timer.C:
		c.metrics.RecordWifiTimeout()
		c.log.Info("副通道超时，回退主链路", zap.Duration("timeout", c.cfg.WifiTimeout))
		if text := c.secondary.Timeout(gen); text != "" {
			c.engine.Status(text)
		}
		c.engine.Send(protocol.CmdScreenshot)
		return nil

	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 关闭
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	err := c.engine.Close()
	c.wg.Wait()
	return err
}

// =============================================================================
// 引擎回调
// =============================================================================

// handleHandshake 在接收循环内执行，截图放到独立协程
func (c *Client) handleHandshake(payload []byte) {
	creds, err := wifi.ParseCredentials(payload)
	if err != nil {
		c.log.Warn("副通道凭据无效，按否定处理", zap.Error(err))
		creds = nil
	}

	c.secondary.Handshake(creds)
	if creds != nil {
		c.log.Info("副通道可用", zap.String("uri", creds.URI))
		c.engine.Status(StatusWithWifi)
	} else {
		c.log.Debug("主机未提供副通道")
	}

	c.spawn(func() {
		if err := c.Screenshot(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Debug("握手后截图失败", zap.Error(err))
		}
	})
}

// handleState 在引擎 notifyMu 内执行，不得回调引擎的连接操作
func (c *Client) handleState(s link.State) {
	if s == link.NotConnected {
		c.secondary.Disable()
	}
}

// =============================================================================
// 防抖
// =============================================================================

// scheduleScreenshot 距上次点击超过防抖间隔且没有等待中的截图时立即截图，
// 否则等待点击停止后再截图
func (c *Client) scheduleScreenshot() {
	c.mu.Lock()
	now := c.now()
	quiet := !c.waiting && now.Sub(c.lastClick) > c.cfg.Debounce
	c.lastClick = now
	if quiet {
		c.mu.Unlock()
		c.spawn(c.screenshotAsync)
		return
	}
	if c.waiting {
		c.mu.Unlock()
		return
	}
	c.waiting = true
	c.mu.Unlock()

	if !c.spawn(c.awaitQuiet) {
		c.mu.Lock()
		c.waiting = false
		c.mu.Unlock()
	}
}

func (c *Client) awaitQuiet() {
	for {
		c.mu.Lock()
		remaining := c.lastClick.Add(c.cfg.Debounce).Sub(c.now())
		if remaining <= 0 {
			c.waiting = false
			c.mu.Unlock()
			c.screenshotAsync()
			return
		}
		c.mu.Unlock()

		t := time.NewTimer(remaining)
		select {
		case <-c.ctx.Done():
			t.Stop()
			c.mu.Lock()
			c.waiting = false
			c.mu.Unlock()
			return
		case <-t.C:
		}
	}
}

func (c *Client) screenshotAsync() {
	if err := c.Screenshot(c.ctx); err != nil && !errors.Is(err, context.Canceled) {
		c.log.Debug("截图失败", zap.Error(err))
	}
}

// spawn 在客户端生命周期内启动协程，关闭后返回 false
func (c *Client) spawn(fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}
