// =============================================================================
// 文件: internal/link/engine_test.go
// 描述: 引擎测试 - 使用 net.Pipe 模拟主机端
// =============================================================================
package link

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mrcgq/slidelink/internal/protocol"
)

// =============================================================================
// 测试辅助
// =============================================================================

// pipeHost 每次拨号创建一对 net.Pipe，主机端交给测试
type pipeHost struct {
	dials atomic.Int32
	fail  atomic.Bool
	gate  chan struct{}
	conns chan net.Conn
}

func newPipeHost() *pipeHost {
	return &pipeHost{conns: make(chan net.Conn, 16)}
}

func (h *pipeHost) Dial(ctx context.Context, dev Device) (Stream, error) {
	h.dials.Add(1)
	if h.gate != nil {
		select {
		case <-h.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if h.fail.Load() {
		return nil, errors.New("connection refused")
	}
	client, server := net.Pipe()
	h.conns <- server
	return client, nil
}

func (h *pipeHost) accept(t *testing.T) net.Conn {
	t.Helper()
	select {
	case c := <-h.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(2 * time.Second):
		t.Fatal("等待连接超时")
		return nil
	}
}

func readHello(t *testing.T, conn net.Conn) protocol.Hello {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	payload, err := protocol.ReadHandshakeFrame(conn)
	if err != nil {
		t.Fatalf("读取握手失败: %v", err)
	}
	hello, err := protocol.ParseHello(payload)
	if err != nil {
		t.Fatalf("解析握手失败: %v", err)
	}
	return *hello
}

func readCommand(t *testing.T, conn net.Conn) protocol.Command {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	defer conn.SetReadDeadline(time.Time{})
	cmd, err := protocol.ReadCommand(conn)
	if err != nil {
		t.Fatalf("读取命令失败: %v", err)
	}
	return cmd
}

func drain(conn net.Conn) {
	go io.Copy(io.Discard, conn)
}

type recordingSink struct {
	mu       sync.Mutex
	statuses []string
	pictures chan Picture
}

func newRecordingSink() *recordingSink {
	return &recordingSink{pictures: make(chan Picture, 8)}
}

func (s *recordingSink) Status(text string) {
	s.mu.Lock()
	s.statuses = append(s.statuses, text)
	s.mu.Unlock()
}

func (s *recordingSink) Picture(p Picture) {
	s.pictures <- p
}

func (s *recordingSink) count(text string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, st := range s.statuses {
		if st == text {
			n++
		}
	}
	return n
}

func testConfig() Config {
	return Config{
		KeepaliveIdle:     time.Minute,
		KeepaliveInterval: time.Minute,
		ReconnectBackoff:  50 * time.Millisecond,
		WorkerIdle:        time.Second,
		DialTimeout:       500 * time.Millisecond,
		IdlePoll:          10 * time.Millisecond,
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("等待超时: %s", what)
}

// connectAsync 在后台连接，测试协程负责读取握手
func connectAsync(e *Engine, dev Device) <-chan error {
	done := make(chan error, 1)
	go func() { done <- e.Connect(context.Background(), dev) }()
	return done
}

func mustConnect(t *testing.T, e *Engine, h *pipeHost) net.Conn {
	t.Helper()
	done := connectAsync(e, Addr("host"))
	conn := h.accept(t)
	readHello(t, conn)
	if err := <-done; err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	return conn
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 3, 2))
	img.Set(1, 1, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// =============================================================================
// 连接状态机
// =============================================================================

func TestHandshakeIsFirstWrite(t *testing.T) {
	h := newPipeHost()
	e := New(h, WithConfig(testConfig()), WithHello(HelloFunc(func() protocol.Hello {
		return protocol.Hello{Wifi: true, SSID: "office", IP: "10.0.0.7"}
	})))
	defer e.Close()

	// 未选择设备时入队，不触发连接
	e.Send(protocol.CmdUp)
	e.Send(protocol.CmdScreenshot)
	if h.dials.Load() != 0 {
		t.Fatal("没有设备时不应拨号")
	}

	done := connectAsync(e, Addr("host"))
	conn := h.accept(t)

	hello := readHello(t, conn)
	if !hello.Wifi || hello.SSID != "office" || hello.IP != "10.0.0.7" {
		t.Errorf("握手内容错误: %+v", hello)
	}
	if err := <-done; err != nil {
		t.Fatalf("连接失败: %v", err)
	}

	if got := readCommand(t, conn); got != protocol.CmdUp {
		t.Errorf("第一条命令 = %q, want up", got)
	}
	if got := readCommand(t, conn); got != protocol.CmdScreenshot {
		t.Errorf("第二条命令 = %q, want sc", got)
	}
	if e.State() != Connected {
		t.Errorf("state = %v, want CONNECTED", e.State())
	}
}

func TestSendFIFO(t *testing.T) {
	h := newPipeHost()
	e := New(h, WithConfig(testConfig()))
	defer e.Close()
	conn := mustConnect(t, e, h)

	want := []protocol.Command{
		protocol.CmdDown, protocol.CmdDown, protocol.CmdUp, protocol.CmdScreenshot,
		protocol.CmdDown, protocol.CmdPing, protocol.CmdUp,
	}
	for _, c := range want {
		e.Send(c)
	}
	for i, w := range want {
		if got := readCommand(t, conn); got != w {
			t.Fatalf("第 %d 条命令 = %q, want %q", i, got, w)
		}
	}
}

func TestConcurrentConnectDialsOnce(t *testing.T) {
	h := newPipeHost()
	h.gate = make(chan struct{})
	e := New(h, WithConfig(testConfig()))
	defer e.Close()

	var connected atomic.Int32
	e.OnStateChange(func(s State) {
		if s == Connected {
			connected.Add(1)
		}
	})

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- e.Connect(context.Background(), Addr("host"))
		}()
	}

	waitFor(t, "第一次拨号", func() bool { return h.dials.Load() == 1 })
	close(h.gate)
	conn := h.accept(t)
	readHello(t, conn)
	drain(conn)

	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Errorf("连接返回错误: %v", err)
		}
	}
	if n := h.dials.Load(); n != 1 {
		t.Errorf("拨号次数 = %d, want 1", n)
	}
	if n := connected.Load(); n != 1 {
		t.Errorf("CONNECTED 次数 = %d, want 1", n)
	}
}

func TestConnectFailure(t *testing.T) {
	h := newPipeHost()
	h.fail.Store(true)
	sink := newRecordingSink()
	e := New(h, WithConfig(testConfig()), WithSink(sink))
	defer e.Close()

	err := e.Connect(context.Background(), Addr("host"))
	if !errors.Is(err, ErrTransportOpen) {
		t.Fatalf("应返回 ErrTransportOpen, got %v", err)
	}
	if e.State() != NotConnected {
		t.Errorf("state = %v, want NOT_CONNECTED", e.State())
	}
	if sink.count(StatusConnectionFailed) != 1 {
		t.Errorf("应报告一次 %q", StatusConnectionFailed)
	}
	if sink.count(StatusConnecting) != 1 {
		t.Errorf("应报告一次 %q", StatusConnecting)
	}
}

func TestConnectNoOps(t *testing.T) {
	h := newPipeHost()
	e := New(h, WithConfig(testConfig()))
	defer e.Close()

	t.Run("设备为空", func(t *testing.T) {
		if err := e.Connect(context.Background(), nil); err != nil {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("暂停时", func(t *testing.T) {
		e.Pause()
		if err := e.Connect(context.Background(), Addr("host")); err != nil {
			t.Errorf("err = %v", err)
		}
		e.Resume()
	})

	if n := h.dials.Load(); n != 0 {
		t.Errorf("拨号次数 = %d, want 0", n)
	}
}

func TestForeverDisconnectSuppressesReconnect(t *testing.T) {
	h := newPipeHost()
	sink := newRecordingSink()
	e := New(h, WithConfig(testConfig()), WithSink(sink))
	defer e.Close()

	conn := mustConnect(t, e, h)
	drain(conn)

	e.Disconnect(true)
	if e.Device() != nil {
		t.Fatal("永久断开后设备句柄应被清除")
	}
	if e.State() != NotConnected {
		t.Fatalf("state = %v", e.State())
	}
	if sink.count(StatusDisconnecting) != 1 {
		t.Errorf("应报告一次 %q", StatusDisconnecting)
	}

	// 自动路径都不应再拨号
	e.Send(protocol.CmdDown)
	e.Poke()
	time.Sleep(200 * time.Millisecond)
	if n := h.dials.Load(); n != 1 {
		t.Fatalf("永久断开后不应重连: dials = %d", n)
	}

	// 显式提供设备后可以再次连接，排队的命令随后发出
	done := connectAsync(e, Addr("host-2"))
	conn2 := h.accept(t)
	readHello(t, conn2)
	if err := <-done; err != nil {
		t.Fatalf("重新连接失败: %v", err)
	}
	if got := readCommand(t, conn2); got != protocol.CmdDown {
		t.Errorf("排队命令 = %q, want dn", got)
	}
}

func TestDisconnectSendsNotice(t *testing.T) {
	h := newPipeHost()
	e := New(h, WithConfig(testConfig()))
	defer e.Close()
	conn := mustConnect(t, e, h)

	go e.Disconnect(false)
	if got := readCommand(t, conn); got != protocol.CmdDisconnect {
		t.Errorf("断开通知 = %q, want di", got)
	}
	waitFor(t, "NOT_CONNECTED", func() bool { return e.State() == NotConnected })

	// 非永久断开保留设备句柄
	if e.Device() == nil {
		t.Error("非永久断开不应清除设备句柄")
	}
}

// =============================================================================
// 保活 / 重连
// =============================================================================

func TestKeepalivePing(t *testing.T) {
	h := newPipeHost()
	cfg := testConfig()
	cfg.KeepaliveIdle = 50 * time.Millisecond
	cfg.KeepaliveInterval = time.Minute
	e := New(h, WithConfig(cfg))
	defer e.Close()

	conn := mustConnect(t, e, h)
	if got := readCommand(t, conn); got != protocol.CmdPing {
		t.Fatalf("空闲后应发送 pi, got %q", got)
	}
}

func TestIOFailureReconnects(t *testing.T) {
	h := newPipeHost()
	e := New(h, WithConfig(testConfig()))
	defer e.Close()

	conn := mustConnect(t, e, h)
	conn.Close()

	conn2 := h.accept(t)
	readHello(t, conn2)
	drain(conn2)
	waitFor(t, "重新连接", func() bool { return e.State() == Connected })
	if n := h.dials.Load(); n != 2 {
		t.Errorf("dials = %d, want 2", n)
	}
}

func TestReconnectAfterDialFailures(t *testing.T) {
	h := newPipeHost()
	e := New(h, WithConfig(testConfig()))
	defer e.Close()

	conn := mustConnect(t, e, h)
	h.fail.Store(true)
	conn.Close()

	// 固定间隔重试，次数不设上限
	waitFor(t, "多次重试", func() bool { return h.dials.Load() >= 4 })
	h.fail.Store(false)

	conn2 := h.accept(t)
	readHello(t, conn2)
	drain(conn2)
	waitFor(t, "恢复连接", func() bool { return e.State() == Connected })
}

func TestPauseSuspendsReads(t *testing.T) {
	h := newPipeHost()
	e := New(h, WithConfig(testConfig()))
	defer e.Close()
	conn := mustConnect(t, e, h)
	drain(conn)

	// 接收循环此时挂起在标签读取上
	time.Sleep(20 * time.Millisecond)
	e.Pause()
	if !e.Paused() {
		t.Fatal("应处于暂停状态")
	}

	// net.Pipe 写入要等对端读取，暂停期间一帧都不应被消费
	var written atomic.Int32
	go func() {
		for i := 0; i < 2; i++ {
			if _, err := conn.Write([]byte("pong")); err != nil {
				return
			}
			written.Add(1)
		}
	}()
	time.Sleep(150 * time.Millisecond)
	if n := written.Load(); n != 0 {
		t.Fatalf("暂停期间不应读取: 已消费 %d 帧", n)
	}
	if e.State() != Connected {
		t.Error("暂停不应关闭连接")
	}

	e.Resume()
	waitFor(t, "恢复后读取", func() bool { return written.Load() == 2 })
	if n := h.dials.Load(); n != 1 {
		t.Errorf("暂停打断读取不应触发重连: dials = %d", n)
	}
}

func TestPauseKeepsPartialTag(t *testing.T) {
	h := newPipeHost()
	sink := newRecordingSink()
	e := New(h, WithConfig(testConfig()), WithSink(sink))
	defer e.Close()
	conn := mustConnect(t, e, h)
	drain(conn)

	// 标签只写了一半时暂停
	if _, err := conn.Write([]byte("pi")); err != nil {
		t.Fatal(err)
	}
	e.Pause()

	rest := make(chan struct{})
	go func() {
		conn.Write([]byte("c:"))
		close(rest)
	}()
	select {
	case <-rest:
		t.Fatal("暂停期间不应读取标签剩余部分")
	case <-time.After(100 * time.Millisecond):
	}

	e.Resume()
	<-rest
	img := pngBytes(t)
	frame, err := protocol.EncodePicture(img)
	if err != nil {
		t.Fatal(err)
	}
	// 去掉标签，剩余部分接在已写入的 "pic:" 之后
	if _, err := conn.Write(frame[protocol.TagSize:]); err != nil {
		t.Fatal(err)
	}

	select {
	case p := <-sink.pictures:
		if !bytes.Equal(p.Data, img) {
			t.Fatal("图片内容错位")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("未收到图片，帧已错位")
	}
	if e.State() != Connected || h.dials.Load() != 1 {
		t.Errorf("state = %v, dials = %d", e.State(), h.dials.Load())
	}
}

func TestPauseMidPictureFinishesFrame(t *testing.T) {
	h := newPipeHost()
	sink := newRecordingSink()
	e := New(h, WithConfig(testConfig()), WithSink(sink))
	defer e.Close()
	conn := mustConnect(t, e, h)
	drain(conn)

	img := pngBytes(t)
	frame, err := protocol.EncodePicture(img)
	if err != nil {
		t.Fatal(err)
	}
	half := len(frame) / 2
	if _, err := conn.Write(frame[:half]); err != nil {
		t.Fatal(err)
	}
	e.Pause()

	// 帧已开始，暂停不打断负载读取
	if _, err := conn.Write(frame[half:]); err != nil {
		t.Fatal(err)
	}
	select {
	case p := <-sink.pictures:
		if !bytes.Equal(p.Data, img) {
			t.Fatal("图片内容错误")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("暂停后未读完已开始的帧")
	}
	if e.Submode() != AwaitingTag {
		t.Errorf("submode = %v, want AWAITING_TAG", e.Submode())
	}

	// 帧结束后不再读取
	next := make(chan struct{})
	go func() {
		conn.Write([]byte("pong"))
		close(next)
	}()
	select {
	case <-next:
		t.Fatal("暂停期间不应开始新帧")
	case <-time.After(100 * time.Millisecond):
	}
	e.Resume()
	<-next
}

// fatalTimeoutStream 模拟读超时后不可恢复的流
type fatalTimeoutStream struct {
	net.Conn
	deadlines atomic.Int32
}

func (s *fatalTimeoutStream) SetReadDeadline(t time.Time) error {
	s.deadlines.Add(1)
	return s.Conn.SetReadDeadline(t)
}

func (s *fatalTimeoutStream) ReadTimeoutFatal() bool { return true }

func TestPauseSkipsFatalTimeoutStreams(t *testing.T) {
	var stream *fatalTimeoutStream
	conns := make(chan net.Conn, 1)
	dialer := DialerFunc(func(ctx context.Context, dev Device) (Stream, error) {
		client, server := net.Pipe()
		stream = &fatalTimeoutStream{Conn: client}
		conns <- server
		return stream, nil
	})
	e := New(dialer, WithConfig(testConfig()))
	defer e.Close()

	done := connectAsync(e, Addr("host"))
	var conn net.Conn
	select {
	case conn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("等待连接超时")
	}
	defer conn.Close()
	readHello(t, conn)
	if err := <-done; err != nil {
		t.Fatalf("连接失败: %v", err)
	}
	drain(conn)

	e.Pause()
	e.Resume()
	if n := stream.deadlines.Load(); n != 0 {
		t.Errorf("不可恢复的流不应设置读超时: %d 次", n)
	}

	// 仍按帧边界正常读取
	if _, err := conn.Write([]byte("pong")); err != nil {
		t.Fatal(err)
	}
	if e.State() != Connected {
		t.Errorf("state = %v", e.State())
	}
}

// =============================================================================
// 发送
// =============================================================================

func TestSendUnknownCommandPanics(t *testing.T) {
	e := New(newPipeHost(), WithConfig(testConfig()))
	defer e.Close()
	defer func() {
		if recover() == nil {
			t.Fatal("未定义命令应 panic")
		}
	}()
	e.Send(protocol.Command("zz"))
}

func TestSendWhileDisconnectedConnects(t *testing.T) {
	h := newPipeHost()
	h.fail.Store(true)
	e := New(h, WithConfig(testConfig()))
	defer e.Close()

	// 第一次连接失败，设备句柄已缓存
	if err := e.Connect(context.Background(), Addr("host")); err == nil {
		t.Fatal("期望连接失败")
	}
	h.fail.Store(false)

	e.Send(protocol.CmdDown)
	conn := h.accept(t)
	readHello(t, conn)
	if got := readCommand(t, conn); got != protocol.CmdDown {
		t.Errorf("got %q, want dn", got)
	}
}

func TestWorkerReusedAcrossBurst(t *testing.T) {
	h := newPipeHost()
	e := New(h, WithConfig(testConfig()))
	defer e.Close()
	conn := mustConnect(t, e, h)

	for round := 0; round < 3; round++ {
		e.Send(protocol.CmdDown)
		if got := readCommand(t, conn); got != protocol.CmdDown {
			t.Fatalf("round %d: got %q", round, got)
		}
	}
	if e.QueueLen() != 0 {
		t.Errorf("队列应为空: %d", e.QueueLen())
	}
}

func TestQueueDrainsAfterReconnect(t *testing.T) {
	h := newPipeHost()
	e := New(h, WithConfig(testConfig()))
	defer e.Close()
	conn := mustConnect(t, e, h)
	drain(conn)

	e.Disconnect(false)
	for i := 0; i < 3; i++ {
		e.Send(protocol.CmdUp)
	}

	conn2 := h.accept(t)
	readHello(t, conn2)
	for i := 0; i < 3; i++ {
		if got := readCommand(t, conn2); got != protocol.CmdUp {
			t.Fatalf("第 %d 条: got %q", i, got)
		}
	}
}

func TestHandshakeFirstAcrossFastReconnects(t *testing.T) {
	h := newPipeHost()
	cfg := testConfig()
	cfg.ReconnectBackoff = time.Millisecond
	e := New(h, WithConfig(cfg))
	defer e.Close()
	conn := mustConnect(t, e, h)

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		for {
			select {
			case <-stop:
				return
			default:
			}
			e.Send(protocol.CmdDown)
			time.Sleep(200 * time.Microsecond)
		}
	}()

	// 旧工作协程不得抢在握手之前写入新连接
	for round := 0; round < 20; round++ {
		for i := 0; i < 3; i++ {
			if got := readCommand(t, conn); got != protocol.CmdDown {
				t.Fatalf("round %d: got %q", round, got)
			}
		}
		conn.Close()
		conn = h.accept(t)
		readHello(t, conn)
	}
	drain(conn)
}

func TestCloseIsIdempotent(t *testing.T) {
	h := newPipeHost()
	e := New(h, WithConfig(testConfig()))
	conn := mustConnect(t, e, h)
	drain(conn)

	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := e.Close(); err != nil {
		t.Fatal(err)
	}
	if err := e.Connect(context.Background(), Addr("host")); err != nil {
		t.Errorf("关闭后 Connect 应为空操作: %v", err)
	}
	if n := h.dials.Load(); n != 1 {
		t.Errorf("关闭后不应拨号: dials = %d", n)
	}
}

func ExampleEngine() {
	dialer := DialerFunc(func(ctx context.Context, dev Device) (Stream, error) {
		return nil, fmt.Errorf("no route to %s", dev.Name())
	})
	e := New(dialer)
	defer e.Close()

	err := e.Connect(context.Background(), Addr("10.0.0.2:4455"))
	fmt.Println(errors.Is(err, ErrTransportOpen), e.State())
	// Output: true NOT_CONNECTED
}
