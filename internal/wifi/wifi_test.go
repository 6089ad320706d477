// =============================================================================
// 文件: internal/wifi/wifi_test.go
// =============================================================================
package wifi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"
)

var testImage = []byte("\x89PNG\r\n\x1a\nfake-image-bytes")

func staticShots(calls *atomic.Int32) Screenshotter {
	return ScreenshotFunc(func(ctx context.Context) ([]byte, error) {
		if calls != nil {
			calls.Add(1)
		}
		return testImage, nil
	})
}

func newTestServer(t *testing.T, key []byte, shots Screenshotter) *Server {
	t.Helper()
	s := NewServer(key, shots, ServerConfig{Listen: "127.0.0.1:0"})
	if err := s.Start(); err != nil {
		t.Fatalf("启动失败: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func signedRequest(t *testing.T, url string, key []byte, msg string) *http.Request {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set(HeaderTimestampNonce, msg)
	req.Header.Set(HeaderHmac, Sign(key, msg))
	return req
}

func TestSignVerify(t *testing.T) {
	key := []byte("0123456789abcdef0123456789abcdef")
	msg := NewNonce(time.Now())
	sig := Sign(key, msg)

	if !Verify(key, msg, sig) {
		t.Fatal("正确签名校验失败")
	}
	if Verify(key, msg+"x", sig) {
		t.Fatal("篡改消息仍然通过")
	}
	if Verify([]byte("other-key"), msg, sig) {
		t.Fatal("错误密钥仍然通过")
	}
}

func TestParseNonce(t *testing.T) {
	now := time.Unix(1700000000, 0)
	ts, nonce, err := ParseNonce(NewNonce(now))
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if !ts.Equal(now) || nonce == "" {
		t.Fatalf("got %v %q", ts, nonce)
	}

	ts, _, err = ParseNonce("1700000000.5,abc")
	if err != nil {
		t.Fatalf("小数时间戳解析失败: %v", err)
	}
	if ts.UnixMilli() != 1700000000500 {
		t.Fatalf("got %d", ts.UnixMilli())
	}

	for _, bad := range []string{"", "1700000000", "abc,def", "1700000000,"} {
		if _, _, err := ParseNonce(bad); err == nil {
			t.Errorf("%q 应该失败", bad)
		}
	}
}

func TestParseCredentials(t *testing.T) {
	key, _ := NewKey()
	want := &Credentials{Key: key, URI: "http://10.0.0.2:41234"}
	payload, _ := json.Marshal(want.Offer())

	got, err := ParseCredentials(payload)
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if !bytes.Equal(got.Key, key) || got.URI != want.URI {
		t.Fatalf("got %+v", got)
	}

	neg, err := ParseCredentials(nil)
	if err != nil || neg != nil {
		t.Fatalf("否定信号: %v %v", neg, err)
	}

	if _, err := ParseCredentials([]byte(`{"key":"!!","uri":"http://x"}`)); err == nil {
		t.Fatal("无效密钥应该失败")
	}
	if _, err := ParseCredentials([]byte(`{"key":"AAAA","uri":"ftp://x"}`)); err == nil {
		t.Fatal("无效地址应该失败")
	}
}

func TestDeriveKey(t *testing.T) {
	salt := []byte("fixed-salt")
	a, err := deriveKey([]byte("secret"), salt)
	if err != nil {
		t.Fatal(err)
	}
	b, _ := deriveKey([]byte("secret"), salt)
	if !bytes.Equal(a, b) || len(a) != KeySize {
		t.Fatal("相同输入应派生相同密钥")
	}

	c, _ := DeriveKey("secret")
	d, _ := DeriveKey("secret")
	if bytes.Equal(c, d) {
		t.Fatal("每次派生应使用新的盐")
	}
}

func TestNonceGuard(t *testing.T) {
	g := NewNonceGuard(time.Hour)
	defer g.Close()

	if !g.CheckOnly("n1") {
		t.Fatal("新 nonce 被拒绝")
	}
	// 仅检查不占用
	if !g.CheckOnly("n1") {
		t.Fatal("CheckOnly 不应标记")
	}
	g.Mark("n1")
	if g.CheckOnly("n1") {
		t.Fatal("已标记 nonce 未被拒绝")
	}

	if !g.CheckAndMark("n2") {
		t.Fatal("新 nonce 被拒绝")
	}
	if g.CheckAndMark("n2") {
		t.Fatal("重放未被拒绝")
	}
	if g.CheckOnly("") {
		t.Fatal("空 nonce 应被拒绝")
	}

	stats := g.Stats()
	if stats["replays"].(uint64) < 2 {
		t.Fatalf("stats: %v", stats)
	}
}

func TestNonceGuardRotation(t *testing.T) {
	g := NewNonceGuard(time.Hour)
	defer g.Close()

	g.Mark("old")
	for i := 0; i < maxSlices; i++ {
		g.rotate()
	}
	// 布隆过滤器已轮换，精确缓存仍记得
	if g.CheckOnly("old") {
		t.Fatal("精确缓存应仍然拒绝")
	}
}

func TestServerServesSignedRequest(t *testing.T) {
	key, _ := NewKey()
	var calls atomic.Int32
	s := newTestServer(t, key, staticShots(&calls))

	resp, err := http.DefaultClient.Do(signedRequest(t, s.URI(), key, NewNonce(time.Now())))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	if calls.Load() != 1 {
		t.Fatalf("截图次数 %d", calls.Load())
	}
}

func TestServerRejects(t *testing.T) {
	key, _ := NewKey()
	var calls atomic.Int32
	s := NewServer(key, staticShots(&calls), ServerConfig{})
	defer s.Close()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	replayed := NewNonce(time.Now())
	resp, err := http.DefaultClient.Do(signedRequest(t, ts.URL, key, replayed))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("首次请求 status %d", resp.StatusCode)
	}

	stale := strconv.FormatInt(time.Now().Add(-10*time.Second).Unix(), 10) + ",stale-nonce"

	tests := []struct {
		name string
		req  func() *http.Request
	}{
		{"missing headers", func() *http.Request {
			req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
			return req
		}},
		{"missing hmac", func() *http.Request {
			req, _ := http.NewRequest(http.MethodGet, ts.URL, nil)
			req.Header.Set(HeaderTimestampNonce, NewNonce(time.Now()))
			return req
		}},
		{"stale", func() *http.Request { return signedRequest(t, ts.URL, key, stale) }},
		{"replay", func() *http.Request { return signedRequest(t, ts.URL, key, replayed) }},
		{"wrong key", func() *http.Request {
			return signedRequest(t, ts.URL, []byte("wrong"), NewNonce(time.Now()))
		}},
		{"malformed", func() *http.Request { return signedRequest(t, ts.URL, key, "garbage") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.DefaultClient.Do(tt.req())
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != http.StatusUnauthorized {
				t.Fatalf("status %d", resp.StatusCode)
			}
		})
	}

	if calls.Load() != 1 {
		t.Fatalf("被拒绝的请求不应截图，截图次数 %d", calls.Load())
	}
}

func TestServerHead(t *testing.T) {
	s := NewServer([]byte("k"), staticShots(nil), ServerConfig{})
	defer s.Close()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Head(ts.URL)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
}

func TestClientFetch(t *testing.T) {
	key, _ := NewKey()
	s := newTestServer(t, key, staticShots(nil))

	c := NewClient()
	data, err := c.Fetch(context.Background(), s.Credentials())
	if err != nil {
		t.Fatalf("获取失败: %v", err)
	}
	if !bytes.Equal(data, testImage) {
		t.Fatalf("got %q", data)
	}
}

func TestClientFetchOverlappingRequestsAreIndependent(t *testing.T) {
	var hits atomic.Int32
	arrived := make(chan struct{})
	release := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := hits.Add(1)
		if n == 1 {
			close(arrived)
			<-release
		}
		w.Write([]byte("shot-" + strconv.Itoa(int(n))))
	}))
	defer ts.Close()

	key, _ := NewKey()
	creds := &Credentials{Key: key, URI: ts.URL}
	c := NewClient()

	first := make(chan []byte, 1)
	go func() {
		data, err := c.Fetch(context.Background(), creds)
		if err != nil {
			t.Errorf("第一次获取失败: %v", err)
		}
		first <- data
	}()

	select {
	case <-arrived:
	case <-time.After(2 * time.Second):
		t.Fatal("第一个请求未到达服务端")
	}

	// 第一个请求仍挂起时发出第二个
	second, err := c.Fetch(context.Background(), creds)
	if err != nil {
		t.Fatalf("第二次获取失败: %v", err)
	}
	close(release)
	got := <-first

	if hits.Load() != 2 {
		t.Fatalf("服务端应收到 2 次请求, got %d", hits.Load())
	}
	if string(got) != "shot-1" || string(second) != "shot-2" {
		t.Fatalf("每次调用应拿到自己的结果, got %q %q", got, second)
	}
}

func TestClientFetchErrors(t *testing.T) {
	key, _ := NewKey()
	s := newTestServer(t, key, staticShots(nil))
	c := NewClient()

	// 错误密钥
	_, err := c.Fetch(context.Background(), &Credentials{Key: []byte("wrong"), URI: s.URI()})
	if !errors.Is(err, ErrSecondaryTransport) {
		t.Fatalf("got %v", err)
	}

	// 超限
	small := NewClient(WithMaxSize(4))
	_, err = small.Fetch(context.Background(), s.Credentials())
	if !errors.Is(err, ErrSecondaryTransport) {
		t.Fatalf("got %v", err)
	}

	// 服务已关闭
	uri := s.URI()
	s.Close()
	_, err = c.Fetch(context.Background(), &Credentials{Key: key, URI: uri})
	if !errors.Is(err, ErrSecondaryTransport) {
		t.Fatalf("got %v", err)
	}

	if _, err := c.Fetch(context.Background(), nil); !errors.Is(err, ErrSecondaryTransport) {
		t.Fatalf("got %v", err)
	}
}

func TestServerSettleDelayHonorsCancel(t *testing.T) {
	key, _ := NewKey()
	var calls atomic.Int32
	s := NewServer(key, staticShots(&calls), ServerConfig{SettleDelay: time.Hour})
	defer s.Close()
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	req := signedRequest(t, ts.URL, key, NewNonce(time.Now())).WithContext(ctx)
	if _, err := http.DefaultClient.Do(req); err == nil {
		t.Fatal("应该超时")
	}
	if calls.Load() != 0 {
		t.Fatal("取消后不应截图")
	}
}

func TestLocalHello(t *testing.T) {
	if h := (LocalHello{}).Hello(); h.Wifi {
		t.Fatal("没有 SSID 时应为否定")
	}
	h := LocalHello{SSID: "office", IP: "10.0.0.5"}.Hello()
	if !h.Wifi || h.SSID != "office" || h.IP != "10.0.0.5" {
		t.Fatalf("got %+v", h)
	}
}
