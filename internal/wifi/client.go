// =============================================================================
// 文件: internal/wifi/client.go
// 描述: 副通道客户端 - 签名 GET 请求，响应体即图片字节
// =============================================================================
package wifi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/slidelink/internal/protocol"
)

// Client 副通道客户端
type Client struct {
	http    *http.Client
	maxSize int
	log     *zap.Logger
	now     func() time.Time
}

// ClientOption 客户端选项
type ClientOption func(*Client)

// WithHTTPClient 设置 HTTP 客户端
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) {
		if c != nil {
			cl.http = c
		}
	}
}

// WithMaxSize 设置响应体上限
func WithMaxSize(n int) ClientOption {
	return func(cl *Client) {
		if n > 0 {
			cl.maxSize = n
		}
	}
}

// WithClientLogger 设置日志器
func WithClientLogger(log *zap.Logger) ClientOption {
	return func(cl *Client) {
		if log != nil {
			cl.log = log
		}
	}
}

// NewClient 创建客户端
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		http:    &http.Client{},
		maxSize: protocol.DefaultMaxImageSize,
		log:     zap.NewNop(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Fetch 获取截图，每次调用都发出独立的签名请求
// 任何失败都包装为 ErrSecondaryTransport
func (c *Client) Fetch(ctx context.Context, creds *Credentials) ([]byte, error) {
	if creds == nil {
		return nil, fmt.Errorf("%w: 没有凭据", ErrSecondaryTransport)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, creds.URI, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: 构建请求失败: %w", ErrSecondaryTransport, err)
	}
	msg := NewNonce(c.now())
	req.Header.Set(HeaderTimestampNonce, msg)
	req.Header.Set(HeaderHmac, Sign(creds.Key, msg))

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSecondaryTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("%w: HTTP %d", ErrSecondaryTransport, resp.StatusCode)
	}

	// 读到流结束，多读一个字节用于判断超限
	data, err := io.ReadAll(io.LimitReader(resp.Body, int64(c.maxSize)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: 读取响应失败: %w", ErrSecondaryTransport, err)
	}
	if len(data) > c.maxSize {
		return nil, fmt.Errorf("%w: 响应超过 %d 字节", ErrSecondaryTransport, c.maxSize)
	}

	c.log.Debug("副通道截图完成",
		zap.Int("bytes", len(data)),
		zap.Duration("elapsed", time.Since(start)))
	return data, nil
}
