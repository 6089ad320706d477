// =============================================================================
// 文件: internal/wifi/replay.go
// 描述: 副通道防重放 - 时间片布隆过滤器 + 精确 LRU
// =============================================================================
package wifi

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
)

const (
	bloomExpectedItems = 10000
	bloomFalsePositive = 0.0001

	defaultSliceDuration = 5 * time.Second
	maxSlices            = 6

	exactCacheSize = 4096
)

// NonceGuard 记录已使用的 nonce
// 时间片总跨度必须覆盖时间戳容忍窗口，超出窗口的请求由时间戳检查拒绝
type NonceGuard struct {
	slices     [maxSlices]*timeSlice
	currentIdx int64
	exact      *lruCache
	mu         sync.RWMutex

	checks  uint64
	replays uint64

	stop     chan struct{}
	stopOnce sync.Once
}

type timeSlice struct {
	bloom *bloom.BloomFilter
	mu    sync.RWMutex
}

type lruCache struct {
	capacity int
	items    map[string]struct{}
	order    []string
	mu       sync.Mutex
}

// NewNonceGuard 创建防重放保护器，slice<=0 使用默认时间片
func NewNonceGuard(slice time.Duration) *NonceGuard {
	if slice <= 0 {
		slice = defaultSliceDuration
	}
	g := &NonceGuard{
		exact: &lruCache{
			capacity: exactCacheSize,
			items:    make(map[string]struct{}, exactCacheSize),
		},
		stop: make(chan struct{}),
	}
	for i := range g.slices {
		g.slices[i] = newTimeSlice()
	}
	go g.rotateLoop(slice)
	return g
}

func newTimeSlice() *timeSlice {
	return &timeSlice{bloom: bloom.NewWithEstimates(bloomExpectedItems, bloomFalsePositive)}
}

// CheckOnly 仅检查，true 表示未见过
func (g *NonceGuard) CheckOnly(nonce string) bool {
	if nonce == "" {
		return false
	}
	atomic.AddUint64(&g.checks, 1)
	if g.seen(nonce) {
		atomic.AddUint64(&g.replays, 1)
		return false
	}
	return true
}

// Mark 标记为已使用
func (g *NonceGuard) Mark(nonce string) {
	if nonce == "" {
		return
	}
	g.mu.RLock()
	current := g.slices[g.currentIdx%maxSlices]
	g.mu.RUnlock()

	current.mu.Lock()
	current.bloom.AddString(nonce)
	current.mu.Unlock()

	g.exact.add(nonce)
}

// CheckAndMark 检查并标记，false 表示重放
func (g *NonceGuard) CheckAndMark(nonce string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.checkLocked(nonce) {
		return false
	}
	current := g.slices[g.currentIdx%maxSlices]
	current.mu.Lock()
	current.bloom.AddString(nonce)
	current.mu.Unlock()
	g.exact.add(nonce)
	return true
}

func (g *NonceGuard) checkLocked(nonce string) bool {
	if nonce == "" {
		return false
	}
	atomic.AddUint64(&g.checks, 1)
	if g.seenLocked(nonce) {
		atomic.AddUint64(&g.replays, 1)
		return false
	}
	return true
}

func (g *NonceGuard) seen(nonce string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.seenLocked(nonce)
}

func (g *NonceGuard) seenLocked(nonce string) bool {
	if g.exact.contains(nonce) {
		return true
	}
	for _, s := range g.slices {
		s.mu.RLock()
		hit := s.bloom.TestString(nonce)
		s.mu.RUnlock()
		if hit {
			// 误报按重放处理
			return true
		}
	}
	return false
}

func (g *NonceGuard) rotateLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case <-ticker.C:
			g.rotate()
		}
	}
}

func (g *NonceGuard) rotate() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.currentIdx++
	g.slices[g.currentIdx%maxSlices] = newTimeSlice()
}

// Close 停止轮转
func (g *NonceGuard) Close() {
	g.stopOnce.Do(func() { close(g.stop) })
}

// Stats 统计信息
func (g *NonceGuard) Stats() map[string]interface{} {
	return map[string]interface{}{
		"checks":  atomic.LoadUint64(&g.checks),
		"replays": atomic.LoadUint64(&g.replays),
	}
}

func (c *lruCache) add(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.items[key]; ok {
		return
	}
	if len(c.items) >= c.capacity {
		oldest := c.order[0]
		delete(c.items, oldest)
		c.order = c.order[1:]
	}
	c.items[key] = struct{}{}
	c.order = append(c.order, key)
}

func (c *lruCache) contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	return ok
}
