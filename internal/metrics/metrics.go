// =============================================================================
// 文件: internal/metrics/metrics.go
// 描述: 进程内统计 - 链路状态切换历史，供健康检查输出
// =============================================================================
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

const maxHistory = 100

// LinkStats 链路统计
type LinkStats struct {
	transitions uint64
	imageCount  uint64
	lastState   atomic.Value // string

	history []TransitionRecord

	startTime time.Time

	mu sync.RWMutex
}

// TransitionRecord 状态切换记录
type TransitionRecord struct {
	Timestamp time.Time `json:"timestamp"`
	From      string    `json:"from"`
	To        string    `json:"to"`
}

// NewLinkStats 创建链路统计
func NewLinkStats() *LinkStats {
	s := &LinkStats{
		startTime: time.Now(),
		history:   make([]TransitionRecord, 0, maxHistory),
	}
	s.lastState.Store("")
	return s
}

// RecordTransition 记录状态切换，重复状态忽略
func (s *LinkStats) RecordTransition(to string) {
	from, _ := s.lastState.Load().(string)
	if from == to {
		return
	}
	s.lastState.Store(to)
	atomic.AddUint64(&s.transitions, 1)

	s.mu.Lock()
	defer s.mu.Unlock()

	// 保留最近 100 条
	if len(s.history) >= maxHistory {
		s.history = s.history[1:]
	}
	s.history = append(s.history, TransitionRecord{
		Timestamp: time.Now(),
		From:      from,
		To:        to,
	})
}

// RecordImage 记录一次截图交付
func (s *LinkStats) RecordImage() {
	atomic.AddUint64(&s.imageCount, 1)
}

// CurrentState 当前状态
func (s *LinkStats) CurrentState() string {
	v, _ := s.lastState.Load().(string)
	return v
}

// GetHistory 获取最近的切换记录（倒序）
func (s *LinkStats) GetHistory(limit int) []TransitionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.history) {
		limit = len(s.history)
	}
	result := make([]TransitionRecord, limit)
	for i := 0; i < limit; i++ {
		result[i] = s.history[len(s.history)-1-i]
	}
	return result
}

// GetUptime 获取运行时间
func (s *LinkStats) GetUptime() time.Duration {
	return time.Since(s.startTime)
}

// GetStats 获取所有统计信息
func (s *LinkStats) GetStats() map[string]interface{} {
	return map[string]interface{}{
		"uptime":      s.GetUptime().String(),
		"state":       s.CurrentState(),
		"transitions": atomic.LoadUint64(&s.transitions),
		"images":      atomic.LoadUint64(&s.imageCount),
	}
}
