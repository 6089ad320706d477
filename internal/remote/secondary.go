// =============================================================================
// 文件: internal/remote/secondary.go
// 描述: 副通道状态机 - DISABLED / ENABLED / DEGRADED
// =============================================================================
package remote

import (
	"sync"

	"github.com/mrcgq/slidelink/internal/wifi"
)

// SecondaryState 副通道状态
type SecondaryState int

const (
	SecondaryDisabled SecondaryState = iota
	SecondaryEnabled
	SecondaryDegraded
)

func (s SecondaryState) String() string {
	switch s {
	case SecondaryEnabled:
		return "enabled"
	case SecondaryDegraded:
		return "degraded"
	}
	return "disabled"
}

// 副通道状态文本
const (
	StatusWithWifi     = "Connected (with wifi)"
	StatusFlakeyWifi   = "Connected (flakey wifi?)"
	StatusWifiDisabled = "Connected (wifi disabled)"
	StatusWifiErrors   = "Connected (wifi errors)"
)

// Secondary 副通道状态
//
// 每次握手递增代数，旧代数发起的请求结果不再影响状态
type Secondary struct {
	mu          sync.Mutex
	state       SecondaryState
	creds       *wifi.Credentials
	timeouts    int
	maxTimeouts int
	gen         uint64
}

// NewSecondary 创建副通道状态，连续 maxTimeouts 次超时后停用
func NewSecondary(maxTimeouts int) *Secondary {
	if maxTimeouts <= 0 {
		maxTimeouts = 3
	}
	return &Secondary{maxTimeouts: maxTimeouts}
}

// Handshake 处理主机握手，creds 为 nil 表示否定信号
// 任何握手都会清零超时计数
func (s *Secondary) Handshake(creds *wifi.Credentials) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gen++
	s.timeouts = 0
	s.creds = creds
	if creds == nil {
		s.state = SecondaryDisabled
	} else {
		s.state = SecondaryEnabled
	}
	return s.gen
}

// Disable 停用
func (s *Secondary) Disable() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disableLocked()
}

func (s *Secondary) disableLocked() {
	s.state = SecondaryDisabled
	s.creds = nil
}

// Current 当前凭据和代数，停用时凭据为 nil
func (s *Secondary) Current() (*wifi.Credentials, uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == SecondaryDisabled {
		return nil, s.gen
	}
	return s.creds, s.gen
}

// Timeout 记录一次超时，返回状态文本；过期代数返回空串
func (s *Secondary) Timeout(gen uint64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state == SecondaryDisabled {
		return ""
	}
	s.timeouts++
	if s.timeouts >= s.maxTimeouts {
		s.disableLocked()
		return StatusWifiDisabled
	}
	s.state = SecondaryDegraded
	return StatusFlakeyWifi
}

// Failure 记录一次请求失败并停用，返回状态文本；过期代数返回空串
func (s *Secondary) Failure(gen uint64) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state == SecondaryDisabled {
		return ""
	}
	s.disableLocked()
	return StatusWifiErrors
}

// State 当前状态
func (s *Secondary) State() SecondaryState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// SecondaryState 实现 metrics.SecondaryStats
func (s *Secondary) SecondaryState() string {
	return s.State().String()
}

// TimeoutCount 实现 metrics.SecondaryStats
func (s *Secondary) TimeoutCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeouts
}
