// =============================================================================
// 文件: internal/metrics/metrics_test.go
// =============================================================================
package metrics

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

type fakeSecondary struct {
	state    string
	timeouts int
}

func (f *fakeSecondary) SecondaryState() string { return f.state }
func (f *fakeSecondary) TimeoutCount() int      { return f.timeouts }

func TestMetricsEndpoint(t *testing.T) {
	s := NewMetricsServer(":0", "/metrics", "/health", false, nil)
	lm := NewLinkMetrics(s.GetRegistry())
	s.MustRegisterCollector(NewSecondaryCollector(&fakeSecondary{state: "degraded", timeouts: 2}))

	lm.RecordConnect(true)
	lm.RecordCommand("up", 2)
	lm.RecordImage(PathSecondary, 1024)

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	if err != nil {
		t.Fatalf("请求失败: %v", err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	text := string(body)

	for _, want := range []string{
		`slidelink_link_connects_total{result="ok"} 1`,
		`slidelink_link_commands_sent_total{command="up"} 1`,
		`slidelink_images_total{path="secondary"} 1`,
		`slidelink_wifi_state{state="degraded"} 1`,
		`slidelink_wifi_consecutive_timeouts 2`,
	} {
		if !strings.Contains(text, want) {
			t.Errorf("指标输出缺少 %q", want)
		}
	}
}

func TestNilMetricsSafe(t *testing.T) {
	var lm *LinkMetrics
	lm.RecordConnect(false)
	lm.RecordWifiTimeout()
	var hm *HostMetrics
	hm.RecordCommand("dn")

	// 未注册的指标也可以使用
	NewLinkMetrics(nil).RecordDesync()
	NewHostMetrics(nil).RecordSession(true, true)
}

func TestHealthEndpoint(t *testing.T) {
	s := NewMetricsServer(":0", "/metrics", "/health", false, nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	t.Run("未设置检查函数时就绪探针失败", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/health/ready")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
	})

	s.SetHealthCheck(func() HealthStatus {
		return HealthStatus{
			Status:    "degraded",
			Timestamp: time.Now(),
			Components: map[string]ComponentHealth{
				"link": {Status: "degraded", Message: "Not connected"},
			},
		}
	})

	t.Run("降级状态仍然就绪", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/health")
		if err != nil {
			t.Fatal(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Errorf("status = %d, want 200", resp.StatusCode)
		}
		var status HealthStatus
		if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
			t.Fatalf("解析失败: %v", err)
		}
		if status.Components["link"].Message != "Not connected" {
			t.Errorf("components = %+v", status.Components)
		}
	})

	t.Run("存活探针", func(t *testing.T) {
		s.SetHealthy(false)
		resp, err := http.Get(srv.URL + "/health/live")
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusServiceUnavailable {
			t.Errorf("status = %d, want 503", resp.StatusCode)
		}
	})
}

func TestLinkStatsHistory(t *testing.T) {
	s := NewLinkStats()
	s.RecordTransition("CONNECTING")
	s.RecordTransition("CONNECTING")
	s.RecordTransition("CONNECTED")

	h := s.GetHistory(0)
	if len(h) != 2 {
		t.Fatalf("重复状态应忽略: got %d 条", len(h))
	}
	if h[0].From != "CONNECTING" || h[0].To != "CONNECTED" {
		t.Errorf("最新记录错误: %+v", h[0])
	}
	if s.CurrentState() != "CONNECTED" {
		t.Errorf("CurrentState = %s", s.CurrentState())
	}

	for i := 0; i < 150; i++ {
		if i%2 == 0 {
			s.RecordTransition("A")
		} else {
			s.RecordTransition("B")
		}
	}
	if n := len(s.GetHistory(0)); n != maxHistory {
		t.Errorf("历史应截断为 %d, got %d", maxHistory, n)
	}
}
