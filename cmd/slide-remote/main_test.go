package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/mrcgq/slidelink/internal/config"
	"github.com/mrcgq/slidelink/internal/link"
	"github.com/mrcgq/slidelink/internal/metrics"
	"github.com/mrcgq/slidelink/internal/transport"
)

func TestLoadConfigFlagsOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "remote.yaml")
	data := "remote:\n  address: 10.0.0.2:4455\n  ssid: office\n"
	if err := os.WriteFile(path, []byte(data), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := loadConfig(&runFlags{configPath: path, address: "10.0.0.3:4455", logLevel: "debug"})
	if err != nil {
		t.Fatalf("加载失败: %v", err)
	}
	if cfg.Remote.Address != "10.0.0.3:4455" {
		t.Errorf("address = %s", cfg.Remote.Address)
	}
	if cfg.Remote.SSID != "office" || cfg.LogLevel != "debug" {
		t.Errorf("ssid=%s level=%s", cfg.Remote.SSID, cfg.LogLevel)
	}

	if _, err := loadConfig(&runFlags{}); err == nil {
		t.Error("缺少地址应失败")
	}
	if _, err := loadConfig(&runFlags{address: "host:1", network: "websocket"}); err == nil {
		t.Error("websocket 地址缺少 scheme 应失败")
	}
}

func TestNewDialer(t *testing.T) {
	r := config.DefaultConfig().Remote
	d, err := newDialer(&r, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := d.(*transport.TCPDialer); !ok {
		t.Errorf("tcp 应返回 TCPDialer: %T", d)
	}

	r.Network = "websocket"
	d, _ = newDialer(&r, zap.NewNop())
	if _, ok := d.(*transport.WebSocketDialer); !ok {
		t.Errorf("websocket 应返回 WebSocketDialer: %T", d)
	}

	r.Network = "bluetooth"
	if _, err := newDialer(&r, zap.NewNop()); err == nil {
		t.Error("未知网络应失败")
	}
}

func TestSinkSavesPicture(t *testing.T) {
	dir := t.TempDir()
	stats := metrics.NewLinkStats()
	sink := newTerminalSink(dir, stats, zap.NewNop())

	png := []byte("\x89PNG\r\n\x1a\n0000")
	sink.Picture(link.Picture{Data: png, Path: metrics.PathPrimary})

	entries, err := os.ReadDir(dir)
	if err != nil || len(entries) != 1 {
		t.Fatalf("应保存一张截图: %v %v", entries, err)
	}
	if !strings.HasSuffix(entries[0].Name(), ".png") {
		t.Errorf("文件名 %s", entries[0].Name())
	}
	if stats.GetStats()["images"] != uint64(1) {
		t.Errorf("images = %v", stats.GetStats()["images"])
	}
}
