// =============================================================================
// 文件: cmd/slide-remote/sink.go
// 描述: 终端界面 - 打印状态文本，截图写入目录
// =============================================================================
package main

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/slidelink/internal/link"
	"github.com/mrcgq/slidelink/internal/metrics"
)

type terminalSink struct {
	dir   string
	stats *metrics.LinkStats
	log   *zap.Logger

	mu   sync.Mutex
	last string
}

func newTerminalSink(dir string, stats *metrics.LinkStats, log *zap.Logger) *terminalSink {
	return &terminalSink{dir: dir, stats: stats, log: log.Named("sink")}
}

func (s *terminalSink) Status(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if text == s.last {
		return
	}
	s.last = text
	fmt.Printf("[%s] %s\n", time.Now().Format("15:04:05"), text)
}

func (s *terminalSink) Picture(p link.Picture) {
	s.stats.RecordImage()

	name := fmt.Sprintf("slide-%s-%s%s", time.Now().Format("150405.000"), p.Path, extension(p.Data))
	path := filepath.Join(s.dir, name)
	if err := os.WriteFile(path, p.Data, 0o644); err != nil {
		s.log.Error("保存截图失败", zap.String("path", path), zap.Error(err))
		return
	}

	size := "?"
	if p.Image != nil {
		b := p.Image.Bounds()
		size = fmt.Sprintf("%dx%d", b.Dx(), b.Dy())
	}
	fmt.Printf("[%s] 截图 %s (%s, %d 字节, %s)\n",
		time.Now().Format("15:04:05"), path, size, len(p.Data), p.Path)
}

func extension(data []byte) string {
	switch http.DetectContentType(data) {
	case "image/png":
		return ".png"
	case "image/jpeg":
		return ".jpg"
	case "image/gif":
		return ".gif"
	}
	return ".bin"
}
