// =============================================================================
// 文件: internal/host/screenshot.go
// 描述: 截图来源 - 外部命令标准输出 / 固定文件
// =============================================================================
package host

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/mrcgq/slidelink/internal/protocol"
	"github.com/mrcgq/slidelink/internal/wifi"
)

// ErrNoScreenshotSource 没有配置截图来源
var ErrNoScreenshotSource = errors.New("未配置截图来源")

// CommandScreenshotter 运行命令，标准输出即图片
type CommandScreenshotter struct {
	argv    []string
	maxSize int
	timeout time.Duration
}

// NewCommandScreenshotter 创建命令截图
func NewCommandScreenshotter(argv []string, maxSize int) *CommandScreenshotter {
	if maxSize <= 0 {
		maxSize = protocol.DefaultMaxImageSize
	}
	return &CommandScreenshotter{argv: argv, maxSize: maxSize, timeout: 10 * time.Second}
}

// Screenshot 实现 wifi.Screenshotter
func (s *CommandScreenshotter) Screenshot(ctx context.Context) ([]byte, error) {
	if len(s.argv) == 0 {
		return nil, ErrNoScreenshotSource
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, s.argv[0], s.argv[1:]...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("截图命令失败: %w: %s", err, bytes.TrimSpace(stderr.Bytes()))
	}
	return checkImage(out, s.maxSize)
}

// FileScreenshotter 每次读取同一个文件，由外部程序负责更新
type FileScreenshotter struct {
	path    string
	maxSize int
}

// NewFileScreenshotter 创建文件截图
func NewFileScreenshotter(path string, maxSize int) *FileScreenshotter {
	if maxSize <= 0 {
		maxSize = protocol.DefaultMaxImageSize
	}
	return &FileScreenshotter{path: path, maxSize: maxSize}
}

// Screenshot 实现 wifi.Screenshotter
func (s *FileScreenshotter) Screenshot(ctx context.Context) ([]byte, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("读取截图失败: %w", err)
	}
	return checkImage(data, s.maxSize)
}

// NewScreenshotter 命令优先，其次文件
func NewScreenshotter(command []string, file string, maxSize int) (wifi.Screenshotter, error) {
	switch {
	case len(command) > 0:
		return NewCommandScreenshotter(command, maxSize), nil
	case file != "":
		return NewFileScreenshotter(file, maxSize), nil
	}
	return nil, ErrNoScreenshotSource
}

func checkImage(data []byte, maxSize int) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("截图为空")
	}
	if len(data) > maxSize {
		return nil, fmt.Errorf("截图过大: %d 字节", len(data))
	}
	return data, nil
}
