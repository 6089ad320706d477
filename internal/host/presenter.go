// =============================================================================
// 文件: internal/host/presenter.go
// 描述: 翻页执行器 - 运行配置的命令发送按键
// =============================================================================
package host

import (
	"context"
	"fmt"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/slidelink/internal/logging"
)

// Presenter 翻页
type Presenter interface {
	PageUp(ctx context.Context) error
	PageDown(ctx context.Context) error
}

// CommandPresenter 运行外部命令翻页，例如 xdotool key Prior
type CommandPresenter struct {
	up      []string
	down    []string
	timeout time.Duration
	log     *zap.Logger
}

// NewCommandPresenter 创建执行器，未配置的方向不执行任何操作
func NewCommandPresenter(up, down []string, log *zap.Logger) *CommandPresenter {
	log = logging.OrNop(log)
	return &CommandPresenter{
		up:      up,
		down:    down,
		timeout: 5 * time.Second,
		log:     log.Named("presenter"),
	}
}

// PageUp 上一页
func (p *CommandPresenter) PageUp(ctx context.Context) error {
	return p.run(ctx, "up", p.up)
}

// PageDown 下一页
func (p *CommandPresenter) PageDown(ctx context.Context) error {
	return p.run(ctx, "down", p.down)
}

func (p *CommandPresenter) run(ctx context.Context, name string, argv []string) error {
	if len(argv) == 0 {
		p.log.Debug("未配置翻页命令", zap.String("direction", name))
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, argv[0], argv[1:]...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("翻页命令失败 (%s): %w: %s", name, err, out)
	}
	p.log.Debug("翻页", zap.String("direction", name))
	return nil
}
