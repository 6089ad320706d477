// =============================================================================
// 文件: internal/link/keepalive.go
// 描述: 保活 / 重连循环 - 空闲探测与固定间隔重连（唯一的自动重连机制）
// =============================================================================
package link

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/slidelink/internal/protocol"
)

// startKeepalive 启动保活循环，已在运行则忽略
func (e *Engine) startKeepalive() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.kaCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(e.ctx)
	e.kaCancel = cancel
	e.wg.Add(1)
	go e.keepaliveLoop(ctx)
}

// stopKeepalive 协作式停止
func (e *Engine) stopKeepalive() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.kaCancel != nil {
		e.kaCancel()
		e.kaCancel = nil
	}
}

func (e *Engine) keepaliveLoop(ctx context.Context) {
	defer e.wg.Done()
	e.log.Debug("保活循环启动")
	defer e.log.Debug("保活循环退出")

	for {
		e.mu.Lock()
		state, dev, paused := e.state, e.device, e.paused
		e.mu.Unlock()

		wait := e.cfg.IdlePoll
		switch {
		case state == Connected && e.Submode() == AwaitingTag &&
			time.Since(e.LastActivity()) > e.cfg.KeepaliveIdle:
			// 图片传输占用链路时不探测
			e.log.Debug("链路空闲，发送保活", zap.Duration("idle", time.Since(e.LastActivity())))
			e.Send(protocol.CmdPing)
			wait = e.cfg.KeepaliveInterval

		case state == NotConnected && dev != nil && !paused:
			// 无退避递增，无次数上限
			e.log.Info("未连接，尝试重连", zap.String("device", dev.Name()))
			e.metrics.RecordReconnect()
			if err := e.Connect(ctx, dev); err != nil {
				e.log.Debug("重连失败", zap.Error(err))
			}
			wait = e.cfg.ReconnectBackoff
		}

		if !sleepCtx(ctx, wait) {
			return
		}
	}
}
