// =============================================================================
// 文件: internal/link/sendqueue.go
// 描述: 发送队列 - 单一工作协程按 FIFO 写出命令，突发发送复用同一协程
// =============================================================================
package link

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mrcgq/slidelink/internal/protocol"
)

// Send 入队命令并确保工作协程在运行
// 未连接时后台循环重连，不阻塞调用方；未定义的命令属于调用方违约，直接 panic
func (e *Engine) Send(cmd protocol.Command) {
	if cmd != "" && !cmd.Valid() {
		panic(fmt.Sprintf("link: 未定义的命令 %q", string(cmd)))
	}

	if e.State() != Connected {
		e.retryConnect()
	}

	if cmd != "" {
		e.queueMu.Lock()
		e.queue = append(e.queue, cmd)
		n := len(e.queue)
		e.queueMu.Unlock()
		e.metrics.SetQueueLength(n)
	}

	select {
	case e.pending <- struct{}{}:
	default:
	}

	e.ensureWorker()
}

// Poke 唤醒发送队列（等价于空命令的 Send）
func (e *Engine) Poke() {
	e.Send("")
}

// QueueLen 待发送命令数
func (e *Engine) QueueLen() int {
	return e.queueLen()
}

func (e *Engine) queueLen() int {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	return len(e.queue)
}

// retryConnect 后台循环连接直到成功；同一时刻只有一个重试协程
func (e *Engine) retryConnect() {
	if e.Device() == nil {
		return
	}
	if !e.retrying.CompareAndSwap(false, true) {
		return
	}
	started := e.spawn(func(ctx context.Context) {
		defer e.retrying.Store(false)
		for {
			dev := e.Device()
			if dev == nil {
				return
			}
			err := e.Connect(ctx, dev)
			if err == nil {
				return
			}
			e.log.Debug("发送前连接失败，稍后重试", zap.Error(err))
			if !sleepCtx(ctx, e.cfg.ReconnectBackoff) {
				return
			}
		}
	})
	if !started {
		e.retrying.Store(false)
	}
}

// ensureWorker 已连接且没有工作协程时启动一个
func (e *Engine) ensureWorker() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.workerRunning || e.state != Connected {
		return
	}
	e.workerRunning = true
	e.wg.Add(1)
	go e.sendWorker()
}

func (e *Engine) sendWorker() {
	defer e.wg.Done()

	for {
		cmd, stream, ok := e.nextCommand()
		if !ok {
			return
		}
		if cmd == "" {
			// 队列已空，等待新命令
			if !e.waitForWork() {
				if e.workerExit() {
					return
				}
			}
			continue
		}

		if stream == nil {
			// 连接正在拆除，命令放回队首留给下一个工作协程
			e.requeueFront(cmd)
			e.workerStop()
			e.restartWorker()
			return
		}

		if err := e.write(stream, cmd.Bytes()); err != nil {
			e.workerStop()
			if e.linkFailed(stream, err) {
				e.log.Warn("发送失败，连接可能已断开", zap.String("cmd", string(cmd)), zap.Error(err))
				e.spawn(e.reconnect)
				return
			}
			// 流已被替换，命令没有写入任何活动连接
			e.log.Debug("旧连接写入失败，命令放回队首", zap.String("cmd", string(cmd)))
			e.requeueFront(cmd)
			e.restartWorker()
			return
		}
		e.metrics.RecordCommand(string(cmd), len(cmd))
		e.log.Debug("已发送", zap.String("cmd", string(cmd)))
	}
}

// nextCommand 已连接时取队首命令和当前流；队列为空返回 ("", nil, true)；未连接时退出协程
// 流与 CONNECTED 在同一临界区内取得，新连接写完握手后才会进入 CONNECTED
func (e *Engine) nextCommand() (protocol.Command, Stream, bool) {
	e.streamMu.Lock()
	defer e.streamMu.Unlock()
	e.queueMu.Lock()
	defer e.queueMu.Unlock()

	e.mu.Lock()
	connected := e.state == Connected && !e.closed
	if !connected {
		e.workerRunning = false
	}
	e.mu.Unlock()
	if !connected {
		return "", nil, false
	}

	if len(e.queue) == 0 {
		return "", nil, true
	}
	cmd := e.queue[0]
	e.queue[0] = ""
	e.queue = e.queue[1:]
	e.metrics.SetQueueLength(len(e.queue))
	return cmd, e.stream, true
}

// waitForWork 等待新命令、状态变化或空闲超时；超时返回 false
func (e *Engine) waitForWork() bool {
	timer := time.NewTimer(e.cfg.WorkerIdle)
	defer timer.Stop()
	select {
	case <-e.pending:
		return true
	case <-e.waitChange():
		return true
	case <-timer.C:
		return false
	case <-e.ctx.Done():
		return false
	}
}

// workerExit 退出前在队列锁内复查，避免与 Send 竞争丢失唤醒
// 返回 true 表示协程应退出
func (e *Engine) workerExit() bool {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.queue) > 0 && e.state == Connected && !e.closed {
		return false
	}
	e.workerRunning = false
	return true
}

func (e *Engine) requeueFront(cmd protocol.Command) {
	e.queueMu.Lock()
	defer e.queueMu.Unlock()
	e.queue = append([]protocol.Command{cmd}, e.queue...)
	e.metrics.SetQueueLength(len(e.queue))
}

// restartWorker 退出的工作协程由新连接接续
func (e *Engine) restartWorker() {
	if e.State() == Connected && e.currentStream() != nil {
		e.ensureWorker()
	}
}

func (e *Engine) workerStop() {
	e.mu.Lock()
	e.workerRunning = false
	e.mu.Unlock()
}
