// =============================================================================
// 文件: cmd/slide-remote/run.go
// 描述: run 子命令 - 组装链路引擎、副通道、监控，读取终端按键
// =============================================================================
package main

import (
	"bufio"
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mrcgq/slidelink/internal/config"
	"github.com/mrcgq/slidelink/internal/link"
	"github.com/mrcgq/slidelink/internal/logging"
	"github.com/mrcgq/slidelink/internal/metrics"
	"github.com/mrcgq/slidelink/internal/remote"
	"github.com/mrcgq/slidelink/internal/transport"
	"github.com/mrcgq/slidelink/internal/wifi"
)

var startTime = time.Now()

type runFlags struct {
	configPath string
	address    string
	network    string
	ssid       string
	imageDir   string
	logLevel   string
}

func runCmd() *cobra.Command {
	var f runFlags
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Connect to a presentation host",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(&f)
			if err != nil {
				return fmt.Errorf("配置错误: %w", err)
			}
			return run(cfg)
		},
	}
	cmd.Flags().StringVarP(&f.configPath, "config", "c", "", "配置文件路径")
	cmd.Flags().StringVarP(&f.address, "address", "a", "", "主机地址 (覆盖 remote.address)")
	cmd.Flags().StringVar(&f.network, "network", "", "tcp 或 websocket (覆盖 remote.network)")
	cmd.Flags().StringVar(&f.ssid, "ssid", "", "本机所在无线网络 (覆盖 remote.ssid)")
	cmd.Flags().StringVar(&f.imageDir, "image-dir", "", "截图保存目录 (覆盖 remote.image_dir)")
	cmd.Flags().StringVar(&f.logLevel, "log-level", "", "日志级别 (覆盖 log_level)")
	return cmd
}

func loadConfig(f *runFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if f.configPath != "" {
		loaded, err := config.Load(f.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if f.address != "" {
		cfg.Remote.Address = f.address
	}
	if f.network != "" {
		cfg.Remote.Network = f.network
	}
	if f.ssid != "" {
		cfg.Remote.SSID = f.ssid
	}
	if f.imageDir != "" {
		cfg.Remote.ImageDir = f.imageDir
	}
	if f.logLevel != "" {
		cfg.LogLevel = f.logLevel
	}
	if err := cfg.ValidateRemote(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func run(cfg *config.Config) error {
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	if err := os.MkdirAll(cfg.Remote.ImageDir, 0o755); err != nil {
		return fmt.Errorf("创建截图目录失败: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var (
		metricsServer *metrics.MetricsServer
		linkMetrics   *metrics.LinkMetrics
	)
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(
			cfg.Metrics.Listen, cfg.Metrics.Path, cfg.Metrics.HealthPath,
			cfg.Metrics.EnablePprof, log.Named("metrics"))
		linkMetrics = metrics.NewLinkMetrics(metricsServer.GetRegistry())
	}

	dialer, err := newDialer(&cfg.Remote, log)
	if err != nil {
		return err
	}

	r := &cfg.Remote
	stats := metrics.NewLinkStats()
	engine := link.New(dialer,
		link.WithConfig(link.Config{
			KeepaliveIdle:     r.KeepaliveIdle(),
			KeepaliveInterval: r.KeepaliveInterval(),
			ReconnectBackoff:  r.ReconnectBackoff(),
			WorkerIdle:        r.WorkerIdle(),
			DialTimeout:       r.DialTimeout(),
			MaxImageSize:      cfg.MaxImageSize,
		}),
		link.WithLogger(log),
		link.WithMetrics(linkMetrics),
		link.WithSink(newTerminalSink(r.ImageDir, stats, log)),
		link.WithHello(wifi.LocalHello{SSID: r.SSID, IP: r.IP}),
	)
	engine.OnStateChange(func(s link.State) { stats.RecordTransition(s.String()) })

	fetcher := wifi.NewClient(
		wifi.WithMaxSize(cfg.MaxImageSize),
		wifi.WithClientLogger(log))
	client := remote.New(engine, fetcher,
		remote.WithConfig(remote.Config{
			WifiTimeout:  r.WifiTimeout(),
			FetchTimeout: r.FetchTimeout(),
			MaxTimeouts:  r.WifiMaxTimeouts,
			Debounce:     r.Debounce(),
		}),
		remote.WithLogger(log),
		remote.WithMetrics(linkMetrics))
	defer client.Close()

	if metricsServer != nil {
		metricsServer.MustRegisterCollector(metrics.NewSecondaryCollector(client.Secondary()))
		metricsServer.SetHealthCheck(func() metrics.HealthStatus {
			return remoteHealth(client, stats)
		})
		if err := metricsServer.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Metrics 启动失败: %v\n", err)
		}
		defer func() {
			metricsServer.SetHealthy(false)
			metricsServer.Stop()
		}()
	}

	dev := link.Addr(r.Address)
	printBanner(cfg, metricsServer != nil)

	if err := client.Connect(ctx, dev); err != nil {
		log.Warn("首次连接失败，后台重试", zap.Error(err))
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	keys := readKeys(ctx)

	for {
		select {
		case <-sigCh:
			fmt.Println("\n正在关闭...")
			return nil
		case line, ok := <-keys:
			if !ok {
				return nil
			}
			if !handleKey(ctx, client, dev, line, log) {
				fmt.Println("正在关闭...")
				return nil
			}
		}
	}
}

// newDialer 按网络类型构建主链路拨号器
func newDialer(r *config.RemoteConfig, log *zap.Logger) (link.Dialer, error) {
	switch r.Network {
	case "websocket":
		var tlsConfig *tls.Config
		if r.TLS.Enabled {
			tlsConfig = &tls.Config{
				ServerName:         r.TLS.ServerName,
				InsecureSkipVerify: r.TLS.Insecure,
				MinVersion:         tls.VersionTLS12,
			}
		}
		return transport.NewWebSocketDialer("/", r.DialTimeout(), tlsConfig, log), nil

	case "tcp":
		var tlsClient *transport.UTLSClient
		if r.TLS.Enabled {
			utlsCfg := transport.DefaultUTLSConfig()
			utlsCfg.Fingerprint = transport.ParseFingerprint(r.TLS.Fingerprint)
			utlsCfg.ServerName = r.TLS.ServerName
			utlsCfg.InsecureSkipVerify = r.TLS.Insecure
			tlsClient = transport.NewUTLSClient(utlsCfg, log)
		}
		return transport.NewTCPDialer(r.DialTimeout(), tlsClient, log), nil
	}
	return nil, fmt.Errorf("不支持的网络类型: %s", r.Network)
}

// readKeys 逐行读取标准输入
func readKeys(ctx context.Context) <-chan string {
	ch := make(chan string)
	go func() {
		defer close(ch)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case ch <- strings.TrimSpace(scanner.Text()):
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch
}

// handleKey 执行一条按键命令，返回 false 退出
func handleKey(ctx context.Context, c *remote.Client, dev link.Device, key string, log *zap.Logger) bool {
	switch key {
	case "", "n":
		c.Next()
	case "p":
		c.Previous()
	case "u":
		c.Up()
	case "d":
		c.Down()
	case "s":
		go func() {
			if err := c.Screenshot(ctx); err != nil {
				log.Warn("截图失败", zap.Error(err))
			}
		}()
	case "z":
		c.Pause()
	case "r":
		c.Resume()
	case "c":
		go func() {
			if err := c.Connect(ctx, dev); err != nil {
				log.Warn("连接失败", zap.Error(err))
			}
		}()
	case "x":
		c.Disconnect(false)
	case "X":
		c.Disconnect(true)
	case "q":
		return false
	case "?", "h":
		printKeys()
	default:
		fmt.Printf("未知按键 %q，输入 ? 查看帮助\n", key)
	}
	return true
}

func remoteHealth(c *remote.Client, stats *metrics.LinkStats) metrics.HealthStatus {
	status := metrics.HealthStatus{
		Status:     metrics.StatusHealthy,
		Timestamp:  time.Now(),
		Version:    Version,
		Uptime:     time.Since(startTime).String(),
		Components: make(map[string]metrics.ComponentHealth),
	}

	engine := c.Engine()
	state := engine.State()
	linkHealth := metrics.ComponentHealth{
		Status:  metrics.StatusHealthy,
		Message: fmt.Sprintf("state: %s, queue: %d, transitions: %v", state, engine.QueueLen(), stats.GetStats()["transitions"]),
	}
	if state != link.Connected {
		status.Status = metrics.StatusDegraded
		linkHealth.Status = metrics.StatusDegraded
	}
	status.Components["link"] = linkHealth

	status.Components["wifi"] = metrics.ComponentHealth{
		Status:  metrics.StatusHealthy,
		Message: fmt.Sprintf("state: %s, timeouts: %d", c.Secondary().State(), c.Secondary().TimeoutCount()),
	}
	return status
}

func printKeys() {
	fmt.Println("  回车/n 下一页   p 上一页   u/d 只翻页不截图   s 截图")
	fmt.Println("  z 暂停   r 恢复   c 连接   x 断开   X 断开并忘记设备   q 退出")
}

func printBanner(cfg *config.Config, metricsOn bool) {
	r := &cfg.Remote
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Printf("║          Slide Remote v%-23s║\n", Version)
	fmt.Println("╚═══════════════════════════════════════════════╝")
	fmt.Printf("  主机: %s (%s, %s)\n", r.Name, r.Address, r.Network)
	if r.TLS.Enabled {
		fmt.Printf("  TLS: 指纹 %s\n", r.TLS.Fingerprint)
	}
	if r.SSID != "" {
		fmt.Printf("  无线: %s\n", r.SSID)
	} else {
		fmt.Println("  无线: 未配置 (只使用主链路)")
	}
	fmt.Printf("  截图目录: %s\n", r.ImageDir)
	if metricsOn {
		fmt.Printf("  监控: http://%s%s\n", cfg.Metrics.Listen, cfg.Metrics.Path)
	}
	fmt.Println()
	printKeys()
	fmt.Println()
}
