// =============================================================================
// 文件: cmd/slide-host/main.go
// 描述: 演示主机入口 - 接受遥控端连接，翻页并回传截图
// =============================================================================
package main

import (
	"context"
	"crypto/tls"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrcgq/slidelink/internal/config"
	"github.com/mrcgq/slidelink/internal/host"
	"github.com/mrcgq/slidelink/internal/logging"
	"github.com/mrcgq/slidelink/internal/metrics"
	"github.com/mrcgq/slidelink/internal/transport"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"

	startTime = time.Now()
)

func main() {
	var (
		configPath string
		listen     string
		logLevel   string
	)

	rootCmd := &cobra.Command{
		Use:           "slide-host",
		Short:         "Slide clicker presentation host",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Serve remotes on the primary link",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Host.Listen = listen
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			if err := cfg.ValidateHost(); err != nil {
				return fmt.Errorf("配置错误: %w", err)
			}
			return run(cfg)
		},
	}
	runCmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "配置文件路径")
	runCmd.Flags().StringVarP(&listen, "listen", "l", "", "监听地址 (覆盖 host.listen)")
	runCmd.Flags().StringVar(&logLevel, "log-level", "", "日志级别 (覆盖 log_level)")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Slide Host v%s\n", Version)
			fmt.Printf("  Build: %s\n", BuildTime)
			fmt.Printf("  Commit: %s\n", GitCommit)
			fmt.Printf("  Go: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}

	rootCmd.AddCommand(runCmd, versionCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	log, err := logging.New(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	h := &cfg.Host
	if h.Wifi.Enabled {
		fmt.Fprintln(os.Stderr, "警告: 副通道以明文 HTTP 提供截图，只应在可信网络上启用")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		metricsServer *metrics.MetricsServer
		hostMetrics   *metrics.HostMetrics
	)
	if cfg.Metrics.Enabled {
		metricsServer = metrics.NewMetricsServer(
			cfg.Metrics.Listen, cfg.Metrics.Path, cfg.Metrics.HealthPath,
			cfg.Metrics.EnablePprof, log.Named("metrics"))
		hostMetrics = metrics.NewHostMetrics(metricsServer.GetRegistry())
	}

	shots, err := host.NewScreenshotter(h.Screenshot.Command, h.Screenshot.File, cfg.MaxImageSize)
	if err != nil {
		return err
	}
	presenter := host.NewCommandPresenter(h.Presenter.PageUp, h.Presenter.PageDown, log)

	srv := host.NewServer(host.Config{
		Wifi: host.WifiConfig{
			Enabled: h.Wifi.Enabled,
			SSID:    h.Wifi.SSID,
			IP:      h.Wifi.IP,
			PSK:     h.Wifi.PSK,
		},
		SettleDelay:  h.SettleDelay(),
		IdleTimeout:  h.IdleTimeout(),
		MaxImageSize: cfg.MaxImageSize,
	}, presenter, shots, host.WithLogger(log), host.WithMetrics(hostMetrics))
	defer srv.Close()

	// WebSocket 与主链路共用证书
	var (
		tlsConfig  *tls.Config
		serverOpts []transport.TCPServerOption
	)
	if h.TLS.Enabled {
		tlsConfig, err = transport.LoadServerTLS(h.TLS.CertFile, h.TLS.KeyFile)
		if err != nil {
			return err
		}
		serverOpts = append(serverOpts, transport.WithTLSConfig(tlsConfig))
	}
	tcpServer := transport.NewTCPServer(h.Listen, srv, log, serverOpts...)

	var wsServer *transport.WebSocketServer
	if h.WebSocket.Enabled {
		wsServer = transport.NewWebSocketServer(h.WebSocket.Listen, h.WebSocket.Path, srv, tlsConfig, log)
	}

	if metricsServer != nil {
		metricsServer.MustRegisterCollector(metrics.NewReplayCollector(srv.Guard()))
		metricsServer.SetHealthCheck(func() metrics.HealthStatus {
			return hostHealth(srv, wsServer)
		})
		if err := metricsServer.Start(ctx); err != nil {
			fmt.Fprintf(os.Stderr, "Metrics 启动失败: %v\n", err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := tcpServer.Start(gctx); err != nil {
			return fmt.Errorf("主链路启动失败: %w", err)
		}
		<-gctx.Done()
		tcpServer.Stop()
		return nil
	})
	if wsServer != nil {
		g.Go(func() error {
			if err := wsServer.Start(gctx); err != nil {
				return fmt.Errorf("WebSocket 启动失败: %w", err)
			}
			<-gctx.Done()
			wsServer.Stop()
			return nil
		})
	}

	printBanner(cfg, metricsServer != nil)

	err = g.Wait()
	fmt.Println("\n正在关闭...")
	if metricsServer != nil {
		metricsServer.SetHealthy(false)
		metricsServer.Stop()
	}
	if err != nil {
		log.Error("服务退出", zap.Error(err))
	}
	return err
}

func hostHealth(srv *host.Server, ws *transport.WebSocketServer) metrics.HealthStatus {
	status := metrics.HealthStatus{
		Status:     metrics.StatusHealthy,
		Timestamp:  time.Now(),
		Version:    Version,
		Uptime:     time.Since(startTime).String(),
		Components: make(map[string]metrics.ComponentHealth),
	}
	status.Components["sessions"] = metrics.ComponentHealth{
		Status:  metrics.StatusHealthy,
		Message: fmt.Sprintf("active: %d", srv.ActiveSessions()),
	}
	stats := srv.Guard().Stats()
	status.Components["wifi_replay"] = metrics.ComponentHealth{
		Status:  metrics.StatusHealthy,
		Message: fmt.Sprintf("checks: %v, replays: %v", stats["checks"], stats["replays"]),
	}
	if ws != nil {
		status.Components["websocket"] = metrics.ComponentHealth{
			Status:  metrics.StatusHealthy,
			Message: fmt.Sprintf("active: %d", ws.GetActiveConns()),
		}
	}
	return status
}

func printBanner(cfg *config.Config, metricsOn bool) {
	h := &cfg.Host
	fmt.Println()
	fmt.Println("╔═══════════════════════════════════════════════╗")
	fmt.Printf("║           Slide Host v%-24s║\n", Version)
	fmt.Println("╚═══════════════════════════════════════════════╝")
	fmt.Printf("  主链路: %s (TLS: %v)\n", h.Listen, h.TLS.Enabled)
	if h.WebSocket.Enabled {
		fmt.Printf("  WebSocket: %s%s\n", h.WebSocket.Listen, h.WebSocket.Path)
	}
	if h.Wifi.Enabled {
		fmt.Printf("  副通道: 网络 %s\n", h.Wifi.SSID)
	} else {
		fmt.Println("  副通道: 关闭")
	}
	fmt.Printf("  截图前等待: %v, 空闲超时: %v\n", h.SettleDelay(), h.IdleTimeout())
	if metricsOn {
		fmt.Printf("  监控: http://%s%s\n", cfg.Metrics.Listen, cfg.Metrics.Path)
	}
	fmt.Println()
}
