// =============================================================================
// 文件: cmd/slide-remote/main.go
// 描述: 遥控端入口 - 连接演示主机，按键翻页并显示截图
// =============================================================================
package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/spf13/cobra"
)

var (
	Version   = "1.0.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:           "slide-remote",
		Short:         "Slide clicker remote",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.AddCommand(runCmd(), versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "错误: %v\n", err)
		os.Exit(1)
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("Slide Remote v%s\n", Version)
			fmt.Printf("  Build: %s\n", BuildTime)
			fmt.Printf("  Commit: %s\n", GitCommit)
			fmt.Printf("  Go: %s\n", runtime.Version())
			fmt.Printf("  OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
		},
	}
}
