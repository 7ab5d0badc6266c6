package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

// version 在构建时通过 -ldflags "-X main.version=..." 注入。
var version = "dev"

// main 是 ChainPulse 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "chainpulsed 运行失败: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "chainpulsed",
		Short:         "ChainPulse realtime chain assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", defaultConfigPath(), "配置文件路径（JSON 或 YAML）")

	root.AddCommand(
		newServeCommand(&configPath),
		newConfigCommand(&configPath),
		newChainsCommand(&configPath),
		newVersionCommand(),
	)
	return root
}

func defaultConfigPath() string {
	if p := os.Getenv("CHAINPULSE_CONFIG"); p != "" {
		return p
	}
	return ""
}
