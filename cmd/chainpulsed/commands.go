package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"ChainPulse/internal/config"
	"ChainPulse/internal/web3/provider"
)

func newConfigCommand(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "配置相关命令",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "加载并校验配置文件",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "配置有效: provider=%s cache=%s listen=%s\n", cfg.LLM.Provider, cfg.Cache.Driver, cfg.Server.ListenAddr)
			fmt.Fprintf(out, "轮询: block=%s fee=%s finality=%d\n", cfg.Realtime.BlockInterval, cfg.Realtime.FeeInterval, cfg.Realtime.Finality())
			return nil
		},
	})
	return cmd
}

func newChainsCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "chains",
		Short: "列出配置的链",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			registry, err := provider.NewRegistry(cmd.Context(), cfg.Web3)
			if err != nil {
				return err
			}
			defer registry.Close()

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tTYPE\tDEFAULT")
			for _, name := range registry.Chains() {
				client, err := registry.Resolve(name)
				if err != nil {
					return err
				}
				def := ""
				if name == registry.DefaultName() {
					def = "*"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", name, client.Type(), def)
			}
			return w.Flush()
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "打印版本号",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
