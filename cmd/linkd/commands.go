package main

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/danmuck/linkctl/internal/config"
	"github.com/danmuck/linkctl/internal/node"
)

const defaultConfigPath = "linkd.toml"

func newRootCmd() *cobra.Command {
	var cfgPath string
	root := &cobra.Command{
		Use:           "linkd",
		Short:         "Peer-to-peer link node: shards, master links and relays over WebSocket",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", defaultConfigPath, "node config file (.toml, .yaml or .yml)")

	root.AddCommand(
		newServeCmd(&cfgPath),
		newCheckCmd(&cfgPath),
		newInitCmd(&cfgPath),
		newVersionCmd(),
	)
	return root
}

func newServeCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the node until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			log.Info().Str("path", *cfgPath).Str("id", cfg.ID).Msg("loaded node config")

			server, err := node.New(cfg)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := server.Run(ctx); err != nil {
				return fmt.Errorf("node %s stopped: %w", cfg.ID, err)
			}
			log.Info().Str("id", cfg.ID).Msg("node shut down")
			return nil
		},
	}
}

func newCheckCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate the config and print what the node would run",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*cfgPath)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "node %s on %s\n", cfg.ID, cfg.Addr)
			for _, p := range cfg.Peers {
				dial := "inbound only"
				if strings.TrimSpace(p.URL) != "" {
					dial = "dial " + p.URL
				}
				fmt.Fprintf(out, "peer %s (%s)\n", p.ID, dial)
			}
			for _, s := range cfg.Shards {
				desc := cfg.Descriptor(s)
				switch {
				case cfg.Authoritative(s):
					fmt.Fprintf(out, "shard %s authoritative\n", desc)
				case s.Relay:
					fmt.Fprintf(out, "shard %s relayed\n", desc)
				default:
					fmt.Fprintf(out, "shard %s dependent\n", desc)
				}
			}
			return nil
		},
	}
}

func newInitCmd(cfgPath *string) *cobra.Command {
	var (
		format string
		force  bool
	)
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a starter config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if format == "" {
				format = strings.TrimPrefix(filepath.Ext(*cfgPath), ".")
			}
			if err := config.WriteTemplate(*cfgPath, format, force); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", *cfgPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&format, "format", "", "toml or yaml (default from the config extension)")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the linkd version",
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "linkd version %s\n", node.Version)
			return nil
		},
	}
}
