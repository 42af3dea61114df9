// Package cli implements the rtchat command line client.
package cli

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/mbeoliero/rtchat/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigPath  string
	Token       string
	MetricsAddr string

	cfg *config.Config
}

// NewRootCommand creates the root command for the rtchat CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "rtchat",
		Short: "rtchat - realtime chat client",
		Long:  "A terminal client that keeps a local replica of your conversations in sync with the chat server.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.ConfigPath)
			if err != nil {
				return err
			}
			if opts.MetricsAddr != "" {
				cfg.Metrics.Addr = opts.MetricsAddr
			}
			opts.cfg = cfg
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (yaml)")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("RTCHAT_TOKEN"), "access token (defaults to $RTCHAT_TOKEN)")
	cmd.PersistentFlags().StringVar(&opts.MetricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")

	cmd.AddCommand(NewTailCommand(opts))
	cmd.AddCommand(NewSendCommand(opts))
	cmd.AddCommand(NewPendingCommand(opts))
	cmd.AddCommand(NewDirectCommand(opts))

	return cmd
}
