package app

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Execute runs the CLI with args.
func (a *App) Execute(ctx context.Context, args []string) error {
	root := a.newRootCommand()
	root.SetArgs(args)
	root.SetOut(a.out)
	root.SetErr(a.errOut)
	return root.ExecuteContext(ctx)
}

func (a *App) newRootCommand() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "evtap",
		Short: "Watch and publish events over a message transport",
		Long: `evtap turns events on a transport into a stream printed to stdout,
and publishes events for others to watch.

Configuration is read from flags, EVTAP_* environment variables, .env files
and .evtap.yaml, in that order of precedence.`,
		Version:       a.version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			cfg, err := LoadConfig(v, a.envFile...)
			if err != nil {
				return err
			}
			a.setup(cfg)
			a.logger.Debug("config loaded",
				"transport", cfg.Transport, "addr", cfg.Addr, "codec", cfg.Codec, "file", cfg.ConfigFile)
			return nil
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "config file (default is ./.evtap.yaml or $HOME/.evtap.yaml)")
	flags.String("transport", "channel", "transport: channel, redis, nats, kafka, mongodb")
	flags.String("addr", "", "transport address (redis host:port, nats URL, kafka broker, mongodb URI)")
	flags.String("codec", "json", "message codec: json, msgpack, proto")
	flags.String("source", "evtap", "source name stamped on published messages")
	flags.String("prefix", "", "stream, subject or topic prefix")
	flags.String("log-level", "info", "log level: debug, info, warn, error")

	for key, flag := range map[string]string{
		"config":    "config",
		"transport": "transport",
		"addr":      "addr",
		"codec":     "codec",
		"source":    "source",
		"prefix":    "prefix",
		"log_level": "log-level",
	} {
		// flags are defined above, so binding cannot fail
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	root.SetVersionTemplate("evtap {{.Version}}\n")

	root.AddCommand(
		a.newWatchCommand(),
		a.newPublishCommand(),
		a.newVersionCommand(),
	)
	return root
}

func (a *App) newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		// version needs no configuration
		PersistentPreRunE: func(*cobra.Command, []string) error { return nil },
		RunE: func(cmd *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "evtap %s (commit %s, built %s)\n", a.version, a.commit, a.date)
			return err
		},
	}
}
