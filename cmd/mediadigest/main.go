package main

import (
	"errors"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"

	"mediadigest/internal/config"
	appLog "mediadigest/internal/log"
)

const version = "0.1.0"

// rootOptions holds global flags and the config every subcommand shares.
type rootOptions struct {
	configPath string
	logLevel   string

	cfg *config.Config
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		appLog.Error("mediadigest failed", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "mediadigest",
		Short:         "Daily digest of new and upcoming media",
		Long:          "Collects recently added Plex items and the upcoming Sonarr schedule, renders a text report and optionally publishes it to GitHub.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load()
		},
	}

	cmd.PersistentFlags().StringVar(&opts.configPath, "config", "/etc/mediadigest/config.yaml", "path to config file (.yaml or .toml)")
	cmd.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log_level from the config (debug|info|warn|error)")

	cmd.AddCommand(newServeCommand(opts))
	cmd.AddCommand(newRunCommand(opts))
	cmd.AddCommand(newTestCommand(opts))
	return cmd
}

// load reads and validates the config, then configures logging from it.
func (o *rootOptions) load() error {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return err
	}
	cfg.ApplyEnv()
	if o.logLevel != "" {
		cfg.LogLevel = o.logLevel
	}

	appLog.Configure(appLog.Options{
		Level: appLog.ParseLevel(cfg.LogLevel),
		File:  cfg.LogFile,
	})

	if err := cfg.Validate(); err != nil {
		return errors.Join(errors.New("invalid config "+o.configPath), err)
	}

	appLog.Info("mediadigest starting",
		"version", version,
		"config_path", o.configPath,
		"timezone", cfg.Timezone,
		"plex", cfg.Plex.URL != "",
		"sonarr", cfg.Sonarr.URL != "",
		"publish", cfg.Publish.Enabled,
		"schedule_enabled", cfg.Schedule.Enabled,
	)
	o.cfg = cfg
	return nil
}
