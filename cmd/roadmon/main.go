// Command roadmon runs the Connect PNG road-monitoring realtime sync core:
// the relay hub, the client sync service, and tooling around the local
// cache and offline ledger.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/connectpng/roadmon/internal/config"
	"github.com/connectpng/roadmon/internal/logging"
)

var (
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config
	logs    *logging.Factory
)

var rootCmd = &cobra.Command{
	Use:   "roadmon",
	Short: "Realtime sync for the Connect PNG road-monitoring dashboard",
	Long: `roadmon keeps the road-monitoring dashboard's local cache of projects,
GPS entries, financial records and users in sync with the relay.

Updates made while offline are queued, recorded in an offline ledger,
and replayed once the relay is reachable again.`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		v = config.New(cfgFile)
		for key, flag := range map[string]string{
			config.KeyAPIURL:  "api-url",
			config.KeyWSURL:   "ws-url",
			config.KeyDataDir: "data-dir",
			config.KeyLogFile: "log-file",
		} {
			if err := v.BindPFlag(key, cmd.Flags().Lookup(flag)); err != nil {
				return fmt.Errorf("failed to bind --%s: %w", flag, err)
			}
		}

		var err error
		cfg, err = config.Load(v)
		if err != nil {
			return err
		}

		quiet, _ := cmd.Flags().GetBool("quiet")
		logs = logging.NewFactory(logging.Options{
			File:       cfg.LogFile,
			MaxSizeMB:  cfg.LogMaxSizeMB,
			MaxBackups: cfg.LogMaxBackups,
			MaxAgeDays: cfg.LogMaxAgeDays,
			Quiet:      quiet,
		})
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logs != nil {
			_ = logs.Close()
		}
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "data", Title: "Local data:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "config file (default: ./roadmon.yaml or .roadmon/roadmon.yaml)")
	flags.String("api-url", "", "dashboard API base URL (env ROADMON_API_URL)")
	flags.String("ws-url", "", "relay WebSocket URL, derived from --api-url when empty (env ROADMON_WS_URL)")
	flags.String("data-dir", "", "directory for the local cache and inbox (env ROADMON_DATA_DIR)")
	flags.String("log-file", "", "also write logs to this rotated file (env ROADMON_LOG_FILE)")
	flags.BoolP("quiet", "q", false, "suppress log output on stderr")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
