// Package cli provides the devlink command-line interface.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/tOgg1/devlink/internal/config"
	"github.com/tOgg1/devlink/internal/forward"
	"github.com/tOgg1/devlink/internal/logging"
	"github.com/tOgg1/devlink/internal/manager"
	"github.com/tOgg1/devlink/internal/service"
	"github.com/tOgg1/devlink/internal/shell"
)

var (
	flagConfigFile string
	flagLogLevel   string
	flagLogFormat  string
	flagInterface  string
	flagSSHConfig  string
)

// cfg is the loaded configuration, available to all commands after
// PersistentPreRunE has run.
var cfg *config.Config

var rootCmd = &cobra.Command{
	Use:   "devlink",
	Short: "Reach services behind an SSH-only device",
	Long: "devlink discovers the service ports advertised on a remote device,\n" +
		"forwards each one over its own SSH tunnel and queries the services\n" +
		"behind them in aggregate.",
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		loader := config.NewLoader()
		if flagConfigFile != "" {
			loader.SetConfigFile(flagConfigFile)
		}
		loaded, err := loader.Load()
		if err != nil {
			return err
		}
		cfg = loaded

		logCfg := logging.DefaultConfig()
		logCfg.Level = cfg.Logging.Level
		logCfg.Format = cfg.Logging.Format
		if flagLogLevel != "" {
			logCfg.Level = flagLogLevel
		}
		if flagLogFormat != "" {
			logCfg.Format = flagLogFormat
		}
		logging.Init(logCfg)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfigFile, "config", "", "config file (default is $HOME/.config/devlink/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "", "override logging level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&flagLogFormat, "log-format", "", "override logging format (json, console)")
	rootCmd.PersistentFlags().StringVar(&flagInterface, "interface", "", "network interface for IPv6 link-local addresses")
	rootCmd.PersistentFlags().StringVar(&flagSSHConfig, "ssh-config", "", "ssh client configuration file")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

// managerOptions assembles manager options for the given device address from
// the loaded configuration and persistent flags.
func managerOptions(address string) manager.Options {
	options := manager.Options{
		Address:     address,
		Interface:   flagInterface,
		ConfigPath:  flagSSHConfig,
		ServicesDir: cfg.Discovery.ServicesDir,
		Shell: shell.Options{
			Binary:         cfg.SSH.Binary,
			User:           cfg.SSH.User,
			ConnectTimeout: cfg.SSH.ConnectTimeout,
		},
		Forward: forward.SubprocessOptions{
			Binary:            cfg.SSH.Binary,
			User:              cfg.SSH.User,
			StartupAckTimeout: cfg.Forward.StartupAckTimeout,
			CancelTimeout:     cfg.SSH.CancelTimeout,
		},
		Query: service.GRPCOptions{
			DialTimeout: cfg.Query.DialTimeout,
			RPCTimeout:  cfg.Query.RPCTimeout,
		},
	}

	if cfg.Forward.Strategy == config.StrategyNative {
		options.Strategy = forward.NewNativeStrategy(forward.NativeOptions{
			User:           cfg.SSH.User,
			KeyPath:        cfg.SSH.KeyPath,
			ConnectTimeout: cfg.SSH.ConnectTimeout,
		})
	}
	return options
}
