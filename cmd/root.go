// -- cmd/root.go --
package cmd

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/xkilldash9x/copilot-relay/internal/config"
	"github.com/xkilldash9x/copilot-relay/internal/observability"
)

var (
	cfgFile string
	// appCfg is the resolved configuration, populated by PersistentPreRunE
	// before any subcommand runs.
	appCfg *config.Config
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "copilot-relay",
	Short: "Relays a browser-based Copilot chat as an OpenAI-compatible API.",
	// Version is dynamically set at build time. See cmd/version.go.
	Version: Version,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// This function runs before any command, setting up config and logging.
		if err := initializeConfig(cmd); err != nil {
			return err
		}

		cfg, err := config.NewConfigFromViper(viper.GetViper())
		if err != nil {
			// Initialize a fallback logger so the failure is at least visible.
			observability.InitializeLogger(config.LoggerConfig{Level: "info", Format: "console", ServiceName: "copilot-relay"})
			return fmt.Errorf("failed to load configuration: %w", err)
		}
		appCfg = cfg

		observability.InitializeLogger(cfg.Logger)
		observability.GetLogger().Info("Starting copilot-relay",
			zap.String("version", Version),
			zap.String("target", string(cfg.Target.Kind)))
		return nil
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		// Use the logger if available, otherwise fallback to stderr
		if logger := observability.GetLogger(); logger != nil && logger != zap.NewNop() {
			logger.Error("Command execution failed", zap.Error(err))
		} else {
			fmt.Fprintln(os.Stderr, err)
		}
		observability.Sync()
		os.Exit(1)
	}
	observability.Sync()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().String("target", string(config.TargetStandard), "chat target kind: standard or m365 (overrides config/env)")
	rootCmd.SetVersionTemplate(`{{printf "%s\n" .Version}}`)

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newChatCmd())
}

// reloadConfig re-resolves the configuration after subcommand flags have
// been bound, so flag overrides take effect with the right precedence.
func reloadConfig() error {
	cfg, err := config.NewConfigFromViper(viper.GetViper())
	if err != nil {
		return fmt.Errorf("failed to reload configuration: %w", err)
	}
	appCfg = cfg
	return nil
}

// initializeConfig reads in config file and ENV variables if set. The command
// is passed in rather than read from the package global so this can run
// during variable initialization without a reference cycle through rootCmd.
func initializeConfig(cmd *cobra.Command) error {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("RELAY")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found; proceed with defaults/env vars
	}

	return viper.BindPFlag("target.kind", cmd.Root().PersistentFlags().Lookup("target"))
}
