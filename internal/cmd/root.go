package cmd

import (
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/statetree/statetree/internal/config"
	"github.com/statetree/statetree/internal/logging"
)

var rootCmd = &cobra.Command{
	Use:   "statetree",
	Short: "Reactive object runtime inspector",
	Long: `Statetree is a reactive object runtime: identity-keyed nodes with
managed child slots, change observation, links, and a task scheduler.
This CLI hosts a live demo graph and an interactive inspector for it.`,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/statetree/statetree.yaml)")
	rootCmd.PersistentFlags().Bool("debug", false, "panic on reported errors instead of logging")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug"))
}

func initConfig() {
	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("statetree")
		viper.SetConfigType("yaml")
		viper.AddConfigPath("$HOME/.config/statetree")
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("STATETREE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()

	cfg := config.Default()
	if err := viper.Unmarshal(cfg); err == nil {
		config.Set(cfg)
	}

	if logger, err := logging.NewLogger(cfg.Logging.Dir, cfg.Logging.Level); err == nil {
		logging.SetDefault(logger)
	}
}
