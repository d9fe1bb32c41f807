package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var RootCmd = &cobra.Command{
	Use:   "db-pipe",
	Short: "Migrate a database and keep it in sync through change data capture",
	Long: `
  ____  ____    ____ ___ ____  _____
 |  _ \| __ )  |  _ \_ _|  _ \| ____|
 | | | |  _ \  | |_) | || |_) |  _|
 | |_| | |_) | |  __/| ||  __/| |___
 |____/|____/  |_|  |___|_|   |_____|

DB PIPE - inventory copy, binlog/WAL replay and consistency checks
`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return configureLogging(viper.GetString("log.level"), viper.GetString("log.format"), viper.GetString("log.file"))
	},
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	RootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./db-pipe.yaml)")
	RootCmd.PersistentFlags().String("log-level", "", "log level: debug, info, warn, error")
	RootCmd.PersistentFlags().StringSliceP("tables", "t", nil, "logical tables to process (comma-separated, overrides config)")

	viper.BindPFlag("log.level", RootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("tables", RootCmd.PersistentFlags().Lookup("tables"))

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.format", "console")
	viper.SetDefault("checkpoint.table", "pipe_checkpoint")
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		// 1. Executable Directory (Priority 1)
		if ex, err := os.Executable(); err == nil {
			viper.AddConfigPath(filepath.Dir(ex))
		}
		// 2. Current Directory (Priority 2)
		viper.AddConfigPath(".")

		viper.SetConfigName("db-pipe")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("DB_PIPE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err == nil {
		fmt.Println("Using config file:", viper.ConfigFileUsed())
	}
}
