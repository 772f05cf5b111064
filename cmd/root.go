package cmd

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	v1 "github.com/arunabot/arunacore/pkg/config/v1"
)

var Version = "dev"

var Commit = "none"

var Date = "unknown"
var cfgFile string

var rootCmd = &cobra.Command{
	Use:          "arunacore",
	Short:        "arunacore: WebSocket message broker for ArunaCore modules",
	Version:      fmt.Sprintf("%s (commit %s, built %s)", Version, Commit, Date),
	SilenceUsage: true,
}

// fileConfig is the root of the config file: one section per role.
type fileConfig struct {
	Broker v1.BrokerConfig `mapstructure:"broker"`
	Peer   v1.PeerConfig   `mapstructure:"peer"`
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file")
	cobra.OnInitialize(initConfig)
}

func initConfig() {
	viper.SetEnvPrefix("ARUNACORE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("arunacore")
		viper.AddConfigPath(".")
		if home, _ := os.UserHomeDir(); home != "" {
			viper.AddConfigPath(filepath.Join(home, ".arunacore"))
		}
		viper.AddConfigPath("/etc/arunacore")
	}
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			fmt.Fprintf(os.Stderr, "read config: %v\n", err)
		}
	}
}

// loadConfig decodes every bound flag, env var and config file entry over the defaults.
func loadConfig() (fileConfig, error) {
	fc := fileConfig{
		Broker: v1.DefaultBrokerConfig(),
		Peer:   v1.DefaultPeerConfig(),
	}
	if err := viper.Unmarshal(&fc); err != nil {
		return fc, fmt.Errorf("decode config: %w", err)
	}
	return fc, nil
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Println(err)
		os.Exit(1)
	}
}
