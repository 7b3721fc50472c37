package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/gridtokenx/gridtokenx/chain"
	"github.com/gridtokenx/gridtokenx/consensus"
	"github.com/gridtokenx/gridtokenx/logger"
)

const (
	envPrefix         = "GTX"
	defaultConfigFile = "config.yaml"
	defaultHomeDir    = "$HOME/.gridtokenx"
)

type (
	app struct {
		rootCmd *cobra.Command
		conf    *configuration
	}

	configuration struct {
		HomeDir string
		CfgFile string

		Log       *logger.LogConfiguration `mapstructure:"log"`
		Metrics   metricsConfiguration     `mapstructure:"metrics"`
		Node      nodeConfiguration        `mapstructure:"node"`
		Chain     chain.Config             `mapstructure:"chain"`
		Consensus consensus.Config         `mapstructure:"consensus"`
	}

	metricsConfiguration struct {
		// Address of the prometheus endpoint, empty disables it.
		Address string `mapstructure:"address"`
	}

	nodeConfiguration struct {
		// KeyFile holds the hex encoded secp256k1 private key of the
		// authority, see the generate-key command.
		KeyFile string `mapstructure:"key-file"`
		// DBFile is the chain database location, empty runs in memory.
		DBFile        string        `mapstructure:"db-file"`
		BufferSize    uint          `mapstructure:"buffer-size"`
		QueueCapacity uint          `mapstructure:"queue-capacity"`
		SweepInterval time.Duration `mapstructure:"sweep-interval"`
	}
)

// flagBindings maps run command flags to their configuration keys so a
// flag overrides both the config file and the environment.
var flagBindings = map[string]string{
	"authority-id":    "consensus.authority-id",
	"key-file":        "node.key-file",
	"db-file":         "node.db-file",
	"metrics-address": "metrics.address",
}

func newApp() *app {
	conf := &configuration{}
	rootCmd := &cobra.Command{
		Use:          "gridtokenx",
		Short:        "GridTokenX energy trading ledger node",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initializeConfig(cmd, conf)
		},
	}
	rootCmd.PersistentFlags().StringVar(&conf.HomeDir, "home", defaultHomeDir, "node home directory")
	rootCmd.PersistentFlags().StringVar(&conf.CfgFile, "config", "", "config file location (default is <home>/config.yaml)")

	rootCmd.AddCommand(newRunCmd(conf))
	rootCmd.AddCommand(newGenerateKeyCmd())
	return &app{rootCmd: rootCmd, conf: conf}
}

func (a *app) Execute(ctx context.Context) error {
	return a.rootCmd.ExecuteContext(ctx)
}

func initializeConfig(cmd *cobra.Command, conf *configuration) error {
	conf.HomeDir = os.ExpandEnv(conf.HomeDir)
	if conf.CfgFile == "" {
		conf.CfgFile = filepath.Join(conf.HomeDir, defaultConfigFile)
	}

	v := viper.New()
	v.SetConfigFile(conf.CfgFile)
	if err := v.ReadInConfig(); err != nil {
		// a missing config file is fine, the rest comes from flags and env
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !os.IsNotExist(err) {
			return fmt.Errorf("reading config file: %w", err)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()

	v.SetDefault("node.buffer-size", 1000)
	v.SetDefault("node.queue-capacity", 256)
	v.SetDefault("node.sweep-interval", 30*time.Second)
	v.SetDefault("consensus.round-timeout", 3*time.Second)
	v.SetDefault("consensus.block-interval", time.Second)
	v.SetDefault("consensus.health-floor", 0.5)
	v.SetDefault("consensus.health-min-samples", 10)

	var bindErr error
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		key, bound := flagBindings[f.Name]
		if !bound {
			return
		}
		if err := v.BindPFlag(key, f); err != nil {
			bindErr = fmt.Errorf("binding flag %s: %w", f.Name, err)
		}
	})
	if bindErr != nil {
		return bindErr
	}

	return v.Unmarshal(conf, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		hexBytesHook(),
	)))
}

// hexBytesHook decodes hex encoded config strings into []byte fields,
// needed for the authority public keys in the genesis section. Anything
// else targeting a byte field is rejected, YAML parses an unquoted
// digit-only key as a number and the bytes would be garbage.
func hexBytesHook() mapstructure.DecodeHookFuncType {
	byteSlice := reflect.TypeOf([]byte(nil))
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != byteSlice || from == byteSlice {
			return data, nil
		}
		if from.Kind() != reflect.String {
			return nil, fmt.Errorf("expected a quoted hex string, got %s value %v", from.Kind(), data)
		}
		return hex.DecodeString(data.(string))
	}
}
