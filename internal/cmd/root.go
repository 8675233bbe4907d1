package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/Iron-Ham/bridge/internal/bridge"
	cmdconfig "github.com/Iron-Ham/bridge/internal/cmd/config"
	"github.com/Iron-Ham/bridge/internal/config"
	"github.com/Iron-Ham/bridge/internal/event"
	"github.com/Iron-Ham/bridge/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var rootCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Inter-runtime message bus",
	Long: `Bridge connects runtimes through named ports and links, runs work in
isolated workers, and carries global links to a companion process over
pipes or a websocket.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// ExecuteContext runs the root command with ctx, which commands use as
// their base context.
func ExecuteContext(ctx context.Context) error {
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringP("config", "c", "", "config file (default is $HOME/.config/bridge/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	_ = viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config"))
	_ = viper.BindPFlag("logging.level", rootCmd.PersistentFlags().Lookup("log-level"))

	cmdconfig.Register(rootCmd)
}

func initConfig() {
	// Set defaults first so they're available even without a config file
	config.SetDefaults()

	if cfgFile := viper.GetString("config"); cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
		viper.AddConfigPath(config.ConfigDir())
		viper.AddConfigPath(".")
	}

	viper.AutomaticEnv()
	viper.SetEnvPrefix("BRIDGE")
	// e.g., BRIDGE_WORKER_POOL_MAX for worker.pool_max
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Read config file if it exists (ignore error if not found)
	_ = viper.ReadInConfig()
}

// runtimeEnv is what every command that opens a bridge context needs.
type runtimeEnv struct {
	cfg    *config.Config
	logger *logging.Logger
	bus    *event.Bus
	bc     *bridge.Context
}

// newRuntime loads the configuration and builds a logger and a bridge
// context from it. Logs go to logging.file when set, otherwise to stderr.
func newRuntime(stderr io.Writer) (*runtimeEnv, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	logger, err := newLogger(cfg, stderr)
	if err != nil {
		return nil, err
	}
	bus := event.NewBus(event.WithLogger(logger))
	bc := bridge.New(
		bridge.WithLogger(logger),
		bridge.WithBus(bus),
		bridge.WithFragmentSize(cfg.Bridge.FragmentSize),
		bridge.WithMaxMessageSize(cfg.Bridge.MaxMessageSize),
		bridge.WithAcceptBacklog(cfg.Bridge.AcceptBacklog),
	)
	return &runtimeEnv{cfg: cfg, logger: logger, bus: bus, bc: bc}, nil
}

func newLogger(cfg *config.Config, stderr io.Writer) (*logging.Logger, error) {
	if stderr == nil {
		stderr = os.Stderr
	}
	return logging.New(logging.Options{
		Path:  cfg.Logging.File,
		Level: cfg.Logging.Level,
		Rotation: logging.RotationConfig{
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			Compress:   cfg.Logging.Compress,
		},
		Writer: stderr,
	})
}

func (e *runtimeEnv) Close() {
	e.bc.Close()
	e.logger.Close()
}
