// Package config provides CLI commands for managing bridge configuration.
package config

import (
	"fmt"
	"io"
	"os"

	appconfig "github.com/Iron-Ham/bridge/internal/config"
	"github.com/Iron-Ham/bridge/internal/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View or create bridge configuration",
	Long: `View or create bridge configuration.

Use 'config show' to display the effective configuration, 'config init'
to write a commented default file and 'config path' to see where it is
read from.`,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a default config file",
	Long:  `Create a default config file at ~/.config/bridge/config.yaml with all available options.`,
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configPathCmd = &cobra.Command{
	Use:   "path",
	Short: "Show the config file path",
	Args:  cobra.NoArgs,
	RunE:  runConfigPath,
}

var configValidateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check a config file",
	Long:  `Check a config file, or the active one without an argument, and list every invalid setting.`,
	Args:  cobra.MaximumNArgs(1),
	RunE:  runConfigValidate,
}

var initForce bool

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configPathCmd)
	configCmd.AddCommand(configValidateCmd)

	configInitCmd.Flags().BoolVar(&initForce, "force", false, "Overwrite an existing config file")
}

// Register adds all config-related commands to the given parent command.
func Register(parent *cobra.Command) {
	parent.AddCommand(configCmd)
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if used := viper.ConfigFileUsed(); used != "" {
		fmt.Fprintf(out, "# Config file: %s\n", used)
	} else {
		fmt.Fprintln(out, "# Config file: (none - using defaults)")
	}
	return writeYAML(out, cfg)
}

func writeYAML(w io.Writer, cfg *appconfig.Config) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}

// defaultConfigContent is the commented file 'config init' writes.
const defaultConfigContent = `# Bridge Configuration

# Port and link layer
bridge:
  # Largest payload in bytes carried by one global frame; larger messages
  # are fragmented (min: 1024)
  fragment_size: 65536
  # Upper bound for a reassembled global message in bytes
  max_message_size: 268435456
  # Inbound links a port queues before refusing new ones
  accept_backlog: 128

# Companion process carrying global links
companion:
  # Executable to spawn. Empty runs "bridge companion".
  command: ""
  args: []
  # How global links reach the companion: pipe or websocket
  transport: pipe
  # Dialed when transport is websocket, e.g. ws://127.0.0.1:7070/bridge
  websocket_url: ""
  # Seconds the companion gets to exit after its transport closes
  shutdown_timeout_seconds: 5

# Workers and worker pools
worker:
  # Workers a pool starts eagerly
  pool_min: 0
  # Workers a pool runs at once
  pool_max: 4
  # Abort a remote call and terminate its worker after this many seconds
  # (0 = disabled)
  call_timeout_seconds: 0

# Diagnostic log sink served by the companion
logsink:
  # Global port name of the sink
  port: logsink
  # Glob patterns of channels the sink records
  channels:
    - "*"
  # Where records.log is written. Empty means the logs dir next to this file.
  dir: ""

# Debug logging
logging:
  # debug, info, warn or error
  level: info
  # Log file; empty logs to stderr
  file: ""
  max_size_mb: 10
  max_backups: 3
  compress: false
`

func runConfigInit(cmd *cobra.Command, args []string) error {
	configDir := appconfig.ConfigDir()
	configFile := appconfig.ConfigFile()

	// Check if config file already exists
	if _, err := os.Stat(configFile); err == nil && !initForce {
		return fmt.Errorf("config file already exists at %s\nUse --force to overwrite it", configFile)
	}

	// Create config directory
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	if err := os.WriteFile(configFile, []byte(defaultConfigContent), 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Created config file at %s\n", configFile)
	return nil
}

func runConfigPath(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	configFile := appconfig.ConfigFile()

	if viper.ConfigFileUsed() != "" {
		fmt.Fprintf(out, "Active config: %s\n", viper.ConfigFileUsed())
	} else {
		fmt.Fprintf(out, "Default path: %s (not created)\n", configFile)
	}

	// Also show config search paths
	fmt.Fprintln(out, "\nSearch paths:")
	fmt.Fprintf(out, "  1. %s\n", configFile)
	fmt.Fprintln(out, "  2. ./config.yaml (current directory)")
	fmt.Fprintln(out, "\nEnvironment variables: BRIDGE_* (e.g., BRIDGE_WORKER_POOL_MAX)")
	return nil
}

func runConfigValidate(cmd *cobra.Command, args []string) error {
	path := viper.ConfigFileUsed()
	if len(args) == 1 {
		path = args[0]
	}
	if path == "" {
		return fmt.Errorf("no config file in use; pass one to validate")
	}

	if _, err := appconfig.ReadFile(path); err != nil {
		var verrs appconfig.ValidationErrors
		if errors.As(err, &verrs) {
			for _, e := range verrs {
				fmt.Fprintf(cmd.ErrOrStderr(), "  %s\n", e.Error())
			}
			return fmt.Errorf("%s: %d invalid settings", path, len(verrs))
		}
		return fmt.Errorf("%s: %w", path, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s: ok\n", path)
	return nil
}
