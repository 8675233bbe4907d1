package cmd

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"

	"github.com/Iron-Ham/bridge/internal/companion"
	"github.com/Iron-Ham/bridge/internal/config"
	"github.com/Iron-Ham/bridge/internal/errors"
	"github.com/Iron-Ham/bridge/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var companionCmd = &cobra.Command{
	Use:   "companion",
	Short: "Serve global ports to a host",
	Long: `Run as the companion process of a bridge host. The companion serves the
global echo, sha256 and logsink ports.

When spawned by a host it picks up the transport from the environment:
pipes on fds 3 and 4, or a websocket address to listen on. Otherwise
--stdio serves over stdin/stdout and --listen accepts hosts over websocket.

Log sink records are written to logsink.dir (default: the config
directory's logs dir) and can be read back with 'bridge logs'.`,
	Args: cobra.NoArgs,
	RunE: runCompanion,
}

var (
	companionStdio  bool
	companionListen string
)

func init() {
	rootCmd.AddCommand(companionCmd)

	companionCmd.Flags().BoolVar(&companionStdio, "stdio", false, "Serve over stdin/stdout")
	companionCmd.Flags().StringVar(&companionListen, "listen", "", "Accept hosts over websocket on this address (e.g. 127.0.0.1:7070)")
}

// companionMode decides how the companion reaches its host. Flags win over
// the environment a spawning host sets.
func companionMode(stdio bool, listen string, getenv func(string) string) (mode, addr string, err error) {
	switch {
	case stdio && listen != "":
		return "", "", fmt.Errorf("--stdio and --listen are mutually exclusive")
	case stdio:
		return "stdio", "", nil
	case listen != "":
		return companion.TransportWebsocket, listen, nil
	}

	switch t := getenv(companion.EnvTransport); t {
	case companion.TransportPipe:
		return companion.TransportPipe, "", nil
	case companion.TransportWebsocket:
		raw := getenv(companion.EnvListen)
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			return "", "", fmt.Errorf("invalid %s %q", companion.EnvListen, raw)
		}
		return companion.TransportWebsocket, u.Host, nil
	case "":
		return "", "", fmt.Errorf("no transport: use --stdio or --listen, or run under a bridge host")
	default:
		return "", "", fmt.Errorf("unknown %s %q", companion.EnvTransport, t)
	}
}

func runCompanion(cmd *cobra.Command, args []string) error {
	mode, addr, err := companionMode(companionStdio, companionListen, os.Getenv)
	if err != nil {
		return err
	}

	env, err := newRuntime(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer env.Close()
	cfg := env.cfg
	logger := env.logger.With("role", "companion")

	records, err := logging.New(logging.Options{
		Path:     filepath.Join(cfg.LogSink.ResolveDir(config.ConfigDir()), "records.log"),
		Level:    logging.LevelDebug,
		Rotation: logging.DefaultRotationConfig(),
	})
	if err != nil {
		return fmt.Errorf("open log sink output: %w", err)
	}
	defer records.Close()

	if path := viper.ConfigFileUsed(); path != "" {
		w, err := config.Watch(path, func(next *config.Config, err error) {
			if err != nil {
				logger.Warn("config reload failed", "error", err)
				return
			}
			env.logger.SetLevel(next.Logging.Level)
			logger.Info("config reloaded", "level", env.logger.Level())
		})
		if err != nil {
			logger.Warn("not watching config", "path", path, "error", err)
		} else {
			defer w.Close()
		}
	}

	opts := companion.ServiceOptions{
		LogSinkPort: cfg.LogSink.Port,
		LogChannels: cfg.LogSink.Channels,
		LogOut:      records,
	}
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	logger.Info("companion starting", "transport", mode, "addr", addr)

	switch mode {
	case companion.TransportPipe:
		t, perr := companion.PipeTransport(cfg.Bridge.FragmentSize)
		if perr != nil {
			return perr
		}
		err = companion.Serve(ctx, env.bc, t, opts)
	case "stdio":
		err = companion.Serve(ctx, env.bc, companion.StdioTransport(cfg.Bridge.FragmentSize), opts)
	default:
		err = companion.ListenAndServe(ctx, env.bc, addr, opts)
	}
	// Interrupted by a signal.
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
