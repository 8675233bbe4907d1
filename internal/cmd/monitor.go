package cmd

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/Iron-Ham/bridge/internal/bridge"
	"github.com/Iron-Ham/bridge/internal/companion"
	"github.com/Iron-Ham/bridge/internal/monitor"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Live view of a bridge context",
	Long: `Show the reference ledger, ports, links and lifecycle events of a bridge
context as they change. With --companion the configured companion is
spawned first, so its global ports and transport show up too.

When stdout is not a terminal a single snapshot is printed as YAML.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

var (
	monitorCompanion bool
	monitorInterval  time.Duration
)

func init() {
	rootCmd.AddCommand(monitorCmd)

	monitorCmd.Flags().BoolVar(&monitorCompanion, "companion", false, "Spawn the configured companion")
	monitorCmd.Flags().DurationVar(&monitorInterval, "interval", 500*time.Millisecond, "Refresh interval")
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}

func runMonitor(cmd *cobra.Command, args []string) error {
	env, err := newRuntime(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer env.Close()
	ctx := cmd.Context()

	if monitorCompanion {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("locate executable: %w", err)
		}
		proc, err := companion.Spawn(ctx, env.bc, companion.OptionsFromConfig(env.cfg, self))
		if err != nil {
			return err
		}
		defer proc.Stop()
		if err := waitForPort(ctx, env.bc, companion.PortEcho); err != nil {
			return err
		}
	}

	if !isTerminal(cmd.OutOrStdout()) {
		return writeSnapshot(cmd.OutOrStdout(), env.bc.Stats())
	}
	return monitor.Run(ctx, env.bc, monitorInterval)
}

type statsSnapshot struct {
	Refs        int      `yaml:"refs"`
	Reasons     []string `yaml:"reasons,omitempty"`
	Ports       []string `yaml:"ports,omitempty"`
	Links       int      `yaml:"links"`
	Parked      int      `yaml:"parked"`
	Transport   string   `yaml:"transport,omitempty"`
	RemotePorts []string `yaml:"remote_ports,omitempty"`
}

func writeSnapshot(w io.Writer, s bridge.Stats) error {
	snap := statsSnapshot{
		Refs:        s.Refs,
		Reasons:     s.Reasons,
		Ports:       s.Ports,
		Links:       s.Links,
		Parked:      s.Parked,
		RemotePorts: s.RemotePorts,
	}
	if s.Global {
		snap.Transport = s.GlobalKind
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(snap); err != nil {
		return err
	}
	return enc.Close()
}
