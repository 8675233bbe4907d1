package cmd

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"slices"
	"time"

	"github.com/Iron-Ham/bridge/internal/bridge"
	"github.com/Iron-Ham/bridge/internal/companion"
	"github.com/Iron-Ham/bridge/internal/logsink"
	"github.com/Iron-Ham/bridge/internal/wire"
	"github.com/spf13/cobra"
)

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Round-trip data through a companion",
	Long: `Spawn the configured companion, send random payloads through its global
echo port and verify that every byte comes back unchanged. Payloads larger
than bridge.fragment_size are fragmented on the wire.

Examples:
  # One 1 MiB round trip
  bridge ping

  # Ten 16 MiB round trips over a websocket companion
  BRIDGE_COMPANION_TRANSPORT=websocket \
  BRIDGE_COMPANION_WEBSOCKET_URL=ws://127.0.0.1:7070/bridge \
    bridge ping --size 16777216 --count 10`,
	Args: cobra.NoArgs,
	RunE: runPing,
}

var (
	pingSize    int
	pingCount   int
	pingTimeout time.Duration
)

// portWaitInterval is how often the host checks for a companion port.
const portWaitInterval = 10 * time.Millisecond

func init() {
	rootCmd.AddCommand(pingCmd)

	pingCmd.Flags().IntVar(&pingSize, "size", 1<<20, "Payload size in bytes")
	pingCmd.Flags().IntVar(&pingCount, "count", 1, "Number of round trips")
	pingCmd.Flags().DurationVar(&pingTimeout, "timeout", 30*time.Second, "Overall timeout")
}

func runPing(cmd *cobra.Command, args []string) error {
	if pingSize <= 0 || pingCount <= 0 {
		return fmt.Errorf("--size and --count must be positive")
	}
	env, err := newRuntime(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), pingTimeout)
	defer cancel()

	self, err := os.Executable()
	if err != nil {
		return fmt.Errorf("locate executable: %w", err)
	}
	proc, err := companion.Spawn(ctx, env.bc, companion.OptionsFromConfig(env.cfg, self))
	if err != nil {
		return err
	}
	defer proc.Stop()

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "companion %d up over %s\n", proc.PID(), env.bc.Stats().GlobalKind)

	sum, err := ping(ctx, env.bc, out, pingSize, pingCount)
	if err != nil {
		return err
	}

	// Leave a record of the run in the companion's log sink.
	if port := env.cfg.LogSink.Port; port != "" && waitForPort(ctx, env.bc, port) == nil {
		sink := logsink.New(env.bc, logsink.Options{Port: port, Global: true})
		sink.Log("bridge.ping", sum)
		if err := sink.FlushLog(ctx, "bridge.ping"); err != nil {
			env.logger.Warn("ping summary not logged", "error", err)
		}
		sink.Close()
	}
	return nil
}

// pingSummary is what a ping run reports.
type pingSummary struct {
	Size    int           `json:"size"`
	Count   int           `json:"count"`
	Total   time.Duration `json:"total_ns"`
	Fastest time.Duration `json:"fastest_ns"`
	Slowest time.Duration `json:"slowest_ns"`
}

// ping round-trips count payloads of size bytes through the echo port and
// checks the last one against the sha256 port.
func ping(ctx context.Context, bc *bridge.Context, out io.Writer, size, count int) (pingSummary, error) {
	sum := pingSummary{Size: size, Count: count}
	if err := waitForPort(ctx, bc, companion.PortEcho); err != nil {
		return sum, err
	}
	echo, err := bc.Connect(ctx, companion.PortEcho, bridge.ConnectOptions{Global: true})
	if err != nil {
		return sum, fmt.Errorf("connect echo: %w", err)
	}
	defer echo.Close()

	data := make([]byte, size)
	for i := range count {
		rand.Read(data)
		start := time.Now()
		reply, err := echo.DoRequest(ctx, wire.Binary(data))
		if err != nil {
			return sum, fmt.Errorf("round trip %d: %w", i+1, err)
		}
		elapsed := time.Since(start)
		if !bytes.Equal(reply.Payload.Data, data) {
			return sum, fmt.Errorf("round trip %d: %d bytes came back different", i+1, len(data))
		}
		sum.Total += elapsed
		if sum.Fastest == 0 || elapsed < sum.Fastest {
			sum.Fastest = elapsed
		}
		sum.Slowest = max(sum.Slowest, elapsed)
		fmt.Fprintf(out, "%d bytes: seq=%d time=%s\n", size, i+1, elapsed.Round(time.Microsecond))
	}

	if err := verifyDigest(ctx, bc, data); err != nil {
		return sum, err
	}
	fmt.Fprintf(out, "%d round trips, min/avg/max = %s/%s/%s\n", count,
		sum.Fastest.Round(time.Microsecond),
		(sum.Total / time.Duration(count)).Round(time.Microsecond),
		sum.Slowest.Round(time.Microsecond))
	return sum, nil
}

func verifyDigest(ctx context.Context, bc *bridge.Context, data []byte) error {
	if err := waitForPort(ctx, bc, companion.PortSHA256); err != nil {
		return err
	}
	l, err := bc.Connect(ctx, companion.PortSHA256, bridge.ConnectOptions{Global: true})
	if err != nil {
		return fmt.Errorf("connect sha256: %w", err)
	}
	defer l.Close()
	reply, err := l.DoRequest(ctx, wire.Binary(data))
	if err != nil {
		return fmt.Errorf("sha256: %w", err)
	}
	var got string
	if err := reply.Decode(&got); err != nil {
		return fmt.Errorf("sha256: %w", err)
	}
	want := sha256.Sum256(data)
	if got != hex.EncodeToString(want[:]) {
		return fmt.Errorf("sha256 mismatch: companion saw %s", got)
	}
	return nil
}

// waitForPort blocks until the companion has declared the global port name.
func waitForPort(ctx context.Context, bc *bridge.Context, name string) error {
	ticker := time.NewTicker(portWaitInterval)
	defer ticker.Stop()
	for {
		if slices.Contains(bc.Stats().RemotePorts, name) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for companion port %q: %w", name, ctx.Err())
		case <-bc.Detached():
			return fmt.Errorf("companion went away before declaring %q", name)
		case <-ticker.C:
		}
	}
}
