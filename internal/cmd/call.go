package cmd

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/Iron-Ham/bridge/internal/errors"
	"github.com/Iron-Ham/bridge/internal/worker"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var callCmd = &cobra.Command{
	Use:   "call <module#fn> [json args...]",
	Short: "Call a built-in function in a worker",
	Long: `Call a function of the built-in library inside a worker from a pool
sized by worker.pool_min and worker.pool_max. Each argument is parsed as
JSON; arguments that are not valid JSON are passed as strings.

Examples:
  bridge call math#add 1 2 3
  bridge call text#upper hello
  bridge call sys#sleep 200 --repeat 8
  bridge call --list`,
	Args: func(cmd *cobra.Command, args []string) error {
		if callList {
			return nil
		}
		return cobra.MinimumNArgs(1)(cmd, args)
	},
	RunE: runCall,
}

var (
	callRepeat int
	callList   bool
)

func init() {
	rootCmd.AddCommand(callCmd)

	callCmd.Flags().IntVar(&callRepeat, "repeat", 1, "Run the call this many times concurrently through the pool")
	callCmd.Flags().BoolVar(&callList, "list", false, "List the built-in functions")
}

// parseCallArgs decodes each argument as JSON, falling back to a string.
func parseCallArgs(raw []string) []any {
	args := make([]any, len(raw))
	for i, s := range raw {
		var v any
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			v = s
		}
		args[i] = v
	}
	return args
}

func runCall(cmd *cobra.Command, args []string) error {
	lib := builtinLibrary()
	out := cmd.OutOrStdout()
	if callList {
		for _, t := range lib.Targets() {
			fmt.Fprintln(out, t)
		}
		return nil
	}

	target, err := worker.ParseRef(args[0])
	if err != nil {
		return err
	}
	if callRepeat < 1 {
		return fmt.Errorf("--repeat must be at least 1")
	}

	env, err := newRuntime(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	pool, err := worker.NewPool(ctx, env.bc, lib, "call",
		env.cfg.Worker.PoolMin, env.cfg.Worker.PoolMax,
		worker.WithCallTimeout(env.cfg.Worker.CallTimeout()))
	if err != nil {
		return err
	}
	defer pool.Close()

	callArgs := parseCallArgs(args[1:])
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	for i := range callRepeat {
		g.Go(func() error {
			res, err := pool.RunInWorker(gctx, target, callArgs...)
			if err != nil {
				return describeCallError(target, err)
			}
			mu.Lock()
			defer mu.Unlock()
			if callRepeat > 1 {
				fmt.Fprintf(out, "[%d] ", i+1)
			}
			fmt.Fprintln(out, strings.TrimSpace(string(res.Raw())))
			return nil
		})
	}
	return g.Wait()
}

// describeCallError adds the remote stack of a failed call.
func describeCallError(target worker.Ref, err error) error {
	var remote *errors.RemoteException
	if errors.As(err, &remote) && remote.Stack != "" {
		return fmt.Errorf("%s: %w\n%s", target, err, remote.Stack)
	}
	var crash *errors.WorkerCrashError
	if errors.As(err, &crash) && crash.Stack != "" {
		return fmt.Errorf("%s: %w\n%s", target, err, crash.Stack)
	}
	return fmt.Errorf("%s: %w", target, err)
}
