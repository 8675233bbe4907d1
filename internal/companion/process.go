package companion

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Iron-Ham/bridge/internal/bridge"
	"github.com/Iron-Ham/bridge/internal/config"
	"github.com/Iron-Ham/bridge/internal/errors"
	"github.com/Iron-Ham/bridge/internal/event"
	"github.com/Iron-Ham/bridge/internal/logging"
	"github.com/Iron-Ham/bridge/internal/wire"
)

// EnvTransport tells a spawned companion how the global transport reaches
// it: TransportPipe means fds 3 (read) and 4 (write).
const EnvTransport = "BRIDGE_COMPANION_TRANSPORT"

// EnvListen carries the websocket address a spawned companion listens on.
const EnvListen = "BRIDGE_COMPANION_LISTEN"

// Transports a companion can be reached over.
const (
	TransportPipe      = "pipe"
	TransportWebsocket = "websocket"
)

// dialRetry is the pause between websocket dials while the companion starts.
const dialRetry = 50 * time.Millisecond

// SpawnOptions configures Spawn.
type SpawnOptions struct {
	Command   string
	Args      []string
	Transport string
	// WebsocketURL is dialed when Transport is TransportWebsocket.
	WebsocketURL    string
	ShutdownTimeout time.Duration
	FragmentSize    int
	// Env is added to the companion's environment.
	Env []string
}

// OptionsFromConfig builds SpawnOptions from cfg. self is the executable
// used when no companion command is configured; it is run with the
// "companion" subcommand.
func OptionsFromConfig(cfg *config.Config, self string) SpawnOptions {
	cmd, args := cfg.Companion.Command, cfg.Companion.Args
	if cmd == "" {
		cmd, args = self, []string{"companion"}
	}
	return SpawnOptions{
		Command:         cmd,
		Args:            args,
		Transport:       cfg.Companion.Transport,
		WebsocketURL:    cfg.Companion.WebsocketURL,
		ShutdownTimeout: cfg.Companion.ShutdownTimeout(),
		FragmentSize:    cfg.Bridge.FragmentSize,
	}
}

// Process is a running companion attached to a bridge context as its
// global transport.
type Process struct {
	cmd     *exec.Cmd
	bc      *bridge.Context
	logger  *logging.Logger
	timeout time.Duration

	transport wire.Transport

	stopOnce sync.Once
	done     chan struct{}
	exitCode int
	exitErr  error
}

// Spawn starts the companion and attaches it to bc. Canceling ctx stops
// the companion.
func Spawn(ctx context.Context, bc *bridge.Context, opts SpawnOptions) (*Process, error) {
	if opts.Command == "" {
		return nil, fmt.Errorf("spawn companion: no command: %w", errors.ErrInvalidInput)
	}
	if opts.Transport == "" {
		opts.Transport = TransportPipe
	}
	if opts.FragmentSize <= 0 {
		opts.FragmentSize = wire.DefaultFragmentSize
	}

	cmd := exec.Command(opts.Command, opts.Args...)
	cmd.Env = append(os.Environ(), opts.Env...)
	cmd.Env = append(cmd.Env, EnvTransport+"="+opts.Transport)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn companion: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("spawn companion: %w", err)
	}

	var parentEnds, childEnds []*os.File
	closeAll := func(files []*os.File) {
		for _, f := range files {
			f.Close()
		}
	}

	var transport wire.Transport
	switch opts.Transport {
	case TransportPipe:
		// The child reads fd 3 and writes fd 4.
		childRead, parentWrite, err := os.Pipe()
		if err != nil {
			return nil, fmt.Errorf("spawn companion: %w", err)
		}
		parentRead, childWrite, err := os.Pipe()
		if err != nil {
			closeAll([]*os.File{childRead, parentWrite})
			return nil, fmt.Errorf("spawn companion: %w", err)
		}
		parentEnds = []*os.File{parentRead, parentWrite}
		childEnds = []*os.File{childRead, childWrite}
		cmd.ExtraFiles = childEnds
		transport = wire.NewStreamTransport(parentRead, parentWrite, multiCloser(parentEnds),
			wire.WithKind(TransportPipe),
			wire.WithMaxFrameSize(wire.MaxFrameFor(opts.FragmentSize)),
		)
	case TransportWebsocket:
		if opts.WebsocketURL == "" {
			return nil, fmt.Errorf("spawn companion: websocket transport needs a url: %w", errors.ErrInvalidInput)
		}
		cmd.Env = append(cmd.Env, EnvListen+"="+opts.WebsocketURL)
	default:
		return nil, fmt.Errorf("spawn companion: unknown transport %q: %w", opts.Transport, errors.ErrInvalidInput)
	}

	if err := cmd.Start(); err != nil {
		closeAll(parentEnds)
		closeAll(childEnds)
		return nil, fmt.Errorf("spawn companion %s: %w", opts.Command, err)
	}
	// The child holds its own copies now.
	closeAll(childEnds)

	logger := bc.Logger().With("companion_pid", cmd.Process.Pid)
	p := &Process{
		cmd:     cmd,
		bc:      bc,
		logger:  logger,
		timeout: opts.ShutdownTimeout,
		done:    make(chan struct{}),
	}

	var output errgroup.Group
	output.Go(func() error { return p.forward(stdout, "stdout") })
	output.Go(func() error { return p.forward(stderr, "stderr") })

	if transport == nil {
		ws, err := dialUntilReady(ctx, opts.WebsocketURL, opts.FragmentSize)
		if err != nil {
			cmd.Process.Kill()
			output.Wait()
			cmd.Wait()
			return nil, fmt.Errorf("spawn companion: %w", err)
		}
		transport = ws
	}
	p.transport = transport

	if err := bc.AttachTransport(transport); err != nil {
		transport.Close()
		cmd.Process.Kill()
		output.Wait()
		cmd.Wait()
		return nil, fmt.Errorf("spawn companion: %w", err)
	}

	logger.Info("companion started", "command", opts.Command, "transport", opts.Transport)
	bc.Bus().Publish(event.NewCompanionStartedEvent(cmd.Process.Pid, opts.Command))

	go p.wait(&output)
	go func() {
		select {
		case <-ctx.Done():
			p.Stop()
		case <-p.done:
		}
	}()
	return p, nil
}

// dialUntilReady dials url until the companion accepts or ctx ends.
func dialUntilReady(ctx context.Context, url string, fragmentSize int) (*wire.WebsocketTransport, error) {
	settings := wire.DefaultWebsocketSettings()
	settings.ReadLimit = int64(wire.MaxFrameFor(fragmentSize))
	for {
		t, err := wire.DialWebsocket(ctx, url, settings)
		if err == nil {
			return t, nil
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-time.After(dialRetry):
		}
	}
}

func (p *Process) forward(r io.Reader, stream string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		p.logger.Info("companion output", "stream", stream, "line", scanner.Text())
	}
	return scanner.Err()
}

func (p *Process) wait(output *errgroup.Group) {
	if err := output.Wait(); err != nil {
		p.logger.Debug("companion output ended", "error", err)
	}
	err := p.cmd.Wait()
	p.exitCode = p.cmd.ProcessState.ExitCode()
	if err != nil {
		p.exitErr = fmt.Errorf("companion exited: %w", err)
	}

	p.bc.DetachTransport()
	if p.exitErr != nil {
		p.logger.Warn("companion exited", "code", p.exitCode, "error", p.exitErr)
	} else {
		p.logger.Info("companion exited", "code", p.exitCode)
	}
	p.bc.Bus().Publish(event.NewCompanionExitedEvent(p.cmd.Process.Pid, p.exitCode, p.exitErr))
	close(p.done)
}

// PID returns the companion's process id.
func (p *Process) PID() int { return p.cmd.Process.Pid }

// Done returns a channel closed once the companion has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// Wait blocks until the companion exits and returns its exit error.
func (p *Process) Wait(ctx context.Context) error {
	select {
	case <-p.done:
		return p.exitErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ExitCode returns the exit code once Done is closed, -1 before.
func (p *Process) ExitCode() int {
	select {
	case <-p.done:
		return p.exitCode
	default:
		return -1
	}
}

// Stop closes the transport, which tells the companion to exit, and kills
// it if it has not exited within the shutdown timeout.
func (p *Process) Stop() error {
	p.stopOnce.Do(func() {
		p.transport.Close()
		timeout := p.timeout
		if timeout <= 0 {
			timeout = 5 * time.Second
		}
		select {
		case <-p.done:
		case <-time.After(timeout):
			p.logger.Warn("companion did not exit, killing", "timeout", timeout)
			p.cmd.Process.Kill()
			<-p.done
		}
	})
	<-p.done
	return p.exitErr
}

type multiCloser []*os.File

func (m multiCloser) Close() error {
	var errs []error
	for _, f := range m {
		if err := f.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
