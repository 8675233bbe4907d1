package companion

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net"
	"net/http"
	"os"
	"sync"

	"github.com/Iron-Ham/bridge/internal/bridge"
	"github.com/Iron-Ham/bridge/internal/errors"
	"github.com/Iron-Ham/bridge/internal/logging"
	"github.com/Iron-Ham/bridge/internal/logsink"
	"github.com/Iron-Ham/bridge/internal/wire"
)

// Names of the global ports a companion serves.
const (
	PortEcho   = "echo"
	PortSHA256 = "sha256"
)

// WebsocketPath is where a listening companion accepts the bridge.
const WebsocketPath = "/bridge"

// PipeTransport returns the transport over fds 3 and 4 that Spawn hands a
// pipe companion.
func PipeTransport(fragmentSize int) (wire.Transport, error) {
	in := os.NewFile(3, "bridge-in")
	out := os.NewFile(4, "bridge-out")
	for _, f := range []*os.File{in, out} {
		if _, err := f.Stat(); err != nil {
			return nil, fmt.Errorf("pipe transport: %s not open: %w", f.Name(), errors.ErrNoTransport)
		}
	}
	return wire.NewStreamTransport(in, out, multiCloser{in, out},
		wire.WithKind(TransportPipe),
		wire.WithMaxFrameSize(wire.MaxFrameFor(fragmentSize)),
	), nil
}

// StdioTransport returns a transport over stdin and stdout.
func StdioTransport(fragmentSize int) wire.Transport {
	return wire.NewStreamTransport(os.Stdin, os.Stdout, multiCloser{os.Stdin, os.Stdout},
		wire.WithKind("stdio"),
		wire.WithMaxFrameSize(wire.MaxFrameFor(fragmentSize)),
	)
}

// ServiceOptions configures the services a companion offers.
type ServiceOptions struct {
	// LogSinkPort is the global port of the log server. Empty disables it.
	LogSinkPort string
	// LogChannels are the channel patterns the log server accepts.
	LogChannels []string
	// LogOut receives the log server's records.
	LogOut *logging.Logger
}

// Services are the global ports a companion serves to its host.
type Services struct {
	bc     *bridge.Context
	logger *logging.Logger
	ports  []*bridge.Port
	sink   *logsink.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// StartServices declares the echo, sha256 and log sink ports over bc's
// global transport.
func StartServices(ctx context.Context, bc *bridge.Context, opts ServiceOptions) (*Services, error) {
	ctx, cancel := context.WithCancel(ctx)
	s := &Services{bc: bc, logger: bc.Logger(), cancel: cancel}

	handlers := map[string]func(*wire.Message) (wire.Payload, error){
		PortEcho: func(msg *wire.Message) (wire.Payload, error) {
			return msg.Payload, nil
		},
		PortSHA256: func(msg *wire.Message) (wire.Payload, error) {
			sum := sha256.Sum256(msg.Payload.Data)
			return wire.JSON(hex.EncodeToString(sum[:]))
		},
	}
	for _, name := range []string{PortEcho, PortSHA256} {
		port, err := bc.Listen(name, bridge.PortOptions{Global: true})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.ports = append(s.ports, port)
		handle := handlers[name]
		s.wg.Go(func() { s.acceptLoop(ctx, port, handle) })
	}

	if opts.LogSinkPort != "" {
		sink, err := logsink.Serve(ctx, bc, logsink.ServerOptions{
			Port:     opts.LogSinkPort,
			Global:   true,
			Channels: opts.LogChannels,
			Out:      opts.LogOut,
		})
		if err != nil {
			s.Close()
			return nil, err
		}
		s.sink = sink
	}
	return s, nil
}

func (s *Services) acceptLoop(ctx context.Context, port *bridge.Port, handle func(*wire.Message) (wire.Payload, error)) {
	for {
		l, err := port.Accept(ctx)
		if err != nil {
			return
		}
		if err := l.Accept(); err != nil {
			continue
		}
		s.wg.Go(func() { s.serveLink(ctx, l, handle) })
	}
}

func (s *Services) serveLink(ctx context.Context, l *bridge.Link, handle func(*wire.Message) (wire.Payload, error)) {
	defer l.Close()
	for {
		msg, err := l.Receive(ctx)
		if err != nil {
			return
		}
		if !msg.IsRequest() {
			continue
		}
		reply, err := handle(msg)
		if err != nil {
			l.SendException(msg.MsgID, err)
			continue
		}
		if err := l.Reply(msg.MsgID, reply); err != nil {
			s.logger.Debug("reply not delivered", "port", l.Port(), "error", err)
		}
	}
}

// Close closes every port and link the services opened.
func (s *Services) Close() error {
	s.cancel()
	for _, p := range s.ports {
		p.Close()
	}
	if s.sink != nil {
		s.sink.Close()
	}
	s.wg.Wait()
	return nil
}

// Serve runs the services over t until the host goes away or ctx ends.
func Serve(ctx context.Context, bc *bridge.Context, t wire.Transport, opts ServiceOptions) error {
	if err := bc.AttachTransport(t); err != nil {
		return err
	}
	services, err := StartServices(ctx, bc, opts)
	if err != nil {
		bc.DetachTransport()
		return err
	}
	defer services.Close()

	select {
	case <-bc.Detached():
		bc.Logger().Info("host detached")
		return nil
	case <-ctx.Done():
		bc.DetachTransport()
		return ctx.Err()
	}
}

// ListenAndServe accepts hosts over websocket on addr, serving one host at
// a time, until ctx ends.
func ListenAndServe(ctx context.Context, bc *bridge.Context, addr string, opts ServiceOptions) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	return serveListener(ctx, bc, ln, opts)
}

func serveListener(ctx context.Context, bc *bridge.Context, ln net.Listener, opts ServiceOptions) error {
	var busy sync.Mutex
	mux := http.NewServeMux()
	mux.HandleFunc(WebsocketPath, func(w http.ResponseWriter, r *http.Request) {
		if !busy.TryLock() {
			http.Error(w, "companion already serving a host", http.StatusConflict)
			return
		}
		defer busy.Unlock()

		t, err := wire.UpgradeWebsocket(w, r, nil)
		if err != nil {
			bc.Logger().Warn("websocket upgrade failed", "error", err)
			return
		}
		if err := Serve(ctx, bc, t, opts); err != nil && ctx.Err() == nil {
			bc.Logger().Warn("serving host failed", "error", err)
		}
	})

	srv := &http.Server{Handler: mux}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	bc.Logger().Info("companion listening", "addr", ln.Addr().String(), "path", WebsocketPath)
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return err
	}
	return ctx.Err()
}
