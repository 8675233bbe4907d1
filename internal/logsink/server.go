package logsink

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/gobwas/glob"

	"github.com/Iron-Ham/bridge/internal/bridge"
	"github.com/Iron-Ham/bridge/internal/logging"
	"github.com/Iron-Ham/bridge/internal/wire"
)

// ServerOptions configures a Server.
type ServerOptions struct {
	// Port is the name to listen on. Empty means DefaultPort.
	Port string
	// Global declares the port over the global transport.
	Global bool
	// Channels are glob patterns; records on other channels are dropped.
	// Empty accepts every channel.
	Channels []string
	// Out receives one log line per accepted record.
	Out *logging.Logger
}

// ServerStats counts what a server has seen.
type ServerStats struct {
	Links    int64
	Written  int64
	Filtered int64
	Flushes  int64
}

// Server accepts sink links and writes their records to Out.
type Server struct {
	port     *bridge.Port
	out      *logging.Logger
	logger   *logging.Logger
	channels []glob.Glob

	cancel context.CancelFunc
	wg     sync.WaitGroup

	links    atomic.Int64
	written  atomic.Int64
	filtered atomic.Int64
	flushes  atomic.Int64
}

// Serve listens on the configured port and starts accepting sinks.
func Serve(ctx context.Context, bc *bridge.Context, opts ServerOptions) (*Server, error) {
	name := opts.Port
	if name == "" {
		name = DefaultPort
	}
	channels := make([]glob.Glob, 0, len(opts.Channels))
	for _, pattern := range opts.Channels {
		g, err := glob.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid channel pattern %q: %w", pattern, err)
		}
		channels = append(channels, g)
	}
	out := opts.Out
	if out == nil {
		out = bc.Logger()
	}

	port, err := bc.Listen(name, bridge.PortOptions{Global: opts.Global})
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s := &Server{
		port:     port,
		out:      out,
		logger:   bc.Logger().WithPort(name),
		channels: channels,
		cancel:   cancel,
	}
	s.wg.Go(func() { s.acceptLoop(ctx) })
	s.logger.Info("log server listening", "global", opts.Global, "channels", opts.Channels)
	return s, nil
}

func (s *Server) acceptLoop(ctx context.Context) {
	for {
		l, err := s.port.Accept(ctx)
		if err != nil {
			return
		}
		if err := l.Accept(); err != nil {
			s.logger.Debug("sink link lost before accept", "error", err)
			continue
		}
		s.links.Add(1)
		s.wg.Go(func() { s.serveLink(ctx, l) })
	}
}

func (s *Server) serveLink(ctx context.Context, l *bridge.Link) {
	defer l.Close()
	for {
		msg, err := l.Receive(ctx)
		if err != nil {
			return
		}
		var e entry
		if err := msg.Decode(&e); err != nil {
			s.logger.Debug("undecodable record", "link", l.ID(), "error", err)
			if msg.IsRequest() {
				l.SendException(msg.MsgID, err)
			}
			continue
		}
		if e.Flush {
			s.flushes.Add(1)
			if err := s.out.Sync(); err != nil {
				l.SendException(msg.MsgID, fmt.Errorf("flush %q: %w", e.Channel, err))
				continue
			}
			l.Reply(msg.MsgID, wire.MustJSON(map[string]bool{"flushed": true}))
			continue
		}
		s.write(e)
	}
}

func (s *Server) accepts(channel string) bool {
	if len(s.channels) == 0 {
		return true
	}
	for _, g := range s.channels {
		if g.Match(channel) {
			return true
		}
	}
	return false
}

func (s *Server) write(e entry) {
	if !s.accepts(e.Channel) {
		s.filtered.Add(1)
		return
	}
	s.written.Add(1)
	s.out.WithChannel(e.Channel).Info("record",
		"record_id", e.ID,
		"sent_at", e.Time,
		"data", e.Data,
	)
}

// Stats returns the server's counters.
func (s *Server) Stats() ServerStats {
	return ServerStats{
		Links:    s.links.Load(),
		Written:  s.written.Load(),
		Filtered: s.filtered.Load(),
		Flushes:  s.flushes.Load(),
	}
}

// Close stops listening and closes every sink link.
func (s *Server) Close() error {
	s.cancel()
	err := s.port.Close()
	s.wg.Wait()
	return err
}
