// Package logsink carries structured diagnostic records over the bridge.
//
// A Sink sends records to a port; a Server listening on that port filters
// them by channel and appends them to a JSON log. Delivery is best effort:
// records logged while no server is reachable are dropped. FlushLog is the
// one operation that waits, and the process stays alive while it does.
package logsink

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/Iron-Ham/bridge/internal/bridge"
	"github.com/Iron-Ham/bridge/internal/ledger"
	"github.com/Iron-Ham/bridge/internal/logging"
	"github.com/Iron-Ham/bridge/internal/waitable"
	"github.com/Iron-Ham/bridge/internal/wire"
)

// DefaultPort is the port name sinks and servers use unless configured.
const DefaultPort = "logsink"

// connectTimeout bounds each attempt to reach the server.
const connectTimeout = 5 * time.Second

// entry is the wire form of a record or a flush request.
type entry struct {
	ID      string          `json:"id,omitempty"`
	Time    time.Time       `json:"time,omitzero"`
	Channel string          `json:"channel"`
	Data    json.RawMessage `json:"data,omitempty"`
	Flush   bool            `json:"flush,omitempty"`
}

type item struct {
	entry entry
	flush *flushWait
}

type flushWait struct {
	ctx  context.Context
	ref  *ledger.Ref
	done chan error
}

// Options configures a Sink.
type Options struct {
	// Port is the server's port name. Empty means DefaultPort.
	Port string
	// Global sends to a server on the other side of the global transport.
	Global bool
}

// Sink sends records to a log server. It is safe for concurrent use.
type Sink struct {
	bc     *bridge.Context
	port   string
	global bool
	logger *logging.Logger

	queue *waitable.FIFO[item]

	closeOnce sync.Once
	closing   chan struct{}
	done      chan struct{}

	// link is only touched by run.
	link *bridge.Link
}

// New creates a Sink and starts its sender.
func New(bc *bridge.Context, opts Options) *Sink {
	port := opts.Port
	if port == "" {
		port = DefaultPort
	}
	s := &Sink{
		bc:      bc,
		port:    port,
		global:  opts.Global,
		logger:  bc.Logger().WithPort(port),
		queue:   waitable.NewFIFO[item](),
		closing: make(chan struct{}),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

// Log queues data on channel. It never blocks and never fails; records
// that cannot be encoded or delivered are dropped.
func (s *Sink) Log(channel string, data any) {
	raw, err := json.Marshal(data)
	if err != nil {
		s.logger.Debug("dropping unencodable record", "channel", channel, "error", err)
		return
	}
	select {
	case <-s.closing:
		return
	default:
	}
	s.queue.Push(item{entry: entry{
		ID:      ulid.Make().String(),
		Time:    time.Now().UTC(),
		Channel: channel,
		Data:    raw,
	}})
}

// FlushLog waits until every record queued before it on channel has
// reached the server and been written.
func (s *Sink) FlushLog(ctx context.Context, channel string) error {
	select {
	case <-s.closing:
		return fmt.Errorf("flush %q: sink closed", channel)
	default:
	}
	fw := &flushWait{
		ctx:  ctx,
		ref:  s.bc.Ledger().Ref("log flush " + channel),
		done: make(chan error, 1),
	}
	s.queue.Push(item{entry: entry{Channel: channel, Flush: true}, flush: fw})

	select {
	case err := <-fw.done:
		return err
	case <-ctx.Done():
		fw.ref.Release()
		return ctx.Err()
	}
}

// Close sends what is queued, then closes the link to the server.
func (s *Sink) Close() error {
	s.closeOnce.Do(func() { close(s.closing) })
	<-s.done
	return nil
}

func (s *Sink) run() {
	defer close(s.done)
	for {
		select {
		case <-s.queue.WaitSignalled():
			s.drain()
		case <-s.closing:
			s.drain()
			if s.link != nil {
				s.link.Close()
			}
			return
		}
	}
}

func (s *Sink) drain() {
	for {
		it, ok := s.queue.Shift()
		if !ok {
			return
		}
		err := s.deliver(it)
		if it.flush != nil {
			it.flush.ref.Release()
			it.flush.done <- err
		} else if err != nil {
			s.logger.Debug("dropping record", "channel", it.entry.Channel, "error", err)
		}
	}
}

func (s *Sink) deliver(it item) error {
	if err := s.ensureLink(); err != nil {
		return err
	}
	p, err := wire.JSON(it.entry)
	if err != nil {
		return err
	}
	if it.flush != nil {
		_, err = s.link.DoRequest(it.flush.ctx, p)
	} else {
		_, err = s.link.Send(p)
	}
	if err != nil && !s.link.IsOpen() {
		s.link = nil
	}
	return err
}

func (s *Sink) ensureLink() error {
	if s.link != nil && s.link.IsOpen() {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), connectTimeout)
	defer cancel()
	l, err := s.bc.Connect(ctx, s.port, bridge.ConnectOptions{Global: s.global})
	if err != nil {
		s.link = nil
		return fmt.Errorf("connect to log server: %w", err)
	}
	l.Unref()
	s.link = l
	return nil
}
