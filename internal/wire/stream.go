package wire

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"
	"sync"

	"github.com/Iron-Ham/bridge/internal/errors"
)

// frameOverhead bounds the encoded size of a frame's non-data fields.
const frameOverhead = 128

// StreamTransport frames a byte stream: each frame is a big-endian uint32
// body length followed by the body.
type StreamTransport struct {
	kind string

	readMu sync.Mutex
	reader *bufio.Reader

	writeMu sync.Mutex
	writer  *bufio.Writer

	closer   io.Closer
	maxFrame uint32

	closeOnce sync.Once
	closeErr  error
}

// StreamOption configures a StreamTransport.
type StreamOption func(*StreamTransport)

// WithMaxFrameSize bounds the body size accepted from the peer.
func WithMaxFrameSize(n int) StreamOption {
	return func(t *StreamTransport) {
		if n > 0 {
			t.maxFrame = uint32(n)
		}
	}
}

// WithKind sets the name reported by Kind.
func WithKind(kind string) StreamOption {
	return func(t *StreamTransport) {
		t.kind = kind
	}
}

// NewStreamTransport frames frames over r and w. Close closes c, which may
// be nil when the caller owns the streams.
func NewStreamTransport(r io.Reader, w io.Writer, c io.Closer, opts ...StreamOption) *StreamTransport {
	t := &StreamTransport{
		kind:     "stream",
		reader:   bufio.NewReaderSize(r, 64<<10),
		writer:   bufio.NewWriterSize(w, 64<<10),
		closer:   c,
		maxFrame: DefaultFragmentSize*16 + frameOverhead,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewConnTransport frames frames over a single read-write-closer such as a
// net.Conn.
func NewConnTransport(rwc io.ReadWriteCloser, opts ...StreamOption) *StreamTransport {
	return NewStreamTransport(rwc, rwc, rwc, opts...)
}

// MaxFrameFor returns the frame limit needed for a fragment size.
func MaxFrameFor(fragmentSize int) int {
	return fragmentSize + frameOverhead
}

// Kind implements Transport.
func (t *StreamTransport) Kind() string { return t.kind }

// ReadFrame implements Transport.
func (t *StreamTransport) ReadFrame() (*Frame, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()

	var header [4]byte
	if _, err := io.ReadFull(t.reader, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > t.maxFrame {
		return nil, fmt.Errorf("%w: frame of %d bytes exceeds %d", errors.ErrInvalidFrame, size, t.maxFrame)
	}

	body := make([]byte, size)
	if _, err := io.ReadFull(t.reader, body); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}
	return UnmarshalFrame(body)
}

// WriteFrame implements Transport.
func (t *StreamTransport) WriteFrame(f *Frame) error {
	body := f.AppendMarshal(make([]byte, 4, 4+f.Size()))
	binary.BigEndian.PutUint32(body[:4], uint32(len(body)-4))

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if _, err := t.writer.Write(body); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if err := t.writer.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}
	return nil
}

// Close implements Transport.
func (t *StreamTransport) Close() error {
	t.closeOnce.Do(func() {
		if t.closer != nil {
			t.closeErr = t.closer.Close()
		}
	})
	return t.closeErr
}
