package wire

// Transport moves frames between this process and a companion. ReadFrame is
// called from a single read loop; WriteFrame may be called concurrently and
// must write each frame atomically.
type Transport interface {
	ReadFrame() (*Frame, error)
	WriteFrame(f *Frame) error
	Close() error
	// Kind names the transport for logs and events, for example "pipe".
	Kind() string
}
