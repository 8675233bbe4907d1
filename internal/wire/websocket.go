package wire

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Iron-Ham/bridge/internal/errors"
)

// WebsocketSettings tunes a WebsocketTransport.
type WebsocketSettings struct {
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReadLimit bounds one websocket message, which holds one frame.
	ReadLimit int64
}

// DefaultWebsocketSettings returns settings suited to a same-host companion.
func DefaultWebsocketSettings() *WebsocketSettings {
	return &WebsocketSettings{
		HandshakeTimeout: 10 * time.Second,
		WriteTimeout:     15 * time.Second,
		ReadLimit:        int64(MaxFrameFor(DefaultFragmentSize * 16)),
	}
}

// WebsocketTransport carries one frame per binary websocket message.
type WebsocketTransport struct {
	conn     *websocket.Conn
	settings *WebsocketSettings

	writeMu sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

func newWebsocketTransport(conn *websocket.Conn, settings *WebsocketSettings) *WebsocketTransport {
	if settings == nil {
		settings = DefaultWebsocketSettings()
	}
	conn.SetReadLimit(settings.ReadLimit)
	return &WebsocketTransport{conn: conn, settings: settings}
}

// DialWebsocket connects to a companion listening at url.
func DialWebsocket(ctx context.Context, url string, settings *WebsocketSettings) (*WebsocketTransport, error) {
	if settings == nil {
		settings = DefaultWebsocketSettings()
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: settings.HandshakeTimeout,
		Proxy:            http.ProxyFromEnvironment,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return newWebsocketTransport(conn, settings), nil
}

// UpgradeWebsocket accepts a bridge connection on an HTTP request.
func UpgradeWebsocket(w http.ResponseWriter, r *http.Request, settings *WebsocketSettings) (*WebsocketTransport, error) {
	if settings == nil {
		settings = DefaultWebsocketSettings()
	}
	upgrader := websocket.Upgrader{
		HandshakeTimeout: settings.HandshakeTimeout,
		ReadBufferSize:   64 << 10,
		WriteBufferSize:  64 << 10,
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("upgrade: %w", err)
	}
	return newWebsocketTransport(conn, settings), nil
}

// Kind implements Transport.
func (t *WebsocketTransport) Kind() string { return "websocket" }

// ReadFrame implements Transport. A close from the peer surfaces as a
// *websocket.CloseError; see IsNormalClose.
func (t *WebsocketTransport) ReadFrame() (*Frame, error) {
	for {
		messageType, message, err := t.conn.ReadMessage()
		if err != nil {
			return nil, err
		}
		switch messageType {
		case websocket.BinaryMessage:
			return UnmarshalFrame(message)
		case websocket.TextMessage:
			return nil, fmt.Errorf("%w: text websocket message", errors.ErrInvalidFrame)
		}
	}
}

// WriteFrame implements Transport.
func (t *WebsocketTransport) WriteFrame(f *Frame) error {
	body := f.Marshal()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.conn.SetWriteDeadline(time.Now().Add(t.settings.WriteTimeout))
	if err := t.conn.WriteMessage(websocket.BinaryMessage, body); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// Close sends a close message and closes the connection.
func (t *WebsocketTransport) Close() error {
	t.closeOnce.Do(func() {
		t.writeMu.Lock()
		deadline := time.Now().Add(time.Second)
		_ = t.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		t.writeMu.Unlock()
		t.closeErr = t.conn.Close()
	})
	return t.closeErr
}

// IsNormalClose reports whether err is an orderly websocket close.
func IsNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway)
}
