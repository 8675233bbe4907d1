package logsink

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Iron-Ham/bridge/internal/bridge"
	"github.com/Iron-Ham/bridge/internal/errors"
	"github.com/Iron-Ham/bridge/internal/logging"
)

// syncBuffer is a bytes.Buffer safe for one writer and one reader.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) records(t *testing.T) []logging.Record {
	t.Helper()
	b.mu.Lock()
	defer b.mu.Unlock()
	recs, err := logging.DecodeRecords(bytes.NewReader(b.buf.Bytes()))
	if err != nil {
		t.Fatalf("DecodeRecords() error = %v", err)
	}
	return recs
}

func testContext(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func requireIdle(t *testing.T, bc *bridge.Context) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := bc.Ledger().WaitIdle(ctx); err != nil {
		t.Fatalf("ledger = %d %v, want 0", bc.Ledger().Count(), bc.Ledger().Reasons())
	}
}

func TestSink_DeliversFilteredRecords(t *testing.T) {
	bc := bridge.New()
	defer bc.Close()
	ctx := testContext(t)

	var out syncBuffer
	srv, err := Serve(ctx, bc, ServerOptions{
		Channels: []string{"app.*"},
		Out:      logging.NewWithWriter(&out, "debug"),
	})
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}

	sink := New(bc, Options{})
	sink.Log("app.start", map[string]int{"pid": 42})
	sink.Log("noise", "dropped")
	sink.Log("app.stop", map[string]string{"reason": "done"})
	if err := sink.FlushLog(ctx, "app.stop"); err != nil {
		t.Fatalf("FlushLog() error = %v", err)
	}

	recs := out.records(t)
	if len(recs) != 2 {
		t.Fatalf("records = %d, want 2: %+v", len(recs), recs)
	}
	if recs[0].Channel != "app.start" || recs[1].Channel != "app.stop" {
		t.Errorf("channels = %q, %q, want app.start, app.stop", recs[0].Channel, recs[1].Channel)
	}
	data, ok := recs[0].Fields["data"].(map[string]any)
	if !ok || data["pid"] != float64(42) {
		t.Errorf("data = %v, want pid 42", recs[0].Fields["data"])
	}
	if id, _ := recs[0].Fields["record_id"].(string); id == "" {
		t.Error("record_id is empty")
	}

	st := srv.Stats()
	if st.Written != 2 || st.Filtered != 1 || st.Flushes != 1 || st.Links != 1 {
		t.Errorf("Stats() = %+v, want 2 written, 1 filtered, 1 flush, 1 link", st)
	}

	sink.Close()
	srv.Close()
	requireIdle(t, bc)
}

func TestSink_NoServer(t *testing.T) {
	bc := bridge.New()
	defer bc.Close()

	sink := New(bc, Options{Port: "nobody"})
	defer sink.Close()
	sink.Log("app", 1)

	err := sink.FlushLog(testContext(t), "app")
	if !errors.Is(err, errors.ErrPortNotFound) {
		t.Errorf("FlushLog() error = %v, want ErrPortNotFound", err)
	}
	requireIdle(t, bc)
}

func TestSink_ReconnectsAfterServerRestart(t *testing.T) {
	bc := bridge.New()
	defer bc.Close()
	ctx := testContext(t)

	var first, second syncBuffer
	srv, err := Serve(ctx, bc, ServerOptions{Out: logging.NewWithWriter(&first, "info")})
	if err != nil {
		t.Fatalf("Serve() error = %v", err)
	}
	sink := New(bc, Options{})
	defer sink.Close()

	sink.Log("a", 1)
	if err := sink.FlushLog(ctx, "a"); err != nil {
		t.Fatalf("FlushLog() error = %v", err)
	}
	srv.Close()

	srv, err = Serve(ctx, bc, ServerOptions{Out: logging.NewWithWriter(&second, "info")})
	if err != nil {
		t.Fatalf("second Serve() error = %v", err)
	}
	defer srv.Close()

	// The first flush after the restart may still see the old link.
	deadline := time.Now().Add(2 * time.Second)
	for {
		sink.Log("b", 2)
		if sink.FlushLog(ctx, "b") == nil && len(second.records(t)) > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("records never reached the restarted server")
		}
		time.Sleep(10 * time.Millisecond)
	}
	if n := len(first.records(t)); n != 1 {
		t.Errorf("first server records = %d, want 1", n)
	}
}

func TestSink_ClosedRejectsFlush(t *testing.T) {
	bc := bridge.New()
	defer bc.Close()

	sink := New(bc, Options{})
	sink.Close()
	sink.Close()
	sink.Log("after", "close")

	if err := sink.FlushLog(testContext(t), "after"); err == nil {
		t.Error("FlushLog() after Close = nil, want error")
	}
	requireIdle(t, bc)
}

func TestServe_InvalidChannel(t *testing.T) {
	bc := bridge.New()
	defer bc.Close()

	if _, err := Serve(testContext(t), bc, ServerOptions{Channels: []string{"[bad"}}); err == nil {
		t.Error("Serve() with bad pattern = nil, want error")
	}
	requireIdle(t, bc)
}
