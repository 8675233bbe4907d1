package errors

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestSeverity_String(t *testing.T) {
	tests := []struct {
		severity Severity
		want     string
	}{
		{SeverityDebug, "debug"},
		{SeverityInfo, "info"},
		{SeverityWarning, "warning"},
		{SeverityError, "error"},
		{SeverityCritical, "critical"},
		{Severity(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.severity.String(); got != tt.want {
				t.Errorf("Severity.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLinkError(t *testing.T) {
	err := NewLinkError("connect failed", ErrPortNotFound).WithPort("db").WithGlobal(true)

	want := "link error [port=db, global]: connect failed: no such port"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if !Is(err, ErrPortNotFound) {
		t.Error("LinkError should match its cause")
	}
	if !err.IsRetryable() {
		t.Error("PortNotFound should be retryable")
	}

	closed := NewLinkError("request aborted", ErrLinkClosed).WithLink("01ABC")
	if closed.IsRetryable() {
		t.Error("LinkClosed should not be retryable")
	}
	if !strings.Contains(closed.Error(), "link=01ABC") {
		t.Errorf("Error() = %q, want link id", closed.Error())
	}
}

func TestLinkError_WrappedStillMatches(t *testing.T) {
	err := fmt.Errorf("outer: %w", NewLinkError("closing", ErrLinkClosed))

	if !Is(err, ErrLinkClosed) {
		t.Error("wrapped LinkError should match ErrLinkClosed")
	}
	var linkErr *LinkError
	if !As(err, &linkErr) {
		t.Error("As should find the LinkError")
	}
}

func TestRemoteException(t *testing.T) {
	err := NewRemoteException(errors.New("division by zero"), 7)

	if err.MsgID != 7 {
		t.Errorf("MsgID = %d, want 7", err.MsgID)
	}
	if !strings.Contains(err.Error(), "division by zero") {
		t.Errorf("Error() = %q, want remote message", err.Error())
	}
	if Is(err, ErrLinkClosed) {
		t.Error("RemoteException should not match LinkClosed")
	}
	if Kind(err) != "RemoteException" {
		t.Errorf("Kind() = %q, want RemoteException", Kind(err))
	}
}

func TestRemoteException_KeepsInnerStack(t *testing.T) {
	inner := &RemoteException{Message: "inner", Stack: "at worker", Kind: "TypeError"}
	err := NewRemoteException(fmt.Errorf("wrapped: %w", inner), 3)

	if err.Stack != "at worker" || err.Kind != "TypeError" {
		t.Errorf("NewRemoteException lost context: %+v", err)
	}
}

func TestWorkerCrashError(t *testing.T) {
	err := NewWorkerCrashError("w1", 1, errors.New("boom")).WithStack("goroutine 1")

	if !Is(err, ErrWorkerCrash) {
		t.Error("WorkerCrashError should match ErrWorkerCrash")
	}
	want := "worker exited [worker=w1, code=1]: boom"
	if err.Error() != want {
		t.Errorf("Error() = %q, want %q", err.Error(), want)
	}
	if Kind(fmt.Errorf("pool: %w", err)) != "WorkerCrash" {
		t.Error("Kind should see through wrapping")
	}
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("worker call", 30*time.Second)

	if !Is(err, ErrTimeout) {
		t.Error("TimeoutError should match ErrTimeout")
	}
	if !IsRetryable(err) {
		t.Error("TimeoutError should be retryable")
	}
	if GetSeverity(err) != SeverityWarning {
		t.Errorf("GetSeverity() = %v, want warning", GetSeverity(err))
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", New("x"), false},
		{"port not found sentinel", ErrPortNotFound, true},
		{"timeout sentinel", ErrTimeout, true},
		{"link closed", NewLinkError("x", ErrLinkClosed), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrap(t *testing.T) {
	if Wrap(nil, "x") != nil {
		t.Error("Wrap(nil) should be nil")
	}
	err := Wrapf(ErrPortNotFound, "connect %s", "a")
	if err.Error() != "connect a: no such port" {
		t.Errorf("Wrapf() = %q", err.Error())
	}
	if !Is(err, ErrPortNotFound) {
		t.Error("Wrapf should preserve the chain")
	}
}
