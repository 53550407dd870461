package errors

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestValidationErrorCarriesContext(t *testing.T) {
	cause := New("too big")
	err := NewValidationError("value rejected").
		WithAttr("count").
		WithValue(101).
		WithCause(cause)

	msg := err.Error()
	for _, want := range []string{"value rejected", "count", "101"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
	if !Is(err, cause) {
		t.Error("the cause must unwrap")
	}

	var valErr *ValidationError
	if !As(error(err), &valErr) {
		t.Error("As must match the concrete type")
	}
}

func TestConfigurationErrorMatchesByType(t *testing.T) {
	a := NewConfigurationError("missing piece").WithComponent("scheduler").WithMissing("owner")
	b := NewConfigurationError("other")

	if !Is(a, b) {
		t.Error("configuration errors must match each other via Is")
	}
	if Is(a, NewValidationError("x")) {
		t.Error("different taxonomy types must not match")
	}
}

func TestWrapPreservesSentinels(t *testing.T) {
	err := Wrapf(ErrAttrNotFound, "get %q", "color")
	if !Is(err, ErrAttrNotFound) {
		t.Error("wrapping must preserve the sentinel")
	}
	if !strings.Contains(err.Error(), "color") {
		t.Errorf("wrapped message = %q", err.Error())
	}
	if Wrap(nil, "nothing") != nil {
		t.Error("wrapping nil must stay nil")
	}
}

func TestIsCancellation(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{nil, false},
		{context.Canceled, true},
		{ErrTaskCancelled, true},
		{fmt.Errorf("shutting down: %w", context.Canceled), true},
		{Wrap(ErrTaskCancelled, "task stopped"), true},
		{New("boom"), false},
		{context.DeadlineExceeded, false},
	}
	for _, tt := range tests {
		if got := IsCancellation(tt.err); got != tt.want {
			t.Errorf("IsCancellation(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}

func TestSeverity(t *testing.T) {
	if got := GetSeverity(NewValidationError("x")); got != SeverityWarning {
		t.Errorf("validation severity = %v, want warning", got)
	}
	if got := GetSeverity(NewConfigurationError("x")); got != SeverityError {
		t.Errorf("configuration severity = %v, want error", got)
	}
	if got := GetSeverity(New("plain")); got != SeverityError {
		t.Errorf("plain severity = %v, want error", got)
	}
	if got := GetSeverity(nil); got != SeverityDebug {
		t.Errorf("nil severity = %v, want debug", got)
	}
}

func TestTimeoutError(t *testing.T) {
	err := NewTimeoutError("waiting for 2 task(s)", 30*time.Second)
	if !Is(err, ErrTimeout) {
		t.Error("timeout errors must match the ErrTimeout sentinel")
	}
	if !strings.Contains(err.Error(), "30s") {
		t.Errorf("message = %q, want the duration included", err.Error())
	}
}

func TestBrokenLinkErrorMessage(t *testing.T) {
	err := NewBrokenLinkError("a.out", "b.in", 5, 7)
	msg := err.Error()
	for _, want := range []string{"a.out", "b.in", "5", "7"} {
		if !strings.Contains(msg, want) {
			t.Errorf("message %q missing %q", msg, want)
		}
	}
}

func TestTaskErrorCarriesIdentity(t *testing.T) {
	cause := New("boom")
	err := NewTaskError("task failed", cause).WithTaskID("01H").WithKey("refresh")
	if !Is(err, cause) {
		t.Error("the cause must unwrap")
	}
	msg := err.Error()
	if !strings.Contains(msg, "refresh") {
		t.Errorf("message %q missing the key", msg)
	}
}
