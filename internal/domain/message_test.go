package domain

import (
	"testing"
)

func TestBaseCorrelation(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"abc123", "abc123"},
		{"abc123::tool_call::1", "abc123"},
		{"abc123::status", "abc123"},
		{"", ""},
		{"::leading", ""},
	}
	for _, c := range cases {
		if got := BaseCorrelation(c.in); got != c.want {
			t.Errorf("BaseCorrelation(%q) = %q, want %q", c.in, got, c.want)
		}
	}
}

func TestMessageStatusForwardOnly(t *testing.T) {
	if !StatusPending.CanAdvanceTo(StatusProcessing) {
		t.Error("pending should advance to processing")
	}
	if !StatusTyping.CanAdvanceTo(StatusReady) {
		t.Error("typing should advance to ready")
	}
	if !StatusTyping.CanAdvanceTo(StatusTyping) {
		t.Error("repeated typing chunks should be allowed")
	}
	if StatusReady.CanAdvanceTo(StatusTyping) {
		t.Error("ready must never move back to typing")
	}
	if StatusProcessing.CanAdvanceTo(StatusPending) {
		t.Error("processing must never move back to pending")
	}
	if !StatusProcessing.CanAdvanceTo(StatusError) {
		t.Error("any status may jump to error")
	}
}

func TestMessageStatusFinal(t *testing.T) {
	for _, s := range []MessageStatus{StatusPending, StatusProcessing, StatusTyping} {
		if s.Final() {
			t.Errorf("%s should not be final", s)
		}
	}
	if !StatusReady.Final() || !StatusError.Final() {
		t.Error("ready and error are final statuses")
	}
}
