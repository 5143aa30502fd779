package mcp

import "testing"

func TestNegotiateProtocolVersion(t *testing.T) {
	tests := map[string]string{
		"2025-06-18": "2025-06-18",
		"2025-03-26": "2025-03-26",
		"2024-11-05": "2024-11-05",
		"1999-01-01": LatestProtocolVersion,
		"":           LatestProtocolVersion,
	}
	for requested, want := range tests {
		if got := NegotiateProtocolVersion(requested); got != want {
			t.Fatalf("NegotiateProtocolVersion(%q): want %q got %q", requested, want, got)
		}
	}
}

func TestLoggingLevelAtLeast(t *testing.T) {
	if !LoggingLevelError.AtLeast(LoggingLevelWarning) {
		t.Fatalf("error should pass a warning threshold")
	}
	if LoggingLevelDebug.AtLeast(LoggingLevelInfo) {
		t.Fatalf("debug should not pass an info threshold")
	}
	if LoggingLevel("loud").AtLeast(LoggingLevelDebug) {
		t.Fatalf("unknown levels must never pass")
	}
}
