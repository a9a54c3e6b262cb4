package config

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateVersion(t *testing.T) {
	tests := []struct {
		version int
		reason  string
	}{
		{CurrentVersion, ""},
		{0, "missing"},
		{-1, "missing"},
		{CurrentVersion + 1, "newer than this build"},
	}
	for _, tt := range tests {
		err := ValidateVersion(tt.version)
		if tt.reason == "" {
			if err != nil {
				t.Errorf("ValidateVersion(%d) = %v", tt.version, err)
			}
			continue
		}
		var ve *VersionError
		if !errors.As(err, &ve) {
			t.Fatalf("ValidateVersion(%d) = %T, want *VersionError", tt.version, err)
		}
		if ve.Reason != tt.reason {
			t.Errorf("ValidateVersion(%d) reason = %q, want %q", tt.version, ve.Reason, tt.reason)
		}
	}
}

func TestVersionErrorMessages(t *testing.T) {
	var nilErr *VersionError
	if got := nilErr.Error(); got != "" {
		t.Fatalf("nil VersionError = %q", got)
	}
	if msg := (&VersionError{Version: 2, Current: 1, Reason: "newer than this build"}).Error(); !strings.Contains(msg, "upgrade") {
		t.Errorf("newer message = %q", msg)
	}
	if msg := (&VersionError{Version: 0, Current: 1}).Error(); msg == "" {
		t.Error("expected non-empty message for empty reason")
	}
}
