package util

import (
	"testing"
	"time"
)

func TestParseBoolEnv(t *testing.T) {
	tests := []struct {
		val  string
		def  bool
		want bool
	}{
		{"", true, true},
		{"yes", false, true},
		{"OFF", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("CHECKIN_TEST_BOOL", tt.val)
		if got := ParseBoolEnv("CHECKIN_TEST_BOOL", tt.def); got != tt.want {
			t.Errorf("ParseBoolEnv(%q, %v) = %v, want %v", tt.val, tt.def, got, tt.want)
		}
	}
}

func TestParseIntEnv(t *testing.T) {
	tests := []struct {
		val  string
		want int
	}{
		{"", 10},
		{"25", 25},
		{"-3", 10},
		{"ten", 10},
	}
	for _, tt := range tests {
		t.Setenv("CHECKIN_TEST_INT", tt.val)
		if got := ParseIntEnv("CHECKIN_TEST_INT", 10); got != tt.want {
			t.Errorf("ParseIntEnv(%q) = %d, want %d", tt.val, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		val  string
		want time.Duration
	}{
		{"", 45 * time.Second},
		{"30", 30 * time.Second},
		{"2m", 2 * time.Minute},
		{"0", 45 * time.Second},
		{"soon", 45 * time.Second},
	}
	for _, tt := range tests {
		t.Setenv("CHECKIN_TEST_DURATION", tt.val)
		if got := ParseDurationEnv("CHECKIN_TEST_DURATION", 45*time.Second); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.val, got, tt.want)
		}
	}
}

func TestGetEnvDefault(t *testing.T) {
	t.Setenv("CHECKIN_TEST_STR", "")
	if got := GetEnvDefault("CHECKIN_TEST_STR", "fallback"); got != "fallback" {
		t.Errorf("Expected fallback, got %q", got)
	}
	t.Setenv("CHECKIN_TEST_STR", " value ")
	if got := GetEnvDefault("CHECKIN_TEST_STR", "fallback"); got != "value" {
		t.Errorf("Expected trimmed value, got %q", got)
	}
}
