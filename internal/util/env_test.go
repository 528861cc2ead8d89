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
		{"ON", false, true},
		{"0", true, false},
		{"maybe", true, true},
	}
	for _, tt := range tests {
		t.Setenv("FORMPIPE_TEST_BOOL", tt.val)
		if got := ParseBoolEnv("FORMPIPE_TEST_BOOL", tt.def); got != tt.want {
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
		{" 7 ", 7},
		{"-3", 10},
		{"ten", 10},
	}
	for _, tt := range tests {
		t.Setenv("FORMPIPE_TEST_INT", tt.val)
		if got := ParseIntEnv("FORMPIPE_TEST_INT", 10); got != tt.want {
			t.Errorf("ParseIntEnv(%q) = %d, want %d", tt.val, got, tt.want)
		}
	}
}

func TestParseDurationEnv(t *testing.T) {
	tests := []struct {
		val  string
		want time.Duration
	}{
		{"", time.Minute},
		{"45", 45 * time.Second},
		{"2h", 2 * time.Hour},
		{"1m30s", 90 * time.Second},
		{"-5s", time.Minute},
		{"soon", time.Minute},
	}
	for _, tt := range tests {
		t.Setenv("FORMPIPE_TEST_DURATION", tt.val)
		if got := ParseDurationEnv("FORMPIPE_TEST_DURATION", time.Minute); got != tt.want {
			t.Errorf("ParseDurationEnv(%q) = %v, want %v", tt.val, got, tt.want)
		}
	}
}
