package config

import (
	"testing"
	"time"
)

func TestDuration(t *testing.T) {
	tests := []struct {
		value    string
		fallback time.Duration
		want     time.Duration
	}{
		{"15ms", time.Second, 15 * time.Millisecond},
		{"5m", time.Second, 5 * time.Minute},
		{"1d", time.Second, 24 * time.Hour},
		{"", 42 * time.Second, 42 * time.Second},
		{"garbage", 3 * time.Second, 3 * time.Second},
	}

	for _, tt := range tests {
		if got := Duration(tt.value, tt.fallback); got != tt.want {
			t.Errorf("Duration(%q) = %v, want %v", tt.value, got, tt.want)
		}
	}
}
