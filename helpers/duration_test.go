package helpers

import (
	"testing"
	"time"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    time.Duration
		wantErr bool
	}{
		{name: "hours", input: "2h", want: 2 * time.Hour},
		{name: "minutes", input: "30m", want: 30 * time.Minute},
		{name: "composite", input: "1h30m", want: 90 * time.Minute},
		{name: "days suffix", input: "7d", want: 7 * 24 * time.Hour},
		{name: "fractional days", input: "1.5d", want: 36 * time.Hour},
		{name: "whitespace trimmed", input: " 5s ", want: 5 * time.Second},
		{name: "empty", input: "", wantErr: true},
		{name: "garbage", input: "sevendays", wantErr: true},
		{name: "bare number", input: "42", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseDuration(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseDuration(%q) expected error, got %v", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseDuration(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParseDuration(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
