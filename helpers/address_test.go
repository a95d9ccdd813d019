package helpers

import (
	"testing"
)

func TestSplitEmailAddress(t *testing.T) {
	tests := []struct {
		name       string
		input      string
		wantLocal  string
		wantDomain string
		wantErr    bool
	}{
		{
			name:       "simple address",
			input:      "user@example.com",
			wantLocal:  "user",
			wantDomain: "example.com",
		},
		{
			name:       "address is lowercased",
			input:      "User@Example.COM",
			wantLocal:  "user",
			wantDomain: "example.com",
		},
		{
			name:       "surrounding whitespace trimmed",
			input:      "  user@example.com  ",
			wantLocal:  "user",
			wantDomain: "example.com",
		},
		{
			name:       "quoted local part with at sign",
			input:      `"a@b"@example.com`,
			wantLocal:  `"a@b"`,
			wantDomain: "example.com",
		},
		{
			name:    "missing domain",
			input:   "user@",
			wantErr: true,
		},
		{
			name:    "missing local part",
			input:   "@example.com",
			wantErr: true,
		},
		{
			name:    "no at sign",
			input:   "userexample.com",
			wantErr: true,
		},
		{
			name:    "empty string",
			input:   "",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			local, domain, err := SplitEmailAddress(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("SplitEmailAddress(%q) expected error, got %q/%q", tt.input, local, domain)
				}
				return
			}
			if err != nil {
				t.Fatalf("SplitEmailAddress(%q) unexpected error: %v", tt.input, err)
			}
			if local != tt.wantLocal {
				t.Errorf("local = %q, want %q", local, tt.wantLocal)
			}
			if domain != tt.wantDomain {
				t.Errorf("domain = %q, want %q", domain, tt.wantDomain)
			}
		})
	}
}

func TestDomain(t *testing.T) {
	if got := Domain("user@example.com"); got != "example.com" {
		t.Errorf("Domain = %q, want example.com", got)
	}
	if got := Domain("not-an-address"); got != "" {
		t.Errorf("Domain of malformed address = %q, want empty", got)
	}
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    string
		wantErr bool
	}{
		{
			name:  "normal path",
			input: "<user@example.com>",
			want:  "user@example.com",
		},
		{
			name:  "null return path",
			input: "<>",
			want:  "",
		},
		{
			name:  "source route stripped",
			input: "<@relay.example.org:user@example.com>",
			want:  "user@example.com",
		},
		{
			name:    "missing brackets",
			input:   "user@example.com",
			wantErr: true,
		},
		{
			name:    "unterminated",
			input:   "<user@example.com",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParsePath(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParsePath(%q) expected error, got %q", tt.input, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParsePath(%q) unexpected error: %v", tt.input, err)
			}
			if got != tt.want {
				t.Errorf("ParsePath(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}
