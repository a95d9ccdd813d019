package smtp

import (
	"strings"
	"testing"
)

func TestCountReceivedHeaders(t *testing.T) {
	tests := []struct {
		name string
		data string
		want int
	}{
		{
			name: "no trace headers",
			data: "From: a@example.com\r\nTo: b@example.org\r\n\r\nbody",
			want: 0,
		},
		{
			name: "two hops",
			data: "Received: from a by b\r\nReceived: from c by d\r\nFrom: x\r\n\r\nbody",
			want: 2,
		},
		{
			name: "case insensitive",
			data: "RECEIVED: from a by b\r\nreceived: from c by d\r\n\r\n",
			want: 2,
		},
		{
			name: "body lines not counted",
			data: "From: a@example.com\r\n\r\nReceived: from a by b\r\n",
			want: 0,
		},
		{
			name: "lf only line endings",
			data: "Received: from a by b\nFrom: x\n\nbody",
			want: 1,
		},
		{
			name: "empty message",
			data: "",
			want: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := countReceivedHeaders([]byte(tt.data)); got != tt.want {
				t.Errorf("countReceivedHeaders = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestReceivedHeader(t *testing.T) {
	srv := &Server{name: "test", hostname: "mx.example.com"}

	tests := []struct {
		name          string
		esmtp         bool
		isTLS         bool
		authenticated bool
		wantProto     string
	}{
		{name: "plain smtp", wantProto: "with SMTP id"},
		{name: "esmtp", esmtp: true, wantProto: "with ESMTP id"},
		{name: "esmtp over tls", esmtp: true, isTLS: true, wantProto: "with ESMTPS id"},
		{name: "authenticated submission", esmtp: true, isTLS: true, authenticated: true, wantProto: "with ESMTPSA id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, _ := testSession(srv)
			s.heloName = "client.example.net"
			s.esmtp = tt.esmtp
			s.isTLS = tt.isTLS
			s.authenticated = tt.authenticated

			header := string(s.receivedHeader("abc-123"))

			if !strings.HasPrefix(header, "Received: from client.example.net ([192.0.2.1])\r\n") {
				t.Errorf("header does not open with the client identity:\n%s", header)
			}
			if !strings.Contains(header, "by mx.example.com "+tt.wantProto+" abc-123;") {
				t.Errorf("header missing %q:\n%s", tt.wantProto, header)
			}
			if !strings.HasSuffix(header, "\r\n") {
				t.Errorf("header not CRLF terminated: %q", header)
			}
		})
	}
}
