package smtp

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"strings"
	"testing"
)

// testSession returns a session whose replies land in the returned buffer.
// Handlers that never touch the network connection are testable this way.
func testSession(srv *Server) (*session, *bytes.Buffer) {
	var buf bytes.Buffer
	return &session{
		server:   srv,
		writer:   bufio.NewWriter(&buf),
		remoteIP: "192.0.2.1",
		state:    stateInit,
	}, &buf
}

func TestStateMask(t *testing.T) {
	tests := []struct {
		mask  stateMask
		state sessionState
		want  bool
	}{
		{anyState, stateInit, true},
		{anyState, stateRcptSet, true},
		{postHello, stateInit, false},
		{postHello, stateGreeted, true},
		{inGreeted, stateMailSet, false},
		{inMailSet | inRcptSet, stateMailSet, true},
		{inMailSet | inRcptSet, stateRcptSet, true},
		{inRcptSet, stateMailSet, false},
	}
	for _, tt := range tests {
		if got := tt.mask.contains(tt.state); got != tt.want {
			t.Errorf("mask %b contains %v = %v, want %v", tt.mask, tt.state, got, tt.want)
		}
	}
}

func TestCommandTableSequencing(t *testing.T) {
	// The commands that drive a mail transaction must only be valid in
	// the states RFC 5321 permits.
	tests := []struct {
		verb    string
		valid   []sessionState
		invalid []sessionState
	}{
		{"MAIL", []sessionState{stateGreeted}, []sessionState{stateInit, stateMailSet, stateRcptSet}},
		{"RCPT", []sessionState{stateMailSet, stateRcptSet}, []sessionState{stateInit, stateGreeted}},
		{"DATA", []sessionState{stateRcptSet}, []sessionState{stateInit, stateGreeted, stateMailSet}},
		{"AUTH", []sessionState{stateGreeted}, []sessionState{stateInit, stateMailSet, stateRcptSet}},
		{"EHLO", []sessionState{stateInit, stateGreeted, stateMailSet, stateRcptSet}, nil},
		{"QUIT", []sessionState{stateInit, stateGreeted, stateMailSet, stateRcptSet}, nil},
	}

	for _, tt := range tests {
		cmd, ok := commandTable[tt.verb]
		if !ok {
			t.Fatalf("command %s missing from table", tt.verb)
		}
		for _, st := range tt.valid {
			if !cmd.states.contains(st) {
				t.Errorf("%s should be valid in %v", tt.verb, st)
			}
		}
		for _, st := range tt.invalid {
			if cmd.states.contains(st) {
				t.Errorf("%s should be rejected in %v", tt.verb, st)
			}
		}
	}
}

func TestHandleEhlo(t *testing.T) {
	srv := &Server{
		name:           "test",
		hostname:       "mx.example.com",
		maxMessageSize: 1024,
		tlsConfig:      &tls.Config{},
	}
	s, buf := testSession(srv)

	if !s.handleEhlo("client.example.net") {
		t.Fatal("handleEhlo ended the session")
	}
	if s.state != stateGreeted {
		t.Errorf("state = %v, want GREETED", s.state)
	}
	if s.heloName != "client.example.net" || !s.esmtp {
		t.Errorf("greeting not recorded: helo=%q esmtp=%v", s.heloName, s.esmtp)
	}

	out := buf.String()
	for _, want := range []string{
		"250-mx.example.com Hello client.example.net [192.0.2.1]\r\n",
		"250-SIZE 1024\r\n",
		"250-PIPELINING\r\n",
		"250-8BITMIME\r\n",
		"250-STARTTLS\r\n",
		"250 ENHANCEDSTATUSCODES\r\n",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("EHLO reply missing %q in:\n%s", want, out)
		}
	}
	// No auth configured on this listener.
	if strings.Contains(out, "AUTH") {
		t.Errorf("EHLO advertised AUTH on a relay listener:\n%s", out)
	}
	// The last line carries a space separator, every other a hyphen.
	if !strings.HasSuffix(out, "250 ENHANCEDSTATUSCODES\r\n") {
		t.Errorf("EHLO reply does not end with the final 250 line:\n%s", out)
	}
}

func TestHandleEhloAuthAdvertisement(t *testing.T) {
	tests := []struct {
		name           string
		requireAuth    bool
		authRequireTLS bool
		isTLS          bool
		wantAuth       bool
	}{
		{name: "relay listener never offers auth", requireAuth: false, wantAuth: false},
		{name: "submission offers auth", requireAuth: true, wantAuth: true},
		{name: "tls-first hides auth on plaintext", requireAuth: true, authRequireTLS: true, wantAuth: false},
		{name: "tls-first offers auth after upgrade", requireAuth: true, authRequireTLS: true, isTLS: true, wantAuth: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := &Server{
				name:           "test",
				hostname:       "mx.example.com",
				maxMessageSize: 1024,
				requireAuth:    tt.requireAuth,
				authRequireTLS: tt.authRequireTLS,
			}
			s, buf := testSession(srv)
			s.isTLS = tt.isTLS

			s.handleEhlo("client.example.net")
			got := strings.Contains(buf.String(), "250-AUTH PLAIN LOGIN\r\n")
			if got != tt.wantAuth {
				t.Errorf("AUTH advertised = %v, want %v", got, tt.wantAuth)
			}
		})
	}
}

func TestHandleEhloEmptyArg(t *testing.T) {
	srv := &Server{name: "test", hostname: "mx.example.com"}
	s, buf := testSession(srv)

	if !s.handleEhlo("") {
		t.Fatal("first syntax error ended the session")
	}
	if !strings.Contains(buf.String(), "501") {
		t.Errorf("empty EHLO not rejected with 501: %s", buf.String())
	}
	if s.state != stateInit {
		t.Errorf("state advanced on a rejected EHLO: %v", s.state)
	}
}

func TestHandleHelo(t *testing.T) {
	srv := &Server{name: "test", hostname: "mx.example.com"}
	s, buf := testSession(srv)

	s.handleHelo("legacy.example.net")
	if s.esmtp {
		t.Error("HELO session marked as ESMTP")
	}
	if s.state != stateGreeted {
		t.Errorf("state = %v, want GREETED", s.state)
	}
	if got := buf.String(); got != "250 mx.example.com\r\n" {
		t.Errorf("HELO reply = %q", got)
	}
}

func TestResetTransaction(t *testing.T) {
	srv := &Server{name: "test", hostname: "mx.example.com"}
	s, _ := testSession(srv)
	s.state = stateRcptSet
	s.heloName = "client.example.net"
	s.authenticated = true
	s.sender = "a@example.com"
	s.recipients = []string{"b@example.org"}

	s.resetTransaction()

	if s.sender != "" || s.recipients != nil {
		t.Error("transaction state not cleared")
	}
	if s.state != stateGreeted {
		t.Errorf("state = %v, want GREETED", s.state)
	}
	// Greeting and auth survive RSET.
	if s.heloName != "client.example.net" || !s.authenticated {
		t.Error("resetTransaction cleared greeting or auth state")
	}
}

func TestSyntaxErrorCap(t *testing.T) {
	srv := &Server{name: "test", hostname: "mx.example.com"}
	s, buf := testSession(srv)

	for i := 0; i < 2; i++ {
		if !s.syntaxError("500 5.5.2 Syntax error") {
			t.Fatalf("session closed after %d syntax errors", i+1)
		}
	}
	if s.syntaxError("500 5.5.2 Syntax error") {
		t.Error("session survived the syntax error cap")
	}
	if !strings.Contains(buf.String(), "421 4.7.0 Too many errors") {
		t.Errorf("cap reply missing: %s", buf.String())
	}
}

func TestHandleQuit(t *testing.T) {
	srv := &Server{name: "test", hostname: "mx.example.com"}
	s, buf := testSession(srv)

	if s.handleQuit("") {
		t.Error("QUIT kept the session open")
	}
	if got := buf.String(); got != "221 2.0.0 mx.example.com closing connection\r\n" {
		t.Errorf("QUIT reply = %q", got)
	}
}

func TestReplyMultiline(t *testing.T) {
	srv := &Server{name: "test", hostname: "mx.example.com"}
	s, buf := testSession(srv)

	s.replyMultiline("250", []string{"first", "second", "last"})
	want := "250-first\r\n250-second\r\n250 last\r\n"
	if got := buf.String(); got != want {
		t.Errorf("replyMultiline = %q, want %q", got, want)
	}
}
