package policy

import (
	"errors"
	"net"
	"testing"

	"github.com/rishavghosh108/mrx-mta/consts"
	"github.com/rishavghosh108/mrx-mta/db"
)

func TestAddrListMatchIP(t *testing.T) {
	l := newAddrList([]db.ListEntry{
		{Kind: db.ListKindIP, Value: "192.0.2.1"},
		{Kind: db.ListKindIP, Value: "2001:db8::1"},
	})

	if !l.matchIP("192.0.2.1") {
		t.Error("listed IPv4 did not match")
	}
	if !l.matchIP("2001:db8::1") {
		t.Error("listed IPv6 did not match")
	}
	if l.matchIP("192.0.2.2") {
		t.Error("unlisted IP matched")
	}
}

func TestAddrListMatchDomain(t *testing.T) {
	l := newAddrList([]db.ListEntry{
		{Kind: db.ListKindDomain, Value: "Example.COM"},
	})

	tests := []struct {
		domain string
		want   bool
	}{
		{"example.com", true},
		{"EXAMPLE.COM", true},            // case folded
		{"mail.example.com", true},       // subdomain
		{"deep.mail.example.com", true},  // nested subdomain
		{"notexample.com", false},        // suffix without the dot boundary
		{"example.org", false},
	}
	for _, tt := range tests {
		if got := l.matchDomain(tt.domain); got != tt.want {
			t.Errorf("matchDomain(%q) = %v, want %v", tt.domain, got, tt.want)
		}
	}
}

func relayTestEngine(t *testing.T, domains []string, networks []string) *Engine {
	t.Helper()
	e := &Engine{relayDomains: make(map[string]struct{})}
	for _, d := range domains {
		e.relayDomains[d] = struct{}{}
	}
	for _, cidr := range networks {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			t.Fatal(err)
		}
		e.relayNetworks = append(e.relayNetworks, ipnet)
	}
	return e
}

func TestCheckRelay(t *testing.T) {
	e := relayTestEngine(t, []string{"example.com"}, []string{"10.0.0.0/8"})

	tests := []struct {
		name          string
		ip            string
		domain        string
		authenticated bool
		wantDenied    bool
	}{
		{name: "authenticated relays anywhere", ip: "203.0.113.1", domain: "elsewhere.net", authenticated: true},
		{name: "local domain accepted unauthenticated", ip: "203.0.113.1", domain: "example.com"},
		{name: "local domain case folded", ip: "203.0.113.1", domain: "EXAMPLE.com"},
		{name: "trusted network relays anywhere", ip: "10.20.30.40", domain: "elsewhere.net"},
		{name: "foreign domain from untrusted IP denied", ip: "203.0.113.1", domain: "elsewhere.net", wantDenied: true},
		{name: "subdomain of local domain denied", ip: "203.0.113.1", domain: "sub.example.com", wantDenied: true},
		{name: "unparseable IP denied", ip: "not-an-ip", domain: "elsewhere.net", wantDenied: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := e.CheckRelay(tt.ip, tt.domain, tt.authenticated)
			if tt.wantDenied {
				if !errors.Is(err, consts.ErrRelayDenied) {
					t.Errorf("CheckRelay = %v, want ErrRelayDenied", err)
				}
				return
			}
			if err != nil {
				t.Errorf("CheckRelay = %v, want nil", err)
			}
		})
	}
}

func TestCheckConnectLists(t *testing.T) {
	e := &Engine{
		blacklist: newAddrList([]db.ListEntry{{Kind: db.ListKindIP, Value: "192.0.2.66"}}),
		whitelist: newAddrList([]db.ListEntry{{Kind: db.ListKindIP, Value: "192.0.2.66"}}),
		listsOK:   true,
	}

	// Whitelist wins over blacklist for the same IP.
	if err := e.CheckConnect("192.0.2.66"); err != nil {
		t.Errorf("whitelisted IP rejected: %v", err)
	}

	e.whitelist = newAddrList(nil)
	if err := e.CheckConnect("192.0.2.66"); !errors.Is(err, consts.ErrPolicyBlacklist) {
		t.Errorf("blacklisted IP not rejected: %v", err)
	}
	if err := e.CheckConnect("192.0.2.1"); err != nil {
		t.Errorf("clean IP rejected: %v", err)
	}

	// Before the first list refresh everything is deferred.
	e.listsOK = false
	if err := e.CheckConnect("192.0.2.1"); !errors.Is(err, consts.ErrPolicyReject) {
		t.Errorf("pre-refresh connect not deferred: %v", err)
	}
}

func TestRateIdentity(t *testing.T) {
	cases := []struct {
		name         string
		sender       string
		username     string
		wantKey      string
		wantIdentity string
		wantLabel    string
	}{
		{
			name:         "unauthenticated keyed by sender",
			sender:       "alice@example.org",
			wantKey:      "sender:alice@example.org",
			wantIdentity: "alice@example.org",
			wantLabel:    "rate_sender",
		},
		{
			name:         "authenticated keyed by account, not MAIL FROM",
			sender:       "rotating-1@example.org",
			username:     "bob@example.com",
			wantKey:      "user:bob@example.com",
			wantIdentity: "bob@example.com",
			wantLabel:    "rate_user",
		},
		{
			name:         "authenticated null path still keyed by account",
			sender:       "",
			username:     "bob@example.com",
			wantKey:      "user:bob@example.com",
			wantIdentity: "bob@example.com",
			wantLabel:    "rate_user",
		},
		{
			name:   "unauthenticated null path skips the bucket",
			sender: "",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			key, identity, label := rateIdentity(tc.sender, tc.username)
			if key != tc.wantKey {
				t.Errorf("key = %q, want %q", key, tc.wantKey)
			}
			if identity != tc.wantIdentity {
				t.Errorf("identity = %q, want %q", identity, tc.wantIdentity)
			}
			if label != tc.wantLabel {
				t.Errorf("label = %q, want %q", label, tc.wantLabel)
			}
		})
	}
}
