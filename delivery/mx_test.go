package delivery

import (
	"errors"
	"net"
	"strings"
	"testing"
)

func TestOrderMXHosts(t *testing.T) {
	mxs := []*net.MX{
		{Host: "backup.example.com.", Pref: 20},
		{Host: "mx1.example.com.", Pref: 10},
		{Host: "last.example.com.", Pref: 30},
	}

	hosts := orderMXHosts(mxs)
	want := []string{"mx1.example.com", "backup.example.com", "last.example.com"}
	if len(hosts) != len(want) {
		t.Fatalf("got %d hosts, want %d", len(hosts), len(want))
	}
	for i := range want {
		if hosts[i] != want[i] {
			t.Errorf("hosts[%d] = %q, want %q", i, hosts[i], want[i])
		}
	}
}

func TestOrderMXHostsEqualPreference(t *testing.T) {
	mxs := []*net.MX{
		{Host: "a.example.com.", Pref: 10},
		{Host: "b.example.com.", Pref: 10},
		{Host: "c.example.com.", Pref: 10},
		{Host: "fallback.example.com.", Pref: 20},
	}

	hosts := orderMXHosts(mxs)
	if len(hosts) != 4 {
		t.Fatalf("got %d hosts, want 4", len(hosts))
	}

	// The shuffle may order the preference-10 group any way, but the
	// group stays ahead of the preference-20 host.
	if hosts[3] != "fallback.example.com" {
		t.Errorf("hosts[3] = %q, want fallback.example.com", hosts[3])
	}
	seen := map[string]bool{}
	for _, h := range hosts[:3] {
		seen[h] = true
	}
	for _, h := range []string{"a.example.com", "b.example.com", "c.example.com"} {
		if !seen[h] {
			t.Errorf("host %q missing from the preference-10 group", h)
		}
	}
}

func TestOrderMXHostsInputUntouched(t *testing.T) {
	mxs := []*net.MX{
		{Host: "z.example.com.", Pref: 30},
		{Host: "a.example.com.", Pref: 10},
	}
	orderMXHosts(mxs)
	if mxs[0].Host != "z.example.com." || mxs[1].Host != "a.example.com." {
		t.Error("orderMXHosts mutated its input slice")
	}
}

func TestOrderMXHostsSkipsEmpty(t *testing.T) {
	mxs := []*net.MX{
		{Host: ".", Pref: 0}, // null MX
		{Host: "mx.example.com.", Pref: 10},
	}
	hosts := orderMXHosts(mxs)
	if len(hosts) != 1 || hosts[0] != "mx.example.com" {
		t.Errorf("hosts = %v, want [mx.example.com]", hosts)
	}
}

func TestNullMXErrorIsPermanent(t *testing.T) {
	err := nullMXError("nomail.example.org")
	if !IsPermanentError(err) {
		t.Errorf("null MX classified as temporary: %v", err)
	}
	if !strings.Contains(err.Error(), "nomail.example.org") {
		t.Errorf("error does not name the domain: %v", err)
	}
}

func TestNoHostsError(t *testing.T) {
	err := noHostsError("example.org", nil)
	if err == nil {
		t.Fatal("expected an error")
	}
	if strings.Contains(err.Error(), "%!w") {
		t.Errorf("nil lookup error leaked into the message: %v", err)
	}

	lookupErr := errors.New("dns timeout")
	err = noHostsError("example.org", lookupErr)
	if !errors.Is(err, lookupErr) {
		t.Errorf("lookup error not wrapped: %v", err)
	}
	if IsPermanentError(err) {
		t.Errorf("unresolvable hosts classified as permanent: %v", err)
	}
}
