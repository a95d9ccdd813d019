package policy

import (
	"net"
	"testing"
)

func tcpAddr(t *testing.T, hostport string) net.Addr {
	t.Helper()
	addr, err := net.ResolveTCPAddr("tcp", hostport)
	if err != nil {
		t.Fatal(err)
	}
	return addr
}

func TestConnectionLimiterPerIP(t *testing.T) {
	cl := NewConnectionLimiter("test", 100, 2)
	a := tcpAddr(t, "192.0.2.1:11111")
	b := tcpAddr(t, "192.0.2.2:22222")

	rel1, err := cl.Accept(a)
	if err != nil {
		t.Fatalf("first accept: %v", err)
	}
	rel2, err := cl.Accept(a)
	if err != nil {
		t.Fatalf("second accept: %v", err)
	}

	// Third connection from the same IP is over the per-IP cap.
	if _, err := cl.Accept(a); err == nil {
		t.Error("accept succeeded past the per-IP limit")
	}

	// A different IP is unaffected.
	rel3, err := cl.Accept(b)
	if err != nil {
		t.Errorf("accept from second IP: %v", err)
	}

	if got := cl.TotalConnections(); got != 3 {
		t.Errorf("TotalConnections = %d, want 3", got)
	}

	// Releasing one frees a slot for the capped IP.
	rel1()
	if _, err := cl.Accept(a); err != nil {
		t.Errorf("accept after release: %v", err)
	}

	rel2()
	rel3()
}

func TestConnectionLimiterGlobal(t *testing.T) {
	cl := NewConnectionLimiter("test", 2, 0)

	rel1, err := cl.Accept(tcpAddr(t, "192.0.2.1:1000"))
	if err != nil {
		t.Fatal(err)
	}
	rel2, err := cl.Accept(tcpAddr(t, "192.0.2.2:1000"))
	if err != nil {
		t.Fatal(err)
	}

	if _, err := cl.Accept(tcpAddr(t, "192.0.2.3:1000")); err == nil {
		t.Error("accept succeeded past the global limit")
	}

	rel1()
	if _, err := cl.Accept(tcpAddr(t, "192.0.2.3:1000")); err != nil {
		t.Errorf("accept after release: %v", err)
	}
	rel2()
}

func TestConnectionLimiterUnlimited(t *testing.T) {
	cl := NewConnectionLimiter("test", 0, 0)
	for i := 0; i < 50; i++ {
		if _, err := cl.Accept(tcpAddr(t, "192.0.2.1:1000")); err != nil {
			t.Fatalf("accept %d with limits disabled: %v", i, err)
		}
	}
}
