package listener

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/postalsys/dualproxy/internal/hostmatch"
	"github.com/postalsys/dualproxy/internal/metrics"
	"github.com/postalsys/dualproxy/internal/tunnel"
	"github.com/postalsys/dualproxy/internal/tunnelframe"
)

func newTestListener() *Listener {
	tu := tunnel.New(nil)
	l := New(tu, hostmatch.New(nil), nil, metrics.NewMetricsWithRegistry(prometheus.NewRegistry()))
	tu.SetDispatcher(l)
	return l
}

// TestCookieAllocLowestFree asserts freed ids are reused ahead of minting
// new ones (spec.md §4.8, invariant I1: no two live sessions ever share a
// cookie id).
func TestCookieAllocLowestFree(t *testing.T) {
	l := newTestListener()

	id1 := l.BindCookieID(nil)
	id2 := l.BindCookieID(nil)
	id3 := l.BindCookieID(nil)
	if id1 != 1 || id2 != 2 || id3 != 3 {
		t.Fatalf("expected sequential ids 1,2,3; got %d,%d,%d", id1, id2, id3)
	}

	l.ReleaseCookieID(id2, true)

	id4 := l.BindCookieID(nil)
	if id4 != id2 {
		t.Fatalf("expected reused id %d, got %d", id2, id4)
	}
}

// TestCookieAllocHighWaterReclaim asserts releasing the current
// high-water id retracts the mark instead of growing the free list, and
// that retraction chains downward through any already-free ids sitting
// just below it.
func TestCookieAllocHighWaterReclaim(t *testing.T) {
	l := newTestListener()

	id1 := l.BindCookieID(nil)
	id2 := l.BindCookieID(nil)
	id3 := l.BindCookieID(nil)

	l.ReleaseCookieID(id2, true) // id2 goes to the free list, not high water
	l.ReleaseCookieID(id3, true) // id3 is high water: retracts to id2, which is free, so it chains to id1

	if l.highWater != id1 {
		t.Fatalf("expected high water to retract to %d, got %d", id1, l.highWater)
	}
	if len(l.freeList) != 0 {
		t.Fatalf("expected empty free list after chained reclaim, got %v", l.freeList)
	}

	next := l.BindCookieID(nil)
	if next != id2 {
		t.Fatalf("expected next allocation to be %d, got %d", id2, next)
	}
}

// TestCookieAllocExhausted asserts BindCookieID returns 0 once the
// configured ceiling is reached.
func TestCookieAllocExhausted(t *testing.T) {
	l := newTestListener()
	l.maxID = 2

	if id := l.BindCookieID(nil); id != 1 {
		t.Fatalf("expected id 1, got %d", id)
	}
	if id := l.BindCookieID(nil); id != 2 {
		t.Fatalf("expected id 2, got %d", id)
	}
	if id := l.BindCookieID(nil); id != 0 {
		t.Fatalf("expected exhaustion (0), got %d", id)
	}
}

// TestDeferredReleaseFinalizesOnClose asserts a non-immediate release
// holds the id out of circulation until a close frame for it arrives
// through Dispatch, per spec.md §4.8's deferred-release handshake.
func TestDeferredReleaseFinalizesOnClose(t *testing.T) {
	l := newTestListener()

	id := l.BindCookieID(nil)
	l.ReleaseCookieID(id, false)

	if again := l.BindCookieID(nil); again == id {
		t.Fatalf("expected pending-close id %d to stay out of circulation", id)
	}

	closeFrame := tunnelframe.BuildClose(id)
	l.Dispatch(closeFrame)

	l.mu.Lock()
	_, stillPending := l.pendingClose[id]
	l.mu.Unlock()
	if stillPending {
		t.Fatalf("expected pending-close for %d to clear after close frame", id)
	}
}

// TestDeferredReleaseFinalizesOnGraceTimer asserts a non-immediate
// release is reclaimed once PendingCloseGrace elapses even if no close
// frame for it ever arrives, per spec.md §4.8's "...or a grace timer
// expires" fallback.
func TestDeferredReleaseFinalizesOnGraceTimer(t *testing.T) {
	orig := PendingCloseGrace
	PendingCloseGrace = 10 * time.Millisecond
	defer func() { PendingCloseGrace = orig }()

	l := newTestListener()

	id := l.BindCookieID(nil)
	l.ReleaseCookieID(id, false)

	if again := l.BindCookieID(nil); again == id {
		t.Fatalf("expected pending-close id %d to stay out of circulation", id)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		l.mu.Lock()
		_, stillPending := l.pendingClose[id]
		l.mu.Unlock()
		if !stillPending {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("expected pending-close for %d to clear once grace timer fired", id)
}

func TestDispatchUnknownCookieIsIgnored(t *testing.T) {
	l := newTestListener()
	l.Dispatch(tunnelframe.BuildClose(999))
}

// TestAcceptLoopDirectConnect exercises the full Start/accept/session
// wiring end to end with a direct (non-tunneled) SOCKS5 CONNECT.
func TestAcceptLoopDirectConnect(t *testing.T) {
	origin, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen origin: %v", err)
	}
	defer origin.Close()
	go func() {
		conn, err := origin.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, 4)
		conn.Read(buf)
		conn.Write(buf)
	}()

	l := newTestListener()
	if err := l.Start(context.Background(), []Addr{{Network: "tcp4", Address: "127.0.0.1:0"}}); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer l.Stop()

	frontAddr := l.listeners[0].Addr().String()
	client, err := net.Dial("tcp", frontAddr)
	if err != nil {
		t.Fatalf("dial front: %v", err)
	}
	defer client.Close()

	client.Write([]byte{0x05, 0x01, 0x00})
	readExact(t, client, 2)

	host, portStr, _ := net.SplitHostPort(origin.Addr().String())
	req := buildSocks5IPv4Connect(t, host, portStr)
	client.Write(req)
	reply := readExact(t, client, 10)
	if reply[1] != 0x00 {
		t.Fatalf("expected success reply, got %x", reply)
	}

	client.Write([]byte("ping"))
	echoed := readExact(t, client, 4)
	if string(echoed) != "ping" {
		t.Fatalf("expected echo, got %q", echoed)
	}
}

func readExact(t *testing.T, conn net.Conn, n int) []byte {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, n)
	total := 0
	for total < n {
		k, err := conn.Read(buf[total:])
		total += k
		if err != nil {
			t.Fatalf("read: %v", err)
		}
	}
	return buf
}

func buildSocks5IPv4Connect(t *testing.T, host, portStr string) []byte {
	t.Helper()
	ip := net.ParseIP(host).To4()
	if ip == nil {
		t.Fatalf("expected IPv4 origin address, got %q", host)
	}
	var port int
	for _, c := range portStr {
		port = port*10 + int(c-'0')
	}
	buf := []byte{0x05, 0x01, 0x00, 0x01}
	buf = append(buf, ip...)
	buf = append(buf, byte(port>>8), byte(port))
	return buf
}
