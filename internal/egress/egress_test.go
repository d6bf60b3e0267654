package egress

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"
)

type fakeOwner struct {
	mu       sync.Mutex
	okCalled bool
	errs     []error
	data     [][]byte
	closed   int
	okCh     chan struct{}
	dataCh   chan struct{}
	closeCh  chan struct{}
}

func newFakeOwner() *fakeOwner {
	return &fakeOwner{
		okCh:    make(chan struct{}, 1),
		dataCh:  make(chan struct{}, 8),
		closeCh: make(chan struct{}, 1),
	}
}

func (f *fakeOwner) TellSocksOK(ip net.IP, port uint16) {
	f.mu.Lock()
	f.okCalled = true
	f.mu.Unlock()
	f.okCh <- struct{}{}
}

func (f *fakeOwner) TellError(err error) {
	f.mu.Lock()
	f.errs = append(f.errs, err)
	f.mu.Unlock()
}

func (f *fakeOwner) TellData(payload []byte) {
	f.mu.Lock()
	f.data = append(f.data, payload)
	f.mu.Unlock()
	f.dataCh <- struct{}{}
}

func (f *fakeOwner) TellClose() {
	f.mu.Lock()
	f.closed++
	f.mu.Unlock()
	select {
	case f.closeCh <- struct{}{}:
	default:
	}
}

func TestDialSuccessAndDataFlow(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	owner := newFakeOwner()
	e := Dial(context.Background(), "tcp", ln.Addr().String(), owner)

	select {
	case <-owner.okCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for TellSocksOK")
	}

	server := <-accepted
	defer server.Close()

	if _, err := server.Write([]byte("hello")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	select {
	case <-owner.dataCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for TellData")
	}
	owner.mu.Lock()
	got := string(owner.data[0])
	owner.mu.Unlock()
	if got != "hello" {
		t.Fatalf("got %q, want %q", got, "hello")
	}

	if err := e.Write([]byte("world")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	buf := make([]byte, 5)
	server.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := server.Read(buf); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if string(buf) != "world" {
		t.Fatalf("server got %q, want %q", buf, "world")
	}

	e.Close()
}

func TestDialConnectFailure(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	addr := ln.Addr().String()
	ln.Close() // nothing listening now

	owner := newFakeOwner()
	Dial(context.Background(), "tcp", addr, owner)

	deadline := time.After(2 * time.Second)
	for {
		owner.mu.Lock()
		n := len(owner.errs)
		owner.mu.Unlock()
		if n > 0 {
			return
		}
		select {
		case <-deadline:
			t.Fatal("timed out waiting for TellError")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

func TestOriginCloseTriggersTellClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	owner := newFakeOwner()
	Dial(context.Background(), "tcp", ln.Addr().String(), owner)

	select {
	case <-owner.okCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for TellSocksOK")
	}
	server := <-accepted
	server.Close()

	select {
	case <-owner.closeCh:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for TellClose")
	}
}
