package tunnel

import (
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/postalsys/dualproxy/internal/proxycore"
	"github.com/postalsys/dualproxy/internal/tunnelframe"
)

type recordingDispatcher struct {
	frames chan []byte
}

func (r *recordingDispatcher) Dispatch(payload []byte) {
	r.frames <- payload
}

func echoServer(t *testing.T) net.Listener {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						c.Write(buf[:n])
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return ln
}

func TestTunnelReqConnAndEcho(t *testing.T) {
	ln := echoServer(t)
	defer ln.Close()

	disp := &recordingDispatcher{frames: make(chan []byte, 8)}
	tun := New(nil)
	tun.SetDispatcher(disp)

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	portNum, _ := strconv.Atoi(portStr)
	port := uint16(portNum)

	req, err := tunnelframe.BuildReqConn(1, tunnelframe.ProtoTCP, 0x01, host, port)
	if err != nil {
		t.Fatalf("build reqconn: %v", err)
	}
	if err := tun.SendMessage(proxycore.ActSocks, req); err != nil {
		t.Fatalf("send reqconn: %v", err)
	}

	resp := waitFrame(t, disp.frames)
	frame, err := tunnelframe.Parse(resp)
	if err != nil {
		t.Fatalf("parse respconn: %v", err)
	}
	if frame.RespConn == nil || !frame.RespConn.Success() {
		t.Fatalf("expected successful respconn, got %+v", frame)
	}

	data := tunnelframe.BuildTCPData(1, false, []byte("hello"))
	if err := tun.SendMessage(proxycore.ActSocks, data); err != nil {
		t.Fatalf("send tcp_data: %v", err)
	}

	echoed := waitFrame(t, disp.frames)
	frame, err = tunnelframe.Parse(echoed)
	if err != nil {
		t.Fatalf("parse tcp_data: %v", err)
	}
	if frame.TCPData == nil || string(frame.TCPData.Payload) != "hello" {
		t.Fatalf("expected echoed payload, got %+v", frame)
	}
}

func TestTunnelCloseTearsDownConns(t *testing.T) {
	ln := echoServer(t)
	defer ln.Close()

	disp := &recordingDispatcher{frames: make(chan []byte, 8)}
	tun := New(nil)
	tun.SetDispatcher(disp)

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	portNum, _ := strconv.Atoi(portStr)
	port := uint16(portNum)

	req, _ := tunnelframe.BuildReqConn(2, tunnelframe.ProtoTCP, 0x01, host, port)
	tun.SendMessage(proxycore.ActSocks, req)
	waitFrame(t, disp.frames)

	if !tun.IsUp() {
		t.Fatalf("tunnel should be up before Close")
	}
	tun.Close()
	if tun.IsUp() {
		t.Fatalf("tunnel should be down after Close")
	}
}

func waitFrame(t *testing.T, ch chan []byte) []byte {
	t.Helper()
	select {
	case f := <-ch:
		return f
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for dispatched frame")
		return nil
	}
}
