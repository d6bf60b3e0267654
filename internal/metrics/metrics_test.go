package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNewMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	if m == nil {
		t.Fatal("NewMetricsWithRegistry returned nil")
	}
	if m.SessionsActive == nil {
		t.Error("SessionsActive metric is nil")
	}
	if m.BytesRelayed == nil {
		t.Error("BytesRelayed metric is nil")
	}
}

func TestRecordSessionOpenClose(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordSessionOpen("socks5_tcp")
	m.RecordSessionOpen("http_transparent")
	m.RecordSessionOpen("socks5_tcp")

	if got := testutil.ToFloat64(m.SessionsActive); got != 3 {
		t.Errorf("SessionsActive = %v, want 3", got)
	}

	m.RecordSessionClose("socks5_tcp", "client_eof")

	if got := testutil.ToFloat64(m.SessionsActive); got != 2 {
		t.Errorf("SessionsActive = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.SessionsClosed.WithLabelValues("socks5_tcp", "client_eof")); got != 1 {
		t.Errorf("SessionsClosed = %v, want 1", got)
	}
}

func TestRecordCookieBindRelease(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordCookieBind()
	m.RecordCookieBind()
	if got := testutil.ToFloat64(m.CookieIDsInUse); got != 2 {
		t.Errorf("CookieIDsInUse = %v, want 2", got)
	}

	m.RecordCookieRelease()
	if got := testutil.ToFloat64(m.CookieIDsInUse); got != 1 {
		t.Errorf("CookieIDsInUse = %v, want 1", got)
	}

	m.RecordCookieAllocFailure()
	if got := testutil.ToFloat64(m.CookieAllocFailures); got != 1 {
		t.Errorf("CookieAllocFailures = %v, want 1", got)
	}
}

func TestRecordBytesRelayedByRoute(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordBytesRelayed(RouteDirect, DirectionClientToOrigin, 100)
	m.RecordBytesRelayed(RouteTunneled, DirectionOriginToClient, 42)
	m.RecordBytesRelayed(RouteDirect, DirectionClientToOrigin, 8)

	if got := testutil.ToFloat64(m.BytesRelayed.WithLabelValues(RouteDirect, DirectionClientToOrigin)); got != 108 {
		t.Errorf("direct bytes = %v, want 108", got)
	}
	if got := testutil.ToFloat64(m.BytesRelayed.WithLabelValues(RouteTunneled, DirectionOriginToClient)); got != 42 {
		t.Errorf("tunneled bytes = %v, want 42", got)
	}
}

func TestRecordTunnelFrames(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordTunnelFrameSent("reqconn")
	m.RecordTunnelFrameSent("tcp_data")
	m.RecordTunnelFrameReceived("respconn")

	if got := testutil.ToFloat64(m.TunnelFramesSent.WithLabelValues("reqconn")); got != 1 {
		t.Errorf("reqconn sent = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.TunnelFramesReceived.WithLabelValues("respconn")); got != 1 {
		t.Errorf("respconn received = %v, want 1", got)
	}
}

func TestRecordUDPDatagram(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordUDPDatagram(UDPAdmitted)
	m.RecordUDPDatagram(UDPAdmitted)
	m.RecordUDPDatagram(UDPDropped)

	if got := testutil.ToFloat64(m.UDPDatagramsTotal.WithLabelValues(UDPAdmitted)); got != 2 {
		t.Errorf("admitted = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.UDPDatagramsTotal.WithLabelValues(UDPDropped)); got != 1 {
		t.Errorf("dropped = %v, want 1", got)
	}
}

func TestRecordHandshakeError(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetricsWithRegistry(reg)

	m.RecordHandshakeError("bad_atyp")
	m.RecordHandshakeError("bad_atyp")

	if got := testutil.ToFloat64(m.HandshakeErrors.WithLabelValues("bad_atyp")); got != 2 {
		t.Errorf("bad_atyp errors = %v, want 2", got)
	}
}

func TestDefault(t *testing.T) {
	m1 := Default()
	m2 := Default()
	if m1 != m2 {
		t.Error("Default() should return the same instance")
	}
}
