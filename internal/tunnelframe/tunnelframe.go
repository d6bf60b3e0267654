// Package tunnelframe builds and parses the ACT_SOCKS tunnel messages
// exchanged with the remote relay: reqconn, respconn, tcp_data, udp_data,
// and close. Every message starts with a cookie id and a code byte; the
// remainder is interpreted according to the combination of code and
// remaining length, mirroring the shared wire-format idiom the original
// mesh frame codec uses for its own header-plus-payload messages.
package tunnelframe

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/postalsys/dualproxy/internal/socks5udp"
)

// ActSocks is the action tag under which every frame built by this package
// travels across the tunnel transport.
const ActSocks uint8 = 3

// Proto identifies the transport the reqconn frame is requesting.
const (
	ProtoTCP = 1
	ProtoUDP = 3
)

// RespConn status values.
const (
	RespConnSuccess = 2
)

const (
	codeConnOrClose = 1
	codeRespConn    = 2
	codeTCPData     = 3
	codeUDPData     = 4
)

// ErrProtocol is returned for any malformed, truncated, or unrecognized
// tunnel frame.
var ErrProtocol = errors.New("tunnel frame protocol error")

// ReqConn asks the remote relay to open a new connection on behalf of cid.
type ReqConn struct {
	CookieID uint16
	Proto    uint8 // ProtoTCP or ProtoUDP
	AddrType byte
	Host     string
	Port     uint16
}

// RespConn answers a ReqConn.
type RespConn struct {
	CookieID uint16
	Status   uint8
}

// Success reports whether the remote relay accepted the connect request.
func (r RespConn) Success() bool { return r.Status == RespConnSuccess }

// TCPData carries a slice of a TCP byte stream for cid, or (with IsClose
// set and an empty Payload) signals the peer has closed its side.
type TCPData struct {
	CookieID uint16
	IsClose  bool
	Payload  []byte
}

// UDPData carries one UDP datagram, addressed per the §4.3 ATYP
// conventions, for cid.
type UDPData struct {
	CookieID uint16
	AddrType byte
	IsIPv6   bool
	IsDomain bool
	Host     string
	Port     uint16
	Payload  []byte
}

// Close is the session's own teardown notification for cid. It carries no
// body; a peer-initiated close is instead signalled by TCPData.IsClose.
type Close struct {
	CookieID uint16
}

// BuildReqConn encodes a reqconn frame.
func BuildReqConn(cookieID uint16, proto uint8, addrType byte, host string, port uint16) ([]byte, error) {
	if cookieID == 0 {
		return nil, fmt.Errorf("%w: cookie id 0 is invalid", ErrProtocol)
	}
	addr, err := socks5udp.EncodeAddr(addrType, host)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 2+1+1+1+len(addr)+2)
	binary.BigEndian.PutUint16(buf[0:2], cookieID)
	buf[2] = codeConnOrClose
	buf[3] = proto
	buf[4] = addrType
	copy(buf[5:], addr)
	binary.BigEndian.PutUint16(buf[5+len(addr):], port)
	return buf, nil
}

// BuildRespConn encodes a respconn frame.
func BuildRespConn(cookieID uint16, status uint8) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint16(buf[0:2], cookieID)
	buf[2] = codeRespConn
	buf[3] = status
	return buf
}

// BuildTCPData encodes a tcp_data frame.
func BuildTCPData(cookieID uint16, isClose bool, payload []byte) []byte {
	buf := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], cookieID)
	buf[2] = codeTCPData
	if isClose {
		buf[3] = 1
	}
	copy(buf[4:], payload)
	return buf
}

// BuildUDPData encodes a udp_data frame.
func BuildUDPData(cookieID uint16, addrType byte, host string, port uint16, payload []byte) ([]byte, error) {
	addr, err := socks5udp.EncodeAddr(addrType, host)
	if err != nil {
		return nil, err
	}
	isIPv6 := byte(0)
	isDomain := byte(0)
	switch addrType {
	case socks5udp.AddrTypeIPv6:
		isIPv6 = 1
	case socks5udp.AddrTypeDomain:
		isDomain = 1
	}

	buf := make([]byte, 2+1+1+1+1+len(addr)+2+len(payload))
	binary.BigEndian.PutUint16(buf[0:2], cookieID)
	buf[2] = codeUDPData
	buf[3] = addrType
	buf[4] = isIPv6
	buf[5] = isDomain
	copy(buf[6:], addr)
	binary.BigEndian.PutUint16(buf[6+len(addr):], port)
	copy(buf[6+len(addr)+2:], payload)
	return buf, nil
}

// BuildClose encodes the session's own teardown notify frame for cid.
func BuildClose(cookieID uint16) []byte {
	buf := make([]byte, 3)
	binary.BigEndian.PutUint16(buf[0:2], cookieID)
	buf[2] = codeConnOrClose
	return buf
}

// Frame is the parsed union of every tunnel message kind; exactly one of
// the typed fields is non-nil.
type Frame struct {
	ReqConn  *ReqConn
	RespConn *RespConn
	TCPData  *TCPData
	UDPData  *UDPData
	Close    *Close
}

// Parse validates the first three bytes (cookie id + code) and dispatches
// to the frame kind they (and, for the overloaded code 1, the remaining
// length) identify.
func Parse(payload []byte) (Frame, error) {
	if len(payload) < 3 {
		return Frame{}, fmt.Errorf("%w: frame shorter than 3 bytes", ErrProtocol)
	}
	cookieID := binary.BigEndian.Uint16(payload[0:2])
	if cookieID == 0 {
		return Frame{}, fmt.Errorf("%w: cookie id 0 is invalid", ErrProtocol)
	}
	code := payload[2]
	rest := payload[3:]

	switch code {
	case codeConnOrClose:
		if len(rest) == 0 {
			return Frame{Close: &Close{CookieID: cookieID}}, nil
		}
		return parseReqConn(cookieID, rest)

	case codeRespConn:
		if len(rest) < 1 {
			return Frame{}, fmt.Errorf("%w: respconn truncated", ErrProtocol)
		}
		return Frame{RespConn: &RespConn{CookieID: cookieID, Status: rest[0]}}, nil

	case codeTCPData:
		if len(rest) < 1 {
			return Frame{}, fmt.Errorf("%w: tcp_data truncated", ErrProtocol)
		}
		payload := append([]byte(nil), rest[1:]...)
		return Frame{TCPData: &TCPData{
			CookieID: cookieID,
			IsClose:  rest[0] != 0,
			Payload:  payload,
		}}, nil

	case codeUDPData:
		return parseUDPData(cookieID, rest)

	default:
		return Frame{}, fmt.Errorf("%w: unknown code %d", ErrProtocol, code)
	}
}

func parseReqConn(cookieID uint16, rest []byte) (Frame, error) {
	if len(rest) < 2 {
		return Frame{}, fmt.Errorf("%w: reqconn truncated", ErrProtocol)
	}
	proto := rest[0]
	addrType := rest[1]
	host, consumed, err := socks5udp.DecodeAddr(addrType, rest[2:])
	if err != nil {
		return Frame{}, err
	}
	offset := 2 + consumed
	if len(rest) < offset+2 {
		return Frame{}, fmt.Errorf("%w: reqconn truncated port", ErrProtocol)
	}
	port := binary.BigEndian.Uint16(rest[offset : offset+2])
	return Frame{ReqConn: &ReqConn{
		CookieID: cookieID,
		Proto:    proto,
		AddrType: addrType,
		Host:     host,
		Port:     port,
	}}, nil
}

func parseUDPData(cookieID uint16, rest []byte) (Frame, error) {
	if len(rest) < 3 {
		return Frame{}, fmt.Errorf("%w: udp_data truncated", ErrProtocol)
	}
	addrType := rest[0]
	isIPv6 := rest[1] != 0
	isDomain := rest[2] != 0
	host, consumed, err := socks5udp.DecodeAddr(addrType, rest[3:])
	if err != nil {
		return Frame{}, err
	}
	offset := 3 + consumed
	if len(rest) < offset+2 {
		return Frame{}, fmt.Errorf("%w: udp_data truncated port", ErrProtocol)
	}
	port := binary.BigEndian.Uint16(rest[offset : offset+2])
	payload := append([]byte(nil), rest[offset+2:]...)
	return Frame{UDPData: &UDPData{
		CookieID: cookieID,
		AddrType: addrType,
		IsIPv6:   isIPv6,
		IsDomain: isDomain,
		Host:     host,
		Port:     port,
		Payload:  payload,
	}}, nil
}
