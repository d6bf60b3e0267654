// Package socks5udp encodes and decodes SOCKS5 UDP request headers
// (RFC 1928 §7): RSV | FRAG | ATYP | DST.ADDR | DST.PORT | DATA.
package socks5udp

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"

	"golang.org/x/text/encoding/charmap"
)

// Address type constants, shared with internal/tunnelframe.
const (
	AddrTypeIPv4   = 0x01
	AddrTypeDomain = 0x03
	AddrTypeIPv6   = 0x04
)

// ErrProtocol is returned for any malformed or truncated datagram.
var ErrProtocol = errors.New("socks5 udp protocol error")

// Datagram is the decoded form of a SOCKS5 UDP request/reply header plus
// its payload.
type Datagram struct {
	Frag    byte
	AddrType byte
	Host    string // dotted-quad, bracket-free IPv6 literal, or domain name
	Port    uint16
	Payload []byte
}

// Decode parses a SOCKS5 UDP datagram. It requires at least 8 bytes
// (RSV(2) + FRAG(1) + ATYP(1) + minimal addr/port) and fails ErrProtocol
// on anything shorter or with an unsupported ATYP.
func Decode(data []byte) (Datagram, error) {
	if len(data) < 8 {
		return Datagram{}, fmt.Errorf("%w: datagram too short (%d bytes)", ErrProtocol, len(data))
	}
	if data[0] != 0 || data[1] != 0 {
		return Datagram{}, fmt.Errorf("%w: RSV field must be zero", ErrProtocol)
	}

	d := Datagram{
		Frag:     data[2],
		AddrType: data[3],
	}
	offset := 4

	host, consumed, err := DecodeAddr(d.AddrType, data[offset:])
	if err != nil {
		return Datagram{}, err
	}
	d.Host = host
	offset += consumed

	if len(data) < offset+2 {
		return Datagram{}, fmt.Errorf("%w: truncated port", ErrProtocol)
	}
	d.Port = binary.BigEndian.Uint16(data[offset : offset+2])
	offset += 2
	d.Payload = data[offset:]

	return d, nil
}

// Encode builds a SOCKS5 UDP datagram header followed by payload.
func Encode(frag byte, addrType byte, host string, port uint16, payload []byte) ([]byte, error) {
	addrBytes, err := EncodeAddr(addrType, host)
	if err != nil {
		return nil, err
	}

	buf := make([]byte, 4+len(addrBytes)+2+len(payload))
	// buf[0:2] RSV stays zero.
	buf[2] = frag
	buf[3] = addrType
	copy(buf[4:], addrBytes)
	binary.BigEndian.PutUint16(buf[4+len(addrBytes):], port)
	copy(buf[4+len(addrBytes)+2:], payload)

	return buf, nil
}

// DecodeAddr decodes a single ATYP-tagged address (no port) from the front
// of data, per the §4.3 conventions shared with internal/tunnelframe. It
// returns the decoded host and the number of bytes consumed.
func DecodeAddr(addrType byte, data []byte) (string, int, error) {
	switch addrType {
	case AddrTypeIPv4:
		if len(data) < 4 {
			return "", 0, fmt.Errorf("%w: truncated IPv4 address", ErrProtocol)
		}
		return net.IP(data[:4]).String(), 4, nil

	case AddrTypeIPv6:
		if len(data) < 16 {
			return "", 0, fmt.Errorf("%w: truncated IPv6 address", ErrProtocol)
		}
		return net.IP(data[:16]).String(), 16, nil

	case AddrTypeDomain:
		if len(data) < 1 {
			return "", 0, fmt.Errorf("%w: missing domain length", ErrProtocol)
		}
		domainLen := int(data[0])
		if len(data) < 1+domainLen {
			return "", 0, fmt.Errorf("%w: truncated domain name", ErrProtocol)
		}
		host, err := decodeISO88591(data[1 : 1+domainLen])
		if err != nil {
			return "", 0, fmt.Errorf("%w: domain decode: %v", ErrProtocol, err)
		}
		return host, 1 + domainLen, nil

	default:
		return "", 0, fmt.Errorf("%w: unsupported ATYP %d", ErrProtocol, addrType)
	}
}

// EncodeAddr encodes a single ATYP-tagged address (no port), per the §4.3
// conventions shared with internal/tunnelframe.
func EncodeAddr(addrType byte, host string) ([]byte, error) {
	switch addrType {
	case AddrTypeIPv4:
		ip := net.ParseIP(host).To4()
		if ip == nil {
			return nil, fmt.Errorf("%w: %q is not a valid IPv4 address", ErrProtocol, host)
		}
		return ip, nil

	case AddrTypeIPv6:
		ip := net.ParseIP(host).To16()
		if ip == nil {
			return nil, fmt.Errorf("%w: %q is not a valid IPv6 address", ErrProtocol, host)
		}
		return ip, nil

	case AddrTypeDomain:
		encoded, err := encodeISO88591(host)
		if err != nil {
			return nil, fmt.Errorf("%w: domain encode: %v", ErrProtocol, err)
		}
		if len(encoded) > 255 {
			return nil, fmt.Errorf("%w: domain name too long", ErrProtocol)
		}
		return append([]byte{byte(len(encoded))}, encoded...), nil

	default:
		return nil, fmt.Errorf("%w: unsupported ATYP %d", ErrProtocol, addrType)
	}
}

// ReadAddr reads a single ATYP-tagged address from a stream, for callers
// parsing a SOCKS5 request one field at a time (the domain case needs its
// length byte read before knowing how many further bytes to read).
func ReadAddr(r io.Reader, addrType byte) (string, error) {
	switch addrType {
	case AddrTypeIPv4:
		buf := make([]byte, 4)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("%w: reading IPv4 address: %v", ErrProtocol, err)
		}
		return net.IP(buf).String(), nil

	case AddrTypeIPv6:
		buf := make([]byte, 16)
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("%w: reading IPv6 address: %v", ErrProtocol, err)
		}
		return net.IP(buf).String(), nil

	case AddrTypeDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(r, lenBuf); err != nil {
			return "", fmt.Errorf("%w: reading domain length: %v", ErrProtocol, err)
		}
		buf := make([]byte, int(lenBuf[0]))
		if _, err := io.ReadFull(r, buf); err != nil {
			return "", fmt.Errorf("%w: reading domain name: %v", ErrProtocol, err)
		}
		host, err := decodeISO88591(buf)
		if err != nil {
			return "", fmt.Errorf("%w: domain decode: %v", ErrProtocol, err)
		}
		return host, nil

	default:
		return "", fmt.Errorf("%w: unsupported ATYP %d", ErrProtocol, addrType)
	}
}

// decodeISO88591 converts ISO-8859-1 bytes (the charset RFC 1928 implies
// for domain names) to a Go string.
func decodeISO88591(b []byte) (string, error) {
	return charmap.ISO8859_1.NewDecoder().String(string(b))
}

// encodeISO88591 converts a Go string back to ISO-8859-1 bytes.
func encodeISO88591(s string) ([]byte, error) {
	out, err := charmap.ISO8859_1.NewEncoder().String(s)
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}
