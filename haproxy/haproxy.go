// Package haproxy parses a PROXY protocol v1 (text) or v2 (binary) header
// off the front of a freshly accepted connection, recovering the real
// client address behind a load balancer.
// Only "trusted" peers (nsslapd-haproxy-trusted-ip) are allowed
// to prepend one; everyone else's first bytes are treated as the LDAP
// BER stream directly.
package haproxy

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"strconv"
	"strings"
)

// Result classifies what ReadHeader found, mirroring the three-way
// return (HAPROXY_HEADER_PARSED / HAPROXY_NOT_A_HEADER / HAPROXY_ERROR)
// used throughout the reference parser this package is grounded on.
type Result int

const (
	// NotAHeader means the leading bytes are not a PROXY header at all;
	// the caller should treat them as ordinary protocol bytes.
	NotAHeader Result = iota
	// Parsed means a well-formed header was consumed.
	Parsed
	// Invalid means the leading bytes looked like a PROXY header but
	// were malformed; the connection must be dropped.
	Invalid
)

// Header is the recovered endpoint pair, or the zero value for a LOCAL
// (health-check) connection that carries no real addresses.
type Header struct {
	Local bool // PROXY v2 LOCAL command: no address info, pass through as-is
	Src   netip.AddrPort
	Dst   netip.AddrPort
}

var (
	v1Sig = []byte("PROXY ")
	v2Sig = []byte{0x0D, 0x0A, 0x0D, 0x0A, 0x00, 0x0D, 0x0A, 0x51, 0x55, 0x49, 0x54, 0x0A}
)

const maxV1Line = 107 // longest possible v1 header per the PROXY protocol spec

// ReadHeader peeks the connection's leading bytes through br and, if they
// form a PROXY v1 or v2 header, consumes exactly that header and returns
// the recovered endpoints. If the leading bytes don't match either
// signature, nothing is consumed and NotAHeader is returned so the caller
// reads the same bytes again as the start of the LDAP stream.
func ReadHeader(br *bufio.Reader) (Header, Result, error) {
	peek, err := br.Peek(len(v2Sig))
	if err == nil && string(peek) == string(v2Sig) {
		return readV2(br)
	}

	peek, err = br.Peek(len(v1Sig))
	if err == nil && string(peek) == string(v1Sig) {
		return readV1(br)
	}

	return Header{}, NotAHeader, nil
}

func readV1(br *bufio.Reader) (Header, Result, error) {
	line, err := br.ReadString('\n')
	if err != nil {
		return Header{}, Invalid, fmt.Errorf("haproxy: truncated v1 header: %w", err)
	}
	if len(line) > maxV1Line || !strings.HasSuffix(line, "\r\n") {
		return Header{}, Invalid, errors.New("haproxy: malformed v1 header line")
	}

	fields := strings.Fields(strings.TrimSuffix(line, "\r\n"))
	if len(fields) != 6 || fields[0] != "PROXY" {
		return Header{}, Invalid, errors.New("haproxy: malformed v1 header fields")
	}

	switch fields[1] {
	case "TCP4", "TCP6":
	default:
		return Header{}, Invalid, fmt.Errorf("haproxy: unsupported v1 protocol %q", fields[1])
	}

	srcIP, err := netip.ParseAddr(fields[2])
	if err != nil {
		return Header{}, Invalid, fmt.Errorf("haproxy: bad source address: %w", err)
	}
	dstIP, err := netip.ParseAddr(fields[3])
	if err != nil {
		return Header{}, Invalid, fmt.Errorf("haproxy: bad dest address: %w", err)
	}
	srcPort, err := parsePort(fields[4])
	if err != nil {
		return Header{}, Invalid, err
	}
	dstPort, err := parsePort(fields[5])
	if err != nil {
		return Header{}, Invalid, err
	}

	return Header{
		Src: netip.AddrPortFrom(srcIP, srcPort),
		Dst: netip.AddrPortFrom(dstIP, dstPort),
	}, Parsed, nil
}

func parsePort(s string) (uint16, error) {
	v, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, fmt.Errorf("haproxy: bad port %q: %w", s, err)
	}
	if v == 0 {
		return 0, fmt.Errorf("haproxy: port must be 1-65535, got %q", s)
	}
	return uint16(v), nil
}

const (
	pp2VerCmdMask = 0x0F
	pp2CmdLocal   = 0x00
	pp2CmdProxy   = 0x01
	pp2VersionHi  = 0x20

	pp2FamUnspec = 0x00
	pp2FamInet   = 0x10
	pp2FamInet6  = 0x20

	pp2TransStream = 0x01
)

func readV2(br *bufio.Reader) (Header, Result, error) {
	hdr := make([]byte, 16)
	if _, err := io.ReadFull(br, hdr); err != nil {
		return Header{}, Invalid, fmt.Errorf("haproxy: truncated v2 header: %w", err)
	}

	verCmd := hdr[12]
	if verCmd&0xF0 != pp2VersionHi {
		return Header{}, Invalid, errors.New("haproxy: unsupported v2 version")
	}
	cmd := verCmd & pp2VerCmdMask
	if cmd != pp2CmdLocal && cmd != pp2CmdProxy {
		return Header{}, Invalid, fmt.Errorf("haproxy: unsupported v2 command %#x", cmd)
	}

	famByte := hdr[13]
	fam := famByte & 0xF0
	trans := famByte & 0x0F
	addrLen := binary.BigEndian.Uint16(hdr[14:16])

	if cmd == pp2CmdLocal {
		if err := discard(br, int(addrLen)); err != nil {
			return Header{}, Invalid, err
		}
		return Header{Local: true}, Parsed, nil
	}

	if trans != pp2TransStream {
		discard(br, int(addrLen))
		return Header{}, Invalid, fmt.Errorf("haproxy: unsupported v2 transport %#x", trans)
	}

	switch fam {
	case pp2FamInet:
		if addrLen < 12 {
			return Header{}, Invalid, errors.New("haproxy: v2 INET address too short")
		}
		buf := make([]byte, addrLen)
		if _, err := io.ReadFull(br, buf); err != nil {
			return Header{}, Invalid, err
		}
		src := netip.AddrFrom4([4]byte(buf[0:4]))
		dst := netip.AddrFrom4([4]byte(buf[4:8]))
		srcPort := binary.BigEndian.Uint16(buf[8:10])
		dstPort := binary.BigEndian.Uint16(buf[10:12])
		return Header{
			Src: netip.AddrPortFrom(src, srcPort),
			Dst: netip.AddrPortFrom(dst, dstPort),
		}, Parsed, nil

	case pp2FamInet6:
		if addrLen < 36 {
			return Header{}, Invalid, errors.New("haproxy: v2 INET6 address too short")
		}
		buf := make([]byte, addrLen)
		if _, err := io.ReadFull(br, buf); err != nil {
			return Header{}, Invalid, err
		}
		src := netip.AddrFrom16([16]byte(buf[0:16]))
		dst := netip.AddrFrom16([16]byte(buf[16:32]))
		srcPort := binary.BigEndian.Uint16(buf[32:34])
		dstPort := binary.BigEndian.Uint16(buf[34:36])
		return Header{
			Src: netip.AddrPortFrom(src, srcPort),
			Dst: netip.AddrPortFrom(dst, dstPort),
		}, Parsed, nil

	default:
		discard(br, int(addrLen))
		return Header{}, Invalid, fmt.Errorf("haproxy: unsupported v2 family %#x", fam)
	}
}

func discard(br *bufio.Reader, n int) error {
	if n <= 0 {
		return nil
	}
	_, err := br.Discard(n)
	return err
}

// RemoteAddr adapts a Header's source endpoint to a net.Addr so it can
// replace the raw socket peer address once a trusted proxy has vouched
// for it.
func (h Header) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: h.Src.Addr().AsSlice(), Port: int(h.Src.Port())}
}
