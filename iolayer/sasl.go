package iolayer

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/silverleaf/ldapd/ioutils/iowrapper"
)

// SecurityFunc decodes one SASL-protected buffer into plaintext, or
// encodes one plaintext buffer into a SASL-protected buffer. Supplied by
// whichever mechanism negotiated the security layer.
type SecurityFunc func(in []byte) (out []byte, err error)

// saslLayer implements the 4-byte big-endian length-prefixed SASL I/O
// framing: reads peek the length prefix, bound it
// against maxIOSize (-1 disables the check), read the full ciphertext,
// decode it, and serve bytes from the decoded buffer until drained.
//
// The write side is built on ioutils/iowrapper.IOWrapper: encoding a
// buffer has no WouldBlock/Timeout distinction to preserve (write is a
// plain "write(buf) -> n|Err" contract), so the
// mismatch that rules IOWrapper out for the read side (see layer.go) does
// not apply here.
type saslLayer struct {
	under     Layer
	maxIOSize int // -1 disables the size check
	decode    SecurityFunc
	writer    iowrapper.IOWrapper

	decoded []byte // residual decrypted bytes not yet delivered to the caller
}

// NewSASL pushes a SASL security layer on top of under. maxIOSize is the
// configured nsslapd-maxsasliosize (-1 disables the bound).
func NewSASL(under Layer, maxIOSize int, decode, encode SecurityFunc) Layer {
	s := &saslLayer{under: under, maxIOSize: maxIOSize, decode: decode}

	s.writer = iowrapper.New(under)
	s.writer.SetWrite(func(p []byte) []byte {
		enc, err := encode(p)
		if err != nil {
			return nil
		}

		hdr := make([]byte, 4)
		binary.BigEndian.PutUint32(hdr, uint32(len(enc)))
		if _, err := under.Write(hdr); err != nil {
			return nil
		}
		if _, err := under.Write(enc); err != nil {
			return nil
		}
		return p
	})

	return s
}

func (s *saslLayer) Read(p []byte) (int, error) {
	if len(s.decoded) == 0 {
		if err := s.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, s.decoded)
	s.decoded = s.decoded[n:]
	return n, nil
}

func (s *saslLayer) fill() error {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(s.under, hdr); err != nil {
		return err
	}
	length := int(binary.BigEndian.Uint32(hdr))

	if s.maxIOSize >= 0 && length > s.maxIOSize {
		return fmt.Errorf("iolayer: SASL PDU length %d exceeds max-sasl-io-size %d", length, s.maxIOSize)
	}

	ciphertext := make([]byte, length)
	if _, err := io.ReadFull(s.under, ciphertext); err != nil {
		return err
	}

	plain, err := s.decode(ciphertext)
	if err != nil {
		return err
	}
	s.decoded = plain
	return nil
}

func (s *saslLayer) Write(p []byte) (int, error) { return s.writer.Write(p) }

func (s *saslLayer) SetReadDeadline(t time.Time) error {
	return s.under.SetReadDeadline(t)
}

func (s *saslLayer) Close() error { return s.under.Close() }
func (s *saslLayer) Under() Layer { return s.under }
