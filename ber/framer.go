package ber

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"net"

	goberasn1 "github.com/go-asn1-ber/asn1-ber"
)

// outer LDAPMessage tag: universal, constructed, SEQUENCE (0x30).
var expectedOuterTag = byte(goberasn1.ClassUniversal) | byte(goberasn1.TypeConstructed) | byte(goberasn1.TagSequence)

// maxHeaderBytes bounds the tag+length prefix: 1 tag byte + up to 5 length
// bytes comfortably covers any PDU length that fits in an int on a 32-bit
// platform.
const maxHeaderBytes = 6

// defaultFramerBuffer is the starting bufio.Reader size: generous enough
// for the overwhelming majority of PDUs without pre-allocating
// max-ber-size bytes up front for every connection.
const defaultFramerBuffer = 64 * 1024

// Framer reads LDAP PDUs of the form
// SEQUENCE { msgid INTEGER, protocolOp CHOICE, controls? SEQUENCE } off an
// underlying byte stream, enforcing max-ber-size and never blocking past a
// single short read (the caller arms a read deadline on the underlying
// stream before calling ReadOperation).
type Framer struct {
	under      io.Reader
	r          *bufio.Reader
	maxBerSize int // 0 == no explicit limit
	residual   bool
}

// NewFramer wraps r. maxBerSize is the configured nsslapd-maxbersize; 0
// disables the limit. The buffer starts at defaultFramerBuffer and grows
// (see grow) to admit any single PDU up to maxBerSize, so the oversize
// decision is made by the explicit length check in ReadOperation rather
// than by bufio.ErrBufferFull turning an in-policy PDU into ReasonBerTooBig.
func NewFramer(r io.Reader, maxBerSize int) *Framer {
	size := defaultFramerBuffer
	if maxBerSize > 0 && maxBerSize+maxHeaderBytes > size {
		size = maxBerSize + maxHeaderBytes
	}
	return &Framer{under: r, r: bufio.NewReaderSize(r, size), maxBerSize: maxBerSize}
}

// Reset clears buffered state so the framer can be reused for the next
// operation on the same connection; the framer buffer is reused.
func (f *Framer) Reset(r io.Reader) {
	f.under = r
	f.r.Reset(r)
	f.residual = false
}

// grow replaces the underlying bufio.Reader with one large enough to Peek n
// bytes, preserving whatever is already buffered so no bytes are lost or
// re-read from the wire.
func (f *Framer) grow(n int) {
	buffered, _ := f.r.Peek(f.r.Buffered())
	saved := make([]byte, len(buffered))
	copy(saved, buffered)
	f.r = bufio.NewReaderSize(io.MultiReader(bytes.NewReader(saved), f.under), n)
}

// peek is Peek that transparently grows the buffer on bufio.ErrBufferFull
// instead of surfacing it, since an oversize PDU is rejected by the
// explicit max-ber-size check, not by the bufio.Reader's capacity.
func (f *Framer) peek(n int) ([]byte, error) {
	raw, err := f.r.Peek(n)
	if errors.Is(err, bufio.ErrBufferFull) {
		f.grow(n)
		raw, err = f.r.Peek(n)
	}
	return raw, err
}

// Residual reports whether bytes belonging to the next PDU are already
// buffered, so the caller must not block this connection on the poll set
// before draining them.
func (f *Framer) Residual() bool { return f.residual }

// ReadOperation attempts to decode one full LDAP PDU without blocking past
// whatever deadline the caller has already armed on the underlying reader.
func (f *Framer) ReadOperation() (*goberasn1.Packet, Status, error) {
	tagByte, err := f.r.Peek(1)
	if err != nil {
		status, classifyErr := classify(err)
		return nil, status, classifyErr
	}
	if tagByte[0] != expectedOuterTag {
		return nil, StatusDone, &FatalError{Reason: ReasonBadBerTag}
	}

	total, headerLen, status, err := f.peekLength()
	if status != StatusOk {
		return nil, status, err
	}

	if f.maxBerSize > 0 && total-headerLen > f.maxBerSize {
		_, _ = f.r.Discard(headerLen)
		return nil, StatusDone, &FatalError{Reason: ReasonBerTooBig}
	}

	raw, err := f.peek(total)
	if err != nil {
		status, classifyErr := classify(err)
		return nil, status, classifyErr
	}
	// Peek does not guarantee the returned slice survives the next Peek;
	// copy before Discard invalidates it.
	buf := make([]byte, total)
	copy(buf, raw)

	if _, err := f.r.Discard(total); err != nil {
		return nil, StatusDone, &FatalError{Reason: ReasonBadBerTag, Err: err}
	}

	pkt := goberasn1.DecodePacket(buf)
	if pkt == nil {
		return nil, StatusDone, &FatalError{Reason: ReasonBadBerTag}
	}

	f.residual = f.r.Buffered() > 0
	return pkt, StatusOk, nil
}

// peekLength returns the total packet length (header+content) and the
// header length, without consuming anything.
func (f *Framer) peekLength() (total, headerLen int, status Status, err error) {
	hdr, perr := f.r.Peek(2)
	if perr != nil {
		status, err = classify(perr)
		return 0, 0, status, err
	}

	lenByte := hdr[1]
	if lenByte&0x80 == 0 {
		// short form
		return int(lenByte) + 2, 2, StatusOk, nil
	}

	n := int(lenByte & 0x7f)
	if n == 0 || n > 4 {
		// indefinite length (not valid DER/LDAP) or implausibly large
		return 0, 0, StatusDone, &FatalError{Reason: ReasonBadBerTag}
	}

	hdr, perr = f.r.Peek(2 + n)
	if perr != nil {
		status, err = classify(perr)
		return 0, 0, status, err
	}

	length := 0
	for _, b := range hdr[2 : 2+n] {
		length = length<<8 | int(b)
	}
	return length + 2 + n, 2 + n, StatusOk, nil
}

func classify(err error) (Status, error) {
	if err == nil {
		return StatusOk, nil
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return StatusWouldBlock, nil
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return StatusDone, io.EOF
	}
	if errors.Is(err, bufio.ErrBufferFull) {
		return StatusDone, &FatalError{Reason: ReasonBerTooBig, Err: err}
	}
	return StatusDone, err
}
