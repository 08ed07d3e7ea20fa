package iolayer

import (
	"crypto/tls"
	"strings"
	"time"
)

// tlsLayer wraps a *tls.Conn pushed on top of the plain layer either at
// accept time (the dedicated TLS listen socket) or on a successful
// StartTLS extended operation.
type tlsLayer struct {
	under Layer
	conn  *tls.Conn
}

// NewTLS wraps conn (already configured as a TLS server or client
// connection) as a layer on top of under. The handshake is not run here;
// callers drive it explicitly via Handshake, either immediately (the
// dedicated TLS listen socket) or deferred to the top of the next read
// cycle (StartTLS), the deferred-layer-change contract.
func NewTLS(under Layer, conn *tls.Conn) Layer {
	return &tlsLayer{under: under, conn: conn}
}

func (t *tlsLayer) Read(b []byte) (int, error)  { return t.conn.Read(b) }
func (t *tlsLayer) Write(b []byte) (int, error) { return t.conn.Write(b) }
func (t *tlsLayer) SetReadDeadline(d time.Time) error {
	return t.conn.SetReadDeadline(d)
}
func (t *tlsLayer) Close() error { return t.conn.Close() }
func (t *tlsLayer) Under() Layer { return t.under }

// Handshake forces the TLS handshake to complete instead of letting it run
// lazily on the first Read, so the caller can observe a handshake failure
// (and the negotiated cipher suite) at the point the layer is installed
// rather than buried inside the next framer read.
func (t *tlsLayer) Handshake() error { return t.conn.Handshake() }

// ConnectionState exposes the negotiated TLS state, used by the bind
// processor to derive an externally-supplied identity from a client
// certificate (SASL EXTERNAL) and by the composition root to derive
// ssf_ssl.
func (t *tlsLayer) ConnectionState() tls.ConnectionState {
	return t.conn.ConnectionState()
}

// TLSLayer is the subset of Layer a pushed TLS layer additionally
// satisfies, letting callers that only hold a Layer (the composition
// root's deferred push path) still drive the handshake and read the
// negotiated state without depending on the unexported tlsLayer type.
type TLSLayer interface {
	Layer
	Handshake() error
	ConnectionState() tls.ConnectionState
}

// SSFFromCipherSuite estimates the security strength factor of a
// negotiated TLS cipher suite from its bulk-cipher key length (the
// encryption key size in bits, not counting MAC or key-exchange
// strength).
func SSFFromCipherSuite(id uint16) int32 {
	if id == 0 {
		return 0
	}
	name := tls.CipherSuiteName(id)
	switch {
	case strings.Contains(name, "AES_256"), strings.Contains(name, "CHACHA20"):
		return 256
	case strings.Contains(name, "AES_128"):
		return 128
	case strings.Contains(name, "3DES"):
		return 112
	case strings.Contains(name, "RC4"):
		return 128
	default:
		return 128
	}
}
