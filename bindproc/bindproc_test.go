package bindproc

import (
	"context"
	"testing"

	goberasn1 "github.com/go-asn1-ber/asn1-ber"

	"github.com/silverleaf/ldapd/conntable"
	"github.com/silverleaf/ldapd/iolayer"
	"github.com/silverleaf/ldapd/operation"
	"github.com/silverleaf/ldapd/plugin"
	"github.com/silverleaf/ldapd/stats"
)

func newTestConn() *conntable.Connection {
	return conntable.NewConnection(1, 0, nil, nil, iolayer.NewPlain(nil))
}

func bindPacket(version int64, dn, password string) *goberasn1.Packet {
	op := goberasn1.Encode(goberasn1.ClassApplication, goberasn1.TypeConstructed, 0, nil, "BindRequest")
	op.AppendChild(goberasn1.NewInteger(goberasn1.ClassUniversal, goberasn1.TypePrimitive, goberasn1.TagInteger, version, "version"))
	op.AppendChild(goberasn1.NewString(goberasn1.ClassUniversal, goberasn1.TypePrimitive, goberasn1.TagOctetString, dn, "name"))
	simple := goberasn1.NewString(goberasn1.ClassContext, goberasn1.TypePrimitive, 0, password, "simple")
	op.AppendChild(simple)
	return op
}

func resultCodeOf(t *testing.T, pkt *goberasn1.Packet) uint16 {
	t.Helper()
	if pkt == nil || len(pkt.Children) < 2 {
		t.Fatalf("malformed response packet")
	}
	op := pkt.Children[1]
	if len(op.Children) < 1 {
		t.Fatalf("malformed protocolOp")
	}
	v, ok := op.Children[0].Value.(int64)
	if !ok {
		t.Fatalf("resultCode not an integer")
	}
	return uint16(v)
}

func TestAnonymousOffSimpleBindRejected(t *testing.T) {
	p := &Processor{
		Policy: Policy{AnonAccess: "off"},
		Stats:  stats.New(),
	}
	conn := newTestConn()
	op := operation.New(1, 0)

	resp, err := p.Process(context.Background(), conn, op, bindPacket(3, "", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := resultCodeOf(t, resp); got != uint16(plugin.InappropriateAuth) {
		t.Fatalf("resultCode = %d, want InappropriateAuth (%d)", got, plugin.InappropriateAuth)
	}
	if p.Stats.BindSecurityError.Load() != 1 {
		t.Fatalf("bind_security_errors = %d, want 1", p.Stats.BindSecurityError.Load())
	}
	if p.Stats.AnonymousBinds.Load() != 0 {
		t.Fatalf("anonymous_binds = %d, want 0", p.Stats.AnonymousBinds.Load())
	}
}

func TestRootDNGoodPassword(t *testing.T) {
	p := &Processor{
		Policy: Policy{AnonAccess: "on", RootDN: "cn=Directory Manager", RootPW: "secret"},
		Stats:  stats.New(),
	}
	conn := newTestConn()
	op := operation.New(1, 0)

	resp, err := p.Process(context.Background(), conn, op, bindPacket(3, "cn=Directory Manager", "secret"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := resultCodeOf(t, resp); got != uint16(plugin.Success) {
		t.Fatalf("resultCode = %d, want Success", got)
	}
	if conn.AuthDN != "cn=Directory Manager" || !conn.IsRoot {
		t.Fatalf("connection identity not set to root: AuthDN=%q IsRoot=%v", conn.AuthDN, conn.IsRoot)
	}
	if p.Stats.SimpleBinds.Load() != 1 {
		t.Fatalf("simple_binds = %d, want 1", p.Stats.SimpleBinds.Load())
	}
}

func TestRootDNBadPassword(t *testing.T) {
	p := &Processor{
		Policy: Policy{AnonAccess: "on", RootDN: "cn=Directory Manager", RootPW: "secret"},
		Stats:  stats.New(),
	}
	conn := newTestConn()
	op := operation.New(1, 0)

	resp, err := p.Process(context.Background(), conn, op, bindPacket(3, "cn=Directory Manager", "wrong"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := resultCodeOf(t, resp); got != uint16(plugin.InvalidCredentials) {
		t.Fatalf("resultCode = %d, want InvalidCredentials", got)
	}
	if conn.AuthDN != "" {
		t.Fatalf("connection identity should remain unset, got %q", conn.AuthDN)
	}
	if p.Stats.BindSecurityError.Load() != 1 {
		t.Fatalf("bind_security_errors = %d, want 1", p.Stats.BindSecurityError.Load())
	}
}

func TestAnonymousBindSucceedsWhenAllowed(t *testing.T) {
	p := &Processor{Policy: Policy{AnonAccess: "on"}, Stats: stats.New()}
	conn := newTestConn()
	op := operation.New(1, 0)

	resp, err := p.Process(context.Background(), conn, op, bindPacket(3, "", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := resultCodeOf(t, resp); got != uint16(plugin.Success) {
		t.Fatalf("resultCode = %d, want Success", got)
	}
	if conn.AuthType != conntable.AuthAnonymous {
		t.Fatalf("AuthType = %v, want AuthAnonymous", conn.AuthType)
	}
	if p.Stats.AnonymousBinds.Load() != 1 {
		t.Fatalf("anonymous_binds = %d, want 1", p.Stats.AnonymousBinds.Load())
	}
}

func TestUnauthenticatedBindRejectedWhenDisallowed(t *testing.T) {
	p := &Processor{Policy: Policy{AnonAccess: "on", UnauthBindsAllowed: false}, Stats: stats.New()}
	conn := newTestConn()
	op := operation.New(1, 0)

	resp, err := p.Process(context.Background(), conn, op, bindPacket(3, "uid=bob,dc=example,dc=com", ""))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := resultCodeOf(t, resp); got != uint16(plugin.UnwillingToPerform) {
		t.Fatalf("resultCode = %d, want UnwillingToPerform", got)
	}
}

func TestSASLExternalWithoutTLSRejected(t *testing.T) {
	p := &Processor{Policy: Policy{AnonAccess: "on"}, Stats: stats.New()}
	conn := newTestConn()
	op := operation.New(1, 0)

	saslOp := goberasn1.Encode(goberasn1.ClassApplication, goberasn1.TypeConstructed, 0, nil, "BindRequest")
	saslOp.AppendChild(goberasn1.NewInteger(goberasn1.ClassUniversal, goberasn1.TypePrimitive, goberasn1.TagInteger, int64(3), "version"))
	saslOp.AppendChild(goberasn1.NewString(goberasn1.ClassUniversal, goberasn1.TypePrimitive, goberasn1.TagOctetString, "", "name"))
	sasl := goberasn1.Encode(goberasn1.ClassContext, goberasn1.TypeConstructed, 3, nil, "sasl")
	sasl.AppendChild(goberasn1.NewString(goberasn1.ClassUniversal, goberasn1.TypePrimitive, goberasn1.TagOctetString, "EXTERNAL", "mechanism"))
	saslOp.AppendChild(sasl)

	resp, err := p.Process(context.Background(), conn, op, saslOp)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := resultCodeOf(t, resp); got != uint16(plugin.InappropriateAuth) {
		t.Fatalf("resultCode = %d, want InappropriateAuth", got)
	}
}

func TestRequireSecureBindsRejectsPlaintextPassword(t *testing.T) {
	p := &Processor{
		Policy:  Policy{AnonAccess: "on", RequireSecureBinds: true},
		Mapping: nil,
		Stats:   stats.New(),
	}
	conn := newTestConn()
	op := operation.New(1, 0)

	resp, err := p.Process(context.Background(), conn, op, bindPacket(3, "uid=bob,dc=example,dc=com", "hunter2"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := resultCodeOf(t, resp); got != uint16(plugin.ConfidentialityReqd) {
		t.Fatalf("resultCode = %d, want ConfidentialityRequired", got)
	}
}
