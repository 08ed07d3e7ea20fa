// Package bindproc implements the bind processor:
// the finite state machine over (protocol_version, method, saslmech,
// ssf, identity) that decodes a BindRequest, enforces the SSF/anonymous/
// unauthenticated-bind policy, drives the simple and SASL EXTERNAL paths,
// and sets the connection's authenticated identity.
package bindproc

import (
	"context"
	"fmt"

	goberasn1 "github.com/go-asn1-ber/asn1-ber"
	goldap "github.com/go-ldap/ldap/v3"

	"github.com/silverleaf/ldapd/ber"
	"github.com/silverleaf/ldapd/conntable"
	"github.com/silverleaf/ldapd/logger"
	"github.com/silverleaf/ldapd/operation"
	"github.com/silverleaf/ldapd/plugin"
	"github.com/silverleaf/ldapd/stats"
)

// Method is the authentication CHOICE from the BindRequest grammar.
type Method int

const (
	MethodSimple Method = iota
	MethodSASL
)

const (
	saslMechExternal = "EXTERNAL"
	maxSASLMechLen   = 255
)

// Request is the decoded BindRequest.
type Request struct {
	Version     int64
	DN          string
	Method      Method
	SASLMech    string
	Credentials []byte
}

// protoErr carries an LDAP result code plus diagnostic text for a
// decode/policy failure that produces a BindResponse rather than a
// connection teardown.
type protoErr struct {
	Code plugin.ResultCode
	Msg  string
}

func (e *protoErr) Error() string { return e.Msg }

func fail(code plugin.ResultCode, msg string) error { return &protoErr{Code: code, Msg: msg} }

// Decode parses a BindRequest protocolOp packet per the RFC 4511
// grammar. strictDN additionally requires the target DN to parse as a
// valid LDAP DN (InvalidDNSyntax rather than a bare decode failure).
func Decode(op *goberasn1.Packet, strictDN bool) (Request, error) {
	if op == nil || len(op.Children) < 3 {
		return Request{}, fail(plugin.ProtocolError, "malformed BindRequest")
	}

	version, ok := op.Children[0].Value.(int64)
	if !ok {
		return Request{}, fail(plugin.ProtocolError, "malformed BindRequest version")
	}

	dn, ok := op.Children[1].Value.(string)
	if !ok {
		return Request{}, fail(plugin.ProtocolError, "malformed BindRequest name")
	}
	if strictDN && dn != "" {
		if _, err := goldap.ParseDN(dn); err != nil {
			return Request{}, fail(plugin.InvalidDNSyntax, "invalid DN syntax")
		}
	}

	auth := op.Children[2]
	req := Request{Version: version, DN: dn}

	switch {
	case auth.ClassType == goberasn1.ClassContext && auth.Tag == 0:
		req.Method = MethodSimple
		if s, ok := auth.Value.(string); ok {
			req.Credentials = []byte(s)
		} else if auth.ByteValue != nil {
			req.Credentials = auth.ByteValue
		}

	case auth.ClassType == goberasn1.ClassContext && auth.Tag == 3:
		req.Method = MethodSASL
		if len(auth.Children) < 1 {
			return Request{}, fail(plugin.ProtocolError, "malformed SASL credentials")
		}
		mech, ok := auth.Children[0].Value.(string)
		if !ok {
			return Request{}, fail(plugin.ProtocolError, "malformed SASL mechanism")
		}
		req.SASLMech = mech
		if len(auth.Children) > 1 {
			if c, ok := auth.Children[1].Value.(string); ok {
				req.Credentials = []byte(c)
			} else {
				req.Credentials = auth.Children[1].ByteValue
			}
		}

	default:
		return Request{}, fail(plugin.ProtocolError, "unknown BindRequest authentication choice")
	}

	return req, nil
}

// Policy is the subset of cn=config that governs bind processing.
type Policy struct {
	MinSSF               int32
	MinSSFExcludeRootDSE bool
	AnonAccess           string // "off" | "on" | "rootdse"
	UnauthBindsAllowed   bool
	RequireSecureBinds   bool
	ForceSASLExternal    bool
	RootDN               string
	RootPW               string
	StrictDN             bool
	SupportedSASLMechs   []string
}

// ExternalIdentity resolves the identity a transport layer vouches for
// out of band: a TLS client certificate subject, or a UNIX peer
// credential for local sockets. Returns ok=false if no such identity is
// available (anonymous TLS, TCP socket).
type ExternalIdentity func(conn *conntable.Connection) (dn string, ok bool)

// Hook is a PRE_BIND/POST_BIND plugin extension point.
// A non-nil return means the plugin already sent a result
// and the processor must not send another.
type Hook func(ctx context.Context, conn *conntable.Connection, req Request) error

// Processor drives the bind state machine.
type Processor struct {
	Policy   Policy
	Mapping  plugin.MappingTree
	PwPolicy plugin.PasswordPolicy
	Stats    *stats.Registry
	Log      logger.Logger
	External ExternalIdentity

	PreBind  []Hook
	PostBind []Hook
}

// pwExpiredOID / pwExpiringOID are the well-known password-policy
// response control OIDs.
const (
	pwExpiredOID  = "2.16.840.1.113730.3.4.4"
	pwExpiringOID = "2.16.840.1.113730.3.4.5"
)

// Process runs the full bind state machine for one BindRequest and
// returns the encoded BindResponse to send, or nil if a backend/plugin
// already sent its own result.
func (p *Processor) Process(ctx context.Context, conn *conntable.Connection, op *operation.Operation, pkt *goberasn1.Packet) (*goberasn1.Packet, error) {
	req, err := Decode(pkt, p.Policy.StrictDN)
	if err != nil {
		return p.respondErr(op.MsgID, err), nil
	}

	if req.Method != MethodSASL {
		conn.ClearFlag(conntable.FlagSASLContinue)
	}

	req, promoted, err := p.applyVersionRules(conn, req)
	if err != nil {
		return p.respondErr(op.MsgID, err), nil
	}

	for _, h := range p.PreBind {
		if herr := h(ctx, conn, req); herr != nil {
			return nil, nil
		}
	}

	var resp *goberasn1.Packet
	var procErr error
	switch {
	case promoted || (req.Method == MethodSASL && req.SASLMech == saslMechExternal):
		resp, procErr = p.bindExternal(conn, op)
	case req.Method == MethodSASL:
		resp, procErr = p.bindSASL(ctx, conn, op, req)
	default:
		resp, procErr = p.bindSimple(ctx, conn, op, req)
	}

	for _, h := range p.PostBind {
		_ = h(ctx, conn, req)
	}

	return resp, procErr
}

// applyVersionRules enforces the per-version bind rules. LDAPv2 KRBv4
// tags are rejected outright rather than accepted and ignored.
func (p *Processor) applyVersionRules(conn *conntable.Connection, req Request) (Request, bool, error) {
	if req.Version != 2 && req.Version != 3 {
		return req, false, fail(plugin.ProtocolError, "unsupported protocol version")
	}

	if req.Version == 2 {
		if req.Method == MethodSASL {
			return req, false, fail(plugin.ProtocolError, "SASL credentials not permitted on an LDAPv2 session")
		}
		if req.DN == "" && len(req.Credentials) == 0 {
			if dn, ok := p.externalIdentity(conn); ok {
				return Request{Version: req.Version, DN: dn, Method: MethodSASL, SASLMech: saslMechExternal}, true, nil
			}
		}
		return req, false, fail(plugin.ProtocolError, "LDAPv2 is not supported")
	}

	if p.Policy.ForceSASLExternal && req.Method == MethodSimple && req.DN == "" && len(req.Credentials) == 0 {
		if dn, ok := p.externalIdentity(conn); ok {
			return Request{Version: req.Version, DN: dn, Method: MethodSASL, SASLMech: saslMechExternal}, true, nil
		}
	}

	return req, false, nil
}

func (p *Processor) externalIdentity(conn *conntable.Connection) (string, bool) {
	if p.External == nil {
		return "", false
	}
	return p.External(conn)
}

// bindExternal implements the SASL EXTERNAL path: requires
// TLS and a successfully mapped external identity.
func (p *Processor) bindExternal(conn *conntable.Connection, op *operation.Operation) (*goberasn1.Packet, error) {
	if !conn.Flags().Has(conntable.FlagTLS) {
		p.Stats.BindSecurityError.Add(1)
		return p.respond(op.MsgID, plugin.InappropriateAuth, "", "SASL EXTERNAL requires a TLS connection"), nil
	}
	dn, ok := p.externalIdentity(conn)
	if !ok || dn == "" {
		p.Stats.BindSecurityError.Add(1)
		return p.respond(op.MsgID, plugin.InvalidCredentials, "", "no external identity could be mapped"), nil
	}

	conn.Lock()
	conn.AuthDN = dn
	conn.AuthType = conntable.AuthSASLExternal
	conn.NeedPasswordChg = false
	conn.Unlock()

	p.Stats.StrongBinds.Add(1)
	return p.respond(op.MsgID, plugin.Success, "", ""), nil
}

// bindSASL hands off to an internally-known mechanism (only EXTERNAL, via
// bindExternal, is handled internally in this module) or, for any other
// mechanism name, reports AuthMethodNotSupported: no general-purpose SASL
// library is wired into this module.
func (p *Processor) bindSASL(_ context.Context, conn *conntable.Connection, op *operation.Operation, req Request) (*goberasn1.Packet, error) {
	if req.SASLMech == "" || len(req.SASLMech) > maxSASLMechLen {
		p.Stats.BindSecurityError.Add(1)
		return p.respond(op.MsgID, plugin.AuthMethodNotSupported, "", "empty or oversize SASL mechanism name"), nil
	}
	if req.SASLMech == saslMechExternal {
		return p.bindExternal(conn, op)
	}
	for _, m := range p.Policy.SupportedSASLMechs {
		if m == req.SASLMech {
			// Internally supported but not EXTERNAL: no concrete
			// mechanism handler ships with this module.
			p.Stats.BindSecurityError.Add(1)
			return p.respond(op.MsgID, plugin.AuthMethodNotSupported, "", fmt.Sprintf("mechanism %q has no configured handler", req.SASLMech)), nil
		}
	}
	p.Stats.BindSecurityError.Add(1)
	return p.respond(op.MsgID, plugin.AuthMethodNotSupported, "", fmt.Sprintf("unsupported SASL mechanism %q", req.SASLMech)), nil
}

// bindSimple implements the SIMPLE path: SSF floor, the
// four DN/password combinations, the root-DN shortcut, and backend
// routing.
func (p *Processor) bindSimple(ctx context.Context, conn *conntable.Connection, op *operation.Operation, req Request) (*goberasn1.Packet, error) {
	if p.Policy.MinSSF > 0 && !p.Policy.MinSSFExcludeRootDSE {
		if conn.EffectiveSSF() < p.Policy.MinSSF {
			p.Stats.BindSecurityError.Add(1)
			return p.respond(op.MsgID, plugin.UnwillingToPerform, "", "Minimum SSF not met."), nil
		}
	}

	emptyDN := req.DN == ""
	emptyPW := len(req.Credentials) == 0

	switch {
	case emptyDN && emptyPW:
		if p.Policy.AnonAccess == "off" {
			p.Stats.BindSecurityError.Add(1)
			return p.respond(op.MsgID, plugin.InappropriateAuth, "", "Anonymous access is not permitted."), nil
		}
		conn.Lock()
		conn.AuthDN = ""
		conn.AuthType = conntable.AuthAnonymous
		conn.IsRoot = false
		conn.NeedPasswordChg = false
		conn.Unlock()
		p.Stats.AnonymousBinds.Add(1)
		return p.respond(op.MsgID, plugin.Success, "", ""), nil

	case !emptyDN && emptyPW:
		if p.Policy.AnonAccess != "on" {
			p.Stats.BindSecurityError.Add(1)
			return p.respond(op.MsgID, plugin.InappropriateAuth, "", "Anonymous access is not permitted."), nil
		}
		if !p.Policy.UnauthBindsAllowed {
			p.Stats.BindSecurityError.Add(1)
			return p.respond(op.MsgID, plugin.UnwillingToPerform, "", "Unauthenticated binds are not allowed."), nil
		}
		conn.Lock()
		conn.AuthDN = req.DN
		conn.AuthType = conntable.AuthUnauthenticated
		conn.IsRoot = false
		conn.NeedPasswordChg = false
		conn.Unlock()
		p.Stats.UnauthBinds.Add(1)
		return p.respond(op.MsgID, plugin.Success, "", ""), nil
	}

	if p.Policy.RequireSecureBinds && conn.EffectiveSSF() == 0 {
		p.Stats.BindSecurityError.Add(1)
		return p.respond(op.MsgID, plugin.ConfidentialityReqd, "", "Operation requires a secure connection."), nil
	}

	if p.Policy.RootDN != "" && req.DN == p.Policy.RootDN {
		if req.Credentials != nil && string(req.Credentials) == p.Policy.RootPW && p.Policy.RootPW != "" {
			conn.Lock()
			conn.AuthDN = req.DN
			conn.AuthType = conntable.AuthRoot
			conn.IsRoot = true
			conn.NeedPasswordChg = false
			conn.Unlock()
			p.Stats.SimpleBinds.Add(1)
			return p.respond(op.MsgID, plugin.Success, "", ""), nil
		}
		p.Stats.BindSecurityError.Add(1)
		return p.respond(op.MsgID, plugin.InvalidCredentials, "", ""), nil
	}

	return p.bindViaBackend(ctx, conn, op, req)
}

func (p *Processor) bindViaBackend(ctx context.Context, conn *conntable.Connection, op *operation.Operation, req Request) (*goberasn1.Packet, error) {
	if p.Mapping == nil {
		p.Stats.BindSecurityError.Add(1)
		return p.respond(op.MsgID, plugin.UnwillingToPerform, "", "no backend is configured for this naming context"), nil
	}

	be, ok := p.Mapping.Resolve(req.DN)
	if !ok || be == nil || be.Bind == nil {
		p.Stats.BindSecurityError.Add(1)
		return p.respond(op.MsgID, plugin.UnwillingToPerform, "", ""), nil
	}

	result, err := be.Bind(ctx, req.DN, "SIMPLE", req.Credentials)
	if err != nil {
		p.Stats.BindSecurityError.Add(1)
		return p.respond(op.MsgID, plugin.OperationsError, "", err.Error()), nil
	}

	switch result.Outcome {
	case plugin.BindHandled:
		return nil, nil

	case plugin.BindReferral:
		return p.respondReferral(op.MsgID, result.Referrals), nil

	case plugin.BindAnonymous:
		conn.Lock()
		conn.AuthDN = ""
		conn.AuthType = conntable.AuthAnonymous
		conn.IsRoot = false
		conn.NeedPasswordChg = false
		conn.Unlock()
		p.Stats.AnonymousBinds.Add(1)
		return p.respond(op.MsgID, plugin.Success, "", ""), nil

	case plugin.BindSuccess:
		if result.Code != plugin.Success {
			p.Stats.BindSecurityError.Add(1)
			return p.respond(op.MsgID, result.Code, "", ""), nil
		}
		if result.AccountLock {
			p.Stats.BindSecurityError.Add(1)
			return p.respond(op.MsgID, plugin.InvalidCredentials, "", "account is locked"), nil
		}

		conn.Lock()
		conn.AuthDN = req.DN
		conn.AuthType = conntable.AuthSimple
		conn.IsRoot = false
		conn.NeedPasswordChg = result.PwExpired
		conn.Unlock()
		p.Stats.SimpleBinds.Add(1)

		expired, expiringIn, locked := false, 0, false
		if p.PwPolicy != nil {
			expired, expiringIn, locked = p.PwPolicy.Check(ctx, req.DN)
		}
		if locked {
			p.Stats.BindSecurityError.Add(1)
			return p.respond(op.MsgID, plugin.InvalidCredentials, "", "account is locked"), nil
		}

		resp := p.respond(op.MsgID, plugin.Success, "", "")
		if result.PwExpired || expired {
			ber.AppendControls(resp, ber.Control{OID: pwExpiredOID})
		} else if result.PwExpiring || expiringIn > 0 {
			n := result.ExpiresIn
			if expiringIn > n {
				n = expiringIn
			}
			resp = p.respondPwExpiring(resp, n)
		}
		return resp, nil

	default:
		p.Stats.BindSecurityError.Add(1)
		return p.respond(op.MsgID, plugin.OperationsError, "", ""), nil
	}
}

func (p *Processor) respondPwExpiring(resp *goberasn1.Packet, secondsLeft int) *goberasn1.Packet {
	ber.AppendControls(resp, ber.Control{OID: pwExpiringOID, Value: []byte(fmt.Sprintf("%d", secondsLeft))})
	return resp
}

func (p *Processor) respond(msgID int64, code plugin.ResultCode, matchedDN, diag string) *goberasn1.Packet {
	return ber.EncodeResult(msgID, goldap.ApplicationBindResponse, uint16(code), matchedDN, diag)
}

func (p *Processor) respondReferral(msgID int64, refs []string) *goberasn1.Packet {
	envelope := p.respond(msgID, plugin.Referral, "", "")
	// Referral URIs are carried as additional OCTET STRING children of
	// a [3] SEQUENCE per RFC 4511 4.1.10; appended directly since
	// EncodeResult's envelope shape already matches the LDAPResult
	// prefix every response shares.
	if len(refs) == 0 {
		return envelope
	}
	op := envelope.Children[1]
	seq := goberasn1.Encode(goberasn1.ClassContext, goberasn1.TypeConstructed, 3, nil, "referral")
	for _, r := range refs {
		seq.AppendChild(goberasn1.NewString(goberasn1.ClassUniversal, goberasn1.TypePrimitive, goberasn1.TagOctetString, r, "uri"))
	}
	op.AppendChild(seq)
	return envelope
}

func (p *Processor) respondErr(msgID int64, err error) *goberasn1.Packet {
	if pe, ok := err.(*protoErr); ok {
		return p.respond(msgID, pe.Code, "", pe.Msg)
	}
	return p.respond(msgID, plugin.ProtocolError, "", err.Error())
}
