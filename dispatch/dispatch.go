// Package dispatch implements the per-request gating and tag-based
// routing: the SSF floor, the anonymous gate, the
// password-change-required gate, bulk-import mode, and routing each
// decoded request to the matching backend operation through the
// plugin.MappingTree, TCP_CORK toggling around search on Linux.
package dispatch

import (
	"context"
	"errors"
	"runtime"

	goberasn1 "github.com/go-asn1-ber/asn1-ber"
	goldap "github.com/go-ldap/ldap/v3"
	"golang.org/x/sys/unix"

	"github.com/silverleaf/ldapd/ber"
	"github.com/silverleaf/ldapd/bindproc"
	"github.com/silverleaf/ldapd/certificates"
	"github.com/silverleaf/ldapd/conntable"
	"github.com/silverleaf/ldapd/operation"
	"github.com/silverleaf/ldapd/plugin"
	"github.com/silverleaf/ldapd/psearch"
	"github.com/silverleaf/ldapd/stats"
)

// Policy is the subset of cn=config that governs dispatch-time gating.
type Policy struct {
	MinSSF               int32
	MinSSFExcludeRootDSE bool
	AnonAccess           string // "off" | "on" | "rootdse"
}

// TCPCorker toggles TCP_CORK on a raw socket fd, satisfied by the real
// syscall on Linux or a no-op fake in tests.
type TCPCorker interface {
	SetCork(fd int, on bool) error
}

// linuxCorker is the real TCP_CORK toggle, used only on GOOS=="linux"
// and non-local (non-unix) sockets.
type linuxCorker struct{}

func (linuxCorker) SetCork(fd int, on bool) error {
	val := 0
	if on {
		val = 1
	}
	return unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_CORK, val)
}

// NewLinuxCorker returns the real TCP_CORK toggle when running on Linux,
// or nil otherwise (callers must treat a nil TCPCorker as a no-op).
func NewLinuxCorker() TCPCorker {
	if runtime.GOOS == "linux" {
		return linuxCorker{}
	}
	return nil
}

// Dispatcher routes decoded requests.
type Dispatcher struct {
	Policy  Policy
	Bind    *bindproc.Processor
	Mapping plugin.MappingTree
	ACL     plugin.ACL
	Stats   *stats.Registry
	Corker  TCPCorker

	// TLSConfig, when set, lets dispatchExtended's StartTLS handler build
	// a server-side TLS layer on top of a connection accepted on a plain
	// listener. Nil disables StartTLS with
	// ProtocolError, for daemons that only ever run with a dedicated TLS
	// listener or no TLS material at all.
	TLSConfig certificates.TLSConfig

	// PSearch, when set, lets dispatchSearch hand a SEARCH carrying a
	// PersistentSearch request control off to the subscription registry
	// instead of completing it as an ordinary one-shot search.
	// A nil PSearch degrades a persistent search into a
	// normal search, ignoring the control.
	PSearch *psearch.Registry

	// OnUnbind/OnAbandon let the composition root hook connection/op
	// teardown without dispatch needing to import workpool (it is the
	// worker loop, not this package, that tears down the socket).
	OnUnbind  func(conn *conntable.Connection)
	OnAbandon func(conn *conntable.Connection, targetMsgID int64)

	// Search/Add/Modify/Delete/ModRDN/Compare/Extended decode and
	// execute their request bodies; split out so the gating logic above
	// stays the single source of truth for the gating policy and the
	// per-operation wire decoding lives alongside it rather than in a
	// god-function.
}

var errHandled = errors.New("dispatch: backend already sent a result")

// pwExpiredOID is the well-known password-policy response control
// attached to the UNWILLING_TO_PERFORM reply when a password change is
// required but the incoming request isn't one of the ops permitted
// while pending. Duplicated from bindproc rather
// than imported, since bindproc's copy is unexported and this is the
// only other place it is needed.
const pwExpiredOID = "2.16.840.1.113730.3.4.4"

// Dispatch runs the full per-request pipeline for one decoded PDU:
// identity/SSF snapshot, gating, tag-based routing. It returns the
// encoded response to send, or nil (with err possibly errHandled) when
// the backend/plugin already sent its own result.
func (d *Dispatcher) Dispatch(ctx context.Context, conn *conntable.Connection, op *operation.Operation, tag goberasn1.Tag, reqOp *goberasn1.Packet) (*goberasn1.Packet, error) {
	flags := conn.Flags()
	conn.Lock()
	op.EffectiveSSF = conn.EffectiveSSF()
	op.AuthDN = conn.AuthDN
	needPW := conn.NeedPasswordChg
	conn.Unlock()
	isClosing := flags.Has(conntable.FlagClosing)
	bulkImport := flags.Has(conntable.FlagBulkImport)

	if isClosing {
		return nil, errHandled
	}

	t := int(tag)
	isRootDSESearch := t == goldap.ApplicationSearchRequest && isRootDSETarget(reqOp)

	if d.Policy.MinSSF > 0 && op.EffectiveSSF < d.Policy.MinSSF {
		deferred := d.Policy.MinSSFExcludeRootDSE && isRootDSESearch
		if !deferred && !isAlwaysPermitted(t) {
			d.Stats.BindSecurityError.Add(1)
			return ber.EncodeResult(op.MsgID, responseTagFor(t), uint16(plugin.UnwillingToPerform), "", "Minimum SSF not met."), nil
		}
	}

	if op.AuthDN == "" {
		switch d.Policy.AnonAccess {
		case "off":
			if !isAlwaysPermitted(t) {
				return ber.EncodeResult(op.MsgID, responseTagFor(t), uint16(plugin.InappropriateAuth), "", "Anonymous access is not permitted."), nil
			}
		case "rootdse":
			if !isAlwaysPermitted(t) && !(t == goldap.ApplicationSearchRequest) {
				return ber.EncodeResult(op.MsgID, responseTagFor(t), uint16(plugin.InappropriateAuth), "", "Anonymous access is not permitted."), nil
			}
		}
	}

	if needPW {
		if !isPasswordChangePermitted(t) {
			resp := ber.EncodeResult(op.MsgID, responseTagFor(t), uint16(plugin.UnwillingToPerform), "", "password change required")
			ber.AppendControls(resp, ber.Control{OID: pwExpiredOID})
			return resp, nil
		}
	}

	if bulkImport {
		if t != goldap.ApplicationAddRequest && t != goldap.ApplicationExtendedRequest {
			return ber.EncodeResult(op.MsgID, responseTagFor(t), uint16(plugin.ProtocolError), "", "only ADD and Import Done are permitted during bulk import"), nil
		}
	}

	switch t {
	case goldap.ApplicationBindRequest:
		return d.Bind.Process(ctx, conn, op, reqOp)

	case goldap.ApplicationUnbindRequest:
		conn.SetFlag(conntable.FlagClosing)
		if d.OnUnbind != nil {
			d.OnUnbind(conn)
		}
		return nil, nil

	case goldap.ApplicationAbandonRequest:
		if targetID, ok := reqOp.Value.(int64); ok {
			if d.PSearch != nil {
				d.PSearch.UnsubscribeByConnMsgID(conn, targetID)
			}
			if d.OnAbandon != nil {
				d.OnAbandon(conn, targetID)
			}
		}
		return nil, nil

	case goldap.ApplicationSearchRequest:
		return d.dispatchSearch(ctx, conn, op, reqOp)

	case goldap.ApplicationAddRequest:
		return d.dispatchAdd(ctx, op, reqOp)

	case goldap.ApplicationModifyRequest:
		return d.dispatchModify(ctx, op, reqOp)

	case goldap.ApplicationDelRequest:
		return d.dispatchDelete(ctx, op, reqOp)

	case goldap.ApplicationModifyDNRequest:
		return d.dispatchModRDN(ctx, op, reqOp)

	case goldap.ApplicationCompareRequest:
		return d.dispatchCompare(ctx, op, reqOp)

	case goldap.ApplicationExtendedRequest:
		return d.dispatchExtended(ctx, conn, op, reqOp)

	default:
		return ber.EncodeResult(op.MsgID, responseTagFor(t), uint16(plugin.ProtocolError), "", "unrecognized or unsupported request tag"), nil
	}
}

// isAlwaysPermitted is the SSF-floor/anon-off exception list:
// BIND/EXTENDED/UNBIND/ABANDON.
func isAlwaysPermitted(tag int) bool {
	switch tag {
	case goldap.ApplicationBindRequest, goldap.ApplicationExtendedRequest,
		goldap.ApplicationUnbindRequest, goldap.ApplicationAbandonRequest:
		return true
	}
	return false
}

// isPasswordChangePermitted is the needpw exception list:
// BIND/MODIFY/UNBIND/ABANDON/EXTENDED.
func isPasswordChangePermitted(tag int) bool {
	switch tag {
	case goldap.ApplicationBindRequest, goldap.ApplicationModifyRequest,
		goldap.ApplicationUnbindRequest, goldap.ApplicationAbandonRequest,
		goldap.ApplicationExtendedRequest:
		return true
	}
	return false
}

func responseTagFor(reqTag int) uint64 {
	switch reqTag {
	case goldap.ApplicationBindRequest:
		return goldap.ApplicationBindResponse
	case goldap.ApplicationSearchRequest:
		return goldap.ApplicationSearchResultDone
	case goldap.ApplicationModifyRequest:
		return goldap.ApplicationModifyResponse
	case goldap.ApplicationAddRequest:
		return goldap.ApplicationAddResponse
	case goldap.ApplicationDelRequest:
		return goldap.ApplicationDelResponse
	case goldap.ApplicationModifyDNRequest:
		return goldap.ApplicationModifyDNResponse
	case goldap.ApplicationCompareRequest:
		return goldap.ApplicationCompareResponse
	case goldap.ApplicationExtendedRequest:
		return goldap.ApplicationExtendedResponse
	default:
		return goldap.ApplicationExtendedResponse
	}
}

func isRootDSETarget(reqOp *goberasn1.Packet) bool {
	if reqOp == nil || len(reqOp.Children) < 2 {
		return false
	}
	base, ok := reqOp.Children[0].Value.(string)
	if !ok {
		return false
	}
	scope, ok := reqOp.Children[1].Value.(int64)
	return base == "" && ok && scope == 0 // base object scope on the empty DN
}
