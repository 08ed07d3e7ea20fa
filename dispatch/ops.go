package dispatch

import (
	"context"
	"crypto/tls"
	"fmt"
	"strings"

	goberasn1 "github.com/go-asn1-ber/asn1-ber"
	goldap "github.com/go-ldap/ldap/v3"

	"github.com/silverleaf/ldapd/ber"
	"github.com/silverleaf/ldapd/conntable"
	"github.com/silverleaf/ldapd/iolayer"
	"github.com/silverleaf/ldapd/operation"
	"github.com/silverleaf/ldapd/plugin"
	"github.com/silverleaf/ldapd/psearch"
)

// filter CHOICE tags this module decodes (RFC 4511 4.5.1). Substring,
// approxMatch, greaterOrEqual, lessOrEqual and extensibleMatch are left
// to the backend's own filter engine, which is out of scope here
// (this module only decodes the request).
const (
	filterAnd            = 0
	filterOr             = 1
	filterNot            = 2
	filterEqualityMatch  = 3
	filterPresent        = 7
)

// decodeFilter renders a Filter CHOICE packet back into an RFC 4515
// string, just enough for plugin.Backend.Search to match against.
// Unsupported choices degrade to "(objectClass=*)" rather than failing
// the whole request, since the backend is free to ignore an overbroad
// filter and the dispatcher is not a filter engine.
func decodeFilter(f *goberasn1.Packet) string {
	if f == nil {
		return "(objectClass=*)"
	}
	switch int(f.Tag) {
	case filterAnd, filterOr:
		op := "&"
		if int(f.Tag) == filterOr {
			op = "|"
		}
		var b strings.Builder
		b.WriteByte('(')
		b.WriteString(op)
		for _, child := range f.Children {
			b.WriteString(decodeFilter(child))
		}
		b.WriteByte(')')
		return b.String()
	case filterNot:
		if len(f.Children) != 1 {
			return "(objectClass=*)"
		}
		return "(!" + decodeFilter(f.Children[0]) + ")"
	case filterEqualityMatch:
		if len(f.Children) != 2 {
			return "(objectClass=*)"
		}
		attr, _ := f.Children[0].Value.(string)
		val, _ := f.Children[1].Value.(string)
		return fmt.Sprintf("(%s=%s)", attr, val)
	case filterPresent:
		attr, _ := f.Value.(string)
		if attr == "" {
			attr, _ = stringOf(f)
		}
		return fmt.Sprintf("(%s=*)", attr)
	default:
		return "(objectClass=*)"
	}
}

func stringOf(p *goberasn1.Packet) (string, bool) {
	if p.ByteValue != nil {
		return string(p.ByteValue), true
	}
	return "", false
}

// resolve looks the target DN up in the mapping tree, replying
// NoSuchObject through appTag when no backend claims it.
func (d *Dispatcher) resolve(op *operation.Operation, appTag uint64, dn string) (*plugin.Backend, *goberasn1.Packet) {
	if d.Mapping == nil {
		return nil, ber.EncodeResult(op.MsgID, appTag, uint16(plugin.OperationsError), "", "no mapping tree configured")
	}
	be, ok := d.Mapping.Resolve(dn)
	if !ok || be == nil {
		return nil, ber.EncodeResult(op.MsgID, appTag, uint16(plugin.NoSuchObject), "", "no backend for "+dn)
	}
	return be, nil
}

func encodeOpResult(msgID int64, appTag uint64, r plugin.OpResult) *goberasn1.Packet {
	switch r.Outcome {
	case plugin.OpReferral:
		env := ber.EncodeResult(msgID, appTag, uint16(plugin.Referral), "", "")
		if len(r.Referrals) > 0 {
			op := env.Children[1]
			refs := goberasn1.Encode(goberasn1.ClassContext, goberasn1.TypeConstructed, 3, nil, "referral")
			for _, ref := range r.Referrals {
				refs.AppendChild(goberasn1.NewString(goberasn1.ClassUniversal, goberasn1.TypePrimitive, goberasn1.TagOctetString, ref, "uri"))
			}
			op.AppendChild(refs)
		}
		return env
	default:
		return ber.EncodeResult(msgID, appTag, uint16(r.Code), "", "")
	}
}

// dispatchSearch decodes a SearchRequest, calls the resolved backend,
// streams SearchResultEntry messages, and returns the final
// SearchResultDone. TCP_CORK is held across the whole batch for
// non-local sockets so the TCP stack coalesces entries into fewer
// segments, released again before returning.
func (d *Dispatcher) dispatchSearch(ctx context.Context, conn *conntable.Connection, op *operation.Operation, reqOp *goberasn1.Packet) (*goberasn1.Packet, error) {
	appTag := uint64(goldap.ApplicationSearchResultDone)
	if reqOp == nil || len(reqOp.Children) < 7 {
		return ber.EncodeResult(op.MsgID, appTag, uint16(plugin.ProtocolError), "", "malformed SearchRequest"), nil
	}
	baseDN, _ := reqOp.Children[0].Value.(string)
	scope, _ := reqOp.Children[1].Value.(int64)
	filter := decodeFilter(reqOp.Children[6])

	if d.PSearch != nil {
		if raw, ok := ber.FindControl(op.Controls, ber.PersistentSearchOID); ok {
			if psreq, ok := psearch.DecodeRequest(raw); ok {
				if !psreq.ChangesOnly {
					d.replayExistingEntries(ctx, conn, op, baseDN, int(scope), filter)
				}
				return d.subscribePersistentSearch(conn, op, baseDN, int(scope), psreq)
			}
		}
	}

	be, errResp := d.resolve(op, appTag, baseDN)
	if errResp != nil {
		return errResp, nil
	}
	if be.Search == nil {
		return ber.EncodeResult(op.MsgID, appTag, uint16(plugin.UnwillingToPerform), "", "backend does not support search"), nil
	}

	corked := d.cork(conn, true)
	if corked {
		defer d.cork(conn, false)
	}

	entries, result, err := be.Search(ctx, baseDN, int(scope), filter)
	if err != nil {
		return ber.EncodeResult(op.MsgID, appTag, uint16(plugin.OperationsError), "", err.Error()), nil
	}
	if result.Outcome == plugin.OpHandled {
		return nil, errHandled
	}

	for _, e := range entries {
		if d.ACL != nil && !d.ACL.Allowed(ctx, op.AuthDN, e.DN, "search") {
			continue
		}
		entryPkt := ber.EncodeSearchResultEntry(op.MsgID, e.DN, e.Attributes)
		if conn.Stack != nil {
			if _, werr := conn.Stack.Write(entryPkt.Bytes()); werr != nil {
				return nil, werr
			}
		}
	}

	return encodeOpResult(op.MsgID, appTag, result), nil
}

// cork toggles TCP_CORK on the connection's raw fd; it is a no-op (and
// returns false) when the dispatcher has no corker, the platform isn't
// Linux, or the socket is a unix-domain (local) listener.
func (d *Dispatcher) cork(conn *conntable.Connection, on bool) bool {
	if d.Corker == nil {
		return false
	}
	if _, ok := conn.Local.(interface{ Network() string }); ok && conn.Local != nil && conn.Local.Network() == "unix" {
		return false
	}
	if err := d.Corker.SetCork(conn.FD(), on); err != nil {
		return false
	}
	return on
}

func (d *Dispatcher) dispatchAdd(ctx context.Context, op *operation.Operation, reqOp *goberasn1.Packet) (*goberasn1.Packet, error) {
	appTag := uint64(goldap.ApplicationAddResponse)
	if reqOp == nil || len(reqOp.Children) < 2 {
		return ber.EncodeResult(op.MsgID, appTag, uint16(plugin.ProtocolError), "", "malformed AddRequest"), nil
	}
	dn, _ := reqOp.Children[0].Value.(string)

	be, errResp := d.resolve(op, appTag, dn)
	if errResp != nil {
		return errResp, nil
	}
	if be.Add == nil {
		return ber.EncodeResult(op.MsgID, appTag, uint16(plugin.UnwillingToPerform), "", "backend does not support add"), nil
	}

	entry := plugin.Entry{DN: dn, Attributes: map[string][]string{}}
	for _, av := range reqOp.Children[1].Children {
		if len(av.Children) < 2 {
			continue
		}
		name, _ := av.Children[0].Value.(string)
		var values []string
		for _, v := range av.Children[1].Children {
			if s, ok := v.Value.(string); ok {
				values = append(values, s)
			}
		}
		entry.Attributes[name] = values
	}

	result, err := be.Add(ctx, entry)
	if err != nil {
		return ber.EncodeResult(op.MsgID, appTag, uint16(plugin.OperationsError), "", err.Error()), nil
	}
	if result.Outcome == plugin.OpHandled {
		return nil, errHandled
	}
	return encodeOpResult(op.MsgID, appTag, result), nil
}

func (d *Dispatcher) dispatchModify(ctx context.Context, op *operation.Operation, reqOp *goberasn1.Packet) (*goberasn1.Packet, error) {
	appTag := uint64(goldap.ApplicationModifyResponse)
	if reqOp == nil || len(reqOp.Children) < 2 {
		return ber.EncodeResult(op.MsgID, appTag, uint16(plugin.ProtocolError), "", "malformed ModifyRequest"), nil
	}
	dn, _ := reqOp.Children[0].Value.(string)

	be, errResp := d.resolve(op, appTag, dn)
	if errResp != nil {
		return errResp, nil
	}
	if be.Modify == nil {
		return ber.EncodeResult(op.MsgID, appTag, uint16(plugin.UnwillingToPerform), "", "backend does not support modify"), nil
	}

	var changes []plugin.Change
	for _, c := range reqOp.Children[1].Children {
		if len(c.Children) < 2 {
			continue
		}
		opCode, _ := c.Children[0].Value.(int64)
		av := c.Children[1]
		if len(av.Children) < 2 {
			continue
		}
		name, _ := av.Children[0].Value.(string)
		var values []string
		for _, v := range av.Children[1].Children {
			if s, ok := v.Value.(string); ok {
				values = append(values, s)
			}
		}
		changes = append(changes, plugin.Change{Op: plugin.ChangeOp(opCode), Attr: name, Values: values})
	}

	result, err := be.Modify(ctx, dn, changes)
	if err != nil {
		return ber.EncodeResult(op.MsgID, appTag, uint16(plugin.OperationsError), "", err.Error()), nil
	}
	if result.Outcome == plugin.OpHandled {
		return nil, errHandled
	}
	return encodeOpResult(op.MsgID, appTag, result), nil
}

func (d *Dispatcher) dispatchDelete(ctx context.Context, op *operation.Operation, reqOp *goberasn1.Packet) (*goberasn1.Packet, error) {
	appTag := uint64(goldap.ApplicationDelResponse)
	// DelRequest is a primitive OCTET STRING, not a SEQUENCE: the DN is
	// the packet's own value, not a child.
	dn, _ := stringOf(reqOp)
	if dn == "" {
		if s, ok := reqOp.Value.(string); ok {
			dn = s
		}
	}

	be, errResp := d.resolve(op, appTag, dn)
	if errResp != nil {
		return errResp, nil
	}
	if be.Delete == nil {
		return ber.EncodeResult(op.MsgID, appTag, uint16(plugin.UnwillingToPerform), "", "backend does not support delete"), nil
	}

	result, err := be.Delete(ctx, dn)
	if err != nil {
		return ber.EncodeResult(op.MsgID, appTag, uint16(plugin.OperationsError), "", err.Error()), nil
	}
	if result.Outcome == plugin.OpHandled {
		return nil, errHandled
	}
	return encodeOpResult(op.MsgID, appTag, result), nil
}

func (d *Dispatcher) dispatchModRDN(ctx context.Context, op *operation.Operation, reqOp *goberasn1.Packet) (*goberasn1.Packet, error) {
	appTag := uint64(goldap.ApplicationModifyDNResponse)
	if reqOp == nil || len(reqOp.Children) < 3 {
		return ber.EncodeResult(op.MsgID, appTag, uint16(plugin.ProtocolError), "", "malformed ModifyDNRequest"), nil
	}
	dn, _ := reqOp.Children[0].Value.(string)
	newRDN, _ := reqOp.Children[1].Value.(string)
	deleteOld, _ := reqOp.Children[2].Value.(bool)
	var newSuperior string
	if len(reqOp.Children) > 3 {
		newSuperior, _ = reqOp.Children[3].Value.(string)
	}

	be, errResp := d.resolve(op, appTag, dn)
	if errResp != nil {
		return errResp, nil
	}
	if be.ModRDN == nil {
		return ber.EncodeResult(op.MsgID, appTag, uint16(plugin.UnwillingToPerform), "", "backend does not support modrdn"), nil
	}

	result, err := be.ModRDN(ctx, dn, newRDN, deleteOld, newSuperior)
	if err != nil {
		return ber.EncodeResult(op.MsgID, appTag, uint16(plugin.OperationsError), "", err.Error()), nil
	}
	if result.Outcome == plugin.OpHandled {
		return nil, errHandled
	}
	return encodeOpResult(op.MsgID, appTag, result), nil
}

func (d *Dispatcher) dispatchCompare(ctx context.Context, op *operation.Operation, reqOp *goberasn1.Packet) (*goberasn1.Packet, error) {
	appTag := uint64(goldap.ApplicationCompareResponse)
	if reqOp == nil || len(reqOp.Children) < 2 || len(reqOp.Children[1].Children) < 2 {
		return ber.EncodeResult(op.MsgID, appTag, uint16(plugin.ProtocolError), "", "malformed CompareRequest"), nil
	}
	dn, _ := reqOp.Children[0].Value.(string)
	attr, _ := reqOp.Children[1].Children[0].Value.(string)
	value, _ := reqOp.Children[1].Children[1].Value.(string)

	be, errResp := d.resolve(op, appTag, dn)
	if errResp != nil {
		return errResp, nil
	}
	if be.Compare == nil {
		return ber.EncodeResult(op.MsgID, appTag, uint16(plugin.UnwillingToPerform), "", "backend does not support compare"), nil
	}

	result, err := be.Compare(ctx, dn, attr, value)
	if err != nil {
		return ber.EncodeResult(op.MsgID, appTag, uint16(plugin.OperationsError), "", err.Error()), nil
	}
	if result.Outcome == plugin.OpHandled {
		return nil, errHandled
	}
	return encodeOpResult(op.MsgID, appTag, result), nil
}

// Well-known extended-operation OIDs.
const (
	oidStartTLS        = "1.3.6.1.4.1.1466.20037"
	oidPasswordModify  = "1.3.6.1.4.1.4203.1.11.1"
	oidBulkImportStart = "2.16.840.1.113730.3.5.7"
	oidBulkImportDone  = "2.16.840.1.113730.3.5.8"
)

// startTLS implements the StartTLS extended operation:
// it does not install the TLS layer itself, since the
// Success response below must still cross the wire in plaintext first.
// Instead it arms conn.Pending with the new layer, which the composition
// root's ApplyPendingLayerChange seam installs, and drives the actual
// handshake on, at the top of the connection's next read cycle, which
// is after this response has been flushed.
func (d *Dispatcher) startTLS(conn *conntable.Connection, op *operation.Operation) (*goberasn1.Packet, error) {
	if conn.Flags().Has(conntable.FlagTLS) {
		return ber.EncodeExtendedResult(op.MsgID, uint16(plugin.OperationsError), "", "TLS already established", oidStartTLS, nil), nil
	}
	if d.TLSConfig == nil {
		return ber.EncodeExtendedResult(op.MsgID, uint16(plugin.ProtocolError), "", "StartTLS is not configured", oidStartTLS, nil), nil
	}

	conn.Lock()
	outstanding := conn.OpCount() > 1
	conn.Unlock()
	if outstanding {
		return ber.EncodeExtendedResult(op.MsgID, uint16(plugin.OperationsError), "", "StartTLS requires all other outstanding operations to complete first", oidStartTLS, nil), nil
	}

	netConn := iolayer.AsNetConn(conn.Stack.Top(), conn.Local, conn.Remote)
	tlsConn := tls.Server(netConn, d.TLSConfig.TLS(""))

	conn.Lock()
	conn.Pending = iolayer.PendingChange{Push: iolayer.NewTLS(conn.Stack.Top(), tlsConn)}
	conn.Unlock()
	conn.SetFlag(conntable.FlagTLS)

	return ber.EncodeExtendedResult(op.MsgID, uint16(plugin.Success), "", "", oidStartTLS, nil), nil
}

// dispatchExtended handles StartTLS, the bulk-import start/done pair and
// Password Modify inline; Password Modify is applied as a userPassword
// replace through the target entry's backend. Any other OID gets
// ProtocolError; extended operations are not routed to backends by OID.
func (d *Dispatcher) dispatchExtended(ctx context.Context, conn *conntable.Connection, op *operation.Operation, reqOp *goberasn1.Packet) (*goberasn1.Packet, error) {
	if reqOp == nil || len(reqOp.Children) < 1 {
		return ber.EncodeExtendedResult(op.MsgID, uint16(plugin.ProtocolError), "", "malformed ExtendedRequest", "", nil), nil
	}
	oid, _ := reqOp.Children[0].Value.(string)

	switch oid {
	case oidStartTLS:
		return d.startTLS(conn, op)

	case oidBulkImportStart:
		// While set, the gate above narrows the connection to ADD and
		// EXTENDED until the importing client sends Import Done.
		conn.SetFlag(conntable.FlagBulkImport)
		return ber.EncodeExtendedResult(op.MsgID, uint16(plugin.Success), "", "", oidBulkImportStart, nil), nil

	case oidBulkImportDone:
		conn.ClearFlag(conntable.FlagBulkImport)
		return ber.EncodeExtendedResult(op.MsgID, uint16(plugin.Success), "", "", oidBulkImportDone, nil), nil

	case oidPasswordModify:
		if len(reqOp.Children) < 2 {
			return ber.EncodeExtendedResult(op.MsgID, uint16(plugin.ProtocolError), "", "missing PasswdModifyRequestValue", oidPasswordModify, nil), nil
		}
		var targetDN, newPasswd string
		for _, c := range reqOp.Children[1].Children {
			switch int(c.Tag) {
			case 0:
				targetDN, _ = c.Value.(string)
			case 2:
				newPasswd, _ = c.Value.(string)
			}
		}
		if targetDN == "" {
			targetDN = op.AuthDN
		}
		be, errResp := d.resolve(op, uint64(goldap.ApplicationExtendedResponse), targetDN)
		if errResp != nil {
			return errResp, nil
		}
		if be.Modify == nil {
			return ber.EncodeExtendedResult(op.MsgID, uint16(plugin.UnwillingToPerform), "", "backend does not support password modify", oidPasswordModify, nil), nil
		}
		result, err := be.Modify(ctx, targetDN, []plugin.Change{{Op: plugin.ChangeReplace, Attr: "userPassword", Values: []string{newPasswd}}})
		if err != nil {
			return ber.EncodeExtendedResult(op.MsgID, uint16(plugin.OperationsError), "", err.Error(), oidPasswordModify, nil), nil
		}
		if result.Outcome == plugin.OpHandled {
			return nil, errHandled
		}
		return ber.EncodeExtendedResult(op.MsgID, uint16(result.Code), "", "", oidPasswordModify, nil), nil

	default:
		return ber.EncodeExtendedResult(op.MsgID, uint16(plugin.ProtocolError), "", "unsupported extended operation", oid, nil), nil
	}
}

// replayExistingEntries streams the entries that already match a
// persistent search before change notification begins (changesOnly is
// false). Best-effort: a missing or search-less backend just means the
// client starts from an empty result set, and no SearchResultDone is
// sent either way since the search stays open.
func (d *Dispatcher) replayExistingEntries(ctx context.Context, conn *conntable.Connection, op *operation.Operation, baseDN string, scope int, filter string) {
	if d.Mapping == nil || conn.Stack == nil {
		return
	}
	be, ok := d.Mapping.Resolve(baseDN)
	if !ok || be == nil || be.Search == nil {
		return
	}
	entries, result, err := be.Search(ctx, baseDN, scope, filter)
	if err != nil || result.Outcome != plugin.OpSuccess {
		return
	}
	for _, e := range entries {
		if d.ACL != nil && !d.ACL.Allowed(ctx, op.AuthDN, e.DN, "search") {
			continue
		}
		if _, werr := conn.Stack.Write(ber.EncodeSearchResultEntry(op.MsgID, e.DN, e.Attributes).Bytes()); werr != nil {
			return
		}
	}
}

// subscribePersistentSearch registers conn's SEARCH as a standing
// subscription instead of completing it: no
// SearchResultDone is sent now, and entries arrive asynchronously as
// SearchResultEntry messages carrying an EntryChangeNotification until
// the client abandons or the connection closes. acquiring a connection
// reference here mirrors the "refcount held up" invariant the registry
// documents on Subscribe.
func (d *Dispatcher) subscribePersistentSearch(conn *conntable.Connection, op *operation.Operation, baseDN string, scope int, req psearch.Request) (*goberasn1.Packet, error) {
	if !conn.Acquire() {
		return nil, errHandled
	}
	d.PSearch.Subscribe(conn, op.MsgID, op.AuthDN, baseDN, scope, scopeMatcher, req)
	return nil, nil
}

// scopeMatcher applies only the base/one-level/subtree scope test to a
// changed entry; the filter engine lives in the backends, so
// any entry within scope of baseDN notifies, and it is
// the client's job to tolerate over-broad delivery for an unsupported
// filter.
func scopeMatcher(baseDN string, scope int, entry plugin.Entry) bool {
	base := strings.ToLower(strings.TrimSpace(baseDN))
	dn := strings.ToLower(strings.TrimSpace(entry.DN))

	switch scope {
	case 0: // baseObject
		return dn == base
	case 1: // singleLevel
		if base == "" {
			return !strings.Contains(dn, ",")
		}
		rest := strings.TrimSuffix(dn, ","+base)
		return dn != base && rest != dn && !strings.Contains(rest, ",")
	default: // wholeSubtree
		return base == "" || dn == base || strings.HasSuffix(dn, ","+base)
	}
}
