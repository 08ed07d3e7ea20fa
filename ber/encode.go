package ber

import (
	goberasn1 "github.com/go-asn1-ber/asn1-ber"
	goldap "github.com/go-ldap/ldap/v3"
)

// EncodeResult builds the generic LDAPResult envelope
// (SEQUENCE{ msgid INTEGER, protocolOp APPLICATION[appTag] SEQUENCE{
//   resultCode ENUMERATED, matchedDN OCTET STRING, diagnosticMessage OCTET STRING } })
// shared by every response op (BindResponse, SearchResultDone,
// ModifyResponse, ...). appTag is one of the goldap.Application* constants.
func EncodeResult(msgID int64, appTag uint64, resultCode uint16, matchedDN, diagnosticMessage string) *goberasn1.Packet {
	envelope := goberasn1.Encode(goberasn1.ClassUniversal, goberasn1.TypeConstructed, goberasn1.TagSequence, nil, "LDAPMessage")
	envelope.AppendChild(goberasn1.NewInteger(goberasn1.ClassUniversal, goberasn1.TypePrimitive, goberasn1.TagInteger, msgID, "MessageID"))

	op := goberasn1.Encode(goberasn1.ClassApplication, goberasn1.TypeConstructed, goberasn1.Tag(appTag), nil, "protocolOp")
	op.AppendChild(goberasn1.NewInteger(goberasn1.ClassUniversal, goberasn1.TypePrimitive, goberasn1.TagEnumerated, int64(resultCode), "resultCode"))
	op.AppendChild(goberasn1.NewString(goberasn1.ClassUniversal, goberasn1.TypePrimitive, goberasn1.TagOctetString, matchedDN, "matchedDN"))
	op.AppendChild(goberasn1.NewString(goberasn1.ClassUniversal, goberasn1.TypePrimitive, goberasn1.TagOctetString, diagnosticMessage, "diagnosticMessage"))

	envelope.AppendChild(op)
	return envelope
}

// EncodeExtendedResult is EncodeResult plus the optional responseName [10]
// and response [11] fields used by StartTLS and Password Modify.
func EncodeExtendedResult(msgID int64, resultCode uint16, matchedDN, diagnosticMessage, responseName string, response []byte) *goberasn1.Packet {
	envelope := EncodeResult(msgID, goldap.ApplicationExtendedResponse, resultCode, matchedDN, diagnosticMessage)
	op := envelope.Children[1]

	if responseName != "" {
		op.AppendChild(goberasn1.NewString(goberasn1.ClassContext, goberasn1.TypePrimitive, 10, responseName, "responseName"))
	}
	if response != nil {
		p := goberasn1.Encode(goberasn1.ClassContext, goberasn1.TypePrimitive, 11, nil, "response")
		p.Data.Write(response)
		p.ByteValue = response
		op.AppendChild(p)
	}
	return envelope
}

// Control is a minimal LDAPv3 response control: an OID, a criticality
// flag, and an opaque (already-BER-encoded) value.
type Control struct {
	OID      string
	Critical bool
	Value    []byte
}

// AppendControls attaches a Controls [0] SEQUENCE of the given controls
// to an envelope built by EncodeResult/EncodeExtendedResult. Each Control
// becomes a SEQUENCE{ controlType LDAPOID, criticality BOOLEAN DEFAULT
// FALSE, controlValue OCTET STRING OPTIONAL }.
func AppendControls(envelope *goberasn1.Packet, controls ...Control) {
	if len(controls) == 0 {
		return
	}

	seq := goberasn1.Encode(goberasn1.ClassContext, goberasn1.TypeConstructed, 0, nil, "Controls")
	for _, c := range controls {
		ctl := goberasn1.Encode(goberasn1.ClassUniversal, goberasn1.TypeConstructed, goberasn1.TagSequence, nil, "Control")
		ctl.AppendChild(goberasn1.NewString(goberasn1.ClassUniversal, goberasn1.TypePrimitive, goberasn1.TagOctetString, c.OID, "controlType"))
		if c.Critical {
			ctl.AppendChild(goberasn1.Encode(goberasn1.ClassUniversal, goberasn1.TypePrimitive, goberasn1.TagBoolean, true, "criticality"))
		}
		if c.Value != nil {
			v := goberasn1.Encode(goberasn1.ClassUniversal, goberasn1.TypePrimitive, goberasn1.TagOctetString, nil, "controlValue")
			v.Data.Write(c.Value)
			v.ByteValue = c.Value
			ctl.AppendChild(v)
		}
		seq.AppendChild(ctl)
	}
	envelope.AppendChild(seq)
}

// EncodeSearchResultEntry builds one SearchResultEntry message
// (SEQUENCE{ msgid INTEGER, protocolOp APPLICATION[4] SEQUENCE{
//   objectName LDAPDN, attributes SEQUENCE OF PartialAttribute } }).
// attrs order is nondeterministic (Go map iteration); callers that need a
// stable wire order should pre-sort attribute names themselves.
func EncodeSearchResultEntry(msgID int64, dn string, attrs map[string][]string) *goberasn1.Packet {
	envelope := goberasn1.Encode(goberasn1.ClassUniversal, goberasn1.TypeConstructed, goberasn1.TagSequence, nil, "LDAPMessage")
	envelope.AppendChild(goberasn1.NewInteger(goberasn1.ClassUniversal, goberasn1.TypePrimitive, goberasn1.TagInteger, msgID, "MessageID"))

	op := goberasn1.Encode(goberasn1.ClassApplication, goberasn1.TypeConstructed, goberasn1.Tag(goldap.ApplicationSearchResultEntry), nil, "SearchResultEntry")
	op.AppendChild(goberasn1.NewString(goberasn1.ClassUniversal, goberasn1.TypePrimitive, goberasn1.TagOctetString, dn, "objectName"))

	partial := goberasn1.Encode(goberasn1.ClassUniversal, goberasn1.TypeConstructed, goberasn1.TagSequence, nil, "attributes")
	for name, values := range attrs {
		pa := goberasn1.Encode(goberasn1.ClassUniversal, goberasn1.TypeConstructed, goberasn1.TagSequence, nil, "PartialAttribute")
		pa.AppendChild(goberasn1.NewString(goberasn1.ClassUniversal, goberasn1.TypePrimitive, goberasn1.TagOctetString, name, "type"))
		vals := goberasn1.Encode(goberasn1.ClassUniversal, goberasn1.TypeConstructed, goberasn1.TagSet, nil, "vals")
		for _, v := range values {
			vals.AppendChild(goberasn1.NewString(goberasn1.ClassUniversal, goberasn1.TypePrimitive, goberasn1.TagOctetString, v, "val"))
		}
		pa.AppendChild(vals)
		partial.AppendChild(pa)
	}
	op.AppendChild(partial)

	envelope.AppendChild(op)
	return envelope
}

// entryChangeNotificationOID is the well-known control OID for the
// EntryChangeNotification control a persistent search attaches to each
// matching SearchResultEntry.
const entryChangeNotificationOID = "2.16.840.1.113730.3.4.7"

// ChangeType mirrors the EntryChangeNotification changeType ENUMERATED
// (SEQUENCE{ changeType ENUM, previousDN? LDAPDN,
// changeNumber? INTEGER }).
type ChangeType int

const (
	ChangeAdd    ChangeType = 1
	ChangeDelete ChangeType = 2
	ChangeModify ChangeType = 4
	ChangeModDN  ChangeType = 8
)

// EncodeEntryChangeNotification builds the control value (the inner
// SEQUENCE only; wrap it in a Control{OID: entryChangeNotificationOID}
// via AppendControls) for one persistent-search notification.
func EncodeEntryChangeNotification(changeType ChangeType, previousDN string, changeNumber int64, hasChangeNumber bool) []byte {
	seq := goberasn1.Encode(goberasn1.ClassUniversal, goberasn1.TypeConstructed, goberasn1.TagSequence, nil, "EntryChangeNotification")
	seq.AppendChild(goberasn1.NewInteger(goberasn1.ClassUniversal, goberasn1.TypePrimitive, goberasn1.TagEnumerated, int64(changeType), "changeType"))
	if changeType == ChangeModDN && previousDN != "" {
		seq.AppendChild(goberasn1.NewString(goberasn1.ClassUniversal, goberasn1.TypePrimitive, goberasn1.TagOctetString, previousDN, "previousDN"))
	}
	if hasChangeNumber {
		seq.AppendChild(goberasn1.NewInteger(goberasn1.ClassUniversal, goberasn1.TypePrimitive, goberasn1.TagInteger, changeNumber, "changeNumber"))
	}
	return seq.Bytes()
}

// DecodeEntryChangeNotification is the inverse of
// EncodeEntryChangeNotification, decoding a control value back into its
// (changeType, previousDN?, changeNumber?) tuple.
func DecodeEntryChangeNotification(raw []byte) (changeType ChangeType, previousDN string, changeNumber int64, hasChangeNumber bool, err error) {
	pkt := goberasn1.DecodePacket(raw)
	if pkt == nil || len(pkt.Children) < 1 {
		return 0, "", 0, false, &FatalError{Reason: ReasonBadBerTag}
	}
	ct, ok := pkt.Children[0].Value.(int64)
	if !ok {
		return 0, "", 0, false, &FatalError{Reason: ReasonBadBerTag}
	}
	changeType = ChangeType(ct)

	for _, child := range pkt.Children[1:] {
		switch v := child.Value.(type) {
		case string:
			previousDN = v
		case int64:
			changeNumber = v
			hasChangeNumber = true
		}
	}
	return changeType, previousDN, changeNumber, hasChangeNumber, nil
}

// EntryChangeNotificationOID exposes the control OID to other packages
// (psearch) without duplicating the constant.
const EntryChangeNotificationOID = entryChangeNotificationOID

// PersistentSearchOID is the well-known request control OID a client
// attaches to a SEARCH to start a persistent search.
const PersistentSearchOID = "2.16.840.1.113730.3.4.3"

// FindControl returns the first control in a decoded Controls [0]
// SEQUENCE whose controlType matches oid, along with its controlValue.
// pkt is the raw Controls envelope as it appears as the third child of a
// decoded LDAPMessage; nil/absent controls simply report ok=false.
func FindControl(pkt *goberasn1.Packet, oid string) (value []byte, ok bool) {
	if pkt == nil {
		return nil, false
	}
	for _, ctl := range pkt.Children {
		if len(ctl.Children) < 1 {
			continue
		}
		ctype, _ := ctl.Children[0].Value.(string)
		if ctype != oid {
			continue
		}
		for _, child := range ctl.Children[1:] {
			if s, ok := child.Value.(string); ok {
				return []byte(s), true
			}
			if child.ByteValue != nil {
				return child.ByteValue, true
			}
		}
		return nil, true
	}
	return nil, false
}

// noticeOfDisconnectionOID is the well-known OID for the unsolicited
// Notice of Disconnection extended response (RFC 4511 4.4.1).
const noticeOfDisconnectionOID = "1.3.6.1.4.1.1466.20036"

// NoticeOfDisconnection builds the unsolicited notification sent on
// fatal framing errors, when the transport still permits a write.
func NoticeOfDisconnection(resultCode uint16, diagnosticMessage string) *goberasn1.Packet {
	return EncodeExtendedResult(0, resultCode, "", diagnosticMessage, noticeOfDisconnectionOID, nil)
}
