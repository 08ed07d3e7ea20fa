package ber

import (
	goberasn1 "github.com/go-asn1-ber/asn1-ber"
)

// MessageID extracts and validates the msgid INTEGER that must be the
// first child of every LDAPMessage SEQUENCE. A missing or mis-tagged
// msgid is fatal to the connection.
func MessageID(pkt *goberasn1.Packet) (int64, error) {
	if pkt == nil || len(pkt.Children) < 1 {
		return 0, &FatalError{Reason: ReasonBadMsgID}
	}

	idPkt := pkt.Children[0]
	if idPkt.ClassType != goberasn1.ClassUniversal || idPkt.Tag != goberasn1.TagInteger {
		return 0, &FatalError{Reason: ReasonBadMsgID}
	}

	v, ok := idPkt.Value.(int64)
	if !ok {
		return 0, &FatalError{Reason: ReasonBadMsgID}
	}
	return v, nil
}

// ProtocolOp returns the protocolOp CHOICE packet (the second child of the
// LDAPMessage SEQUENCE) and its application tag.
func ProtocolOp(pkt *goberasn1.Packet) (*goberasn1.Packet, goberasn1.Tag, error) {
	if pkt == nil || len(pkt.Children) < 2 {
		return nil, 0, &FatalError{Reason: ReasonBadBerTag}
	}
	op := pkt.Children[1]
	if op.ClassType != goberasn1.ClassApplication {
		return nil, 0, &FatalError{Reason: ReasonBadBerTag}
	}
	return op, op.Tag, nil
}

// Controls returns the optional controls SEQUENCE (context tag [0]) if
// present, or nil.
func Controls(pkt *goberasn1.Packet) *goberasn1.Packet {
	if pkt == nil || len(pkt.Children) < 3 {
		return nil
	}
	ctl := pkt.Children[2]
	if ctl.ClassType == goberasn1.ClassContext && ctl.Tag == 0 {
		return ctl
	}
	return nil
}
