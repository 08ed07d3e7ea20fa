package ber

import liberr "github.com/silverleaf/ldapd/errors"

// CodeError values for the fatal framing reasons, registered on the
// shared error registry so a disconnect log line can carry a stable
// numeric code alongside the printable reason.
const (
	ErrorBerTooBig liberr.CodeError = iota + liberr.MinPkgLDAP
	ErrorBadBerTag
	ErrorBadMsgID
	ErrorProtocolTimeout
)

func init() {
	liberr.RegisterIdFctMessage(ErrorBerTooBig, getMessage)
}

func getMessage(code liberr.CodeError) string {
	switch code {
	case liberr.UnknownError:
		return ""
	case ErrorBerTooBig:
		return "BER element exceeds the configured maximum size"
	case ErrorBadBerTag:
		return "malformed or unexpected BER tag"
	case ErrorBadMsgID:
		return "missing or mis-tagged LDAP message id"
	case ErrorProtocolTimeout:
		return "read exceeded the io block timeout"
	}
	return liberr.NullMessage
}

// Code maps the fatal reason to its registered CodeError, for the
// numeric-code field of the disconnect access-log line.
func (e *FatalError) Code() liberr.CodeError {
	switch e.Reason {
	case ReasonBerTooBig:
		return ErrorBerTooBig
	case ReasonBadMsgID:
		return ErrorBadMsgID
	case ReasonProtocolTimeout:
		return ErrorProtocolTimeout
	default:
		return ErrorBadBerTag
	}
}
