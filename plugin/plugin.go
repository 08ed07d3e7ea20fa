// Package plugin defines the backend contract consumed by the bind
// processor and dispatcher: schema, ACL, password-policy, and storage
// engines live outside this module and are reached only through these
// interfaces.
package plugin

import "context"

// ResultCode mirrors the LDAPv3 result-code space backends reply with.
type ResultCode uint16

const (
	Success               ResultCode = 0
	OperationsError       ResultCode = 1
	ProtocolError         ResultCode = 2
	CompareFalse          ResultCode = 5
	CompareTrue           ResultCode = 6
	AuthMethodNotSupported ResultCode = 7
	StrongAuthRequired    ResultCode = 8
	Referral              ResultCode = 10
	ConfidentialityReqd   ResultCode = 13
	SaslBindInProgress    ResultCode = 14
	NoSuchObject          ResultCode = 32
	InvalidDNSyntax       ResultCode = 34
	InappropriateAuth     ResultCode = 48
	InvalidCredentials    ResultCode = 49
	InsufficientAccess    ResultCode = 50
	UnwillingToPerform    ResultCode = 53
)

// BindOutcome is the backend bind contract:
// Success means the backend vouches for the identity; Anonymous lets the
// backend accept a bind without granting an identity; Handled means the
// backend already sent a result and the caller must not send another;
// Referral means the caller answers with BindResult.Referrals.
type BindOutcome int

const (
	BindSuccess BindOutcome = iota
	BindAnonymous
	BindHandled
	BindReferral
)

// BindResult is what a backend returns from Bind.
type BindResult struct {
	Outcome     BindOutcome
	Code        ResultCode
	Referrals   []string
	PwExpired   bool
	PwExpiring  bool
	ExpiresIn   int // seconds, valid iff PwExpiring
	AccountLock bool
}

// SearchOutcome mirrors BindOutcome for Search/Add/Modify/Delete/ModRDN:
// Success means "dispatcher sends the final result", Handled means the
// backend already sent one.
type SearchOutcome int

const (
	OpSuccess SearchOutcome = iota
	OpHandled
	OpReferral
)

// OpResult is the generic backend reply for non-bind operations.
type OpResult struct {
	Outcome   SearchOutcome
	Code      ResultCode
	Referrals []string
}

// Entry is the minimal directory-entry shape the front end needs: a DN
// and an attribute-name -> values map. Backends may carry richer internal
// representations; this is only the surface crossing the plugin
// boundary.
type Entry struct {
	DN         string
	Attributes map[string][]string
}

// Backend is the storage-engine contract a mapping-tree node implements.
// Every method may legitimately answer BindHandled/OpHandled, meaning it
// already wrote the LDAP result itself.
type Backend struct {
	Bind    func(ctx context.Context, dn string, method string, credentials []byte) (BindResult, error)
	Search  func(ctx context.Context, baseDN string, scope int, filter string) ([]Entry, OpResult, error)
	Add     func(ctx context.Context, e Entry) (OpResult, error)
	Modify  func(ctx context.Context, dn string, changes []Change) (OpResult, error)
	Delete  func(ctx context.Context, dn string) (OpResult, error)
	ModRDN  func(ctx context.Context, dn, newRDN string, deleteOld bool, newSuperior string) (OpResult, error)
	Compare func(ctx context.Context, dn, attr, value string) (OpResult, error)
}

// Change is one MODIFY operation's attribute delta.
type Change struct {
	Op     ChangeOp
	Attr   string
	Values []string
}

type ChangeOp int

const (
	ChangeAdd ChangeOp = iota
	ChangeDelete
	ChangeReplace
)

// ACL is the access-control contract; the dispatcher and persistent
// search re-check it per entry.
type ACL interface {
	Allowed(ctx context.Context, authDN, targetDN string, op string) bool
}

// PasswordPolicy reports expiration state for the bind processor's
// PWEXPIRED/PWEXPIRING control attachment.
type PasswordPolicy interface {
	Check(ctx context.Context, dn string) (expired bool, expiringIn int, locked bool)
}

// MappingTree resolves a target DN to the Backend responsible for it.
type MappingTree interface {
	Resolve(dn string) (*Backend, bool)
	NamingContexts() []string
}
