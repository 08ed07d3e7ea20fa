// Package memtest is an in-memory reference backend used only by this
// module's own tests to exercise the plugin.Backend/ACL/PasswordPolicy/
// MappingTree contracts end to end; it is never wired into cmd/ldapd.
package memtest

import (
	"context"
	"strings"
	"sync"

	"github.com/silverleaf/ldapd/plugin"
)

// Store is a trivial DN-keyed entry map with a matching password table,
// good enough to drive bindproc/dispatch tests without a real engine.
type Store struct {
	mu        sync.RWMutex
	entries   map[string]plugin.Entry
	passwords map[string]string
	namingCtx string
}

func New(namingContext string) *Store {
	return &Store{
		entries:   make(map[string]plugin.Entry),
		passwords: make(map[string]string),
		namingCtx: namingContext,
	}
}

func (s *Store) Put(e plugin.Entry, password string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.DN] = e
	if password != "" {
		s.passwords[e.DN] = password
	}
}

// Backend returns a plugin.Backend bound to this store.
func (s *Store) Backend() *plugin.Backend {
	return &plugin.Backend{
		Bind:    s.bind,
		Search:  s.search,
		Add:     s.add,
		Modify:  s.modify,
		Delete:  s.del,
		ModRDN:  s.modRDN,
		Compare: s.compare,
	}
}

func (s *Store) bind(_ context.Context, dn, method string, credentials []byte) (plugin.BindResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if method != "SIMPLE" {
		return plugin.BindResult{Outcome: plugin.BindSuccess, Code: plugin.UnwillingToPerform}, nil
	}
	want, ok := s.passwords[dn]
	if !ok || want != string(credentials) {
		return plugin.BindResult{Outcome: plugin.BindSuccess, Code: plugin.InvalidCredentials}, nil
	}
	return plugin.BindResult{Outcome: plugin.BindSuccess, Code: plugin.Success}, nil
}

func (s *Store) search(_ context.Context, baseDN string, _ int, filter string) ([]plugin.Entry, plugin.OpResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []plugin.Entry
	for dn, e := range s.entries {
		if baseDN != "" && !strings.HasSuffix(dn, baseDN) {
			continue
		}
		if filter != "" && filter != "(objectClass=*)" {
			continue
		}
		out = append(out, e)
	}
	return out, plugin.OpResult{Outcome: plugin.OpSuccess, Code: plugin.Success}, nil
}

func (s *Store) add(_ context.Context, e plugin.Entry) (plugin.OpResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.DN] = e
	return plugin.OpResult{Outcome: plugin.OpSuccess, Code: plugin.Success}, nil
}

func (s *Store) modify(_ context.Context, dn string, changes []plugin.Change) (plugin.OpResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[dn]
	if !ok {
		return plugin.OpResult{Outcome: plugin.OpSuccess, Code: plugin.OperationsError}, nil
	}
	for _, c := range changes {
		switch c.Op {
		case plugin.ChangeAdd:
			e.Attributes[c.Attr] = append(e.Attributes[c.Attr], c.Values...)
		case plugin.ChangeReplace:
			e.Attributes[c.Attr] = c.Values
		case plugin.ChangeDelete:
			delete(e.Attributes, c.Attr)
		}
	}
	s.entries[dn] = e
	return plugin.OpResult{Outcome: plugin.OpSuccess, Code: plugin.Success}, nil
}

func (s *Store) del(_ context.Context, dn string) (plugin.OpResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, dn)
	return plugin.OpResult{Outcome: plugin.OpSuccess, Code: plugin.Success}, nil
}

func (s *Store) modRDN(_ context.Context, dn, newRDN string, deleteOld bool, newSuperior string) (plugin.OpResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[dn]
	if !ok {
		return plugin.OpResult{Outcome: plugin.OpSuccess, Code: plugin.NoSuchObject}, nil
	}
	parent := ""
	if i := strings.Index(dn, ","); i >= 0 {
		parent = dn[i+1:]
	}
	if newSuperior != "" {
		parent = newSuperior
	}
	newDN := newRDN
	if parent != "" {
		newDN = newRDN + "," + parent
	}
	if deleteOld {
		delete(s.entries, dn)
	}
	e.DN = newDN
	s.entries[newDN] = e
	return plugin.OpResult{Outcome: plugin.OpSuccess, Code: plugin.Success}, nil
}

func (s *Store) compare(_ context.Context, dn, attr, value string) (plugin.OpResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entries[dn]
	if !ok {
		return plugin.OpResult{Outcome: plugin.OpSuccess, Code: plugin.NoSuchObject}, nil
	}
	for _, v := range e.Attributes[attr] {
		if strings.EqualFold(v, value) {
			return plugin.OpResult{Outcome: plugin.OpSuccess, Code: plugin.CompareTrue}, nil
		}
	}
	return plugin.OpResult{Outcome: plugin.OpSuccess, Code: plugin.CompareFalse}, nil
}

// MappingTree is a single-backend mapping tree good enough for tests.
type MappingTree struct {
	backend *plugin.Backend
	ctx     string
}

func NewMappingTree(s *Store) *MappingTree {
	return &MappingTree{backend: s.Backend(), ctx: s.namingCtx}
}

func (m *MappingTree) Resolve(dn string) (*plugin.Backend, bool) {
	if m.ctx == "" || strings.HasSuffix(dn, m.ctx) {
		return m.backend, true
	}
	return nil, false
}

func (m *MappingTree) NamingContexts() []string { return []string{m.ctx} }

// AllowAllACL grants every request; used where tests don't exercise ACL
// denial paths.
type AllowAllACL struct{}

func (AllowAllACL) Allowed(context.Context, string, string, string) bool { return true }

// NoPolicy reports no password-expiration state.
type NoPolicy struct{}

func (NoPolicy) Check(context.Context, string) (bool, int, bool) { return false, 0, false }
