// Package fedse implements the front-end DSE:
// the root DSE and cn=config/monitor/... entries, represented as an
// in-memory, DN-keyed tree loaded from an LDIF file at startup, with
// static entries read/written like ordinary directory entries and
// synthesized entries (rootDSE, cn=monitor, cn=snmp,cn=monitor,
// cn=counters,cn=monitor, registered by RegisterMonitorTree) populated at
// search time by callbacks keyed by (DN, scope, filter, phase). No
// callback is registered for cn=encryption,cn=config; MonitorDeleteGuard
// still refuses to delete it.
package fedse

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	"github.com/silverleaf/ldapd/plugin"
)

// Phase is the callback invocation point within a search.
type Phase int

const (
	// PhaseEntry fires once per matching entry to let a callback fill in
	// the entry's synthesized attributes before it is returned.
	PhaseEntry Phase = iota
)

// Callback synthesizes attributes for a live entry (root DSE, monitor,
// ...) at search time, reflecting live counter and connection-table
// state rather than a static LDIF
// value.
type Callback func(ctx context.Context) map[string][]string

// FilterFn decides whether a registered callback applies to a given
// search (base DN + scope); the filter engine lives in the backends, so
// this is a narrow scope/base predicate, not a general filter evaluator.
type FilterFn func(baseDN string, scope int) bool

type registration struct {
	dn       string
	scope    int
	filter   FilterFn
	phase    Phase
	callback Callback
}

// Entry is one node in the DSE tree: a DN plus its attribute values.
// Synthesized is true for rootDSE/monitor-style entries that reject
// Delete and are populated by callbacks rather than stored values alone.
type Entry struct {
	DN          string
	Attributes  map[string][]string
	Synthesized bool
}

// readOnlyAttributes mirrors rootdse.c's readonly_attributes[] table:
// these may never be written via a root DSE Modify.
var readOnlyAttributes = map[string]bool{
	"namingcontexts":          true,
	"nsbackendsuffix":         true,
	"subschemasubentry":       true,
	"supportedldapversion":    true,
	"supportedcontrol":        true,
	"supportedextension":      true,
	"supportedsaslmechanisms": true,
	"dataversion":             true,
	"vendorname":              true,
	"vendorversion":           true,
}

// writableAttributes mirrors rootdse.c's writable_attributes[] table:
// the referral list and ACIs stay writable even though they overlap in
// prefix with a read-only entry.
var writableAttributes = map[string]bool{
	"copiedfrom":  true,
	"copyingfrom": true,
	"aci":         true,
	"ref":         true,
}

// IsReadOnlyAttr reports whether attr may not be written to the root
// DSE, per rootdse.c's rootdse_is_readonly_attr.
func IsReadOnlyAttr(attr string) bool {
	lc := strings.ToLower(attr)
	if writableAttributes[lc] {
		return false
	}
	return readOnlyAttributes[lc]
}

// Tree is the DN-keyed front-end DSE.
type Tree struct {
	mu            sync.RWMutex
	entries       map[string]*Entry
	callbacks     []registration
	path          string
	startokPath   string
	watcher       *fsnotify.Watcher
	onChange      func()
}

// New builds an empty tree. Load reads the LDIF file; callers that only
// need synthesized entries (tests) may skip Load entirely.
func New() *Tree {
	return &Tree{entries: make(map[string]*Entry)}
}

// NormalizeDN lower-cases and trims a DN for use as a map key. This is a
// deliberately shallow normalization (case-folding plus whitespace
// trim); full RFC 4514 DN normalization is the schema engine's job and
// stays out of scope here.
func NormalizeDN(dn string) string {
	return strings.ToLower(strings.TrimSpace(dn))
}

// Put inserts or replaces a static entry.
func (t *Tree) Put(e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.entries[NormalizeDN(e.DN)] = e
}

// Get returns the stored entry for dn, without running any callback.
func (t *Tree) Get(dn string) (*Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[NormalizeDN(dn)]
	return e, ok
}

// Delete removes a static entry. Synthesized entries refuse deletion.
func (t *Tree) Delete(dn string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	key := NormalizeDN(dn)
	if e, ok := t.entries[key]; ok && e.Synthesized {
		return fmt.Errorf("fedse: %s may not be deleted", dn)
	}
	delete(t.entries, key)
	return nil
}

// RegisterCallback attaches a synthesis callback to dn, invoked for any
// search whose (baseDN, scope) the filter predicate accepts.
func (t *Tree) RegisterCallback(dn string, scope int, filter FilterFn, phase Phase, cb Callback) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.callbacks = append(t.callbacks, registration{
		dn: NormalizeDN(dn), scope: scope, filter: filter, phase: phase, callback: cb,
	})
	if _, ok := t.entries[NormalizeDN(dn)]; !ok {
		t.entries[NormalizeDN(dn)] = &Entry{DN: dn, Attributes: map[string][]string{}, Synthesized: true}
	}
}

// Search returns the entry at dn (base-scope only; nothing issues a
// subtree or one-level search against the DSE tree)
// with every registered callback for it applied on top of its stored
// attributes, live values last so they win over any stale static copy.
func (t *Tree) Search(ctx context.Context, dn string, scope int) (Entry, bool) {
	t.mu.RLock()
	key := NormalizeDN(dn)
	stored, ok := t.entries[key]
	var matched []registration
	for _, r := range t.callbacks {
		if r.dn != key {
			continue
		}
		if r.filter != nil && !r.filter(dn, scope) {
			continue
		}
		matched = append(matched, r)
	}
	t.mu.RUnlock()

	if !ok && len(matched) == 0 {
		return Entry{}, false
	}

	out := Entry{DN: dn, Attributes: map[string][]string{}}
	if ok {
		out.Synthesized = stored.Synthesized
		for k, v := range stored.Attributes {
			out.Attributes[k] = append([]string(nil), v...)
		}
	}
	for _, r := range matched {
		for k, v := range r.callback(ctx) {
			out.Attributes[k] = v
		}
	}
	return out, true
}

// Modify applies changes to a static or synthesized entry, rejecting
// read-only root-DSE attributes. Synthesized-entry
// writes only affect the stored backing attributes a callback may lay
// values on top of; the callback's own output always takes precedence
// on the next Search.
func (t *Tree) Modify(dn string, changes []plugin.Change) (plugin.OpResult, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := NormalizeDN(dn)
	e, ok := t.entries[key]
	if !ok {
		return plugin.OpResult{Outcome: plugin.OpSuccess, Code: plugin.NoSuchObject}, nil
	}

	isRootDSE := key == ""
	for _, c := range changes {
		if isRootDSE && IsReadOnlyAttr(c.Attr) {
			return plugin.OpResult{Outcome: plugin.OpSuccess, Code: plugin.UnwillingToPerform}, nil
		}
		switch c.Op {
		case plugin.ChangeAdd:
			e.Attributes[c.Attr] = append(e.Attributes[c.Attr], c.Values...)
		case plugin.ChangeReplace:
			e.Attributes[c.Attr] = c.Values
		case plugin.ChangeDelete:
			delete(e.Attributes, c.Attr)
		}
	}
	if t.onChange != nil {
		t.onChange()
	}
	return plugin.OpResult{Outcome: plugin.OpSuccess, Code: plugin.Success}, nil
}

// Load parses an LDIF file (RFC 2849, minimal subset: "dn:" then
// "attr: value" lines, blank line separates entries, "#" comments) into
// static entries. Each parsed entry replaces the in-memory entry with the
// same DN; entries that are not in the file are kept.
func (t *Tree) Load(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("fedse: open %s: %w", path, err)
	}
	defer f.Close()

	entries, err := parseLDIF(f)
	if err != nil {
		return fmt.Errorf("fedse: parse %s: %w", path, err)
	}

	t.mu.Lock()
	for _, e := range entries {
		t.entries[NormalizeDN(e.DN)] = e
	}
	t.path = path
	t.startokPath = path + ".startok"
	t.mu.Unlock()
	return nil
}

func parseLDIF(f *os.File) ([]*Entry, error) {
	var (
		out     []*Entry
		cur     *Entry
	)

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case line == "":
			if cur != nil {
				out = append(out, cur)
				cur = nil
			}
		case strings.HasPrefix(line, "#"):
			continue
		case strings.HasPrefix(line, "dn:"):
			cur = &Entry{DN: strings.TrimSpace(strings.TrimPrefix(line, "dn:")), Attributes: map[string][]string{}}
		default:
			if cur == nil {
				continue
			}
			idx := strings.Index(line, ":")
			if idx < 0 {
				continue
			}
			name := strings.TrimSpace(line[:idx])
			val := strings.TrimSpace(line[idx+1:])
			cur.Attributes[name] = append(cur.Attributes[name], val)
		}
	}
	if cur != nil {
		out = append(out, cur)
	}
	return out, scanner.Err()
}

// Save persists every non-synthesized entry back to the LDIF file
// atomically: tmp -> fsync -> rename, then a startok copy recording the
// last known-good file.
func (t *Tree) Save() error {
	t.mu.RLock()
	path, startok := t.path, t.startokPath
	dns := make([]string, 0, len(t.entries))
	for k, e := range t.entries {
		if e.Synthesized {
			continue
		}
		dns = append(dns, k)
	}
	sort.Strings(dns)

	var b strings.Builder
	for _, k := range dns {
		e := t.entries[k]
		fmt.Fprintf(&b, "dn: %s\n", e.DN)
		attrNames := make([]string, 0, len(e.Attributes))
		for name := range e.Attributes {
			attrNames = append(attrNames, name)
		}
		sort.Strings(attrNames)
		for _, name := range attrNames {
			for _, v := range e.Attributes[name] {
				fmt.Fprintf(&b, "%s: %s\n", name, v)
			}
		}
		b.WriteByte('\n')
	}
	t.mu.RUnlock()

	if path == "" {
		return nil
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("fedse: create %s: %w", tmp, err)
	}
	if _, err := f.WriteString(b.String()); err != nil {
		f.Close()
		return fmt.Errorf("fedse: write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("fedse: fsync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("fedse: close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("fedse: rename %s -> %s: %w", tmp, path, err)
	}
	if startok != "" {
		_ = copyFile(path, startok)
	}
	return nil
}

func copyFile(src, dst string) error {
	data, err := os.ReadFile(src)
	if err != nil {
		return err
	}
	return os.WriteFile(dst, data, 0o640)
}

// Watch wires fsnotify directly (not through viper, since the DSE file
// is not the cn=config surface) to reload the file on external edits:
// an operator hand-editing the LDIF while the daemon runs.
func (t *Tree) Watch(onReload func(error)) error {
	t.mu.RLock()
	path := t.path
	t.mu.RUnlock()
	if path == "" {
		return fmt.Errorf("fedse: Watch called before Load")
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fedse: new watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(path)); err != nil {
		w.Close()
		return fmt.Errorf("fedse: watch %s: %w", path, err)
	}

	t.mu.Lock()
	t.watcher = w
	t.mu.Unlock()

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if filepath.Clean(ev.Name) != filepath.Clean(path) {
					continue
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) != 0 {
					onReload(t.Load(path))
				}
			case _, ok := <-w.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops the file watcher, if any.
func (t *Tree) Close() error {
	t.mu.Lock()
	w := t.watcher
	t.watcher = nil
	t.mu.Unlock()
	if w == nil {
		return nil
	}
	return w.Close()
}
