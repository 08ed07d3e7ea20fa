package fedse

import (
	"context"
	"fmt"
	"strconv"
	"time"

	guuid "github.com/hashicorp/go-uuid"

	"github.com/silverleaf/ldapd/conntable"
	"github.com/silverleaf/ldapd/duration"
	"github.com/silverleaf/ldapd/plugin"
	"github.com/silverleaf/ldapd/stats"
)

// VendorInfo carries the fixed vendor/version strings the root DSE
// advertises alongside the per-process build id.
type VendorInfo struct {
	Name    string
	Version string
}

// RootDSEProvider wires the live state the root DSE reflects:
// naming contexts from the mapping tree, supported controls and
// extended operations from process-wide registries, supported SASL
// mechanisms, supported LDAP versions, current referrals, vendor
// identity, and a build id generated once at process start.
type RootDSEProvider struct {
	Mapping            plugin.MappingTree
	SupportedControls  []string
	SupportedExtended  []string
	SupportedSASLMechs []string
	Referrals          []string
	Vendor             VendorInfo

	buildID string
}

// NewRootDSEProvider builds a provider and mints a process build id via
// hashicorp/go-uuid.
func NewRootDSEProvider(vendor VendorInfo) *RootDSEProvider {
	id, err := guuid.GenerateUUID()
	if err != nil {
		id = "00000000-0000-0000-0000-000000000000"
	}
	return &RootDSEProvider{Vendor: vendor, buildID: id}
}

// Attributes synthesizes the root DSE attribute set at search time.
func (p *RootDSEProvider) Attributes(_ context.Context) map[string][]string {
	out := map[string][]string{
		"supportedldapversion": {"2", "3"},
		"vendorname":           {p.Vendor.Name},
		"vendorversion":        {p.Vendor.Version},
		"dataversion":          {p.buildID},
	}
	if p.Mapping != nil {
		out["namingcontexts"] = p.Mapping.NamingContexts()
	}
	if len(p.SupportedControls) > 0 {
		out["supportedcontrol"] = p.SupportedControls
	}
	if len(p.SupportedExtended) > 0 {
		out["supportedextension"] = p.SupportedExtended
	}
	if len(p.SupportedSASLMechs) > 0 {
		out["supportedsaslmechanisms"] = p.SupportedSASLMechs
	}
	if len(p.Referrals) > 0 {
		out["ref"] = p.Referrals
	}
	return out
}

// RootDSEFilter accepts only a base-scope search targeting the root DSE (the
// empty DN), per RFC 4512's definition of root DSE visibility.
func RootDSEFilter(baseDN string, scope int) bool {
	return baseDN == "" && scope == 0 // scope 0 == baseObject
}

// MonitorProvider synthesizes cn=monitor's live counters from the
// stats registry and the connection table at read time.
type MonitorProvider struct {
	Stats *stats.Registry
	Table *conntable.Table

	// Start is the process start timestamp; when set, cn=monitor carries
	// starttime plus an uptime rendered in days notation.
	Start time.Time
}

// Attributes returns cn=monitor's live snapshot.
func (p *MonitorProvider) Attributes(_ context.Context) map[string][]string {
	s := p.Stats.Snapshot()
	out := map[string][]string{
		"version":          {"1"},
		"currentconnections": {strconv.FormatInt(s.NumConns, 10)},
		"totalconnections":   {strconv.FormatInt(s.NumConns, 10)},
		"opsinitiated":       {strconv.FormatInt(s.OpsInitiated, 10)},
		"opscompleted":       {strconv.FormatInt(s.OpsCompleted, 10)},
	}
	if p.Table != nil {
		out["threads"] = []string{strconv.Itoa(p.Table.Cap())}
		out["currentconnectionsatmaxthreads"] = []string{strconv.Itoa(p.Table.Len())}
	}
	if !p.Start.IsZero() {
		out["starttime"] = []string{p.Start.UTC().Format("20060102150405Z")}
		out["uptime"] = []string{duration.ParseDuration(time.Since(p.Start)).TruncateSeconds().String()}
	}
	return out
}

// CountersAttributes backs cn=counters,cn=monitor with the bind-outcome
// breakdown.
func CountersAttributes(p *stats.Registry) func(context.Context) map[string][]string {
	return func(context.Context) map[string][]string {
		s := p.Snapshot()
		return map[string][]string{
			"simplebinds":         {strconv.FormatInt(s.SimpleBinds, 10)},
			"strongbinds":         {strconv.FormatInt(s.StrongBinds, 10)},
			"anonymousbinds":      {strconv.FormatInt(s.AnonymousBinds, 10)},
			"unauthbinds":         {strconv.FormatInt(s.UnauthBinds, 10)},
			"bindsecurityerrors":  {strconv.FormatInt(s.BindSecurityError, 10)},
		}
	}
}

// MonitorScopeFilter accepts base-scope searches against the monitor
// subtree DN it is registered for.
func MonitorScopeFilter(baseDN string, scope int) bool {
	return scope == 0
}

// RegisterMonitorTree wires rootDSE, cn=monitor, cn=snmp,cn=monitor and
// cn=counters,cn=monitor as synthesized entries on tree.
func RegisterMonitorTree(tree *Tree, root *RootDSEProvider, mon *MonitorProvider) {
	tree.RegisterCallback("", 0, RootDSEFilter, PhaseEntry, root.Attributes)
	tree.RegisterCallback("cn=monitor", 0, MonitorScopeFilter, PhaseEntry, mon.Attributes)
	tree.RegisterCallback("cn=snmp,cn=monitor", 0, MonitorScopeFilter, PhaseEntry, mon.Attributes)
	tree.RegisterCallback("cn=counters,cn=monitor", 0, MonitorScopeFilter, PhaseEntry, CountersAttributes(mon.Stats))
}

// MonitorDeleteGuard is consulted by the dispatcher before a DELETE on
// any cn=monitor subtree DN; monitor delete is forbidden.
func MonitorDeleteGuard(dn string) error {
	n := NormalizeDN(dn)
	switch n {
	case "cn=monitor", "cn=snmp,cn=monitor", "cn=counters,cn=monitor", "cn=encryption,cn=config":
		return fmt.Errorf("fedse: %s may not be deleted", dn)
	}
	return nil
}
