package fedse_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/silverleaf/ldapd/conntable"
	"github.com/silverleaf/ldapd/fedse"
	"github.com/silverleaf/ldapd/plugin"
	"github.com/silverleaf/ldapd/stats"
)

func TestFedSE(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "fedse suite")
}

type fakeMapping struct{ contexts []string }

func (f fakeMapping) Resolve(string) (*plugin.Backend, bool) { return nil, false }
func (f fakeMapping) NamingContexts() []string                { return f.contexts }

var _ = Describe("Tree", func() {
	It("stores and retrieves a static entry", func() {
		tr := fedse.New()
		tr.Put(&fedse.Entry{DN: "cn=config", Attributes: map[string][]string{"cn": {"config"}}})
		e, ok := tr.Get("CN=Config")
		Expect(ok).To(BeTrue())
		Expect(e.Attributes["cn"]).To(Equal([]string{"config"}))
	})

	It("merges callback attributes on top of stored ones", func() {
		tr := fedse.New()
		tr.Put(&fedse.Entry{DN: "", Attributes: map[string][]string{"objectclass": {"top"}}})
		tr.RegisterCallback("", 0, fedse.RootDSEFilter, fedse.PhaseEntry, func(context.Context) map[string][]string {
			return map[string][]string{"vendorname": {"Test Directory"}}
		})
		e, ok := tr.Search(context.Background(), "", 0)
		Expect(ok).To(BeTrue())
		Expect(e.Attributes["objectclass"]).To(Equal([]string{"top"}))
		Expect(e.Attributes["vendorname"]).To(Equal([]string{"Test Directory"}))
	})

	It("rejects deleting a synthesized entry", func() {
		tr := fedse.New()
		tr.RegisterCallback("cn=monitor", 0, fedse.MonitorScopeFilter, fedse.PhaseEntry, func(context.Context) map[string][]string {
			return nil
		})
		err := tr.Delete("cn=monitor")
		Expect(err).To(HaveOccurred())
	})

	It("rejects modifying a read-only root DSE attribute", func() {
		tr := fedse.New()
		tr.Put(&fedse.Entry{DN: "", Attributes: map[string][]string{}})
		res, err := tr.Modify("", []plugin.Change{{Op: plugin.ChangeReplace, Attr: "namingContexts", Values: []string{"dc=example"}}})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Code).To(Equal(plugin.UnwillingToPerform))
	})

	It("allows modifying a writable overlap attribute like ref", func() {
		tr := fedse.New()
		tr.Put(&fedse.Entry{DN: "", Attributes: map[string][]string{}})
		res, err := tr.Modify("", []plugin.Change{{Op: plugin.ChangeReplace, Attr: "ref", Values: []string{"ldap://other/"}}})
		Expect(err).NotTo(HaveOccurred())
		Expect(res.Code).To(Equal(plugin.Success))
	})

	It("round-trips static entries through Load/Save", func() {
		dir := GinkgoT().TempDir()
		path := filepath.Join(dir, "dse.ldif")
		Expect(os.WriteFile(path, []byte("dn: cn=config\ncn: config\nnsslapd-port: 389\n\n"), 0o640)).To(Succeed())

		tr := fedse.New()
		Expect(tr.Load(path)).To(Succeed())
		e, ok := tr.Get("cn=config")
		Expect(ok).To(BeTrue())
		Expect(e.Attributes["nsslapd-port"]).To(Equal([]string{"389"}))

		tr.Put(&fedse.Entry{DN: "cn=config", Attributes: map[string][]string{"cn": {"config"}, "nsslapd-port": {"636"}}})
		Expect(tr.Save()).To(Succeed())

		reloaded := fedse.New()
		Expect(reloaded.Load(path)).To(Succeed())
		e2, ok := reloaded.Get("cn=config")
		Expect(ok).To(BeTrue())
		Expect(e2.Attributes["nsslapd-port"]).To(Equal([]string{"636"}))

		_, err := os.Stat(path + ".startok")
		Expect(err).NotTo(HaveOccurred())
	})
})

var _ = Describe("IsReadOnlyAttr", func() {
	It("flags namingContexts as read-only", func() {
		Expect(fedse.IsReadOnlyAttr("namingContexts")).To(BeTrue())
	})

	It("allows the ref attribute despite overlapping semantics", func() {
		Expect(fedse.IsReadOnlyAttr("ref")).To(BeFalse())
	})

	It("allows aci", func() {
		Expect(fedse.IsReadOnlyAttr("aci")).To(BeFalse())
	})
})

var _ = Describe("RootDSEProvider and MonitorProvider", func() {
	It("synthesizes naming contexts from the mapping tree", func() {
		root := fedse.NewRootDSEProvider(fedse.VendorInfo{Name: "Test Directory", Version: "1.0"})
		root.Mapping = fakeMapping{contexts: []string{"dc=example,dc=com"}}
		attrs := root.Attributes(context.Background())
		Expect(attrs["namingcontexts"]).To(Equal([]string{"dc=example,dc=com"}))
		Expect(attrs["vendorname"]).To(Equal([]string{"Test Directory"}))
		Expect(attrs["supportedldapversion"]).To(Equal([]string{"2", "3"}))
	})

	It("synthesizes live connection counts for cn=monitor", func() {
		reg := stats.New()
		reg.NumConns.Store(3)
		reg.OpsInitiated.Store(10)
		tbl := conntable.New(64)
		mon := &fedse.MonitorProvider{Stats: reg, Table: tbl}
		attrs := mon.Attributes(context.Background())
		Expect(attrs["currentconnections"]).To(Equal([]string{"3"}))
		Expect(attrs["opsinitiated"]).To(Equal([]string{"10"}))
		Expect(attrs["threads"]).To(Equal([]string{"64"}))
	})

	It("wires root DSE and monitor entries into a tree and forbids monitor delete", func() {
		tr := fedse.New()
		root := fedse.NewRootDSEProvider(fedse.VendorInfo{Name: "Test Directory", Version: "1.0"})
		reg := stats.New()
		mon := &fedse.MonitorProvider{Stats: reg, Table: conntable.New(8)}
		fedse.RegisterMonitorTree(tr, root, mon)

		_, ok := tr.Search(context.Background(), "cn=monitor", 0)
		Expect(ok).To(BeTrue())
		Expect(fedse.MonitorDeleteGuard("cn=monitor")).To(HaveOccurred())
		Expect(fedse.MonitorDeleteGuard("dc=example,dc=com")).NotTo(HaveOccurred())
	})
})
