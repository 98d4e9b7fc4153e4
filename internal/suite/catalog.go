// Package suite resolves operator cipher-suite constraints against the
// platform's supported-suite catalog into the effective set a listener
// enables.
package suite

import "crypto/tls"

// Suite pairs a cipher suite's registered ID with its standard name.
type Suite struct {
	ID   uint16
	Name string
}

// Catalog is the ordered set of cipher suites a TLS stack can be configured
// to negotiate. Policies resolve against a Catalog; nothing in this package
// assumes a fixed suite universe, so tests may inject synthetic catalogs.
type Catalog []Suite

// PlatformCatalog returns the running TLS stack's configurable capability
// set: the secure suites in the stack's preference order followed by the
// legacy suites it still implements. TLS 1.3 suites are left out because
// the stack does not allow selecting them individually, so they can never
// be part of an enforced policy.
func PlatformCatalog() Catalog {
	secure := tls.CipherSuites()
	legacy := tls.InsecureCipherSuites()
	cat := make(Catalog, 0, len(secure)+len(legacy))
	for _, cs := range secure {
		if configurable(cs) {
			cat = append(cat, Suite{ID: cs.ID, Name: cs.Name})
		}
	}
	for _, cs := range legacy {
		if configurable(cs) {
			cat = append(cat, Suite{ID: cs.ID, Name: cs.Name})
		}
	}
	return cat
}

// configurable reports whether the suite may appear in an explicit TLS
// suite list, i.e. it is negotiable at TLS 1.2 or below.
func configurable(cs *tls.CipherSuite) bool {
	for _, v := range cs.SupportedVersions {
		if v <= tls.VersionTLS12 {
			return true
		}
	}
	return false
}

// Names returns the catalog's suite names in catalog order.
func (c Catalog) Names() []string {
	names := make([]string, len(c))
	for i, s := range c {
		names[i] = s.Name
	}
	return names
}

// Lookup returns the ID registered under name.
func (c Catalog) Lookup(name string) (uint16, bool) {
	for _, s := range c {
		if s.Name == name {
			return s.ID, true
		}
	}
	return 0, false
}
