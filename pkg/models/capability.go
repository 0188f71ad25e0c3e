package models

import "sort"

// CapabilitySet is a tenant-level projection of what the tenant can currently do
type CapabilitySet map[string]bool

// Names returns the capability names in sorted order
func (c CapabilitySet) Names() []string {
	names := make([]string, 0, len(c))
	for name := range c {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether the named capability is enabled
func (c CapabilitySet) Has(name string) bool {
	return c[name]
}
