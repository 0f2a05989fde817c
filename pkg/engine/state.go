package engine

import (
	"sort"
)

// Fingerprint is an opaque, comparable version of the configuration of one
// (service, component) pair. Two fingerprints are equal iff the
// configuration they describe is equal.
type Fingerprint string

// VersionMap maps each pair to its configuration fingerprint.
type VersionMap map[ServiceComponent]Fingerprint

// Pairs returns the keys sorted by service then component.
func (m VersionMap) Pairs() []ServiceComponent {
	out := make([]ServiceComponent, 0, len(m))
	for sc := range m {
		out = append(out, sc)
	}
	sortPairs(out)
	return out
}

// Clone returns a copy of the map.
func (m VersionMap) Clone() VersionMap {
	out := make(VersionMap, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ClusterState holds the desired configuration versions and the versions
// last known to have deployed successfully.
type ClusterState struct {
	Desired     VersionMap
	LastSuccess VersionMap
}

// Diff returns the pairs that need reconfiguration. See Diff.
func (s ClusterState) Diff() []ServiceComponent {
	return Diff(s.Desired, s.LastSuccess)
}

// Diff returns every pair whose desired fingerprint differs from its last
// successful fingerprint, or that never deployed successfully. Pairs only
// present in lastSuccess are ignored. The result is sorted by service then
// component.
func Diff(desired, lastSuccess VersionMap) []ServiceComponent {
	changed := make([]ServiceComponent, 0)
	for sc, want := range desired {
		got, ok := lastSuccess[sc]
		if !ok || got != want {
			changed = append(changed, sc)
		}
	}
	sortPairs(changed)
	return changed
}

func sortPairs(pairs []ServiceComponent) {
	sort.Slice(pairs, func(i, j int) bool { return pairs[i].Less(pairs[j]) })
}
