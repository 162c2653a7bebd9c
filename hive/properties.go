package hive

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/cespare/xxhash/v2"
	"github.com/gobwas/glob"
)

// SecretDigestKey carries a digest of the cluster secret so cells with
// different secrets, or one with auth disabled, refuse to join each other.
const SecretDigestKey = "hive.secret_digest"

// Properties are hive-wide settings every member must agree on
type Properties map[string]string

// PropertyReport is a joining cell's verdict on the master's properties
type PropertyReport struct {
	Compatible bool     `msgpack:"compatible" json:"compatible"`
	Mismatched []string `msgpack:"mismatched" json:"mismatched,omitempty"`
}

// PropertySet is the local cell's properties and the keys exempt from
// comparison
type PropertySet struct {
	values Properties
	ignore []glob.Glob
}

// NewPropertySet builds the local property set. ignore holds glob patterns
// over property keys.
func NewPropertySet(values map[string]string, secret string, ignore []string) (*PropertySet, error) {
	ps := &PropertySet{values: make(Properties, len(values)+1)}
	for k, v := range values {
		ps.values[k] = v
	}

	digest := "none"
	if secret != "" {
		digest = strconv.FormatUint(xxhash.Sum64String(secret), 16)
	}
	ps.values[SecretDigestKey] = digest

	for _, pattern := range ignore {
		g, err := glob.Compile(pattern, '.')
		if err != nil {
			return nil, fmt.Errorf("invalid property ignore pattern %q: %w", pattern, err)
		}
		ps.ignore = append(ps.ignore, g)
	}
	return ps, nil
}

// Values returns a copy of the local properties
func (ps *PropertySet) Values() Properties {
	out := make(Properties, len(ps.values))
	for k, v := range ps.values {
		out[k] = v
	}
	return out
}

func (ps *PropertySet) ignored(key string) bool {
	for _, g := range ps.ignore {
		if g.Match(key) {
			return true
		}
	}
	return false
}

// Check compares remote against the local properties. A key present on only
// one side counts as a mismatch.
func (ps *PropertySet) Check(remote Properties) *PropertyReport {
	var mismatched []string

	for k, v := range ps.values {
		if ps.ignored(k) {
			continue
		}
		if rv, ok := remote[k]; !ok || rv != v {
			mismatched = append(mismatched, k)
		}
	}
	for k := range remote {
		if ps.ignored(k) {
			continue
		}
		if _, ok := ps.values[k]; !ok {
			mismatched = append(mismatched, k)
		}
	}

	sort.Strings(mismatched)
	return &PropertyReport{Compatible: len(mismatched) == 0, Mismatched: mismatched}
}
