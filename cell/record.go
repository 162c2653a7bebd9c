// Package cell holds the data types shared by every hive component: the
// record describing one member cell and the version vector stamping each
// published configuration.
package cell

import (
	"fmt"
	"strconv"
)

// ID identifies a cell within the hive. Valid ids are in [0, MaxID].
type ID uint8

// MaxID is the largest cell id the hive accepts
const MaxID ID = 127

// Valid reports whether id is within the accepted range
func (id ID) Valid() bool {
	return id <= MaxID
}

func (id ID) String() string {
	return strconv.Itoa(int(id))
}

// ParseID parses a decimal cell id and validates its range
func ParseID(s string) (ID, error) {
	n, err := strconv.ParseUint(s, 10, 8)
	if err != nil {
		return 0, fmt.Errorf("invalid cell id %q: %w", s, err)
	}
	id := ID(n)
	if !id.Valid() {
		return 0, fmt.Errorf("cell id %d out of range [0, %d]", n, MaxID)
	}
	return id, nil
}

// Status describes whether a cell can take part in rebalancing pushes
type Status uint8

const (
	StatusEnabled Status = iota
	StatusConfigPushFailed
	StatusSchemaPushFailed
	StatusAddFailed
	StatusRemoveFailed
)

func (s Status) String() string {
	switch s {
	case StatusEnabled:
		return "ENABLED"
	case StatusConfigPushFailed:
		return "CONFIG_PUSH_FAILED"
	case StatusSchemaPushFailed:
		return "SCHEMA_PUSH_FAILED"
	case StatusAddFailed:
		return "ADD_FAILED"
	case StatusRemoveFailed:
		return "REMOVE_FAILED"
	default:
		return fmt.Sprintf("STATUS(%d)", uint8(s))
	}
}

// PlacementRule is a hash range owned by a cell. The control plane passes
// rules through untouched.
type PlacementRule struct {
	RuleNumber int    `msgpack:"rule" json:"rule"`
	Start      uint16 `msgpack:"start" json:"start"`
	End        uint16 `msgpack:"end" json:"end"`
}

// Record describes one hive member as seen by the local cell
type Record struct {
	ID            ID     `msgpack:"id" json:"id"`
	AdminEndpoint string `msgpack:"admin" json:"admin_endpoint"`
	DataEndpoint  string `msgpack:"data" json:"data_endpoint"`
	SPEndpoint    string `msgpack:"sp" json:"sp_endpoint"`

	DomainName string `msgpack:"domain" json:"domain_name"`
	Subnet     string `msgpack:"subnet" json:"subnet"`
	Gateway    string `msgpack:"gateway" json:"gateway"`

	PlacementRules []PlacementRule `msgpack:"rules" json:"placement_rules"`
	ServiceTag     []byte          `msgpack:"tag" json:"service_tag"`

	Status Status `msgpack:"status" json:"status"`

	// Advertised capacity is what placement logic sees. It only moves when
	// the rebalancer decides to bump the version.
	AdvertisedTotal uint64 `msgpack:"adv_total" json:"advertised_total"`
	AdvertisedUsed  uint64 `msgpack:"adv_used" json:"advertised_used"`

	// Observed capacity is the latest raw probe result.
	ObservedTotal uint64 `msgpack:"obs_total" json:"observed_total"`
	ObservedUsed  uint64 `msgpack:"obs_used" json:"observed_used"`
}

// Clone returns a deep copy of the record
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.PlacementRules != nil {
		c.PlacementRules = make([]PlacementRule, len(r.PlacementRules))
		copy(c.PlacementRules, r.PlacementRules)
	}
	if r.ServiceTag != nil {
		c.ServiceTag = make([]byte, len(r.ServiceTag))
		copy(c.ServiceTag, r.ServiceTag)
	}
	return &c
}

// Enabled reports whether the cell takes part in rebalancing
func (r *Record) Enabled() bool {
	return r.Status == StatusEnabled
}

// ObservedLoad is observed used over observed total. A cell reporting no
// capacity counts as full so placement steers away from it.
func (r *Record) ObservedLoad() float64 {
	return load(r.ObservedUsed, r.ObservedTotal)
}

// AdvertisedLoad is advertised used over advertised total
func (r *Record) AdvertisedLoad() float64 {
	return load(r.AdvertisedUsed, r.AdvertisedTotal)
}

// Advertise copies observed capacity into the advertised fields
func (r *Record) Advertise() {
	r.AdvertisedTotal = r.ObservedTotal
	r.AdvertisedUsed = r.ObservedUsed
}

// SetNetwork replaces the mutable network configuration
func (r *Record) SetNetwork(n Network) {
	r.DomainName = n.DomainName
	r.Subnet = n.Subnet
	r.Gateway = n.Gateway
}

func load(used, total uint64) float64 {
	if total == 0 {
		return 1
	}
	return float64(used) / float64(total)
}

// Network is the mutable network configuration of a cell
type Network struct {
	DomainName string `msgpack:"domain" json:"domain_name"`
	Subnet     string `msgpack:"subnet" json:"subnet"`
	Gateway    string `msgpack:"gateway" json:"gateway"`
}

// Capacity is a cell's probe result together with the minor version the
// reporting cell currently holds.
type Capacity struct {
	Total uint64 `msgpack:"total" json:"total"`
	Used  uint64 `msgpack:"used" json:"used"`
	Minor uint64 `msgpack:"minor" json:"minor"`
}
