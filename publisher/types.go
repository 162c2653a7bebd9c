package publisher

import (
	"github.com/maxpert/hive/cell"
)

// PlacementEntry is one cell of a published placement table
type PlacementEntry struct {
	ID              cell.ID              `msgpack:"id" json:"id"`
	DataEndpoint    string               `msgpack:"data" json:"data_endpoint"`
	SPEndpoint      string               `msgpack:"sp" json:"sp_endpoint,omitempty"`
	DomainName      string               `msgpack:"domain" json:"domain_name,omitempty"`
	Subnet          string               `msgpack:"subnet" json:"subnet,omitempty"`
	Gateway         string               `msgpack:"gateway" json:"gateway,omitempty"`
	Status          string               `msgpack:"status" json:"status"`
	AdvertisedTotal uint64               `msgpack:"adv_total" json:"advertised_total"`
	AdvertisedUsed  uint64               `msgpack:"adv_used" json:"advertised_used"`
	Load            float64              `msgpack:"load" json:"load"`
	PlacementRules  []cell.PlacementRule `msgpack:"rules" json:"placement_rules,omitempty"`
}

// PlacementTable is the hive membership and advertised capacity at one version
type PlacementTable struct {
	Kind        string           `msgpack:"kind" json:"kind"`
	Major       uint64           `msgpack:"major" json:"major"`
	Minor       uint64           `msgpack:"minor" json:"minor"`
	Master      cell.ID          `msgpack:"master" json:"master"`
	Publisher   cell.ID          `msgpack:"publisher" json:"publisher"`
	PublishedAt int64            `msgpack:"ts" json:"published_at"` // unix ms
	Cells       []PlacementEntry `msgpack:"cells" json:"cells"`
}

// Version returns the table's version
func (t *PlacementTable) Version() cell.Version {
	return cell.Version{Major: t.Major, Minor: t.Minor}
}

// Source is where workers read the table from. *hive.Hive implements it.
type Source interface {
	ExistingCells() []*cell.Record
	Version() cell.Version
	CellInfo() *cell.Record
}

// Sink represents a destination for placement tables (e.g., Kafka, NATS)
type Sink interface {
	// Publish sends a message to the sink
	Publish(topic string, key string, value []byte) error
	// Close releases any resources held by the sink
	Close() error
}

// Transformer encodes placement tables for a sink
type Transformer interface {
	Transform(table *PlacementTable) ([]byte, error)
}
