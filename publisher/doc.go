// Package publisher announces the hive's placement table to external systems.
//
// Every version change signalled on notify.Hub wakes each Worker, which
// snapshots the current table, encodes it with its sink's Transformer and
// publishes it to a Sink (NATS JetStream or Kafka, see publisher/sink).
//
// A placement table is a full snapshot, so a newer one supersedes anything
// not yet delivered. Workers coalesce bursts of signals and skip a version
// they already delivered.
//
// Message layout:
//
//	topic  -> SinkConfiguration.Topic
//	key    -> "{major}.{minor}"
//	value  -> Transformer(PlacementTable)
package publisher
