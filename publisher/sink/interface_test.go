package sink

import "github.com/maxpert/hive/publisher"

// Compile-time interface verification
var (
	_ publisher.Sink = (*KafkaSink)(nil)
	_ publisher.Sink = (*MockSink)(nil)
	_ publisher.Sink = (*NatsSink)(nil)
)
