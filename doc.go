// Package cmdbus implements a multi-tenant event sourcing command bus. It
// routes named commands to the aggregate type that declares them, loads the
// aggregate from an event store (accelerated by snapshots and an in-process
// LRU cache), runs the command under optimistic concurrency, commits the
// resulting events atomically, and republishes them through per-tenant named
// streams that support both catch-up and live delivery.
//
// Typical usage looks like:
//   - Describe each aggregate with an AggregateType and a Model
//   - Open an EventStore (DocEventStore over memory or bbolt, RedisStore, or
//     the postgres package)
//   - Create a Bus with configuration and the registered aggregate types
//   - Send Commands through Bus.Command
//   - Subscribe EventHandlers to Streams, or Poll them explicitly
//
// The examples/calculator package contains a small aggregate used by the
// cmd/cmdbus tool.
package cmdbus
