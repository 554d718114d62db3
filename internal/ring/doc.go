// Package ring holds the shared cluster state of an OuroborosFS node: the
// netmap (address → Alive/Dead), the topology (address → successor), and the
// file tag table (file name → total size + start node).
//
// The three tables are independent and each is guarded by its own RWMutex.
// They are deliberately not updated under a single lock: the broadcast
// protocols touch exactly one table at a time, and the ring protocols
// tolerate observing a netmap update slightly before the matching topology
// update. Readers vastly outnumber writers.
//
// Consistency model:
//   - NetMap and Topology are replaced wholesale when a peer pushes a
//     snapshot; the receiver forces itself Alive in any installed netmap.
//   - FileTags is an idempotent upsert table; applying the same broadcast
//     twice yields the same state as applying it once.
//   - All accessors return copies, never internal maps.
package ring
