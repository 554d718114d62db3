// Package node implements the per-node TCP engine: the accept loop, the
// one-command-per-connection dispatcher, and the ring-walk protocols
// (topology walk, netmap discover, file push relay, file pull collect) plus
// the point-to-point table broadcasts.
//
// Every inbound connection is handled on its own goroutine. A handler never
// holds a cluster-state lock across network I/O: it snapshots the tables it
// needs, releases, then streams. Outbound hops made while serving a request
// are short-lived connections to the successor, awaited synchronously.
//
// Walk termination follows the origin + accumulator pattern: each hop
// appends its contribution and forwards to its successor; the node whose
// successor equals the origin delivers the final accumulator back to the
// origin on a fresh connection (TOPOLOGY DONE, or NETMAP SET for the netmap
// discover). The origin parks the client connection on a waiter until the
// completion arrives or the walk times out.
package node
