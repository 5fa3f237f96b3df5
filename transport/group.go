// Package transport defines the asynchronous communication substrate the
// reduction coordinator issues work to, plus an in-process loopback
// implementation of it used for testing and single-host runs.
package transport

import (
	"github.com/sarchlab/shardpipe"
)

// A Group is one rank's view of a communicator. Calls are SPMD: every rank of
// the group must issue the same collectives in the same order.
type Group interface {
	// Rank returns the caller's rank within the group.
	Rank() int

	// Size returns the number of ranks in the group.
	Size() int

	// GlobalRank translates a group rank to the global rank namespace.
	GlobalRank(rank int) int

	// ReduceAsync starts an elementwise-sum reduction of buf across the
	// group. The result lands in the buffer supplied by the destination
	// rank; the other ranks' buffers are left untouched.
	ReduceAsync(buf []float32, dstGlobalRank int) shardpipe.Operation

	// BroadcastAsync starts copying the source rank's buf into every other
	// rank's buf.
	BroadcastAsync(buf []float32, srcGlobalRank int) shardpipe.Operation
}
