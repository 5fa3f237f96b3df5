package transport

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/sarchlab/shardpipe"
)

type opKind int

const (
	opReduce opKind = iota
	opBroadcast
)

// A World is an explicit in-process communicator state shared by a set of
// ranks, replacing any notion of ambient process-group globals. Collectives
// from different ranks are matched by issue order: every rank's k-th call
// joins the k-th collective.
type World struct {
	size        int
	globalRanks []int

	mu      sync.Mutex
	nextSeq []int
	pending map[int]*collective
	closed  bool
}

type collective struct {
	kind    opKind
	peer    int
	bufs    [][]float32
	arrived int

	err      error
	released chan struct{}
}

// NewWorld creates a loopback world of the given size with identity global
// ranks.
func NewWorld(size int) *World {
	if size < 1 {
		panic(shardpipe.Invariantf("world size %d is not positive", size))
	}
	ranks := make([]int, size)
	for i := range ranks {
		ranks[i] = i
	}
	return NewSubgroupWorld(ranks)
}

// NewSubgroupWorld creates a loopback world whose rank i maps to
// globalRanks[i].
func NewSubgroupWorld(globalRanks []int) *World {
	w := &World{
		size:        len(globalRanks),
		globalRanks: globalRanks,
		nextSeq:     make([]int, len(globalRanks)),
		pending:     make(map[int]*collective),
	}
	return w
}

// Size returns the number of ranks in the world.
func (w *World) Size() int {
	return w.size
}

// Group returns the communicator view of one rank.
func (w *World) Group(rank int) Group {
	if rank < 0 || rank >= w.size {
		panic(shardpipe.Invariantf("rank %d outside world of size %d", rank, w.size))
	}
	return &group{world: w, rank: rank}
}

// Close releases every pending collective with an error. Further calls fail
// immediately.
func (w *World) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for seq, col := range w.pending {
		col.err = errors.New("loopback world closed")
		close(col.released)
		delete(w.pending, seq)
	}
}

func (w *World) call(kind opKind, rank int, buf []float32, peer int) shardpipe.Operation {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		col := &collective{
			err:      errors.New("loopback world closed"),
			released: make(chan struct{}),
		}
		close(col.released)
		return &handle{col: col}
	}

	seq := w.nextSeq[rank]
	w.nextSeq[rank]++

	col, ok := w.pending[seq]
	if !ok {
		col = &collective{
			kind:     kind,
			peer:     peer,
			bufs:     make([][]float32, w.size),
			released: make(chan struct{}),
		}
		w.pending[seq] = col
	}
	if col.kind != kind || col.peer != peer {
		panic(shardpipe.Invariantf(
			"rank %d issued a mismatched collective at position %d", rank, seq))
	}
	col.bufs[rank] = buf
	col.arrived++
	if col.arrived == w.size {
		w.apply(col)
		delete(w.pending, seq)
		close(col.released)
	}
	return &handle{col: col}
}

func (w *World) apply(col *collective) {
	local := -1
	for i, g := range w.globalRanks {
		if g == col.peer {
			local = i
			break
		}
	}
	if local < 0 {
		panic(shardpipe.Invariantf("global rank %d is not in this world", col.peer))
	}

	switch col.kind {
	case opReduce:
		sum := make([]float32, len(col.bufs[local]))
		for r, buf := range col.bufs {
			if len(buf) != len(sum) {
				panic(shardpipe.Invariantf(
					"rank %d reduced %d elements against %d", r, len(buf), len(sum)))
			}
			for i, v := range buf {
				sum[i] += v
			}
		}
		copy(col.bufs[local], sum)
	case opBroadcast:
		src := col.bufs[local]
		for r, buf := range col.bufs {
			if r == local {
				continue
			}
			copy(buf, src)
		}
	}
}

type group struct {
	world *World
	rank  int
}

func (g *group) Rank() int {
	return g.rank
}

func (g *group) Size() int {
	return g.world.size
}

func (g *group) GlobalRank(rank int) int {
	return g.world.globalRanks[rank]
}

func (g *group) ReduceAsync(buf []float32, dstGlobalRank int) shardpipe.Operation {
	return g.world.call(opReduce, g.rank, buf, dstGlobalRank)
}

func (g *group) BroadcastAsync(buf []float32, srcGlobalRank int) shardpipe.Operation {
	return g.world.call(opBroadcast, g.rank, buf, srcGlobalRank)
}

type handle struct {
	col *collective
}

func (h *handle) Done() bool {
	select {
	case <-h.col.released:
		return true
	default:
		return false
	}
}

func (h *handle) Wait() error {
	<-h.col.released
	return h.col.err
}
