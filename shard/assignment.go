// Package shard partitions a model's trainable parameters across the ranks of
// a group, so that each rank owns the authoritative copy of roughly the same
// number of gradient elements.
package shard

import (
	"sort"

	"github.com/sarchlab/shardpipe"
)

// An Assignment maps every trainable parameter to the rank that owns its
// reduced gradient. The partition is greedy: parameters are walked from
// largest to smallest and each goes to the least loaded rank, lowest rank
// winning ties. The walk is deterministic, so every rank computes the same
// table.
type Assignment struct {
	params []*shardpipe.Parameter
	size   int
	owner  map[*shardpipe.Parameter]int
}

// NewAssignment builds the partition for the given parameters over worldSize
// ranks.
func NewAssignment(params []*shardpipe.Parameter, worldSize int) *Assignment {
	if worldSize < 1 {
		panic(shardpipe.Invariantf("world size %d is not positive", worldSize))
	}
	a := &Assignment{
		params: params,
		size:   worldSize,
	}
	a.RefreshTrainable()
	return a
}

// RefreshTrainable recomputes the partition from the parameters' current
// trainability flags.
func (a *Assignment) RefreshTrainable() {
	trainable := make([]*shardpipe.Parameter, 0, len(a.params))
	for _, p := range a.params {
		if p.RequiresGrad {
			trainable = append(trainable, p)
		}
	}
	sort.SliceStable(trainable, func(i, j int) bool {
		return trainable[i].Numel() > trainable[j].Numel()
	})

	a.owner = make(map[*shardpipe.Parameter]int, len(trainable))
	loads := make([]int, a.size)
	for _, p := range trainable {
		rank := 0
		for r := 1; r < a.size; r++ {
			if loads[r] < loads[rank] {
				rank = r
			}
		}
		a.owner[p] = rank
		loads[rank] += p.Numel()
	}
}

// OwnerRank returns the rank owning the parameter's reduced gradient, and
// false for parameters outside the current partition.
func (a *Assignment) OwnerRank(p *shardpipe.Parameter) (int, bool) {
	rank, ok := a.owner[p]
	return rank, ok
}

// Loads returns the number of gradient elements assigned to each rank.
func (a *Assignment) Loads() []int {
	loads := make([]int, a.size)
	for p, r := range a.owner {
		loads[r] += p.Numel()
	}
	return loads
}
