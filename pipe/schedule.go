package pipe

import (
	"sync"
	"sync/atomic"

	"github.com/sarchlab/shardpipe"
)

// Forward runs one pipelined pass. The input is a single Tensor or a tensor
// tuple; anything else fails with a type error. The output mirrors the input
// kind. An empty pipeline returns the input unchanged.
func (p *Pipe) Forward(input interface{}) (interface{}, error) {
	batch, single, err := checkInput(input)
	if err != nil {
		return nil, err
	}
	if len(p.partitions) == 0 {
		return input, nil
	}

	micro, err := scatter(batch, p.chunks)
	if err != nil {
		return nil, err
	}
	if len(micro) == 0 {
		return input, nil
	}

	p.recomputes.reset()
	outs, err := p.run(micro)
	if err != nil {
		return nil, err
	}

	gathered := gather(outs)
	if single {
		return gathered[0], nil
	}
	return gathered, nil
}

func checkInput(input interface{}) ([]shardpipe.Tensor, bool, error) {
	switch v := input.(type) {
	case shardpipe.Tensor:
		return []shardpipe.Tensor{v}, true, nil
	case []shardpipe.Tensor:
		return v, false, nil
	}
	return nil, false, shardpipe.TypeErrorf(
		"expected a tensor or a tensor tuple to scatter, got %T", input)
}

// scatter splits each element of the tuple along the batch dimension and zips
// the pieces into micro-batches.
func scatter(batch []shardpipe.Tensor, chunks int) ([][]shardpipe.Tensor, error) {
	if len(batch) == 0 {
		return nil, nil
	}
	pieces := make([][]shardpipe.Tensor, len(batch))
	for i, t := range batch {
		if t.Batch() != batch[0].Batch() {
			return nil, shardpipe.TypeErrorf(
				"tuple elements have mismatched batch dimensions (%d and %d)",
				batch[0].Batch(), t.Batch())
		}
		pieces[i] = shardpipe.Chunk(t, chunks)
	}
	micro := make([][]shardpipe.Tensor, len(pieces[0]))
	for c := range micro {
		micro[c] = make([]shardpipe.Tensor, len(batch))
		for i := range batch {
			micro[c][i] = pieces[i][c]
		}
	}
	return micro, nil
}

// gather concatenates the last stage's per-chunk outputs back into one batch
// per tuple position.
func gather(outs [][]shardpipe.Tensor) []shardpipe.Tensor {
	arity := len(outs[0])
	result := make([]shardpipe.Tensor, arity)
	for i := 0; i < arity; i++ {
		parts := make([]shardpipe.Tensor, len(outs))
		for c := range outs {
			parts[c] = outs[c][i]
		}
		result[i] = shardpipe.Cat(parts)
	}
	return result
}

type task struct {
	chunk int
	input []shardpipe.Tensor
}

type result struct {
	stage   int
	chunk   int
	output  []shardpipe.Tensor
	err     error
	skipped bool
}

// run drives the micro-batches through the stages clock tick by clock tick.
// At tick t, stage s works on chunk t-s; the tick completes only when every
// stage scheduled in it does, which keeps the dispatch timeline deterministic.
// The first stage failure stops the clock: later ticks are not dispatched and
// workers decline tasks already queued behind the fault.
func (p *Pipe) run(micro [][]shardpipe.Tensor) ([][]shardpipe.Tensor, error) {
	stages := len(p.partitions)
	chunks := len(micro)

	for _, part := range p.partitions {
		for _, u := range part.units {
			if dn, ok := u.(*DeferredNorm); ok {
				dn.beginPass(chunks)
			}
		}
	}

	in := make([]chan task, stages)
	for s := range in {
		in[s] = make(chan task, chunks)
	}
	results := make(chan result, stages*chunks)
	var fault atomic.Bool
	var wg sync.WaitGroup
	for s := 0; s < stages; s++ {
		s := s
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.worker(s, in[s], results, &fault)
		}()
	}

	outputs := make([][][]shardpipe.Tensor, stages)
	for s := range outputs {
		outputs[s] = make([][]shardpipe.Tensor, chunks)
	}

	var firstErr error
	for clock := 0; clock < stages+chunks-1 && firstErr == nil; clock++ {
		dispatched := 0
		lo := clock - chunks + 1
		if lo < 0 {
			lo = 0
		}
		hi := clock
		if hi > stages-1 {
			hi = stages - 1
		}
		for s := lo; s <= hi; s++ {
			c := clock - s
			var input []shardpipe.Tensor
			if s == 0 {
				input = micro[c]
			} else {
				input = outputs[s-1][c]
			}
			in[s] <- task{chunk: c, input: input}
			dispatched++
		}

		for i := 0; i < dispatched; i++ {
			r := <-results
			switch {
			case r.skipped:
			case r.err != nil:
				if firstErr == nil {
					firstErr = r.err
				}
			default:
				outputs[r.stage][r.chunk] = r.output
			}
		}
	}

	for s := range in {
		close(in[s])
	}
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return outputs[stages-1], nil
}

func (p *Pipe) worker(s int, in <-chan task, results chan<- result, fault *atomic.Bool) {
	part := p.partitions[s]
	for t := range in {
		if fault.Load() {
			results <- result{stage: s, chunk: t.chunk, skipped: true}
			continue
		}
		out, err := p.runStage(s, part, t)
		if err != nil {
			fault.Store(true)
		}
		results <- result{stage: s, chunk: t.chunk, output: out, err: err}
	}
}

func (p *Pipe) runStage(s int, part *partition, t task) ([]shardpipe.Tensor, error) {
	if p.training && p.shouldCheckpoint(t.chunk) {
		p.recomputes.add(&Recompute{
			Stage: s,
			Chunk: t.chunk,
			part:  part,
			input: cloneBatch(t.input),
		})
	}
	xs := t.input
	var err error
	for _, u := range part.units {
		xs, err = u.Forward(xs)
		if err != nil {
			return nil, err
		}
	}
	return xs, nil
}

func (p *Pipe) shouldCheckpoint(chunk int) bool {
	switch p.checkpoint {
	case CheckpointAlways:
		return true
	case CheckpointExceptLast:
		return chunk < p.chunks-1
	}
	return false
}

func cloneBatch(xs []shardpipe.Tensor) []shardpipe.Tensor {
	out := make([]shardpipe.Tensor, len(xs))
	for i, x := range xs {
		out[i] = x.Clone()
	}
	return out
}

// A Recompute rebuilds one stage's activations for one micro-batch by
// re-running its forward pass on the saved input. Deferred statistics are not
// accumulated again during the re-run.
type Recompute struct {
	Stage int
	Chunk int
	part  *partition
	input []shardpipe.Tensor
}

// Run re-executes the stage and returns the rebuilt activations.
func (r *Recompute) Run() ([]shardpipe.Tensor, error) {
	xs := cloneBatch(r.input)
	var err error
	for _, u := range r.part.units {
		if dn, ok := u.(*DeferredNorm); ok {
			xs, err = dn.forwardNoStats(xs)
		} else {
			xs, err = u.Forward(xs)
		}
		if err != nil {
			return nil, err
		}
	}
	return xs, nil
}

// recomputeLog collects the pending recomputations of one forward pass.
// Stage workers append concurrently.
type recomputeLog struct {
	mu      sync.Mutex
	pending []*Recompute
}

func (l *recomputeLog) reset() {
	l.mu.Lock()
	l.pending = nil
	l.mu.Unlock()
}

func (l *recomputeLog) add(r *Recompute) {
	l.mu.Lock()
	l.pending = append(l.pending, r)
	l.mu.Unlock()
}

func (l *recomputeLog) list() []*Recompute {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*Recompute(nil), l.pending...)
}

// Recomputes returns the recomputations recorded by the most recent forward
// pass, the ones a backward traversal needs to replay.
func (p *Pipe) Recomputes() []*Recompute {
	return p.recomputes.list()
}
