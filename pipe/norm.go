package pipe

import (
	"math"

	"github.com/x448/float16"

	"github.com/sarchlab/shardpipe"
)

// A StatsUnit owns running statistics that are updated from batch statistics
// during a tracked forward pass. The pipeline can swap such a unit for one
// that defers the update until a full batch worth of micro-batches went
// through.
type StatsUnit interface {
	Unit
	DeferStats() Unit
}

// BatchNorm normalizes over the leading batch dimension and tracks running
// mean and variance per feature.
type BatchNorm struct {
	Features int
	Momentum float32
	Eps      float32

	Gamma []float32
	Beta  []float32

	RunningMean []float32
	RunningVar  []float32
}

// NewBatchNorm creates a batch-normalization unit for the given feature
// count, with torch-style defaults.
func NewBatchNorm(features int) *BatchNorm {
	bn := &BatchNorm{
		Features:    features,
		Momentum:    0.1,
		Eps:         1e-5,
		Gamma:       make([]float32, features),
		Beta:        make([]float32, features),
		RunningMean: make([]float32, features),
		RunningVar:  make([]float32, features),
	}
	for i := 0; i < features; i++ {
		bn.Gamma[i] = 1
		bn.RunningVar[i] = 1
	}
	return bn
}

// Forward normalizes the batch with its own statistics and folds them into
// the running statistics.
func (b *BatchNorm) Forward(xs []shardpipe.Tensor) ([]shardpipe.Tensor, error) {
	x := xs[0]
	mean, biased, unbiased := batchStats(x, b.Features)
	b.update(mean, unbiased)
	return []shardpipe.Tensor{b.normalize(x, mean, biased)}, nil
}

// DeferStats wraps the unit so statistics accumulate across micro-batches.
func (b *BatchNorm) DeferStats() Unit {
	return &DeferredNorm{bn: b}
}

// Cast rounds the unit's state through the requested precision.
func (b *BatchNorm) Cast(dt shardpipe.DType) {
	if dt != shardpipe.Float16 {
		return
	}
	for _, buf := range [][]float32{b.Gamma, b.Beta, b.RunningMean, b.RunningVar} {
		for i, v := range buf {
			buf[i] = float16.Fromfloat32(v).Float32()
		}
	}
}

func (b *BatchNorm) update(mean, unbiasedVar []float64) {
	m := float64(b.Momentum)
	for f := 0; f < b.Features; f++ {
		b.RunningMean[f] = float32((1-m)*float64(b.RunningMean[f]) + m*mean[f])
		b.RunningVar[f] = float32((1-m)*float64(b.RunningVar[f]) + m*unbiasedVar[f])
	}
}

func (b *BatchNorm) normalize(x shardpipe.Tensor, mean, biasedVar []float64) shardpipe.Tensor {
	y := x.Clone()
	rows := x.Numel() / b.Features
	for r := 0; r < rows; r++ {
		for f := 0; f < b.Features; f++ {
			i := r*b.Features + f
			inv := 1 / math.Sqrt(biasedVar[f]+float64(b.Eps))
			v := (float64(x.Data[i]) - mean[f]) * inv
			y.Data[i] = float32(v)*b.Gamma[f] + b.Beta[f]
		}
	}
	return y
}

// batchStats returns the per-feature mean, biased variance, and unbiased
// variance of a [rows, features] tensor, computed in float64.
func batchStats(x shardpipe.Tensor, features int) (mean, biased, unbiased []float64) {
	rows := x.Numel() / features
	mean = make([]float64, features)
	biased = make([]float64, features)
	unbiased = make([]float64, features)
	for r := 0; r < rows; r++ {
		for f := 0; f < features; f++ {
			mean[f] += float64(x.Data[r*features+f])
		}
	}
	for f := range mean {
		mean[f] /= float64(rows)
	}
	for r := 0; r < rows; r++ {
		for f := 0; f < features; f++ {
			d := float64(x.Data[r*features+f]) - mean[f]
			biased[f] += d * d
		}
	}
	for f := range biased {
		if rows > 1 {
			unbiased[f] = biased[f] / float64(rows-1)
		}
		biased[f] /= float64(rows)
	}
	return mean, biased, unbiased
}

// DeferredNorm normalizes each micro-batch with its own statistics but
// accumulates the batch statistics of the whole pass, committing a single
// running-statistics update after the final micro-batch. The committed update
// matches what the wrapped unit would produce on the undivided batch.
type DeferredNorm struct {
	bn *BatchNorm

	chunks int
	seen   int
	count  int
	sum    []float64
	sumsq  []float64
}

// beginPass arms the accumulator for a pass of the given number of
// micro-batches, discarding any partial state from an aborted pass.
func (d *DeferredNorm) beginPass(chunks int) {
	d.chunks = chunks
	d.seen = 0
	d.count = 0
	d.sum = make([]float64, d.bn.Features)
	d.sumsq = make([]float64, d.bn.Features)
}

// Forward normalizes the micro-batch and accumulates its statistics.
func (d *DeferredNorm) Forward(xs []shardpipe.Tensor) ([]shardpipe.Tensor, error) {
	x := xs[0]
	mean, biased, _ := batchStats(x, d.bn.Features)

	rows := x.Numel() / d.bn.Features
	for f := 0; f < d.bn.Features; f++ {
		d.sum[f] += mean[f] * float64(rows)
		d.sumsq[f] += (biased[f] + mean[f]*mean[f]) * float64(rows)
	}
	d.count += rows
	d.seen++
	if d.seen == d.chunks {
		d.commit()
	}

	return []shardpipe.Tensor{d.bn.normalize(x, mean, biased)}, nil
}

// forwardNoStats normalizes without touching the accumulator, for activation
// recomputation.
func (d *DeferredNorm) forwardNoStats(xs []shardpipe.Tensor) ([]shardpipe.Tensor, error) {
	x := xs[0]
	mean, biased, _ := batchStats(x, d.bn.Features)
	return []shardpipe.Tensor{d.bn.normalize(x, mean, biased)}, nil
}

func (d *DeferredNorm) commit() {
	n := float64(d.count)
	mean := make([]float64, d.bn.Features)
	unbiased := make([]float64, d.bn.Features)
	for f := range mean {
		mean[f] = d.sum[f] / n
		ss := d.sumsq[f] - d.sum[f]*d.sum[f]/n
		if n > 1 {
			unbiased[f] = ss / (n - 1)
		}
	}
	d.bn.update(mean, unbiased)
	d.seen = 0
	d.count = 0
	for f := range mean {
		d.sum[f] = 0
		d.sumsq[f] = 0
	}
}

// Cast forwards precision changes to the wrapped unit.
func (d *DeferredNorm) Cast(dt shardpipe.DType) {
	d.bn.Cast(dt)
}
