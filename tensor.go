// Package shardpipe defines the data model shared by the gradient-reduction
// coordinator and the pipelined execution engine: tensors, parameters, and the
// bucket and work-queue primitives both build on.
package shardpipe

import "fmt"

// A Device identifies where a tensor or a pipeline stage lives.
type Device string

// A DType names a numeric precision.
type DType int

const (
	Float32 DType = iota
	Float16
)

// A Tensor is a dense batch of float32 values. The first dimension of Shape is
// the batch dimension.
type Tensor struct {
	Data  []float32
	Shape []int
}

// NewTensor creates a zero-filled tensor with the given shape.
func NewTensor(shape ...int) Tensor {
	n := 1
	for _, d := range shape {
		n *= d
	}
	s := make([]int, len(shape))
	copy(s, shape)
	return Tensor{Data: make([]float32, n), Shape: s}
}

// Numel returns the number of elements in the tensor.
func (t Tensor) Numel() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

// Batch returns the size of the leading dimension. A zero-dimensional tensor
// counts as a batch of one.
func (t Tensor) Batch() int {
	if len(t.Shape) == 0 {
		return 1
	}
	return t.Shape[0]
}

// rowNumel returns the number of elements per batch row.
func (t Tensor) rowNumel() int {
	if len(t.Shape) == 0 {
		return 1
	}
	n := 1
	for _, d := range t.Shape[1:] {
		n *= d
	}
	return n
}

// Bytes returns the in-memory size of the tensor.
func (t Tensor) Bytes() uint64 {
	return uint64(t.Numel()) * 4
}

// Clone returns a deep copy of the tensor.
func (t Tensor) Clone() Tensor {
	c := Tensor{
		Data:  make([]float32, len(t.Data)),
		Shape: make([]int, len(t.Shape)),
	}
	copy(c.Data, t.Data)
	copy(c.Shape, t.Shape)
	return c
}

// Chunk splits the tensor into at most n pieces along the batch dimension.
// Pieces hold ceil(batch/n) rows each, so the final piece may be smaller, and
// fewer than n pieces come back when the batch cannot fill them.
func Chunk(t Tensor, n int) []Tensor {
	if n < 1 {
		panic(fmt.Sprintf("chunk count %d is not positive", n))
	}
	if len(t.Shape) == 0 {
		return []Tensor{t}
	}
	batch := t.Batch()
	row := t.rowNumel()
	per := (batch + n - 1) / n
	if per == 0 {
		return nil
	}
	var out []Tensor
	for start := 0; start < batch; start += per {
		end := start + per
		if end > batch {
			end = batch
		}
		shape := make([]int, len(t.Shape))
		copy(shape, t.Shape)
		shape[0] = end - start
		out = append(out, Tensor{
			Data:  t.Data[start*row : end*row],
			Shape: shape,
		})
	}
	return out
}

// Cat concatenates tensors along the batch dimension. All inputs must share
// the same trailing shape.
func Cat(ts []Tensor) Tensor {
	if len(ts) == 0 {
		return Tensor{}
	}
	batch := 0
	for _, t := range ts {
		batch += t.Batch()
	}
	shape := make([]int, len(ts[0].Shape))
	copy(shape, ts[0].Shape)
	if len(shape) == 0 {
		shape = []int{batch}
	} else {
		shape[0] = batch
	}
	out := Tensor{
		Data:  make([]float32, 0, batch*ts[0].rowNumel()),
		Shape: shape,
	}
	for _, t := range ts {
		out.Data = append(out.Data, t.Data...)
	}
	return out
}
