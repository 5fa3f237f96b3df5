package shardpipe

// A Parameter is a learnable tensor tracked by its pointer identity. Grad may
// be nil when no gradient is held, and may alias a shared reduction buffer.
type Parameter struct {
	Name         string
	Device       Device
	Data         []float32
	Grad         []float32
	RequiresGrad bool

	// GradTracksGrad marks a gradient that itself participates in
	// differentiation. Such parameters cannot take part in gradient
	// reduction.
	GradTracksGrad bool
}

// Numel returns the number of elements in the parameter.
func (p *Parameter) Numel() int {
	return len(p.Data)
}

// A Buffer is module state that is carried along but never differentiated,
// such as running statistics.
type Buffer struct {
	Name string
	Data []float32
}

// A Module is the facade the reduction coordinator drives: a forward function
// plus explicit access to the parameters and buffers it owns.
type Module interface {
	Forward(xs []Tensor) ([]Tensor, error)
	Parameters() []*Parameter
	Buffers() []*Buffer
}
