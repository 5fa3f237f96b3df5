package shardpipe

// A Bucket batches several small gradients destined for the same rank into one
// flat buffer, so they can ride a single asynchronous reduction instead of one
// operation each.
type Bucket struct {
	// Buffer holds the packed gradients. Each assigned gradient is a view
	// into a disjoint range of it.
	Buffer []float32

	// Fill is the number of elements handed out so far.
	Fill int

	// Destination is the global rank that owns every gradient packed here.
	Destination int

	// ParamsCheckedIn counts the gradients reported ready in the current
	// backward pass. MaxParamsCheckedIn is the number expected.
	ParamsCheckedIn    int
	MaxParamsCheckedIn int

	// Sent records that the buffer was handed to the transport this cycle.
	Sent bool
}

// NewBucket creates a bucket able to hold capacity elements.
func NewBucket(capacity int) *Bucket {
	return &Bucket{Buffer: make([]float32, capacity)}
}

// Assign reserves numel elements at the current fill point and returns the
// view. It refuses when the request would not leave the buffer strictly below
// capacity.
func (b *Bucket) Assign(numel int) ([]float32, bool) {
	if b.Fill+numel >= len(b.Buffer) {
		return nil, false
	}
	view := b.Buffer[b.Fill : b.Fill+numel]
	b.Fill += numel
	b.MaxParamsCheckedIn++
	return view, true
}

// Shrink drops the unused tail once the layout is final.
func (b *Bucket) Shrink() {
	b.Buffer = b.Buffer[:b.Fill]
}

// Full reports whether every expected gradient has checked in.
func (b *Bucket) Full() bool {
	return b.ParamsCheckedIn == b.MaxParamsCheckedIn
}

// Reset rearms the bucket for a new backward pass. The layout is kept.
func (b *Bucket) Reset() {
	b.ParamsCheckedIn = 0
	b.Sent = false
}
