// Package pipe implements a multi-stage pipelined execution engine. A
// sequential model is partitioned into contiguous stages placed on devices;
// each forward pass splits the batch into micro-batches and drives them
// through the stages in a lockstep clock schedule, optionally dropping
// activations that a later recomputation can rebuild.
package pipe

import (
	"fmt"
	"reflect"
	"strings"

	"github.com/sarchlab/shardpipe"
)

// A Unit is one step of a sequential model. Units take and return tensor
// tuples so multi-input stages compose.
type Unit interface {
	Forward(xs []shardpipe.Tensor) ([]shardpipe.Tensor, error)
}

// A Sequential is an ordered list of named units.
type Sequential struct {
	names []string
	units []Unit
}

// NewSequential creates an empty sequential model.
func NewSequential() *Sequential {
	return &Sequential{}
}

// Add appends a named unit and returns the model for chaining.
func (s *Sequential) Add(name string, u Unit) *Sequential {
	s.names = append(s.names, name)
	s.units = append(s.units, u)
	return s
}

// Len returns the number of units.
func (s *Sequential) Len() int {
	return len(s.units)
}

// A Checkpoint policy selects which micro-batches run with their activations
// dropped and rebuilt on demand.
type Checkpoint int

const (
	// CheckpointExceptLast drops activations for every micro-batch but the
	// final one, which feeds straight into the backward pass anyway.
	CheckpointExceptLast Checkpoint = iota
	CheckpointAlways
	CheckpointNever
)

func (c Checkpoint) String() string {
	switch c {
	case CheckpointAlways:
		return "always"
	case CheckpointExceptLast:
		return "except_last"
	case CheckpointNever:
		return "never"
	}
	return fmt.Sprintf("checkpoint(%d)", int(c))
}

// ParseCheckpoint converts a policy name to a Checkpoint.
func ParseCheckpoint(s string) (Checkpoint, error) {
	switch s {
	case "always":
		return CheckpointAlways, nil
	case "except_last":
		return CheckpointExceptLast, nil
	case "never":
		return CheckpointNever, nil
	}
	return 0, shardpipe.ConfigErrorf(
		"checkpoint %q is not one of always, except_last, or never", s)
}

// Config carries the per-pipeline knobs.
type Config struct {
	// Chunks is the number of micro-batches a batch is split into. It must
	// be at least 1.
	Chunks int

	// Checkpoint selects the activation-dropping policy.
	Checkpoint Checkpoint

	// DeferredNorm replaces batch-normalization units with versions that
	// accumulate statistics across the micro-batches of a pass.
	DeferredNorm bool
}

// DefaultConfig returns the configuration used when no knob matters: one
// chunk, checkpointing everything but the last micro-batch.
func DefaultConfig() Config {
	return Config{Chunks: 1, Checkpoint: CheckpointExceptLast}
}

// A partition is one contiguous run of units placed on a device.
type partition struct {
	names  []string
	units  []Unit
	device shardpipe.Device
}

// A Pipe drives a partitioned sequential model.
type Pipe struct {
	names      []string
	units      []Unit
	balance    []int
	devices    []shardpipe.Device
	chunks     int
	checkpoint Checkpoint
	partitions []*partition
	training   bool

	recomputes *recomputeLog
}

// New partitions model over devices according to balance, which gives the
// number of units per stage. Extra devices are left unused; too few devices
// fail the build. All argument problems are reported as configuration errors.
func New(
	model *Sequential,
	balance []int,
	devices []shardpipe.Device,
	cfg Config,
) (*Pipe, error) {
	if model == nil {
		return nil, shardpipe.ConfigErrorf("model is required")
	}
	if err := checkDuplicates(model); err != nil {
		return nil, err
	}
	if balance == nil {
		return nil, shardpipe.ConfigErrorf(
			"balance is required; InferBalance can produce an even split")
	}
	total := 0
	for _, b := range balance {
		if b <= 0 {
			return nil, shardpipe.ConfigErrorf(
				"all balance numbers must be positive")
		}
		total += b
	}
	if total != model.Len() {
		return nil, shardpipe.ConfigErrorf(
			"module and sum of balance have different length (module: %d, sum of balance: %d)",
			model.Len(), total)
	}
	if len(devices) < len(balance) {
		return nil, shardpipe.ConfigErrorf(
			"too few devices to hold given partitions (devices: %d, partitions: %d)",
			len(devices), len(balance))
	}
	if cfg.Chunks <= 0 {
		return nil, shardpipe.ConfigErrorf("number of chunks must be positive")
	}
	if cfg.Checkpoint < CheckpointExceptLast || cfg.Checkpoint > CheckpointNever {
		return nil, shardpipe.ConfigErrorf(
			"checkpoint is not one of always, except_last, or never")
	}

	names := append([]string(nil), model.names...)
	units := append([]Unit(nil), model.units...)
	if cfg.DeferredNorm {
		for i, u := range units {
			if su, ok := u.(StatsUnit); ok {
				units[i] = su.DeferStats()
			}
		}
	}

	p := &Pipe{
		names:      names,
		units:      units,
		balance:    append([]int(nil), balance...),
		devices:    append([]shardpipe.Device(nil), devices[:len(balance)]...),
		chunks:     cfg.Chunks,
		checkpoint: cfg.Checkpoint,
		training:   true,
		recomputes: &recomputeLog{},
	}

	at := 0
	for i, b := range balance {
		p.partitions = append(p.partitions, &partition{
			names:  names[at : at+b],
			units:  units[at : at+b],
			device: devices[i],
		})
		at += b
	}
	return p, nil
}

func checkDuplicates(model *Sequential) error {
	seenNames := make(map[string]bool, len(model.names))
	seenUnits := make(map[Unit]string, len(model.units))
	for i, u := range model.units {
		name := model.names[i]
		if seenNames[name] {
			return shardpipe.ConfigErrorf("module name %s is used twice", name)
		}
		seenNames[name] = true
		// Distinct zero-size values share one address, so interface
		// identity only means reuse for units that carry state.
		if !zeroSized(u) {
			if prev, ok := seenUnits[u]; ok {
				return shardpipe.ConfigErrorf(
					"module %s reuses the unit already added as %s",
					name, prev)
			}
			seenUnits[u] = name
		}
	}
	return nil
}

func zeroSized(u Unit) bool {
	t := reflect.TypeOf(u)
	if t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Size() == 0
}

// InferBalance evenly splits n units over the given number of stages, front
// stages taking the remainder.
func InferBalance(n, stages int) []int {
	if stages < 1 || n < stages {
		return nil
	}
	balance := make([]int, stages)
	for i := range balance {
		balance[i] = n / stages
		if i < n%stages {
			balance[i]++
		}
	}
	return balance
}

// Len returns the number of units across all stages.
func (p *Pipe) Len() int {
	return len(p.units)
}

// At returns the unit at the given index. Negative indices count from the
// end. Out-of-range indices panic.
func (p *Pipe) At(i int) Unit {
	idx := i
	if idx < 0 {
		idx += len(p.units)
	}
	if idx < 0 || idx >= len(p.units) {
		panic(fmt.Sprintf("unit index %d out of range for %d units", i, len(p.units)))
	}
	return p.units[idx]
}

// ByName returns the unit registered under name.
func (p *Pipe) ByName(name string) (Unit, bool) {
	for i, n := range p.names {
		if n == name {
			return p.units[i], true
		}
	}
	return nil, false
}

// PathOf returns the dotted path of a named unit inside its owning stage,
// such as "partitions.0.conv".
func (p *Pipe) PathOf(name string) (string, bool) {
	for s, part := range p.partitions {
		for _, n := range part.names {
			if n == name {
				return fmt.Sprintf("partitions.%d.%s", s, n), true
			}
		}
	}
	return "", false
}

// Balance returns the per-stage unit counts.
func (p *Pipe) Balance() []int {
	return append([]int(nil), p.balance...)
}

// Devices returns the devices actually holding stages.
func (p *Pipe) Devices() []shardpipe.Device {
	return append([]shardpipe.Device(nil), p.devices...)
}

// Chunks returns the configured number of micro-batches.
func (p *Pipe) Chunks() int {
	return p.chunks
}

// CheckpointMode returns the configured activation policy.
func (p *Pipe) CheckpointMode() Checkpoint {
	return p.checkpoint
}

// Stages returns the number of pipeline stages.
func (p *Pipe) Stages() int {
	return len(p.partitions)
}

// Train puts the pipeline in training mode.
func (p *Pipe) Train() {
	p.training = true
}

// Eval puts the pipeline in evaluation mode; no activation checkpointing
// happens there.
func (p *Pipe) Eval() {
	p.training = false
}

// To refuses whole-pipeline device moves. Stage placement is part of the
// build; moving it afterwards would desynchronize the schedule.
func (p *Pipe) To(d shardpipe.Device) error {
	return shardpipe.ConfigErrorf(
		"stages are placed at build time and cannot move to %s", d)
}

// Cast switches the numeric precision of every unit that supports casting.
// Unlike a device move, this keeps the stage layout intact.
func (p *Pipe) Cast(dt shardpipe.DType) {
	for _, u := range p.units {
		if cu, ok := u.(Caster); ok {
			cu.Cast(dt)
		}
	}
}

// A Caster is a unit whose numeric precision can change in place.
type Caster interface {
	Cast(dt shardpipe.DType)
}

func (p *Pipe) String() string {
	var sb strings.Builder
	sb.WriteString("Pipe(")
	for i, n := range p.names {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(n)
	}
	sb.WriteString(")")
	return sb.String()
}
