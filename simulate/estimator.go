// Package simulate predicts the makespan of a pipelined forward pass with a
// discrete-event model, without running any real computation. Each stage
// processes its micro-batches in order, a micro-batch can enter a stage only
// after leaving the previous one, and stage-to-stage transfers take link time.
package simulate

import (
	"reflect"

	"gitlab.com/akita/akita/v3/sim"

	"github.com/sarchlab/shardpipe/timemodel"
)

// A Stage describes one pipeline stage for estimation purposes.
type Stage struct {
	Name string

	// TimeInSec is the recorded per-micro-batch latency of the stage.
	TimeInSec float64

	// OutputBytes is the activation payload shipped to the next stage.
	OutputBytes uint64

	// LinkBandwidth, in bytes per second, and LinkLatency describe the
	// link to the next stage. Zero bandwidth means an instantaneous link.
	LinkBandwidth float64
	LinkLatency   float64
}

// A ScheduleEstimator replays a pipeline schedule over a discrete-event
// engine and reports when the last micro-batch leaves the last stage.
type ScheduleEstimator struct {
	*sim.ComponentBase

	sim.TimeTeller
	sim.EventScheduler
	timeEstimator timemodel.StageTimeEstimator

	stages []Stage
	chunks int

	busy      []bool
	nextChunk []int
	arrived   [][]bool
	finished  int
	makespan  sim.VTimeInSec
}

// NewScheduleEstimator creates a new ScheduleEstimator.
func NewScheduleEstimator(
	name string,
	tt sim.TimeTeller,
	es sim.EventScheduler,
	timeEstimator timemodel.StageTimeEstimator,
) *ScheduleEstimator {
	e := &ScheduleEstimator{
		TimeTeller:     tt,
		EventScheduler: es,
		timeEstimator:  timeEstimator,
	}

	e.ComponentBase = sim.NewComponentBase(name)

	return e
}

// SetPipeline sets the stages to replay and the number of micro-batches.
func (e *ScheduleEstimator) SetPipeline(stages []Stage, chunks int) {
	e.stages = stages
	e.chunks = chunks
}

// KickStart schedules the arrival of every micro-batch at the first stage.
// The main program should still call engine.Run() to run the simulation.
func (e *ScheduleEstimator) KickStart() {
	if len(e.stages) == 0 || e.chunks == 0 {
		panic("Pipeline is not set")
	}

	e.busy = make([]bool, len(e.stages))
	e.nextChunk = make([]int, len(e.stages))
	e.arrived = make([][]bool, len(e.stages))
	for s := range e.arrived {
		e.arrived[s] = make([]bool, e.chunks)
	}
	e.finished = 0
	e.makespan = 0

	for c := 0; c < e.chunks; c++ {
		e.arrived[0][c] = true
	}
	e.tryStartStage(0)
}

// Makespan returns the time the last micro-batch left the last stage. It is
// only meaningful after the engine ran to completion.
func (e *ScheduleEstimator) Makespan() float64 {
	return float64(e.makespan)
}

// Handle function of a ScheduleEstimator handles events.
func (e *ScheduleEstimator) Handle(evt sim.Event) error {
	switch evt := evt.(type) {
	case stageTaskDoneEvent:
		e.completeStageTask(evt)
	case chunkArrivalEvent:
		e.arrived[evt.stage][evt.chunk] = true
		e.tryStartStage(evt.stage)
	default:
		panic("ScheduleEstimator cannot handle this event type " +
			reflect.TypeOf(evt).String())
	}

	return nil
}

// tryStartStage starts the stage's next micro-batch if the stage is idle and
// the input arrived.
func (e *ScheduleEstimator) tryStartStage(stage int) {
	c := e.nextChunk[stage]
	if c >= e.chunks || e.busy[stage] || !e.arrived[stage][c] {
		return
	}

	estimate, err := e.timeEstimator.Estimate(timemodel.StageTimeInput{
		Stage:             stage,
		Chunk:             c,
		PayloadBytes:      e.stages[stage].OutputBytes,
		RecordedTimeInSec: e.stages[stage].TimeInSec,
	})
	if err != nil {
		panic(err)
	}

	e.busy[stage] = true
	e.Schedule(stageTaskDoneEvent{
		time:    e.CurrentTime() + sim.VTimeInSec(estimate.TimeInSec),
		handler: e,
		stage:   stage,
		chunk:   c,
	})
}

func (e *ScheduleEstimator) completeStageTask(evt stageTaskDoneEvent) {
	e.busy[evt.stage] = false
	e.nextChunk[evt.stage]++

	if evt.stage == len(e.stages)-1 {
		e.finished++
		e.makespan = e.CurrentTime()
	} else {
		e.Schedule(chunkArrivalEvent{
			time:    e.CurrentTime() + sim.VTimeInSec(e.transferTime(evt.stage)),
			handler: e,
			stage:   evt.stage + 1,
			chunk:   evt.chunk,
		})
	}

	e.tryStartStage(evt.stage)
}

// transferTime returns the link time for shipping a stage's output downstream.
func (e *ScheduleEstimator) transferTime(stage int) float64 {
	s := e.stages[stage]
	t := s.LinkLatency
	if s.LinkBandwidth > 0 {
		t += float64(s.OutputBytes) / s.LinkBandwidth
	}
	return t
}

// A stageTaskDoneEvent is triggered when a stage finishes one micro-batch.
type stageTaskDoneEvent struct {
	time    sim.VTimeInSec
	handler *ScheduleEstimator
	stage   int
	chunk   int
}

// Time returns the time of the event.
func (e stageTaskDoneEvent) Time() sim.VTimeInSec {
	return e.time
}

// Handler returns the handler of the event.
func (e stageTaskDoneEvent) Handler() sim.Handler {
	return e.handler
}

// IsSecondary always returns false.
func (e stageTaskDoneEvent) IsSecondary() bool {
	return false
}

// A chunkArrivalEvent is triggered when a micro-batch reaches the next stage.
type chunkArrivalEvent struct {
	time    sim.VTimeInSec
	handler *ScheduleEstimator
	stage   int
	chunk   int
}

// Time returns the time of the event.
func (e chunkArrivalEvent) Time() sim.VTimeInSec {
	return e.time
}

// Handler returns the handler of the event.
func (e chunkArrivalEvent) Handler() sim.Handler {
	return e.handler
}

// IsSecondary always returns false.
func (e chunkArrivalEvent) IsSecondary() bool {
	return false
}
