// Package timemodel provides a performance model for the time of execution of
// pipeline stage tasks.
package timemodel

// A StageTimeInput represents the input of a stage time estimator.
type StageTimeInput struct {
	Stage             int
	Chunk             int
	PayloadBytes      uint64
	RecordedTimeInSec float64
}

// A StageTimeOutput represents the output of a stage time estimator.
type StageTimeOutput struct {
	// The estimated execution time in seconds.
	TimeInSec float64
}

// StageTimeEstimator estimates how long one stage takes to process one
// micro-batch.
type StageTimeEstimator interface {
	// Estimate estimates the execution time of one stage task.
	Estimate(input StageTimeInput) (StageTimeOutput, error)
}

// A AlwaysOneStageTimeEstimator always returns 1 as the estimated execution
// time.
type AlwaysOneStageTimeEstimator struct{}

// Estimate always returns 1 as the estimated execution time.
func (e *AlwaysOneStageTimeEstimator) Estimate(
	input StageTimeInput,
) (StageTimeOutput, error) {
	return StageTimeOutput{
		TimeInSec: 1,
	}, nil
}

// A RecordedStageTimeEstimator estimates the execution time of a stage task
// based on the recorded time.
type RecordedStageTimeEstimator struct{}

// Estimate estimates the execution time of a stage task based on the recorded
// time.
func (e *RecordedStageTimeEstimator) Estimate(
	input StageTimeInput,
) (StageTimeOutput, error) {
	return StageTimeOutput{
		TimeInSec: input.RecordedTimeInSec,
	}, nil
}
