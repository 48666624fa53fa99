package workflow

import (
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/flowpilot/model"
)

// Run-level progress statuses that are not a model.RunStatus.
const (
	progressCancelRequested = "cancel_requested"
)

// ProgressSink receives status transitions while a run executes. Emit is
// called from many goroutines and must not block.
type ProgressSink interface {
	Emit(ev model.ProgressEvent)
}

// ProgressSinkFunc adapts a function to the ProgressSink interface.
type ProgressSinkFunc func(ev model.ProgressEvent)

// Emit calls f.
func (f ProgressSinkFunc) Emit(ev model.ProgressEvent) { f(ev) }

type nopSink struct{}

func (nopSink) Emit(model.ProgressEvent) {}

// FanoutSink forwards every event to each of its sinks in order.
type FanoutSink []ProgressSink

// Emit forwards ev to every sink.
func (f FanoutSink) Emit(ev model.ProgressEvent) {
	for _, s := range f {
		if s != nil {
			s.Emit(ev)
		}
	}
}

// LogSink writes progress events to a zap logger. Run and phase transitions
// are logged at info, task transitions at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a LogSink.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// Emit logs ev.
func (s *LogSink) Emit(ev model.ProgressEvent) {
	fields := []zap.Field{
		zap.String("execution_id", ev.ExecutionID),
		zap.String("workflow_id", ev.WorkflowID),
		zap.String("status", ev.Status),
	}
	if ev.PhaseID != "" {
		fields = append(fields, zap.String("phase_id", ev.PhaseID))
	}
	if ev.TaskID != "" {
		fields = append(fields, zap.String("task_id", ev.TaskID))
	}
	if ev.FailureKind != "" {
		fields = append(fields, zap.String("failure_kind", string(ev.FailureKind)))
	}
	if ev.Duration > 0 {
		fields = append(fields, zap.Duration("duration", ev.Duration))
	}

	switch ev.Kind {
	case model.ProgressRun:
		s.logger.Info("run "+ev.Status, fields...)
	case model.ProgressPhase:
		s.logger.Info("phase "+ev.Status, fields...)
	default:
		s.logger.Debug("task "+ev.Status, fields...)
	}
}

// RunRecorder is the subset of the metrics instruments the MetricsSink
// drives.
type RunRecorder interface {
	RecordRunStart(workflowID string)
	RecordRunEnd(workflowID, status string, duration time.Duration)
	RecordRunCancelled(workflowID string)
	RecordPhase(status string)
	RecordTask(workflowID, status, failureKind string, duration time.Duration)
}

// MetricsSink turns terminal progress events into metric observations.
type MetricsSink struct {
	rec RunRecorder
}

// NewMetricsSink creates a MetricsSink.
func NewMetricsSink(rec RunRecorder) *MetricsSink {
	return &MetricsSink{rec: rec}
}

// Emit records ev if it marks a start or a settled state.
func (s *MetricsSink) Emit(ev model.ProgressEvent) {
	switch ev.Kind {
	case model.ProgressRun:
		switch {
		case ev.Status == string(model.RunRunning):
			s.rec.RecordRunStart(ev.WorkflowID)
		case ev.Status == progressCancelRequested:
			s.rec.RecordRunCancelled(ev.WorkflowID)
		case model.RunStatus(ev.Status).Terminal():
			s.rec.RecordRunEnd(ev.WorkflowID, ev.Status, ev.Duration)
		}
	case model.ProgressPhase:
		if model.PhaseStatus(ev.Status).Terminal() {
			s.rec.RecordPhase(ev.Status)
		}
	case model.ProgressTask:
		switch model.TaskStatus(ev.Status) {
		case model.TaskSucceeded, model.TaskFailed, model.TaskSkipped:
			s.rec.RecordTask(ev.WorkflowID, ev.Status, string(ev.FailureKind), ev.Duration)
		}
	}
}
