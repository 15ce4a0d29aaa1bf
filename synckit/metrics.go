package synckit

import "time"

// MetricsCollector provides hooks for collecting sync metrics
type MetricsCollector interface {
	// RecordRemoteCall records one remote attempt and its outcome
	RecordRemoteCall(entityType EntityType, kind ActionKind, outcome OutcomeKind, duration time.Duration)

	// RecordActionSettled records a confirmed action
	RecordActionSettled(entityType EntityType)

	// RecordActionFailed records an action demoted to Failed
	RecordActionFailed(entityType EntityType, reason string)

	// RecordConflict records a detected conflict
	RecordConflict(entityType EntityType)

	// RecordDrainDuration records how long one drain pass took
	RecordDrainDuration(duration time.Duration)

	// RecordQueueDepth records the number of actions in a status
	RecordQueueDepth(status ActionStatus, n int)
}

// NoOpMetricsCollector is a default implementation that does nothing
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordRemoteCall(EntityType, ActionKind, OutcomeKind, time.Duration) {}
func (NoOpMetricsCollector) RecordActionSettled(EntityType)                                      {}
func (NoOpMetricsCollector) RecordActionFailed(EntityType, string)                               {}
func (NoOpMetricsCollector) RecordConflict(EntityType)                                           {}
func (NoOpMetricsCollector) RecordDrainDuration(time.Duration)                                   {}
func (NoOpMetricsCollector) RecordQueueDepth(ActionStatus, int)                                  {}
