// Package audit defines the write-only audit event stream the core emits
// as it processes a tick: one Event per decision, state transition, or
// notable condition.
package audit

import (
	"sync"
	"time"

	"github.com/orbitalrender/farmsched/pkg/log"
	"github.com/orbitalrender/farmsched/pkg/metrics"
)

// EventType names a class of audit event.
type EventType string

const (
	EventClientAdded               EventType = "ClientAdded"
	EventClientRemoved              EventType = "ClientRemoved"
	EventNodeAdded                  EventType = "NodeAdded"
	EventNodeRemoved                EventType = "NodeRemoved"
	EventNodeFailure                EventType = "NodeFailure"
	EventJobSubmitted               EventType = "JobSubmitted"
	EventJobScheduled               EventType = "JobScheduled"
	EventJobPreempted               EventType = "JobPreempted"
	EventJobResumed                 EventType = "JobResumed"
	EventJobUpdated                 EventType = "JobUpdated"
	EventJobCompleted               EventType = "JobCompleted"
	EventJobFailed                  EventType = "JobFailed"
	EventJobCancelled               EventType = "JobCancelled"
	EventJobSkipped                 EventType = "JobSkipped"
	EventPriorityElevated           EventType = "PriorityElevated"
	EventPriorityDemoted            EventType = "PriorityDemoted"
	EventSchedulingCycleCompleted   EventType = "SchedulingCycleCompleted"
	EventResourceAllocationScaled   EventType = "ResourceAllocationScaled"
	EventEnergyModeChanged          EventType = "EnergyModeChanged"
)

// Event is a single structured audit record.
type Event struct {
	Timestamp time.Time
	Type      EventType
	JobID     string
	NodeID    string
	ClientID  string
	Reason    string
	Extra     map[string]string
}

// Sink is the write-only interface the core emits events to. Record must
// not block the scheduling cycle; implementations that need to fan out
// slowly should buffer internally.
type Sink interface {
	Record(e Event)
}

// NullSink discards every event. It is the default: a valid deployment
// per the core's "a null sink is a valid deployment" contract.
type NullSink struct{}

// Record implements Sink.
func (NullSink) Record(Event) {}

// RecordingSink captures events in memory, for tests that assert on what
// the core emitted.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

// NewRecordingSink returns an empty RecordingSink.
func NewRecordingSink() *RecordingSink {
	return &RecordingSink{}
}

// Record implements Sink.
func (s *RecordingSink) Record(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
}

// Events returns a copy of every event recorded so far, in emission order.
func (s *RecordingSink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// OfType filters recorded events down to a single type.
func (s *RecordingSink) OfType(t EventType) []Event {
	var out []Event
	for _, e := range s.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// MetricsSink logs every event at debug level and increments the matching
// Prometheus counter, for production deployments that want both a trace
// and a dashboard without wiring a second sink.
type MetricsSink struct{}

// NewMetricsSink returns a Sink that logs and instruments every event.
func NewMetricsSink() *MetricsSink {
	return &MetricsSink{}
}

// Record implements Sink.
func (MetricsSink) Record(e Event) {
	logger := log.WithComponent("audit")
	logger.Debug().
		Str("event_type", string(e.Type)).
		Str("job_id", e.JobID).
		Str("node_id", e.NodeID).
		Str("client_id", e.ClientID).
		Str("reason", e.Reason).
		Msg("audit event")

	switch e.Type {
	case EventJobScheduled:
		metrics.JobsScheduledTotal.Inc()
	case EventJobPreempted:
		metrics.JobsPreemptedTotal.Inc()
	case EventJobSkipped:
		metrics.JobsSkippedTotal.WithLabelValues(e.Reason).Inc()
	case EventJobFailed:
		metrics.JobsFailedTotal.Inc()
	case EventJobCompleted:
		metrics.JobsCompletedTotal.Inc()
	case EventNodeFailure:
		metrics.NodeFailuresTotal.Inc()
	case EventJobUpdated:
		if e.Reason == "requeued_after_node_failure" {
			metrics.JobsRequeuedTotal.Inc()
		}
	case EventResourceAllocationScaled:
		if e.Reason != "resources_allocated" {
			metrics.ResourceAllocationScaledTotal.Inc()
		}
	case EventEnergyModeChanged:
		metrics.EnergyModeChangesTotal.Inc()
	}
}

// MultiSink fans one event out to several sinks in order.
type MultiSink []Sink

// Record implements Sink.
func (m MultiSink) Record(e Event) {
	for _, s := range m {
		s.Record(e)
	}
}
