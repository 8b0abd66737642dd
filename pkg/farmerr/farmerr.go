// Package farmerr defines the error kinds the scheduler core raises to its
// host, per spec section 7 (Error Handling Design).
//
// QuotaExhausted and CapabilityMismatch are deliberately not errors here:
// the spec calls them "informational", surfaced only as a scheduler.Skip
// reason and "never raised to the host". They live as SkipReason string
// constants in pkg/scheduler instead.
package farmerr

import (
	"errors"
	"fmt"
)

// Kind identifies a class of core error, independent of the offending id.
type Kind string

const (
	KindUnknownClient       Kind = "unknown_client"
	KindUnknownNode         Kind = "unknown_node"
	KindUnknownJob          Kind = "unknown_job"
	KindNodeBusy            Kind = "node_busy"
	KindCircularDependency  Kind = "circular_dependency"
	KindInvalidProgress     Kind = "invalid_progress"
)

// Error is a typed core error carrying a Kind and the id it concerns.
type Error struct {
	Kind Kind
	ID   string
	msg  string
}

func (e *Error) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.ID)
}

// Is allows errors.Is(err, farmerr.ErrNodeBusy) style matching by Kind.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return e.Kind == other.Kind
}

// Sentinels for errors.Is comparisons against a bare Kind, e.g.
// errors.Is(err, farmerr.ErrUnknownNode).
var (
	ErrUnknownClient      = &Error{Kind: KindUnknownClient}
	ErrUnknownNode        = &Error{Kind: KindUnknownNode}
	ErrUnknownJob         = &Error{Kind: KindUnknownJob}
	ErrNodeBusy           = &Error{Kind: KindNodeBusy}
	ErrCircularDependency = &Error{Kind: KindCircularDependency}
	ErrInvalidProgress    = &Error{Kind: KindInvalidProgress}
)

// UnknownClient returns a KindUnknownClient error for the given id.
func UnknownClient(id string) error {
	return &Error{Kind: KindUnknownClient, ID: id, msg: fmt.Sprintf("unknown client %q", id)}
}

// UnknownNode returns a KindUnknownNode error for the given id.
func UnknownNode(id string) error {
	return &Error{Kind: KindUnknownNode, ID: id, msg: fmt.Sprintf("unknown node %q", id)}
}

// UnknownJob returns a KindUnknownJob error for the given id.
func UnknownJob(id string) error {
	return &Error{Kind: KindUnknownJob, ID: id, msg: fmt.Sprintf("unknown job %q", id)}
}

// NodeBusy returns a KindNodeBusy error for the given node id.
func NodeBusy(nodeID string) error {
	return &Error{Kind: KindNodeBusy, ID: nodeID, msg: fmt.Sprintf("node %q is not online", nodeID)}
}

// CircularDependency returns a KindCircularDependency error for the given job id.
func CircularDependency(jobID string) error {
	return &Error{Kind: KindCircularDependency, ID: jobID, msg: fmt.Sprintf("job %q would create a circular dependency", jobID)}
}

// InvalidProgress returns a KindInvalidProgress error for the given job id.
func InvalidProgress(jobID string, got, floor float64) error {
	return &Error{
		Kind: KindInvalidProgress,
		ID:   jobID,
		msg:  fmt.Sprintf("job %q progress %.2f is below last checkpoint progress %.2f", jobID, got, floor),
	}
}
