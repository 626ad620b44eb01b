package jobgraph

import "github.com/pkg/errors"

// GraphDeadlock is raised by validate when a submitted graph has a cycle,
// is multi-rooted or zero-rooted, or violates the new-checkpoint
// constraint. The submission is rejected without touching the job store.
type GraphDeadlock struct {
	Reason string
}

func (e *GraphDeadlock) Error() string { return "job graph deadlock: " + e.Reason }

func newGraphDeadlock(format string, args ...interface{}) error {
	return errors.WithStack(&GraphDeadlock{Reason: errors.Errorf(format, args...).Error()})
}

// JobError signals a service-wiring misuse: a service already attached, or
// a parent service not owned by the job it was added through. Raised at
// authoring time.
type JobError struct {
	Reason string
}

func (e *JobError) Error() string { return "job graph error: " + e.Reason }

func newJobError(format string, args ...interface{}) error {
	return errors.WithStack(&JobError{Reason: errors.Errorf(format, args...).Error()})
}

// PromiseMisuse signals an attempt to construct or resolve a promise
// outside a valid predecessor/successor relationship. Fatal for the
// consumer job.
type PromiseMisuse struct {
	Reason string
}

func (e *PromiseMisuse) Error() string { return "promise misuse: " + e.Reason }

func newPromiseMisuse(format string, args ...interface{}) error {
	return errors.WithStack(&PromiseMisuse{Reason: errors.Errorf(format, args...).Error()})
}
