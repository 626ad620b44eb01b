package jobgraph

import (
	"github.com/slchris/flowgraph/internal/jobstore"
	"github.com/slchris/flowgraph/internal/moduleref"
)

// EncapsulatedJob wraps a sub-DAG rooted at an inner Job behind a thin
// wrapper so the sub-DAG appears as a single vertex to downstream wiring.
// AddChild/AddFollowOn/AddService called on the EncapsulatedJob are
// redirected to its no-op follow-on rather than to the wrapper itself, so
// additions run only after the entire encapsulated sub-DAG has completed.
type EncapsulatedJob struct {
	*Job
	inner *Job
	noop  *Job
}

func noOp(_ RunEnvironment, _ ...interface{}) (interface{}, error) { return nil, nil }

func init() {
	RegisterFunc("github.com/slchris/flowgraph/internal/jobgraph.noOp", noOp)
}

// Encapsulate wraps inner behind a thin job with a single child (inner)
// and a single follow-on (a no-op placeholder that downstream additions
// attach to).
func Encapsulate(inner *Job) *EncapsulatedJob {
	wrapper := newJob(inner.Name+".encapsulated", jobstore.ResourceRequest{}, &functionBody{fn: noOp})
	noop := newJob(inner.Name+".encapsulated.followOn", jobstore.ResourceRequest{}, &functionBody{fn: noOp})
	wrapper.ModuleRef = moduleref.ForFunc(noOp)
	noop.ModuleRef = wrapper.ModuleRef

	wrapper.AddChild(inner)
	wrapper.AddFollowOn(noop)

	return &EncapsulatedJob{Job: wrapper, inner: inner, noop: noop}
}

// AddChild redirects to the encapsulated sub-DAG's no-op follow-on.
func (e *EncapsulatedJob) AddChild(child *Job) *Job { return e.noop.AddChild(child) }

// AddFollowOn redirects to the encapsulated sub-DAG's no-op follow-on.
func (e *EncapsulatedJob) AddFollowOn(followOn *Job) *Job { return e.noop.AddFollowOn(followOn) }

// AddService redirects to the encapsulated sub-DAG's no-op follow-on.
func (e *EncapsulatedJob) AddService(svc *Service, parent *Service) (*Service, error) {
	return e.noop.AddService(svc, parent)
}

// Rv delegates to the inner job's whole-value promise.
func (e *EncapsulatedJob) Rv() *Promise { return e.inner.Rv() }

// RvAt delegates to the inner job's indexed promise.
func (e *EncapsulatedJob) RvAt(index int) *Promise { return e.inner.RvAt(index) }
