// Package jobgraph implements the in-memory, mutable job DAG: jobs, the
// child/follow-on/service edges between them, graph validation, topological
// ordering, and the serialization protocol that turns an authored graph
// into job-store wrapper records.
package jobgraph

import (
	"io"

	"github.com/slchris/flowgraph/internal/jobstore"
	"github.com/slchris/flowgraph/internal/moduleref"
)

// RunEnvironment is the facade a job body runs against. internal/filestore's
// FileStore (and its cached variant) implement this interface structurally;
// jobgraph never imports filestore, keeping Job Graph a leaf with respect to
// the per-worker file-store layer that is built on top of it.
type RunEnvironment interface {
	WriteGlobalFile(localPath string, cleanup bool) (string, error)
	WriteGlobalFileStream(cleanup bool) (io.WriteCloser, string, error)
	ReadGlobalFile(fileID string, userPath string, cache bool, mutable bool) (string, error)
	ReadGlobalFileStream(fileID string) (io.ReadCloser, error)
	DeleteGlobalFile(fileID string) error
	GetLocalTempDir() (string, error)
	LogToMaster(format string, args ...interface{})
}

// UserJob is implemented by user-authored job classes.
type UserJob interface {
	Run(env RunEnvironment) (interface{}, error)
}

// UserFunc is the signature a function-wrapped job runs.
type UserFunc func(env RunEnvironment, args ...interface{}) (interface{}, error)

// body is the tagged-variant hierarchy dispatched uniformly by the worker
// loop: PlainJob wraps a user type, FunctionWrapperJob wraps a bare
// function, ServiceWrapperJob wraps a Service's start/stop/check cycle.
type body interface {
	run(env RunEnvironment) (interface{}, error)
}

type plainBody struct{ job UserJob }

func (b *plainBody) run(env RunEnvironment) (interface{}, error) { return b.job.Run(env) }

type functionBody struct {
	fn   UserFunc
	args []interface{}
}

func (b *functionBody) run(env RunEnvironment) (interface{}, error) { return b.fn(env, b.args...) }

type serviceBody struct{ service *Service }

func (b *serviceBody) run(env RunEnvironment) (interface{}, error) {
	return nil, newJobError("a ServiceWrapperJob body is dispatched by the service lifecycle, not run() directly")
}

// rvKey identifies one of a job's return-value slots: either a numbered
// index, or the "whole value" sentinel used when a successor asked for
// rv() with no index.
type rvKey struct {
	whole bool
	index int
}

// Job is a user-authored unit of work and a vertex in the mutable DAG. Job
// identity is its own pointer; the graph never needs a separate handle
// type because Go pointers already give each Job a unique, comparable
// identity that survives regardless of how many slices reference it.
type Job struct {
	Name      string
	Resources jobstore.ResourceRequest
	ModuleRef moduleref.ModuleRef

	body body

	children  []*Job
	followOns []*Job
	services  []*Service

	predecessors map[*Job]struct{}

	rvs map[rvKey][]string

	// promiseJobStore is set only during serialization, on every job
	// reachable from the submission root (including nested service jobs),
	// so that pickling a Promise held by any of them can allocate a
	// placeholder file. It is nil at all other times.
	promiseJobStore jobstore.Store

	// wrapperID is assigned once this Job has been given a job-store
	// wrapper during serialization.
	wrapperID string

	// pendingServiceGroups holds this job's per-depth service coordination
	// tuples between serializeServices populating them and Serialize
	// copying them onto the job's own wrapper.
	pendingServiceGroups [][]jobstore.ServiceTuple
}

// NewJob wraps a user job type as a PlainJob. The concrete type of job
// must be registered with gob.Register before any job graph containing it
// is serialized (see internal/jobgraph/serialize.go).
func NewJob(name string, resources jobstore.ResourceRequest, job UserJob) *Job {
	j := newJob(name, resources, &plainBody{job: job})
	j.ModuleRef = moduleref.ForType(job)
	return j
}

// WrapFn wraps a bare function as a FunctionWrapperJob. fn must have been
// registered with RegisterFunc under a stable name before serialization —
// Go cannot ship a closure's code across a process boundary the way
// pickle ships bytecode, so the remote worker looks fn back up by name in
// the same compiled binary instead.
func WrapFn(name string, resources jobstore.ResourceRequest, fn UserFunc, args ...interface{}) *Job {
	j := newJob(name, resources, &functionBody{fn: fn, args: args})
	j.ModuleRef = moduleref.ForFunc(fn)
	return j
}

func newJob(name string, resources jobstore.ResourceRequest, b body) *Job {
	return &Job{
		Name:         name,
		Resources:    resources,
		body:         b,
		predecessors: make(map[*Job]struct{}),
		rvs:          make(map[rvKey][]string),
	}
}

// AddChild appends child to this job's children sequence and records the
// reverse predecessor edge.
func (j *Job) AddChild(child *Job) *Job {
	j.children = append(j.children, child)
	child.predecessors[j] = struct{}{}
	return child
}

// AddFollowOn appends followOn to this job's follow-ons sequence and
// records the reverse predecessor edge.
func (j *Job) AddFollowOn(followOn *Job) *Job {
	j.followOns = append(j.followOns, followOn)
	followOn.predecessors[j] = struct{}{}
	return followOn
}

// AddChildFn is sugar for AddChild(WrapFn(...)).
func (j *Job) AddChildFn(name string, resources jobstore.ResourceRequest, fn UserFunc, args ...interface{}) *Job {
	return j.AddChild(WrapFn(name, resources, fn, args...))
}

// AddFollowOnFn is sugar for AddFollowOn(WrapFn(...)).
func (j *Job) AddFollowOnFn(name string, resources jobstore.ResourceRequest, fn UserFunc, args ...interface{}) *Job {
	return j.AddFollowOn(WrapFn(name, resources, fn, args...))
}

// Children returns this job's direct children, in add order.
func (j *Job) Children() []*Job { return j.children }

// FollowOns returns this job's direct follow-ons, in add order.
func (j *Job) FollowOns() []*Job { return j.followOns }

// Services returns this job's directly attached services, in add order.
func (j *Job) Services() []*Service { return j.services }

// Predecessors returns the set of jobs that named this job as a child or
// follow-on.
func (j *Job) Predecessors() []*Job {
	out := make([]*Job, 0, len(j.predecessors))
	for p := range j.predecessors {
		out = append(out, p)
	}
	return out
}

// IsCheckpoint reports whether this job is marked as a checkpoint.
func (j *Job) IsCheckpoint() bool { return j.Resources.Checkpoint }

// Rv returns a Promise bound to this job's whole return value.
func (j *Job) Rv() *Promise { return &Promise{owner: j, whole: true} }

// RvAt returns a Promise bound to the value at the given return-value
// index (for jobs whose run() returns a tuple-like sequence of values).
func (j *Job) RvAt(index int) *Promise { return &Promise{owner: j, index: index} }

// Run dispatches to this job's body: the user job's Run method, the
// wrapped function, or (for a ServiceWrapperJob) an error, since services
// are driven by the service lifecycle rather than a single run() call.
func (j *Job) Run(env RunEnvironment) (interface{}, error) {
	return j.body.run(env)
}

// AsService reports whether j unpickled as a ServiceWrapperJob and, if so,
// returns the ServiceImpl it wraps. A worker that picks up a service
// wrapper must drive it through RunService instead of calling Run.
func (j *Job) AsService() (ServiceImpl, bool) {
	sb, ok := j.body.(*serviceBody)
	if !ok {
		return nil, false
	}
	return sb.service.Impl, true
}

// WrapperID returns the job-store wrapper ID this job was most recently
// serialized to, or the empty string if it has never been serialized.
func (j *Job) WrapperID() string { return j.wrapperID }

// BindWrapperID associates a job reconstructed by ReadPickle with the
// wrapper it was unpickled from, so a subsequent Serialize call (run after
// the worker has attached any new children or follow-ons during Run)
// updates that existing wrapper in place instead of minting a new one.
func (j *Job) BindWrapperID(wrapperID string) { j.wrapperID = wrapperID }
