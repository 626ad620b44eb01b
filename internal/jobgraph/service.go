package jobgraph

import "github.com/slchris/flowgraph/internal/jobstore"

// ServiceImpl is implemented by user-authored long-running sidecars.
type ServiceImpl interface {
	Start(env RunEnvironment) error
	Stop(env RunEnvironment) error
	Check() error
}

// Service is both a node in a job's service forest and, once serialized,
// the source of a specialized ServiceWrapperJob whose wrapper carries the
// three start/terminate/error coordination file IDs. A Service forest is
// attached to exactly one owning Job.
type Service struct {
	Name string
	Impl ServiceImpl

	owner    *Job
	attached bool
	children []*Service

	// Assigned during serialization.
	startJobStoreID     string
	terminateJobStoreID string
	errorJobStoreID     string
	wrapperID           string
}

// NewService wraps impl as a fresh, unattached Service node.
func NewService(name string, impl ServiceImpl) *Service {
	return &Service{Name: name, Impl: impl}
}

// AddService attaches svc to this job. When parent is nil, svc becomes a
// direct (depth-0) service of j. When parent is non-nil, parent must
// already be a service somewhere in j's own service forest (checked by DFS
// over the *Service pointers themselves — the natural Go analogue of the
// source's "wrapper-equality" comparison, preserved as-is per design
// note); svc becomes parent's child instead.
func (j *Job) AddService(svc *Service, parent *Service) (*Service, error) {
	if svc.attached {
		return nil, newJobError("service %q is already attached to a job", svc.Name)
	}

	if parent == nil {
		svc.owner = j
		svc.attached = true
		j.services = append(j.services, svc)
		return svc, nil
	}

	if !j.ownsService(parent) {
		return nil, newJobError("parent service %q is not a service of this job", parent.Name)
	}

	svc.owner = j
	svc.attached = true
	parent.children = append(parent.children, svc)
	return svc, nil
}

// ownsService reports whether candidate appears anywhere in j's own
// service forest, by DFS.
func (j *Job) ownsService(candidate *Service) bool {
	for _, s := range j.services {
		if serviceForestContains(s, candidate) {
			return true
		}
	}
	return false
}

func serviceForestContains(node, candidate *Service) bool {
	if node == candidate {
		return true
	}
	for _, c := range node.children {
		if serviceForestContains(c, candidate) {
			return true
		}
	}
	return false
}

// detachChildren clears svc's child list, returning it. Used just before
// pickling svc's enclosing ServiceJob so a single Service pickle does not
// transitively drag the entire service forest with it.
func (svc *Service) detachChildren() []*Service {
	children := svc.children
	svc.children = nil
	return children
}

// depthGroups flattens the service forest rooted at the given top-level
// services into per-depth slices, depth 0 being the jobs directly attached
// to the owning Job.
func depthGroups(roots []*Service) [][]*Service {
	var groups [][]*Service
	frontier := roots
	for len(frontier) > 0 {
		groups = append(groups, frontier)
		var next []*Service
		for _, s := range frontier {
			next = append(next, s.children...)
		}
		frontier = next
	}
	return groups
}

// serviceResources returns the resource request for a service job: an
// empty one, since service jobs carry no disk/cache footprint of their own
// beyond what the wrapping job declares.
func serviceResources() jobstore.ResourceRequest {
	return jobstore.ResourceRequest{}
}
