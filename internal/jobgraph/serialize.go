package jobgraph

import (
	"bytes"
	"encoding/gob"
	"reflect"
	"strings"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/slchris/flowgraph/internal/jobstore"
	"github.com/slchris/flowgraph/internal/moduleref"
)

func init() {
	gob.Register(PromiseRef{})
}

// commandTag is the first token of every wrapper.command string, per §6's
// "_toil <pickleFileID> <moduleName> <moduleDirPath> <moduleIsFirstJob>"
// wire format. The literal name is kept from the source system rather than
// renamed, since it is a wire-format constant future tooling may grep for.
const commandTag = "_toil"

// firstJobToken is the pickle-file-ID token used for the workflow's
// bootstrap wrapper, read back via jobstore.FirstJobSharedFile.
const firstJobToken = "firstJob"

// pickledJob is the on-disk shape of one serialized job body. Kind selects
// which of the tagged-variant fields is populated. PlainJob, Args, and
// ServiceImpl are gob-encoded as interface values, which requires every
// concrete type ever stored in them to have been passed to gob.Register
// beforehand — the standard-library-justified stand-in for pickle's
// automatic class resolution (see DESIGN.md).
type pickledJob struct {
	Kind        string
	FuncName    string
	Args        []interface{}
	PlainJob    UserJob
	ServiceImpl ServiceImpl
}

const (
	kindPlain    = "plain"
	kindFunction = "function"
	kindService  = "service"
)

func pickleBody(j *Job) (*pickledJob, error) {
	switch b := j.body.(type) {
	case *plainBody:
		job, err := substitutePromiseFields(b.job)
		if err != nil {
			return nil, errors.Wrapf(err, "job %q: pickle promise fields", j.Name)
		}
		return &pickledJob{Kind: kindPlain, PlainJob: job}, nil
	case *functionBody:
		name, ok := registeredFuncName(b.fn)
		if !ok {
			return nil, errors.Errorf("job %q: function body was never registered via RegisterFunc", j.Name)
		}
		args, err := substitutePromiseArgs(b.args)
		if err != nil {
			return nil, errors.Wrapf(err, "job %q: pickle promise args", j.Name)
		}
		return &pickledJob{Kind: kindFunction, FuncName: name, Args: args}, nil
	case *serviceBody:
		return &pickledJob{Kind: kindService, ServiceImpl: b.service.Impl}, nil
	default:
		return nil, errors.Errorf("job %q: unrecognized body type %T", j.Name, j.body)
	}
}

func unpickleBody(pj *pickledJob, store jobstore.Store, sink DeletionSink) (body, error) {
	switch pj.Kind {
	case kindPlain:
		job, err := resolvePromiseFields(store, sink, pj.PlainJob)
		if err != nil {
			return nil, errors.Wrap(err, "unpickle promise fields")
		}
		return &plainBody{job: job}, nil
	case kindFunction:
		fn, ok := lookupFunc(pj.FuncName)
		if !ok {
			return nil, errors.Errorf("function %q is not registered on this worker", pj.FuncName)
		}
		args, err := resolvePromiseArgs(store, sink, pj.Args)
		if err != nil {
			return nil, errors.Wrap(err, "unpickle promise args")
		}
		return &functionBody{fn: fn, args: args}, nil
	case kindService:
		return &serviceBody{service: &Service{Impl: pj.ServiceImpl}}, nil
	default:
		return nil, errors.Errorf("unrecognized pickled job kind %q", pj.Kind)
	}
}

// substitutePromiseArgs replaces every *Promise in args with a PromiseRef
// allocated against its owning job's placeholder file, per §4.3's "a
// promise embedded in a successor's args becomes a placeholder file
// reference at pickle time." Promise has no exported fields and cannot be
// gob-encoded directly; PromiseRef can.
func substitutePromiseArgs(args []interface{}) ([]interface{}, error) {
	if args == nil {
		return nil, nil
	}
	out := make([]interface{}, len(args))
	for i, a := range args {
		v, err := substitutePromiseValue(a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func substitutePromiseValue(v interface{}) (interface{}, error) {
	p, ok := v.(*Promise)
	if !ok {
		return v, nil
	}
	fileID, err := p.allocate()
	if err != nil {
		return nil, err
	}
	return PromiseRef{FileID: fileID}, nil
}

// substitutePromiseFields walks job's exported interface{} fields (a
// UserJob struct that wants a Promise materialized into it at runtime
// stores it in such a field, since the field's static type can't be
// *Promise in one process and PromiseRef in another) and replaces any
// *Promise found with its allocated PromiseRef, in place.
func substitutePromiseFields(job UserJob) (UserJob, error) {
	rv := reflect.ValueOf(job)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return job, nil
	}
	elem := rv.Elem()
	t := elem.Type()
	for i := 0; i < elem.NumField(); i++ {
		if t.Field(i).PkgPath != "" {
			continue
		}
		f := elem.Field(i)
		if f.Kind() != reflect.Interface || f.IsNil() {
			continue
		}
		p, ok := f.Interface().(*Promise)
		if !ok {
			continue
		}
		fileID, err := p.allocate()
		if err != nil {
			return nil, err
		}
		f.Set(reflect.ValueOf(PromiseRef{FileID: fileID}))
	}
	return job, nil
}

// resolvePromiseArgs is the unpickle-time inverse of
// substitutePromiseArgs: every PromiseRef is dereferenced back into its
// resolved value via Resolve.
func resolvePromiseArgs(store jobstore.Store, sink DeletionSink, args []interface{}) ([]interface{}, error) {
	if args == nil {
		return nil, nil
	}
	out := make([]interface{}, len(args))
	for i, a := range args {
		v, err := resolvePromiseValue(store, sink, a)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func resolvePromiseValue(store jobstore.Store, sink DeletionSink, v interface{}) (interface{}, error) {
	ref, ok := v.(PromiseRef)
	if !ok {
		return v, nil
	}
	return Resolve(store, ref, sink)
}

// resolvePromiseFields is the unpickle-time inverse of
// substitutePromiseFields.
func resolvePromiseFields(store jobstore.Store, sink DeletionSink, job UserJob) (UserJob, error) {
	rv := reflect.ValueOf(job)
	if rv.Kind() != reflect.Ptr || rv.IsNil() || rv.Elem().Kind() != reflect.Struct {
		return job, nil
	}
	elem := rv.Elem()
	t := elem.Type()
	for i := 0; i < elem.NumField(); i++ {
		if t.Field(i).PkgPath != "" {
			continue
		}
		f := elem.Field(i)
		if f.Kind() != reflect.Interface || f.IsNil() {
			continue
		}
		ref, ok := f.Interface().(PromiseRef)
		if !ok {
			continue
		}
		v, err := Resolve(store, ref, sink)
		if err != nil {
			return nil, err
		}
		f.Set(reflect.ValueOf(v))
	}
	return job, nil
}

// writePickle gob-encodes pj into a fresh job-store file and returns its ID.
func writePickle(store jobstore.Store, pj *pickledJob) (string, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(pj); err != nil {
		return "", errors.Wrap(err, "pickle job body")
	}
	w, id, err := store.WriteFileStream("")
	if err != nil {
		return "", err
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		_ = w.Close()
		return "", err
	}
	return id, w.Close()
}

// ReadPickle reads and gob-decodes a job body pickle file, the inverse of
// writePickle, used by a worker loading a wrapper it must execute. Any
// PromiseRef found in the body's args or exported fields is resolved
// against store and, when sink is non-nil, the backing placeholder file
// is marked for deletion once the consuming job's commit succeeds (pass
// nil for a checkpoint job, which must retain it for replay).
func ReadPickle(store jobstore.Store, pickleFileID string, sink DeletionSink) (*Job, error) {
	r, err := store.ReadFileStream(pickleFileID)
	if err != nil {
		return nil, errors.Wrapf(err, "read job pickle %s", pickleFileID)
	}
	defer r.Close()

	var pj pickledJob
	if err := gob.NewDecoder(r).Decode(&pj); err != nil {
		return nil, errors.Wrapf(err, "decode job pickle %s", pickleFileID)
	}

	b, err := unpickleBody(&pj, store, sink)
	if err != nil {
		return nil, err
	}

	return &Job{body: b, predecessors: make(map[*Job]struct{}), rvs: make(map[rvKey][]string)}, nil
}

// buildCommand renders the wrapper.command wire string.
func buildCommand(pickleFileID string, ref moduleref.ModuleRef) string {
	tokens := append([]string{commandTag, pickleFileID}, ref.Globalize().Tokens()...)
	return strings.Join(tokens, " ")
}

// ParseCommand parses a wrapper.command string back into its pickle file ID
// and ModuleRef.
func ParseCommand(command string) (pickleFileID string, ref moduleref.ModuleRef, err error) {
	tokens := strings.Fields(command)
	if len(tokens) != 5 || tokens[0] != commandTag {
		return "", moduleref.ModuleRef{}, errors.Errorf("malformed command token: %q", command)
	}
	ref, err = moduleref.FromTokens(tokens[2:])
	if err != nil {
		return "", moduleref.ModuleRef{}, err
	}
	return tokens[1], ref, nil
}

// buildSuccessorTuples renders jobs as a wrapper-stack batch. Every job in
// successors must already carry a wrapperID, which reverse-topological
// serialization order guarantees (a job's successors are always serialized
// before the job itself).
func buildSuccessorTuples(successors []*Job) []jobstore.SuccessorTuple {
	if len(successors) == 0 {
		return nil
	}
	tuples := make([]jobstore.SuccessorTuple, len(successors))
	for i, s := range successors {
		tag := ""
		if len(s.predecessors) > 1 {
			tag = newPredecessorUniqueTag()
		}
		tuples[i] = jobstore.SuccessorTuple{
			WrapperID:            s.wrapperID,
			Memory:               s.Resources.Memory,
			Cores:                s.Resources.Cores,
			Disk:                 s.Resources.Disk,
			Preemptable:          s.Resources.Preemptable,
			PredecessorUniqueTag: tag,
		}
	}
	return tuples
}

// mergeStackTop merges fresh follow-on/children batches into the top of an
// existing wrapper stack, per §4.3: "merge the four most recent batches
// […, oldFollowOns, oldChildren, newFollowOns, newChildren] into […,
// mergedFollowOns, mergedChildren] (empties dropped)". Passing a nil
// oldStack (the first-submission case) degenerates to simply pushing
// whichever of the two fresh batches is non-empty.
func mergeStackTop(oldStack [][]jobstore.SuccessorTuple, newFollowOns, newChildren []jobstore.SuccessorTuple) [][]jobstore.SuccessorTuple {
	stack := append([][]jobstore.SuccessorTuple(nil), oldStack...)

	var oldChildren, oldFollowOns []jobstore.SuccessorTuple
	if len(stack) > 0 {
		oldChildren = stack[len(stack)-1]
		stack = stack[:len(stack)-1]
	}
	if len(stack) > 0 {
		oldFollowOns = stack[len(stack)-1]
		stack = stack[:len(stack)-1]
	}

	mergedFollowOns := append(append([]jobstore.SuccessorTuple(nil), oldFollowOns...), newFollowOns...)
	mergedChildren := append(append([]jobstore.SuccessorTuple(nil), oldChildren...), newChildren...)

	if len(mergedFollowOns) > 0 {
		stack = append(stack, mergedFollowOns)
	}
	if len(mergedChildren) > 0 {
		stack = append(stack, mergedChildren)
	}
	return stack
}

// Serialize validates the graph rooted at root, assigns (or updates) a
// wrapper per job in the connected component, and pickles every job body.
// isFirstSubmission controls whether the root wrapper ID is published via
// Store.SetRootJob for bootstrap discovery. It returns the root's wrapper
// ID.
func Serialize(store jobstore.Store, root *Job, isFirstSubmission bool) (string, error) {
	if err := Validate(root); err != nil {
		return "", err
	}

	order := TopologicalOrder(root)

	for _, j := range order {
		j.promiseJobStore = store
	}
	defer func() {
		for _, j := range order {
			j.promiseJobStore = nil
		}
	}()

	reverseOrder := make([]*Job, len(order))
	for i, j := range order {
		reverseOrder[len(order)-1-i] = j
	}

	for _, j := range reverseOrder {
		if err := serializeServices(store, j); err != nil {
			return "", err
		}

		pj, err := pickleBody(j)
		if err != nil {
			return "", err
		}
		pickleFileID, err := writePickle(store, pj)
		if err != nil {
			return "", err
		}

		command := buildCommand(pickleFileID, j.ModuleRef)
		w, err := getOrCreateWrapper(store, j, command)
		if err != nil {
			return "", err
		}
		if j.pendingServiceGroups != nil {
			w.Services = j.pendingServiceGroups
		}

		newChildren := buildSuccessorTuples(j.children)
		newFollowOns := buildSuccessorTuples(j.followOns)
		w.Stack = mergeStackTop(w.Stack, newFollowOns, newChildren)

		if err := store.Update(w); err != nil {
			return "", err
		}
		j.wrapperID = w.ID
	}

	if isFirstSubmission {
		if err := store.SetRootJob(root.wrapperID); err != nil {
			return "", err
		}
	}

	return root.wrapperID, nil
}

func getOrCreateWrapper(store jobstore.Store, j *Job, command string) (*jobstore.JobWrapper, error) {
	if j.wrapperID != "" {
		w, err := store.Get(j.wrapperID)
		if err == nil {
			w.Command = command
			return w, nil
		}
	}
	return store.Create(command, len(j.predecessors), j.Resources)
}

// serializeServices gives each service (and recursively its child
// services) attached to j its own wrapper with three freshly allocated
// coordination file IDs, grouping them by depth into j's wrapper.Services.
// Each Service's child list is detached before pickling its enclosing
// ServiceJob so a single Service pickle does not transitively drag the
// entire service forest with it.
func serializeServices(store jobstore.Store, j *Job) error {
	if len(j.services) == 0 {
		return nil
	}

	for _, depth := range depthGroups(j.services) {
		for _, svc := range depth {
			if err := serializeOneService(store, svc); err != nil {
				return err
			}
		}
	}

	j.pendingServiceGroups = buildServiceTupleGroups(j.services)
	return nil
}

func serializeOneService(store jobstore.Store, svc *Service) error {
	children := svc.detachChildren()
	defer func() { svc.children = children }()

	pj := &pickledJob{Kind: kindService, ServiceImpl: svc.Impl}
	pickleFileID, err := writePickle(store, pj)
	if err != nil {
		return err
	}

	ref := moduleref.ForType(svc.Impl)
	command := buildCommand(pickleFileID, ref)

	startID, err := store.GetEmptyFileStoreID("")
	if err != nil {
		return err
	}
	terminateID, err := store.GetEmptyFileStoreID("")
	if err != nil {
		return err
	}
	errorID, err := store.GetEmptyFileStoreID("")
	if err != nil {
		return err
	}

	w, err := store.Create(command, 1, jobstore.ResourceRequest{})
	if err != nil {
		return err
	}
	w.StartJobStoreID = startID
	w.TerminateJobStoreID = terminateID
	w.ErrorJobStoreID = errorID
	if err := store.Update(w); err != nil {
		return err
	}

	svc.wrapperID = w.ID
	svc.startJobStoreID = startID
	svc.terminateJobStoreID = terminateID
	svc.errorJobStoreID = errorID
	return nil
}

func buildServiceTupleGroups(roots []*Service) [][]jobstore.ServiceTuple {
	var groups [][]jobstore.ServiceTuple
	for _, depth := range depthGroups(roots) {
		tuples := make([]jobstore.ServiceTuple, len(depth))
		for i, svc := range depth {
			tuples[i] = jobstore.ServiceTuple{
				WrapperID:           svc.wrapperID,
				StartJobStoreID:     svc.startJobStoreID,
				TerminateJobStoreID: svc.terminateJobStoreID,
				ErrorJobStoreID:     svc.errorJobStoreID,
			}
		}
		groups = append(groups, tuples)
	}
	return groups
}

// newPredecessorUniqueTag mints a fresh tag for a successor with more than
// one predecessor. The tag is a random UUID, so tags minted by different
// worker processes sharing one job store do not collide.
func newPredecessorUniqueTag() string {
	return uuid.NewString()
}

// MaterializeReturnValue writes value into every promise placeholder file
// allocated against job j's return-value slots. Called by the worker after
// j.Run returns and before j's newly added successors are pickled, so any
// Promise those successors hold resolves correctly (§4.3: "the current
// job's own return values are materialized into the promise files before
// its successors are pickled").
func MaterializeReturnValue(store jobstore.Store, j *Job, value interface{}) error {
	for key, fileIDs := range j.rvs {
		v := value
		if !key.whole {
			indexed, err := indexInto(value, key.index)
			if err != nil {
				return errors.Wrapf(err, "job %q: return-value index %d", j.Name, key.index)
			}
			v = indexed
		}
		for _, fileID := range fileIDs {
			if err := WritePromiseValue(store, fileID, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// indexInto extracts element index from a slice/array return value, for
// jobs whose run() produces a tuple-like sequence consumed piecewise by
// RvAt.
func indexInto(value interface{}, index int) (interface{}, error) {
	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, errors.Errorf("return value is %T, not indexable", value)
	}
	if index < 0 || index >= rv.Len() {
		return nil, errors.Errorf("index %d out of range (len %d)", index, rv.Len())
	}
	return rv.Index(index).Interface(), nil
}
