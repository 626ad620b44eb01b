// Package jobstore defines the content-store abstraction the job graph and
// file-store core consume. It ships no production backend beyond the single
// reference implementation in jobstore/localfs (see package flowgraph's
// design notes); concrete object-store or cluster-native backends are
// external collaborators.
package jobstore

import (
	"io"
)

// ResourceRequest is the resource footprint a job declares when it is
// created in the job store.
type ResourceRequest struct {
	Memory      int64
	Cores       int
	Disk        int64
	Cache       int64
	Preemptable bool
	Checkpoint  bool
}

// SuccessorTuple names one successor on a wrapper's stack, in the shape the
// wrapper-stack wire format requires.
type SuccessorTuple struct {
	WrapperID            string
	Memory               int64
	Cores                int
	Disk                 int64
	Preemptable          bool
	PredecessorUniqueTag string // empty unless the successor has >1 predecessor
}

// ServiceTuple names one service coordination wrapper grouped by depth on
// wrapper.Services.
type ServiceTuple struct {
	WrapperID         string
	StartJobStoreID   string
	TerminateJobStoreID string
	ErrorJobStoreID   string
}

// JobWrapper is the job-store-resident record produced per Job. It is
// mutated only by the worker currently executing the job it describes, via
// Store.Update, and is deleted by the leader once the job and all its
// transitive successors have completed.
type JobWrapper struct {
	ID                string
	Command           string
	Resources         ResourceRequest
	PredecessorNumber int

	// Stack is an ordered sequence of successor batches, consumed from the
	// end: the last batch (the children) is dispatched first and must run
	// to completion (recursively, including its own successors) before the
	// batch below it (the follow-ons) is dispatched.
	Stack [][]SuccessorTuple

	// Services groups per-depth lists of service coordination tuples.
	Services [][]ServiceTuple

	FilesToDelete           []string
	CheckpointFilesToDelete []string

	StartJobStoreID     string
	TerminateJobStoreID string
	ErrorJobStoreID     string
}

// Config is the subset of worker configuration the core consumes through
// the JobStore contract.
type Config struct {
	JobStore                       string
	WorkflowID                     string
	WorkflowAttemptNumber          int
	DisableSharedCache             bool
	ReadGlobalFileMutableByDefault bool
	UseAsync                       bool
	ServicePollingIntervalSeconds  float64
	DefaultMemory                  int64
	DefaultCores                   int
	DefaultDisk                    int64
	DefaultCache                   int64
	DefaultPreemptable             bool
}

// FirstJobSharedFile is the well-known shared-file name the bootstrap
// sequence reads to discover the root job's wrapper ID.
const FirstJobSharedFile = "firstJob"

// Store is the content-store abstraction the core depends on. A Store
// implementation owns wrapper persistence, content-file storage, and the
// two host-filesystem hints (SameDevice, LinkFile) the cached file store
// needs to decide between hardlink and copy semantics.
type Store interface {
	// Create allocates a wrapper with a freshly assigned, store-unique ID.
	Create(command string, predecessorNumber int, resources ResourceRequest) (*JobWrapper, error)
	// Get fetches the current wrapper record for wrapperID.
	Get(wrapperID string) (*JobWrapper, error)
	// Update durably and atomically overwrites wrapperID's record. This is
	// the linearization point for a job's side effects.
	Update(wrapper *JobWrapper) error
	// Delete removes a wrapper record entirely.
	Delete(wrapperID string) error

	// WriteFile synchronously copies localPath into a freshly allocated
	// file ID, optionally scoped to cleanupJobStoreID's lifetime.
	WriteFile(localPath string, cleanupJobStoreID string) (fileID string, err error)
	// WriteFileStream returns a write handle bound to a freshly allocated
	// file ID; the caller must Close it to finalize the write.
	WriteFileStream(cleanupJobStoreID string) (handle io.WriteCloser, fileID string, err error)
	// UpdateFileStream returns a write handle that overwrites fileID's
	// existing content.
	UpdateFileStream(fileID string) (io.WriteCloser, error)

	// ReadFile copies fileID's content to localPath.
	ReadFile(fileID string, localPath string) error
	// ReadFileStream returns a read handle over fileID's content.
	ReadFileStream(fileID string) (io.ReadCloser, error)
	// ReadSharedFileStream returns a read handle over a well-known shared
	// file such as FirstJobSharedFile.
	ReadSharedFileStream(name string) (io.ReadCloser, error)

	// GetEmptyFileStoreID allocates an empty placeholder file, used by the
	// promise mechanism and by writers that will fill content later.
	GetEmptyFileStoreID(cleanupJobStoreID string) (fileID string, err error)
	// DeleteFile removes a content file.
	DeleteFile(fileID string) error
	// FileExists reports whether fileID currently has a backing file.
	FileExists(fileID string) (bool, error)

	// SetRootJob records wrapperID as the workflow's root for bootstrap
	// discovery via ReadSharedFileStream(FirstJobSharedFile).
	SetRootJob(wrapperID string) error
	// ImportFile copies an external URL's content into the store, returning
	// a fresh file ID.
	ImportFile(srcURL string) (fileID string, err error)
	// ExportFile copies fileID's content out to an external URL.
	ExportFile(fileID string, dstURL string) error

	// Config returns the configuration this store was opened with.
	Config() Config

	// SameDevice reports whether this store's content directory and path
	// share a filesystem device, i.e. whether hardlinks between them are
	// possible. Backends that are not local-filesystem-resident (and so
	// can never hardlink) always return false.
	SameDevice(path string) bool
	// LinkFile hardlinks fileID's backing file to destPath. Only valid
	// when SameDevice(filepath.Dir(destPath)) is true.
	LinkFile(fileID string, destPath string) error
	// NLink reports the current hardlink count of fileID's backing file,
	// used by the cache to tell an exclusively-held file (nlink ==
	// nlinkThreshold) from one still referenced elsewhere.
	NLink(fileID string) (int, error)
}

// NLinkThreshold returns the hardlink count a cache entry has when no
// other live job or the job store itself still references it: 2 when the
// store is local-file and same-device (the store's own copy counts as one
// extra link), 1 otherwise.
func NLinkThreshold(store Store, cacheDir string) int {
	if store.SameDevice(cacheDir) {
		return 2
	}
	return 1
}
