// Package filestore implements the per-worker, per-job facade a running Job
// sees as its jobgraph.RunEnvironment: local temp directories, asynchronous
// write-back of files the job produced, staged deletion, and the commit
// protocol that atomically publishes a job's wrapper once its writes have
// landed in the job store.
package filestore

import "sync"

// Context holds the state a single worker process would otherwise keep as
// package-level globals (`_pendingFileWrites`, `_jobStoreFileIDToCacheLocation`,
// `_terminateEvent`, `Promise.filesToDelete`): one Context is created by the
// worker's bootstrap and threaded into every FileStore it materializes, so
// nothing here is a package-level variable.
type Context struct {
	mu sync.Mutex

	// pendingWrites is the set of file IDs an async writer has not yet
	// finished streaming to the job store.
	pendingWrites map[string]struct{}

	// cacheLocation maps a file ID this worker itself wrote to the local
	// path it was written from, letting a same-worker read short-circuit
	// the job store entirely.
	cacheLocation map[string]string

	// terminated and terminateErr record the process-wide terminate event:
	// set once by whichever writer first fails, observed by every other
	// writer and by the commit protocol.
	terminated   bool
	terminateErr error

	deleteFiles    []string
	deleteWrappers []string
}

// NewContext returns a fresh, empty worker context.
func NewContext() *Context {
	return &Context{
		pendingWrites: make(map[string]struct{}),
		cacheLocation: make(map[string]string),
	}
}

func (c *Context) addPending(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pendingWrites[fileID] = struct{}{}
}

func (c *Context) removePending(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pendingWrites, fileID)
}

func (c *Context) isPending(fileID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.pendingWrites[fileID]
	return ok
}

func (c *Context) pendingCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pendingWrites)
}

// recordLocation remembers that fileID's content originated from localPath
// on this worker, for readGlobalFile's same-worker fast path.
func (c *Context) recordLocation(fileID, localPath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cacheLocation[fileID] = localPath
}

func (c *Context) lookupLocation(fileID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.cacheLocation[fileID]
	return p, ok
}

func (c *Context) forgetLocation(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cacheLocation, fileID)
}

// setTerminate records the first write failure. Later callers observe the
// same error; the event never clears within a Context's lifetime.
func (c *Context) setTerminate(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.terminated {
		c.terminated = true
		c.terminateErr = err
	}
}

// terminateState reports whether the terminate event has fired and, if so,
// the error that tripped it.
func (c *Context) terminateState() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.terminated, c.terminateErr
}

// MarkFileForDeletion stages fileID for job-store deletion once the
// current job's commit succeeds. Implements jobgraph.DeletionSink.
func (c *Context) MarkFileForDeletion(fileID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteFiles = append(c.deleteFiles, fileID)
}

// MarkWrapperForDeletion stages wrapperID for deletion once the current
// job's commit succeeds.
func (c *Context) MarkWrapperForDeletion(wrapperID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deleteWrappers = append(c.deleteWrappers, wrapperID)
}

func (c *Context) drainDeletions() ([]string, []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	files := c.deleteFiles
	wrappers := c.deleteWrappers
	c.deleteFiles = nil
	c.deleteWrappers = nil
	return files, wrappers
}
