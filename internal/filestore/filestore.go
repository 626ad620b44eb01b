package filestore

import (
	"context"
	"io"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"golang.org/x/sync/semaphore"

	"github.com/slchris/flowgraph/internal/jobstore"
)

// Config is the subset of worker configuration this package consumes.
type Config struct {
	UseAsync         bool
	WriteWorkers     int
	MutableByDefault bool
}

// FileStore is the per-job facade bound to a single job's wrapper: local
// temp directories, the async write-back pool, staged deletions, and the
// commit protocol. It implements jobgraph.RunEnvironment structurally.
type FileStore struct {
	store   jobstore.Store
	wrapper *jobstore.JobWrapper
	cfg     Config
	ctx     *Context

	tempRoot string
	pool     *writePool

	// commitSem gates Commit (_updateJobWhenDone) to one in-flight commit;
	// a second Commit call blocks until the first releases it.
	commitSem *semaphore.Weighted

	mu      sync.Mutex
	tempSeq int
}

// New materializes a FileStore bound to wrapper, rooted at a fresh
// per-invocation temp directory under tempBase.
func New(store jobstore.Store, wrapper *jobstore.JobWrapper, tempBase string, cfg Config, ctx *Context) (*FileStore, error) {
	root := filepath.Join(tempBase, "job-"+wrapper.ID+"-"+uuid.NewString())
	if err := os.MkdirAll(root, 0750); err != nil {
		return nil, errors.Wrap(err, "filestore: create local temp root")
	}

	fs := &FileStore{
		store:     store,
		wrapper:   wrapper,
		cfg:       cfg,
		ctx:       ctx,
		tempRoot:  root,
		commitSem: semaphore.NewWeighted(1),
	}
	if cfg.UseAsync {
		fs.pool = newWritePool(store, ctx, cfg.WriteWorkers)
	}
	return fs, nil
}

// GetLocalTempDir returns a fresh directory under this job's temp root.
func (fs *FileStore) GetLocalTempDir() (string, error) {
	dir := filepath.Join(fs.tempRoot, "dir-"+fs.nextTempName())
	if err := os.MkdirAll(dir, 0750); err != nil {
		return "", errors.Wrap(err, "filestore: GetLocalTempDir")
	}
	return dir, nil
}

// GetLocalTempFile creates and returns a fresh empty file under this job's
// temp root.
func (fs *FileStore) GetLocalTempFile() (*os.File, error) {
	path := fs.GetLocalTempFileName()
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0640)
	if err != nil {
		return nil, errors.Wrap(err, "filestore: GetLocalTempFile")
	}
	return f, nil
}

// GetLocalTempFileName reserves (but does not create) a fresh path under
// this job's temp root.
func (fs *FileStore) GetLocalTempFileName() string {
	return filepath.Join(fs.tempRoot, "file-"+fs.nextTempName())
}

func (fs *FileStore) nextTempName() string {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.tempSeq++
	return strconv.Itoa(fs.tempSeq)
}

// underLocalTemp reports whether path lives under this job's own temp root.
func (fs *FileStore) underLocalTemp(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(fs.tempRoot, abs)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// WriteGlobalFile uploads localPath into the job store, returning its fresh
// file ID immediately. Files under the job's own temp tree are queued for
// asynchronous upload (when async writes are enabled) and marked read-only;
// anything else is written synchronously.
func (fs *FileStore) WriteGlobalFile(localPath string, cleanup bool) (string, error) {
	cleanupScope := ""
	if cleanup {
		cleanupScope = fs.wrapper.ID
	}

	owned := fs.underLocalTemp(localPath)

	if owned && fs.pool != nil {
		fileID, err := fs.store.GetEmptyFileStoreID(cleanupScope)
		if err != nil {
			return "", err
		}
		f, err := os.Open(localPath)
		if err != nil {
			return "", errors.Wrap(err, "filestore: WriteGlobalFile")
		}
		if err := os.Chmod(localPath, 0440); err != nil {
			_ = f.Close()
			return "", errors.Wrap(err, "filestore: mark source read-only")
		}
		fs.ctx.recordLocation(fileID, localPath)
		fs.pool.enqueue(fileID, f)
		return fileID, nil
	}

	fileID, err := fs.store.WriteFile(localPath, cleanupScope)
	if err != nil {
		return "", err
	}
	if owned {
		fs.ctx.recordLocation(fileID, localPath)
	}
	return fileID, nil
}

// WriteGlobalFileStream yields a synchronous write handle bound to a fresh
// file ID.
func (fs *FileStore) WriteGlobalFileStream(cleanup bool) (io.WriteCloser, string, error) {
	cleanupScope := ""
	if cleanup {
		cleanupScope = fs.wrapper.ID
	}
	return fs.store.WriteFileStream(cleanupScope)
}

// ReadGlobalFile materializes fileID's content at userPath (or a fresh temp
// path if userPath is empty), preferring a same-worker hardlink/copy over a
// job-store round trip when this worker itself wrote the file.
func (fs *FileStore) ReadGlobalFile(fileID string, userPath string, cache bool, mutable bool) (string, error) {
	dest := userPath
	if dest == "" {
		dest = fs.GetLocalTempFileName()
	}

	if cache {
		if srcPath, ok := fs.ctx.lookupLocation(fileID); ok {
			if err := fs.materializeFromLocal(srcPath, dest, mutable); err == nil {
				return dest, nil
			}
			// Fall through to a store read if the recorded local copy is
			// gone (e.g. evicted); the store remains authoritative.
		}
	}

	if err := fs.store.ReadFile(fileID, dest); err != nil {
		return "", err
	}

	if fs.store.SameDevice(filepath.Dir(dest)) {
		if n, err := fs.store.NLink(fileID); err == nil && n == 2 && mutable {
			if err := breakHardlink(dest); err != nil {
				return "", err
			}
		}
	}

	if !mutable {
		if err := os.Chmod(dest, 0444); err != nil {
			return "", errors.Wrap(err, "filestore: mark immutable read read-only")
		}
	}
	return dest, nil
}

func (fs *FileStore) materializeFromLocal(srcPath, dest string, mutable bool) error {
	if mutable {
		return copyFile(srcPath, dest)
	}
	if err := os.Link(srcPath, dest); err != nil {
		return err
	}
	return os.Chmod(dest, 0444)
}

// breakHardlink replaces dest, a hardlinked file, with an independent copy
// via atomic copy-rename, so a mutable reader never perturbs the shared
// job-store-resident file.
func breakHardlink(dest string) error {
	tmp := dest + ".break"
	if err := copyFile(dest, tmp); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

// ReadGlobalFileStream returns a read stream over fileID's content,
// preferring the local-cache copy when one is known.
func (fs *FileStore) ReadGlobalFileStream(fileID string) (io.ReadCloser, error) {
	if srcPath, ok := fs.ctx.lookupLocation(fileID); ok {
		if f, err := os.Open(srcPath); err == nil {
			return f, nil
		}
	}
	return fs.store.ReadFileStream(fileID)
}

// DeleteGlobalFile stages fileID for deletion; the job store deletion runs
// only after this job's run completes successfully and commits.
func (fs *FileStore) DeleteGlobalFile(fileID string) error {
	fs.ctx.MarkFileForDeletion(fileID)
	fs.ctx.forgetLocation(fileID)
	return nil
}

// LogToMaster writes one line, tagged with the job's wrapper ID, through
// the standard library logger at the moment it is called. The line is not
// buffered and is not tied to the job's commit: it is written even if the
// commit later fails.
func (fs *FileStore) LogToMaster(format string, args ...interface{}) {
	log.Printf("[job %s] "+format, append([]interface{}{fs.wrapper.ID}, args...)...)
}

// Commit runs the commit protocol (`_updateJobWhenDone`): drain the async
// write pool, invoke blockFn so the caller can durably record anything it
// consumed from upstream, check the terminate event, stamp and persist the
// wrapper, then execute staged deletions. It is gated by commitSem so only
// one commit can be in flight; blockFn runs while that gate is held.
func (fs *FileStore) Commit(blockFn func() error) (err error) {
	if err := fs.commitSem.Acquire(context.Background(), 1); err != nil {
		return errors.Wrap(err, "filestore: acquire commit gate")
	}
	defer fs.commitSem.Release(1)

	if fs.pool != nil {
		fs.pool.shutdown()
	}

	if blockFn != nil {
		if err := blockFn(); err != nil {
			return errors.Wrap(err, "filestore: commit input-block function")
		}
	}

	if terminated, terr := fs.ctx.terminateState(); terminated {
		return errors.Wrap(terr, "filestore: commit aborted by terminate event")
	}

	deleteFiles, deleteWrappers := fs.ctx.drainDeletions()
	fs.wrapper.FilesToDelete = deleteFiles

	if err := fs.store.Update(fs.wrapper); err != nil {
		return errors.Wrap(err, "filestore: update wrapper")
	}

	var anyDeleted bool
	for _, wid := range deleteWrappers {
		if err := fs.store.Delete(wid); err != nil {
			return errors.Wrapf(err, "filestore: delete wrapper %s", wid)
		}
		anyDeleted = true
	}
	for _, fid := range deleteFiles {
		if err := fs.store.DeleteFile(fid); err != nil {
			return errors.Wrapf(err, "filestore: delete file %s", fid)
		}
		anyDeleted = true
	}

	if anyDeleted {
		fs.wrapper.FilesToDelete = nil
		if err := fs.store.Update(fs.wrapper); err != nil {
			return errors.Wrap(err, "filestore: clear FilesToDelete after deletions")
		}
	}
	return nil
}

// Cleanup recursively removes this job's local temp root. Called once the
// job has exited, successfully or not.
func (fs *FileStore) Cleanup() error {
	return os.RemoveAll(fs.tempRoot)
}

// Wrapper exposes the bound wrapper record, for the worker loop to read
// back its successor stack and service groups once Run has returned.
func (fs *FileStore) Wrapper() *jobstore.JobWrapper { return fs.wrapper }

// Store exposes the bound job store, for worker code that needs to call
// Serialize/ReadPickle directly.
func (fs *FileStore) Store() jobstore.Store { return fs.store }
