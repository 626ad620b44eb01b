// Package localfs is the one reference Store backend this repository ships:
// a same-device, local-filesystem job store. It exists so the cached
// file-store's hardlink/nlink semantics (see cachedfilestore) can actually
// be exercised by tests and by the cmd/worker demo; it is not meant as a
// production object-store or cluster job-store implementation.
package localfs

import (
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/slchris/flowgraph/internal/jobstore"
)

const (
	wrappersDir = "wrappers"
	filesDir    = "files"
	sharedDir   = "shared"
	rootFile    = "ROOT"
)

// Store is a local-filesystem jobstore.Store. Every wrapper and content
// file is written with the write-tmp-then-rename discipline so a reader
// never observes a partial write.
type Store struct {
	root   string
	cfg    jobstore.Config
	mu     sync.Mutex // serializes wrapper create/update against concurrent ID allocation
	nlinkT int
}

// New opens (creating if necessary) a local-filesystem job store rooted at
// dir.
func New(dir string, cfg jobstore.Config) (*Store, error) {
	for _, sub := range []string{wrappersDir, filesDir, sharedDir} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0750); err != nil {
			return nil, errors.Wrapf(err, "localfs: create %s", sub)
		}
	}

	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, errors.Wrap(err, "localfs: resolve absolute path")
	}

	return &Store{root: abs, cfg: cfg}, nil
}

func (s *Store) wrapperPath(id string) string { return filepath.Join(s.root, wrappersDir, id+".json") }
func (s *Store) filePath(id string) string     { return filepath.Join(s.root, filesDir, id) }
func (s *Store) sharedPath(name string) string { return filepath.Join(s.root, sharedDir, name) }

// Config returns the configuration this store was opened with.
func (s *Store) Config() jobstore.Config { return s.cfg }

// Create allocates a wrapper with a freshly assigned ID and persists it.
func (s *Store) Create(command string, predecessorNumber int, resources jobstore.ResourceRequest) (*jobstore.JobWrapper, error) {
	w := &jobstore.JobWrapper{
		ID:                uuid.NewString(),
		Command:           command,
		Resources:         resources,
		PredecessorNumber: predecessorNumber,
	}
	if err := s.Update(w); err != nil {
		return nil, err
	}
	return w, nil
}

// Get fetches the current wrapper record for wrapperID.
func (s *Store) Get(wrapperID string) (*jobstore.JobWrapper, error) {
	data, err := os.ReadFile(s.wrapperPath(wrapperID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "localfs: wrapper %s not found", wrapperID)
		}
		return nil, jobstore.WrapIOError("Get", err)
	}
	w, err := decodeWrapper(data)
	if err != nil {
		return nil, jobstore.WrapIOError("Get", err)
	}
	return w, nil
}

// Update durably and atomically overwrites wrapperID's record.
func (s *Store) Update(w *jobstore.JobWrapper) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := encodeWrapper(w)
	if err != nil {
		return jobstore.WrapIOError("Update", err)
	}
	if err := writeFileAtomic(s.wrapperPath(w.ID), data, 0640); err != nil {
		return jobstore.WrapIOError("Update", err)
	}
	return nil
}

// Delete removes a wrapper record entirely.
func (s *Store) Delete(wrapperID string) error {
	if err := os.Remove(s.wrapperPath(wrapperID)); err != nil && !os.IsNotExist(err) {
		return jobstore.WrapIOError("Delete", err)
	}
	return nil
}

// WriteFile synchronously copies localPath into a freshly allocated file.
// cleanupJobStoreID is recorded by the caller's wrapper.filesToDelete, not
// by the store itself — the store only ever holds content, never scope.
func (s *Store) WriteFile(localPath string, _ string) (string, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return "", jobstore.WrapIOError("WriteFile", err)
	}
	defer src.Close()

	id := uuid.NewString()
	if err := atomicCopyFrom(s.filePath(id), src); err != nil {
		return "", jobstore.WrapIOError("WriteFile", err)
	}
	return id, nil
}

// WriteFileStream returns a write handle bound to a freshly allocated file.
func (s *Store) WriteFileStream(_ string) (io.WriteCloser, string, error) {
	id := uuid.NewString()
	w, err := newTmpWriter(s.filePath(id))
	if err != nil {
		return nil, "", jobstore.WrapIOError("WriteFileStream", err)
	}
	return w, id, nil
}

// UpdateFileStream returns a write handle that overwrites fileID's content.
func (s *Store) UpdateFileStream(fileID string) (io.WriteCloser, error) {
	w, err := newTmpWriter(s.filePath(fileID))
	if err != nil {
		return nil, jobstore.WrapIOError("UpdateFileStream", err)
	}
	return w, nil
}

// ReadFile copies fileID's content to localPath.
func (s *Store) ReadFile(fileID string, localPath string) error {
	src, err := os.Open(s.filePath(fileID))
	if err != nil {
		return jobstore.WrapIOError("ReadFile", err)
	}
	defer src.Close()

	dst, err := os.Create(localPath)
	if err != nil {
		return jobstore.WrapIOError("ReadFile", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return jobstore.WrapIOError("ReadFile", err)
	}
	return nil
}

// ReadFileStream returns a read handle over fileID's content.
func (s *Store) ReadFileStream(fileID string) (io.ReadCloser, error) {
	f, err := os.Open(s.filePath(fileID))
	if err != nil {
		return nil, jobstore.WrapIOError("ReadFileStream", err)
	}
	return f, nil
}

// ReadSharedFileStream returns a read handle over a well-known shared file.
func (s *Store) ReadSharedFileStream(name string) (io.ReadCloser, error) {
	f, err := os.Open(s.sharedPath(name))
	if err != nil {
		return nil, jobstore.WrapIOError("ReadSharedFileStream", err)
	}
	return f, nil
}

// GetEmptyFileStoreID allocates an empty placeholder file.
func (s *Store) GetEmptyFileStoreID(_ string) (string, error) {
	id := uuid.NewString()
	if err := writeFileAtomic(s.filePath(id), nil, 0640); err != nil {
		return "", jobstore.WrapIOError("GetEmptyFileStoreID", err)
	}
	return id, nil
}

// DeleteFile removes a content file.
func (s *Store) DeleteFile(fileID string) error {
	if err := os.Remove(s.filePath(fileID)); err != nil && !os.IsNotExist(err) {
		return jobstore.WrapIOError("DeleteFile", err)
	}
	return nil
}

// FileExists reports whether fileID currently has a backing file.
func (s *Store) FileExists(fileID string) (bool, error) {
	_, err := os.Stat(s.filePath(fileID))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, jobstore.WrapIOError("FileExists", err)
}

// SetRootJob records wrapperID as the workflow's root and mirrors it into
// the FirstJobSharedFile shared stream for bootstrap discovery.
func (s *Store) SetRootJob(wrapperID string) error {
	if err := writeFileAtomic(s.sharedPath(rootFile), []byte(wrapperID), 0640); err != nil {
		return jobstore.WrapIOError("SetRootJob", err)
	}
	if err := writeFileAtomic(s.sharedPath(jobstore.FirstJobSharedFile), []byte(wrapperID), 0640); err != nil {
		return jobstore.WrapIOError("SetRootJob", err)
	}
	return nil
}

// ImportFile copies an external file:// URL (or bare local path) into the
// store.
func (s *Store) ImportFile(srcURL string) (string, error) {
	path, err := localPathFromURL(srcURL)
	if err != nil {
		return "", err
	}
	return s.WriteFile(path, "")
}

// ExportFile copies fileID's content out to an external file:// URL (or
// bare local path).
func (s *Store) ExportFile(fileID string, dstURL string) error {
	path, err := localPathFromURL(dstURL)
	if err != nil {
		return err
	}
	return s.ReadFile(fileID, path)
}

func localPathFromURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", errors.Wrapf(err, "localfs: parse URL %s", raw)
	}
	if u.Scheme == "" || u.Scheme == "file" {
		if u.Path != "" {
			return u.Path, nil
		}
		return raw, nil
	}
	return "", errors.Errorf("localfs: unsupported URL scheme %q", u.Scheme)
}

func newTmpWriter(finalPath string) (*tmpWriteCloser, error) {
	f, err := os.CreateTemp(filepath.Dir(finalPath), ".tmp-*")
	if err != nil {
		return nil, err
	}
	return &tmpWriteCloser{f: f, tmpPath: f.Name(), finalPath: finalPath}, nil
}

// tmpWriteCloser streams into a temp file and renames into place on Close,
// so concurrent readers never observe a partially written content file.
type tmpWriteCloser struct {
	f         *os.File
	tmpPath   string
	finalPath string
}

func (w *tmpWriteCloser) Write(p []byte) (int, error) { return w.f.Write(p) }

func (w *tmpWriteCloser) Close() error {
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return err
	}
	return os.Rename(w.tmpPath, w.finalPath)
}

func atomicCopyFrom(finalPath string, src io.Reader) error {
	w, err := newTmpWriter(finalPath)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, src); err != nil {
		_ = os.Remove(w.tmpPath)
		_ = w.f.Close()
		return err
	}
	return w.Close()
}

func writeFileAtomic(finalPath string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(finalPath), ".tmp-*")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return os.Rename(tmpPath, finalPath)
}

// SameDevice reports whether path shares a filesystem device with this
// store's content directory, i.e. whether LinkFile is usable against it.
func (s *Store) SameDevice(path string) bool {
	return sameDevice(s.root, path)
}

// LinkFile hardlinks fileID's backing file to destPath.
func (s *Store) LinkFile(fileID string, destPath string) error {
	if err := os.Link(s.filePath(fileID), destPath); err != nil {
		return jobstore.WrapIOError("LinkFile", err)
	}
	return nil
}

// NLink reports the current hardlink count of fileID's backing file.
func (s *Store) NLink(fileID string) (int, error) {
	n, err := nlinkCount(s.filePath(fileID))
	if err != nil {
		return 0, jobstore.WrapIOError("NLink", err)
	}
	return n, nil
}

// RootJobID reads back the wrapper ID set by SetRootJob, for the demo
// worker's bootstrap path.
func (s *Store) RootJobID() (string, error) {
	data, err := os.ReadFile(s.sharedPath(rootFile))
	if err != nil {
		return "", jobstore.WrapIOError("RootJobID", err)
	}
	return strings.TrimSpace(string(data)), nil
}
