package cachedfilestore

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const stateFileName = "cache-state.json"
const lockFileName = "cache.lock"

// JobState tracks the cache footprint a single in-flight job has reserved:
// the local copies it owns, keyed by file ID and then by the local path
// holding that copy (a job can materialize the same file at more than one
// local path), and the bytes reserved against the node's quota on its
// behalf. Detach walks Files to delete every local copy the job still
// holds, mirroring the source system's returnJobReqs.
type JobState struct {
	Files map[string]map[string]int64 `json:"files"`
	Reqs  int64                       `json:"reqs"`
}

// CacheState is the cache's durable, cross-process-shared bookkeeping
// record, persisted as a single JSON file under the node cache directory
// and mutated only while the cache lock is held.
type CacheState struct {
	Total         int64                `json:"total"`
	Cached        int64                `json:"cached"`
	SigmaJob      int64                `json:"sigmaJob"`
	AttemptNumber int                  `json:"attemptNumber"`
	CacheDir      string               `json:"cacheDir"`
	JobState      map[string]*JobState `json:"jobState"`
}

func newCacheState(cacheDir string, total int64, attempt int) *CacheState {
	return &CacheState{
		Total:         total,
		CacheDir:      cacheDir,
		AttemptNumber: attempt,
		JobState:      make(map[string]*JobState),
	}
}

func statePath(cacheDir string) string { return filepath.Join(cacheDir, stateFileName) }
func lockFilePath(cacheDir string) string { return filepath.Join(cacheDir, lockFileName) }

func loadCacheState(cacheDir string) (*CacheState, error) {
	data, err := os.ReadFile(statePath(cacheDir))
	if err != nil {
		return nil, errors.Wrap(err, "cachedfilestore: read cache state")
	}
	var s CacheState
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, errors.Wrap(err, "cachedfilestore: decode cache state")
	}
	// The recorded directory may be the staging path the state was first
	// written under; the directory it was loaded from is authoritative.
	s.CacheDir = cacheDir
	if s.JobState == nil {
		s.JobState = make(map[string]*JobState)
	}
	return &s, nil
}

// save atomically persists the state file via write-tmp-then-rename, the
// same discipline the job store backend uses for its own records.
func (s *CacheState) save() error {
	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return errors.Wrap(err, "cachedfilestore: encode cache state")
	}

	tmp, err := os.CreateTemp(s.CacheDir, ".state-*")
	if err != nil {
		return errors.Wrap(err, "cachedfilestore: create temp state file")
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "cachedfilestore: write temp state file")
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return errors.Wrap(err, "cachedfilestore: close temp state file")
	}
	if err := os.Rename(tmpPath, statePath(s.CacheDir)); err != nil {
		return errors.Wrap(err, "cachedfilestore: publish state file")
	}
	return nil
}

// jobStateFor returns (creating if absent) the JobState for jobID.
func (s *CacheState) jobStateFor(jobID string) *JobState {
	js, ok := s.JobState[jobID]
	if !ok {
		js = &JobState{Files: make(map[string]map[string]int64)}
		s.JobState[jobID] = js
	}
	return js
}

// recordLocalFile records that jobID now owns a local copy of fileID at
// localPath occupying size bytes, so Detach (or a later DeleteLocalFile)
// can find and remove it.
func (s *CacheState) recordLocalFile(jobID, fileID, localPath string, size int64) {
	js := s.jobStateFor(jobID)
	if js.Files[fileID] == nil {
		js.Files[fileID] = make(map[string]int64)
	}
	js.Files[fileID][localPath] = size
}

// forgetLocalFile removes jobID's bookkeeping entry for localPath without
// touching the file itself; the caller is responsible for having already
// deleted it from disk.
func (s *CacheState) forgetLocalFile(jobID, fileID, localPath string) {
	js, ok := s.JobState[jobID]
	if !ok {
		return
	}
	paths, ok := js.Files[fileID]
	if !ok {
		return
	}
	delete(paths, localPath)
	if len(paths) == 0 {
		delete(js.Files, fileID)
	}
}
