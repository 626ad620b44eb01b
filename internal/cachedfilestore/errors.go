package cachedfilestore

import "github.com/pkg/errors"

// CacheError is the general-purpose cache-fault type for a failure that is
// neither quota exhaustion (ErrOutOfCacheSpace) nor an invalid source file
// (CacheInvalidSrc): a failed deletion of a job's local copy, a failed
// source-existence check, or a failed cache population. Failures reading,
// decoding or saving the cache-state file and taking the cache lock are
// returned as plain wrapped errors, not as CacheError.
type CacheError struct {
	Reason string
}

func (e *CacheError) Error() string { return "cache error: " + e.Reason }

func newCacheError(format string, args ...interface{}) error {
	return errors.WithStack(&CacheError{Reason: errors.Errorf(format, args...).Error()})
}

// CacheInvalidSrc signals that a file ReadGlobalFile was asked to cache or
// materialize has no backing content in the job store, as distinct from a
// transient I/O failure reading one that does exist.
type CacheInvalidSrc struct {
	FileID string
}

func (e *CacheInvalidSrc) Error() string {
	return "cache: invalid source file " + e.FileID
}

func newCacheInvalidSrc(fileID string) error {
	return errors.WithStack(&CacheInvalidSrc{FileID: fileID})
}
