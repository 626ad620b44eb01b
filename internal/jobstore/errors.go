package jobstore

import "github.com/pkg/errors"

// ExternalIOError wraps any failure a Store implementation surfaces to the
// core. It sets the worker's terminate event and aborts the in-flight
// commit (§7 error handling design, "ExternalIOError").
type ExternalIOError struct {
	Op  string
	Err error
}

func (e *ExternalIOError) Error() string {
	return "jobstore: " + e.Op + ": " + e.Err.Error()
}

func (e *ExternalIOError) Unwrap() error { return e.Err }

// WrapIOError builds an *ExternalIOError with a stack trace attached via
// github.com/pkg/errors, for diagnosing worker crashes on the commit path.
func WrapIOError(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.WithStack(&ExternalIOError{Op: op, Err: err})
}
