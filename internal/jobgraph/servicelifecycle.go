package jobgraph

import (
	"time"

	"github.com/pkg/errors"

	"github.com/slchris/flowgraph/internal/jobstore"
)

// ServiceState names the states of the per-service lifecycle a dispatched
// ServiceWrapperJob is driven through: Pending never appears on the wire
// (it is implicit before RunService is called), Starting covers the
// Start() call, Running is the Check() polling loop, Stopping covers the
// Stop() call, and Stopped/Failed are terminal.
type ServiceState int

const (
	ServiceStarting ServiceState = iota
	ServiceRunning
	ServiceStopping
	ServiceStopped
	ServiceFailed
)

func (s ServiceState) String() string {
	switch s {
	case ServiceStarting:
		return "Starting"
	case ServiceRunning:
		return "Running"
	case ServiceStopping:
		return "Stopping"
	case ServiceStopped:
		return "Stopped"
	case ServiceFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// RunService drives impl through its Start/Check/Stop lifecycle against
// the three coordination files serializeOneService minted on w: it calls
// Start, marks w.StartJobStoreID to signal readiness to whatever is
// waiting on the service, then polls w.TerminateJobStoreID every
// pollInterval — calling Check() each tick — until that file is deleted
// (the leader's stop request) or Check fails, at which point it calls
// Stop and returns. A Start or Check failure is recorded into
// w.ErrorJobStoreID before RunService returns the error, so whatever is
// waiting on the service can observe the failure instead of hanging.
func RunService(store jobstore.Store, env RunEnvironment, w *jobstore.JobWrapper, impl ServiceImpl, pollInterval time.Duration) (ServiceState, error) {
	if err := impl.Start(env); err != nil {
		_ = writeServiceError(store, w.ErrorJobStoreID, err)
		return ServiceFailed, errors.Wrap(err, "service start")
	}

	if err := markServiceStarted(store, w.StartJobStoreID); err != nil {
		return ServiceFailed, errors.Wrap(err, "signal service started")
	}

	if pollInterval <= 0 {
		pollInterval = time.Second
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		exists, err := store.FileExists(w.TerminateJobStoreID)
		if err != nil {
			return ServiceFailed, errors.Wrap(err, "poll terminate file")
		}
		if !exists {
			break
		}

		if err := impl.Check(); err != nil {
			_ = writeServiceError(store, w.ErrorJobStoreID, err)
			_ = impl.Stop(env)
			return ServiceFailed, errors.Wrap(err, "service check")
		}

		<-ticker.C
	}

	if err := impl.Stop(env); err != nil {
		return ServiceFailed, errors.Wrap(err, "service stop")
	}
	return ServiceStopped, nil
}

// markServiceStarted writes a single readiness byte into fileID, turning
// the placeholder serializeOneService allocated into a signal that the
// service's Start call has completed.
func markServiceStarted(store jobstore.Store, fileID string) error {
	w, err := store.UpdateFileStream(fileID)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte{1}); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// writeServiceError records cause's message into fileID so a leader
// polling the service's error file can observe and propagate the
// failure.
func writeServiceError(store jobstore.Store, fileID string, cause error) error {
	w, err := store.UpdateFileStream(fileID)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte(cause.Error())); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

// RequestServiceStop deletes w.TerminateJobStoreID, the signal RunService
// polls for to begin the Stopping phase. Called by whatever owns the
// service once it no longer needs it running.
func RequestServiceStop(store jobstore.Store, w *jobstore.JobWrapper) error {
	return store.DeleteFile(w.TerminateJobStoreID)
}

// ServiceReady reports whether the service wrapped by w has completed its
// Start call, by checking whether markServiceStarted has written to
// w.StartJobStoreID yet.
func ServiceReady(store jobstore.Store, w *jobstore.JobWrapper) (bool, error) {
	r, err := store.ReadFileStream(w.StartJobStoreID)
	if err != nil {
		return false, err
	}
	defer r.Close()
	buf := make([]byte, 1)
	n, _ := r.Read(buf)
	return n > 0, nil
}
