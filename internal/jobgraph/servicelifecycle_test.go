package jobgraph

import (
	"errors"
	"io"
	"testing"
	"time"
)

type lifecycleService struct {
	started  bool
	stopped  bool
	checks   int
	checkErr error
}

func (s *lifecycleService) Start(env RunEnvironment) error { s.started = true; return nil }
func (s *lifecycleService) Stop(env RunEnvironment) error  { s.stopped = true; return nil }
func (s *lifecycleService) Check() error {
	s.checks++
	return s.checkErr
}

// fakeRunEnvironment is a no-op RunEnvironment stand-in; RunService only
// threads it through to Start/Stop, never touching the file-store surface
// itself.
type fakeRunEnvironment struct{}

func (fakeRunEnvironment) WriteGlobalFile(string, bool) (string, error) { return "", nil }
func (fakeRunEnvironment) WriteGlobalFileStream(bool) (io.WriteCloser, string, error) {
	return nil, "", nil
}
func (fakeRunEnvironment) ReadGlobalFile(string, string, bool, bool) (string, error) { return "", nil }
func (fakeRunEnvironment) ReadGlobalFileStream(string) (io.ReadCloser, error)        { return nil, nil }
func (fakeRunEnvironment) DeleteGlobalFile(string) error                            { return nil }
func (fakeRunEnvironment) GetLocalTempDir() (string, error)                         { return "", nil }
func (fakeRunEnvironment) LogToMaster(string, ...interface{})                       {}

func TestRunServiceFullStartCheckStopCycle(t *testing.T) {
	store := newTestStore(t)
	owner := newTestJob("owner")
	impl := &lifecycleService{}
	svc, err := owner.AddService(NewService("svc", impl), nil)
	if err != nil {
		t.Fatalf("AddService() error = %v", err)
	}
	if err := serializeOneService(store, svc); err != nil {
		t.Fatalf("serializeOneService() error = %v", err)
	}
	w, err := store.Get(svc.wrapperID)
	if err != nil {
		t.Fatalf("store.Get() error = %v", err)
	}

	stopRequested := make(chan struct{})
	go func() {
		<-stopRequested
		_ = RequestServiceStop(store, w)
	}()

	go func() {
		time.Sleep(10 * time.Millisecond)
		close(stopRequested)
	}()

	state, err := RunService(store, fakeRunEnvironment{}, w, impl, 2*time.Millisecond)
	if err != nil {
		t.Fatalf("RunService() error = %v", err)
	}
	if state != ServiceStopped {
		t.Fatalf("RunService() state = %v, want ServiceStopped", state)
	}
	if !impl.started {
		t.Fatal("RunService() never called Start")
	}
	if !impl.stopped {
		t.Fatal("RunService() never called Stop")
	}
	if impl.checks == 0 {
		t.Fatal("RunService() never polled Check before the stop request landed")
	}

	ready, err := ServiceReady(store, w)
	if err != nil {
		t.Fatalf("ServiceReady() error = %v", err)
	}
	if !ready {
		t.Fatal("ServiceReady() = false, want true after a successful Start")
	}
}

func TestRunServiceCheckFailureStopsServiceAndReportsFailed(t *testing.T) {
	store := newTestStore(t)
	owner := newTestJob("owner")
	impl := &lifecycleService{checkErr: errCheckFailed}
	svc, err := owner.AddService(NewService("svc", impl), nil)
	if err != nil {
		t.Fatalf("AddService() error = %v", err)
	}
	if err := serializeOneService(store, svc); err != nil {
		t.Fatalf("serializeOneService() error = %v", err)
	}
	w, err := store.Get(svc.wrapperID)
	if err != nil {
		t.Fatalf("store.Get() error = %v", err)
	}

	state, err := RunService(store, fakeRunEnvironment{}, w, impl, time.Millisecond)
	if err == nil {
		t.Fatal("expected RunService() to surface the Check failure")
	}
	if state != ServiceFailed {
		t.Fatalf("RunService() state = %v, want ServiceFailed", state)
	}
	if !impl.stopped {
		t.Fatal("RunService() should still call Stop after a Check failure")
	}

	r, err := store.ReadFileStream(w.ErrorJobStoreID)
	if err != nil {
		t.Fatalf("ReadFileStream(error file) error = %v", err)
	}
	defer r.Close()
	buf := make([]byte, 256)
	n, _ := r.Read(buf)
	if n == 0 {
		t.Fatal("RunService() never recorded the failure into the error coordination file")
	}
}

var errCheckFailed = errors.New("service check failed")
