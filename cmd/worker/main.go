// Command worker runs exactly one job: it fetches a wrapper by ID from the
// job store, unpickles the job body the leader serialized into it, drives
// the job through the per-job execution state machine (Loaded, Running,
// CommittingWrites, CommittingWrapper, Done or Failed), and exits. It is a
// demonstration harness, not a scheduler: dispatching wrappers across a
// fleet of these processes is left to an external leader.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/pkg/errors"

	"github.com/slchris/flowgraph/internal/cachedfilestore"
	"github.com/slchris/flowgraph/internal/filestore"
	"github.com/slchris/flowgraph/internal/jobgraph"
	"github.com/slchris/flowgraph/internal/jobstore"
	"github.com/slchris/flowgraph/internal/jobstore/localfs"
	"github.com/slchris/flowgraph/internal/logging"
	"github.com/slchris/flowgraph/internal/metrics"
	"github.com/slchris/flowgraph/pkg/config"
)

// jobState names the states of the per-job execution state machine this
// binary drives a single wrapper through.
type jobState int

const (
	stateLoaded jobState = iota
	stateRunning
	stateCommittingWrites
	stateCommittingWrapper
	stateDone
	stateFailed
)

func (s jobState) String() string {
	switch s {
	case stateLoaded:
		return "Loaded"
	case stateRunning:
		return "Running"
	case stateCommittingWrites:
		return "CommittingWrites"
	case stateCommittingWrapper:
		return "CommittingWrapper"
	case stateDone:
		return "Done"
	case stateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

func main() {
	configPath := flag.String("config", "", "path to a worker.yaml config file")
	wrapperID := flag.String("wrapper", "", "job-store wrapper ID to execute")
	jobStoreDir := flag.String("jobstore-dir", "./jobstore", "local job-store content directory")
	cacheDir := flag.String("cache-dir", "./jobstore-cache", "node-local shared cache directory")
	cacheQuota := flag.Int64("cache-quota-bytes", 1<<30, "node-local cache disk quota in bytes")
	tempDir := flag.String("tempdir", os.TempDir(), "base directory for per-job local temp roots")
	flag.Parse()

	if *wrapperID == "" {
		fmt.Fprintln(os.Stderr, "worker: -wrapper is required")
		os.Exit(2)
	}

	if err := run(*configPath, *wrapperID, *jobStoreDir, *cacheDir, *cacheQuota, *tempDir); err != nil {
		fmt.Fprintf(os.Stderr, "worker: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, wrapperID, jobStoreDir, cacheDir string, cacheQuota int64, tempDir string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return errors.Wrap(err, "load config")
		}
		cfg = loaded
	}

	baseLogger, err := logging.New(cfg.Logging.ToLoggingConfig())
	if err != nil {
		return errors.Wrap(err, "start logger")
	}
	defer baseLogger.Close()
	logger := baseLogger.WithJob(wrapperID, "")

	metricsCollector := metrics.New(cfg.Metrics.ToMetricsConfig())

	state := stateLoaded
	logger.Info("state=%s", state)

	store, err := localfs.New(jobStoreDir, jobstore.Config{
		JobStore:                       cfg.JobStore,
		WorkflowID:                     cfg.WorkflowID,
		WorkflowAttemptNumber:          cfg.WorkflowAttemptNumber,
		DisableSharedCache:             cfg.DisableSharedCache,
		ReadGlobalFileMutableByDefault: cfg.ReadGlobalFileMutableByDefault,
		UseAsync:                       cfg.UseAsync,
		DefaultMemory:                  cfg.DefaultMemory,
		DefaultCores:                   cfg.DefaultCores,
		DefaultDisk:                    cfg.DefaultDisk,
		DefaultCache:                   cfg.DefaultCache,
		DefaultPreemptable:             cfg.DefaultPreemptable,
	})
	if err != nil {
		return errors.Wrap(err, "open job store")
	}

	wrapper, err := store.Get(wrapperID)
	if err != nil {
		return errors.Wrapf(err, "fetch wrapper %s", wrapperID)
	}

	pickleFileID, ref, err := jobgraph.ParseCommand(wrapper.Command)
	if err != nil {
		return errors.Wrap(err, "parse wrapper command")
	}
	logger.Debug("module=%s entryPoint=%v", ref.Name, ref.EntryPoint)

	fsCtx := filestore.NewContext()

	job, err := jobgraph.ReadPickle(store, pickleFileID, fsCtx)
	if err != nil {
		return errors.Wrap(err, "unpickle job body")
	}
	job.BindWrapperID(wrapper.ID)
	logger = baseLogger.WithJob(wrapperID, job.Name)

	fs, err := filestore.New(store, wrapper, tempDir, filestore.Config{
		UseAsync:         cfg.UseAsync,
		WriteWorkers:     0,
		MutableByDefault: cfg.ReadGlobalFileMutableByDefault,
	}, fsCtx)
	if err != nil {
		return errors.Wrap(err, "materialize file store")
	}
	defer fs.Cleanup()

	var env jobgraph.RunEnvironment = fs
	var cached *cachedfilestore.CachedFileStore
	if !cfg.DisableSharedCache {
		node, err := cachedfilestore.Open(store, cacheDir, cacheQuota, cfg.WorkflowAttemptNumber)
		if err != nil {
			return errors.Wrap(err, "open node cache")
		}
		cached, err = cachedfilestore.Attach(node, fs, wrapper.ID, wrapper.Resources.Cache)
		if err != nil {
			return errors.Wrap(err, "attach node cache")
		}
		defer func() {
			if err := cached.Detach(); err != nil {
				logger.Warn("cache detach error: %v", err)
			}
		}()
		env = cached
	}

	if impl, ok := job.AsService(); ok {
		return runServiceWrapper(store, env, wrapper, impl, cfg, logger, metricsCollector, &state)
	}

	state = stateRunning
	logger.Info("state=%s", state)
	result, runErr := job.Run(env)
	if runErr != nil {
		state = stateFailed
		logger.Error("state=%s error=%v", state, runErr)
		metricsCollector.IncJobsFailed()
		return errors.Wrap(runErr, "job run")
	}

	state = stateCommittingWrites
	logger.Info("state=%s", state)

	commitErr := fs.Commit(func() error {
		if err := jobgraph.MaterializeReturnValue(store, job, result); err != nil {
			return errors.Wrap(err, "materialize return value")
		}
		state = stateCommittingWrapper
		logger.Info("state=%s", state)
		if _, err := jobgraph.Serialize(store, job, false); err != nil {
			return errors.Wrap(err, "serialize successors")
		}
		return nil
	})
	if commitErr != nil {
		state = stateFailed
		logger.Error("state=%s error=%v", state, commitErr)
		metricsCollector.IncJobsFailed()
		return errors.Wrap(commitErr, "commit job")
	}

	state = stateDone
	logger.Info("state=%s", state)
	metricsCollector.IncJobsCommitted()
	return nil
}

// runServiceWrapper drives a dispatched ServiceWrapperJob through its
// Start/Check/Stop lifecycle instead of the plain job state machine:
// service wrappers never reach CommittingWrites/CommittingWrapper, since
// they carry no return value and add no successors of their own.
func runServiceWrapper(
	store jobstore.Store,
	env jobgraph.RunEnvironment,
	wrapper *jobstore.JobWrapper,
	impl jobgraph.ServiceImpl,
	cfg *config.JobStoreConfig,
	logger *logging.Logger,
	metricsCollector *metrics.Metrics,
	state *jobState,
) error {
	*state = stateRunning
	logger.Info("state=%s kind=service", *state)

	svcState, err := jobgraph.RunService(store, env, wrapper, impl, cfg.ServicePollingInterval)
	logger.Info("service state=%s", svcState)
	if err != nil {
		*state = stateFailed
		logger.Error("state=%s error=%v", *state, err)
		metricsCollector.IncJobsFailed()
		return errors.Wrap(err, "run service")
	}

	*state = stateDone
	logger.Info("state=%s", *state)
	metricsCollector.IncJobsCommitted()
	return nil
}
