// Package logging provides structured logging with rotation support and
// per-job/wrapper correlation for the worker's execution loop.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Level represents log level.
type Level int

const (
	// LevelDebug represents debug level.
	LevelDebug Level = iota
	// LevelInfo represents info level.
	LevelInfo
	// LevelWarn represents warning level.
	LevelWarn
	// LevelError represents error level.
	LevelError
)

// String returns string representation of log level.
func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// Config holds logging configuration.
type Config struct {
	Enabled       bool
	Level         string
	Dir           string
	MaxSizeMB     int
	MaxAgeDays    int
	MaxBackups    int
	EnableConsole bool
	EnableFile    bool
	// CleanupSchedule is a cron expression for periodic log cleanup.
	// Empty defaults to "@hourly".
	CleanupSchedule string
}

// core holds the rotation/writer state shared by a Logger and every
// correlated logger derived from it via WithJob/WithWorker. Log lines
// written through any of them interleave into the same file and obey the
// same rotation and cleanup schedule.
type core struct {
	mu            sync.RWMutex
	enabled       bool
	level         Level
	dir           string
	maxSize       int64
	maxAge        time.Duration
	maxBackups    int
	currentFile   *os.File
	currentSize   int64
	enableConsole bool
	enableFile    bool
	writers       []io.Writer
	cron          *cron.Cron
}

// Logger provides structured logging with rotation. A zero-value tag
// logs untagged; WithJob/WithWorker return a derived Logger that prefixes
// every line with correlation fields without duplicating the underlying
// rotation state.
type Logger struct {
	c   *core
	tag string
}

// New creates a new Logger instance.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = &Config{
			Enabled:       false,
			EnableConsole: true,
		}
	}

	level := parseLevel(cfg.Level)

	c := &core{
		enabled:       cfg.Enabled,
		level:         level,
		dir:           cfg.Dir,
		maxSize:       int64(cfg.MaxSizeMB) * 1024 * 1024,
		maxAge:        time.Duration(cfg.MaxAgeDays) * 24 * time.Hour,
		maxBackups:    cfg.MaxBackups,
		enableConsole: cfg.EnableConsole,
		enableFile:    cfg.EnableFile,
	}
	l := &Logger{c: c}

	if !cfg.Enabled {
		return l, nil
	}

	if cfg.EnableFile && cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0750); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}

		if err := c.rotate(); err != nil {
			return nil, fmt.Errorf("failed to initialize log file: %w", err)
		}

		c.startCleanupSchedule(cfg.CleanupSchedule)
	}

	c.updateWriters()
	return l, nil
}

// WithJob returns a Logger that tags every line it writes with wrapperID
// and jobName, sharing this Logger's underlying rotation state. Used by
// the worker loop to correlate a job's log lines across its own run
// without needing a separate Logger (and separate log file) per job.
func (l *Logger) WithJob(wrapperID, jobName string) *Logger {
	return l.withTag(fmt.Sprintf("wrapper=%s job=%s", wrapperID, jobName))
}

// WithWorker returns a Logger tagged with a worker process identifier,
// for correlating lines from one worker across the several jobs it runs
// over its lifetime.
func (l *Logger) WithWorker(workerID string) *Logger {
	return l.withTag(fmt.Sprintf("worker=%s", workerID))
}

func (l *Logger) withTag(tag string) *Logger {
	combined := tag
	if l.tag != "" {
		combined = l.tag + " " + tag
	}
	return &Logger{c: l.c, tag: combined}
}

// parseLevel parses log level string.
func parseLevel(s string) Level {
	switch s {
	case "DEBUG", "debug":
		return LevelDebug
	case "INFO", "info":
		return LevelInfo
	case "WARN", "warn", "WARNING", "warning":
		return LevelWarn
	case "ERROR", "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// updateWriters updates the list of writers based on configuration.
func (c *core) updateWriters() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.writers = nil
	if c.enableConsole {
		c.writers = append(c.writers, os.Stdout)
	}
	if c.enableFile && c.currentFile != nil {
		c.writers = append(c.writers, c.currentFile)
	}
}

// rotate rotates the log file.
func (c *core) rotate() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.currentFile != nil {
		_ = c.currentFile.Close()
	}

	filename := filepath.Join(c.dir, fmt.Sprintf("app-%s.log", time.Now().Format("2006-01-02")))

	// Check if file exists and get size
	if info, err := os.Stat(filename); err == nil {
		c.currentSize = info.Size()
		if c.maxSize > 0 && c.currentSize >= c.maxSize {
			// Need to create new file with timestamp
			filename = filepath.Join(c.dir, fmt.Sprintf("app-%s.log", time.Now().Format("2006-01-02-150405")))
			c.currentSize = 0
		}
	} else {
		c.currentSize = 0
	}

	file, err := os.OpenFile(filename, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return err
	}

	c.currentFile = file
	return nil
}

// startCleanupSchedule starts the cron-driven cleanup of old log files. An
// unparseable schedule falls back to "@hourly" rather than disabling
// cleanup outright, so a config typo cannot make a long-running worker
// node quietly fill its disk with old log files.
func (c *core) startCleanupSchedule(schedule string) {
	if c.maxAge <= 0 && c.maxBackups <= 0 {
		return
	}

	if schedule == "" {
		schedule = "@hourly"
	}

	cr := cron.New()
	if _, err := cr.AddFunc(schedule, c.performCleanup); err != nil {
		log.Printf("invalid log cleanup schedule %q, falling back to @hourly: %v", schedule, err)
		cr = cron.New()
		_, _ = cr.AddFunc("@hourly", c.performCleanup)
	}
	cr.Start()

	c.mu.Lock()
	c.cron = cr
	c.mu.Unlock()
}

// performCleanup performs the actual cleanup of old log files.
func (c *core) performCleanup() {
	c.mu.RLock()
	dir := c.dir
	maxAge := c.maxAge
	maxBackups := c.maxBackups
	c.mu.RUnlock()

	if dir == "" {
		return
	}

	files, err := filepath.Glob(filepath.Join(dir, "app-*.log"))
	if err != nil {
		return
	}

	toDelete := c.getFilesToDelete(files, maxAge, maxBackups)
	c.deleteFiles(toDelete)
}

// getFilesToDelete determines which files should be deleted.
func (c *core) getFilesToDelete(files []string, maxAge time.Duration, maxBackups int) []string {
	var toDelete []string
	now := time.Now()

	if maxAge > 0 {
		toDelete = append(toDelete, c.getOldFiles(files, now, maxAge)...)
	}

	if maxBackups > 0 && len(files) > maxBackups {
		toDelete = append(toDelete, c.getExcessFiles(files, maxBackups)...)
	}

	return toDelete
}

// getOldFiles returns files older than maxAge.
func (c *core) getOldFiles(files []string, now time.Time, maxAge time.Duration) []string {
	var oldFiles []string
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		if now.Sub(info.ModTime()) > maxAge {
			oldFiles = append(oldFiles, file)
		}
	}
	return oldFiles
}

// getExcessFiles returns files exceeding the backup count.
func (c *core) getExcessFiles(files []string, maxBackups int) []string {
	type fileInfo struct {
		path    string
		modTime time.Time
	}

	fileInfos := make([]fileInfo, 0, len(files))
	for _, file := range files {
		info, err := os.Stat(file)
		if err != nil {
			continue
		}
		fileInfos = append(fileInfos, fileInfo{path: file, modTime: info.ModTime()})
	}

	// Sort by mod time (oldest first)
	for i := 0; i < len(fileInfos)-1; i++ {
		for j := i + 1; j < len(fileInfos); j++ {
			if fileInfos[i].modTime.After(fileInfos[j].modTime) {
				fileInfos[i], fileInfos[j] = fileInfos[j], fileInfos[i]
			}
		}
	}

	var excessFiles []string
	for i := 0; i < len(fileInfos)-maxBackups; i++ {
		excessFiles = append(excessFiles, fileInfos[i].path)
	}

	return excessFiles
}

// deleteFiles deletes the specified files.
func (c *core) deleteFiles(files []string) {
	for _, file := range files {
		_ = os.Remove(file)
	}
}

// log writes a log message, prefixed with this Logger's correlation tag
// (if any) ahead of the formatted message.
func (l *Logger) log(level Level, format string, v ...interface{}) {
	c := l.c
	if !c.enabled || level < c.level {
		return
	}

	c.mu.RLock()
	writers := c.writers
	currentSize := c.currentSize
	maxSize := c.maxSize
	l.c.mu.RUnlock()

	// Check if rotation is needed
	if c.enableFile && maxSize > 0 && currentSize >= maxSize {
		if err := c.rotate(); err != nil {
			log.Printf("Failed to rotate log: %v", err)
		}
		c.updateWriters()
		c.mu.RLock()
		writers = c.writers
		c.mu.RUnlock()
	}

	timestamp := time.Now().Format("2006-01-02 15:04:05")
	body := fmt.Sprintf(format, v...)
	if l.tag != "" {
		body = l.tag + " " + body
	}
	msg := fmt.Sprintf("[%s] [%s] %s\n", timestamp, level.String(), body)

	for _, w := range writers {
		n, _ := w.Write([]byte(msg))
		if w == c.currentFile {
			c.mu.Lock()
			c.currentSize += int64(n)
			c.mu.Unlock()
		}
	}
}

// Debug logs a debug message.
func (l *Logger) Debug(format string, v ...interface{}) {
	l.log(LevelDebug, format, v...)
}

// Info logs an info message.
func (l *Logger) Info(format string, v ...interface{}) {
	l.log(LevelInfo, format, v...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, v ...interface{}) {
	l.log(LevelWarn, format, v...)
}

// Error logs an error message.
func (l *Logger) Error(format string, v ...interface{}) {
	l.log(LevelError, format, v...)
}

// Close closes the logger and stops any scheduled cleanup. Safe to call on
// any derived (WithJob/WithWorker) Logger; it tears down the shared core.
func (l *Logger) Close() error {
	c := l.c
	c.mu.Lock()
	cr := c.cron
	c.cron = nil
	file := c.currentFile
	c.mu.Unlock()

	if cr != nil {
		<-cr.Stop().Done()
	}
	if file != nil {
		return file.Close()
	}
	return nil
}

// IsEnabled returns whether logging is enabled.
func (l *Logger) IsEnabled() bool {
	l.c.mu.RLock()
	defer l.c.mu.RUnlock()
	return l.c.enabled
}

// GetLevel returns the current log level.
func (l *Logger) GetLevel() Level {
	l.c.mu.RLock()
	defer l.c.mu.RUnlock()
	return l.c.level
}

// SetLevel sets the log level, affecting this Logger and every other
// Logger derived from (or sharing) its core.
func (l *Logger) SetLevel(level Level) {
	l.c.mu.Lock()
	defer l.c.mu.Unlock()
	l.c.level = level
}
