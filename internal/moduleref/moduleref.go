// Package moduleref identifies the user code that defines a job class or
// function and makes that identity resilient to being shipped to, and
// reloaded on, a remote worker process.
package moduleref

import (
	"os"
	"path/filepath"
	"reflect"
	"runtime"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// entryPointPackage is the package path Go's reflect package reports for
// the process's own main package.
const entryPointPackage = "main"

// ModuleRef is an opaque handle naming the user module that defined a job.
// It travels with the serialized job body so a worker on another host can
// re-bind references to user code instead of this engine's own packages.
type ModuleRef struct {
	// Name is the fully-qualified package path, or "main" when the job
	// class was defined in the process's own entry-point package.
	Name string
	// LocalPath is the filesystem directory holding the package's source
	// or build artifact on the host this ModuleRef is valid for.
	LocalPath string
	// EntryPoint is true when Name identifies the process's own main
	// package rather than an importable library package.
	EntryPoint bool
}

// ForType builds a ModuleRef describing the package that defines the
// (possibly pointer) type of v.
func ForType(v interface{}) ModuleRef {
	t := reflect.TypeOf(v)
	for t != nil && t.Kind() == reflect.Ptr {
		t = t.Elem()
	}

	name := entryPointPackage
	if t != nil && t.PkgPath() != "" {
		name = t.PkgPath()
	}

	ref := ModuleRef{
		Name:       name,
		EntryPoint: name == entryPointPackage,
	}

	if dir, err := localDirForPackage(name); err == nil {
		ref.LocalPath = dir
	}

	return ref
}

// ForFunc builds a ModuleRef describing the package that defines fn, for
// function-wrapped jobs that have no UserJob struct to reflect on.
func ForFunc(fn interface{}) ModuleRef {
	name := entryPointPackage
	if rf := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); rf != nil {
		name = packagePathFromFuncName(rf.Name())
	}

	ref := ModuleRef{Name: name, EntryPoint: name == entryPointPackage}
	if dir, err := localDirForPackage(name); err == nil {
		ref.LocalPath = dir
	}
	return ref
}

// packagePathFromFuncName strips the trailing ".FuncName" (or
// ".Type.Method") segment off a fully-qualified runtime function name to
// recover its package path.
func packagePathFromFuncName(full string) string {
	// Runtime names look like "github.com/x/y.FuncName" or
	// "github.com/x/y.(*Type).Method" — the package path ends at the first
	// "." that occurs after the final "/".
	slash := strings.LastIndex(full, "/")
	dot := strings.Index(full[slash+1:], ".")
	if dot < 0 {
		return full
	}
	return full[:slash+1+dot]
}

// localDirForPackage makes a best-effort guess at the on-disk directory
// backing a package path on the current host. For the entry-point package
// this is the directory containing the running executable; for everything
// else it falls back to GOPATH/pkg/mod-relative resolution being left to
// the caller's module loader, so only a hint is recorded here.
func localDirForPackage(name string) (string, error) {
	if name == entryPointPackage {
		exe, err := os.Executable()
		if err != nil {
			return "", err
		}
		return filepath.Dir(exe), nil
	}
	return "", errors.New("local path unknown for non-entry-point package")
}

// Localize materializes this ModuleRef for use on the local host. When the
// ref is tagged as the process entry point, localize rebinds it to
// whatever main package is actually running locally (this worker's own
// binary) rather than resolving "main" to the engine's internal package —
// a ModuleRef that crossed a process boundary as "main" always means the
// user's program, never this package. For library packages, stageDir is
// treated as the root a prior code-shipping step unpacked the package
// into.
func (m ModuleRef) Localize(stageDir string) (ModuleRef, error) {
	if m.EntryPoint {
		dir, err := localDirForPackage(entryPointPackage)
		if err != nil {
			return ModuleRef{}, errors.Wrap(err, "localize entry-point module")
		}
		return ModuleRef{Name: entryPointPackage, LocalPath: dir, EntryPoint: true}, nil
	}

	if stageDir == "" {
		return ModuleRef{}, errors.Errorf("localize %s: no stage directory supplied for a library module", m.Name)
	}
	return ModuleRef{Name: m.Name, LocalPath: filepath.Join(stageDir, filepath.FromSlash(m.Name)), EntryPoint: false}, nil
}

// Globalize strips host-specific detail so the ModuleRef can be embedded
// in a serialized command token and resolved correctly on any worker. The
// entry-point flag is preserved; LocalPath is cleared since it is
// meaningless off-host.
func (m ModuleRef) Globalize() ModuleRef {
	return ModuleRef{Name: m.Name, EntryPoint: m.EntryPoint}
}

// emptyToken stands in for a blank field in a whitespace-split command
// string: strings.Fields collapses a genuinely empty token, which would
// shift every token after it, so an empty LocalPath has to be rendered as
// something non-blank to survive the round trip.
const emptyToken = "-"

// Tokens renders the ModuleRef as the trailing tokens of a command string,
// per the "_toil <pickleFileID> <moduleName> <moduleDirPath> <moduleIsFirstJob>"
// wire format.
func (m ModuleRef) Tokens() []string {
	localPath := m.LocalPath
	if localPath == "" {
		localPath = emptyToken
	}
	return []string{m.Name, localPath, strconv.FormatBool(m.EntryPoint)}
}

// FromTokens parses the three trailing command tokens back into a ModuleRef.
func FromTokens(tokens []string) (ModuleRef, error) {
	if len(tokens) != 3 {
		return ModuleRef{}, errors.Errorf("moduleref: expected 3 tokens, got %d", len(tokens))
	}
	entryPoint, err := strconv.ParseBool(tokens[2])
	if err != nil {
		return ModuleRef{}, errors.Wrap(err, "moduleref: parse entry-point flag")
	}
	localPath := tokens[1]
	if localPath == emptyToken {
		localPath = ""
	}
	return ModuleRef{Name: tokens[0], LocalPath: localPath, EntryPoint: entryPoint}, nil
}
