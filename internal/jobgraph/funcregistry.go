package jobgraph

import (
	"reflect"
	"sync"
)

// Go cannot ship a function's code across a process boundary the way
// pickle ships Python bytecode, so a FunctionWrapperJob is rehydrated on
// the worker by a stable name, not by value. RegisterFunc must be called
// (typically from an init function, mirroring the teacher's package-level
// registration of build-step handlers) for every function ever passed to
// WrapFn/AddChildFn/AddFollowOnFn before a graph using it is serialized.
var (
	funcRegistryMu sync.RWMutex
	funcsByName    = map[string]UserFunc{}
	namesByFunc    = map[uintptr]string{}
)

// RegisterFunc associates a stable name with fn so a pickled
// FunctionWrapperJob referencing that name can be looked up again, on this
// or another process running the same compiled binary.
func RegisterFunc(name string, fn UserFunc) {
	funcRegistryMu.Lock()
	defer funcRegistryMu.Unlock()
	funcsByName[name] = fn
	namesByFunc[reflect.ValueOf(fn).Pointer()] = name
}

func registeredFuncName(fn UserFunc) (string, bool) {
	funcRegistryMu.RLock()
	defer funcRegistryMu.RUnlock()
	name, ok := namesByFunc[reflect.ValueOf(fn).Pointer()]
	return name, ok
}

func lookupFunc(name string) (UserFunc, bool) {
	funcRegistryMu.RLock()
	defer funcRegistryMu.RUnlock()
	fn, ok := funcsByName[name]
	return fn, ok
}
