package core

import (
	"context"
	"fmt"
	"sync"
)

const (
	// InitHookName is the request-init hook this package registers.
	InitHookName = "offload.init"

	// EntryPointName is the dispatch entry point of DefaultRegistry.
	EntryPointName = "offload.dispatch"
)

// InitHook prepares a worker context before it takes work. The returned
// context is handed to every task the worker executes.
type InitHook func(ctx context.Context, workerID int) (context.Context, error)

// dispatchEntry is a registered DispatchFunc and the Registry serving it, if any.
type dispatchEntry struct {
	fn    DispatchFunc
	owner *Registry
}

var (
	hooksMu     sync.RWMutex
	initHooks   = map[string]InitHook{}
	entryPoints = map[string]dispatchEntry{}
)

func init() {
	if err := RegisterInitHook(InitHookName, bootstrapWorker); err != nil {
		panic(err)
	}
}

// RegisterInitHook makes hook resolvable by name. A later registration under
// the same name replaces the earlier one.
func RegisterInitHook(name string, hook InitHook) error {
	if name == "" || hook == nil {
		return fmt.Errorf("init hook needs a name and a function")
	}
	hooksMu.Lock()
	defer hooksMu.Unlock()
	initHooks[name] = hook
	return nil
}

// UnregisterInitHook removes the hook registered under name.
func UnregisterInitHook(name string) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	delete(initHooks, name)
}

// LookupInitHook resolves a hook registered with RegisterInitHook.
func LookupInitHook(name string) (InitHook, error) {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	hook, ok := initHooks[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownHook)
	}
	return hook, nil
}

// RegisterEntryPoint makes fn resolvable by name. A later registration under
// the same name replaces the earlier one, including a Registry's.
func RegisterEntryPoint(name string, fn DispatchFunc) error {
	if name == "" || fn == nil {
		return fmt.Errorf("entry point needs a name and a function")
	}
	setEntryPoint(name, dispatchEntry{fn: fn})
	return nil
}

// UnregisterEntryPoint removes the entry point registered under name.
func UnregisterEntryPoint(name string) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	delete(entryPoints, name)
}

func setEntryPoint(name string, ep dispatchEntry) {
	hooksMu.Lock()
	defer hooksMu.Unlock()
	entryPoints[name] = ep
}

// LookupEntryPoint resolves an entry point registered with RegisterEntryPoint.
func LookupEntryPoint(name string) (DispatchFunc, error) {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	ep, ok := entryPoints[name]
	if !ok {
		return nil, fmt.Errorf("%q: %w", name, ErrUnknownEntryPoint)
	}
	return ep.fn, nil
}

// EntryPointOwner returns the Registry whose Dispatch currently serves name.
// It returns nil when name is unknown or was registered as a bare function.
func EntryPointOwner(name string) *Registry {
	hooksMu.RLock()
	defer hooksMu.RUnlock()
	return entryPoints[name].owner
}

// =============================================================================
// Worker context
// =============================================================================

type workerIDKeyType struct{}

var workerIDKey workerIDKeyType

func bootstrapWorker(ctx context.Context, workerID int) (context.Context, error) {
	return context.WithValue(ctx, workerIDKey, workerID), nil
}

// WorkerID returns the id of the worker executing the task, if ctx was
// prepared by the offload.init hook.
func WorkerID(ctx context.Context) (int, bool) {
	id, ok := ctx.Value(workerIDKey).(int)
	return id, ok
}
