package plugin

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Workiva/go-datastructures/queue"
	lua "github.com/yuin/gopher-lua"
)

const (
	MaxExecutionTime = 30 * time.Second
	MainFile         = "main.lua"

	taskQueueHint    = 64
	taskBatchSize    = 16
	taskPollInterval = 100 * time.Millisecond
)

var ErrRuntimeClosed = errors.New("runtime is closed")

// RuntimeListener receives runtime lifecycle notifications. Listeners are
// registered on the Environment and outlive individual runtimes.
type RuntimeListener interface {
	// OnLoaded is called after the runtime is created, before main.lua runs
	OnLoaded(rt *Runtime)
	// OnStarted is called after main.lua has run
	OnStarted(rt *Runtime)
	OnSuspended(rt *Runtime)
	OnResumed(rt *Runtime)
	// OnExiting is called just before the runtime is torn down
	OnExiting(rt *Runtime)
}

// UnhandledErrorListener is told about errors raised by Lua code. Returning
// true marks the error as handled.
type UnhandledErrorListener func(message, stackTrace string) bool

// Environment holds process-wide state shared by every runtime
type Environment struct {
	registry *Registry
	logger   *log.Logger

	mu        sync.RWMutex
	listeners []RuntimeListener
}

// NewEnvironment creates an environment around a registry. A nil logger
// means log.Default().
func NewEnvironment(registry *Registry, logger *log.Logger) *Environment {
	if logger == nil {
		logger = log.Default()
	}
	return &Environment{
		registry: registry,
		logger:   logger,
	}
}

// Registry returns the entry point registry
func (e *Environment) Registry() *Registry {
	return e.registry
}

// AddRuntimeListener registers a lifecycle listener
func (e *Environment) AddRuntimeListener(l RuntimeListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = append(e.listeners, l)
}

// RemoveRuntimeListener unregisters a lifecycle listener
func (e *Environment) RemoveRuntimeListener(l RuntimeListener) {
	e.mu.Lock()
	defer e.mu.Unlock()

	kept := make([]RuntimeListener, 0, len(e.listeners))
	for _, existing := range e.listeners {
		if existing != l {
			kept = append(kept, existing)
		}
	}
	e.listeners = kept
}

func (e *Environment) notify(fn func(l RuntimeListener)) {
	e.mu.RLock()
	listeners := make([]RuntimeListener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.RUnlock()

	for _, l := range listeners {
		fn(l)
	}
}

// Runtime wraps one sandboxed Lua state together with its task queue.
// The Lua state is only touched while holding mu, on whichever goroutine
// drives Run or Drain.
type Runtime struct {
	env        *Environment
	L          *lua.LState
	projectDir string
	settings   *BuildSettings
	tasks      *queue.Queue
	dispatcher *TaskDispatcher
	timers     *timerSet
	logger     *log.Logger

	mu     sync.Mutex
	closed atomic.Bool

	suspended atomic.Bool

	errMu        sync.RWMutex
	errListeners map[int]UnhandledErrorListener
	nextErrID    int

	exitOnce  sync.Once
	exitCh    chan struct{}
	closeOnce sync.Once
}

// NewRuntime creates a runtime for the project in projectDir. An empty
// projectDir creates a runtime with no main.lua and no build settings.
func (e *Environment) NewRuntime(projectDir string) (*Runtime, error) {
	settings, err := loadBuildSettings(projectDir)
	if err != nil {
		return nil, err
	}

	rt := &Runtime{
		env:          e,
		L:            newSandboxState(),
		projectDir:   projectDir,
		settings:     settings,
		tasks:        queue.New(taskQueueHint),
		logger:       e.logger,
		errListeners: make(map[int]UnhandledErrorListener),
		exitCh:       make(chan struct{}),
	}
	rt.dispatcher = &TaskDispatcher{rt: rt}
	rt.timers = newTimerSet(rt)

	if err := e.registry.Install(rt.L, rt.allowPlugin); err != nil {
		rt.L.Close()
		return nil, fmt.Errorf("failed to install plugin loader: %w", err)
	}
	rt.registerHostAPI()

	e.notify(func(l RuntimeListener) { l.OnLoaded(rt) })
	return rt, nil
}

func loadBuildSettings(projectDir string) (*BuildSettings, error) {
	if projectDir == "" {
		return nil, nil
	}

	source, err := os.ReadFile(filepath.Join(projectDir, BuildSettingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", BuildSettingsFile, err)
	}

	return ParseBuildSettings(string(source))
}

func newSandboxState() *lua.LState {
	L := lua.NewState(lua.Options{
		SkipOpenLibs: true,
	})

	// package must be opened first, base's require depends on it
	for _, lib := range []struct {
		name string
		open lua.LGFunction
	}{
		{lua.LoadLibName, lua.OpenPackage},
		{lua.BaseLibName, lua.OpenBase},
		{lua.TabLibName, lua.OpenTable},
		{lua.StringLibName, lua.OpenString},
		{lua.MathLibName, lua.OpenMath},
	} {
		if err := L.CallByParam(lua.P{
			Fn:      L.NewFunction(lib.open),
			NRet:    0,
			Protect: true,
		}, lua.LString(lib.name)); err != nil {
			panic(fmt.Sprintf("failed to open %q library: %v", lib.name, err))
		}
	}

	// Remove dangerous functions from base
	for _, name := range []string{
		"dofile", "loadfile", "load", "loadstring",
		"rawequal", "rawget", "rawset",
		"getmetatable", "setmetatable", "collectgarbage",
	} {
		L.SetGlobal(name, lua.LNil)
	}

	return L
}

func (rt *Runtime) allowPlugin(modulePath string) error {
	if rt.settings == nil || rt.settings.Declares(modulePath) {
		return nil
	}
	return fmt.Errorf("plugin '%s' is not declared in %s", modulePath, BuildSettingsFile)
}

// Start runs main.lua from the project directory and notifies OnStarted
func (rt *Runtime) Start() error {
	if rt.projectDir != "" {
		mainPath := filepath.Join(rt.projectDir, MainFile)
		if _, err := os.Stat(mainPath); err != nil {
			return fmt.Errorf("failed to find %s: %w", MainFile, err)
		}
		if err := rt.execute(MainFile, func(L *lua.LState) error {
			return L.DoFile(mainPath)
		}); err != nil {
			return err
		}
	}

	rt.env.notify(func(l RuntimeListener) { l.OnStarted(rt) })
	return nil
}

// DoString executes a chunk of Lua source on the runtime
func (rt *Runtime) DoString(source string) error {
	return rt.execute("chunk", func(L *lua.LState) error {
		return L.DoString(source)
	})
}

// execute runs fn against the Lua state with timeout protection. Errors are
// reported to the unhandled error listeners before being returned.
func (rt *Runtime) execute(name string, fn func(L *lua.LState) error) error {
	rt.mu.Lock()
	if rt.closed.Load() {
		rt.mu.Unlock()
		return ErrRuntimeClosed
	}

	ctx, cancel := context.WithTimeout(context.Background(), MaxExecutionTime)
	rt.L.SetContext(ctx)
	err := fn(rt.L)
	rt.L.RemoveContext()
	timedOut := ctx.Err() == context.DeadlineExceeded
	cancel()
	rt.mu.Unlock()

	if err == nil {
		return nil
	}
	if timedOut {
		err = fmt.Errorf("%s timed out after %v", name, MaxExecutionTime)
	}
	rt.reportError(err)
	return err
}

// AddUnhandledErrorListener registers fn and returns a function that removes it
func (rt *Runtime) AddUnhandledErrorListener(fn UnhandledErrorListener) func() {
	rt.errMu.Lock()
	id := rt.nextErrID
	rt.nextErrID++
	rt.errListeners[id] = fn
	rt.errMu.Unlock()

	return func() {
		rt.errMu.Lock()
		delete(rt.errListeners, id)
		rt.errMu.Unlock()
	}
}

func (rt *Runtime) reportError(err error) {
	message, stackTrace := err.Error(), ""
	var apiErr *lua.ApiError
	if errors.As(err, &apiErr) {
		if apiErr.Object != nil {
			message = apiErr.Object.String()
		}
		stackTrace = apiErr.StackTrace
	}

	rt.errMu.RLock()
	listeners := make([]UnhandledErrorListener, 0, len(rt.errListeners))
	for _, l := range rt.errListeners {
		listeners = append(listeners, l)
	}
	rt.errMu.RUnlock()

	handled := false
	for _, l := range listeners {
		if l(message, stackTrace) {
			handled = true
		}
	}

	if !handled {
		rt.logger.Printf("[runtime] Runtime error: %s", message)
		if stackTrace != "" {
			rt.logger.Printf("[runtime] %s", stackTrace)
		}
	}
}

// Run executes queued tasks until ctx is done, the runtime requests exit, or
// the runtime is closed.
func (rt *Runtime) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-rt.exitCh:
			return nil
		default:
		}

		items, err := rt.tasks.Poll(taskBatchSize, taskPollInterval)
		if err != nil {
			if errors.Is(err, queue.ErrTimeout) {
				continue
			}
			if errors.Is(err, queue.ErrDisposed) {
				return nil
			}
			return fmt.Errorf("task queue failed: %w", err)
		}
		rt.runTasks(items)
	}
}

// Drain executes the tasks queued right now and returns how many ran
func (rt *Runtime) Drain() int {
	n := rt.tasks.Len()
	if n == 0 {
		return 0
	}

	items, err := rt.tasks.Get(n)
	if err != nil {
		return 0
	}
	rt.runTasks(items)
	return len(items)
}

func (rt *Runtime) runTasks(items []interface{}) {
	for _, item := range items {
		task, ok := item.(RuntimeTask)
		if !ok {
			continue
		}
		// errors are already reported by execute
		_ = rt.execute("task", func(*lua.LState) error {
			return task.ExecuteUsing(rt)
		})
	}
}

// Suspend pauses the runtime and notifies OnSuspended
func (rt *Runtime) Suspend() {
	if rt.suspended.CompareAndSwap(false, true) {
		rt.env.notify(func(l RuntimeListener) { l.OnSuspended(rt) })
	}
}

// Resume resumes a suspended runtime and notifies OnResumed
func (rt *Runtime) Resume() {
	if rt.suspended.CompareAndSwap(true, false) {
		rt.env.notify(func(l RuntimeListener) { l.OnResumed(rt) })
	}
}

// IsSuspended reports whether the runtime is suspended
func (rt *Runtime) IsSuspended() bool {
	return rt.suspended.Load()
}

// RequestExit asks Run to return. It is safe to call from Lua and from any
// goroutine.
func (rt *Runtime) RequestExit() {
	rt.exitOnce.Do(func() {
		close(rt.exitCh)
	})
}

// Done is closed once exit has been requested
func (rt *Runtime) Done() <-chan struct{} {
	return rt.exitCh
}

// Close notifies OnExiting and shuts the runtime down. Safe to call more
// than once.
func (rt *Runtime) Close() {
	rt.closeOnce.Do(func() {
		rt.env.notify(func(l RuntimeListener) { l.OnExiting(rt) })

		rt.timers.stopAll()
		rt.tasks.Dispose()

		rt.mu.Lock()
		rt.closed.Store(true)
		rt.L.Close()
		rt.mu.Unlock()

		rt.RequestExit()
	})
}

// IsClosed reports whether Close has completed
func (rt *Runtime) IsClosed() bool {
	return rt.closed.Load()
}

// State returns the underlying Lua state. Only use it from a RuntimeTask or
// a Lua function running on this runtime.
func (rt *Runtime) State() *lua.LState {
	return rt.L
}

// Dispatcher returns the runtime's task dispatcher
func (rt *Runtime) Dispatcher() *TaskDispatcher {
	return rt.dispatcher
}

// ProjectDir returns the directory main.lua is loaded from
func (rt *Runtime) ProjectDir() string {
	return rt.projectDir
}

// Settings returns the parsed build settings, or nil if the project has none
func (rt *Runtime) Settings() *BuildSettings {
	return rt.settings
}

// RuntimeTask is work that must run on the runtime's goroutine
type RuntimeTask interface {
	ExecuteUsing(rt *Runtime) error
}

// RuntimeTaskFunc adapts a function to RuntimeTask
type RuntimeTaskFunc func(rt *Runtime) error

// ExecuteUsing calls f(rt)
func (f RuntimeTaskFunc) ExecuteUsing(rt *Runtime) error {
	return f(rt)
}

// TaskDispatcher queues tasks for a runtime from any goroutine
type TaskDispatcher struct {
	rt *Runtime
}

// Send queues task. It fails with ErrRuntimeClosed once the runtime is gone.
func (d *TaskDispatcher) Send(task RuntimeTask) error {
	if err := d.rt.tasks.Put(task); err != nil {
		return ErrRuntimeClosed
	}
	return nil
}

// Runtime returns the runtime tasks are sent to
func (d *TaskDispatcher) Runtime() *Runtime {
	return d.rt
}
