// Package flurry implements the plugin.flurry_analytics Lua module. Scripts
// load it with require "plugin.flurry.analytics" and receive results through
// analyticsRequest events on the listener passed to init.
package flurry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"flurry-plugin/analytics"
	"flurry-plugin/plugin"

	lua "github.com/yuin/gopher-lua"
)

const (
	// ModulePath derives the entry point symbol luaopen_plugin_flurry_analytics
	ModulePath = "plugin.flurry_analytics"
	// PluginName is the library name scripts require
	PluginName = "plugin.flurry.analytics"
	Version    = "1.5.4"

	EventName    = "analyticsRequest"
	ProviderName = "flurry"

	AnalyticsTypeBasic = "basic"
	AnalyticsTypeTimed = "timed"

	LogLevelDefault = "default"
	LogLevelDebug   = "debug"
	LogLevelAll     = "all"

	PhaseInit     = "init"
	PhaseFailed   = "failed"
	PhaseRecorded = "recorded"
	PhaseBegan    = "began"
	PhaseEnded    = "ended"
)

// event and data keys
const (
	keyPhase     = "phase"
	keyData      = "data"
	keyType      = "type"
	keyErrorCode = "errorCode"
	keyReason    = "reason"
	keyEvent     = "event"
	keyParams    = "params"
	keySessionID = "sessionId"

	errorDetailsMsg = "See event.data for error details"
)

const (
	errorMsg   = "ERROR: "
	warningMsg = "WARNING: "

	defaultPollInterval    = time.Second
	defaultContinueSession = 5 * time.Second
	closeTimeout           = 10 * time.Second
)

// Agent is the analytics backend the Lua functions drive
type Agent interface {
	Start() error
	SessionID() string
	ReleaseVersion() string
	LogEvent(name string, params map[string]string, timed bool) analytics.EventRecordStatus
	EndTimedEvent(name string, params map[string]string)
	OnError(message, stackTrace string)
	OpenPrivacyDashboard(ctx context.Context, cb analytics.PrivacyCallback)
	PauseSession()
	ResumeSession()
	Close(ctx context.Context) error
}

// AgentFactory builds an agent from the options passed to flurry.init
type AgentFactory func(cfg analytics.Config) (Agent, error)

// Options configures a Loader
type Options struct {
	// Base is merged under the settings flurry.init provides (endpoint,
	// store, flush interval, ...)
	Base         analytics.Config
	NewAgent     AgentFactory
	PollInterval time.Duration
	Logger       *log.Logger
}

// Loader is the plugin instance. One Loader serves every runtime in the
// process, so it is registered as a runtime listener and resets itself when
// a runtime exits.
type Loader struct {
	opts   Options
	logger *log.Logger

	mu                sync.Mutex
	listener          lua.LValue
	dispatcher        *plugin.TaskDispatcher
	agent             Agent
	hasReceivedInit   bool
	crashReporting    bool
	functionSignature string
	stopInitLoop      chan struct{}
	removeErrListener func()
}

// NewLoader creates the plugin instance
func NewLoader(opts Options) *Loader {
	if opts.NewAgent == nil {
		opts.NewAgent = func(cfg analytics.Config) (Agent, error) {
			return analytics.New(cfg)
		}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = defaultPollInterval
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}
	return &Loader{
		opts:   opts,
		logger: opts.Logger,
	}
}

// Register adds the loader's entry point to env's registry and subscribes it
// to runtime lifecycle events
func Register(env *plugin.Environment, l *Loader) error {
	if err := env.Registry().Register(ModulePath, l.Open); err != nil {
		return err
	}
	env.AddRuntimeListener(l)
	return nil
}

// Open is the entry point. It registers the plugin's functions under the
// library name passed by require and returns the library.
func (l *Loader) Open(L *lua.LState) int {
	libName := L.OptString(1, PluginName)

	mod := L.RegisterModule(libName, map[string]lua.LGFunction{
		"init":                 l.init,
		"logEvent":             l.logEvent,
		"startTimedEvent":      l.startTimedEvent,
		"endTimedEvent":        l.endTimedEvent,
		"openPrivacyDashboard": l.openPrivacyDashboard,
	})

	// Returning 1 makes require return the library
	L.Push(mod)
	return 1
}

// OnLoaded binds the runtime's dispatcher for event delivery
func (l *Loader) OnLoaded(rt *plugin.Runtime) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.dispatcher == nil {
		l.dispatcher = rt.Dispatcher()
	}
}

func (l *Loader) OnStarted(rt *plugin.Runtime) {}

// OnSuspended pauses the analytics session
func (l *Loader) OnSuspended(rt *plugin.Runtime) {
	if agent := l.currentAgent(); agent != nil {
		agent.PauseSession()
	}
}

// OnResumed resumes the analytics session
func (l *Loader) OnResumed(rt *plugin.Runtime) {
	if agent := l.currentAgent(); agent != nil {
		agent.ResumeSession()
	}
}

// OnExiting drops everything tied to the exiting runtime so the next one
// starts from a clean plugin
func (l *Loader) OnExiting(rt *plugin.Runtime) {
	l.mu.Lock()
	if l.dispatcher != nil && l.dispatcher.Runtime() != rt {
		l.mu.Unlock()
		return
	}

	agent := l.agent
	if l.stopInitLoop != nil {
		close(l.stopInitLoop)
	}
	if l.removeErrListener != nil {
		l.removeErrListener()
	}

	l.listener = nil
	l.dispatcher = nil
	l.agent = nil
	l.hasReceivedInit = false
	l.crashReporting = false
	l.functionSignature = ""
	l.stopInitLoop = nil
	l.removeErrListener = nil
	l.mu.Unlock()

	if agent != nil {
		ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		if err := agent.Close(ctx); err != nil {
			l.logger.Printf("[plugin:%s] Failed to close analytics agent: %v", PluginName, err)
		}
	}
}

func (l *Loader) currentAgent() Agent {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.agent
}

// logMsg writes a console message tagged with the Lua function being run
func (l *Loader) logMsg(msgType, msg string) {
	l.mu.Lock()
	functionID := l.functionSignature
	l.mu.Unlock()

	if functionID != "" {
		functionID += ", "
	}
	l.logger.Printf("%s%s%s", msgType, functionID, msg)
}

func (l *Loader) setFunctionSignature(signature string) {
	l.mu.Lock()
	l.functionSignature = signature
	l.mu.Unlock()
}

// isSDKInitialized reports whether init has been called and its 'init'
// event delivered
func (l *Loader) isSDKInitialized() bool {
	l.mu.Lock()
	hasListener := l.listener != nil
	hasReceivedInit := l.hasReceivedInit
	l.mu.Unlock()

	if !hasListener {
		l.logMsg(errorMsg, "You must call flurry.init() before calling other Flurry API functions")
		return false
	}
	if !hasReceivedInit {
		l.logMsg(errorMsg, "You must wait for the 'init' event before calling other Flurry API functions")
		return false
	}
	return true
}

// dataFromStatus returns the event data describing an agent status. An
// empty map means the event was recorded.
func dataFromStatus(status analytics.EventRecordStatus) map[string]interface{} {
	data := make(map[string]interface{})

	switch status {
	case analytics.EventRecorded:
	case analytics.EventFailed:
		data[keyErrorCode] = "0"
		data[keyReason] = "failed to log event"
	case analytics.EventUniqueCountExceeded:
		data[keyErrorCode] = "1"
		data[keyReason] = "unique count exceeded"
	case analytics.EventParamsCountExceeded:
		data[keyErrorCode] = "2"
		data[keyReason] = "params count exceeded"
	case analytics.EventLogCountExceeded:
		data[keyErrorCode] = "3"
		data[keyReason] = "log count exceeded"
	case analytics.EventLoggingDelayed:
		data[keyErrorCode] = "4"
		data[keyReason] = "logging delayed"
	case analytics.EventAnalyticsDisabled:
		data[keyErrorCode] = "5"
		data[keyReason] = "analytics disabled"
	default:
		data[keyErrorCode] = "-1"
		data[keyReason] = "unknown status"
	}

	return data
}

// dispatchInitEvent sends the 'init' event once a session id is available.
// It reports whether the event has been sent (now or earlier).
func (l *Loader) dispatchInitEvent() bool {
	l.mu.Lock()
	agent := l.agent
	if agent == nil {
		l.mu.Unlock()
		return false
	}
	if l.hasReceivedInit {
		l.mu.Unlock()
		return true
	}

	sessionID := agent.SessionID()
	if sessionID == "" || sessionID == analytics.NoSession {
		l.mu.Unlock()
		return false
	}
	l.hasReceivedInit = true
	l.mu.Unlock()

	l.dispatchLuaEvent(map[string]interface{}{
		keyPhase: PhaseInit,
		keyData: map[string]interface{}{
			keySessionID: sessionID,
		},
	})
	return true
}

// dispatchLuaEvent queues event for delivery to the init listener on the
// runtime goroutine. Events are dropped when no runtime is bound.
func (l *Loader) dispatchLuaEvent(event map[string]interface{}) {
	l.mu.Lock()
	dispatcher := l.dispatcher
	l.mu.Unlock()

	if dispatcher == nil {
		return
	}

	err := dispatcher.Send(plugin.RuntimeTaskFunc(func(rt *plugin.Runtime) error {
		l.mu.Lock()
		listener := l.listener
		l.mu.Unlock()
		if listener == nil {
			return nil
		}

		L := rt.State()
		luaEvent := plugin.NewEvent(L, EventName)
		for key, value := range event {
			luaEvent.RawSetString(key, plugin.ToLua(L, value))
		}
		if _, ok := event[plugin.EventIsErrorKey]; !ok {
			luaEvent.RawSetString(plugin.EventIsErrorKey, lua.LFalse)
		}
		luaEvent.RawSetString(plugin.EventProviderKey, lua.LString(ProviderName))

		if err := plugin.DispatchEvent(L, listener, luaEvent); err != nil {
			return fmt.Errorf("%s listener failed: %w", ProviderName, err)
		}
		return nil
	}))
	if err != nil {
		l.logger.Printf("[plugin:%s] Dropped event: %v", PluginName, err)
	}
}

// startInitLoop polls the agent until a session id can be reported in the
// 'init' event
func (l *Loader) startInitLoop() {
	stop := make(chan struct{})

	l.mu.Lock()
	l.stopInitLoop = stop
	l.mu.Unlock()

	go func() {
		ticker := time.NewTicker(l.opts.PollInterval)
		defer ticker.Stop()

		for {
			if l.dispatchInitEvent() {
				return
			}
			select {
			case <-stop:
				return
			case <-ticker.C:
			}
		}
	}()
}

// unhandledErrorListener forwards Lua errors to the agent and lets them fall
// through to the runtime
func (l *Loader) unhandledErrorListener(message, stackTrace string) bool {
	if agent := l.currentAgent(); agent != nil {
		agent.OnError(message, stackTrace)
	}
	return false
}

// agentLogLevel maps the logLevel option to the agent's levels
func agentLogLevel(option string) analytics.LogLevel {
	switch option {
	case LogLevelDebug:
		return analytics.LogDebug
	case LogLevelAll:
		return analytics.LogVerbose
	default:
		return analytics.LogInfo
	}
}
