package flurry

import (
	"context"
	"fmt"
	"time"

	"flurry-plugin/plugin"

	lua "github.com/yuin/gopher-lua"
)

const privacyRequestTimeout = 30 * time.Second

// [Lua] flurry.init(listener, options)
func (l *Loader) init(L *lua.LState) int {
	// bail if init() has already been called
	l.mu.Lock()
	initialized := l.listener != nil
	l.mu.Unlock()
	if initialized {
		return 0
	}

	l.setFunctionSignature("flurry.init(listener, options)")

	nargs := L.GetTop()
	if nargs != 2 {
		l.logMsg(errorMsg, fmt.Sprintf("Expected 2 arguments, got %d", nargs))
		return 0
	}

	listener := L.Get(1)
	if !plugin.IsListener(listener, EventName) {
		l.logMsg(errorMsg, "Listener expected, got: "+listener.Type().String())
		return 0
	}

	options, ok := L.Get(2).(*lua.LTable)
	if !ok {
		l.logMsg(errorMsg, "options table expected, got "+L.Get(2).Type().String())
		return 0
	}

	apiKey := ""
	logLevel := LogLevelDefault
	crashReportingEnabled := false

	// traverse and verify all options
	var optionErr string
	options.ForEach(func(k, v lua.LValue) {
		if optionErr != "" {
			return
		}

		switch key := k.String(); key {
		case "apiKey":
			if s, ok := v.(lua.LString); ok {
				apiKey = string(s)
			} else {
				optionErr = "options.apiKey (string) expected, got " + v.Type().String()
			}
		case "logLevel":
			if s, ok := v.(lua.LString); ok {
				logLevel = string(s)
			} else {
				optionErr = "options.logLevel (string) expected, got " + v.Type().String()
			}
		case "crashReportingEnabled":
			if b, ok := v.(lua.LBool); ok {
				crashReportingEnabled = bool(b)
			} else {
				optionErr = "options.crashReportingEnabled (boolean) expected, got " + v.Type().String()
			}
		case "IAPReportingEnabled":
			l.logMsg(warningMsg, "options.IAPReportingEnabled is only supported on iOS")
		default:
			optionErr = fmt.Sprintf("Invalid option '%s'", key)
		}
	})
	if optionErr != "" {
		l.logMsg(errorMsg, optionErr)
		return 0
	}

	if apiKey == "" {
		l.logMsg(errorMsg, "apiKey is missing")
		return 0
	}

	cfg := l.opts.Base
	cfg.APIKey = apiKey
	cfg.LogEnabled = true
	cfg.LogLevel = agentLogLevel(logLevel)
	cfg.CaptureUncaughtExceptions = crashReportingEnabled
	cfg.ContinueSession = defaultContinueSession
	if cfg.Logger == nil {
		cfg.Logger = l.logger
	}

	agent, err := l.opts.NewAgent(cfg)
	if err != nil {
		l.logMsg(errorMsg, fmt.Sprintf("Failed to create analytics agent: %v", err))
		return 0
	}

	l.logger.Printf("%s: %s (SDK: %s)", PluginName, Version, agent.ReleaseVersion())

	if err := agent.Start(); err != nil {
		l.logMsg(errorMsg, fmt.Sprintf("Failed to start analytics agent: %v", err))
		_ = agent.Close(context.Background())
		return 0
	}

	l.mu.Lock()
	l.listener = listener
	l.agent = agent
	l.crashReporting = crashReportingEnabled
	dispatcher := l.dispatcher
	l.mu.Unlock()

	if crashReportingEnabled && dispatcher != nil {
		remove := dispatcher.Runtime().AddUnhandledErrorListener(l.unhandledErrorListener)
		l.mu.Lock()
		l.removeErrListener = remove
		l.mu.Unlock()
	}

	// The 'init' event waits for a session id, which the agent establishes
	// in the background
	l.startInitLoop()

	return 0
}

// [Lua] flurry.logEvent(event [, params])
func (l *Loader) logEvent(L *lua.LState) int {
	l.setFunctionSignature("flurry.logEvent(event, options)")
	l.logEventWorker(L, false, false)
	return 0
}

// [Lua] flurry.startTimedEvent(event [, params])
func (l *Loader) startTimedEvent(L *lua.LState) int {
	l.setFunctionSignature("flurry.startTimedEvent(event, options)")
	l.logEventWorker(L, true, false)
	return 0
}

// [Lua] flurry.endTimedEvent(event [, params])
func (l *Loader) endTimedEvent(L *lua.LState) int {
	l.setFunctionSignature("flurry.endTimedEvent(event, options)")
	l.logEventWorker(L, true, true)
	return 0
}

// logEventWorker does the work shared by logEvent, startTimedEvent and
// endTimedEvent
func (l *Loader) logEventWorker(L *lua.LState, isTimed, shouldEndTimedEvent bool) {
	if !l.isSDKInitialized() {
		return
	}

	nargs := L.GetTop()
	if nargs < 1 || nargs > 2 {
		l.logMsg(errorMsg, fmt.Sprintf("Expected 1 or 2 arguments, got %d", nargs))
		return
	}

	name, ok := L.Get(1).(lua.LString)
	if !ok {
		l.logMsg(errorMsg, "eventName (string) expected, got "+L.Get(1).Type().String())
		return
	}
	eventName := string(name)

	// params table (optional)
	params := make(map[string]string)
	if paramsValue := L.Get(2); paramsValue != lua.LNil {
		paramsTable, ok := paramsValue.(*lua.LTable)
		if !ok {
			l.logMsg(errorMsg, "Options table expected, got "+paramsValue.Type().String())
			return
		}

		// make sure all keys and values are strings
		var paramErr string
		paramsTable.ForEach(func(k, v lua.LValue) {
			if paramErr != "" {
				return
			}
			key, ok := k.(lua.LString)
			if !ok {
				paramErr = fmt.Sprintf("Options key '%s' must be a string", k.String())
				return
			}
			value, ok := v.(lua.LString)
			if !ok {
				paramErr = fmt.Sprintf("Options value for key '%s' must be a string", string(key))
				return
			}
			params[string(key)] = string(value)
		})
		if paramErr != "" {
			l.logMsg(errorMsg, paramErr)
			return
		}
	}

	agent := l.currentAgent()
	if agent == nil {
		return
	}

	var agentParams map[string]string
	if len(params) > 0 {
		agentParams = params
	}

	var eventData map[string]interface{}
	if shouldEndTimedEvent {
		agent.EndTimedEvent(eventName, agentParams)
		eventData = make(map[string]interface{})
	} else {
		eventData = dataFromStatus(agent.LogEvent(eventName, agentParams, isTimed))
	}

	// error condition if the data is not empty
	isError := len(eventData) > 0

	eventData[keyEvent] = eventName
	if len(params) > 0 {
		eventData[keyParams] = params
	}

	analyticsType := AnalyticsTypeBasic
	if isTimed {
		analyticsType = AnalyticsTypeTimed
	}

	eventPhase := PhaseRecorded
	if shouldEndTimedEvent {
		eventPhase = PhaseEnded
	} else if isTimed {
		eventPhase = PhaseBegan
	}

	event := map[string]interface{}{
		keyType: analyticsType,
		keyData: eventData,
	}
	if isError {
		event[keyPhase] = PhaseFailed
		event[plugin.EventIsErrorKey] = true
		event[plugin.EventResponseKey] = errorDetailsMsg
	} else {
		event[keyPhase] = eventPhase
	}

	l.dispatchLuaEvent(event)
}

// [Lua] flurry.openPrivacyDashboard()
func (l *Loader) openPrivacyDashboard(L *lua.LState) int {
	l.setFunctionSignature("flurry.openPrivacyDashboard( )")

	agent := l.currentAgent()
	if agent == nil {
		l.logMsg(errorMsg, "You must call flurry.init() before calling other Flurry API functions")
		return 0
	}

	ctx, cancel := context.WithTimeout(context.Background(), privacyRequestTimeout)
	agent.OpenPrivacyDashboard(ctx, func(dashboardURL string, err error) {
		defer cancel()
		if err != nil {
			l.logger.Printf("[plugin:%s] Opening Privacy Dashboard failed: %v", PluginName, err)
			return
		}
		l.logger.Printf("[plugin:%s] Privacy Dashboard opened successfully: %s", PluginName, dashboardURL)
	})

	return 0
}
