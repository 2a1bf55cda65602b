package analytics

// EventRecordStatus is the outcome of logging an event
type EventRecordStatus int

const (
	EventRecorded EventRecordStatus = iota
	EventFailed
	EventUniqueCountExceeded
	EventParamsCountExceeded
	EventLogCountExceeded
	EventLoggingDelayed
	EventAnalyticsDisabled
)

func (s EventRecordStatus) String() string {
	switch s {
	case EventRecorded:
		return "recorded"
	case EventFailed:
		return "failed"
	case EventUniqueCountExceeded:
		return "unique_count_exceeded"
	case EventParamsCountExceeded:
		return "params_count_exceeded"
	case EventLogCountExceeded:
		return "log_count_exceeded"
	case EventLoggingDelayed:
		return "logging_delayed"
	case EventAnalyticsDisabled:
		return "analytics_disabled"
	default:
		return "unknown"
	}
}

// LogLevel filters agent log output
type LogLevel int

const (
	LogVerbose LogLevel = iota
	LogDebug
	LogInfo
	LogWarn
	LogError
)

func (l LogLevel) String() string {
	switch l {
	case LogVerbose:
		return "VERBOSE"
	case LogDebug:
		return "DEBUG"
	case LogInfo:
		return "INFO"
	case LogWarn:
		return "WARN"
	case LogError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}
