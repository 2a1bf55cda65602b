package analytics

import (
	"runtime"

	"github.com/shirou/gopsutil/v3/host"
)

// RecordKind identifies what a Record describes
type RecordKind string

const (
	KindSessionStart RecordKind = "session_start"
	KindSessionEnd   RecordKind = "session_end"
	KindEvent        RecordKind = "event"
	KindTimedBegin   RecordKind = "timed_begin"
	KindTimedEnd     RecordKind = "timed_end"
	KindError        RecordKind = "error"
)

// Record is one unit of analytics data queued for upload
type Record struct {
	Kind       RecordKind        `json:"kind"`
	SessionID  string            `json:"sessionId,omitempty"`
	Name       string            `json:"name,omitempty"`
	Params     map[string]string `json:"params,omitempty"`
	DurationMs int64             `json:"durationMs,omitempty"`
	Message    string            `json:"message,omitempty"`
	StackTrace string            `json:"stackTrace,omitempty"`
	Device     *DeviceInfo       `json:"device,omitempty"`
	Timestamp  int64             `json:"timestamp"` // unix milliseconds
}

// DeviceInfo describes the machine a session runs on
type DeviceInfo struct {
	OS              string `json:"os"`
	Platform        string `json:"platform,omitempty"`
	PlatformVersion string `json:"platformVersion,omitempty"`
	KernelArch      string `json:"arch,omitempty"`
}

func collectDeviceInfo() *DeviceInfo {
	info, err := host.Info()
	if err != nil {
		return &DeviceInfo{OS: runtime.GOOS, KernelArch: runtime.GOARCH}
	}
	return &DeviceInfo{
		OS:              info.OS,
		Platform:        info.Platform,
		PlatformVersion: info.PlatformVersion,
		KernelArch:      info.KernelArch,
	}
}
