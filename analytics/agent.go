package analytics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus"
)

// ReleaseVersion is the agent version reported alongside the plugin version
const ReleaseVersion = "1.2.0"

// Event limits per agent
const (
	MaxEventNameLength  = 255
	MaxParamLength      = 255
	MaxParamsPerEvent   = 10
	MaxUniqueEventNames = 300
	MaxEventsPerSession = 1000

	MaxErrorMessageLength = 1024
	MaxStackTraceLength   = 16 << 10
)

// NoSession is the session id reported while no session is active
const NoSession = "0"

// PrivacyDashboardPath is queried for the dashboard URL
const PrivacyDashboardPath = "/privacy/dashboard"

var (
	ErrMissingAPIKey = errors.New("api key is required")
	ErrAgentClosed   = errors.New("agent is closed")
)

// PrivacyCallback receives the outcome of OpenPrivacyDashboard
type PrivacyCallback func(dashboardURL string, err error)

// Config configures an Agent
type Config struct {
	APIKey                    string
	LogEnabled                bool
	LogLevel                  LogLevel
	CaptureUncaughtExceptions bool
	// ContinueSession is how long a paused session may stay paused and
	// still be resumed
	ContinueSession time.Duration

	// Endpoint is the base URL of the collector. Empty keeps records queued.
	Endpoint      string
	Store         *Store
	FlushInterval time.Duration
	BatchSize     int
	MaxRetries    int
	RetryInterval time.Duration
	HTTPClient    *http.Client
	Workers       int

	Registerer prometheus.Registerer
	Logger     *log.Logger
	// Opener presents the privacy dashboard URL to the user
	Opener func(dashboardURL string) error
	Now    func() time.Time
}

func (c *Config) setDefaults() {
	if c.ContinueSession <= 0 {
		c.ContinueSession = 10 * time.Second
	}
	if c.FlushInterval <= 0 {
		c.FlushInterval = 30 * time.Second
	}
	if c.BatchSize <= 0 {
		c.BatchSize = 50
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	} else if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 500 * time.Millisecond
	}
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.Logger == nil {
		c.Logger = log.Default()
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Agent records analytics events into a session and uploads them
type Agent struct {
	cfg       Config
	store     *Store
	ownsStore bool
	uploader  *Uploader
	pool      *ants.Pool
	metrics   *Metrics

	timedEvents cmap.ConcurrentMap[string, time.Time]
	uniqueNames cmap.ConcurrentMap[string, struct{}]

	mu            sync.Mutex
	sessionID     string
	lastSessionID string
	sessionStart  time.Time
	paused        bool
	pausedAt      time.Time
	eventCount    int
	started       bool
	closed        bool
	enabled       bool
}

// New creates an agent. Call Start to open the first session.
func New(cfg Config) (*Agent, error) {
	if cfg.APIKey == "" {
		return nil, ErrMissingAPIKey
	}
	cfg.setDefaults()

	store, ownsStore := cfg.Store, false
	if store == nil {
		var err error
		store, err = OpenStore(":memory:")
		if err != nil {
			return nil, err
		}
		ownsStore = true
	}

	pool, err := ants.NewPool(cfg.Workers)
	if err != nil {
		if ownsStore {
			store.Close()
		}
		return nil, fmt.Errorf("failed to create worker pool: %w", err)
	}

	a := &Agent{
		cfg:         cfg,
		store:       store,
		ownsStore:   ownsStore,
		pool:        pool,
		metrics:     NewMetrics(cfg.Registerer),
		timedEvents: cmap.New[time.Time](),
		uniqueNames: cmap.New[struct{}](),
		sessionID:   NoSession,
		enabled:     true,
	}
	a.uploader = newUploader(cfg, store, a.metrics, a.logf)
	return a, nil
}

func (a *Agent) logf(level LogLevel, format string, args ...interface{}) {
	if !a.cfg.LogEnabled || level < a.cfg.LogLevel {
		return
	}
	a.cfg.Logger.Printf("[analytics] %s: %s", level, fmt.Sprintf(format, args...))
}

// ReleaseVersion returns the agent version
func (a *Agent) ReleaseVersion() string {
	return ReleaseVersion
}

// Start begins the first session in the background and starts uploading.
// SessionID reports NoSession until the session is established.
func (a *Agent) Start() error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return ErrAgentClosed
	}
	if a.started {
		a.mu.Unlock()
		return nil
	}
	a.started = true
	a.mu.Unlock()

	if a.cfg.Endpoint != "" {
		a.uploader.Start()
	}
	a.logf(LogInfo, "Agent %s starting", ReleaseVersion)
	return a.pool.Submit(a.beginSession)
}

func (a *Agent) beginSession() {
	device := collectDeviceInfo()
	now := a.cfg.Now()

	a.mu.Lock()
	if a.closed || a.sessionID != NoSession {
		a.mu.Unlock()
		return
	}
	id := strconv.FormatInt(now.UnixMilli(), 10)
	if id == a.lastSessionID {
		id = strconv.FormatInt(now.UnixMilli()+1, 10)
	}
	a.mu.Unlock()

	// the start record is queued before the id is published so it always
	// precedes the session's events
	if err := a.enqueue(Record{
		Kind:      KindSessionStart,
		SessionID: id,
		Device:    device,
		Timestamp: now.UnixMilli(),
	}); err != nil {
		a.logf(LogError, "Failed to record session start: %v", err)
	}

	a.mu.Lock()
	a.sessionID = id
	a.lastSessionID = id
	a.sessionStart = now
	a.eventCount = 0
	a.paused = false
	a.mu.Unlock()

	a.logf(LogInfo, "Session started: %s", id)
}

// SessionID returns the current session id, or NoSession
func (a *Agent) SessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.sessionID
}

// PauseSession marks the session as paused, e.g. when the app is suspended
func (a *Agent) PauseSession() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.sessionID == NoSession || a.paused {
		return
	}
	a.paused = true
	a.pausedAt = a.cfg.Now()
	a.logf(LogDebug, "Session paused: %s", a.sessionID)
}

// ResumeSession resumes a paused session. If it was paused longer than
// ContinueSession the old session ends and a new one begins.
func (a *Agent) ResumeSession() {
	a.mu.Lock()
	if !a.paused || a.closed {
		a.mu.Unlock()
		return
	}
	a.paused = false

	if a.cfg.Now().Sub(a.pausedAt) <= a.cfg.ContinueSession {
		a.logf(LogDebug, "Session resumed: %s", a.sessionID)
		a.mu.Unlock()
		return
	}

	end := a.sessionEndLocked(a.pausedAt)
	a.sessionID = NoSession
	a.mu.Unlock()

	if err := a.enqueue(end); err != nil {
		a.logf(LogError, "Failed to record session end: %v", err)
	}
	if err := a.pool.Submit(a.beginSession); err != nil {
		a.logf(LogError, "Failed to start new session: %v", err)
	}
}

func (a *Agent) sessionEndLocked(at time.Time) Record {
	return Record{
		Kind:       KindSessionEnd,
		SessionID:  a.sessionID,
		DurationMs: at.Sub(a.sessionStart).Milliseconds(),
		Timestamp:  at.UnixMilli(),
	}
}

// SetAnalyticsEnabled opts the user out of (or back into) analytics
func (a *Agent) SetAnalyticsEnabled(enabled bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.enabled = enabled
}

// IsAnalyticsEnabled reports whether events are being recorded
func (a *Agent) IsAnalyticsEnabled() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.enabled
}

// LogEvent records an event. Timed events stay open until EndTimedEvent.
func (a *Agent) LogEvent(name string, params map[string]string, timed bool) EventRecordStatus {
	status := a.logEvent(name, params, timed)
	a.metrics.Events.WithLabelValues(status.String()).Inc()
	a.logf(LogVerbose, "logEvent %q -> %s", name, status)
	return status
}

func (a *Agent) logEvent(name string, params map[string]string, timed bool) EventRecordStatus {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		a.logf(LogError, "logEvent %q: %v", name, ErrAgentClosed)
		return EventFailed
	}
	if !a.enabled {
		a.mu.Unlock()
		return EventAnalyticsDisabled
	}
	if name == "" || len(name) > MaxEventNameLength {
		a.mu.Unlock()
		return EventFailed
	}
	if len(params) > MaxParamsPerEvent {
		a.mu.Unlock()
		return EventParamsCountExceeded
	}
	if !a.uniqueNames.Has(name) && a.uniqueNames.Count() >= MaxUniqueEventNames {
		a.mu.Unlock()
		return EventUniqueCountExceeded
	}
	if a.eventCount >= MaxEventsPerSession {
		a.mu.Unlock()
		return EventLogCountExceeded
	}
	truncated, collisions := truncateParams(params)
	if len(collisions) > 0 {
		a.mu.Unlock()
		a.logf(LogWarn, "logEvent %q: params %s are identical after truncation", name, strings.Join(collisions, ", "))
		return EventFailed
	}
	a.eventCount++
	sessionID := a.sessionID
	active := sessionID != NoSession && !a.paused
	a.mu.Unlock()

	a.uniqueNames.SetIfAbsent(name, struct{}{})

	now := a.cfg.Now()
	kind := KindEvent
	if timed {
		kind = KindTimedBegin
	}
	if sessionID == NoSession {
		sessionID = ""
	}

	if err := a.enqueue(Record{
		Kind:      kind,
		SessionID: sessionID,
		Name:      name,
		Params:    truncated,
		Timestamp: now.UnixMilli(),
	}); err != nil {
		a.logf(LogError, "logEvent %q: %v", name, err)
		return EventFailed
	}

	if timed {
		a.timedEvents.Set(name, now)
	}
	if !active {
		return EventLoggingDelayed
	}
	return EventRecorded
}

// EndTimedEvent closes a timed event started with LogEvent(name, params, true)
func (a *Agent) EndTimedEvent(name string, params map[string]string) {
	started, ok := a.timedEvents.Pop(name)
	if !ok {
		a.logf(LogWarn, "Timed event %q was never started", name)
		return
	}

	truncated, collisions := truncateParams(params)
	if len(collisions) > 0 {
		a.logf(LogWarn, "endTimedEvent %q: dropped params %s, identical after truncation", name, strings.Join(collisions, ", "))
	}

	now := a.cfg.Now()
	a.mu.Lock()
	sessionID := a.sessionID
	a.mu.Unlock()
	if sessionID == NoSession {
		sessionID = ""
	}

	if err := a.enqueue(Record{
		Kind:       KindTimedEnd,
		SessionID:  sessionID,
		Name:       name,
		Params:     truncated,
		DurationMs: now.Sub(started).Milliseconds(),
		Timestamp:  now.UnixMilli(),
	}); err != nil {
		a.logf(LogError, "endTimedEvent %q: %v", name, err)
	}
}

// OnError records an error reported by the application
func (a *Agent) OnError(message, stackTrace string) {
	a.mu.Lock()
	sessionID := a.sessionID
	a.mu.Unlock()
	if sessionID == NoSession {
		sessionID = ""
	}

	if err := a.enqueue(Record{
		Kind:       KindError,
		SessionID:  sessionID,
		Message:    truncateString(message, MaxErrorMessageLength),
		StackTrace: truncateString(stackTrace, MaxStackTraceLength),
		Timestamp:  a.cfg.Now().UnixMilli(),
	}); err != nil {
		a.logf(LogError, "onError: %v", err)
	}
}

// OpenPrivacyDashboard looks up the privacy dashboard for this API key and
// hands it to the configured Opener. cb is called from a worker goroutine.
func (a *Agent) OpenPrivacyDashboard(ctx context.Context, cb PrivacyCallback) {
	if a.cfg.Endpoint == "" {
		cb("", ErrNoEndpoint)
		return
	}

	if err := a.pool.Submit(func() {
		dashboardURL, err := a.fetchDashboardURL(ctx)
		if err == nil && a.cfg.Opener != nil {
			err = a.cfg.Opener(dashboardURL)
		}
		cb(dashboardURL, err)
	}); err != nil {
		cb("", fmt.Errorf("failed to schedule privacy request: %w", err))
	}
}

func (a *Agent) fetchDashboardURL(ctx context.Context) (string, error) {
	endpoint := strings.TrimRight(a.cfg.Endpoint, "/") + PrivacyDashboardPath + "?apiKey=" + url.QueryEscape(a.cfg.APIKey)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set(APIKeyHeader, a.cfg.APIKey)

	resp, err := a.cfg.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(body))}
	}

	var result struct {
		URL string `json:"url"`
	}
	if err := json.Unmarshal(body, &result); err != nil {
		return "", fmt.Errorf("failed to parse response: %w", err)
	}
	if result.URL == "" {
		return "", fmt.Errorf("privacy dashboard url missing from response")
	}
	return result.URL, nil
}

// Flush uploads every queued record now
func (a *Agent) Flush(ctx context.Context) error {
	return a.uploader.Flush(ctx)
}

// Pending returns the number of records waiting for upload
func (a *Agent) Pending() (int, error) {
	return a.store.Count()
}

// Close ends the current session, flushes what it can and releases the
// agent's resources. Calling Close again is a no-op.
func (a *Agent) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	a.mu.Unlock()

	a.uploader.Stop()
	if err := a.pool.ReleaseTimeout(5 * time.Second); err != nil {
		a.logf(LogWarn, "Worker pool did not drain: %v", err)
	}

	a.mu.Lock()
	var end *Record
	if a.sessionID != NoSession {
		at := a.cfg.Now()
		if a.paused {
			at = a.pausedAt
		}
		r := a.sessionEndLocked(at)
		end = &r
	}
	a.sessionID = NoSession
	a.mu.Unlock()

	if end != nil {
		if err := a.enqueue(*end); err != nil {
			a.logf(LogError, "Failed to record session end: %v", err)
		}
	}

	var flushErr error
	if err := a.uploader.Flush(ctx); err != nil && !errors.Is(err, ErrNoEndpoint) {
		flushErr = fmt.Errorf("final flush failed: %w", err)
	}

	if a.ownsStore {
		if err := a.store.Close(); err != nil && flushErr == nil {
			flushErr = err
		}
	}
	return flushErr
}

func (a *Agent) enqueue(r Record) error {
	if err := a.store.Enqueue(r); err != nil {
		return err
	}
	a.metrics.Pending.Inc()
	return nil
}

// truncateParams shortens keys and values to MaxParamLength. Keys are
// visited in sorted order; a key that shortens to one already taken is
// dropped and reported in collisions.
func truncateParams(params map[string]string) (out map[string]string, collisions []string) {
	if len(params) == 0 {
		return nil, nil
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out = make(map[string]string, len(params))
	for _, k := range keys {
		short := truncateString(k, MaxParamLength)
		if _, taken := out[short]; taken {
			collisions = append(collisions, strconv.Quote(k))
			continue
		}
		out[short] = truncateString(params[k], MaxParamLength)
	}
	return out, collisions
}

// truncateString cuts s to at most n bytes without splitting a UTF-8 sequence
func truncateString(s string, n int) string {
	if len(s) <= n {
		return s
	}
	cut := n
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut]
}
