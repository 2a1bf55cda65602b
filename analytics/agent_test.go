package analytics

import (
	"bytes"
	"context"
	"fmt"
	"log"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeClock is a settable time source
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.UnixMilli(1700000000000)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testAgent struct {
	*Agent
	store *Store
	clock *fakeClock
	reg   *prometheus.Registry
	logs  *syncBuffer
}

// syncBuffer is a bytes.Buffer safe for the agent's worker goroutines
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func newTestAgent(t *testing.T, mutate func(cfg *Config)) *testAgent {
	t.Helper()

	ta := &testAgent{
		store: newTestStore(t),
		clock: newFakeClock(),
		reg:   prometheus.NewRegistry(),
		logs:  &syncBuffer{},
	}
	cfg := Config{
		APIKey:     "test-key",
		LogEnabled: true,
		LogLevel:   LogVerbose,
		Store:      ta.store,
		Registerer: ta.reg,
		Logger:     log.New(ta.logs, "", 0),
		Now:        ta.clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}

	agent, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { agent.Close(context.Background()) })

	ta.Agent = agent
	return ta
}

func (ta *testAgent) startSession(t *testing.T) string {
	t.Helper()
	require.NoError(t, ta.Start())
	require.Eventually(t, func() bool {
		return ta.SessionID() != NoSession
	}, 2*time.Second, 5*time.Millisecond)
	return ta.SessionID()
}

func (ta *testAgent) records(t *testing.T) []Record {
	t.Helper()
	stored, err := ta.store.Peek(10000)
	require.NoError(t, err)
	records := make([]Record, len(stored))
	for i, sr := range stored {
		records[i] = sr.Record
	}
	return records
}

func recordsOfKind(records []Record, kind RecordKind) []Record {
	var out []Record
	for _, r := range records {
		if r.Kind == kind {
			out = append(out, r)
		}
	}
	return out
}

func counterValue(t *testing.T, reg *prometheus.Registry, name, label, value string) float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	var family *dto.MetricFamily
	for _, f := range families {
		if f.GetName() == name {
			family = f
		}
	}
	if family == nil {
		return 0
	}
	for _, m := range family.GetMetric() {
		for _, lp := range m.GetLabel() {
			if lp.GetName() == label && lp.GetValue() == value {
				return m.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func TestNew_RequiresAPIKey(t *testing.T) {
	_, err := New(Config{})
	assert.ErrorIs(t, err, ErrMissingAPIKey)
}

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{MaxRetries: -1}
	cfg.setDefaults()

	assert.Equal(t, 10*time.Second, cfg.ContinueSession)
	assert.Equal(t, 30*time.Second, cfg.FlushInterval)
	assert.Equal(t, 50, cfg.BatchSize)
	assert.Equal(t, 0, cfg.MaxRetries)
	assert.Equal(t, 4, cfg.Workers)
	assert.NotNil(t, cfg.HTTPClient)
	assert.NotNil(t, cfg.Logger)

	cfg = Config{}
	cfg.setDefaults()
	assert.Equal(t, 5, cfg.MaxRetries)
}

func TestAgent_StartSession(t *testing.T) {
	ta := newTestAgent(t, nil)

	assert.Equal(t, NoSession, ta.SessionID())
	assert.Equal(t, ReleaseVersion, ta.ReleaseVersion())

	sessionID := ta.startSession(t)
	assert.Equal(t, strconv.FormatInt(ta.clock.Now().UnixMilli(), 10), sessionID)

	// a second Start is a no-op
	require.NoError(t, ta.Start())
	assert.Equal(t, sessionID, ta.SessionID())

	starts := recordsOfKind(ta.records(t), KindSessionStart)
	require.Len(t, starts, 1)
	assert.Equal(t, sessionID, starts[0].SessionID)
	require.NotNil(t, starts[0].Device)
	assert.NotEmpty(t, starts[0].Device.OS)
}

func TestAgent_LogEvent_Recorded(t *testing.T) {
	ta := newTestAgent(t, nil)
	sessionID := ta.startSession(t)

	status := ta.LogEvent("level_complete", map[string]string{"level": "3"}, false)
	assert.Equal(t, EventRecorded, status)

	events := recordsOfKind(ta.records(t), KindEvent)
	require.Len(t, events, 1)
	assert.Equal(t, "level_complete", events[0].Name)
	assert.Equal(t, sessionID, events[0].SessionID)
	assert.Equal(t, map[string]string{"level": "3"}, events[0].Params)

	assert.Equal(t, float64(1), counterValue(t, ta.reg, "flurry_events_total", "status", "recorded"))
}

func TestAgent_LogEvent_DelayedWithoutSession(t *testing.T) {
	ta := newTestAgent(t, nil)

	assert.Equal(t, EventLoggingDelayed, ta.LogEvent("early", nil, false))

	// still queued, just not attached to a session
	events := recordsOfKind(ta.records(t), KindEvent)
	require.Len(t, events, 1)
	assert.Empty(t, events[0].SessionID)
}

func TestAgent_LogEvent_StatusChecks(t *testing.T) {
	ta := newTestAgent(t, nil)
	ta.startSession(t)

	tooManyParams := make(map[string]string)
	for i := 0; i <= MaxParamsPerEvent; i++ {
		tooManyParams[fmt.Sprintf("p%d", i)] = "v"
	}

	tests := []struct {
		name      string
		eventName string
		params    map[string]string
		expected  EventRecordStatus
	}{
		{"EmptyName_Failed", "", nil, EventFailed},
		{"LongName_Failed", strings.Repeat("x", MaxEventNameLength+1), nil, EventFailed},
		{"MaxLengthName_Recorded", strings.Repeat("x", MaxEventNameLength), nil, EventRecorded},
		{"TooManyParams_Exceeded", "params", tooManyParams, EventParamsCountExceeded},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ta.LogEvent(tt.eventName, tt.params, false))
		})
	}
}

func TestAgent_LogEvent_Disabled(t *testing.T) {
	ta := newTestAgent(t, nil)
	ta.startSession(t)

	ta.SetAnalyticsEnabled(false)
	assert.False(t, ta.IsAnalyticsEnabled())
	// disabled wins over every other check
	assert.Equal(t, EventAnalyticsDisabled, ta.LogEvent("", nil, false))

	ta.SetAnalyticsEnabled(true)
	assert.Equal(t, EventRecorded, ta.LogEvent("back", nil, false))
}

func TestAgent_LogEvent_UniqueCountExceeded(t *testing.T) {
	ta := newTestAgent(t, nil)
	ta.startSession(t)

	for i := 0; i < MaxUniqueEventNames; i++ {
		require.Equal(t, EventRecorded, ta.LogEvent(fmt.Sprintf("event_%d", i), nil, false))
	}

	assert.Equal(t, EventUniqueCountExceeded, ta.LogEvent("one_too_many", nil, false))
	// names already seen keep working
	assert.Equal(t, EventRecorded, ta.LogEvent("event_0", nil, false))
}

func TestAgent_LogEvent_LogCountExceeded(t *testing.T) {
	ta := newTestAgent(t, nil)
	ta.startSession(t)

	for i := 0; i < MaxEventsPerSession; i++ {
		require.Equal(t, EventRecorded, ta.LogEvent("tick", nil, false))
	}
	assert.Equal(t, EventLogCountExceeded, ta.LogEvent("tick", nil, false))
}

func TestAgent_LogEvent_TruncatesParams(t *testing.T) {
	ta := newTestAgent(t, nil)
	ta.startSession(t)

	long := strings.Repeat("v", MaxParamLength+10)
	require.Equal(t, EventRecorded, ta.LogEvent("long", map[string]string{"key": long}, false))

	events := recordsOfKind(ta.records(t), KindEvent)
	require.Len(t, events, 1)
	assert.Len(t, events[0].Params["key"], MaxParamLength)
}

func TestAgent_LogEvent_TruncatesOnRuneBoundary(t *testing.T) {
	ta := newTestAgent(t, nil)
	ta.startSession(t)

	// the two-byte é straddles the limit
	value := strings.Repeat("a", MaxParamLength-1) + "é"
	require.Equal(t, EventRecorded, ta.LogEvent("accented", map[string]string{"city": value}, false))

	events := recordsOfKind(ta.records(t), KindEvent)
	require.Len(t, events, 1)
	got := events[0].Params["city"]
	assert.True(t, utf8.ValidString(got))
	assert.Equal(t, strings.Repeat("a", MaxParamLength-1), got)
}

func TestAgent_LogEvent_TruncatedKeysCollide(t *testing.T) {
	ta := newTestAgent(t, nil)
	ta.startSession(t)

	prefix := strings.Repeat("k", MaxParamLength)
	status := ta.LogEvent("collide", map[string]string{prefix + "1": "a", prefix + "2": "b"}, false)
	assert.Equal(t, EventFailed, status)
	assert.Empty(t, recordsOfKind(ta.records(t), KindEvent))
	assert.Contains(t, ta.logs.String(), "identical after truncation")
}

func TestTruncateParams(t *testing.T) {
	long := strings.Repeat("x", MaxParamLength)

	out, collisions := truncateParams(map[string]string{long + "b": "2", long + "a": "1", "short": "3"})
	assert.Equal(t, map[string]string{long: "1", "short": "3"}, out)
	assert.Equal(t, []string{`"` + long + `b"`}, collisions)

	out, collisions = truncateParams(nil)
	assert.Nil(t, out)
	assert.Empty(t, collisions)
}

func TestAgent_TimedEvent(t *testing.T) {
	ta := newTestAgent(t, nil)
	ta.startSession(t)

	assert.Equal(t, EventRecorded, ta.LogEvent("boss_fight", map[string]string{"boss": "dragon"}, true))
	ta.clock.Advance(1500 * time.Millisecond)
	ta.EndTimedEvent("boss_fight", map[string]string{"result": "won"})

	records := ta.records(t)
	begins := recordsOfKind(records, KindTimedBegin)
	ends := recordsOfKind(records, KindTimedEnd)
	require.Len(t, begins, 1)
	require.Len(t, ends, 1)
	assert.Equal(t, int64(1500), ends[0].DurationMs)
	assert.Equal(t, map[string]string{"result": "won"}, ends[0].Params)

	// ending twice only warns
	ta.EndTimedEvent("boss_fight", nil)
	assert.Len(t, recordsOfKind(ta.records(t), KindTimedEnd), 1)
	assert.Contains(t, ta.logs.String(), `Timed event "boss_fight" was never started`)
}

func TestAgent_OnError(t *testing.T) {
	ta := newTestAgent(t, nil)
	sessionID := ta.startSession(t)

	ta.OnError("attempt to index a nil value", "stack traceback:\n\tmain.lua:3")

	errs := recordsOfKind(ta.records(t), KindError)
	require.Len(t, errs, 1)
	assert.Equal(t, sessionID, errs[0].SessionID)
	assert.Equal(t, "attempt to index a nil value", errs[0].Message)
	assert.Contains(t, errs[0].StackTrace, "main.lua:3")
}

func TestAgent_OnError_CapsLength(t *testing.T) {
	ta := newTestAgent(t, nil)
	ta.startSession(t)

	ta.OnError(strings.Repeat("m", MaxErrorMessageLength*2), strings.Repeat("s", MaxStackTraceLength+1))

	errs := recordsOfKind(ta.records(t), KindError)
	require.Len(t, errs, 1)
	assert.Len(t, errs[0].Message, MaxErrorMessageLength)
	assert.Len(t, errs[0].StackTrace, MaxStackTraceLength)
}

func TestAgent_PauseResume_ContinuesSession(t *testing.T) {
	ta := newTestAgent(t, func(cfg *Config) {
		cfg.ContinueSession = 5 * time.Second
	})
	sessionID := ta.startSession(t)

	ta.PauseSession()
	assert.Equal(t, EventLoggingDelayed, ta.LogEvent("while_paused", nil, false))

	ta.clock.Advance(3 * time.Second)
	ta.ResumeSession()

	assert.Equal(t, sessionID, ta.SessionID())
	assert.Equal(t, EventRecorded, ta.LogEvent("after_resume", nil, false))
	assert.Empty(t, recordsOfKind(ta.records(t), KindSessionEnd))
}

func TestAgent_PauseResume_NewSession(t *testing.T) {
	ta := newTestAgent(t, func(cfg *Config) {
		cfg.ContinueSession = 5 * time.Second
	})
	first := ta.startSession(t)

	ta.clock.Advance(2 * time.Second)
	ta.PauseSession()
	ta.clock.Advance(10 * time.Second)
	ta.ResumeSession()

	require.Eventually(t, func() bool {
		id := ta.SessionID()
		return id != NoSession && id != first
	}, 2*time.Second, 5*time.Millisecond)

	ends := recordsOfKind(ta.records(t), KindSessionEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, first, ends[0].SessionID)
	// the session ended when it was paused
	assert.Equal(t, int64(2000), ends[0].DurationMs)

	assert.Len(t, recordsOfKind(ta.records(t), KindSessionStart), 2)
}

func TestAgent_Close(t *testing.T) {
	ta := newTestAgent(t, nil)
	sessionID := ta.startSession(t)

	ta.clock.Advance(4 * time.Second)
	require.NoError(t, ta.Close(context.Background()))
	require.NoError(t, ta.Close(context.Background()))

	assert.Equal(t, NoSession, ta.SessionID())
	ends := recordsOfKind(ta.records(t), KindSessionEnd)
	require.Len(t, ends, 1)
	assert.Equal(t, sessionID, ends[0].SessionID)
	assert.Equal(t, int64(4000), ends[0].DurationMs)

	assert.Equal(t, EventFailed, ta.LogEvent("after_close", nil, false))
	assert.ErrorIs(t, ta.Start(), ErrAgentClosed)
}

func TestAgent_CloseFlushes(t *testing.T) {
	var mu sync.Mutex
	received := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received++
		mu.Unlock()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer server.Close()

	ta := newTestAgent(t, func(cfg *Config) {
		cfg.Endpoint = server.URL
		cfg.FlushInterval = time.Hour
	})
	ta.startSession(t)
	ta.LogEvent("before_close", nil, false)

	require.NoError(t, ta.Close(context.Background()))

	pending, err := ta.Pending()
	require.NoError(t, err)
	assert.Equal(t, 0, pending)

	mu.Lock()
	assert.Equal(t, 1, received)
	mu.Unlock()
}

func TestAgent_OpenPrivacyDashboard(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != PrivacyDashboardPath || r.URL.Query().Get("apiKey") != "test-key" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"url":"%s/privacy/test-key"}`, "http://"+r.Host)
	}))
	defer server.Close()

	var opened string
	ta := newTestAgent(t, func(cfg *Config) {
		cfg.Endpoint = server.URL
		cfg.Opener = func(dashboardURL string) error {
			opened = dashboardURL
			return nil
		}
	})

	type result struct {
		url string
		err error
	}
	done := make(chan result, 1)
	ta.OpenPrivacyDashboard(context.Background(), func(dashboardURL string, err error) {
		done <- result{dashboardURL, err}
	})

	select {
	case res := <-done:
		require.NoError(t, res.err)
		assert.Equal(t, server.URL+"/privacy/test-key", res.url)
		assert.Equal(t, res.url, opened)
	case <-time.After(2 * time.Second):
		t.Fatal("privacy callback was not called")
	}
}

func TestAgent_OpenPrivacyDashboard_Failures(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unknown key", http.StatusNotFound)
	}))
	defer server.Close()

	t.Run("NoEndpoint", func(t *testing.T) {
		ta := newTestAgent(t, nil)
		var gotErr error
		ta.OpenPrivacyDashboard(context.Background(), func(_ string, err error) {
			gotErr = err
		})
		assert.ErrorIs(t, gotErr, ErrNoEndpoint)
	})

	t.Run("NotFound", func(t *testing.T) {
		ta := newTestAgent(t, func(cfg *Config) {
			cfg.Endpoint = server.URL
		})
		done := make(chan error, 1)
		ta.OpenPrivacyDashboard(context.Background(), func(_ string, err error) {
			done <- err
		})

		select {
		case err := <-done:
			var statusErr *StatusError
			require.ErrorAs(t, err, &statusErr)
			assert.Equal(t, http.StatusNotFound, statusErr.StatusCode)
		case <-time.After(2 * time.Second):
			t.Fatal("privacy callback was not called")
		}
	})
}

func TestAgent_LogLevelFilters(t *testing.T) {
	ta := newTestAgent(t, func(cfg *Config) {
		cfg.LogLevel = LogWarn
	})
	ta.startSession(t)
	ta.LogEvent("quiet", nil, false)
	ta.EndTimedEvent("never_started", nil)

	logs := ta.logs.String()
	assert.NotContains(t, logs, "Session started")
	assert.Contains(t, logs, "[analytics] WARN:")
}

func TestNewMetrics_ReusesRegistered(t *testing.T) {
	reg := prometheus.NewRegistry()
	first := NewMetrics(reg)
	second := NewMetrics(reg)

	first.Events.WithLabelValues("recorded").Inc()
	second.Events.WithLabelValues("recorded").Inc()

	assert.Equal(t, float64(2), counterValue(t, reg, "flurry_events_total", "status", "recorded"))
}
