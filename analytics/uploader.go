package analytics

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/valyala/bytebufferpool"
)

const (
	// RecordsPath is where batches are posted, relative to the endpoint
	RecordsPath = "/v1/records"
	// APIKeyHeader carries the API key on every request
	APIKeyHeader = "X-Flurry-Api-Key"

	maxErrorBodySize = 4 * 1024
)

var ErrNoEndpoint = errors.New("no analytics endpoint configured")

// StatusError is returned when the endpoint answers with a non-2xx status
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("upload rejected (status %d): %s", e.StatusCode, e.Body)
}

// Permanent reports whether retrying cannot help
func (e *StatusError) Permanent() bool {
	return e.StatusCode >= 400 && e.StatusCode < 500 && e.StatusCode != http.StatusTooManyRequests
}

type uploadBatch struct {
	APIKey  string   `json:"apiKey"`
	Records []Record `json:"records"`
}

// Uploader moves records from a Store to the analytics endpoint
type Uploader struct {
	endpoint      string
	apiKey        string
	store         *Store
	client        *http.Client
	batchSize     int
	maxRetries    uint64
	retryInterval time.Duration
	interval      time.Duration
	metrics       *Metrics
	logf          func(level LogLevel, format string, args ...interface{})

	flushMu  sync.Mutex
	stopCh   chan struct{}
	doneCh   chan struct{}
	startMu  sync.Mutex
	started  bool
	stopOnce sync.Once
}

func newUploader(cfg Config, store *Store, metrics *Metrics, logf func(LogLevel, string, ...interface{})) *Uploader {
	return &Uploader{
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		apiKey:        cfg.APIKey,
		store:         store,
		client:        cfg.HTTPClient,
		batchSize:     cfg.BatchSize,
		maxRetries:    uint64(cfg.MaxRetries),
		retryInterval: cfg.RetryInterval,
		interval:      cfg.FlushInterval,
		metrics:       metrics,
		logf:          logf,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}
}

// Start begins periodic flushing
func (u *Uploader) Start() {
	u.startMu.Lock()
	defer u.startMu.Unlock()

	if u.started {
		return
	}
	u.started = true
	go u.run()
}

func (u *Uploader) run() {
	defer close(u.doneCh)

	ticker := time.NewTicker(u.interval)
	defer ticker.Stop()

	for {
		select {
		case <-u.stopCh:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), u.interval)
			if err := u.Flush(ctx); err != nil && !errors.Is(err, ErrNoEndpoint) {
				u.logf(LogWarn, "Flush failed: %v", err)
			}
			cancel()
		}
	}
}

// Stop ends periodic flushing and waits for an in-flight flush
func (u *Uploader) Stop() {
	u.stopOnce.Do(func() {
		close(u.stopCh)
	})

	u.startMu.Lock()
	started := u.started
	u.startMu.Unlock()
	if started {
		<-u.doneCh
	}
}

// Flush uploads queued records batch by batch until the queue is empty or
// a batch fails. Records are removed only once the endpoint accepts them.
func (u *Uploader) Flush(ctx context.Context) error {
	if u.endpoint == "" {
		return ErrNoEndpoint
	}

	u.flushMu.Lock()
	defer u.flushMu.Unlock()
	defer u.updatePending()

	for {
		batch, err := u.store.Peek(u.batchSize)
		if err != nil {
			return err
		}
		if len(batch) == 0 {
			return nil
		}

		records := make([]Record, len(batch))
		ids := make([]int64, len(batch))
		for i, sr := range batch {
			records[i] = sr.Record
			ids[i] = sr.ID
		}

		if err := u.send(ctx, records); err != nil {
			var statusErr *StatusError
			if !errors.As(err, &statusErr) || !statusErr.Permanent() {
				u.metrics.Uploads.WithLabelValues("failed").Inc()
				return err
			}
			// the endpoint will never take this batch
			u.metrics.Uploads.WithLabelValues("dropped").Inc()
			u.logf(LogError, "Dropping %d records: %v", len(records), err)
		} else {
			u.metrics.Uploads.WithLabelValues("ok").Inc()
			u.logf(LogDebug, "Uploaded %d records", len(records))
		}

		if err := u.store.Delete(ids); err != nil {
			return err
		}
	}
}

func (u *Uploader) send(ctx context.Context, records []Record) error {
	buf := bytebufferpool.Get()
	defer bytebufferpool.Put(buf)

	if err := json.NewEncoder(buf).Encode(uploadBatch{APIKey: u.apiKey, Records: records}); err != nil {
		return fmt.Errorf("failed to marshal batch: %w", err)
	}
	body := buf.Bytes()

	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint+RecordsPath, bytes.NewReader(body))
		if err != nil {
			return backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(APIKeyHeader, u.apiKey)

		resp, err := u.client.Do(req)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		defer resp.Body.Close()

		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil
		}

		statusErr := &StatusError{StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(respBody))}
		if statusErr.Permanent() {
			return backoff.Permanent(statusErr)
		}
		return statusErr
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = u.retryInterval
	b.MaxInterval = 30 * time.Second

	return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, u.maxRetries), ctx))
}

func (u *Uploader) updatePending() {
	count, err := u.store.Count()
	if err != nil {
		log.Printf("Failed to count pending records: %v", err)
		return
	}
	u.metrics.Pending.Set(float64(count))
}
