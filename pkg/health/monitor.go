// Package health probes the backing service's status endpoint and tracks
// whether it is reachable. Failures slow the probe rate by doubling a retry
// delay up to a cap; a success returns the monitor to its steady interval.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/opendiagram/collab.go/pkg/constants"
	"github.com/opendiagram/collab.go/pkg/logger"
)

// Status is the monitor's view of the backing service.
type Status string

const (
	StatusUnknown       Status = "unknown"
	StatusConnected     Status = "connected"
	StatusError         Status = "error"
	StatusNotConfigured Status = "not_configured"
)

// statusPayload is the body of the service's status endpoint. Anything other
// than code "OK" counts as a failed probe.
type statusPayload struct {
	Status struct {
		Code string `json:"code"`
	} `json:"status"`
}

// MonitorParams configures a Monitor. Zero intervals fall back to the
// package defaults in constants.
type MonitorParams struct {
	// Endpoint is the service base URL. Empty or placeholder endpoints mark
	// the monitor permanently not configured; it then performs no probing.
	Endpoint string

	Interval  time.Duration
	BaseDelay time.Duration
	MaxDelay  time.Duration

	HTTPClient *http.Client
	Logger     logger.Logger

	// OnStatusChange, when set, is invoked on every status transition. It is
	// called from the probe goroutine; implementations must not block.
	OnStatusChange func(Status, error)
}

// Monitor is a single continuously rescheduled probe, not a fixed-interval
// timer: each probe schedules the next one itself, so failures stretch the
// cadence and successes restore it.
type Monitor struct {
	endpoint  string
	interval  time.Duration
	baseDelay time.Duration
	maxDelay  time.Duration

	httpClient *http.Client
	logger     logger.Logger
	onChange   func(Status, error)

	mu         sync.Mutex
	status     Status
	lastErr    error
	retryDelay time.Duration

	startOnce sync.Once
	stopOnce  sync.Once
	stopCh    chan struct{}
}

func NewMonitor(p MonitorParams) *Monitor {
	if p.Interval <= 0 {
		p.Interval = constants.HealthCheckInterval
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = constants.HealthRetryBaseDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = constants.HealthRetryMaxDelay
	}
	if p.HTTPClient == nil {
		p.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}
	if p.Logger == nil {
		p.Logger = logger.Nop{}
	}

	return &Monitor{
		endpoint:   p.Endpoint,
		interval:   p.Interval,
		baseDelay:  p.BaseDelay,
		maxDelay:   p.MaxDelay,
		httpClient: p.HTTPClient,
		logger:     p.Logger,
		onChange:   p.OnStatusChange,
		status:     StatusUnknown,
		retryDelay: p.BaseDelay,
		stopCh:     make(chan struct{}),
	}
}

// notConfigured reports whether the endpoint is empty or still the
// placeholder value shipped in default configuration.
func notConfigured(endpoint string) bool {
	return endpoint == "" || strings.Contains(endpoint, "example.com")
}

// Start begins probing: once immediately, then rescheduled after each
// result. If the service is not configured it reports StatusNotConfigured
// and never probes. Calling Start more than once is a no-op.
func (m *Monitor) Start() {
	m.startOnce.Do(func() {
		if notConfigured(m.endpoint) {
			m.setStatus(StatusNotConfigured, nil)
			return
		}
		go m.probeLoop()
	})
}

// Stop halts probing. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)
	})
}

// Status returns the current status and the error from the last failed
// probe, if the status is StatusError.
func (m *Monitor) Status() (Status, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.lastErr
}

// RetryDelay returns the delay the next probe will use after a failure.
func (m *Monitor) RetryDelay() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.retryDelay
}

func (m *Monitor) probeLoop() {
	for {
		delay := m.probeOnce()

		select {
		case <-m.stopCh:
			return
		case <-time.After(delay):
		}
	}
}

// probeOnce runs one probe and returns the delay until the next. A probe
// that errors is treated as complete, never hung, so the loop always
// progresses.
func (m *Monitor) probeOnce() time.Duration {
	if err := m.probe(); err != nil {
		m.setStatus(StatusError, err)

		m.mu.Lock()
		m.retryDelay = m.retryDelay * 2
		if m.retryDelay > m.maxDelay {
			m.retryDelay = m.maxDelay
		}
		delay := m.retryDelay
		m.mu.Unlock()

		m.logger.Debug("health: probe failed, backing off", "error", err, "next_delay", delay)
		return delay
	}

	m.setStatus(StatusConnected, nil)

	m.mu.Lock()
	m.retryDelay = m.baseDelay
	m.mu.Unlock()

	return m.interval
}

func (m *Monitor) probe() error {
	timeout := m.httpClient.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.endpoint, nil)
	if err != nil {
		return fmt.Errorf("health: error building probe request: %w", err)
	}

	res, err := m.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health: probe request failed: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("health: probe returned HTTP %d", res.StatusCode)
	}

	var payload statusPayload
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return fmt.Errorf("health: error decoding status payload: %w", err)
	}
	if payload.Status.Code != "OK" {
		return fmt.Errorf("health: service reported status %q", payload.Status.Code)
	}

	return nil
}

func (m *Monitor) setStatus(s Status, err error) {
	m.mu.Lock()
	changed := m.status != s
	m.status = s
	m.lastErr = err
	m.mu.Unlock()

	if changed && m.onChange != nil {
		m.onChange(s, err)
	}
}
