package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"example.com/hearth/services/arbiter/config"
	"example.com/hearth/services/arbiter/internal/metrics"
	"example.com/hearth/services/arbiter/internal/models"
)

// Prober checks one backend service. Pollable by contract so a future
// push-based implementation can replace the HTTP poller without touching
// the monitor or the degradation handlers.
type Prober interface {
	Probe(ctx context.Context, service config.MonitoredService) error
}

// Publisher broadcasts health snapshots to devices
type Publisher interface {
	PublishHealth(snapshot models.HealthSnapshot) error
}

// httpProber probes a service's health endpoint over HTTP
type httpProber struct {
	client *http.Client
}

// NewHTTPProber creates the default prober
func NewHTTPProber(timeout time.Duration) Prober {
	return &httpProber{client: &http.Client{Timeout: timeout}}
}

func (p *httpProber) Probe(ctx context.Context, service config.MonitoredService) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, service.URL, nil)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return errors.Errorf("%s returned status %d", service.Name, resp.StatusCode)
	}
	return nil
}

// Monitor polls the configured backend services on a fixed interval and
// publishes an immutable health snapshot whenever the picture changes. It is
// the sole writer of service statuses; everyone else reads snapshots, so the
// request path never blocks on a probe.
type Monitor struct {
	services  []config.MonitoredService
	prober    Prober
	publisher Publisher
	metrics   *metrics.Metrics
	interval  time.Duration
	threshold int

	// runMu serializes probe cycles; failures and statuses are touched only
	// under it
	runMu    sync.Mutex
	failures map[string]int
	statuses map[string]models.ServiceStatus

	mu       sync.RWMutex
	snapshot models.HealthSnapshot
}

// NewMonitor creates a health monitor. The publisher may be nil; devices then
// rely on heartbeat responses for level information.
func NewMonitor(cfg config.HealthConfig, prober Prober, publisher Publisher, metricsCollector *metrics.Metrics) *Monitor {
	statuses := make(map[string]models.ServiceStatus, len(cfg.Services))
	for _, svc := range cfg.Services {
		// Assume healthy until proven otherwise, a single missed probe must
		// not flip the level
		statuses[svc.Name] = models.ServiceStatus{
			Name:      svc.Name,
			Healthy:   true,
			Critical:  svc.Critical,
			LastCheck: time.Now().UTC(),
		}
	}

	m := &Monitor{
		services:  cfg.Services,
		prober:    prober,
		publisher: publisher,
		metrics:   metricsCollector,
		interval:  cfg.ProbeInterval,
		threshold: cfg.FailureThreshold,
		failures:  make(map[string]int),
		statuses:  statuses,
	}
	m.snapshot = m.buildSnapshot()
	return m
}

// Snapshot returns the most recently published health picture
func (m *Monitor) Snapshot() models.HealthSnapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.snapshot
}

// Level returns the current degradation level
func (m *Monitor) Level() models.DegradationLevel {
	return m.Snapshot().Level
}

// RunCycle executes one probe cycle and returns the resulting snapshot.
// Cycles never overlap: a cycle that outlasts the probe interval delays the
// next one rather than racing it.
func (m *Monitor) RunCycle(ctx context.Context) models.HealthSnapshot {
	m.runMu.Lock()
	defer m.runMu.Unlock()

	now := time.Now().UTC()

	for _, svc := range m.services {
		err := m.prober.Probe(ctx, svc)

		status := m.statuses[svc.Name]
		status.LastCheck = now
		status.Critical = svc.Critical

		if err != nil {
			m.failures[svc.Name]++
			status.Error = err.Error()
			// A service is only marked unhealthy after consecutive failures
			// reach the threshold; a single missed probe is noise
			if m.failures[svc.Name] >= m.threshold {
				status.Healthy = false
			}
			log.Debug().
				Str("service", svc.Name).
				Int("consecutive_failures", m.failures[svc.Name]).
				Err(err).
				Msg("Health probe failed")
		} else {
			m.failures[svc.Name] = 0
			status.Healthy = true
			status.Error = ""
		}

		m.statuses[svc.Name] = status
		if m.metrics != nil {
			m.metrics.SetHealth(svc.Name, status.Healthy)
		}
	}

	next := m.buildSnapshot()

	m.mu.Lock()
	previous := m.snapshot
	m.snapshot = next
	m.mu.Unlock()

	if changed(previous, next) {
		if previous.Level != next.Level {
			log.Info().
				Str("from", string(previous.Level)).
				Str("to", string(next.Level)).
				Msg("Degradation level changed")
		}
		if m.publisher != nil {
			if err := m.publisher.PublishHealth(next); err != nil {
				log.Warn().Err(err).Msg("Failed to broadcast health snapshot")
			}
		}
	}

	return next
}

// Start runs the probe loop until the context is cancelled
func (m *Monitor) Start(ctx context.Context) error {
	// Probe immediately so the first snapshot is real, not assumed
	m.RunCycle(ctx)

	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return err
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(m.interval),
		gocron.NewTask(func() {
			m.RunCycle(ctx)
		}),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return err
	}

	scheduler.Start()

	<-ctx.Done()

	return scheduler.Shutdown()
}

func (m *Monitor) buildSnapshot() models.HealthSnapshot {
	services := make(map[string]bool, len(m.statuses))
	for name, status := range m.statuses {
		services[name] = status.Healthy
	}

	return models.HealthSnapshot{
		Level:     ComputeLevel(m.statuses),
		Services:  services,
		Timestamp: time.Now().UTC(),
	}
}

func changed(previous, next models.HealthSnapshot) bool {
	if previous.Level != next.Level || len(previous.Services) != len(next.Services) {
		return true
	}
	for name, healthy := range next.Services {
		if previous.Services[name] != healthy {
			return true
		}
	}
	return false
}
