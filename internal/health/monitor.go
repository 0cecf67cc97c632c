// Package health watches the credential pool: it raises alarms when
// availability degrades, sweeps rate-limited and errored credentials back
// into rotation, and exports pool composition as metrics.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/blueberrycongee/keymux/internal/notify"
	"github.com/blueberrycongee/keymux/internal/pool"
	"github.com/blueberrycongee/keymux/pkg/credential"
)

const (
	// Below this running ratio the pool is considered degraded.
	lowPercentThreshold = 0.5

	defaultCheckInterval   = time.Minute
	defaultRecoverInterval = 10 * time.Minute
)

// Refresher re-establishes a credential session, used to recover ERROR
// credentials that need more than a status flip.
type Refresher interface {
	Refresh(ctx context.Context, cred *credential.Credential) error
}

// Monitor runs the periodic availability check and recovery sweep.
type Monitor struct {
	pool     *pool.Pool
	notifier notify.Notifier
	logger   *slog.Logger

	// apiMode means credentials authenticate with API keys only; ERROR
	// recovery is then a plain status flip with no session refresh.
	apiMode   bool
	refresher Refresher

	checkInterval   time.Duration
	recoverInterval time.Duration

	statusGauge *prometheus.GaugeVec
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithLogger sets the monitor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithAPIMode toggles API-key-only operation.
func WithAPIMode(enabled bool) Option {
	return func(m *Monitor) { m.apiMode = enabled }
}

// WithRefresher installs the session refresher used outside API mode.
func WithRefresher(r Refresher) Option {
	return func(m *Monitor) { m.refresher = r }
}

// WithCheckInterval overrides the availability-check period.
func WithCheckInterval(d time.Duration) Option {
	return func(m *Monitor) { m.checkInterval = d }
}

// WithRecoverInterval overrides the recovery-sweep period.
func WithRecoverInterval(d time.Duration) Option {
	return func(m *Monitor) { m.recoverInterval = d }
}

// WithRegisterer overrides the metrics registry (tests).
func WithRegisterer(reg prometheus.Registerer) Option {
	return func(m *Monitor) {
		m.statusGauge = newStatusGauge(reg)
	}
}

func newStatusGauge(reg prometheus.Registerer) *prometheus.GaugeVec {
	return promauto.With(reg).NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "keymux",
		Name:      "credential_status_total",
		Help:      "Number of credentials per status.",
	}, []string{"status"})
}

// New creates a Monitor and hooks it into the pool's availability callback.
func New(credPool *pool.Pool, notifier notify.Notifier, opts ...Option) *Monitor {
	m := &Monitor{
		pool:            credPool,
		notifier:        notifier,
		logger:          slog.Default(),
		apiMode:         true,
		checkInterval:   defaultCheckInterval,
		recoverInterval: defaultRecoverInterval,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.statusGauge == nil {
		m.statusGauge = newStatusGauge(prometheus.DefaultRegisterer)
	}

	credPool.SetAvailabilityHook(func() {
		if err := m.CheckAvailability(context.Background()); err != nil {
			m.logger.Error("availability check failed", "error", err)
		}
	})
	return m
}

// Run drives the periodic loops until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	check := time.NewTicker(m.checkInterval)
	sweep := time.NewTicker(m.recoverInterval)
	defer check.Stop()
	defer sweep.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-check.C:
			if err := m.CheckAvailability(ctx); err != nil {
				m.logger.Error("availability check failed", "error", err)
			}
		case <-sweep.C:
			m.RecoverCredentials(ctx)
		}
	}
}

// CheckAvailability inspects pool composition and raises or clears alarms.
// Zero running credentials is critical; a running ratio below the threshold
// is a warning.
func (m *Monitor) CheckAvailability(ctx context.Context) error {
	all, err := m.pool.ListAll(ctx)
	if err != nil {
		return err
	}

	counts := map[credential.Status]int{}
	for _, cred := range all {
		counts[cred.Status]++
	}
	m.updateGauge(counts)

	total := len(all)
	running := counts[credential.StatusRunning]
	if total == 0 {
		return nil
	}

	if running == 0 {
		body := fmt.Sprintf("running: 0 / %d", total)
		return m.notifier.SendAlarm(ctx, "credential pool exhausted", body,
			string(notify.AlarmPoolAllDown), notify.ColorRed, notify.AlarmPoolAllDown)
	}

	ratio := float64(running) / float64(total)
	if ratio < lowPercentThreshold {
		body := fmt.Sprintf("running: %d / %d (%.0f%%)", running, total, ratio*100)
		return m.notifier.SendAlarm(ctx, "credential pool degraded", body,
			string(notify.AlarmPoolLowPercent), notify.ColorYellow, notify.AlarmPoolLowPercent)
	}

	body := fmt.Sprintf("running: %d / %d", running, total)
	if err := m.notifier.ClearAlarm(ctx, "credential pool recovered", body,
		string(notify.AlarmPoolAllDown), notify.AlarmPoolAllDown); err != nil {
		return err
	}
	return m.notifier.ClearAlarm(ctx, "credential pool recovered", body,
		string(notify.AlarmPoolLowPercent), notify.AlarmPoolLowPercent)
}

// RecoverCredentials moves sidelined credentials back toward RUNNING.
// FREQUENT always recovers: rate-limit windows expire upstream on their
// own. ERROR recovers directly in API mode; otherwise the refresher must
// succeed first.
func (m *Monitor) RecoverCredentials(ctx context.Context) {
	all, err := m.pool.ListAll(ctx)
	if err != nil {
		m.logger.Error("recovery sweep failed to list credentials", "error", err)
		return
	}

	for _, cred := range all {
		switch cred.Status {
		case credential.StatusFrequent:
			m.recover(ctx, cred)

		case credential.StatusError:
			if m.apiMode {
				m.recover(ctx, cred)
				continue
			}
			if m.refresher == nil {
				continue
			}
			if err := m.refresher.Refresh(ctx, cred); err != nil {
				m.logger.Warn("credential refresh failed", "id", cred.ID, "error", err)
				continue
			}
			m.recover(ctx, cred)
		}
	}
}

func (m *Monitor) recover(ctx context.Context, cred *credential.Credential) {
	if err := m.pool.UpdateStatus(ctx, cred.ID, credential.StatusRunning, ""); err != nil {
		m.logger.Error("credential recovery failed", "id", cred.ID, "error", err)
		return
	}
	m.logger.Info("credential recovered", "id", cred.ID, "from", cred.Status.String())
}

func (m *Monitor) updateGauge(counts map[credential.Status]int) {
	for _, status := range []credential.Status{
		credential.StatusDown, credential.StatusInitializing, credential.StatusRunning,
		credential.StatusError, credential.StatusFrequent, credential.StatusBanned,
		credential.StatusNoCredits,
	} {
		m.statusGauge.WithLabelValues(status.String()).Set(float64(counts[status]))
	}
}
