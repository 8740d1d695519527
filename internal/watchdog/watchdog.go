package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"edge-node-agent/internal/observability/metrics"
)

// Prober performs one health check against a service's health URL. The
// default implementation is a plain GET expecting a 2xx response, matching
// the aggregator's own /health contract.
type Prober interface {
	Probe(ctx context.Context, healthURL string) error
}

type httpProber struct {
	client *http.Client
}

func (p *httpProber) Probe(ctx context.Context, healthURL string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, healthURL, nil)
	if err != nil {
		return err
	}
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("service returned status %d", resp.StatusCode)
	}
	return nil
}

// RestartHook restarts the named service. It is process-manager dependent
// and deliberately left outside this module; NoopRestartHook is the default
// used when nothing is wired.
type RestartHook func(service string) error

// NoopRestartHook reports that no restart mechanism is configured, the same
// default-stub shape ingest.NoopController uses for an unwired collaborator.
func NoopRestartHook(service string) error {
	return fmt.Errorf("no restart hook configured for service %q", service)
}

// ComponentStatus is one service's entry in the aggregated health view,
// exported since the watchdog is consumed by a separate service's HTTP
// handler rather than owning one itself.
type ComponentStatus struct {
	Component string `json:"component"`
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
}

type serviceState struct {
	streak   int
	critical bool
	lastErr  string
}

// tick abstracts time.Ticker so tests can drive probe rounds without real
// sleeps, the same shape as internal/sync.syncTicker.
type tick interface {
	C() <-chan time.Time
	Stop()
}

type timeTick struct{ ticker *time.Ticker }

func (t timeTick) C() <-chan time.Time { return t.ticker.C }
func (t timeTick) Stop()               { t.ticker.Stop() }

type tickerFactory func(time.Duration) tick

func defaultTickerFactory(d time.Duration) tick {
	return timeTick{ticker: time.NewTicker(d)}
}

// Watchdog periodically probes every configured service's health endpoint
// and invokes RestartHook once a service accumulates cfg.FailureThreshold
// consecutive failures. A single subsequent successful probe resets the
// streak to zero.
type Watchdog struct {
	cfg      Config
	prober   Prober
	hook     RestartHook
	logger   *slog.Logger
	recorder *metrics.Recorder

	newTicker tickerFactory

	mu     sync.Mutex
	states map[string]*serviceState

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New constructs a Watchdog. prober may be nil to use a plain HTTP GET
// prober; hook may be nil to use NoopRestartHook; recorder may be nil to
// use the package-default Recorder.
func New(cfg Config, prober Prober, hook RestartHook, logger *slog.Logger, recorder *metrics.Recorder) *Watchdog {
	cfg = cfg.withDefaults()
	if prober == nil {
		prober = &httpProber{client: &http.Client{Timeout: cfg.ProbeTimeout}}
	}
	if hook == nil {
		hook = NoopRestartHook
	}
	if logger == nil {
		logger = slog.Default()
	}
	if recorder == nil {
		recorder = metrics.Default()
	}

	states := make(map[string]*serviceState, len(cfg.Services))
	for _, svc := range cfg.Services {
		states[svc.Name] = &serviceState{}
	}

	return &Watchdog{
		cfg:       cfg,
		prober:    prober,
		hook:      hook,
		logger:    logger,
		recorder:  recorder,
		newTicker: defaultTickerFactory,
		states:    states,
	}
}

// Start launches the probe loop in a goroutine and returns immediately.
func (w *Watchdog) Start(ctx context.Context) {
	w.startWithTicker(ctx, w.newTicker)
}

func (w *Watchdog) startWithTicker(ctx context.Context, newTicker tickerFactory) {
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	ticker := newTicker(w.cfg.CheckInterval)
	go func() {
		defer func() {
			ticker.Stop()
			close(w.done)
		}()
		for {
			select {
			case <-workerCtx.Done():
				return
			case <-ticker.C():
				w.probeAll(workerCtx)
			}
		}
	}()
}

// Stop cancels the probe loop and waits for it to exit. Idempotent.
func (w *Watchdog) Stop() {
	w.once.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		if w.done != nil {
			<-w.done
		}
	})
}

func (w *Watchdog) probeAll(ctx context.Context) {
	var wg sync.WaitGroup
	for _, svc := range w.cfg.Services {
		svc := svc
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.probeOne(ctx, svc)
		}()
	}
	wg.Wait()
}

func (w *Watchdog) probeOne(ctx context.Context, svc ServiceConfig) {
	probeCtx, cancel := context.WithTimeout(ctx, w.cfg.ProbeTimeout)
	defer cancel()

	err := w.prober.Probe(probeCtx, svc.HealthURL)

	w.mu.Lock()
	state := w.states[svc.Name]
	if state == nil {
		state = &serviceState{}
		w.states[svc.Name] = state
	}
	if err == nil {
		wasCritical := state.critical
		state.streak = 0
		state.critical = false
		state.lastErr = ""
		criticalCount := w.criticalCountLocked()
		w.mu.Unlock()

		w.recorder.ObserveWatchdogCheck(svc.Name, "ok")
		if wasCritical {
			w.logger.Info("service recovered", "service", svc.Name)
			w.recorder.SetWatchdogCritical(criticalCount)
		}
		return
	}

	state.streak++
	state.lastErr = err.Error()
	becameCritical := state.streak >= w.cfg.FailureThreshold && !state.critical
	if becameCritical {
		state.critical = true
	}
	streak := state.streak
	criticalCount := w.criticalCountLocked()
	w.mu.Unlock()

	w.recorder.ObserveWatchdogCheck(svc.Name, "failed")
	w.logger.Warn("service health probe failed", "service", svc.Name, "streak", streak, "error", err)

	if becameCritical {
		w.recorder.SetWatchdogCritical(criticalCount)
		w.logger.Error("service marked CRITICAL, invoking restart hook", "service", svc.Name, "streak", streak)
		if hookErr := w.hook(svc.Name); hookErr != nil {
			w.logger.Error("restart hook failed", "service", svc.Name, "error", hookErr)
		}
	}
}

// criticalCountLocked returns the number of services currently marked
// CRITICAL. Callers must hold w.mu.
func (w *Watchdog) criticalCountLocked() int64 {
	var count int64
	for _, state := range w.states {
		if state.critical {
			count++
		}
	}
	return count
}

// Status reports every configured service's current health: per-component
// statuses plus an overall status and the HTTP status code to answer
// /health with.
func (w *Watchdog) Status() ([]ComponentStatus, string, int) {
	w.mu.Lock()
	defer w.mu.Unlock()

	overall := "ok"
	code := http.StatusOK
	out := make([]ComponentStatus, 0, len(w.cfg.Services))
	for _, svc := range w.cfg.Services {
		state := w.states[svc.Name]
		status := "ok"
		errMsg := ""
		if state != nil && state.critical {
			status = "critical"
			errMsg = state.lastErr
			overall = "degraded"
			code = http.StatusServiceUnavailable
		}
		out = append(out, ComponentStatus{Component: svc.Name, Status: status, Error: errMsg})
	}
	return out, overall, code
}

// Handler exposes the aggregated health view as its own /health endpoint.
func (w *Watchdog) Handler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			rw.Header().Set("Allow", http.MethodGet)
			http.Error(rw, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		components, status, code := w.Status()
		writeHealthJSON(rw, code, status, components)
	})
}
