package sync

import (
	"context"
	"crypto/ed25519"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// syncTicker abstracts time.Ticker so tests can drive polling without real
// sleeps, the same injectable-ticker shape used elsewhere for periodic work.
type syncTicker interface {
	C() <-chan time.Time
	Stop()
}

type timeTicker struct{ ticker *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.ticker.C }
func (t timeTicker) Stop()               { t.ticker.Stop() }

type tickerFactory func(time.Duration) syncTicker

func defaultTickerFactory(d time.Duration) syncTicker {
	return timeTicker{ticker: time.NewTicker(d)}
}

// Worker periodically polls for new model packages and knowledge-base
// deltas and installs them.
type Worker struct {
	in        *installer
	interval  time.Duration
	newTicker tickerFactory
	logger    *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// New constructs a sync Worker. deviceID is attached to recorded service
// versions.
func New(store Repository, deviceID string, cfg Config, logger *slog.Logger) (*Worker, error) {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = slog.Default()
	}

	client, err := newAPIClient(cfg.ClientConfig)
	if err != nil {
		return nil, err
	}

	var pubKey ed25519.PublicKey
	if cfg.PublicKeyPath != "" {
		pubKey, err = loadPublicKey(cfg.PublicKeyPath)
		if err != nil {
			return nil, fmt.Errorf("load sync public key: %w", err)
		}
	}

	return &Worker{
		in: &installer{
			client:   client,
			store:    store,
			cfg:      cfg,
			pubKey:   pubKey,
			deviceID: deviceID,
			logger:   logger,
		},
		interval:  cfg.PollInterval,
		newTicker: defaultTickerFactory,
		logger:    logger,
	}, nil
}

// Start launches the poll loop in a goroutine and returns immediately.
func (w *Worker) Start(ctx context.Context) {
	w.startWithTicker(ctx, w.newTicker)
}

func (w *Worker) startWithTicker(ctx context.Context, newTicker tickerFactory) {
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	w.done = make(chan struct{})

	ticker := newTicker(w.interval)
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
				w.runOnce(workerCtx)
			}
		}
	}()
}

// Stop cancels the poll loop and waits for it to exit. Idempotent.
func (w *Worker) Stop() {
	w.once.Do(func() {
		if w.cancel != nil {
			w.cancel()
		}
		if w.done != nil {
			<-w.done
		}
	})
}

// runOnce performs one full sync pass: packages then KB manifest, each
// package installed independently so one bad package doesn't block others.
func (w *Worker) runOnce(ctx context.Context) {
	current, err := w.currentPackageVersion(ctx)
	if err != nil {
		w.logger.Error("failed to read current package version", "error", err)
		current = "0.0.0"
	}

	packages, err := w.in.client.listPackages(ctx, current)
	if err != nil {
		w.logger.Error("failed to poll packages endpoint", "error", err)
	} else {
		for _, pkg := range packages {
			if err := w.in.installPackage(ctx, pkg); err != nil {
				w.logger.Error("package install failed", "package_id", pkg.ID, "error", err)
				w.in.cfg.Recorder.ObserveSyncInstall("rejected")
				continue
			}
			w.in.cfg.Recorder.ObserveSyncInstall("applied")
		}
	}

	manifest, err := w.in.client.kbManifest(ctx)
	if err != nil {
		w.logger.Error("failed to poll kb manifest endpoint", "error", err)
		return
	}
	if err := w.in.applyKBManifest(ctx, manifest); err != nil {
		w.logger.Error("kb delta apply failed", "error", err)
	}
}

func (w *Worker) currentPackageVersion(ctx context.Context) (string, error) {
	state, err := w.in.store.GetDeviceState(ctx, w.in.deviceID)
	if err != nil {
		return "", err
	}
	version := state.Versions[packagesVersionKey]
	if version == "" {
		return "0.0.0", nil
	}
	return version, nil
}
