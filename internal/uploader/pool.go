// Package uploader implements the reliable upload-queue worker: the
// presign->PUT->complete->metadata state machine, driven by a bounded pool
// of concurrent workers over a buffered channel of upload IDs, with an
// inFlight set guarding double-dispatch and an abandoned-row recovery pass
// on start.
package uploader

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"edge-node-agent/internal/observability/metrics"
)

// Config configures the upload worker pool.
type Config struct {
	ClientConfig
	MaxRetries          int
	RetryBackoffSeconds time.Duration
	BackoffCap          time.Duration
	Workers             int
	QueueSize           int
	PollInterval        time.Duration
	RecoveryThreshold   time.Duration
	Logger              *slog.Logger
	Recorder            *metrics.Recorder
}

const (
	defaultWorkers      = 4
	defaultQueueSize    = 128
	defaultPollInterval = 5 * time.Second
	defaultBackoffCap   = time.Hour
)

// Processor is the bounded worker pool draining pending uploads.
type Processor struct {
	store  Repository
	tx     *transaction
	logger *slog.Logger

	workers      int
	pollInterval time.Duration
	recoveryAge  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	queue  chan string
	wg     sync.WaitGroup

	mu       sync.Mutex
	inFlight map[string]struct{}
	started  bool
}

// New constructs a Processor. Call Start to begin draining.
func New(store Repository, cfg Config) (*Processor, error) {
	client, err := newAPIClient(cfg.ClientConfig)
	if err != nil {
		return nil, err
	}

	workers := cfg.Workers
	if workers <= 0 {
		workers = defaultWorkers
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}
	backoffCap := cfg.BackoffCap
	if backoffCap <= 0 {
		backoffCap = defaultBackoffCap
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	recorder := cfg.Recorder
	if recorder == nil {
		recorder = metrics.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		store: store,
		tx: &transaction{
			client:      client,
			store:       store,
			logger:      logger,
			recorder:    recorder,
			maxRetries:  cfg.MaxRetries,
			backoffBase: cfg.RetryBackoffSeconds,
			backoffCap:  backoffCap,
		},
		logger:       logger,
		workers:      workers,
		pollInterval: pollInterval,
		recoveryAge:  cfg.RecoveryThreshold,
		ctx:          ctx,
		cancel:       cancel,
		queue:        make(chan string, queueSize),
		inFlight:     make(map[string]struct{}),
	}, nil
}

// Start launches the worker goroutines, the polling loop, and a one-time
// abandoned-row recovery pass.
func (p *Processor) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	if p.recoveryAge > 0 {
		if n, err := p.store.RecoverAbandoned(p.ctx, p.recoveryAge); err != nil {
			p.logger.Error("failed to recover abandoned uploads", "error", err)
		} else if n > 0 {
			p.logger.Info("recovered abandoned uploads", "count", n)
		}
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
	go p.pollLoop()
}

// Shutdown stops the polling loop and waits (bounded by ctx) for in-flight
// workers to drain. In-flight uploads whose transaction is mid-HTTP-call are
// left in PROCESSING (on process shutdown, in-flight
// uploads leave their row in PROCESSING").
func (p *Processor) Shutdown(ctx context.Context) error {
	p.cancel()
	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Enqueue submits uploadID to the worker queue; a closed pool drops the
// submission silently. Duplicates are not filtered here: a worker skips an
// ID that is already in flight, and the row lease rejects a row that is no
// longer PENDING_UPLOAD.
func (p *Processor) Enqueue(uploadID string) {
	if strings.TrimSpace(uploadID) == "" {
		return
	}
	select {
	case <-p.ctx.Done():
		return
	default:
	}
	select {
	case p.queue <- uploadID:
	case <-p.ctx.Done():
	}
}

func (p *Processor) pollLoop() {
	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			pending, err := p.store.ListPendingUploads(p.ctx, p.workers*2)
			if err != nil {
				p.logger.Error("failed to list pending uploads", "error", err)
				continue
			}
			for _, upload := range pending {
				p.Enqueue(upload.UploadID)
			}
		}
	}
}

func (p *Processor) worker() {
	defer p.wg.Done()
	for {
		select {
		case <-p.ctx.Done():
			return
		case uploadID := <-p.queue:
			p.process(uploadID)
		}
	}
}

func (p *Processor) process(uploadID string) {
	if !p.beginWork(uploadID) {
		return
	}
	defer p.finishWork(uploadID)

	upload, leased, err := p.store.LeaseUpload(p.ctx, uploadID)
	if err != nil {
		p.logger.Error("failed to lease upload", "upload_id", uploadID, "error", err)
		return
	}
	if !leased {
		// Another worker already won the row's compare-and-set lease, or it
		// is no longer PENDING_UPLOAD. Not an error.
		return
	}

	p.tx.run(p.ctx, upload)
}

func (p *Processor) beginWork(uploadID string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.inFlight[uploadID]; exists {
		return false
	}
	p.inFlight[uploadID] = struct{}{}
	return true
}

func (p *Processor) finishWork(uploadID string) {
	p.mu.Lock()
	delete(p.inFlight, uploadID)
	p.mu.Unlock()
}
