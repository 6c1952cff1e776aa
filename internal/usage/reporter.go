// Package usage reports token consumption to governance without ever
// blocking a request: a bounded queue feeds one consumer that aggregates
// per user and flushes batches, with a circuit breaker and a shared-store
// spillover for batches that cannot be delivered.
package usage

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"golang.org/x/time/rate"

	"github.com/sentinelops/sentinel/internal/governance"
	"github.com/sentinelops/sentinel/internal/logging"
	"github.com/sentinelops/sentinel/internal/metrics"
	"github.com/sentinelops/sentinel/internal/store"
)

const spilloverPrefix = "usage:failed:"
const spilloverTTL = 24 * time.Hour

// BatchSender delivers aggregated increments upstream (governance.Client
// in production).
type BatchSender interface {
	ReportUsageBatch(ctx context.Context, batch []governance.UsageIncrement) error
}

// ReporterConfig tunes the reporter.
type ReporterConfig struct {
	QueueCapacity    int
	BatchSize        int
	FlushInterval    time.Duration
	UpstreamRPS      int
	BreakerThreshold int
	BreakerReset     time.Duration
}

// Reporter is the batching usage pipeline.
type Reporter struct {
	sender  BatchSender
	store   *store.Store
	metrics *metrics.Metrics
	cfg     ReporterConfig

	queue   chan governance.UsageIncrement
	limiter *rate.Limiter
	cron    *cron.Cron

	mu                  sync.Mutex
	consecutiveFailures int
	openUntil           time.Time

	done chan struct{}
}

// NewReporter builds a reporter; call Start to run it.
func NewReporter(sender BatchSender, st *store.Store, m *metrics.Metrics, cfg ReporterConfig) *Reporter {
	return &Reporter{
		sender:  sender,
		store:   st,
		metrics: m,
		cfg:     cfg,
		queue:   make(chan governance.UsageIncrement, cfg.QueueCapacity),
		limiter: rate.NewLimiter(rate.Limit(cfg.UpstreamRPS), cfg.UpstreamRPS),
		done:    make(chan struct{}),
	}
}

// Enqueue hands an increment to the reporter. It never blocks: on a full
// queue the increment is counted as dropped and spilled best-effort.
func (r *Reporter) Enqueue(inc governance.UsageIncrement) {
	if inc.ExternalID == "" {
		return
	}
	select {
	case r.queue <- inc:
		r.metrics.UsageQueueDepth.Set(float64(len(r.queue)))
	default:
		r.metrics.UsageDroppedTotal.Inc()
		logging.Warnf("usage queue full, spilling increment for %s", inc.ExternalID)
		go r.spill([]governance.UsageIncrement{inc})
	}
}

// Start launches the consumer and the spillover retry schedule.
func (r *Reporter) Start(ctx context.Context) {
	go r.consume(ctx)
	r.cron = cron.New()
	r.cron.AddFunc("@every 60s", func() { r.retrySpillover(ctx) })
	r.cron.Start()
}

// Stop flushes what is pending and halts the background work.
func (r *Reporter) Stop() {
	close(r.done)
	if r.cron != nil {
		r.cron.Stop()
	}
}

func (r *Reporter) consume(ctx context.Context) {
	pending := make(map[string]*governance.UsageIncrement)
	ticker := time.NewTicker(r.cfg.FlushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		batch := make([]governance.UsageIncrement, 0, len(pending))
		for _, inc := range pending {
			batch = append(batch, *inc)
		}
		pending = make(map[string]*governance.UsageIncrement)
		r.deliver(ctx, batch)
	}

	for {
		select {
		case inc := <-r.queue:
			r.metrics.UsageQueueDepth.Set(float64(len(r.queue)))
			aggregate(pending, inc)
			if len(pending) >= r.cfg.BatchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-r.done:
			// Drain whatever is queued, then a final flush.
			for {
				select {
				case inc := <-r.queue:
					aggregate(pending, inc)
				default:
					flush()
					return
				}
			}
		case <-ctx.Done():
			flush()
			return
		}
	}
}

// aggregate folds an increment into the per-user pending batch. Model is
// kept from the most recent increment; governance accounts tokens per
// user, not per model.
func aggregate(pending map[string]*governance.UsageIncrement, inc governance.UsageIncrement) {
	existing, ok := pending[inc.ExternalID]
	if !ok {
		copied := inc
		pending[inc.ExternalID] = &copied
		return
	}
	existing.InputTokens += inc.InputTokens
	existing.OutputTokens += inc.OutputTokens
	existing.RequestCount += inc.RequestCount
	if inc.Model != "" {
		existing.Model = inc.Model
	}
}

func (r *Reporter) deliver(ctx context.Context, batch []governance.UsageIncrement) {
	if r.breakerOpen() {
		r.metrics.UsageBatchesTotal.WithLabelValues("spilled").Inc()
		r.spill(batch)
		return
	}
	if err := r.limiter.Wait(ctx); err != nil {
		r.spill(batch)
		return
	}
	if err := r.sender.ReportUsageBatch(ctx, batch); err != nil {
		logging.Errorf("usage batch delivery failed: %v", err)
		r.recordFailure()
		r.metrics.UsageBatchesTotal.WithLabelValues("failed").Inc()
		r.spill(batch)
		return
	}
	r.recordSuccess()
	r.metrics.UsageBatchesTotal.WithLabelValues("ok").Inc()
}

func (r *Reporter) breakerOpen() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return time.Now().Before(r.openUntil)
}

func (r *Reporter) recordFailure() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures++
	if r.consecutiveFailures >= r.cfg.BreakerThreshold {
		r.openUntil = time.Now().Add(r.cfg.BreakerReset)
		logging.Warnf("usage breaker open for %s after %d failures", r.cfg.BreakerReset, r.consecutiveFailures)
	}
}

func (r *Reporter) recordSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.consecutiveFailures = 0
	r.openUntil = time.Time{}
}

// spill persists a batch under usage:failed:{uuid} for the retry sweep.
func (r *Reporter) spill(batch []governance.UsageIncrement) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	key := spilloverPrefix + uuid.NewString()
	if err := r.store.SetJSON(ctx, key, batch, spilloverTTL); err != nil {
		logging.Errorf("usage spillover write failed, %d increments lost: %v", len(batch), err)
	}
}

// retrySpillover redelivers persisted batches while the breaker is closed.
func (r *Reporter) retrySpillover(ctx context.Context) {
	if r.breakerOpen() {
		return
	}
	keys, err := r.store.ScanKeys(ctx, spilloverPrefix+"*", 100)
	if err != nil {
		logging.Warnf("usage spillover scan failed: %v", err)
		return
	}
	for _, key := range keys {
		var batch []governance.UsageIncrement
		if err := r.store.GetJSON(ctx, key, &batch); err != nil {
			continue
		}
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		if err := r.sender.ReportUsageBatch(ctx, batch); err != nil {
			r.recordFailure()
			return
		}
		r.recordSuccess()
		r.metrics.UsageBatchesTotal.WithLabelValues("retried").Inc()
		if err := r.store.Delete(ctx, key); err != nil {
			logging.Warnf("usage spillover delete failed for %s: %v", key, err)
		}
	}
}
