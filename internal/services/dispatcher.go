package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lucentlabs/lucent/internal/db/models"
	"github.com/lucentlabs/lucent/internal/db/repos"
	"github.com/lucentlabs/lucent/internal/logger"
	"github.com/lucentlabs/lucent/internal/metrics"
	"github.com/lucentlabs/lucent/internal/provider"
)

// Dispatcher defaults
const (
	DefaultPollInterval  = time.Second
	DefaultSweepInterval = 30 * time.Second
	DefaultStaleAfter    = 5 * time.Minute
	DefaultBatchSize     = 10
	DefaultWorkerCount   = 4
	DefaultMaxAttempts   = 5
	DefaultBaseDelay     = time.Second
	DefaultMaxDelay      = 60 * time.Second
)

// DispatcherConfig tunes the outbox delivery loop. MaxAttempts and the
// backoff constants are global defaults; MaxAttemptsByType overrides the
// attempt budget for individual event types.
type DispatcherConfig struct {
	PollInterval  time.Duration
	SweepInterval time.Duration
	StaleAfter    time.Duration
	BatchSize     int
	WorkerCount   int
	MaxAttempts   int
	BaseDelay     time.Duration
	MaxDelay      time.Duration

	MaxAttemptsByType map[string]int
}

func (c DispatcherConfig) withDefaults() DispatcherConfig {
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.StaleAfter <= 0 {
		c.StaleAfter = DefaultStaleAfter
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.WorkerCount <= 0 {
		c.WorkerCount = DefaultWorkerCount
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.BaseDelay <= 0 {
		c.BaseDelay = DefaultBaseDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = DefaultMaxDelay
	}
	return c
}

func (c DispatcherConfig) maxAttemptsFor(eventType string) int {
	if n, ok := c.MaxAttemptsByType[eventType]; ok && n > 0 {
		return n
	}
	return c.MaxAttempts
}

// Handler delivers one kind of side effect. Handlers must be safe to invoke
// more than once for the same event: a stale-sweep can re-queue a row whose
// delivery actually succeeded right before a crash.
type Handler interface {
	// Name is the event type the handler is registered under.
	Name() string

	// Run performs the delivery.
	Run(ctx context.Context, event *models.OutboxEvent) error
}

// Dispatcher claims pending outbox events and drives them to a terminal
// outcome. Claimed events are processed concurrently on a bounded worker
// pool so one job's slow provider call does not block other jobs' progress.
type Dispatcher struct {
	outboxRepo *repos.OutboxRepository
	jobService *Job
	metrics    *metrics.Metrics
	config     DispatcherConfig
	handlers   map[string]Handler

	// now is swappable for tests
	now func() time.Time
}

// NewDispatcher creates a dispatcher over the given outbox store.
func NewDispatcher(outboxRepo *repos.OutboxRepository, jobService *Job, m *metrics.Metrics, config DispatcherConfig) *Dispatcher {
	return &Dispatcher{
		outboxRepo: outboxRepo,
		jobService: jobService,
		metrics:    m,
		config:     config.withDefaults(),
		handlers:   make(map[string]Handler),
		now:        time.Now,
	}
}

// Register adds handlers to the dispatch registry, keyed by Name().
func (d *Dispatcher) Register(handlers ...Handler) {
	for _, h := range handlers {
		if _, ok := d.handlers[h.Name()]; ok {
			panic(fmt.Sprintf("handler %s already registered", h.Name()))
		}
		d.handlers[h.Name()] = h
	}
}

// Run executes the dispatch loop until ctx is canceled. Shutdown waits for
// in-flight deliveries to settle instead of abandoning claimed rows.
func (d *Dispatcher) Run(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()

	logger.Info("Outbox dispatcher started")

	var inflight sync.WaitGroup
	sem := make(chan struct{}, d.config.WorkerCount)
	lastSweep := d.now()

	for {
		select {
		case <-ctx.Done():
			logger.Info("Dispatcher received shutdown signal, draining in-flight deliveries...")
			inflight.Wait()
			logger.Info("Dispatcher stopped")
			return
		default:
		}

		now := d.now()
		if now.Sub(lastSweep) >= d.config.SweepInterval {
			lastSweep = now
			d.sweep(ctx)
		}

		events, err := d.outboxRepo.ClaimBatch(ctx, d.config.BatchSize, now)
		if err != nil {
			logger.Errorf("Dispatcher error claiming events: %v", err)
			sleepCtx(ctx, d.config.PollInterval)
			continue
		}

		if len(events) == 0 {
			sleepCtx(ctx, d.config.PollInterval)
			continue
		}

		for i := range events {
			event := events[i]
			sem <- struct{}{}
			inflight.Add(1)
			go func() {
				defer func() {
					<-sem
					inflight.Done()
				}()
				d.process(ctx, &event)
			}()
		}
	}
}

// RunOnce claims and processes a single batch synchronously. Used by tests
// and the one-shot CLI path.
func (d *Dispatcher) RunOnce(ctx context.Context) (int, error) {
	events, err := d.outboxRepo.ClaimBatch(ctx, d.config.BatchSize, d.now())
	if err != nil {
		return 0, err
	}
	for i := range events {
		d.process(ctx, &events[i])
	}
	return len(events), nil
}

// Sweep re-queues abandoned processing rows. Exposed for the CLI.
func (d *Dispatcher) Sweep(ctx context.Context) (int64, error) {
	return d.outboxRepo.SweepStale(ctx, d.config.StaleAfter, d.now())
}

func (d *Dispatcher) sweep(ctx context.Context) {
	count, err := d.outboxRepo.SweepStale(ctx, d.config.StaleAfter, d.now())
	if err != nil {
		logger.Errorf("Dispatcher error sweeping stale events: %v", err)
		return
	}
	if count > 0 {
		logger.Infof("Recovered %d stale outbox events abandoned by dead workers", count)
	}
	if err := d.jobService.RefreshActiveGauge(ctx); err != nil {
		logger.Debugf("Failed to refresh active jobs gauge: %v", err)
	}
}

// process drives one claimed event to completed, a rescheduled retry, or
// terminal failure. Delivery errors are contained here; one event's
// permanent failure never stops the loop.
func (d *Dispatcher) process(ctx context.Context, event *models.OutboxEvent) {
	handler, ok := d.handlers[event.EventType]
	if !ok {
		d.failEvent(ctx, event, event.Attempts+1, "unknown_event_type",
			fmt.Sprintf("no handler registered for event type %s", event.EventType))
		return
	}

	err := handler.Run(ctx, event)
	if err == nil {
		if markErr := d.outboxRepo.MarkCompleted(ctx, event.ID, d.now()); markErr != nil {
			logger.Errorf("Failed to mark event %s completed: %v", event.ID, markErr)
			return
		}
		if d.metrics != nil {
			d.metrics.OutboxProcessed(event.EventType)
		}
		return
	}

	attempts := event.Attempts + 1
	code, retryable := classifyDeliveryError(err)

	if !retryable {
		logger.WarnWithFields("Outbox event failed permanently", map[string]interface{}{
			"event_id":   event.ID.String(),
			"event_type": event.EventType,
			"job_id":     event.JobID,
			"error":      err.Error(),
		})
		d.failEvent(ctx, event, attempts, code, err.Error())
		return
	}

	if attempts < d.config.maxAttemptsFor(event.EventType) {
		delay := d.backoffDelay(attempts)
		if rescheduleErr := d.outboxRepo.Reschedule(ctx, event.ID, attempts, d.now().Add(delay), err.Error()); rescheduleErr != nil {
			logger.Errorf("Failed to reschedule event %s: %v", event.ID, rescheduleErr)
			return
		}
		if d.metrics != nil {
			d.metrics.OutboxRetry(event.EventType, attempts)
		}
		logger.DebugWithFields("Outbox event rescheduled", map[string]interface{}{
			"event_id": event.ID.String(),
			"attempts": attempts,
			"delay":    delay.String(),
		})
		return
	}

	logger.WarnWithFields("Outbox event exhausted its retry budget", map[string]interface{}{
		"event_id":   event.ID.String(),
		"event_type": event.EventType,
		"job_id":     event.JobID,
		"attempts":   attempts,
	})
	d.failEvent(ctx, event, attempts, models.ErrorCodeRetriesExhausted, err.Error())
}

// failEvent terminally fails the row and force-fails the owning job with an
// error code that distinguishes exhausted retries from a provider-reported
// hard failure.
func (d *Dispatcher) failEvent(ctx context.Context, event *models.OutboxEvent, attempts int, code, message string) {
	if err := d.outboxRepo.MarkFailed(ctx, event.ID, attempts, d.now(), message); err != nil {
		logger.Errorf("Failed to mark event %s failed: %v", event.ID, err)
		return
	}
	if d.metrics != nil {
		d.metrics.OutboxFailed(event.EventType, code)
	}
	if err := d.jobService.ForceFail(ctx, event.JobID, code, message); err != nil {
		if !errors.Is(err, ErrTerminalState) {
			logger.Errorf("Failed to force-fail job %d: %v", event.JobID, err)
		}
	}
}

// backoffDelay is baseDelay * 2^attempts capped at MaxDelay.
func (d *Dispatcher) backoffDelay(attempts int) time.Duration {
	delay := d.config.BaseDelay
	for i := 0; i < attempts && delay < d.config.MaxDelay; i++ {
		delay *= 2
	}
	if delay > d.config.MaxDelay {
		delay = d.config.MaxDelay
	}
	return delay
}

// classifyDeliveryError maps a handler error to a job error code and a
// retryability decision.
func classifyDeliveryError(err error) (code string, retryable bool) {
	var perm *permanentError
	if errors.As(err, &perm) {
		return perm.code, false
	}
	switch {
	case errors.Is(err, provider.ErrProviderRejected):
		return models.ErrorCodeProviderRejected, false
	case errors.Is(err, provider.ErrUnknownProvider):
		return "unknown_provider", false
	default:
		return "delivery_error", true
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
