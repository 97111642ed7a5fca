package processor

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/athletiq/payment-gateway/internal/config"
	"github.com/athletiq/payment-gateway/internal/outbox"
	"github.com/athletiq/payment-gateway/pkg/logger"
	"github.com/athletiq/payment-gateway/pkg/redis"
	"github.com/athletiq/payment-gateway/pkg/worker"
)

const ProcessingTimeout = time.Second * 5
const HealthInterval = time.Second * 30
const ShutdownTimeout = time.Minute

// ReplayService drains the outcome outbox and re-applies entries the
// synchronous callback path could not persist.
type ReplayService struct {
	adapter   redis.RedisAdapter
	outboxes  []*outbox.Outbox
	processor Processor
	metrics   *ServiceMetrics
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	worker    *worker.WorkerManager
}

// Processor applies one outbox entry.
type Processor interface {
	Process(ctx context.Context, entry *outbox.Entry) error
	GetType() string
}

func NewReplayService(redis redis.RedisAdapter) (*ReplayService, error) {
	ctx, cancel := context.WithCancel(context.Background())
	service := &ReplayService{
		adapter:   redis,
		outboxes:  make([]*outbox.Outbox, 0),
		processor: nil,
		metrics:   NewServiceMetrics(),
		ctx:       ctx,
		cancel:    cancel,
		worker:    worker.NewWorkerManager(10_000, 20, nil),
	}
	return service, nil
}

// RegisterProcessor registers the entry processor
func (s *ReplayService) RegisterProcessor(processor Processor) {
	s.processor = processor
	logger.Info("Registered processor", "type", processor.GetType())
}

// Start starts the replay service
func (s *ReplayService) Start() error {
	logger.Info("Starting Replay Service...")

	// Set up worker handler
	s.worker.SetWorker(s.workerHandler)

	// Start worker pool in background
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(); err != nil {
			logger.Error("Worker manager stopped", "error", err)
		}
	}()

	// Create outbox consumers
	for i := 0; i < 4; i++ {
		outboxConfig := outbox.Config{
			Stream:            config.Get().OutboxStream,
			ConsumerGroup:     config.Get().OutboxConsumerGroup,
			ConsumerName:      config.Get().OutboxConsumerName,
			MaxRetries:        config.Get().OutboxMaxRetries,
			VisibilityTimeout: config.Get().OutboxVisibilityTimeout,
			PollInterval:      config.Get().OutboxPollInterval,
			BatchSize:         config.Get().OutboxBatchSize,
			MaxLen:            config.Get().OutboxMaxLen,
			EnableDLQ:         config.Get().OutboxEnableDLQ,
		}
		outboxConfig.ConsumerName = fmt.Sprintf("%s-instance-%d", outboxConfig.ConsumerName, i)

		ob, err := outbox.New(s.adapter, outboxConfig)
		if err != nil {
			return fmt.Errorf("failed to create outbox consumer %d: %w", i, err)
		}

		// Start consuming - entries will be enqueued to worker pool
		if err := ob.Consume(s.entryHandler); err != nil {
			return fmt.Errorf("failed to start consumer %d: %w", i, err)
		}

		s.outboxes = append(s.outboxes, ob)
		logger.Info("Started consumer instance", "instance", i)
	}

	// Start background tasks
	s.wg.Add(2)
	go s.metricsReporter()
	go s.healthChecker()

	logger.Info("Replay Service started", "consumers", len(s.outboxes), "workers", 20)
	return nil
}

// metricsReporter periodically reports metrics
func (s *ReplayService) metricsReporter() {
	defer s.wg.Done()

	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reportMetrics()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ReplayService) reportMetrics() {
	stats := s.metrics.GetStats()

	logger.Info("=== Service Metrics ===")
	logger.Info("Metrics", "total_processed", stats["total_processed"], "total_failed", stats["total_failed"], "rate_per_second", stats["rate_per_second"], "avg_duration_ms", stats["avg_duration_ms"], "uptime_seconds", stats["uptime_seconds"])

	// Outbox stats
	for i, ob := range s.outboxes {
		if obStats, err := ob.GetStats(); err == nil {
			logger.Info("Outbox stats", "consumer", i, "total", obStats.TotalEntries, "pending", obStats.PendingEntries)
		}
	}
}

func (s *ReplayService) healthChecker() {
	defer s.wg.Done()

	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performHealthCheck()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ReplayService) performHealthCheck() {
	// Check Redis connection
	if err := s.adapter.Client().Ping(context.Background()).Err(); err != nil {
		logger.Error("HEALTH CHECK FAILED: Redis connection error", "error", err)
		return
	}

	// Check outbox lag
	for i, ob := range s.outboxes {
		stats, err := ob.GetStats()
		if err != nil {
			logger.Warn("HEALTH CHECK WARNING: Outbox stats unavailable", "consumer", i, "error", err)
			continue
		}

		// A growing backlog means the store is still unreachable
		if stats.PendingEntries > 1000 {
			logger.Warn("HEALTH CHECK WARNING: Outbox has high lag", "consumer", i, "pending_entries", stats.PendingEntries)
		}
	}

	logger.Info("HEALTH CHECK: OK - Service healthy")
}

// Stop gracefully stops the service
func (s *ReplayService) Stop() {
	logger.Info("Shutting down Replay Service...")

	s.cancel()

	// Stop all consumers
	timeout := ShutdownTimeout
	stopChan := make(chan bool, len(s.outboxes))

	for i, ob := range s.outboxes {
		go func(index int, ob *outbox.Outbox) {
			if err := ob.Stop(timeout); err != nil {
				logger.Error("Error stopping outbox consumer", "consumer", index, "error", err)
			}
			stopChan <- true
		}(i, ob)
	}

	// Wait for all consumers
	for range s.outboxes {
		select {
		case <-stopChan:
		case <-time.After(timeout + 5*time.Second):
			logger.Warn("Timeout waiting for consumers to stop")
		}
	}

	// Stop worker manager
	s.worker.Exit()

	// Wait for background tasks
	s.wg.Wait()

	// Final metrics
	s.reportMetrics()

	logger.Info("Replay Service stopped")
}

type jobResult struct {
	entry      *outbox.Entry
	resultChan chan error
	ctx        context.Context
}

// entryHandler receives entries from the outbox and enqueues to worker pool
func (s *ReplayService) entryHandler(ctx context.Context, entry *outbox.Entry) error {
	// Create a result channel for this entry
	resultChan := make(chan error, 1)

	// Create cancellable context with timeout for this entry
	entryCtx, cancel := context.WithTimeout(ctx, ProcessingTimeout+time.Second)
	defer cancel()

	// Wrap entry with result channel and context
	job := &jobResult{
		entry:      entry,
		resultChan: resultChan,
		ctx:        entryCtx,
	}

	// Enqueue to worker pool
	s.worker.Enqueue(job)

	// Block until worker completes processing or context times out
	select {
	case err := <-resultChan:
		return err
	case <-entryCtx.Done():
		// Context cancelled or timed out
		return fmt.Errorf("timeout waiting for worker to process entry: %w", entryCtx.Err())
	}
}

// workerHandler processes entries in worker pool
func (s *ReplayService) workerHandler(workerIndex int, job interface{}) {
	jobRes, ok := job.(*jobResult)
	if !ok {
		logger.Error("Invalid job type in worker", "worker", workerIndex)
		return
	}

	entry := jobRes.entry
	start := time.Now()
	var resultErr error

	// Check if context already cancelled before processing
	select {
	case <-jobRes.ctx.Done():
		logger.Warn("Job context cancelled before processing started", "worker", workerIndex)
		return
	default:
		// Continue processing
	}

	if s.processor == nil {
		logger.Info("No processor found", "worker", workerIndex)
		s.metrics.RecordFailure()
		resultErr = nil // ACK - no processor means retry won't help
	} else {
		// Use the context from jobResult (already has timeout from entryHandler)
		if err := s.processor.Process(jobRes.ctx, entry); err != nil {
			s.metrics.RecordFailure()
			logger.Error("Failed to process entry", "worker", workerIndex, "error", err)
			resultErr = err // NACK - return error
		} else {
			// Success
			duration := time.Since(start)
			s.metrics.RecordSuccess(duration)
			resultErr = nil // ACK - return nil
		}
	}

	// Non-blocking send to result channel
	// If entryHandler timed out, channel may have no receiver
	select {
	case jobRes.resultChan <- resultErr:
		// Successfully sent result
	case <-jobRes.ctx.Done():
		// Context cancelled while trying to send result
		logger.Warn("Context cancelled while sending result, entry handler timed out", "worker", workerIndex)
	}
}
