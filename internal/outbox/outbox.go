// Package outbox is a durable retry buffer for reconciliation outcomes the
// store could not record at callback time. Entries live on a Redis stream
// with a consumer group; stuck entries are reclaimed after a visibility
// timeout and exhausted ones land on a dead-letter stream.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/athletiq/payment-gateway/pkg/logger"
	"github.com/athletiq/payment-gateway/pkg/redis"
)

// Entry is one pending reconciliation outcome read from the stream.
type Entry struct {
	ID        string
	Data      []byte
	Timestamp time.Time
	Attempts  int
}

// Handler processes an entry. A nil return acknowledges the entry; an error
// leaves it pending for redelivery.
type Handler func(ctx context.Context, entry *Entry) error

type Config struct {
	Stream            string
	ConsumerGroup     string
	ConsumerName      string
	MaxRetries        int
	VisibilityTimeout time.Duration
	PollInterval      time.Duration
	BatchSize         int64
	MaxLen            int64
	EnableDLQ         bool
}

type Outbox struct {
	adapter redis.RedisAdapter
	config  Config
	handler Handler
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

type Stats struct {
	TotalEntries   int64
	PendingEntries int64
	ConsumerCount  int64
}

func New(adapter redis.RedisAdapter, config Config) (*Outbox, error) {
	if config.Stream == "" {
		return nil, fmt.Errorf("outbox stream name is required")
	}
	if config.ConsumerGroup == "" {
		config.ConsumerGroup = "reconcilers"
	}
	if config.ConsumerName == "" {
		config.ConsumerName = fmt.Sprintf("reconciler-%d", time.Now().UnixNano())
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 5
	}
	if config.VisibilityTimeout == 0 {
		config.VisibilityTimeout = 30 * time.Second
	}
	if config.PollInterval == 0 {
		config.PollInterval = 1 * time.Second
	}
	if config.BatchSize == 0 {
		config.BatchSize = 10
	}

	ctx, cancel := context.WithCancel(context.Background())

	o := &Outbox{
		adapter: adapter,
		config:  config,
		ctx:     ctx,
		cancel:  cancel,
	}

	// Group may already exist from a previous run, which is fine.
	_ = o.adapter.XGroupCreateMkStream(config.Stream, config.ConsumerGroup, "0")

	return o, nil
}

// Publish appends an outcome to the stream.
func (o *Outbox) Publish(ctx context.Context, data []byte) (string, error) {
	values := map[string]interface{}{
		"data":      string(data),
		"timestamp": time.Now().Unix(),
		"attempts":  0,
	}

	id, err := o.adapter.XAdd(o.config.Stream, values)
	if err != nil {
		return "", fmt.Errorf("failed to publish outcome: %w", err)
	}

	if o.config.MaxLen > 0 {
		_ = o.adapter.XTrimApprox(o.config.Stream, o.config.MaxLen)
	}

	return id, nil
}

// PublishJSON appends a JSON-encoded outcome to the stream.
func (o *Outbox) PublishJSON(ctx context.Context, v interface{}) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to marshal outcome: %w", err)
	}
	return o.Publish(ctx, data)
}

// Consume starts the poll loop. Entries are delivered to the handler and
// acknowledged on success.
func (o *Outbox) Consume(handler Handler) error {
	if handler == nil {
		return fmt.Errorf("handler is required")
	}

	o.handler = handler
	o.wg.Add(1)

	go o.consumeLoop()

	return nil
}

func (o *Outbox) consumeLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			o.processEntries()
			o.claimStuckEntries()
		}
	}
}

func (o *Outbox) processEntries() {
	messages, err := o.adapter.XReadGroup(
		o.config.ConsumerGroup,
		o.config.ConsumerName,
		o.config.Stream,
		">",
		o.config.BatchSize,
	)
	if err != nil {
		if err != redis.NilError {
			logger.Warn("outbox read failed", "stream", o.config.Stream, "error", err)
		}
		return
	}

	for _, streamMsg := range messages {
		o.handleEntry(o.toEntry(streamMsg))
	}
}

// claimStuckEntries reclaims entries whose consumer died mid-processing.
func (o *Outbox) claimStuckEntries() {
	pending, err := o.adapter.XPending(o.config.Stream, o.config.ConsumerGroup)
	if err != nil || pending == nil || pending.Count == 0 {
		return
	}

	pendingExt, err := o.adapter.XPendingExt(o.config.Stream, o.config.ConsumerGroup, "-", "+", 100)
	if err != nil || len(pendingExt) == 0 {
		return
	}

	var idsToReclaim []string
	for _, msg := range pendingExt {
		if msg.Idle >= o.config.VisibilityTimeout {
			idsToReclaim = append(idsToReclaim, msg.ID)
		}
	}
	if len(idsToReclaim) == 0 {
		return
	}

	messages, err := o.adapter.XClaim(
		o.config.Stream,
		o.config.ConsumerGroup,
		o.config.ConsumerName,
		o.config.VisibilityTimeout,
		idsToReclaim...,
	)
	if err != nil {
		return
	}

	for _, streamMsg := range messages {
		entry := o.toEntry(streamMsg)
		entry.Attempts++
		o.handleEntry(entry)
	}
}

func (o *Outbox) handleEntry(entry *Entry) {
	if entry.Attempts >= o.config.MaxRetries {
		o.moveToDeadLetter(entry)
		_ = o.ack(entry.ID)
		return
	}

	ctx, cancel := context.WithTimeout(o.ctx, o.config.VisibilityTimeout)
	defer cancel()

	if err := o.handler(ctx, entry); err != nil {
		// Not acked; the entry stays pending and is reclaimed later.
		logger.Warn("outbox entry failed, will retry", "entry_id", entry.ID, "attempts", entry.Attempts, "error", err)
		return
	}

	_ = o.ack(entry.ID)
}

func (o *Outbox) ack(entryID string) error {
	return o.adapter.XAck(o.config.Stream, o.config.ConsumerGroup, entryID)
}

func (o *Outbox) moveToDeadLetter(entry *Entry) {
	if !o.config.EnableDLQ {
		logger.Error("outbox entry exhausted retries", "entry_id", entry.ID, "attempts", entry.Attempts)
		return
	}

	values := map[string]interface{}{
		"data":            string(entry.Data),
		"original_id":     entry.ID,
		"attempts":        entry.Attempts,
		"failed_at":       time.Now().Unix(),
		"original_stream": o.config.Stream,
	}

	if _, err := o.adapter.XAdd(o.config.Stream+":dlq", values); err != nil {
		logger.Error("failed to move outbox entry to DLQ", "entry_id", entry.ID, "error", err)
		return
	}

	logger.Error("outbox entry moved to DLQ", "entry_id", entry.ID, "attempts", entry.Attempts)
}

func (o *Outbox) toEntry(streamMsg redis.StreamMessage) *Entry {
	entry := &Entry{
		ID: streamMsg.ID,
	}

	for k, v := range streamMsg.Values {
		switch k {
		case "data":
			if data, ok := v.(string); ok {
				entry.Data = []byte(data)
			}
		case "timestamp":
			if ts, ok := v.(string); ok {
				var unix int64
				if _, err := fmt.Sscanf(ts, "%d", &unix); err == nil {
					entry.Timestamp = time.Unix(unix, 0)
				}
			}
		case "attempts":
			if attempts, ok := v.(string); ok {
				_, _ = fmt.Sscanf(attempts, "%d", &entry.Attempts)
			}
		}
	}

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	return entry
}

func (o *Outbox) Stop(timeout time.Duration) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("timeout waiting for outbox to stop")
	}
}

func (o *Outbox) GetStats() (*Stats, error) {
	total, err := o.adapter.XLen(o.config.Stream)
	if err != nil {
		return nil, err
	}

	stats := &Stats{TotalEntries: total}

	if pending, err := o.adapter.XPending(o.config.Stream, o.config.ConsumerGroup); err == nil && pending != nil {
		stats.PendingEntries = pending.Count
		stats.ConsumerCount = int64(len(pending.Consumers))
	}

	return stats, nil
}
