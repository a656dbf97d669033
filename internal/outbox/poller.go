package outbox

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// Publisher pushes one staged message to the broker.
type Publisher interface {
	Publish(ctx context.Context, key string, payload []byte) error
}

// Poller drains pending messages on an interval. Publish failures retry on
// later ticks until the attempt budget runs out, then the message is parked
// as FAILED for operator attention.
type Poller struct {
	store       Store
	publisher   Publisher
	logger      *slog.Logger
	interval    time.Duration
	batchSize   int
	maxAttempts int
}

func NewPoller(store Store, publisher Publisher, logger *slog.Logger, interval time.Duration, batchSize, maxAttempts int) *Poller {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &Poller{
		store:       store,
		publisher:   publisher,
		logger:      logger,
		interval:    interval,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
	}
}

// Start polls until the context is cancelled.
func (p *Poller) Start(ctx context.Context) {
	p.logger.Info("outbox poller started",
		slog.Duration("interval", p.interval),
		slog.Int("batch_size", p.batchSize),
		slog.Int("max_attempts", p.maxAttempts))

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("outbox poller stopped")
			return
		case <-ticker.C:
			if err := p.drain(ctx); err != nil {
				p.logger.Error("outbox drain failed", slog.Any("error", err))
			}
		}
	}
}

func (p *Poller) drain(ctx context.Context) error {
	messages, err := p.store.ListPending(ctx, p.batchSize)
	if err != nil {
		return fmt.Errorf("outbox: list pending: %w", err)
	}

	for _, msg := range messages {
		if err := p.publisher.Publish(ctx, msg.DocumentID.String(), msg.Payload); err != nil {
			p.logger.Warn("outbox publish failed",
				slog.Int64("message_id", msg.ID),
				slog.String("event_type", msg.EventType),
				slog.Int("attempts", msg.Attempts),
				slog.Any("error", err))
			if err := p.store.IncrementAttempts(ctx, msg.ID); err != nil {
				p.logger.Error("outbox attempt update failed", slog.Int64("message_id", msg.ID), slog.Any("error", err))
				continue
			}
			if msg.Attempts+1 >= p.maxAttempts {
				p.logger.Error("outbox message exhausted retries",
					slog.Int64("message_id", msg.ID),
					slog.String("event_type", msg.EventType))
				if err := p.store.MarkFailed(ctx, msg.ID); err != nil {
					p.logger.Error("outbox mark failed", slog.Int64("message_id", msg.ID), slog.Any("error", err))
				}
			}
			continue
		}
		if err := p.store.Delete(ctx, msg.ID); err != nil {
			p.logger.Error("outbox delete after publish failed", slog.Int64("message_id", msg.ID), slog.Any("error", err))
		}
	}
	return nil
}
