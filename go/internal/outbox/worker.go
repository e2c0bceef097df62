package outbox

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/clawplay/go/internal/events"
)

type Config struct {
	PollInterval time.Duration
	BatchSize    int
	MaxRetries   int // retries after the first attempt
	RetryDelay   time.Duration
}

func DefaultConfig() Config {
	return Config{
		PollInterval: 5 * time.Second,
		BatchSize:    100,
		MaxRetries:   3,
		RetryDelay:   time.Second,
	}
}

// Worker drains the outbox into a publisher, at least once per event.
type Worker struct {
	repo      *Repository
	publisher events.Publisher
	config    Config
	clock     clockwork.Clock

	mu            sync.Mutex
	running       bool
	stopChan      chan struct{}
	wg            sync.WaitGroup
	processed     uint64
	lastProcessed time.Time
}

func NewWorker(repo *Repository, publisher events.Publisher, cfg Config, clock clockwork.Clock) *Worker {
	return &Worker{
		repo:      repo,
		publisher: publisher,
		config:    cfg,
		clock:     clock,
		stopChan:  make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("outbox worker already running")
	}
	w.running = true
	w.mu.Unlock()

	ticker := w.clock.NewTicker(w.config.PollInterval)
	w.wg.Add(1)
	go w.run(ctx, ticker)

	log.Info().
		Dur("poll_interval", w.config.PollInterval).
		Int("batch_size", w.config.BatchSize).
		Msg("outbox worker started")

	return nil
}

func (w *Worker) Stop() error {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return fmt.Errorf("outbox worker not running")
	}
	w.running = false
	w.mu.Unlock()

	close(w.stopChan)
	w.wg.Wait()

	log.Info().Msg("outbox worker stopped")
	return nil
}

// Stats returns how many events were delivered and when the last one went out.
func (w *Worker) Stats() (uint64, time.Time) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.processed, w.lastProcessed
}

func (w *Worker) run(ctx context.Context, ticker clockwork.Ticker) {
	defer w.wg.Done()
	defer ticker.Stop()

	// Process immediately on start
	w.processOutbox(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.Chan():
			w.processOutbox(ctx)
		}
	}
}

func (w *Worker) processOutbox(ctx context.Context) {
	pending, err := w.repo.FetchUnsent(ctx, w.config.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("failed to fetch unsent events")
		return
	}
	if len(pending) == 0 {
		return
	}

	log.Debug().Int("count", len(pending)).Msg("processing outbox events")

	var sent []string
	for _, ev := range pending {
		if err := w.publishWithRetry(ctx, ev); err != nil {
			log.Error().
				Err(err).
				Str("event_id", ev.Envelope.EventID).
				Str("event_type", string(ev.Envelope.EventType)).
				Msg("failed to publish outbox event")
			// Keep order: later events wait for this one.
			break
		}
		sent = append(sent, ev.Envelope.EventID)
	}

	if len(sent) == 0 {
		return
	}

	now := w.clock.Now()
	if err := w.repo.MarkSent(ctx, sent, now); err != nil {
		log.Error().Err(err).Msg("failed to mark events as sent")
		return
	}

	w.mu.Lock()
	w.processed += uint64(len(sent))
	w.lastProcessed = now
	w.mu.Unlock()

	log.Info().
		Int("total", len(pending)).
		Int("successful", len(sent)).
		Msg("processed outbox events")
}

func (w *Worker) publishWithRetry(ctx context.Context, ev OutboxEvent) error {
	var lastErr error

	for attempt := 0; attempt <= w.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-w.stopChan:
				return fmt.Errorf("worker stopping: %w", lastErr)
			case <-w.clock.After(w.config.RetryDelay * time.Duration(attempt)):
			}
		}

		if err := w.repo.RecordAttempt(ctx, ev.Envelope.EventID); err != nil {
			log.Warn().Err(err).Str("event_id", ev.Envelope.EventID).Msg("failed to record attempt")
		}

		if err := w.publisher.Publish(ctx, ev.Envelope); err != nil {
			lastErr = err
			log.Warn().
				Err(err).
				Str("event_id", ev.Envelope.EventID).
				Int("attempt", attempt+1).
				Msg("failed to publish event, retrying")
			continue
		}

		return nil
	}

	return fmt.Errorf("failed after %d attempts: %w", w.config.MaxRetries+1, lastErr)
}
