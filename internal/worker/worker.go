// Package worker scores transactions asynchronously from the event bus.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/fusion"
	"github.com/opensource-finance/kestrel/internal/repository"
	"golang.org/x/sync/semaphore"
)

// dedupeWindow bounds how long a delivered transaction ID is remembered.
const dedupeWindow = 24 * time.Hour

// Scorer produces a verdict for one transaction.
type Scorer interface {
	Score(ctx context.Context, tx *domain.Transaction, profile *domain.Profile) (*domain.FraudVerdict, error)
}

// IngestedMessage is the payload published on TopicTransactionIngested.
type IngestedMessage struct {
	TxID    string `json:"txId"`
	TraceID string `json:"traceId,omitempty"`
}

// Enqueue publishes a stored transaction for asynchronous scoring.
func Enqueue(ctx context.Context, bus domain.EventBus, txID, traceID string) error {
	payload, err := json.Marshal(IngestedMessage{TxID: txID, TraceID: traceID})
	if err != nil {
		return err
	}
	return bus.Publish(ctx, domain.TopicTransactionIngested, payload)
}

// PublishVerdict publishes v on TopicVerdict and, for fraudulent verdicts,
// a step-up event on TopicStepUp. Publish failures are logged, not returned.
func PublishVerdict(ctx context.Context, bus domain.EventBus, v *domain.FraudVerdict, tx *domain.Transaction, profile *domain.Profile, logger *slog.Logger) {
	if bus == nil || v == nil {
		return
	}
	if logger == nil {
		logger = slog.Default()
	}

	if payload, err := json.Marshal(v); err == nil {
		if err := bus.Publish(ctx, domain.TopicVerdict, payload); err != nil {
			logger.ErrorContext(ctx, "failed to publish verdict",
				"tx_id", v.TxID,
				"error", err,
			)
		}
	}

	if !fusion.ShouldStepUp(v) {
		return
	}
	payload, err := json.Marshal(fusion.StepUpEvent(v, tx, profile))
	if err != nil {
		return
	}
	if err := bus.Publish(ctx, domain.TopicStepUp, payload); err != nil {
		logger.ErrorContext(ctx, "failed to publish step-up",
			"tx_id", v.TxID,
			"error", err,
		)
	}
}

// Worker processes ingested transactions from the EventBus.
type Worker struct {
	bus    domain.EventBus
	repo   domain.Repository
	cache  domain.Cache
	scorer Scorer
	logger *slog.Logger

	mu            sync.Mutex
	subscriptions []domain.Subscription
	slots         *semaphore.Weighted
	limit         int64
	ctx           context.Context
	cancel        context.CancelFunc
}

// Config holds worker configuration.
type Config struct {
	// Concurrency caps in-flight transactions. Zero means one.
	Concurrency int
}

// NewWorker creates a new async worker. cache may be nil, which disables
// duplicate delivery detection.
func NewWorker(bus domain.EventBus, repo domain.Repository, cache domain.Cache, scorer Scorer, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		bus:    bus,
		repo:   repo,
		cache:  cache,
		scorer: scorer,
		logger: logger,
		slots:  semaphore.NewWeighted(1),
		limit:  1,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start subscribes to the ingestion topic.
func (w *Worker) Start(cfg Config) error {
	limit := cfg.Concurrency
	if limit <= 0 {
		limit = 1
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	w.slots = semaphore.NewWeighted(int64(limit))
	w.limit = int64(limit)

	sub, err := w.bus.Subscribe(w.ctx, domain.TopicTransactionIngested, w.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", domain.TopicTransactionIngested, err)
	}
	w.subscriptions = append(w.subscriptions, sub)

	w.logger.Info("worker started",
		"topic", domain.TopicTransactionIngested,
		"concurrency", limit,
	)
	return nil
}

// handleMessage scores the transaction before returning, so a broker only
// acknowledges a delivery once its verdict is stored. It blocks while
// Concurrency transactions are in flight.
func (w *Worker) handleMessage(ctx context.Context, msg *domain.Message) error {
	var in IngestedMessage
	if err := json.Unmarshal(msg.Payload, &in); err != nil {
		return fmt.Errorf("parse ingested message %s: %w", msg.ID, err)
	}
	if in.TxID == "" {
		return fmt.Errorf("ingested message %s has no txId", msg.ID)
	}

	w.mu.Lock()
	slots := w.slots
	w.mu.Unlock()

	if err := slots.Acquire(ctx, 1); err != nil {
		return err
	}
	defer slots.Release(1)

	if err := w.Process(ctx, in.TxID); err != nil {
		w.logger.ErrorContext(ctx, "failed to process transaction",
			"tx_id", in.TxID,
			"message_id", msg.ID,
			"error", err,
		)
		return err
	}
	return nil
}

// Process scores one stored transaction, records the verdict and publishes
// it. Concurrent duplicate deliveries and already-scored transactions are
// skipped. A failed attempt releases its claim so a redelivery is retried.
func (w *Worker) Process(ctx context.Context, txID string) (err error) {
	claimed, err := w.claim(ctx, txID)
	if err != nil || !claimed {
		return err
	}
	defer func() {
		if err != nil {
			w.release(txID)
		}
	}()
	return w.process(ctx, txID)
}

// claim marks txID as in progress. Without a cache every delivery claims.
func (w *Worker) claim(ctx context.Context, txID string) (bool, error) {
	if w.cache == nil {
		return true, nil
	}
	n, err := w.cache.IncrementCounter(ctx, claimKey(txID), dedupeWindow)
	if err != nil {
		w.logger.Warn("dedupe counter unavailable", "tx_id", txID, "error", err)
		return true, nil
	}
	if n > 1 {
		w.logger.Debug("duplicate delivery skipped", "tx_id", txID)
		return false, nil
	}
	return true, nil
}

func (w *Worker) release(txID string) {
	if w.cache == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.cache.Delete(ctx, claimKey(txID)); err != nil {
		w.logger.Warn("failed to release dedupe claim", "tx_id", txID, "error", err)
	}
}

func claimKey(txID string) string {
	return "worker:tx:" + txID
}

func (w *Worker) process(ctx context.Context, txID string) error {
	start := time.Now()

	tx, err := w.repo.GetTransaction(ctx, txID)
	if err != nil {
		return fmt.Errorf("load transaction: %w", err)
	}
	if tx.IsFraud != nil {
		w.logger.Debug("transaction already scored", "tx_id", txID)
		return nil
	}

	profile, err := w.repo.GetProfile(ctx, tx.UserID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			return fmt.Errorf("load profile: %w", err)
		}
		w.logger.Warn("no profile for user, scoring without it",
			"tx_id", txID,
			"user_id", tx.UserID,
		)
		profile = nil
	}

	v, err := w.scorer.Score(ctx, tx, profile)
	if err != nil {
		return fmt.Errorf("score: %w", err)
	}

	if err := w.repo.SetFraudVerdict(ctx, tx.ID, v.Prediction); err != nil {
		if errors.Is(err, repository.ErrInvalidInput) {
			w.logger.Debug("verdict already recorded", "tx_id", txID)
			return nil
		}
		return fmt.Errorf("record verdict: %w", err)
	}

	PublishVerdict(ctx, w.bus, v, tx, profile, w.logger)

	w.logger.Info("transaction processed",
		"tx_id", txID,
		"user_id", tx.UserID,
		"final_score", v.FinalScore,
		"final_prediction", v.Prediction,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// Stop unsubscribes and waits for in-flight transactions.
func (w *Worker) Stop() error {
	w.mu.Lock()
	subs := w.subscriptions
	w.subscriptions = nil
	slots, limit := w.slots, w.limit
	w.mu.Unlock()

	for _, sub := range subs {
		if err := sub.Unsubscribe(); err != nil {
			w.logger.Error("failed to unsubscribe",
				"topic", sub.Topic(),
				"error", err,
			)
		}
	}

	// Holding every slot means no transaction is in flight.
	if err := slots.Acquire(context.Background(), limit); err == nil {
		slots.Release(limit)
	}
	w.cancel()

	w.logger.Info("worker stopped")
	return nil
}

// Stats returns worker statistics.
type Stats struct {
	SubscriptionCount int      `json:"subscriptionCount"`
	Topics            []string `json:"topics"`
}

// GetStats returns current worker statistics.
func (w *Worker) GetStats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()

	topics := make([]string, len(w.subscriptions))
	for i, sub := range w.subscriptions {
		topics[i] = sub.Topic()
	}
	return Stats{
		SubscriptionCount: len(w.subscriptions),
		Topics:            topics,
	}
}
