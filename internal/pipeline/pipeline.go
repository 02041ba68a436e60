// Package pipeline wires the three scoring layers and fusion into a single
// call per transaction.
package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/encoder"
	"github.com/opensource-finance/kestrel/internal/fusion"
	"github.com/opensource-finance/kestrel/internal/globalmodel"
	"github.com/opensource-finance/kestrel/internal/heuristics"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/opensource-finance/kestrel/internal/profiler"
	"github.com/opensource-finance/kestrel/internal/rules"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

var tracer = otel.Tracer("kestrel-pipeline")

// ErrNilTransaction is returned when Score is called without a transaction.
var ErrNilTransaction = errors.New("pipeline: transaction is required")

// Deps are the collaborators a Pipeline needs.
type Deps struct {
	History    *history.Service
	Store      *encoder.Store
	Profiler   *profiler.Profiler
	Global     *globalmodel.Scorer
	Heuristics *heuristics.Checker
	Rules      *rules.Engine
	Fusion     *fusion.Processor

	// QRInstrument is the raw payment instrument the QR rule targets.
	QRInstrument string
	Logger       *slog.Logger
}

// Pipeline scores transactions. Safe for concurrent use.
type Pipeline struct {
	history    *history.Service
	store      *encoder.Store
	profiler   *profiler.Profiler
	global     *globalmodel.Scorer
	heuristics *heuristics.Checker
	rules      *rules.Engine
	fusion     *fusion.Processor
	qrLabel    string
	logger     *slog.Logger
}

// New creates a pipeline.
func New(d Deps) *Pipeline {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	qr := d.QRInstrument
	if qr == "" {
		qr = "QR"
	}
	proc := d.Fusion
	if proc == nil {
		proc = fusion.NewProcessor()
	}
	return &Pipeline{
		history:    d.History,
		store:      d.Store,
		profiler:   d.Profiler,
		global:     d.Global,
		heuristics: d.Heuristics,
		rules:      d.Rules,
		fusion:     proc,
		qrLabel:    qr,
		logger:     logger,
	}
}

// Score runs every layer against tx and fuses the results. Layer failures
// degrade to safe defaults; only a nil transaction is an error.
func (p *Pipeline) Score(ctx context.Context, tx *domain.Transaction, profile *domain.Profile) (*domain.FraudVerdict, error) {
	if tx == nil {
		return nil, ErrNilTransaction
	}
	start := time.Now()

	ctx, span := tracer.Start(ctx, "kestrel-pipeline",
		trace.WithAttributes(
			attribute.String("tx.id", tx.ID),
			attribute.String("user.id", tx.UserID),
		),
	)
	defer span.End()

	snap := p.loadHistory(ctx, tx)
	historyMs := time.Since(start).Milliseconds()

	layersStart := time.Now()
	stats := p.profiler.ComputeStats(snap.History)
	features := p.store.EncodeLocal(tx)
	qrCode, qrKnown := p.store.InstrumentCode(p.qrLabel)

	var (
		g         errgroup.Group
		global    domain.GlobalResult
		heuristic domain.HeuristicResult
		behavior  domain.BehaviorResult
	)

	g.Go(func() error {
		global = p.global.Score(ctx, tx, profile, snap.AmountStats)
		return nil
	})
	g.Go(func() error {
		defer metrics.ObserveLayer("heuristic", time.Now())
		heuristic = p.heuristics.Check(ctx, tx, profile)
		return nil
	})
	g.Go(func() error {
		defer metrics.ObserveLayer("behavior", time.Now())
		behavior = p.rules.Evaluate(ctx, &rules.BehaviorInput{
			TxID:       tx.ID,
			Amount:     tx.AmountFloat(),
			IsNight:    tx.IsNight,
			DistanceKm: snap.DistanceFromLast(tx),
			Features:   features,
			Stats:      stats,
			QRCode:     qrCode,
			QRKnown:    qrKnown,
		})
		return nil
	})
	_ = g.Wait()
	layersMs := time.Since(layersStart).Milliseconds()

	traceID := ""
	if sc := span.SpanContext(); sc.TraceID().IsValid() {
		traceID = sc.TraceID().String()
	}

	v := p.fusion.Process(ctx, &fusion.DecisionInput{
		TxID:       tx.ID,
		UserID:     tx.UserID,
		TraceID:    traceID,
		Global:     global,
		Heuristic:  heuristic,
		Behavior:   behavior,
		HistoryLen: len(snap.History),
		HistoryMs:  historyMs,
		LayersMs:   layersMs,
		StartTime:  start,
	})

	metrics.ObservePrediction(v.Prediction)
	metrics.ObserveRules("heuristic", v.HeuristicRules)
	metrics.ObserveRules("behavior", v.BehaviorRules)

	span.SetAttributes(
		attribute.Float64("score.final", v.FinalScore),
		attribute.Bool("score.prediction", v.Prediction),
	)
	if v.Prediction {
		span.SetStatus(codes.Ok, "fraud predicted")
	}

	p.logger.InfoContext(ctx, "fraud verdict",
		"tx_id", tx.ID,
		"user_id", tx.UserID,
		"global_score", v.GlobalScore,
		"global_degraded", v.GlobalDegraded,
		"layer2_score", v.HeuristicScore,
		"layer2_rules", v.HeuristicRules,
		"layer3_score", v.BehaviorScore,
		"rules_triggered", v.BehaviorRules,
		"final_score", v.FinalScore,
		"final_prediction", v.Prediction,
		"history_len", v.Metadata.HistoryLen,
		"total_ms", v.Metadata.TotalMs,
	)

	return v, nil
}

// Baseline returns userID's current behavioral baseline.
func (p *Pipeline) Baseline(ctx context.Context, userID string, asOf time.Time) (*domain.UserBehaviorStats, error) {
	snap, err := p.history.Load(ctx, userID, asOf)
	if err != nil {
		return nil, err
	}
	return p.profiler.ComputeStats(snap.History), nil
}

// loadHistory treats a failed load as an empty history.
func (p *Pipeline) loadHistory(ctx context.Context, tx *domain.Transaction) *history.Snapshot {
	before := tx.CreatedAt
	if before.IsZero() {
		before = time.Now().UTC()
	}

	snap, err := p.history.Load(ctx, tx.UserID, before)
	if err != nil {
		p.logger.WarnContext(ctx, "history load failed, scoring without history",
			"tx_id", tx.ID,
			"user_id", tx.UserID,
			"error", err,
		)
		trace.SpanFromContext(ctx).RecordError(err)
		return &history.Snapshot{
			AmountStats: domain.AmountStats{
				Mean:   history.DefaultAmountMean,
				StdDev: history.DefaultAmountStdDev,
			},
		}
	}
	return snap
}
