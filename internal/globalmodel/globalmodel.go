// Package globalmodel implements Layer A: the pretrained statistical
// classifier scored against globally-scoped features.
package globalmodel

import (
	"context"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/encoder"
	"github.com/opensource-finance/kestrel/internal/metrics"
)

// NeutralScore is returned whenever the classifier cannot produce a score.
const NeutralScore = 0.5

// Amount bucket edges.
const (
	lowAmountMax    = 2000
	mediumAmountMax = 16000
)

// OutlierZScore is the absolute z-score above which an amount is an outlier.
const OutlierZScore = 3

// Defaults for categorical features missing from the transaction or profile.
const (
	defaultInitiationMode  = "00"
	defaultTransactionType = "P2P"
)

// FeatureOrder is the column order of the global model's input vector.
var FeatureOrder = []string{
	encoder.FeatureAmount,
	encoder.FeaturePayer,
	encoder.FeatureBeneficiary,
	encoder.FeatureInitiationMode,
	encoder.FeatureTransactionType,
	encoder.FeatureAmountBin,
	encoder.FeatureAmountOutlier,
	encoder.FeatureDayOfWeek,
	encoder.FeatureHour,
	encoder.FeatureMinute,
	encoder.FeatureIsNight,
}

// AmountBin buckets an amount: 0 low, 1 medium, 2 high.
func AmountBin(amount float64) int {
	switch {
	case amount <= lowAmountMax:
		return 0
	case amount <= mediumAmountMax:
		return 1
	default:
		return 2
	}
}

// IsAmountOutlier returns 1 when |amount-mean|/std exceeds OutlierZScore.
// A zero standard deviation never produces an outlier.
func IsAmountOutlier(amount, mean, std float64) int {
	if std == 0 {
		return 0
	}
	if math.Abs((amount-mean)/std) > OutlierZScore {
		return 1
	}
	return 0
}

// RawFeatures returns the unencoded feature values keyed by name.
func RawFeatures(tx *domain.Transaction, profile *domain.Profile, stats domain.AmountStats) map[string]any {
	amount := tx.AmountFloat()

	payer := encoder.Unknown
	if profile != nil && strings.TrimSpace(profile.PayerID) != "" {
		payer = profile.PayerID
	}

	return map[string]any{
		encoder.FeatureAmount:          amount,
		encoder.FeaturePayer:           payer,
		encoder.FeatureBeneficiary:     valueOr(tx.BeneficiaryID, encoder.Unknown),
		encoder.FeatureInitiationMode:  valueOr(tx.InitiationMode, defaultInitiationMode),
		encoder.FeatureTransactionType: valueOr(tx.Type, defaultTransactionType),
		encoder.FeatureAmountBin:       AmountBin(amount),
		encoder.FeatureAmountOutlier:   IsAmountOutlier(amount, stats.Mean, stats.StdDev),
		encoder.FeatureDayOfWeek:       tx.DayOfWeek,
		encoder.FeatureHour:            tx.Hour,
		encoder.FeatureMinute:          tx.Minute,
		encoder.FeatureIsNight:         tx.IsNight,
	}
}

// BuildVector encodes the features with the global table in FeatureOrder.
func BuildVector(tx *domain.Transaction, profile *domain.Profile, stats domain.AmountStats, table *encoder.Table) ([]float64, error) {
	raw := RawFeatures(tx, profile, stats)
	vec := make([]float64, len(FeatureOrder))
	for i, name := range FeatureOrder {
		v, err := table.Encode(name, raw[name])
		if err != nil {
			return nil, err
		}
		vec[i] = v
	}
	return vec, nil
}

// Scorer is Layer A.
type Scorer struct {
	model  domain.Classifier
	table  *encoder.Table
	logger *slog.Logger
}

// NewScorer creates a scorer. model may be nil, in which case every call
// returns NeutralScore.
func NewScorer(model domain.Classifier, table *encoder.Table, logger *slog.Logger) *Scorer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scorer{model: model, table: table, logger: logger}
}

// Loaded reports whether a classifier is available.
func (s *Scorer) Loaded() bool {
	return s.model != nil
}

// Score returns the fraud probability for tx. It never fails: any problem
// degrades to NeutralScore.
func (s *Scorer) Score(ctx context.Context, tx *domain.Transaction, profile *domain.Profile, stats domain.AmountStats) domain.GlobalResult {
	defer metrics.ObserveLayer("global", time.Now())

	if s.model == nil {
		metrics.ModelDegradedTotal.WithLabelValues("not_loaded").Inc()
		return domain.GlobalResult{Score: NeutralScore, Degraded: true, Reason: "model not loaded"}
	}

	vec, err := BuildVector(tx, profile, stats, s.table)
	if err != nil {
		s.logger.ErrorContext(ctx, "global feature encoding failed", "tx_id", tx.ID, "error", err)
		metrics.ModelDegradedTotal.WithLabelValues("encode_error").Inc()
		return domain.GlobalResult{Score: NeutralScore, Degraded: true, Reason: "feature encoding failed"}
	}

	p, err := s.model.PredictProbability(vec)
	if err != nil {
		s.logger.WarnContext(ctx, "global model prediction failed", "tx_id", tx.ID, "error", err)
		metrics.ModelDegradedTotal.WithLabelValues("predict_error").Inc()
		return domain.GlobalResult{Score: NeutralScore, Degraded: true, Reason: "prediction failed"}
	}

	return domain.GlobalResult{Score: clamp01(p)}
}

func valueOr(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v):
		return NeutralScore
	case v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
