// Package fusion combines the three layer results into the final verdict.
package fusion

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/opensource-finance/kestrel/internal/domain"
)

// EngineVersion is stamped on every verdict.
const EngineVersion = "kestrel-1.0"

// Processor fuses layer results. The weights are business policy, not
// calibrated values.
type Processor struct {
	// GlobalWeight scales the Layer A probability when a rule layer fired.
	GlobalWeight float64

	// HeuristicBoost is added when Layer B flagged the transaction.
	HeuristicBoost float64

	// BehaviorWeight scales the Layer C confidence.
	BehaviorWeight float64

	// Threshold above which the fused score alone predicts fraud.
	Threshold float64
}

// NewProcessor creates a processor with the default policy.
func NewProcessor() *Processor {
	return &Processor{
		GlobalWeight:   0.3,
		HeuristicBoost: 0.4,
		BehaviorWeight: 0.3,
		Threshold:      0.5,
	}
}

// FromConfig creates a processor from scoring configuration.
func FromConfig(cfg domain.ScoringConfig) *Processor {
	return &Processor{
		GlobalWeight:   cfg.GlobalWeight,
		HeuristicBoost: cfg.HeuristicBoost,
		BehaviorWeight: cfg.BehaviorWeight,
		Threshold:      cfg.FraudThreshold,
	}
}

// DecisionInput contains all data needed for a decision.
type DecisionInput struct {
	TxID       string
	UserID     string
	TraceID    string
	Global     domain.GlobalResult
	Heuristic  domain.HeuristicResult
	Behavior   domain.BehaviorResult
	HistoryLen int
	HistoryMs  int64
	LayersMs   int64
	StartTime  time.Time
}

// Process produces the verdict. Any Layer B or Layer C trigger forces a
// fraud prediction whatever the fused score.
func (p *Processor) Process(ctx context.Context, input *DecisionInput) *domain.FraudVerdict {
	start := time.Now()

	g := input.Global.Score
	suspicious := input.Heuristic.Suspicious
	anomaly := input.Behavior.Anomaly

	heuristicScore := 0.0
	if suspicious {
		heuristicScore = p.HeuristicBoost
	}

	final := g
	if suspicious || anomaly {
		final = p.GlobalWeight*g + heuristicScore + p.BehaviorWeight*input.Behavior.Confidence
	}

	v := &domain.FraudVerdict{
		ID:             uuid.New().String(),
		TxID:           input.TxID,
		UserID:         input.UserID,
		Timestamp:      time.Now().UTC(),
		GlobalScore:    g,
		GlobalDegraded: input.Global.Degraded,
		HeuristicScore: heuristicScore,
		HeuristicRules: nonNil(input.Heuristic.Rules),
		Suspicious:     suspicious,
		BehaviorScore:  input.Behavior.Confidence,
		BehaviorRules:  nonNil(input.Behavior.Rules),
		Anomaly:        anomaly,
		FinalScore:     final,
		Prediction:     final > p.Threshold || suspicious || anomaly,
	}

	totalMs := int64(0)
	if !input.StartTime.IsZero() {
		totalMs = time.Since(input.StartTime).Milliseconds()
	}

	v.Metadata = domain.VerdictMetadata{
		TraceID:       input.TraceID,
		HistoryMs:     input.HistoryMs,
		LayersMs:      input.LayersMs,
		DecisionMs:    time.Since(start).Milliseconds(),
		TotalMs:       totalMs,
		HistoryLen:    input.HistoryLen,
		EngineVersion: EngineVersion,
	}

	return v
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

// ShouldStepUp returns true if the verdict should trigger step-up authentication.
func ShouldStepUp(v *domain.FraudVerdict) bool {
	return v != nil && v.Prediction
}

// StepUpEvent builds the event published for a fraudulent verdict.
func StepUpEvent(v *domain.FraudVerdict, tx *domain.Transaction, profile *domain.Profile) *domain.StepUpEvent {
	ev := &domain.StepUpEvent{
		TxID:      v.TxID,
		UserID:    v.UserID,
		Score:     v.FinalScore,
		Reasons:   v.Reasons(),
		Timestamp: v.Timestamp,
	}
	if tx != nil {
		ev.PayerID = tx.PayerID
	}
	if profile != nil {
		ev.Email = profile.Email
		if ev.PayerID == "" {
			ev.PayerID = profile.PayerID
		}
	}
	return ev
}
