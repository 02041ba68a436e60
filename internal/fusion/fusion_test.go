package fusion

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProcessor(t *testing.T) {
	proc := NewProcessor()
	ctx := context.Background()

	t.Run("NoFlagsPassesGlobalScoreThrough", func(t *testing.T) {
		v := proc.Process(ctx, &DecisionInput{
			TxID:      "tx-001",
			UserID:    "u-1",
			TraceID:   "trace-001",
			Global:    domain.GlobalResult{Score: 0.42},
			StartTime: time.Now(),
		})

		assert.Equal(t, 0.42, v.FinalScore)
		assert.False(t, v.Prediction)
		assert.Equal(t, "trace-001", v.Metadata.TraceID)
		assert.Equal(t, EngineVersion, v.Metadata.EngineVersion)
		assert.NotEmpty(t, v.ID)
		assert.NotNil(t, v.HeuristicRules)
		assert.NotNil(t, v.BehaviorRules)
	})

	t.Run("HighGlobalScoreAlone", func(t *testing.T) {
		v := proc.Process(ctx, &DecisionInput{Global: domain.GlobalResult{Score: 0.93}})
		assert.Equal(t, 0.93, v.FinalScore)
		assert.True(t, v.Prediction)
	})

	t.Run("ThresholdIsExclusive", func(t *testing.T) {
		v := proc.Process(ctx, &DecisionInput{Global: domain.GlobalResult{Score: 0.5}})
		assert.False(t, v.Prediction)
	})

	t.Run("SuspiciousOverride", func(t *testing.T) {
		v := proc.Process(ctx, &DecisionInput{
			Global:    domain.GlobalResult{Score: 0.0},
			Heuristic: domain.HeuristicResult{Rules: []string{"Amount exceeds 95% of transaction limit"}, Suspicious: true},
		})

		assert.InDelta(t, 0.4, v.FinalScore, 1e-9)
		assert.Equal(t, 0.4, v.HeuristicScore)
		assert.True(t, v.Prediction, "a heuristic trigger forces fraud below the threshold")
	})

	t.Run("AnomalyOverride", func(t *testing.T) {
		v := proc.Process(ctx, &DecisionInput{
			Global:   domain.GlobalResult{Score: 0.1},
			Behavior: domain.BehaviorResult{Rules: []string{"Night High Amount"}, Anomaly: true, Confidence: 0.7 / 4.0, Evaluated: true},
		})

		assert.InDelta(t, 0.3*0.1+0.3*0.175, v.FinalScore, 1e-9)
		assert.Zero(t, v.HeuristicScore)
		assert.Equal(t, 0.175, v.BehaviorScore)
		assert.True(t, v.Prediction)
	})

	t.Run("BothLayers", func(t *testing.T) {
		v := proc.Process(ctx, &DecisionInput{
			Global:    domain.GlobalResult{Score: 0.9},
			Heuristic: domain.HeuristicResult{Rules: []string{"Invalid UPI ID"}, Suspicious: true},
			Behavior:  domain.BehaviorResult{Rules: []string{"Extreme High Amount"}, Anomaly: true, Confidence: 0.25},
		})

		assert.InDelta(t, 0.27+0.4+0.075, v.FinalScore, 1e-9)
		assert.True(t, v.Prediction)
		assert.Equal(t, []string{"Invalid UPI ID", "Extreme High Amount"}, v.Reasons())
	})

	t.Run("DegradedFlagCarried", func(t *testing.T) {
		v := proc.Process(ctx, &DecisionInput{Global: domain.GlobalResult{Score: 0.5, Degraded: true}})
		assert.True(t, v.GlobalDegraded)
	})
}

func TestFromConfig(t *testing.T) {
	p := FromConfig(domain.DefaultConfig().Scoring)
	assert.Equal(t, NewProcessor(), p)
}

func TestStepUp(t *testing.T) {
	proc := NewProcessor()
	v := proc.Process(context.Background(), &DecisionInput{
		TxID:      "tx-9",
		UserID:    "u-9",
		Heuristic: domain.HeuristicResult{Rules: []string{"Invalid UPI ID"}, Suspicious: true},
	})

	require.True(t, ShouldStepUp(v))
	assert.False(t, ShouldStepUp(nil))

	ev := StepUpEvent(v, &domain.Transaction{PayerID: ""}, &domain.Profile{PayerID: "u9@upi", Email: "u9@example.com"})
	assert.Equal(t, "tx-9", ev.TxID)
	assert.Equal(t, "u9@upi", ev.PayerID)
	assert.Equal(t, "u9@example.com", ev.Email)
	assert.Equal(t, []string{"Invalid UPI ID"}, ev.Reasons)
	assert.InDelta(t, 0.4, ev.Score, 1e-9)
}
