package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/classifier"
	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/encoder"
	"github.com/opensource-finance/kestrel/internal/globalmodel"
	"github.com/opensource-finance/kestrel/internal/heuristics"
	"github.com/opensource-finance/kestrel/internal/history"
	"github.com/opensource-finance/kestrel/internal/identity"
	"github.com/opensource-finance/kestrel/internal/profiler"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRepo struct {
	domain.Repository

	txs     []*domain.Transaction
	listErr error
}

func (f *fakeRepo) ListUserTransactions(_ context.Context, userID string, before time.Time) ([]*domain.Transaction, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []*domain.Transaction
	for _, tx := range f.txs {
		if tx.UserID == userID && tx.CreatedAt.Before(before) {
			out = append(out, tx)
		}
	}
	return out, nil
}

func (f *fakeRepo) AmountStats(_ context.Context, userID string) (domain.AmountStats, error) {
	return domain.AmountStats{}, nil
}

type staticVerifier bool

func (v staticVerifier) Exists(context.Context, string) (bool, error) {
	return bool(v), nil
}

var base = time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)

func newPipeline(t *testing.T, repo domain.Repository, model domain.Classifier, verifier domain.IdentityVerifier) *Pipeline {
	t.Helper()

	local, err := encoder.FromArtifact("local", encoder.Artifact{
		Label: map[string][]string{
			encoder.FeatureDeviceID:          {"phone-1"},
			encoder.FeaturePaymentInstrument: {"QR", "Card", "UPI"},
		},
		Frequency: map[string]map[string]int{
			encoder.FeatureBeneficiary: {"grocer@upi": 30},
		},
	})
	require.NoError(t, err)
	store := &encoder.Store{Global: encoder.NewTable("global"), Local: local}

	engine, err := rules.NewDefaultEngine(rules.DefaultMinHistory, nil, nil)
	require.NoError(t, err)

	return New(Deps{
		History:    history.NewService(repo, false),
		Store:      store,
		Profiler:   profiler.New(store, "Card"),
		Global:     globalmodel.NewScorer(model, store.Global, nil),
		Heuristics: heuristics.NewChecker(verifier, heuristics.DefaultLimitRatio, nil),
		Rules:      engine,
	})
}

// regularUser has 15 UPI payments of 490..510 to the same grocer.
func regularUser() []*domain.Transaction {
	out := make([]*domain.Transaction, 0, 15)
	for i := range 15 {
		out = append(out, &domain.Transaction{
			ID:                "h" + string(rune('a'+i)),
			UserID:            "u1",
			Amount:            decimal.NewFromInt(int64(490 + (i%3)*10)),
			PaymentInstrument: "UPI",
			DeviceID:          "phone-1",
			BeneficiaryID:     "grocer@upi",
			CreatedAt:         base.Add(time.Duration(i) * time.Hour),
		})
	}
	return out
}

func lowRiskModel(t *testing.T) domain.Classifier {
	t.Helper()
	m, err := classifier.New(classifier.Artifact{
		Type:         classifier.TypeLogistic,
		Features:     globalmodel.FeatureOrder,
		Intercept:    -3,
		Coefficients: make([]float64, len(globalmodel.FeatureOrder)),
	}, globalmodel.FeatureOrder)
	require.NoError(t, err)
	return m
}

func TestScoreRegularTransaction(t *testing.T) {
	p := newPipeline(t, &fakeRepo{txs: regularUser()}, lowRiskModel(t), staticVerifier(true))

	v, err := p.Score(context.Background(), &domain.Transaction{
		ID:                "tx-1",
		UserID:            "u1",
		Amount:            decimal.NewFromInt(495),
		PaymentInstrument: "UPI",
		DeviceID:          "phone-1",
		BeneficiaryID:     "grocer@upi",
		CreatedAt:         base.Add(20 * time.Hour),
	}, &domain.Profile{UserID: "u1"})
	require.NoError(t, err)

	assert.False(t, v.Prediction)
	assert.False(t, v.GlobalDegraded)
	assert.InDelta(t, 0.0474, v.GlobalScore, 1e-3)
	assert.Equal(t, v.GlobalScore, v.FinalScore)
	assert.Empty(t, v.HeuristicRules)
	assert.Empty(t, v.BehaviorRules)
	assert.Equal(t, 15, v.Metadata.HistoryLen)
	assert.Equal(t, "tx-1", v.TxID)
}

func TestScoreExtremeAmountForRegularUser(t *testing.T) {
	p := newPipeline(t, &fakeRepo{txs: regularUser()}, lowRiskModel(t), staticVerifier(true))

	v, err := p.Score(context.Background(), &domain.Transaction{
		ID:                "tx-2",
		UserID:            "u1",
		Amount:            decimal.NewFromInt(50000),
		PaymentInstrument: "UPI",
		DeviceID:          "phone-1",
		BeneficiaryID:     "grocer@upi",
		CreatedAt:         base.Add(20 * time.Hour),
	}, &domain.Profile{UserID: "u1"})
	require.NoError(t, err)

	assert.True(t, v.Anomaly)
	assert.Contains(t, v.BehaviorRules, rules.LabelExtremeAmount)
	assert.True(t, v.Prediction)
}

func TestScoreLimitScenario(t *testing.T) {
	limit := decimal.NewFromInt(10000)
	p := newPipeline(t, &fakeRepo{}, nil, staticVerifier(true))

	v, err := p.Score(context.Background(), &domain.Transaction{
		ID:        "tx-3",
		UserID:    "new-user",
		Amount:    decimal.NewFromInt(50000),
		CreatedAt: base,
	}, &domain.Profile{UserID: "new-user", TransactionLimit: &limit})
	require.NoError(t, err)

	assert.True(t, v.GlobalDegraded)
	assert.Equal(t, globalmodel.NeutralScore, v.GlobalScore)
	assert.Equal(t, []string{heuristics.LabelLimitExceeded}, v.HeuristicRules)
	assert.False(t, v.Anomaly, "new user has no behavioral baseline")
	assert.InDelta(t, 0.3*0.5+0.4, v.FinalScore, 1e-9)
	assert.True(t, v.Prediction)
}

func TestScoreInvalidBeneficiary(t *testing.T) {
	p := newPipeline(t, &fakeRepo{}, lowRiskModel(t), staticVerifier(false))

	v, err := p.Score(context.Background(), &domain.Transaction{
		ID:            "tx-4",
		UserID:        "u2",
		Amount:        decimal.NewFromInt(10),
		BeneficiaryID: "ghost@upi",
		CreatedAt:     base,
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, []string{heuristics.LabelInvalidPayee}, v.HeuristicRules)
	assert.True(t, v.Prediction)
}

func TestScoreDegradesWithoutCollaborators(t *testing.T) {
	p := newPipeline(t, &fakeRepo{listErr: errors.New("db down")}, nil, identity.AllowAll{})

	v, err := p.Score(context.Background(), &domain.Transaction{
		ID:     "tx-5",
		UserID: "u1",
		Amount: decimal.NewFromInt(100),
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, 0.5, v.FinalScore)
	assert.False(t, v.Prediction, "neutral score alone does not exceed the threshold")
	assert.Zero(t, v.Metadata.HistoryLen)

	_, err = p.Score(context.Background(), nil, nil)
	assert.ErrorIs(t, err, ErrNilTransaction)
}

func TestBaseline(t *testing.T) {
	p := newPipeline(t, &fakeRepo{txs: regularUser()}, nil, identity.AllowAll{})

	stats, err := p.Baseline(context.Background(), "u1", base.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 15, stats.HistoryLen)
	assert.InDelta(t, 510, stats.AmountP98, 1e-9)
	assert.Equal(t, 15, stats.DeviceCounts[0])
}
