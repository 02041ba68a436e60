package profiler

import (
	"testing"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/encoder"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(f float64) *float64 { return &f }

func newStore(t *testing.T) *encoder.Store {
	t.Helper()
	local, err := encoder.FromArtifact("local", encoder.Artifact{
		Label: map[string][]string{
			encoder.FeatureDeviceID:          {"d1", "d2"},
			encoder.FeaturePaymentInstrument: {"QR", "Card", "UPI"},
		},
		Frequency: map[string]map[string]int{
			encoder.FeatureBeneficiary: {"m@upi": 3},
		},
	})
	require.NoError(t, err)
	return &encoder.Store{Global: encoder.NewTable("global"), Local: local}
}

func tx(amount int64, instrument, device string, lat, lon *float64) *domain.Transaction {
	return &domain.Transaction{
		Amount:            decimal.NewFromInt(amount),
		PaymentInstrument: instrument,
		DeviceID:          device,
		BeneficiaryID:     "m@upi",
		Latitude:          lat,
		Longitude:         lon,
		CreatedAt:         time.Now(),
	}
}

func TestPercentile(t *testing.T) {
	t.Run("Empty", func(t *testing.T) {
		assert.Equal(t, 0.0, Percentile(nil, 90))
	})

	t.Run("Single", func(t *testing.T) {
		assert.Equal(t, 42.0, Percentile([]float64{42}, 98))
	})

	t.Run("LinearInterpolation", func(t *testing.T) {
		values := []float64{500, 100, 400, 200, 300}
		assert.InDelta(t, 380, Percentile(values, 70), 1e-9)
		assert.InDelta(t, 420, Percentile(values, 80), 1e-9)
		assert.InDelta(t, 460, Percentile(values, 90), 1e-9)
		assert.InDelta(t, 492, Percentile(values, 98), 1e-9)
		assert.Equal(t, 100.0, Percentile(values, 0))
		assert.Equal(t, 500.0, Percentile(values, 100))
	})

	t.Run("InputNotMutated", func(t *testing.T) {
		values := []float64{3, 1, 2}
		Percentile(values, 50)
		assert.Equal(t, []float64{3, 1, 2}, values)
	})
}

func TestComputeStats(t *testing.T) {
	t.Run("ColdUser", func(t *testing.T) {
		p := New(newStore(t), "Card")
		stats := p.ComputeStats(nil)

		assert.Zero(t, stats.AmountP70)
		assert.Zero(t, stats.AmountP80)
		assert.Zero(t, stats.AmountP85)
		assert.Zero(t, stats.AmountP90)
		assert.Zero(t, stats.AmountP98)
		assert.Zero(t, stats.DistanceP85)
		assert.Zero(t, stats.QRThreshold)
		assert.Empty(t, stats.DeviceCounts)
		assert.Empty(t, stats.BeneficiaryCounts)
		assert.Empty(t, stats.IPCounts)
		assert.Equal(t, 0, stats.HistoryLen)
	})

	t.Run("FullHistory", func(t *testing.T) {
		p := New(newStore(t), "Card")
		history := []*domain.Transaction{
			tx(100, "UPI", "d1", ptr(0), ptr(0)),
			tx(200, "Card", "d1", ptr(0), ptr(1)),
			tx(300, "UPI", "d2", nil, nil),
			tx(400, "Card", "d1", ptr(0), ptr(2)),
			tx(500, "UPI", "d2", ptr(0), ptr(3)),
		}

		stats := p.ComputeStats(history)

		assert.InDelta(t, 380, stats.AmountP70, 1e-9)
		assert.InDelta(t, 420, stats.AmountP80, 1e-9)
		assert.InDelta(t, 440, stats.AmountP85, 1e-9)
		assert.InDelta(t, 460, stats.AmountP90, 1e-9)
		assert.InDelta(t, 492, stats.AmountP98, 1e-9)

		// two valid pairs, one degree of longitude each at the equator
		assert.InDelta(t, 111.19, stats.DistanceP85, 0.01)

		// card subset {200, 400}
		assert.InDelta(t, 380, stats.QRThreshold, 1e-9)

		assert.Equal(t, map[int]int{0: 3, 1: 2}, stats.DeviceCounts)
		assert.Equal(t, map[int]int{3: 5}, stats.BeneficiaryCounts)
		assert.Equal(t, map[int]int{0: 5}, stats.IPCounts, "unregistered IP encodes to 0")
		assert.Equal(t, 5, stats.HistoryLen)
	})

	t.Run("NoCoordinatesGivesZeroDistance", func(t *testing.T) {
		p := New(newStore(t), "Card")
		history := []*domain.Transaction{
			tx(100, "UPI", "d1", nil, nil),
			tx(200, "UPI", "d1", nil, nil),
		}
		stats := p.ComputeStats(history)
		assert.Equal(t, 0.0, stats.DistanceP85)
	})

	t.Run("NoCardTransactionsFallsBackToAllAmounts", func(t *testing.T) {
		p := New(newStore(t), "Card")
		history := []*domain.Transaction{
			tx(100, "UPI", "d1", nil, nil),
			tx(200, "QR", "d1", nil, nil),
			tx(300, "UPI", "d1", nil, nil),
		}
		stats := p.ComputeStats(history)
		assert.InDelta(t, stats.AmountP90, stats.QRThreshold, 1e-9)
		assert.InDelta(t, 280, stats.QRThreshold, 1e-9)
	})

	t.Run("NoInstrumentEncoderFallsBack", func(t *testing.T) {
		p := New(encoder.NewStore(), "Card")
		history := []*domain.Transaction{
			tx(100, "Card", "d1", nil, nil),
			tx(300, "Card", "d1", nil, nil),
		}
		stats := p.ComputeStats(history)
		assert.InDelta(t, 280, stats.QRThreshold, 1e-9)
		assert.Equal(t, map[int]int{-1: 2}, stats.DeviceCounts)
	})
}

func TestDistances(t *testing.T) {
	history := []*domain.Transaction{
		tx(1, "", "", ptr(10), ptr(10)),
		tx(1, "", "", ptr(10), ptr(10)),
	}
	assert.Equal(t, []float64{0}, Distances(history))
	assert.Empty(t, Distances(history[:1]))
}
