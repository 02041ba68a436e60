// Package profiler computes a user's adaptive behavioral baseline from
// their transaction history.
package profiler

import (
	"sort"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/encoder"
	"github.com/opensource-finance/kestrel/internal/geo"
)

// Profiler builds UserBehaviorStats. Stats are recomputed in full on every
// call so back-filled or out-of-order history is always reflected.
type Profiler struct {
	store     *encoder.Store
	cardLabel string
}

// New creates a profiler. cardLabel is the raw payment instrument whose
// local code selects the card/QR amount subset.
func New(store *encoder.Store, cardLabel string) *Profiler {
	if cardLabel == "" {
		cardLabel = "Card"
	}
	return &Profiler{store: store, cardLabel: cardLabel}
}

// ComputeStats derives the baseline from history, which must be ordered by
// creation time ascending.
func (p *Profiler) ComputeStats(history []*domain.Transaction) *domain.UserBehaviorStats {
	stats := &domain.UserBehaviorStats{
		DeviceCounts:      make(map[int]int),
		BeneficiaryCounts: make(map[int]int),
		IPCounts:          make(map[int]int),
		HistoryLen:        len(history),
	}
	if len(history) == 0 {
		return stats
	}

	cardCode, hasCard := p.store.InstrumentCode(p.cardLabel)

	amounts := make([]float64, 0, len(history))
	var cardAmounts []float64
	for _, tx := range history {
		amount := tx.AmountFloat()
		amounts = append(amounts, amount)

		f := p.store.EncodeLocal(tx)
		stats.DeviceCounts[f.DeviceID]++
		stats.BeneficiaryCounts[f.BeneficiaryID]++
		stats.IPCounts[f.IPAddress]++

		if hasCard && f.PaymentInstrument == cardCode {
			cardAmounts = append(cardAmounts, amount)
		}
	}

	distances := Distances(history)
	if len(distances) == 0 {
		distances = []float64{0}
	}

	sort.Float64s(amounts)
	stats.AmountP70 = percentileSorted(amounts, 70)
	stats.AmountP80 = percentileSorted(amounts, 80)
	stats.AmountP85 = percentileSorted(amounts, 85)
	stats.AmountP90 = percentileSorted(amounts, 90)
	stats.AmountP98 = percentileSorted(amounts, 98)
	stats.DistanceP85 = Percentile(distances, 85)

	if len(cardAmounts) > 0 {
		stats.QRThreshold = Percentile(cardAmounts, 90)
	} else {
		stats.QRThreshold = stats.AmountP90
	}

	return stats
}

// Distances returns the distance in km between each transaction and its
// predecessor, for every pair where both carry coordinates.
func Distances(history []*domain.Transaction) []float64 {
	var out []float64
	for i := 1; i < len(history); i++ {
		prev, cur := history[i-1], history[i]
		if !prev.HasLocation() || !cur.HasLocation() {
			continue
		}
		out = append(out, geo.Haversine(*prev.Latitude, *prev.Longitude, *cur.Latitude, *cur.Longitude))
	}
	return out
}
