package rules

// Labels of the built-in behavioral rules.
const (
	LabelExtremeAmount = "Extreme High Amount"
	LabelNightAmount   = "Night High Amount"
	LabelGeoAmount     = "Geographic Distance + Amount"
	LabelQRAmount      = "High Amount QR Transaction"
	LabelRarePatterns  = "Multiple Rare Patterns"
)

// BuiltinRules returns the five behavioral rules in evaluation order.
func BuiltinRules() []*Rule {
	return []*Rule{
		{
			ID:         "extreme_amount",
			Label:      LabelExtremeAmount,
			Expression: "amount > amount_p98",
			Weight:     1.0,
			Enabled:    true,
		},
		{
			ID:         "night_amount",
			Label:      LabelNightAmount,
			Expression: "is_night && amount > amount_p80",
			Weight:     0.7,
			Enabled:    true,
		},
		{
			ID:         "geo_amount",
			Label:      LabelGeoAmount,
			Expression: "distance_km > distance_p85 && amount > amount_p70",
			Weight:     0.8,
			Enabled:    true,
		},
		{
			ID:         "qr_amount",
			Label:      LabelQRAmount,
			Expression: "qr_known && payment_instrument == qr_code && amount > qr_threshold",
			Weight:     0.6,
			Enabled:    true,
		},
		{
			ID:         "rare_patterns",
			Label:      LabelRarePatterns,
			Expression: "device_count <= 2 && beneficiary_count <= 2 && amount > amount_p80",
			Weight:     0.9,
			Enabled:    true,
		},
	}
}

func isBuiltin(id string) bool {
	switch id {
	case "extreme_amount", "night_amount", "geo_amount", "qr_amount", "rare_patterns":
		return true
	}
	return false
}
