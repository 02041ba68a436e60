package domain

import (
	"time"
)

// EncodedFeatures holds the local-encoder view of a transaction used by
// the behavioral rules. Label codes are -1 and frequency values are 0 when
// the local encoder has no table for the feature.
type EncodedFeatures struct {
	DeviceID          int `json:"deviceId"`
	TransactionType   int `json:"transactionType"`
	PaymentInstrument int `json:"paymentInstrument"`
	Country           int `json:"country"`
	City              int `json:"city"`
	BeneficiaryID     int `json:"beneficiaryId"`
	IPAddress         int `json:"ipAddress"`
}

// UserBehaviorStats is the adaptive baseline recomputed from a user's
// history on every scoring call. Never persisted.
type UserBehaviorStats struct {
	AmountP70   float64 `json:"amountP70"`
	AmountP80   float64 `json:"amountP80"`
	AmountP85   float64 `json:"amountP85"`
	AmountP90   float64 `json:"amountP90"`
	AmountP98   float64 `json:"amountP98"`
	DistanceP85 float64 `json:"distanceP85"`
	QRThreshold float64 `json:"qrThreshold"`

	DeviceCounts      map[int]int `json:"deviceCounts"`
	BeneficiaryCounts map[int]int `json:"beneficiaryCounts"`
	IPCounts          map[int]int `json:"ipCounts"`

	HistoryLen int `json:"historyLen"`
}

// AmountStats are the mean and population standard deviation used for
// the z-score outlier feature.
type AmountStats struct {
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"stdDev"`
	Count  int64   `json:"count"`
}

// GlobalResult is the Layer A output.
type GlobalResult struct {
	Score    float64 `json:"score"`
	Degraded bool    `json:"degraded"`
	Reason   string  `json:"reason,omitempty"`
}

// HeuristicResult is the Layer B output.
type HeuristicResult struct {
	Rules      []string `json:"rules"`
	Suspicious bool     `json:"suspicious"`
}

// BehaviorResult is the Layer C output.
type BehaviorResult struct {
	Rules       []string `json:"rules"`
	Anomaly     bool     `json:"anomaly"`
	Confidence  float64  `json:"confidence"`
	TotalWeight float64  `json:"totalWeight"`
	// Evaluated is false when the user had too little history.
	Evaluated bool `json:"evaluated"`
}

// FraudVerdict is the final decision for one transaction.
type FraudVerdict struct {
	ID        string    `json:"id"`
	TxID      string    `json:"txId"`
	UserID    string    `json:"userId"`
	Timestamp time.Time `json:"timestamp"`

	GlobalScore    float64  `json:"global_score"`
	GlobalDegraded bool     `json:"global_degraded,omitempty"`
	HeuristicScore float64  `json:"layer2_score"`
	HeuristicRules []string `json:"layer2_rules"`
	Suspicious     bool     `json:"suspicious"`
	BehaviorScore  float64  `json:"layer3_score"`
	BehaviorRules  []string `json:"rules_triggered"`
	Anomaly        bool     `json:"anomaly"`

	FinalScore float64 `json:"final_score"`
	Prediction bool    `json:"final_prediction"`

	Metadata VerdictMetadata `json:"metadata"`
}

// VerdictMetadata contains processing information.
type VerdictMetadata struct {
	TraceID       string `json:"traceId,omitempty"`
	HistoryMs     int64  `json:"historyMs"`
	LayersMs      int64  `json:"layersMs"`
	DecisionMs    int64  `json:"decisionMs"`
	TotalMs       int64  `json:"totalMs"`
	HistoryLen    int    `json:"historyLen"`
	EngineVersion string `json:"engineVersion"`
}

// Reasons returns every triggered label across Layers B and C.
func (v *FraudVerdict) Reasons() []string {
	reasons := make([]string, 0, len(v.HeuristicRules)+len(v.BehaviorRules))
	reasons = append(reasons, v.HeuristicRules...)
	reasons = append(reasons, v.BehaviorRules...)
	return reasons
}

// StepUpEvent is published when a transaction is predicted fraudulent.
// Delivering the challenge (OTP, push) is left to subscribers.
type StepUpEvent struct {
	TxID      string    `json:"txId"`
	UserID    string    `json:"userId"`
	PayerID   string    `json:"payerId"`
	Email     string    `json:"email,omitempty"`
	Score     float64   `json:"score"`
	Reasons   []string  `json:"reasons"`
	Timestamp time.Time `json:"timestamp"`
}
