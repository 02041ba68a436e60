package domain

import (
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Validation errors for incoming transactions.
var (
	ErrNonPositiveAmount = errors.New("amount must be greater than zero")
	ErrPartialLocation   = errors.New("latitude and longitude must be set together")
	ErrMissingUser       = errors.New("userId is required")
)

// Transaction is a single payment submitted for scoring.
// It is immutable once created except for IsFraud, which the pipeline writes once.
type Transaction struct {
	ID     string `json:"id"`
	UserID string `json:"userId"`

	Amount            decimal.Decimal `json:"amount"`
	Type              string          `json:"transactionType"`
	PaymentInstrument string          `json:"paymentInstrument"`

	// Parties
	PayerID       string `json:"payerId"`
	BeneficiaryID string `json:"beneficiaryId"`

	// Channel
	InitiationMode string `json:"initiationMode"`
	DeviceID       string `json:"deviceId"`
	IPAddress      string `json:"ipAddress"`

	// Location (both or neither)
	Latitude  *float64 `json:"latitude,omitempty"`
	Longitude *float64 `json:"longitude,omitempty"`
	Country   string   `json:"country,omitempty"`
	City      string   `json:"city,omitempty"`

	// Temporal features, in the scoring timezone. DayOfWeek is 0 for Monday.
	DayOfWeek int       `json:"dayOfWeek"`
	Hour      int       `json:"hour"`
	Minute    int       `json:"minute"`
	IsNight   bool      `json:"isNight"`
	CreatedAt time.Time `json:"createdAt"`

	// IsFraud stays nil until a verdict is attached.
	IsFraud *bool `json:"isFraud,omitempty"`
}

// Validate checks the invariants the pipeline relies on.
func (t *Transaction) Validate() error {
	if strings.TrimSpace(t.UserID) == "" {
		return ErrMissingUser
	}
	if !t.Amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	if (t.Latitude == nil) != (t.Longitude == nil) {
		return ErrPartialLocation
	}
	return nil
}

// HasLocation reports whether both coordinates are present.
func (t *Transaction) HasLocation() bool {
	return t.Latitude != nil && t.Longitude != nil
}

// AmountFloat returns the amount as a float64 for statistical use.
func (t *Transaction) AmountFloat() float64 {
	f, _ := t.Amount.Float64()
	return f
}

// Profile is the payer's account profile. Read-only to the scoring pipeline.
type Profile struct {
	UserID           string           `json:"userId"`
	PayerID          string           `json:"payerId"`
	Country          string           `json:"country,omitempty"`
	TransactionLimit *decimal.Decimal `json:"transactionLimit,omitempty"`
	Email            string           `json:"email,omitempty"`
	UpdatedAt        time.Time        `json:"updatedAt"`
}

// ScoreRequest is the API payload for synchronous scoring.
type ScoreRequest struct {
	UserID          string          `json:"userId" validate:"required"`
	Amount          decimal.Decimal `json:"amount"`
	TransactionType string          `json:"transactionType" validate:"required"`
	PaymentMethod   string          `json:"paymentMethod" validate:"required"`
	BeneficiaryID   string          `json:"beneficiaryId" validate:"required"`
	DeviceID        string          `json:"deviceId,omitempty"`
	IPAddress       string          `json:"ipAddress,omitempty" validate:"omitempty,ip"`
	Latitude        *float64        `json:"latitude,omitempty" validate:"omitempty,latitude,required_with=Longitude"`
	Longitude       *float64        `json:"longitude,omitempty" validate:"omitempty,longitude,required_with=Latitude"`
	Country         string          `json:"country,omitempty"`
	City            string          `json:"city,omitempty"`
}

// ToTransaction converts a request into a Transaction. Derived columns
// (device, IP geolocation, time features) are filled in by enrichment.
func (r *ScoreRequest) ToTransaction(payerID string) *Transaction {
	return &Transaction{
		UserID:            r.UserID,
		Amount:            r.Amount,
		Type:              r.TransactionType,
		PaymentInstrument: r.PaymentMethod,
		PayerID:           payerID,
		BeneficiaryID:     r.BeneficiaryID,
		DeviceID:          r.DeviceID,
		IPAddress:         r.IPAddress,
		Latitude:          r.Latitude,
		Longitude:         r.Longitude,
		Country:           r.Country,
		City:              r.City,
	}
}

// ProfileRequest is the API payload for creating or replacing a profile.
type ProfileRequest struct {
	PayerID          string           `json:"payerId" validate:"required"`
	Country          string           `json:"country,omitempty" validate:"omitempty,max=64"`
	TransactionLimit *decimal.Decimal `json:"transactionLimit,omitempty"`
	Email            string           `json:"email,omitempty" validate:"omitempty,email"`
}
