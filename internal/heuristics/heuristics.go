// Package heuristics implements the stateless real-time checks run against
// the current transaction and the user's profile.
package heuristics

import (
	"context"
	"log/slog"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/shopspring/decimal"
)

// Rule labels.
const (
	LabelLimitExceeded   = "Amount exceeds 95% of transaction limit"
	LabelCountryMismatch = "Transaction country differs from profile country"
	LabelInvalidPayee    = "Invalid UPI ID"
)

// DefaultLimitRatio is the share of the transaction limit above which an
// amount is flagged.
const DefaultLimitRatio = 0.95

// Checker runs the heuristic checks. Safe for concurrent use.
type Checker struct {
	verifier   domain.IdentityVerifier
	limitRatio decimal.Decimal
	logger     *slog.Logger
}

// NewChecker creates a Checker. A nil verifier skips the beneficiary check.
func NewChecker(verifier domain.IdentityVerifier, limitRatio float64, logger *slog.Logger) *Checker {
	if limitRatio <= 0 {
		limitRatio = DefaultLimitRatio
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		verifier:   verifier,
		limitRatio: decimal.NewFromFloat(limitRatio),
		logger:     logger,
	}
}

// Check evaluates every heuristic against tx. profile may be nil.
func (c *Checker) Check(ctx context.Context, tx *domain.Transaction, profile *domain.Profile) domain.HeuristicResult {
	result := domain.HeuristicResult{Rules: []string{}}

	// A zero limit counts as unset.
	if profile != nil && profile.TransactionLimit != nil && profile.TransactionLimit.IsPositive() &&
		tx.Amount.GreaterThan(profile.TransactionLimit.Mul(c.limitRatio)) {
		result.Rules = append(result.Rules, LabelLimitExceeded)
	}

	if profile != nil && countryMismatch(tx.Country, profile.Country) {
		result.Rules = append(result.Rules, LabelCountryMismatch)
	}

	if c.invalidBeneficiary(ctx, tx) {
		result.Rules = append(result.Rules, LabelInvalidPayee)
	}

	result.Suspicious = len(result.Rules) > 0
	return result
}

func countryMismatch(txCountry, profileCountry string) bool {
	a := strings.TrimSpace(txCountry)
	b := strings.TrimSpace(profileCountry)
	if a == "" || b == "" {
		return false
	}
	return !strings.EqualFold(a, b)
}

// invalidBeneficiary fails open: a lookup error never flags the transaction.
func (c *Checker) invalidBeneficiary(ctx context.Context, tx *domain.Transaction) bool {
	id := strings.TrimSpace(tx.BeneficiaryID)
	if id == "" || c.verifier == nil {
		return false
	}

	exists, err := c.verifier.Exists(ctx, id)
	if err != nil {
		c.logger.Warn("beneficiary verification unavailable, assuming valid",
			"tx_id", tx.ID,
			"beneficiary_id", id,
			"error", err,
		)
		return false
	}
	return !exists
}
