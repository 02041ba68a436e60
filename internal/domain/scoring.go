package domain

import (
	"context"
)

// Classifier is a loaded, pretrained statistical model.
type Classifier interface {
	// PredictProbability returns the probability of the fraud class in [0,1].
	PredictProbability(features []float64) (float64, error)

	// Features returns the feature names in the order the model expects.
	Features() []string
}

// IdentityVerifier checks whether a beneficiary identifier exists.
// Implementations may block on the network and may fail.
type IdentityVerifier interface {
	Exists(ctx context.Context, identifier string) (bool, error)
}
