// Package classifier loads and evaluates the pretrained fraud model.
//
// The model is an opaque artifact produced by offline training. Two shapes
// are supported: a logistic regression and a gradient-boosted tree
// ensemble whose raw margin is passed through a sigmoid.
package classifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
)

// Model types.
const (
	TypeLogistic = "logistic"
	TypeGBDT     = "gbdt"
)

var (
	// ErrNotLoaded is returned when no model artifact is available.
	ErrNotLoaded = errors.New("classifier: model not loaded")

	// ErrFeatureMismatch is returned when the artifact's feature list does
	// not match the order the scorer builds vectors in.
	ErrFeatureMismatch = errors.New("classifier: feature mismatch")

	// ErrInvalidModel is returned for a structurally broken artifact.
	ErrInvalidModel = errors.New("classifier: invalid model")
)

// Artifact is the serialized model.
type Artifact struct {
	Type     string   `json:"type"`
	Version  string   `json:"version,omitempty"`
	Features []string `json:"features"`

	// logistic
	Intercept    float64   `json:"intercept,omitempty"`
	Coefficients []float64 `json:"coefficients,omitempty"`

	// gbdt
	BaseScore float64 `json:"baseScore,omitempty"`
	Trees     []Tree  `json:"trees,omitempty"`
}

// Tree is a binary decision tree stored as a flat node list rooted at 0.
type Tree struct {
	Nodes []Node `json:"nodes"`
}

// Node is either a split (Leaf == nil) or a leaf.
type Node struct {
	Feature   int      `json:"feature"`
	Threshold float64  `json:"threshold"`
	Left      int      `json:"left"`
	Right     int      `json:"right"`
	Leaf      *float64 `json:"leaf,omitempty"`
}

// Model is a loaded classifier. It is immutable and safe for concurrent use.
type Model struct {
	artifact Artifact
}

// Load reads a model artifact and checks its feature order against expected.
func Load(path string, expected []string) (*Model, error) {
	if path == "" {
		return nil, ErrNotLoaded
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotLoaded, err)
	}
	return Parse(data, expected)
}

// Parse builds a model from artifact JSON.
func Parse(data []byte, expected []string) (*Model, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidModel, err)
	}
	return New(a, expected)
}

// New validates a and wraps it as a Model.
func New(a Artifact, expected []string) (*Model, error) {
	if expected != nil && !slices.Equal(a.Features, expected) {
		return nil, fmt.Errorf("%w: artifact has %v, want %v", ErrFeatureMismatch, a.Features, expected)
	}

	n := len(a.Features)
	switch a.Type {
	case TypeLogistic:
		if len(a.Coefficients) != n {
			return nil, fmt.Errorf("%w: %d coefficients for %d features", ErrInvalidModel, len(a.Coefficients), n)
		}
	case TypeGBDT:
		if len(a.Trees) == 0 {
			return nil, fmt.Errorf("%w: no trees", ErrInvalidModel)
		}
		for i, t := range a.Trees {
			if err := t.validate(n); err != nil {
				return nil, fmt.Errorf("%w: tree %d: %v", ErrInvalidModel, i, err)
			}
		}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalidModel, a.Type)
	}

	return &Model{artifact: a}, nil
}

// Features returns the expected feature order.
func (m *Model) Features() []string {
	return slices.Clone(m.artifact.Features)
}

// Version returns the artifact version label, if any.
func (m *Model) Version() string {
	return m.artifact.Version
}

// PredictProbability returns the fraud-class probability for features.
func (m *Model) PredictProbability(features []float64) (float64, error) {
	if len(features) != len(m.artifact.Features) {
		return 0, fmt.Errorf("%w: got %d values, want %d", ErrFeatureMismatch, len(features), len(m.artifact.Features))
	}

	var margin float64
	switch m.artifact.Type {
	case TypeLogistic:
		margin = m.artifact.Intercept
		for i, c := range m.artifact.Coefficients {
			margin += c * features[i]
		}
	case TypeGBDT:
		margin = m.artifact.BaseScore
		for _, t := range m.artifact.Trees {
			margin += t.eval(features)
		}
	}

	p := sigmoid(margin)
	if math.IsNaN(p) {
		return 0, fmt.Errorf("%w: non-finite prediction", ErrInvalidModel)
	}
	return p, nil
}

func (t Tree) eval(features []float64) float64 {
	i := 0
	for {
		n := t.Nodes[i]
		if n.Leaf != nil {
			return *n.Leaf
		}
		if features[n.Feature] < n.Threshold {
			i = n.Left
		} else {
			i = n.Right
		}
	}
}

// validate checks indices and that every path from the root ends in a leaf.
func (t Tree) validate(numFeatures int) error {
	if len(t.Nodes) == 0 {
		return errors.New("empty tree")
	}

	visited := make([]bool, len(t.Nodes))
	var walk func(i, depth int) error
	walk = func(i, depth int) error {
		if i < 0 || i >= len(t.Nodes) {
			return fmt.Errorf("node index %d out of range", i)
		}
		if depth > len(t.Nodes) || visited[i] {
			return fmt.Errorf("cycle at node %d", i)
		}
		visited[i] = true
		n := t.Nodes[i]
		if n.Leaf != nil {
			return nil
		}
		if n.Feature < 0 || n.Feature >= numFeatures {
			return fmt.Errorf("node %d splits on feature %d", i, n.Feature)
		}
		if err := walk(n.Left, depth+1); err != nil {
			return err
		}
		return walk(n.Right, depth+1)
	}
	return walk(0, 0)
}

func sigmoid(x float64) float64 {
	return 1 / (1 + math.Exp(-x))
}
