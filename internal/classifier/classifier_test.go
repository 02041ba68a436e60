package classifier

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func leaf(v float64) *float64 { return &v }

func TestLogistic(t *testing.T) {
	m, err := New(Artifact{
		Type:         TypeLogistic,
		Features:     []string{"A", "B"},
		Intercept:    -1,
		Coefficients: []float64{0.5, 2},
	}, []string{"A", "B"})
	require.NoError(t, err)

	p, err := m.PredictProbability([]float64{2, 0})
	require.NoError(t, err)
	assert.InDelta(t, 0.5, p, 1e-12)

	p, err = m.PredictProbability([]float64{0, 5})
	require.NoError(t, err)
	assert.InDelta(t, 1/(1+math.Exp(-9)), p, 1e-12)

	_, err = m.PredictProbability([]float64{1})
	assert.ErrorIs(t, err, ErrFeatureMismatch)
}

func TestGBDT(t *testing.T) {
	a := Artifact{
		Type:      TypeGBDT,
		Features:  []string{"AMOUNT", "IS_NIGHT"},
		BaseScore: 0,
		Trees: []Tree{
			{Nodes: []Node{
				{Feature: 0, Threshold: 10000, Left: 1, Right: 2},
				{Leaf: leaf(-2)},
				{Leaf: leaf(2)},
			}},
			{Nodes: []Node{
				{Feature: 1, Threshold: 0.5, Left: 1, Right: 2},
				{Leaf: leaf(0)},
				{Leaf: leaf(1)},
			}},
		},
	}
	m, err := New(a, nil)
	require.NoError(t, err)

	low, err := m.PredictProbability([]float64{500, 0})
	require.NoError(t, err)
	high, err := m.PredictProbability([]float64{50000, 1})
	require.NoError(t, err)

	assert.InDelta(t, sigmoid(-2), low, 1e-12)
	assert.InDelta(t, sigmoid(3), high, 1e-12)
	assert.Greater(t, high, low)
}

func TestValidation(t *testing.T) {
	t.Run("FeatureOrderMismatch", func(t *testing.T) {
		_, err := New(Artifact{Type: TypeLogistic, Features: []string{"B", "A"}, Coefficients: []float64{1, 1}}, []string{"A", "B"})
		assert.ErrorIs(t, err, ErrFeatureMismatch)
	})

	t.Run("CoefficientCount", func(t *testing.T) {
		_, err := New(Artifact{Type: TypeLogistic, Features: []string{"A"}, Coefficients: []float64{1, 1}}, nil)
		assert.ErrorIs(t, err, ErrInvalidModel)
	})

	t.Run("UnknownType", func(t *testing.T) {
		_, err := New(Artifact{Type: "svm"}, nil)
		assert.ErrorIs(t, err, ErrInvalidModel)
	})

	t.Run("TreeCycle", func(t *testing.T) {
		_, err := New(Artifact{Type: TypeGBDT, Features: []string{"A"}, Trees: []Tree{{Nodes: []Node{
			{Feature: 0, Threshold: 1, Left: 0, Right: 0},
		}}}}, nil)
		assert.ErrorIs(t, err, ErrInvalidModel)
	})

	t.Run("TreeIndexOutOfRange", func(t *testing.T) {
		_, err := New(Artifact{Type: TypeGBDT, Features: []string{"A"}, Trees: []Tree{{Nodes: []Node{
			{Feature: 0, Threshold: 1, Left: 1, Right: 7},
			{Leaf: leaf(0)},
		}}}}, nil)
		assert.ErrorIs(t, err, ErrInvalidModel)
	})

	t.Run("SplitFeatureOutOfRange", func(t *testing.T) {
		_, err := New(Artifact{Type: TypeGBDT, Features: []string{"A"}, Trees: []Tree{{Nodes: []Node{
			{Feature: 3, Threshold: 1, Left: 1, Right: 2},
			{Leaf: leaf(0)},
			{Leaf: leaf(0)},
		}}}}, nil)
		assert.ErrorIs(t, err, ErrInvalidModel)
	})
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()

	t.Run("EmptyPath", func(t *testing.T) {
		_, err := Load("", nil)
		assert.ErrorIs(t, err, ErrNotLoaded)
	})

	t.Run("MissingFile", func(t *testing.T) {
		_, err := Load(filepath.Join(dir, "missing.json"), nil)
		assert.ErrorIs(t, err, ErrNotLoaded)
	})

	t.Run("Corrupt", func(t *testing.T) {
		path := filepath.Join(dir, "corrupt.json")
		require.NoError(t, os.WriteFile(path, []byte("not json"), 0o600))
		_, err := Load(path, nil)
		assert.ErrorIs(t, err, ErrInvalidModel)
	})

	t.Run("Valid", func(t *testing.T) {
		path := filepath.Join(dir, "model.json")
		body := `{"type":"logistic","version":"2024-06","features":["A"],"intercept":0,"coefficients":[1]}`
		require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

		m, err := Load(path, []string{"A"})
		require.NoError(t, err)
		assert.Equal(t, "2024-06", m.Version())
		assert.Equal(t, []string{"A"}, m.Features())
	})
}
