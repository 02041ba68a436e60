package encoder

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/opensource-finance/kestrel/internal/metrics"
	"github.com/shopspring/decimal"
)

// Unknown replaces missing or blank categorical values.
const Unknown = "Unknown"

var (
	// ErrUnknownFeature is returned for an empty feature name. It signals
	// a programming or configuration error, not a bad request.
	ErrUnknownFeature = errors.New("encoder: feature name is required")

	// ErrInvalidArtifact is returned when an encoder artifact cannot be used.
	ErrInvalidArtifact = errors.New("encoder: invalid artifact")
)

// Table maps feature names to encoders. The set of features is fixed once
// the table is loaded; only the encoders themselves grow.
type Table struct {
	name     string
	encoders map[string]*Encoder
}

// NewTable creates an empty table.
func NewTable(name string) *Table {
	return &Table{
		name:     name,
		encoders: make(map[string]*Encoder),
	}
}

// Name returns the table name ("global" or "local").
func (t *Table) Name() string {
	return t.name
}

// register adds an encoder for feature. Only called while loading, before
// the table is shared.
func (t *Table) register(feature string, e *Encoder) {
	e.table = t.name
	e.feature = feature
	t.encoders[feature] = e
	metrics.EncoderClasses.WithLabelValues(t.name, feature).Set(float64(e.Len()))
}

// Encoder returns the encoder registered for feature.
func (t *Table) Encoder(feature string) (*Encoder, bool) {
	e, ok := t.encoders[feature]
	return e, ok
}

// Encode converts raw into the numeric value the models consume.
// Registered features are encoded (growing the table on unseen values);
// unregistered features pass through as numbers.
func (t *Table) Encode(feature string, raw any) (float64, error) {
	if feature == "" {
		return 0, ErrUnknownFeature
	}

	e, ok := t.encoders[feature]
	if !ok {
		return toFloat(raw), nil
	}
	return float64(e.Encode(Normalize(raw))), nil
}

// EncodeLabel returns the label code for value, or -1 if feature has no
// label encoder in this table.
func (t *Table) EncodeLabel(feature, value string) int {
	e, ok := t.encoders[feature]
	if !ok || e.Kind() != KindLabel {
		return -1
	}
	return e.Encode(Normalize(value))
}

// EncodeFrequency returns the frequency for value, or 0 if feature has no
// frequency encoder in this table.
func (t *Table) EncodeFrequency(feature, value string) int {
	e, ok := t.encoders[feature]
	if !ok || e.Kind() != KindFrequency {
		return 0
	}
	return e.Encode(Normalize(value))
}

// Classes returns the number of entries seen so far for feature.
func (t *Table) Classes(feature string) int {
	e, ok := t.encoders[feature]
	if !ok {
		return 0
	}
	return e.Len()
}

// FeatureInfo describes one encoder for introspection.
type FeatureInfo struct {
	Feature string `json:"feature"`
	Kind    string `json:"kind"`
	Size    int    `json:"size"`
}

// Snapshot lists every registered feature sorted by name.
func (t *Table) Snapshot() []FeatureInfo {
	out := make([]FeatureInfo, 0, len(t.encoders))
	for name, e := range t.encoders {
		out = append(out, FeatureInfo{Feature: name, Kind: e.Kind().String(), Size: e.Len()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Feature < out[j].Feature })
	return out
}

// Normalize coerces a raw categorical value to its table key.
func Normalize(raw any) string {
	var s string
	switch v := raw.(type) {
	case nil:
		return Unknown
	case string:
		s = v
	case *string:
		if v == nil {
			return Unknown
		}
		s = *v
	case fmt.Stringer:
		s = v.String()
	case bool:
		s = strconv.FormatBool(v)
	case float64:
		s = strconv.FormatFloat(v, 'f', -1, 64)
	default:
		s = fmt.Sprint(v)
	}

	s = strings.TrimSpace(s)
	if s == "" {
		return Unknown
	}
	return s
}

func toFloat(raw any) float64 {
	switch v := raw.(type) {
	case nil:
		return 0
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	case decimal.Decimal:
		f, _ := v.Float64()
		return f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		return f
	default:
		return 0
	}
}
