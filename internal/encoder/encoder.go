// Package encoder maps raw categorical values to numeric codes for the
// global classifier and the local behavioral rules.
//
// Tables are append-only. A value never seen before is assigned a new
// label code (or a frequency of 1) instead of failing the request, and
// concurrent first sightings of the same value always agree on its code.
package encoder

import (
	"sync"

	"github.com/opensource-finance/kestrel/internal/metrics"
)

// Kind distinguishes the two encoder variants.
type Kind int

const (
	// KindLabel maps a value to its insertion index.
	KindLabel Kind = iota
	// KindFrequency maps a value to an occurrence count.
	KindFrequency
)

func (k Kind) String() string {
	switch k {
	case KindLabel:
		return "label"
	case KindFrequency:
		return "frequency"
	default:
		return "unknown"
	}
}

// Encoder is either a label encoder or a frequency encoder for one feature.
type Encoder struct {
	kind Kind

	mu      sync.RWMutex
	index   map[string]int // label: value -> code
	classes []string       // label: code -> value
	counts  map[string]int // frequency: value -> count

	// gauge labels, set when registered into a table
	table, feature string
}

// NewLabel creates a label encoder seeded with classes in code order.
func NewLabel(classes []string) *Encoder {
	e := &Encoder{
		kind:    KindLabel,
		index:   make(map[string]int, len(classes)),
		classes: make([]string, 0, len(classes)),
	}
	for _, c := range classes {
		if _, ok := e.index[c]; ok {
			continue
		}
		e.index[c] = len(e.classes)
		e.classes = append(e.classes, c)
	}
	return e
}

// NewFrequency creates a frequency encoder seeded with counts.
func NewFrequency(counts map[string]int) *Encoder {
	e := &Encoder{
		kind:   KindFrequency,
		counts: make(map[string]int, len(counts)),
	}
	for k, v := range counts {
		e.counts[k] = v
	}
	return e
}

// Kind returns the encoder variant.
func (e *Encoder) Kind() Kind {
	return e.kind
}

// Encode returns the code for value, growing the table if value is new.
// Frequency encoders return the stored count and never increment it.
func (e *Encoder) Encode(value string) int {
	if code, ok := e.Lookup(value); ok {
		return code
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// Another caller may have inserted it between the two locks.
	switch e.kind {
	case KindLabel:
		if code, ok := e.index[value]; ok {
			return code
		}
		code := len(e.classes)
		e.index[value] = code
		e.classes = append(e.classes, value)
		e.observe(len(e.classes))
		return code
	default:
		if n, ok := e.counts[value]; ok {
			return n
		}
		e.counts[value] = 1
		e.observe(len(e.counts))
		return 1
	}
}

// Lookup returns the code for value without modifying the table.
func (e *Encoder) Lookup(value string) (int, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.kind == KindLabel {
		code, ok := e.index[value]
		return code, ok
	}
	n, ok := e.counts[value]
	return n, ok
}

// Len returns the number of classes (label) or keys (frequency) seen so far.
func (e *Encoder) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.kind == KindLabel {
		return len(e.classes)
	}
	return len(e.counts)
}

// Classes returns a copy of the label classes in code order.
// It returns nil for frequency encoders.
func (e *Encoder) Classes() []string {
	if e.kind != KindLabel {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]string, len(e.classes))
	copy(out, e.classes)
	return out
}

// Counts returns a copy of the frequency table.
// It returns nil for label encoders.
func (e *Encoder) Counts() map[string]int {
	if e.kind != KindFrequency {
		return nil
	}
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make(map[string]int, len(e.counts))
	for k, v := range e.counts {
		out[k] = v
	}
	return out
}

func (e *Encoder) observe(size int) {
	if e.table == "" {
		return
	}
	metrics.EncoderClasses.WithLabelValues(e.table, e.feature).Set(float64(size))
}
