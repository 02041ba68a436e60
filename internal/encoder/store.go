package encoder

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/opensource-finance/kestrel/internal/domain"
)

// Feature names shared with the trained artifacts.
const (
	FeatureAmount            = "AMOUNT"
	FeaturePayer             = "PAYER_VPA"
	FeatureBeneficiary       = "BENEFICIARY_VPA"
	FeatureInitiationMode    = "INITIATION_MODE"
	FeatureTransactionType   = "TRANSACTION_TYPE"
	FeatureAmountBin         = "AMOUNT_BIN"
	FeatureAmountOutlier     = "IS_AMOUNT_OUTLIER"
	FeatureDayOfWeek         = "DAY_OF_WEEK"
	FeatureHour              = "HOUR"
	FeatureMinute            = "MINUTE"
	FeatureIsNight           = "IS_NIGHT"
	FeatureDeviceID          = "DEVICE_ID"
	FeaturePaymentInstrument = "PAYMENT_INSTRUMENT"
	FeatureCountry           = "COUNTRY"
	FeatureCity              = "CITY"
	FeatureIPAddress         = "IP_ADDRESS"
)

// Defaults applied before local encoding when a field is empty.
const (
	DefaultTransactionType   = "P2P"
	DefaultPaymentInstrument = "UPI"
)

// Artifact is the serialized form of a table.
type Artifact struct {
	Label     map[string][]string       `json:"label"`
	Frequency map[string]map[string]int `json:"frequency"`
}

// Store owns the two process-wide tables. It is loaded once at startup and
// shared by reference across every scoring call.
type Store struct {
	Global *Table
	Local  *Table
}

// NewStore returns a store with two empty tables.
func NewStore() *Store {
	return &Store{
		Global: NewTable("global"),
		Local:  NewTable("local"),
	}
}

// LoadStore reads both artifacts. An empty path yields an empty table;
// a path that cannot be read or parsed is an error.
func LoadStore(globalPath, localPath string) (*Store, error) {
	global, err := LoadTable("global", globalPath)
	if err != nil {
		return nil, err
	}
	local, err := LoadTable("local", localPath)
	if err != nil {
		return nil, err
	}
	return &Store{Global: global, Local: local}, nil
}

// LoadTable reads a table artifact from path.
func LoadTable(name, path string) (*Table, error) {
	if path == "" {
		return NewTable(name), nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s table: %v", ErrInvalidArtifact, name, err)
	}
	return ParseTable(name, data)
}

// ParseTable builds a table from artifact JSON.
func ParseTable(name string, data []byte) (*Table, error) {
	var a Artifact
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("%w: %s table: %v", ErrInvalidArtifact, name, err)
	}
	return FromArtifact(name, a)
}

// FromArtifact validates a and builds a table from it.
func FromArtifact(name string, a Artifact) (*Table, error) {
	t := NewTable(name)

	for feature, classes := range a.Label {
		if strings.TrimSpace(feature) == "" {
			return nil, fmt.Errorf("%w: %s table: empty feature name", ErrInvalidArtifact, name)
		}
		seen := make(map[string]struct{}, len(classes))
		for _, c := range classes {
			if _, dup := seen[c]; dup {
				return nil, fmt.Errorf("%w: %s table: duplicate class %q in %s", ErrInvalidArtifact, name, c, feature)
			}
			seen[c] = struct{}{}
		}
		t.register(feature, NewLabel(classes))
	}

	for feature, counts := range a.Frequency {
		if strings.TrimSpace(feature) == "" {
			return nil, fmt.Errorf("%w: %s table: empty feature name", ErrInvalidArtifact, name)
		}
		if _, dup := t.encoders[feature]; dup {
			return nil, fmt.Errorf("%w: %s table: %s is both label and frequency encoded", ErrInvalidArtifact, name, feature)
		}
		for v, n := range counts {
			if n < 1 {
				return nil, fmt.Errorf("%w: %s table: count %d for %q in %s", ErrInvalidArtifact, name, n, v, feature)
			}
		}
		t.register(feature, NewFrequency(counts))
	}

	return t, nil
}

// EncodeLocal encodes the behavioral-rule view of tx with the local table.
func (s *Store) EncodeLocal(tx *domain.Transaction) domain.EncodedFeatures {
	return domain.EncodedFeatures{
		DeviceID:          s.Local.EncodeLabel(FeatureDeviceID, tx.DeviceID),
		TransactionType:   s.Local.EncodeLabel(FeatureTransactionType, orDefault(tx.Type, DefaultTransactionType)),
		PaymentInstrument: s.Local.EncodeLabel(FeaturePaymentInstrument, orDefault(tx.PaymentInstrument, DefaultPaymentInstrument)),
		Country:           s.Local.EncodeLabel(FeatureCountry, tx.Country),
		City:              s.Local.EncodeLabel(FeatureCity, tx.City),
		BeneficiaryID:     s.Local.EncodeFrequency(FeatureBeneficiary, tx.BeneficiaryID),
		IPAddress:         s.Local.EncodeFrequency(FeatureIPAddress, tx.IPAddress),
	}
}

// InstrumentCode returns the local label code for a payment instrument.
// ok is false when the local table has no payment-instrument encoder.
func (s *Store) InstrumentCode(instrument string) (code int, ok bool) {
	e, found := s.Local.Encoder(FeaturePaymentInstrument)
	if !found || e.Kind() != KindLabel {
		return -1, false
	}
	return e.Encode(Normalize(instrument)), true
}

func orDefault(v, def string) string {
	if strings.TrimSpace(v) == "" {
		return def
	}
	return v
}
