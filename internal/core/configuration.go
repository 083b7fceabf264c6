package core

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

const (
	defaultPercentage = 20

	// Magnitudes with a larger exponent are treated as non-numeric so values
	// such as 1e999999999 are never expanded when the message is formatted.
	maxMagnitudeExponent = 18

	// Finer magnitudes are rounded to this many decimal places.
	maxMagnitudeScale = 18
)

var maxMagnitude = decimal.New(1, 12)

// DefaultConfiguration is the configuration used when the payload is absent,
// malformed, or names neither a percentage nor an amount.
func DefaultConfiguration() Configuration {
	return Configuration{
		Kind:        DiscountKindPercentage,
		Magnitude:   NewNumber(decimal.NewFromInt(defaultPercentage)),
		ProductIDs:  []string{},
		Collections: []string{},
		Fallback:    true,
	}
}

// ResolveConfiguration decodes a raw configuration payload into a fully
// populated Configuration. It never fails: anything it cannot use falls back
// to DefaultConfiguration.
func ResolveConfiguration(raw []byte) Configuration {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return DefaultConfiguration()
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		return DefaultConfiguration()
	}

	cfg := DefaultConfiguration()
	if magnitude, ok := truthyMagnitude(fields["percentage"]); ok {
		cfg.Kind = DiscountKindPercentage
		cfg.Magnitude = NewNumber(magnitude)
		cfg.Fallback = false
	} else if magnitude, ok := truthyMagnitude(fields["amount"]); ok {
		cfg.Kind = DiscountKindFixedAmount
		cfg.Magnitude = NewNumber(magnitude)
		cfg.Fallback = false
	}

	cfg.ProductIDs = parseProductIDs(fields["productIds"])
	cfg.Collections = parseCollections(fields["collections"])

	return cfg
}

// truthyMagnitude accepts a JSON number or a numeric string, rounded to
// maxMagnitudeScale decimal places. Zero, negative, out-of-range and
// non-numeric values are reported as absent.
func truthyMagnitude(raw json.RawMessage) (decimal.Decimal, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return decimal.Decimal{}, false
	}

	text := string(raw)
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return decimal.Decimal{}, false
		}
		text = strings.TrimSpace(s)
	} else if !json.Valid(raw) {
		return decimal.Decimal{}, false
	}

	d, err := decimal.NewFromString(text)
	if err != nil {
		return decimal.Decimal{}, false
	}
	if d.Exponent() > maxMagnitudeExponent {
		return decimal.Decimal{}, false
	}
	if exp := int(d.Exponent()); exp < -maxMagnitudeScale {
		// Below the last kept place the value rounds to zero; checking first
		// keeps Round from scaling by exponents like 1e-999999999.
		if d.NumDigits()+exp < -maxMagnitudeScale {
			return decimal.Decimal{}, false
		}
		d = d.Round(maxMagnitudeScale)
	}
	if !d.IsPositive() || d.GreaterThanOrEqual(maxMagnitude) {
		return decimal.Decimal{}, false
	}

	return d, true
}

func parseProductIDs(raw json.RawMessage) []string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return []string{}
	}

	var joined string
	if err := json.Unmarshal(raw, &joined); err == nil {
		return splitIDs(strings.Split(joined, ","))
	}

	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err == nil {
		return splitIDs(stringEntries(list))
	}

	return []string{}
}

func parseCollections(raw json.RawMessage) []string {
	var list []json.RawMessage
	if err := json.Unmarshal(raw, &list); err != nil {
		return []string{}
	}

	return stringEntries(list)
}

func splitIDs(tokens []string) []string {
	ids := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if id := strings.TrimSpace(token); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}

func stringEntries(list []json.RawMessage) []string {
	entries := make([]string, 0, len(list))
	for _, item := range list {
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			continue
		}
		entries = append(entries, s)
	}
	return entries
}
