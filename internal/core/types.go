package core

import (
	"bytes"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Metafield coordinates the settings UI writes the configuration to.
const (
	MetafieldNamespace = "$app:klaviyo-discount"
	MetafieldKey       = "function-configuration"
)

type DiscountClass string

const (
	DiscountClassProduct  DiscountClass = "PRODUCT"
	DiscountClassOrder    DiscountClass = "ORDER"
	DiscountClassShipping DiscountClass = "SHIPPING"
)

// Valid reports whether c is a discount class the host knows about.
func (c DiscountClass) Valid() bool {
	switch c {
	case DiscountClassProduct, DiscountClassOrder, DiscountClassShipping:
		return true
	default:
		return false
	}
}

type DiscountKind string

const (
	DiscountKindPercentage  DiscountKind = "percentage"
	DiscountKindFixedAmount DiscountKind = "fixedAmount"
)

type SelectionStrategy string

const SelectionStrategyFirst SelectionStrategy = "FIRST"

// Number is a decimal that encodes as a bare JSON number. It decodes from
// either a JSON number or a quoted decimal string.
type Number struct {
	decimal.Decimal
}

func NewNumber(d decimal.Decimal) Number {
	return Number{Decimal: d}
}

func (n Number) MarshalJSON() ([]byte, error) {
	return []byte(n.String()), nil
}

// Input is the document the host runtime hands to the function.
type Input struct {
	Cart     Cart     `json:"cart"`
	Discount Discount `json:"discount"`
}

type Cart struct {
	Lines []CartLine `json:"lines"`
}

type CartLine struct {
	ID          string       `json:"id"`
	Quantity    int          `json:"quantity"`
	Merchandise Merchandise  `json:"merchandise"`
	Cost        CartLineCost `json:"cost"`
}

type CartLineCost struct {
	AmountPerQuantity          Money  `json:"amountPerQuantity"`
	CompareAtAmountPerQuantity *Money `json:"compareAtAmountPerQuantity"`
}

type Money struct {
	Amount       decimal.Decimal `json:"amount"`
	CurrencyCode string          `json:"currencyCode,omitempty"`
}

type Discount struct {
	DiscountClasses []DiscountClass `json:"discountClasses"`
	Metafield       *Metafield      `json:"metafield"`
}

// HasClass reports whether class is among the active discount classes.
func (d Discount) HasClass(class DiscountClass) bool {
	for _, c := range d.DiscountClasses {
		if c == class {
			return true
		}
	}
	return false
}

// ConfigurationPayload returns the raw metafield value, or nil when the
// discount carries no metafield.
func (d Discount) ConfigurationPayload() []byte {
	if d.Metafield == nil {
		return nil
	}
	return []byte(d.Metafield.Value)
}

// Metafield holds the merchant configuration. Value is normally a JSON string
// containing JSON; a host that inlines the object is accepted too.
type Metafield struct {
	Value string `json:"value"`
}

func (m *Metafield) UnmarshalJSON(data []byte) error {
	var envelope struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return err
	}

	raw := bytes.TrimSpace(envelope.Value)
	switch {
	case len(raw) == 0, bytes.Equal(raw, []byte("null")):
		m.Value = ""
	case raw[0] == '"':
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		m.Value = s
	default:
		m.Value = string(raw)
	}

	return nil
}

// Configuration is the resolved, fully defaulted merchant configuration.
// Collections is carried for parity with the settings UI and is not applied
// when filtering lines.
type Configuration struct {
	Kind        DiscountKind `json:"kind"`
	Magnitude   Number       `json:"magnitude"`
	ProductIDs  []string     `json:"productIds"`
	Collections []string     `json:"collections"`
	// Fallback is set when kind and magnitude came from the defaults.
	Fallback bool `json:"fallback"`
}

// Output is the document returned to the host.
type Output struct {
	Operations []Operation `json:"operations"`
}

type Operation struct {
	ProductDiscountsAdd *ProductDiscountsAddOperation `json:"productDiscountsAdd,omitempty"`
}

type ProductDiscountsAddOperation struct {
	Candidates        []ProductDiscountCandidate `json:"candidates"`
	SelectionStrategy SelectionStrategy          `json:"selectionStrategy"`
}

type ProductDiscountCandidate struct {
	Message string                           `json:"message"`
	Targets []ProductDiscountCandidateTarget `json:"targets"`
	Value   ProductDiscountCandidateValue    `json:"value"`
}

type ProductDiscountCandidateTarget struct {
	CartLine CartLineTarget `json:"cartLine"`
}

type CartLineTarget struct {
	ID string `json:"id"`
}

// ProductDiscountCandidateValue holds exactly one of Percentage or FixedAmount.
type ProductDiscountCandidateValue struct {
	Percentage  *Percentage  `json:"percentage,omitempty"`
	FixedAmount *FixedAmount `json:"fixedAmount,omitempty"`
}

type Percentage struct {
	Value Number `json:"value"`
}

type FixedAmount struct {
	Amount Number `json:"amount"`
}
