package core

import (
	"bytes"
	"encoding/json"
	"fmt"
)

const (
	typeNameProductVariant = "ProductVariant"
	typeNameCustomProduct  = "CustomProduct"
)

// Merchandise is the purchasable unit behind a cart line. It is a closed set
// of kinds discriminated by the host's __typename; kinds this package does not
// know decode to UnknownMerchandise.
type Merchandise interface {
	TypeName() string
	// AsProductVariant reports whether the merchandise is a product variant,
	// the only kind that can be discounted.
	AsProductVariant() (ProductVariant, bool)
	isMerchandise()
}

type Product struct {
	ID string `json:"id"`
}

type ProductVariant struct {
	ID      string  `json:"id"`
	Product Product `json:"product"`
}

func (ProductVariant) TypeName() string                           { return typeNameProductVariant }
func (v ProductVariant) AsProductVariant() (ProductVariant, bool) { return v, true }
func (ProductVariant) isMerchandise()                             {}

func (v ProductVariant) MarshalJSON() ([]byte, error) {
	type variant ProductVariant
	return json.Marshal(struct {
		TypeName string `json:"__typename"`
		variant
	}{TypeName: typeNameProductVariant, variant: variant(v)})
}

type CustomProduct struct {
	Title string `json:"title,omitempty"`
}

func (CustomProduct) TypeName() string                         { return typeNameCustomProduct }
func (CustomProduct) AsProductVariant() (ProductVariant, bool) { return ProductVariant{}, false }
func (CustomProduct) isMerchandise()                           {}

func (c CustomProduct) MarshalJSON() ([]byte, error) {
	type custom CustomProduct
	return json.Marshal(struct {
		TypeName string `json:"__typename"`
		custom
	}{TypeName: typeNameCustomProduct, custom: custom(c)})
}

// UnknownMerchandise stands in for a merchandise kind added by the host after
// this package was written, or for a line with no merchandise at all.
type UnknownMerchandise struct {
	Kind string
}

func (u UnknownMerchandise) TypeName() string                     { return u.Kind }
func (UnknownMerchandise) AsProductVariant() (ProductVariant, bool) { return ProductVariant{}, false }
func (UnknownMerchandise) isMerchandise()                         {}

func (u UnknownMerchandise) MarshalJSON() ([]byte, error) {
	if u.Kind == "" {
		return []byte("null"), nil
	}
	return json.Marshal(struct {
		TypeName string `json:"__typename"`
	}{TypeName: u.Kind})
}

func (l *CartLine) UnmarshalJSON(data []byte) error {
	type line CartLine
	var aux struct {
		line
		Merchandise json.RawMessage `json:"merchandise"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}

	merchandise, err := decodeMerchandise(aux.Merchandise)
	if err != nil {
		return fmt.Errorf("cart line %q: %w", aux.ID, err)
	}

	*l = CartLine(aux.line)
	l.Merchandise = merchandise
	return nil
}

func decodeMerchandise(raw json.RawMessage) (Merchandise, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return UnknownMerchandise{}, nil
	}

	var tag struct {
		TypeName string `json:"__typename"`
	}
	if err := json.Unmarshal(raw, &tag); err != nil {
		return nil, fmt.Errorf("decode merchandise: %w", err)
	}

	switch tag.TypeName {
	case typeNameProductVariant:
		var variant ProductVariant
		if err := json.Unmarshal(raw, &variant); err != nil {
			return nil, fmt.Errorf("decode product variant: %w", err)
		}
		return variant, nil
	case typeNameCustomProduct:
		var custom CustomProduct
		if err := json.Unmarshal(raw, &custom); err != nil {
			return nil, fmt.Errorf("decode custom product: %w", err)
		}
		return custom, nil
	default:
		return UnknownMerchandise{Kind: tag.TypeName}, nil
	}
}
