package core

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeInputMerchandise(t *testing.T) {
	input, err := DecodeInput([]byte(`{
		"cart": {"lines": [
			{"id": "l1", "merchandise": {"__typename": "ProductVariant", "id": "v1", "product": {"id": "p1"}}},
			{"id": "l2", "merchandise": {"__typename": "CustomProduct", "title": "Engraving"}},
			{"id": "l3", "merchandise": {"__typename": "GiftCard", "id": "g1"}},
			{"id": "l4", "merchandise": null},
			{"id": "l5"}
		]},
		"discount": {"discountClasses": ["PRODUCT"]}
	}`))
	require.NoError(t, err)
	require.Len(t, input.Cart.Lines, 5)

	variant, ok := input.Cart.Lines[0].Merchandise.AsProductVariant()
	require.True(t, ok)
	assert.Equal(t, "v1", variant.ID)
	assert.Equal(t, "p1", variant.Product.ID)

	assert.Equal(t, CustomProduct{Title: "Engraving"}, input.Cart.Lines[1].Merchandise)
	assert.Equal(t, UnknownMerchandise{Kind: "GiftCard"}, input.Cart.Lines[2].Merchandise)
	assert.Equal(t, UnknownMerchandise{}, input.Cart.Lines[3].Merchandise)
	assert.Equal(t, UnknownMerchandise{}, input.Cart.Lines[4].Merchandise)

	for _, line := range input.Cart.Lines[1:] {
		_, ok := line.Merchandise.AsProductVariant()
		assert.False(t, ok, line.ID)
	}
}

func TestDecodeInputAmounts(t *testing.T) {
	input, err := DecodeInput([]byte(`{
		"cart": {"lines": [{
			"id": "l1",
			"merchandise": {"__typename": "ProductVariant", "id": "v1", "product": {"id": "p1"}},
			"cost": {"amountPerQuantity": {"amount": 19.5, "currencyCode": "CAD"},
			         "compareAtAmountPerQuantity": {"amount": "24.00", "currencyCode": "CAD"}}
		}]},
		"discount": {"discountClasses": ["PRODUCT"]}
	}`))
	require.NoError(t, err)

	cost := input.Cart.Lines[0].Cost
	assert.Equal(t, "19.5", cost.AmountPerQuantity.Amount.String())
	require.NotNil(t, cost.CompareAtAmountPerQuantity)
	assert.Equal(t, "24", cost.CompareAtAmountPerQuantity.Amount.String())
}

func TestDecodeInputMetafield(t *testing.T) {
	tests := []struct {
		name string
		doc  string
		want []byte
	}{
		{
			name: "absent",
			doc:  `{"discount": {"discountClasses": ["PRODUCT"]}}`,
			want: nil,
		},
		{
			name: "string value",
			doc:  `{"discount": {"metafield": {"value": "{\"amount\": 5}"}}}`,
			want: []byte(`{"amount": 5}`),
		},
		{
			name: "inlined JSON value",
			doc:  `{"discount": {"metafield": {"value": {"amount": 5}}}}`,
			want: []byte(`{"amount": 5}`),
		},
		{
			name: "null value",
			doc:  `{"discount": {"metafield": {"value": null}}}`,
			want: []byte{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			input, err := DecodeInput([]byte(tt.doc))
			require.NoError(t, err)
			assert.Equal(t, tt.want, input.Discount.ConfigurationPayload())
		})
	}
}

func TestDecodeInputRejectsMalformedDocument(t *testing.T) {
	_, err := DecodeInput([]byte(`{"cart": {"lines": [`))
	require.Error(t, err)

	_, err = DecodeInput([]byte(`{"cart": {"lines": [{"id": "l1", "merchandise": "variant"}]}}`))
	require.Error(t, err)
}

func TestCartLineRoundTrip(t *testing.T) {
	line := withCompareAt(variantLine("l1", "gid://shopify/Product/1"), "3.00")

	payload, err := json.Marshal(line)
	require.NoError(t, err)
	assert.Contains(t, string(payload), `"__typename":"ProductVariant"`)

	var decoded CartLine
	require.NoError(t, json.Unmarshal(payload, &decoded))

	variant, ok := decoded.Merchandise.AsProductVariant()
	require.True(t, ok)
	assert.Equal(t, "gid://shopify/Product/1", variant.Product.ID)
	assert.Equal(t, "3", decoded.Cost.CompareAtAmountPerQuantity.Amount.String())
}
