package core

import (
	"fmt"
	"testing"
)

func benchmarkInput(lines int, metafield string) Input {
	cart := make([]CartLine, lines)
	for i := range cart {
		line := variantLine(fmt.Sprintf("gid://shopify/CartLine/%d", i), fmt.Sprintf("gid://shopify/Product/%d", i%50))
		if i%7 == 0 {
			line = withCompareAt(line, "12.00")
		}
		cart[i] = line
	}

	input := Input{
		Cart:     Cart{Lines: cart},
		Discount: Discount{DiscountClasses: []DiscountClass{DiscountClassProduct}},
	}
	if metafield != "" {
		input.Discount.Metafield = &Metafield{Value: metafield}
	}
	return input
}

func BenchmarkRun_Default(b *testing.B) {
	input := benchmarkInput(25, "")

	b.ResetTimer()
	for b.Loop() {
		Run(input)
	}
}

func BenchmarkRun_AllowList(b *testing.B) {
	ids := ""
	for i := 0; i < 50; i += 2 {
		if ids != "" {
			ids += ","
		}
		ids += fmt.Sprintf("gid://shopify/Product/%d", i)
	}
	input := benchmarkInput(200, fmt.Sprintf(`{"amount": 5, "productIds": %q}`, ids))

	b.ResetTimer()
	for b.Loop() {
		Run(input)
	}
}

func BenchmarkResolveConfiguration(b *testing.B) {
	raw := []byte(`{"percentage": 15, "productIds": "gid://shopify/Product/1, gid://shopify/Product/2", "collections": ["gid://shopify/Collection/1"]}`)

	b.ResetTimer()
	for b.Loop() {
		ResolveConfiguration(raw)
	}
}
