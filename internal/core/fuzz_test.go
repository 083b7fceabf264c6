package core

import (
	"testing"
)

func FuzzResolveConfigurationIsTotal(f *testing.F) {
	f.Add([]byte(``))
	f.Add([]byte(`{`))
	f.Add([]byte(`{"percentage": 15}`))
	f.Add([]byte(`{"amount": "5.5", "productIds": "a, b,,c"}`))
	f.Add([]byte(`{"percentage": {"value": 1}, "amount": [1], "collections": "x"}`))
	f.Add([]byte(`{"amount": 1e999999999}`))
	f.Add([]byte(`{"amount": 1e-999999999}`))
	f.Add([]byte(`{"percentage": 0.1234567890123456789}`))
	f.Add([]byte(`[]`))

	f.Fuzz(func(t *testing.T, raw []byte) {
		cfg := ResolveConfiguration(raw)

		if cfg.Kind != DiscountKindPercentage && cfg.Kind != DiscountKindFixedAmount {
			t.Fatalf("unexpected kind %q", cfg.Kind)
		}
		if !cfg.Magnitude.IsPositive() {
			t.Fatalf("magnitude %s is not positive", cfg.Magnitude.String())
		}
		if cfg.ProductIDs == nil || cfg.Collections == nil {
			t.Fatal("lists must be non-nil")
		}
		for _, id := range cfg.ProductIDs {
			if id == "" {
				t.Fatal("empty product id survived normalisation")
			}
		}
		if cfg.Fallback && (cfg.Kind != DiscountKindPercentage || cfg.Magnitude.String() != "20") {
			t.Fatalf("fallback configuration is %s %s", cfg.Kind, cfg.Magnitude.String())
		}

		_ = discountMessage(cfg)
	})
}

func FuzzRunIsTotal(f *testing.F) {
	f.Add([]byte(`{"cart":{"lines":[{"id":"l1","merchandise":{"__typename":"ProductVariant","id":"v","product":{"id":"p"}}}]},"discount":{"discountClasses":["PRODUCT"]}}`))
	f.Add([]byte(`{"cart":{"lines":[{"id":"l1","merchandise":{"__typename":"X"}}]},"discount":{"discountClasses":["PRODUCT"],"metafield":{"value":"{\"amount\":3}"}}}`))
	f.Add([]byte(`{}`))

	f.Fuzz(func(t *testing.T, doc []byte) {
		input, err := DecodeInput(doc)
		if err != nil {
			return
		}

		out := Run(input)
		if len(out.Operations) > 1 {
			t.Fatalf("got %d operations, want at most 1", len(out.Operations))
		}
		if _, err := EncodeOutput(out); err != nil {
			t.Fatalf("EncodeOutput() error = %v", err)
		}

		if len(out.Operations) == 1 {
			eligible := 0
			for _, line := range input.Cart.Lines {
				if _, ok := lineVariant(line); ok {
					eligible++
				}
			}
			targets := out.Operations[0].ProductDiscountsAdd.Candidates[0].Targets
			if len(targets) > eligible {
				t.Fatalf("%d targets from %d variant lines", len(targets), eligible)
			}
		}
	})
}
