package core

import (
	"log/slog"
)

// FilterEligible returns the cart lines that may receive the discount, in cart
// order. A line is eligible when its merchandise is a product variant, it has
// no positive compare-at price, and, if cfg.ProductIDs is non-empty, its
// product is in that allow-list. Collections are not consulted.
func FilterEligible(lines []CartLine, cfg Configuration) []CartLine {
	return filterEligible(lines, cfg, discardLogger)
}

func filterEligible(lines []CartLine, cfg Configuration, log *slog.Logger) []CartLine {
	allowed := newProductAllowList(cfg.ProductIDs)
	eligible := make([]CartLine, 0, len(lines))

	for index, line := range lines {
		variant, ok := lineVariant(line)
		if !ok {
			log.Debug("line excluded", "index", index, "line_id", line.ID, "reason", "not a product variant")
			continue
		}

		if compareAt := line.Cost.CompareAtAmountPerQuantity; compareAt != nil && compareAt.Amount.IsPositive() {
			log.Debug("line excluded",
				"index", index,
				"line_id", line.ID,
				"variant_id", variant.ID,
				"reason", "has compare-at price",
				"compare_at", compareAt.Amount.String(),
			)
			continue
		}

		if !allowed.permits(variant.Product.ID) {
			log.Debug("line excluded",
				"index", index,
				"line_id", line.ID,
				"product_id", variant.Product.ID,
				"reason", "product not in allow-list",
			)
			continue
		}

		log.Debug("line eligible", "index", index, "line_id", line.ID, "product_id", variant.Product.ID)
		eligible = append(eligible, line)
	}

	return eligible
}

func lineVariant(line CartLine) (ProductVariant, bool) {
	if line.Merchandise == nil {
		return ProductVariant{}, false
	}
	return line.Merchandise.AsProductVariant()
}

// productAllowList is built once per evaluation. An empty list permits every
// product.
type productAllowList map[string]struct{}

func newProductAllowList(ids []string) productAllowList {
	if len(ids) == 0 {
		return nil
	}

	set := make(productAllowList, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

func (l productAllowList) permits(productID string) bool {
	if l == nil {
		return true
	}
	_, ok := l[productID]
	return ok
}
