package core

import "fmt"

// BuildOperations turns the eligible lines into the host's operation list: a
// single productDiscountsAdd operation targeting every eligible line, or no
// operations when nothing is eligible.
func BuildOperations(eligible []CartLine, cfg Configuration) []Operation {
	if len(eligible) == 0 {
		return []Operation{}
	}

	targets := make([]ProductDiscountCandidateTarget, 0, len(eligible))
	for _, line := range eligible {
		targets = append(targets, ProductDiscountCandidateTarget{
			CartLine: CartLineTarget{ID: line.ID},
		})
	}

	return []Operation{{
		ProductDiscountsAdd: &ProductDiscountsAddOperation{
			Candidates: []ProductDiscountCandidate{{
				Message: discountMessage(cfg),
				Targets: targets,
				Value:   discountValue(cfg),
			}},
			SelectionStrategy: SelectionStrategyFirst,
		},
	}}
}

func discountValue(cfg Configuration) ProductDiscountCandidateValue {
	if cfg.Kind == DiscountKindFixedAmount {
		return ProductDiscountCandidateValue{FixedAmount: &FixedAmount{Amount: cfg.Magnitude}}
	}
	return ProductDiscountCandidateValue{Percentage: &Percentage{Value: cfg.Magnitude}}
}

func discountMessage(cfg Configuration) string {
	if cfg.Kind == DiscountKindFixedAmount {
		return fmt.Sprintf("$%s OFF PRODUCT", cfg.Magnitude.String())
	}
	return fmt.Sprintf("%s%% OFF PRODUCT", cfg.Magnitude.String())
}
