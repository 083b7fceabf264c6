package core

import (
	"io"
	"log/slog"
)

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// Outcome classifies how an evaluation ended.
type Outcome string

const (
	OutcomeApplied         Outcome = "applied"
	OutcomeEmptyCart       Outcome = "empty_cart"
	OutcomeClassAbsent     Outcome = "class_absent"
	OutcomeNoEligibleLines Outcome = "no_eligible_lines"
)

// Evaluation is the result of one pipeline run. Configuration is nil when the
// run short-circuited before the configuration was resolved.
type Evaluation struct {
	Output        Output
	Outcome       Outcome
	Configuration *Configuration
	EligibleLines int
}

// Run evaluates input and returns the operations for the host.
func Run(input Input) Output {
	return Evaluate(input, nil).Output
}

// Evaluate runs the resolve, filter and build steps over input. Per-line
// decisions are logged at debug level to log; a nil logger discards them.
func Evaluate(input Input, log *slog.Logger) Evaluation {
	if log == nil {
		log = discardLogger
	}

	if len(input.Cart.Lines) == 0 {
		log.Debug("no cart lines")
		return Evaluation{Output: emptyOutput(), Outcome: OutcomeEmptyCart}
	}

	if !input.Discount.HasClass(DiscountClassProduct) {
		log.Debug("product discount class not active", "discount_classes", input.Discount.DiscountClasses)
		return Evaluation{Output: emptyOutput(), Outcome: OutcomeClassAbsent}
	}

	cfg := ResolveConfiguration(input.Discount.ConfigurationPayload())
	log.Debug("configuration resolved",
		"kind", cfg.Kind,
		"magnitude", cfg.Magnitude.String(),
		"product_ids", len(cfg.ProductIDs),
		"fallback", cfg.Fallback,
	)

	eligible := filterEligible(input.Cart.Lines, cfg, log)
	if len(eligible) == 0 {
		log.Debug("no eligible cart lines", "cart_lines", len(input.Cart.Lines))
		return Evaluation{Output: emptyOutput(), Outcome: OutcomeNoEligibleLines, Configuration: &cfg}
	}

	log.Debug("product discount applied", "eligible_lines", len(eligible), "cart_lines", len(input.Cart.Lines))
	return Evaluation{
		Output:        Output{Operations: BuildOperations(eligible, cfg)},
		Outcome:       OutcomeApplied,
		Configuration: &cfg,
		EligibleLines: len(eligible),
	}
}

func emptyOutput() Output {
	return Output{Operations: []Operation{}}
}
