// Package discountfn provides client interfaces and domain types for the
// discountfn product discount service.
//
// Use the sub-packages to create transport-specific clients:
//
//	import discountfnhttp "github.com/matt-riley/discountfn/clients/go/http"
//	import discountfngrpc "github.com/matt-riley/discountfn/clients/go/grpc"
package discountfn

import (
	"context"
	"encoding/json"
	"time"
)

// DiscountReader reads stored discounts of the caller's shop.
type DiscountReader interface {
	GetDiscount(ctx context.Context, id string) (Discount, error)
	ListDiscounts(ctx context.Context) ([]Discount, error)
}

// DiscountManager covers CRUD operations on stored discounts. Only the HTTP
// transport offers writes.
type DiscountManager interface {
	DiscountReader
	CreateDiscount(ctx context.Context, discount Discount) (Discount, error)
	UpdateDiscount(ctx context.Context, discount Discount) (Discount, error)
	DeleteDiscount(ctx context.Context, id string) error
}

// Evaluator runs the discount function.
type Evaluator interface {
	ResolveConfiguration(ctx context.Context, id string) (Configuration, error)
	Evaluate(ctx context.Context, id string, cart json.RawMessage) (Evaluation, error)
	Run(ctx context.Context, input json.RawMessage) (RunResult, error)
}

// Streamer delivers discount change events.
// The returned channel is closed when ctx is cancelled or the connection drops.
type Streamer interface {
	Stream(ctx context.Context, lastEventID int64) (<-chan DiscountEvent, error)
}

// Discount is a stored automatic product discount. Configuration is the raw
// metafield value; nil means the defaults apply.
type Discount struct {
	ID              string    `json:"id,omitempty"`
	Shop            string    `json:"shop,omitempty"`
	Title           string    `json:"title"`
	DiscountClasses []string  `json:"discount_classes,omitempty"`
	Configuration   *string   `json:"configuration,omitempty"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Configuration is the configuration the function resolves for a discount.
type Configuration struct {
	Kind        string      `json:"kind"`
	Magnitude   json.Number `json:"magnitude"`
	ProductIDs  []string    `json:"productIds"`
	Collections []string    `json:"collections"`
	Fallback    bool        `json:"fallback"`
}

// Evaluation is the result of evaluating a stored discount against a cart.
// Output is the function-output document.
type Evaluation struct {
	Output        json.RawMessage `json:"output"`
	Outcome       string          `json:"outcome"`
	EligibleLines int             `json:"eligible_lines"`
	Configuration *Configuration  `json:"configuration,omitempty"`
}

// RunResult is the function-output document for a raw function input and the
// outcome the server reported alongside it.
type RunResult struct {
	Output  json.RawMessage
	Outcome string
}

// DiscountEvent is a notification of a discount change.
type DiscountEvent struct {
	Type       string // "update" | "delete" | "error"
	DiscountID string
	Discount   *Discount // nil on error
	EventID    int64
}
