package server

import (
	"context"

	"github.com/matt-riley/discountfn/internal/core"
	"github.com/matt-riley/discountfn/internal/repository"
	"github.com/matt-riley/discountfn/internal/service"
)

type Service interface {
	CreateDiscount(ctx context.Context, discount repository.Discount) (repository.Discount, error)
	UpdateDiscount(ctx context.Context, discount repository.Discount) (repository.Discount, error)
	GetDiscount(ctx context.Context, shop, id string) (repository.Discount, error)
	ListDiscounts(ctx context.Context, shop string) ([]repository.Discount, error)
	DeleteDiscount(ctx context.Context, shop, id string) error
	ResolveConfiguration(ctx context.Context, shop, id string) (core.Configuration, error)
	Evaluate(ctx context.Context, shop, id string, cart core.Cart) (core.Evaluation, error)
	Run(ctx context.Context, input core.Input) (core.Evaluation, error)
	ListEventsSince(ctx context.Context, shop string, eventID int64) ([]repository.DiscountEvent, error)
}

var _ Service = (*service.Service)(nil)
