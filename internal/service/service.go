package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/matt-riley/discountfn/internal/core"
	"github.com/matt-riley/discountfn/internal/logging"
	"github.com/matt-riley/discountfn/internal/repository"
)

const (
	EventTypeUpdated = "updated"
	EventTypeDeleted = "deleted"

	// OutcomeDiscountDisabled is reported for evaluations of a stored
	// discount that is switched off; the engine is not invoked.
	OutcomeDiscountDisabled core.Outcome = "discount_disabled"

	bestEffortTimeout          = 2 * time.Second
	defaultCacheResyncInterval = time.Minute
	cacheReloadTimeout         = 5 * time.Second
	defaultMaxCartLines        = 500
	maxConfigurationBytes      = 64 << 10
	tracerName                 = "github.com/matt-riley/discountfn/internal/service"
)

var (
	ErrDiscountNotFound = errors.New("discount not found")
	ErrInvalidDiscount  = errors.New("invalid discount")
	ErrCartTooLarge     = errors.New("cart has too many lines")
	ErrShopRequired     = errors.New("shop is required")
)

type Repository interface {
	CreateDiscount(ctx context.Context, discount repository.Discount) (repository.Discount, error)
	UpdateDiscount(ctx context.Context, discount repository.Discount) (repository.Discount, error)
	GetDiscount(ctx context.Context, shop, id string) (repository.Discount, error)
	ListDiscounts(ctx context.Context) ([]repository.Discount, error)
	DeleteDiscount(ctx context.Context, shop, id string) error
	ListEventsSince(ctx context.Context, shop string, eventID int64) ([]repository.DiscountEvent, error)
	PublishDiscountEvent(ctx context.Context, event repository.DiscountEvent) (repository.DiscountEvent, error)
}

type cacheInvalidationSubscriber interface {
	SubscribeDiscountInvalidation(ctx context.Context) (<-chan struct{}, error)
}

// Option configures a [Service].
type Option func(*Service)

// WithLogger sets the logger used for cache maintenance and for the engine's
// per-line debug output.
func WithLogger(log *slog.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.logger = log
		}
	}
}

// WithCacheMetrics registers callbacks for cache reloads, NOTIFY-driven
// invalidations, and per-shop cache sizes.
func WithCacheMetrics(onLoad, onInvalidation, onReset func(), onSize func(shop string, size float64)) Option {
	return func(s *Service) {
		s.onCacheLoad = onLoad
		s.onCacheInvalidation = onInvalidation
		s.onCacheReset = onReset
		s.onCacheSize = onSize
	}
}

// WithEvaluationRecorder registers a callback invoked after every evaluation.
func WithEvaluationRecorder(fn func(core.Evaluation)) Option {
	return func(s *Service) {
		s.onEvaluation = fn
	}
}

// WithTracer overrides the tracer obtained from the global provider.
func WithTracer(tracer trace.Tracer) Option {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithCacheResyncInterval sets the safety-net interval for full cache
// reloads. Non-positive values keep the default.
func WithCacheResyncInterval(interval time.Duration) Option {
	return func(s *Service) {
		if interval > 0 {
			s.cacheResyncInterval = interval
		}
	}
}

// WithMaxCartLines caps the number of cart lines accepted per evaluation.
// Non-positive values keep the default.
func WithMaxCartLines(n int) Option {
	return func(s *Service) {
		if n > 0 {
			s.maxCartLines = n
		}
	}
}

// Service owns the discount cache and runs evaluations against it.
type Service struct {
	repo   Repository
	logger *slog.Logger
	tracer trace.Tracer

	mu    sync.RWMutex
	cache map[string]map[string]repository.Discount

	cacheResyncInterval time.Duration
	maxCartLines        int

	onCacheLoad         func()
	onCacheInvalidation func()
	onCacheReset        func()
	onCacheSize         func(shop string, size float64)
	onEvaluation        func(core.Evaluation)
}

func New(ctx context.Context, repo Repository, opts ...Option) (*Service, error) {
	if repo == nil {
		return nil, errors.New("repository is nil")
	}

	svc := &Service{
		repo:                repo,
		logger:              logging.Discard(),
		tracer:              otel.Tracer(tracerName),
		cache:               make(map[string]map[string]repository.Discount),
		cacheResyncInterval: defaultCacheResyncInterval,
		maxCartLines:        defaultMaxCartLines,
	}
	for _, opt := range opts {
		opt(svc)
	}

	if err := svc.LoadCache(ctx); err != nil {
		return nil, err
	}
	if subscriber, ok := repo.(cacheInvalidationSubscriber); ok {
		if err := svc.startCacheInvalidationListener(ctx, subscriber); err != nil {
			return nil, err
		}
	}

	return svc, nil
}

func (s *Service) LoadCache(ctx context.Context) error {
	discounts, err := s.repo.ListDiscounts(ctx)
	if err != nil {
		return fmt.Errorf("load discounts: %w", err)
	}

	next := make(map[string]map[string]repository.Discount)
	for _, discount := range discounts {
		byID, ok := next[discount.Shop]
		if !ok {
			byID = make(map[string]repository.Discount)
			next[discount.Shop] = byID
		}
		byID[discount.ID] = discount
	}

	s.mu.Lock()
	s.cache = next
	s.mu.Unlock()

	if s.onCacheLoad != nil {
		s.onCacheLoad()
	}
	if s.onCacheReset != nil {
		s.onCacheReset()
	}
	if s.onCacheSize != nil {
		for shop, byID := range next {
			s.onCacheSize(shop, float64(len(byID)))
		}
	}

	return nil
}

func (s *Service) CreateDiscount(ctx context.Context, discount repository.Discount) (repository.Discount, error) {
	if err := validateDiscount(discount); err != nil {
		return repository.Discount{}, err
	}

	created, err := s.repo.CreateDiscount(ctx, discount)
	if err != nil {
		return repository.Discount{}, fmt.Errorf("create discount: %w", err)
	}

	s.setCachedDiscount(created)
	s.publishDiscountEventBestEffort(ctx, EventTypeUpdated, created)

	return created, nil
}

func (s *Service) UpdateDiscount(ctx context.Context, discount repository.Discount) (repository.Discount, error) {
	if strings.TrimSpace(discount.ID) == "" {
		return repository.Discount{}, fmt.Errorf("%w: id is required", ErrInvalidDiscount)
	}
	if err := validateDiscount(discount); err != nil {
		return repository.Discount{}, err
	}

	updated, err := s.repo.UpdateDiscount(ctx, discount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedDiscount(discount.Shop, discount.ID)
			return repository.Discount{}, ErrDiscountNotFound
		}
		return repository.Discount{}, fmt.Errorf("update discount: %w", err)
	}

	s.setCachedDiscount(updated)
	s.publishDiscountEventBestEffort(ctx, EventTypeUpdated, updated)

	return updated, nil
}

func (s *Service) GetDiscount(ctx context.Context, shop, id string) (repository.Discount, error) {
	if strings.TrimSpace(shop) == "" || strings.TrimSpace(id) == "" {
		return repository.Discount{}, fmt.Errorf("%w: shop and id are required", ErrInvalidDiscount)
	}

	if discount, ok := s.getCachedDiscount(shop, id); ok {
		return discount, nil
	}

	discount, err := s.repo.GetDiscount(ctx, shop, id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return repository.Discount{}, ErrDiscountNotFound
		}
		return repository.Discount{}, fmt.Errorf("get discount: %w", err)
	}

	s.setCachedDiscount(discount)
	return discount, nil
}

func (s *Service) ListDiscounts(_ context.Context, shop string) ([]repository.Discount, error) {
	if strings.TrimSpace(shop) == "" {
		return nil, ErrShopRequired
	}

	s.mu.RLock()
	discounts := make([]repository.Discount, 0, len(s.cache[shop]))
	for _, discount := range s.cache[shop] {
		discounts = append(discounts, discount)
	}
	s.mu.RUnlock()

	sort.Slice(discounts, func(i, j int) bool {
		if !discounts[i].CreatedAt.Equal(discounts[j].CreatedAt) {
			return discounts[i].CreatedAt.Before(discounts[j].CreatedAt)
		}
		return discounts[i].ID < discounts[j].ID
	})

	return discounts, nil
}

func (s *Service) DeleteDiscount(ctx context.Context, shop, id string) error {
	existing, err := s.GetDiscount(ctx, shop, id)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteDiscount(ctx, shop, id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			s.deleteCachedDiscount(shop, id)
			return ErrDiscountNotFound
		}
		return fmt.Errorf("delete discount: %w", err)
	}

	s.deleteCachedDiscount(shop, id)
	s.publishDiscountEventBestEffort(ctx, EventTypeDeleted, existing)

	return nil
}

// ResolveConfiguration returns the configuration the engine would use for a
// stored discount.
func (s *Service) ResolveConfiguration(ctx context.Context, shop, id string) (core.Configuration, error) {
	discount, err := s.GetDiscount(ctx, shop, id)
	if err != nil {
		return core.Configuration{}, err
	}

	return core.ResolveConfiguration(configurationPayload(discount)), nil
}

// Evaluate runs the engine for a stored discount against cart.
func (s *Service) Evaluate(ctx context.Context, shop, id string, cart core.Cart) (core.Evaluation, error) {
	ctx, span := s.tracer.Start(ctx, "service.Evaluate", trace.WithAttributes(
		attribute.String("discount.shop", shop),
		attribute.String("discount.id", id),
		attribute.Int("cart.lines", len(cart.Lines)),
	))
	defer span.End()

	if err := s.checkCartSize(cart); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return core.Evaluation{}, err
	}

	discount, err := s.GetDiscount(ctx, shop, id)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return core.Evaluation{}, err
	}

	if !discount.Enabled {
		evaluation := core.Evaluation{
			Output:  core.Output{Operations: []core.Operation{}},
			Outcome: OutcomeDiscountDisabled,
		}
		s.finishEvaluation(span, evaluation)
		return evaluation, nil
	}

	input := core.Input{
		Cart:     cart,
		Discount: discountContext(discount),
	}
	evaluation := core.Evaluate(input, logging.ForDiscount(s.logger, shop, id))
	s.finishEvaluation(span, evaluation)

	return evaluation, nil
}

// Run evaluates a complete function-input document, as the host runtime
// would.
func (s *Service) Run(ctx context.Context, input core.Input) (core.Evaluation, error) {
	_, span := s.tracer.Start(ctx, "service.Run", trace.WithAttributes(
		attribute.Int("cart.lines", len(input.Cart.Lines)),
	))
	defer span.End()

	if err := s.checkCartSize(input.Cart); err != nil {
		span.SetStatus(codes.Error, err.Error())
		return core.Evaluation{}, err
	}

	evaluation := core.Evaluate(input, s.logger)
	s.finishEvaluation(span, evaluation)

	return evaluation, nil
}

func (s *Service) ListEventsSince(ctx context.Context, shop string, eventID int64) ([]repository.DiscountEvent, error) {
	events, err := s.repo.ListEventsSince(ctx, shop, eventID)
	if err != nil {
		return nil, fmt.Errorf("list events since %d: %w", eventID, err)
	}

	return events, nil
}

func (s *Service) checkCartSize(cart core.Cart) error {
	if len(cart.Lines) > s.maxCartLines {
		return fmt.Errorf("%w: %d lines, limit %d", ErrCartTooLarge, len(cart.Lines), s.maxCartLines)
	}
	return nil
}

func (s *Service) finishEvaluation(span trace.Span, evaluation core.Evaluation) {
	span.SetAttributes(
		attribute.String("evaluation.outcome", string(evaluation.Outcome)),
		attribute.Int("evaluation.eligible_lines", evaluation.EligibleLines),
	)
	if evaluation.Configuration != nil {
		span.SetAttributes(
			attribute.String("configuration.kind", string(evaluation.Configuration.Kind)),
			attribute.Bool("configuration.fallback", evaluation.Configuration.Fallback),
		)
	}

	if s.onEvaluation != nil {
		s.onEvaluation(evaluation)
	}
}

func (s *Service) getCachedDiscount(shop, id string) (repository.Discount, bool) {
	s.mu.RLock()
	discount, ok := s.cache[shop][id]
	s.mu.RUnlock()

	return discount, ok
}

func (s *Service) setCachedDiscount(discount repository.Discount) {
	s.mu.Lock()
	byID, ok := s.cache[discount.Shop]
	if !ok {
		byID = make(map[string]repository.Discount)
		s.cache[discount.Shop] = byID
	}
	byID[discount.ID] = discount
	size := len(byID)
	s.mu.Unlock()

	if s.onCacheSize != nil {
		s.onCacheSize(discount.Shop, float64(size))
	}
}

func (s *Service) deleteCachedDiscount(shop, id string) {
	s.mu.Lock()
	delete(s.cache[shop], id)
	size := len(s.cache[shop])
	s.mu.Unlock()

	if s.onCacheSize != nil {
		s.onCacheSize(shop, float64(size))
	}
}

func (s *Service) startCacheInvalidationListener(ctx context.Context, subscriber cacheInvalidationSubscriber) error {
	invalidations, err := subscriber.SubscribeDiscountInvalidation(ctx)
	if err != nil {
		return fmt.Errorf("subscribe cache invalidation: %w", err)
	}

	go func() {
		resyncTicker := time.NewTicker(s.cacheResyncInterval)
		defer resyncTicker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-resyncTicker.C:
				if invalidations == nil {
					next, err := subscriber.SubscribeDiscountInvalidation(ctx)
					if err == nil {
						invalidations = next
					}
				}
				s.reloadCache(ctx)
			case _, ok := <-invalidations:
				if !ok {
					next, err := subscriber.SubscribeDiscountInvalidation(ctx)
					if err != nil {
						invalidations = nil
						continue
					}
					invalidations = next
					continue
				}
				if s.onCacheInvalidation != nil {
					s.onCacheInvalidation()
				}
				s.reloadCache(ctx)
			}
		}
	}()

	return nil
}

func (s *Service) reloadCache(ctx context.Context) {
	reloadCtx, cancel := context.WithTimeout(ctx, cacheReloadTimeout)
	defer cancel()
	if err := s.LoadCache(reloadCtx); err != nil {
		s.logger.Warn("discount cache reload failed", "error", err)
	}
}

func (s *Service) publishDiscountEventBestEffort(ctx context.Context, eventType string, discount repository.Discount) {
	// Mutations have already committed before events are published.
	publishCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bestEffortTimeout)
	defer cancel()
	if err := s.publishDiscountEvent(publishCtx, eventType, discount); err != nil {
		s.logger.Warn("publish discount event failed", "error", err, "discount_id", discount.ID)
	}
}

func (s *Service) publishDiscountEvent(ctx context.Context, eventType string, discount repository.Discount) error {
	payload, err := json.Marshal(discount)
	if err != nil {
		return fmt.Errorf("marshal %s event payload: %w", eventType, err)
	}

	_, err = s.repo.PublishDiscountEvent(ctx, repository.DiscountEvent{
		Shop:       discount.Shop,
		DiscountID: discount.ID,
		EventType:  eventType,
		Payload:    payload,
	})
	if err != nil {
		return fmt.Errorf("publish %s event: %w", eventType, err)
	}

	return nil
}

func validateDiscount(discount repository.Discount) error {
	if strings.TrimSpace(discount.Shop) == "" {
		return fmt.Errorf("%w: shop is required", ErrInvalidDiscount)
	}
	if strings.TrimSpace(discount.Title) == "" {
		return fmt.Errorf("%w: title is required", ErrInvalidDiscount)
	}
	for _, class := range discount.DiscountClasses {
		if !core.DiscountClass(class).Valid() {
			return fmt.Errorf("%w: unknown discount class %q", ErrInvalidDiscount, class)
		}
	}
	if discount.Configuration != nil && len(*discount.Configuration) > maxConfigurationBytes {
		return fmt.Errorf("%w: configuration exceeds %d bytes", ErrInvalidDiscount, maxConfigurationBytes)
	}

	return nil
}

func discountContext(discount repository.Discount) core.Discount {
	classes := make([]core.DiscountClass, 0, len(discount.DiscountClasses))
	for _, class := range discount.DiscountClasses {
		classes = append(classes, core.DiscountClass(class))
	}

	var metafield *core.Metafield
	if discount.Configuration != nil {
		metafield = &core.Metafield{Value: *discount.Configuration}
	}

	return core.Discount{DiscountClasses: classes, Metafield: metafield}
}

func configurationPayload(discount repository.Discount) []byte {
	if discount.Configuration == nil {
		return nil
	}
	return []byte(*discount.Configuration)
}
