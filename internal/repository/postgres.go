// Package repository provides PostgreSQL-backed persistence for discounts, API
// keys, and discount change events. LISTEN/NOTIFY on the events channel keeps
// the service layer's discount cache fresh.
package repository

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"golang.org/x/crypto/bcrypt"
)

const (
	defaultNotifyChannel  = "discount_events"
	defaultEventBatchSize = 1000
	maxEventBatchSize     = 1000
)

// Discount is the stored form of an automatic product discount. Configuration
// is the metafield value exactly as the settings UI wrote it; it may be nil or
// not even valid JSON.
type Discount struct {
	ID              string    `json:"id"`
	Shop            string    `json:"shop"`
	Title           string    `json:"title"`
	DiscountClasses []string  `json:"discount_classes"`
	Configuration   *string   `json:"configuration"`
	Enabled         bool      `json:"enabled"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DiscountEvent is a change record for a discount.
type DiscountEvent struct {
	EventID    int64           `json:"event_id"`
	Shop       string          `json:"shop"`
	DiscountID string          `json:"discount_id"`
	EventType  string          `json:"event_type"`
	Payload    json.RawMessage `json:"payload"`
	CreatedAt  time.Time       `json:"created_at"`
}

// APIKey is a stored API key. Only the bcrypt hash of the secret is kept.
type APIKey struct {
	ID        string     `json:"id"`
	Shop      string     `json:"shop"`
	Name      string     `json:"name"`
	KeyHash   string     `json:"-"`
	CreatedAt time.Time  `json:"created_at"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// Option configures a [PostgresRepository].
type Option func(*PostgresRepository)

// WithNotifyChannel sets the LISTEN/NOTIFY channel used for discount events.
func WithNotifyChannel(channel string) Option {
	return func(r *PostgresRepository) {
		r.notifyChannel = normalizeNotifyChannel(channel)
	}
}

// WithEventBatchSize caps how many events a single ListEventsSince call
// returns. Values outside (0, 1000] are ignored.
func WithEventBatchSize(size int) Option {
	return func(r *PostgresRepository) {
		if size > 0 && size <= maxEventBatchSize {
			r.eventBatchSize = size
		}
	}
}

// PostgresRepository implements discount, API key, and event persistence on a
// pgxpool connection pool.
type PostgresRepository struct {
	pool           *pgxpool.Pool
	notifyChannel  string
	eventBatchSize int
}

// NewPostgresRepository creates a [PostgresRepository].
func NewPostgresRepository(pool *pgxpool.Pool, opts ...Option) *PostgresRepository {
	r := &PostgresRepository{
		pool:           pool,
		notifyChannel:  defaultNotifyChannel,
		eventBatchSize: defaultEventBatchSize,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// EnsureShop registers a shop domain if it is not known yet.
func (r *PostgresRepository) EnsureShop(ctx context.Context, shop string) error {
	if _, err := r.pool.Exec(ctx, `
		INSERT INTO shops (domain) VALUES ($1)
		ON CONFLICT (domain) DO NOTHING
	`, shop); err != nil {
		return fmt.Errorf("ensure shop: %w", err)
	}
	return nil
}

// CreateDiscount inserts a discount. A missing ID is generated.
func (r *PostgresRepository) CreateDiscount(ctx context.Context, discount Discount) (Discount, error) {
	if discount.ID == "" {
		discount.ID = uuid.NewString()
	}
	if err := r.EnsureShop(ctx, discount.Shop); err != nil {
		return Discount{}, err
	}

	var created Discount
	err := r.pool.QueryRow(ctx, `
		INSERT INTO discounts (id, shop, title, discount_classes, configuration, enabled)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, shop, title, discount_classes, configuration, enabled, created_at, updated_at
	`,
		discount.ID,
		discount.Shop,
		discount.Title,
		ensureClasses(discount.DiscountClasses),
		discount.Configuration,
		discount.Enabled,
	).Scan(scanTargets(&created)...)
	if err != nil {
		return Discount{}, fmt.Errorf("create discount: %w", err)
	}

	return created, nil
}

// UpdateDiscount replaces the mutable fields of a discount. Returns
// pgx.ErrNoRows (wrapped) if it does not exist.
func (r *PostgresRepository) UpdateDiscount(ctx context.Context, discount Discount) (Discount, error) {
	if !isDiscountID(discount.ID) {
		return Discount{}, fmt.Errorf("update discount: %w", pgx.ErrNoRows)
	}

	var updated Discount
	err := r.pool.QueryRow(ctx, `
		UPDATE discounts
		SET title = $3,
		    discount_classes = $4,
		    configuration = $5,
		    enabled = $6,
		    updated_at = NOW()
		WHERE shop = $1 AND id = $2
		RETURNING id, shop, title, discount_classes, configuration, enabled, created_at, updated_at
	`,
		discount.Shop,
		discount.ID,
		discount.Title,
		ensureClasses(discount.DiscountClasses),
		discount.Configuration,
		discount.Enabled,
	).Scan(scanTargets(&updated)...)
	if err != nil {
		return Discount{}, fmt.Errorf("update discount: %w", err)
	}

	return updated, nil
}

// GetDiscount returns one discount of a shop. Returns pgx.ErrNoRows (wrapped)
// if not found.
func (r *PostgresRepository) GetDiscount(ctx context.Context, shop, id string) (Discount, error) {
	if !isDiscountID(id) {
		return Discount{}, fmt.Errorf("get discount: %w", pgx.ErrNoRows)
	}

	var discount Discount
	err := r.pool.QueryRow(ctx, `
		SELECT id, shop, title, discount_classes, configuration, enabled, created_at, updated_at
		FROM discounts
		WHERE shop = $1 AND id = $2
	`, shop, id).Scan(scanTargets(&discount)...)
	if err != nil {
		return Discount{}, fmt.Errorf("get discount: %w", err)
	}

	return discount, nil
}

// ListDiscounts returns every discount across all shops, ordered by shop and
// creation time.
func (r *PostgresRepository) ListDiscounts(ctx context.Context) ([]Discount, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, shop, title, discount_classes, configuration, enabled, created_at, updated_at
		FROM discounts
		ORDER BY shop, created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("list discounts: %w", err)
	}
	defer rows.Close()

	discounts := make([]Discount, 0)
	for rows.Next() {
		var discount Discount
		if err := rows.Scan(scanTargets(&discount)...); err != nil {
			return nil, fmt.Errorf("scan discount: %w", err)
		}
		discounts = append(discounts, discount)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list discounts rows: %w", err)
	}

	return discounts, nil
}

// DeleteDiscount removes a discount. Returns pgx.ErrNoRows (wrapped) if it
// does not exist.
func (r *PostgresRepository) DeleteDiscount(ctx context.Context, shop, id string) error {
	if !isDiscountID(id) {
		return fmt.Errorf("delete discount: %w", pgx.ErrNoRows)
	}

	commandTag, err := r.pool.Exec(ctx, `DELETE FROM discounts WHERE shop = $1 AND id = $2`, shop, id)
	if err != nil {
		return fmt.Errorf("delete discount: %w", err)
	}
	return deleteDiscountNoRows(commandTag)
}

// PublishDiscountEvent inserts an event and sends a NOTIFY on the configured
// channel within a single transaction.
func (r *PostgresRepository) PublishDiscountEvent(ctx context.Context, event DiscountEvent) (DiscountEvent, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return DiscountEvent{}, fmt.Errorf("begin publish event tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var created DiscountEvent
	if err := tx.QueryRow(ctx, `
		INSERT INTO discount_events (shop, discount_id, event_type, payload)
		VALUES ($1, $2, $3, $4)
		RETURNING event_id, shop, discount_id, event_type, payload, created_at
	`,
		event.Shop,
		event.DiscountID,
		event.EventType,
		ensureJSON(event.Payload, "{}"),
	).Scan(
		&created.EventID,
		&created.Shop,
		&created.DiscountID,
		&created.EventType,
		&created.Payload,
		&created.CreatedAt,
	); err != nil {
		return DiscountEvent{}, fmt.Errorf("insert discount event: %w", err)
	}

	notifyPayload, err := marshalNotifyPayload(created)
	if err != nil {
		return DiscountEvent{}, fmt.Errorf("marshal notify payload: %w", err)
	}

	if _, err := tx.Exec(ctx, `SELECT pg_notify($1, $2)`, r.notifyChannel, notifyPayload); err != nil {
		return DiscountEvent{}, fmt.Errorf("notify discount event: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return DiscountEvent{}, fmt.Errorf("commit publish event tx: %w", err)
	}

	return created, nil
}

// ListEventsSince returns a shop's events with an ID greater than eventID, in
// ID order, up to the configured batch size.
func (r *PostgresRepository) ListEventsSince(ctx context.Context, shop string, eventID int64) ([]DiscountEvent, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT event_id, shop, discount_id, event_type, payload, created_at
		FROM discount_events
		WHERE shop = $1 AND event_id > $2
		ORDER BY event_id
		LIMIT $3
	`, shop, eventID, r.eventBatchSize)
	if err != nil {
		return nil, fmt.Errorf("list discount events: %w", err)
	}
	defer rows.Close()

	events := make([]DiscountEvent, 0)
	for rows.Next() {
		var event DiscountEvent
		if err := rows.Scan(
			&event.EventID,
			&event.Shop,
			&event.DiscountID,
			&event.EventType,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan discount event: %w", err)
		}
		events = append(events, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list discount events rows: %w", err)
	}

	return events, nil
}

// ValidateAPIKey returns the stored hash and shop for a non-revoked key ID.
// Callers compare the secret outside this package.
func (r *PostgresRepository) ValidateAPIKey(ctx context.Context, id string) (string, string, error) {
	var keyHash string
	var shop string
	if err := r.pool.QueryRow(ctx, `
		SELECT key_hash, shop
		FROM api_keys
		WHERE id = $1
		  AND revoked_at IS NULL
	`, id).Scan(&keyHash, &shop); err != nil {
		return "", "", fmt.Errorf("validate api key: %w", err)
	}

	return keyHash, shop, nil
}

// CreateAPIKey generates a key for shop and stores a bcrypt hash of its
// secret. The bearer token "<id>.<secret>" is returned exactly once.
func (r *PostgresRepository) CreateAPIKey(ctx context.Context, shop, name string) (APIKey, string, error) {
	keyID, err := generateRandomHex(16)
	if err != nil {
		return APIKey{}, "", fmt.Errorf("generate key id: %w", err)
	}

	secret, err := generateRandomHex(32)
	if err != nil {
		return APIKey{}, "", fmt.Errorf("generate secret: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return APIKey{}, "", fmt.Errorf("hash secret: %w", err)
	}

	if err := r.EnsureShop(ctx, shop); err != nil {
		return APIKey{}, "", err
	}

	var key APIKey
	if err := r.pool.QueryRow(ctx, `
		INSERT INTO api_keys (id, shop, name, key_hash)
		VALUES ($1, $2, $3, $4)
		RETURNING id, shop, name, key_hash, created_at, revoked_at
	`, keyID, shop, name, string(hash)).Scan(
		&key.ID,
		&key.Shop,
		&key.Name,
		&key.KeyHash,
		&key.CreatedAt,
		&key.RevokedAt,
	); err != nil {
		return APIKey{}, "", fmt.Errorf("insert api key: %w", err)
	}

	return key, keyID + "." + secret, nil
}

// SubscribeDiscountInvalidation returns a channel that receives a signal
// whenever a discount event notification arrives. The channel is closed when
// ctx is done.
func (r *PostgresRepository) SubscribeDiscountInvalidation(ctx context.Context) (<-chan struct{}, error) {
	invalidations := make(chan struct{}, 1)

	go r.runInvalidationListener(ctx, invalidations)

	return invalidations, nil
}

func (r *PostgresRepository) runInvalidationListener(ctx context.Context, invalidations chan<- struct{}) {
	defer close(invalidations)

	for {
		err := r.listenForInvalidation(ctx, invalidations)
		if err == nil || ctx.Err() != nil {
			return
		}

		retryTimer := time.NewTimer(time.Second)
		select {
		case <-ctx.Done():
			retryTimer.Stop()
			return
		case <-retryTimer.C:
		}
	}
}

func (r *PostgresRepository) listenForInvalidation(ctx context.Context, invalidations chan<- struct{}) error {
	conn, err := r.pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquire listen connection: %w", err)
	}
	defer conn.Release()

	if _, err := conn.Exec(ctx, listenStatement(r.notifyChannel)); err != nil {
		return fmt.Errorf("listen on %q: %w", r.notifyChannel, err)
	}

	for {
		if _, err := conn.Conn().WaitForNotification(ctx); err != nil {
			return fmt.Errorf("wait for discount event notification: %w", err)
		}

		select {
		case invalidations <- struct{}{}:
		default:
		}
	}
}

func scanTargets(d *Discount) []any {
	return []any{
		&d.ID,
		&d.Shop,
		&d.Title,
		&d.DiscountClasses,
		&d.Configuration,
		&d.Enabled,
		&d.CreatedAt,
		&d.UpdatedAt,
	}
}

// isDiscountID reports whether id can name a stored discount. Anything else
// is treated as not found rather than sent to Postgres as a malformed uuid.
func isDiscountID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

func deleteDiscountNoRows(commandTag pgconn.CommandTag) error {
	if commandTag.RowsAffected() == 0 {
		return fmt.Errorf("delete discount: %w", pgx.ErrNoRows)
	}
	return nil
}

func ensureClasses(classes []string) []string {
	if len(classes) == 0 {
		return []string{"PRODUCT"}
	}
	return classes
}

func normalizeNotifyChannel(channel string) string {
	if trimmed := strings.TrimSpace(channel); trimmed != "" {
		return trimmed
	}
	return defaultNotifyChannel
}

func ensureJSON(input json.RawMessage, fallback string) json.RawMessage {
	if len(input) == 0 {
		return json.RawMessage(fallback)
	}
	return input
}

func listenStatement(channel string) string {
	return fmt.Sprintf("LISTEN %s", pgx.Identifier{channel}.Sanitize())
}

func generateRandomHex(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

func marshalNotifyPayload(event DiscountEvent) (string, error) {
	serialized, err := json.Marshal(struct {
		Shop       string `json:"shop"`
		DiscountID string `json:"discount_id"`
		EventType  string `json:"event_type"`
	}{
		Shop:       event.Shop,
		DiscountID: event.DiscountID,
		EventType:  event.EventType,
	})
	if err != nil {
		return "", err
	}
	return string(serialized), nil
}
