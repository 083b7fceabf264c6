package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/peer"
	"google.golang.org/grpc/status"
)

var (
	errMissingAuthorizationHeader = errors.New("missing authorization header")
	errInvalidAuthorizationHeader = errors.New("invalid authorization header")
)

// TokenValidator validates a bearer token and returns the shop it is
// scoped to.
type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (string, error)
}

// AuthOption configures optional auth middleware parameters.
type AuthOption func(*authConfig)

type authConfig struct {
	onFailure   func()
	rateLimiter *RateLimiter
}

// WithOnAuthFailure registers a callback invoked on every authentication
// failure (e.g. to increment a Prometheus counter).
func WithOnAuthFailure(fn func()) AuthOption {
	return func(c *authConfig) { c.onFailure = fn }
}

// WithRateLimiter attaches a per-IP limiter on failed authentication. Clients
// that exhausted it are rejected before their token is checked.
func WithRateLimiter(rl *RateLimiter) AuthOption {
	return func(c *authConfig) { c.rateLimiter = rl }
}

func newAuthConfig(opts []AuthOption) authConfig {
	cfg := authConfig{}
	for _, o := range opts {
		o(&cfg)
	}
	return cfg
}

// recordFailure reports whether the client at ip may still retry.
func (c authConfig) recordFailure(ip string) bool {
	if c.onFailure != nil {
		c.onFailure()
	}
	if c.rateLimiter == nil || ip == "" {
		return true
	}
	return c.rateLimiter.RecordFailureAndAllow(ip)
}

func (c authConfig) throttled(ip string) bool {
	return c.rateLimiter != nil && ip != "" && c.rateLimiter.Throttled(ip)
}

// HTTPBearerAuthMiddleware enforces bearer-token auth for HTTP handlers and
// stores the authenticated shop in the request context.
func HTTPBearerAuthMiddleware(validator TokenValidator, opts ...AuthOption) func(http.Handler) http.Handler {
	cfg := newAuthConfig(opts)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := ExtractIP(r.RemoteAddr)
			if cfg.throttled(ip) {
				http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
				return
			}

			authorization := r.Header.Get("Authorization")
			shop, err := authorizeHTTP(r.Context(), authorization, validator)
			if err != nil {
				if !cfg.recordFailure(ip) {
					http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
					return
				}
				writeHTTPUnauthorized(w)
				return
			}

			ctx := authenticatedContext(r.Context(), shop, apiKeyIDFromBearer(authorization))
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// UnaryBearerAuthInterceptor enforces bearer-token auth for unary gRPC requests.
func UnaryBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.UnaryServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(ctx context.Context, req any, _ *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
		ip := extractGRPCPeerIP(ctx)
		if cfg.throttled(ip) {
			return nil, status.Error(codes.ResourceExhausted, "too many failed auth attempts")
		}

		shop, err := authorizeGRPC(ctx, validator)
		if err != nil {
			if !cfg.recordFailure(ip) {
				return nil, status.Error(codes.ResourceExhausted, "too many failed auth attempts")
			}
			return nil, status.Error(codes.Unauthenticated, "unauthorized")
		}

		return handler(authenticatedContext(ctx, shop, apiKeyIDFromGRPCMetadata(ctx)), req)
	}
}

// StreamBearerAuthInterceptor enforces bearer-token auth for streaming gRPC requests.
func StreamBearerAuthInterceptor(validator TokenValidator, opts ...AuthOption) grpc.StreamServerInterceptor {
	cfg := newAuthConfig(opts)
	return func(srv any, ss grpc.ServerStream, _ *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		ctx := ss.Context()
		ip := extractGRPCPeerIP(ctx)
		if cfg.throttled(ip) {
			return status.Error(codes.ResourceExhausted, "too many failed auth attempts")
		}

		shop, err := authorizeGRPC(ctx, validator)
		if err != nil {
			if !cfg.recordFailure(ip) {
				return status.Error(codes.ResourceExhausted, "too many failed auth attempts")
			}
			return status.Error(codes.Unauthenticated, "unauthorized")
		}

		return handler(srv, &wrappedServerStream{
			ServerStream: ss,
			ctx:          authenticatedContext(ctx, shop, apiKeyIDFromGRPCMetadata(ctx)),
		})
	}
}

type wrappedServerStream struct {
	grpc.ServerStream
	ctx context.Context
}

func (w *wrappedServerStream) Context() context.Context {
	return w.ctx
}

func authenticatedContext(ctx context.Context, shop, keyID string) context.Context {
	ctx = NewContextWithShop(ctx, shop)
	attrs := []any{slog.String("shop", shop)}
	if keyID != "" {
		ctx = NewContextWithAPIKeyID(ctx, keyID)
		attrs = append(attrs, slog.String("api_key_id", keyID))
	}
	return ContextWithLogger(ctx, LoggerFromContext(ctx).With(attrs...))
}

type contextKey string

const (
	shopKey     contextKey = "shop"
	apiKeyIDKey contextKey = "api_key_id"
)

// ShopFromContext retrieves the authenticated shop from the context.
func ShopFromContext(ctx context.Context) (string, bool) {
	shop, ok := ctx.Value(shopKey).(string)
	return shop, ok
}

// NewContextWithShop returns a new context with the given shop.
func NewContextWithShop(ctx context.Context, shop string) context.Context {
	return context.WithValue(ctx, shopKey, shop)
}

// APIKeyIDFromContext retrieves the API key ID from the context.
func APIKeyIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(apiKeyIDKey).(string)
	return id, ok
}

// NewContextWithAPIKeyID returns a new context with the given API key ID.
func NewContextWithAPIKeyID(ctx context.Context, keyID string) context.Context {
	return context.WithValue(ctx, apiKeyIDKey, keyID)
}

func authorizeHTTP(ctx context.Context, authorizationHeader string, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errors.New("token validator is nil")
	}
	if strings.TrimSpace(authorizationHeader) == "" {
		return "", errMissingAuthorizationHeader
	}

	token, err := parseBearerToken(authorizationHeader)
	if err != nil {
		return "", err
	}
	shop, err := validator.ValidateToken(ctx, token)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(shop) == "" {
		return "", errInvalidAuthorizationHeader
	}
	return shop, nil
}

func authorizeGRPC(ctx context.Context, validator TokenValidator) (string, error) {
	if validator == nil {
		return "", errors.New("token validator is nil")
	}

	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return "", errMissingAuthorizationHeader
	}

	authorizationHeaders := md.Get("authorization")
	if len(authorizationHeaders) == 0 {
		return "", errMissingAuthorizationHeader
	}

	for _, authorizationHeader := range authorizationHeaders {
		token, err := parseBearerToken(authorizationHeader)
		if err != nil {
			continue
		}
		shop, err := validator.ValidateToken(ctx, token)
		if err == nil {
			if strings.TrimSpace(shop) == "" {
				return "", errInvalidAuthorizationHeader
			}
			return shop, nil
		}
	}

	return "", errInvalidAuthorizationHeader
}

func parseBearerToken(authorizationHeader string) (string, error) {
	parts := strings.Fields(authorizationHeader)
	if len(parts) != 2 {
		return "", errInvalidAuthorizationHeader
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return "", errInvalidAuthorizationHeader
	}
	if parts[1] == "" {
		return "", errInvalidAuthorizationHeader
	}

	return parts[1], nil
}

func writeHTTPUnauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}

// apiKeyIDFromBearer extracts the API key ID (the part before the dot) from
// a bearer token in format "Bearer keyID.secret".
func apiKeyIDFromBearer(authHeader string) string {
	token, err := parseBearerToken(authHeader)
	if err != nil {
		return ""
	}
	keyID, _, ok := strings.Cut(token, ".")
	if !ok || keyID == "" {
		return ""
	}
	return keyID
}

func apiKeyIDFromGRPCMetadata(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	for _, h := range md.Get("authorization") {
		if keyID := apiKeyIDFromBearer(h); keyID != "" {
			return keyID
		}
	}
	return ""
}

func extractGRPCPeerIP(ctx context.Context) string {
	p, ok := peer.FromContext(ctx)
	if !ok || p.Addr == nil {
		return ""
	}
	return ExtractIP(p.Addr.String())
}
