// Package middleware provides authentication, rate limiting and request
// logging for the discountfn HTTP and gRPC transports. API keys are bearer
// tokens of the form "<key id>.<secret>"; only a bcrypt hash of the secret is
// stored.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(secret string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, secret string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(secret)) == nil
}

// APIKeyLookup returns the stored hash and owning shop for a key ID.
type APIKeyLookup interface {
	ValidateAPIKey(ctx context.Context, id string) (string, string, error)
}

// APIKeyValidator is a [TokenValidator] backed by stored API keys.
type APIKeyValidator struct {
	Lookup APIKeyLookup
}

func (v *APIKeyValidator) ValidateToken(ctx context.Context, token string) (string, error) {
	if v == nil || v.Lookup == nil {
		return "", errors.New("api key validator is nil")
	}

	keyID, secret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || secret == "" {
		return "", errors.New("invalid token format")
	}

	keyHash, shop, err := v.Lookup.ValidateAPIKey(ctx, keyID)
	if err != nil {
		return "", fmt.Errorf("lookup key hash: %w", err)
	}
	if !APIKeyMatchesHash(keyHash, secret) {
		return "", errors.New("invalid token")
	}

	return shop, nil
}
