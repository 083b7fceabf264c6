// Package migrations holds the goose migrations for the discount store: shops,
// discounts, discount events and API keys.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
