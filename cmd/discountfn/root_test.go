package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/matt-riley/discountfn/internal/repository"
)

const discountedInput = `{
  "cart": {"lines": [{
    "id": "gid://shopify/CartLine/1",
    "quantity": 2,
    "merchandise": {"__typename": "ProductVariant", "id": "gid://shopify/ProductVariant/1", "product": {"id": "gid://shopify/Product/1"}},
    "cost": {"amountPerQuantity": {"amount": "10.00", "currencyCode": "USD"}, "compareAtAmountPerQuantity": null}
  }]},
  "discount": {"discountClasses": ["PRODUCT"], "metafield": {"value": "{\"percentage\": 15}"}}
}`

type fakeKeyStore struct {
	shop, name string
	err        error
}

func (f *fakeKeyStore) CreateAPIKey(_ context.Context, shop, name string) (repository.APIKey, string, error) {
	f.shop, f.name = shop, name
	if f.err != nil {
		return repository.APIKey{}, "", f.err
	}
	return repository.APIKey{ID: "key-1", Shop: shop, Name: name}, "key-1.secret", nil
}

type testCLI struct {
	stdout, stderr bytes.Buffer
	store          *fakeKeyStore
	databaseURL    string
	released       bool
	connectErr     error
}

func (c *testCLI) execute(t *testing.T, stdin string, args ...string) error {
	t.Helper()
	if c.store == nil {
		c.store = &fakeKeyStore{}
	}
	cmd := newRootCmd(deps{
		stdin:  strings.NewReader(stdin),
		stdout: &c.stdout,
		stderr: &c.stderr,
		connect: func(_ context.Context, databaseURL string) (apiKeyCreator, func(), error) {
			if c.connectErr != nil {
				return nil, nil, c.connectErr
			}
			c.databaseURL = databaseURL
			return c.store, func() { c.released = true }, nil
		},
	})
	cmd.SetArgs(args)
	return cmd.Execute()
}

func TestRunWritesOperations(t *testing.T) {
	var cli testCLI
	require.NoError(t, cli.execute(t, discountedInput, "run"))

	assert.JSONEq(t, `{"operations": [{"productDiscountsAdd": {
		"candidates": [{
			"message": "15% OFF PRODUCT",
			"targets": [{"cartLine": {"id": "gid://shopify/CartLine/1"}}],
			"value": {"percentage": {"value": 15}}
		}],
		"selectionStrategy": "FIRST"
	}}]}`, cli.stdout.String())
	assert.True(t, strings.HasSuffix(cli.stdout.String(), "\n"))
}

func TestRunReadsInputFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "input.json")
	require.NoError(t, os.WriteFile(path, []byte(discountedInput), 0o600))

	var cli testCLI
	require.NoError(t, cli.execute(t, "", "run", "--input", path))
	assert.Contains(t, cli.stdout.String(), "15% OFF PRODUCT")
}

func TestRunMissingInputFileFails(t *testing.T) {
	var cli testCLI
	err := cli.execute(t, "", "run", "--input", filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "read input")
	assert.Empty(t, cli.stdout.String())
}

func TestRunUndecodableInputEmitsEmptyOperations(t *testing.T) {
	var cli testCLI
	require.NoError(t, cli.execute(t, "{not json", "run"))

	assert.JSONEq(t, `{"operations": []}`, cli.stdout.String())
	assert.Contains(t, cli.stderr.String(), "undecodable function input")
}

func TestRunEmptyCart(t *testing.T) {
	var cli testCLI
	require.NoError(t, cli.execute(t, `{"cart": {"lines": []}, "discount": {"discountClasses": ["PRODUCT"]}}`, "run"))
	assert.JSONEq(t, `{"operations": []}`, cli.stdout.String())
}

func TestRunLogLevelControlsStderr(t *testing.T) {
	var quiet testCLI
	require.NoError(t, quiet.execute(t, discountedInput, "run"))
	assert.Empty(t, quiet.stderr.String())

	var verbose testCLI
	require.NoError(t, verbose.execute(t, discountedInput, "run", "--log-level", "debug"))
	assert.Contains(t, verbose.stderr.String(), "function evaluated")
	assert.Contains(t, verbose.stderr.String(), "configuration resolved")
}

func TestRunTextLogFormat(t *testing.T) {
	var cli testCLI
	require.NoError(t, cli.execute(t, discountedInput, "run", "--log-level", "info", "--log-format", "text"))
	assert.Contains(t, cli.stderr.String(), `msg="function evaluated"`)
	assert.NotContains(t, cli.stderr.String(), `"msg":`)
}

func TestResolveFromArgument(t *testing.T) {
	var cli testCLI
	require.NoError(t, cli.execute(t, "", "resolve", `{"amount": "5", "productIds": "gid://shopify/Product/1"}`))

	var got map[string]any
	require.NoError(t, json.Unmarshal(cli.stdout.Bytes(), &got))
	assert.Equal(t, "fixedAmount", got["kind"])
	assert.EqualValues(t, 5, got["magnitude"])
	assert.Equal(t, []any{"gid://shopify/Product/1"}, got["productIds"])
	assert.Equal(t, false, got["fallback"])
}

func TestResolveFromStdinFallsBack(t *testing.T) {
	var cli testCLI
	require.NoError(t, cli.execute(t, "garbage", "resolve"))
	assert.JSONEq(t, `{
		"kind": "percentage",
		"magnitude": 20,
		"productIds": [],
		"collections": [],
		"fallback": true
	}`, cli.stdout.String())
}

func TestCreateAPIKey(t *testing.T) {
	cli := testCLI{store: &fakeKeyStore{}}
	err := cli.execute(t, "", "create-api-key",
		"--shop", " example.myshopify.com ",
		"--name", "ci",
		"--database-url", "postgres://localhost/discountfn",
	)
	require.NoError(t, err)

	assert.Equal(t, "postgres://localhost/discountfn", cli.databaseURL)
	assert.Equal(t, "example.myshopify.com", cli.store.shop)
	assert.Equal(t, "ci", cli.store.name)
	assert.True(t, cli.released)
	assert.Contains(t, cli.stdout.String(), "token: key-1.secret")
}

func TestCreateAPIKeyUsesDatabaseURLEnv(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://env/discountfn")

	var cli testCLI
	require.NoError(t, cli.execute(t, "", "create-api-key", "--shop", "example.myshopify.com"))
	assert.Equal(t, "postgres://env/discountfn", cli.databaseURL)
}

func TestCreateAPIKeyValidation(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	tests := []struct {
		name    string
		args    []string
		wantErr string
	}{
		{name: "missing shop", args: []string{"create-api-key", "--database-url", "postgres://x"}, wantErr: "--shop is required"},
		{name: "missing database url", args: []string{"create-api-key", "--shop", "example.myshopify.com"}, wantErr: "DATABASE_URL is required"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cli testCLI
			err := cli.execute(t, "", tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
			assert.Empty(t, cli.databaseURL)
		})
	}
}

func TestCreateAPIKeyErrors(t *testing.T) {
	t.Run("connect", func(t *testing.T) {
		cli := testCLI{connectErr: errors.New("connection refused")}
		err := cli.execute(t, "", "create-api-key", "--shop", "s", "--database-url", "postgres://x")
		require.ErrorContains(t, err, "connection refused")
	})

	t.Run("store", func(t *testing.T) {
		cli := testCLI{store: &fakeKeyStore{err: errors.New("boom")}}
		err := cli.execute(t, "", "create-api-key", "--shop", "s", "--database-url", "postgres://x")
		require.ErrorContains(t, err, "create api key: boom")
		assert.True(t, cli.released)
		assert.Empty(t, cli.stdout.String())
	})
}

func TestVersion(t *testing.T) {
	var cli testCLI
	require.NoError(t, cli.execute(t, "", "version"))
	assert.Equal(t, "discountfn dev\n", cli.stdout.String())
}

func TestUnknownCommandFails(t *testing.T) {
	var cli testCLI
	require.Error(t, cli.execute(t, "", "nope"))
}
