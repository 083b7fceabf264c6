package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/matt-riley/discountfn/internal/core"
)

const createAPIKeyTimeout = 30 * time.Second

func newRunCmd(logger func() *slog.Logger) *cobra.Command {
	var inputPath string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Evaluate a function-input document",
		Long: `Reads a function-input document from stdin (or --input) and writes the
function-output document to stdout.

Input that cannot be decoded is logged and answered with an empty operation
list, so the command only fails when it cannot read or write at all.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log := logger()

			payload, err := readInput(cmd.InOrStdin(), inputPath)
			if err != nil {
				return err
			}

			var evaluation core.Evaluation
			input, err := core.DecodeInput(payload)
			if err != nil {
				log.Error("undecodable function input", "error", err)
				evaluation = core.Evaluation{Output: core.Output{Operations: []core.Operation{}}}
			} else {
				evaluation = core.Evaluate(input, log)
				log.Info("function evaluated",
					"outcome", evaluation.Outcome,
					"eligible_lines", evaluation.EligibleLines,
				)
			}

			output, err := core.EncodeOutput(evaluation.Output)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintf(cmd.OutOrStdout(), "%s\n", output)
			return err
		},
	}
	cmd.Flags().StringVarP(&inputPath, "input", "i", "", "read the function input from this file instead of stdin")

	return cmd
}

func newResolveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "resolve [configuration]",
		Short: "Print the configuration a metafield value resolves to",
		Long: `Resolves a discount configuration metafield value the way the function does
and prints the result as JSON. The value is taken from the argument, or from
stdin when no argument is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var raw []byte
			if len(args) == 1 {
				raw = []byte(args[0])
			} else {
				var err error
				raw, err = io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read configuration: %w", err)
				}
			}

			encoder := json.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent("", "  ")
			return encoder.Encode(core.ResolveConfiguration(raw))
		},
	}
}

func newCreateAPIKeyCmd(connect func(ctx context.Context, databaseURL string) (apiKeyCreator, func(), error)) *cobra.Command {
	var (
		shop        string
		name        string
		databaseURL string
	)

	cmd := &cobra.Command{
		Use:   "create-api-key",
		Short: "Create an API key for a shop",
		Long: `Creates an API key for a shop and prints the bearer token. The token is
shown once; only a bcrypt hash of its secret is stored.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			shop = strings.TrimSpace(shop)
			if shop == "" {
				return errors.New("--shop is required")
			}
			if databaseURL == "" {
				databaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
			}
			if databaseURL == "" {
				return errors.New("--database-url or DATABASE_URL is required")
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), createAPIKeyTimeout)
			defer cancel()

			store, release, err := connect(ctx, databaseURL)
			if err != nil {
				return err
			}
			defer release()

			key, token, err := store.CreateAPIKey(ctx, shop, strings.TrimSpace(name))
			if err != nil {
				return fmt.Errorf("create api key: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:    %s\n", key.ID)
			fmt.Fprintf(out, "shop:  %s\n", key.Shop)
			fmt.Fprintf(out, "token: %s\n", token)
			return nil
		},
	}
	cmd.Flags().StringVar(&shop, "shop", "", "shop domain the key belongs to")
	cmd.Flags().StringVar(&name, "name", "", "label for the key")
	cmd.Flags().StringVar(&databaseURL, "database-url", "", "PostgreSQL connection string (defaults to DATABASE_URL)")

	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "discountfn %s\n", version)
		},
	}
}

func readInput(stdin io.Reader, path string) ([]byte, error) {
	if path == "" || path == "-" {
		payload, err := io.ReadAll(stdin)
		if err != nil {
			return nil, fmt.Errorf("read stdin: %w", err)
		}
		return payload, nil
	}

	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	return payload, nil
}
