package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"github.com/matt-riley/discountfn/internal/logging"
	"github.com/matt-riley/discountfn/internal/repository"
)

type apiKeyCreator interface {
	CreateAPIKey(ctx context.Context, shop, name string) (repository.APIKey, string, error)
}

// deps holds what the commands need from the outside world.
type deps struct {
	stdin  io.Reader
	stdout io.Writer
	stderr io.Writer

	// connect opens the key store for databaseURL. The returned func releases it.
	connect func(ctx context.Context, databaseURL string) (apiKeyCreator, func(), error)
}

func defaultDeps() deps {
	return deps{
		stdin:   os.Stdin,
		stdout:  os.Stdout,
		stderr:  os.Stderr,
		connect: connectPostgres,
	}
}

func connectPostgres(ctx context.Context, databaseURL string) (apiKeyCreator, func(), error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	return repository.NewPostgresRepository(pool), pool.Close, nil
}

func newRootCmd(d deps) *cobra.Command {
	var logLevel, logFormat string

	root := &cobra.Command{
		Use:   "discountfn",
		Short: "Evaluate the cart product discount function",
		Long: `discountfn evaluates the automatic product discount function the way the
host runtime does: a function-input document in, a function-output document
out.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "stderr log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&logFormat, "log-format", "json", "stderr log format (json, text)")
	root.SetIn(d.stdin)
	root.SetOut(d.stdout)
	root.SetErr(d.stderr)

	logger := func() *slog.Logger {
		return logging.NewWithFormat(logLevel, logging.ParseFormat(logFormat), d.stderr)
	}

	root.AddCommand(
		newRunCmd(logger),
		newResolveCmd(),
		newCreateAPIKeyCmd(d.connect),
		newVersionCmd(),
	)

	return root
}
