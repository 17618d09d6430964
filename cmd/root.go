// Package cmd wires proxpi's process entrypoint: flag/env parsing,
// logger and OpenTelemetry bootstrap, and the serve subcommand.
package cmd

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"golang.org/x/term"
)

// Version is set with ldflags at build time.
//
//nolint:gochecknoglobals
var Version = "dev"

type metricsHandlerKey struct{}

// metricsHandlerFrom returns the /metrics handler setupOTelSDK built,
// stashed on the context the same way zerolog's logger is.
func metricsHandlerFrom(ctx context.Context) http.Handler {
	h, _ := ctx.Value(metricsHandlerKey{}).(http.Handler)
	return h
}

// New builds the root "proxpi" command.
func New() *cli.Command {
	var otelShutdown func(context.Context) error

	return &cli.Command{
		Name:    "proxpi",
		Usage:   "Caching reverse proxy for Simple Repository package indexes",
		Version: Version,
		Before: func(ctx context.Context, cmd *cli.Command) (context.Context, error) {
			logLvl := cmd.String("logging-level")

			lvl, err := zerolog.ParseLevel(logLvl)
			if err != nil {
				return ctx, fmt.Errorf("error parsing the logging-level %q: %w", logLvl, err)
			}

			var output io.Writer = os.Stdout
			if term.IsTerminal(int(os.Stdout.Fd())) {
				output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
			}

			ctx = zerolog.New(output).Level(lvl).WithContext(ctx)

			var metricsHandler http.Handler
			otelShutdown, metricsHandler, err = setupOTelSDK(ctx, cmd)
			if err != nil {
				return ctx, err
			}
			ctx = context.WithValue(ctx, metricsHandlerKey{}, metricsHandler)

			zerolog.Ctx(ctx).Info().Str("logging-level", lvl.String()).Msg("logger created")

			return ctx, nil
		},
		After: func(ctx context.Context, _ *cli.Command) error {
			if otelShutdown == nil {
				return nil
			}
			return otelShutdown(ctx)
		},
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "logging-level",
				Usage:   "Set the log level",
				Sources: cli.EnvVars("PROXPI_LOGGING_LEVEL"),
				Value:   "info",
				Validator: func(lvl string) error {
					_, err := zerolog.ParseLevel(lvl)
					return err
				},
			},
			&cli.StringFlag{
				Name:    "otel-grpc-endpoint",
				Usage:   "OpenTelemetry collector gRPC endpoint; omit to export to stdout",
				Sources: cli.EnvVars("PROXPI_OTEL_GRPC_ENDPOINT"),
				Value:   "",
			},
		},
		Commands: []*cli.Command{
			serveCommand(),
		},
	}
}
