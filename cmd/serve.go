package cmd

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

	"github.com/proxpi/proxpi/internal/aggregator"
	"github.com/proxpi/proxpi/internal/filecache"
	"github.com/proxpi/proxpi/internal/index"
	"github.com/proxpi/proxpi/internal/metrics"
	"github.com/proxpi/proxpi/internal/proxpiconfig"
	"github.com/proxpi/proxpi/internal/server"
)

const meterName = "github.com/proxpi/proxpi/cmd"

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:    "serve",
		Aliases: []string{"s"},
		Usage:   "serve Simple Repository indexes over HTTP, caching as it goes",
		Action:  serveAction(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen-addr",
				Usage:   "The address the HTTP server listens on",
				Sources: cli.EnvVars("PROXPI_LISTEN_ADDR"),
				Value:   ":8080",
			},
			&cli.StringFlag{
				Name:    "index-url",
				Usage:   "Root upstream Simple Repository base URL",
				Sources: cli.EnvVars("PROXPI_INDEX_URL"),
			},
			&cli.StringFlag{
				Name:    "index-ttl",
				Usage:   "Root index listing cache TTL, in seconds (0 disables caching)",
				Sources: cli.EnvVars("PROXPI_INDEX_TTL"),
			},
			&cli.StringSliceFlag{
				Name:    "extra-index-urls",
				Usage:   "Extra upstream Simple Repository base URLs, consulted in order after the root",
				Sources: cli.EnvVars("PROXPI_EXTRA_INDEX_URLS"),
			},
			&cli.StringFlag{
				Name:    "extra-index-ttls",
				Usage:   "Comma-separated cache TTLs, position-aligned with --extra-index-urls",
				Sources: cli.EnvVars("PROXPI_EXTRA_INDEX_TTLS"),
			},
			&cli.StringFlag{
				Name:    "extra-index-ttl",
				Usage:   "Legacy alias for --extra-index-ttls",
				Sources: cli.EnvVars("PROXPI_EXTRA_INDEX_TTL"),
			},
			&cli.IntFlag{
				Name:    "cache-size",
				Usage:   "File cache byte budget (0 disables on-disk caching)",
				Sources: cli.EnvVars("PROXPI_CACHE_SIZE"),
			},
			&cli.StringFlag{
				Name:    "cache-dir",
				Usage:   "File cache directory (default: a fresh temporary directory removed on exit)",
				Sources: cli.EnvVars("PROXPI_CACHE_DIR"),
			},
			&cli.BoolFlag{
				Name:    "binary-file-mime-type",
				Usage:   "Force application/octet-stream for every artifact response",
				Sources: cli.EnvVars("PROXPI_BINARY_FILE_MIME_TYPE"),
			},
			&cli.BoolFlag{
				Name:    "disable-index-ssl-verification",
				Usage:   "Skip TLS verification for upstream index calls",
				Sources: cli.EnvVars("PROXPI_DISABLE_INDEX_SSL_VERIFICATION"),
			},
			&cli.StringFlag{
				Name:    "download-timeout",
				Usage:   "Seconds a download request waits before falling back to a redirect",
				Sources: cli.EnvVars("PROXPI_DOWNLOAD_TIMEOUT"),
			},
			&cli.StringFlag{
				Name:    "connect-timeout",
				Usage:   "Upstream connect timeout, in seconds",
				Sources: cli.EnvVars("PROXPI_CONNECT_TIMEOUT"),
			},
			&cli.StringFlag{
				Name:    "read-timeout",
				Usage:   "Upstream read timeout, in seconds",
				Sources: cli.EnvVars("PROXPI_READ_TIMEOUT"),
			},
			&cli.StringFlag{
				Name:    "janitor-schedule",
				Usage:   "Cron spec for sweeping orphaned temp files out of the file cache",
				Sources: cli.EnvVars("PROXPI_JANITOR_SCHEDULE"),
				Value:   "@every 10m",
				Validator: func(s string) error {
					_, err := cron.ParseStandard(s)
					return err
				},
			},
		},
	}
}

func serveAction() cli.ActionFunc {
	return func(ctx context.Context, cmd *cli.Command) error {
		logger := zerolog.Ctx(ctx).With().Str("cmd", "serve").Logger()
		ctx = logger.WithContext(ctx)

		ctx, cancel := context.WithCancel(ctx)
		g, ctx := errgroup.WithContext(ctx)
		defer func() {
			if err := g.Wait(); err != nil {
				logger.Error().Err(err).Msg("error returned from g.Wait()")
			}
		}()
		defer cancel()

		g.Go(func() error {
			return autoMaxProcs(ctx, 30*time.Second, logger)
		})

		cfg, err := proxpiconfig.FromCommand(cmd)
		if err != nil {
			return fmt.Errorf("error resolving configuration: %w", err)
		}
		defer cfg.Cleanup()

		recorder, err := metrics.New(otel.GetMeterProvider().Meter(meterName))
		if err != nil {
			return fmt.Errorf("error creating the metrics recorder: %w", err)
		}

		agg, err := createAggregator(cfg, recorder)
		if err != nil {
			return err
		}

		files, err := filecache.New(filecache.Config{
			Dir:             cfg.CacheDir,
			ByteBudget:      cfg.CacheSize,
			DownloadTimeout: cfg.DownloadTimeout,
			Metrics:         recorder,
			Logger:          logger,
		})
		if err != nil {
			return fmt.Errorf("error creating the file cache: %w", err)
		}

		stopJanitor, err := files.StartJanitor(cmd.String("janitor-schedule"))
		if err != nil {
			return fmt.Errorf("error starting the file cache janitor: %w", err)
		}
		defer stopJanitor()

		srv := server.New(agg, files, server.Config{BinaryFileMIMEType: cfg.BinaryFileMIMEType})

		mux := http.NewServeMux()
		if h := metricsHandlerFrom(ctx); h != nil {
			mux.Handle("/metrics", h)
		}
		mux.Handle("/", srv)

		httpServer := &http.Server{
			BaseContext:       func(net.Listener) context.Context { return ctx },
			Addr:              cmd.String("listen-addr"),
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		}

		logger.Info().Str("listen-addr", cmd.String("listen-addr")).Msg("server started")

		if err := httpServer.ListenAndServe(); err != nil {
			return fmt.Errorf("error starting the HTTP listener: %w", err)
		}

		return nil
	}
}

func createAggregator(cfg *proxpiconfig.Config, recorder *metrics.Recorder) (*aggregator.Aggregator, error) {
	root, err := index.New(index.Config{
		BaseURL:            cfg.IndexURL,
		ListTTL:            cfg.IndexTTL,
		ProjectTTL:         cfg.IndexTTL,
		ConnectTimeout:     cfg.ConnectTimeout,
		ReadTimeout:        cfg.ReadTimeout,
		InsecureSkipVerify: cfg.InsecureSkipVerify,
		Metrics:            recorder,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating the root index source: %w", err)
	}

	extras := make([]aggregator.Source, 0, len(cfg.Extras))
	for _, e := range cfg.Extras {
		src, err := index.New(index.Config{
			BaseURL:            e.URL,
			ListTTL:            e.TTL,
			ProjectTTL:         e.TTL,
			ConnectTimeout:     cfg.ConnectTimeout,
			ReadTimeout:        cfg.ReadTimeout,
			InsecureSkipVerify: cfg.InsecureSkipVerify,
			Metrics:            recorder,
		})
		if err != nil {
			return nil, fmt.Errorf("error creating extra index source %q: %w", e.URL, err)
		}
		extras = append(extras, src)
	}

	return aggregator.New(root, extras...), nil
}
