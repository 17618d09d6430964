package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/automaxprocs/maxprocs"
)

// autoMaxProcs configures runtime.GOMAXPROCS from the container's CPU
// quota, re-checking on an interval since a quota can change under a
// running process.
func autoMaxProcs(ctx context.Context, d time.Duration, logger zerolog.Logger) error {
	log := logger.With().Str("operation", "auto-max-procs").Logger()

	var last string
	infof := func(format string, args ...interface{}) {
		msg := fmt.Sprintf(format, args...)
		if msg != last {
			log.Info().Msg(msg)
			last = msg
		}
	}

	set := func() {
		if _, err := maxprocs.Set(maxprocs.Logger(infof)); err != nil {
			log.Error().Err(err).Msg("failed to set GOMAXPROCS")
		}
	}
	set()

	ticker := time.NewTicker(d)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			set()
		}
	}
}
