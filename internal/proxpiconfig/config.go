// Package proxpiconfig turns the serve command's flags (sourced from
// PROXPI_* environment variables per spec.md §6) into the typed
// configuration the rest of the process wires up.
package proxpiconfig

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/urfave/cli/v3"
)

// Defaults, per spec.md §6.
const (
	DefaultIndexURL        = "https://pypi.org/simple/"
	DefaultIndexTTL        = 1800 * time.Second
	DefaultExtraIndexTTL   = 180 * time.Second
	DefaultCacheSize       = 5_000_000_000
	DefaultDownloadTimeout = 900 * time.Millisecond
	DefaultConnectTimeout  = 5 * time.Second
	DefaultReadTimeout     = 30 * time.Second
)

// ExtraIndex is one entry of PROXPI_EXTRA_INDEX_URLS, position-aligned
// with its TTL from PROXPI_EXTRA_INDEX_TTLS.
type ExtraIndex struct {
	URL string
	TTL time.Duration
}

// Config is the fully resolved runtime configuration for the serve
// command.
type Config struct {
	IndexURL string
	IndexTTL time.Duration
	Extras   []ExtraIndex

	CacheSize      int64
	CacheDir       string
	CacheDirIsTemp bool

	BinaryFileMIMEType bool
	InsecureSkipVerify bool

	DownloadTimeout time.Duration
	ConnectTimeout  time.Duration
	ReadTimeout     time.Duration

	LoggingLevel string
}

// FromCommand resolves a Config from cmd's flags. Call Cleanup when the
// process is shutting down to remove any temporary cache directory this
// created.
func FromCommand(cmd *cli.Command) (*Config, error) {
	indexTTL, err := secondsFlagOrDefault(cmd, "index-ttl", DefaultIndexTTL)
	if err != nil {
		return nil, err
	}
	downloadTimeout, err := secondsFlagOrDefault(cmd, "download-timeout", DefaultDownloadTimeout)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		IndexURL:           valueOrDefault(cmd.String("index-url"), DefaultIndexURL),
		IndexTTL:           indexTTL,
		CacheSize:          int64(cmd.Int("cache-size")),
		CacheDir:           cmd.String("cache-dir"),
		BinaryFileMIMEType: cmd.Bool("binary-file-mime-type"),
		InsecureSkipVerify: cmd.Bool("disable-index-ssl-verification"),
		DownloadTimeout:    downloadTimeout,
		LoggingLevel:       cmd.String("logging-level"),
	}
	if !cmd.IsSet("cache-size") {
		cfg.CacheSize = DefaultCacheSize
	}

	extras, err := parseExtras(cmd.StringSlice("extra-index-urls"), extraTTLsSource(cmd))
	if err != nil {
		return nil, err
	}
	cfg.Extras = extras

	if cfg.CacheDir == "" {
		dir, err := os.MkdirTemp("", "proxpi-")
		if err != nil {
			return nil, fmt.Errorf("proxpiconfig: creating temporary cache directory: %w", err)
		}
		cfg.CacheDir = dir
		cfg.CacheDirIsTemp = true
	}

	connectSet := cmd.IsSet("connect-timeout")
	readSet := cmd.IsSet("read-timeout")
	switch {
	case connectSet && !readSet:
		if cfg.ConnectTimeout, err = parseSecondsDuration(cmd.String("connect-timeout")); err != nil {
			return nil, err
		}
		cfg.ReadTimeout = DefaultReadTimeout
	case readSet && !connectSet:
		if cfg.ReadTimeout, err = parseSecondsDuration(cmd.String("read-timeout")); err != nil {
			return nil, err
		}
		cfg.ConnectTimeout = DefaultConnectTimeout
	default:
		if cfg.ConnectTimeout, err = secondsFlagOrDefault(cmd, "connect-timeout", DefaultConnectTimeout); err != nil {
			return nil, err
		}
		if cfg.ReadTimeout, err = secondsFlagOrDefault(cmd, "read-timeout", DefaultReadTimeout); err != nil {
			return nil, err
		}
	}

	return cfg, nil
}

// Cleanup removes the cache directory if FromCommand created it as a
// temporary one.
func (c *Config) Cleanup() {
	if c.CacheDirIsTemp {
		os.RemoveAll(c.CacheDir)
	}
}

// extraTTLsSource reads PROXPI_EXTRA_INDEX_TTLS, falling back to the
// legacy PROXPI_EXTRA_INDEX_TTL name when the former wasn't set.
func extraTTLsSource(cmd *cli.Command) string {
	if cmd.IsSet("extra-index-ttls") {
		return cmd.String("extra-index-ttls")
	}
	return cmd.String("extra-index-ttl")
}

// parseExtras position-aligns comma-separated TTLs (seconds) with the
// extra index URLs; a short or empty TTL list defaults every
// unspecified position to DefaultExtraIndexTTL.
func parseExtras(urls []string, ttlsCSV string) ([]ExtraIndex, error) {
	var ttlFields []string
	if ttlsCSV != "" {
		ttlFields = strings.Split(ttlsCSV, ",")
	}

	out := make([]ExtraIndex, 0, len(urls))
	for i, u := range urls {
		u = strings.TrimSpace(u)
		if u == "" {
			continue
		}

		ttl := DefaultExtraIndexTTL
		if i < len(ttlFields) {
			field := strings.TrimSpace(ttlFields[i])
			if field != "" {
				secs, err := strconv.Atoi(field)
				if err != nil {
					return nil, fmt.Errorf("proxpiconfig: parsing extra index TTL %q: %w", field, err)
				}
				ttl = time.Duration(secs) * time.Second
			}
		}

		out = append(out, ExtraIndex{URL: u, TTL: ttl})
	}
	return out, nil
}

func valueOrDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

// secondsFlagOrDefault reads a flag holding a bare seconds count (spec.md
// §6 documents every timeout/TTL environment variable this way, e.g.
// PROXPI_INDEX_TTL=1800) and returns def when the flag was not set.
func secondsFlagOrDefault(cmd *cli.Command, name string, def time.Duration) (time.Duration, error) {
	if !cmd.IsSet(name) {
		return def, nil
	}
	return parseSecondsDuration(cmd.String(name))
}

// parseSecondsDuration parses a bare (optionally fractional) seconds
// count, matching the original Python's int()/float() parsing of these
// environment variables.
func parseSecondsDuration(raw string) (time.Duration, error) {
	secs, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("proxpiconfig: parsing seconds value %q: %w", raw, err)
	}
	return time.Duration(secs * float64(time.Second)), nil
}
