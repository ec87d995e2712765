// Package config handles application configuration from flags, environment
// variables and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"skyfeed/internal/model"
)

// EnvPrefix is prepended to every environment variable, e.g.
// SKYFEED_APP_PASSWORD.
const EnvPrefix = "SKYFEED"

// Configuration keys. Flags use the same names.
const (
	KeyAppService          = "app-service"
	KeyAppIdentifier       = "app-identifier"
	KeyAppPassword         = "app-password"
	KeyDataPath            = "data-path"
	KeyDatabasePath        = "database-path"
	KeyRerunInterval       = "rerun-interval-seconds"
	KeyBackdate            = "backdate-hours"
	KeyFeeds               = "feeds"
	KeyPostLanguages       = "post-languages"
	KeyDisablePostComments = "disable-post-comments"
	KeyPostInterval        = "post-interval-millis"
	KeyMetricsAddr         = "metrics-addr"
	KeyLogLevel            = "log-level"
)

var defaults = map[string]any{
	KeyAppService:          "https://bsky.social",
	KeyDataPath:            "./data",
	KeyRerunInterval:       300,
	KeyBackdate:            3,
	KeyPostLanguages:       "en",
	KeyDisablePostComments: true,
	KeyPostInterval:        1000,
	KeyLogLevel:            "info",
}

var languageTag = regexp.MustCompile(`^[a-z]{2}$`)

// Config holds the application configuration.
type Config struct {
	Service             string
	Identifier          string
	Password            string
	DataPath            string
	DatabasePath        string
	RerunInterval       time.Duration
	Backdate            time.Duration
	Feeds               []model.FeedSource
	PostLanguages       []string
	DisablePostComments bool
	PostInterval        time.Duration
	MetricsAddr         string
	LogLevel            string
}

// RegisterFlags adds a flag for every configuration key to fs.
func RegisterFlags(fs *pflag.FlagSet) {
	fs.String(KeyAppService, defaults[KeyAppService].(string), "posting service base URL")
	fs.String(KeyAppIdentifier, "", "account handle or DID")
	fs.String(KeyAppPassword, "", "account app password")
	fs.String(KeyDataPath, defaults[KeyDataPath].(string), "directory for the database and session cache")
	fs.String(KeyDatabasePath, "", "database file (default <data-path>/skyfeed.db)")
	fs.Int(KeyRerunInterval, defaults[KeyRerunInterval].(int), "seconds between poll cycles")
	fs.Int(KeyBackdate, defaults[KeyBackdate].(int), "publish entries no older than this many hours")
	fs.String(KeyFeeds, "", "comma separated feed URLs, each optionally suffixed with |<language>")
	fs.String(KeyPostLanguages, defaults[KeyPostLanguages].(string), "comma separated ISO-639-1 post languages")
	fs.Bool(KeyDisablePostComments, defaults[KeyDisablePostComments].(bool), "disable replies on created posts")
	fs.Int(KeyPostInterval, defaults[KeyPostInterval].(int), "minimum milliseconds between two posts")
	fs.String(KeyMetricsAddr, "", "address to serve Prometheus metrics on, empty to disable")
	fs.String(KeyLogLevel, defaults[KeyLogLevel].(string), "log level: debug, info, warn or error")
}

// Load reads the configuration. Values come from flags set on fs (which may
// be nil), then SKYFEED_* environment variables, then defaults. Malformed
// values are rejected; required values are checked by Validate.
func Load(fs *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	for key, val := range defaults {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	if fs != nil {
		if err := v.BindPFlags(fs); err != nil {
			return nil, fmt.Errorf("bind flags: %w", err)
		}
	}

	cfg := &Config{
		Service:             strings.TrimSuffix(strings.TrimSpace(v.GetString(KeyAppService)), "/"),
		Identifier:          strings.TrimSpace(v.GetString(KeyAppIdentifier)),
		Password:            v.GetString(KeyAppPassword),
		DataPath:            v.GetString(KeyDataPath),
		DatabasePath:        v.GetString(KeyDatabasePath),
		RerunInterval:       time.Duration(v.GetInt(KeyRerunInterval)) * time.Second,
		Backdate:            time.Duration(v.GetInt(KeyBackdate)) * time.Hour,
		DisablePostComments: v.GetBool(KeyDisablePostComments),
		PostInterval:        time.Duration(v.GetInt(KeyPostInterval)) * time.Millisecond,
		MetricsAddr:         v.GetString(KeyMetricsAddr),
		LogLevel:            strings.ToLower(v.GetString(KeyLogLevel)),
	}
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = filepath.Join(cfg.DataPath, "skyfeed.db")
	}

	if err := checkURL(cfg.Service); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyAppService, err)
	}

	var err error
	if cfg.Feeds, err = ParseFeeds(v.GetString(KeyFeeds)); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyFeeds, err)
	}
	if cfg.PostLanguages, err = parseLanguages(v.GetString(KeyPostLanguages)); err != nil {
		return nil, fmt.Errorf("invalid %s: %w", KeyPostLanguages, err)
	}

	switch {
	case cfg.RerunInterval <= 0:
		return nil, fmt.Errorf("%s must be positive", KeyRerunInterval)
	case cfg.Backdate < 0:
		return nil, fmt.Errorf("%s must not be negative", KeyBackdate)
	case cfg.PostInterval < 0:
		return nil, fmt.Errorf("%s must not be negative", KeyPostInterval)
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid %s %q", KeyLogLevel, cfg.LogLevel)
	}

	return cfg, nil
}

// Validate checks the values the daemon cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.Identifier == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeyAppIdentifier))
	}
	if c.Password == "" {
		errs = append(errs, fmt.Errorf("%s is required", KeyAppPassword))
	}
	if len(c.Feeds) == 0 {
		errs = append(errs, fmt.Errorf("%s is required", KeyFeeds))
	}
	return errors.Join(errs...)
}

// SessionPath is where the posting session is cached between runs.
func (c *Config) SessionPath() string {
	return filepath.Join(c.DataPath, "session.json")
}

// ParseFeeds parses a comma separated list of feeds. Each item is a URL
// optionally followed by "|" and a language tag. Repeated URLs are dropped.
func ParseFeeds(raw string) ([]model.FeedSource, error) {
	var feeds []model.FeedSource
	seen := make(map[string]bool)
	for _, item := range strings.Split(raw, ",") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}

		feedURL, locale, _ := strings.Cut(item, "|")
		feedURL = strings.TrimSpace(feedURL)
		locale = strings.ToLower(strings.TrimSpace(locale))

		if err := checkURL(feedURL); err != nil {
			return nil, fmt.Errorf("feed %q: %w", item, err)
		}
		if locale != "" && !languageTag.MatchString(locale) {
			return nil, fmt.Errorf("feed %q: invalid language %q", item, locale)
		}
		if seen[feedURL] {
			continue
		}
		seen[feedURL] = true
		feeds = append(feeds, model.FeedSource{URL: feedURL, Locale: locale})
	}
	return feeds, nil
}

func parseLanguages(raw string) ([]string, error) {
	var langs []string
	for _, s := range strings.Split(raw, ",") {
		s = strings.ToLower(strings.TrimSpace(s))
		if s == "" {
			continue
		}
		if !languageTag.MatchString(s) {
			return nil, fmt.Errorf("language %q is not an ISO-639-1 code", s)
		}
		langs = append(langs, s)
	}
	return langs, nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme in %q", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("missing host in %q", raw)
	}
	return nil
}
