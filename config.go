package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	defaultUserAgent        = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"
	defaultImageCacheDays   = 30
	defaultMaxPlaylistBytes = 2 * 1024 * 1024
	maxRedirectHops         = 5
)

// Config is built once at start and shared read-only by every request.
type Config struct {
	Host      string
	Port      string
	PublicURL string

	SourcesFile string
	SourcesTTL  time.Duration

	ImageAllowedDomains []string
	ImageCacheDays      int
	DoubanImageMirror   string

	// UpstreamTimeout is how long a binary relay may go without upstream
	// progress. It does not cap the total length of a stream.
	UpstreamTimeout  time.Duration
	PlaylistTimeout  time.Duration
	PrecheckTimeout  time.Duration
	MaxPlaylistBytes int64
	DefaultUserAgent string

	LogLevel  string
	LogFormat string
}

// Addr returns the listen address.
func (c Config) Addr() string {
	return c.Host + ":" + c.Port
}

// loadConfig reads the configuration from the environment. The caller is
// expected to have loaded any .env file beforehand.
func loadConfig() (Config, error) {
	cfg := Config{
		Host:      getEnv("HOST", "0.0.0.0"),
		Port:      getEnv("PORT", "3000"),
		PublicURL: strings.TrimSuffix(strings.TrimSpace(os.Getenv("PUBLIC_URL")), "/"),

		SourcesFile: strings.TrimSpace(os.Getenv("SOURCES_FILE")),

		ImageAllowedDomains: splitList(getEnv("IMAGE_ALLOWED_DOMAINS", "doubanio.com")),
		DoubanImageMirror:   strings.ToLower(strings.TrimSpace(os.Getenv("DOUBAN_IMAGE_MIRROR"))),

		DefaultUserAgent: getEnv("DEFAULT_USER_AGENT", defaultUserAgent),

		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "json"),
	}

	var err error
	if cfg.SourcesTTL, err = getEnvDuration("SOURCES_TTL", time.Minute); err != nil {
		return Config{}, err
	}
	if cfg.UpstreamTimeout, err = getEnvDuration("UPSTREAM_TIMEOUT", 60*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PlaylistTimeout, err = getEnvDuration("PLAYLIST_TIMEOUT", 15*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.PrecheckTimeout, err = getEnvDuration("PRECHECK_TIMEOUT", 10*time.Second); err != nil {
		return Config{}, err
	}
	if cfg.ImageCacheDays, err = getEnvInt("IMAGE_CACHE_TTL_DAYS", defaultImageCacheDays); err != nil {
		return Config{}, err
	}
	maxBytes, err := getEnvInt("MAX_PLAYLIST_BYTES", defaultMaxPlaylistBytes)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxPlaylistBytes = int64(maxBytes)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.PublicURL != "" {
		u, err := url.Parse(c.PublicURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("PUBLIC_URL must be an absolute http(s) URL, got %q", c.PublicURL)
		}
	}
	if c.ImageCacheDays <= 0 {
		return fmt.Errorf("IMAGE_CACHE_TTL_DAYS must be positive, got %d", c.ImageCacheDays)
	}
	if c.MaxPlaylistBytes <= 0 {
		return fmt.Errorf("MAX_PLAYLIST_BYTES must be positive, got %d", c.MaxPlaylistBytes)
	}
	return nil
}

// imageAllowlist returns the configured image domains plus the Douban mirror
// when one is set.
func (c Config) imageAllowlist() []string {
	domains := append([]string(nil), c.ImageAllowedDomains...)
	if c.DoubanImageMirror != "" {
		domains = append(domains, c.DoubanImageMirror)
	}
	return domains
}

func getEnv(key, defaultValue string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return i, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", key, v)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.ToLower(strings.TrimSpace(part)); p != "" {
			out = append(out, p)
		}
	}
	return out
}
