package main

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/go-authgate/command-center/api"
	"github.com/go-authgate/command-center/identity"
	"github.com/go-authgate/command-center/session"
)

const (
	storeMemory = "memory"
	storeRedis  = "redis"
)

// flagValues holds the raw persistent flags; empty means "not given".
type flagValues struct {
	serverURL       string
	apiURL          string
	clientID        string
	appKey          string
	credentialsFile string
	sessionStore    string
	redisURL        string
	logLevel        string
	requestTimeout  string
	refreshTimeout  string
}

type config struct {
	ServerURL       string
	APIURL          string
	ClientID        string
	AppKey          string
	CredentialsFile string
	SessionStore    string
	RedisURL        string
	LogLevel        string
	RequestTimeout  time.Duration
	RefreshTimeout  time.Duration
}

// loadConfig resolves every setting with priority flag > env > default. Problems that
// do not stop the CLI are returned as warnings.
func loadConfig(f flagValues) (*config, []string, error) {
	cfg := &config{
		ServerURL:       getConfig(f.serverURL, "SERVER_URL", "http://localhost:8080"),
		ClientID:        getConfig(f.clientID, "CLIENT_ID", ""),
		AppKey:          getConfig(f.appKey, "APP_KEY", ""),
		CredentialsFile: getConfig(f.credentialsFile, "CREDENTIALS_FILE", ".command-center-credentials.json"),
		SessionStore:    strings.ToLower(getConfig(f.sessionStore, "SESSION_STORE", storeMemory)),
		RedisURL:        getConfig(f.redisURL, "REDIS_URL", "redis://localhost:6379/0"),
		LogLevel:        getConfig(f.logLevel, "LOG_LEVEL", "warn"),
	}
	cfg.APIURL = getConfig(f.apiURL, "API_URL", strings.TrimRight(cfg.ServerURL, "/")+"/api/v1")

	var err error
	cfg.RequestTimeout, err = getDuration(f.requestTimeout, "REQUEST_TIMEOUT", api.DefaultTimeout)
	if err != nil {
		return nil, nil, err
	}
	cfg.RefreshTimeout, err = getDuration(f.refreshTimeout, "REFRESH_TIMEOUT", identity.DefaultRefreshTimeout)
	if err != nil {
		return nil, nil, err
	}

	if err := validateServerURL(cfg.ServerURL); err != nil {
		return nil, nil, fmt.Errorf("invalid SERVER_URL: %w", err)
	}
	if err := validateServerURL(cfg.APIURL); err != nil {
		return nil, nil, fmt.Errorf("invalid API_URL: %w", err)
	}
	if cfg.ClientID == "" {
		return nil, nil, errors.New(
			"CLIENT_ID not set; provide it with --client-id, the CLIENT_ID environment variable or a .env file",
		)
	}
	if cfg.SessionStore != storeMemory && cfg.SessionStore != storeRedis {
		return nil, nil, fmt.Errorf("SESSION_STORE must be %q or %q, got %q", storeMemory, storeRedis, cfg.SessionStore)
	}

	var warnings []string
	for _, u := range []string{cfg.ServerURL, cfg.APIURL} {
		if strings.HasPrefix(strings.ToLower(u), "http://") {
			warnings = append(warnings,
				"Using HTTP instead of HTTPS for "+u+". Tokens will be transmitted in plaintext!")
		}
	}
	if _, err := uuid.Parse(cfg.ClientID); err != nil {
		warnings = append(warnings,
			"CLIENT_ID doesn't appear to be a valid UUID: "+cfg.ClientID)
	}
	if cfg.AppKey == "" {
		warnings = append(warnings, "APP_KEY not set; requests are sent without X-App-Key")
	}
	return cfg, warnings, nil
}

// getConfig returns value with priority: flag > env > default
func getConfig(flagValue, envKey, defaultValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return getEnv(envKey, defaultValue)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(flagValue, envKey string, defaultValue time.Duration) (time.Duration, error) {
	raw := getConfig(flagValue, envKey, "")
	if raw == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", envKey, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("invalid %s: must be positive, got %s", envKey, d)
	}
	return d, nil
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// newHTTPClient returns the retrying client shared by the identity provider and the API.
func newHTTPClient() (*retry.Client, error) {
	baseHTTPClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}

	client, err := retry.NewBackgroundClient(
		retry.WithHTTPClient(baseHTTPClient),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}
	return client, nil
}

// newLogger writes structured diagnostics to w at the given level.
func newLogger(level string, w io.Writer) (zerolog.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return zerolog.Nop(), fmt.Errorf("invalid LOG_LEVEL: %w", err)
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// newStore opens the configured session store. The returned close func releases any
// connection the store holds.
func newStore(cfg *config) (session.Store, func() error, error) {
	if cfg.SessionStore != storeRedis {
		return session.NewMemoryStore(), func() error { return nil }, nil
	}

	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	client := redis.NewClient(opts)
	prefix := session.DefaultRedisPrefix + cfg.ClientID + ":"
	return session.NewRedisStore(client, prefix, 0), client.Close, nil
}
