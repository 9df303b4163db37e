package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultHTTPAddr          = ":8080"
	defaultAutoRefreshPeriod = 30 * time.Second
	defaultPendingTimeout    = 30 * time.Second
	defaultViewIdleTTL       = 2 * time.Minute
	defaultVaultMount        = "secret"
	defaultVaultKey          = "token"
)

type Config struct {
	BackendURL       string
	BackendToken     string
	NotificationsURL string

	VaultAddr  string
	VaultToken string
	VaultPath  string
	VaultMount string
	VaultKey   string

	HTTPAddr         string
	MetricsAddr      string
	DatabaseURL      string
	SettingsFile     string
	AuthCookieSecure bool

	// AutoRefresh* seed the settings when nothing is stored yet.
	AutoRefreshEnabled bool
	AutoRefreshPeriod  time.Duration

	PendingMutationTimeout time.Duration
	ViewIdleTTL            time.Duration
}

// VaultEnabled reports whether the backend token is read from Vault.
func (c Config) VaultEnabled() bool {
	return c.VaultPath != ""
}

type LoadOptions struct {
	RequireBackend     bool
	RequireDatabaseURL bool
}

// Load reads the configuration a command that talks to the backend needs.
func Load() (Config, error) {
	return LoadWithOptions(LoadOptions{RequireBackend: true})
}

// LoadWithOptions reads the environment, after loading .env when present.
func LoadWithOptions(opts LoadOptions) (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, err
		}
	}

	cfg := Config{
		BackendURL:       strings.TrimRight(strings.TrimSpace(os.Getenv("BACKEND_URL")), "/"),
		BackendToken:     strings.TrimSpace(os.Getenv("BACKEND_TOKEN")),
		NotificationsURL: strings.TrimSpace(os.Getenv("NOTIFICATIONS_URL")),
		VaultAddr:        getenvDefault("BACKEND_TOKEN_VAULT_ADDR", os.Getenv("VAULT_ADDR")),
		VaultToken:       os.Getenv("VAULT_TOKEN"),
		VaultPath:        strings.Trim(strings.TrimSpace(os.Getenv("BACKEND_TOKEN_VAULT_PATH")), "/"),
		VaultMount:       getenvDefault("BACKEND_TOKEN_VAULT_MOUNT", defaultVaultMount),
		VaultKey:         getenvDefault("BACKEND_TOKEN_VAULT_KEY", defaultVaultKey),
		HTTPAddr:         getenvDefault("HTTP_ADDR", defaultHTTPAddr),
		MetricsAddr:      strings.TrimSpace(os.Getenv("METRICS_ADDR")),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SettingsFile:     strings.TrimSpace(os.Getenv("SETTINGS_FILE")),
	}

	var errs []error
	var err error
	if cfg.AuthCookieSecure, err = getenvBool("AUTH_COOKIE_SECURE", false); err != nil {
		errs = append(errs, err)
	}
	if cfg.AutoRefreshEnabled, err = getenvBool("AUTO_REFRESH_ENABLED", false); err != nil {
		errs = append(errs, err)
	}
	if cfg.AutoRefreshPeriod, err = getenvDuration("AUTO_REFRESH_PERIOD", defaultAutoRefreshPeriod); err != nil {
		errs = append(errs, err)
	}
	if cfg.PendingMutationTimeout, err = getenvDuration("PENDING_MUTATION_TIMEOUT", defaultPendingTimeout); err != nil {
		errs = append(errs, err)
	}
	if cfg.ViewIdleTTL, err = getenvDuration("VIEW_IDLE_TTL", defaultViewIdleTTL); err != nil {
		errs = append(errs, err)
	}

	if opts.RequireBackend && cfg.BackendURL == "" {
		errs = append(errs, errors.New("BACKEND_URL is required"))
	}
	if cfg.VaultEnabled() {
		if cfg.VaultAddr == "" {
			errs = append(errs, errors.New("BACKEND_TOKEN_VAULT_ADDR is required when BACKEND_TOKEN_VAULT_PATH is set"))
		}
		if cfg.VaultToken == "" {
			errs = append(errs, errors.New("VAULT_TOKEN is required when BACKEND_TOKEN_VAULT_PATH is set"))
		}
		if cfg.BackendToken != "" {
			errs = append(errs, errors.New("set either BACKEND_TOKEN or BACKEND_TOKEN_VAULT_PATH, not both"))
		}
	}
	if opts.RequireDatabaseURL && cfg.DatabaseURL == "" {
		errs = append(errs, errors.New("DATABASE_URL is required"))
	}

	if len(errs) > 0 {
		return cfg, errors.Join(errs...)
	}
	return cfg, nil
}

func getenvDefault(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func getenvBool(key string, def bool) (bool, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, fmt.Errorf("%s must be a boolean", key)
	}
	return b, nil
}

func getenvDuration(key string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return def, fmt.Errorf("%s must be a positive duration such as 30s", key)
	}
	return d, nil
}
