package cli

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/poolerhq/gateway/internal/config"
	"github.com/poolerhq/gateway/internal/identity/store"
)

// dataDir holds the --data-dir persistent flag value (set on root command).
var dataDir string

// resolveDataDir returns the data directory from --data-dir flag,
// POOLER_DATA_DIR env var, or ~/.pooler as fallback.
func resolveDataDir() string {
	if dataDir != "" {
		return dataDir
	}
	if envDir := os.Getenv("POOLER_DATA_DIR"); envDir != "" {
		return envDir
	}
	home, _ := os.UserHomeDir()
	return home + "/.pooler"
}

// loadConfig reads the YAML config named by --config (or the default search
// path), falling back to built-in defaults when no file exists. Individual
// settings can still be overridden by POOLER_* environment variables through
// viper bindings in the commands.
func loadConfig() *config.Config {
	path := cfgFile
	if path == "" {
		if _, err := os.Stat("pooler.yaml"); err == nil {
			path = "pooler.yaml"
		}
	}
	if path == "" {
		return config.Default()
	}
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: %v, using defaults\n", err)
		return config.Default()
	}
	return cfg
}

// openStore opens the embedded identity store using the identity section of
// the config, with the data dir resolved the usual way.
func openStore(cfg *config.Config) (*store.Store, error) {
	jwtSecret := cfg.Identity.JWTSecret
	if s := viper.GetString("identity.jwt_secret"); s != "" {
		jwtSecret = s
	}
	if jwtSecret == "" {
		jwtSecret = "pooler-dev-secret-change-me"
	}

	tokenTTL := time.Hour
	if cfg.Identity.TokenTTL != "" {
		if d, err := time.ParseDuration(cfg.Identity.TokenTTL); err == nil {
			tokenTTL = d
		}
	}

	dir := cfg.Identity.DataDir
	if dir == "" {
		dir = resolveDataDir()
	}

	return store.Open(store.Options{
		Driver:    cfg.Identity.Driver,
		DSN:       cfg.Identity.DSN,
		DataDir:   dir,
		JWTSecret: jwtSecret,
		TokenTTL:  tokenTTL,
	})
}

// buildLogger constructs a slog.Logger from the logging config.
func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}
	if strings.ToLower(cfg.Format) == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// versionString returns a display version string.
func versionString() string {
	if appVersion == "" || appVersion == "dev" {
		return "dev"
	}
	if strings.HasPrefix(appVersion, "v") {
		return appVersion
	}
	return "v" + appVersion
}
