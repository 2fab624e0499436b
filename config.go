package offline

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/always-cache/offline-cache/cache"
	cachekey "github.com/always-cache/offline-cache/pkg/cache-key"
	storemanager "github.com/always-cache/offline-cache/pkg/store-manager"
	syncmanager "github.com/always-cache/offline-cache/pkg/sync-manager"
	"github.com/always-cache/offline-cache/storage"

	"github.com/caarlos0/env/v11"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes the environment variables overriding the config file.
const EnvPrefix = "OFFLINE_"

// MemoryDatabase selects the in-memory storage engine.
const MemoryDatabase = "memory"

type FileConfig struct {
	Origin string `yaml:"origin"`
	Host   string `yaml:"host"`
	// Database file name, or "memory".
	Database  string              `yaml:"database"`
	Driver    string              `yaml:"driver"`
	Cache     string              `yaml:"cache"`
	Offline   bool                `yaml:"offline"`
	Preflight PreflightConfig     `yaml:"preflight"`
	Endpoints []cachekey.Endpoint `yaml:"endpoints"`
	Rules     []SyncRule          `yaml:"rules"`
}

// envOverrides holds the settings that can be overridden from the environment.
type envOverrides struct {
	Origin    string          `env:"ORIGIN"`
	Host      string          `env:"HOST"`
	Database  string          `env:"DATABASE"`
	Driver    string          `env:"DRIVER"`
	Cache     string          `env:"CACHE"`
	Offline   bool            `env:"START_OFFLINE"`
	Preflight PreflightConfig `envPrefix:"PREFLIGHT_"`
}

type PreflightConfig struct {
	Pattern string        `yaml:"pattern" env:"PATTERN"`
	Timeout time.Duration `yaml:"timeout" env:"TIMEOUT"`
}

func (c PreflightConfig) SyncOptions() syncmanager.SyncOptions {
	return syncmanager.SyncOptions{
		PreflightOptionsRequest:        c.Pattern,
		PreflightOptionsRequestTimeout: c.Timeout,
	}
}

func defaultConfig() FileConfig {
	return FileConfig{
		Database: "offline-cache.db",
		Driver:   storage.DriverSQLite,
		Cache:    cache.DefaultName,
	}
}

// LoadConfig reads the config file, if given, and applies the environment overrides.
func LoadConfig(filename string) (FileConfig, error) {
	config := defaultConfig()
	if filename != "" {
		configBytes, err := os.ReadFile(filename)
		if err != nil {
			return config, err
		}
		if err := yaml.Unmarshal(configBytes, &config); err != nil {
			return config, fmt.Errorf("config %s: %w", filename, err)
		}
	}
	overrides := envOverrides{
		Origin:    config.Origin,
		Host:      config.Host,
		Database:  config.Database,
		Driver:    config.Driver,
		Cache:     config.Cache,
		Offline:   config.Offline,
		Preflight: config.Preflight,
	}
	if err := ParseEnv(&overrides); err != nil {
		return config, err
	}
	config.Origin = overrides.Origin
	config.Host = overrides.Host
	config.Database = overrides.Database
	config.Driver = overrides.Driver
	config.Cache = overrides.Cache
	config.Offline = overrides.Offline
	config.Preflight = overrides.Preflight
	return config, nil
}

// ParseEnv populates target from OFFLINE_ prefixed environment variables.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// App holds the components wired from a FileConfig.
type App struct {
	Engine storage.Engine
	Stores *storemanager.Manager
	Keys   *cachekey.Handler
	Caches *cache.Caches
	Cache  *cache.Cache
	Sync   *syncmanager.Manager
	// Proxy is nil when no origin is configured.
	Proxy *Proxy
}

// Open wires the components described by the config.
func Open(ctx context.Context, config FileConfig, logger *zerolog.Logger) (*App, error) {
	if logger == nil {
		logger = &log.Logger
	}
	if config.Cache == "" {
		config.Cache = cache.DefaultName
	}
	var engine storage.Engine
	if config.Database == "" || config.Database == MemoryDatabase {
		engine = storage.NewMemoryEngine()
	} else {
		sqlite, err := storage.NewSQLiteEngine(config.Database, storage.WithDriver(config.Driver))
		if err != nil {
			return nil, err
		}
		engine = sqlite
	}
	app := &App{Engine: engine}

	app.Stores = storemanager.New(storemanager.Config{
		DefaultFactory: storemanager.NewEngineFactory(engine),
		Logger:         logger,
	})
	app.Keys = cachekey.New(app.Stores, cachekey.NewRegistry(config.Endpoints...), logger)
	app.Caches = cache.NewCaches(app.Stores, app.Keys, logger)
	var err error
	if app.Cache, err = app.Caches.Open(ctx, config.Cache); err != nil {
		engine.Close()
		return nil, err
	}
	// Replays go through the same transport as proxied requests.
	transport := originTransport(config.Host)
	app.Sync, err = syncmanager.New(ctx, syncmanager.Config{
		Manager:   app.Stores,
		Transport: &http.Client{Transport: transport},
		Logger:    logger,
	})
	if err != nil {
		engine.Close()
		return nil, err
	}
	if _, err := RegisterSyncRules(app.Sync, config.Rules); err != nil {
		engine.Close()
		return nil, err
	}
	if config.Origin == "" {
		return app, nil
	}

	origin, err := originURL(config.Origin)
	if err != nil {
		engine.Close()
		return nil, err
	}
	app.Proxy, err = New(Config{
		OriginURL:   origin,
		OriginHost:  config.Host,
		Cache:       app.Cache,
		Keys:        app.Keys,
		Sync:        app.Sync,
		Stores:      app.Stores,
		SyncOptions: config.Preflight.SyncOptions(),
		Transport:   transport,
		Offline:     config.Offline,
		Logger:      logger,
	})
	if err != nil {
		engine.Close()
		return nil, err
	}
	return app, nil
}

func (a *App) Close() error {
	return a.Engine.Close()
}
