package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/openfroyo/reconcile/pkg/config"
	"github.com/openfroyo/reconcile/pkg/policy"
	"github.com/openfroyo/reconcile/pkg/reconcile"
	"github.com/openfroyo/reconcile/pkg/stores"
	"github.com/openfroyo/reconcile/pkg/telemetry"
)

// app holds what a command needs to talk to the cluster state.
type app struct {
	settings *config.Settings
	tel      *telemetry.Telemetry
	store    stores.Store
	policy   *policy.Engine
	service  *reconcile.Service
}

func settingsPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultSettingsFile
}

// loadSettings reads --config, or ./reconcile.yaml when present.
func loadSettings() (*config.Settings, error) {
	if configPath != "" {
		return config.LoadSettings(configPath)
	}
	return config.LoadSettingsOrDefault(config.DefaultSettingsFile)
}

func newTelemetry(settings *config.Settings) (*telemetry.Telemetry, error) {
	cfg := telemetry.FromSettings(settings.Telemetry, buildVersion)
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return telemetry.NewTelemetry(cfg)
}

func openStore(ctx context.Context, s config.DatabaseSettings) (*stores.SQLiteStore, error) {
	if dir := filepath.Dir(s.Path); dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	store, err := stores.NewSQLiteStore(stores.Config{
		Path:            s.Path,
		MaxOpenConns:    s.MaxOpenConns,
		MaxIdleConns:    s.MaxIdleConns,
		ConnMaxLifetime: s.ConnMaxLifetime,
		BusyTimeout:     s.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	return store, nil
}

// openApp loads settings and opens telemetry, the store, the policy engine
// and the service. The caller must call close.
func openApp(ctx context.Context) (*app, error) {
	settings, err := loadSettings()
	if err != nil {
		return nil, err
	}

	tel, err := newTelemetry(settings)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	store, err := openStore(ctx, settings.Database)
	if err != nil {
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	pe, err := reconcile.NewPolicyEngine(ctx, settings.Policy, *tel.Logger.Zerolog())
	if err != nil {
		store.Close()
		_ = tel.Shutdown(ctx)
		return nil, fmt.Errorf("failed to load policies: %w", err)
	}

	service, err := reconcile.NewService(reconcile.Deps{
		Settings:  settings,
		Store:     store,
		Telemetry: tel,
		Policy:    pe,
		Actor:     currentUser(),
	})
	if err != nil {
		store.Close()
		_ = tel.Shutdown(ctx)
		return nil, err
	}

	return &app{settings: settings, tel: tel, store: store, policy: pe, service: service}, nil
}

// context returns ctx carrying the app's telemetry.
func (a *app) context(ctx context.Context) context.Context {
	return a.tel.WithContext(ctx)
}

func (a *app) logger() *zerolog.Logger {
	return a.tel.Logger.Zerolog()
}

func (a *app) close(ctx context.Context) error {
	return errors.Join(
		a.store.Close(),
		a.tel.Shutdown(context.WithoutCancel(ctx)),
	)
}

func currentUser() string {
	for _, key := range []string{"RECONCILE_USER", "USER", "USERNAME"} {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return "reconcile"
}
