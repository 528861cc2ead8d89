package bootstrap

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/BTreeMap/FormPipe/internal/api"
	"github.com/BTreeMap/FormPipe/internal/auth"
	"github.com/BTreeMap/FormPipe/internal/engine"
	"github.com/BTreeMap/FormPipe/internal/flow"
	"github.com/BTreeMap/FormPipe/internal/form"
	"github.com/BTreeMap/FormPipe/internal/genai"
	"github.com/BTreeMap/FormPipe/internal/lock"
	"github.com/BTreeMap/FormPipe/internal/lockfile"
	"github.com/BTreeMap/FormPipe/internal/metrics"
	"github.com/BTreeMap/FormPipe/internal/models"
	"github.com/BTreeMap/FormPipe/internal/paramstore"
	"github.com/BTreeMap/FormPipe/internal/store"
	"github.com/BTreeMap/FormPipe/internal/twiliosms"
	backend "github.com/redis/go-redis/v9"
)

// App is a fully wired FormPipe instance.
type App struct {
	Config  Config
	Store   store.Store
	Engine  *engine.Engine
	Server  *api.Server
	Metrics *metrics.Metrics

	closers []func() error
}

// Close releases the store, Redis connection and state lock in reverse order of acquisition.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

// Build wires every component described by cfg. On failure everything opened so far is closed.
func Build(ctx context.Context, cfg Config) (app *App, err error) {
	app = &App{Config: cfg}
	defer func() {
		if err != nil {
			if cerr := app.Close(); cerr != nil {
				slog.Warn("bootstrap.Build: cleanup failed", "error", cerr)
			}
			app = nil
		}
	}()

	kind := cfg.ResolvedStoreKind()
	if cfg.LockStateDir && kind == store.KindSQLite {
		lk, err := lockfile.Acquire(cfg.StateDir)
		if err != nil {
			return nil, err
		}
		app.closers = append(app.closers, lk.Release)
		slog.Debug("bootstrap.Build: state directory locked", "path", lk.Path())
	}

	st, err := openStore(ctx, kind, cfg)
	if err != nil {
		return nil, err
	}
	app.Store = st
	app.closers = append(app.closers, st.Close)

	var params paramstore.Getter
	if cfg.OpenAIKeyParam != "" || cfg.JWTSecretParam != "" {
		client, err := paramstore.NewFromConfig(ctx)
		if err != nil {
			return nil, err
		}
		params = client
	}

	app.Metrics = metrics.New()
	driver, err := buildDriver(ctx, cfg, params, app.Metrics)
	if err != nil {
		return nil, err
	}

	guardOpts := []lock.GuardOption{lock.WithTTL(lockTTL(driver))}
	var conversations api.ConversationIndex
	if cfg.RedisAddr != "" {
		rdb := backend.NewClient(&backend.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		app.closers = append(app.closers, rdb.Close)
		if err := rdb.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis at %s: %w", cfg.RedisAddr, err)
		}
		guardOpts = append(guardOpts, lock.WithDistributed(lock.NewRedisLocker(rdb, DefaultRedisPrefix)))
		conversations = api.NewRedisConversations(rdb, DefaultRedisPrefix, 0)
		slog.Info("bootstrap.Build: using Redis for session locks", "addr", cfg.RedisAddr)
	}

	engOpts := []engine.Option{
		engine.WithGuard(lock.NewGuard(guardOpts...)),
		engine.WithHooks(app.Metrics.Hooks()),
	}
	if driver != nil {
		engOpts = append(engOpts, engine.WithStrategy(models.FormShapeFields, driver))
	} else {
		slog.Warn("bootstrap.Build: no OpenAI API key configured; field-schema forms are unavailable")
	}
	app.Engine = engine.New(st, engOpts...)

	if cfg.FormsDir != "" {
		if err := SeedForms(ctx, st, cfg.FormsDir); err != nil {
			return nil, err
		}
	}

	signer, err := buildSigner(ctx, cfg, params)
	if err != nil {
		return nil, err
	}

	apiOpts := []api.Option{api.WithMetricsHandler(app.Metrics.Handler())}
	if cfg.APIAddr != "" {
		apiOpts = append(apiOpts, api.WithAddr(cfg.APIAddr))
	}
	if cfg.AdminToken != "" {
		apiOpts = append(apiOpts, api.WithAdminToken(cfg.AdminToken))
	}
	if conversations != nil {
		apiOpts = append(apiOpts, api.WithConversations(conversations))
	}
	if cfg.TwilioFormSlug != "" {
		tw, err := buildTwilio(cfg)
		if err != nil {
			return nil, err
		}
		apiOpts = append(apiOpts, api.WithTwilio(tw))
	}
	app.Server = api.NewServer(app.Engine, st, signer, apiOpts...)
	return app, nil
}

func openStore(ctx context.Context, kind string, cfg Config) (store.Store, error) {
	var opts []store.Option
	switch kind {
	case store.KindSQLite:
		opts = append(opts, store.WithSQLiteDSN(cfg.DBDSN))
	case store.KindPostgres:
		opts = append(opts, store.WithPostgresDSN(cfg.DBDSN))
	case store.KindDynamoDB:
		opts = append(opts, store.WithDynamoTable(cfg.DynamoTable))
	}
	st, err := store.New(ctx, kind, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", kind, err)
	}
	slog.Info("bootstrap.openStore: store ready", "kind", kind)
	return st, nil
}

// lockTTLMargin covers the store reads and commit around a model turn.
const lockTTLMargin = 10 * time.Second

// lockTTL bounds a session lock by the slowest turn the configured driver can take.
func lockTTL(driver *flow.ToolCallingDriver) time.Duration {
	if driver == nil {
		return lock.DefaultTTL
	}
	return max(lock.DefaultTTL, driver.MaxTurnDuration()+lockTTLMargin)
}

// buildDriver returns nil when no API key is available.
func buildDriver(ctx context.Context, cfg Config, params paramstore.Getter, m *metrics.Metrics) (*flow.ToolCallingDriver, error) {
	key, err := paramstore.Resolve(ctx, params, cfg.OpenAIKey, cfg.OpenAIKeyParam)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve OpenAI API key: %w", err)
	}
	if key == "" {
		return nil, nil
	}
	opts := []genai.Option{genai.WithAPIKey(key), genai.WithDebugMode(cfg.Debug, cfg.StateDir)}
	if cfg.OpenAIBaseURL != "" {
		opts = append(opts, genai.WithBaseURL(cfg.OpenAIBaseURL))
	}
	if cfg.OpenAIModel != "" {
		opts = append(opts, genai.WithModel(cfg.OpenAIModel))
	}
	client, err := genai.NewClient(opts...)
	if err != nil {
		return nil, err
	}
	return flow.NewToolCallingDriver(m.InstrumentClient(client), flow.WithHistoryLimit(cfg.HistoryLimit)), nil
}

func buildSigner(ctx context.Context, cfg Config, params paramstore.Getter) (*auth.Signer, error) {
	secret, err := paramstore.Resolve(ctx, params, cfg.JWTSecret, cfg.JWTSecretParam)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve JWT secret: %w", err)
	}
	key := []byte(secret)
	if len(key) == 0 {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate JWT secret: %w", err)
		}
		slog.Warn("bootstrap.buildSigner: JWT_SECRET not set; session tokens will not survive a restart")
	}
	return auth.NewSigner(key, cfg.SessionTTL)
}

func buildTwilio(cfg Config) (api.TwilioOpts, error) {
	tw := api.TwilioOpts{FormSlug: cfg.TwilioFormSlug, PublicURL: cfg.TwilioPublicURL}
	if cfg.TwilioAuthToken != "" {
		tw.Validator = twiliosms.NewValidator(cfg.TwilioAuthToken)
	} else {
		slog.Warn("bootstrap.buildTwilio: TWILIO_AUTH_TOKEN not set; webhook signatures are not checked")
	}
	if cfg.TwilioOutbound {
		sender, err := twiliosms.NewClient(
			twiliosms.WithAccountSID(cfg.TwilioAccountSID),
			twiliosms.WithAuthToken(cfg.TwilioAuthToken),
			twiliosms.WithFrom(cfg.TwilioFromNumber),
		)
		if err != nil {
			return api.TwilioOpts{}, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		tw.Sender = sender
	}
	slog.Info("bootstrap.buildTwilio: SMS webhook enabled", "slug", cfg.TwilioFormSlug, "outbound", cfg.TwilioOutbound)
	return tw, nil
}

// SeedForms stores every form found in dir. Forms declared published are checked first;
// a form that fails its check is skipped with a warning.
func SeedForms(ctx context.Context, st store.Store, dir string) error {
	defs, err := form.LoadDir(dir)
	if err != nil {
		return err
	}
	now := time.Now()
	for _, def := range defs {
		def.CreatedAt, def.UpdatedAt = now, now
		if def.Status == models.FormStatusPublished {
			if _, err := form.Publish(def, now); err != nil {
				slog.Warn("bootstrap.SeedForms: skipping form that fails checks", "formID", def.ID, "error", err)
				continue
			}
		}
		if err := st.SaveForm(ctx, *def); err != nil {
			return fmt.Errorf("failed to seed form %s: %w", def.ID, err)
		}
		slog.Info("bootstrap.SeedForms: form loaded", "formID", def.ID, "slug", def.Slug, "status", def.Status)
	}
	return nil
}
