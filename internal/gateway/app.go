// Package gateway wires the platform components into the request
// pipeline and the HTTP server around it.
package gateway

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/doorman-project/doorman/internal/audit"
	"github.com/doorman-project/doorman/internal/auth"
	"github.com/doorman-project/doorman/internal/authz"
	"github.com/doorman-project/doorman/internal/cache"
	"github.com/doorman-project/doorman/internal/config"
	"github.com/doorman-project/doorman/internal/counter"
	"github.com/doorman-project/doorman/internal/credits"
	"github.com/doorman-project/doorman/internal/crypto"
	"github.com/doorman-project/doorman/internal/logging"
	"github.com/doorman-project/doorman/internal/metrics"
	"github.com/doorman-project/doorman/internal/middleware"
	"github.com/doorman-project/doorman/internal/model"
	"github.com/doorman-project/doorman/internal/proxy"
	"github.com/doorman-project/doorman/internal/ratelimit"
	"github.com/doorman-project/doorman/internal/repo"
	"github.com/doorman-project/doorman/internal/store"
)

// memCacheSize is the entry cap of the in-process cache backend.
const memCacheSize = 4096

// blacklistPurgeInterval is how often expired token revocations are
// swept out of the in-process blacklist.
const blacklistPurgeInterval = 30 * time.Minute

// rollupInterval drives the metrics band cascade.
const rollupInterval = 5 * time.Minute

// App owns every long-lived component of the gateway process.
type App struct {
	mu  sync.RWMutex
	cfg *config.Config // published snapshot; reload swaps the pointer

	store    store.Store
	memStore *store.MemoryStore // non-nil only in MEM mode
	cache    *cache.Cache
	counter  counter.Counter
	redis    *redis.Client

	repo        *repo.Repo
	invalidator *cache.Invalidator

	auth      *auth.Service
	blacklist auth.Blacklist
	authz     *authz.Resolver
	geo       *authz.MMDBLookup

	limiter   *ratelimit.Engine
	ipLimiter *ratelimit.IPLimiter

	credits    *credits.Accountant
	sealer     *crypto.Sealer // credit keys, vault entries
	snapSealer *crypto.Sealer // snapshot file

	dispatcher *proxy.Dispatcher
	metrics    *metrics.Recorder
	audit      *audit.Logger

	cors       *middleware.CORS
	compressor *middleware.Compressor

	schemas sync.Map // endpoint ID -> compiledSchema

	stopCh  chan struct{}
	stopped sync.Once
	wg      sync.WaitGroup
}

// NewApp constructs and connects every component from a validated
// configuration. The caller owns Close.
func NewApp(cfg *config.Config) (*App, error) {
	a := &App{cfg: cfg, stopCh: make(chan struct{})}

	if cfg.Backend.Distributed() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr(),
			DB:       cfg.Redis.DB,
			Password: cfg.Redis.Password,
		})
		a.store = store.NewRedisStore(a.redis, "doorman")
		a.cache = cache.New(cache.NewRedisBackend(a.redis, "doorman"))
		a.blacklist = auth.NewRedisBlacklist(a.redis)
	} else {
		a.memStore = store.NewMemoryStore()
		a.store = a.memStore
		a.cache = cache.New(cache.NewMemoryBackend(memCacheSize))
		a.blacklist = auth.NewMemoryBlacklist()
	}

	ctr, err := counter.New(cfg, a.redis)
	if err != nil {
		return nil, fmt.Errorf("gateway: counter backend: %w", err)
	}
	a.counter = ctr

	a.repo = repo.New(a.store, a.cache)
	a.invalidator = cache.NewInvalidator(a.cache)

	authCfg := cfg.Auth
	if authCfg.JWTSecret == "" {
		// Config validation rejects this in production.
		authCfg.JWTSecret = "doorman-insecure-dev-secret"
		logging.Warn("JWT secret not set, using development default")
	}
	svc, err := auth.NewService(authCfg, a.blacklist)
	if err != nil {
		return nil, err
	}
	a.auth = svc

	if cfg.Geo.MMDBPath != "" {
		geo, err := authz.OpenMMDB(cfg.Geo.MMDBPath)
		if err != nil {
			return nil, fmt.Errorf("gateway: geo database: %w", err)
		}
		a.geo = geo
	}
	var lookup authz.GeoLookup
	if a.geo != nil {
		lookup = a.geo
	}
	a.authz = authz.New(a.repo, lookup, cfg.Geo.BlockedCountries)

	a.limiter = ratelimit.NewEngine(a.counter, cfg.RateTiers)
	a.ipLimiter = ratelimit.NewIPLimiter(cfg.IPRate, a.counter)

	a.sealer, err = crypto.NewSealer(sealingKey(cfg), "credits")
	if err != nil {
		return nil, err
	}
	a.snapSealer, err = crypto.NewSealer(sealingKey(cfg), "snapshot")
	if err != nil {
		return nil, err
	}
	a.credits = credits.New(a.repo, a.sealer)

	a.dispatcher = proxy.NewDispatcher(a.cache, cfg.Upstream, cfg.Breaker, cfg.Features.EnableGRPCReflection)
	for _, path := range cfg.GRPC.DescriptorSets {
		if err := a.dispatcher.GRPC().LoadDescriptorSet(path); err != nil {
			return nil, fmt.Errorf("gateway: %w", err)
		}
	}
	a.metrics = metrics.NewRecorder(cfg.Metrics.PercentileSamples)
	a.dispatcher.OnRetry(a.metrics.RecordRetry)

	a.audit = audit.New(cfg.Audit)
	a.cors = middleware.NewCORS(cfg.CORS)
	a.compressor = middleware.NewCompressor(cfg.Compression)

	return a, nil
}

// sealingKey picks the AEAD master key, preferring the vault key.
func sealingKey(cfg *config.Config) []byte {
	switch {
	case cfg.Vault.VaultKey != "":
		return []byte(cfg.Vault.VaultKey)
	case cfg.Vault.MemEncryptionKey != "":
		return []byte(cfg.Vault.MemEncryptionKey)
	default:
		logging.Warn("no encryption key configured, sealed values use a development key")
		return []byte("doorman-insecure-dev-key")
	}
}

// Config returns the current configuration snapshot. Reload never
// mutates a published snapshot, so the returned value is safe to read
// without further locking.
func (a *App) Config() *config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg
}

// Bootstrap prepares runtime state: unique indexes, the seeded admin
// account in embedded mode, and snapshot restore when a file exists.
func (a *App) Bootstrap(ctx context.Context) error {
	for coll, keys := range map[string][][]string{
		model.CollAPIs:          {{"api_name", "api_version"}, {"api_id"}},
		model.CollUsers:         {{"username"}, {"email"}},
		model.CollRoles:         {{"role_name"}},
		model.CollGroups:        {{"group_name"}},
		model.CollSubscriptions: {{"username"}},
		model.CollRoutings:      {{"client_key"}},
		model.CollCreditDefs:    {{"api_credit_group"}},
		model.CollUserCredits:   {{"username"}},
		model.CollVault:         {{"username", "key_name"}},
	} {
		if err := a.store.CreateIndexes(ctx, coll, keys); err != nil {
			return err
		}
	}

	if a.memStore != nil {
		if err := a.restoreSnapshot(); err != nil {
			return err
		}
		if err := a.ensureAdmin(ctx); err != nil {
			return err
		}
	}
	return nil
}

// ensureAdmin seeds the administrative role and account when embedded
// mode starts with credentials configured and no existing admin user.
func (a *App) ensureAdmin(ctx context.Context) error {
	cfg := a.Config()
	if cfg.Admin.Email == "" || cfg.Admin.Password == "" {
		return nil
	}
	// Emails are stored lowercased; the unique index compares the
	// stored form.
	email := strings.ToLower(cfg.Admin.Email)
	if _, err := a.repo.GetRole(ctx, model.RoleAdmin); err != nil {
		role := model.Role{
			Name:       model.RoleAdmin,
			ManageAPIs: true, ManageEndpoints: true, ManageUsers: true,
			ManageRoles: true, ManageGroups: true, ManageSubscriptions: true,
			ManageCredits: true, ManageSecurity: true, ManageGateway: true,
			ManageRoutings: true, ViewLogs: true, ExportLogs: true,
			ManageAuth: true,
		}
		doc, err := model.Encode(role)
		if err != nil {
			return err
		}
		if err := a.store.InsertOne(ctx, model.CollRoles, doc); err != nil {
			return err
		}
	}
	if _, err := a.repo.GetUser(ctx, email); err == nil {
		return nil
	}
	hash, err := auth.HashPassword(cfg.Admin.Password)
	if err != nil {
		return err
	}
	user := model.User{
		Username:     email,
		Email:        email,
		PasswordHash: hash,
		Role:         model.RoleAdmin,
		Active:       true,
		UIAccess:     true,
	}
	doc, err := model.Encode(user)
	if err != nil {
		return err
	}
	if err := a.store.InsertOne(ctx, model.CollUsers, doc); err != nil {
		return err
	}
	a.audit.Record(audit.Entry{
		Actor:  "system",
		Action: "seed_admin",
		Target: email,
		Status: "ok",
	})
	return nil
}

// StartBackground launches the periodic maintenance loops: blacklist
// purge, metrics rollup, and the embedded-mode snapshot auto-save.
func (a *App) StartBackground() {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		purge := time.NewTicker(blacklistPurgeInterval)
		rollup := time.NewTicker(rollupInterval)
		defer purge.Stop()
		defer rollup.Stop()

		var save *time.Ticker
		saveCh := make(<-chan time.Time)
		if a.memStore != nil && a.Config().Vault.AutoSaveInterval > 0 {
			save = time.NewTicker(a.Config().Vault.AutoSaveInterval)
			saveCh = save.C
			defer save.Stop()
		}

		for {
			select {
			case <-a.stopCh:
				return
			case <-purge.C:
				if n := a.blacklist.PurgeExpired(context.Background()); n > 0 {
					logging.Debug("purged expired token revocations", zap.Int("count", n))
				}
			case <-rollup.C:
				a.metrics.Rollup()
			case <-saveCh:
				if err := a.writeSnapshot(); err != nil {
					logging.Error("snapshot auto-save failed", zap.Error(err))
				}
			}
		}
	}()
}

// writeSnapshot persists the embedded store plus metrics state.
func (a *App) writeSnapshot() error {
	if a.memStore == nil {
		return nil
	}
	raw, err := a.metrics.Export()
	if err != nil {
		return err
	}
	return store.WriteSnapshot(a.Config().Vault.SnapshotPath, a.snapSealer, a.memStore, raw)
}

// restoreSnapshot loads a prior snapshot when one exists. A missing
// file is a cold start, not an error.
func (a *App) restoreSnapshot() error {
	snap, err := store.RestoreSnapshot(a.Config().Vault.SnapshotPath, a.snapSealer)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("gateway: snapshot restore: %w", err)
	}
	a.memStore.Load(snap.Collections)
	if len(snap.Metrics) > 0 {
		if err := a.metrics.Import(snap.Metrics); err != nil {
			logging.Warn("metrics snapshot discarded", zap.Error(err))
		}
	}
	logging.Info("snapshot restored",
		zap.String("path", a.Config().Vault.SnapshotPath),
		zap.Time("written_at", snap.WrittenAt))
	return nil
}

// Close stops background work, writes the final snapshot in embedded
// mode, and releases every backend handle.
func (a *App) Close() error {
	var firstErr error
	a.stopped.Do(func() {
		close(a.stopCh)
		a.wg.Wait()

		if a.memStore != nil {
			if err := a.writeSnapshot(); err != nil {
				logging.Error("final snapshot failed", zap.Error(err))
				firstErr = err
			}
		}
		a.audit.Close()
		a.dispatcher.Close()
		if a.geo != nil {
			a.geo.Close()
		}
		a.counter.Close()
		// RedisStore.Close also closes the shared client.
		a.store.Close()
	})
	return firstErr
}
