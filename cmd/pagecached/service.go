package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/jonwraymond/pagecache/auth"
	"github.com/jonwraymond/pagecache/cache"
	"github.com/jonwraymond/pagecache/config"
	"github.com/jonwraymond/pagecache/fullpage"
	"github.com/jonwraymond/pagecache/health"
	"github.com/jonwraymond/pagecache/objectstore"
	"github.com/jonwraymond/pagecache/objectstore/sqlite"
	"github.com/jonwraymond/pagecache/observe"
	"github.com/jonwraymond/pagecache/queue"
	"github.com/jonwraymond/pagecache/resilience"
)

type repository interface {
	objectstore.Repository
	health.Pinger
}

// service owns every long-lived component of the daemon.
type service struct {
	cfg    *config.Config
	obs    observe.Observer
	logger observe.Logger

	cache *cache.ResponseCache
	repo  repository
	bus   *queue.Bus
	store *objectstore.Store
	gate  *fullpage.GateKeeper
	authn auth.Authenticator
	agg   *health.Aggregator

	closers []func() error
}

func newService(ctx context.Context, cfg *config.Config) (_ *service, err error) {
	obs, err := observe.NewObserver(ctx, cfg.Observe)
	if err != nil {
		return nil, fmt.Errorf("observer: %w", err)
	}
	s := &service{cfg: cfg, obs: obs, logger: obs.Logger()}
	defer func() {
		if err != nil {
			s.close(context.WithoutCancel(ctx))
		}
	}()

	if err := s.openCache(); err != nil {
		return nil, err
	}
	if err := s.openRepository(ctx); err != nil {
		return nil, err
	}

	s.bus = queue.NewBus(queue.Options{
		Workers: cfg.Queue.Workers,
		Buffer:  cfg.Queue.Buffer,
		Logger:  s.logger,
	})

	classes, err := cfg.BuildClasses()
	if err != nil {
		return nil, err
	}
	s.store, err = objectstore.New(objectstore.Options{
		Repository:  s.repo,
		Classes:     classes,
		Retention:   cfg.Objects.Versions,
		Invalidator: s.cache,
		Dispatcher:  s.bus,
		Logger:      s.logger,
		Metrics:     obs.Metrics(),
		Tracer:      obs.Tracer(),
	})
	if err != nil {
		return nil, err
	}
	s.bus.Handle(queue.KindVersionDelete, s.store.HandleVersionDelete)

	var sessions fullpage.SessionChecker
	if cfg.Auth.JWTKey != "" {
		s.authn = newAuthenticator(cfg.Auth)
		sessions = auth.NewSessionChecker(s.authn, cfg.Auth.AdminRole)
	}
	s.gate, err = fullpage.NewGateKeeper(s.cache, fullpage.Options{
		Settings: cfg.FullPage,
		Sessions: sessions,
		Logger:   s.logger,
		Metrics:  obs.Metrics(),
		Tracer:   obs.Tracer(),
	})
	if err != nil {
		return nil, err
	}

	s.agg = health.NewAggregator()
	s.agg.Register(health.NewCacheChecker(s.cache))
	s.agg.Register(health.NewStoreChecker("objects", s.repo))
	s.agg.Register(health.NewQueueChecker(s.bus))
	s.agg.Register(health.NewRuntimeChecker(health.RuntimeConfig{}))
	return s, nil
}

func (s *service) openCache() error {
	backend := cache.Backend(cache.NewMemoryBackend())
	if s.cfg.Cache.Backend == "redis" {
		onStateChange := func(name string, from, to resilience.State) {
			s.logger.Warn(context.Background(), "cache circuit breaker changed state",
				observe.F("backend", name), observe.F("from", from.String()), observe.F("to", to.String()))
		}
		redis, err := cache.NewRedisBackend(cache.RedisConfig{
			Addr:     s.cfg.Cache.RedisAddr,
			Password: s.cfg.Cache.RedisPassword,
			DB:       s.cfg.Cache.RedisDB,
			Prefix:   s.cfg.Cache.RedisPrefix,
			Policy:   s.cfg.Cache.RedisPolicy,
		}, onStateChange)
		if err != nil {
			return err
		}
		s.closers = append(s.closers, redis.Close)
		backend = redis
	}

	policy := s.cfg.Cache.Policy
	s.cache = cache.NewResponseCache(cache.Options{
		Backend: backend,
		Policy:  &policy,
		Logger:  s.logger,
		Metrics: s.obs.Metrics(),
	})
	return nil
}

func (s *service) openRepository(ctx context.Context) error {
	path := s.cfg.Storage.Path
	if path == "" {
		s.repo = objectstore.NewMemoryRepository()
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("storage directory: %w", err)
	}
	db, err := sqlite.Open(ctx, path)
	if err != nil {
		return err
	}
	s.closers = append(s.closers, db.Close)
	s.repo = db
	return nil
}

func newAuthenticator(cfg config.AuthConfig) auth.Authenticator {
	keys := auth.NewStaticKeyProvider([]byte(cfg.JWTKey))
	return auth.NewCompositeAuthenticator(
		auth.NewJWTAuthenticator(auth.JWTConfig{
			Issuer:     cfg.Issuer,
			Audience:   cfg.Audience,
			CookieName: cfg.Cookie,
		}, keys),
		auth.NewJWTAuthenticator(auth.JWTConfig{
			Issuer:   cfg.Issuer,
			Audience: cfg.Audience,
		}, keys),
	)
}

func (s *service) handler() http.Handler {
	mux := http.NewServeMux()
	objects := &objectHandler{
		store:     s.store,
		fragments: cache.NewFragmentCache(s.cache, cache.FragmentOptions{Logger: s.logger}),
		logger:    s.logger.WithComponent("http"),
	}
	objects.register(mux, s.gate, s.authn, s.cfg.Auth.AdminRole)
	health.RegisterHandlers(mux, s.agg)
	if s.cfg.Observe.Metrics.Enabled && s.cfg.Observe.Metrics.Exporter == "prometheus" {
		mux.Handle("GET /metrics", promhttp.Handler())
	}
	return mux
}

// serve runs the HTTP server, the queue workers and the cache sweeper
// until ctx is done, then shuts the server down and drains the queue.
func (s *service) serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Addr,
		Handler:      s.handler(),
		ReadTimeout:  s.cfg.Server.ReadTimeout,
		WriteTimeout: s.cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.bus.Run(context.WithoutCancel(gctx))
	})
	if interval := s.cfg.Cache.SweepInterval; interval > 0 {
		g.Go(func() error {
			s.sweep(gctx, interval)
			return nil
		})
	}
	g.Go(func() error {
		s.logger.Info(gctx, "listening", observe.F("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(gctx), s.cfg.Server.ShutdownTimeout)
		defer cancel()
		err := srv.Shutdown(shutdownCtx)
		s.bus.Close()
		s.logger.Info(shutdownCtx, "stopped")
		return err
	})
	return g.Wait()
}

func (s *service) sweep(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := s.cache.Sweep(ctx); n > 0 {
				s.logger.Debug(ctx, "expired entries swept", observe.F("removed", n))
			}
		}
	}
}

func (s *service) close(ctx context.Context) {
	if s.bus != nil {
		s.bus.Close()
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			s.logger.Warn(ctx, "close failed", observe.Err(err))
		}
	}
	if err := s.obs.Shutdown(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "telemetry shutdown:", err)
	}
}
