// Command watchlistd keeps the signed-in user's anime watchlist in sync
// with the backend and serves it to local UIs.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/example/anime-watchlist/internal/anilist"
	"github.com/example/anime-watchlist/internal/backend"
	"github.com/example/anime-watchlist/internal/domain"
	"github.com/example/anime-watchlist/internal/gateway"
	"github.com/example/anime-watchlist/internal/jobs"
	"github.com/example/anime-watchlist/internal/platform/analytics"
	"github.com/example/anime-watchlist/internal/platform/auth"
	"github.com/example/anime-watchlist/internal/platform/config"
	"github.com/example/anime-watchlist/internal/platform/httpclient"
	"github.com/example/anime-watchlist/internal/platform/httpserver"
	"github.com/example/anime-watchlist/internal/platform/logging"
	"github.com/example/anime-watchlist/internal/platform/natsconn"
	"github.com/example/anime-watchlist/internal/platform/run"
	"github.com/example/anime-watchlist/internal/platform/signing"
	"github.com/example/anime-watchlist/internal/questionnaire"
	"github.com/example/anime-watchlist/internal/session"
	"github.com/example/anime-watchlist/internal/watchlist"
)

const startupProbeTimeout = 15 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		run.Exit(1)
	}
	log, err := logging.NewWithOptions(logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, Service: cfg.ServiceName})
	if err != nil {
		fmt.Fprintln(os.Stderr, "init logger:", err)
		run.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	instance := uuid.NewString()
	log = log.With(zap.String("instance", instance))

	// NATS is optional: without it logouts propagate through the marker
	// only and analytics are dropped.
	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		nc, err = natsconn.Connect(natsconn.Options{URL: cfg.NATS.URL, Name: cfg.ServiceName, Logger: log})
		if err != nil {
			log.Warn("nats unavailable, continuing without it", zap.Error(err))
			nc = nil
		}
	}
	ap, err := analytics.FromConn(nc, log)
	if err != nil {
		log.Warn("analytics disabled", zap.Error(err))
		ap = analytics.New(nil, log)
	}

	markers, err := session.NewMarkerStore(session.MarkerOptions{
		RedisDSN:    cfg.Session.RedisDSN,
		DatabaseURL: cfg.Session.DatabaseURL,
		Path:        cfg.Session.MarkerPath,
		Scope:       cfg.Session.MarkerScope,
		Instance:    instance,
	}, cfg.IsProd())
	if err != nil {
		log.Error("init logout marker", zap.Error(err))
		run.Exit(1)
	}

	backendURL, err := url.Parse(cfg.Backend.BaseURL)
	if err != nil {
		log.Error("parse backend url", zap.Error(err))
		run.Exit(1)
	}
	jar := httpclient.NewJar()
	if cfg.Backend.CookieFile != "" {
		if err := jar.Load(backendURL, cfg.Backend.CookieFile); err != nil {
			log.Warn("load cookies", zap.String("path", cfg.Backend.CookieFile), zap.Error(err))
		}
	}
	hc := httpclient.New(
		httpclient.Config{Timeout: cfg.Backend.Timeout, MaxRetries: cfg.Backend.MaxRetries},
		httpclient.WithCircuitBreaker(httpclient.NewBreaker("backend", log)),
		httpclient.WithLogger(log),
	)
	api := backend.New(cfg.Backend.BaseURL, hc, jar)

	opts := session.Options{Markers: markers, Logger: log}
	var bc *session.Broadcaster
	if nc != nil {
		bc = session.NewBroadcaster(nc, instance, log)
		opts.Announcer = bc
	}
	mgr := session.NewManager(session.NewRemote(api, cfg.Backend.LegacyProfilePaths), opts)

	store := watchlist.NewStore(watchlist.NewRemote(api), mgr, watchlist.Options{Timeout: cfg.Watchlist.OpTimeout, Logger: log})
	hub := gateway.NewHub(log)
	mgr.AddListener(store.HandleSession)
	mgr.AddListener(hub.HandleSession)
	store.Subscribe(hub.HandleWatchlist)
	if cfg.Backend.CookieFile != "" {
		mgr.AddListener(func(*domain.User) {
			if err := jar.Save(backendURL, cfg.Backend.CookieFile); err != nil {
				log.Warn("save cookies", zap.String("path", cfg.Backend.CookieFile), zap.Error(err))
			}
		})
	}

	catalog, closeCache := newCatalog(cfg, log)
	questionnaires := questionnaire.NewClient(api)

	var unsubscribe func() error
	if bc != nil {
		if unsubscribe, err = bc.Subscribe(mgr.ForceLogout); err != nil {
			log.Warn("subscribe to logout broadcasts", zap.Error(err))
		}
	}

	startCtx, cancel := context.WithTimeout(context.Background(), startupProbeTimeout)
	if u := mgr.Start(startCtx); u != nil {
		log.Info("session restored", zap.String("user_id", u.ID.String()))
	}
	cancel()

	ready := func() error {
		if nc != nil && !nc.IsConnected() {
			return errors.New("nats disconnected")
		}
		return nil
	}

	secret := []byte(cfg.Gateway.JWTSecret)
	router := gateway.NewRouter(gateway.Deps{
		Sessions:       mgr,
		Watchlist:      store,
		Catalog:        catalog,
		Questionnaires: questionnaires,
		Tokens:         auth.Issuer{Secret: secret, Issuer: cfg.ServiceName, TTL: cfg.Gateway.TokenTTL},
		Verifier:       auth.JWTVerifier{Secret: secret, Issuer: cfg.ServiceName},
		Signer:         signing.New(cfg.Gateway.JWTSecret),
		Hub:            hub,
		EventsTTL:      cfg.Gateway.EventsTokenTTL,
		Limiter:        gateway.NewRateLimiter(cfg.Gateway.LoginRate, cfg.Gateway.LoginBurst),
		Analytics:      ap,
		Logger:         log,
		ReadyFunc:      ready,
	})
	srv := httpserver.New(httpserver.Options{Addr: cfg.HTTP.Addr, ServiceName: cfg.ServiceName, Logger: log, Router: router})

	sched, err := jobs.New(jobs.Config{
		SessionProbeInterval:     cfg.Jobs.SessionProbeInterval,
		WatchlistRefreshInterval: cfg.Jobs.WatchlistRefreshInterval,
	}, mgr, store, log)
	if err != nil {
		log.Error("init scheduler", zap.Error(err))
		run.Exit(1)
	}

	tasks := []run.Task{
		srv.Task(),
		healthTask(cfg.GRPC.Addr, cfg.ServiceName, ready, log),
		sched.Task(),
	}
	if fm, ok := markers.(*session.FileMarker); ok {
		watcher := session.NewFileWatcher(fm.Path(), instance, mgr.ForceLogout, log)
		tasks = append(tasks, run.Task{Name: "marker-watcher", Start: watcher.Run})
	}

	code := run.New(log).WithSignals(tasks...)

	hub.Close()
	store.Close()
	if unsubscribe != nil {
		_ = unsubscribe()
	}
	closeCache()
	if nc != nil {
		_ = nc.Drain()
	}
	log.Info("exit", zap.Int("code", code))
	run.Exit(code)
}

// newCatalog builds the AniList client with an in-process LRU in front of
// an optional shared Redis tier.
func newCatalog(cfg config.AppConfig, log *zap.Logger) (*anilist.Client, func()) {
	layers := []anilist.Cache{anilist.NewMemoryCache(cfg.AniList.CacheSize, cfg.AniList.CacheTTL)}
	closeCache := func() {}
	if cfg.AniList.RedisURL != "" {
		rc, err := anilist.NewRedisCache(cfg.AniList.RedisURL, cfg.AniList.CacheTTL)
		if err != nil {
			log.Warn("anilist redis cache disabled", zap.Error(err))
		} else {
			layers = append(layers, rc)
			closeCache = func() { _ = rc.Close() }
		}
	}
	hc := httpclient.New(
		httpclient.Config{Timeout: cfg.AniList.Timeout, MaxRetries: 2},
		httpclient.WithCircuitBreaker(httpclient.NewBreaker("anilist", log)),
		httpclient.WithLogger(log),
	)
	return anilist.New(
		anilist.WithEndpoint(cfg.AniList.Endpoint),
		anilist.WithHTTPClient(hc),
		anilist.WithCache(anilist.NewTiered(layers...)),
		anilist.WithLogger(log),
	), closeCache
}
