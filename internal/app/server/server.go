package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/liftlogapp/liftlog/internal/auth/audit"
	"github.com/liftlogapp/liftlog/internal/auth/challenge"
	"github.com/liftlogapp/liftlog/internal/auth/csrf"
	"github.com/liftlogapp/liftlog/internal/auth/email"
	"github.com/liftlogapp/liftlog/internal/auth/kv"
	"github.com/liftlogapp/liftlog/internal/auth/lockout"
	"github.com/liftlogapp/liftlog/internal/auth/magiclink"
	"github.com/liftlogapp/liftlog/internal/auth/passkey"
	"github.com/liftlogapp/liftlog/internal/auth/ratelimit"
	"github.com/liftlogapp/liftlog/internal/auth/service"
	"github.com/liftlogapp/liftlog/internal/auth/session"
	"github.com/liftlogapp/liftlog/internal/auth/storage/sqlite"
	"github.com/liftlogapp/liftlog/internal/platform/otel"
	"github.com/liftlogapp/liftlog/internal/platform/timeouts"
)

// Config controls the HTTP process.
type Config struct {
	HTTPAddr      string `env:"LIFTLOG_HTTP_ADDR"      envDefault:":8080"`
	DBPath        string `env:"LIFTLOG_AUTH_DB_PATH"   envDefault:"data/liftlog.db"`
	KVBackend     string `env:"LIFTLOG_KV_BACKEND"     envDefault:"memory"`
	SecureCookies bool   `env:"LIFTLOG_SECURE_COOKIES" envDefault:"true"`
}

// LoadConfigFromEnv loads server configuration with defaults.
func LoadConfigFromEnv() Config {
	var cfg Config
	_ = env.Parse(&cfg)
	if cfg.HTTPAddr == "" {
		cfg.HTTPAddr = ":8080"
	}
	if cfg.DBPath == "" {
		cfg.DBPath = "data/liftlog.db"
	}
	if cfg.KVBackend == "" {
		cfg.KVBackend = "memory"
	}
	return cfg
}

// Server owns the HTTP listener and every store behind it.
type Server struct {
	cfg        Config
	httpServer *http.Server
	store      *sqlite.Store
	redis      *kv.RedisStore
	otelStop   func(context.Context) error
}

// New wires the full auth stack and returns a server ready to Serve.
func New(ctx context.Context, cfg Config) (*Server, error) {
	store, err := openStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	srv := &Server{cfg: cfg, store: store}

	ephemeral, err := srv.openKV(ctx)
	if err != nil {
		srv.closeStores()
		return nil, err
	}

	recorder := audit.NewRecorder(store)
	sessionCfg := session.LoadConfigFromEnv()
	sessions := session.NewManager(store, sessionCfg)
	lockouts := lockout.NewTracker(ephemeral, lockout.LoadConfigFromEnv())
	challenges := challenge.NewManager(ephemeral, challenge.LoadConfigFromEnv())

	verifier, err := passkey.NewProvider(passkey.LoadConfigFromEnv())
	if err != nil {
		srv.closeStores()
		return nil, fmt.Errorf("configure webauthn: %w", err)
	}

	svc, err := service.New(service.Config{
		Identities: store,
		Tokens:     store,
		Passkeys:   store,
		Sessions:   sessions,
		Challenges: challenges,
		Lockouts:   lockouts,
		Recorder:   recorder,
		Sender:     email.LogSender{},
		Verifier:   verifier,
		MagicLink:  magiclink.LoadConfigFromEnv(),
	})
	if err != nil {
		srv.closeStores()
		return nil, err
	}

	api := NewAPI(svc, cfg.SecureCookies, sessionCfg.TTL)

	mux := http.NewServeMux()
	api.Register(mux)

	csrfCfg := csrf.LoadConfigFromEnv()
	csrfCfg.SecureCookie = cfg.SecureCookies
	guard := csrf.NewGuard(csrfCfg, recorder, CsrfExemptPaths()...)
	limiter := ratelimit.NewLimiter(ephemeral, ratelimit.LoadConfigFromEnv(), RateLimitRules()...)

	handler := ratelimit.Middleware(limiter, recorder, guard.Middleware(mux))

	srv.httpServer = &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: timeouts.ReadHeader,
	}
	return srv, nil
}

// openStore opens the SQLite database, creating its directory first.
func openStore(path string) (*sqlite.Store, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data directory: %w", err)
		}
	}
	store, err := sqlite.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open auth store: %w", err)
	}
	return store, nil
}

// openKV picks the ephemeral store backend. Redis is required when
// configured so lockouts and rate limits survive restarts and span
// replicas; memory suits a single process.
func (s *Server) openKV(ctx context.Context) (kv.Store, error) {
	if s.cfg.KVBackend != "redis" {
		log.Printf("server: using in-memory ephemeral store")
		return kv.NewMemoryStore(), nil
	}
	redisStore := kv.NewRedisStore(kv.LoadRedisConfigFromEnv())
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := redisStore.Ping(pingCtx); err != nil {
		_ = redisStore.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	s.redis = redisStore
	return redisStore, nil
}

// Run loads configuration, builds the server, and serves until ctx ends.
func Run(ctx context.Context) error {
	shutdown, err := otel.Setup(ctx, "liftlog-auth")
	if err != nil {
		return err
	}

	srv, err := New(ctx, LoadConfigFromEnv())
	if err != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		_ = shutdown(stopCtx)
		return err
	}
	srv.otelStop = shutdown
	return srv.Serve(ctx)
}

// Serve blocks until the context is cancelled or the listener fails, then
// drains in-flight requests and closes the stores.
func (s *Server) Serve(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		log.Printf("server: listening on %s", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serveErr <- err
			return
		}
		serveErr <- nil
	}()

	var err error
	select {
	case err = <-serveErr:
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if shutdownErr := s.httpServer.Shutdown(shutdownCtx); shutdownErr != nil {
			log.Printf("server: shutdown: %v", shutdownErr)
		}
		<-serveErr
	}

	s.closeStores()
	if s.otelStop != nil {
		stopCtx, cancel := context.WithTimeout(context.Background(), timeouts.Shutdown)
		defer cancel()
		if stopErr := s.otelStop(stopCtx); stopErr != nil {
			log.Printf("server: telemetry shutdown: %v", stopErr)
		}
	}
	return err
}

func (s *Server) closeStores() {
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			log.Printf("server: close redis: %v", err)
		}
	}
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("server: close auth store: %v", err)
		}
	}
}
