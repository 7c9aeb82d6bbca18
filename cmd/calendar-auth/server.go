package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/adrg/xdg"
	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/bluesky-social/indigo/atproto/identity/redisdir"
	"github.com/gorilla/sessions"
	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo-contrib/session"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	oauth "github.com/onecalendar/atproto-calendar-auth"
	"github.com/onecalendar/atproto-calendar-auth/e2ee"
	"github.com/onecalendar/atproto-calendar-auth/seal"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	slogecho "github.com/samber/slog-echo"
	"golang.org/x/time/rate"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	loginAttemptsPerWindow = 20
	loginAttemptWindow     = 10 * time.Minute
)

type Config struct {
	Listen        string
	RelyingParty  oauth.RelyingPartyConfig
	CookieSecrets []string
	SessionSecret string
	DbPath        string
	RedisURL      string
	AppPath       string
	LoginPath     string
	HTTPTimeout   time.Duration
	Logger        *slog.Logger

	// overridable for tests
	HTTPClient *http.Client
	Directory  identity.Directory
	Registry   *prometheus.Registry
}

type Server struct {
	cfg          Config
	echo         *echo.Echo
	httpd        *http.Server
	db           *gorm.DB
	login        *oauth.LoginManager
	txns         *oauth.TxnStore
	keys         e2ee.ServerKeyStore
	loginLimiter *middleware.RateLimiterMemoryStore
	metrics      *metrics
	logger       *slog.Logger
	closers      []func() error
}

func defaultDbPath() (string, error) {
	return xdg.DataFile(filepath.Join("atproto-calendar", "calendar-auth.db"))
}

func NewServer(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	if cfg.HTTPTimeout == 0 {
		cfg.HTTPTimeout = oauth.DefaultStepTimeout
	}

	if cfg.AppPath == "" {
		cfg.AppPath = "/app"
	}

	if cfg.LoginPath == "" {
		cfg.LoginPath = "/at-oauth"
	}

	if cfg.SessionSecret == "" {
		return nil, fmt.Errorf("a session secret is required")
	}

	if cfg.Registry == nil {
		cfg.Registry = prometheus.NewRegistry()
		cfg.Registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	}

	s := &Server{
		cfg:    cfg,
		logger: cfg.Logger,
	}

	if err := s.setupDatabase(); err != nil {
		return nil, err
	}

	keys, err := e2ee.NewServerKeyGormStore(s.db)
	if err != nil {
		return nil, err
	}
	s.keys = keys

	var codec *seal.Codec
	if len(cfg.CookieSecrets) > 0 {
		codec, err = seal.NewCodec(cfg.CookieSecrets...)
		if err != nil {
			return nil, fmt.Errorf("invalid cookie secret: %w", err)
		}
	} else {
		s.logger.Warn("no cookie secret configured, logins will fail with oauth_config")
	}

	var replay oauth.ReplayCache
	if cfg.RedisURL != "" {
		rc, err := oauth.NewRedisReplayCache(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, rc.Close)
		replay = rc
	} else {
		replay = oauth.NewMemReplayCache()
	}
	s.txns = oauth.NewTxnStore(codec, replay)

	dir, err := s.setupDirectory()
	if err != nil {
		return nil, err
	}

	h := cfg.HTTPClient
	if h == nil {
		h = &http.Client{Timeout: cfg.HTTPTimeout}
	}

	client, err := oauth.NewClient(oauth.ClientArgs{H: h})
	if err != nil {
		return nil, err
	}

	s.login, err = oauth.NewLoginManager(oauth.LoginManagerArgs{
		Client:       client,
		Resolver:     oauth.NewHandleResolver(dir),
		Transactions: s.txns,
		RelyingParty: cfg.RelyingParty,
		StepTimeout:  cfg.HTTPTimeout,
		Logger:       s.logger,
	})
	if err != nil {
		return nil, err
	}

	s.loginLimiter = middleware.NewRateLimiterMemoryStoreWithConfig(middleware.RateLimiterMemoryStoreConfig{
		Rate:      rate.Limit(float64(loginAttemptsPerWindow) / loginAttemptWindow.Seconds()),
		Burst:     loginAttemptsPerWindow,
		ExpiresIn: loginAttemptWindow,
	})

	s.metrics = newMetrics(cfg.Registry)

	s.setupEcho(sessions.NewCookieStore([]byte(cfg.SessionSecret)))

	return s, nil
}

func (s *Server) setupDatabase() error {
	path := s.cfg.DbPath
	if path == "" {
		p, err := defaultDbPath()
		if err != nil {
			return err
		}
		path = p
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return fmt.Errorf("could not open database: %w", err)
	}

	if err := db.AutoMigrate(&OauthSession{}); err != nil {
		return fmt.Errorf("could not migrate database: %w", err)
	}

	sqlDB, err := db.DB()
	if err == nil {
		s.closers = append(s.closers, sqlDB.Close)
	}

	s.db = db
	return nil
}

func (s *Server) setupDirectory() (identity.Directory, error) {
	if s.cfg.Directory != nil {
		return s.cfg.Directory, nil
	}

	base := identity.BaseDirectory{
		PLCURL: identity.DefaultPLCURL,
		HTTPClient: http.Client{
			Timeout: s.cfg.HTTPTimeout,
		},
		TryAuthoritativeDNS:   true,
		SkipDNSDomainSuffixes: []string{".bsky.social"},
	}

	if s.cfg.RedisURL != "" {
		rdir, err := redisdir.NewRedisDirectory(&base, s.cfg.RedisURL, time.Hour*24, time.Minute*2, time.Minute*5, 10_000)
		if err != nil {
			return nil, fmt.Errorf("could not set up redis identity cache: %w", err)
		}
		return rdir, nil
	}

	dir := identity.NewCacheDirectory(&base, 10_000, time.Hour*24, time.Minute*2, time.Minute*5)
	return &dir, nil
}

func (s *Server) setupEcho(store sessions.Store) {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(slogecho.New(s.logger))
	e.Use(middleware.Recover())
	e.Use(echoprometheus.NewMiddlewareWithConfig(echoprometheus.MiddlewareConfig{
		Subsystem:  "calendar_auth",
		Registerer: s.cfg.Registry,
	}))
	e.Use(middleware.BodyLimit("64K"))
	e.Use(session.Middleware(store))

	e.GET("/_health", s.handleHealth)
	e.GET("/metrics", echoprometheus.NewHandlerWithConfig(echoprometheus.HandlerConfig{
		Gatherer: s.cfg.Registry,
	}))

	e.GET("/oauth-client-metadata.json", s.handleClientMetadata)

	e.POST("/api/atproto/login", s.handleLogin)
	e.GET("/api/atproto/callback", s.handleCallback)
	e.POST("/api/atproto/logout", s.handleLogout)
	e.GET("/api/atproto/session", s.handleSession)

	e.GET(e2ee.KeysPath, s.handleGetKeys)
	e.PUT(e2ee.KeysPath, s.handlePutKeys)

	s.echo = e
	s.httpd = &http.Server{
		Addr:              s.cfg.Listen,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      time.Minute,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.echo.ServeHTTP(w, r)
}

func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("starting http server", "listen", s.cfg.Listen)
		if err := s.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("shutting down http server")

	sctx, cancel := shutdownContext()
	defer cancel()

	return s.httpd.Shutdown(sctx)
}

func (s *Server) Close() error {
	var errs []error
	for _, c := range s.closers {
		if err := c(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
