package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	_ "github.com/joho/godotenv/autoload"
	oauth "github.com/onecalendar/atproto-calendar-auth"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:    "calendar-auth",
		Usage:   "atproto login and encryption key service for the calendar",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "listen",
				Value:   ":8080",
				EnvVars: []string{"CALENDAR_AUTH_LISTEN"},
			},
			&cli.StringFlag{
				Name:    "base-url",
				Usage:   "public origin of the app, e.g. https://calendar.example",
				EnvVars: []string{"ATPROTO_OAUTH_BASE_URL", "NEXT_PUBLIC_APP_URL", "NEXT_PUBLIC_BASE_URL"},
			},
			&cli.StringFlag{
				Name:    "client-id",
				Usage:   "defaults to <base-url>/oauth-client-metadata.json",
				EnvVars: []string{"ATPROTO_OAUTH_CLIENT_ID", "ATPROTO_CLIENT_ID"},
			},
			&cli.StringFlag{
				Name:    "redirect-uri",
				Usage:   "defaults to <base-url>/api/atproto/callback",
				EnvVars: []string{"ATPROTO_OAUTH_REDIRECT_URI"},
			},
			&cli.StringFlag{
				Name:    "scope",
				Value:   oauth.DefaultScope,
				EnvVars: []string{"ATPROTO_OAUTH_SCOPE"},
			},
			&cli.StringFlag{
				Name:    "client-name",
				Value:   "One Calendar",
				EnvVars: []string{"ATPROTO_OAUTH_CLIENT_NAME"},
			},
			&cli.StringSliceFlag{
				Name:    "cookie-secret",
				Usage:   "oauth transaction cookie secrets, newest first",
				EnvVars: []string{"ATPROTO_SESSION_SECRET", "NEXTAUTH_SECRET"},
			},
			&cli.StringFlag{
				Name:    "session-secret",
				EnvVars: []string{"SESSION_SECRET", "ATPROTO_SESSION_SECRET"},
			},
			&cli.StringFlag{
				Name:    "db-path",
				Usage:   "sqlite database, defaults to the xdg data dir",
				EnvVars: []string{"CALENDAR_AUTH_DB_PATH"},
			},
			&cli.StringFlag{
				Name:    "redis-url",
				Usage:   "shared replay cache and identity cache",
				EnvVars: []string{"REDIS_URL"},
			},
			&cli.StringFlag{
				Name:    "app-path",
				Value:   "/app",
				EnvVars: []string{"CALENDAR_AUTH_APP_PATH"},
			},
			&cli.StringFlag{
				Name:    "login-path",
				Value:   "/at-oauth",
				EnvVars: []string{"CALENDAR_AUTH_LOGIN_PATH"},
			},
			&cli.DurationFlag{
				Name:    "http-timeout",
				Value:   10 * time.Second,
				EnvVars: []string{"CALENDAR_AUTH_HTTP_TIMEOUT"},
			},
			&cli.StringFlag{
				Name:    "log-level",
				Value:   "info",
				EnvVars: []string{"LOG_LEVEL"},
			},
		},
		Action: run,
	}

	app.RunAndExitOnError()
}

func run(cctx *cli.Context) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cctx.String("log-level"))); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cctx.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := NewServer(ctx, Config{
		Listen: cctx.String("listen"),
		RelyingParty: oauth.RelyingPartyConfig{
			BaseURL:     cctx.String("base-url"),
			ClientId:    cctx.String("client-id"),
			RedirectUri: cctx.String("redirect-uri"),
			Scope:       cctx.String("scope"),
			ClientName:  cctx.String("client-name"),
		},
		CookieSecrets: cctx.StringSlice("cookie-secret"),
		SessionSecret: cctx.String("session-secret"),
		DbPath:        cctx.String("db-path"),
		RedisURL:      cctx.String("redis-url"),
		AppPath:       cctx.String("app-path"),
		LoginPath:     cctx.String("login-path"),
		HTTPTimeout:   cctx.Duration("http-timeout"),
		Logger:        logger,
	})
	if err != nil {
		return err
	}
	defer srv.Close()

	return srv.Run(ctx)
}

func shutdownContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}
