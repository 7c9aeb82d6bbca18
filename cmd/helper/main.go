package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/joho/godotenv/autoload"
	oauth "github.com/onecalendar/atproto-calendar-auth"
	"github.com/onecalendar/atproto-calendar-auth/e2ee"
	"github.com/onecalendar/atproto-calendar-auth/internal/helpers"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "calendar-auth-helper",
		Usage: "key generation and encryption key management for the calendar",
		Commands: []*cli.Command{
			runGenerateDpopKey,
			runGenerateCookieSecret,
			runE2ee,
		},
	}

	app.RunAndExitOnError()
}

var runGenerateDpopKey = &cli.Command{
	Name:  "generate-dpop-key",
	Usage: "generate a P-256 dpop key and print it with its thumbprint",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "out",
			Usage: "write to this file instead of stdout",
		},
	},
	Action: func(cmd *cli.Context) error {
		key, err := oauth.GenerateDpopKey()
		if err != nil {
			return err
		}

		b, err := json.MarshalIndent(map[string]any{
			"publicJwk":     key.PublicJwk,
			"privateKeyPem": key.PrivateKeyPem,
			"jkt":           key.Jkt,
		}, "", "  ")
		if err != nil {
			return err
		}

		if out := cmd.String("out"); out != "" {
			return os.WriteFile(out, b, 0600)
		}

		fmt.Println(string(b))
		return nil
	},
}

var runGenerateCookieSecret = &cli.Command{
	Name:  "generate-cookie-secret",
	Usage: "print a random secret for ATPROTO_SESSION_SECRET or SESSION_SECRET",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:  "bytes",
			Value: 32,
		},
	},
	Action: func(cmd *cli.Context) error {
		if cmd.Int("bytes") < 16 {
			return fmt.Errorf("a cookie secret needs at least 16 bytes")
		}

		secret, err := helpers.GenerateToken(cmd.Int("bytes"))
		if err != nil {
			return err
		}

		fmt.Println(secret)
		return nil
	},
}

var e2eeFlags = []cli.Flag{
	&cli.StringFlag{
		Name:    "base-url",
		Usage:   "origin of a running calendar-auth service",
		EnvVars: []string{"ATPROTO_OAUTH_BASE_URL", "NEXT_PUBLIC_APP_URL", "NEXT_PUBLIC_BASE_URL"},
	},
	&cli.StringFlag{
		Name:     "session-cookie",
		Usage:    "signed in session cookie, as name=value",
		EnvVars:  []string{"CALENDAR_SESSION_COOKIE"},
		Required: true,
	},
	&cli.StringFlag{
		Name:     "user",
		Usage:    "did of the signed in account",
		Required: true,
	},
	&cli.StringFlag{
		Name:  "device-db",
		Usage: "trusted device database, defaults to the xdg data dir",
	},
}

func newKeyring(cmd *cli.Context) (*e2ee.Keyring, error) {
	if cmd.String("base-url") == "" {
		return nil, fmt.Errorf("--base-url is required")
	}

	server, err := e2ee.NewHTTPServerKeyStore(e2ee.HTTPServerKeyStoreArgs{
		BaseURL: cmd.String("base-url"),
		Cookie:  cmd.String("session-cookie"),
	})
	if err != nil {
		return nil, err
	}

	devices, err := e2ee.OpenGormStore(cmd.String("device-db"))
	if err != nil {
		return nil, err
	}

	return e2ee.NewKeyring(e2ee.KeyringArgs{
		Server:  server,
		Devices: devices,
		Logger:  slog.New(slog.NewTextHandler(os.Stderr, nil)),
	}), nil
}

// userError prints the safe message of an e2ee error instead of its chain.
func userError(err error) error {
	var e *e2ee.Error
	if errors.As(err, &e) {
		return cli.Exit(fmt.Sprintf("%s (%s)", e.Message, e.Code), 1)
	}
	return err
}

var runE2ee = &cli.Command{
	Name:  "e2ee",
	Usage: "manage the end to end encryption key of an account",
	Subcommands: []*cli.Command{
		{
			Name:  "init",
			Usage: "create the data key and print the first recovery key",
			Flags: e2eeFlags,
			Action: func(cmd *cli.Context) error {
				k, err := newKeyring(cmd)
				if err != nil {
					return err
				}

				res, err := k.Initialize(cmd.Context, cmd.String("user"))
				if err != nil {
					return userError(err)
				}

				fmt.Printf("key version: %d\n", res.KeyVersion)
				fmt.Printf("recovery key: %s\n", res.RecoveryKey)
				fmt.Println("store the recovery key somewhere safe, it will not be shown again")
				return nil
			},
		},
		{
			Name:  "unlock",
			Usage: "unlock with this device, or with a recovery key",
			Flags: append([]cli.Flag{
				&cli.StringFlag{
					Name:    "recovery-key",
					EnvVars: []string{"CALENDAR_RECOVERY_KEY"},
				},
				&cli.BoolFlag{
					Name:  "trust-device",
					Value: true,
				},
			}, e2eeFlags...),
			Action: func(cmd *cli.Context) error {
				k, err := newKeyring(cmd)
				if err != nil {
					return err
				}

				var res *e2ee.UnlockResult
				if rk := cmd.String("recovery-key"); rk != "" {
					res, err = k.UnlockWithRecovery(cmd.Context, cmd.String("user"), rk, cmd.Bool("trust-device"))
				} else {
					res, err = k.UnlockWithDevice(cmd.Context, cmd.String("user"))
				}
				if err != nil {
					return userError(err)
				}

				fmt.Printf("unlocked key version %d from %s\n", res.KeyVersion, res.Source)
				return nil
			},
		},
		{
			Name:  "rotate",
			Usage: "replace the recovery key, keeping the data key",
			Flags: append([]cli.Flag{
				&cli.StringFlag{
					Name:     "recovery-key",
					Usage:    "the current recovery key",
					EnvVars:  []string{"CALENDAR_RECOVERY_KEY"},
					Required: true,
				},
			}, e2eeFlags...),
			Action: func(cmd *cli.Context) error {
				k, err := newKeyring(cmd)
				if err != nil {
					return err
				}

				res, err := k.RotateRecoveryKey(cmd.Context, cmd.String("user"), cmd.String("recovery-key"))
				if err != nil {
					return userError(err)
				}

				fmt.Printf("key version: %d -> %d\n", res.OldKeyVersion, res.NewKeyVersion)
				fmt.Printf("new recovery key: %s\n", res.NewRecoveryKey)
				fmt.Println("the old recovery key no longer works, and this one will not be shown again")
				return nil
			},
		},
	},
}
