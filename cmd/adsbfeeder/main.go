package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/maniack/adsbfeeder/app"
	"github.com/maniack/adsbfeeder/hub"
	"github.com/maniack/adsbfeeder/security"
)

const expiresLayout = "2006-01-02 15:04:05 -0700"

func main() {
	cmd := &cli.Command{
		Name:  "adsbfeeder",
		Usage: "Aggregate SBS-1 feeds and fan out GeoJSON aircraft updates",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:    "upstream",
				Aliases: []string{"u"},
				Usage:   "upstream SBS-1 `ENDPOINT` (host:port) to connect to; repeatable",
				Sources: cli.EnvVars("UPSTREAM"),
			},
			&cli.StringFlag{
				Name:  "upstream.listen",
				Usage: "`ADDRESS` to accept inbound SBS-1 feeders on",
			},
			&cli.StringFlag{
				Name:  "upstream.delimiter",
				Value: "auto",
				Usage: "upstream line delimiter: auto, lf or crlf",
			},
			&cli.StringFlag{
				Name:  "downstream.listen",
				Usage: "`ADDRESS` for plain TCP subscribers",
			},
			&cli.StringFlag{
				Name:  "websocket.listen",
				Usage: "`ADDRESS` for websocket subscribers",
			},
			&cli.StringFlag{
				Name:  "reporter.listen",
				Usage: "`ADDRESS` for the HTTP status page",
			},
			&cli.BoolFlag{
				Name:  "permanent",
				Usage: "keep upstream feeds connected without subscribers",
			},
			&cli.StringFlag{
				Name:    "log.level",
				Value:   "info",
				Usage:   "log `LEVEL` (debug, info, warning, error)",
				Sources: cli.EnvVars("LOG_LEVEL"),
			},
			&cli.StringFlag{
				Name:    "jwt.secret",
				Usage:   "shared `SECRET` for websocket subscriber tokens",
				Sources: cli.EnvVars("JWT_SECRET"),
			},
			&cli.BoolFlag{
				Name:    "metrics.enabled",
				Aliases: []string{"metrics", "m"},
				Value:   true,
				Usage:   "Enable Prometheus metrics endpoint",
			},
			&cli.StringFlag{
				Name:    "tracing.endpoint",
				Aliases: []string{"tracing", "t"},
				Usage:   "OpenTelemetry collector `ENDPOINT` for traces",
				Sources: cli.EnvVars("OTEL_ENDPOINT"),
			},
			&cli.StringFlag{
				Name:  "registry.path",
				Usage: "`PATH` of the aircraft registry database (:memory: for ephemeral)",
			},
			&cli.StringFlag{
				Name:  "registry.import",
				Usage: "CSV `FILE` of icao24,registration,operator,type to import at startup",
			},
		},
		Action: app.Run,
		Commands: []*cli.Command{
			{
				Name:  "token",
				Usage: "Mint a subscriber token",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "user",
						Required: true,
						Usage:    "`NAME` recorded in the usr claim",
					},
					&cli.DurationFlag{
						Name:  "duration",
						Value: time.Hour,
						Usage: "session `LENGTH` granted per connect",
					},
					&cli.StringFlag{
						Name:  "expires",
						Value: "2099-01-01 00:00:00 +0000",
						Usage: "absolute expiry `TIME` (2006-01-02 15:04:05 -0700)",
					},
				},
				Action: mintToken,
			},
		},
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := cmd.Run(ctx, os.Args); err != nil {
		log.Fatal(err)
	}
}

func mintToken(ctx context.Context, c *cli.Command) error {
	auth, err := security.NewAuthenticator(c.String("jwt.secret"), hub.Subprotocols)
	if err != nil {
		return err
	}
	expires, err := time.Parse(expiresLayout, c.String("expires"))
	if err != nil {
		return fmt.Errorf("parse expires: %w", err)
	}
	token, err := auth.Mint(c.String("user"), c.Duration("duration"), expires)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}
