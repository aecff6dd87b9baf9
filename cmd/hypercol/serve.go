package main

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/hypercol/internal/api"
	"github.com/samcharles93/hypercol/internal/logger"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		readTimeout time.Duration
		rate        float64
		burst       int
		maxRuns     int
		maxBody     int64
		maxOutput   int
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the encode and sample endpoints over HTTP",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read header timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
			&cli.Float64Flag{
				Name:        "rate",
				Usage:       "compute requests per second (0 = unlimited)",
				Destination: &rate,
			},
			&cli.IntFlag{
				Name:        "burst",
				Usage:       "rate limiter burst size",
				Value:       4,
				Destination: &burst,
			},
			&cli.IntFlag{
				Name:        "max-runs",
				Usage:       "run summaries kept in memory",
				Value:       api.DefaultMaxRuns,
				Destination: &maxRuns,
			},
			&cli.Int64Flag{
				Name:        "max-body",
				Usage:       "maximum request body size in bytes",
				Value:       api.DefaultMaxBodyBytes,
				Destination: &maxBody,
			},
			&cli.IntFlag{
				Name:        "max-output",
				Usage:       "maximum float32 elements a sample or pipeline request may produce",
				Value:       api.DefaultMaxOutputElements,
				Destination: &maxOutput,
			},
		},
		Action: func(ctx context.Context, cmd *cli.Command) error {
			log := logger.FromContext(ctx)
			applyServeConfig(cmd, LoadConfig(), &addr, &rate, &burst)

			server := api.NewServer(api.Options{
				Rate:              rate,
				Burst:             burst,
				MaxRuns:           maxRuns,
				MaxBodyBytes:      maxBody,
				MaxOutputElements: maxOutput,
				Logger:            log,
			})
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr, "rate", rate, "burst", burst)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
