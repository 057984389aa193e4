package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/maniack/adsbfeeder/bbox"
	"github.com/maniack/adsbfeeder/hub"
	"github.com/maniack/adsbfeeder/monitoring"
	"github.com/maniack/adsbfeeder/observer"
	"github.com/maniack/adsbfeeder/registry"
	"github.com/maniack/adsbfeeder/security"
	"github.com/maniack/adsbfeeder/status"
	"github.com/maniack/adsbfeeder/upstream"
)

// Run is the main CLI action. It wires the observer, the upstream feeds,
// the fan-out hub and the configured listeners, then blocks until the
// context ends or a listener fails. Configuration errors are returned;
// everything else is handled where it happens.
func Run(ctx context.Context, c *cli.Command) error {
	log := monitoring.NewLogger(c.String("log.level"))

	shutdownTracer := monitoring.InitTracer(log, c.String("tracing.endpoint"), "adsb-feeder")
	defer shutdownTracer()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var reg *registry.Store
	if path := c.String("registry.path"); path != "" {
		var err error
		reg, err = registry.Open(path)
		if err != nil {
			return fmt.Errorf("open registry: %w", err)
		}
		defer reg.Close()
		if seed := c.String("registry.import"); seed != "" {
			f, err := os.Open(seed)
			if err != nil {
				return fmt.Errorf("open registry seed: %w", err)
			}
			n, err := reg.ImportCSV(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("import registry seed: %w", err)
			}
			log.Infof("app: imported %d aircraft from %s", n, seed)
		}
	}

	delim, err := upstream.ParseDelimiter(c.String("upstream.delimiter"))
	if err != nil {
		return err
	}

	obs := observer.New(log, reg)

	// errCh carries listener failures; the buffer covers every sender.
	errCh := make(chan error, 4)

	var feeders *upstream.Group
	var svc hub.Service
	if endpoints := c.StringSlice("upstream"); len(endpoints) > 0 {
		feeders = upstream.NewGroup(log, obs, endpoints, delim)
		svc = feeders
	}

	permanent := c.Bool("permanent")
	h := hub.New(log, obs, svc, permanent)
	if permanent && feeders != nil {
		feeders.Start()
	}
	go h.Run(ctx)

	var listener *upstream.Server
	if addr := c.String("upstream.listen"); addr != "" {
		listener = upstream.NewServer(log, obs, addr, delim)
		go func() {
			if err := listener.Run(ctx); err != nil {
				errCh <- fmt.Errorf("upstream listener: %w", err)
			}
		}()
	}

	validator, err := bbox.NewValidator()
	if err != nil {
		return err
	}

	if addr := c.String("downstream.listen"); addr != "" {
		srv := hub.NewTCPServer(log, h, validator, addr)
		go func() {
			if err := srv.Run(ctx); err != nil {
				errCh <- err
			}
		}()
	}

	var wsSrv *http.Server
	if addr := c.String("websocket.listen"); addr != "" {
		auth, err := security.NewAuthenticator(c.String("jwt.secret"), hub.Subprotocols)
		if err != nil {
			return fmt.Errorf("websocket listener: %w", err)
		}
		ws := hub.NewWSServer(log, h, validator, auth)

		r := chi.NewRouter()
		r.Use(middleware.Recoverer)
		r.Use(monitoring.TracingMiddleware)
		r.Get("/", ws.Handler())

		// No read/write timeouts here: websocket sessions are long-lived
		// and carry their own deadlines.
		wsSrv = &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			log.Infof("app: websocket listener on %s", addr)
			if err := wsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("websocket listener: %w", err)
			}
		}()
	}

	var repSrv *http.Server
	if addr := c.String("reporter.listen"); addr != "" {
		r := chi.NewRouter()
		// Recoverer first so panics in handlers are caught
		r.Use(middleware.Recoverer)
		r.Use(middleware.Timeout(15 * time.Second))
		r.Use(func(next http.Handler) http.Handler {
			return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("X-Content-Type-Options", "nosniff")
				w.Header().Set("X-Frame-Options", "DENY")
				w.Header().Set("Referrer-Policy", "no-referrer")
				next.ServeHTTP(w, r)
			})
		})
		// Tracing before logging to ensure trace IDs are present
		r.Use(monitoring.TracingMiddleware)
		r.Use(monitoring.MetricsMiddleware)
		r.Use(monitoring.LoggingMiddleware(log))

		if c.Bool("metrics.enabled") {
			r.Handle("/metrics", monitoring.PrometheusHandler())
		}

		var feedSources []status.FeedSource
		if feeders != nil {
			feedSources = append(feedSources, feeders)
		}
		if listener != nil {
			feedSources = append(feedSources, listener)
		}
		page := status.NewPage(log, obs, h, feedSources...)
		r.Get("/", page.Handler())

		repSrv = &http.Server{
			Addr:              addr,
			Handler:           r,
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 10 * time.Second,
			WriteTimeout:      20 * time.Second,
			IdleTimeout:       60 * time.Second,
		}
		go func() {
			log.Infof("app: reporter listening on %s", addr)
			if err := repSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("reporter: %w", err)
			}
		}()
	}

	select {
	case err := <-errCh:
		cancel()
		return err
	case <-ctx.Done():
	}

	log.Infof("app: shutting down")
	shCtx, shCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shCancel()
	if wsSrv != nil {
		_ = wsSrv.Shutdown(shCtx)
	}
	if repSrv != nil {
		_ = repSrv.Shutdown(shCtx)
	}
	if feeders != nil {
		feeders.Stop()
	}
	return nil
}
