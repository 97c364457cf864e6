package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/danielpatrickdp/duet/go-controller/internal/control"
	"github.com/danielpatrickdp/duet/go-controller/internal/events"
)

const shutdownTimeout = 10 * time.Second

var serveAddr string

// serveCmd runs the HTTP control surface until interrupted.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the operator control surface",
	Long: `Starts the HTTP control surface. Runs are started, paused, steered and
stopped over HTTP; /events streams every run event over a websocket.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "listen address (default from config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	addr := serveAddr
	if addr == "" {
		addr = cfg.Control.Addr
	}

	hub := events.NewHub()
	rt, err := buildRuntime(cfg, hub, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	sup := rt.supervisor(cfg, logger)
	deps := control.Deps{
		Supervisor:  sup,
		Store:       rt.store,
		Persona:     rt.persona,
		Hub:         hub,
		Transcripts: rt.transcripts,
		Logger:      logger,
	}
	if rt.metrics != nil {
		deps.Metrics = rt.metrics.Handler()
	}
	srv, err := control.New(deps, control.Options{
		RateLimit:       cfg.Control.RateLimit,
		Burst:           cfg.Control.Burst,
		DefaultMaxTurns: cfg.Orchestrator.MaxTurns,
		StaleAfter:      cfg.Orchestrator.StaleAfter,
	})
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(cmd.Context())
	httpSrv := &http.Server{
		Addr:              addr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	g.Go(func() error {
		logger.Info("control surface listening", zap.String("addr", addr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if cfg.Persona.Watch {
		g.Go(func() error {
			return rt.persona.Watch(ctx, cfg.Persona.WatchDebounce)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("shutting down")
		if err := sup.Close(); err != nil {
			logger.Warn("stop active run", zap.Error(err))
		}
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}
