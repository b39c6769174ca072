package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/gkobilansky/cohort/internal/config"
	"github.com/gkobilansky/cohort/internal/ingest"
	"github.com/gkobilansky/cohort/internal/server"
)

var (
	port int
	bind string
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the cohort HTTP server.

The server provides:
  - JSON API for experiments, funnels, behavior and personalization
  - Asynchronous behavior event ingestion
  - Websocket feed of trigger outcomes at /api/stream
  - Health check and Prometheus metrics

Example:
  cohort serve --port 8080`,
		RunE: runServe,
	}
	addServeFlags(cmd)
	return cmd
}

func addServeFlags(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "port to listen on (overrides config)")
	cmd.Flags().StringVar(&bind, "bind", "127.0.0.1", "address to bind (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	return withApp(cmd, func(a *app) error {
		if cmd.Flags().Changed("port") {
			a.cfg.Server.Port = port
		}
		if cmd.Flags().Changed("bind") {
			a.cfg.Server.Bind = bind
		}

		var pers ingest.Personalizer
		if a.cfg.Ingest.Personalize {
			pers = a.personalization
		}
		pipeline := ingest.New(a.behavior, pers, ingest.Options{
			Shards:    a.cfg.Ingest.Shards,
			QueueSize: a.cfg.Ingest.QueueSize,
			Logger:    a.log,
			Metrics:   a.metrics,
		})

		srv := server.New(server.Deps{
			Store:           a.store,
			Experiments:     a.experiments,
			Funnels:         a.funnels,
			Behavior:        a.behavior,
			Personalization: a.personalization,
			Ingest:          pipeline,
			Metrics:         a.metrics,
			Logger:          a.log,
		}, a.cfg.Server.Token)
		a.personalization.SetPublisher(srv.Hub())

		httpSrv := &http.Server{
			Addr:              a.cfg.ListenAddr(),
			Handler:           srv.Handler(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		errCh := make(chan error, 1)
		go func() {
			errCh <- httpSrv.ListenAndServe()
		}()
		a.log.Info("server started", "addr", httpSrv.Addr, "db", a.cfg.Database.Path)
		printStartup(cmd.OutOrStdout(), a.cfg)

		select {
		case err := <-errCh:
			if !errors.Is(err, http.ErrServerClosed) {
				pipeline.Close(context.Background())
				return fmt.Errorf("server failed: %w", err)
			}
		case <-ctx.Done():
		}

		a.log.Info("shutting down", "timeout", a.cfg.Server.ShutdownTimeout)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Server.ShutdownTimeout)
		defer cancel()

		// Stream clients are hijacked connections that http.Server.Shutdown
		// does not track, so the hub goes first. Ingest drains last so
		// events accepted before shutdown are still applied.
		var errs []error
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("stream shutdown: %w", err))
		}
		if err := httpSrv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
		if err := pipeline.Close(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("ingest drain: %w", err))
		}
		return errors.Join(errs...)
	})
}

func printStartup(w io.Writer, cfg config.Config) {
	base := fmt.Sprintf("http://%s", cfg.ListenAddr())
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Server running at %s\n", base)
	fmt.Fprintf(w, "Database: %s\n", cfg.Database.Path)
	fmt.Fprintln(w)
	fmt.Fprintln(w, strings.Repeat("-", 60))
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Endpoints:")
	fmt.Fprintf(w, "  %s/health\n", base)
	fmt.Fprintf(w, "  %s/metrics\n", base)
	fmt.Fprintf(w, "  %s/api/behavior/events   (POST events here)\n", base)
	fmt.Fprintf(w, "  ws://%s/api/stream       (trigger outcomes)\n", cfg.ListenAddr())
	fmt.Fprintln(w)
	if cfg.Server.Token == "" {
		fmt.Fprintln(w, "Auth: disabled. Run 'cohort token' to generate an admin token.")
	} else {
		fmt.Fprintln(w, "Auth: send 'Authorization: Bearer <token>' on mutating requests.")
	}
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Press Ctrl+C to stop")
}
