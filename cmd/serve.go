package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/leadops/internal/api"
	"github.com/sells-group/leadops/internal/sweeper"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the lead enrichment HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		if err := cfg.Validate(); err != nil {
			return err
		}

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		if err := st.Migrate(ctx); err != nil {
			return eris.Wrap(err, "migrate store")
		}

		coord, err := initCoordinator(st)
		if err != nil {
			return err
		}

		dispatcher, err := initDispatcher()
		if err != nil {
			return err
		}

		server := api.NewServer(coord, st, dispatcher, api.Config{
			MaxBodyBytes: cfg.Server.MaxBodyBytes,
		})

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           server.Router(),
			ReadHeaderTimeout: 10 * time.Second,
		}

		sw := sweeper.New(st,
			time.Duration(cfg.Sweeper.IntervalSecs)*time.Second,
			time.Duration(cfg.Sweeper.GraceSecs)*time.Second,
		)

		g, gctx := errgroup.WithContext(ctx)

		g.Go(func() error {
			zap.L().Info("starting server", zap.Int("port", port))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				return eris.Wrap(err, "server listen")
			}
			return nil
		})

		g.Go(func() error {
			if err := sw.Run(gctx); err != nil && !eris.Is(err, context.Canceled) {
				return err
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})

		return g.Wait()
	},
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
