package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/turbolytics/mapfiles/internal/config"
	"github.com/turbolytics/mapfiles/internal/server"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Starts the HTTP server and the processing workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, logger, err := g.load()
			if err != nil {
				return err
			}
			defer logger.Sync()
			l := logger.Named("mapfiles.serve")

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			app, err := config.Initialize(ctx, c, logger)
			if err != nil {
				return err
			}
			defer func() {
				if err := app.Close(context.Background()); err != nil {
					l.Error("closing app", zap.Error(err))
				}
			}()

			s := server.New(app.Store, app.Repository, app.Processor,
				server.WithLogger(logger.Named("mapfiles.server")),
				server.WithCacheMaxAge(time.Duration(c.Server.CacheMaxAge)*time.Second),
			)

			httpServer := &http.Server{
				Addr:              fmt.Sprintf(":%d", c.Server.Port),
				Handler:           s.Routes(),
				ReadHeaderTimeout: 10 * time.Second,
			}

			workersDone := make(chan error, 1)
			go func() {
				workersDone <- app.Processor.Run(ctx)
			}()

			serveErr := make(chan error, 1)
			go func() {
				l.Info("starting server", zap.String("address", httpServer.Addr))
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			select {
			case <-ctx.Done():
				l.Info("shutting down")
			case err = <-serveErr:
				l.Error("server error", zap.Error(err))
			}

			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancelShutdown()
			if serr := httpServer.Shutdown(shutdownCtx); serr != nil {
				l.Error("server shutdown", zap.Error(serr))
			}

			cancel()
			if werr := <-workersDone; werr != nil && !errors.Is(werr, context.Canceled) {
				l.Error("processor stopped", zap.Error(werr))
			}
			return err
		},
	}
}
