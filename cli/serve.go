package cli

import (
	"context"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"sam3web/api"
	"sam3web/archive"
	"sam3web/history"
	"sam3web/replicate"
	"sam3web/task"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	client := replicate.NewClient(cfg)
	if !client.IsConfigured() {
		logrus.Warn("REPLICATE_API_TOKEN is not set, every submission will fail")
	}
	extractor, err := archive.NewExtractor(cfg)
	if err != nil {
		return err
	}
	store, err := history.NewStore(cfg.HistoryFile)
	if err != nil {
		return err
	}

	scheduler := task.NewScheduler(client, task.WithExtractor(extractor))
	batches, err := task.NewManager(cfg, scheduler, store)
	if err != nil {
		return err
	}

	limiter := api.NewRateLimiterFromConfig(cfg)
	defer limiter.Close()

	h := api.NewHandler(cfg, api.Services{
		Submitter: client,
		Batches:   batches,
		History:   store,
		Extractor: extractor,
		ZipDir:    extractor.Dir(),
	})
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: api.SetupRouter(h, cfg, limiter),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	batches.Start(ctx)

	errCh := make(chan error, 1)
	go func() {
		logrus.WithField("port", cfg.Port).Info("server starting")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	stop()
	logrus.Info("shutting down gracefully, press Ctrl+C again to force")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logrus.WithError(err).Error("server forced to shutdown")
		return err
	}

	logrus.Info("server exiting")
	return nil
}
