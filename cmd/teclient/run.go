package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/te-platform/teclient/internal/statusapi"
)

var (
	listenAddr   string
	pollInterval time.Duration
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the engine and serve the local status API",
	Long: `Run keeps the session, polls notifications while signed in and serves
the feed, session and cold-start overlay to the local UI until interrupted.`,
	RunE: runEngine,
}

func init() {
	runCmd.Flags().StringVar(&listenAddr, "listen", "", "status API listen address")
	runCmd.Flags().DurationVar(&pollInterval, "interval", 0, "notification poll interval")
	rootCmd.AddCommand(runCmd)
}

func runEngine(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := log.Default()
	eng, err := buildEngine(cfg, logger)
	if err != nil {
		return err
	}
	defer eng.Close()

	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()
	if err := eng.watch(ctx); err != nil {
		logger.Printf("cross-process updates disabled: %v", err)
	}
	eng.feed.Start()

	api := statusapi.NewServer(eng.sessions, eng.feed, eng.overlay, eng.location, statusapi.ServerConfig{
		Logger: logger,
	})
	defer api.Close()
	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api,
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Printf("teclient listening on %s", cfg.ListenAddr)
		serveErr <- srv.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("status api: %w", err)
		}
		return nil
	case <-ctx.Done():
	}
	api.Close()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Printf("status api shutdown: %v", err)
	}
	return nil
}
