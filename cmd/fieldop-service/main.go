package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"fieldop-service/internal/config"
	"fieldop-service/internal/domain/fieldop"
	apphttp "fieldop-service/internal/http"
	"fieldop-service/internal/logging"
	"fieldop-service/internal/metrics"
	"fieldop-service/internal/reporter"
	"fieldop-service/internal/service"
	"fieldop-service/internal/transcribe"
	"fieldop-service/internal/verdict"
)

const version = "0.1.0"

var configPath string

func main() {
	rootCmd := &cobra.Command{
		Use:     "fieldop-service",
		Short:   "Verifies field operations announced on recorded device video",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to configuration file")

	rootCmd.AddCommand(newServeCmd(), newProcessCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("failed to load configuration: %w", err)
	}
	log, err := logging.New(cfg.Log.Level, cfg.Log.Pretty)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, log, nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP and WebSocket service",
		RunE:  runServe,
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	m := metrics.New()
	rep := reporter.New(cfg.Server.QueueSize, log, m)
	defer rep.Close()

	a, err := newApp(ctx, cfg, log, rep, nil, m)
	if err != nil {
		return err
	}
	defer a.close()

	gin.SetMode(gin.ReleaseMode)
	h := apphttp.NewHandler(a.pipeline, rep, a.workspaces, m, cfg.Media.Root, log)
	router := apphttp.NewRouter(h, apphttp.RouterConfig{
		CORSOrigins: cfg.Server.CORSOrigins,
		JWTSecret:   cfg.Auth.JWTSecret,
	}, log)

	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		a.cleanupLoop(ctx)
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", cfg.Server.Address).Msg("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		log.Info().Msg("shutdown signal received")
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("http server shutdown")
	}
	if err := a.pipeline.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("pipelines did not drain before shutdown deadline")
	}
	wg.Wait()
	log.Info().Msg("service stopped")
	return nil
}

// cleanupLoop prunes stale workspaces and run records until ctx ends.
func (a *app) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Workspace.CleanupInterval)
	defer ticker.Stop()

	for {
		if _, err := a.workspaces.Cleanup(a.cfg.Workspace.MaxAge); err != nil {
			a.log.Warn().Err(err).Msg("workspace cleanup failed")
		}
		_, _ = a.pipeline.CleanupOldRuns(ctx, a.cfg.Database.RunRetention)

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func newProcessCmd() *cobra.Command {
	var deviceID, video, transcript string

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process one video offline and print verdicts as JSON lines",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProcess(cmd.OutOrStdout(), deviceID, video, transcript)
		},
	}
	cmd.Flags().StringVar(&deviceID, "device", "", "Device id the footage belongs to")
	cmd.Flags().StringVar(&video, "video", "", "Video file, stream URL, or - for stdin")
	cmd.Flags().StringVar(&transcript, "transcript", "", "JSON transcript to use instead of speech-to-text")
	_ = cmd.MarkFlagRequired("device")
	_ = cmd.MarkFlagRequired("video")
	return cmd
}

func runProcess(out io.Writer, deviceID, video, transcript string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	var tr transcribe.Transcriber
	if transcript != "" {
		st, err := transcribe.LoadFile(transcript)
		if err != nil {
			return err
		}
		tr = st
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg, log, newLineReporter(out), tr, metrics.New())
	if err != nil {
		return err
	}
	defer a.close()

	// The first interrupt ends recording, the second abandons processing.
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; !ok {
			return
		}
		_ = a.pipeline.Stop(deviceID)
		if _, ok := <-sigCh; ok {
			cancel()
		}
	}()

	run, err := a.pipeline.RunPipeline(ctx, deviceID, sourceFor(video))
	if err != nil {
		return err
	}
	if run.Error != "" {
		return fmt.Errorf("pipeline failed: %s", run.Error)
	}
	return nil
}

func sourceFor(video string) service.Source {
	switch {
	case video == "-":
		return service.Source{Stream: io.NopCloser(os.Stdin)}
	case strings.Contains(video, "://"):
		return service.Source{StreamURL: video}
	default:
		return service.Source{Path: video}
	}
}

// lineReporter writes each verdict message as one JSON line.
type lineReporter struct {
	mu  sync.Mutex
	enc *json.Encoder
}

func newLineReporter(w io.Writer) *lineReporter {
	return &lineReporter{enc: json.NewEncoder(w)}
}

func (r *lineReporter) Report(v fieldop.Verdict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.enc.Encode(verdict.ToMessage(v))
}
