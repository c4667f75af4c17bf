package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"fieldop-service/internal/config"
	"fieldop-service/internal/db"
	"fieldop-service/internal/detector"
	"fieldop-service/internal/domain/fieldop"
	"fieldop-service/internal/frames"
	"fieldop-service/internal/media"
	"fieldop-service/internal/metrics"
	"fieldop-service/internal/repository"
	"fieldop-service/internal/service"
	"fieldop-service/internal/transcribe"
	"fieldop-service/internal/verification"
	"fieldop-service/internal/workspace"
)

// app holds the wired components shared by serve and process.
type app struct {
	cfg        *config.Config
	log        zerolog.Logger
	metrics    *metrics.Metrics
	db         *gorm.DB
	workspaces *workspace.Manager
	pipeline   *service.PipelineService
}

func newApp(ctx context.Context, cfg *config.Config, log zerolog.Logger, rep service.Reporter, tr transcribe.Transcriber, m *metrics.Metrics) (*app, error) {
	a := &app{cfg: cfg, log: log, metrics: m}

	var runs service.RunStore
	var stored map[fieldop.OperationType][]string
	if cfg.Database.DSN != "" {
		gdb, err := db.Connect(ctx, cfg.Database.DSN, log)
		if err != nil {
			return nil, err
		}
		a.db = gdb
		repo := repository.NewPipelineRepository(gdb)
		runs = repo
		stored, err = repo.LoadPatterns(ctx)
		if err != nil {
			a.close()
			return nil, fmt.Errorf("load trigger patterns: %w", err)
		}
	}

	kd, err := detector.NewKeywordDetector(selectPatterns(cfg.Patterns(), stored))
	if err != nil {
		a.close()
		return nil, err
	}

	dispatcher, err := newDispatcher(cfg, log, m)
	if err != nil {
		a.close()
		return nil, err
	}

	if tr == nil {
		if cfg.Transcribe.Command == "" {
			a.close()
			return nil, errors.New("transcribe.command is required")
		}
		tr, err = transcribe.NewCommandTranscriber(transcribe.CommandConfig{
			Command: cfg.Transcribe.Command,
			Args:    cfg.Transcribe.Args,
		}, log)
		if err != nil {
			a.close()
			return nil, err
		}
	}

	a.workspaces, err = workspace.NewManager(cfg.Workspace.Base, log)
	if err != nil {
		a.close()
		return nil, err
	}

	a.pipeline, err = service.NewPipelineService(service.Dependencies{
		Media:       service.NewFFmpegMedia(media.NewFFmpeg(cfg.Media.FFmpegPath, cfg.Media.FFprobePath, log)),
		Transcriber: tr,
		Detector:    kd,
		Extractor:   frames.NewExtractor(log),
		Dispatcher:  dispatcher,
		Reporter:    rep,
		Workspaces:  a.workspaces,
		Runs:        runs,
		Metrics:     m,
		Window: frames.Window{
			Before:   cfg.Window.Before,
			After:    cfg.Window.After,
			Interval: cfg.Window.Interval,
		},
	}, log)
	if err != nil {
		a.close()
		return nil, err
	}

	log.Info().
		Int("pool_size", cfg.Verify.PoolSize).
		Dur("verify_timeout", cfg.Verify.Timeout).
		Bool("early_stop", cfg.Verify.EarlyStop).
		Bool("bookkeeping", runs != nil).
		Msg("pipeline configured")
	return a, nil
}

// selectPatterns prefers configured keywords, then the pattern store, then
// the built-in triggers.
func selectPatterns(configured, stored map[fieldop.OperationType][]string) map[fieldop.OperationType][]string {
	if len(configured) > 0 {
		return configured
	}
	if len(stored) > 0 {
		return stored
	}
	return detector.DefaultPatterns
}

func newDispatcher(cfg *config.Config, log zerolog.Logger, m *metrics.Metrics) (*verification.Dispatcher, error) {
	d := verification.NewDispatcher(verification.Options{
		Limit:     cfg.Verify.PoolSize,
		Timeout:   cfg.Verify.Timeout,
		EarlyStop: cfg.Verify.EarlyStop,
	}, log, m)

	rec, err := verification.NewCommandRecognizer(verification.RecognizerConfig{
		Command: cfg.Capabilities.Recognizer.Command,
		Args:    cfg.Capabilities.Recognizer.Args,
	}, nil)
	if err != nil {
		return nil, err
	}

	for _, op := range []fieldop.OperationType{fieldop.AntiRolling, fieldop.RemoveRolling} {
		dc := cfg.Capabilities.DetectorFor(op)
		det, err := verification.NewCommandDetector(verification.DetectorConfig{
			Command:         dc.Command,
			Args:            dc.Args,
			PositiveClasses: dc.PositiveClasses,
			ConfThreshold:   dc.ConfThreshold,
		}, nil)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		if err := d.RegisterCapability(op, det); err != nil {
			return nil, err
		}
	}
	if err := d.RegisterRecognizer(rec); err != nil {
		return nil, err
	}
	return d, d.Validate()
}

func (a *app) close() {
	if a.db == nil {
		return
	}
	if sqlDB, err := a.db.DB(); err == nil {
		_ = sqlDB.Close()
	}
}
