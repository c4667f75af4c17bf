package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fieldop-service/internal/detector"
	"fieldop-service/internal/domain/fieldop"
	"fieldop-service/internal/frames"
	"fieldop-service/internal/metrics"
	"fieldop-service/internal/transcribe"
	"fieldop-service/internal/verdict"
	"fieldop-service/internal/verification"
)

var (
	ErrInvalidInput   = errors.New("invalid input")
	ErrNotFound       = errors.New("not found")
	ErrAlreadyRunning = errors.New("pipeline already running")
)

// Source is the footage for one run. Exactly one field is set.
type Source struct {
	// Path is an already recorded file.
	Path string
	// StreamURL is a network feed recorded until it ends or Stop is called.
	StreamURL string
	// Stream is raw container bytes recorded until EOF or Stop.
	Stream io.ReadCloser
}

func (s Source) validate() error {
	set := 0
	if s.Path != "" {
		set++
	}
	if s.StreamURL != "" {
		set++
	}
	if s.Stream != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("%w: exactly one video source is required", ErrInvalidInput)
	}
	return nil
}

type Workspaces interface {
	Create(deviceID string) (string, error)
}

type Reporter interface {
	Report(v fieldop.Verdict) error
}

// RunStore keeps run bookkeeping. It is optional.
type RunStore interface {
	CreateRun(ctx context.Context, run *fieldop.Run) error
	UpdateRunState(ctx context.Context, runID string, state fieldop.State) error
	FinishRun(ctx context.Context, run *fieldop.Run) error
	FindRuns(ctx context.Context, deviceID *string, limit int) ([]fieldop.Run, error)
	GetRun(ctx context.Context, runID string) (*fieldop.Run, error)
	DeleteOldRuns(ctx context.Context, maxAge time.Duration) (int64, error)
}

type Dependencies struct {
	Media       Media
	Transcriber transcribe.Transcriber
	Detector    *detector.KeywordDetector
	Extractor   *frames.Extractor
	Dispatcher  *verification.Dispatcher
	Reporter    Reporter
	Workspaces  Workspaces
	Runs        RunStore
	Metrics     *metrics.Metrics
	Window      frames.Window
}

type activeRun struct {
	id            string
	deviceID      string
	recordCtx     context.Context
	stopRecording context.CancelFunc
}

// PipelineService runs the per-device processing sequence. A device has at
// most one run in flight; runs for different devices proceed independently.
type PipelineService struct {
	deps Dependencies
	log  zerolog.Logger
	now  func() time.Time

	baseCtx context.Context
	cancel  context.CancelFunc

	mu      sync.Mutex
	running map[string]*activeRun
	wg      sync.WaitGroup
}

func NewPipelineService(deps Dependencies, log zerolog.Logger) (*PipelineService, error) {
	switch {
	case deps.Media == nil:
		return nil, errors.New("pipeline: media is required")
	case deps.Transcriber == nil:
		return nil, errors.New("pipeline: transcriber is required")
	case deps.Detector == nil:
		return nil, errors.New("pipeline: detector is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("pipeline: dispatcher is required")
	case deps.Reporter == nil:
		return nil, errors.New("pipeline: reporter is required")
	case deps.Workspaces == nil:
		return nil, errors.New("pipeline: workspaces are required")
	}
	if deps.Extractor == nil {
		deps.Extractor = frames.NewExtractor(log)
	}
	if deps.Window.Interval <= 0 {
		deps.Window = frames.DefaultWindow
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &PipelineService{
		deps:    deps,
		log:     log.With().Str("component", "pipeline").Logger(),
		now:     time.Now,
		baseCtx: ctx,
		cancel:  cancel,
		running: make(map[string]*activeRun),
	}, nil
}

// StartPipeline launches a run in the background and returns its id.
func (s *PipelineService) StartPipeline(deviceID string, src Source) (string, error) {
	a, err := s.register(deviceID, src)
	if err != nil {
		return "", err
	}
	go func() {
		defer s.release(a)
		s.execute(s.baseCtx, a, src)
	}()
	return a.id, nil
}

// RunPipeline processes synchronously and returns the finished run record.
func (s *PipelineService) RunPipeline(ctx context.Context, deviceID string, src Source) (*fieldop.Run, error) {
	a, err := s.register(deviceID, src)
	if err != nil {
		return nil, err
	}
	defer s.release(a)
	return s.execute(ctx, a, src), nil
}

// Stop ends the recording stage of a device's run. Processing of what has
// been recorded continues.
func (s *PipelineService) Stop(deviceID string) error {
	s.mu.Lock()
	a, ok := s.running[deviceID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: no pipeline running for device %s", ErrNotFound, deviceID)
	}
	a.stopRecording()
	s.log.Info().Str("device_id", deviceID).Str("run_id", a.id).Msg("stop signal received")
	return nil
}

func (s *PipelineService) Running(deviceID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.running[deviceID]
	return ok
}

// Shutdown stops every recording and waits for runs to drain. Runs still
// going when ctx expires are cancelled.
func (s *PipelineService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	for _, a := range s.running {
		a.stopRecording()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return ctx.Err()
	}
}

func (s *PipelineService) register(deviceID string, src Source) (*activeRun, error) {
	deviceID = strings.TrimSpace(deviceID)
	if deviceID == "" {
		return nil, fmt.Errorf("%w: device_id is required", ErrInvalidInput)
	}
	if err := src.validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.running[deviceID]; ok {
		return nil, fmt.Errorf("%w: device %s", ErrAlreadyRunning, deviceID)
	}
	recordCtx, stop := context.WithCancel(s.baseCtx)
	a := &activeRun{
		id:            uuid.NewString(),
		deviceID:      deviceID,
		recordCtx:     recordCtx,
		stopRecording: stop,
	}
	s.running[deviceID] = a
	s.wg.Add(1)
	return a, nil
}

func (s *PipelineService) release(a *activeRun) {
	s.mu.Lock()
	delete(s.running, a.deviceID)
	s.mu.Unlock()
	a.stopRecording()
	s.wg.Done()
}

// execute drives one run to Done. Any failure is reported as a single error
// verdict; verdicts already delivered stay delivered.
func (s *PipelineService) execute(ctx context.Context, a *activeRun, src Source) *fieldop.Run {
	log := s.log.With().Str("device_id", a.deviceID).Str("run_id", a.id).Logger()
	run := &fieldop.Run{
		ID:          a.id,
		DeviceID:    a.deviceID,
		State:       fieldop.StateIdle,
		EventCounts: make(map[string]int),
		StartedAt:   s.now(),
	}
	if s.deps.Runs != nil {
		if err := s.deps.Runs.CreateRun(ctx, run); err != nil {
			log.Warn().Err(err).Msg("failed to record run start")
		}
	}
	log.Info().Msg("pipeline started")

	var lastTimestamp float64
	err := s.process(ctx, a, run, src, &lastTimestamp, log)
	if err != nil {
		log.Error().Err(err).Str("state", string(run.State)).Msg("pipeline failed")
		s.deliver(verdict.Error(a.deviceID, lastTimestamp), log)
		run.Error = err.Error()
		s.deps.Metrics.IncPipeline("failed")
	} else {
		s.deps.Metrics.IncPipeline("done")
	}

	finished := s.now()
	run.State = fieldop.StateDone
	run.FinishedAt = &finished
	if s.deps.Runs != nil {
		if err := s.deps.Runs.FinishRun(context.WithoutCancel(ctx), run); err != nil {
			log.Warn().Err(err).Msg("failed to record run result")
		}
	}

	log.Info().
		Int("events", run.Events).
		Bool("failed", err != nil).
		Dur("duration", finished.Sub(run.StartedAt)).
		Msg("pipeline finished")
	return run
}

func (s *PipelineService) process(ctx context.Context, a *activeRun, run *fieldop.Run, src Source, lastTimestamp *float64, log zerolog.Logger) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pipeline panic: %v", r)
		}
	}()

	dir, err := s.deps.Workspaces.Create(a.deviceID)
	if err != nil {
		return err
	}

	s.setState(ctx, run, fieldop.StateRecording, log)
	videoPath, err := s.record(a.recordCtx, dir, src)
	if err != nil {
		return err
	}
	frameDir := filepath.Join(dir, "frames")
	if err := os.MkdirAll(frameDir, 0o755); err != nil {
		return fmt.Errorf("create frame dir: %w", err)
	}
	video, err := s.deps.Media.OpenVideo(ctx, videoPath, frameDir)
	if err != nil {
		return err
	}
	if c, ok := video.(io.Closer); ok {
		defer c.Close()
	}

	s.setState(ctx, run, fieldop.StateTranscribing, log)
	audioPath := filepath.Join(dir, "extracted_audio.wav")
	if err := s.deps.Media.ExtractAudio(ctx, videoPath, audioPath); err != nil {
		return err
	}
	utterances, err := s.deps.Transcriber.Transcribe(ctx, audioPath)
	if err != nil {
		return err
	}

	s.setState(ctx, run, fieldop.StateDetectingEvents, log)
	events := s.deps.Detector.Detect(utterances)
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	})
	run.Events = len(events)
	for _, ev := range events {
		run.EventCounts[ev.Operation.String()]++
		s.deps.Metrics.IncEvent(ev.Operation.String())
	}
	log.Info().
		Int("utterances", len(utterances)).
		Int("events", len(events)).
		Msg("detected operation events")

	for _, ev := range events {
		*lastTimestamp = ev.Timestamp
		if err := s.handleEvent(ctx, run, video, ev, log); err != nil {
			return fmt.Errorf("event %s at %.2fs: %w", ev.Operation, ev.Timestamp, err)
		}
	}
	return nil
}

func (s *PipelineService) record(ctx context.Context, dir string, src Source) (string, error) {
	if src.Path != "" {
		if _, err := os.Stat(src.Path); err != nil {
			return "", fmt.Errorf("video: %w", err)
		}
		return src.Path, nil
	}

	out := filepath.Join(dir, fmt.Sprintf("video_%d.mp4", s.now().Unix()))
	if src.StreamURL != "" {
		return out, s.deps.Media.RecordURL(ctx, src.StreamURL, out)
	}
	defer src.Stream.Close()
	return out, s.deps.Media.Record(ctx, src.Stream, out)
}

func (s *PipelineService) handleEvent(ctx context.Context, run *fieldop.Run, video frames.Video, ev fieldop.DetectionEvent, log zerolog.Logger) error {
	s.setState(ctx, run, fieldop.StateExtractingFrames, log)
	samples, err := s.deps.Extractor.ExtractWindow(ctx, video, ev.Timestamp, s.deps.Window)
	if err != nil {
		return err
	}

	s.setState(ctx, run, fieldop.StateVerifying, log)
	var v fieldop.Verdict
	switch ev.Operation {
	case fieldop.VehicleNumber:
		rec, err := s.deps.Dispatcher.Recognize(ctx, samples)
		if err != nil {
			return err
		}
		v = verdict.VehicleNumber(run.DeviceID, ev, samples, rec.Value)
	default:
		outcomes, err := s.deps.Dispatcher.Dispatch(ctx, ev.Operation, samples)
		if err != nil {
			return err
		}
		v = verdict.Aggregate(run.DeviceID, ev, samples, outcomes)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.setState(ctx, run, fieldop.StateReporting, log)
	s.deliver(v, log)
	log.Info().
		Str("operation", ev.Operation.String()).
		Float64("timestamp", ev.Timestamp).
		Int("frames", len(samples)).
		Str("status", string(v.Status)).
		Str("result", v.Summary).
		Msg("verdict reported")
	return nil
}

func (s *PipelineService) deliver(v fieldop.Verdict, log zerolog.Logger) {
	if err := s.deps.Reporter.Report(v); err != nil {
		log.Error().Err(err).Msg("failed to report verdict")
	}
}

func (s *PipelineService) setState(ctx context.Context, run *fieldop.Run, state fieldop.State, log zerolog.Logger) {
	run.State = state
	log.Debug().Str("state", string(state)).Msg("pipeline state")
	if s.deps.Runs == nil {
		return
	}
	if err := s.deps.Runs.UpdateRunState(ctx, run.ID, state); err != nil {
		log.Warn().Err(err).Str("state", string(state)).Msg("failed to record run state")
	}
}

func (s *PipelineService) ListRuns(ctx context.Context, deviceID *string, limit int) ([]fieldop.Run, error) {
	if s.deps.Runs == nil {
		return nil, fmt.Errorf("%w: run bookkeeping is disabled", ErrNotFound)
	}
	if deviceID != nil && strings.TrimSpace(*deviceID) == "" {
		deviceID = nil
	}
	if limit <= 0 {
		limit = 50
	}
	if limit > 100 {
		limit = 100
	}

	runs, err := s.deps.Runs.FindRuns(ctx, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to find runs: %w", err)
	}
	return runs, nil
}

func (s *PipelineService) GetRun(ctx context.Context, runID string) (*fieldop.Run, error) {
	if s.deps.Runs == nil {
		return nil, fmt.Errorf("%w: run bookkeeping is disabled", ErrNotFound)
	}
	if _, err := uuid.Parse(runID); err != nil {
		return nil, fmt.Errorf("%w: run_id must be a uuid", ErrInvalidInput)
	}
	run, err := s.deps.Runs.GetRun(ctx, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	if run == nil {
		return nil, fmt.Errorf("%w: run %s", ErrNotFound, runID)
	}
	return run, nil
}

// CleanupOldRuns deletes finished run records older than maxAge.
func (s *PipelineService) CleanupOldRuns(ctx context.Context, maxAge time.Duration) (int64, error) {
	if s.deps.Runs == nil {
		return 0, nil
	}
	deleted, err := s.deps.Runs.DeleteOldRuns(ctx, maxAge)
	if err != nil {
		s.log.Error().Err(err).Dur("max_age", maxAge).Msg("failed to cleanup old runs")
		return 0, err
	}
	if deleted > 0 {
		s.log.Info().Int64("deleted_count", deleted).Dur("max_age", maxAge).Msg("cleaned up old runs")
	}
	return deleted, nil
}
