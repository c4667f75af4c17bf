package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldop-service/internal/detector"
	"fieldop-service/internal/domain/fieldop"
	"fieldop-service/internal/frames"
	"fieldop-service/internal/transcribe"
	"fieldop-service/internal/verification"
	"fieldop-service/internal/workspace"
)

type fakeVideo struct {
	fps      float64
	duration float64
}

func (v fakeVideo) FPS() float64 { return v.fps }

func (v fakeVideo) Frame(_ context.Context, index int) (string, error) {
	if float64(index)/v.fps > v.duration {
		return "", errors.New("past end of stream")
	}
	return fmt.Sprintf("frame_%d.jpg", index), nil
}

type fakeMedia struct {
	openErr error
	video   fakeVideo

	mu       sync.Mutex
	recorded []string
}

func (m *fakeMedia) Record(ctx context.Context, src io.Reader, out string) error {
	// Live feeds only end when the run is stopped.
	<-ctx.Done()
	m.mu.Lock()
	m.recorded = append(m.recorded, out)
	m.mu.Unlock()
	return os.WriteFile(out, []byte("video"), 0o644)
}

func (m *fakeMedia) RecordURL(ctx context.Context, _ string, out string) error {
	return m.Record(ctx, nil, out)
}

func (m *fakeMedia) ExtractAudio(_ context.Context, _, audio string) error {
	return os.WriteFile(audio, []byte("audio"), 0o644)
}

func (m *fakeMedia) OpenVideo(_ context.Context, _, _ string) (frames.Video, error) {
	if m.openErr != nil {
		return nil, m.openErr
	}
	return m.video, nil
}

type failingTranscriber struct{}

func (failingTranscriber) Transcribe(context.Context, string) ([]fieldop.Utterance, error) {
	return nil, errors.New("speech backend unavailable")
}

type collectingReporter struct {
	mu       sync.Mutex
	verdicts []fieldop.Verdict
}

func (r *collectingReporter) Report(v fieldop.Verdict) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.verdicts = append(r.verdicts, v)
	return nil
}

func (r *collectingReporter) all() []fieldop.Verdict {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]fieldop.Verdict, len(r.verdicts))
	copy(out, r.verdicts)
	return out
}

type memoryRuns struct {
	mu     sync.Mutex
	runs   map[string]fieldop.Run
	states map[string][]fieldop.State
}

func newMemoryRuns() *memoryRuns {
	return &memoryRuns{runs: map[string]fieldop.Run{}, states: map[string][]fieldop.State{}}
}

func (m *memoryRuns) CreateRun(_ context.Context, run *fieldop.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *memoryRuns) UpdateRunState(_ context.Context, id string, state fieldop.State) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.states[id] = append(m.states[id], state)
	return nil
}

func (m *memoryRuns) FinishRun(_ context.Context, run *fieldop.Run) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs[run.ID] = *run
	return nil
}

func (m *memoryRuns) FindRuns(_ context.Context, deviceID *string, limit int) ([]fieldop.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []fieldop.Run
	for _, r := range m.runs {
		if deviceID == nil || r.DeviceID == *deviceID {
			out = append(out, r)
		}
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memoryRuns) GetRun(_ context.Context, id string) (*fieldop.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (m *memoryRuns) DeleteOldRuns(context.Context, time.Duration) (int64, error) {
	return 0, nil
}

var fieldTranscript = []fieldop.Utterance{
	{Timestamp: 42.8, Text: "铁鞋撤除手闸松开"},
	{Timestamp: 10.5, Text: "现在进行车号确认操作"},
	{Timestamp: 25.2, Text: "铁鞋设置手闸拧紧"},
}

type harness struct {
	svc      *PipelineService
	media    *fakeMedia
	reporter *collectingReporter
	runs     *memoryRuns
	video    string
}

func newHarness(t *testing.T, tr transcribe.Transcriber, register func(d *verification.Dispatcher)) *harness {
	t.Helper()

	ws, err := workspace.NewManager(t.TempDir(), zerolog.Nop())
	require.NoError(t, err)

	kd, err := detector.NewKeywordDetector(detector.DefaultPatterns)
	require.NoError(t, err)

	d := verification.NewDispatcher(verification.Options{Limit: 3, Timeout: time.Second}, zerolog.Nop(), nil)
	register(d)

	video := filepath.Join(t.TempDir(), "recorded.mp4")
	require.NoError(t, os.WriteFile(video, []byte("video"), 0o644))

	h := &harness{
		media:    &fakeMedia{video: fakeVideo{fps: 30, duration: 60}},
		reporter: &collectingReporter{},
		runs:     newMemoryRuns(),
		video:    video,
	}
	h.svc, err = NewPipelineService(Dependencies{
		Media:       h.media,
		Transcriber: tr,
		Detector:    kd,
		Dispatcher:  d,
		Reporter:    h.reporter,
		Workspaces:  ws,
		Runs:        h.runs,
		Window:      frames.DefaultWindow,
	}, zerolog.Nop())
	require.NoError(t, err)
	return h
}

func registerAll(t *testing.T) func(d *verification.Dispatcher) {
	return func(d *verification.Dispatcher) {
		require.NoError(t, d.RegisterRecognizer(verification.RecognizerFunc(
			func(_ context.Context, f fieldop.FrameSample) (string, error) {
				if f.Timestamp < 10 {
					return "", nil
				}
				return "京A12345", nil
			})))
		require.NoError(t, d.RegisterCapability(fieldop.AntiRolling, verification.CapabilityFunc(
			func(_ context.Context, f fieldop.FrameSample) (fieldop.Outcome, error) {
				if f.Timestamp >= 26 {
					return fieldop.Positive, nil
				}
				return fieldop.Negative, nil
			})))
		require.NoError(t, d.RegisterCapability(fieldop.RemoveRolling, verification.CapabilityFunc(
			func(context.Context, fieldop.FrameSample) (fieldop.Outcome, error) {
				return fieldop.Negative, nil
			})))
	}
}

func TestRunPipelineReportsOneVerdictPerEvent(t *testing.T) {
	h := newHarness(t, transcribe.StaticTranscriber{Utterances: fieldTranscript}, registerAll(t))

	run, err := h.svc.RunPipeline(context.Background(), "cam-1", Source{Path: h.video})
	require.NoError(t, err)

	verdicts := h.reporter.all()
	require.Len(t, verdicts, 5)

	ops := make([]fieldop.OperationType, len(verdicts))
	for i, v := range verdicts {
		ops[i] = v.Operation
		assert.Equal(t, "cam-1", v.DeviceID)
		assert.False(t, v.Error)
		if i > 0 {
			assert.GreaterOrEqual(t, v.Timestamp, verdicts[i-1].Timestamp)
		}
	}
	assert.Equal(t, []fieldop.OperationType{
		fieldop.VehicleNumber,
		fieldop.AntiRolling, fieldop.AntiRolling,
		fieldop.RemoveRolling, fieldop.RemoveRolling,
	}, ops)

	vehicle := verdicts[0]
	assert.True(t, vehicle.Success)
	assert.Equal(t, "京A12345", vehicle.VehicleNumber)
	assert.Equal(t, "识别车号：京A12345", vehicle.Summary)
	require.Len(t, vehicle.Evidence, 7)
	assert.InDelta(t, 8.5, vehicle.Evidence[0].Timestamp, 1e-9)
	assert.InDelta(t, 14.5, vehicle.Evidence[6].Timestamp, 1e-9)

	assert.True(t, verdicts[1].Success)
	assert.Equal(t, fieldop.StatusSuccess, verdicts[1].Status)
	assert.Equal(t, "防遛确认", verdicts[1].Summary)

	assert.False(t, verdicts[3].Success)
	assert.Equal(t, fieldop.StatusFailure, verdicts[3].Status)
	assert.Equal(t, "撤遛未确认", verdicts[3].Summary)

	assert.Equal(t, fieldop.StateDone, run.State)
	assert.Empty(t, run.Error)
	assert.Equal(t, 5, run.Events)
	assert.Equal(t, map[string]int{"vehicle_number": 1, "anti_rolling": 2, "remove_rolling": 2}, run.EventCounts)
	require.NotNil(t, run.FinishedAt)

	states := h.runs.states[run.ID]
	assert.Equal(t, []fieldop.State{
		fieldop.StateRecording, fieldop.StateTranscribing, fieldop.StateDetectingEvents,
	}, states[:3])
	assert.Equal(t, 3+5*3, len(states))
	assert.Equal(t, fieldop.StateDone, h.runs.runs[run.ID].State)
}

func TestRunPipelineWithoutEvents(t *testing.T) {
	h := newHarness(t, transcribe.StaticTranscriber{Utterances: []fieldop.Utterance{
		{Timestamp: 3, Text: "今天天气不错"},
	}}, registerAll(t))

	run, err := h.svc.RunPipeline(context.Background(), "cam-1", Source{Path: h.video})
	require.NoError(t, err)
	assert.Empty(t, h.reporter.all())
	assert.Equal(t, 0, run.Events)
	assert.Empty(t, run.Error)
}

func TestTranscriptionFailureEmitsSingleErrorVerdict(t *testing.T) {
	h := newHarness(t, failingTranscriber{}, registerAll(t))

	run, err := h.svc.RunPipeline(context.Background(), "cam-1", Source{Path: h.video})
	require.NoError(t, err)

	verdicts := h.reporter.all()
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].Error)
	assert.Equal(t, "处理视频时出错", verdicts[0].Summary)
	assert.Equal(t, fieldop.StatusFailure, verdicts[0].Status)
	assert.NotContains(t, verdicts[0].Summary, "speech backend")

	assert.Equal(t, fieldop.StateDone, run.State)
	assert.Contains(t, run.Error, "speech backend unavailable")
}

func TestUnreadableVideoEmitsErrorVerdict(t *testing.T) {
	h := newHarness(t, transcribe.StaticTranscriber{Utterances: fieldTranscript}, registerAll(t))
	h.media.openErr = errors.New("moov atom not found")

	run, err := h.svc.RunPipeline(context.Background(), "cam-1", Source{Path: h.video})
	require.NoError(t, err)

	verdicts := h.reporter.all()
	require.Len(t, verdicts, 1)
	assert.True(t, verdicts[0].Error)
	assert.NotEmpty(t, run.Error)
}

func TestMidRunFailureKeepsDeliveredVerdicts(t *testing.T) {
	h := newHarness(t, transcribe.StaticTranscriber{Utterances: fieldTranscript}, func(d *verification.Dispatcher) {
		require.NoError(t, d.RegisterRecognizer(verification.RecognizerFunc(
			func(context.Context, fieldop.FrameSample) (string, error) { return "", nil })))
		require.NoError(t, d.RegisterCapability(fieldop.AntiRolling, verification.CapabilityFunc(
			func(context.Context, fieldop.FrameSample) (fieldop.Outcome, error) { return fieldop.Positive, nil })))
	})

	run, err := h.svc.RunPipeline(context.Background(), "cam-1", Source{Path: h.video})
	require.NoError(t, err)

	verdicts := h.reporter.all()
	require.Len(t, verdicts, 4)
	assert.Equal(t, "未识别车号", verdicts[0].Summary)
	assert.Equal(t, fieldop.AntiRolling, verdicts[1].Operation)
	assert.Equal(t, fieldop.AntiRolling, verdicts[2].Operation)
	assert.True(t, verdicts[3].Error)
	assert.InDelta(t, 42.8, verdicts[3].Timestamp, 1e-9)
	assert.Contains(t, run.Error, "remove_rolling")
}

func TestStartPipelineIsNotReentrantPerDevice(t *testing.T) {
	h := newHarness(t, transcribe.StaticTranscriber{Utterances: fieldTranscript}, registerAll(t))

	runID, err := h.svc.StartPipeline("cam-1", Source{StreamURL: "rtsp://camera/1"})
	require.NoError(t, err)
	assert.NotEmpty(t, runID)
	assert.True(t, h.svc.Running("cam-1"))

	_, err = h.svc.StartPipeline("cam-1", Source{Path: h.video})
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	otherID, err := h.svc.StartPipeline("cam-2", Source{Path: h.video})
	require.NoError(t, err)
	assert.NotEqual(t, runID, otherID)

	require.NoError(t, h.svc.Stop("cam-1"))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, h.svc.Shutdown(ctx))

	assert.False(t, h.svc.Running("cam-1"))
	assert.Len(t, h.reporter.all(), 10)
	h.media.mu.Lock()
	assert.Len(t, h.media.recorded, 1)
	h.media.mu.Unlock()
}

func TestStopUnknownDevice(t *testing.T) {
	h := newHarness(t, transcribe.StaticTranscriber{}, registerAll(t))
	assert.ErrorIs(t, h.svc.Stop("ghost"), ErrNotFound)
}

func TestStartPipelineValidatesInput(t *testing.T) {
	h := newHarness(t, transcribe.StaticTranscriber{}, registerAll(t))

	_, err := h.svc.StartPipeline(" ", Source{Path: h.video})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.StartPipeline("cam-1", Source{})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.StartPipeline("cam-1", Source{Path: h.video, StreamURL: "rtsp://x"})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestListRuns(t *testing.T) {
	h := newHarness(t, transcribe.StaticTranscriber{Utterances: fieldTranscript}, registerAll(t))

	run, err := h.svc.RunPipeline(context.Background(), "cam-1", Source{Path: h.video})
	require.NoError(t, err)

	device := "cam-1"
	runs, err := h.svc.ListRuns(context.Background(), &device, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, run.ID, runs[0].ID)

	got, err := h.svc.GetRun(context.Background(), run.ID)
	require.NoError(t, err)
	assert.Equal(t, fieldop.StateDone, got.State)

	_, err = h.svc.GetRun(context.Background(), "not-a-uuid")
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = h.svc.GetRun(context.Background(), "6f1c2a4e-3b7d-4c1e-9f0a-2d5e8b7c6a10")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListRunsWithoutStore(t *testing.T) {
	h := newHarness(t, transcribe.StaticTranscriber{}, registerAll(t))
	h.svc.deps.Runs = nil

	_, err := h.svc.ListRuns(context.Background(), nil, 10)
	assert.ErrorIs(t, err, ErrNotFound)

	deleted, err := h.svc.CleanupOldRuns(context.Background(), time.Hour)
	require.NoError(t, err)
	assert.Zero(t, deleted)
}

func TestFrameTimestampsFollowFrameRate(t *testing.T) {
	h := newHarness(t, transcribe.StaticTranscriber{Utterances: []fieldop.Utterance{
		{Timestamp: 0.5, Text: "铁鞋设置"},
	}}, registerAll(t))
	h.media.video = fakeVideo{fps: 25, duration: 60}

	_, err := h.svc.RunPipeline(context.Background(), "cam-1", Source{Path: h.video})
	require.NoError(t, err)

	verdicts := h.reporter.all()
	require.Len(t, verdicts, 1)
	for _, f := range verdicts[0].Evidence {
		assert.InDelta(t, 0, math.Mod(f.Timestamp*25, 1), 1e-6)
	}
	assert.InDelta(t, 0, verdicts[0].Evidence[0].Timestamp, 1e-9)
}

func TestRunPipelineVehicleNumberAndAntiRollingBothSucceed(t *testing.T) {
	h := newHarness(t, transcribe.StaticTranscriber{Utterances: []fieldop.Utterance{
		{Timestamp: 25.2, Text: "铁鞋设置手闸拧紧"},
		{Timestamp: 10.5, Text: "现在进行车号确认操作"},
	}}, func(d *verification.Dispatcher) {
		require.NoError(t, d.RegisterRecognizer(verification.RecognizerFunc(
			func(context.Context, fieldop.FrameSample) (string, error) { return "X1", nil })))
		require.NoError(t, d.RegisterCapability(fieldop.AntiRolling, verification.CapabilityFunc(
			func(context.Context, fieldop.FrameSample) (fieldop.Outcome, error) { return fieldop.Positive, nil })))
		require.NoError(t, d.RegisterCapability(fieldop.RemoveRolling, verification.CapabilityFunc(
			func(context.Context, fieldop.FrameSample) (fieldop.Outcome, error) { return fieldop.Negative, nil })))
	})
	kd, err := detector.NewKeywordDetector(map[fieldop.OperationType][]string{
		fieldop.VehicleNumber: {"车号确认"},
		fieldop.AntiRolling:   {"铁鞋设置"},
		fieldop.RemoveRolling: {"铁鞋撤除"},
	})
	require.NoError(t, err)
	h.svc.deps.Detector = kd

	run, err := h.svc.RunPipeline(context.Background(), "cam-1", Source{Path: h.video})
	require.NoError(t, err)
	assert.Empty(t, run.Error)

	verdicts := h.reporter.all()
	require.Len(t, verdicts, 2)

	assert.Equal(t, fieldop.VehicleNumber, verdicts[0].Operation)
	assert.InDelta(t, 10.5, verdicts[0].Timestamp, 1e-9)
	assert.Equal(t, "X1", verdicts[0].VehicleNumber)

	assert.Equal(t, fieldop.AntiRolling, verdicts[1].Operation)
	assert.InDelta(t, 25.2, verdicts[1].Timestamp, 1e-9)
	assert.True(t, verdicts[1].Success)

	for _, v := range verdicts {
		assert.Equal(t, fieldop.StatusSuccess, v.Status)
		assert.False(t, v.Error)
	}
}

func TestUnaddressableEventTimestampEndsRun(t *testing.T) {
	h := newHarness(t, transcribe.StaticTranscriber{Utterances: []fieldop.Utterance{
		{Timestamp: 10.5, Text: "车号确认"},
		{Timestamp: 1e30, Text: "铁鞋设置"},
	}}, registerAll(t))

	done := make(chan *fieldop.Run, 1)
	go func() {
		run, err := h.svc.RunPipeline(context.Background(), "cam-1", Source{Path: h.video})
		assert.NoError(t, err)
		done <- run
	}()

	var run *fieldop.Run
	select {
	case run = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("pipeline did not finish")
	}

	verdicts := h.reporter.all()
	require.Len(t, verdicts, 2)
	assert.Equal(t, fieldop.VehicleNumber, verdicts[0].Operation)
	assert.True(t, verdicts[1].Error)
	assert.Contains(t, run.Error, "invalid window center")
	assert.False(t, h.svc.Running("cam-1"))
}
