package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

var ErrFrameUnavailable = errors.New("frame unavailable")

// DefaultFPS is assumed when the container does not report a frame rate.
const DefaultFPS = 30.0

type FFmpeg struct {
	FFmpegPath  string
	FFprobePath string
	log         zerolog.Logger
}

func NewFFmpeg(ffmpegPath, ffprobePath string, log zerolog.Logger) *FFmpeg {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	if ffprobePath == "" {
		ffprobePath = "ffprobe"
	}
	return &FFmpeg{
		FFmpegPath:  ffmpegPath,
		FFprobePath: ffprobePath,
		log:         log.With().Str("component", "ffmpeg").Logger(),
	}
}

// Record copies the incoming stream, audio included, into out. Cancelling ctx
// interrupts ffmpeg so it finalises whatever has been written so far.
func (f *FFmpeg) Record(ctx context.Context, src io.Reader, out string) error {
	return f.record(ctx, "pipe:0", src, out)
}

// RecordURL is Record for a network source such as an RTSP camera feed.
func (f *FFmpeg) RecordURL(ctx context.Context, url, out string) error {
	return f.record(ctx, url, nil, out)
}

func (f *FFmpeg) record(ctx context.Context, input string, stdin io.Reader, out string) error {
	cmd := exec.CommandContext(ctx, f.FFmpegPath, "-y", "-i", input, "-c", "copy", out)
	cmd.Stdin = stdin
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGINT)
	}
	cmd.WaitDelay = 10 * time.Second

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	err := cmd.Run()
	if ctx.Err() != nil {
		f.log.Info().Str("output", out).Msg("recording stopped")
		if _, statErr := os.Stat(out); statErr == nil {
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("ffmpeg record: %w: %s", err, lastLine(stderr.String()))
	}
	f.log.Info().Str("output", out).Msg("recording finished")
	return nil
}

// ExtractAudio writes the audio track as 16 kHz mono WAV.
func (f *FFmpeg) ExtractAudio(ctx context.Context, video, audio string) error {
	cmd := exec.CommandContext(ctx, f.FFmpegPath, "-y", "-i", video, "-vn", "-ac", "1", "-ar", "16000", "-f", "wav", audio)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("ffmpeg extract audio: %w: %s", err, lastLine(stderr.String()))
	}
	return nil
}

// Open probes the video and returns a handle that decodes frames on demand.
// Frames are written to frameDir.
func (f *FFmpeg) Open(ctx context.Context, path, frameDir string) (*Video, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open video: %w", err)
	}

	out, err := exec.CommandContext(ctx, f.FFprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=r_frame_rate",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe %s: %w", path, err)
	}

	fps, err := ParseFrameRate(string(out))
	if err != nil {
		f.log.Warn().Err(err).Str("video", path).Float64("fps", DefaultFPS).Msg("falling back to default frame rate")
		fps = DefaultFPS
	}

	return &Video{ffmpeg: f, path: path, dir: frameDir, fps: fps}, nil
}

// ParseFrameRate parses ffprobe rates such as "30000/1001" or "25".
func ParseFrameRate(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("empty frame rate")
	}
	if num, den, ok := strings.Cut(raw, "/"); ok {
		n, err := strconv.ParseFloat(num, 64)
		if err != nil {
			return 0, fmt.Errorf("frame rate %q: %w", raw, err)
		}
		d, err := strconv.ParseFloat(den, 64)
		if err != nil {
			return 0, fmt.Errorf("frame rate %q: %w", raw, err)
		}
		if n <= 0 || d <= 0 {
			return 0, fmt.Errorf("frame rate %q is not positive", raw)
		}
		return n / d, nil
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("frame rate %q: %w", raw, err)
	}
	if v <= 0 {
		return 0, fmt.Errorf("frame rate %q is not positive", raw)
	}
	return v, nil
}

type Video struct {
	ffmpeg *FFmpeg
	path   string
	dir    string
	fps    float64
}

func (v *Video) FPS() float64 {
	return v.fps
}

func (v *Video) Path() string {
	return v.path
}

// Frame decodes the frame at index into a JPEG next to the other frames.
func (v *Video) Frame(ctx context.Context, index int) (string, error) {
	ts := float64(index) / v.fps
	out := filepath.Join(v.dir, FrameFileName(ts))

	cmd := exec.CommandContext(ctx, v.ffmpeg.FFmpegPath,
		"-y", "-v", "error",
		"-ss", strconv.FormatFloat(ts, 'f', 3, 64),
		"-i", v.path,
		"-frames:v", "1",
		"-q:v", "2",
		out,
	)
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%w: index %d: %v", ErrFrameUnavailable, index, err)
	}
	info, err := os.Stat(out)
	if err != nil || info.Size() == 0 {
		return "", fmt.Errorf("%w: index %d past end of stream", ErrFrameUnavailable, index)
	}
	return out, nil
}

// Close is a no-op; frames are decoded by short-lived ffmpeg processes.
func (v *Video) Close() error {
	return nil
}

func FrameFileName(ts float64) string {
	return fmt.Sprintf("frame_%.2f.jpg", ts)
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
