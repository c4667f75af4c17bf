package frames

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/rs/zerolog"

	"fieldop-service/internal/domain/fieldop"
)

// Video is a decoded-on-demand source of frames. The caller owns it and closes
// it after every window for that video has been extracted.
type Video interface {
	FPS() float64
	// Frame materialises the frame at index and returns a reference to it.
	Frame(ctx context.Context, index int) (string, error)
}

type Window struct {
	Before   float64
	After    float64
	Interval float64
}

var DefaultWindow = Window{Before: 2, After: 4, Interval: 1}

// ErrInvalidCenter rejects window centers that cannot be mapped to a frame index.
var ErrInvalidCenter = errors.New("frames: invalid window center")

// maxFrameIndex keeps frame indexes inside the exactly representable float range.
const maxFrameIndex = 1 << 53

// sampleEpsilon absorbs float drift when the last stride lands on the window end.
const sampleEpsilon = 1e-9

type Extractor struct {
	log zerolog.Logger
}

func NewExtractor(log zerolog.Logger) *Extractor {
	return &Extractor{log: log}
}

// ExtractWindow samples [max(0, center-before), center+after] every interval
// seconds. Frames that cannot be decoded are skipped. Output is ascending.
func (e *Extractor) ExtractWindow(ctx context.Context, video Video, center float64, w Window) ([]fieldop.FrameSample, error) {
	if w.Interval <= 0 || math.IsNaN(w.Interval) || math.IsInf(w.Interval, 0) {
		return nil, errors.New("frames: interval must be positive")
	}
	fps := video.FPS()
	if fps <= 0 || math.IsNaN(fps) || math.IsInf(fps, 0) {
		return nil, errors.New("frames: video has no frame rate")
	}
	if math.IsNaN(center) || math.IsInf(center, 0) {
		return nil, fmt.Errorf("%w: %v", ErrInvalidCenter, center)
	}

	start := math.Max(0, center-w.Before)
	end := center + w.After
	if end*fps > maxFrameIndex {
		return nil, fmt.Errorf("%w: %v is past the last addressable frame", ErrInvalidCenter, center)
	}
	if end < start {
		return nil, nil
	}

	n := int(math.Floor((end-start)/w.Interval + sampleEpsilon))

	var (
		samples []fieldop.FrameSample
		last    = -1
	)
	for i := 0; i <= n; i++ {
		if err := ctx.Err(); err != nil {
			return samples, err
		}

		t := start + float64(i)*w.Interval
		idx := frameIndex(t, fps, start, end)
		if idx <= last {
			continue
		}

		ref, err := video.Frame(ctx, idx)
		if err != nil {
			e.log.Debug().Err(err).Int("frame_index", idx).Float64("t", t).Msg("frame skipped")
			continue
		}
		last = idx
		samples = append(samples, fieldop.FrameSample{
			Timestamp: float64(idx) / fps,
			Path:      ref,
		})
	}
	return samples, nil
}

// ExtractWindowForSegment anchors the window to the end of the spoken segment,
// since the action follows the phrase.
func (e *Extractor) ExtractWindowForSegment(ctx context.Context, video Video, segmentStart, segmentEnd float64, w Window) ([]fieldop.FrameSample, error) {
	return e.ExtractWindow(ctx, video, segmentEnd, w)
}

// frameIndex rounds t to the nearest frame, then nudges it back inside the
// window if rounding pushed the frame time past either bound.
func frameIndex(t, fps, start, end float64) int {
	idx := int(math.Round(t * fps))
	if float64(idx)/fps > end+sampleEpsilon {
		idx--
	}
	if float64(idx)/fps < start-sampleEpsilon {
		idx++
	}
	if idx < 0 {
		idx = 0
	}
	return idx
}
