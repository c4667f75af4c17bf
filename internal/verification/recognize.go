package verification

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"fieldop-service/internal/domain/fieldop"
)

type Recognition struct {
	Value    string
	Frame    fieldop.FrameSample
	Found    bool
	Attempts int
}

// RecognizeFirst tries frames in ascending timestamp order and stops at the
// first non-empty value. Failed or timed-out calls count as empty.
func RecognizeFirst(ctx context.Context, r Recognizer, frames []fieldop.FrameSample, timeout time.Duration, log zerolog.Logger) Recognition {
	ordered := make([]fieldop.FrameSample, len(frames))
	copy(ordered, frames)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp < ordered[j].Timestamp
	})

	var rec Recognition
	for _, frame := range ordered {
		if ctx.Err() != nil {
			break
		}
		rec.Attempts++

		start := time.Now()
		value, err := guarded(ctx, timeout, func(callCtx context.Context) (string, error) {
			return r.Recognize(callCtx, frame)
		}, nil)
		elapsed := time.Since(start)
		if err != nil {
			log.Warn().Err(err).Str("frame", frame.Path).Dur("duration", elapsed).Msg("vehicle number recognition failed")
			continue
		}

		value = strings.TrimSpace(value)
		log.Debug().Str("frame", frame.Path).Str("value", value).Dur("duration", elapsed).Msg("frame recognised")
		if value != "" {
			rec.Value = value
			rec.Frame = frame
			rec.Found = true
			return rec
		}
	}
	return rec
}
