package verification

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fieldop-service/internal/domain/fieldop"
	"fieldop-service/internal/metrics"
)

var errStopped = errors.New("evaluation skipped after a positive frame")

// ErrPoolWedged is returned for frames that could not get a slot because every
// slot is held by a call that already outlived its timeout.
var ErrPoolWedged = errors.New("every capability slot is held by a timed-out call")

type Options struct {
	// Limit bounds concurrently running evaluations.
	Limit int
	// Timeout bounds a single capability call; zero disables it.
	Timeout time.Duration
	// EarlyStop cancels the remaining frames once one is Positive.
	EarlyStop bool
}

// Pool is a bounded worker pool for one capability type. It is shared by every
// device, so Limit caps the load on the inference backend as a whole.
type Pool struct {
	name      string
	sem       chan struct{}
	timeout   time.Duration
	earlyStop bool
	log       zerolog.Logger
	metrics   *metrics.Metrics

	// abandoned counts slots still held by calls whose caller stopped waiting.
	abandoned atomic.Int32
}

func NewPool(name string, opts Options, log zerolog.Logger, m *metrics.Metrics) *Pool {
	if opts.Limit < 1 {
		opts.Limit = 1
	}
	return &Pool{
		name:      name,
		sem:       make(chan struct{}, opts.Limit),
		timeout:   opts.Timeout,
		earlyStop: opts.EarlyStop,
		log:       log.With().Str("pool", name).Logger(),
		metrics:   m,
	}
}

func (p *Pool) Limit() int {
	return cap(p.sem)
}

// DispatchParallel evaluates frames on a throwaway pool of the given size.
func DispatchParallel(ctx context.Context, capability Capability, frames []fieldop.FrameSample, limit int) []fieldop.FrameOutcome {
	return NewPool("adhoc", Options{Limit: limit}, zerolog.Nop(), nil).Dispatch(ctx, capability, frames)
}

// Dispatch returns exactly one outcome per frame, in input order, once every
// frame has one. A failing frame never affects its siblings.
func (p *Pool) Dispatch(ctx context.Context, capability Capability, frames []fieldop.FrameSample) []fieldop.FrameOutcome {
	outcomes := make([]fieldop.FrameOutcome, len(frames))
	if len(frames) == 0 {
		return outcomes
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	for i, frame := range frames {
		wg.Add(1)
		go func(i int, frame fieldop.FrameSample) {
			defer wg.Done()
			outcomes[i] = p.evaluate(runCtx, capability, frame)
			if p.earlyStop && outcomes[i].Result == fieldop.Positive {
				cancel()
			}
		}(i, frame)
	}
	wg.Wait()

	return outcomes
}

func (p *Pool) evaluate(ctx context.Context, capability Capability, frame fieldop.FrameSample) fieldop.FrameOutcome {
	if err := p.acquire(ctx); err != nil {
		if errors.Is(err, ErrPoolWedged) {
			p.log.Warn().Str("frame", frame.Path).Msg("no capability slot available")
			return fieldop.FrameOutcome{Frame: frame, Result: fieldop.Indeterminate, Err: err}
		}
		return fieldop.FrameOutcome{Frame: frame, Result: fieldop.Indeterminate, Skipped: true, Err: p.skipReason(ctx)}
	}
	if ctx.Err() != nil {
		<-p.sem
		return fieldop.FrameOutcome{Frame: frame, Result: fieldop.Indeterminate, Skipped: true, Err: p.skipReason(ctx)}
	}

	p.metrics.AddInFlight(p.name, 1)
	var (
		mu               sync.Mutex
		returned, parked bool
	)
	release := func() {
		mu.Lock()
		returned = true
		if parked {
			p.abandoned.Add(-1)
		}
		mu.Unlock()
		p.metrics.AddInFlight(p.name, -1)
		<-p.sem
	}
	park := func() {
		mu.Lock()
		if !returned {
			parked = true
			p.abandoned.Add(1)
		}
		mu.Unlock()
	}

	start := time.Now()
	result, err := guarded(ctx, p.timeout, func(callCtx context.Context) (fieldop.Outcome, error) {
		return capability.Evaluate(callCtx, frame)
	}, release)
	elapsed := time.Since(start)
	if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		park()
	}

	outcome := fieldop.FrameOutcome{Frame: frame, Result: result}
	switch {
	case err != nil && ctx.Err() != nil:
		outcome.Result = fieldop.Indeterminate
		outcome.Skipped = true
		outcome.Err = p.skipReason(ctx)
	case err != nil:
		outcome.Result = fieldop.Indeterminate
		outcome.Err = err
		p.log.Warn().Err(err).Str("frame", frame.Path).Dur("duration", elapsed).Msg("capability failed")
	case result != fieldop.Positive && result != fieldop.Negative:
		outcome.Result = fieldop.Indeterminate
	}

	p.metrics.ObserveFrame(p.name, outcome.Result.String(), elapsed)
	p.log.Debug().
		Str("frame", frame.Path).
		Float64("frame_ts", frame.Timestamp).
		Str("outcome", outcome.Result.String()).
		Dur("duration", elapsed).
		Msg("frame evaluated")

	return outcome
}

// acquire waits for a slot until ctx ends. With a timeout configured it gives
// up once every slot is held by an abandoned call, since none of them is
// guaranteed to return.
func (p *Pool) acquire(ctx context.Context) error {
	if p.timeout <= 0 {
		select {
		case p.sem <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	ticker := time.NewTicker(p.timeout)
	defer ticker.Stop()
	for {
		select {
		case p.sem <- struct{}{}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if int(p.abandoned.Load()) >= cap(p.sem) {
				return ErrPoolWedged
			}
		}
	}
}

func (p *Pool) skipReason(ctx context.Context) error {
	if p.earlyStop && errors.Is(ctx.Err(), context.Canceled) {
		return errStopped
	}
	return ctx.Err()
}
