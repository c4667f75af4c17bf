package verification

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fieldop-service/internal/domain/fieldop"
	"fieldop-service/internal/metrics"
)

var ErrNoCapability = errors.New("no capability registered")

type registration struct {
	capability Capability
	pool       *Pool
}

// Dispatcher routes frames to the capability registered for an operation
// type. Registration happens at startup; afterwards it is read-only.
type Dispatcher struct {
	opts         Options
	log          zerolog.Logger
	metrics      *metrics.Metrics
	capabilities map[fieldop.OperationType]registration
	recognizer   Recognizer
}

func NewDispatcher(opts Options, log zerolog.Logger, m *metrics.Metrics) *Dispatcher {
	return &Dispatcher{
		opts:         opts,
		log:          log.With().Str("component", "dispatcher").Logger(),
		metrics:      m,
		capabilities: make(map[fieldop.OperationType]registration),
	}
}

// RegisterCapability binds a bounded-concurrency capability. Vehicle numbers
// use RegisterRecognizer instead.
func (d *Dispatcher) RegisterCapability(op fieldop.OperationType, c Capability) error {
	if c == nil {
		return fmt.Errorf("%w: nil capability for %s", ErrNoCapability, op)
	}
	if op != fieldop.AntiRolling && op != fieldop.RemoveRolling {
		return fmt.Errorf("operation %s does not take a frame capability", op)
	}
	d.capabilities[op] = registration{
		capability: c,
		pool:       NewPool(op.String(), d.opts, d.log, d.metrics),
	}
	return nil
}

func (d *Dispatcher) RegisterRecognizer(r Recognizer) error {
	if r == nil {
		return fmt.Errorf("%w: nil recognizer", ErrNoCapability)
	}
	d.recognizer = r
	return nil
}

// Validate reports a wiring error when any operation type lacks a capability.
func (d *Dispatcher) Validate() error {
	if d.recognizer == nil {
		return fmt.Errorf("%w: %s", ErrNoCapability, fieldop.VehicleNumber)
	}
	for _, op := range []fieldop.OperationType{fieldop.AntiRolling, fieldop.RemoveRolling} {
		if _, ok := d.capabilities[op]; !ok {
			return fmt.Errorf("%w: %s", ErrNoCapability, op)
		}
	}
	return nil
}

func (d *Dispatcher) Dispatch(ctx context.Context, op fieldop.OperationType, frames []fieldop.FrameSample) ([]fieldop.FrameOutcome, error) {
	reg, ok := d.capabilities[op]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoCapability, op)
	}

	start := time.Now()
	outcomes := reg.pool.Dispatch(ctx, reg.capability, frames)
	d.log.Debug().
		Str("operation", op.String()).
		Int("frames", len(frames)).
		Dur("duration", time.Since(start)).
		Msg("frames dispatched")
	return outcomes, nil
}

func (d *Dispatcher) Recognize(ctx context.Context, frames []fieldop.FrameSample) (Recognition, error) {
	if d.recognizer == nil {
		return Recognition{}, fmt.Errorf("%w: %s", ErrNoCapability, fieldop.VehicleNumber)
	}
	return RecognizeFirst(ctx, d.recognizer, frames, d.opts.Timeout, d.log), nil
}
