package reporter

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"fieldop-service/internal/domain/fieldop"
	"fieldop-service/internal/metrics"
	"fieldop-service/internal/verdict"
)

const DefaultQueueSize = 64

// Conn is one observer's outbound channel. WriteMessage is only ever called
// from that observer's writer goroutine.
type Conn interface {
	WriteMessage(data []byte) error
	Close() error
}

type observer struct {
	id   string
	conn Conn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// Reporter fans verdicts out to every connected observer. Each observer has
// its own queue and writer, so a slow or broken one never holds up the rest.
type Reporter struct {
	mu        sync.RWMutex
	observers map[string]*observer
	queueSize int
	log       zerolog.Logger
	metrics   *metrics.Metrics
}

func New(queueSize int, log zerolog.Logger, m *metrics.Metrics) *Reporter {
	if queueSize < 1 {
		queueSize = DefaultQueueSize
	}
	return &Reporter{
		observers: make(map[string]*observer),
		queueSize: queueSize,
		log:       log.With().Str("component", "reporter").Logger(),
		metrics:   m,
	}
}

// Add registers conn and starts its writer. The returned id is used to remove it.
func (r *Reporter) Add(conn Conn) string {
	o := &observer{
		id:   uuid.NewString(),
		conn: conn,
		send: make(chan []byte, r.queueSize),
		done: make(chan struct{}),
	}

	r.mu.Lock()
	r.observers[o.id] = o
	n := len(r.observers)
	r.mu.Unlock()

	r.metrics.SetObservers(n)
	r.log.Info().Str("observer_id", o.id).Int("observers", n).Msg("observer connected")

	go r.writeLoop(o)
	return o.id
}

func (r *Reporter) Remove(id string) {
	r.remove(id, nil)
}

func (r *Reporter) remove(id string, cause error) {
	r.mu.Lock()
	o, ok := r.observers[id]
	if ok {
		delete(r.observers, id)
	}
	n := len(r.observers)
	r.mu.Unlock()
	if !ok {
		return
	}

	o.once.Do(func() {
		close(o.done)
		_ = o.conn.Close()
	})
	r.metrics.SetObservers(n)

	if cause != nil {
		r.metrics.IncPruned()
		r.log.Warn().Err(cause).Str("observer_id", id).Int("observers", n).Msg("observer pruned")
		return
	}
	r.log.Info().Str("observer_id", id).Int("observers", n).Msg("observer disconnected")
}

func (r *Reporter) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.observers)
}

// Report delivers one verdict to all observers.
func (r *Reporter) Report(v fieldop.Verdict) error {
	msg := verdict.ToMessage(v)
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal verdict: %w", err)
	}
	r.metrics.IncVerdict(msg.Type, string(msg.Status))
	r.Publish(data)
	return nil
}

// Publish enqueues data for every observer without waiting for delivery. An
// observer whose queue is full is pruned.
func (r *Reporter) Publish(data []byte) {
	r.mu.RLock()
	targets := make([]*observer, 0, len(r.observers))
	for _, o := range r.observers {
		targets = append(targets, o)
	}
	r.mu.RUnlock()

	for _, o := range targets {
		if !r.enqueue(o, data) {
			r.remove(o.id, fmt.Errorf("send queue full (%d)", r.queueSize))
		}
	}
}

// Send enqueues data for a single observer.
func (r *Reporter) Send(id string, data []byte) bool {
	r.mu.RLock()
	o, ok := r.observers[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	if !r.enqueue(o, data) {
		r.remove(o.id, fmt.Errorf("send queue full (%d)", r.queueSize))
		return false
	}
	return true
}

func (r *Reporter) enqueue(o *observer, data []byte) bool {
	select {
	case <-o.done:
		return true
	default:
	}
	select {
	case o.send <- data:
		return true
	case <-o.done:
		return true
	default:
		return false
	}
}

func (r *Reporter) writeLoop(o *observer) {
	for {
		select {
		case <-o.done:
			return
		case data := <-o.send:
			if err := o.conn.WriteMessage(data); err != nil {
				r.remove(o.id, err)
				return
			}
		}
	}
}

// Close disconnects every observer.
func (r *Reporter) Close() {
	r.mu.RLock()
	ids := make([]string, 0, len(r.observers))
	for id := range r.observers {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	for _, id := range ids {
		r.Remove(id)
	}
}
