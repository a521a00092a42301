package history

import (
	"context"
	"sync"
	"time"

	"telemetry-alert/internal/alert"
	"telemetry-alert/internal/logging"
)

const appendTimeout = 5 * time.Second

// Recorder appends events off the evaluation path. Record never blocks:
// when the queue is full the event is dropped and logged.
type Recorder struct {
	store Store
	queue chan alert.Event

	closeOnce sync.Once
	closed    chan struct{}
	done      chan struct{}
}

func NewRecorder(store Store, buffer int) *Recorder {
	if buffer <= 0 {
		buffer = 256
	}
	return &Recorder{
		store:  store,
		queue:  make(chan alert.Event, buffer),
		closed: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

func (r *Recorder) Record(ev alert.Event) {
	select {
	case <-r.closed:
		logging.Warnf("history closed, event %s for rule %s not recorded", ev.ID, ev.RuleName)
		return
	default:
	}
	select {
	case r.queue <- ev:
	default:
		logging.Errorf("history queue full, event %s for rule %s dropped", ev.ID, ev.RuleName)
	}
}

// Run writes queued events until ctx ends or Close is called, then drains what is left.
func (r *Recorder) Run(ctx context.Context) {
	defer close(r.done)
	for {
		select {
		case ev := <-r.queue:
			r.write(ev)
		case <-ctx.Done():
			r.drain()
			return
		case <-r.closed:
			r.drain()
			return
		}
	}
}

func (r *Recorder) drain() {
	for {
		select {
		case ev := <-r.queue:
			r.write(ev)
		default:
			return
		}
	}
}

func (r *Recorder) write(ev alert.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), appendTimeout)
	defer cancel()
	if err := r.store.Append(ctx, ev); err != nil {
		logging.Errorf("record event %s for rule %s: %v", ev.ID, ev.RuleName, err)
	}
}

// Close stops accepting events and waits for Run to flush the queue.
func (r *Recorder) Close(ctx context.Context) error {
	r.closeOnce.Do(func() { close(r.closed) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *Recorder) List(ctx context.Context, ruleID string, limit int) ([]alert.Event, error) {
	return r.store.List(ctx, ruleID, limit)
}

func (r *Recorder) StatsFor(ctx context.Context, ruleID string) (Stats, error) {
	events, err := r.store.List(ctx, ruleID, 0)
	if err != nil {
		return Stats{}, err
	}
	return Summarize(events), nil
}
