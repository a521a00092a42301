package notification

import (
	"context"
	"fmt"
	"sync"
	"time"

	"telemetry-alert/internal/alert"
	"telemetry-alert/internal/logging"
	"telemetry-alert/internal/metrics"
	"telemetry-alert/internal/rule"
)

type Options struct {
	// Timeout bounds one channel, retries included.
	Timeout time.Duration
	Retry   RetryPolicy
	Metrics *metrics.Metrics
}

// Dispatcher delivers an event on every channel of its rule concurrently.
// A failing channel never affects the others.
type Dispatcher struct {
	notifiers map[rule.Channel]Notifier
	timeout   time.Duration
	retry     RetryPolicy
	metrics   *metrics.Metrics
}

func NewDispatcher(notifiers map[rule.Channel]Notifier, o Options) *Dispatcher {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	if o.Retry.MaxRetries < 0 {
		o.Retry.MaxRetries = 0
	}
	return &Dispatcher{notifiers: notifiers, timeout: o.Timeout, retry: o.Retry, metrics: o.Metrics}
}

func (d *Dispatcher) Dispatch(ctx context.Context, r rule.AlertRule, ev alert.Event) map[rule.Channel]alert.ChannelResult {
	results := make(map[rule.Channel]alert.ChannelResult, len(r.Channels))
	seen := make(map[rule.Channel]bool, len(r.Channels))
	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	set := func(ch rule.Channel, res alert.ChannelResult) {
		mu.Lock()
		results[ch] = res
		mu.Unlock()
	}
	for _, ch := range r.Channels {
		if seen[ch] {
			continue
		}
		seen[ch] = true

		n, ok := d.notifiers[ch]
		if !ok {
			set(ch, alert.ChannelResult{Error: fmt.Sprintf("channel %s is not configured", ch)})
			d.metrics.Notification(string(ch), false, 0)
			logging.Warnf("rule %s: channel %s is not configured", r.Name, ch)
			continue
		}
		msg := Message{Rule: r, Event: ev, Target: r.Targets[ch]}
		wg.Add(1)
		go func(ch rule.Channel, n Notifier) {
			defer wg.Done()
			set(ch, d.deliver(ctx, n, msg))
		}(ch, n)
	}
	wg.Wait()
	return results
}

func (d *Dispatcher) deliver(ctx context.Context, n Notifier, msg Message) (res alert.ChannelResult) {
	ch := n.Channel()
	start := time.Now()
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()
	defer func() {
		if rec := recover(); rec != nil {
			res = alert.ChannelResult{Attempts: res.Attempts, Error: fmt.Sprintf("panic: %v", rec)}
			logging.Errorf("notifier %s panicked: %v", ch, rec)
		}
		d.metrics.Notification(string(ch), res.OK, time.Since(start))
	}()

	var err error
	for attempt := 0; ; attempt++ {
		res.Attempts++
		if err = n.Send(ctx, msg); err == nil {
			res.OK = true
			if attempt > 0 {
				logging.Infof("rule %s: %s delivered after %d attempts", msg.Rule.Name, ch, res.Attempts)
			}
			return res
		}
		if attempt >= d.retry.MaxRetries || !IsRetryable(err) || ctx.Err() != nil {
			break
		}
		wait := d.retry.Backoff(attempt)
		logging.Warnf("rule %s: %s attempt %d failed, retrying in %s: %v", msg.Rule.Name, ch, res.Attempts, wait, err)
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			err = fmt.Errorf("%w after: %v", ctx.Err(), err)
		case <-t.C:
			continue
		}
		break
	}
	res.Error = err.Error()
	logging.Errorf("rule %s: %s failed after %d attempts: %v", msg.Rule.Name, ch, res.Attempts, err)
	return res
}
