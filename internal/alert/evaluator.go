package alert

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"telemetry-alert/internal/cooldown"
	"telemetry-alert/internal/eventbus"
	"telemetry-alert/internal/logging"
	"telemetry-alert/internal/metrics"
	"telemetry-alert/internal/rule"
	"telemetry-alert/internal/telemetry"
)

type Telemetry interface {
	Query(ctx context.Context, q telemetry.Query) (telemetry.Result, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, r rule.AlertRule, ev Event) map[rule.Channel]ChannelResult
}

// Recorder must not block; failures are its own to log.
type Recorder interface {
	Record(ev Event)
}

type Broadcaster interface {
	PushCritical(ev Event)
}

// Deps are the collaborators of the evaluator. Rules, Telemetry, Cooldowns
// and Dispatcher are required.
type Deps struct {
	Rules       rule.Store
	Telemetry   Telemetry
	Cooldowns   *cooldown.Tracker
	Dispatcher  Dispatcher
	History     Recorder
	Broadcaster Broadcaster
	Publisher   eventbus.Publisher
	Metrics     *metrics.Metrics
}

type Options struct {
	Workers    int
	MaxPoints  int
	SampleSize int
	Now        func() time.Time
}

type Evaluator struct {
	Deps
	workers    int
	maxPoints  int
	sampleSize int
	now        func() time.Time
}

func NewEvaluator(d Deps, o Options) (*Evaluator, error) {
	if d.Rules == nil || d.Telemetry == nil || d.Cooldowns == nil || d.Dispatcher == nil {
		return nil, errors.New("evaluator: rules, telemetry, cooldowns and dispatcher are required")
	}
	if d.Publisher == nil {
		d.Publisher = eventbus.Nop{}
	}
	e := &Evaluator{
		Deps:       d,
		workers:    o.Workers,
		maxPoints:  o.MaxPoints,
		sampleSize: o.SampleSize,
		now:        o.Now,
	}
	if e.workers <= 0 {
		e.workers = 4
	}
	if e.sampleSize <= 0 {
		e.sampleSize = 5
	}
	if e.now == nil {
		e.now = time.Now
	}
	return e, nil
}

// EvaluateAll runs one tick over every active rule and returns the events it produced.
func (e *Evaluator) EvaluateAll(ctx context.Context) []Event {
	start := time.Now()
	defer func() { e.Metrics.ObserveTick(time.Since(start)) }()

	rules, err := e.Rules.ListActive(ctx)
	if err != nil {
		logging.Errorf("list active rules: %v", err)
		return nil
	}
	now := e.now()

	var (
		mu     sync.Mutex
		events []Event
		g      errgroup.Group
	)
	g.SetLimit(e.workers)
	for i := range rules {
		r := rules[i]
		g.Go(func() error {
			ev := e.executeRule(ctx, r, now)
			if ev != nil {
				mu.Lock()
				events = append(events, *ev)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	logging.Debugf("evaluation tick done: rules=%d events=%d took=%s", len(rules), len(events), time.Since(start))
	return events
}

func (e *Evaluator) executeRule(ctx context.Context, r rule.AlertRule, now time.Time) (ev *Event) {
	defer func() {
		if rec := recover(); rec != nil {
			logging.Errorf("panic in rule %s (%s): %v", r.Name, r.ID, rec)
			e.Metrics.Evaluation("error")
			ev = nil
		}
	}()

	m, matched, err := e.match(ctx, r, now)
	if err != nil {
		logging.Errorf("rule %s query error: %v", r.Name, err)
		e.Metrics.Evaluation("error")
		return nil
	}
	if !matched {
		e.Metrics.Evaluation("no_match")
		return nil
	}
	e.Metrics.Evaluation("match")

	// the rule may have been disabled or deleted while the query ran
	cur, err := e.Rules.Get(ctx, r.ID)
	if err != nil || !cur.Enabled {
		if err != nil && !errors.Is(err, rule.ErrNotFound) {
			logging.Errorf("rule %s reload error: %v", r.Name, err)
		}
		e.Metrics.Suppressed("disabled")
		return nil
	}

	if !e.Cooldowns.TryTrigger(r.ID, r.Cooldown(), now, m.Newest) {
		logging.Debugf("rule %s matched %d points but is in cooldown or has no new data", r.Name, m.Total)
		e.Metrics.Suppressed("cooldown")
		return nil
	}

	event := Event{
		ID:           uuid.NewString(),
		RuleID:       r.ID,
		RuleName:     r.Name,
		RuleType:     r.Type,
		Severity:     r.Severity,
		TriggeredAt:  now.UTC(),
		MatchedCount: m.Total,
		Aggregate:    m.Aggregate(),
		Samples:      m.Samples(e.sampleSize),
	}
	event.ChannelResults = e.Dispatcher.Dispatch(ctx, r, event)
	e.Metrics.Triggered(string(r.Severity))
	logging.WithFields(map[string]any{
		"rule_id":   r.ID,
		"severity":  r.Severity,
		"matched":   event.MatchedCount,
		"delivered": event.Delivered(),
		"channels":  len(event.ChannelResults),
	}).Infof("rule %s triggered", r.Name)

	if err := e.Rules.UpdateTriggerStats(ctx, r.ID, now); err != nil {
		logging.Errorf("rule %s update trigger stats: %v", r.Name, err)
	}
	if e.History != nil {
		e.History.Record(event)
	}
	if e.Broadcaster != nil && event.Severity == rule.SeverityCritical {
		e.Broadcaster.PushCritical(event)
	}
	if err := e.Publisher.Publish(ctx, eventbus.SubjectAlertTriggered, event); err != nil {
		logging.Errorf("publish alert for rule %s: %v", r.Name, err)
	}
	return &event
}

func (e *Evaluator) match(ctx context.Context, r rule.AlertRule, now time.Time) (Match, bool, error) {
	res, err := e.Telemetry.Query(ctx, telemetry.Query{
		Filters: r.Filters,
		Where:   Predicate(r),
		From:    now.Add(-r.Window()),
		To:      now,
		Size:    e.maxPoints,
	})
	if err != nil {
		return Match{}, false, err
	}
	m, ok := evaluateResult(r, res)
	return m, ok, nil
}

// Preview is the dry-run outcome of a rule against current telemetry.
type Preview struct {
	Matched   bool               `json:"matched"`
	Count     int                `json:"count"`
	Aggregate Aggregate          `json:"aggregate"`
	Samples   []telemetry.Record `json:"samples"`
}

// Preview evaluates r without cooldown, notifications or history.
func (e *Evaluator) Preview(ctx context.Context, r rule.AlertRule) (Preview, error) {
	if err := r.Validate(); err != nil {
		return Preview{}, err
	}
	m, ok, err := e.match(ctx, r, e.now())
	if err != nil {
		return Preview{}, fmt.Errorf("query telemetry: %w", err)
	}
	return Preview{
		Matched:   ok,
		Count:     m.Total,
		Aggregate: m.Aggregate(),
		Samples:   m.Samples(e.sampleSize),
	}, nil
}

// SeedCooldowns restores cooldown state from the rules' last trigger times.
func (e *Evaluator) SeedCooldowns(ctx context.Context) error {
	rules, err := e.Rules.List(ctx)
	if err != nil {
		return err
	}
	for _, r := range rules {
		if r.LastTriggeredAt != nil {
			e.Cooldowns.Seed(r.ID, *r.LastTriggeredAt)
		}
	}
	return nil
}
