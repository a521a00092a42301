package rule

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

type Type string

const (
	TypeThreshold Type = "threshold"
	TypeRange     Type = "range"
	TypePattern   Type = "pattern"
)

type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities, 0 for unknown values.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelWebhook Channel = "webhook"
	ChannelSlack   Channel = "slack"
	ChannelDiscord Channel = "discord"
)

func (c Channel) valid() bool {
	switch c {
	case ChannelEmail, ChannelWebhook, ChannelSlack, ChannelDiscord:
		return true
	}
	return false
}

type Operator string

const (
	OpGreater      Operator = ">"
	OpLess         Operator = "<"
	OpGreaterEqual Operator = ">="
	OpLessEqual    Operator = "<="
	OpEqual        Operator = "=="
	OpNotEqual     Operator = "!="
)

// Compare applies the operator as "v op limit".
func (o Operator) Compare(v, limit float64) bool {
	switch o {
	case OpGreater:
		return v > limit
	case OpLess:
		return v < limit
	case OpGreaterEqual:
		return v >= limit
	case OpLessEqual:
		return v <= limit
	case OpEqual:
		return v == limit
	case OpNotEqual:
		return v != limit
	}
	return false
}

func (o Operator) valid() bool {
	switch o {
	case OpGreater, OpLess, OpGreaterEqual, OpLessEqual, OpEqual, OpNotEqual:
		return true
	}
	return false
}

type Threshold struct {
	Operator Operator `json:"operator" yaml:"operator"`
	Limit    float64  `json:"limit" yaml:"limit"`
}

// Range triggers on values outside [Min, Max].
type Range struct {
	Min float64 `json:"min" yaml:"min"`
	Max float64 `json:"max" yaml:"max"`
}

type Pattern struct {
	Tag      string `json:"tag" yaml:"tag"`
	MinCount int    `json:"min_count" yaml:"minCount"`
}

// Parameters holds exactly one variant, the one named by AlertRule.Type.
type Parameters struct {
	Threshold *Threshold `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Range     *Range     `json:"range,omitempty" yaml:"range,omitempty"`
	Pattern   *Pattern   `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

type AlertRule struct {
	ID              string             `json:"id" yaml:"id"`
	Name            string             `json:"name" yaml:"name"`
	Description     string             `json:"description,omitempty" yaml:"description"`
	Type            Type               `json:"type" yaml:"type"`
	Field           string             `json:"field,omitempty" yaml:"field"`
	Parameters      Parameters         `json:"parameters" yaml:"parameters"`
	WindowSeconds   int                `json:"window_seconds" yaml:"windowSeconds"`
	Filters         map[string]string  `json:"filters,omitempty" yaml:"filters"`
	Severity        Severity           `json:"severity" yaml:"severity"`
	CooldownSeconds int                `json:"cooldown_seconds" yaml:"cooldownSeconds"`
	Channels        []Channel          `json:"channels" yaml:"channels"`
	Targets         map[Channel]string `json:"targets,omitempty" yaml:"targets"`
	Priority        int                `json:"priority" yaml:"priority"`
	Enabled         bool               `json:"enabled" yaml:"enabled"`
	CreatedAt       time.Time          `json:"created_at" yaml:"-"`
	UpdatedAt       time.Time          `json:"updated_at" yaml:"-"`
	LastTriggeredAt *time.Time         `json:"last_triggered_at" yaml:"-"`
	TriggerCount    int64              `json:"trigger_count" yaml:"-"`
}

func (r AlertRule) Window() time.Duration {
	return time.Duration(r.WindowSeconds) * time.Second
}

func (r AlertRule) Cooldown() time.Duration {
	return time.Duration(r.CooldownSeconds) * time.Second
}

var (
	ErrNotFound = errors.New("rule not found")
	ErrConflict = errors.New("rule name already exists")
)

type FieldError struct {
	Field   string `json:"field"`
	Problem string `json:"problem"`
}

// ValidationError lists every problem found in a rule definition.
type ValidationError struct {
	Details []FieldError `json:"details"`
}

func (e *ValidationError) Error() string {
	parts := make([]string, 0, len(e.Details))
	for _, d := range e.Details {
		parts = append(parts, d.Field+": "+d.Problem)
	}
	return "invalid rule: " + strings.Join(parts, "; ")
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Details = append(e.Details, FieldError{Field: field, Problem: fmt.Sprintf(format, args...)})
}

// Validate checks the rule's shape. It returns a *ValidationError or nil.
func (r AlertRule) Validate() error {
	v := &ValidationError{}
	if strings.TrimSpace(r.Name) == "" {
		v.add("name", "required")
	}
	if r.WindowSeconds <= 0 {
		v.add("window_seconds", "must be > 0")
	}
	if r.CooldownSeconds < 0 {
		v.add("cooldown_seconds", "must be >= 0")
	}
	if r.Severity.Rank() == 0 {
		v.add("severity", "unknown severity %q", r.Severity)
	}
	if r.Enabled && len(r.Channels) == 0 {
		v.add("channels", "at least one channel required when enabled")
	}
	for _, c := range r.Channels {
		if !c.valid() {
			v.add("channels", "unknown channel %q", c)
		}
	}
	for c := range r.Targets {
		if !c.valid() {
			v.add("targets", "unknown channel %q", c)
		}
	}
	r.validateParameters(v)
	if len(v.Details) > 0 {
		return v
	}
	return nil
}

func (r AlertRule) validateParameters(v *ValidationError) {
	p := r.Parameters
	set := 0
	for _, ok := range []bool{p.Threshold != nil, p.Range != nil, p.Pattern != nil} {
		if ok {
			set++
		}
	}
	if set > 1 {
		v.add("parameters", "exactly one parameter variant may be set")
	}

	switch r.Type {
	case TypeThreshold:
		if p.Threshold == nil {
			v.add("parameters.threshold", "required for threshold rules")
			return
		}
		if !p.Threshold.Operator.valid() {
			v.add("parameters.threshold.operator", "unknown operator %q", p.Threshold.Operator)
		}
		if r.Field == "" {
			v.add("field", "required for threshold rules")
		}
	case TypeRange:
		if p.Range == nil {
			v.add("parameters.range", "required for range rules")
			return
		}
		if p.Range.Min >= p.Range.Max {
			v.add("parameters.range", "min must be < max")
		}
		if r.Field == "" {
			v.add("field", "required for range rules")
		}
	case TypePattern:
		if p.Pattern == nil {
			v.add("parameters.pattern", "required for pattern rules")
			return
		}
		if strings.TrimSpace(p.Pattern.Tag) == "" {
			v.add("parameters.pattern.tag", "required")
		}
		if p.Pattern.MinCount < 1 {
			v.add("parameters.pattern.min_count", "must be >= 1")
		}
	default:
		v.add("type", "unknown rule type %q", r.Type)
	}
}
