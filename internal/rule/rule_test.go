package rule

import (
	"errors"
	"testing"
)

func validThreshold() AlertRule {
	return AlertRule{
		Name:            "hot zone A",
		Type:            TypeThreshold,
		Field:           "value",
		Parameters:      Parameters{Threshold: &Threshold{Operator: OpGreater, Limit: 30}},
		WindowSeconds:   300,
		Filters:         map[string]string{"zone": "A", "sensor_type": "temperature"},
		Severity:        SeverityHigh,
		CooldownSeconds: 300,
		Channels:        []Channel{ChannelEmail, ChannelWebhook},
		Enabled:         true,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(r *AlertRule)
		wantField string
	}{
		{name: "valid threshold", mutate: func(r *AlertRule) {}},
		{
			name: "valid range",
			mutate: func(r *AlertRule) {
				r.Type = TypeRange
				r.Parameters = Parameters{Range: &Range{Min: 30, Max: 80}}
			},
		},
		{
			name: "valid pattern without field",
			mutate: func(r *AlertRule) {
				r.Type = TypePattern
				r.Field = ""
				r.Parameters = Parameters{Pattern: &Pattern{Tag: "anomaly", MinCount: 5}}
			},
		},
		{name: "empty name", mutate: func(r *AlertRule) { r.Name = " " }, wantField: "name"},
		{name: "zero window", mutate: func(r *AlertRule) { r.WindowSeconds = 0 }, wantField: "window_seconds"},
		{name: "negative cooldown", mutate: func(r *AlertRule) { r.CooldownSeconds = -1 }, wantField: "cooldown_seconds"},
		{name: "unknown severity", mutate: func(r *AlertRule) { r.Severity = "urgent" }, wantField: "severity"},
		{name: "enabled without channels", mutate: func(r *AlertRule) { r.Channels = nil }, wantField: "channels"},
		{name: "unknown channel", mutate: func(r *AlertRule) { r.Channels = []Channel{"sms"} }, wantField: "channels"},
		{
			name:      "bad operator",
			mutate:    func(r *AlertRule) { r.Parameters.Threshold.Operator = "=~" },
			wantField: "parameters.threshold.operator",
		},
		{
			name: "params do not match type",
			mutate: func(r *AlertRule) {
				r.Type = TypeRange
			},
			wantField: "parameters.range",
		},
		{
			name: "two variants set",
			mutate: func(r *AlertRule) {
				r.Parameters.Pattern = &Pattern{Tag: "x", MinCount: 1}
			},
			wantField: "parameters",
		},
		{
			name: "inverted range",
			mutate: func(r *AlertRule) {
				r.Type = TypeRange
				r.Parameters = Parameters{Range: &Range{Min: 80, Max: 30}}
			},
			wantField: "parameters.range",
		},
		{
			name: "pattern min count",
			mutate: func(r *AlertRule) {
				r.Type = TypePattern
				r.Parameters = Parameters{Pattern: &Pattern{Tag: "anomaly"}}
			},
			wantField: "parameters.pattern.min_count",
		},
		{name: "unknown type", mutate: func(r *AlertRule) { r.Type = "anomaly" }, wantField: "type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := validThreshold()
			tt.mutate(&r)
			err := r.Validate()
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v, want nil", err)
				}
				return
			}
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("Validate() error = %v, want *ValidationError", err)
			}
			found := false
			for _, d := range verr.Details {
				if d.Field == tt.wantField {
					found = true
				}
			}
			if !found {
				t.Errorf("Validate() details = %+v, want field %q", verr.Details, tt.wantField)
			}
		})
	}
}

func TestDisabledRuleMayHaveNoChannels(t *testing.T) {
	r := validThreshold()
	r.Enabled = false
	r.Channels = nil
	if err := r.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

func TestOperatorCompare(t *testing.T) {
	tests := []struct {
		op   Operator
		v    float64
		want bool
	}{
		{OpGreater, 35, true},
		{OpGreater, 30, false},
		{OpLess, 29, true},
		{OpGreaterEqual, 30, true},
		{OpLessEqual, 31, false},
		{OpEqual, 30, true},
		{OpNotEqual, 30, false},
		{"??", 30, false},
	}
	for _, tt := range tests {
		if got := tt.op.Compare(tt.v, 30); got != tt.want {
			t.Errorf("%v %s 30 = %v, want %v", tt.v, tt.op, got, tt.want)
		}
	}
}

func TestSummarize(t *testing.T) {
	rules := []AlertRule{
		{ID: "1", Name: "a", Severity: SeverityLow, Enabled: true, TriggerCount: 3},
		{ID: "2", Name: "b", Severity: SeverityCritical, Enabled: false, TriggerCount: 9},
		{ID: "3", Name: "c", Severity: SeverityCritical, Enabled: true},
	}
	s := Summarize(rules)
	if s.Total != 3 || s.Enabled != 2 || s.Disabled != 1 {
		t.Errorf("counts = %+v", s)
	}
	if s.BySeverity[SeverityCritical] != 2 {
		t.Errorf("critical = %d, want 2", s.BySeverity[SeverityCritical])
	}
	if len(s.TopTriggered) != 2 || s.TopTriggered[0].ID != "2" {
		t.Errorf("top = %+v", s.TopTriggered)
	}
}
