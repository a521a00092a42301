package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"telemetry-alert/internal/eventbus"
	"telemetry-alert/internal/logging"
	"telemetry-alert/internal/rule"
)

const (
	maxBodyBytes = 1 << 20

	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
	defaultRecentLimit  = 10
	maxRecentLimit      = 100
)

// ruleEvent 规则变更通知的消息体
type ruleEvent struct {
	RuleID  string          `json:"rule_id"`
	Name    string          `json:"name,omitempty"`
	Rule    *rule.AlertRule `json:"rule,omitempty"`
	Actor   string          `json:"actor"`
	EventAt time.Time       `json:"event_at"`
}

func (e ruleEvent) EventKey() string { return e.RuleID }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.Warnf("write response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

// writeStoreError maps rule store errors onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	var verr *rule.ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid rule", "details": verr.Details})
	case errors.Is(err, rule.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, rule.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	default:
		logging.Errorf("rule store: %v", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func decodeRule(w http.ResponseWriter, r *http.Request) (rule.AlertRule, bool) {
	var ar rule.AlertRule
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&ar); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return ar, false
	}
	return ar, true
}

func queryLimit(r *http.Request, def, limit int) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 {
		return def
	}
	if n > limit {
		return limit
	}
	return n
}

func (s *Server) publish(r *http.Request, subject string, ar rule.AlertRule, full bool) {
	ev := ruleEvent{RuleID: ar.ID, Name: ar.Name, Actor: roleFrom(r.Context()).String(), EventAt: time.Now().UTC()}
	if full {
		ev.Rule = &ar
	}
	if err := s.deps.Publisher.Publish(r.Context(), subject, ev); err != nil {
		logging.Warnf("publish %s for rule %s: %v", subject, ar.ID, err)
	}
}

func (s *Server) listRules(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Rules.List(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rules": rules, "total": len(rules)})
}

func (s *Server) rulesSummary(w http.ResponseWriter, r *http.Request) {
	rules, err := s.deps.Rules.List(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rule.Summarize(rules))
}

func (s *Server) createRule(w http.ResponseWriter, r *http.Request) {
	ar, ok := decodeRule(w, r)
	if !ok {
		return
	}
	// ID 由服务端分配
	ar.ID = ""
	if err := s.deps.Rules.Save(r.Context(), &ar); err != nil {
		writeStoreError(w, err)
		return
	}
	logging.Infof("rule created: %s (%s)", ar.Name, ar.ID)
	s.publish(r, eventbus.SubjectRuleCreated, ar, true)
	writeJSON(w, http.StatusCreated, ar)
}

func (s *Server) getRule(w http.ResponseWriter, r *http.Request) {
	ar, err := s.deps.Rules.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ar)
}

func (s *Server) updateRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.deps.Rules.Get(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	ar, ok := decodeRule(w, r)
	if !ok {
		return
	}
	ar.ID = id
	if err := s.deps.Rules.Save(r.Context(), &ar); err != nil {
		writeStoreError(w, err)
		return
	}
	logging.Infof("rule updated: %s (%s)", ar.Name, ar.ID)
	s.publish(r, eventbus.SubjectRuleUpdated, ar, true)
	writeJSON(w, http.StatusOK, ar)
}

func (s *Server) deleteRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ar, err := s.deps.Rules.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.deps.Rules.Delete(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	if s.deps.Cooldowns != nil {
		s.deps.Cooldowns.Forget(id)
	}
	logging.Infof("rule deleted: %s (%s)", ar.Name, id)
	s.publish(r, eventbus.SubjectRuleDeleted, ar, false)
	writeJSON(w, http.StatusOK, map[string]string{"message": "rule deleted", "id": id})
}

// toggleRule 请求体 {"enabled": bool} 可选，缺省时取反
func (s *Server) toggleRule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	ar, err := s.deps.Rules.Get(r.Context(), id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return
	}
	enabled := !ar.Enabled
	if body.Enabled != nil {
		enabled = *body.Enabled
	}
	if err := s.deps.Rules.SetEnabled(r.Context(), id, enabled); err != nil {
		writeStoreError(w, err)
		return
	}
	ar.Enabled = enabled
	subject := eventbus.SubjectRuleDisabled
	if enabled {
		subject = eventbus.SubjectRuleEnabled
	}
	s.publish(r, subject, ar, false)
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "enabled": enabled})
}

func (s *Server) testRule(w http.ResponseWriter, r *http.Request) {
	if s.deps.Evaluator == nil {
		writeError(w, http.StatusServiceUnavailable, "evaluator not available")
		return
	}
	ar, err := s.deps.Rules.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeStoreError(w, err)
		return
	}
	p, err := s.deps.Evaluator.Preview(r.Context(), ar)
	if err != nil {
		var verr *rule.ValidationError
		if errors.As(err, &verr) {
			writeStoreError(w, err)
			return
		}
		logging.Errorf("test rule %s: %v", ar.ID, err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) ruleHistory(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.deps.Rules.Get(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	events, err := s.deps.History.List(r.Context(), id, queryLimit(r, defaultHistoryLimit, maxHistoryLimit))
	if err != nil {
		logging.Errorf("history for rule %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"rule_id": id, "events": events, "total": len(events)})
}

func (s *Server) ruleStats(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if _, err := s.deps.Rules.Get(r.Context(), id); err != nil {
		writeStoreError(w, err)
		return
	}
	st, err := s.deps.History.StatsFor(r.Context(), id)
	if err != nil {
		logging.Errorf("stats for rule %s: %v", id, err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) recentLogs(w http.ResponseWriter, r *http.Request) {
	if s.deps.Telemetry == nil {
		writeError(w, http.StatusServiceUnavailable, "telemetry not available")
		return
	}
	recs, err := s.deps.Telemetry.Recent(r.Context(), queryLimit(r, defaultRecentLimit, maxRecentLimit))
	if err != nil {
		logging.Errorf("recent logs: %v", err)
		writeError(w, http.StatusBadGateway, "could not fetch recent logs")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"logs": recs, "count": len(recs)})
}
