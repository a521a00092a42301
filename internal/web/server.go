package web

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"telemetry-alert/internal/alert"
	"telemetry-alert/internal/config"
	"telemetry-alert/internal/cooldown"
	"telemetry-alert/internal/eventbus"
	"telemetry-alert/internal/history"
	"telemetry-alert/internal/logging"
	"telemetry-alert/internal/metrics"
	"telemetry-alert/internal/rule"
	"telemetry-alert/internal/telemetry"
)

type Previewer interface {
	Preview(ctx context.Context, r rule.AlertRule) (alert.Preview, error)
}

type HistoryReader interface {
	List(ctx context.Context, ruleID string, limit int) ([]alert.Event, error)
	StatsFor(ctx context.Context, ruleID string) (history.Stats, error)
}

// Deps are the services behind the HTTP API. Hub and Metrics are optional.
type Deps struct {
	Rules     rule.Store
	Evaluator Previewer
	History   HistoryReader
	Telemetry telemetry.Source
	Cooldowns *cooldown.Tracker
	Publisher eventbus.Publisher
	Hub       http.Handler
	Metrics   *metrics.Metrics
}

// Server 提供规则管理 API、实时推送入口、健康检查与指标。
type Server struct {
	cfg  config.WebConfig
	deps Deps
	keys map[string]Role
	http *http.Server
}

func NewServer(cfg config.WebConfig, d Deps) *Server {
	if d.Publisher == nil {
		d.Publisher = eventbus.Nop{}
	}
	s := &Server{cfg: cfg, deps: d, keys: make(map[string]Role)}
	for _, k := range cfg.APIKeys {
		role, ok := parseRole(k.Role)
		if !ok {
			logging.Warnf("api key with unknown role %q ignored", k.Role)
			continue
		}
		s.keys[k.Key] = role
	}
	if len(s.keys) == 0 {
		logging.Warnf("no api keys configured, the HTTP API is open")
	}
	addr := cfg.Listen
	if addr == "" {
		addr = ":8080"
	}
	s.http = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handler builds the router with its middleware chain.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.Use(recoverMiddleware, logMiddleware)

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.deps.Metrics != nil {
		r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	}

	authed := r.NewRoute().Subrouter()
	authed.Use(s.authMiddleware)
	if s.deps.Hub != nil {
		authed.Handle("/ws/monitoring", require(RoleViewer, s.deps.Hub))
	}

	api := authed.PathPrefix("/api").Subrouter()
	api.Handle("/rules", require(RoleViewer, http.HandlerFunc(s.listRules))).Methods(http.MethodGet)
	api.Handle("/rules", require(RoleEditor, http.HandlerFunc(s.createRule))).Methods(http.MethodPost)
	api.Handle("/rules/stats", require(RoleViewer, http.HandlerFunc(s.rulesSummary))).Methods(http.MethodGet)
	api.Handle("/rules/{id}", require(RoleViewer, http.HandlerFunc(s.getRule))).Methods(http.MethodGet)
	api.Handle("/rules/{id}", require(RoleEditor, http.HandlerFunc(s.updateRule))).Methods(http.MethodPut)
	api.Handle("/rules/{id}", require(RoleAdmin, http.HandlerFunc(s.deleteRule))).Methods(http.MethodDelete)
	api.Handle("/rules/{id}/toggle", require(RoleEditor, http.HandlerFunc(s.toggleRule))).Methods(http.MethodPost)
	api.Handle("/rules/{id}/test", require(RoleEditor, http.HandlerFunc(s.testRule))).Methods(http.MethodPost)
	api.Handle("/rules/{id}/history", require(RoleViewer, http.HandlerFunc(s.ruleHistory))).Methods(http.MethodGet)
	api.Handle("/rules/{id}/stats", require(RoleViewer, http.HandlerFunc(s.ruleStats))).Methods(http.MethodGet)
	api.Handle("/logs/recent", require(RoleViewer, http.HandlerFunc(s.recentLogs))).Methods(http.MethodGet)
	return r
}

// Start 在配置的监听地址上启动 HTTP 服务（阻塞调用），Shutdown 后返回 nil。
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		logging.Infof("web server disabled (web.enabled=false)")
		return nil
	}
	logging.Infof("web server listening on %s", s.http.Addr)
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
