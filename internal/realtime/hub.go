// Package realtime pushes live statistics, new telemetry and critical alerts
// to dashboard clients over WebSocket.
package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"telemetry-alert/internal/alert"
	"telemetry-alert/internal/logging"
	"telemetry-alert/internal/metrics"
	"telemetry-alert/internal/telemetry"
)

const (
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	readLimit  = 4096

	// new_logs 单次推送上限
	maxNewLogs = 100
	// 设备告警每次最多转发 10 条
	maxCriticalAlerts = 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// origin 校验交给反向代理
	CheckOrigin: func(r *http.Request) bool { return true },
}

type Options struct {
	SendBuffer   int
	WriteTimeout time.Duration
	RecentLimit  int
	MaxRecent    int
	Metrics      *metrics.Metrics
}

// Hub owns the set of connected clients. Inbound commands are applied by Run;
// fan-out never blocks on a client: a full queue disconnects it.
type Hub struct {
	source   telemetry.Source
	opts     Options
	commands chan command

	mu      sync.RWMutex
	clients map[*client]bool // value: subscribed

	tickMu    sync.Mutex
	lastSeen  time.Time
	lastAlert time.Time
}

func NewHub(source telemetry.Source, o Options) *Hub {
	if o.SendBuffer <= 0 {
		o.SendBuffer = 16
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.RecentLimit <= 0 {
		o.RecentLimit = 10
	}
	if o.MaxRecent <= 0 {
		o.MaxRecent = 100
	}
	now := time.Now().UTC()
	return &Hub{
		source:    source,
		opts:      o,
		commands:  make(chan command, 64),
		clients:   make(map[*client]bool),
		lastSeen:  now,
		lastAlert: now,
	}
}

// ServeHTTP upgrades the request and serves the client until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := newClient(conn, h.opts.SendBuffer)
	h.add(c)
	defer h.remove(c)

	c.enqueue(mustEncode(EventConnection, messageData{Message: "connected"}))
	go c.writePump(h.opts.WriteTimeout, func() { h.drop(c) })
	h.readPump(c)
}

// Run applies client commands until ctx ends, then disconnects everyone.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case cmd := <-h.commands:
			h.handle(ctx, cmd)
		}
	}
}

func (h *Hub) handle(ctx context.Context, cmd command) {
	c := cmd.client
	switch cmd.kind {
	case cmdSubscribe:
		if !h.setSubscribed(c, true) {
			return
		}
		c.enqueue(mustEncode(EventConnection, messageData{Message: "subscribed to realtime monitoring"}))
		go h.sendStats(ctx, c)
	case cmdUnsubscribe:
		if !h.setSubscribed(c, false) {
			return
		}
		c.enqueue(mustEncode(EventConnection, messageData{Message: "unsubscribed from realtime monitoring"}))
	case cmdRecent:
		go h.sendRecent(ctx, c, h.clampLimit(cmd.limit))
	case cmdInvalid:
		c.enqueue(mustEncode(EventError, messageData{Message: cmd.err}))
	}
}

func (h *Hub) clampLimit(n int) int {
	if n <= 0 {
		return h.opts.RecentLimit
	}
	if n > h.opts.MaxRecent {
		return h.opts.MaxRecent
	}
	return n
}

func (h *Hub) sendStats(ctx context.Context, c *client) {
	snap, err := h.source.Snapshot(ctx)
	if err != nil {
		logging.Warnf("initial stats for subscriber: %v", err)
		return
	}
	if !c.enqueue(mustEncode(EventStats, snap)) {
		h.drop(c)
	}
}

func (h *Hub) sendRecent(ctx context.Context, c *client, limit int) {
	recs, err := h.source.Recent(ctx, limit)
	if err != nil {
		logging.Errorf("recent logs: %v", err)
		c.enqueue(mustEncode(EventError, messageData{Message: "could not fetch recent logs"}))
		return
	}
	if recs == nil {
		recs = []telemetry.Record{}
	}
	if !c.enqueue(mustEncode(EventRecentLogs, logsData{Count: len(recs), Logs: recs})) {
		h.drop(c)
	}
}

// BroadcastStats pushes one stats snapshot, plus the records and device
// alerts that arrived since the previous tick, to every subscriber. Nothing
// is queried while nobody is subscribed.
func (h *Hub) BroadcastStats(ctx context.Context) {
	if h.Subscribers() == 0 {
		return
	}

	h.tickMu.Lock()
	since := h.lastSeen
	h.tickMu.Unlock()
	recs, err := h.source.Since(ctx, since, maxNewLogs)
	if err != nil {
		logging.Warnf("new logs since %s: %v", since.Format(time.RFC3339), err)
	} else if len(recs) > 0 {
		h.tickMu.Lock()
		h.lastSeen = newestOf(since, recs)
		h.tickMu.Unlock()
		now := time.Now().UTC()
		h.broadcast(mustEncode(EventNewLogs, logsData{Count: len(recs), Logs: recs, Timestamp: &now}))
	}

	h.forwardDeviceAlerts(ctx)

	snap, err := h.source.Snapshot(ctx)
	if err != nil {
		logging.Errorf("stats snapshot: %v", err)
		return
	}
	h.broadcast(mustEncode(EventStats, snap))
}

// forwardDeviceAlerts pushes critical/high severity documents from the alerts
// index that are newer than the previous check.
func (h *Hub) forwardDeviceAlerts(ctx context.Context) {
	h.tickMu.Lock()
	since := h.lastAlert
	h.tickMu.Unlock()
	recs, err := h.source.CriticalSince(ctx, since, maxCriticalAlerts)
	if err != nil {
		logging.Warnf("device alerts since %s: %v", since.Format(time.RFC3339), err)
		return
	}
	if len(recs) == 0 {
		return
	}
	h.tickMu.Lock()
	h.lastAlert = newestOf(since, recs)
	h.tickMu.Unlock()

	alerts := make([]any, 0, len(recs))
	for _, r := range recs {
		alerts = append(alerts, deviceAlert{Record: r, Source: sourceElasticsearch})
	}
	h.broadcast(mustEncode(EventCritical, criticalData{
		Count:     len(alerts),
		Alerts:    alerts,
		Timestamp: time.Now().UTC(),
	}))
}

// PushCritical delivers a critical rule event to every subscriber right away.
func (h *Hub) PushCritical(ev alert.Event) {
	h.broadcast(mustEncode(EventCritical, criticalData{
		Count:           1,
		Alerts:          []any{ev},
		HasRuleTriggers: true,
		Timestamp:       time.Now().UTC(),
	}))
}

func newestOf(since time.Time, recs []telemetry.Record) time.Time {
	newest := since
	for _, r := range recs {
		if r.Timestamp.After(newest) {
			newest = r.Timestamp
		}
	}
	return newest
}

func (h *Hub) broadcast(data []byte) {
	if data == nil {
		return
	}
	h.mu.RLock()
	targets := make([]*client, 0, len(h.clients))
	for c, subscribed := range h.clients {
		if subscribed {
			targets = append(targets, c)
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(data) {
			logging.Warnf("realtime client %s too slow, disconnecting", c.addr)
			h.drop(c)
		}
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, s := range h.clients {
		if s {
			n++
		}
	}
	return n
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	clients := h.clients
	h.clients = make(map[*client]bool)
	h.mu.Unlock()
	for c := range clients {
		c.close()
	}
	h.opts.Metrics.SetSubscribers(0)
}

func (h *Hub) add(c *client) {
	h.mu.Lock()
	h.clients[c] = false
	h.mu.Unlock()
	logging.Debugf("realtime client connected: %s", c.addr)
}

// remove unregisters c; it reports whether c was still registered.
func (h *Hub) remove(c *client) bool {
	h.mu.Lock()
	_, ok := h.clients[c]
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
	if ok {
		h.opts.Metrics.SetSubscribers(h.Subscribers())
		logging.Debugf("realtime client disconnected: %s", c.addr)
	}
	return ok
}

func (h *Hub) drop(c *client) {
	if h.remove(c) {
		h.opts.Metrics.ClientDropped()
	}
}

func (h *Hub) setSubscribed(c *client, on bool) bool {
	h.mu.Lock()
	_, ok := h.clients[c]
	if ok {
		h.clients[c] = on
	}
	h.mu.Unlock()
	if ok {
		h.opts.Metrics.SetSubscribers(h.Subscribers())
	}
	return ok
}

func (h *Hub) readPump(c *client) {
	c.conn.SetReadLimit(readLimit)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		cmd := parseCommand(c, raw)
		select {
		case h.commands <- cmd:
		case <-c.done:
			return
		}
	}
}

func mustEncode(event string, data any) []byte {
	b, err := json.Marshal(envelope{Event: event, Data: data})
	if err != nil {
		logging.Errorf("encode %s: %v", event, err)
		return nil
	}
	return b
}
