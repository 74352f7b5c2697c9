// Package relay implements the browser control relay: a loopback-only
// multiplexer between one upstream controller extension and many downstream
// debug-protocol clients.
//
// The upstream connects on /extension and carries the browser side of the
// protocol. Downstream clients connect on /cdp and speak the standard
// debug-protocol dialect; the relay serves target-management commands locally
// from its own target table and forwards everything else upstream wrapped in
// a forwardCDPCommand envelope.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/openbotx/openbotx/internal/config"
	"github.com/openbotx/openbotx/internal/observe"
)

// browserName is reported by /json/version and Browser.getVersion.
const browserName = "OpenBotX-Relay/1.0"

// protocolVersion is the debug-protocol dialect version the relay claims.
const protocolVersion = "1.3"

// pingInterval is the upstream keep-alive period.
const pingInterval = 5 * time.Second

// writeTimeout bounds one WebSocket send.
const writeTimeout = 10 * time.Second

// shutdownTimeout bounds the HTTP server drain during Run teardown.
const shutdownTimeout = 5 * time.Second

// errUpstreamGone rejects pending forwards when the upstream disconnects.
var errUpstreamGone = errors.New("relay: upstream disconnected")

// target is one page the upstream has attached to.
type target struct {
	SessionID string
	TargetID  string
	Info      map[string]any
}

// client is one downstream debug-protocol consumer.
type client struct {
	ws     *websocket.Conn
	ctx    context.Context
	cancel context.CancelFunc
}

// pendingRequest tracks one forwarded command awaiting its upstream reply.
type pendingRequest struct {
	client   *client
	clientID json.RawMessage
}

// Relay is the multiplexer service. Construct with New and drive with Run.
type Relay struct {
	cfg config.RelayConfig

	listener net.Listener
	server   *http.Server

	mu          sync.Mutex
	upstream    *websocket.Conn
	upstreamCtx context.Context
	downstreams map[*client]bool
	pending     map[int64]pendingRequest
	targets     map[string]*target // session id → target
	nextID      int64
}

// New creates a Relay. It does not bind the port until Run.
func New(cfg config.RelayConfig) *Relay {
	return &Relay{
		cfg:         cfg,
		downstreams: make(map[*client]bool),
		pending:     make(map[int64]pendingRequest),
		targets:     make(map[string]*target),
	}
}

// Run binds 127.0.0.1 and serves until ctx is cancelled or the server fails.
func (r *Relay) Run(ctx context.Context) error {
	addr := net.JoinHostPort("127.0.0.1", fmt.Sprintf("%d", r.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("relay: listen on %s: %w", addr, err)
	}
	r.listener = ln
	r.server = &http.Server{Handler: r.handler()}
	observe.Logger(ctx).Info("relay listening", "addr", ln.Addr().String())

	serveErr := make(chan error, 1)
	go func() { serveErr <- r.server.Serve(ln) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = r.server.Shutdown(shutdownCtx)
		r.dropUpstream(nil)
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("relay: %w", err)
	}
}

// handler builds the full HTTP surface with the loopback guard applied.
func (r *Relay) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", r.handleStatus)
	mux.HandleFunc("GET /extension/status", r.handleStatus)
	mux.HandleFunc("GET /json/version", r.handleVersion)
	mux.HandleFunc("GET /json/list", r.handleList)
	mux.HandleFunc("/json/activate/{id}", r.handleTargetCommand("Target.activateTarget"))
	mux.HandleFunc("/json/close/{id}", r.handleTargetCommand("Target.closeTarget"))
	mux.HandleFunc("/extension", r.handleExtension)
	mux.HandleFunc("/cdp", r.handleCDP)
	return loopbackOnly(mux)
}

// loopbackOnly rejects requests from non-loopback peers.
func loopbackOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		host, _, err := net.SplitHostPort(req.RemoteAddr)
		if err != nil {
			host = req.RemoteAddr
		}
		if ip := net.ParseIP(host); ip == nil || !ip.IsLoopback() {
			http.Error(w, "loopback only", http.StatusForbidden)
			return
		}
		next.ServeHTTP(w, req)
	})
}

func (r *Relay) handleStatus(w http.ResponseWriter, _ *http.Request) {
	r.mu.Lock()
	connected := r.upstream != nil
	r.mu.Unlock()
	writeJSON(w, map[string]any{
		"status":             "ok",
		"upstream_connected": connected,
	})
}

func (r *Relay) handleVersion(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	connected := r.upstream != nil
	r.mu.Unlock()

	payload := map[string]any{
		"Browser":          browserName,
		"Protocol-Version": protocolVersion,
	}
	if connected {
		payload["webSocketDebuggerUrl"] = r.debuggerURL(req)
	}
	writeJSON(w, payload)
}

func (r *Relay) handleList(w http.ResponseWriter, req *http.Request) {
	url := r.debuggerURL(req)

	r.mu.Lock()
	entries := make([]map[string]any, 0, len(r.targets))
	for _, t := range r.targets {
		entry := map[string]any{
			"id":                   t.TargetID,
			"type":                 "page",
			"webSocketDebuggerUrl": url,
		}
		if title, ok := t.Info["title"]; ok {
			entry["title"] = title
		}
		if u, ok := t.Info["url"]; ok {
			entry["url"] = u
		}
		entries = append(entries, entry)
	}
	r.mu.Unlock()

	writeJSON(w, entries)
}

// handleTargetCommand forwards a best-effort target command upstream and
// always replies 200, matching the discovery endpoints of a real browser.
func (r *Relay) handleTargetCommand(method string) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		targetID := req.PathValue("id")
		r.forwardBestEffort(req.Context(), method, map[string]any{"targetId": targetID})
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "Target %s", targetID)
	}
}

// debuggerURL is the /cdp endpoint as seen by the requesting client.
func (r *Relay) debuggerURL(req *http.Request) string {
	host := req.Host
	if host == "" && r.listener != nil {
		host = r.listener.Addr().String()
	}
	return "ws://" + host + "/cdp"
}

// broadcast sends one frame to every downstream client. Best effort; a
// failed send only logs.
func (r *Relay) broadcast(frame []byte) {
	r.mu.Lock()
	clients := make([]*client, 0, len(r.downstreams))
	for c := range r.downstreams {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for _, c := range clients {
		if err := sendRaw(c.ctx, c.ws, frame); err != nil {
			observe.Logger(c.ctx).Warn("relay broadcast failed", "error", err)
		}
	}
}

func sendRaw(ctx context.Context, ws *websocket.Conn, data []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return ws.Write(writeCtx, websocket.MessageText, data)
}

func sendJSON(ctx context.Context, ws *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return sendRaw(ctx, ws, data)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
