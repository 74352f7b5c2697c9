package relay

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"

	"github.com/openbotx/openbotx/internal/observe"
)

// upstreamFrame is the superset of frames the upstream sends: numbered
// replies carry ID plus Result/Error, events carry Method plus Params.
type upstreamFrame struct {
	ID     *int64          `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  json.RawMessage `json:"error,omitempty"`
}

// handleExtension accepts the single upstream connection. A second
// connection attempt is refused with a conflict error.
func (r *Relay) handleExtension(w http.ResponseWriter, req *http.Request) {
	r.mu.Lock()
	taken := r.upstream != nil
	r.mu.Unlock()
	if taken {
		http.Error(w, "upstream already connected", http.StatusConflict)
		return
	}

	ws, err := websocket.Accept(w, req, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		observe.Logger(req.Context()).Warn("upstream accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	r.mu.Lock()
	if r.upstream != nil {
		// Lost the race against a concurrent handshake.
		r.mu.Unlock()
		_ = ws.Close(websocket.StatusPolicyViolation, "upstream already connected")
		return
	}
	r.upstream = ws
	r.upstreamCtx = ctx
	r.mu.Unlock()

	observe.Logger(ctx).Info("relay upstream connected")
	defer r.dropUpstream(ws)

	go r.pingLoop(ctx, ws)

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		var frame upstreamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			observe.Logger(ctx).Warn("invalid upstream frame", "error", err)
			continue
		}
		r.handleUpstreamFrame(ctx, data, &frame)
	}
}

// pingLoop keeps the upstream alive with periodic ping frames.
func (r *Relay) pingLoop(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sendJSON(ctx, ws, map[string]string{"method": "ping"}); err != nil {
				return
			}
		}
	}
}

func (r *Relay) handleUpstreamFrame(ctx context.Context, raw []byte, frame *upstreamFrame) {
	if frame.Method == "pong" {
		return
	}

	// Numbered reply to a forwarded command.
	if frame.ID != nil {
		r.resolvePending(ctx, *frame.ID, frame)
		return
	}

	switch frame.Method {
	case "Target.attachedToTarget":
		r.handleAttached(ctx, raw, frame.Params)
	case "Target.detachedFromTarget":
		r.handleDetached(raw, frame.Params)
	case "Target.targetInfoChanged":
		r.handleInfoChanged(raw, frame.Params)
	default:
		r.broadcast(raw)
	}
}

// resolvePending unwraps the upstream's reply and returns it to the
// downstream client under the client's original command id.
func (r *Relay) resolvePending(ctx context.Context, id int64, frame *upstreamFrame) {
	r.mu.Lock()
	p, ok := r.pending[id]
	delete(r.pending, id)
	r.mu.Unlock()
	if !ok {
		observe.Logger(ctx).Debug("upstream reply without pending request", "id", id)
		return
	}

	reply := map[string]any{"id": p.clientID}
	if frame.Error != nil {
		reply["error"] = frame.Error
	} else {
		result := frame.Result
		if result == nil {
			result = json.RawMessage("{}")
		}
		reply["result"] = result
	}
	if err := sendJSON(p.client.ctx, p.client.ws, reply); err != nil {
		observe.Logger(ctx).Warn("relay reply delivery failed", "error", err)
	}
}

// handleAttached upserts a page target and fans the attach event out to all
// downstream clients. When the session's target id changed, a synthetic
// detach for the old id is broadcast first.
func (r *Relay) handleAttached(ctx context.Context, raw []byte, params json.RawMessage) {
	var p struct {
		SessionID  string         `json:"sessionId"`
		TargetInfo map[string]any `json:"targetInfo"`
	}
	if err := json.Unmarshal(params, &p); err != nil || p.SessionID == "" {
		return
	}
	kind, _ := p.TargetInfo["type"].(string)
	if kind != "page" {
		return
	}
	targetID, _ := p.TargetInfo["targetId"].(string)

	var syntheticDetach []byte
	r.mu.Lock()
	if old, ok := r.targets[p.SessionID]; ok && old.TargetID != targetID {
		syntheticDetach, _ = json.Marshal(map[string]any{
			"method": "Target.detachedFromTarget",
			"params": map[string]any{
				"sessionId": p.SessionID,
				"targetId":  old.TargetID,
			},
		})
	}
	r.targets[p.SessionID] = &target{
		SessionID: p.SessionID,
		TargetID:  targetID,
		Info:      p.TargetInfo,
	}
	r.mu.Unlock()

	if syntheticDetach != nil {
		r.broadcast(syntheticDetach)
	}
	r.broadcast(raw)
	observe.Logger(ctx).Debug("relay target attached",
		"session_id", p.SessionID, "target_id", targetID)
}

func (r *Relay) handleDetached(raw []byte, params json.RawMessage) {
	var p struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	r.mu.Lock()
	delete(r.targets, p.SessionID)
	r.mu.Unlock()
	r.broadcast(raw)
}

// handleInfoChanged merges the new target info into every matching stored
// target, then broadcasts the event.
func (r *Relay) handleInfoChanged(raw []byte, params json.RawMessage) {
	var p struct {
		TargetInfo map[string]any `json:"targetInfo"`
	}
	if err := json.Unmarshal(params, &p); err != nil {
		return
	}
	targetID, _ := p.TargetInfo["targetId"].(string)

	r.mu.Lock()
	for _, t := range r.targets {
		if t.TargetID != targetID {
			continue
		}
		for k, v := range p.TargetInfo {
			t.Info[k] = v
		}
	}
	r.mu.Unlock()
	r.broadcast(raw)
}

// dropUpstream tears down upstream state: pending forwards are rejected,
// the target table is cleared, and downstream clients are closed with a
// service-unavailable code. ws may be nil during server shutdown.
func (r *Relay) dropUpstream(ws *websocket.Conn) {
	r.mu.Lock()
	if ws != nil && r.upstream != ws {
		r.mu.Unlock()
		return
	}
	upstream := r.upstream
	r.upstream = nil
	r.upstreamCtx = nil

	pending := r.pending
	r.pending = make(map[int64]pendingRequest)
	r.targets = make(map[string]*target)

	clients := make([]*client, 0, len(r.downstreams))
	for c := range r.downstreams {
		clients = append(clients, c)
	}
	r.mu.Unlock()

	for id, p := range pending {
		reply := map[string]any{
			"id":    p.clientID,
			"error": map[string]any{"code": -32000, "message": errUpstreamGone.Error()},
		}
		if err := sendJSON(p.client.ctx, p.client.ws, reply); err != nil {
			observe.Logger(p.client.ctx).Debug("pending rejection delivery failed",
				"id", id, "error", err)
		}
	}
	for _, c := range clients {
		_ = c.ws.Close(websocket.StatusTryAgainLater, "upstream disconnected")
		c.cancel()
	}
	if upstream != nil {
		_ = upstream.Close(websocket.StatusNormalClosure, "")
	}
}

// forwardBestEffort sends a wrapped command upstream without tracking the
// reply. Used by the HTTP activate/close endpoints.
func (r *Relay) forwardBestEffort(ctx context.Context, method string, params map[string]any) {
	r.mu.Lock()
	ws := r.upstream
	wsCtx := r.upstreamCtx
	r.nextID++
	id := r.nextID
	r.mu.Unlock()
	if ws == nil {
		return
	}

	frame := map[string]any{
		"id":     id,
		"method": "forwardCDPCommand",
		"params": map[string]any{"method": method, "params": params},
	}
	if err := sendJSON(wsCtx, ws, frame); err != nil {
		observe.Logger(ctx).Debug("best-effort forward failed", "method", method, "error", err)
	}
}
