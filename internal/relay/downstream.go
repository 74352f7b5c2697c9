package relay

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"

	"github.com/openbotx/openbotx/internal/observe"
)

// command is one downstream debug-protocol frame. IDs are kept raw so the
// reply echoes whatever numeric form the client used.
type command struct {
	ID        json.RawMessage `json:"id"`
	Method    string          `json:"method"`
	SessionID string          `json:"sessionId,omitempty"`
	Params    json.RawMessage `json:"params,omitempty"`
}

// handleCDP accepts one downstream client and serves its command stream.
func (r *Relay) handleCDP(w http.ResponseWriter, req *http.Request) {
	ws, err := websocket.Accept(w, req, &websocket.AcceptOptions{InsecureSkipVerify: true})
	if err != nil {
		observe.Logger(req.Context()).Warn("downstream accept failed", "error", err)
		return
	}

	ctx, cancel := context.WithCancel(req.Context())
	c := &client{ws: ws, ctx: ctx, cancel: cancel}

	r.mu.Lock()
	r.downstreams[c] = true
	r.mu.Unlock()
	observe.DefaultMetrics().RelayClients.Add(ctx, 1)

	defer func() {
		r.mu.Lock()
		delete(r.downstreams, c)
		r.mu.Unlock()
		observe.DefaultMetrics().RelayClients.Add(context.Background(), -1)
		cancel()
		_ = ws.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		var cmd command
		if err := json.Unmarshal(data, &cmd); err != nil {
			observe.Logger(ctx).Warn("invalid downstream frame", "error", err)
			continue
		}
		r.handleCommand(c, &cmd)
	}
}

// handleCommand routes one downstream command: target-management methods are
// served from the relay's own state, everything else is forwarded upstream.
func (r *Relay) handleCommand(c *client, cmd *command) {
	switch cmd.Method {
	case "Browser.getVersion":
		r.replyResult(c, cmd.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"product":         browserName,
			"userAgent":       browserName,
		})
	case "Browser.setDownloadBehavior", "Target.setDiscoverTargets", "Target.setAutoAttach":
		r.replyResult(c, cmd.ID, map[string]any{})
		r.maybeReplayTargets(c, cmd)
	case "Target.getTargets":
		r.replyResult(c, cmd.ID, map[string]any{"targetInfos": r.targetInfos()})
	case "Target.getTargetInfo":
		r.replyGetTargetInfo(c, cmd)
	case "Target.attachToTarget":
		r.replyAttachToTarget(c, cmd)
	default:
		r.forward(c, cmd)
	}
}

// maybeReplayTargets re-emits synthetic attach (or target-created) events for
// every known page target to this client only. This is how a freshly
// connected client learns about existing tabs.
func (r *Relay) maybeReplayTargets(c *client, cmd *command) {
	if cmd.SessionID != "" {
		return
	}
	if cmd.Method == "Target.setDiscoverTargets" {
		var p struct {
			Discover bool `json:"discover"`
		}
		if err := json.Unmarshal(cmd.Params, &p); err != nil || !p.Discover {
			return
		}
	}

	r.mu.Lock()
	targets := make([]*target, 0, len(r.targets))
	for _, t := range r.targets {
		targets = append(targets, t)
	}
	r.mu.Unlock()

	for _, t := range targets {
		var event map[string]any
		if cmd.Method == "Target.setDiscoverTargets" {
			event = map[string]any{
				"method": "Target.targetCreated",
				"params": map[string]any{"targetInfo": t.Info},
			}
		} else {
			event = map[string]any{
				"method": "Target.attachedToTarget",
				"params": map[string]any{
					"sessionId":          t.SessionID,
					"targetInfo":         t.Info,
					"waitingForDebugger": false,
				},
			}
		}
		if err := sendJSON(c.ctx, c.ws, event); err != nil {
			observe.Logger(c.ctx).Warn("target replay failed", "error", err)
			return
		}
	}
}

func (r *Relay) replyGetTargetInfo(c *client, cmd *command) {
	var p struct {
		TargetID string `json:"targetId"`
	}
	_ = json.Unmarshal(cmd.Params, &p)

	r.mu.Lock()
	var info map[string]any
	for _, t := range r.targets {
		if p.TargetID == "" || t.TargetID == p.TargetID {
			info = t.Info
			break
		}
	}
	r.mu.Unlock()

	if info == nil {
		r.replyError(c, cmd.ID, "no such target")
		return
	}
	r.replyResult(c, cmd.ID, map[string]any{"targetInfo": info})
}

func (r *Relay) replyAttachToTarget(c *client, cmd *command) {
	var p struct {
		TargetID string `json:"targetId"`
	}
	_ = json.Unmarshal(cmd.Params, &p)

	r.mu.Lock()
	var sessionID string
	for _, t := range r.targets {
		if t.TargetID == p.TargetID {
			sessionID = t.SessionID
			break
		}
	}
	r.mu.Unlock()

	if sessionID == "" {
		r.replyError(c, cmd.ID, "no such target")
		return
	}
	r.replyResult(c, cmd.ID, map[string]any{"sessionId": sessionID})
}

// forward wraps the command in a forwardCDPCommand envelope with a
// relay-assigned id and records the pending reply.
func (r *Relay) forward(c *client, cmd *command) {
	r.mu.Lock()
	ws := r.upstream
	wsCtx := r.upstreamCtx
	if ws == nil {
		r.mu.Unlock()
		r.replyError(c, cmd.ID, errUpstreamGone.Error())
		return
	}
	r.nextID++
	id := r.nextID
	r.pending[id] = pendingRequest{client: c, clientID: cmd.ID}
	r.mu.Unlock()

	params := map[string]any{"method": cmd.Method}
	if cmd.SessionID != "" {
		params["sessionId"] = cmd.SessionID
	}
	if cmd.Params != nil {
		params["params"] = cmd.Params
	}
	frame := map[string]any{
		"id":     id,
		"method": "forwardCDPCommand",
		"params": params,
	}
	if err := sendJSON(wsCtx, ws, frame); err != nil {
		r.mu.Lock()
		delete(r.pending, id)
		r.mu.Unlock()
		r.replyError(c, cmd.ID, "upstream send failed")
	}
}

func (r *Relay) targetInfos() []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	infos := make([]map[string]any, 0, len(r.targets))
	for _, t := range r.targets {
		infos = append(infos, t.Info)
	}
	return infos
}

func (r *Relay) replyResult(c *client, id json.RawMessage, result map[string]any) {
	if err := sendJSON(c.ctx, c.ws, map[string]any{"id": id, "result": result}); err != nil {
		observe.Logger(c.ctx).Warn("downstream reply failed", "error", err)
	}
}

func (r *Relay) replyError(c *client, id json.RawMessage, message string) {
	reply := map[string]any{
		"id":    id,
		"error": map[string]any{"code": -32000, "message": message},
	}
	if err := sendJSON(c.ctx, c.ws, reply); err != nil {
		observe.Logger(c.ctx).Warn("downstream reply failed", "error", err)
	}
}
