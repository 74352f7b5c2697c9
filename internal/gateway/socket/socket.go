// Package socket implements the WebSocket message gateway. Every connection
// gets its own conversation channel.
package socket

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/openbotx/openbotx/internal/config"
	"github.com/openbotx/openbotx/internal/gateway"
	"github.com/openbotx/openbotx/internal/observe"
	"github.com/openbotx/openbotx/pkg/types"
)

// GatewayName is the supervisor registration name.
const GatewayName = "socket"

// channelPrefix tags socket channel ids, e.g. "sock-3f2a…".
const channelPrefix = "sock-"

// writeTimeout bounds a single WebSocket send so one stalled client cannot
// block delivery to others.
const writeTimeout = 10 * time.Second

// shutdownTimeout bounds the HTTP server drain during Run teardown.
const shutdownTimeout = 5 * time.Second

// inboundFrame is one client message.
type inboundFrame struct {
	Type        string              `json:"type"`
	Text        string              `json:"text,omitempty"`
	UserID      string              `json:"user_id,omitempty"`
	Attachments []inboundAttachment `json:"attachments,omitempty"`
}

type inboundAttachment struct {
	Filename    string            `json:"filename"`
	ContentType string            `json:"content_type"`
	Data        string            `json:"data"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// outboundFrame is one server message; Type is "message" for targeted
// delivery and "broadcast" for fan-out.
type outboundFrame struct {
	Type        string               `json:"type"`
	ID          string               `json:"id"`
	Text        string               `json:"text"`
	Timestamp   string               `json:"timestamp"`
	ReplyTo     string               `json:"reply_to,omitempty"`
	Attachments []outboundAttachment `json:"attachments,omitempty"`
}

type outboundAttachment struct {
	ID          string `json:"id"`
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
	URL         string `json:"url"`
}

// conn is one connected client.
type conn struct {
	channelID string
	ws        *websocket.Conn
	ctx       context.Context
	cancel    context.CancelFunc
}

// Gateway serves WebSocket clients and bridges their frames onto the message
// bus. Each accepted connection is assigned a fresh channel id so replies
// route back to the originating socket.
type Gateway struct {
	cfg  config.SocketGatewayConfig
	sink gateway.Sink

	listener net.Listener
	server   *http.Server

	mu    sync.RWMutex
	conns map[string]*conn // channel id → connection
}

var _ gateway.Provider = (*Gateway)(nil)

// New creates the socket gateway delivering inbound messages into sink.
func New(cfg config.SocketGatewayConfig, sink gateway.Sink) *Gateway {
	return &Gateway{
		cfg:   cfg,
		sink:  sink,
		conns: make(map[string]*conn),
	}
}

func (g *Gateway) Name() string { return GatewayName }

func (g *Gateway) Initialize(context.Context) error { return nil }

// Start binds the listen socket so port conflicts surface before the run
// loop is spawned.
func (g *Gateway) Start(ctx context.Context) error {
	addr := net.JoinHostPort(g.cfg.Host, fmt.Sprintf("%d", g.cfg.Port))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("socket gateway: listen on %s: %w", addr, err)
	}
	g.listener = ln
	g.server = &http.Server{Handler: g.handler()}
	observe.Logger(ctx).Info("socket gateway listening", "addr", ln.Addr().String())
	return nil
}

// Run serves connections until ctx is cancelled or the server fails.
func (g *Gateway) Run(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() { serveErr <- g.server.Serve(g.listener) }()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = g.server.Shutdown(shutdownCtx)
		g.closeAll(websocket.StatusGoingAway, "server shutting down")
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("socket gateway: %w", err)
	}
}

func (g *Gateway) Stop(ctx context.Context) error {
	if g.server != nil {
		_ = g.server.Shutdown(ctx)
	}
	g.closeAll(websocket.StatusGoingAway, "server shutting down")
	return nil
}

// Send delivers the response to the connection owning the target channel.
// Returns false when no such connection exists.
func (g *Gateway) Send(_ context.Context, out *types.OutboundMessage) (bool, error) {
	g.mu.RLock()
	c, ok := g.conns[out.ChannelID]
	g.mu.RUnlock()
	if !ok {
		return false, nil
	}
	if err := g.sendJSON(c, buildFrame("message", out)); err != nil {
		return false, fmt.Errorf("socket gateway: send to %s: %w", out.ChannelID, err)
	}
	return true, nil
}

// Broadcast sends the message to every connected client.
func (g *Gateway) Broadcast(_ context.Context, out *types.OutboundMessage) error {
	g.mu.RLock()
	conns := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.mu.RUnlock()

	frame := buildFrame("broadcast", out)
	for _, c := range conns {
		if err := g.sendJSON(c, frame); err != nil {
			observe.Logger(c.ctx).Warn("broadcast send failed",
				"channel_id", c.channelID, "error", err)
		}
	}
	return nil
}

func (g *Gateway) Capabilities() []types.ContentKind {
	return []types.ContentKind{types.ContentText}
}

// ActiveConnections returns the number of connected clients.
func (g *Gateway) ActiveConnections() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.conns)
}

// handler returns the HTTP handler that upgrades requests to WebSocket.
func (g *Gateway) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", g.handleWS)
	return mux
}

func (g *Gateway) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		observe.Logger(r.Context()).Warn("websocket accept failed", "error", err)
		return
	}

	clientID := uuid.NewString()
	ctx, cancel := context.WithCancel(r.Context())
	c := &conn{
		channelID: channelPrefix + clientID,
		ws:        ws,
		ctx:       ctx,
		cancel:    cancel,
	}

	g.register(c)
	defer g.unregister(c)

	_ = g.sendJSON(c, map[string]string{
		"type":       "connected",
		"client_id":  clientID,
		"channel_id": c.channelID,
	})

	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			observe.Logger(ctx).Warn("invalid socket frame",
				"channel_id", c.channelID, "error", err)
			_ = g.sendJSON(c, map[string]string{"type": "error", "message": "invalid message frame"})
			continue
		}
		g.handleFrame(ctx, c, &frame)
	}
}

func (g *Gateway) handleFrame(ctx context.Context, c *conn, frame *inboundFrame) {
	kind := types.ContentKind(frame.Type)
	if frame.Type == "" {
		kind = types.ContentText
	}
	if !kind.IsValid() {
		_ = g.sendJSON(c, map[string]string{
			"type":    "error",
			"message": fmt.Sprintf("unknown message type %q", frame.Type),
		})
		return
	}

	userID := frame.UserID
	if userID == "" {
		userID = "socket-user"
	}
	msg := types.NewMessage(c.channelID, userID, GatewayName, frame.Text)
	msg.Kind = kind

	for _, in := range frame.Attachments {
		data, err := base64.StdEncoding.DecodeString(in.Data)
		if err != nil {
			_ = g.sendJSON(c, map[string]string{
				"type":    "error",
				"message": fmt.Sprintf("attachment %q: invalid base64 data", in.Filename),
			})
			return
		}
		msg.Attachments = append(msg.Attachments, types.Attachment{
			ID:        uuid.NewString(),
			Filename:  in.Filename,
			MediaType: in.ContentType,
			Size:      int64(len(data)),
			Data:      data,
			Metadata:  in.Metadata,
		})
	}

	if _, err := g.sink.Enqueue(msg); err != nil {
		observe.Logger(ctx).Warn("socket enqueue failed",
			"channel_id", c.channelID, "error", err)
		_ = g.sendJSON(c, map[string]string{"type": "error", "message": "server busy, try again"})
	}
}

func (g *Gateway) register(c *conn) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.conns[c.channelID] = c
}

func (g *Gateway) unregister(c *conn) {
	g.mu.Lock()
	delete(g.conns, c.channelID)
	g.mu.Unlock()

	c.cancel()
	_ = c.ws.Close(websocket.StatusNormalClosure, "")
}

func (g *Gateway) closeAll(code websocket.StatusCode, reason string) {
	g.mu.Lock()
	conns := make([]*conn, 0, len(g.conns))
	for _, c := range g.conns {
		conns = append(conns, c)
	}
	g.conns = make(map[string]*conn)
	g.mu.Unlock()

	for _, c := range conns {
		c.cancel()
		_ = c.ws.Close(code, reason)
	}
}

// sendJSON marshals and writes one frame with a bounded write deadline.
func (g *Gateway) sendJSON(c *conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(c.ctx, writeTimeout)
	defer cancel()
	return c.ws.Write(writeCtx, websocket.MessageText, data)
}

// buildFrame converts an outbound message into the wire frame. Contents that
// reference externally stored payloads become url attachments.
func buildFrame(frameType string, out *types.OutboundMessage) outboundFrame {
	frame := outboundFrame{
		Type:      frameType,
		ID:        out.ID,
		Text:      out.Text,
		Timestamp: out.Timestamp.UTC().Format(time.RFC3339),
		ReplyTo:   out.ReplyTo,
	}
	for _, content := range out.Contents {
		if content.Kind == types.ContentText || content.URL == "" {
			continue
		}
		frame.Attachments = append(frame.Attachments, outboundAttachment{
			ID:          uuid.NewString(),
			Filename:    content.Filename,
			ContentType: content.MediaType,
			URL:         content.URL,
		})
	}
	return frame
}
