package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/openbotx/openbotx/internal/config"
)

type harness struct {
	relay *Relay
	srv   *httptest.Server
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	r := New(config.RelayConfig{Enabled: true})
	srv := httptest.NewServer(r.handler())
	t.Cleanup(srv.Close)
	return &harness{relay: r, srv: srv}
}

func (h *harness) dial(t *testing.T, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + path
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ws, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	t.Cleanup(func() { _ = ws.Close(websocket.StatusNormalClosure, "") })
	return ws
}

func readFrame(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, data, err := ws.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var frame map[string]any
	if err := json.Unmarshal(data, &frame); err != nil {
		t.Fatalf("unmarshal %q: %v", data, err)
	}
	return frame
}

// readEvent skips relay pings and returns the next non-ping frame.
func readEvent(t *testing.T, ws *websocket.Conn) map[string]any {
	t.Helper()
	for {
		frame := readFrame(t, ws)
		if frame["method"] == "ping" {
			continue
		}
		return frame
	}
}

func writeFrame(t *testing.T, ws *websocket.Conn, v any) {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := ws.Write(ctx, websocket.MessageText, data); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func attachEvent(sessionID, targetID, title string) map[string]any {
	return map[string]any{
		"method": "Target.attachedToTarget",
		"params": map[string]any{
			"sessionId": sessionID,
			"targetInfo": map[string]any{
				"targetId": targetID,
				"type":     "page",
				"title":    title,
				"url":      "https://example.com/" + targetID,
			},
		},
	}
}

func getJSON(t *testing.T, url string, out any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET %s = %d", url, resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		t.Fatalf("unmarshal %q: %v", body, err)
	}
}

// waitTargets polls until the relay knows n targets.
func (h *harness) waitTargets(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.relay.mu.Lock()
		got := len(h.relay.targets)
		h.relay.mu.Unlock()
		if got == n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("relay never reached %d targets", n)
}

func TestStatusEndpoints(t *testing.T) {
	h := newHarness(t)
	for _, path := range []string{"/", "/extension/status"} {
		var payload map[string]any
		getJSON(t, h.srv.URL+path, &payload)
		if payload["status"] != "ok" {
			t.Errorf("GET %s status = %v", path, payload["status"])
		}
	}
}

func TestVersion_DebuggerURLRequiresUpstream(t *testing.T) {
	h := newHarness(t)

	var payload map[string]any
	getJSON(t, h.srv.URL+"/json/version", &payload)
	if payload["Browser"] != browserName || payload["Protocol-Version"] != protocolVersion {
		t.Errorf("version payload = %v", payload)
	}
	if _, ok := payload["webSocketDebuggerUrl"]; ok {
		t.Error("webSocketDebuggerUrl emitted without an upstream")
	}

	h.dial(t, "/extension")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		payload = map[string]any{}
		getJSON(t, h.srv.URL+"/json/version", &payload)
		if url, ok := payload["webSocketDebuggerUrl"].(string); ok {
			if !strings.HasSuffix(url, "/cdp") {
				t.Errorf("webSocketDebuggerUrl = %q", url)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("webSocketDebuggerUrl never appeared after upstream connect")
}

func TestUpstream_SecondConnectionConflicts(t *testing.T) {
	h := newHarness(t)
	h.dial(t, "/extension")
	h.waitUpstream(t)

	url := "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/extension"
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := websocket.Dial(ctx, url, nil); err == nil {
		t.Error("second upstream connection should be refused")
	}
}

func (h *harness) waitUpstream(t *testing.T) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.relay.mu.Lock()
		connected := h.relay.upstream != nil
		h.relay.mu.Unlock()
		if connected {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("upstream never registered")
}

func TestAttach_FanOutAndSyntheticDetach(t *testing.T) {
	h := newHarness(t)
	upstream := h.dial(t, "/extension")
	downstream := h.dial(t, "/cdp")
	h.waitUpstream(t)

	writeFrame(t, upstream, attachEvent("s1", "t1", "first tab"))

	event := readEvent(t, downstream)
	if event["method"] != "Target.attachedToTarget" {
		t.Fatalf("event = %v", event)
	}

	var list []map[string]any
	h.waitTargets(t, 1)
	getJSON(t, h.srv.URL+"/json/list", &list)
	if len(list) != 1 || list[0]["id"] != "t1" || list[0]["title"] != "first tab" {
		t.Errorf("/json/list = %v", list)
	}

	// Same session re-attaches with a new target id: synthetic detach for
	// the old id precedes the new attach.
	writeFrame(t, upstream, attachEvent("s1", "t2", "navigated tab"))

	detach := readEvent(t, downstream)
	if detach["method"] != "Target.detachedFromTarget" {
		t.Fatalf("expected synthetic detach, got %v", detach)
	}
	params := detach["params"].(map[string]any)
	if params["targetId"] != "t1" || params["sessionId"] != "s1" {
		t.Errorf("detach params = %v", params)
	}

	attach := readEvent(t, downstream)
	if attach["method"] != "Target.attachedToTarget" {
		t.Fatalf("expected re-attach, got %v", attach)
	}
}

func TestAttach_NonPageTargetsIgnored(t *testing.T) {
	h := newHarness(t)
	upstream := h.dial(t, "/extension")
	h.waitUpstream(t)

	writeFrame(t, upstream, map[string]any{
		"method": "Target.attachedToTarget",
		"params": map[string]any{
			"sessionId":  "s9",
			"targetInfo": map[string]any{"targetId": "w1", "type": "service_worker"},
		},
	})
	// A follow-up page attach proves the worker frame was already handled.
	writeFrame(t, upstream, attachEvent("s1", "t1", "tab"))
	h.waitTargets(t, 1)

	var list []map[string]any
	getJSON(t, h.srv.URL+"/json/list", &list)
	if len(list) != 1 || list[0]["id"] != "t1" {
		t.Errorf("/json/list = %v", list)
	}
}

func TestDownstream_LocalCommands(t *testing.T) {
	h := newHarness(t)
	upstream := h.dial(t, "/extension")
	downstream := h.dial(t, "/cdp")
	h.waitUpstream(t)

	writeFrame(t, upstream, attachEvent("s1", "t1", "tab"))
	readEvent(t, downstream) // consume the attach broadcast
	h.waitTargets(t, 1)

	writeFrame(t, downstream, map[string]any{"id": 1, "method": "Browser.getVersion"})
	reply := readEvent(t, downstream)
	result := reply["result"].(map[string]any)
	if reply["id"] != float64(1) || result["product"] != browserName {
		t.Errorf("getVersion reply = %v", reply)
	}

	writeFrame(t, downstream, map[string]any{"id": 2, "method": "Target.getTargets"})
	reply = readEvent(t, downstream)
	infos := reply["result"].(map[string]any)["targetInfos"].([]any)
	if len(infos) != 1 {
		t.Errorf("targetInfos = %v", infos)
	}

	writeFrame(t, downstream, map[string]any{
		"id": 3, "method": "Target.attachToTarget",
		"params": map[string]any{"targetId": "t1"},
	})
	reply = readEvent(t, downstream)
	if reply["result"].(map[string]any)["sessionId"] != "s1" {
		t.Errorf("attachToTarget reply = %v", reply)
	}

	writeFrame(t, downstream, map[string]any{
		"id": 4, "method": "Target.attachToTarget",
		"params": map[string]any{"targetId": "ghost"},
	})
	reply = readEvent(t, downstream)
	if reply["error"] == nil {
		t.Errorf("unknown target reply = %v", reply)
	}
}

func TestDownstream_ReplaysKnownTargets(t *testing.T) {
	h := newHarness(t)
	upstream := h.dial(t, "/extension")
	h.waitUpstream(t)
	writeFrame(t, upstream, attachEvent("s1", "t1", "tab"))
	h.waitTargets(t, 1)

	// setAutoAttach without a session id yields a synthetic attach.
	late := h.dial(t, "/cdp")
	writeFrame(t, late, map[string]any{"id": 1, "method": "Target.setAutoAttach",
		"params": map[string]any{"autoAttach": true}})
	if reply := readEvent(t, late); reply["result"] == nil {
		t.Fatalf("setAutoAttach reply = %v", reply)
	}
	event := readEvent(t, late)
	if event["method"] != "Target.attachedToTarget" {
		t.Fatalf("replay event = %v", event)
	}
	if event["params"].(map[string]any)["sessionId"] != "s1" {
		t.Errorf("replay params = %v", event["params"])
	}

	// setDiscoverTargets(true) yields targetCreated instead.
	discoverer := h.dial(t, "/cdp")
	writeFrame(t, discoverer, map[string]any{"id": 1, "method": "Target.setDiscoverTargets",
		"params": map[string]any{"discover": true}})
	readEvent(t, discoverer) // result
	event = readEvent(t, discoverer)
	if event["method"] != "Target.targetCreated" {
		t.Fatalf("discover replay event = %v", event)
	}
}

func TestForward_RoundTrip(t *testing.T) {
	h := newHarness(t)
	upstream := h.dial(t, "/extension")
	downstream := h.dial(t, "/cdp")
	h.waitUpstream(t)

	writeFrame(t, downstream, map[string]any{
		"id": 42, "method": "Page.navigate", "sessionId": "s1",
		"params": map[string]any{"url": "https://example.com"},
	})

	wrapped := readEvent(t, upstream)
	if wrapped["method"] != "forwardCDPCommand" {
		t.Fatalf("upstream frame = %v", wrapped)
	}
	params := wrapped["params"].(map[string]any)
	if params["method"] != "Page.navigate" || params["sessionId"] != "s1" {
		t.Errorf("wrapped params = %v", params)
	}
	relayID := wrapped["id"]

	writeFrame(t, upstream, map[string]any{
		"id":     relayID,
		"result": map[string]any{"frameId": "f1"},
	})

	reply := readEvent(t, downstream)
	if reply["id"] != float64(42) {
		t.Errorf("reply id = %v, want the client's original 42", reply["id"])
	}
	if reply["result"].(map[string]any)["frameId"] != "f1" {
		t.Errorf("reply = %v", reply)
	}
}

func TestForward_WithoutUpstreamErrors(t *testing.T) {
	h := newHarness(t)
	downstream := h.dial(t, "/cdp")

	writeFrame(t, downstream, map[string]any{"id": 7, "method": "Page.navigate"})
	reply := readEvent(t, downstream)
	if reply["error"] == nil || reply["id"] != float64(7) {
		t.Errorf("reply = %v", reply)
	}
}

func TestUpstreamDisconnect_CleansUp(t *testing.T) {
	h := newHarness(t)
	upstream := h.dial(t, "/extension")
	downstream := h.dial(t, "/cdp")
	h.waitUpstream(t)

	writeFrame(t, upstream, attachEvent("s1", "t1", "tab"))
	readEvent(t, downstream)
	h.waitTargets(t, 1)

	// Leave a forward pending, then drop the upstream.
	writeFrame(t, downstream, map[string]any{"id": 9, "method": "Page.reload", "sessionId": "s1"})
	readEvent(t, upstream) // the wrapped command
	_ = upstream.Close(websocket.StatusNormalClosure, "done")

	reply := readEvent(t, downstream)
	if reply["error"] == nil || reply["id"] != float64(9) {
		t.Errorf("pending rejection = %v", reply)
	}

	// The downstream is closed with a service-unavailable code.
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := downstream.Read(ctx); err == nil {
		t.Error("downstream should be closed after upstream loss")
	}

	h.waitTargets(t, 0)
}

func TestLoopbackOnly(t *testing.T) {
	handler := loopbackOnly(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.1.2.3:4444"
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Errorf("non-loopback status = %d", rec.Code)
	}

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "127.0.0.1:4444"
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("loopback status = %d", rec.Code)
	}
}
