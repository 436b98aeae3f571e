package signaling

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/wilsonzlin/aero/proxy/intercom-signal-relay/internal/metrics"
	"github.com/wilsonzlin/aero/proxy/intercom-signal-relay/internal/registry"
	"github.com/wilsonzlin/aero/proxy/intercom-signal-relay/internal/relay"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testRelay struct {
	ts      *httptest.Server
	router  *relay.Router
	metrics *metrics.Metrics
}

func newTestRelay(t *testing.T, cfg Config) *testRelay {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	router := relay.NewRouter(relay.DefaultConfig(), registry.New(), logger, m)
	srv := NewServer(cfg, router, logger, m)

	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(func() {
		router.Close()
		ts.Close()
	})
	return &testRelay{ts: ts, router: router, metrics: m}
}

func (tr *testRelay) wsURL(path string) string {
	return "ws" + strings.TrimPrefix(tr.ts.URL, "http") + path
}

func (tr *testRelay) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	c, _, err := websocket.DefaultDialer.Dial(tr.wsURL("/"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func readRaw(t *testing.T, c *websocket.Conn) (int, []byte) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(2 * time.Second))
	typ, data, err := c.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return typ, data
}

func expectUsers(t *testing.T, c *websocket.Conn, want ...string) {
	t.Helper()
	_, data := readRaw(t, c)
	var msg struct {
		Type  string   `json:"type"`
		Users []string `json:"users"`
	}
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unmarshal %s: %v", data, err)
	}
	if msg.Type != "userlist" {
		t.Fatalf("got %s, want userlist", data)
	}
	if !reflect.DeepEqual(msg.Users, want) {
		t.Fatalf("users=%v, want %v", msg.Users, want)
	}
}

func writeText(t *testing.T, c *websocket.Conn, msg string) {
	t.Helper()
	if err := c.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestServer_PresenceJoinAndRelay(t *testing.T) {
	tr := newTestRelay(t, Config{})

	a := tr.dial(t)
	expectUsers(t, a, "User 1")
	b := tr.dial(t)
	expectUsers(t, a, "User 1", "User 2")
	expectUsers(t, b, "User 1", "User 2")

	writeText(t, a, `{"type":"join","username":"Alice"}`)
	expectUsers(t, a, "Alice", "User 2")
	expectUsers(t, b, "Alice", "User 2")

	offer := `{"type":"offer","offer":{"type":"offer","sdp":"v=0\r\n"}}`
	writeText(t, a, offer)
	typ, data := readRaw(t, b)
	if typ != websocket.TextMessage || string(data) != offer {
		t.Fatalf("b got (%d, %s), want text %s", typ, data, offer)
	}

	// Binary frames are relayed as text.
	ice := `{"type":"ice","candidate":{"candidate":"candidate:1 1 udp 1 192.168.1.20 5000 typ host"}}`
	if err := b.WriteMessage(websocket.BinaryMessage, []byte(ice)); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	typ, data = readRaw(t, a)
	if typ != websocket.TextMessage || string(data) != ice {
		t.Fatalf("a got (%d, %s), want text %s", typ, data, ice)
	}

	_ = b.Close()
	expectUsers(t, a, "Alice")
}

func TestServer_InvalidUTF8BinaryFrameIsNotRelayed(t *testing.T) {
	tr := newTestRelay(t, Config{})

	a := tr.dial(t)
	expectUsers(t, a, "User 1")
	b := tr.dial(t)
	expectUsers(t, a, "User 1", "User 2")
	expectUsers(t, b, "User 1", "User 2")

	if err := b.WriteMessage(websocket.BinaryMessage, []byte("{\"type\":\"offer\",\"sdp\":\"\xff\xfe\"}")); err != nil {
		t.Fatalf("write binary: %v", err)
	}
	ice := `{"type":"ice","candidate":{"candidate":"candidate:1 1 udp 1 192.168.1.21 5000 typ host"}}`
	writeText(t, b, ice)

	// Only the valid message arrives, and a's channel stays usable.
	typ, data := readRaw(t, a)
	if typ != websocket.TextMessage || string(data) != ice {
		t.Fatalf("a got (%d, %q), want text %s", typ, data, ice)
	}
	writeText(t, a, `{"type":"join","username":"Alice"}`)
	expectUsers(t, a, "Alice", "User 2")
	expectUsers(t, b, "Alice", "User 2")

	if got := tr.metrics.Get(metrics.MessagesMalformed); got != 1 {
		t.Fatalf("messages_malformed=%d, want 1", got)
	}
}

func TestServer_WSPathAlias(t *testing.T) {
	tr := newTestRelay(t, Config{})

	c, _, err := websocket.DefaultDialer.Dial(tr.wsURL("/ws"), nil)
	if err != nil {
		t.Fatalf("dial /ws: %v", err)
	}
	defer c.Close()
	expectUsers(t, c, "User 1")
}

func TestServer_OriginPolicy(t *testing.T) {
	tr := newTestRelay(t, Config{AllowedOrigins: []string{"http://192.168.1.20:8080", "null"}})

	for _, allowed := range []string{"", "http://192.168.1.20:8080", "HTTP://192.168.1.20:8080", "null"} {
		h := http.Header{}
		if allowed != "" {
			h.Set("Origin", allowed)
		}
		c, _, err := websocket.DefaultDialer.Dial(tr.wsURL("/"), h)
		if err != nil {
			t.Fatalf("origin %q: dial: %v", allowed, err)
		}
		_ = c.Close()
	}

	for _, denied := range []string{"http://evil.example", "http://192.168.1.20:9090", "not an origin"} {
		h := http.Header{}
		h.Set("Origin", denied)
		_, resp, err := websocket.DefaultDialer.Dial(tr.wsURL("/"), h)
		if err == nil {
			t.Fatalf("origin %q: expected dial to fail", denied)
		}
		if resp == nil || resp.StatusCode != http.StatusForbidden {
			t.Fatalf("origin %q: resp=%v, want 403", denied, resp)
		}
	}
	if got := tr.metrics.Get(metrics.OriginRejected); got != 3 {
		t.Fatalf("origin_rejected=%d, want 3", got)
	}
}

func TestServer_OversizeMessageClosesOnlySender(t *testing.T) {
	tr := newTestRelay(t, Config{MaxMessageBytes: 128})

	a := tr.dial(t)
	expectUsers(t, a, "User 1")
	b := tr.dial(t)
	expectUsers(t, a, "User 1", "User 2")
	expectUsers(t, b, "User 1", "User 2")

	writeText(t, b, `{"type":"offer","sdp":"`+strings.Repeat("x", 1024)+`"}`)

	// The relay normally answers with close code 1009, but the socket may be
	// reset before the client reads it.
	_ = b.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := b.ReadMessage(); err == nil {
		t.Fatalf("expected oversized message to close the channel")
	}
	expectUsers(t, a, "User 1")
}

func TestServer_RateLimitDropsExcessMessages(t *testing.T) {
	clock := &testClock{now: time.Unix(0, 0)}
	tr := newTestRelay(t, Config{MaxMessagesPerSecond: 2, Clock: clock})

	a := tr.dial(t)
	expectUsers(t, a, "User 1")
	b := tr.dial(t)
	expectUsers(t, a, "User 1", "User 2")
	expectUsers(t, b, "User 1", "User 2")

	for i := 0; i < 5; i++ {
		writeText(t, a, fmt.Sprintf(`{"type":"ice","n":%d}`, i))
	}
	for _, want := range []string{`{"type":"ice","n":0}`, `{"type":"ice","n":1}`} {
		if _, got := readRaw(t, b); string(got) != want {
			t.Fatalf("b got %s, want %s", got, want)
		}
	}

	// Wait for the dropped messages to be consumed before refilling.
	deadline := time.Now().Add(2 * time.Second)
	for tr.metrics.Get(metrics.DropReasonRateLimited) < 3 {
		if time.Now().After(deadline) {
			t.Fatalf("rate_limited=%d, want 3", tr.metrics.Get(metrics.DropReasonRateLimited))
		}
		time.Sleep(5 * time.Millisecond)
	}

	clock.Advance(time.Second)
	writeText(t, a, `{"type":"ice","n":9}`)
	if _, got := readRaw(t, b); string(got) != `{"type":"ice","n":9}` {
		t.Fatalf("b got %s after refill", got)
	}
}

func TestServer_RejectsUpgradeAfterRouterClosed(t *testing.T) {
	tr := newTestRelay(t, Config{})

	a := tr.dial(t)
	expectUsers(t, a, "User 1")

	tr.router.Close()

	_ = a.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := a.ReadMessage(); err == nil {
		t.Fatalf("expected open channel to be closed by router shutdown")
	}

	_, resp, err := websocket.DefaultDialer.Dial(tr.wsURL("/"), nil)
	if err == nil {
		t.Fatalf("expected dial to fail after router close")
	}
	if resp == nil || resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("resp=%v, want 503", resp)
	}
}

func TestServer_PlainGETIsNotUpgraded(t *testing.T) {
	tr := newTestRelay(t, Config{})

	resp, err := http.Get(tr.ts.URL + "/")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status=%d, want %d", resp.StatusCode, http.StatusBadRequest)
	}
	if tr.router.Len() != 0 {
		t.Fatalf("router len=%d, want 0", tr.router.Len())
	}
}
