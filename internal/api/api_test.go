package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"arena-relay/internal/config"
	"arena-relay/internal/node"
	"arena-relay/internal/reconcile"
	"arena-relay/internal/relay"
	"arena-relay/internal/wire"
)

type fakeNode struct {
	mu        sync.Mutex
	submitted []wire.Action
	err       error
	view      reconcile.View
}

func (f *fakeNode) View() reconcile.View { return f.view }
func (f *fakeNode) Stats() node.Stats    { return node.Stats{Ticks: 7, Players: len(f.view.Players)} }
func (f *fakeNode) ClientID() string     { return "client-a" }

func (f *fakeNode) Submit(a wire.Action) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, a)
	return nil
}

type fakeBus struct{}

func (fakeBus) Stats() relay.Stats { return relay.Stats{Peers: 2, Novel: 10} }

func newTestRouter(n *fakeNode, token string) http.Handler {
	return NewRouter(RouterConfig{
		Node: n,
		Bus:  fakeBus{},
		RateLimitConfig: &RateLimitConfig{
			RequestsPerSecond: 1000,
			Burst:             1000,
		},
		Token:          token,
		DisableLogging: true,
	})
}

func sampleView() reconcile.View {
	return reconcile.View{
		Timestamp: 42,
		Players: []wire.PlayerState{
			{ID: "p1", ClientID: "client-a", SpawnID: "1", Radius: 25, Position: wire.Vec3{X: -400}},
		},
	}
}

// TestHealth verifies the liveness endpoint
func TestHealth(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(&fakeNode{}, "").ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))

	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}
}

// TestGetState verifies the world view is served as JSON
func TestGetState(t *testing.T) {
	n := &fakeNode{view: sampleView()}
	rec := httptest.NewRecorder()
	newTestRouter(n, "").ServeHTTP(rec, httptest.NewRequest("GET", "/api/state", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var got struct {
		Timestamp uint64 `json:"timestamp"`
		Players   []struct {
			ID       string `json:"id"`
			SpawnID  string `json:"spawnId"`
			Position struct {
				X float32 `json:"x"`
			} `json:"position"`
		} `json:"players"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if got.Timestamp != 42 || len(got.Players) != 1 {
		t.Fatalf("Unexpected state %+v", got)
	}
	if got.Players[0].ID != "p1" || got.Players[0].SpawnID != "1" || got.Players[0].Position.X != -400 {
		t.Errorf("Unexpected player %+v", got.Players[0])
	}
}

// TestGetStats verifies node and relay counters are reported together
func TestGetStats(t *testing.T) {
	rec := httptest.NewRecorder()
	newTestRouter(&fakeNode{}, "").ServeHTTP(rec, httptest.NewRequest("GET", "/api/stats", nil))

	var got struct {
		ClientID string      `json:"clientId"`
		Node     node.Stats  `json:"node"`
		Relay    relay.Stats `json:"relay"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("Failed to decode body: %v", err)
	}
	if got.ClientID != "client-a" || got.Node.Ticks != 7 || got.Relay.Peers != 2 {
		t.Errorf("Unexpected stats %+v", got)
	}
}

// TestSubmitIntent verifies intent parsing and status codes
func TestSubmitIntent(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		err    error
		status int
		want   wire.Action
	}{
		{"jump", `{"action":"jump"}`, nil, http.StatusAccepted, wire.Jump{}},
		{"shoot with aim", `{"action":"shoot","aim":{"x":0,"y":1}}`, nil, http.StatusAccepted, wire.Shoot{Aim: wire.Vec2{Y: 1}}},
		{"unknown action", `{"action":"dance"}`, nil, http.StatusBadRequest, nil},
		{"bad json", `{`, nil, http.StatusBadRequest, nil},
		{"queue full", `{"action":"block"}`, node.ErrBusy, http.StatusServiceUnavailable, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := &fakeNode{err: tt.err}
			rec := httptest.NewRecorder()
			req := httptest.NewRequest("POST", "/api/intent", strings.NewReader(tt.body))
			newTestRouter(n, "").ServeHTTP(rec, req)

			if rec.Code != tt.status {
				t.Fatalf("Expected %d, got %d (%s)", tt.status, rec.Code, rec.Body.String())
			}
			if tt.want == nil {
				if len(n.submitted) != 0 {
					t.Errorf("Expected nothing submitted, got %v", n.submitted)
				}
				return
			}
			if len(n.submitted) != 1 || n.submitted[0] != tt.want {
				t.Errorf("Expected %v submitted, got %v", tt.want, n.submitted)
			}
		})
	}
}

// TestTokenRequired verifies intents need the bearer token when one is set
func TestTokenRequired(t *testing.T) {
	n := &fakeNode{}
	router := newTestRouter(n, "secret")

	tests := []struct {
		name   string
		header string
		status int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "Bearer nope", http.StatusUnauthorized},
		{"wrong scheme", "Basic secret", http.StatusUnauthorized},
		{"valid", "Bearer secret", http.StatusAccepted},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", "/api/intent", strings.NewReader(`{"action":"jump"}`))
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.status {
				t.Errorf("Expected %d, got %d", tt.status, rec.Code)
			}
		})
	}

	// Reads stay open
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/state", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected state to stay readable, got %d", rec.Code)
	}
}

// TestDebugRequiresToken verifies profiling is behind the token
func TestDebugRequiresToken(t *testing.T) {
	router := newTestRouter(&fakeNode{}, "secret")

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/debug/pprof/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401, got %d", rec.Code)
	}

	req := httptest.NewRequest("GET", "/debug/pprof/", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200 with token, got %d", rec.Code)
	}
}

// TestRateLimit verifies requests past the burst are rejected
func TestRateLimit(t *testing.T) {
	router := NewRouter(RouterConfig{
		Node:            &fakeNode{},
		Bus:             fakeBus{},
		RateLimitConfig: &RateLimitConfig{RequestsPerSecond: 0.001, Burst: 2},
		DisableLogging:  true,
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
		codes = append(codes, rec.Code)
	}

	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Errorf("Expected [200 200 429], got %v", codes)
	}
}

// TestIntentRateLimit verifies intents and reads draw on separate budgets
func TestIntentRateLimit(t *testing.T) {
	n := &fakeNode{}
	rl := NewRateLimiter(RateLimitConfig{
		RequestsPerSecond: 0.001,
		Burst:             1,
		IntentsPerSecond:  0.001,
		IntentBurst:       2,
	})
	router := NewRouter(RouterConfig{
		Node:           n,
		Bus:            fakeBus{},
		RateLimiter:    rl,
		DisableLogging: true,
	})

	codes := make([]int, 0, 3)
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/intent", strings.NewReader(`{"action":"jump"}`)))
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusAccepted || codes[1] != http.StatusAccepted || codes[2] != http.StatusTooManyRequests {
		t.Errorf("Expected [202 202 429], got %v", codes)
	}
	if len(n.submitted) != 2 {
		t.Errorf("Expected 2 submitted intents, got %d", len(n.submitted))
	}

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/api/state", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected reads unaffected by the intent budget, got %d", rec.Code)
	}

	want := RateLimitStats{Allowed: 1, IntentsAllowed: 2, IntentsRejected: 1, Clients: 1}
	if got := rl.Stats(); got != want {
		t.Errorf("Expected %+v, got %+v", want, got)
	}
}

// TestRateLimiterForgetsIdleClients verifies idle buckets are pruned
func TestRateLimiterForgetsIdleClients(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{RequestsPerSecond: 1, Burst: 1, IdleTimeout: time.Minute})
	b := rl.requests
	start := time.Unix(1000, 0)

	if !b.allow("a", start) {
		t.Fatal("Expected first request allowed")
	}
	if b.allow("a", start) {
		t.Error("Expected burst exhausted")
	}
	b.allow("b", start.Add(30*time.Second))
	if n := b.tracked(); n != 2 {
		t.Fatalf("Expected 2 tracked clients, got %d", n)
	}

	b.allow("c", start.Add(2*time.Minute))
	if n := b.tracked(); n != 1 {
		t.Errorf("Expected idle clients forgotten, got %d tracked", n)
	}

	stats := rl.Stats()
	if stats.Allowed != 3 || stats.Rejected != 1 {
		t.Errorf("Expected 3 allowed and 1 rejected, got %+v", stats)
	}
}

// TestClientAddress verifies forwarding headers count only behind a trusted proxy
func TestClientAddress(t *testing.T) {
	tests := []struct {
		name       string
		trustProxy bool
		want       []int
	}{
		{"direct", false, []int{http.StatusOK, http.StatusTooManyRequests}},
		{"trusted proxy", true, []int{http.StatusOK, http.StatusOK}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			router := NewRouter(RouterConfig{
				Node:            &fakeNode{},
				Bus:             fakeBus{},
				RateLimitConfig: &RateLimitConfig{RequestsPerSecond: 0.001, Burst: 1},
				TrustProxy:      tt.trustProxy,
				DisableLogging:  true,
			})

			// Same proxy hop, two different forwarded clients
			for i, forwarded := range []string{"1.2.3.4", "5.6.7.8, 10.0.0.1"} {
				req := httptest.NewRequest("GET", "/health", nil)
				req.RemoteAddr = "10.0.0.1:5555"
				req.Header.Set("X-Forwarded-For", forwarded)
				rec := httptest.NewRecorder()
				router.ServeHTTP(rec, req)
				if rec.Code != tt.want[i] {
					t.Errorf("Request %d: expected %d, got %d", i, tt.want[i], rec.Code)
				}
			}
		})
	}
}

// TestRemoteIP verifies the port is stripped when present
func TestRemoteIP(t *testing.T) {
	tests := []struct {
		remote string
		want   string
	}{
		{"10.0.0.1:5555", "10.0.0.1"},
		{"[::1]:5555", "::1"},
		{"1.2.3.4", "1.2.3.4"},
	}

	for _, tt := range tests {
		req := httptest.NewRequest("GET", "/", nil)
		req.RemoteAddr = tt.remote
		if got := remoteIP(req); got != tt.want {
			t.Errorf("remoteIP(%q) = %q, expected %q", tt.remote, got, tt.want)
		}
	}
}

// TestIsAllowedOrigin verifies wildcard origin patterns
func TestIsAllowedOrigin(t *testing.T) {
	tests := []struct {
		allowed []string
		origin  string
		want    bool
	}{
		{nil, "http://localhost:3000", true},
		{nil, "http://127.0.0.1:8080", true},
		{nil, "https://evil.example", false},
		{nil, "", true},
		{[]string{"https://arena.example"}, "https://arena.example", true},
		{[]string{"https://arena.example"}, "http://localhost:3000", false},
		{[]string{"*"}, "https://any.example", true},
	}

	for _, tt := range tests {
		if got := IsAllowedOrigin(tt.allowed, tt.origin); got != tt.want {
			t.Errorf("IsAllowedOrigin(%v, %q) = %v, expected %v", tt.allowed, tt.origin, got, tt.want)
		}
	}
}

// TestSpectatorAdmission verifies the per-IP and total spectator caps
func TestSpectatorAdmission(t *testing.T) {
	hub := NewSpectatorHub(nil, nil)

	for i := 0; i < MaxWSConnectionsPerIP; i++ {
		if reason := hub.admit("a"); reason != "" {
			t.Fatalf("Expected connection %d admitted, got %s", i, reason)
		}
	}
	if reason := hub.admit("a"); reason != "ws_ip_limit" {
		t.Errorf("Expected ws_ip_limit, got %q", reason)
	}
	if reason := hub.admit("b"); reason != "" {
		t.Errorf("Limits should be per IP, got %q", reason)
	}

	hub.release("a")
	if reason := hub.admit("a"); reason != "" {
		t.Errorf("Expected slot freed after release, got %q", reason)
	}

	hub.release("b")
	if _, ok := hub.perIP["b"]; ok {
		t.Error("Expected released address forgotten")
	}

	for i := hub.admitted; i < MaxWSConnectionsTotal; i++ {
		hub.admit(fmt.Sprintf("10.0.%d.%d", i/256, i%256))
	}
	if reason := hub.admit("z"); reason != "ws_total_limit" {
		t.Errorf("Expected ws_total_limit, got %q", reason)
	}
}

// TestSpectatorRejectedOverLimit verifies an address at its cap is refused before upgrade
func TestSpectatorRejectedOverLimit(t *testing.T) {
	hub := NewSpectatorHub(nil, nil)
	for i := 0; i < MaxWSConnectionsPerIP; i++ {
		hub.admit("127.0.0.1")
	}

	ts := httptest.NewServer(NewRouter(RouterConfig{
		Node:           &fakeNode{},
		Bus:            fakeBus{},
		Hub:            hub,
		DisableLogging: true,
	}))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		conn.Close()
		t.Fatal("Expected the upgrade to be refused")
	}
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("Expected 429, got %v", resp)
	}
}

// TestServerRouter verifies NewServer wires API settings into the router
func TestServerRouter(t *testing.T) {
	cfg := config.DefaultAPI()
	cfg.Token = "secret"
	router := NewServer(cfg, &fakeNode{}, fakeBus{}, nil).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("GET", "/health", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest("POST", "/api/intent", strings.NewReader(`{"action":"jump"}`)))
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without token, got %d", rec.Code)
	}
}

// TestSpectatorReceivesWorld verifies spectators get periodic world state
func TestSpectatorReceivesWorld(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	n := &fakeNode{view: sampleView()}
	hub := NewSpectatorHub(nil, nil)
	go hub.Run(ctx)
	hub.StartBroadcastLoop(ctx, n)

	router := NewRouter(RouterConfig{
		Node:           n,
		Bus:            fakeBus{},
		Hub:            hub,
		DisableLogging: true,
	})
	ts := httptest.NewServer(router)
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg struct {
		Event string `json:"event"`
		Data  struct {
			ClientID string         `json:"clientId"`
			World    reconcile.View `json:"world"`
		} `json:"data"`
	}
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("Expected a broadcast: %v", err)
	}
	if msg.Event != "world:state" {
		t.Errorf("Expected world:state, got %s", msg.Event)
	}
	if msg.Data.ClientID != "client-a" || len(msg.Data.World.Players) != 1 {
		t.Errorf("Unexpected payload %+v", msg.Data)
	}
}
