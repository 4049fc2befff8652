package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nerrad567/meter-sim/internal/audit"
	"github.com/nerrad567/meter-sim/internal/infrastructure/config"
	"github.com/nerrad567/meter-sim/internal/journal"
	"github.com/nerrad567/meter-sim/internal/meter"
)

const testSecret = "test-secret-key-at-least-32-characters-long"

// fakeMeter is a MeterService with directly settable status.
type fakeMeter struct {
	mu        sync.Mutex
	status    meter.Status
	sinks     []meter.ReadingSink
	commands  []meter.Command
	subjects  []string
	observers []meter.CommandObserver
	panics    bool
}

func (f *fakeMeter) Status() meter.Status {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panics {
		panic("status exploded")
	}
	return f.status
}

func (f *fakeMeter) Control(cmd meter.Command, subject string) bool {
	return f.apply(cmd, meter.SourceAPI, subject)
}

// apply mirrors meter.ControlHandler.Apply, including observer notification.
func (f *fakeMeter) apply(cmd meter.Command, source, subject string) bool {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.subjects = append(f.subjects, subject)
	switch cmd {
	case meter.CommandDisconnect:
		f.status.State.SimulatedDisconnect = true
		f.status.State.FreezeCause = meter.FreezeOperator
	case meter.CommandConnect:
		f.status.State.SimulatedDisconnect = false
		f.status.State.FreezeCause = meter.FreezeNone
	default:
		f.mu.Unlock()
		return false
	}
	ev := meter.CommandEvent{Command: cmd, Source: source, Subject: subject, State: f.status.State, At: time.Now()}
	observers := append([]meter.CommandObserver(nil), f.observers...)
	f.mu.Unlock()

	for _, fn := range observers {
		fn(ev)
	}
	return true
}

func (f *fakeMeter) OnCommand(fn meter.CommandObserver) {
	f.mu.Lock()
	f.observers = append(f.observers, fn)
	f.mu.Unlock()
}

func (f *fakeMeter) AddSink(sink meter.ReadingSink) {
	f.mu.Lock()
	f.sinks = append(f.sinks, sink)
	f.mu.Unlock()
}

type fakeConn struct{ connected bool }

func (c fakeConn) IsConnected() bool { return c.connected }

// fakeJournal returns canned entries and records the requested limit.
type fakeJournal struct {
	entries []journal.Entry
	err     error
	limit   int
}

func (j *fakeJournal) Record(context.Context, journal.Entry) error { return nil }

func (j *fakeJournal) Recent(_ context.Context, limit int) ([]journal.Entry, error) {
	j.limit = limit
	return j.entries, j.err
}

func (j *fakeJournal) Prune(context.Context, time.Duration) (int64, error) { return 0, nil }

// fakeAudit returns canned logs and records the filter it was given.
type fakeAudit struct {
	logs   []audit.AuditLog
	err    error
	filter audit.Filter
}

func (a *fakeAudit) Create(context.Context, *audit.AuditLog) error { return nil }

func (a *fakeAudit) List(_ context.Context, f audit.Filter) (*audit.ListResult, error) {
	a.filter = f
	if a.err != nil {
		return nil, a.err
	}
	return &audit.ListResult{Logs: a.logs, Total: len(a.logs), Limit: f.Limit, Offset: f.Offset}, nil
}

type testOpts struct {
	authRequired bool
	mqtt         ConnectionChecker
	journal      journal.Repository
	audit        audit.Repository
}

func testServer(t *testing.T, opts testOpts) (*Server, *fakeMeter) {
	t.Helper()
	m := &fakeMeter{status: meter.Status{MeterID: "meter-1", Recovery: meter.StateConnected}}

	deps := Deps{
		Config: config.APIConfig{
			Enabled:      true,
			Host:         "127.0.0.1",
			Port:         0,
			AuthRequired: opts.authRequired,
			Timeouts:     config.APITimeoutConfig{Read: 5, Write: 5, Idle: 5},
		},
		WS: config.WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Security: config.SecurityConfig{JWT: config.JWTConfig{Secret: testSecret}},
		Meter:    m,
		Version:  "test",
	}
	if opts.mqtt != nil {
		deps.MQTT = opts.mqtt
	}
	if opts.journal != nil {
		deps.Journal = opts.journal
	}
	if opts.audit != nil {
		deps.Audit = opts.audit
	}

	srv, err := New(deps)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return srv, m
}

func do(t *testing.T, srv *Server, method, path, body string, header http.Header) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	w := httptest.NewRecorder()
	srv.buildRouter().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(w.Body.Bytes(), &v); err != nil {
		t.Fatalf("unmarshal %q: %v", w.Body.String(), err)
	}
	return v
}

func signToken(t *testing.T, secret string, method jwt.SigningMethod, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(method, jwt.RegisteredClaims{
		Subject:   "operator",
		ExpiresAt: jwt.NewNumericDate(exp),
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("signing token: %v", err)
	}
	return signed
}

func bearer(token string) http.Header {
	return http.Header{"Authorization": []string{"Bearer " + token}}
}

// ============================================================================
// Construction
// ============================================================================

func TestNew_RequiresMeter(t *testing.T) {
	if _, err := New(Deps{}); err == nil {
		t.Error("New() without a meter service should fail")
	}
}

func TestNew_RegistersHub(t *testing.T) {
	srv, m := testServer(t, testOpts{})
	if len(m.sinks) != 1 || m.sinks[0] != srv.Hub() {
		t.Errorf("sinks = %v, want the hub", m.sinks)
	}
	if len(m.observers) != 1 {
		t.Errorf("observers = %d, want the hub's command observer", len(m.observers))
	}
}

// ============================================================================
// Health
// ============================================================================

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		mqtt       ConnectionChecker
		wantStatus string
		wantMQTT   bool
	}{
		{"connected", fakeConn{connected: true}, "ok", true},
		{"disconnected", fakeConn{connected: false}, "degraded", false},
		{"no transport", nil, "degraded", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := testServer(t, testOpts{mqtt: tt.mqtt})
			w := do(t, srv, http.MethodGet, "/api/v1/health", "", nil)

			if w.Code != http.StatusOK {
				t.Fatalf("status = %d, want 200", w.Code)
			}
			if ct := w.Header().Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}
			resp := decode[map[string]any](t, w)
			if resp["status"] != tt.wantStatus {
				t.Errorf("status = %v, want %v", resp["status"], tt.wantStatus)
			}
			if resp["mqtt_connected"] != tt.wantMQTT {
				t.Errorf("mqtt_connected = %v, want %v", resp["mqtt_connected"], tt.wantMQTT)
			}
			if resp["version"] != "test" || resp["recovery"] != "CONNECTED" {
				t.Errorf("unexpected body %v", resp)
			}
		})
	}
}

// ============================================================================
// Middleware
// ============================================================================

func TestRequestID_Generated(t *testing.T) {
	srv, _ := testServer(t, testOpts{})
	w := do(t, srv, http.MethodGet, "/api/v1/health", "", nil)

	if _, err := uuid.Parse(w.Header().Get("X-Request-ID")); err != nil {
		t.Errorf("X-Request-ID %q is not a UUID: %v", w.Header().Get("X-Request-ID"), err)
	}
}

func TestRequestID_PreservesClient(t *testing.T) {
	srv, _ := testServer(t, testOpts{})
	w := do(t, srv, http.MethodGet, "/api/v1/health", "", http.Header{"X-Request-Id": []string{"client-123"}})

	if got := w.Header().Get("X-Request-ID"); got != "client-123" {
		t.Errorf("X-Request-ID = %q, want client-123", got)
	}
}

func TestRecoveryMiddleware(t *testing.T) {
	srv, m := testServer(t, testOpts{})
	m.panics = true

	w := do(t, srv, http.MethodGet, "/api/v1/meter", "", nil)
	if w.Code != http.StatusInternalServerError {
		t.Errorf("status = %d, want 500", w.Code)
	}
	if body := decode[Error](t, w); body.Code != ErrCodeInternal {
		t.Errorf("code = %q, want %q", body.Code, ErrCodeInternal)
	}
}

func TestBodySizeLimit(t *testing.T) {
	srv, m := testServer(t, testOpts{})
	body := `{"command":"` + strings.Repeat("x", maxRequestBodySize) + `"}`

	w := do(t, srv, http.MethodPost, "/api/v1/meter/control", body, nil)
	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", w.Code)
	}
	if len(m.commands) != 0 {
		t.Error("oversized body must not reach the meter")
	}
}

func TestNotFoundAndMethodNotAllowed(t *testing.T) {
	srv, _ := testServer(t, testOpts{})

	w := do(t, srv, http.MethodGet, "/api/v1/nonexistent", "", nil)
	if w.Code != http.StatusNotFound || decode[Error](t, w).Code != ErrCodeNotFound {
		t.Errorf("unknown path: %d %s", w.Code, w.Body.String())
	}

	w = do(t, srv, http.MethodDelete, "/api/v1/meter", "", nil)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("DELETE /meter status = %d, want 405", w.Code)
	}
}

// ============================================================================
// Meter
// ============================================================================

func TestGetMeter(t *testing.T) {
	srv, m := testServer(t, testOpts{})

	w := do(t, srv, http.MethodGet, "/api/v1/meter", "", nil)
	view := decode[map[string]any](t, w)
	if _, ok := view["last_published"]; ok {
		t.Error("last_published should be omitted before the first tick")
	}

	at := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	m.status.State = meter.MeterState{LastReading: 42, LastReadingBeforeDisconnect: 40}
	m.status.Ticks = 3
	m.status.Outages = 1
	m.status.LastPublished = meter.Publication{Value: 42, Published: false, Err: errors.New("mqtt: not connected"), At: at}

	w = do(t, srv, http.MethodGet, "/api/v1/meter", "", nil)
	got := decode[meterView](t, w)
	if got.MeterID != "meter-1" || got.LastReading != 42 || got.Ticks != 3 || got.Outages != 1 {
		t.Errorf("view = %+v", got)
	}
	if got.FreezeCause != "none" || got.Recovery != "CONNECTED" {
		t.Errorf("freeze_cause/recovery = %q/%q", got.FreezeCause, got.Recovery)
	}
	if got.LastPublished == nil || got.LastPublished.Error != "mqtt: not connected" || !got.LastPublished.At.Equal(at) {
		t.Errorf("last_published = %+v", got.LastPublished)
	}
}

func TestControl(t *testing.T) {
	srv, m := testServer(t, testOpts{})

	w := do(t, srv, http.MethodPost, "/api/v1/meter/control", `{"command":"Disconnect"}`, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("Disconnect status = %d: %s", w.Code, w.Body.String())
	}
	if view := decode[meterView](t, w); !view.SimulatedDisconnect || view.FreezeCause != "operator" {
		t.Errorf("view after Disconnect = %+v", view)
	}

	w = do(t, srv, http.MethodPost, "/api/v1/meter/control", `{"command":"Connect"}`, nil)
	if w.Code != http.StatusOK || decode[meterView](t, w).SimulatedDisconnect {
		t.Errorf("Connect: %d %s", w.Code, w.Body.String())
	}

	if len(m.commands) != 2 || m.commands[0] != meter.CommandDisconnect || m.commands[1] != meter.CommandConnect {
		t.Errorf("commands = %v", m.commands)
	}
}

func TestControl_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantCode int
	}{
		{"invalid json", `{"command":`, http.StatusBadRequest},
		{"lowercase", `{"command":"connect"}`, http.StatusUnprocessableEntity},
		{"unknown", `{"command":"Reboot"}`, http.StatusUnprocessableEntity},
		{"missing", `{}`, http.StatusUnprocessableEntity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, m := testServer(t, testOpts{})
			w := do(t, srv, http.MethodPost, "/api/v1/meter/control", tt.body, nil)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantCode == http.StatusUnprocessableEntity {
				if body := decode[Error](t, w); body.Code != ErrCodeInvalidCommand {
					t.Errorf("code = %q, want %q", body.Code, ErrCodeInvalidCommand)
				}
			}
			if m.status.State.SimulatedDisconnect {
				t.Error("rejected command changed meter state")
			}
		})
	}
}

func TestControl_Auth(t *testing.T) {
	valid := signToken(t, testSecret, jwt.SigningMethodHS256, time.Now().Add(time.Hour))

	tests := []struct {
		name     string
		header   http.Header
		wantCode int
	}{
		{"no token", nil, http.StatusUnauthorized},
		{"malformed header", http.Header{"Authorization": []string{"Token abc"}}, http.StatusUnauthorized},
		{"wrong secret", bearer(signToken(t, "another-secret-another-secret-1234", jwt.SigningMethodHS256, time.Now().Add(time.Hour))), http.StatusUnauthorized},
		{"wrong algorithm", bearer(signToken(t, testSecret, jwt.SigningMethodHS512, time.Now().Add(time.Hour))), http.StatusUnauthorized},
		{"expired", bearer(signToken(t, testSecret, jwt.SigningMethodHS256, time.Now().Add(-time.Minute))), http.StatusUnauthorized},
		{"valid", bearer(valid), http.StatusOK},
		{"lowercase scheme", http.Header{"Authorization": []string{"bearer " + valid}}, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv, _ := testServer(t, testOpts{authRequired: true})
			w := do(t, srv, http.MethodPost, "/api/v1/meter/control", `{"command":"Disconnect"}`, tt.header)
			if w.Code != tt.wantCode {
				t.Errorf("status = %d, want %d (%s)", w.Code, tt.wantCode, w.Body.String())
			}
		})
	}
}

func TestControl_AuthNotRequiredForReads(t *testing.T) {
	srv, _ := testServer(t, testOpts{authRequired: true})
	if w := do(t, srv, http.MethodGet, "/api/v1/meter", "", nil); w.Code != http.StatusOK {
		t.Errorf("GET /meter status = %d, want 200", w.Code)
	}
}

// ============================================================================
// Readings
// ============================================================================

func TestListReadings_NoJournal(t *testing.T) {
	srv, _ := testServer(t, testOpts{})
	w := do(t, srv, http.MethodGet, "/api/v1/readings", "", nil)
	if w.Code != http.StatusNotFound || decode[Error](t, w).Code != ErrCodeNotEnabled {
		t.Errorf("no journal: %d %s", w.Code, w.Body.String())
	}
}

func TestListReadings(t *testing.T) {
	j := &fakeJournal{entries: []journal.Entry{
		{ID: 2, MeterID: "meter-1", Value: 5, Published: true},
		{ID: 1, MeterID: "meter-1", Value: 3, Published: false, Error: "mqtt: not connected"},
	}}
	srv, _ := testServer(t, testOpts{journal: j})

	w := do(t, srv, http.MethodGet, "/api/v1/readings?limit=2", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	resp := decode[struct {
		Readings []journal.Entry `json:"readings"`
		Count    int             `json:"count"`
	}](t, w)
	if resp.Count != 2 || resp.Readings[0].Value != 5 || resp.Readings[1].Error == "" {
		t.Errorf("response = %+v", resp)
	}
	if j.limit != 2 {
		t.Errorf("limit passed = %d, want 2", j.limit)
	}

	do(t, srv, http.MethodGet, "/api/v1/readings", "", nil)
	if j.limit != 0 {
		t.Errorf("default limit passed = %d, want 0 (repository default)", j.limit)
	}
}

func TestListReadings_Errors(t *testing.T) {
	for _, q := range []string{"abc", "0", "-1"} {
		srv, _ := testServer(t, testOpts{journal: &fakeJournal{}})
		if w := do(t, srv, http.MethodGet, "/api/v1/readings?limit="+q, "", nil); w.Code != http.StatusBadRequest {
			t.Errorf("limit=%s status = %d, want 400", q, w.Code)
		}
	}

	srv, _ := testServer(t, testOpts{journal: &fakeJournal{err: errors.New("disk I/O error")}})
	if w := do(t, srv, http.MethodGet, "/api/v1/readings", "", nil); w.Code != http.StatusInternalServerError {
		t.Errorf("repository error status = %d, want 500", w.Code)
	}
}

func TestControl_PassesTokenSubject(t *testing.T) {
	srv, m := testServer(t, testOpts{authRequired: true})
	token := signToken(t, testSecret, jwt.SigningMethodHS256, time.Now().Add(time.Hour))

	w := do(t, srv, http.MethodPost, "/api/v1/meter/control", `{"command":"Disconnect"}`, bearer(token))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if len(m.subjects) != 1 || m.subjects[0] != "operator" {
		t.Errorf("subjects = %v, want [operator]", m.subjects)
	}
}

// ============================================================================
// Audit
// ============================================================================

func TestListAudit_NoRepository(t *testing.T) {
	srv, _ := testServer(t, testOpts{})
	w := do(t, srv, http.MethodGet, "/api/v1/audit", "", nil)
	if w.Code != http.StatusNotFound || decode[Error](t, w).Code != ErrCodeNotEnabled {
		t.Errorf("no audit repository: %d %s", w.Code, w.Body.String())
	}
}

func TestListAudit(t *testing.T) {
	a := &fakeAudit{logs: []audit.AuditLog{
		{ID: "aud-1", Action: audit.ActionDisconnect, MeterID: "meter-1", Source: meter.SourceMQTT},
	}}
	srv, _ := testServer(t, testOpts{audit: a})

	w := do(t, srv, http.MethodGet, "/api/v1/audit?action=disconnect&source=mqtt&limit=5&offset=10", "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body.String())
	}
	want := audit.Filter{Action: "disconnect", Source: "mqtt", Limit: 5, Offset: 10}
	if a.filter != want {
		t.Errorf("filter = %+v, want %+v", a.filter, want)
	}
	result := decode[audit.ListResult](t, w)
	if result.Total != 1 || result.Logs[0].ID != "aud-1" {
		t.Errorf("result = %+v", result)
	}
}

func TestListAudit_Errors(t *testing.T) {
	for _, q := range []string{"limit=x", "offset=-1"} {
		srv, _ := testServer(t, testOpts{audit: &fakeAudit{}})
		if w := do(t, srv, http.MethodGet, "/api/v1/audit?"+q, "", nil); w.Code != http.StatusBadRequest {
			t.Errorf("%s status = %d, want 400", q, w.Code)
		}
	}

	srv, _ := testServer(t, testOpts{audit: &fakeAudit{err: errors.New("disk I/O error")}})
	if w := do(t, srv, http.MethodGet, "/api/v1/audit", "", nil); w.Code != http.StatusInternalServerError {
		t.Errorf("repository error status = %d, want 500", w.Code)
	}
}

// ============================================================================
// Lifecycle & WebSocket
// ============================================================================

func startServer(t *testing.T, opts testOpts) (*Server, *fakeMeter) {
	t.Helper()
	srv, m := testServer(t, opts)
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	t.Cleanup(func() { srv.Close() }) //nolint:errcheck // test cleanup
	return srv, m
}

func TestServer_Lifecycle(t *testing.T) {
	srv, _ := testServer(t, testOpts{})
	if srv.Addr() != "" {
		t.Error("Addr() before Start should be empty")
	}
	if err := srv.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() before Start should fail")
	}

	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("Start() error: %v", err)
	}
	if err := srv.Start(context.Background()); err == nil {
		t.Error("second Start() should fail")
	}
	if err := srv.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error: %v", err)
	}

	resp, err := http.Get("http://" + srv.Addr() + "/api/v1/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d", resp.StatusCode)
	}

	if err := srv.Close(); err != nil {
		t.Errorf("Close() error: %v", err)
	}
	if err := srv.Close(); err != nil {
		t.Errorf("second Close() error: %v", err)
	}
}

func TestServer_StartPortInUse(t *testing.T) {
	first, _ := startServer(t, testOpts{})

	_, port, err := net.SplitHostPort(first.Addr())
	if err != nil {
		t.Fatalf("SplitHostPort(%q): %v", first.Addr(), err)
	}
	second, _ := testServer(t, testOpts{})
	second.cfg.Port, _ = strconv.Atoi(port) //nolint:errcheck // port from a live listener
	if err := second.Start(context.Background()); err == nil {
		second.Close() //nolint:errcheck // unexpected success
		t.Error("Start() on a bound port should fail")
	}
}

func dialWS(t *testing.T, srv *Server) *websocket.Conn {
	t.Helper()
	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+srv.Addr()+"/api/v1/ws", nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v (resp: %v)", err, resp)
	}
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	t.Cleanup(func() { ws.Close() })
	return ws
}

func readWS(t *testing.T, ws *websocket.Conn) WSMessage {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err != nil {
		t.Fatalf("read websocket message: %v", err)
	}
	return msg
}

func subscribe(t *testing.T, ws *websocket.Conn, channels ...string) {
	t.Helper()
	if err := ws.WriteJSON(WSMessage{
		Type:    WSTypeSubscribe,
		ID:      "sub-1",
		Payload: WSSubscribePayload{Channels: channels},
	}); err != nil {
		t.Fatalf("write subscribe: %v", err)
	}
	if resp := readWS(t, ws); resp.Type != WSTypeResponse || resp.ID != "sub-1" {
		t.Fatalf("subscribe response = %+v", resp)
	}
}

func TestWebSocket_ReadingStream(t *testing.T) {
	srv, m := startServer(t, testOpts{})
	ws := dialWS(t, srv)
	subscribe(t, ws, ChannelReading)

	if srv.Hub().ClientCount() != 1 {
		t.Errorf("ClientCount() = %d, want 1", srv.Hub().ClientCount())
	}

	// The hub was registered as a sink; drive it the way the scheduler does.
	if err := m.sinks[0].RecordReading(context.Background(), meter.Publication{Value: 17, Published: true}); err != nil {
		t.Fatalf("RecordReading() error: %v", err)
	}

	msg := readWS(t, ws)
	if msg.Type != WSTypeEvent || msg.EventType != ChannelReading {
		t.Fatalf("event = %+v", msg)
	}
	payload, _ := msg.Payload.(map[string]any) //nolint:errcheck // checked below
	if payload["value"] != float64(17) || payload["published"] != true {
		t.Errorf("payload = %v", payload)
	}
}

func TestWebSocket_ControlEvent(t *testing.T) {
	srv, _ := startServer(t, testOpts{})
	ws := dialWS(t, srv)
	subscribe(t, ws, ChannelControl)

	resp, err := http.Post("http://"+srv.Addr()+"/api/v1/meter/control", "application/json",
		strings.NewReader(`{"command":"Disconnect"}`))
	if err != nil {
		t.Fatalf("POST control: %v", err)
	}
	resp.Body.Close()

	msg := readWS(t, ws)
	if msg.EventType != ChannelControl {
		t.Fatalf("event = %+v", msg)
	}
	payload, _ := msg.Payload.(map[string]any) //nolint:errcheck // checked below
	if payload["command"] != "Disconnect" || payload["simulated_disconnect"] != true || payload["source"] != meter.SourceAPI {
		t.Errorf("payload = %v", payload)
	}
}

// Commands from the MQTT control topic reach subscribers as well.
func TestWebSocket_ControlEventFromMQTT(t *testing.T) {
	srv, m := startServer(t, testOpts{})
	ws := dialWS(t, srv)
	subscribe(t, ws, ChannelControl)

	if !m.apply(meter.CommandDisconnect, meter.SourceMQTT, "") {
		t.Fatal("apply(Disconnect) = false")
	}

	msg := readWS(t, ws)
	if msg.EventType != ChannelControl {
		t.Fatalf("event = %+v", msg)
	}
	payload, _ := msg.Payload.(map[string]any) //nolint:errcheck // checked below
	if payload["command"] != "Disconnect" || payload["source"] != meter.SourceMQTT {
		t.Errorf("payload = %v", payload)
	}
	if _, ok := payload["subject"]; ok {
		t.Errorf("empty subject should be omitted: %v", payload)
	}
}

func TestWebSocket_PingAndUnknown(t *testing.T) {
	srv, _ := startServer(t, testOpts{})
	ws := dialWS(t, srv)

	if err := ws.WriteJSON(WSMessage{Type: WSTypePing, ID: "p1"}); err != nil {
		t.Fatal(err)
	}
	if msg := readWS(t, ws); msg.Type != WSTypePong || msg.ID != "p1" {
		t.Errorf("ping reply = %+v", msg)
	}

	if err := ws.WriteJSON(WSMessage{Type: "bogus", ID: "b1"}); err != nil {
		t.Fatal(err)
	}
	if msg := readWS(t, ws); msg.Type != WSTypeError || msg.ID != "b1" {
		t.Errorf("unknown type reply = %+v", msg)
	}
}

func TestWebSocket_UnsubscribedClientGetsNothing(t *testing.T) {
	srv, _ := startServer(t, testOpts{})
	ws := dialWS(t, srv)
	subscribe(t, ws, ChannelReading)

	if err := ws.WriteJSON(WSMessage{
		Type: WSTypeUnsubscribe, ID: "u1",
		Payload: WSSubscribePayload{Channels: []string{ChannelReading}},
	}); err != nil {
		t.Fatal(err)
	}
	if msg := readWS(t, ws); msg.ID != "u1" {
		t.Fatalf("unsubscribe reply = %+v", msg)
	}

	srv.Hub().Broadcast(ChannelReading, map[string]any{"value": 1})

	ws.SetReadDeadline(time.Now().Add(200 * time.Millisecond)) //nolint:errcheck // test
	var msg WSMessage
	if err := ws.ReadJSON(&msg); err == nil {
		t.Errorf("unexpected message after unsubscribe: %+v", msg)
	}
}

func TestHub_CloseDisconnectsClients(t *testing.T) {
	srv, _ := startServer(t, testOpts{})
	ws := dialWS(t, srv)
	subscribe(t, ws, ChannelReading)

	if err := srv.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	ws.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test
	if _, _, err := ws.ReadMessage(); err == nil {
		t.Error("expected the connection to be closed")
	}
}
