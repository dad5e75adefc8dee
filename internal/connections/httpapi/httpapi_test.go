package httpapi

import (
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nerrad567/sensor-reporter/internal/connection"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

const testSecret = "correct-horse-battery-staple"

type refreshes struct {
	mu      sync.Mutex
	reasons []string
}

func (r *refreshes) record(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reasons = append(r.reasons, reason)
}

func (r *refreshes) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.reasons)
}

func newTestChannel(t *testing.T, opts map[string]any) (*Channel, *refreshes) {
	t.Helper()
	values := map[string]any{"Class": Class, "Name": "api", "Listen": "127.0.0.1:0"}
	for k, v := range opts {
		values[k] = v
	}
	r := &refreshes{}
	ch, err := New(connection.Env{Refresh: r.record}, config.NewSection("ConnectionHTTP", values))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	t.Cleanup(ch.Disconnect)
	return ch.(*Channel), r
}

// do sends a request and returns the status and body.
func do(t *testing.T, c *Channel, method, path, body, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, "http://"+c.Addr()+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

func publish(c *Channel, device, value string, dests ...string) {
	c.Publish(connection.Publication{
		Value:    value,
		Endpoint: routing.Endpoint{Device: device, StateDests: dests},
	})
}

// ============================================================================
// States
// ============================================================================

func TestStates(t *testing.T) {
	c, _ := newTestChannel(t, nil)

	status, body := do(t, c, http.MethodGet, "/api/v1/states", "", "")
	if status != http.StatusOK || !strings.Contains(body, `"states":[]`) {
		t.Fatalf("empty states = %d %s", status, body)
	}

	publish(c, "porch", "21.5", "porch/temp", "summary")
	publish(c, "porch", "22.0", "porch/temp")

	status, body = do(t, c, http.MethodGet, "/api/v1/states", "", "")
	var list struct{ States []State }
	if err := json.Unmarshal([]byte(body), &list); err != nil || status != http.StatusOK {
		t.Fatalf("states = %d %s (%v)", status, body, err)
	}
	if len(list.States) != 2 || list.States[0].Destination != "porch/temp" || list.States[0].Value != "22.0" ||
		list.States[1].Destination != "summary" || list.States[1].Value != "21.5" {
		t.Errorf("states = %+v", list.States)
	}

	status, body = do(t, c, http.MethodGet, "/api/v1/states/porch/temp", "", "")
	var one State
	if err := json.Unmarshal([]byte(body), &one); err != nil || status != http.StatusOK {
		t.Fatalf("state = %d %s", status, body)
	}
	if one.Value != "22.0" || one.Device != "porch" || one.Updated.IsZero() {
		t.Errorf("state = %+v", one)
	}

	if status, _ := do(t, c, http.MethodGet, "/api/v1/states/nowhere", "", ""); status != http.StatusNotFound {
		t.Errorf("unknown destination status = %d, want 404", status)
	}
}

func TestPublish_DroppedWhenOffline(t *testing.T) {
	c, _ := newTestChannel(t, nil)
	c.Offline()
	publish(c, "porch", "1", "porch/temp")
	if _, ok := c.state("porch/temp"); ok {
		t.Error("state recorded while offline")
	}
}

// ============================================================================
// Commands and refresh
// ============================================================================

func TestCommands(t *testing.T) {
	c, _ := newTestChannel(t, nil)

	got := make(chan string, 1)
	c.Register(routing.Subscription{Source: "lamp/set", Endpoint: routing.Endpoint{Device: "lamp"}}, func(msg string) {
		got <- msg
	})

	for _, method := range []string{http.MethodPut, http.MethodPost} {
		status, body := do(t, c, method, "/api/v1/commands/lamp/set", " ON\n", "")
		if status != http.StatusAccepted {
			t.Fatalf("%s status = %d %s", method, status, body)
		}
		select {
		case msg := <-got:
			if msg != "ON" {
				t.Errorf("delivered %q, want ON", msg)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("%s: command not delivered", method)
		}
	}

	if status, _ := do(t, c, http.MethodPut, "/api/v1/commands/fan/set", "ON", ""); status != http.StatusNotFound {
		t.Errorf("unregistered destination status = %d, want 404", status)
	}
	if status, _ := do(t, c, http.MethodPut, "/api/v1/commands/lamp/set", "  ", ""); status != http.StatusBadRequest {
		t.Errorf("empty command status = %d, want 400", status)
	}
	if status, _ := do(t, c, http.MethodGet, "/api/v1/commands/lamp/set", "", ""); status != http.StatusMethodNotAllowed {
		t.Errorf("GET command status = %d, want 405", status)
	}
}

func TestRefresh(t *testing.T) {
	c, r := newTestChannel(t, nil)
	if status, _ := do(t, c, http.MethodPost, "/api/v1/refresh", "", ""); status != http.StatusAccepted {
		t.Fatalf("refresh status = %d", status)
	}
	if r.count() != 1 || !strings.HasPrefix(r.reasons[0], "HTTP refresh") {
		t.Errorf("refresh reasons = %v", r.reasons)
	}
}

// ============================================================================
// Devices
// ============================================================================

func TestDevices(t *testing.T) {
	c, _ := newTestChannel(t, nil)

	lamp := routing.NewTable("lamp")
	lamp.Add("api", routing.Endpoint{StateDests: []string{"lamp/state"}, CommandSrcs: []string{"lamp/set"}})
	lamp.Describe("", routing.Meta{DataType: routing.TypeBoolean, Settable: true})

	other := routing.NewTable("porch")
	other.Add("mqtt", routing.Endpoint{StateDests: []string{"porch/temp"}})
	other.Describe("", routing.Meta{DataType: routing.TypeFloat, Unit: "°C"})

	c.Announce([]*routing.Table{lamp, other})

	status, body := do(t, c, http.MethodGet, "/api/v1/devices", "", "")
	if status != http.StatusOK {
		t.Fatalf("devices status = %d", status)
	}
	var resp struct{ Devices []deviceInfo }
	if err := json.Unmarshal([]byte(body), &resp); err != nil {
		t.Fatal(err)
	}
	if len(resp.Devices) != 1 || resp.Devices[0].Device != "lamp" {
		t.Fatalf("devices = %+v, want only lamp", resp.Devices)
	}
	slot := resp.Devices[0].Slots[0]
	if slot.Name != "lamp" || slot.DataType != routing.TypeBoolean || !slot.Settable ||
		slot.State[0] != "lamp/state" || slot.Command[0] != "lamp/set" {
		t.Errorf("slot = %+v", slot)
	}
}

// ============================================================================
// Authentication
// ============================================================================

func TestAuth(t *testing.T) {
	c, _ := newTestChannel(t, map[string]any{"Secret": testSecret})

	if status, _ := do(t, c, http.MethodGet, "/api/v1/health", "", ""); status != http.StatusOK {
		t.Errorf("health without token = %d, want 200", status)
	}
	if status, _ := do(t, c, http.MethodGet, "/api/v1/states", "", ""); status != http.StatusUnauthorized {
		t.Errorf("states without token = %d, want 401", status)
	}

	bad, err := IssueToken("another-secret", "dashboard", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if status, _ := do(t, c, http.MethodGet, "/api/v1/states", "", bad); status != http.StatusUnauthorized {
		t.Errorf("states with foreign token = %d, want 401", status)
	}

	good, err := IssueToken(testSecret, "dashboard", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if status, _ := do(t, c, http.MethodGet, "/api/v1/states", "", good); status != http.StatusOK {
		t.Errorf("states with token = %d, want 200", status)
	}
	if status, _ := do(t, c, http.MethodGet, "/api/v1/states?access_token="+good, "", ""); status != http.StatusOK {
		t.Errorf("states with query token = %d, want 200", status)
	}
}

func TestParseToken(t *testing.T) {
	expired, err := IssueToken(testSecret, "dashboard", -time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	// A non-positive ttl never expires.
	if _, err := ParseToken(expired, testSecret); err != nil {
		t.Errorf("ParseToken(no expiry) error = %v", err)
	}

	short, err := IssueToken(testSecret, "dashboard", time.Nanosecond)
	if err != nil {
		t.Fatal(err)
	}
	time.Sleep(1100 * time.Millisecond)
	if _, err := ParseToken(short, testSecret); err == nil {
		t.Error("ParseToken accepted an expired token")
	}

	if _, err := ParseToken("not.a.token", testSecret); err == nil {
		t.Error("ParseToken accepted garbage")
	}
	if _, err := IssueToken("", "dashboard", 0); err == nil {
		t.Error("IssueToken with empty secret succeeded")
	}
	if _, err := IssueToken(testSecret, "", 0); err == nil {
		t.Error("IssueToken with empty subject succeeded")
	}
}

// ============================================================================
// Middleware
// ============================================================================

func TestCORS(t *testing.T) {
	c, _ := newTestChannel(t, map[string]any{"AllowedOrigins": []any{"http://dash.lan"}})

	req, _ := http.NewRequest(http.MethodOptions, "http://"+c.Addr()+"/api/v1/states", nil)
	req.Header.Set("Origin", "http://dash.lan")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent || resp.Header.Get("Access-Control-Allow-Origin") != "http://dash.lan" {
		t.Errorf("preflight = %d %q", resp.StatusCode, resp.Header.Get("Access-Control-Allow-Origin"))
	}
	if resp.Header.Get("X-Request-ID") == "" {
		t.Error("no X-Request-ID header")
	}

	req.Header.Set("Origin", "http://evil.example")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.Header.Get("Access-Control-Allow-Origin") != "" {
		t.Error("foreign origin allowed")
	}
}

// ============================================================================
// Lifecycle
// ============================================================================

func TestNew_Errors(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer ln.Close()

	tests := []struct {
		name   string
		values map[string]any
	}{
		{"missing name", map[string]any{"Class": Class, "Listen": "127.0.0.1:0"}},
		{"address in use", map[string]any{"Class": Class, "Name": "api", "Listen": ln.Addr().String()}},
		{"zero ping", map[string]any{"Class": Class, "Name": "api", "Listen": "127.0.0.1:0", "PingInterval": 0}},
		{"plaintext user", map[string]any{"Class": Class, "Name": "api", "Listen": "127.0.0.1:0", "Users": map[string]any{"bob": "hunter2"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := New(connection.Env{}, config.NewSection("ConnectionHTTP", tt.values)); err == nil {
				t.Error("New() succeeded")
			}
		})
	}
}

func TestDisconnect_StopsServer(t *testing.T) {
	c, _ := newTestChannel(t, nil)
	addr := c.Addr()
	c.Disconnect()

	if c.State() != connection.StateOffline {
		t.Errorf("State() = %s, want OFFLINE", c.State())
	}
	if _, err := http.Get("http://" + addr + "/api/v1/health"); err == nil {
		t.Error("server still answering after Disconnect")
	}
}
