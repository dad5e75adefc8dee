package httpapi

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dial(t *testing.T, c *Channel, query string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+c.Addr()+"/api/v1/ws"+query, nil)
	if err != nil {
		if resp != nil {
			t.Fatalf("dial: %v (status %d)", err, resp.StatusCode)
		}
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readEvent(t *testing.T, conn *websocket.Conn) event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("reading websocket frame: %v", err)
	}
	var ev event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("decoding %s: %v", data, err)
	}
	return ev
}

// waitClients blocks until the hub holds n clients.
func waitClients(t *testing.T, c *Channel, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for c.hub.count() != n {
		if time.Now().After(deadline) {
			t.Fatalf("hub has %d clients, want %d", c.hub.count(), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestWebSocket_SnapshotThenLive(t *testing.T) {
	c, _ := newTestChannel(t, nil)
	publish(c, "porch", "21.5", "porch/temp")

	conn := dial(t, c, "")
	waitClients(t, c, 1)

	if ev := readEvent(t, conn); ev.Type != "state" || ev.State.Value != "21.5" {
		t.Errorf("snapshot event = %+v", ev)
	}

	publish(c, "porch", "22.0", "porch/temp")
	if ev := readEvent(t, conn); ev.State.Destination != "porch/temp" || ev.State.Value != "22.0" {
		t.Errorf("live event = %+v", ev)
	}
}

func TestWebSocket_Filter(t *testing.T) {
	c, _ := newTestChannel(t, nil)
	conn := dial(t, c, "?dest=lamp/state")
	waitClients(t, c, 1)

	publish(c, "porch", "21.5", "porch/temp")
	publish(c, "lamp", "ON", "lamp/state")

	if ev := readEvent(t, conn); ev.State.Destination != "lamp/state" {
		t.Errorf("first event = %+v, want lamp/state only", ev)
	}
}

func TestWebSocket_Auth(t *testing.T) {
	c, _ := newTestChannel(t, map[string]any{"Secret": testSecret})

	if _, _, err := websocket.DefaultDialer.Dial("ws://"+c.Addr()+"/api/v1/ws", nil); err == nil {
		t.Error("websocket accepted without a token")
	}

	token, err := IssueToken(testSecret, "dashboard", time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	dial(t, c, "?access_token="+token)
	waitClients(t, c, 1)
}

func TestWebSocket_ClosedOnDisconnect(t *testing.T) {
	c, _ := newTestChannel(t, nil)
	conn := dial(t, c, "")
	waitClients(t, c, 1)

	c.Disconnect()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck // test
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("websocket still open after Disconnect")
	}
	if c.hub.count() != 0 {
		t.Errorf("hub still holds %d clients", c.hub.count())
	}
}
