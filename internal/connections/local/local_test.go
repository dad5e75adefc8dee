package local

import (
	"testing"

	"github.com/nerrad567/sensor-reporter/internal/connection"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

func newChannel(t *testing.T, opts map[string]any) *Channel {
	t.Helper()
	values := map[string]any{"Class": Class, "Name": "local"}
	for k, v := range opts {
		values[k] = v
	}
	c, err := New(connection.Env{}, config.NewSection("ConnectionLocal", values))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return c.(*Channel)
}

// listen registers a handler on dest and returns the received messages.
func listen(c *Channel, dest string) *[]string {
	var got []string
	c.Register(routing.Subscription{Source: dest, Endpoint: routing.Endpoint{Device: "led"}}, func(msg string) {
		got = append(got, msg)
	})
	return &got
}

func publish(c *Channel, dest, value string) {
	c.Publish(connection.Publication{
		Value:    value,
		Endpoint: routing.Endpoint{Device: "sensor", StateDests: []string{dest}},
	})
}

func TestPublish_Recoding(t *testing.T) {
	tests := []struct {
		name  string
		opts  map[string]any
		value string
		want  []string
	}{
		{"passthrough", nil, "23.5", []string{"23.5"}},
		{"eq match", map[string]any{"OnEq": "open"}, "open", []string{"ON"}},
		{"eq mismatch", map[string]any{"OnEq": "open"}, "closed", []string{"OFF"}},
		{"gt above", map[string]any{"OnGT": 25.0}, "30", []string{"ON"}},
		{"gt equal", map[string]any{"OnGT": 25.0}, "25", []string{"OFF"}},
		{"lt below", map[string]any{"OnLT": 5}, "4.9", []string{"ON"}},
		{"lt above", map[string]any{"OnLT": 5}, "6", []string{"OFF"}},
		{"eq wins over gt", map[string]any{"OnEq": "7", "OnGT": 1}, "8", []string{"OFF"}},
		{"non numeric dropped", map[string]any{"OnGT": 25.0}, "warm", nil},
		{"toggle forwarded", map[string]any{"OnGT": 25.0}, "TOGGLE", []string{"TOGGLE"}},
		{"timestamp is toggle", map[string]any{"OnEq": "x"}, "2021-10-24T16:23:41.500792", []string{"TOGGLE"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newChannel(t, tt.opts)
			got := listen(c, "led/cmd")
			publish(c, "led/cmd", tt.value)

			if len(*got) != len(tt.want) {
				t.Fatalf("delivered %v, want %v", *got, tt.want)
			}
			for i := range tt.want {
				if (*got)[i] != tt.want[i] {
					t.Errorf("delivered %v, want %v", *got, tt.want)
				}
			}
		})
	}
}

func TestPublish_SilentWithoutHandler(t *testing.T) {
	c := newChannel(t, map[string]any{"OnEq": "open"})
	got := listen(c, "other")
	publish(c, "nobody/listens", "open")
	if len(*got) != 0 {
		t.Errorf("delivered %v to an unrelated handler", *got)
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(connection.Env{}, config.NewSection("ConnectionLocal", map[string]any{"Class": Class})); err == nil {
		t.Error("New() without Name succeeded")
	}
	if _, err := New(connection.Env{}, config.NewSection("ConnectionLocal", map[string]any{
		"Class": Class, "Name": "local", "OnGT": "warm",
	})); err == nil {
		t.Error("New() with non-numeric OnGT succeeded")
	}
}

func TestLifecycle(t *testing.T) {
	c := newChannel(t, nil)
	if c.State() != connection.StateOnline {
		t.Errorf("State() = %s, want ONLINE after New", c.State())
	}
	c.Disconnect()
	c.Disconnect()
	if c.State() != connection.StateOffline {
		t.Errorf("State() = %s, want OFFLINE", c.State())
	}
}
