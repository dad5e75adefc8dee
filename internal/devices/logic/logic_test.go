package logic

import (
	"errors"
	"testing"

	"github.com/nerrad567/sensor-reporter/internal/connection"
	"github.com/nerrad567/sensor-reporter/internal/connection/connectiontest"
	"github.com/nerrad567/sensor-reporter/internal/connections/local"
	"github.com/nerrad567/sensor-reporter/internal/device"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

type fixture struct {
	local *local.Channel
	gate  *Or
	out   map[string][]string
}

func newLocal(t *testing.T) *local.Channel {
	t.Helper()
	c, err := local.New(connection.Env{}, config.NewSection("ConnectionLocal", map[string]any{"Class": local.Class, "Name": "local"}))
	if err != nil {
		t.Fatalf("local.New() error = %v", err)
	}
	return c.(*local.Channel)
}

func newFixture(t *testing.T, extra map[string]any) *fixture {
	t.Helper()
	f := &fixture{local: newLocal(t), out: make(map[string][]string)}
	for _, dest := range []string{"light/hall", "light/porch"} {
		f.local.Register(routing.Subscription{Source: dest, Endpoint: routing.Endpoint{Device: "light"}}, func(msg string) {
			f.out[dest] = append(f.out[dest], msg)
		})
	}

	values := map[string]any{
		"Class": Class,
		"Connections": map[string]any{
			"local": map[string]any{
				"Input":  map[string]any{"StateDest": []any{"motion/hall", "door/front"}},
				"Enable": map[string]any{"StateDest": "hall/auto"},
				"Output": map[string]any{"StateDest": []any{"light/hall", "light/porch"}},
			},
		},
	}
	for k, v := range extra {
		values[k] = v
	}
	env := device.Env{Channels: map[string]connection.Channel{"local": f.local}}
	d, err := New(env, config.NewSection("ActuatorHallLight", values))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	f.gate = d.(*Or)
	return f
}

func (f *fixture) send(dest, value string) {
	f.local.Publish(connection.Publication{
		Value:    value,
		Endpoint: routing.Endpoint{Device: "sensor", StateDests: []string{dest}},
	})
}

func (f *fixture) wantOut(t *testing.T, want ...string) {
	t.Helper()
	for _, dest := range []string{"light/hall", "light/porch"} {
		got := f.out[dest]
		if len(got) != len(want) {
			t.Fatalf("%s received %q, want %q", dest, got, want)
		}
		for i := range want {
			if got[i] != want[i] {
				t.Fatalf("%s received %q, want %q", dest, got, want)
			}
		}
	}
}

// ============================================================================
// Gate behaviour
// ============================================================================

func TestOr_PublishesOnChangeOnly(t *testing.T) {
	f := newFixture(t, nil)

	f.send("motion/hall", "ON")
	f.send("door/front", "ON")   // still on
	f.send("motion/hall", "OFF") // door keeps it on
	f.send("door/front", "OFF")
	f.send("door/front", "OFF")

	f.wantOut(t, "ON", "OFF")
	if f.gate.Output() {
		t.Error("Output() = true after all inputs OFF")
	}
}

func TestOr_ToggleFlipsOutput(t *testing.T) {
	f := newFixture(t, nil)

	f.send("motion/hall", "TOGGLE")
	f.send("door/front", "2021-10-24T16:23:41.500792")
	f.send("motion/hall", "ON")

	f.wantOut(t, "ON", "OFF", "ON")
}

func TestOr_EnableGatesInputs(t *testing.T) {
	f := newFixture(t, nil)

	f.send("hall/auto", "OFF")
	if f.gate.Enabled() {
		t.Fatal("Enabled() = true after OFF")
	}
	f.send("motion/hall", "ON")
	f.wantOut(t)

	f.send("hall/auto", "ON")
	f.send("motion/hall", "ON")
	f.wantOut(t, "ON")
}

func TestOr_Values(t *testing.T) {
	f := newFixture(t, map[string]any{"Values": []any{"1", "0"}})

	f.send("motion/hall", "ON")
	f.send("motion/hall", "OFF")
	f.wantOut(t, "1", "0")
}

func TestOr_Registered(t *testing.T) {
	found := false
	for _, c := range device.Default().Classes(device.KindActuator) {
		if c == Class {
			found = true
		}
	}
	if !found {
		t.Errorf("%s not registered as actuator", Class)
	}
}

// ============================================================================
// Configuration
// ============================================================================

func TestNew_Errors(t *testing.T) {
	tests := []struct {
		name  string
		conns map[string]any
	}{
		{"no inputs", map[string]any{"local": map[string]any{
			"Output": map[string]any{"StateDest": "x"},
		}}},
		{"no outputs", map[string]any{"local": map[string]any{
			"Input": map[string]any{"StateDest": "x"},
		}}},
		{"unknown slot", map[string]any{"local": map[string]any{
			"Input":  map[string]any{"StateDest": "x"},
			"Output": map[string]any{"StateDest": "y"},
			"Extra":  map[string]any{"StateDest": "z"},
		}}},
		{"not local", map[string]any{"mqtt": map[string]any{
			"Input":  map[string]any{"StateDest": "x"},
			"Output": map[string]any{"StateDest": "y"},
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := device.Env{Channels: map[string]connection.Channel{
				"local": newLocal(t),
				"mqtt":  connectiontest.New("mqtt"),
			}}
			_, err := New(env, config.NewSection("ActuatorGate", map[string]any{"Class": Class, "Connections": tt.conns}))
			if !errors.Is(err, device.ErrInvalidConfig) {
				t.Errorf("error = %v, want ErrInvalidConfig", err)
			}
		})
	}
}
