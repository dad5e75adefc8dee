package device_test

import (
	"errors"
	"io"
	"reflect"
	"testing"
	"time"

	"github.com/nerrad567/sensor-reporter/internal/connection"
	"github.com/nerrad567/sensor-reporter/internal/connection/connectiontest"
	"github.com/nerrad567/sensor-reporter/internal/device"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// =============================================================================
// Test helpers
// =============================================================================

func testEnv(channels ...*connectiontest.Fake) device.Env {
	m := make(map[string]connection.Channel, len(channels))
	for _, c := range channels {
		m[c.Name()] = c
	}
	return device.Env{Channels: m, Shared: device.NewShared()}
}

func sectionWith(name string, values map[string]any) config.Section {
	return config.NewSection(name, values)
}

// =============================================================================
// Base
// =============================================================================

func TestNewBase_DerivesNameAndPoll(t *testing.T) {
	broker := connectiontest.New("broker")
	base, err := device.NewBase(testEnv(broker), sectionWith("SensorGarageDoor", map[string]any{
		"Poll":        1.5,
		"Connections": map[string]any{"broker": map[string]any{"StateDest": "door"}},
	}))
	if err != nil {
		t.Fatalf("NewBase() error = %v", err)
	}
	if base.Name() != "GarageDoor" {
		t.Errorf("Name() = %q, want GarageDoor", base.Name())
	}
	if base.PollInterval() != 1500*time.Millisecond {
		t.Errorf("PollInterval() = %v, want 1.5s", base.PollInterval())
	}
}

func TestNewBase_ExplicitNameAndEventDriven(t *testing.T) {
	broker := connectiontest.New("broker")
	base, err := device.NewBase(testEnv(broker), sectionWith("Actuator1", map[string]any{
		"Name":        "porch",
		"Poll":        -1,
		"Connections": map[string]any{"broker": map[string]any{"CommandSrc": "porch/cmd"}},
	}))
	if err != nil {
		t.Fatalf("NewBase() error = %v", err)
	}
	if base.Name() != "porch" {
		t.Errorf("Name() = %q, want porch", base.Name())
	}
	if base.PollInterval() != 0 {
		t.Errorf("PollInterval() = %v, want 0 for negative Poll", base.PollInterval())
	}
}

func TestNewBase_Errors(t *testing.T) {
	broker := connectiontest.New("broker")
	tests := []struct {
		name    string
		values  map[string]any
		wantErr error
	}{
		{
			name:    "unknown channel",
			values:  map[string]any{"Connections": map[string]any{"nowhere": map[string]any{"StateDest": "x"}}},
			wantErr: device.ErrUnknownChannel,
		},
		{
			name:    "missing connections",
			values:  map[string]any{"Poll": 5},
			wantErr: config.ErrMissingOption,
		},
		{
			name:    "bad poll",
			values:  map[string]any{"Poll": "often", "Connections": map[string]any{"broker": map[string]any{"StateDest": "x"}}},
			wantErr: config.ErrInvalidOption,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := device.NewBase(testEnv(broker), sectionWith("SensorX", tt.values))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("NewBase() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestBase_PublishSlotSkipsChannelsWithoutSlot(t *testing.T) {
	broker := connectiontest.New("broker")
	local := connectiontest.New("local")
	base, err := device.NewBase(testEnv(broker, local), sectionWith("SensorHB", map[string]any{
		"Connections": map[string]any{
			"broker": map[string]any{
				"StateDest": "hb",
				"Uptime":    map[string]any{"StateDest": "hb/uptime"},
			},
			"local": map[string]any{"StateDest": "hb-local"},
		},
	}))
	if err != nil {
		t.Fatalf("NewBase() error = %v", err)
	}

	base.PublishSlot("Uptime", "42")
	base.Publish("alive")

	if got := broker.Values("hb/uptime"); !reflect.DeepEqual(got, []string{"42"}) {
		t.Errorf("broker hb/uptime = %v", got)
	}
	if got := local.Published(); len(got) != 1 || got[0].Value != "alive" {
		t.Errorf("local publications = %+v, want only the default slot", got)
	}
}

func TestBase_SubscribeRegistersEveryDestination(t *testing.T) {
	broker := connectiontest.New("broker")
	local := connectiontest.New("local")
	base, err := device.NewBase(testEnv(broker, local), sectionWith("ActuatorOr", map[string]any{
		"Connections": map[string]any{
			"broker": map[string]any{"CommandSrc": "cmd"},
			"local":  map[string]any{"CommandSrc": []any{"a", "b"}},
		},
	}))
	if err != nil {
		t.Fatalf("NewBase() error = %v", err)
	}

	var got []string
	n := base.Subscribe("", func(msg string) { got = append(got, msg) })
	if n != 3 {
		t.Errorf("Subscribe() = %d registrations, want 3", n)
	}
	if len(broker.Registrations()) != 1 || len(local.Registrations()) != 2 {
		t.Errorf("registrations broker=%d local=%d", len(broker.Registrations()), len(local.Registrations()))
	}

	local.Send("b", "ON")
	broker.Send("cmd", "OFF")
	if !reflect.DeepEqual(got, []string{"ON", "OFF"}) {
		t.Errorf("handler received %v", got)
	}
}

func TestBase_PublishEachUsesValues(t *testing.T) {
	broker := connectiontest.New("broker")
	openhab := connectiontest.New("openhab")
	section := sectionWith("SensorDoor", map[string]any{
		"Values": map[string]any{
			"DEFAULT": []any{"open", "closed"},
			"openhab": []any{"OPEN", "CLOSED"},
		},
		"Connections": map[string]any{
			"broker":  map[string]any{"StateDest": "door"},
			"openhab": map[string]any{"Item": "Door"},
		},
	})
	base, err := device.NewBase(testEnv(broker, openhab), section)
	if err != nil {
		t.Fatalf("NewBase() error = %v", err)
	}
	values, err := device.ParseValues(section)
	if err != nil {
		t.Fatalf("ParseValues() error = %v", err)
	}

	base.PublishEach("", values.Publisher(false))

	if v, _ := broker.Last("door"); v != "closed" {
		t.Errorf("broker = %q, want closed", v)
	}
	if v, _ := openhab.Last("Door"); v != "CLOSED" {
		t.Errorf("openhab = %q, want CLOSED", v)
	}
}

func TestBase_DescribeReachesTable(t *testing.T) {
	broker := connectiontest.New("broker")
	base, err := device.NewBase(testEnv(broker), sectionWith("SensorT", map[string]any{
		"Connections": map[string]any{"broker": map[string]any{"StateDest": "t"}},
	}))
	if err != nil {
		t.Fatalf("NewBase() error = %v", err)
	}
	base.Describe("", routing.Meta{DataType: routing.TypeFloat, Unit: "°C"})
	if m, ok := base.Table().Meta(""); !ok || m.Unit != "°C" {
		t.Errorf("Meta = %+v, %v", m, ok)
	}
}

// =============================================================================
// Values and commands
// =============================================================================

func TestParseValues(t *testing.T) {
	v, err := device.ParseValues(sectionWith("S", map[string]any{"Values": []any{"present", "away"}}))
	if err != nil {
		t.Fatalf("ParseValues() error = %v", err)
	}
	if v.For("any", true) != "present" || v.For("any", false) != "away" {
		t.Errorf("list Values = %q/%q", v.For("any", true), v.For("any", false))
	}

	v, _ = device.ParseValues(sectionWith("S", nil))
	if v.For("x", true) != device.On || v.For("x", false) != device.Off {
		t.Error("default Values should be ON/OFF")
	}

	_, err = device.ParseValues(sectionWith("S", map[string]any{"Values": []any{"only-one"}}))
	if !errors.Is(err, config.ErrInvalidOption) {
		t.Errorf("ParseValues(one entry) error = %v, want ErrInvalidOption", err)
	}
}

func TestIsToggle(t *testing.T) {
	tests := map[string]bool{
		"TOGGLE":                          true,
		"2021-10-24T16:23:41.500792":      true,
		"2022-02-27T17:58:45.165491+0100": true,
		"toggle":                          false,
		"ON":                              false,
		"2021-10-24 16:23:41.500792":      false,
		"":                                false,
	}
	for msg, want := range tests {
		if got := device.IsToggle(msg); got != want {
			t.Errorf("IsToggle(%q) = %v, want %v", msg, got, want)
		}
	}
}

// =============================================================================
// Registry
// =============================================================================

type stubDevice struct{ *device.Base }

func TestRegistry_SeparatesKinds(t *testing.T) {
	r := device.NewRegistry()
	var built []device.Kind
	factory := func(kind device.Kind) device.Factory {
		return func(device.Env, config.Section) (device.Device, error) {
			built = append(built, kind)
			return stubDevice{}, nil
		}
	}
	r.Register(device.KindSensor, "exec", factory(device.KindSensor))
	r.Register(device.KindActuator, "exec", factory(device.KindActuator))

	s := sectionWith("X", map[string]any{"Class": "exec"})
	if _, err := r.New(device.KindActuator, device.Env{}, s); err != nil {
		t.Fatalf("New(actuator) error = %v", err)
	}
	if !reflect.DeepEqual(built, []device.Kind{device.KindActuator}) {
		t.Errorf("built = %v", built)
	}

	_, err := r.New(device.KindSensor, device.Env{}, sectionWith("X", map[string]any{"Class": "dimmer"}))
	if !errors.Is(err, device.ErrUnknownClass) {
		t.Errorf("New(unknown) error = %v, want ErrUnknownClass", err)
	}
	if got := r.Classes(device.KindSensor); !reflect.DeepEqual(got, []string{"exec"}) {
		t.Errorf("Classes(sensor) = %v", got)
	}
}

// =============================================================================
// Shared drivers
// =============================================================================

type fakeDriver struct {
	id     int
	closed *[]int
}

func (d *fakeDriver) Close() error {
	*d.closed = append(*d.closed, d.id)
	return nil
}

type otherDriver struct{}

func (otherDriver) Close() error { return nil }

func TestShared_AcquireOnceCloseReverse(t *testing.T) {
	s := device.NewShared()
	var closed []int
	opens := 0
	open := func(id int) func() (*fakeDriver, error) {
		return func() (*fakeDriver, error) {
			opens++
			return &fakeDriver{id: id, closed: &closed}, nil
		}
	}

	a1, err := device.Acquire(s, "a", open(1))
	if err != nil {
		t.Fatalf("Acquire(a) error = %v", err)
	}
	a2, _ := device.Acquire(s, "a", open(99))
	if a1 != a2 {
		t.Error("second Acquire returned a different driver")
	}
	if _, err := device.Acquire(s, "b", open(2)); err != nil {
		t.Fatalf("Acquire(b) error = %v", err)
	}
	if opens != 2 || s.Len() != 2 {
		t.Errorf("opens = %d, Len = %d; want 2, 2", opens, s.Len())
	}

	if _, err := device.Acquire(s, "a", func() (otherDriver, error) { return otherDriver{}, nil }); !errors.Is(err, device.ErrSharedType) {
		t.Errorf("Acquire(wrong type) error = %v, want ErrSharedType", err)
	}

	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("second Close() error = %v", err)
	}
	if !reflect.DeepEqual(closed, []int{2, 1}) {
		t.Errorf("close order = %v, want [2 1]", closed)
	}

	if _, err := device.Acquire(s, "c", open(3)); !errors.Is(err, device.ErrSharedClosed) {
		t.Errorf("Acquire after Close error = %v, want ErrSharedClosed", err)
	}
}

func TestShared_OpenError(t *testing.T) {
	s := device.NewShared()
	_, err := device.Acquire(s, "bad", func() (io.Closer, error) { return nil, errors.New("no such chip") })
	if err == nil {
		t.Fatal("Acquire() expected error")
	}
	if s.Len() != 0 {
		t.Errorf("failed open was stored")
	}
}
