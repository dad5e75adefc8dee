package sysinfo

import (
	"context"
	"errors"
	"testing"

	"github.com/nerrad567/sensor-reporter/internal/connection"
	"github.com/nerrad567/sensor-reporter/internal/connection/connectiontest"
	"github.com/nerrad567/sensor-reporter/internal/device"
	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
)

func stub(t *testing.T, target *probe, values ...float64) {
	t.Helper()
	orig := *target
	i := 0
	*target = func(context.Context) (float64, error) {
		v := values[i%len(values)]
		i++
		if v < -1000 {
			return 0, errors.New("probe failed")
		}
		return v, nil
	}
	t.Cleanup(func() { *target = orig })
}

func newSensor(t *testing.T) (*Sensor, *connectiontest.Fake) {
	t.Helper()
	fake := connectiontest.New("mqtt")
	d, err := New(device.Env{Channels: map[string]connection.Channel{"mqtt": fake}}, config.NewSection("SensorHost", map[string]any{
		"Class": Class,
		"Poll":  30,
		"Connections": map[string]any{"mqtt": map[string]any{
			"CPU":    map[string]any{"StateDest": "host/cpu"},
			"Memory": map[string]any{"StateDest": "host/memory"},
			"Load":   map[string]any{"StateDest": "host/load1"},
		}},
	}))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return d.(*Sensor), fake
}

func TestCheckState_PublishesReadings(t *testing.T) {
	stub(t, &readCPU, 12.345)
	stub(t, &readMemory, 48)
	stub(t, &readLoad, 0.5)
	s, fake := newSensor(t)

	if err := s.CheckState(context.Background()); err != nil {
		t.Fatalf("CheckState() error = %v", err)
	}
	for dest, want := range map[string]string{"host/cpu": "12.3", "host/memory": "48.0", "host/load1": "0.5"} {
		if got, _ := fake.Last(dest); got != want {
			t.Errorf("%s = %q, want %q", dest, got, want)
		}
	}
}

func TestCheckState_DropsOutOfRange(t *testing.T) {
	stub(t, &readCPU, 20, 140)
	stub(t, &readMemory, 50, -3)
	stub(t, &readLoad, 1, -0.1)
	s, fake := newSensor(t)
	ctx := context.Background()

	if err := s.CheckState(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.CheckState(ctx); err != nil {
		t.Fatal(err)
	}
	for _, dest := range []string{"host/cpu", "host/memory", "host/load1"} {
		if got := fake.Values(dest); len(got) != 1 {
			t.Errorf("%s published %q, want one value", dest, got)
		}
	}

	fake.Reset()
	s.PublishState()
	if got, _ := fake.Last("host/cpu"); got != "20.0" {
		t.Errorf("PublishState() cpu = %q, want last valid 20.0", got)
	}
}

func TestCheckState_ReadErrorsJoined(t *testing.T) {
	stub(t, &readCPU, -5000)
	stub(t, &readMemory, 30)
	stub(t, &readLoad, -5000)
	s, fake := newSensor(t)

	if err := s.CheckState(context.Background()); err == nil {
		t.Error("CheckState() returned nil with failing probes")
	}
	if got, _ := fake.Last("host/memory"); got != "30.0" {
		t.Errorf("memory = %q, want 30.0 despite other failures", got)
	}
}

func TestNew_NeedsPoll(t *testing.T) {
	env := device.Env{Channels: map[string]connection.Channel{"mqtt": connectiontest.New("mqtt")}}
	_, err := New(env, config.NewSection("SensorHost", map[string]any{
		"Connections": map[string]any{"mqtt": map[string]any{"StateDest": "x"}},
	}))
	if !errors.Is(err, device.ErrInvalidConfig) {
		t.Errorf("error = %v, want ErrInvalidConfig", err)
	}
}
