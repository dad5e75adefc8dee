package routing

import (
	"errors"
	"reflect"
	"testing"

	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
)

func section(values map[string]any) config.Section {
	return config.NewSection("ActuatorTest", values)
}

func TestParse_DefaultAndNamedSlots(t *testing.T) {
	s := section(map[string]any{
		"Connections": map[string]any{
			"broker": map[string]any{
				"StateDest":  "light/state",
				"CommandSrc": "light/cmd",
				"Retain":     true,
				"QoS":        1,
				"Brightness": map[string]any{
					"StateDest": []any{"light/level", "light/level2"},
				},
			},
			"openhab": map[string]any{
				"Item": "LivingRoomLight",
			},
		},
	})

	table, err := Parse("ActuatorTest", s)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if got := table.Channels(); !reflect.DeepEqual(got, []string{"broker", "openhab"}) {
		t.Errorf("Channels() = %v", got)
	}

	ep, ok := table.Endpoint("broker", "")
	if !ok {
		t.Fatal("default endpoint missing on broker")
	}
	if ep.StateDest() != "light/state" || ep.CommandSrc() != "light/cmd" || !ep.Retain {
		t.Errorf("default endpoint = %+v", ep)
	}
	if q, _ := ep.Options.Int("QoS"); q != 1 {
		t.Errorf("Options.QoS = %d, want 1", q)
	}

	slot, ok := table.Endpoint("broker", "Brightness")
	if !ok {
		t.Fatal("Brightness slot missing")
	}
	if !reflect.DeepEqual(slot.StateDests, []string{"light/level", "light/level2"}) {
		t.Errorf("Brightness.StateDests = %v", slot.StateDests)
	}
	if !slot.Retain {
		t.Error("Brightness slot should inherit Retain from channel level")
	}
	if slot.Channel != "broker" || slot.Slot != "Brightness" {
		t.Errorf("slot identity = %q/%q", slot.Channel, slot.Slot)
	}

	oh, ok := table.Endpoint("openhab", "")
	if !ok || oh.StateDest() != "LivingRoomLight" || oh.CommandSrc() != "LivingRoomLight" {
		t.Errorf("openhab Item endpoint = %+v, %v", oh, ok)
	}

	if _, ok := table.Endpoint("openhab", "Brightness"); ok {
		t.Error("openhab has no Brightness slot, lookup should fail")
	}
	if got := len(table.Endpoints("Brightness")); got != 1 {
		t.Errorf("Endpoints(Brightness) = %d, want 1", got)
	}
}

func TestParse_SubscriptionsCountEveryDestination(t *testing.T) {
	s := section(map[string]any{
		"Connections": map[string]any{
			"local": map[string]any{
				"CommandSrc": []any{"in/a", "in/b", "in/c"},
			},
			"broker": map[string]any{
				"CommandSrc": "cmd",
			},
			"influx": map[string]any{
				"StateDest": "only-state",
			},
		},
	})

	table, err := Parse("ActuatorTest", s)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	subs := table.Subscriptions("")
	if len(subs) != 4 {
		t.Fatalf("len(Subscriptions) = %d, want 4", len(subs))
	}
	var sources []string
	for _, sub := range subs {
		sources = append(sources, sub.Endpoint.Channel+":"+sub.Source)
	}
	want := []string{"broker:cmd", "local:in/a", "local:in/b", "local:in/c"}
	if !reflect.DeepEqual(sources, want) {
		t.Errorf("subscriptions = %v, want %v", sources, want)
	}
}

func TestParse_LinkActions(t *testing.T) {
	s := section(map[string]any{
		"Connections": map[string]any{
			"broker": map[string]any{
				"CommandSrc": "cmd",
				"ConnectionOnReconnect": map[string]any{
					"SendReadings":     true,
					"NumberOfReadings": 0,
					"ResumeLastState":  true,
				},
				"ConnectionOnDisconnect": map[string]any{
					"ChangeState": true,
					"TargetState": "OFF",
				},
			},
		},
	})

	table, err := Parse("ActuatorTest", s)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	ep, _ := table.Endpoint("broker", "")
	if !ep.OnReconnect.SendReadings || ep.OnReconnect.NumberOfReadings != 1 || !ep.OnReconnect.ResumeLastState {
		t.Errorf("OnReconnect = %+v", ep.OnReconnect)
	}
	if !ep.OnDisconnect.ChangeState || ep.OnDisconnect.TargetState != "OFF" {
		t.Errorf("OnDisconnect = %+v", ep.OnDisconnect)
	}
}

func TestParse_Errors(t *testing.T) {
	tests := []struct {
		name    string
		values  map[string]any
		wantErr error
	}{
		{
			name:    "missing connections",
			values:  map[string]any{},
			wantErr: config.ErrMissingOption,
		},
		{
			name:    "empty connections",
			values:  map[string]any{"Connections": map[string]any{}},
			wantErr: ErrInvalidRoute,
		},
		{
			name:    "channel is not a mapping",
			values:  map[string]any{"Connections": map[string]any{"broker": "topic"}},
			wantErr: ErrInvalidRoute,
		},
		{
			name: "disconnect action without target",
			values: map[string]any{"Connections": map[string]any{"broker": map[string]any{
				"ConnectionOnDisconnect": map[string]any{"ChangeState": true},
			}}},
			wantErr: config.ErrMissingOption,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse("ActuatorTest", section(tt.values))
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Parse() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestTable_DescribeAndAnnotate(t *testing.T) {
	table := NewTable("SensorTemp")
	table.Add("broker", Endpoint{Slot: "", StateDests: []string{"temp"}})

	table.Describe("", Meta{DataType: TypeFloat, Unit: "°C"})
	m, ok := table.Meta("")
	if !ok {
		t.Fatal("Meta missing after Describe")
	}
	if m.Name != "SensorTemp" {
		t.Errorf("default slot Name = %q, want device name", m.Name)
	}
	if m.Unit != "°C" || m.DataType != TypeFloat {
		t.Errorf("Meta = %+v", m)
	}

	table.Describe("Humidity", Meta{})
	m, _ = table.Meta("Humidity")
	if m.Name != "Humidity" || m.DataType != TypeString {
		t.Errorf("defaulted Meta = %+v", m)
	}
	if got := table.DescribedSlots(); !reflect.DeepEqual(got, []string{"", "Humidity"}) {
		t.Errorf("DescribedSlots() = %v", got)
	}

	table.Annotate("mqtt.node", "sensortemp")
	if v, ok := table.Annotation("mqtt.node"); !ok || v != "sensortemp" {
		t.Errorf("Annotation = %q, %v", v, ok)
	}
}
