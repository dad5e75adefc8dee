package routing

import (
	"fmt"

	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
)

// Endpoint option keys.
const (
	keyStateDest    = "StateDest"
	keyCommandSrc   = "CommandSrc"
	keyItem         = "Item"
	keyRetain       = "Retain"
	keyOnReconnect  = "ConnectionOnReconnect"
	keyOnDisconnect = "ConnectionOnDisconnect"
)

// Endpoint is the routing record for one slot of one device on one channel.
//
// StateDests lists where state is published; CommandSrcs lists where
// commands are received. Either may hold one destination or several.
type Endpoint struct {
	Device      string
	Channel     string
	Slot        string
	StateDests  []string
	CommandSrcs []string
	Retain      bool

	OnReconnect  ReconnectAction
	OnDisconnect DisconnectAction

	// Options holds the remaining scalar keys for channel-specific use.
	Options config.Section
}

// StateDest returns the first state destination, or "".
func (e Endpoint) StateDest() string {
	if len(e.StateDests) == 0 {
		return ""
	}
	return e.StateDests[0]
}

// CommandSrc returns the first command source, or "".
func (e Endpoint) CommandSrc() string {
	if len(e.CommandSrcs) == 0 {
		return ""
	}
	return e.CommandSrcs[0]
}

// Key identifies the endpoint within its channel.
func (e Endpoint) Key() string {
	return e.Device + "/" + e.Slot
}

// ReconnectAction configures what happens to an endpoint when its channel
// comes back online after being offline.
type ReconnectAction struct {
	// SendReadings replays publications buffered while offline.
	SendReadings bool
	// NumberOfReadings bounds the buffer. Values below 1 mean 1.
	NumberOfReadings int
	// ChangeState delivers TargetState to the actuator's handler.
	ChangeState bool
	TargetState string
	// ResumeLastState delivers the last value published through the channel.
	ResumeLastState bool
}

// DisconnectAction configures what happens when the channel goes offline.
type DisconnectAction struct {
	ChangeState bool
	TargetState string
}

// parseRoute parses a channel mapping into its default and named endpoints.
func parseRoute(raw config.Section) ([]Endpoint, error) {
	base, err := parseEndpoint("", raw, Endpoint{})
	if err != nil {
		return nil, err
	}

	var endpoints []Endpoint
	if len(base.StateDests) > 0 || len(base.CommandSrcs) > 0 {
		endpoints = append(endpoints, base)
	}

	for _, key := range raw.Keys() {
		if isEndpointKey(key) {
			continue
		}
		v, _ := raw.Raw(key)
		if _, ok := v.(map[string]any); !ok {
			continue
		}
		sub, err := raw.Map(key)
		if err != nil {
			return nil, err
		}
		ep, err := parseEndpoint(key, sub, base)
		if err != nil {
			return nil, fmt.Errorf("slot %q: %w", key, err)
		}
		endpoints = append(endpoints, ep)
	}
	return endpoints, nil
}

// parseEndpoint parses one endpoint. Retain and link actions not set on a
// named slot are inherited from the channel-level endpoint.
func parseEndpoint(slot string, s config.Section, parent Endpoint) (Endpoint, error) {
	ep := Endpoint{
		Slot:         slot,
		Retain:       parent.Retain,
		OnReconnect:  parent.OnReconnect,
		OnDisconnect: parent.OnDisconnect,
	}

	var err error
	if s.Has(keyItem) {
		item, err := s.String(keyItem)
		if err != nil {
			return Endpoint{}, err
		}
		ep.StateDests = []string{item}
		ep.CommandSrcs = []string{item}
	}
	if s.Has(keyStateDest) {
		if ep.StateDests, err = s.Strings(keyStateDest); err != nil {
			return Endpoint{}, err
		}
	}
	if s.Has(keyCommandSrc) {
		if ep.CommandSrcs, err = s.Strings(keyCommandSrc); err != nil {
			return Endpoint{}, err
		}
	}
	if ep.Retain, err = s.BoolOr(keyRetain, ep.Retain); err != nil {
		return Endpoint{}, err
	}

	if s.Has(keyOnReconnect) {
		sub, err := s.Map(keyOnReconnect)
		if err != nil {
			return Endpoint{}, err
		}
		if ep.OnReconnect, err = parseReconnect(sub); err != nil {
			return Endpoint{}, err
		}
	}
	if s.Has(keyOnDisconnect) {
		sub, err := s.Map(keyOnDisconnect)
		if err != nil {
			return Endpoint{}, err
		}
		if ep.OnDisconnect, err = parseDisconnect(sub); err != nil {
			return Endpoint{}, err
		}
	}

	opts := map[string]any{}
	for _, key := range s.Keys() {
		if isEndpointKey(key) {
			continue
		}
		v, _ := s.Raw(key)
		if _, nested := v.(map[string]any); nested {
			continue
		}
		opts[key] = v
	}
	ep.Options = config.NewSection(s.Name(), opts)

	return ep, nil
}

func parseReconnect(s config.Section) (ReconnectAction, error) {
	var (
		a   ReconnectAction
		err error
	)
	if a.SendReadings, err = s.BoolOr("SendReadings", false); err != nil {
		return a, err
	}
	if a.NumberOfReadings, err = s.IntOr("NumberOfReadings", 1); err != nil {
		return a, err
	}
	if a.NumberOfReadings < 1 {
		a.NumberOfReadings = 1
	}
	if a.ChangeState, err = s.BoolOr("ChangeState", false); err != nil {
		return a, err
	}
	if a.TargetState, err = s.StringOr("TargetState", ""); err != nil {
		return a, err
	}
	if a.ResumeLastState, err = s.BoolOr("ResumeLastState", false); err != nil {
		return a, err
	}
	if a.ChangeState && a.TargetState == "" && !a.ResumeLastState {
		return a, fmt.Errorf("%w: %s: ChangeState requires TargetState or ResumeLastState", config.ErrMissingOption, s.Name())
	}
	return a, nil
}

func parseDisconnect(s config.Section) (DisconnectAction, error) {
	var (
		a   DisconnectAction
		err error
	)
	if a.ChangeState, err = s.BoolOr("ChangeState", false); err != nil {
		return a, err
	}
	if a.TargetState, err = s.StringOr("TargetState", ""); err != nil {
		return a, err
	}
	if a.ChangeState && a.TargetState == "" {
		return a, fmt.Errorf("%w: %s.TargetState", config.ErrMissingOption, s.Name())
	}
	return a, nil
}

func isEndpointKey(key string) bool {
	switch key {
	case keyStateDest, keyCommandSrc, keyItem, keyRetain, keyOnReconnect, keyOnDisconnect:
		return true
	}
	return false
}
