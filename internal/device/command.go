package device

import (
	"fmt"
	"strings"

	"github.com/nerrad567/sensor-reporter/internal/infrastructure/config"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// Common command and state words.
const (
	On     = "ON"
	Off    = "OFF"
	Toggle = "TOGGLE"
)

// IsToggle reports whether msg asks for a toggle. Besides the literal
// "TOGGLE", ISO 8601 timestamps with microseconds count: button sensors
// send the time of the press, e.g. "2021-10-24T16:23:41.500792" or
// "2022-02-27T17:58:45.165491+0100".
func IsToggle(msg string) bool {
	if msg == Toggle {
		return true
	}
	n := len(msg)
	return (n == 26 || n == 31) && msg[10] == 'T' && strings.Count(msg[:10], "-") == 2
}

// Values holds the words a binary device publishes for on and off, per channel.
type Values struct {
	def        [2]string
	perChannel map[string][2]string
}

// DefaultValues publishes ON and OFF on every channel.
func DefaultValues() Values {
	return Values{def: [2]string{On, Off}}
}

// ParseValues reads the optional Values option:
//
//	Values: ["open", "closed"]            # every channel
//	Values:
//	  DEFAULT: ["open", "closed"]
//	  openhab: ["OPEN", "CLOSED"]         # one channel
func ParseValues(section config.Section) (Values, error) {
	v := DefaultValues()
	raw, ok := section.Raw("Values")
	if !ok || raw == nil {
		return v, nil
	}

	if _, isMap := raw.(map[string]any); !isMap {
		pair, err := parsePair(section, "Values")
		if err != nil {
			return v, err
		}
		v.def = pair
		return v, nil
	}

	m, err := section.Map("Values")
	if err != nil {
		return v, err
	}
	v.perChannel = make(map[string][2]string)
	for _, key := range m.Keys() {
		pair, err := parsePair(m, key)
		if err != nil {
			return v, err
		}
		if key == "DEFAULT" {
			v.def = pair
			continue
		}
		v.perChannel[key] = pair
	}
	return v, nil
}

func parsePair(s config.Section, key string) ([2]string, error) {
	list, err := s.Strings(key)
	if err != nil {
		return [2]string{}, err
	}
	if len(list) != 2 {
		return [2]string{}, fmt.Errorf("%w: %s.%s needs exactly two entries [on, off]", config.ErrInvalidOption, s.Name(), key)
	}
	return [2]string{list[0], list[1]}, nil
}

// For returns the word to publish on channel for state on.
func (v Values) For(channel string, on bool) string {
	pair, ok := v.perChannel[channel]
	if !ok {
		pair = v.def
	}
	if on {
		return pair[0]
	}
	return pair[1]
}

// Publisher returns a PublishEach callback for state on.
func (v Values) Publisher(on bool) func(routing.Endpoint) string {
	return func(ep routing.Endpoint) string { return v.For(ep.Channel, on) }
}
