package mqtt

import "strings"

// Well-known topic leaves below a root topic.
const (
	TopicStatus  = "status"
	TopicRefresh = "refresh"
)

// Topics builds topics below a root topic.
//
//	topics := mqtt.Topics{Root: "sensor_reporter"}
//	topics.Join("garage/door") // "sensor_reporter/garage/door"
//	topics.Status()            // "sensor_reporter/status"
type Topics struct {
	Root string
}

// Join appends dest to the root. Leading and trailing slashes on either
// side are dropped; an empty root returns dest unchanged.
func (t Topics) Join(dest string) string {
	root := strings.Trim(t.Root, "/")
	dest = strings.Trim(dest, "/")
	switch {
	case root == "":
		return dest
	case dest == "":
		return root
	default:
		return root + "/" + dest
	}
}

// Relative strips the root from topic. ok is false when topic is not below
// the root.
func (t Topics) Relative(topic string) (dest string, ok bool) {
	root := strings.Trim(t.Root, "/")
	if root == "" {
		return topic, true
	}
	rest, found := strings.CutPrefix(topic, root+"/")
	return rest, found
}

// Status returns the link status topic.
func (t Topics) Status() string {
	return t.Join(TopicStatus)
}

// Refresh returns the topic that asks for every state to be republished.
func (t Topics) Refresh() string {
	return t.Join(TopicRefresh)
}

// All returns the wildcard matching every topic below the root.
func (t Topics) All() string {
	return t.Join("#")
}
