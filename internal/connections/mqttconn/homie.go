package mqttconn

import (
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/nerrad567/sensor-reporter/internal/infrastructure/mqtt"
	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// Homie 4 mode.
//
// The device lives at homie/<DeviceID>. Each state destination "node/prop"
// becomes property prop of node node; a destination without a slash becomes
// a property of a node named after the device. Commands arrive on the
// property topic suffixed with /set. $state is init while connecting, ready
// once every device has been announced, disconnected after a clean shutdown
// and lost (Last Will) otherwise.
//
// Retained topics left below the device root by an earlier configuration
// are deleted on the first announcement.
const (
	homieVersion  = "4.0.0"
	homieBase     = "homie"
	homieSet      = "/set"
	homieNodeType = "sensor_reporter"

	homieInit         = "init"
	homieReady        = "ready"
	homieDisconnected = "disconnected"
	homieLost         = "lost"
)

type homie struct {
	root string
	name string

	mu         sync.Mutex
	channel    string
	tables     []*routing.Table
	announced  bool
	collecting bool
	retained   map[string]bool
}

func newHomie(deviceID, name string) *homie {
	id := homieID(deviceID)
	if id == "" {
		id = "sensor-reporter"
	}
	return &homie{
		root:       homieBase + "/" + id,
		name:       name,
		collecting: true,
		retained:   make(map[string]bool),
	}
}

// homieID lowercases s and replaces everything outside [a-z0-9-] with '-'.
func homieID(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func (h *homie) configure(cfg *mqtt.Config) {
	cfg.StatusTopic = h.stateTopic()
	cfg.OnlinePayload = homieInit
	cfg.OfflinePayload = homieDisconnected
	cfg.WillPayload = homieLost
}

func (h *homie) stateTopic() string {
	return h.root + "/$state"
}

func (h *homie) refreshTopic() string {
	return h.root + "/conn/refresh" + homieSet
}

// nodeProperty maps a destination to its Homie node and property IDs.
func nodeProperty(device, dest string) (node, prop string) {
	parts := strings.Split(strings.Trim(dest, "/"), "/")
	if len(parts) >= 2 {
		return homieID(parts[0]), homieID(strings.Join(parts[1:], "-"))
	}
	return homieID(device), homieID(parts[0])
}

func (h *homie) valueTopic(device, dest string) string {
	node, prop := nodeProperty(device, dest)
	return h.root + "/" + node + "/" + prop
}

// collect records retained topics below the root until the first
// announcement.
func (h *homie) collect(topic string, _ []byte, retained bool) error {
	if !retained {
		return nil
	}
	h.mu.Lock()
	if h.collecting {
		h.retained[topic] = true
	}
	h.mu.Unlock()
	return nil
}

func (h *homie) setTables(channel string, tables []*routing.Table) {
	h.mu.Lock()
	h.channel = channel
	h.tables = tables
	h.announced = true
	h.mu.Unlock()
}

type attribute struct {
	topic, value string
}

type property struct {
	node, id string
	meta     routing.Meta
	settable bool
	retained bool
}

// announce publishes every attribute, deletes stale retained topics and
// sets $state to ready. It does nothing until the tables are known.
func (h *homie) announce(c *Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.announced {
		return
	}

	attrs, keep := h.attributes()
	for _, a := range attrs {
		c.publishRetained(a.topic, a.value)
	}

	if h.collecting {
		h.collecting = false
		var stale []string
		for topic := range h.retained {
			if !keep[topic] {
				stale = append(stale, topic)
			}
		}
		sort.Strings(stale)
		for _, topic := range stale {
			c.log.Info("deleting stale retained topic", "topic", topic)
			c.publishRetained(topic, "")
		}
		h.retained = nil
		if err := c.client.Unsubscribe(c.topics.All()); err != nil {
			c.log.Warn("unsubscribing from device tree", "error", err)
		}
	}

	c.publishRetained(h.stateTopic(), homieReady)
	c.log.Info("homie device announced", "root", h.root, "attributes", len(attrs))
}

// attributes returns the attribute messages in publish order, and every
// topic the current configuration owns.
func (h *homie) attributes() ([]attribute, map[string]bool) {
	nodes := make(map[string]string)
	props := make(map[string][]property)
	keep := map[string]bool{h.stateTopic(): true}

	for _, t := range h.tables {
		route, ok := t.Route(h.channel)
		if !ok {
			continue
		}
		for _, slot := range route.Slots() {
			ep, _ := route.Endpoint(slot)
			meta, ok := t.Meta(slot)
			if !ok {
				meta = routing.Meta{Name: slot, DataType: routing.TypeString}
				if slot == "" {
					meta.Name = t.Device()
				}
			}
			for _, src := range ep.CommandSrcs {
				keep[h.valueTopic(t.Device(), src)+homieSet] = true
			}
			for _, dest := range ep.StateDests {
				node, id := nodeProperty(t.Device(), dest)
				if _, seen := nodes[node]; !seen {
					nodes[node] = t.Device()
				}
				props[node] = append(props[node], property{
					node:     node,
					id:       id,
					meta:     meta,
					settable: meta.Settable || len(ep.CommandSrcs) > 0,
					retained: ep.Retain,
				})
				keep[h.valueTopic(t.Device(), dest)] = true
			}
		}
	}

	nodeIDs := make([]string, 0, len(nodes))
	for id := range nodes {
		nodeIDs = append(nodeIDs, id)
	}
	sort.Strings(nodeIDs)

	var attrs []attribute
	add := func(topic, value string) {
		attrs = append(attrs, attribute{topic: topic, value: value})
		keep[topic] = true
	}

	add(h.root+"/$homie", homieVersion)
	add(h.root+"/$name", h.name)
	add(h.root+"/$extensions", "")
	add(h.root+"/$nodes", strings.Join(nodeIDs, ","))

	for _, node := range nodeIDs {
		base := h.root + "/" + node
		ids := make([]string, 0, len(props[node]))
		for _, p := range props[node] {
			ids = append(ids, p.id)
		}
		add(base+"/$name", nodes[node])
		add(base+"/$type", homieNodeType)
		add(base+"/$properties", strings.Join(ids, ","))

		for _, p := range props[node] {
			pb := base + "/" + p.id
			add(pb+"/$name", p.meta.Name)
			add(pb+"/$datatype", string(p.meta.DataType))
			if p.meta.Unit != "" {
				add(pb+"/$unit", p.meta.Unit)
			}
			if p.meta.Restrictions != "" {
				add(pb+"/$format", p.meta.Restrictions)
			}
			add(pb+"/$settable", strconv.FormatBool(p.settable))
			add(pb+"/$retained", strconv.FormatBool(p.retained))
		}
	}
	return attrs, keep
}
