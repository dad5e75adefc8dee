package openhab

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
)

const (
	eventCommand   = "ItemCommandEvent"
	maxEventLength = 1 << 20
)

// event is one message of the openHAB event stream.
type event struct {
	Type    string `json:"type"`
	Topic   string `json:"topic"`
	Payload string `json:"payload"`
}

// commandPayload is the JSON document inside an ItemCommandEvent payload.
type commandPayload struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// itemFromTopic extracts the Item name from "openhab/items/<item>/command"
// (openHAB 3 and later) or "smarthome/items/<item>/command" (openHAB 2).
func itemFromTopic(topic string) (string, bool) {
	for _, prefix := range []string{"openhab/items/", "smarthome/items/"} {
		rest, ok := strings.CutPrefix(topic, prefix)
		if !ok {
			continue
		}
		item, ok := strings.CutSuffix(rest, "/command")
		if !ok || item == "" {
			return "", false
		}
		return item, true
	}
	return "", false
}

// readEvents runs one event stream. A stream that ends while the channel is
// still wanted takes the channel offline and wakes the probe loop.
func (c *Channel) readEvents(ctx context.Context) {
	defer c.wg.Done()

	err := c.streamEvents(ctx)
	if ctx.Err() != nil {
		c.log.Debug("event stream closed")
		return
	}
	c.log.Warn("event stream interrupted", "error", err)
	c.goOffline()
	c.nudge()
}

func (c *Channel) streamEvents(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rest/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")
	c.authorize(req)

	resp, err := c.stream.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if err := statusError(resp); err != nil {
		return err
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxEventLength)

	var data []string
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			if len(data) > 0 {
				c.handleEvent(strings.Join(data, "\n"))
				data = data[:0]
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		if field == "data" {
			data = append(data, strings.TrimPrefix(value, " "))
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	return io.EOF
}

// handleEvent delivers Item commands to their registered handler.
func (c *Channel) handleEvent(data string) {
	var ev event
	if err := json.Unmarshal([]byte(data), &ev); err != nil {
		c.log.Warn("undecodable event", "error", err)
		return
	}
	if ev.Type != eventCommand {
		return
	}
	item, ok := itemFromTopic(ev.Topic)
	if !ok || !c.HasHandler(item) {
		return
	}
	var cmd commandPayload
	if err := json.Unmarshal([]byte(ev.Payload), &cmd); err != nil {
		c.log.Warn("undecodable command payload", "item", item, "error", err)
		return
	}
	c.log.Info("received command", "item", item, "value", cmd.Value)
	c.Deliver(item, cmd.Value)
}
