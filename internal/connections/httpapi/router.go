package httpapi

import (
	"io"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/sensor-reporter/internal/routing"
)

// maxCommandSize bounds a command request body.
const maxCommandSize = 64 << 10

// Handler returns the channel's router.
func (c *Channel) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(c.requestIDMiddleware)
	r.Use(c.loggingMiddleware)
	r.Use(c.recoveryMiddleware)
	r.Use(c.corsMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", c.handleHealth)
		r.Post("/token", c.handleToken)

		r.Group(func(r chi.Router) {
			r.Use(c.authMiddleware)

			r.Get("/states", c.handleListStates)
			r.Get("/states/*", c.handleGetState)
			r.Get("/devices", c.handleListDevices)
			r.Put("/commands/*", c.handleCommand)
			r.Post("/commands/*", c.handleCommand)
			r.Post("/refresh", c.handleRefresh)
			r.Get("/ws", c.handleWebSocket)
		})
	})

	return r
}

func (c *Channel) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"channel": c.Name(),
		"state":   c.State().String(),
		"clients": c.hub.count(),
	})
}

// handleToken exchanges basic credentials for a bearer token.
func (c *Channel) handleToken(w http.ResponseWriter, r *http.Request) {
	if c.secret == "" || len(c.users) == 0 {
		writeNotFound(w, "token issuing is not configured")
		return
	}
	user, password, ok := r.BasicAuth()
	if !ok || !c.checkUser(user, password) {
		writeUnauthorized(w, "invalid credentials")
		return
	}
	token, err := IssueToken(c.secret, user, c.tokenTTL)
	if err != nil {
		writeInternalError(w, "issuing token failed")
		return
	}
	c.log.Info("token issued", "user", user, "request_id", requestID(r))
	writeJSON(w, http.StatusOK, map[string]any{
		"token":      token,
		"token_type": "Bearer",
		"expires_in": int(c.tokenTTL.Seconds()),
	})
}

func (c *Channel) handleListStates(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"states": c.snapshot()})
}

func (c *Channel) handleGetState(w http.ResponseWriter, r *http.Request) {
	dest := chi.URLParam(r, "*")
	s, ok := c.state(dest)
	if !ok {
		writeNotFound(w, "no state published to "+dest)
		return
	}
	writeJSON(w, http.StatusOK, s)
}

// slotInfo is one described slot in the /devices listing.
type slotInfo struct {
	Slot         string           `json:"slot"`
	Name         string           `json:"name"`
	DataType     routing.DataType `json:"datatype"`
	Unit         string           `json:"unit,omitempty"`
	Restrictions string           `json:"format,omitempty"`
	Settable     bool             `json:"settable"`
	State        []string         `json:"state,omitempty"`
	Command      []string         `json:"command,omitempty"`
}

type deviceInfo struct {
	Device string     `json:"device"`
	Slots  []slotInfo `json:"slots"`
}

func (c *Channel) handleListDevices(w http.ResponseWriter, _ *http.Request) {
	c.mu.RLock()
	tables := c.tables
	c.mu.RUnlock()

	devices := make([]deviceInfo, 0, len(tables))
	for _, t := range tables {
		route, ok := t.Route(c.Name())
		if !ok {
			continue
		}
		info := deviceInfo{Device: t.Device()}
		for _, slot := range t.DescribedSlots() {
			ep, ok := route.Endpoint(slot)
			if !ok {
				continue
			}
			m, _ := t.Meta(slot)
			info.Slots = append(info.Slots, slotInfo{
				Slot:         slot,
				Name:         m.Name,
				DataType:     m.DataType,
				Unit:         m.Unit,
				Restrictions: m.Restrictions,
				Settable:     m.Settable,
				State:        ep.StateDests,
				Command:      ep.CommandSrcs,
			})
		}
		devices = append(devices, info)
	}
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices})
}

func (c *Channel) handleCommand(w http.ResponseWriter, r *http.Request) {
	dest := chi.URLParam(r, "*")
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxCommandSize))
	if err != nil {
		writeBadRequest(w, "reading command: "+err.Error())
		return
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		writeBadRequest(w, "empty command")
		return
	}
	if !c.HasHandler(dest) {
		writeNotFound(w, "no device listens on "+dest)
		return
	}

	c.log.Info("command received", "destination", dest, "value", msg, "request_id", requestID(r))
	// Handlers may block for a while; answer first.
	go c.Deliver(dest, msg)
	writeJSON(w, http.StatusAccepted, map[string]any{"destination": dest, "value": msg})
}

func (c *Channel) handleRefresh(w http.ResponseWriter, r *http.Request) {
	c.refresh("HTTP refresh from " + r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "refreshing"})
}
