package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/NotCoffee418/venus_sensor_bridge/pkg/telemetry"
)

const maxWriteBody = 1024

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // LAN only, served to the GX web UI
	},
}

type server struct {
	bus *telemetry.Bus
	hub *Hub
	log *log.Logger
}

// NewServer returns the bridge's HTTP handler. metrics may be nil.
func NewServer(bus *telemetry.Bus, hub *Hub, metrics http.Handler) http.Handler {
	s := &server{bus: bus, hub: hub, log: log.WithPrefix("api")}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /latest", s.handleLatest)
	mux.HandleFunc("GET /ws", s.handleWebSocket)
	mux.HandleFunc("PUT /write/{service}/{path...}", s.handleWrite)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}
	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message":  "Venus Sensor Bridge API",
		"status":   "running",
		"services": s.bus.Services(),
	})
}

func (s *server) handleLatest(w http.ResponseWriter, r *http.Request) {
	snapshot := s.bus.Snapshot()
	if len(snapshot) == 0 {
		writeJSON(w, http.StatusNotFound, map[string]string{
			"error": "No readings available yet",
		})
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Error("WebSocket upgrade error", "err", err)
		return
	}

	c, err := s.hub.AddClient(conn, s.bus.Updates)
	if err != nil {
		s.log.Debug("WebSocket client left during snapshot", "err", err)
		return
	}
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			s.hub.RemoveClient(c)
			return
		}
	}
}

func (s *server) handleWrite(w http.ResponseWriter, r *http.Request) {
	service := r.PathValue("service")
	path := "/" + r.PathValue("path")

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWriteBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}
	value := strings.TrimSpace(string(body))

	err = s.bus.Write(service, path, value)
	switch {
	case err == nil:
		s.log.Info("Write accepted", "service", service, "path", path, "value", value)
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case errors.Is(err, telemetry.ErrUnknownService), errors.Is(err, telemetry.ErrUnknownPath):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, telemetry.ErrNotWritable):
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": err.Error()})
	default:
		s.log.Debug("Write rejected", "service", service, "path", path, "value", value)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	}
}
