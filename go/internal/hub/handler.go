package hub

import (
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// Handler exposes the Hub over WebSocket.
type Handler struct {
	hub      *Hub
	upgrader websocket.Upgrader
	config   ClientConfig
}

func NewHandler(h *Hub, cfg ClientConfig) *Handler {
	cfg = cfg.withDefaults()
	return &Handler{
		hub: h,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
		config: cfg,
	}
}

func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /ws", h.HandleConnection)
	mux.HandleFunc("GET /ws/stats", h.HandleStats)
}

// HandleConnection upgrades the request, greets the client and hands the
// connection to the Hub.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error
		log.Warn().Err(err).Msg("failed to upgrade WebSocket connection")
		return
	}

	c := newClient(uuid.NewString(), conn, h.hub, h.config)
	_ = c.Send(connectedFrame)
	h.hub.Register(c)

	go c.writePump()
	go c.readPump()

	log.Info().Str("connection_id", c.id).Str("remote_addr", r.RemoteAddr).Msg("WebSocket connection established")
}

func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(h.hub.Stats())
}
