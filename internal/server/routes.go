package server

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/BioHazard786/warpmesh/internal/metrics"
	"github.com/BioHazard786/warpmesh/internal/signaling"
)

// Options wires the HTTP surface to the relay.
type Options struct {
	Hub     *signaling.Hub
	Metrics *metrics.Metrics
	Logger  *slog.Logger

	// Client is applied to every accepted connection. Its Codec is chosen
	// per connection from the negotiated subprotocol.
	Client signaling.ClientOptions
}

// NewRouter registers the relay's routes.
func NewRouter(opts Options) http.Handler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", ServeWs(opts))
	mux.HandleFunc("GET /health", healthCheckHandler)
	mux.HandleFunc("GET /rooms", roomsHandler(opts.Hub))
	mux.Handle("GET /metrics", metrics.PrometheusHandler(opts.Metrics))
	return mux
}

// Configure the websocket upgrader
var upgrader = websocket.Upgrader{
	ReadBufferSize:  64 * 1024, // 64 KB
	WriteBufferSize: 64 * 1024, // 64 KB
	Subprotocols:    signaling.Subprotocols(),

	// Browser clients are served from other origins.
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// ServeWs returns an http.HandlerFunc that upgrades the request and attaches
// the connection to the hub as a new member.
func ServeWs(opts Options) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			opts.Logger.Warn("failed to upgrade connection", "remote", r.RemoteAddr, "err", err)
			return
		}

		clientOpts := opts.Client
		clientOpts.Codec = signaling.CodecFor(conn.Subprotocol())

		client := signaling.NewClient(opts.Hub, conn, clientOpts)
		opts.Logger.Debug("connection accepted", "remote", r.RemoteAddr, "member", client.ID(), "codec", clientOpts.Codec.Name())

		opts.Hub.Register(client)

		go client.WritePump()
		go client.ReadPump()
	}
}

// Health Check endpoint
func healthCheckHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling server is healthy."))
}

type roomsResponse struct {
	Rooms []signaling.RoomInfo `json:"rooms"`
}

func roomsHandler(hub *signaling.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(roomsResponse{Rooms: hub.Registry().Rooms()})
	}
}
