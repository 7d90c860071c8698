// Package server exposes the hub and the room settings over HTTP.
package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/BioHazard786/Boothcall/internal/config"
	"github.com/BioHazard786/Boothcall/internal/hub"
	"github.com/BioHazard786/Boothcall/internal/logging"
	"github.com/BioHazard786/Boothcall/internal/settings"
	"github.com/BioHazard786/Boothcall/internal/signaling"
	"github.com/BioHazard786/Boothcall/internal/webrtc"
	"github.com/bytedance/sonic"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/cors"
	"go.uber.org/zap"
)

const (
	maxBodySize  = 64 * 1024
	storeTimeout = 3 * time.Second
)

// Server wires the HTTP routes to the hub and the settings store.
type Server struct {
	hub      *hub.Hub
	store    settings.Store
	ice      webrtc.ICEResponse
	origins  []string
	upgrader websocket.Upgrader
	log      logging.Logger
}

// New creates the server for cfg.
func New(h *hub.Hub, store settings.Store, cfg *config.ServerConfig, log logging.Logger) *Server {
	s := &Server{
		hub:     h,
		store:   store,
		ice:     iceResponse(cfg),
		origins: cfg.AllowedOrigins,
		log:     log.With(zap.String("component", "http")),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  64 * 1024, // 64 KB
		WriteBufferSize: 64 * 1024, // 64 KB
		CheckOrigin:     s.checkOrigin,
	}
	return s
}

func iceResponse(cfg *config.ServerConfig) webrtc.ICEResponse {
	var resp webrtc.ICEResponse
	if len(cfg.STUNServers) > 0 {
		resp.ICEServers = append(resp.ICEServers, webrtc.ICEServerConfig{URLs: cfg.STUNServers})
	}
	if len(cfg.TURNServers) > 0 {
		resp.ICEServers = append(resp.ICEServers, webrtc.ICEServerConfig{
			URLs:       cfg.TURNServers,
			Username:   cfg.TURNUser,
			Credential: cfg.TURNPass,
		})
	}
	return resp
}

// Handler returns the router wrapped with CORS.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.health).Methods(http.MethodGet)
	r.HandleFunc("/ws", s.serveWs).Methods(http.MethodGet)
	r.HandleFunc("/ice", s.serveICE).Methods(http.MethodGet)
	r.HandleFunc("/rooms", s.createRoom).Methods(http.MethodPost)
	r.HandleFunc("/rooms/{id}", s.roomStatus).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{id}/settings", s.getSettings).Methods(http.MethodGet)
	r.HandleFunc("/rooms/{id}/settings", s.putSettings).Methods(http.MethodPut)

	return cors.New(cors.Options{
		AllowedOrigins: s.origins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut},
		AllowedHeaders: []string{"Content-Type"},
	}).Handler(r)
}

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range s.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) {
			return true
		}
	}
	return false
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("Signaling server is healthy."))
}

// serveWs upgrades the connection and starts the client's pumps.
func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("failed to upgrade connection", zap.Error(err))
		return
	}

	client := hub.NewClient(s.hub, conn)
	s.hub.Register(client)

	go client.WritePump()
	go client.ReadPump()
}

func (s *Server) serveICE(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, s.ice)
}

type createRoomResponse struct {
	RoomID string `json:"room_id"`
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusCreated, createRoomResponse{RoomID: s.hub.NewRoomID()})
}

type roomStatusResponse struct {
	RoomID string `json:"room_id"`
	Active bool   `json:"active"`
}

func (s *Server) roomStatus(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.writeJSON(w, http.StatusOK, roomStatusResponse{RoomID: id, Active: s.hub.RoomActive(id)})
}

func (s *Server) getSettings(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	id := mux.Vars(r)["id"]
	st, err := s.store.Get(ctx, id)
	if err != nil {
		s.log.Error("failed to read room settings", err, zap.String("room", id))
		s.writeError(w, http.StatusInternalServerError, "could not read settings")
		return
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) putSettings(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodySize))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	var st signaling.RoomSettings
	if err := sonic.Unmarshal(body, &st); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid settings")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), storeTimeout)
	defer cancel()

	id := mux.Vars(r)["id"]
	if err := s.store.Put(ctx, id, st); err != nil {
		s.log.Error("failed to store room settings", err, zap.String("room", id))
		s.writeError(w, http.StatusInternalServerError, "could not store settings")
		return
	}

	// A watched store announces the write itself; everything else is pushed here.
	if _, ok := s.store.(settings.Watcher); !ok {
		s.hub.PushSettings(id, st)
	}
	s.writeJSON(w, http.StatusOK, st)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := sonic.Marshal(v)
	if err != nil {
		s.log.Error("failed to encode response", err)
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(data)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, signaling.ErrorPayload{Error: msg})
}
