// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package admin serves the relay's operator HTTP API: health and metrics
// endpoints and the channel binding administration that feeds the relay's
// channel table.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-matrix-relay/pkg/database"
	"github.com/aiku/mattermost-matrix-relay/pkg/relay"
)

// maxBodySize is the maximum allowed request body for channel writes (1 MB).
const maxBodySize = 1 << 20

// ChannelStore is the part of the channel table the admin API manages.
type ChannelStore interface {
	GetAll(ctx context.Context) ([]*database.Channel, error)
	GetByID(ctx context.Context, id string) (*database.Channel, error)
	Upsert(ctx context.Context, ch *database.Channel) error
}

var _ ChannelStore = (*database.ChannelQuery)(nil)

// Server is the admin HTTP API.
type Server struct {
	channels ChannelStore
	clients  []relay.PlatformClient
	health   func(ctx context.Context) error
	router   *mux.Router
	log      zerolog.Logger
}

// New builds the admin router. health is called by /healthz; clients are
// used to look up channel names when a binding is saved without one.
func New(channels ChannelStore, health func(ctx context.Context) error, log zerolog.Logger, clients ...relay.PlatformClient) *Server {
	s := &Server{
		channels: channels,
		clients:  clients,
		health:   health,
		router:   mux.NewRouter(),
		log:      log.With().Str("component", "admin_api").Logger(),
	}
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/channels", s.handleListChannels).Methods(http.MethodGet)
	api.HandleFunc("/channels", s.handlePutChannel).Methods(http.MethodPut)
	api.HandleFunc("/channels/{id}", s.handleGetChannel).Methods(http.MethodGet)
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run listens on addr until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:         addr,
		Handler:      s,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("Starting admin API")
		errCh <- server.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health(r.Context()); err != nil {
			s.log.Warn().Err(err).Msg("Health check failed")
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListChannels(w http.ResponseWriter, r *http.Request) {
	channels, err := s.channels.GetAll(r.Context())
	if err != nil {
		s.log.Err(err).Msg("Failed to list channels")
		http.Error(w, "failed to list channels", http.StatusInternalServerError)
		return
	}
	if channels == nil {
		channels = []*database.Channel{}
	}
	writeJSON(w, http.StatusOK, channels)
}

func (s *Server) handleGetChannel(w http.ResponseWriter, r *http.Request) {
	ch, err := s.channels.GetByID(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.log.Err(err).Msg("Failed to get channel")
		http.Error(w, "failed to get channel", http.StatusInternalServerError)
		return
	} else if ch == nil {
		http.Error(w, "channel not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, ch)
}

// handlePutChannel creates or replaces a channel binding. A missing id
// creates a new channel, a missing direction means two-way.
func (s *Server) handlePutChannel(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
		return
	}
	var ch database.Channel
	if err = json.Unmarshal(body, &ch); err != nil {
		http.Error(w, "invalid JSON", http.StatusBadRequest)
		return
	}
	if ch.MattermostChannelID == "" || ch.MatrixRoomID == "" {
		http.Error(w, "mattermost_channel_id and matrix_room_id are required", http.StatusBadRequest)
		return
	}
	if ch.Direction == "" {
		ch.Direction = database.DirectionTwoWay
	} else if !ch.Direction.Valid() {
		http.Error(w, "direction must be one-way or two-way", http.StatusBadRequest)
		return
	}
	status := http.StatusOK
	if ch.ID == "" {
		ch.ID = uuid.NewString()
		status = http.StatusCreated
	}
	if ch.Name == "" {
		ch.Name = s.lookupName(r.Context(), &ch)
	}
	if err = s.channels.Upsert(r.Context(), &ch); err != nil {
		s.log.Err(err).Str("channel_id", ch.ID).Msg("Failed to save channel")
		http.Error(w, "failed to save channel", http.StatusConflict)
		return
	}
	s.log.Info().
		Str("channel_id", ch.ID).
		Str("mattermost_channel_id", ch.MattermostChannelID).
		Str("matrix_room_id", ch.MatrixRoomID).
		Str("direction", string(ch.Direction)).
		Str("remote_addr", r.RemoteAddr).
		Msg("Channel binding saved")
	writeJSON(w, status, &ch)
}

// lookupName asks the platforms for a human readable channel name, in the
// order the clients were given.
func (s *Server) lookupName(ctx context.Context, ch *database.Channel) string {
	for _, client := range s.clients {
		info, err := client.FetchChannel(ctx, ch.ChatID(client.Platform()))
		if err != nil {
			s.log.Warn().Err(err).Str("platform", string(client.Platform())).Msg("Failed to fetch channel name")
			continue
		}
		if info.Name != "" {
			return info.Name
		}
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
