// Copyright 2025 The morpheus-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package admin provides REST API endpoints for relay administration. Every
// endpoint maps onto an administrative router operation, so the API and the
// console stay interchangeable.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/turtacn/morpheus-go/pkg/ack"
	"github.com/turtacn/morpheus-go/pkg/message"
	"github.com/turtacn/morpheus-go/pkg/monitor"
	"github.com/turtacn/morpheus-go/pkg/registry"
	"github.com/turtacn/morpheus-go/pkg/router"
	"github.com/turtacn/morpheus-go/pkg/topic"
)

// maxBodyBytes bounds the size of a send request.
const maxBodyBytes = 1 << 20

// Relay defines the router operations the API exposes. *router.Router
// implements it.
type Relay interface {
	ListClients() []registry.ClientRecord
	ListTopics() []topic.Info
	ListTopicClients(topicName string) []registry.ClientRecord
	Status(msgID uuid.UUID) (ack.Entry, error)
	Pending() []ack.Entry
	Tracker() *ack.Tracker
	Broadcast(ctx context.Context, text string) (router.Receipt, error)
	SendTopic(ctx context.Context, topicName, text string) (router.Receipt, error)
	SendPrivate(ctx context.Context, id message.ClientID, text string) (router.Receipt, error)
	Shutdown()
	Done() <-chan struct{}
}

// APIServer provides REST API endpoints for relay management
type APIServer struct {
	relay  Relay
	health *monitor.HealthChecker
}

// APIResponse represents a standard API response
type APIResponse struct {
	Code    int         `json:"code"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// SendRequest is the body of every send endpoint.
type SendRequest struct {
	Payload string `json:"payload"`
}

// ListResult wraps a listing with its size.
type ListResult struct {
	Data  interface{} `json:"data"`
	Total int         `json:"total"`
}

// NewAPIServer creates a new API server instance. A nil checker gets a
// default one. Either way a critical "router" check is registered that fails
// once the relay is shutting down.
func NewAPIServer(relay Relay, checker *monitor.HealthChecker) *APIServer {
	if checker == nil {
		checker = monitor.NewHealthChecker()
	}
	checker.RegisterCheck("router", func() error {
		select {
		case <-relay.Done():
			return router.ErrShutdown
		default:
			return nil
		}
	}, true)
	return &APIServer{relay: relay, health: checker}
}

// RegisterRoutes registers all API routes
func (s *APIServer) RegisterRoutes(mux *http.ServeMux) {
	// Directory endpoints
	mux.HandleFunc("/api/v1/clients", s.handleClients)
	mux.HandleFunc("/api/v1/clients/", s.handleClientByID)
	mux.HandleFunc("/api/v1/topics", s.handleTopics)
	mux.HandleFunc("/api/v1/topics/", s.handleTopicByName)

	// Acknowledgment tracking endpoints
	mux.HandleFunc("/api/v1/messages", s.handleMessages)
	mux.HandleFunc("/api/v1/messages/", s.handleMessageByID)

	// Administrative sends and lifecycle
	mux.HandleFunc("/api/v1/broadcast", s.handleBroadcast)
	mux.HandleFunc("/api/v1/shutdown", s.handleShutdown)
	mux.HandleFunc("/health", s.handleHealth)
}

// Handler returns a mux serving every route.
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return mux
}

// handleClients handles /api/v1/clients[?topic=]
func (s *APIServer) handleClients(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var clients []registry.ClientRecord
	if name := r.URL.Query().Get("topic"); name != "" {
		clients = s.relay.ListTopicClients(name)
	} else {
		clients = s.relay.ListClients()
	}
	s.writeSuccess(w, ListResult{Data: nonNil(clients), Total: len(clients)})
}

// handleClientByID handles /api/v1/clients/{id}[/messages]
func (s *APIServer) handleClientByID(w http.ResponseWriter, r *http.Request) {
	rest := s.extractIDFromPath(r.URL.Path, "/api/v1/clients/")
	rawID, sub, _ := strings.Cut(rest, "/")
	id, err := uuid.Parse(rawID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid client ID: "+rawID)
		return
	}

	switch {
	case sub == "" && r.Method == http.MethodGet:
		for _, rec := range s.relay.ListClients() {
			if rec.ID == id {
				s.writeSuccess(w, rec)
				return
			}
		}
		s.writeError(w, http.StatusNotFound, "Client not found")
	case sub == "messages" && r.Method == http.MethodPost:
		req, ok := s.decodeSend(w, r)
		if !ok {
			return
		}
		rc, err := s.relay.SendPrivate(r.Context(), id, req.Payload)
		s.writeReceipt(w, rc, err)
	case sub == "" || sub == "messages":
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
	default:
		s.writeError(w, http.StatusNotFound, "Not found")
	}
}

// handleTopics handles /api/v1/topics
func (s *APIServer) handleTopics(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	topics := s.relay.ListTopics()
	s.writeSuccess(w, ListResult{Data: nonNil(topics), Total: len(topics)})
}

// handleTopicByName handles /api/v1/topics/{topic}/messages
func (s *APIServer) handleTopicByName(w http.ResponseWriter, r *http.Request) {
	rest := s.extractIDFromPath(r.URL.Path, "/api/v1/topics/")
	name, sub, _ := strings.Cut(rest, "/")
	if name == "" || sub != "messages" {
		s.writeError(w, http.StatusNotFound, "Not found")
		return
	}
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	req, ok := s.decodeSend(w, r)
	if !ok {
		return
	}
	rc, err := s.relay.SendTopic(r.Context(), name, req.Payload)
	s.writeReceipt(w, rc, err)
}

// handleMessages handles /api/v1/messages?state=pending|all
func (s *APIServer) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var entries []ack.Entry
	switch state := r.URL.Query().Get("state"); state {
	case "", "pending":
		entries = s.relay.Pending()
	case "all":
		entries = s.relay.Tracker().All()
	default:
		s.writeError(w, http.StatusBadRequest, "Invalid state filter: "+state)
		return
	}

	page, limit := s.getPagination(r)
	start := min((page-1)*limit, len(entries))
	end := min(start+limit, len(entries))

	s.writeSuccess(w, ListResult{Data: nonNil(entries[start:end]), Total: len(entries)})
}

// handleMessageByID handles /api/v1/messages/{id}
func (s *APIServer) handleMessageByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	rawID := s.extractIDFromPath(r.URL.Path, "/api/v1/messages/")
	id, err := uuid.Parse(rawID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid message ID: "+rawID)
		return
	}

	entry, err := s.relay.Status(id)
	if err != nil {
		s.writeRelayError(w, err)
		return
	}
	s.writeSuccess(w, entry)
}

// handleBroadcast handles /api/v1/broadcast
func (s *APIServer) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	req, ok := s.decodeSend(w, r)
	if !ok {
		return
	}
	rc, err := s.relay.Broadcast(r.Context(), req.Payload)
	s.writeReceipt(w, rc, err)
}

// handleShutdown handles /api/v1/shutdown
func (s *APIServer) handleShutdown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	log.Info().Str("remote", r.RemoteAddr).Msg("shutdown requested through admin API")
	s.relay.Shutdown()
	s.writeSuccess(w, map[string]string{"result": "shutting down"})
}

// handleHealth handles /health endpoint. An unhealthy relay answers 503 with
// the check results attached.
func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	status := s.health.RunChecks()
	health := struct {
		monitor.HealthStatus
		Clients int `json:"clients"`
	}{status, len(s.relay.ListClients())}

	if !status.Healthy() {
		s.writeJSON(w, http.StatusServiceUnavailable, APIResponse{
			Code:    http.StatusServiceUnavailable,
			Message: status.Status,
			Data:    health,
		})
		return
	}
	s.writeSuccess(w, health)
}

// Helper methods

func (s *APIServer) decodeSend(w http.ResponseWriter, r *http.Request) (SendRequest, bool) {
	var req SendRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return req, false
	}
	return req, true
}

func (s *APIServer) writeReceipt(w http.ResponseWriter, rc router.Receipt, err error) {
	if err != nil {
		s.writeRelayError(w, err)
		return
	}
	if rc.Recipients == nil {
		rc.Recipients = []message.ClientID{}
	}
	s.writeSuccess(w, rc)
}

// writeRelayError maps a router error onto an HTTP status. The body carries
// the wire error code as the message prefix.
func (s *APIServer) writeRelayError(w http.ResponseWriter, err error) {
	code := router.Code(err)
	status := http.StatusBadRequest
	switch {
	case errors.Is(err, router.ErrUnknownRecipient), errors.Is(err, ack.ErrUnknownMessage):
		status = http.StatusNotFound
	case errors.Is(err, router.ErrShutdown):
		status = http.StatusServiceUnavailable
	case code == router.CodeInternal:
		status = http.StatusInternalServerError
	}
	s.writeError(w, status, code+": "+err.Error())
}

func (s *APIServer) writeSuccess(w http.ResponseWriter, data interface{}) {
	response := APIResponse{
		Code: 0,
		Data: data,
	}
	s.writeJSON(w, http.StatusOK, response)
}

func (s *APIServer) writeError(w http.ResponseWriter, statusCode int, message string) {
	response := APIResponse{
		Code:    statusCode,
		Message: message,
	}
	s.writeJSON(w, statusCode, response)
}

func (s *APIServer) writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Warn().Err(err).Msg("failed to encode admin API response")
	}
}

func (s *APIServer) extractIDFromPath(path, prefix string) string {
	if !strings.HasPrefix(path, prefix) {
		return ""
	}
	return strings.TrimPrefix(path, prefix)
}

func (s *APIServer) getPagination(r *http.Request) (page int, limit int) {
	page = 1
	limit = 100

	if pageStr := r.URL.Query().Get("page"); pageStr != "" {
		if p, err := strconv.Atoi(pageStr); err == nil && p > 0 {
			page = p
		}
	}

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= 1000 {
			limit = l
		}
	}

	return page, limit
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}

// Serve runs the admin API on addr until ctx is canceled.
func Serve(ctx context.Context, addr string, relay Relay, checker *monitor.HealthChecker) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ServeListener(ctx, ln, relay, checker)
}

// ServeListener runs the admin API on ln until ctx is canceled.
func ServeListener(ctx context.Context, ln net.Listener, relay Relay, checker *monitor.HealthChecker) error {
	server := &http.Server{
		Handler:           NewAPIServer(relay, checker).Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	stop := context.AfterFunc(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	})
	defer stop()

	log.Info().Str("addr", ln.Addr().String()).Msg("admin API listening")
	if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
