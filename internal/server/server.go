// Package server exposes a Bus over HTTP
package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/kode4food/cmdbus"
)

type (
	// Server routes HTTP requests to a Bus and its stream store
	Server struct {
		bus      *cmdbus.Bus
		reader   cmdbus.StreamReader
		gatherer prometheus.Gatherer
		log      *zap.Logger
	}

	// CommandRequest is the body of a command request
	CommandRequest struct {
		Actor           cmdbus.Actor   `json:"actor"`
		AggregateID     string         `json:"aggregateId,omitempty"`
		ExpectedVersion *int64         `json:"expectedVersion,omitempty"`
		Payload         cmdbus.Payload `json:"payload"`
	}

	// ErrorResponse is the body of every failed request
	ErrorResponse struct {
		Error string `json:"error"`
	}
)

const (
	contentTypeJSON  = "application/json"
	defaultReadLimit = 100
	maxReadLimit     = 1000
)

var errBadLimit = errors.New("limit must be positive")

// New creates a Server. gatherer may be nil, in which case /metrics is not
// routed
func New(
	bus *cmdbus.Bus, reader cmdbus.StreamReader, gatherer prometheus.Gatherer,
	log *zap.Logger,
) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		bus:      bus,
		reader:   reader,
		gatherer: gatherer,
		log:      log,
	}
}

// Router builds the chi router
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(
			s.gatherer, promhttp.HandlerOpts{},
		))
	}
	r.Route("/tenants/{tenant}", func(r chi.Router) {
		r.Post("/commands/{command}", s.handleCommand)
		r.Get("/streams/{stream}/events", s.handleEvents)
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	command := chi.URLParam(r, "command")

	var req CommandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Actor.Tenant == "" {
		req.Actor.Tenant = tenant
	}
	if req.Actor.Tenant != tenant {
		s.writeError(w, http.StatusForbidden,
			errors.New("actor does not belong to tenant"),
		)
		return
	}

	opts := []cmdbus.CommandOption{cmdbus.WithAggregateID(req.AggregateID)}
	if req.ExpectedVersion != nil {
		opts = append(opts, cmdbus.WithExpectedVersion(*req.ExpectedVersion))
	}

	ag, err := s.bus.Command(
		r.Context(), req.Actor, command, req.Payload, opts...,
	)
	if err != nil {
		s.writeError(w, statusOf(err), err)
		return
	}

	data, err := ag.Snapshot()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, json.RawMessage(data))
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	tenant := chi.URLParam(r, "tenant")
	stream := chi.URLParam(r, "stream")

	from, err := queryInt(r, "from", 0)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := queryInt(r, "limit", defaultReadLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if limit < 1 {
		s.writeError(w, http.StatusBadRequest, errBadLimit)
		return
	}
	limit = min(limit, maxReadLimit)

	events, err := s.reader.ReadStream(
		r.Context(), tenant, stream, from, int(limit),
	)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, events)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.log.Warn("error encoding response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", zap.Error(err))
	}
	s.writeJSON(w, status, ErrorResponse{Error: err.Error()})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, cmdbus.ErrMissingArguments),
		errors.Is(err, cmdbus.ErrInvalidArguments):
		return http.StatusBadRequest
	case errors.Is(err, cmdbus.ErrConcurrency):
		return http.StatusConflict
	case errors.Is(err, cmdbus.ErrPrecondition):
		return http.StatusPreconditionFailed
	case errors.Is(err, cmdbus.ErrNotImplemented):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func queryInt(r *http.Request, name string, def int64) (int64, error) {
	val := r.URL.Query().Get(name)
	if val == "" {
		return def, nil
	}
	return strconv.ParseInt(val, 10, 64)
}
