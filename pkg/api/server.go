// Package api exposes the coordination pipeline over HTTP: deliberation
// lifecycle operations, operator hold resolution, and the websocket
// observer stream.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/concord-engine/concord/pkg/bus"
	"github.com/concord-engine/concord/pkg/coordinator"
	"github.com/concord-engine/concord/pkg/deliberation"
	"github.com/concord-engine/concord/pkg/policy"
)

// Server is the HTTP surface of the coordinator.
type Server struct {
	coord      *coordinator.Coordinator
	bus        bus.Bus
	source     policy.Source
	caps       map[string]coordinator.Capability
	auth       *OperatorAuth
	roster     *deliberation.Roster
	logger     *slog.Logger
	router     *mux.Router
	wsUpgrader websocketUpgrader
}

// NewServer wires the HTTP routes.
func NewServer(coord *coordinator.Coordinator, b bus.Bus, source policy.Source, caps map[string]coordinator.Capability, auth *OperatorAuth) *Server {
	s := &Server{
		coord:      coord,
		bus:        b,
		source:     source,
		caps:       caps,
		auth:       auth,
		logger:     slog.Default().With("component", "api"),
		wsUpgrader: defaultUpgrader(),
	}

	r := mux.NewRouter()
	r.Use(s.logMiddleware)

	r.HandleFunc("/v1/deliberations", s.handleStart).Methods(http.MethodPost)
	r.HandleFunc("/v1/deliberations/{id}", s.handleState).Methods(http.MethodGet)
	r.HandleFunc("/v1/deliberations/{id}/advance", s.handleAdvance).Methods(http.MethodPost)
	r.HandleFunc("/v1/deliberations/{id}/skip", s.handleSkip).Methods(http.MethodPost)
	r.HandleFunc("/v1/deliberations/{id}/cancel", s.handleCancel).Methods(http.MethodPost)
	r.HandleFunc("/v1/deliberations/{id}/input", s.handleHumanInput).Methods(http.MethodPost)
	r.HandleFunc("/v1/deliberations/{id}/votes", s.handleVote).Methods(http.MethodPost)
	r.HandleFunc("/v1/deliberations/{id}/stream", s.handleStream).Methods(http.MethodGet)
	r.Handle("/v1/deliberations/{id}/violations/{violationId}/resolve",
		s.auth.Require(http.HandlerFunc(s.handleResolve))).Methods(http.MethodPost)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	s.router = r
	return s
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler { return s.router }

// WithDefaultRoster sets the roster used when a start request names no
// participants.
func (s *Server) WithDefaultRoster(r *deliberation.Roster) *Server {
	s.roster = r
	return s
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
	})
}

type startRequest struct {
	Question     string                     `json:"question"`
	Participants []deliberation.Participant `json:"participants"`
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	participants := req.Participants
	if len(participants) == 0 && s.roster != nil {
		participants = s.roster.Participants
	}

	caps := make(map[string]coordinator.Capability, len(participants))
	for _, p := range participants {
		if c, ok := s.caps[p.ID]; ok {
			caps[p.ID] = c
		}
	}

	id, err := s.coord.Start(r.Context(), req.Question, participants, caps, s.source)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"id": id})
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	state, err := s.coord.GetState(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *Server) handleAdvance(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.AdvancePhase(mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleSkip(w http.ResponseWriter, r *http.Request) {
	if err := s.coord.SkipToSynthesis(mux.Vars(r)["id"]); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&body)

	if err := s.coord.Cancel(mux.Vars(r)["id"], body.Reason); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHumanInput(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ParticipantID string `json:"participant_id"`
		Content       string `json:"content"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	err := s.coord.SubmitHumanInput(mux.Vars(r)["id"], body.ParticipantID, body.Content)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	var vote deliberation.Vote
	if err := json.NewDecoder(r.Body).Decode(&vote); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	if err := s.coord.SubmitVote(mux.Vars(r)["id"], vote); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	operator := OperatorFrom(r.Context())

	err := s.coord.ResolveViolation(vars["id"], vars["violationId"], operator)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, coordinator.ErrUnknownParticipant):
		return http.StatusBadRequest
	case errors.Is(err, deliberation.ErrNotFound),
		errors.Is(err, bus.ErrUnknownDeliberation),
		errors.Is(err, policy.ErrViolationNotFound):
		return http.StatusNotFound
	case errors.Is(err, coordinator.ErrTerminal),
		errors.Is(err, coordinator.ErrWrongPhase),
		errors.Is(err, coordinator.ErrWindowClosed),
		errors.Is(err, coordinator.ErrVotesOutstanding),
		errors.Is(err, policy.ErrNotResolvable):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
