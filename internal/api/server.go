// Package api exposes the voting engine over REST/JSON: the four blockable
// operations, a couple of read endpoints, the task-push handler, and
// Prometheus metrics.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/binauthz/ballotbox/internal/committer"
	"github.com/binauthz/ballotbox/internal/installer"
	"github.com/binauthz/ballotbox/internal/model"
	"github.com/binauthz/ballotbox/internal/store"
	"github.com/binauthz/ballotbox/internal/taskqueue"
	"github.com/binauthz/ballotbox/internal/voting"
)

// Server wires the engine's services into HTTP routes.
type Server struct {
	store     store.Store
	ballotBox *voting.BallotBox
	installer *installer.Service
	committer *committer.Committer
	logger    *log.Logger
}

func NewServer(s store.Store, bb *voting.BallotBox, inst *installer.Service, cm *committer.Committer) *Server {
	return &Server{
		store:     s,
		ballotBox: bb,
		installer: inst,
		committer: cm,
		logger:    log.New(log.Writer(), "[API] ", log.LstdFlags),
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/api/blockables/{id}", s.handleGetBlockable).Methods("GET")
	r.HandleFunc("/api/blockables/{id}/votes", s.handleVote).Methods("POST")
	r.HandleFunc("/api/blockables/{id}/recount", s.handleRecount).Methods("POST")
	r.HandleFunc("/api/blockables/{id}/reset", s.handleReset).Methods("POST")
	r.HandleFunc("/api/blockables/{id}/installer-state", s.handleInstallerState).Methods("POST")
	r.HandleFunc("/api/users/{email}/hosts", s.handleUserHosts).Methods("GET")

	// Task queue pushes land here.
	r.HandleFunc("/tasks/{queue}", s.handleTask).Methods("POST")

	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}).Methods("GET")
	return r
}

func (s *Server) Start(port string) error {
	addr := ":" + port
	s.logger.Printf("Listening on %s", addr)
	return http.ListenAndServe(addr, s.Router())
}

// --- Handlers ---

func (s *Server) handleGetBlockable(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	b, err := s.store.GetBlockable(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNoSuchEntity) {
			http.Error(w, "blockable not found", http.StatusNotFound)
			return
		}
		s.internalError(w, err)
		return
	}
	strongest, err := s.ballotBox.StrongestVote(r.Context(), id)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.respond(w, map[string]any{
		"blockable":      b,
		"strongest_vote": strongest,
	})
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		UserEmail string `json:"user_email"`
		WasYes    bool   `json:"was_yes"`
		Weight    *int64 `json:"weight,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.UserEmail == "" {
		http.Error(w, "user_email is required", http.StatusBadRequest)
		return
	}

	result, err := s.ballotBox.Vote(r.Context(), id, req.UserEmail, req.WasYes, req.Weight)
	if err != nil {
		s.votingError(w, err)
		return
	}
	s.respond(w, map[string]any{
		"vote":      result.Vote,
		"blockable": result.Blockable,
	})
}

func (s *Server) handleRecount(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	changed, err := s.ballotBox.Recount(r.Context(), id)
	if err != nil {
		s.votingError(w, err)
		return
	}
	s.respond(w, map[string]any{"changed": changed})
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.ballotBox.Reset(r.Context(), id); err != nil {
		s.votingError(w, err)
		return
	}
	s.respond(w, map[string]string{"status": "reset"})
}

func (s *Server) handleInstallerState(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req struct {
		Value *bool `json:"value"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.Value == nil {
		http.Error(w, "no installer state provided", http.StatusBadRequest)
		return
	}

	state, err := s.installer.SetInstallerPolicy(r.Context(), id, *req.Value)
	if err != nil {
		switch {
		case errors.Is(err, installer.ErrNotFound):
			http.Error(w, err.Error(), http.StatusNotFound)
		case errors.Is(err, installer.ErrBadPlatform), errors.Is(err, installer.ErrNotBinary):
			http.Error(w, err.Error(), http.StatusBadRequest)
		default:
			s.internalError(w, err)
		}
		return
	}
	s.respond(w, map[string]bool{"is_installer": state})
}

func (s *Server) handleUserHosts(w http.ResponseWriter, r *http.Request) {
	email := mux.Vars(r)["email"]
	platform := model.ParsePlatform(r.URL.Query().Get("platform"))
	if !platform.Known() {
		http.Error(w, "unknown platform", http.StatusBadRequest)
		return
	}

	u, err := s.store.GetUser(r.Context(), email)
	if err != nil {
		if errors.Is(err, store.ErrNoSuchEntity) {
			http.Error(w, "user not found", http.StatusNotFound)
			return
		}
		s.internalError(w, err)
		return
	}
	hostIDs, err := voting.HostIDsForUser(r.Context(), s.store, platform, u)
	if err != nil {
		s.internalError(w, err)
		return
	}
	s.respond(w, map[string]any{"host_ids": hostIDs})
}

// handleTask executes a pushed task. A permanent failure is acknowledged
// with 200 so the queue drops it; anything else is a 500 and the queue's
// backoff retries the push.
func (s *Server) handleTask(w http.ResponseWriter, r *http.Request) {
	queue := mux.Vars(r)["queue"]
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	task := taskqueue.Task{
		Queue:   queue,
		Key:     r.Header.Get("X-Task-Key"),
		Payload: payload,
	}

	switch queue {
	case taskqueue.QueueCommitChange:
		err = s.committer.HandleCommitTask(r.Context(), task)
	case taskqueue.QueueLocalAllow:
		err = s.ballotBox.HandleLocalAllowTask(r.Context(), task)
	default:
		http.Error(w, fmt.Sprintf("unknown queue %q", queue), http.StatusNotFound)
		return
	}

	if err != nil {
		if errors.Is(err, taskqueue.ErrPermanent) {
			s.logger.Printf("Dropping task (queue=%s key=%s): %v", queue, task.Key, err)
			w.WriteHeader(http.StatusOK)
			return
		}
		s.logger.Printf("Task failed (queue=%s key=%s): %v", queue, task.Key, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// --- Helpers ---

func (s *Server) respond(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(body)
}

func (s *Server) votingError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, voting.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, voting.ErrDuplicateVote):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, voting.ErrOperationNotAllowed):
		http.Error(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, voting.ErrInvalidWeight), errors.Is(err, voting.ErrUnsupportedPlatform):
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		s.internalError(w, err)
	}
}

func (s *Server) internalError(w http.ResponseWriter, err error) {
	s.logger.Printf("Internal error: %v", err)
	http.Error(w, "internal error", http.StatusInternalServerError)
}
