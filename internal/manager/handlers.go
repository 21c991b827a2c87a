package manager

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/Meistache/pixelated-dispatcher/internal/leapsrp"
	"github.com/Meistache/pixelated-dispatcher/internal/metrics"
	"github.com/Meistache/pixelated-dispatcher/internal/supervisor"
	"github.com/Meistache/pixelated-dispatcher/internal/users"
)

type agentSummary struct {
	Name  string `json:"name"`
	State string `json:"state"`
}

type runtimeInfo struct {
	State string `json:"state"`
	Port  int    `json:"port,omitempty"`
}

func summaryOf(info supervisor.AgentInfo) agentSummary {
	return agentSummary{Name: info.Name, State: string(info.State)}
}

// listAgents returns all registered agents. While the backend initializes
// the endpoint answers 503 so clients can probe readiness.
func (s *Server) listAgents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agents.Initializing() {
		writeError(w, http.StatusServiceUnavailable, "manager is initializing")
		return
	}
	infos, err := s.deps.Agents.List(r.Context())
	if err != nil {
		s.writeErrorFor(w, err)
		return
	}
	agents := make([]agentSummary, 0, len(infos))
	for _, info := range infos {
		agents = append(agents, summaryOf(info))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": agents})
}

// addAgent registers a new user, creates the provider account when auth is
// configured, and stages the credentials for the first start.
func (s *Server) addAgent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name     string `json:"name"`
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if !users.ValidName(req.Name) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid user name %q", req.Name))
		return
	}

	if s.deps.Auth != nil {
		err := s.deps.Auth.Register(r.Context(), req.Name, req.Password)
		// An account that already exists at the provider is not an error
		// here; the local registry below decides about duplicates.
		if err != nil && !errors.Is(err, leapsrp.ErrUserExists) {
			s.writeErrorFor(w, err)
			return
		}
	}

	if _, err := s.deps.Agents.Add(r.Context(), req.Name, req.Password); err != nil {
		s.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, agentSummary{Name: req.Name, State: string(supervisor.StateStopped)})
}

func (s *Server) getAgent(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Agents.Status(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, summaryOf(info))
}

func (s *Server) getRuntime(w http.ResponseWriter, r *http.Request) {
	info, err := s.deps.Agents.Status(r.Context(), r.PathValue("name"))
	if err != nil {
		s.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runtimeInfo{State: string(info.State), Port: info.Port})
}

// putState drives the lifecycle: {"state":"running"} starts the agent,
// {"state":"stopped"} stops it. The response reports the resulting runtime.
func (s *Server) putState(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req struct {
		State string `json:"state"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var err error
	switch req.State {
	case string(supervisor.StateRunning):
		err = s.deps.Agents.Start(r.Context(), name)
	case string(supervisor.StateStopped):
		err = s.deps.Agents.Stop(r.Context(), name)
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid target state %q", req.State))
		return
	}
	if err != nil {
		s.writeErrorFor(w, err)
		return
	}

	info, err := s.deps.Agents.Status(r.Context(), name)
	if err != nil {
		s.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, runtimeInfo{State: string(info.State), Port: info.Port})
}

func (s *Server) resetData(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Agents.ResetData(r.Context(), r.PathValue("name")); err != nil {
		s.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

func (s *Server) removeAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Agents.Remove(r.Context(), r.PathValue("name")); err != nil {
		s.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{})
}

// authenticate verifies the password against the provider and stages the
// credentials so the next agent start can log in.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	var req struct {
		Password string `json:"password"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if _, err := s.deps.Agents.Status(r.Context(), name); err != nil {
		s.writeErrorFor(w, err)
		return
	}

	if s.deps.Auth != nil {
		if _, err := s.deps.Auth.Authenticate(r.Context(), name, req.Password); err != nil {
			metrics.AuthAttempts.WithLabelValues("failure").Inc()
			s.writeErrorFor(w, err)
			return
		}
	}
	metrics.AuthAttempts.WithLabelValues("success").Inc()
	s.deps.Agents.PassCredentials(name, req.Password)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	if s.deps.Audit == nil {
		writeError(w, http.StatusNotFound, "auditing is disabled")
		return
	}
	if _, err := s.deps.Agents.Status(r.Context(), name); err != nil {
		s.writeErrorFor(w, err)
		return
	}
	events, err := s.deps.Audit.EventsFor(name, 100)
	if err != nil {
		s.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) memoryUsage(w http.ResponseWriter, r *http.Request) {
	usage, err := s.deps.Agents.MemoryUsage(r.Context())
	if err != nil {
		s.writeErrorFor(w, err)
		return
	}
	writeJSON(w, http.StatusOK, usage)
}
