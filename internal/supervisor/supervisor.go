// Package supervisor owns the lifecycle state machine for agent instances:
// it ties the user registry, the port pool and the provider backend together
// and serializes all lifecycle operations per user.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Meistache/pixelated-dispatcher/internal/metrics"
	"github.com/Meistache/pixelated-dispatcher/internal/ports"
	"github.com/Meistache/pixelated-dispatcher/internal/provider"
	"github.com/Meistache/pixelated-dispatcher/internal/users"
)

// State of one agent instance as tracked by the supervisor.
type State string

const (
	StateStopped  State = "stopped"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
)

// AgentInfo is the supervisor's view of one agent.
type AgentInfo struct {
	Name  string `json:"name"`
	State State  `json:"state"`
	Port  int    `json:"port,omitempty"`
}

// EventSink records lifecycle transitions for auditing. Satisfied by
// *store.Store.
type EventSink interface {
	Append(user, event, detail string) error
}

type agentState struct {
	state State
	port  int
}

// Supervisor drives agent lifecycles over a provider backend.
type Supervisor struct {
	registry *users.Registry
	pool     *ports.Pool
	backend  provider.Provider
	events   EventSink // may be nil
	log      *slog.Logger

	mu     sync.Mutex
	agents map[string]*agentState
	locks  map[string]*sync.Mutex
}

// New creates a supervisor. events may be nil to disable auditing.
func New(registry *users.Registry, pool *ports.Pool, backend provider.Provider, events EventSink, log *slog.Logger) *Supervisor {
	return &Supervisor{
		registry: registry,
		pool:     pool,
		backend:  backend,
		events:   events,
		log:      log,
		agents:   make(map[string]*agentState),
		locks:    make(map[string]*sync.Mutex),
	}
}

// userLock serializes lifecycle operations for one user. Operations on
// distinct users proceed concurrently.
func (s *Supervisor) userLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

func (s *Supervisor) agent(name string) agentState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[name]; ok {
		return *a
	}
	return agentState{state: StateStopped}
}

func (s *Supervisor) setAgent(name string, state State, port int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.agents[name] = &agentState{state: state, port: port}
}

// record logs, counts and audits one transition.
func (s *Supervisor) record(user, event, detail string) {
	metrics.LifecycleTransitions.WithLabelValues(event).Inc()
	s.log.Info("agent "+event, "user", user, "detail", detail)
	if s.events != nil {
		if err := s.events.Append(user, event, detail); err != nil {
			s.log.Warn("audit append failed", "user", user, "err", err)
		}
	}
}

// Add registers a new user and stages its credentials for the first start.
func (s *Supervisor) Add(ctx context.Context, name, password string) (users.UserConfig, error) {
	u, err := s.registry.Add(name)
	if err != nil {
		return users.UserConfig{}, err
	}
	if password != "" {
		s.backend.PassCredentials(name, password)
	}
	s.record(name, "added", "")
	return u, nil
}

// Restore adopts agents the backend already reports as running, reserving
// their ports. Called once after backend initialization so a manager restart
// does not orphan running agents: without it they would be believed stopped
// and could never be stopped through the API.
func (s *Supervisor) Restore(ctx context.Context) error {
	names, err := s.backend.ListRunning(ctx)
	if err != nil {
		return err
	}
	for _, name := range names {
		if _, err := s.registry.Get(name); err != nil {
			s.log.Warn("running agent without registry entry", "user", name)
			continue
		}
		st, err := s.backend.Status(ctx, name)
		if err != nil || st.State != "running" || st.Port == 0 {
			continue
		}
		if err := s.pool.Reserve(st.Port); err != nil {
			s.log.Warn("restored agent holds unreservable port", "user", name, "port", st.Port, "err", err)
		}
		s.setAgent(name, StateRunning, st.Port)
		metrics.RunningAgents.Inc()
		s.record(name, "restored", fmt.Sprintf("port %d", st.Port))
	}
	return nil
}

// Start brings the user's agent up: allocate a port, launch via the backend,
// and track it as running. The port is returned to the pool when the launch
// fails.
func (s *Supervisor) Start(ctx context.Context, name string) error {
	lock := s.userLock(name)
	lock.Lock()
	defer lock.Unlock()

	u, err := s.registry.Get(name)
	if err != nil {
		return err
	}
	if a := s.agent(name); a.state != StateStopped {
		return fmt.Errorf("%w: %s", provider.ErrAlreadyRunning, name)
	}

	port, err := s.pool.Acquire()
	if err != nil {
		return err
	}
	s.setAgent(name, StateStarting, port)
	s.record(name, "starting", fmt.Sprintf("port %d", port))

	began := time.Now()
	if err := s.backend.Start(ctx, u, port); err != nil {
		s.setAgent(name, StateStopped, 0)
		s.pool.Release(port)
		s.record(name, "start_failed", err.Error())
		return err
	}
	metrics.AgentStartDuration.Observe(time.Since(began).Seconds())
	metrics.RunningAgents.Inc()
	s.setAgent(name, StateRunning, port)
	s.record(name, "started", fmt.Sprintf("port %d", port))
	return nil
}

// Stop brings the user's agent down and returns its port to the pool.
// Stopping an agent the backend already lost (crash) succeeds and is
// recorded as a crash.
func (s *Supervisor) Stop(ctx context.Context, name string) error {
	lock := s.userLock(name)
	lock.Lock()
	defer lock.Unlock()

	if _, err := s.registry.Get(name); err != nil {
		return err
	}
	a := s.agent(name)
	if a.state != StateRunning {
		return fmt.Errorf("%w: %s", provider.ErrNotRunning, name)
	}

	s.setAgent(name, StateStopping, a.port)
	err := s.backend.Stop(ctx, name)
	if err != nil && !errors.Is(err, provider.ErrNotRunning) {
		s.setAgent(name, StateRunning, a.port)
		return err
	}

	s.setAgent(name, StateStopped, 0)
	s.pool.Release(a.port)
	metrics.RunningAgents.Dec()
	if errors.Is(err, provider.ErrNotRunning) {
		s.record(name, "crashed", "agent was gone before stop")
	} else {
		s.record(name, "stopped", "")
	}
	return nil
}

// Status returns the supervisor's view of one agent, reconciling against the
// backend: an agent believed running that the backend no longer reports is
// marked stopped and its port reclaimed.
func (s *Supervisor) Status(ctx context.Context, name string) (AgentInfo, error) {
	if _, err := s.registry.Get(name); err != nil {
		return AgentInfo{}, err
	}
	a := s.agent(name)
	info := AgentInfo{Name: name, State: a.state, Port: a.port}
	if a.state != StateRunning {
		return info, nil
	}

	st, err := s.backend.Status(ctx, name)
	if err != nil {
		// Initializing or transient backend failure: report what we know.
		return info, nil
	}
	if st.State == "stopped" {
		lock := s.userLock(name)
		lock.Lock()
		defer lock.Unlock()
		// Re-check under the lock; a concurrent Stop may have won.
		if cur := s.agent(name); cur.state == StateRunning {
			s.setAgent(name, StateStopped, 0)
			s.pool.Release(cur.port)
			metrics.RunningAgents.Dec()
			s.record(name, "crashed", "backend no longer reports agent")
		}
		return AgentInfo{Name: name, State: StateStopped}, nil
	}
	return info, nil
}

// List returns all registered agents with their current state.
func (s *Supervisor) List(ctx context.Context) ([]AgentInfo, error) {
	names, err := s.registry.List()
	if err != nil {
		return nil, err
	}
	infos := make([]AgentInfo, 0, len(names))
	for _, name := range names {
		info, err := s.Status(ctx, name)
		if err != nil {
			info = AgentInfo{Name: name, State: StateStopped}
		}
		infos = append(infos, info)
	}
	return infos, nil
}

// ResetData wipes a stopped agent's data directory.
func (s *Supervisor) ResetData(ctx context.Context, name string) error {
	lock := s.userLock(name)
	lock.Lock()
	defer lock.Unlock()

	u, err := s.registry.Get(name)
	if err != nil {
		return err
	}
	if a := s.agent(name); a.state != StateStopped {
		return fmt.Errorf("%w: %s", provider.ErrAlreadyRunning, name)
	}
	if err := s.backend.ResetData(ctx, u); err != nil {
		return err
	}
	s.record(name, "data_reset", "")
	return nil
}

// Remove deletes a stopped agent entirely.
func (s *Supervisor) Remove(ctx context.Context, name string) error {
	lock := s.userLock(name)
	lock.Lock()
	defer lock.Unlock()

	u, err := s.registry.Get(name)
	if err != nil {
		return err
	}
	if a := s.agent(name); a.state != StateStopped {
		return fmt.Errorf("%w: %s", provider.ErrAlreadyRunning, name)
	}
	if err := s.backend.Remove(ctx, u); err != nil {
		return err
	}
	s.mu.Lock()
	delete(s.agents, name)
	s.mu.Unlock()
	s.record(name, "removed", "")
	return nil
}

// PassCredentials stages fresh credentials for the next agent start.
func (s *Supervisor) PassCredentials(name, password string) {
	s.backend.PassCredentials(name, password)
}

// MemoryUsage reports the aggregated resident memory of all running agents.
func (s *Supervisor) MemoryUsage(ctx context.Context) (provider.MemoryUsage, error) {
	usage, err := s.backend.MemoryUsage(ctx)
	if err != nil {
		return provider.MemoryUsage{}, err
	}
	metrics.AgentMemoryBytes.Set(float64(usage.TotalUsage))
	return usage, nil
}

// Initializing reports whether the backend is still preparing.
func (s *Supervisor) Initializing() bool {
	return s.backend.Initializing()
}
