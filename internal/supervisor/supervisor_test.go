package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"

	"github.com/Meistache/pixelated-dispatcher/internal/ports"
	"github.com/Meistache/pixelated-dispatcher/internal/provider"
	"github.com/Meistache/pixelated-dispatcher/internal/users"
)

// fakeBackend is an in-memory Provider for exercising the state machine.
type fakeBackend struct {
	mu           sync.Mutex
	running      map[string]int // name -> port
	creds        map[string]string
	initializing bool
	startErr     error
	stopErr      error
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{running: make(map[string]int), creds: make(map[string]string)}
}

func (f *fakeBackend) Initialize(ctx context.Context) error { return nil }

func (f *fakeBackend) Initializing() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.initializing
}

func (f *fakeBackend) Start(ctx context.Context, user users.UserConfig, port int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.initializing {
		return provider.ErrProviderInitializing
	}
	if f.startErr != nil {
		return f.startErr
	}
	if _, ok := f.running[user.Name]; ok {
		return fmt.Errorf("%w: %s", provider.ErrAlreadyRunning, user.Name)
	}
	f.running[user.Name] = port
	delete(f.creds, user.Name)
	return nil
}

func (f *fakeBackend) Stop(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return f.stopErr
	}
	if _, ok := f.running[name]; !ok {
		return fmt.Errorf("%w: %s", provider.ErrNotRunning, name)
	}
	delete(f.running, name)
	return nil
}

func (f *fakeBackend) ListRunning(ctx context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for name := range f.running {
		names = append(names, name)
	}
	return names, nil
}

func (f *fakeBackend) Status(ctx context.Context, name string) (provider.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if port, ok := f.running[name]; ok {
		return provider.Status{State: "running", Port: port}, nil
	}
	return provider.Status{State: "stopped"}, nil
}

func (f *fakeBackend) MemoryUsage(ctx context.Context) (provider.MemoryUsage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	usage := provider.MemoryUsage{Agents: []provider.AgentMemory{}}
	for name := range f.running {
		usage.Agents = append(usage.Agents, provider.AgentMemory{Name: name, MemoryUsage: 1000})
		usage.TotalUsage += 1000
	}
	if n := uint64(len(usage.Agents)); n > 0 {
		usage.AverageUsage = usage.TotalUsage / n
	}
	return usage, nil
}

func (f *fakeBackend) PassCredentials(name, password string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.creds[name] = password
}

func (f *fakeBackend) ResetData(ctx context.Context, user users.UserConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[user.Name]; ok {
		return provider.ErrAlreadyRunning
	}
	return nil
}

func (f *fakeBackend) Remove(ctx context.Context, user users.UserConfig) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.running[user.Name]; ok {
		return provider.ErrAlreadyRunning
	}
	return nil
}

// crash simulates the agent dying behind the supervisor's back.
func (f *fakeBackend) crash(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.running, name)
}

var _ provider.Provider = (*fakeBackend)(nil)

type memorySink struct {
	mu     sync.Mutex
	events []string
}

func (m *memorySink) Append(user, event, detail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, user+":"+event)
	return nil
}

func (m *memorySink) has(entry string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.events {
		if e == entry {
			return true
		}
	}
	return false
}

func newTestSupervisor(t *testing.T, backend *fakeBackend) (*Supervisor, *memorySink) {
	t.Helper()
	registry, err := users.NewRegistry(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	sink := &memorySink{}
	pool := ports.NewPool(5000, 5004, slog.Default())
	return New(registry, pool, backend, sink, slog.Default()), sink
}

func TestStartStopLifecycle(t *testing.T) {
	backend := newFakeBackend()
	s, sink := newTestSupervisor(t, backend)
	ctx := context.Background()

	if _, err := s.Add(ctx, "alice", "pw"); err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if err := s.Start(ctx, "alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	info, err := s.Status(ctx, "alice")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if info.State != StateRunning || info.Port != 5000 {
		t.Errorf("unexpected status %+v", info)
	}

	if err := s.Stop(ctx, "alice"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	info, _ = s.Status(ctx, "alice")
	if info.State != StateStopped || info.Port != 0 {
		t.Errorf("expected stopped without port, got %+v", info)
	}
	for _, want := range []string{"alice:added", "alice:started", "alice:stopped"} {
		if !sink.has(want) {
			t.Errorf("missing audit event %s (have %v)", want, sink.events)
		}
	}
}

func TestStartUnknownUser(t *testing.T) {
	s, _ := newTestSupervisor(t, newFakeBackend())
	if err := s.Start(context.Background(), "nobody"); !errors.Is(err, users.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestStartTwiceFails(t *testing.T) {
	s, _ := newTestSupervisor(t, newFakeBackend())
	ctx := context.Background()
	s.Add(ctx, "alice", "")
	if err := s.Start(ctx, "alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if err := s.Start(ctx, "alice"); !errors.Is(err, provider.ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
}

func TestStartFailureReleasesPort(t *testing.T) {
	backend := newFakeBackend()
	backend.startErr = errors.New("launch failed")
	s, _ := newTestSupervisor(t, backend)
	ctx := context.Background()
	s.Add(ctx, "alice", "")

	if err := s.Start(ctx, "alice"); err == nil {
		t.Fatal("expected Start to fail")
	}
	info, _ := s.Status(ctx, "alice")
	if info.State != StateStopped {
		t.Errorf("expected stopped after failed start, got %+v", info)
	}

	// The port must be usable again.
	backend.startErr = nil
	if err := s.Start(ctx, "alice"); err != nil {
		t.Fatalf("Start after failure failed: %v", err)
	}
	info, _ = s.Status(ctx, "alice")
	if info.Port != 5000 {
		t.Errorf("expected lowest port to be reused, got %d", info.Port)
	}
}

func TestPortPoolExhaustion(t *testing.T) {
	backend := newFakeBackend()
	s, _ := newTestSupervisor(t, backend) // pool holds 5 ports
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		name := fmt.Sprintf("user%d", i)
		s.Add(ctx, name, "")
		if err := s.Start(ctx, name); err != nil {
			t.Fatalf("Start(%s) failed: %v", name, err)
		}
	}
	s.Add(ctx, "straw", "")
	if err := s.Start(ctx, "straw"); !errors.Is(err, ports.ErrPoolExhausted) {
		t.Errorf("expected ErrPoolExhausted, got %v", err)
	}
	info, _ := s.Status(ctx, "straw")
	if info.State != StateStopped {
		t.Errorf("expected stopped after exhaustion, got %+v", info)
	}

	// Freeing one agent makes its port available to the next start.
	if err := s.Stop(ctx, "user0"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if err := s.Start(ctx, "straw"); err != nil {
		t.Fatalf("Start after release failed: %v", err)
	}
	info, _ = s.Status(ctx, "straw")
	if info.Port != 5000 {
		t.Errorf("expected released port 5000, got %d", info.Port)
	}
}

func TestStopNotRunning(t *testing.T) {
	s, _ := newTestSupervisor(t, newFakeBackend())
	ctx := context.Background()
	s.Add(ctx, "alice", "")
	if err := s.Stop(ctx, "alice"); !errors.Is(err, provider.ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestCrashReconciledOnStatus(t *testing.T) {
	backend := newFakeBackend()
	s, sink := newTestSupervisor(t, backend)
	ctx := context.Background()
	s.Add(ctx, "alice", "")
	if err := s.Start(ctx, "alice"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	backend.crash("alice")

	info, err := s.Status(ctx, "alice")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if info.State != StateStopped {
		t.Errorf("expected stopped after crash, got %+v", info)
	}
	if !sink.has("alice:crashed") {
		t.Errorf("expected crash audit event, have %v", sink.events)
	}

	// The crashed agent's port is free again.
	s.Add(ctx, "bob", "")
	if err := s.Start(ctx, "bob"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	binfo, _ := s.Status(ctx, "bob")
	if binfo.Port != 5000 {
		t.Errorf("expected reclaimed port 5000, got %d", binfo.Port)
	}

	// Restart after crash works.
	if err := s.Start(ctx, "alice"); err != nil {
		t.Fatalf("restart after crash failed: %v", err)
	}
}

func TestRestoreAdoptsRunningAgents(t *testing.T) {
	backend := newFakeBackend()
	s, sink := newTestSupervisor(t, backend)
	ctx := context.Background()

	u, err := s.Add(ctx, "alice", "")
	if err != nil {
		t.Fatal(err)
	}
	// The agent was left running by a previous manager process.
	if err := backend.Start(ctx, u, 5000); err != nil {
		t.Fatal(err)
	}

	if err := s.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	info, err := s.Status(ctx, "alice")
	if err != nil {
		t.Fatalf("Status failed: %v", err)
	}
	if info.State != StateRunning || info.Port != 5000 {
		t.Errorf("expected adopted agent running on 5000, got %+v", info)
	}
	if !sink.has("alice:restored") {
		t.Errorf("expected restored audit event, have %v", sink.events)
	}

	// The adopted port is reserved in the pool.
	s.Add(ctx, "bob", "")
	if err := s.Start(ctx, "bob"); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	binfo, _ := s.Status(ctx, "bob")
	if binfo.Port != 5001 {
		t.Errorf("expected next free port 5001, got %d", binfo.Port)
	}

	// The adopted agent can be stopped through the supervisor.
	if err := s.Stop(ctx, "alice"); err != nil {
		t.Fatalf("Stop of adopted agent failed: %v", err)
	}
	info, _ = s.Status(ctx, "alice")
	if info.State != StateStopped {
		t.Errorf("expected stopped after Stop, got %+v", info)
	}
}

func TestRestoreSkipsUnregisteredAgents(t *testing.T) {
	backend := newFakeBackend()
	s, _ := newTestSupervisor(t, backend)
	ctx := context.Background()

	if err := backend.Start(ctx, users.UserConfig{Name: "ghost"}, 5000); err != nil {
		t.Fatal(err)
	}
	if err := s.Restore(ctx); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}
	if _, err := s.Status(ctx, "ghost"); !errors.Is(err, users.ErrNotFound) {
		t.Errorf("expected ErrNotFound for unregistered agent, got %v", err)
	}
	infos, _ := s.List(ctx)
	if len(infos) != 0 {
		t.Errorf("expected empty list, got %v", infos)
	}
}

func TestResetDataRequiresStopped(t *testing.T) {
	backend := newFakeBackend()
	s, _ := newTestSupervisor(t, backend)
	ctx := context.Background()
	s.Add(ctx, "alice", "")
	s.Start(ctx, "alice")

	if err := s.ResetData(ctx, "alice"); !errors.Is(err, provider.ErrAlreadyRunning) {
		t.Errorf("expected ErrAlreadyRunning, got %v", err)
	}
	s.Stop(ctx, "alice")
	if err := s.ResetData(ctx, "alice"); err != nil {
		t.Errorf("ResetData failed: %v", err)
	}
}

func TestRemoveForgetsAgent(t *testing.T) {
	s, sink := newTestSupervisor(t, newFakeBackend())
	ctx := context.Background()
	s.Add(ctx, "alice", "")

	if err := s.Remove(ctx, "alice"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if !sink.has("alice:removed") {
		t.Errorf("expected removed audit event, have %v", sink.events)
	}
	if _, err := s.Status(ctx, "alice"); !errors.Is(err, users.ErrNotFound) {
		t.Errorf("expected ErrNotFound after Remove, got %v", err)
	}
}

func TestListReportsStates(t *testing.T) {
	backend := newFakeBackend()
	s, _ := newTestSupervisor(t, backend)
	ctx := context.Background()
	s.Add(ctx, "alice", "")
	s.Add(ctx, "bob", "")
	s.Start(ctx, "bob")

	infos, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(infos) != 2 {
		t.Fatalf("expected 2 agents, got %d", len(infos))
	}
	if infos[0].Name != "alice" || infos[0].State != StateStopped {
		t.Errorf("unexpected alice info %+v", infos[0])
	}
	if infos[1].Name != "bob" || infos[1].State != StateRunning {
		t.Errorf("unexpected bob info %+v", infos[1])
	}
}

func TestMemoryUsageAverages(t *testing.T) {
	backend := newFakeBackend()
	s, _ := newTestSupervisor(t, backend)
	ctx := context.Background()
	for _, name := range []string{"alice", "bob"} {
		s.Add(ctx, name, "")
		s.Start(ctx, name)
	}

	usage, err := s.MemoryUsage(ctx)
	if err != nil {
		t.Fatalf("MemoryUsage failed: %v", err)
	}
	if usage.TotalUsage != 2000 || usage.AverageUsage != 1000 {
		t.Errorf("unexpected usage %+v", usage)
	}
}
