package provider

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/procfs"

	"github.com/Meistache/pixelated-dispatcher/internal/users"
	"github.com/Meistache/pixelated-dispatcher/internal/watchdog"
)

const (
	// agentMemoryEstimate is the expected resident-set size of one agent,
	// used to gate starts against available system memory.
	agentMemoryEstimate = 300 << 20 // 300 MiB

	// stopGracePeriod is how long a SIGTERM'd agent gets before SIGKILL.
	stopGracePeriod = 10 * time.Second
)

// forkProc tracks one running agent child.
type forkProc struct {
	cmd  *exec.Cmd
	port int
	done chan struct{}
}

// ForkBackend runs each agent as a directly forked child process of the
// manager. Intended for development setups without a container runtime.
type ForkBackend struct {
	Base

	agentBin string
	log      *slog.Logger

	mu    sync.Mutex
	procs map[string]*forkProc
}

var _ Provider = (*ForkBackend)(nil)

// NewForkBackend creates a fork-exec backend launching agentBin per user.
func NewForkBackend(leap LeapProvider, agentBin string, log *slog.Logger) *ForkBackend {
	b := &ForkBackend{
		agentBin: agentBin,
		log:      log,
		procs:    make(map[string]*forkProc),
	}
	b.Leap = leap
	return b
}

// Initialize is a no-op for the fork backend; there is no image to prepare.
func (b *ForkBackend) Initialize(ctx context.Context) error {
	return nil
}

// Start launches the user's agent child bound to 127.0.0.1:port.
func (b *ForkBackend) Start(ctx context.Context, user users.UserConfig, port int) error {
	if err := b.CheckReady(); err != nil {
		return err
	}
	b.mu.Lock()
	if _, ok := b.procs[user.Name]; ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, user.Name)
	}
	b.mu.Unlock()

	if err := CheckFreeMemory(agentMemoryEstimate); err != nil {
		return err
	}
	if err := b.CopyProviderCA(user); err != nil {
		return err
	}

	args := []string{
		"--leap-home", user.DataDir(),
		"--host", "127.0.0.1",
		"--port", strconv.Itoa(port),
		"--organization-mode",
	}
	caPath := filepath.Join(user.DataDir(), LeapCAFileName)
	if _, err := os.Stat(caPath); err == nil {
		args = append(args, "--leap-provider-cert", caPath)
	}

	cmd := exec.Command(b.agentBin, args...)
	cmd.Env = append(os.Environ(), b.AgentEnv()...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("agent stdin: %w", err)
	}
	if err := cmd.Start(); err != nil {
		stdin.Close()
		return fmt.Errorf("start agent: %w", err)
	}

	proc := &forkProc{cmd: cmd, port: port, done: make(chan struct{})}
	b.mu.Lock()
	b.procs[user.Name] = proc
	b.mu.Unlock()

	b.InjectCredentials(user.Name, stdin)

	go b.reap(user.Name, proc)

	b.log.Info("agent started", "user", user.Name, "pid", cmd.Process.Pid, "port", port)
	return nil
}

// reap waits for the child and drops it from the running set, so crashed
// agents show up as stopped.
func (b *ForkBackend) reap(name string, proc *forkProc) {
	err := proc.cmd.Wait()
	close(proc.done)

	b.mu.Lock()
	if b.procs[name] == proc {
		delete(b.procs, name)
	}
	b.mu.Unlock()

	if err != nil {
		b.log.Warn("agent exited", "user", name, "err", err)
	} else {
		b.log.Info("agent exited", "user", name)
	}
}

// Stop terminates the user's agent: SIGTERM, then SIGKILL after the grace
// period.
func (b *ForkBackend) Stop(ctx context.Context, name string) error {
	if err := b.CheckReady(); err != nil {
		return err
	}
	b.mu.Lock()
	proc, ok := b.procs[name]
	b.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotRunning, name)
	}

	if err := proc.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		return fmt.Errorf("signal agent: %w", err)
	}
	killer := watchdog.New(stopGracePeriod, func() {
		b.log.Warn("agent did not stop in time, killing", "user", name)
		proc.cmd.Process.Kill()
	})
	defer killer.Stop()

	select {
	case <-proc.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	b.DropCredentials(name)
	return nil
}

// ListRunning returns the names of users with a live agent child, sorted.
func (b *ForkBackend) ListRunning(ctx context.Context) ([]string, error) {
	if err := b.CheckReady(); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	names := make([]string, 0, len(b.procs))
	for name := range b.procs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// Status reports whether the user's agent child is alive and on which port.
func (b *ForkBackend) Status(ctx context.Context, name string) (Status, error) {
	if err := b.CheckReady(); err != nil {
		return Status{}, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if proc, ok := b.procs[name]; ok {
		return Status{State: "running", Port: proc.port}, nil
	}
	return Status{State: "stopped"}, nil
}

// MemoryUsage sums the resident-set sizes of all agent children.
func (b *ForkBackend) MemoryUsage(ctx context.Context) (MemoryUsage, error) {
	if err := b.CheckReady(); err != nil {
		return MemoryUsage{}, err
	}
	b.mu.Lock()
	pids := make(map[string]int, len(b.procs))
	for name, proc := range b.procs {
		pids[name] = proc.cmd.Process.Pid
	}
	b.mu.Unlock()

	return MemoryUsageByPID(pids)
}

// ResetData wipes the user's data directory. The caller ensures the agent is
// stopped; a still-running child is rejected.
func (b *ForkBackend) ResetData(ctx context.Context, user users.UserConfig) error {
	if err := b.requireStopped(user.Name); err != nil {
		return err
	}
	if err := os.RemoveAll(user.DataDir()); err != nil {
		return fmt.Errorf("reset data: %w", err)
	}
	return os.MkdirAll(user.DataDir(), 0700)
}

// Remove deletes the user's directories entirely.
func (b *ForkBackend) Remove(ctx context.Context, user users.UserConfig) error {
	if err := b.requireStopped(user.Name); err != nil {
		return err
	}
	b.DropCredentials(user.Name)
	if err := os.RemoveAll(user.Path); err != nil {
		return fmt.Errorf("remove user: %w", err)
	}
	return nil
}

func (b *ForkBackend) requireStopped(name string) error {
	if err := b.CheckReady(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.procs[name]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, name)
	}
	return nil
}

// CheckFreeMemory fails with ErrNotEnoughFreeMemory when the system cannot
// accommodate another agent of the given estimated size.
func CheckFreeMemory(required uint64) error {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		// No procfs (non-Linux dev box): skip the gate.
		return nil
	}
	mi, err := fs.Meminfo()
	if err != nil {
		return nil
	}
	if mi.MemAvailable == nil {
		return nil
	}
	available := *mi.MemAvailable * 1024
	if available < required {
		return fmt.Errorf("%w: %d bytes available, %d required",
			ErrNotEnoughFreeMemory, available, required)
	}
	return nil
}

// MemoryUsageByPID resolves resident-set sizes via procfs for the given
// name to pid mapping. Shared by both backends.
func MemoryUsageByPID(pids map[string]int) (MemoryUsage, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return MemoryUsage{}, fmt.Errorf("open procfs: %w", err)
	}

	usage := MemoryUsage{Agents: []AgentMemory{}}
	names := make([]string, 0, len(pids))
	for name := range pids {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		proc, err := fs.Proc(pids[name])
		if err != nil {
			// Raced with process exit.
			continue
		}
		stat, err := proc.Stat()
		if err != nil {
			continue
		}
		rss := uint64(stat.ResidentMemory())
		usage.Agents = append(usage.Agents, AgentMemory{Name: name, MemoryUsage: rss})
		usage.TotalUsage += rss
	}
	if n := uint64(len(usage.Agents)); n > 0 {
		usage.AverageUsage = usage.TotalUsage / n
	}
	return usage, nil
}
