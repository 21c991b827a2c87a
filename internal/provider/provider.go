// Package provider defines the backend contract for supervising per-user
// agent processes, and implements the fork-exec backend. The container
// backend lives in the docker subpackage.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync/atomic"

	"github.com/Meistache/pixelated-dispatcher/internal/users"
)

// Backend errors. The manager HTTP layer maps these to status codes.
var (
	ErrProviderInitializing = errors.New("provider is initializing")
	ErrAlreadyRunning       = errors.New("agent instance already running")
	ErrNotRunning           = errors.New("agent instance not running")
	ErrNotEnoughFreeMemory  = errors.New("not enough free memory to start agent")
)

// LeapCAFileName is the file name under which the provider CA certificate is
// made visible inside each agent's data directory.
const LeapCAFileName = "dispatcher-leap-provider-ca.crt"

// AutoCABundle selects auto detection of the provider CA bundle (system
// roots); no file is copied into the agent data dir in that case.
const AutoCABundle = "auto"

// LeapProvider describes the identity provider every agent talks to.
type LeapProvider struct {
	ServerName string // e.g. "example.org"
	CABundle   string // path to a CA file, "auto", or empty
}

// FeedbackURL returns the ticket URL handed to agents via the environment.
func (l LeapProvider) FeedbackURL() string {
	return "https://" + l.ServerName + "/tickets"
}

// caFile returns the path of the CA file to copy into agent data dirs, or ""
// when auto detection or no bundle is configured.
func (l LeapProvider) caFile() string {
	if l.CABundle == "" || l.CABundle == AutoCABundle {
		return ""
	}
	return l.CABundle
}

// Status is a backend's view of one agent instance.
type Status struct {
	State string `json:"state"` // "running" or "stopped"
	Port  int    `json:"port,omitempty"`
}

// AgentMemory is the resident-set size of one running agent.
type AgentMemory struct {
	Name        string `json:"name"`
	MemoryUsage uint64 `json:"memory_usage"`
}

// MemoryUsage aggregates resident-set sizes across all running agents.
type MemoryUsage struct {
	TotalUsage   uint64        `json:"total_usage"`
	AverageUsage uint64        `json:"average_usage"`
	Agents       []AgentMemory `json:"agents"`
}

// Provider supervises one isolated agent per user. Implemented by the
// fork-exec backend here and by the container backend in the docker
// subpackage; the lifecycle supervisor speaks only this contract.
type Provider interface {
	// Initialize performs one-time setup (image build/pull for containers).
	// Idempotent; may take minutes. All other operations fail with
	// ErrProviderInitializing until it completes.
	Initialize(ctx context.Context) error
	Initializing() bool

	// Start launches the user's agent bound to 127.0.0.1:port. Non-blocking
	// once the process is launched; the agent need not be listening yet.
	Start(ctx context.Context, user users.UserConfig, port int) error
	// Stop performs a graceful stop with a 10 s deadline, then a forceful
	// kill.
	Stop(ctx context.Context, name string) error

	ListRunning(ctx context.Context) ([]string, error)
	Status(ctx context.Context, name string) (Status, error)
	MemoryUsage(ctx context.Context) (MemoryUsage, error)

	// PassCredentials stages credentials to be written to the agent's stdin
	// on the next Start.
	PassCredentials(name, password string)

	// ResetData wipes the user's data directory; Remove deletes the user's
	// directories entirely. Both fail with ErrAlreadyRunning while the
	// agent runs.
	ResetData(ctx context.Context, user users.UserConfig) error
	Remove(ctx context.Context, user users.UserConfig) error
}

// Base carries the state shared by both backends: the provider description,
// staged credentials, and the initializing flag.
type Base struct {
	Leap  LeapProvider
	creds credentialStore

	initializing atomic.Bool
}

// Initializing reports whether Initialize is still in progress.
func (b *Base) Initializing() bool {
	return b.initializing.Load()
}

// SetInitializing flips the initializing flag.
func (b *Base) SetInitializing(v bool) {
	b.initializing.Store(v)
}

// CheckReady returns ErrProviderInitializing while initialization runs.
func (b *Base) CheckReady() error {
	if b.initializing.Load() {
		return ErrProviderInitializing
	}
	return nil
}

// PassCredentials stages credentials for the next Start of the named agent.
func (b *Base) PassCredentials(name, password string) {
	b.creds.put(name, password)
}

// TakeCredentials removes and returns staged credentials for name.
func (b *Base) TakeCredentials(name string) (string, bool) {
	return b.creds.take(name)
}

// DropCredentials discards any staged credentials for name.
func (b *Base) DropCredentials(name string) {
	b.creds.drop(name)
}

// CopyProviderCA copies the configured provider CA file into the user's data
// directory so the agent sees it at a known in-sandbox path.
func (b *Base) CopyProviderCA(user users.UserConfig) error {
	src := b.Leap.caFile()
	if src == "" {
		return nil
	}
	data, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("read provider CA: %w", err)
	}
	dst := filepath.Join(user.DataDir(), LeapCAFileName)
	if err := os.WriteFile(dst, data, 0600); err != nil {
		return fmt.Errorf("copy provider CA: %w", err)
	}
	return nil
}

// AgentEnv returns the environment entries handed to every agent.
func (b *Base) AgentEnv() []string {
	return []string{
		"DISPATCHER_LOGOUT_URL=/auth/logout",
		"FEEDBACK_URL=" + b.Leap.FeedbackURL(),
	}
}

// InjectCredentials writes the staged credentials for user (if any) as one
// JSON line to the agent's stdin and closes the write half. The write runs
// in its own goroutine so the password leaves the manager's bookkeeping as
// soon as the agent is launched.
func (b *Base) InjectCredentials(user string, stdin io.WriteCloser) {
	password, ok := b.TakeCredentials(user)
	if !ok {
		stdin.Close()
		return
	}
	go func() {
		defer stdin.Close()
		writeCredentialLine(stdin, user, password, b.Leap.ServerName)
	}()
}
