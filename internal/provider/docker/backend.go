// Package docker implements the container-backed agent provider on top of
// the Docker engine API. Each user gets one container, its agent port
// published on a loopback port of the host.
package docker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/go-connections/nat"

	"github.com/Meistache/pixelated-dispatcher/internal/provider"
	"github.com/Meistache/pixelated-dispatcher/internal/users"
)

const (
	// APIVersion pins the engine API so behaviour does not drift with the
	// daemon the dispatcher happens to talk to.
	APIVersion = "1.41"

	// DefaultImage is built locally from the embedded Dockerfile. Image
	// names containing a slash are pulled from a registry instead.
	DefaultImage = "pixelated"

	// agentPort is the fixed in-container port every agent listens on.
	agentPort = 4567

	// containerMemoryLimit caps each agent container.
	containerMemoryLimit = 300 << 20 // 300 MiB

	// stopTimeoutSeconds is the graceful stop window before SIGKILL.
	stopTimeoutSeconds = 10

	// containerPrefix namespaces the per-user containers.
	containerPrefix = "pixelated-"

	// userDataMount is where the user's data directory appears in-container.
	userDataMount = "/mnt/user"
)

// Backend supervises one Docker container per user.
type Backend struct {
	provider.Base

	api   API
	image string
	log   *slog.Logger
}

var _ provider.Provider = (*Backend)(nil)
var _ API = (*client.Client)(nil)

// New connects to the Docker daemon at host (empty selects the environment
// defaults) and returns a backend using the given agent image. The backend
// reports initializing until Initialize has completed.
func New(host, image string, leap provider.LeapProvider, log *slog.Logger) (*Backend, error) {
	opts := []client.Opt{client.WithVersion(APIVersion)}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	} else {
		opts = append(opts, client.FromEnv)
	}
	api, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return newBackend(api, image, leap, log), nil
}

func newBackend(api API, image string, leap provider.LeapProvider, log *slog.Logger) *Backend {
	if image == "" {
		image = DefaultImage
	}
	b := &Backend{api: api, image: image, log: log}
	b.Leap = leap
	b.SetInitializing(true)
	return b
}

// Initialize prepares the agent image (pull or local build) and the log
// forwarder. Until it returns, every other operation fails with
// ErrProviderInitializing.
func (b *Backend) Initialize(ctx context.Context) error {
	if !b.Initializing() {
		return nil
	}
	if err := b.ensureImage(ctx); err != nil {
		return fmt.Errorf("prepare agent image: %w", err)
	}
	b.ensureLogForwarder(ctx)
	b.SetInitializing(false)
	b.log.Info("docker backend initialized", "image", b.image)
	return nil
}

func containerName(user string) string {
	return containerPrefix + user
}

// findContainer locates the user's container, running or not.
func (b *Backend) findContainer(ctx context.Context, user string, all bool) (*types.Container, error) {
	list, err := b.api.ContainerList(ctx, container.ListOptions{All: all})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	want := "/" + containerName(user)
	for i := range list {
		for _, name := range list[i].Names {
			if name == want {
				return &list[i], nil
			}
		}
	}
	return nil, nil
}

// Start launches the user's agent container publishing the agent port on
// 127.0.0.1:port. An exited container is reused when its port binding still
// matches, otherwise it is recreated.
func (b *Backend) Start(ctx context.Context, user users.UserConfig, port int) error {
	if err := b.CheckReady(); err != nil {
		return err
	}
	if err := provider.CheckFreeMemory(containerMemoryLimit); err != nil {
		return err
	}

	existing, err := b.findContainer(ctx, user.Name, true)
	if err != nil {
		return err
	}
	var id string
	if existing != nil {
		if existing.State == "running" {
			return fmt.Errorf("%w: %s", provider.ErrAlreadyRunning, user.Name)
		}
		if b.boundPort(ctx, existing.ID) == port {
			id = existing.ID
		} else {
			if err := b.api.ContainerRemove(ctx, existing.ID, container.RemoveOptions{}); err != nil {
				return fmt.Errorf("remove stale container: %w", err)
			}
		}
	}

	if err := b.CopyProviderCA(user); err != nil {
		return err
	}

	if id == "" {
		id, err = b.createContainer(ctx, user, port)
		if err != nil {
			return err
		}
	}

	attach, err := b.api.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
	})
	if err != nil {
		return fmt.Errorf("attach container: %w", err)
	}
	if err := b.api.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		attach.Close()
		return fmt.Errorf("start container: %w", err)
	}
	b.InjectCredentials(user.Name, hijackWriter{attach})

	b.log.Info("agent container started", "user", user.Name, "id", id, "port", port)
	return nil
}

func (b *Backend) createContainer(ctx context.Context, user users.UserConfig, port int) (string, error) {
	agentCmd := fmt.Sprintf(
		"/usr/bin/pixelated-user-agent --leap-home %s --host 0.0.0.0 --port %d --organization-mode",
		userDataMount, agentPort)
	if _, err := os.Stat(filepath.Join(user.DataDir(), provider.LeapCAFileName)); err == nil {
		agentCmd += " --leap-provider-cert " + userDataMount + "/" + provider.LeapCAFileName
	}

	exposed := nat.Port(fmt.Sprintf("%d/tcp", agentPort))
	cfg := &container.Config{
		Image:        b.image,
		Cmd:          strslice.StrSlice{"/bin/bash", "-l", "-c", agentCmd},
		Env:          b.AgentEnv(),
		OpenStdin:    true,
		ExposedPorts: nat.PortSet{exposed: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		Binds: []string{user.DataDir() + ":" + userDataMount},
		PortBindings: nat.PortMap{
			exposed: []nat.PortBinding{{
				HostIP:   "127.0.0.1",
				HostPort: strconv.Itoa(port),
			}},
		},
		Resources: container.Resources{Memory: containerMemoryLimit},
	}

	resp, err := b.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, containerName(user.Name))
	if err != nil {
		return "", fmt.Errorf("create container: %w", err)
	}
	return resp.ID, nil
}

// boundPort returns the host port the container's agent port is bound to,
// or 0 when unknown.
func (b *Backend) boundPort(ctx context.Context, id string) int {
	info, err := b.api.ContainerInspect(ctx, id)
	if err != nil || info.HostConfig == nil {
		return 0
	}
	exposed := nat.Port(fmt.Sprintf("%d/tcp", agentPort))
	bindings := info.HostConfig.PortBindings[exposed]
	if len(bindings) == 0 {
		return 0
	}
	port, err := strconv.Atoi(bindings[0].HostPort)
	if err != nil {
		return 0
	}
	return port
}

// Stop stops the user's container gracefully, escalating to SIGKILL when the
// graceful stop fails.
func (b *Backend) Stop(ctx context.Context, name string) error {
	if err := b.CheckReady(); err != nil {
		return err
	}
	c, err := b.findContainer(ctx, name, false)
	if err != nil {
		return err
	}
	if c == nil {
		return fmt.Errorf("%w: %s", provider.ErrNotRunning, name)
	}

	timeout := stopTimeoutSeconds
	if err := b.api.ContainerStop(ctx, c.ID, container.StopOptions{Timeout: &timeout}); err != nil {
		b.log.Warn("graceful stop failed, killing", "user", name, "err", err)
		if err := b.api.ContainerKill(ctx, c.ID, "SIGKILL"); err != nil {
			return fmt.Errorf("kill container: %w", err)
		}
	}
	b.DropCredentials(name)
	return nil
}

// ListRunning returns the users with a running agent container, sorted.
func (b *Backend) ListRunning(ctx context.Context) ([]string, error) {
	if err := b.CheckReady(); err != nil {
		return nil, err
	}
	list, err := b.api.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	var names []string
	for _, c := range list {
		for _, name := range c.Names {
			if user, ok := strings.CutPrefix(name, "/"+containerPrefix); ok {
				names = append(names, user)
				break
			}
		}
	}
	sort.Strings(names)
	return names, nil
}

// Status reports whether the user's container runs and on which host port.
func (b *Backend) Status(ctx context.Context, name string) (provider.Status, error) {
	if err := b.CheckReady(); err != nil {
		return provider.Status{}, err
	}
	c, err := b.findContainer(ctx, name, false)
	if err != nil {
		return provider.Status{}, err
	}
	if c == nil {
		return provider.Status{State: "stopped"}, nil
	}
	st := provider.Status{State: "running"}
	for _, p := range c.Ports {
		if int(p.PrivatePort) == agentPort {
			st.Port = int(p.PublicPort)
			break
		}
	}
	return st, nil
}

// MemoryUsage resolves each running container's init process and sums
// resident-set sizes via procfs.
func (b *Backend) MemoryUsage(ctx context.Context) (provider.MemoryUsage, error) {
	if err := b.CheckReady(); err != nil {
		return provider.MemoryUsage{}, err
	}
	running, err := b.ListRunning(ctx)
	if err != nil {
		return provider.MemoryUsage{}, err
	}
	pids := make(map[string]int, len(running))
	for _, name := range running {
		info, err := b.api.ContainerInspect(ctx, containerName(name))
		if err != nil || info.State == nil {
			continue
		}
		pids[name] = info.State.Pid
	}
	return provider.MemoryUsageByPID(pids)
}

// ResetData wipes the user's data directory. Fails while the agent runs.
func (b *Backend) ResetData(ctx context.Context, user users.UserConfig) error {
	if err := b.requireStopped(ctx, user.Name); err != nil {
		return err
	}
	if err := os.RemoveAll(user.DataDir()); err != nil {
		return fmt.Errorf("reset data: %w", err)
	}
	return os.MkdirAll(user.DataDir(), 0700)
}

// Remove deletes the user's container and directories.
func (b *Backend) Remove(ctx context.Context, user users.UserConfig) error {
	if err := b.requireStopped(ctx, user.Name); err != nil {
		return err
	}
	if c, err := b.findContainer(ctx, user.Name, true); err != nil {
		return err
	} else if c != nil {
		if err := b.api.ContainerRemove(ctx, c.ID, container.RemoveOptions{}); err != nil {
			return fmt.Errorf("remove container: %w", err)
		}
	}
	b.DropCredentials(user.Name)
	if err := os.RemoveAll(user.Path); err != nil {
		return fmt.Errorf("remove user: %w", err)
	}
	return nil
}

func (b *Backend) requireStopped(ctx context.Context, name string) error {
	if err := b.CheckReady(); err != nil {
		return err
	}
	c, err := b.findContainer(ctx, name, false)
	if err != nil {
		return err
	}
	if c != nil {
		return fmt.Errorf("%w: %s", provider.ErrAlreadyRunning, name)
	}
	return nil
}

// Close releases the underlying API client.
func (b *Backend) Close() error {
	return b.api.Close()
}
