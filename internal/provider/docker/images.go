package docker

import (
	"archive/tar"
	"bytes"
	"context"
	_ "embed"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/strslice"
)

//go:embed Dockerfile
var agentDockerfile []byte

const (
	logForwarderImage = "gliderlabs/logspout"
	logForwarderName  = "logspout_pixelated"
	logForwarderRoute = "syslog://127.0.0.1:514?append_tag=.user_agent"
)

// ensureImage makes the agent image available: pull when the name points at
// a registry (contains a slash), build from the embedded Dockerfile
// otherwise.
func (b *Backend) ensureImage(ctx context.Context) error {
	ok, err := b.hasImage(ctx, b.image)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if strings.Contains(b.image, "/") {
		return b.pullImage(ctx, b.image)
	}
	return b.buildImage(ctx)
}

func (b *Backend) hasImage(ctx context.Context, name string) (bool, error) {
	images, err := b.api.ImageList(ctx, image.ListOptions{})
	if err != nil {
		return false, fmt.Errorf("list images: %w", err)
	}
	for _, img := range images {
		for _, tag := range img.RepoTags {
			if tag == name || tag == name+":latest" {
				return true, nil
			}
		}
	}
	return false, nil
}

func (b *Backend) pullImage(ctx context.Context, name string) error {
	b.log.Info("pulling image", "image", name)
	rc, err := b.api.ImagePull(ctx, name, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull %s: %w", name, err)
	}
	defer rc.Close()
	// The pull only completes once the progress stream is drained.
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull %s: %w", name, err)
	}
	return nil
}

func (b *Backend) buildImage(ctx context.Context) error {
	b.log.Info("building agent image", "image", b.image)

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{Name: "Dockerfile", Mode: 0600, Size: int64(len(agentDockerfile))}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("build context: %w", err)
	}
	if _, err := tw.Write(agentDockerfile); err != nil {
		return fmt.Errorf("build context: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("build context: %w", err)
	}

	resp, err := b.api.ImageBuild(ctx, &buf, types.ImageBuildOptions{
		Tags:       []string{b.image},
		Dockerfile: "Dockerfile",
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("build %s: %w", b.image, err)
	}
	defer resp.Body.Close()
	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return fmt.Errorf("build %s: %w", b.image, err)
	}
	return nil
}

// ensureLogForwarder starts the logspout companion that ships all container
// logs to the host syslog. Best effort: a missing forwarder image must not
// keep agents from running.
func (b *Backend) ensureLogForwarder(ctx context.Context) {
	list, err := b.api.ContainerList(ctx, container.ListOptions{All: true})
	if err != nil {
		b.log.Warn("log forwarder: list containers", "err", err)
		return
	}
	for _, c := range list {
		for _, name := range c.Names {
			if name == "/"+logForwarderName {
				if c.State == "running" {
					return
				}
				if err := b.api.ContainerStart(ctx, c.ID, container.StartOptions{}); err != nil {
					b.log.Warn("log forwarder: start", "err", err)
				}
				return
			}
		}
	}

	if ok, err := b.hasImage(ctx, logForwarderImage); err != nil || !ok {
		if err := b.pullImage(ctx, logForwarderImage); err != nil {
			b.log.Warn("log forwarder unavailable", "err", err)
			return
		}
	}
	cfg := &container.Config{
		Image: logForwarderImage,
		Cmd:   strslice.StrSlice{logForwarderRoute},
	}
	hostCfg := &container.HostConfig{
		Binds:         []string{"/var/run/docker.sock:/var/run/docker.sock"},
		NetworkMode:   "host",
		RestartPolicy: container.RestartPolicy{Name: container.RestartPolicyAlways},
	}
	resp, err := b.api.ContainerCreate(ctx, cfg, hostCfg, nil, nil, logForwarderName)
	if err != nil {
		b.log.Warn("log forwarder: create", "err", err)
		return
	}
	if err := b.api.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		b.log.Warn("log forwarder: start", "err", err)
	}
}
