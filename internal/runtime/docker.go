// ABOUTME: Docker SDK implementation of the Runtime collaborator interface.
// ABOUTME: Thin adapter over container list/inspect, image inspect/pull, distribution inspect.

package runtime

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/sirupsen/logrus"
)

// DockerRuntime implements Runtime against a local Docker daemon.
type DockerRuntime struct {
	cli    *client.Client
	logger *logrus.Logger
}

// NewDockerRuntime connects to the daemon from the environment.
func NewDockerRuntime(logger *logrus.Logger) (*DockerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerRuntime{cli: cli, logger: logger}, nil
}

// ListRunningWorkloads enumerates running containers with their config
// attributes resolved.
func (d *DockerRuntime) ListRunningWorkloads(ctx context.Context) ([]Workload, error) {
	summaries, err := d.cli.ContainerList(ctx, container.ListOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to list containers: %w", err)
	}

	workloads := make([]Workload, 0, len(summaries))
	for _, s := range summaries {
		inspect, err := d.cli.ContainerInspect(ctx, s.ID)
		if err != nil {
			d.logger.WithField("container", s.ID).WithError(err).Warn("Failed to inspect container, skipping")
			continue
		}
		w := Workload{
			ID:       s.ID,
			Name:     strings.TrimPrefix(inspect.Name, "/"),
			Status:   s.State,
			ImageRef: inspect.Config.Image,
			ImageID:  inspect.Image,
			Labels:   inspect.Config.Labels,
			Env:      parseEnv(inspect.Config.Env),
		}
		workloads = append(workloads, w)
	}
	return workloads, nil
}

// GetWorkload inspects a single container by name or ID.
func (d *DockerRuntime) GetWorkload(ctx context.Context, name string) (Workload, error) {
	inspect, err := d.cli.ContainerInspect(ctx, name)
	if err != nil {
		return Workload{}, fmt.Errorf("failed to inspect container %s: %w", name, err)
	}
	return Workload{
		ID:       inspect.ID,
		Name:     strings.TrimPrefix(inspect.Name, "/"),
		Status:   inspect.State.Status,
		ImageRef: inspect.Config.Image,
		ImageID:  inspect.Image,
		Labels:   inspect.Config.Labels,
		Env:      parseEnv(inspect.Config.Env),
	}, nil
}

// GetImageAttributes inspects a local image.
func (d *DockerRuntime) GetImageAttributes(ctx context.Context, imageID string) (ImageAttributes, error) {
	inspect, err := d.cli.ImageInspect(ctx, imageID)
	if err != nil {
		return ImageAttributes{}, fmt.Errorf("failed to inspect image %s: %w", imageID, err)
	}
	attrs := ImageAttributes{
		Tags:         inspect.RepoTags,
		RepoDigests:  inspect.RepoDigests,
		OS:           inspect.Os,
		Architecture: inspect.Architecture,
		Variant:      inspect.Variant,
	}
	if inspect.Config != nil {
		attrs.Labels = inspect.Config.Labels
	}
	if inspect.Created != "" {
		if t, err := time.Parse(time.RFC3339Nano, inspect.Created); err == nil {
			attrs.Created = t
		}
	}
	return attrs, nil
}

// PullImage pulls a reference for the given platform and drains the progress
// stream so the pull runs to completion.
func (d *DockerRuntime) PullImage(ctx context.Context, ref, platform string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{Platform: platform})
	if err != nil {
		return wrapRateLimit(fmt.Errorf("failed to pull %s: %w", ref, err))
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return fmt.Errorf("pull stream for %s interrupted: %w", ref, err)
	}
	return nil
}

// GetRegistryData queries the daemon's embedded registry client for the
// remote descriptor of a reference. Coarser than the Distribution API but
// needs no auth handling of our own.
func (d *DockerRuntime) GetRegistryData(ctx context.Context, ref string) (RegistryData, error) {
	inspect, err := d.cli.DistributionInspect(ctx, ref, "")
	if err != nil {
		return RegistryData{}, wrapRateLimit(fmt.Errorf("failed to fetch registry data for %s: %w", ref, err))
	}
	data := RegistryData{Digest: string(inspect.Descriptor.Digest)}
	for _, p := range inspect.Platforms {
		plat := p.OS + "/" + p.Architecture
		if p.Variant != "" {
			plat += "/" + p.Variant
		}
		data.Platforms = append(data.Platforms, plat)
	}
	return data, nil
}

// wrapRateLimit converts the daemon's rate-limit rejections into a
// RateLimitError so callers can apply backoff. Docker Hub reports these with
// a "toomanyrequests" error code.
func wrapRateLimit(err error) error {
	if err == nil {
		return nil
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "toomanyrequests") || strings.Contains(msg, "too many requests") || strings.Contains(msg, "429") {
		return &RateLimitError{}
	}
	return err
}

func parseEnv(env []string) map[string]string {
	out := make(map[string]string, len(env))
	for _, kv := range env {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		out[k] = v
	}
	return out
}
