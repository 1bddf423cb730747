// ABOUTME: Container-runtime collaborator interface consumed by the workload scanner.
// ABOUTME: Abstracts workload listing, image inspection, pull, and registry data calls.

package runtime

import (
	"context"
	"time"
)

// Workload is one running container as seen by the runtime.
type Workload struct {
	ID       string
	Name     string
	Status   string // "running", "exited", ...
	ImageRef string
	ImageID  string
	Env      map[string]string
	Labels   map[string]string
}

// ImageAttributes are the inspected properties of a local image.
type ImageAttributes struct {
	Tags         []string
	RepoDigests  []string
	OS           string
	Architecture string
	Variant      string
	Labels       map[string]string
	Created      time.Time
}

// RegistryData is the coarse remote metadata the runtime's embedded client
// can fetch without explicit registry auth.
type RegistryData struct {
	Digest    string
	Platforms []string
}

// RateLimitError marks a remote call rejected for rate limiting, carrying
// the server's suggested retry delay when one was given.
type RateLimitError struct {
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string { return "registry rate limit exceeded" }

// Runtime is the contract with the container runtime. Implemented by the
// Docker SDK client; mocked in tests.
type Runtime interface {
	ListRunningWorkloads(ctx context.Context) ([]Workload, error)
	GetWorkload(ctx context.Context, name string) (Workload, error)
	GetImageAttributes(ctx context.Context, imageID string) (ImageAttributes, error)
	PullImage(ctx context.Context, ref, platform string) error
	GetRegistryData(ctx context.Context, ref string) (RegistryData, error)
}
