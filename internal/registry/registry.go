// ABOUTME: Registry version lookup strategies and the shared lookup contract.
// ABOUTME: Maps known registries to their auth/API hosts and token services.

package registry

import (
	"context"
	"fmt"

	"github.com/rhizomatics/updatewatch/internal/artefact"
	"github.com/rhizomatics/updatewatch/internal/cache"
	"github.com/rhizomatics/updatewatch/internal/config"
	"github.com/rhizomatics/updatewatch/internal/runtime"
	"github.com/rhizomatics/updatewatch/internal/throttle"
	"github.com/sirupsen/logrus"
)

// Lookup fetches remote registry metadata for a locally installed artefact.
// Ordinary failures come back as an Info with Err set; only authentication
// exhaustion (*AuthError) and deliberate throttling (*throttle.ThrottledError)
// surface as errors.
type Lookup interface {
	Lookup(ctx context.Context, local *artefact.Info) (*artefact.Info, error)
}

// AuthError signals that token acquisition exhausted every challenge-response
// avenue. Callers log it and treat the cycle as "no enrichment", never fatal.
type AuthError struct {
	Name string
	Err  error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("registry auth failed for %s: %v", e.Name, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// endpoints maps a registry index to the hosts involved in the Distribution
// token flow. Unknown registries default to self-referential endpoints.
type endpoints struct {
	AuthHost string // empty means no token needed
	APIHost  string
	Service  string
}

var knownRegistries = map[string]endpoints{
	"docker.io":         {AuthHost: "auth.docker.io", APIHost: "registry-1.docker.io", Service: "registry.docker.io"},
	"mcr.microsoft.com": {AuthHost: "", APIHost: "mcr.microsoft.com", Service: "mcr.microsoft.com"},
	"ghcr.io":           {AuthHost: "ghcr.io", APIHost: "ghcr.io", Service: "ghcr.io"},
	"lscr.io":           {AuthHost: "ghcr.io", APIHost: "lscr.io", Service: "ghcr.io"},
}

func endpointsFor(index string) endpoints {
	if ep, ok := knownRegistries[index]; ok {
		return ep
	}
	return endpoints{AuthHost: index, APIHost: index, Service: index}
}

// New selects the lookup strategy configured for the provider.
func New(cfg config.RegistryConfig, rt runtime.Runtime, throttler *throttle.Throttler, respCache *cache.ResponseCache, logger *logrus.Logger) Lookup {
	switch cfg.API {
	case config.RegistryDockerClient:
		return NewRuntimeLookup(rt, throttler, logger)
	case config.RegistryDisabled:
		return NoopLookup{}
	default:
		return NewOCILookup(cfg, throttler, respCache, logger)
	}
}

// NoopLookup reuses the local info without any registry call.
type NoopLookup struct{}

func (NoopLookup) Lookup(_ context.Context, local *artefact.Info) (*artefact.Info, error) {
	return local.Reuse(), nil
}
