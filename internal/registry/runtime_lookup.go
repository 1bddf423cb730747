// ABOUTME: Registry lookup via the container runtime's embedded client.
// ABOUTME: Bounded retry with backoff, honoring rate-limit rejections via the throttler.

package registry

import (
	"context"
	"errors"
	"time"

	"github.com/rhizomatics/updatewatch/internal/artefact"
	"github.com/rhizomatics/updatewatch/internal/runtime"
	"github.com/rhizomatics/updatewatch/internal/throttle"
	"github.com/sirupsen/logrus"
)

const runtimeLookupRetries = 3

// RuntimeLookup delegates to the runtime's own registry-data call. No token
// handling, coarser data: only the remote descriptor digest comes back.
type RuntimeLookup struct {
	rt        runtime.Runtime
	throttler *throttle.Throttler
	logger    *logrus.Logger
}

// NewRuntimeLookup creates the runtime-embedded client strategy.
func NewRuntimeLookup(rt runtime.Runtime, throttler *throttle.Throttler, logger *logrus.Logger) *RuntimeLookup {
	return &RuntimeLookup{rt: rt, throttler: throttler, logger: logger}
}

// Lookup fetches the remote descriptor for the local artefact's reference.
func (l *RuntimeLookup) Lookup(ctx context.Context, local *artefact.Info) (*artefact.Info, error) {
	logger := l.logger.WithFields(logrus.Fields{"ref": local.Ref, "registry": local.Index})
	latest := &artefact.Info{
		Ref:    local.Ref,
		Index:  local.Index,
		Name:   local.Name,
		Tag:    local.Tag,
		Origin: artefact.OriginDockerClient,
	}
	if local.Name == "" {
		latest.Err = "unparsed reference"
		return latest, nil
	}
	if l.throttler.Check(local.Index) {
		latest.Throttled = true
		return latest, nil
	}

	var lastErr error
	for attempt := 0; attempt < runtimeLookupRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				latest.Err = ctx.Err().Error()
				return latest, nil
			case <-time.After(time.Duration(1<<attempt) * time.Second):
			}
		}
		data, err := l.rt.GetRegistryData(ctx, local.Ref)
		if err == nil {
			latest.RepoDigests = []string{data.Digest}
			return latest, nil
		}
		var rle *runtime.RateLimitError
		if errors.As(err, &rle) {
			l.throttler.Apply(local.Index, rle.RetryAfter, "runtime registry data rate limited")
			latest.Throttled = true
			return latest, nil
		}
		lastErr = err
		logger.WithError(err).Debug("Registry data fetch failed, retrying")
	}
	logger.WithError(lastErr).Warn("Failed to fetch registry data")
	latest.Err = lastErr.Error()
	return latest, nil
}
