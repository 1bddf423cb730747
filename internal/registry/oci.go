// ABOUTME: Direct OCI Distribution API lookup with token auth, caching and throttling.
// ABOUTME: Fetches manifest index, platform sub-manifest, and config blob annotations.

package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	v1 "github.com/google/go-containerregistry/pkg/v1"
	"github.com/rhizomatics/updatewatch/internal/artefact"
	"github.com/rhizomatics/updatewatch/internal/cache"
	"github.com/rhizomatics/updatewatch/internal/config"
	"github.com/rhizomatics/updatewatch/internal/throttle"
	"github.com/sirupsen/logrus"
)

const acceptManifests = "application/vnd.oci.image.index.v1+json, " +
	"application/vnd.docker.distribution.manifest.list.v2+json, " +
	"application/vnd.oci.image.manifest.v1+json, " +
	"application/vnd.docker.distribution.manifest.v2+json"

var challengeRe = regexp.MustCompile(`realm="([^"]+)",service="([^"]+)",scope="([^"]+)"`)

// OCILookup talks the Distribution API directly: anonymous bearer token per
// repository, manifest index fetch, platform-matched sub-manifest, config
// blob for annotations. Responses are cached with TTLs that distinguish
// mutable (tag-addressed) from immutable (digest-addressed) resources.
type OCILookup struct {
	cfg       config.RegistryConfig
	throttler *throttle.Throttler
	cache     *cache.ResponseCache
	client    *http.Client
	logger    *logrus.Logger
}

// NewOCILookup creates the direct Distribution API strategy.
func NewOCILookup(cfg config.RegistryConfig, throttler *throttle.Throttler, respCache *cache.ResponseCache, logger *logrus.Logger) *OCILookup {
	return &OCILookup{
		cfg:       cfg,
		throttler: throttler,
		cache:     respCache,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
	}
}

// Lookup fetches the latest artefact info for the local one's tag-or-digest.
func (l *OCILookup) Lookup(ctx context.Context, local *artefact.Info) (*artefact.Info, error) {
	logger := l.logger.WithFields(logrus.Fields{"ref": local.Ref, "registry": local.Index})
	latest := &artefact.Info{
		Ref:    local.Ref,
		Index:  local.Index,
		Name:   local.Name,
		Tag:    local.Tag,
		Origin: artefact.OriginOCIV2,
	}
	if local.Name == "" {
		latest.Err = "unparsed reference"
		return latest, nil
	}
	if l.throttler.Check(local.Index) {
		latest.Throttled = true
		return latest, nil
	}

	ep := endpointsFor(local.Index)
	token := ""
	if ep.AuthHost != "" {
		var err error
		token, err = l.fetchToken(ctx, ep, local.Name)
		if err != nil {
			return latest, err
		}
	}

	manifestURL := fmt.Sprintf("https://%s/v2/%s/manifests/%s", ep.APIHost, local.Name, local.TagOrDigest())
	ttl := l.cfg.MutableCacheTTL.Std()
	if local.PinnedDigest != "" {
		ttl = l.cfg.ImmutableCacheTTL.Std()
	}
	body, err := l.fetch(ctx, manifestURL, token, acceptManifests, ttl, local.Index)
	if err != nil {
		return latest, err
	}
	if body == nil {
		latest.Err = "manifest fetch failed"
		return latest, nil
	}

	manifestDigest := bodyDigest(body)
	manifest, err := l.resolvePlatformManifest(ctx, ep, local, token, body, &manifestDigest)
	if err != nil {
		return latest, err
	}
	if manifest == nil {
		logger.Debug("No manifest matched local platform")
		latest.Err = "no platform manifest"
		return latest, nil
	}
	latest.RepoDigests = []string{manifestDigest}

	annotations := map[string]string{}
	for k, v := range manifest.Annotations {
		annotations[k] = v
	}
	if manifest.Config.Digest.String() != "" {
		latest.ImageDigest = manifest.Config.Digest.String()
		l.mergeConfigBlob(ctx, ep, local, token, manifest.Config.Digest.String(), annotations, latest)
	}
	latest.Annotations = annotations
	if v := annotations[artefact.AnnotationVersion]; v != "" {
		latest.Version = v
	}
	if latest.Created.IsZero() {
		if created := annotations[artefact.AnnotationCreated]; created != "" {
			if t, err := time.Parse(time.RFC3339, created); err == nil {
				latest.Created = t
			}
		}
	}
	logger.WithFields(logrus.Fields{
		"repo_digest": artefact.Condense(manifestDigest),
		"version":     latest.Version,
	}).Debug("Registry lookup complete")
	return latest, nil
}

// resolvePlatformManifest decodes the top-level manifest response. When it is
// an index, the sub-manifest matching the local OS/arch/variant is fetched
// and its digest replaces the index digest as the comparable repo digest.
func (l *OCILookup) resolvePlatformManifest(ctx context.Context, ep endpoints, local *artefact.Info, token string, body []byte, manifestDigest *string) (*v1.Manifest, error) {
	var index v1.IndexManifest
	if err := json.Unmarshal(body, &index); err == nil && len(index.Manifests) > 0 {
		for _, desc := range index.Manifests {
			if desc.Platform == nil {
				continue
			}
			if desc.Platform.OS != local.OS || desc.Platform.Architecture != local.Architecture {
				continue
			}
			if local.Variant != "" && desc.Platform.Variant != "" && desc.Platform.Variant != local.Variant {
				continue
			}
			subURL := fmt.Sprintf("https://%s/v2/%s/manifests/%s", ep.APIHost, local.Name, desc.Digest.String())
			subBody, err := l.fetch(ctx, subURL, token, string(desc.MediaType), l.cfg.ImmutableCacheTTL.Std(), local.Index)
			if err != nil {
				return nil, err
			}
			if subBody == nil {
				return nil, nil
			}
			*manifestDigest = desc.Digest.String()
			var manifest v1.Manifest
			if err := json.Unmarshal(subBody, &manifest); err != nil {
				l.logger.WithError(err).Debug("Unparseable sub-manifest")
				return nil, nil
			}
			for k, v := range desc.Annotations {
				if manifest.Annotations == nil {
					manifest.Annotations = map[string]string{}
				}
				if _, exists := manifest.Annotations[k]; !exists {
					manifest.Annotations[k] = v
				}
			}
			return &manifest, nil
		}
		return nil, nil
	}

	var manifest v1.Manifest
	if err := json.Unmarshal(body, &manifest); err != nil {
		l.logger.WithError(err).Debug("Unparseable manifest response")
		return nil, nil
	}
	if manifest.Config.Digest.String() == "" && len(manifest.Layers) == 0 {
		return nil, nil
	}
	return &manifest, nil
}

// mergeConfigBlob pulls the image config blob and folds its labels and
// creation timestamp into the result. Best effort.
func (l *OCILookup) mergeConfigBlob(ctx context.Context, ep endpoints, local *artefact.Info, token, configDigest string, annotations map[string]string, latest *artefact.Info) {
	blobURL := fmt.Sprintf("https://%s/v2/%s/blobs/%s", ep.APIHost, local.Name, configDigest)
	body, err := l.fetch(ctx, blobURL, token, "application/vnd.oci.image.config.v1+json", l.cfg.ImmutableCacheTTL.Std(), local.Index)
	if err != nil || body == nil {
		return
	}
	var cf v1.ConfigFile
	if err := json.Unmarshal(body, &cf); err != nil {
		return
	}
	for k, v := range cf.Config.Labels {
		if _, exists := annotations[k]; !exists {
			annotations[k] = v
		}
	}
	if !cf.Created.Time.IsZero() {
		latest.Created = cf.Created.Time
	}
}

// fetchToken acquires a pull-scope bearer token, following the registry's
// 401 challenge when the conventional token endpoint does not serve one.
func (l *OCILookup) fetchToken(ctx context.Context, ep endpoints, name string) (string, error) {
	tokenURL := fmt.Sprintf("https://%s/token?scope=repository:%s:pull&service=%s", ep.AuthHost, name, ep.Service)
	cacheKey := "token:" + tokenURL
	if cached := l.cache.Get(cacheKey); cached != nil {
		return string(cached), nil
	}

	resp, body, err := l.get(ctx, tokenURL, "", "")
	if err != nil {
		return "", &AuthError{Name: name, Err: err}
	}
	if resp.StatusCode == http.StatusOK {
		if token := tokenFromBody(body); token != "" {
			l.cache.Set(cacheKey, []byte(token), l.cfg.TokenCacheTTL.Std())
			return token, nil
		}
		return "", &AuthError{Name: name, Err: fmt.Errorf("no token in response")}
	}

	// some registries do not expose /token; probe /v2/ and follow the
	// WWW-Authenticate challenge instead
	if resp.StatusCode == http.StatusNotFound {
		resp, body, err = l.get(ctx, fmt.Sprintf("https://%s/v2/", ep.AuthHost), "", "")
		if err != nil {
			return "", &AuthError{Name: name, Err: err}
		}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		challenge := resp.Header.Get("Www-Authenticate")
		m := challengeRe.FindStringSubmatch(challenge)
		if m == nil {
			return "", &AuthError{Name: name, Err: fmt.Errorf("no usable challenge in 401 response")}
		}
		realm, service, scope := m[1], m[2], m[3]
		challengeURL := fmt.Sprintf("%s?service=%s&scope=%s", realm, service, scope)
		resp, body, err = l.get(ctx, challengeURL, "", "")
		if err != nil {
			return "", &AuthError{Name: name, Err: err}
		}
		if resp.StatusCode == http.StatusOK {
			if token := tokenFromBody(body); token != "" {
				l.cache.Set(cacheKey, []byte(token), l.cfg.TokenCacheTTL.Std())
				return token, nil
			}
		}
	}
	return "", &AuthError{Name: name, Err: fmt.Errorf("token fetch returned status %d", resp.StatusCode)}
}

// fetch performs a cached GET. A 429 applies the throttler and aborts the
// lookup; other non-2xx statuses are logged and yield nil.
func (l *OCILookup) fetch(ctx context.Context, url, token, accept string, ttl time.Duration, site string) ([]byte, error) {
	if cached := l.cache.Get(url); cached != nil {
		return cached, nil
	}
	resp, body, err := l.get(ctx, url, token, accept)
	if err != nil {
		l.logger.WithField("url", url).WithError(err).Debug("Fetch failed")
		return nil, nil
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		retry := retryAfter(resp)
		return nil, l.throttler.ApplyErr(site, retry, "429 from "+url)
	}
	if resp.StatusCode != http.StatusOK {
		l.logger.WithFields(logrus.Fields{"url": url, "status": resp.StatusCode}).Debug("Non-success fetch")
		return nil, nil
	}
	l.cache.Set(url, body, ttl)
	return body, nil
}

func (l *OCILookup) get(ctx context.Context, url, token, accept string) (*http.Response, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, nil, err
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return nil, nil, err
	}
	return resp, body, nil
}

func tokenFromBody(body []byte) string {
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return ""
	}
	return payload.Token
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// bodyDigest computes the manifest digest from the response body. The
// Distribution content digest is exactly the sha256 of the raw manifest.
func bodyDigest(body []byte) string {
	sum := sha256.Sum256(body)
	return "sha256:" + hex.EncodeToString(sum[:])
}
