// ABOUTME: Derives release links and summaries from OCI source annotations.
// ABOUTME: Recognized platforms get diff/release URLs plus GitHub release text.

package enrich

import (
	"context"
	"fmt"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/google/go-github/v62/github"
	"github.com/rhizomatics/updatewatch/internal/artefact"
	"github.com/rhizomatics/updatewatch/internal/model"
	"github.com/sirupsen/logrus"
)

const platformGitHub = "GitHub"

var sourcePlatforms = map[string]*regexp.Regexp{
	platformGitHub: regexp.MustCompile(`^https://github\.com/.*`),
}

var diffURLTemplates = map[string]string{
	platformGitHub: "{source}/commit/{revision}",
}

var releaseURLTemplates = map[string]string{
	platformGitHub: "{source}/releases/tag/{version}",
}

// SourceReleaseEnricher turns an image's source annotations into a
// ReleaseDetail with validated links and, for GitHub, the release summary.
type SourceReleaseEnricher struct {
	gh     *github.Client
	client *http.Client
	logger *logrus.Logger
}

func NewSourceReleaseEnricher(logger *logrus.Logger) *SourceReleaseEnricher {
	return &SourceReleaseEnricher{
		gh:     github.NewClient(nil),
		client: &http.Client{Timeout: 15 * time.Second},
		logger: logger,
	}
}

// Enrich inspects the artefact's annotations. Returns nil when the source
// platform is not recognized.
func (e *SourceReleaseEnricher) Enrich(ctx context.Context, info *artefact.Info, log *logrus.Entry) *model.ReleaseDetail {
	source := info.Annotations[artefact.AnnotationSource]
	version := info.Annotations[artefact.AnnotationVersion]
	revision := info.Annotations[artefact.AnnotationRevision]

	platform := ""
	for name, re := range sourcePlatforms {
		if re.MatchString(source) {
			platform = name
			break
		}
	}
	if platform == "" {
		log.WithField("source", source).Debug("No known source platform on image")
		return nil
	}

	detail := &model.ReleaseDetail{
		SourcePlatform: platform,
		RepoURL:        source,
		Version:        version,
		Revision:       revision,
	}

	expand := strings.NewReplacer("{source}", source, "{version}", version, "{revision}", revision)
	if revision != "" {
		if u := expand.Replace(diffURLTemplates[platform]); e.validateURL(ctx, u) {
			detail.DiffURL = u
		}
	}
	if version != "" {
		if u := expand.Replace(releaseURLTemplates[platform]); e.validateURL(ctx, u) {
			detail.ReleaseNotesURL = u
		}
	}

	if platform == platformGitHub && version != "" {
		e.fetchGitHubRelease(ctx, source, version, detail, log)
	}
	return detail
}

// releaseWithReactions carries the reactions rollup the REST payload
// includes but go-github's RepositoryRelease does not model.
type releaseWithReactions struct {
	*github.RepositoryRelease
	Reactions *github.Reactions `json:"reactions"`
}

// fetchGitHubRelease fills Summary and NetScore from the tagged release.
func (e *SourceReleaseEnricher) fetchGitHubRelease(ctx context.Context, source, version string, detail *model.ReleaseDetail, log *logrus.Entry) {
	owner, repo, ok := splitGitHubRepo(source)
	if !ok {
		return
	}
	rel := new(releaseWithReactions)
	req, err := e.gh.NewRequest(http.MethodGet, fmt.Sprintf("repos/%s/%s/releases/tags/%s", owner, repo, version), nil)
	if err == nil {
		_, err = e.gh.Do(ctx, req, rel)
	}
	if err != nil {
		log.WithFields(logrus.Fields{
			"repo":    owner + "/" + repo,
			"version": version,
		}).WithError(err).Debug("No GitHub release found for tag")
		return
	}
	detail.Summary = rel.GetBody()
	if r := rel.Reactions; r != nil {
		detail.NetScore = r.GetPlusOne() - r.GetMinusOne()
	}
}

func (e *SourceReleaseEnricher) validateURL(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := e.client.Do(req)
	if err != nil {
		e.logger.WithField("url", url).WithError(err).Debug("URL validation failed")
		return false
	}
	resp.Body.Close()
	return resp.StatusCode >= 200 && resp.StatusCode < 300
}

func splitGitHubRepo(source string) (owner, repo string, ok bool) {
	rest := strings.TrimPrefix(source, "https://github.com/")
	rest = strings.TrimSuffix(rest, ".git")
	parts := strings.SplitN(rest, "/", 3)
	if len(parts) < 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}
