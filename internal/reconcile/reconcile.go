// ABOUTME: Version reconciliation engine deciding current/latest display versions.
// ABOUTME: Emits a basis tag encoding exactly which short-circuit and phase fired.

package reconcile

import (
	"regexp"
	"time"

	"github.com/Masterminds/semver"
	"github.com/rhizomatics/updatewatch/internal/artefact"
	"github.com/rhizomatics/updatewatch/internal/config"
	"github.com/sirupsen/logrus"
)

// Result is the engine's decision: the two display strings plus the basis
// tag documenting which rule produced them.
type Result struct {
	Current string
	Latest  string
	Basis   string
}

// Short-circuit suffixes appended to the basis.
const (
	suffixThrottled = "+T" // latest throttled, no comparison this cycle
	suffixEmpty     = "+E" // latest carries no comparable identity
	suffixMatched   = "+M" // short digests equal
	suffixHeuristic = "+H" // image/repo digest cross-match workaround
)

// BasisUnknown is the failure basis when no determination is possible.
const BasisUnknown = "p999"

var (
	// strict semver shape, per semver.org's suggested expression
	semverRe = regexp.MustCompile(`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
		`(?:-((?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*)(?:\.(?:0|[1-9]\d*|\d*[a-zA-Z-][0-9a-zA-Z-]*))*))?` +
		`(?:\+([0-9a-zA-Z-]+(?:\.[0-9a-zA-Z-]+)*))?$`)
	// looser shape: optional v/r prefix, dot-separated digit groups
	casualRe = regexp.MustCompile(`^[vVr]?[0-9]+(\.[0-9]+)*`)
)

// Engine reconciles installed vs latest artefact info under a policy.
// Version strings are never ordered numerically: "newer" only ever means
// "different identity".
type Engine struct {
	logger *logrus.Logger
}

// New creates a reconciliation engine.
func New(logger *logrus.Logger) *Engine {
	return &Engine{logger: logger}
}

// Reconcile picks the display strings for current and latest version.
// Deterministic for any given input pair; the basis string records the
// short-circuit (if any) and the phase that produced the values.
func (e *Engine) Reconcile(policy config.VersionPolicy, installed, latest *artefact.Info) Result {
	suffix := ""
	switch {
	case latest.Throttled:
		latest = installed
		suffix = suffixThrottled
	case latest.Empty():
		latest = installed
		suffix = suffixEmpty
	case installed.ShortDigest() != "" && installed.ShortDigest() == latest.ShortDigest():
		latest = installed
		suffix = suffixMatched
	case crossMatched(installed, latest):
		// registries are inconsistent about reporting image vs repo digest
		// for the same content; this workaround is logged so the
		// inconsistency stays visible rather than silently masked
		e.logger.WithFields(logrus.Fields{
			"ref":    installed.Ref,
			"origin": latest.Origin,
		}).Info("Image/repo digest cross-match, collapsing latest to installed")
		latest = installed
		suffix = suffixHeuristic
	}

	res := e.phases(policy, installed, latest)
	res.Basis += suffix
	if res.Basis == BasisUnknown {
		e.logger.WithFields(logrus.Fields{
			"ref":    installed.Ref,
			"policy": policy,
		}).Warn("Unable to reconcile versions")
	}
	return res
}

func (e *Engine) phases(policy config.VersionPolicy, installed, latest *artefact.Info) Result {
	vi, vl := installed.Version, latest.Version
	di, dl := installed.ShortDigest(), latest.ShortDigest()

	// phase 0: exact policy match
	switch policy {
	case config.PolicyVersion:
		if vi != "" && vl != "" {
			return Result{vi, vl, "p0.version"}
		}
	case config.PolicyDigest:
		if di != "" && dl != "" {
			return Result{di, dl, "p0.digest"}
		}
	case config.PolicyVersionDigest:
		if vi != "" && vl != "" && di != "" && dl != "" {
			return Result{vi + ":" + di, vl + ":" + dl, "p0.version_digest"}
		}
	case config.PolicyTimestamp:
		if !installed.Created.IsZero() && !latest.Created.IsZero() {
			return Result{stamp(installed.Created), stamp(latest.Created), "p0.timestamp"}
		}
	}

	// phase 1: AUTO heuristic, only when version and digest agreement is
	// consistent; one-equal-one-different marks the version string as
	// unreliable and falls through
	if policy == config.PolicyAuto && vi != "" && vl != "" {
		consistent := (vi == vl && di == dl) || (vi != vl && di != dl)
		if consistent {
			switch {
			case semverShaped(vi) && semverShaped(vl):
				return Result{vi, vl, "p1.semver"}
			case semverShaped(installed.Tag) && semverShaped(latest.Tag):
				return Result{vi, vl, "p1.semver_tag"}
			case casualRe.MatchString(vi) && casualRe.MatchString(vl):
				return Result{vi, vl, "p1.casual"}
			}
		}
	}

	// phase 2: version+digest composite, any policy
	if vi != "" && vl != "" && di != "" && dl != "" {
		return Result{vi + ":" + di, vl + ":" + dl, "p2.version_digest"}
	}
	// phase 2b: version only
	if vi != "" && vl != "" {
		return Result{vi, vl, "p2b.version"}
	}
	// phase 3: git digest, for locally built workloads
	if installed.GitDigest != "" && latest.GitDigest != "" {
		return Result{"git:" + artefact.Condense(installed.GitDigest), "git:" + artefact.Condense(latest.GitDigest), "p3.git"}
	}
	// phase 4: digest, then timestamp, then echo-version safety nets
	if di != "" && dl != "" {
		return Result{di, dl, "p4.digest"}
	}
	if !installed.Created.IsZero() && !latest.Created.IsZero() {
		return Result{stamp(installed.Created), stamp(latest.Created), "p4.timestamp"}
	}
	if vi != "" && vl == "" && dl == "" && len(latest.RepoDigests) == 0 {
		// no information about latest implies no change
		return Result{vi, vi, "p4.echo_version"}
	}
	// phase 5: installed lacks identity, avoid a false update alert
	if di == "" && dl != "" {
		return Result{dl, dl, "p5.latest_digest"}
	}
	// phase 6: single unambiguous repo digest on both sides
	if installed.RepoDigest() != "" && latest.RepoDigest() != "" {
		return Result{artefact.Condense(installed.RepoDigest()), artefact.Condense(latest.RepoDigest()), "p6.repo_digest"}
	}
	// phase 7: latest's repo digest appears in installed's ambiguous set
	if rd := latest.RepoDigest(); rd != "" {
		for _, d := range installed.RepoDigests {
			if artefact.Condense(d) == artefact.Condense(rd) {
				return Result{artefact.Condense(rd), artefact.Condense(rd), "p7.repo_digest_cross"}
			}
		}
	}

	return Result{artefact.NoKnownImage, artefact.NoKnownImage, BasisUnknown}
}

// crossMatched detects the cross-registry digest inconsistency: installed's
// image digest reported among latest's repo digests, or the reverse.
func crossMatched(installed, latest *artefact.Info) bool {
	if d := installed.ShortDigest(); d != "" {
		for _, rd := range latest.RepoDigests {
			if artefact.Condense(rd) == d {
				return true
			}
		}
	}
	if d := latest.ShortDigest(); d != "" {
		for _, rd := range installed.RepoDigests {
			if artefact.Condense(rd) == d {
				return true
			}
		}
	}
	return false
}

// semverShaped reports a strict major.minor.patch[-pre][+build] shape that
// the semver library also accepts.
func semverShaped(v string) bool {
	if v == "" || !semverRe.MatchString(v) {
		return false
	}
	_, err := semver.NewVersion(v)
	return err == nil
}

func stamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}
