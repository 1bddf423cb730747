// ABOUTME: Unit tests for the version reconciliation engine.
// ABOUTME: Covers short-circuits, phase selection, and basis tagging.

package reconcile

import (
	"testing"
	"time"

	"github.com/rhizomatics/updatewatch/internal/artefact"
	"github.com/rhizomatics/updatewatch/internal/config"
	"github.com/sirupsen/logrus"
)

const (
	digestA = "sha256:2c8edc1f9400ef02a93c3b754d4419082ceb5d049178c3a3968e3fd56caf7f29"
	digestB = "sha256:9f8c6e1d4b00aa02b93c3b754d4419082ceb5d049178c3a3968e3fd56caf1234"
)

func newEngine() *Engine {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return New(logger)
}

func info(version, imageDigest string, repoDigests ...string) *artefact.Info {
	return &artefact.Info{
		Ref:         "test:latest",
		Version:     version,
		ImageDigest: imageDigest,
		RepoDigests: repoDigests,
	}
}

func TestThrottledShortCircuit(t *testing.T) {
	installed := info("1.0.0", digestA)
	latest := info("", "")
	latest.Throttled = true

	res := newEngine().Reconcile(config.PolicyAuto, installed, latest)
	if res.Current != res.Latest {
		t.Errorf("Throttled must collapse to installed: %v", res)
	}
	if res.Basis != "p1.semver+T" {
		t.Errorf("Basis = %q", res.Basis)
	}
}

func TestEmptyShortCircuit(t *testing.T) {
	installed := info("1.0.0", digestA)
	latest := &artefact.Info{Ref: "test:latest"}

	res := newEngine().Reconcile(config.PolicyAuto, installed, latest)
	if res.Current != "1.0.0" || res.Latest != "1.0.0" {
		t.Errorf("Empty latest must collapse to installed: %v", res)
	}
	if res.Basis != "p1.semver+E" {
		t.Errorf("Basis = %q", res.Basis)
	}
}

func TestMatchedShortCircuit(t *testing.T) {
	installed := info("1.0.0", digestA)
	latest := info("1.0.0", digestA)

	res := newEngine().Reconcile(config.PolicyAuto, installed, latest)
	if res.Basis != "p1.semver+M" {
		t.Errorf("Basis = %q", res.Basis)
	}
	if res.Current != res.Latest {
		t.Errorf("Matched digests must show no update: %v", res)
	}
}

func TestIdenticalInputShortCircuitsToMatched(t *testing.T) {
	x := info("2.3.4", digestA, digestB)
	x.GitDigest = "abc123"
	res := newEngine().Reconcile(config.PolicyAuto, x, x)
	if res.Basis != "p1.semver+M" {
		t.Errorf("(x,x) must short-circuit as matched, got basis %q", res.Basis)
	}
}

func TestHeuristicCrossMatch(t *testing.T) {
	// installed image digest appears among latest repo digests
	installed := info("", digestA)
	latest := info("", digestB, digestA)

	res := newEngine().Reconcile(config.PolicyAuto, installed, latest)
	if res.Basis != "p4.digest+H" {
		t.Errorf("Basis = %q", res.Basis)
	}
	if res.Current != res.Latest {
		t.Errorf("Cross-matched digests must show no update: %v", res)
	}
}

func TestPolicyVersionPhase0(t *testing.T) {
	res := newEngine().Reconcile(config.PolicyVersion, info("1.0", digestA), info("1.1", digestB))
	if res.Basis != "p0.version" {
		t.Errorf("Basis = %q", res.Basis)
	}
	if res.Current != "1.0" || res.Latest != "1.1" {
		t.Errorf("Result = %v", res)
	}
}

func TestPolicyDigestPhase0(t *testing.T) {
	res := newEngine().Reconcile(config.PolicyDigest, info("1.0", digestA), info("1.1", digestB))
	if res.Basis != "p0.digest" {
		t.Errorf("Basis = %q", res.Basis)
	}
	if res.Current != "2c8edc1f9400" || res.Latest != "9f8c6e1d4b00" {
		t.Errorf("Result = %v", res)
	}
}

func TestPolicyVersionDigestPhase0(t *testing.T) {
	res := newEngine().Reconcile(config.PolicyVersionDigest, info("1.0", digestA), info("1.1", digestB))
	if res.Basis != "p0.version_digest" {
		t.Errorf("Basis = %q", res.Basis)
	}
	if res.Current != "1.0:2c8edc1f9400" {
		t.Errorf("Current = %q", res.Current)
	}
}

func TestPolicyTimestampPhase0(t *testing.T) {
	installed := info("", "")
	installed.Created = time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	latest := info("", "")
	latest.Created = time.Date(2026, 2, 2, 3, 4, 5, 0, time.UTC)
	latest.Version = "x" // keep latest non-empty

	res := newEngine().Reconcile(config.PolicyTimestamp, installed, latest)
	if res.Basis != "p0.timestamp" {
		t.Errorf("Basis = %q", res.Basis)
	}
	if res.Current != "2026-01-02T03:04:05Z" {
		t.Errorf("Current = %q", res.Current)
	}
}

func TestAutoSemver(t *testing.T) {
	res := newEngine().Reconcile(config.PolicyAuto, info("1.2.3", digestA), info("1.2.4", digestB))
	if res.Basis != "p1.semver" {
		t.Errorf("Basis = %q", res.Basis)
	}
	if res.Current != "1.2.3" || res.Latest != "1.2.4" {
		t.Errorf("Result = %v", res)
	}
}

func TestAutoSemverTag(t *testing.T) {
	installed := info("2026.01", digestA)
	installed.Tag = "1.2.3"
	latest := info("2026.02", digestB)
	latest.Tag = "1.2.4"

	res := newEngine().Reconcile(config.PolicyAuto, installed, latest)
	if res.Basis != "p1.semver_tag" {
		t.Errorf("Basis = %q", res.Basis)
	}
}

func TestAutoCasualVersion(t *testing.T) {
	res := newEngine().Reconcile(config.PolicyAuto, info("22.03", digestA), info("22.04", digestB))
	if res.Basis != "p1.casual" {
		t.Errorf("Basis = %q", res.Basis)
	}
	if res.Current != "22.03" || res.Latest != "22.04" {
		t.Errorf("Result = %v", res)
	}

	prefixed := newEngine().Reconcile(config.PolicyAuto, info("v3", digestA), info("v4", digestB))
	if prefixed.Basis != "p1.casual" {
		t.Errorf("Basis = %q", prefixed.Basis)
	}
}

func TestAutoInconsistentFallsThrough(t *testing.T) {
	// same version but different digests: the version string is unreliable
	res := newEngine().Reconcile(config.PolicyAuto, info("1.2.3", digestA), info("1.2.3", digestB))
	if res.Basis != "p2.version_digest" {
		t.Errorf("Basis = %q", res.Basis)
	}
	if res.Current == res.Latest {
		t.Error("Composite form must expose the digest difference")
	}
}

func TestVersionOnlyPhase2b(t *testing.T) {
	res := newEngine().Reconcile(config.PolicyAuto, info("build-77", ""), info("build-78", digestB))
	if res.Basis != "p2b.version" {
		t.Errorf("Basis = %q", res.Basis)
	}
}

func TestGitPhase3(t *testing.T) {
	installed := info("", "")
	installed.GitDigest = "0123456789abcdef0123"
	latest := info("", "")
	latest.GitDigest = "fedcba98765432100123"
	latest.Version = ""
	latest.RepoDigests = []string{digestB} // non-empty latest

	res := newEngine().Reconcile(config.PolicyAuto, installed, latest)
	if res.Basis != "p3.git" {
		t.Errorf("Basis = %q", res.Basis)
	}
	if res.Current != "git:0123456789ab" || res.Latest != "git:fedcba987654" {
		t.Errorf("Result = %v", res)
	}
}

func TestDigestPhase4(t *testing.T) {
	res := newEngine().Reconcile(config.PolicyAuto, info("", digestA), info("", digestB))
	if res.Basis != "p4.digest" {
		t.Errorf("Basis = %q", res.Basis)
	}
}

func TestTimestampPhase4(t *testing.T) {
	installed := info("", "")
	installed.Created = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	latest := info("x", "")
	latest.Version = ""
	latest.RepoDigests = []string{digestB}
	latest.Created = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	res := newEngine().Reconcile(config.PolicyAuto, installed, latest)
	// repo digests are singular on latest only, so timestamps decide
	if res.Basis != "p4.timestamp" {
		t.Errorf("Basis = %q", res.Basis)
	}
}

func TestEchoVersionPhase4(t *testing.T) {
	installed := info("1.9", "")
	latest := info("", "")
	latest.GitDigest = "abc" // keeps latest non-empty without digests

	res := newEngine().Reconcile(config.PolicyAuto, installed, latest)
	if res.Basis != "p4.echo_version" {
		t.Errorf("Basis = %q", res.Basis)
	}
	if res.Current != "1.9" || res.Latest != "1.9" {
		t.Errorf("Echo must repeat installed version: %v", res)
	}
}

func TestLatestDigestPhase5(t *testing.T) {
	res := newEngine().Reconcile(config.PolicyAuto, info("", ""), info("", digestB))
	if res.Basis != "p5.latest_digest" {
		t.Errorf("Basis = %q", res.Basis)
	}
	if res.Current != res.Latest {
		t.Error("Unknown installed identity must not alert")
	}
}

func TestRepoDigestPhase6(t *testing.T) {
	installed := info("", "", digestA)
	latest := info("", "", digestB)

	res := newEngine().Reconcile(config.PolicyAuto, installed, latest)
	if res.Basis != "p6.repo_digest" {
		t.Errorf("Basis = %q", res.Basis)
	}
	if res.Current != "2c8edc1f9400" || res.Latest != "9f8c6e1d4b00" {
		t.Errorf("Result = %v", res)
	}
}

func TestRepoDigestCrossPhase7(t *testing.T) {
	// ambiguous installed set containing latest's singular digest
	installed := info("", "", digestA, digestB)
	latest := info("", "", digestB)

	res := newEngine().Reconcile(config.PolicyAuto, installed, latest)
	if res.Basis != "p7.repo_digest_cross" {
		t.Errorf("Basis = %q", res.Basis)
	}
	if res.Current != "9f8c6e1d4b00" || res.Latest != "9f8c6e1d4b00" {
		t.Errorf("Result = %v", res)
	}
}

func TestUnknownPhase999(t *testing.T) {
	installed := info("", "")
	latest := info("", "")
	latest.GitDigest = "abc" // non-empty but nothing comparable on installed

	res := newEngine().Reconcile(config.PolicyAuto, installed, latest)
	if res.Basis != BasisUnknown {
		t.Errorf("Basis = %q", res.Basis)
	}
	if res.Current != artefact.NoKnownImage || res.Latest != artefact.NoKnownImage {
		t.Errorf("Result = %v", res)
	}
}

func TestSemverShaped(t *testing.T) {
	valid := []string{"1.2.3", "0.0.1", "1.2.3-rc.1", "1.2.3+build.7"}
	for _, v := range valid {
		if !semverShaped(v) {
			t.Errorf("semverShaped(%q) = false", v)
		}
	}
	invalid := []string{"", "1.2", "v1.2.3", "22.04", "latest", "01.2.3"}
	for _, v := range invalid {
		if semverShaped(v) {
			t.Errorf("semverShaped(%q) = true", v)
		}
	}
}
