// ABOUTME: Unit tests for image reference parsing and digest condensation.
// ABOUTME: Covers tag/digest splits, pinning, and derived identity properties.

package artefact

import (
	"testing"
	"time"

	"github.com/sirupsen/logrus"
)

const (
	digestA = "sha256:2c8edc1f9400ef02a93c3b754d4419082ceb5d049178c3a3968e3fd56caf7f29"
	digestB = "sha256:9f8c6e1d4b00aa02b93c3b754d4419082ceb5d049178c3a3968e3fd56caf1234"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestNewParsesReferences(t *testing.T) {
	tests := []struct {
		ref    string
		index  string
		name   string
		tag    string
		pinned string
	}{
		{"test", "docker.io", "library/test", "latest", ""},
		{"test:1.2", "docker.io", "library/test", "1.2", ""},
		{"library/test:1.2", "docker.io", "library/test", "1.2", ""},
		{"docker.io/library/test:1.2", "docker.io", "library/test", "1.2", ""},
		{"ghcr.io/owner/app:v1.0.0", "ghcr.io", "owner/app", "v1.0.0", ""},
		{"lscr.io/linuxserver/sonarr", "lscr.io", "linuxserver/sonarr", "latest", ""},
		{"mcr.microsoft.com/dotnet/runtime:8.0", "mcr.microsoft.com", "dotnet/runtime", "8.0", ""},
		{"test:1.2@" + digestA, "docker.io", "library/test", "1.2", digestA},
		{"test@" + digestA, "docker.io", "library/test", "", digestA},
		{"registry.example.com:5000/team/app:2.1", "registry.example.com:5000", "team/app", "2.1", ""},
	}

	for _, tt := range tests {
		t.Run(tt.ref, func(t *testing.T) {
			info := New(tt.ref, Attributes{}, testLogger())
			if info.Index != tt.index {
				t.Errorf("Index: got %q, want %q", info.Index, tt.index)
			}
			if info.Name != tt.name {
				t.Errorf("Name: got %q, want %q", info.Name, tt.name)
			}
			if info.Tag != tt.tag {
				t.Errorf("Tag: got %q, want %q", info.Tag, tt.tag)
			}
			if info.PinnedDigest != tt.pinned {
				t.Errorf("PinnedDigest: got %q, want %q", info.PinnedDigest, tt.pinned)
			}
		})
	}
}

func TestNewMalformedReference(t *testing.T) {
	info := New("UPPER CASE BAD REF", Attributes{}, testLogger())
	if info.Name != "" {
		t.Errorf("Expected empty Name for malformed ref, got %q", info.Name)
	}
	if info.Ref != "UPPER CASE BAD REF" {
		t.Error("Raw ref should be preserved")
	}
}

func TestCondense(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{digestA, "2c8edc1f9400"},
		{"library/test@" + digestA, "2c8edc1f9400"},
		{"2c8edc1f9400", "2c8edc1f9400"},
		{"sha256:abc", "abc"},
	}
	for _, tt := range tests {
		if got := Condense(tt.in); got != tt.want {
			t.Errorf("Condense(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}

	// idempotence
	once := Condense(digestA)
	if Condense(once) != once {
		t.Error("Condense is not idempotent")
	}
}

func TestCondenseFull(t *testing.T) {
	if got := CondenseFull("library/test@" + digestA); got != digestA {
		t.Errorf("CondenseFull kept repo prefix: %q", got)
	}
	if got := CondenseFull(digestA); got != digestA {
		t.Errorf("CondenseFull changed a bare digest: %q", got)
	}
}

func TestShortDigest(t *testing.T) {
	info := &Info{}
	if info.ShortDigest() != "" {
		t.Error("ShortDigest of empty info should be empty")
	}
	info.ImageDigest = digestA
	if got := info.ShortDigest(); got != "2c8edc1f9400" {
		t.Errorf("ShortDigest = %q", got)
	}
}

func TestPinned(t *testing.T) {
	info := New("test:1.2@"+digestA, Attributes{RepoDigests: []string{"library/test@" + digestA}}, testLogger())
	if !info.Pinned() {
		t.Error("Expected pinned when pinned digest is among repo digests")
	}

	drifted := New("test:1.2@"+digestA, Attributes{RepoDigests: []string{"library/test@" + digestB}}, testLogger())
	if drifted.Pinned() {
		t.Error("Expected not pinned when repo digests differ from pin")
	}

	unpinned := New("test:1.2", Attributes{RepoDigests: []string{"library/test@" + digestA}}, testLogger())
	if unpinned.Pinned() {
		t.Error("Expected not pinned without a pinned digest")
	}
}

func TestRepoDigestSingularOnly(t *testing.T) {
	one := New("test", Attributes{RepoDigests: []string{"library/test@" + digestA}}, testLogger())
	if one.RepoDigest() != digestA {
		t.Errorf("RepoDigest = %q, want %q", one.RepoDigest(), digestA)
	}

	two := New("test", Attributes{RepoDigests: []string{"a@" + digestA, "b@" + digestB}}, testLogger())
	if two.RepoDigest() != "" {
		t.Error("Ambiguous repo digest set must yield empty singular digest")
	}
}

func TestTagOrDigest(t *testing.T) {
	pinned := New("test:1.2@"+digestA, Attributes{}, testLogger())
	if pinned.TagOrDigest() != digestA {
		t.Error("Pinned digest must be authoritative over tag")
	}
	tagged := New("test:1.2", Attributes{}, testLogger())
	if tagged.TagOrDigest() != "1.2" {
		t.Error("Tag expected when no pin")
	}
}

func TestUntaggedRef(t *testing.T) {
	tests := []struct{ in, want string }{
		{"test:1.2", "test"},
		{"test:1.2@" + digestA, "test"},
		{"registry.example.com:5000/team/app:2.1", "registry.example.com:5000/team/app"},
		{"registry.example.com:5000/team/app", "registry.example.com:5000/team/app"},
	}
	for _, tt := range tests {
		info := New(tt.in, Attributes{}, testLogger())
		if got := info.UntaggedRef(); got != tt.want {
			t.Errorf("UntaggedRef(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestPlatform(t *testing.T) {
	full := New("test", Attributes{OS: "linux", Architecture: "arm64", Variant: "v8"}, testLogger())
	if full.Platform() != "linux/arm64/v8" {
		t.Errorf("Platform = %q", full.Platform())
	}
	noVariant := New("test", Attributes{OS: "linux", Architecture: "amd64"}, testLogger())
	if noVariant.Platform() != "linux/amd64" {
		t.Errorf("Platform = %q", noVariant.Platform())
	}
}

func TestEmpty(t *testing.T) {
	if !New("test", Attributes{}, testLogger()).Empty() {
		t.Error("Info with no identity should be empty")
	}

	withVersion := New("test", Attributes{Labels: map[string]string{AnnotationVersion: "1.0"}}, testLogger())
	if withVersion.Empty() {
		t.Error("Info with version is not empty")
	}

	withDigest := New("test", Attributes{}, testLogger())
	withDigest.ImageDigest = digestA
	if withDigest.Empty() {
		t.Error("Info with image digest is not empty")
	}
}

func TestReuse(t *testing.T) {
	info := New("test:1.2", Attributes{Created: time.Now()}, testLogger())
	info.ImageDigest = digestA
	info.GitDigest = "abcdef012345"

	clone := info.Reuse()
	if clone.Origin != OriginReused {
		t.Errorf("Origin = %q, want %q", clone.Origin, OriginReused)
	}
	if clone.ImageDigest != info.ImageDigest || clone.GitDigest != info.GitDigest {
		t.Error("Reuse must carry identity fields")
	}
	if info.Origin == OriginReused {
		t.Error("Reuse must not mutate the original")
	}
}

func TestAnnotationsFromLabels(t *testing.T) {
	labels := map[string]string{
		AnnotationVersion: "2.5.1",
		AnnotationSource:  "https://github.com/owner/app",
	}
	info := New("test", Attributes{Labels: labels}, testLogger())
	if info.Version != "2.5.1" {
		t.Errorf("Version = %q", info.Version)
	}
	if info.Annotation(AnnotationSource) != "https://github.com/owner/app" {
		t.Error("Annotation lookup failed")
	}
	if info.Annotation("missing") != "" {
		t.Error("Missing annotation should be empty")
	}
}
