// ABOUTME: Image identity model parsed from container references and runtime attributes.
// ABOUTME: Normalizes digest forms and derives pinned/local-build/repo-digest properties.

package artefact

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/sirupsen/logrus"
)

// Origin records where an Info's data came from.
type Origin string

const (
	OriginLocal        Origin = "LOCAL"         // runtime inspection of the installed image
	OriginOCIV2        Origin = "OCI_V2"        // direct Distribution API lookup
	OriginDockerClient Origin = "DOCKER_CLIENT" // runtime's embedded registry client
	OriginReused       Origin = "REUSED"        // lookup short-circuited, local info reused
)

// NoKnownImage is the display sentinel used when no identity can be resolved.
const NoKnownImage = "UNKNOWN"

const shortDigestLen = 12

// AnnotationVersion and friends are the OCI annotation keys the system reads.
const (
	AnnotationVersion  = "org.opencontainers.image.version"
	AnnotationRevision = "org.opencontainers.image.revision"
	AnnotationSource   = "org.opencontainers.image.source"
	AnnotationCreated  = "org.opencontainers.image.created"
)

// Attributes are the locally inspected properties of an installed image.
type Attributes struct {
	RepoTags     []string
	RepoDigests  []string
	OS           string
	Architecture string
	Variant      string
	Labels       map[string]string
	Created      time.Time
}

// Info represents one image reference at a point in time. Constructed fresh
// for the installed and latest side of each scan; never mutated after
// construction except to attach a git digest when a local build is detected.
type Info struct {
	Ref   string // raw reference as given
	Index string // registry/index identifier, e.g. "docker.io"
	Name  string // repository name without registry, e.g. "library/nginx"

	Tag          string // display tag; empty when the ref is digest-only
	PinnedDigest string // digest embedded in the ref, authoritative over Tag

	ImageDigest string   // image (config) digest from inspection or lookup
	RepoDigests []string // registry-reported content digests, possibly ambiguous
	GitDigest   string   // commit hash for locally built workloads

	Version string    // version string from annotations/labels, if any
	Created time.Time // image creation timestamp, if known

	OS           string
	Architecture string
	Variant      string

	Origin      Origin
	Annotations map[string]string
	Throttled   bool
	Err         string
}

var tagGrammar = regexp.MustCompile(`^[a-zA-Z0-9_][a-zA-Z0-9._-]{0,127}$`)

// New parses a raw reference plus optional local attributes into a fully
// derived identity. Malformed references yield a partially populated Info
// with an empty Name; callers must skip lookup/enrichment for those.
func New(ref string, attrs Attributes, log *logrus.Logger) *Info {
	info := &Info{
		Ref:          ref,
		Origin:       OriginLocal,
		OS:           attrs.OS,
		Architecture: attrs.Architecture,
		Variant:      attrs.Variant,
		Created:      attrs.Created,
	}

	parsed, err := name.ParseReference(ref, name.WithDefaultRegistry("docker.io"))
	if err != nil {
		if log != nil {
			log.WithFields(logrus.Fields{"ref": ref}).WithError(err).Warn("Unparseable image reference")
		}
		return info
	}
	info.Index = parsed.Context().RegistryStr()
	if info.Index == name.DefaultRegistry {
		info.Index = "docker.io"
	}
	info.Name = parsed.Context().RepositoryStr()
	if info.Index == "docker.io" && !strings.Contains(info.Name, "/") {
		info.Name = "library/" + info.Name
	}

	// Tag/digest split is done by hand so a "tag pinned by digest" reference
	// keeps the tag for display while the digest stays authoritative.
	remainder := ref
	if i := strings.LastIndex(remainder, "/"); i >= 0 {
		remainder = remainder[i+1:]
	}
	if i := strings.Index(remainder, "@"); i >= 0 {
		info.PinnedDigest = remainder[i+1:]
		remainder = remainder[:i]
	}
	if i := strings.Index(remainder, ":"); i >= 0 {
		info.Tag = remainder[i+1:]
	}
	if info.Tag == "" && info.PinnedDigest == "" {
		info.Tag = "latest"
	}

	if info.Tag != "" && !tagGrammar.MatchString(info.Tag) && log != nil {
		log.WithFields(logrus.Fields{"ref": ref, "tag": info.Tag}).Warn("Tag fails OCI grammar, keeping best-effort value")
	}

	for _, rd := range attrs.RepoDigests {
		if d := digestPart(rd); d != "" {
			info.RepoDigests = append(info.RepoDigests, d)
		}
	}
	if attrs.Labels != nil {
		info.Annotations = attrs.Labels
		info.Version = attrs.Labels[AnnotationVersion]
	}
	return info
}

// digestPart strips a fully qualified "name@sha256:..." down to "sha256:...".
func digestPart(s string) string {
	if i := strings.Index(s, "@"); i >= 0 {
		return s[i+1:]
	}
	return s
}

// Condense reduces any digest form to its 12-character short form: strip the
// repository prefix if fully qualified, strip the algorithm prefix, truncate.
// Idempotent: condensing an already-short value is a passthrough.
func Condense(digest string) string {
	d := CondenseFull(digest)
	if i := strings.Index(d, ":"); i >= 0 {
		d = d[i+1:]
	}
	if len(d) > shortDigestLen {
		d = d[:shortDigestLen]
	}
	return d
}

// CondenseFull keeps the algorithm prefix but strips any repository-name
// prefix from a fully qualified digest.
func CondenseFull(digest string) string {
	if i := strings.Index(digest, "@"); i >= 0 {
		return digest[i+1:]
	}
	return digest
}

// ShortDigest derives the condensed image digest. Never stored separately
// once the image digest is known.
func (i *Info) ShortDigest() string {
	if i.ImageDigest == "" {
		return ""
	}
	return Condense(i.ImageDigest)
}

// TagOrDigest resolves the authoritative pull identifier: the pinned digest
// when present, else the tag.
func (i *Info) TagOrDigest() string {
	if i.PinnedDigest != "" {
		return i.PinnedDigest
	}
	return i.Tag
}

// Pinned reports whether the installed content matches the announced pin:
// true only when a pinned digest exists and appears among the repo digests.
func (i *Info) Pinned() bool {
	if i.PinnedDigest == "" {
		return false
	}
	for _, d := range i.RepoDigests {
		if d == i.PinnedDigest {
			return true
		}
	}
	return false
}

// RepoDigest returns the single unambiguous repo digest, or "" when none or
// several are known. Multiple pulls with different manifests leave the set
// ambiguous for the reconciliation engine to resolve.
func (i *Info) RepoDigest() string {
	if len(i.RepoDigests) == 1 {
		return i.RepoDigests[0]
	}
	return ""
}

// UntaggedRef is the reference without tag or digest qualifier.
func (i *Info) UntaggedRef() string {
	ref := i.Ref
	if j := strings.Index(ref, "@"); j >= 0 {
		ref = ref[:j]
	}
	// only split a tag colon after the last path separator
	if j := strings.LastIndex(ref, ":"); j > strings.LastIndex(ref, "/") {
		ref = ref[:j]
	}
	return ref
}

// Platform renders "os/arch[/variant]" for registry platform selection.
func (i *Info) Platform() string {
	parts := []string{}
	for _, p := range []string{i.OS, i.Architecture, i.Variant} {
		if p != "" {
			parts = append(parts, p)
		}
	}
	return strings.Join(parts, "/")
}

// Annotation returns the named annotation or "".
func (i *Info) Annotation(key string) string {
	if i.Annotations == nil {
		return ""
	}
	return i.Annotations[key]
}

// Empty reports whether the Info carries no comparable identity at all:
// no short digest, no repo digest, no git digest and no version.
func (i *Info) Empty() bool {
	return i.ShortDigest() == "" && len(i.RepoDigests) == 0 && i.GitDigest == "" && i.Version == ""
}

// Reuse constructs a "latest" Info that simply mirrors the local one, used
// when lookups are disabled or short-circuited.
func (i *Info) Reuse() *Info {
	clone := *i
	clone.Origin = OriginReused
	return &clone
}
