// ABOUTME: Core domain types shared across the updatewatch system.
// ABOUTME: Defines Discovery records, release detail values, and the provider contract.

package model

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rhizomatics/updatewatch/internal/artefact"
)

// PublishPolicy controls how much of a Discovery is published.
type PublishPolicy string

const (
	PublishFull    PublishPolicy = "full"    // HA discovery config + state + comprehensive
	PublishBusOnly PublishPolicy = "bus"     // comprehensive payload only
	PublishSilent  PublishPolicy = "silent"  // tracked in memory, nothing published
)

var topicUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_-]`)

// SanitizeName maps a workload name onto the restricted character set that is
// safe to embed in message-bus topics.
func SanitizeName(name string) string {
	return topicUnsafe.ReplaceAllString(name, "_")
}

// ReleaseDetail carries human-facing release metadata for the latest version
// of a workload, typically derived from OCI annotations and the source
// platform's release API.
type ReleaseDetail struct {
	SourcePlatform  string `json:"source_platform,omitempty"`
	RepoURL         string `json:"repo_url,omitempty"`
	DiffURL         string `json:"diff_url,omitempty"`
	ReleaseNotesURL string `json:"release_notes_url,omitempty"`
	Version         string `json:"version,omitempty"`
	Revision        string `json:"revision,omitempty"`
	Summary         string `json:"summary,omitempty"`
	NetScore        int    `json:"net_score,omitempty"`
}

// InstallationDetail carries the provider-specific facts needed to perform an
// install for a workload.
type InstallationDetail struct {
	ImageRef       string `json:"image_ref,omitempty"`
	Platform       string `json:"platform,omitempty"`
	CanPull        bool   `json:"can_pull"`
	ComposePath    string `json:"compose_path,omitempty"`
	ComposeVersion string `json:"compose_version,omitempty"`
	GitRepoPath    string `json:"git_repo_path,omitempty"`
	AptPackages    string `json:"apt_pkgs,omitempty"`
}

// Discovery is the reconciled per-workload record produced by one scan pass.
// A Discovery is never mutated after construction; the next scan supersedes
// it with a fresh record chained via ChainFrom.
type Discovery struct {
	Name       string
	SourceType string
	Node       string
	Session    string

	CurrentVersion string
	LatestVersion  string
	VersionPolicy  string
	Basis          string

	CanPull    bool
	CanBuild   bool
	CanRestart bool

	UpdateType   string
	Status       string
	UpdatePolicy string
	Publish      PublishPolicy

	EntityPictureURL string
	ReleaseURL       string
	ReleaseSummary   string
	TitleTemplate    string
	DeviceIcon       string
	Features         []string

	// Scan lineage. FirstSeen is immutable once set; ScanCount increments by
	// one per chained rescan; LastChecked only advances on a non-throttled
	// registry check.
	FirstSeen   time.Time
	LastSeen    time.Time
	ScanCount   int
	LastChecked time.Time

	UpdateLastAttempt time.Time
	Throttled         bool

	Current *artefact.Info
	Latest  *artefact.Info
	Release *ReleaseDetail
	Install *InstallationDetail

	// Non-owning back-reference for polymorphic dispatch (command execution,
	// custom payload formatting). The Discovery never manages the provider's
	// lifecycle.
	Provider ReleaseProvider
}

// CanUpdate reports whether any update capability applies. Always computed,
// never stored, so it cannot drift from the capability flags.
func (d *Discovery) CanUpdate() bool {
	return d.CanPull || d.CanBuild || d.CanRestart
}

// Title renders the display title from the title template.
func (d *Discovery) Title() string {
	if d.TitleTemplate == "" {
		return d.Name
	}
	r := strings.NewReplacer("{name}", d.Name, "{node}", d.Node)
	return r.Replace(d.TitleTemplate)
}

// ChainFrom donates lineage fields from the previous Discovery of the same
// name. When the new record is throttled, the check timestamp carries forward
// unchanged so a rate-limited window does not falsely advance freshness.
func (d *Discovery) ChainFrom(prev *Discovery) {
	if prev == nil {
		d.FirstSeen = d.LastSeen
		d.ScanCount = 1
		return
	}
	d.FirstSeen = prev.FirstSeen
	d.ScanCount = prev.ScanCount + 1
	if d.UpdateLastAttempt.IsZero() {
		d.UpdateLastAttempt = prev.UpdateLastAttempt
	}
	if d.Throttled {
		d.LastChecked = prev.LastChecked
	}
}

func (d *Discovery) String() string {
	return fmt.Sprintf("Discovery(%q,%q,current=%s,latest=%s)", d.Name, d.SourceType, d.CurrentVersion, d.LatestVersion)
}

// ReleaseProvider is the contract a workload source satisfies: it can scan
// for workloads, rescan a single one, resolve a prior Discovery by name, and
// execute install commands against it.
type ReleaseProvider interface {
	SourceType() string

	// Scan enumerates workloads and emits a Discovery per workload, in
	// enumeration order. The channel is closed when the pass completes or
	// the context is cancelled.
	Scan(ctx context.Context, session string) <-chan *Discovery

	// Rescan re-analyzes a previously discovered workload, chaining lineage
	// from the given Discovery. Returns nil when the workload is gone.
	Rescan(ctx context.Context, d *Discovery) *Discovery

	// Resolve returns the last-emitted Discovery for a name, or nil.
	Resolve(name string) *Discovery

	// Command executes a named command ("install") against a workload.
	// onStart/onEnd are always paired even on failure. Returns true when an
	// update was applied.
	Command(ctx context.Context, name, command string, onStart, onEnd func(*Discovery)) bool

	// HassConfigExtra and HassStateExtra let a provider contribute custom
	// keys to the published payloads.
	HassConfigExtra(d *Discovery) map[string]any
	HassStateExtra(d *Discovery) map[string]any
}
