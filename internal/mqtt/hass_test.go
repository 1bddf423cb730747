// ABOUTME: Unit tests for Home Assistant payload formatting.
// ABOUTME: Schema allow-list enforcement, config rendering, comprehensive record.

package mqtt

import (
	"context"
	"testing"
	"time"

	"github.com/rhizomatics/updatewatch/internal/artefact"
	"github.com/rhizomatics/updatewatch/internal/model"
	"github.com/sirupsen/logrus"
)

type stubProvider struct {
	stateExtra  map[string]any
	configExtra map[string]any
}

func (s *stubProvider) SourceType() string { return "docker" }

func (s *stubProvider) Scan(_ context.Context, _ string) <-chan *model.Discovery {
	ch := make(chan *model.Discovery)
	close(ch)
	return ch
}

func (s *stubProvider) Rescan(_ context.Context, _ *model.Discovery) *model.Discovery { return nil }

func (s *stubProvider) Resolve(_ string) *model.Discovery { return nil }

func (s *stubProvider) Command(_ context.Context, _, _ string, _, _ func(*model.Discovery)) bool {
	return false
}

func (s *stubProvider) HassConfigExtra(_ *model.Discovery) map[string]any { return s.configExtra }

func (s *stubProvider) HassStateExtra(_ *model.Discovery) map[string]any { return s.stateExtra }

func sampleDiscovery() *model.Discovery {
	return &model.Discovery{
		Name:           "grafana",
		SourceType:     "docker",
		Node:           "testhost",
		Session:        "sess1",
		CurrentVersion: "10.0.0",
		LatestVersion:  "10.1.0",
		VersionPolicy:  "AUTO",
		Basis:          "p1.semver",
		CanPull:        true,
		UpdateType:     "container",
		Status:         "on",
		UpdatePolicy:   "Passive",
		Publish:        model.PublishFull,
		ReleaseURL:     "https://github.com/grafana/grafana/releases/tag/v10.1.0",
		ReleaseSummary: "Bug fixes",
		TitleTemplate:  "Docker image update for {name} on {node}",
		Features:       []string{"INSTALL", "PROGRESS"},
		FirstSeen:      time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC),
		LastSeen:       time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		LastChecked:    time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		ScanCount:      4,
		Current:        &artefact.Info{Ref: "grafana/grafana:10.0.0", Version: "10.0.0"},
		Latest:         &artefact.Info{Ref: "grafana/grafana:10.0.0", Version: "10.1.0"},
		Install:        &model.InstallationDetail{ImageRef: "grafana/grafana:10.0.0", CanPull: true},
	}
}

func TestFormatState(t *testing.T) {
	d := sampleDiscovery()
	state := FormatState(d, true, logrus.New())

	if state["installed_version"] != "10.0.0" || state["latest_version"] != "10.1.0" {
		t.Errorf("Versions = %v -> %v", state["installed_version"], state["latest_version"])
	}
	if state["title"] != "Docker image update for grafana on testhost" {
		t.Errorf("title = %v", state["title"])
	}
	if state["in_progress"] != true {
		t.Errorf("in_progress = %v", state["in_progress"])
	}
	if state["release_summary"] != "Bug fixes" {
		t.Errorf("release_summary = %v", state["release_summary"])
	}
	for k := range state {
		if !hassUpdateSchema[k] {
			t.Errorf("Key %q outside the update entity schema", k)
		}
	}
}

func TestFormatStateStripsUnknownKeys(t *testing.T) {
	d := sampleDiscovery()
	d.Provider = &stubProvider{stateExtra: map[string]any{
		"update_percentage": 50,
		"bogus_key":         "x",
	}}
	state := FormatState(d, false, logrus.New())

	if state["update_percentage"] != 50 {
		t.Error("Schema keys from the provider should pass through")
	}
	if _, ok := state["bogus_key"]; ok {
		t.Error("Non-schema keys must be stripped")
	}
}

func TestFormatStateOmitsEmptyRelease(t *testing.T) {
	d := sampleDiscovery()
	d.ReleaseSummary = ""
	d.ReleaseURL = ""
	state := FormatState(d, false, logrus.New())

	if _, ok := state["release_summary"]; ok {
		t.Error("Empty release summary should be omitted")
	}
	if _, ok := state["release_url"]; ok {
		t.Error("Empty release URL should be omitted")
	}
}

func TestFormatConfig(t *testing.T) {
	d := sampleDiscovery()
	d.Install.GitRepoPath = "/srv/grafana"
	cfg := FormatConfig(d, "docker_testhost_grafana", "updatewatch/testhost/docker/grafana", "updatewatch/testhost/docker")

	if cfg["name"] != "grafana docker on testhost" {
		t.Errorf("name = %v", cfg["name"])
	}
	if cfg["unique_id"] != "docker_testhost_grafana" {
		t.Errorf("unique_id = %v", cfg["unique_id"])
	}
	if cfg["source_session"] != "sess1" {
		t.Errorf("source_session = %v", cfg["source_session"])
	}
	if cfg["command_topic"] != "updatewatch/testhost/docker" {
		t.Errorf("command_topic = %v", cfg["command_topic"])
	}
	if cfg["payload_install"] != "docker|grafana|install" {
		t.Errorf("payload_install = %v", cfg["payload_install"])
	}
	if cfg["latest_version_template"] != "{{value_json.latest_version}}" {
		t.Errorf("latest_version_template = %v", cfg["latest_version_template"])
	}
	if cfg["git_repo_path"] != "/srv/grafana" {
		t.Errorf("git_repo_path = %v", cfg["git_repo_path"])
	}
	if cfg["can_update"] != true {
		t.Errorf("can_update = %v", cfg["can_update"])
	}
}

func TestFormatConfigWithoutCommandTopic(t *testing.T) {
	d := sampleDiscovery()
	cfg := FormatConfig(d, "id", "state/topic", "")

	if _, ok := cfg["command_topic"]; ok {
		t.Error("No command topic should mean no command keys")
	}
	if _, ok := cfg["payload_install"]; ok {
		t.Error("No command topic should mean no payload_install")
	}
}

func TestFormatComprehensive(t *testing.T) {
	d := sampleDiscovery()
	payload := FormatComprehensive(d)

	if payload["source_session"] != "sess1" {
		t.Errorf("source_session = %v", payload["source_session"])
	}
	if payload["basis"] != "p1.semver" {
		t.Errorf("basis = %v", payload["basis"])
	}
	if payload["update_type"] != "container" {
		t.Errorf("update_type = %v", payload["update_type"])
	}
	if payload["first_seen"] != "2026-02-01T00:00:00Z" {
		t.Errorf("first_seen = %v", payload["first_seen"])
	}
	if payload["scan_count"] != 4 {
		t.Errorf("scan_count = %v", payload["scan_count"])
	}
	if _, ok := payload["update_last_attempt"]; ok {
		t.Error("Zero attempt timestamp should be omitted")
	}
	installed, ok := payload["installed"].(map[string]any)
	if !ok {
		t.Fatal("installed block missing")
	}
	if installed["version"] != "10.0.0" {
		t.Errorf("installed.version = %v", installed["version"])
	}
	latest, ok := payload["latest"].(map[string]any)
	if !ok {
		t.Fatal("latest block missing")
	}
	if latest["version"] != "10.1.0" {
		t.Errorf("latest.version = %v", latest["version"])
	}
}

func TestFormatComprehensiveZeroTimestamps(t *testing.T) {
	d := sampleDiscovery()
	d.FirstSeen = time.Time{}
	payload := FormatComprehensive(d)
	if payload["first_seen"] != nil {
		t.Errorf("first_seen = %v, want nil for zero time", payload["first_seen"])
	}
}
