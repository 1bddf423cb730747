// ABOUTME: Home Assistant payload formatting for update entities.
// ABOUTME: Enforces the strict update-entity state schema with an allow-list.

package mqtt

import (
	"time"

	"github.com/rhizomatics/updatewatch/internal/artefact"
	"github.com/rhizomatics/updatewatch/internal/model"
	"github.com/sirupsen/logrus"
)

// Version is stamped into discovery payload origin blocks.
const Version = "1.0.0"

// hassUpdateSchema is the exhaustive set of keys the Home Assistant MQTT
// update entity accepts in a state payload. Anything else breaks the entity.
var hassUpdateSchema = map[string]bool{
	"installed_version": true,
	"latest_version":    true,
	"title":             true,
	"release_summary":   true,
	"release_url":       true,
	"entity_picture":    true,
	"in_progress":       true,
	"update_percentage": true,
}

// FormatConfig renders the retained discovery-config payload for an entity.
func FormatConfig(d *model.Discovery, objectID, stateTopic, commandTopic string) map[string]any {
	config := map[string]any{
		"name":                    d.Name + " " + d.SourceType + " on " + d.Node,
		"device_class":            nil,
		"unique_id":               objectID,
		"state_topic":             stateTopic,
		"source_session":          d.Session,
		"supported_features":      d.Features,
		"entity_picture":          d.EntityPictureURL,
		"icon":                    d.DeviceIcon,
		"can_update":              d.CanUpdate(),
		"can_build":               d.CanBuild,
		"can_restart":             d.CanRestart,
		"update_policy":           d.UpdatePolicy,
		"latest_version_topic":    stateTopic,
		"latest_version_template": "{{value_json.latest_version}}",
		"origin": map[string]any{
			"name":        "updatewatch",
			"sw_version":  Version,
			"support_url": "https://github.com/rhizomatics/updatewatch/issues",
		},
	}
	if commandTopic != "" {
		config["command_topic"] = commandTopic
		config["payload_install"] = d.SourceType + "|" + d.Name + "|install"
	}
	if d.Install != nil && d.Install.GitRepoPath != "" {
		config["git_repo_path"] = d.Install.GitRepoPath
	}
	if d.Provider != nil {
		for k, v := range d.Provider.HassConfigExtra(d) {
			config[k] = v
		}
	}
	return config
}

// FormatState renders the state payload, dropping any key outside the update
// entity schema. Offending keys are logged so a provider bug surfaces rather
// than silently corrupting the entity.
func FormatState(d *model.Discovery, inProgress bool, logger *logrus.Logger) map[string]any {
	state := map[string]any{
		"installed_version": d.CurrentVersion,
		"latest_version":    d.LatestVersion,
		"title":             d.Title(),
		"in_progress":       inProgress,
	}
	if d.ReleaseSummary != "" {
		state["release_summary"] = d.ReleaseSummary
	}
	if d.ReleaseURL != "" {
		state["release_url"] = d.ReleaseURL
	}
	if d.Provider != nil {
		for k, v := range d.Provider.HassStateExtra(d) {
			state[k] = v
		}
	}

	var invalid []string
	for k := range state {
		if !hassUpdateSchema[k] {
			invalid = append(invalid, k)
			delete(state, k)
		}
	}
	if len(invalid) > 0 {
		logger.WithField("keys", invalid).Warning("Invalid keys stripped from state payload")
	}
	return state
}

// FormatComprehensive renders the full retained record for bus consumers,
// with no schema restriction. Always carries source_session so retained
// copies can be cleaned by scan session.
func FormatComprehensive(d *model.Discovery) map[string]any {
	payload := map[string]any{
		"name":              d.Name,
		"source_type":       d.SourceType,
		"node":              d.Node,
		"source_session":    d.Session,
		"installed_version": d.CurrentVersion,
		"latest_version":    d.LatestVersion,
		"version_policy":    d.VersionPolicy,
		"basis":             d.Basis,
		"update_type":       d.UpdateType,
		"can_update":        d.CanUpdate(),
		"can_pull":          d.CanPull,
		"can_build":         d.CanBuild,
		"can_restart":       d.CanRestart,
		"status":            d.Status,
		"update_policy":     d.UpdatePolicy,
		"throttled":         d.Throttled,
		"first_seen":        stampOrNil(d.FirstSeen),
		"last_seen":         stampOrNil(d.LastSeen),
		"last_checked":      stampOrNil(d.LastChecked),
		"scan_count":        d.ScanCount,
	}
	if !d.UpdateLastAttempt.IsZero() {
		payload["update_last_attempt"] = d.UpdateLastAttempt.UTC().Format(time.RFC3339)
	}
	if d.Current != nil {
		payload["installed"] = artefactPayload(d.Current)
	}
	if d.Latest != nil {
		payload["latest"] = artefactPayload(d.Latest)
	}
	if d.Release != nil {
		payload["release"] = d.Release
	}
	if d.Install != nil {
		payload["install"] = d.Install
	}
	return payload
}

func artefactPayload(i *artefact.Info) map[string]any {
	return map[string]any{
		"ref":          i.Ref,
		"origin":       i.Origin,
		"version":      i.Version,
		"short_digest": i.ShortDigest(),
		"platform":     i.Platform(),
	}
}

func stampOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
