// ABOUTME: Per-workload customization resolved from container labels and env vars.
// ABOUTME: Labels win over env vars when the same key is set both ways.

package docker

import "strings"

// Customization keys. Each key is read as the label "updatewatch.<key>"
// first, then the env var "UPDATEWATCH_<KEY>".
const (
	keyIgnore      = "ignore"
	keyPicture     = "picture"
	keyRelNotes    = "relnotes"
	keyGitRepoPath = "git_repo_path"
	keyAptPackages = "apt_pkgs"
	keyUpdate      = "update"
)

const labelPrefix = "updatewatch."

// UpdatePolicyAuto and UpdatePolicyPassive are the two workload update
// policies: Auto workloads are updated unattended, Passive ones wait for an
// install command.
const (
	UpdatePolicyAuto    = "Auto"
	UpdatePolicyPassive = "Passive"
)

// Compose labels the Docker compose plugin stamps on containers it manages.
const (
	labelComposeWorkingDir = "com.docker.compose.project.working_dir"
	labelComposeVersion    = "com.docker.compose.version"
)

type customization struct {
	Ignore          bool
	PictureURL      string
	ReleaseNotesURL string
	GitRepoPath     string
	AptPackages     string
	UpdatePolicy    string
}

func resolveCustomization(labels, env map[string]string) customization {
	get := func(key string) string {
		if v, ok := labels[labelPrefix+key]; ok {
			return v
		}
		return env["UPDATEWATCH_"+strings.ToUpper(key)]
	}

	c := customization{
		PictureURL:      get(keyPicture),
		ReleaseNotesURL: get(keyRelNotes),
		GitRepoPath:     get(keyGitRepoPath),
		AptPackages:     get(keyAptPackages),
		UpdatePolicy:    UpdatePolicyPassive,
	}
	switch strings.ToUpper(get(keyIgnore)) {
	case "1", "TRUE":
		c.Ignore = true
	}
	if strings.EqualFold(get(keyUpdate), "AUTO") {
		c.UpdatePolicy = UpdatePolicyAuto
	}
	return c
}
