// ABOUTME: Docker workload provider: scans running containers, reconciles
// ABOUTME: installed vs registry versions, and executes install commands.

package docker

import (
	"context"
	"errors"
	"math/rand"
	"path/filepath"
	"sync"
	"time"

	"github.com/rhizomatics/updatewatch/internal/artefact"
	"github.com/rhizomatics/updatewatch/internal/config"
	"github.com/rhizomatics/updatewatch/internal/enrich"
	"github.com/rhizomatics/updatewatch/internal/gitutil"
	"github.com/rhizomatics/updatewatch/internal/model"
	"github.com/rhizomatics/updatewatch/internal/reconcile"
	"github.com/rhizomatics/updatewatch/internal/registry"
	"github.com/rhizomatics/updatewatch/internal/runtime"
	"github.com/rhizomatics/updatewatch/internal/throttle"
	"github.com/sirupsen/logrus"
)

const sourceType = "docker"

const updateType = "container"

const titleTemplate = "Docker image update for {name} on {node}"

// Home Assistant update entity features a discovery can announce.
const (
	FeatureInstall      = "INSTALL"
	FeatureProgress     = "PROGRESS"
	FeatureReleaseNotes = "RELEASE_NOTES"
)

// Provider implements model.ReleaseProvider for Docker containers.
type Provider struct {
	cfg     *config.DockerConfig
	node    config.NodeConfig
	rt      runtime.Runtime
	lookup  registry.Lookup
	engine  *reconcile.Engine
	pkgs    *enrich.Chain
	release *enrich.SourceReleaseEnricher
	git     *gitutil.Client
	compose *composeRunner
	logger  *logrus.Logger

	mu          sync.RWMutex
	discoveries map[string]*model.Discovery
}

// New assembles the provider from its collaborators.
func New(
	cfg *config.DockerConfig,
	node config.NodeConfig,
	rt runtime.Runtime,
	lookup registry.Lookup,
	engine *reconcile.Engine,
	pkgs *enrich.Chain,
	release *enrich.SourceReleaseEnricher,
	git *gitutil.Client,
	logger *logrus.Logger,
) *Provider {
	return &Provider{
		cfg:         cfg,
		node:        node,
		rt:          rt,
		lookup:      lookup,
		engine:      engine,
		pkgs:        pkgs,
		release:     release,
		git:         git,
		compose:     newComposeRunner(cfg.ComposeVersion, logger),
		logger:      logger,
		discoveries: make(map[string]*model.Discovery),
	}
}

func (p *Provider) SourceType() string { return sourceType }

// Scan enumerates running containers in randomized order so registry load
// spreads across the fleet rather than hammering the same site first every
// cycle. Emits one Discovery per analyzable container.
func (p *Provider) Scan(ctx context.Context, session string) <-chan *model.Discovery {
	out := make(chan *model.Discovery)
	go func() {
		defer close(out)
		log := p.logger.WithFields(logrus.Fields{"session": session, "action": "scan"})

		workloads, err := p.rt.ListRunningWorkloads(ctx)
		if err != nil {
			log.WithError(err).Error("Failed to list workloads")
			return
		}
		rand.Shuffle(len(workloads), func(i, j int) {
			workloads[i], workloads[j] = workloads[j], workloads[i]
		})

		results := 0
		for _, w := range workloads {
			select {
			case <-ctx.Done():
				log.WithField("container", w.Name).Info("Shutdown detected, aborting scan")
				return
			default:
			}
			d := p.analyze(ctx, w, session, p.Resolve(w.Name))
			if d == nil {
				continue
			}
			p.store(d)
			results++
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
		log.WithFields(logrus.Fields{
			"container_count": len(workloads),
			"result_count":    results,
		}).Info("Scan completed")
	}()
	return out
}

// Rescan re-analyzes a single previously discovered container, typically
// right after an install, chaining lineage from the prior record.
func (p *Provider) Rescan(ctx context.Context, d *model.Discovery) *model.Discovery {
	log := p.logger.WithFields(logrus.Fields{"container": d.Name, "action": "rescan"})
	w, err := p.rt.GetWorkload(ctx, d.Name)
	if err != nil {
		log.WithError(err).Warn("Unable to find container for rescan")
		return nil
	}
	rediscovery := p.analyze(ctx, w, d.Session, d)
	if rediscovery != nil {
		p.store(rediscovery)
	}
	return rediscovery
}

// Resolve returns the last stored Discovery for a container name, or nil.
func (p *Provider) Resolve(name string) *model.Discovery {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.discoveries[name]
}

func (p *Provider) store(d *model.Discovery) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.discoveries[d.Name] = d
}

// analyze builds one Discovery for a workload. Returns nil for ignored or
// deselected workloads and for analysis failures.
func (p *Provider) analyze(ctx context.Context, w runtime.Workload, session string, prev *model.Discovery) *model.Discovery {
	log := p.logger.WithFields(logrus.Fields{"container": w.Name, "action": "analyze"})

	cust := resolveCustomization(w.Labels, w.Env)
	if cust.Ignore {
		log.Info("Container ignored by customization")
		return nil
	}

	attrs, err := p.rt.GetImageAttributes(ctx, w.ImageID)
	if err != nil {
		log.WithError(err).Warn("Failed to inspect image, continuing with container data only")
	}

	imageRef := w.ImageRef
	if imageRef == "" && len(attrs.Tags) > 0 {
		imageRef = attrs.Tags[0]
	}
	if sel := p.cfg.ImageSelector.Evaluate(imageRef); !sel.Result {
		log.WithField("image_ref", imageRef).Debug("Image excluded by selector")
		return nil
	}

	local := artefact.New(imageRef, artefact.Attributes{
		RepoTags:     attrs.Tags,
		RepoDigests:  attrs.RepoDigests,
		OS:           attrs.OS,
		Architecture: attrs.Architecture,
		Variant:      attrs.Variant,
		Labels:       attrs.Labels,
		Created:      attrs.Created,
	}, p.logger)
	local.ImageDigest = w.ImageID

	composePath := w.Labels[labelComposeWorkingDir]
	composeVersion := w.Labels[labelComposeVersion]
	repoPath := p.gitRepoPath(cust, composePath)
	if repoPath != "" {
		p.attachGitDigest(ctx, repoPath, local, log)
	}

	latest := p.resolveLatest(ctx, local, log)
	if repoPath != "" && latest.Origin != artefact.OriginReused {
		latest.GitDigest = local.GitDigest
	}
	if repoPath != "" && p.cfg.AllowBuild && p.git.UpdateAvailable(ctx, repoPath) {
		if rev, err := p.git.UpstreamRevision(ctx, repoPath); err == nil {
			latest.GitDigest = rev
		}
	}

	pkg := p.pkgs.Enrich(local.UntaggedRef(), imageRef, log)
	picture := cust.PictureURL
	if picture == "" {
		picture = pkg.LogoURL
	}
	relnotes := cust.ReleaseNotesURL
	if relnotes == "" {
		relnotes = pkg.ReleaseNotesURL
	}

	var detail *model.ReleaseDetail
	if len(latest.Annotations) > 0 {
		detail = p.release.Enrich(ctx, latest, log)
	}
	if detail != nil && relnotes == "" {
		relnotes = detail.ReleaseNotesURL
	}

	res := p.engine.Reconcile(p.cfg.VersionPolicy, local, latest)

	publish := model.PublishFull
	if sel := p.cfg.VersionSelector.Evaluate(res.Latest); !sel.Result {
		log.WithField("version", res.Latest).Debug("Version deselected, bus-only publish")
		publish = model.PublishBusOnly
	}

	canPull := p.cfg.AllowPull && imageRef != "" &&
		(res.Current != artefact.NoKnownImage || res.Latest != artefact.NoKnownImage)
	canBuild := p.cfg.AllowBuild && repoPath != ""
	canRestart := p.cfg.AllowRestart && composePath != ""

	var features []string
	if canPull || canBuild || canRestart {
		features = append(features, FeatureInstall, FeatureProgress)
	}
	if relnotes != "" {
		features = append(features, FeatureReleaseNotes)
	}

	status := "off"
	if w.Status == "running" {
		status = "on"
	}

	summary := ""
	if detail != nil {
		summary = detail.Summary
	}

	now := time.Now()
	d := &model.Discovery{
		Name:       w.Name,
		SourceType: sourceType,
		Node:       p.node.Name,
		Session:    session,

		CurrentVersion: res.Current,
		LatestVersion:  res.Latest,
		VersionPolicy:  string(p.cfg.VersionPolicy),
		Basis:          res.Basis,

		CanPull:    canPull,
		CanBuild:   canBuild,
		CanRestart: canRestart,

		UpdateType:   updateType,
		Status:       status,
		UpdatePolicy: cust.UpdatePolicy,
		Publish:      publish,

		EntityPictureURL: picture,
		ReleaseURL:       relnotes,
		ReleaseSummary:   summary,
		TitleTemplate:    titleTemplate,
		DeviceIcon:       p.cfg.DeviceIcon,
		Features:         features,

		LastSeen:    now,
		LastChecked: now,
		Throttled:   latest.Throttled,

		Current: local,
		Latest:  latest,
		Release: detail,
		Install: &model.InstallationDetail{
			ImageRef:       imageRef,
			Platform:       local.Platform(),
			CanPull:        canPull,
			ComposePath:    composePath,
			ComposeVersion: composeVersion,
			GitRepoPath:    repoPath,
			AptPackages:    cust.AptPackages,
		},
		Provider: p,
	}
	d.ChainFrom(prev)
	return d
}

// resolveLatest runs the configured registry lookup, honoring the registry
// selector and downgrading every failure mode to a reused local identity.
func (p *Provider) resolveLatest(ctx context.Context, local *artefact.Info, log *logrus.Entry) *artefact.Info {
	if local.Name == "" {
		return local.Reuse()
	}
	if sel := p.cfg.RegistrySelector.Evaluate(local.Index); !sel.Result {
		log.WithField("registry", local.Index).Debug("Registry deselected, reusing local identity")
		return local.Reuse()
	}

	latest, err := p.lookup.Lookup(ctx, local)
	if err != nil {
		var te *throttle.ThrottledError
		var ae *registry.AuthError
		switch {
		case errors.As(err, &te):
			log.WithField("site", te.Site).Info("Registry throttled, deferring check")
			latest = local.Reuse()
			latest.Throttled = true
		case errors.As(err, &ae):
			log.WithError(ae).Warn("Registry auth failed")
			latest = local.Reuse()
			latest.Err = ae.Error()
		default:
			log.WithError(err).Warn("Registry lookup failed")
			latest = local.Reuse()
			latest.Err = err.Error()
		}
	}
	if latest == nil {
		latest = local.Reuse()
	}
	return latest
}

// gitRepoPath resolves the customized repo path against the compose project
// directory when relative.
func (p *Provider) gitRepoPath(cust customization, composePath string) string {
	if cust.GitRepoPath == "" {
		return ""
	}
	if filepath.IsAbs(cust.GitRepoPath) || composePath == "" {
		return cust.GitRepoPath
	}
	return filepath.Join(composePath, cust.GitRepoPath)
}

// attachGitDigest marks a locally built workload with its working-tree HEAD.
func (p *Provider) attachGitDigest(ctx context.Context, repoPath string, local *artefact.Info, log *logrus.Entry) {
	if err := p.git.Trust(ctx, repoPath); err != nil {
		log.WithError(err).Debug("Git trust failed")
	}
	rev, err := p.git.Revision(ctx, repoPath)
	if err != nil {
		log.WithError(err).Warn("Unable to read git revision")
		return
	}
	local.GitDigest = rev
	if ts, err := p.git.Timestamp(ctx, repoPath); err == nil {
		local.Created = ts
	}
}

// Command handles a remote command for a container. Only "install" is
// understood. onStart and onEnd are always paired once an update begins.
func (p *Provider) Command(ctx context.Context, name, command string, onStart, onEnd func(*model.Discovery)) bool {
	log := p.logger.WithFields(logrus.Fields{"container": name, "action": "command", "command": command})
	log.Info("Executing")

	d := p.Resolve(name)
	switch {
	case d == nil:
		log.Warn("Unknown entity")
		return false
	case command != "install":
		log.Warn("Unknown command")
		return false
	case !d.CanUpdate():
		log.Warn("Update not supported for this container")
		return false
	}

	log.Info("Starting update")
	onStart(d)
	final := d
	defer func() { onEnd(final) }()

	// the prior record is never mutated; the attempt time lands on the
	// rescanned record only
	attempt := time.Now()
	if !p.update(ctx, d) {
		log.Info("Update made no change")
		return false
	}
	log.Info("Rescanning")
	rediscovery := p.Rescan(ctx, d)
	if rediscovery == nil {
		log.Warn("Rescan found no container after update")
		return false
	}
	rediscovery.UpdateLastAttempt = attempt
	final = rediscovery
	return true
}

// update runs the fetch and restart steps for a Discovery.
func (p *Provider) update(ctx context.Context, d *model.Discovery) bool {
	log := p.logger.WithFields(logrus.Fields{"container": d.Name, "action": "update"})
	log.WithField("last_attempt", d.UpdateLastAttempt).Info("Updating")

	p.fetch(ctx, d)
	restarted := p.restart(ctx, d)
	log.WithField("restarted", restarted).Info("Updated")
	return restarted
}

// fetch acquires the new content: a registry pull when allowed, otherwise a
// git pull and compose build for locally built workloads.
func (p *Provider) fetch(ctx context.Context, d *model.Discovery) {
	log := p.logger.WithFields(logrus.Fields{"container": d.Name, "action": "fetch"})
	ins := d.Install

	switch {
	case ins.CanPull && ins.ImageRef != "":
		log.WithFields(logrus.Fields{"image_ref": ins.ImageRef, "platform": ins.Platform}).Info("Pulling")
		if err := p.rt.PullImage(ctx, ins.ImageRef, ins.Platform); err != nil {
			log.WithError(err).Warn("Unable to pull")
			return
		}
		log.Info("Pulled")
	case d.CanBuild:
		if ins.GitRepoPath == "" || ins.ComposePath == "" {
			log.Warn("No compose path or git repo path configured, skipped build")
			return
		}
		if p.git.UpdateAvailable(ctx, ins.GitRepoPath) {
			if err := p.git.Pull(ctx, ins.GitRepoPath); err != nil {
				log.WithError(err).Warn("Git pull failed")
			}
		}
		p.compose.Build(ctx, ins.ComposePath)
	default:
		log.Debug("No fetch capability, restart only")
	}
}

// restart recreates the workload through compose.
func (p *Provider) restart(ctx context.Context, d *model.Discovery) bool {
	return p.compose.Up(ctx, d.Install.ComposePath)
}

// HassConfigExtra contributes no provider-specific discovery config keys.
func (p *Provider) HassConfigExtra(_ *model.Discovery) map[string]any { return nil }

// HassStateExtra stays empty: the downstream update entity enforces a strict
// payload schema.
func (p *Provider) HassStateExtra(_ *model.Discovery) map[string]any {
	return map[string]any{}
}
