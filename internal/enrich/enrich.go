// ABOUTME: Package metadata enrichers supplying logos and release-notes links.
// ABOUTME: A chain tries curated, linuxserver.io and default sources in order.

package enrich

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/rhizomatics/updatewatch/internal/cache"
	"github.com/rhizomatics/updatewatch/internal/config"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

const linuxServerAPI = "https://api.linuxserver.io/api/v1/images?include_config=false&include_deprecated=false"

// PackageInfo is static presentation metadata for a known package.
type PackageInfo struct {
	Docker          DockerPackage `yaml:"docker"`
	LogoURL         string        `yaml:"logo_url"`
	ReleaseNotesURL string        `yaml:"release_notes_url"`
}

// DockerPackage identifies the image a PackageInfo entry applies to.
type DockerPackage struct {
	ImageName string `yaml:"image_name"`
}

type packageFile struct {
	CommonPackages map[string]PackageInfo `yaml:"common_packages"`
}

// Enricher resolves presentation metadata for an image. A nil result means
// this enricher has nothing to contribute and the next one is consulted.
type Enricher interface {
	Initialize(ctx context.Context) error
	Enrich(imageName, imageRef string, log *logrus.Entry) *PackageInfo
}

// Chain consults enrichers in order, returning the first match. The last
// enricher is expected to always answer.
type Chain struct {
	enrichers []Enricher
	logger    *logrus.Logger
}

// NewChain builds the standard chain: curated packages first, discovered
// linuxserver.io metadata second, configured defaults last.
func NewChain(cfg *config.DockerConfig, pkgFile string, respCache *cache.ResponseCache, logger *logrus.Logger) *Chain {
	return &Chain{
		enrichers: []Enricher{
			NewCommonPackageEnricher(pkgFile, logger),
			NewLinuxServerEnricher(cfg, respCache, logger),
			NewDefaultEnricher(cfg),
		},
		logger: logger,
	}
}

// Initialize prepares every enricher. A failing curated file is fatal,
// network-backed discovery failures are not.
func (c *Chain) Initialize(ctx context.Context) error {
	for _, e := range c.enrichers {
		if err := e.Initialize(ctx); err != nil {
			return err
		}
	}
	return nil
}

// Enrich returns metadata for the image, never nil.
func (c *Chain) Enrich(imageName, imageRef string, log *logrus.Entry) *PackageInfo {
	for _, e := range c.enrichers {
		if info := e.Enrich(imageName, imageRef, log); info != nil {
			return info
		}
	}
	return &PackageInfo{}
}

// lookupEnricher matches a pre-built package table on image name or ref.
type lookupEnricher struct {
	pkgs map[string]PackageInfo
}

func (l *lookupEnricher) Enrich(imageName, imageRef string, log *logrus.Entry) *PackageInfo {
	if imageName == "" || imageRef == "" {
		return nil
	}
	for _, pkg := range l.pkgs {
		if pkg.Docker.ImageName == "" {
			continue
		}
		if pkg.Docker.ImageName == imageName || pkg.Docker.ImageName == imageRef {
			log.WithFields(logrus.Fields{
				"image_name": pkg.Docker.ImageName,
				"logo_url":   pkg.LogoURL,
			}).Debug("Found common package metadata")
			p := pkg
			return &p
		}
	}
	return nil
}

// CommonPackageEnricher serves a curated YAML file of package metadata.
type CommonPackageEnricher struct {
	lookupEnricher
	path   string
	logger *logrus.Logger
}

func NewCommonPackageEnricher(path string, logger *logrus.Logger) *CommonPackageEnricher {
	return &CommonPackageEnricher{path: path, logger: logger}
}

func (e *CommonPackageEnricher) Initialize(_ context.Context) error {
	e.pkgs = map[string]PackageInfo{}
	data, err := os.ReadFile(e.path)
	if err != nil {
		if os.IsNotExist(err) {
			e.logger.WithField("path", e.path).Warn("No common package info file found")
			return nil
		}
		return fmt.Errorf("read package info %s: %w", e.path, err)
	}
	var pf packageFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse package info %s: %w", e.path, err)
	}
	e.pkgs = pf.CommonPackages
	e.logger.WithFields(logrus.Fields{
		"path":     e.path,
		"packages": len(e.pkgs),
	}).Debug("Loaded common package info")
	return nil
}

// LinuxServerEnricher discovers metadata for linuxserver.io images from
// their public fleet API.
type LinuxServerEnricher struct {
	lookupEnricher
	cfg       *config.DockerConfig
	respCache *cache.ResponseCache
	client    *http.Client
	logger    *logrus.Logger
}

func NewLinuxServerEnricher(cfg *config.DockerConfig, respCache *cache.ResponseCache, logger *logrus.Logger) *LinuxServerEnricher {
	return &LinuxServerEnricher{
		cfg:       cfg,
		respCache: respCache,
		client:    &http.Client{Timeout: 30 * time.Second},
		logger:    logger,
	}
}

func (e *LinuxServerEnricher) Initialize(ctx context.Context) error {
	e.pkgs = map[string]PackageInfo{}
	mcfg, ok := e.cfg.DiscoverMetadata["linuxserver.io"]
	if !ok || !mcfg.Enabled {
		return nil
	}

	body, err := e.fetch(ctx, mcfg.CacheTTL.Std())
	if err != nil {
		// discovery metadata is cosmetic, scanning proceeds without it
		e.logger.WithError(err).Error("Failed to fetch linuxserver.io metadata")
		return nil
	}

	var payload struct {
		Data struct {
			Repositories struct {
				LinuxServer []struct {
					Name        string `json:"name"`
					ProjectLogo string `json:"project_logo"`
					GithubURL   string `json:"github_url"`
				} `json:"linuxserver"`
			} `json:"repositories"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		e.logger.WithError(err).Error("Failed to parse linuxserver.io metadata")
		return nil
	}

	added := 0
	for _, repo := range payload.Data.Repositories.LinuxServer {
		if repo.Name == "" {
			continue
		}
		if _, exists := e.pkgs[repo.Name]; exists {
			continue
		}
		e.pkgs[repo.Name] = PackageInfo{
			Docker:          DockerPackage{ImageName: "lscr.io/linuxserver/" + repo.Name},
			LogoURL:         repo.ProjectLogo,
			ReleaseNotesURL: repo.GithubURL + "/releases",
		}
		added++
	}
	e.logger.WithField("packages", added).Info("Added linuxserver.io package details")
	return nil
}

func (e *LinuxServerEnricher) fetch(ctx context.Context, ttl time.Duration) ([]byte, error) {
	if body := e.respCache.Get(linuxServerAPI); body != nil {
		return body, nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, linuxServerAPI, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("linuxserver.io API status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8*1024*1024))
	if err != nil {
		return nil, err
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	e.respCache.Set(linuxServerAPI, body, ttl)
	return body, nil
}

// DefaultEnricher terminates the chain with configured defaults.
type DefaultEnricher struct {
	cfg *config.DockerConfig
}

func NewDefaultEnricher(cfg *config.DockerConfig) *DefaultEnricher {
	return &DefaultEnricher{cfg: cfg}
}

func (e *DefaultEnricher) Initialize(_ context.Context) error { return nil }

func (e *DefaultEnricher) Enrich(imageName, imageRef string, log *logrus.Entry) *PackageInfo {
	log.WithField("image_name", imageName).Debug("Default package metadata")
	return &PackageInfo{
		Docker:  DockerPackage{ImageName: imageName},
		LogoURL: e.cfg.DefaultEntityPictureURL,
	}
}
