// ABOUTME: YAML configuration loading, defaulting and validation for updatewatch.
// ABOUTME: Defines the config tree, version policies, and include/exclude selectors.

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration is a time.Duration that unmarshals from YAML strings like "90s"
// or "3h", or from a bare integer meaning seconds.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var secs int64
	if err := value.Decode(&secs); err == nil {
		*d = Duration(time.Duration(secs) * time.Second)
		return nil
	}
	return fmt.Errorf("invalid duration %q", value.Value)
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

// VersionPolicy selects how the reconciliation engine picks display versions.
type VersionPolicy string

const (
	PolicyAuto          VersionPolicy = "AUTO"
	PolicyVersion       VersionPolicy = "VERSION"
	PolicyDigest        VersionPolicy = "DIGEST"
	PolicyVersionDigest VersionPolicy = "VERSION_DIGEST"
	PolicyTimestamp     VersionPolicy = "TIMESTAMP"
)

// ParseVersionPolicy validates a policy string, defaulting to AUTO.
func ParseVersionPolicy(s string) (VersionPolicy, error) {
	switch VersionPolicy(s) {
	case "":
		return PolicyAuto, nil
	case PolicyAuto, PolicyVersion, PolicyDigest, PolicyVersionDigest, PolicyTimestamp:
		return VersionPolicy(s), nil
	}
	return PolicyAuto, fmt.Errorf("unknown version policy %q", s)
}

// RegistryAPI selects the registry access strategy.
type RegistryAPI string

const (
	RegistryOCIV2        RegistryAPI = "OCI_V2"
	RegistryDockerClient RegistryAPI = "DOCKER_CLIENT"
	RegistryDisabled     RegistryAPI = "NONE"
)

// Selector is a pair of optional ordered regex pattern lists. Exclude is
// evaluated first (default-select unless excluded), then include overrides
// (default-reject unless included), so presence of include rules makes the
// selector default-deny.
type Selector struct {
	Include []string `yaml:"include"`
	Exclude []string `yaml:"exclude"`
}

// Selection is the evaluated outcome of applying a Selector to a value.
type Selection struct {
	Result  bool
	Matched string
}

// Evaluate applies the selector rules to a value. An empty value is treated
// as absent: selected only when no include rules exist.
func (s Selector) Evaluate(value string) Selection {
	sel := Selection{Result: true}
	if value == "" {
		sel.Result = len(s.Include) == 0
		return sel
	}
	if len(s.Exclude) > 0 {
		sel.Result = true
		for _, pat := range s.Exclude {
			if matched, _ := regexp.MatchString(pat, value); matched {
				sel.Matched = value
				sel.Result = false
				break
			}
		}
	}
	if len(s.Include) > 0 {
		sel.Result = false
		for _, pat := range s.Include {
			if matched, _ := regexp.MatchString(pat, value); matched {
				sel.Matched = value
				sel.Result = true
				break
			}
		}
	}
	return sel
}

// MQTTConfig configures the message-bus connection.
type MQTTConfig struct {
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	User      string `yaml:"user"`
	Password  string `yaml:"password"`
	TopicRoot string `yaml:"topic_root"`
}

// HomeAssistantConfig configures the HA discovery surface.
type HomeAssistantConfig struct {
	DiscoveryPrefix  string `yaml:"discovery_prefix"`
	DiscoveryEnabled bool   `yaml:"discovery_enabled"`
	StateTopicSuffix string `yaml:"state_topic_suffix"`
}

// NodeConfig identifies the host this instance runs on.
type NodeConfig struct {
	Name string `yaml:"name"`
}

// RegistryConfig configures upstream registry access and its throttling.
type RegistryConfig struct {
	API               RegistryAPI `yaml:"api"`
	ThrottleSeconds   int         `yaml:"throttle_seconds"`
	MutableCacheTTL   Duration    `yaml:"mutable_cache_ttl"`
	ImmutableCacheTTL Duration    `yaml:"immutable_cache_ttl"`
	TokenCacheTTL     Duration    `yaml:"token_cache_ttl"`
}

// MetadataSourceConfig toggles a third-party package metadata catalog.
type MetadataSourceConfig struct {
	Enabled  bool     `yaml:"enabled"`
	CacheTTL Duration `yaml:"cache_ttl"`
}

// DockerConfig configures the Docker workload provider.
type DockerConfig struct {
	Enabled                 bool                            `yaml:"enabled"`
	AllowPull               bool                            `yaml:"allow_pull"`
	AllowRestart            bool                            `yaml:"allow_restart"`
	AllowBuild              bool                            `yaml:"allow_build"`
	ComposeVersion          string                          `yaml:"compose_version"`
	DefaultEntityPictureURL string                          `yaml:"default_entity_picture_url"`
	DeviceIcon              string                          `yaml:"device_icon"`
	VersionPolicy           VersionPolicy                   `yaml:"version_policy"`
	Registry                RegistryConfig                  `yaml:"registry"`
	ImageSelector           Selector                        `yaml:"image_selector"`
	VersionSelector         Selector                        `yaml:"version_selector"`
	RegistrySelector        Selector                        `yaml:"registry_selector"`
	DiscoverMetadata        map[string]MetadataSourceConfig `yaml:"discover_metadata"`
	GitTimeout              Duration                        `yaml:"git_timeout"`
}

// HealthcheckConfig configures the liveness heartbeat.
type HealthcheckConfig struct {
	Interval      Duration `yaml:"interval"`
	TopicTemplate string   `yaml:"topic_template"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Config is the root configuration tree.
type Config struct {
	Log           LogConfig           `yaml:"log"`
	Node          NodeConfig          `yaml:"node"`
	MQTT          MQTTConfig          `yaml:"mqtt"`
	HomeAssistant HomeAssistantConfig `yaml:"homeassistant"`
	Docker        DockerConfig        `yaml:"docker"`
	ScanInterval  Duration            `yaml:"scan_interval"`
	// UpdateInterval is the minimum gap between automatic update attempts
	// for a workload whose update policy is Auto.
	UpdateInterval Duration          `yaml:"update_interval"`
	Healthcheck    HealthcheckConfig `yaml:"healthcheck"`
	MetricsPort    int               `yaml:"metrics_port"`

	// PackageInfoFile points at the common-packages enrichment table.
	PackageInfoFile string `yaml:"package_info_file"`
}

// Default returns the built-in configuration, before any file overlay.
func Default() *Config {
	return &Config{
		Log:  LogConfig{Level: "info"},
		Node: NodeConfig{Name: hostname()},
		MQTT: MQTTConfig{
			Host:      "localhost",
			Port:      1883,
			TopicRoot: "updatewatch",
		},
		HomeAssistant: HomeAssistantConfig{
			DiscoveryPrefix:  "homeassistant",
			DiscoveryEnabled: true,
			StateTopicSuffix: "state",
		},
		Docker: DockerConfig{
			Enabled:                 true,
			AllowPull:               true,
			AllowRestart:            true,
			AllowBuild:              true,
			ComposeVersion:          "v2",
			DefaultEntityPictureURL: "https://www.docker.com/wp-content/uploads/2022/03/Moby-logo.png",
			DeviceIcon:              "mdi:train-car-container",
			VersionPolicy:           PolicyAuto,
			Registry: RegistryConfig{
				API:               RegistryOCIV2,
				ThrottleSeconds:   30,
				MutableCacheTTL:   Duration(5 * time.Minute),
				ImmutableCacheTTL: Duration(24 * time.Hour),
				TokenCacheTTL:     Duration(30 * time.Second),
			},
			DiscoverMetadata: map[string]MetadataSourceConfig{
				"linuxserver.io": {Enabled: true, CacheTTL: Duration(24 * time.Hour)},
			},
			GitTimeout: Duration(2 * time.Minute),
		},
		ScanInterval:   Duration(3 * time.Hour),
		UpdateInterval: Duration(24 * time.Hour),
		Healthcheck: HealthcheckConfig{
			Interval:      Duration(5 * time.Minute),
			TopicTemplate: "{root}/{node}/status",
		},
		MetricsPort:     9274,
		PackageInfoFile: "common_packages.yaml",
	}
}

// Load reads a config file over the defaults. A missing file is not an
// error; the defaults are returned so a fresh install works out of the box.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the rest of the system cannot honor.
func (c *Config) Validate() error {
	if _, err := ParseVersionPolicy(string(c.Docker.VersionPolicy)); err != nil {
		return err
	}
	switch c.Docker.Registry.API {
	case RegistryOCIV2, RegistryDockerClient, RegistryDisabled, "":
	default:
		return fmt.Errorf("unknown registry api %q", c.Docker.Registry.API)
	}
	if c.ScanInterval <= 0 {
		return fmt.Errorf("scan_interval must be positive, got %s", c.ScanInterval)
	}
	for _, sel := range []Selector{c.Docker.ImageSelector, c.Docker.VersionSelector, c.Docker.RegistrySelector} {
		for _, pat := range append(append([]string{}, sel.Include...), sel.Exclude...) {
			if _, err := regexp.Compile(pat); err != nil {
				return fmt.Errorf("invalid selector pattern %q: %w", pat, err)
			}
		}
	}
	return nil
}

func hostname() string {
	if h, err := os.Hostname(); err == nil {
		return h
	}
	return "UNKNOWN"
}
