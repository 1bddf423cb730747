// ABOUTME: MQTT client wrapper: publishes discovery/state/comprehensive payloads,
// ABOUTME: dispatches install commands, and cleans stale retained topics.

package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/rhizomatics/updatewatch/internal/config"
	"github.com/rhizomatics/updatewatch/internal/model"
	"github.com/sirupsen/logrus"
)

// Client wraps the broker connection and the topic layout.
type Client struct {
	cfg    config.MQTTConfig
	node   config.NodeConfig
	hass   config.HomeAssistantConfig
	cli    paho.Client
	logger *logrus.Logger

	mu        sync.RWMutex
	providers map[string]model.ReleaseProvider // keyed by command topic
	ctx       context.Context
}

// NewClient creates an unconnected client.
func NewClient(cfg config.MQTTConfig, node config.NodeConfig, hass config.HomeAssistantConfig, logger *logrus.Logger) *Client {
	return &Client{
		cfg:       cfg,
		node:      node,
		hass:      hass,
		logger:    logger,
		providers: make(map[string]model.ReleaseProvider),
		ctx:       context.Background(),
	}
}

// Start connects to the broker. Subscriptions are re-established on every
// reconnect. The context bounds command execution triggered by messages.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.Host, c.cfg.Port)).
		SetClientID("updatewatch_" + c.node.Name).
		SetUsername(c.cfg.User).
		SetPassword(c.cfg.Password).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetKeepAlive(60 * time.Second).
		SetOnConnectHandler(c.onConnect).
		SetConnectionLostHandler(func(_ paho.Client, err error) {
			c.logger.WithError(err).Info("Disconnected from broker")
		})

	cli := paho.NewClient(opts)
	if token := cli.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("connect to %s:%d: %w", c.cfg.Host, c.cfg.Port, token.Error())
	}
	c.mu.Lock()
	c.cli = cli
	c.mu.Unlock()
	c.logger.WithFields(logrus.Fields{"host": c.cfg.Host, "port": c.cfg.Port}).Info("Connected to broker")
	return nil
}

// Stop disconnects, allowing in-flight publishes a short drain. Publishes
// racing the shutdown observe a nil connection and become no-ops.
func (c *Client) Stop() {
	c.mu.Lock()
	cli := c.cli
	c.cli = nil
	c.mu.Unlock()
	if cli != nil {
		cli.Disconnect(250)
	}
}

func (c *Client) onConnect(cli paho.Client) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	for topic := range c.providers {
		c.logger.WithField("topic", topic).Info("(Re)subscribing")
		cli.Subscribe(topic, 0, c.onMessage)
	}
}

// ConfigTopic is the HA discovery-config topic for an entity.
func (c *Client) ConfigTopic(d *model.Discovery) string {
	safe := model.SanitizeName(d.Name)
	return fmt.Sprintf("%s/update/%s_%s_%s/update/config", c.hass.DiscoveryPrefix, c.node.Name, d.SourceType, safe)
}

func (c *Client) baseTopic(d *model.Discovery) string {
	return fmt.Sprintf("%s/%s/%s/%s", c.cfg.TopicRoot, c.node.Name, d.SourceType, model.SanitizeName(d.Name))
}

// StateTopic is the per-workload state topic, optionally suffixed so state
// payloads live one level below the workload's topic space.
func (c *Client) StateTopic(d *model.Discovery) string {
	if c.hass.StateTopicSuffix == "" {
		return c.baseTopic(d)
	}
	return c.baseTopic(d) + "/" + c.hass.StateTopicSuffix
}

// CommandTopic is the per-provider install command topic.
func (c *Client) CommandTopic(p model.ReleaseProvider) string {
	return fmt.Sprintf("%s/%s/%s", c.cfg.TopicRoot, c.node.Name, p.SourceType())
}

func (c *Client) comprehensiveTopic(d *model.Discovery) string {
	return c.baseTopic(d) + "/full"
}

// SubscribeCommands registers a provider's command topic. Idempotent.
func (c *Client) SubscribeCommands(p model.ReleaseProvider) string {
	topic := c.CommandTopic(p)
	c.mu.Lock()
	_, exists := c.providers[topic]
	if !exists {
		c.providers[topic] = p
	}
	cli := c.cli
	c.mu.Unlock()
	if exists || cli == nil {
		c.logger.WithField("topic", topic).Debug("Skipping subscription")
		return topic
	}
	c.logger.WithField("topic", topic).Info("Handler subscribing")
	cli.Subscribe(topic, 0, c.onMessage)
	return topic
}

func (c *Client) onMessage(_ paho.Client, msg paho.Message) {
	c.handleCommand(msg.Topic(), string(msg.Payload()))
}

// LocalCommand simulates an incoming command message, used for policy-driven
// automatic updates.
func (c *Client) LocalCommand(d *model.Discovery, command string) {
	if d.Provider == nil {
		return
	}
	topic := c.CommandTopic(d.Provider)
	c.handleCommand(topic, strings.Join([]string{d.SourceType, d.Name, command}, "|"))
}

// handleCommand parses "sourceType|name|command" and dispatches it to the
// provider registered for the topic. Malformed payloads are logged, never
// fatal.
func (c *Client) handleCommand(topic, payload string) {
	log := c.logger.WithFields(logrus.Fields{"topic": topic, "payload": payload})
	log.Info("Command execution starting")

	c.mu.RLock()
	provider := c.providers[topic]
	ctx := c.ctx
	c.mu.RUnlock()

	parts := strings.Split(payload, "|")
	if len(parts) != 3 {
		log.Warn("Invalid payload in command message")
		return
	}
	sourceType, name, command := parts[0], parts[1], parts[2]

	switch {
	case provider == nil:
		log.Warn("No provider registered for topic")
	case provider.SourceType() != sourceType:
		log.WithField("source_type", sourceType).Warn("Unexpected source type")
	case command != "install" || name == "":
		log.Warn("Invalid payload in command message")
	default:
		log.WithFields(logrus.Fields{"container": name, "command": command}).Info("Passing command to provider")
		onStart := func(d *model.Discovery) { c.PublishState(d, true) }
		onEnd := func(d *model.Discovery) { c.PublishState(d, false) }
		updated := provider.Command(ctx, name, command, onStart, onEnd)
		if d := provider.Resolve(name); updated && d != nil {
			c.PublishDiscovery(d)
		} else {
			log.Debug("No change to republish after execution")
		}
	}
	log.Info("Command execution ended")
}

// PublishDiscovery publishes a Discovery per its publish policy: everything
// for full, only the comprehensive record for bus-only, nothing for silent.
func (c *Client) PublishDiscovery(d *model.Discovery) {
	switch d.Publish {
	case model.PublishSilent:
		return
	case model.PublishBusOnly:
		c.publishJSON(c.comprehensiveTopic(d), FormatComprehensive(d))
		return
	}
	if c.hass.DiscoveryEnabled {
		c.PublishConfig(d)
	}
	c.PublishState(d, false)
	c.publishJSON(c.comprehensiveTopic(d), FormatComprehensive(d))
}

// PublishConfig publishes the retained HA discovery config for an entity.
func (c *Client) PublishConfig(d *model.Discovery) {
	objectID := fmt.Sprintf("%s_%s_%s", d.SourceType, c.node.Name, model.SanitizeName(d.Name))
	commandTopic := ""
	if d.CanUpdate() && d.Provider != nil {
		commandTopic = c.CommandTopic(d.Provider)
	}
	c.publishJSON(c.ConfigTopic(d), FormatConfig(d, objectID, c.StateTopic(d), commandTopic))
}

// PublishState publishes the schema-restricted state payload.
func (c *Client) PublishState(d *model.Discovery, inProgress bool) {
	c.publishJSON(c.StateTopic(d), FormatState(d, inProgress, c.logger))
}

// PublishHeartbeat publishes a liveness payload to the given topic.
func (c *Client) PublishHeartbeat(topic string) {
	c.publishJSON(topic, map[string]any{
		"status":    "online",
		"node":      c.node.Name,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// HeartbeatTopic expands a heartbeat topic template.
func (c *Client) HeartbeatTopic(template string) string {
	r := strings.NewReplacer("{root}", c.cfg.TopicRoot, "{node}", c.node.Name)
	return r.Replace(template)
}

func (c *Client) publishJSON(topic string, payload map[string]any) {
	c.mu.RLock()
	cli := c.cli
	c.mu.RUnlock()
	if cli == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		c.logger.WithField("topic", topic).WithError(err).Error("Failed to encode payload")
		return
	}
	cli.Publish(topic, 0, true, body)
}

// CleanTopics removes retained payloads left by earlier scan sessions. A
// separate connection subscribes to the provider's retained topic space;
// any retained message whose source_session differs from the current one is
// cleared. Messages without a session marker are cleared only when force is
// set. The pass ends after waitTime with no new retained traffic.
func (c *Client) CleanTopics(ctx context.Context, p model.ReleaseProvider, session string, waitTime time.Duration, force bool) error {
	log := c.logger.WithFields(logrus.Fields{"action": "clean", "session": session})
	log.Info("Starting clean cycle")
	if waitTime <= 0 {
		waitTime = 5 * time.Second
	}

	prefixes := []string{
		fmt.Sprintf("%s/update/%s_%s_", c.hass.DiscoveryPrefix, c.node.Name, p.SourceType()),
		fmt.Sprintf("%s/%s/%s/", c.cfg.TopicRoot, c.node.Name, p.SourceType()),
	}

	opts := paho.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.Host, c.cfg.Port)).
		SetClientID("updatewatch_clean_" + c.node.Name).
		SetUsername(c.cfg.User).
		SetPassword(c.cfg.Password).
		SetCleanSession(true)

	cleaner := paho.NewClient(opts)
	if token := cleaner.Connect(); token.Wait() && token.Error() != nil {
		return fmt.Errorf("clean connect: %w", token.Error())
	}
	defer cleaner.Disconnect(250)

	var mu sync.Mutex
	discovered, handled, cleaned := 0, 0, 0
	last := time.Now()

	handler := func(_ paho.Client, msg paho.Message) {
		if !msg.Retained() {
			return
		}
		matched := false
		for _, prefix := range prefixes {
			if strings.HasPrefix(msg.Topic(), prefix) {
				matched = true
				break
			}
		}
		if !matched {
			log.WithField("topic", msg.Topic()).Debug("Skipping clean")
			return
		}

		mu.Lock()
		defer mu.Unlock()
		discovered++
		last = time.Now()

		var payload struct {
			SourceSession string `json:"source_session"`
		}
		if err := json.Unmarshal(msg.Payload(), &payload); err != nil {
			log.WithField("topic", msg.Topic()).WithError(err).Warn("Unable to decode retained payload")
		}
		handled++
		switch {
		case payload.SourceSession != "" && payload.SourceSession != session:
			log.WithFields(logrus.Fields{"topic": msg.Topic(), "msg_session": payload.SourceSession}).Debug("Removing stale msg")
			cleaner.Publish(msg.Topic(), 0, true, []byte{})
			cleaned++
		case payload.SourceSession == "" && force:
			log.WithField("topic", msg.Topic()).Debug("Removing untrackable msg")
			cleaner.Publish(msg.Topic(), 0, true, []byte{})
			cleaned++
		default:
			log.WithField("topic", msg.Topic()).Debug("Retaining topic with current session")
		}
	}

	subs := []string{
		c.hass.DiscoveryPrefix + "/update/#",
		fmt.Sprintf("%s/%s/%s/#", c.cfg.TopicRoot, c.node.Name, p.SourceType()),
	}
	for _, sub := range subs {
		if token := cleaner.Subscribe(sub, 0, handler); token.Wait() && token.Error() != nil {
			return fmt.Errorf("clean subscribe %s: %w", sub, token.Error())
		}
	}

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			mu.Lock()
			idle := time.Since(last) > waitTime
			mu.Unlock()
			if idle {
				log.WithFields(logrus.Fields{
					"discovered": discovered,
					"handled":    handled,
					"cleaned":    cleaned,
				}).Info("Clean completed")
				return nil
			}
		}
	}
}
