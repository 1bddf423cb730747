// ABOUTME: Main scan orchestrator: drives scan cycles across providers,
// ABOUTME: publishes discoveries, triggers auto updates, and tracks the snapshot.

package app

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rhizomatics/updatewatch/internal/config"
	"github.com/rhizomatics/updatewatch/internal/model"
	"github.com/rhizomatics/updatewatch/internal/mqtt"
	"github.com/sirupsen/logrus"
)

// App runs the periodic scan loop and owns the discovery snapshot served to
// the metrics and HTTP endpoints.
type App struct {
	cfg       *config.Config
	providers []model.ReleaseProvider
	publisher *mqtt.Client
	logger    *logrus.Logger

	mu          sync.RWMutex
	discoveries map[string]*model.Discovery
	lastScan    time.Time
	scanCount   int
}

// New creates the orchestrator.
func New(cfg *config.Config, providers []model.ReleaseProvider, publisher *mqtt.Client, logger *logrus.Logger) *App {
	return &App{
		cfg:         cfg,
		providers:   providers,
		publisher:   publisher,
		logger:      logger,
		discoveries: make(map[string]*model.Discovery),
	}
}

// Run executes scan cycles until the context is cancelled. The first cycle
// runs immediately; a heartbeat is published on its own interval.
func (a *App) Run(ctx context.Context) {
	logger := a.logger.WithField("component", "scan_loop")

	for _, p := range a.providers {
		a.publisher.SubscribeCommands(p)
	}

	heartbeatTopic := a.publisher.HeartbeatTopic(a.cfg.Healthcheck.TopicTemplate)
	heartbeat := time.NewTicker(a.cfg.Healthcheck.Interval.Std())
	defer heartbeat.Stop()
	a.publisher.PublishHeartbeat(heartbeatTopic)

	a.scan(ctx)

	ticker := time.NewTicker(a.cfg.ScanInterval.Std())
	defer ticker.Stop()

	logger.WithField("interval", a.cfg.ScanInterval).Info("Starting periodic scanning")
	for {
		select {
		case <-ctx.Done():
			logger.Info("Scan loop stopping")
			return
		case <-heartbeat.C:
			a.publisher.PublishHeartbeat(heartbeatTopic)
		case <-ticker.C:
			a.scan(ctx)
		}
	}
}

// scan runs one full pass over every provider under a fresh session id.
func (a *App) scan(ctx context.Context) {
	session := strings.ReplaceAll(uuid.NewString(), "-", "")
	logger := a.logger.WithFields(logrus.Fields{"operation": "scan", "session": session})
	startTime := time.Now()

	for _, p := range a.providers {
		if a.scanCount == 0 {
			// a fresh install inherits whatever retained topics a previous
			// instance left behind; clear them all before the first publish
			logger.WithField("source_type", p.SourceType()).Info("Cleaning topics before first scan")
			if err := a.publisher.CleanTopics(ctx, p, "", 5*time.Second, true); err != nil {
				logger.WithError(err).Warn("Pre-scan topic clean failed")
			}
		}

		logger.WithField("source_type", p.SourceType()).Info("Scanning")
		var wg sync.WaitGroup
		count := 0
		for d := range p.Scan(ctx, session) {
			a.store(d)
			count++
			wg.Add(1)
			go func(d *model.Discovery) {
				defer wg.Done()
				a.onDiscovery(d)
			}(d)
		}
		wg.Wait()

		if err := a.publisher.CleanTopics(ctx, p, session, 5*time.Second, false); err != nil {
			logger.WithError(err).Warn("Topic clean failed")
		}
		logger.WithFields(logrus.Fields{
			"source_type": p.SourceType(),
			"results":     count,
		}).Info("Scan complete")
	}

	a.mu.Lock()
	a.lastScan = time.Now()
	a.scanCount++
	a.mu.Unlock()

	logger.WithField("duration", time.Since(startTime)).Info("Scan cycle completed")
}

// onDiscovery publishes one discovery and triggers an automatic update when
// the workload's policy asks for it and the last attempt is old enough.
func (a *App) onDiscovery(d *model.Discovery) {
	log := a.logger.WithField("name", d.Name)

	a.publisher.PublishDiscovery(d)

	if d.UpdatePolicy != "Auto" || !d.CanUpdate() {
		return
	}
	if d.CurrentVersion == d.LatestVersion {
		return
	}
	elapsed := time.Since(d.UpdateLastAttempt)
	if d.UpdateLastAttempt.IsZero() || elapsed > a.cfg.UpdateInterval.Std() {
		log.WithFields(logrus.Fields{
			"last_attempt": d.UpdateLastAttempt,
			"max_interval": a.cfg.UpdateInterval,
		}).Info("Initiating auto update")
		a.publisher.LocalCommand(d, "install")
	} else {
		log.WithField("elapsed", elapsed).Info("Skipping auto update")
	}
}

func (a *App) store(d *model.Discovery) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.discoveries[d.SourceType+"/"+d.Name] = d
}

// GetDiscoveries returns the current snapshot and the last scan completion
// time. The slice is a copy; the Discovery records themselves are immutable.
func (a *App) GetDiscoveries() ([]*model.Discovery, time.Time) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*model.Discovery, 0, len(a.discoveries))
	for _, d := range a.discoveries {
		out = append(out, d)
	}
	return out, a.lastScan
}
