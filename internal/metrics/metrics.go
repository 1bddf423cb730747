// ABOUTME: Prometheus metrics exposition for workload update state.
// ABOUTME: Defines metrics structure and provides HTTP handler for /metrics endpoint.

package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/rhizomatics/updatewatch/internal/model"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// DiscoveryDataProvider supplies the latest scan snapshot.
type DiscoveryDataProvider interface {
	GetDiscoveries() ([]*model.Discovery, time.Time)
}

type MetricsHandler struct {
	provider DiscoveryDataProvider
	logger   *logrus.Logger

	updateAvailable *prometheus.GaugeVec
	workloadInfo    *prometheus.GaugeVec
	scanCount       *prometheus.GaugeVec
	throttled       *prometheus.GaugeVec
	lastChecked     *prometheus.GaugeVec
	collectionInfo  *prometheus.GaugeVec
}

func NewMetricsHandler(provider DiscoveryDataProvider, logger *logrus.Logger) *MetricsHandler {
	return &MetricsHandler{
		provider: provider,
		logger:   logger,

		updateAvailable: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "updatewatch_workload_update_available",
				Help: "Whether a different version is available for a workload (1=yes, 0=no)",
			},
			[]string{"name", "source_type", "node", "basis"},
		),

		workloadInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "updatewatch_workload_info",
				Help: "Version information for a monitored workload",
			},
			[]string{"name", "source_type", "node", "installed_version", "latest_version", "update_policy", "status"},
		),

		scanCount: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "updatewatch_workload_scan_count",
				Help: "Number of scan passes that have observed a workload",
			},
			[]string{"name", "source_type", "node"},
		),

		throttled: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "updatewatch_workload_throttled",
				Help: "Whether the last registry check for a workload was throttled (1=yes, 0=no)",
			},
			[]string{"name", "source_type", "node"},
		),

		lastChecked: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "updatewatch_workload_last_checked_timestamp",
				Help: "Timestamp of the last non-throttled registry check for a workload",
			},
			[]string{"name", "source_type", "node"},
		),

		collectionInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "updatewatch_collection_info",
				Help: "Information about the workload scan collection",
			},
			[]string{"info_type"},
		),
	}
}

func (m *MetricsHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Create a new registry for this request to avoid conflicts
	registry := prometheus.NewRegistry()

	registry.MustRegister(m.updateAvailable)
	registry.MustRegister(m.workloadInfo)
	registry.MustRegister(m.scanCount)
	registry.MustRegister(m.throttled)
	registry.MustRegister(m.lastChecked)
	registry.MustRegister(m.collectionInfo)

	// Reset all metrics to avoid stale data
	m.updateAvailable.Reset()
	m.workloadInfo.Reset()
	m.scanCount.Reset()
	m.throttled.Reset()
	m.lastChecked.Reset()
	m.collectionInfo.Reset()

	discoveries, lastScanTime := m.provider.GetDiscoveries()

	for _, d := range discoveries {
		available := float64(0)
		if d.CurrentVersion != d.LatestVersion {
			available = 1
		}
		m.updateAvailable.WithLabelValues(d.Name, d.SourceType, d.Node, sanitizeLabelValue(d.Basis)).Set(available)

		m.workloadInfo.WithLabelValues(
			d.Name, d.SourceType, d.Node,
			sanitizeLabelValue(d.CurrentVersion), sanitizeLabelValue(d.LatestVersion),
			d.UpdatePolicy, d.Status,
		).Set(1)

		m.scanCount.WithLabelValues(d.Name, d.SourceType, d.Node).Set(float64(d.ScanCount))

		throttledValue := float64(0)
		if d.Throttled {
			throttledValue = 1
		}
		m.throttled.WithLabelValues(d.Name, d.SourceType, d.Node).Set(throttledValue)

		if !d.LastChecked.IsZero() {
			m.lastChecked.WithLabelValues(d.Name, d.SourceType, d.Node).Set(float64(d.LastChecked.Unix()))
		}
	}

	// Collection info
	m.collectionInfo.WithLabelValues("last_scan_timestamp").Set(float64(lastScanTime.Unix()))
	m.collectionInfo.WithLabelValues("workloads_monitored").Set(float64(len(discoveries)))

	handler := promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
	handler.ServeHTTP(w, r)
}

// CreateMetricsHandler creates a standard HTTP handler
func CreateMetricsHandler(provider DiscoveryDataProvider, logger *logrus.Logger) http.HandlerFunc {
	handler := NewMetricsHandler(provider, logger)
	return handler.ServeHTTP
}

// sanitizeLabelValue cleans strings for use as Prometheus labels
func sanitizeLabelValue(value string) string {
	if value == "" {
		return "unknown"
	}

	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	value = strings.ReplaceAll(value, "\t", " ")

	if len(value) > 200 {
		value = value[:200] + "..."
	}

	return strings.TrimSpace(value)
}
