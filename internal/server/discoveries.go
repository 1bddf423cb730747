// ABOUTME: HTTP handler for the detailed workload discovery endpoint.
// ABOUTME: Serves reconciled version state for all discovered workloads as JSON.

package server

import (
	"encoding/json"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rhizomatics/updatewatch/internal/model"

	"github.com/sirupsen/logrus"
)

// DiscoveryDataProvider supplies the latest scan snapshot.
type DiscoveryDataProvider interface {
	GetDiscoveries() ([]*model.Discovery, time.Time)
}

type DiscoveriesHandler struct {
	provider DiscoveryDataProvider
	logger   *logrus.Logger
}

type DiscoveriesResponse struct {
	Workloads   []WorkloadSummary `json:"workloads"`
	Summary     ScanSummary       `json:"summary"`
	LastUpdated string            `json:"last_updated"`
}

type WorkloadSummary struct {
	Name             string `json:"name"`
	SourceType       string `json:"source_type"`
	Node             string `json:"node"`
	InstalledVersion string `json:"installed_version"`
	LatestVersion    string `json:"latest_version"`
	Basis            string `json:"basis"`
	UpdateAvailable  bool   `json:"update_available"`
	CanUpdate        bool   `json:"can_update"`
	UpdatePolicy     string `json:"update_policy"`
	Status           string `json:"status"`
	Throttled        bool   `json:"throttled"`
	ScanCount        int    `json:"scan_count"`
	FirstSeen        string `json:"first_seen,omitempty"`
	LastChecked      string `json:"last_checked,omitempty"`
}

type ScanSummary struct {
	TotalWorkloads   int `json:"total_workloads"`
	UpdatesAvailable int `json:"updates_available"`
	Throttled        int `json:"throttled"`
	AutoPolicy       int `json:"auto_policy"`
}

func NewDiscoveriesHandler(provider DiscoveryDataProvider, logger *logrus.Logger) *DiscoveriesHandler {
	return &DiscoveriesHandler{
		provider: provider,
		logger:   logger,
	}
}

func (h *DiscoveriesHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := h.logger.WithField("endpoint", "/discoveries")

	discoveries, lastScanTime := h.provider.GetDiscoveries()

	nameFilter := strings.TrimSpace(r.URL.Query().Get("name"))
	sourceFilter := strings.TrimSpace(r.URL.Query().Get("source_type"))
	updatesOnly := r.URL.Query().Get("updates_only") != ""
	limitParam := strings.TrimSpace(r.URL.Query().Get("limit"))

	var limit int = 0 // No limit by default
	if limitParam != "" {
		parsed, err := strconv.Atoi(limitParam)
		if err != nil || parsed < 0 {
			http.Error(w, "Invalid limit parameter. Must be a positive integer", http.StatusBadRequest)
			return
		}
		if parsed > 10000 {
			http.Error(w, "Limit parameter too large. Maximum allowed is 10000", http.StatusBadRequest)
			return
		}
		limit = parsed
	}

	// Validate name filter length to prevent potential DoS
	if len(nameFilter) > 200 {
		http.Error(w, "Name filter too long. Maximum allowed is 200 characters", http.StatusBadRequest)
		return
	}

	logger.WithFields(logrus.Fields{
		"name_filter":     nameFilter,
		"source_filter":   sourceFilter,
		"updates_only":    updatesOnly,
		"limit":           limit,
		"total_workloads": len(discoveries),
	}).Debug("Processing discoveries request")

	var workloads []WorkloadSummary
	summary := ScanSummary{TotalWorkloads: len(discoveries)}

	for _, d := range discoveries {
		updateAvailable := d.CurrentVersion != d.LatestVersion
		if updateAvailable {
			summary.UpdatesAvailable++
		}
		if d.Throttled {
			summary.Throttled++
		}
		if d.UpdatePolicy == "Auto" {
			summary.AutoPolicy++
		}

		if nameFilter != "" && !strings.Contains(d.Name, nameFilter) {
			continue
		}
		if sourceFilter != "" && d.SourceType != sourceFilter {
			continue
		}
		if updatesOnly && !updateAvailable {
			continue
		}

		ws := WorkloadSummary{
			Name:             d.Name,
			SourceType:       d.SourceType,
			Node:             d.Node,
			InstalledVersion: d.CurrentVersion,
			LatestVersion:    d.LatestVersion,
			Basis:            d.Basis,
			UpdateAvailable:  updateAvailable,
			CanUpdate:        d.CanUpdate(),
			UpdatePolicy:     d.UpdatePolicy,
			Status:           d.Status,
			Throttled:        d.Throttled,
			ScanCount:        d.ScanCount,
		}
		if !d.FirstSeen.IsZero() {
			ws.FirstSeen = d.FirstSeen.UTC().Format(time.RFC3339)
		}
		if !d.LastChecked.IsZero() {
			ws.LastChecked = d.LastChecked.UTC().Format(time.RFC3339)
		}
		workloads = append(workloads, ws)
	}

	sort.Slice(workloads, func(i, j int) bool {
		if workloads[i].UpdateAvailable != workloads[j].UpdateAvailable {
			return workloads[i].UpdateAvailable
		}
		return workloads[i].Name < workloads[j].Name
	})

	if limit > 0 && len(workloads) > limit {
		workloads = workloads[:limit]
	}

	response := DiscoveriesResponse{
		Workloads:   workloads,
		Summary:     summary,
		LastUpdated: lastScanTime.UTC().Format("2006-01-02T15:04:05Z"),
	}

	w.Header().Set("Content-Type", "application/json")

	// Pretty print if requested
	if r.URL.Query().Get("pretty") != "" {
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(response); err != nil {
			logger.WithError(err).Error("Failed to encode JSON response")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	} else {
		if err := json.NewEncoder(w).Encode(response); err != nil {
			logger.WithError(err).Error("Failed to encode JSON response")
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	}

	logger.WithFields(logrus.Fields{
		"filtered_workloads": len(workloads),
		"updates_available":  summary.UpdatesAvailable,
	}).Info("Served discoveries response")
}

// CreateDiscoveriesHandler creates a standard HTTP handler
func CreateDiscoveriesHandler(provider DiscoveryDataProvider, logger *logrus.Logger) http.HandlerFunc {
	handler := NewDiscoveriesHandler(provider, logger)
	return handler.ServeHTTP
}
