// ABOUTME: Unit tests for core Discovery behavior.
// ABOUTME: Covers name sanitization, title templates, and scan lineage chaining.

package model

import (
	"testing"
	"time"
)

func TestSanitizeName(t *testing.T) {
	tests := []struct{ in, want string }{
		{"nginx", "nginx"},
		{"my-app_1", "my-app_1"},
		{"web/frontend", "web_frontend"},
		{"app.v2", "app_v2"},
		{"weird name!", "weird_name_"},
	}
	for _, tt := range tests {
		if got := SanitizeName(tt.in); got != tt.want {
			t.Errorf("SanitizeName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestTitle(t *testing.T) {
	d := &Discovery{
		Name:          "homebridge",
		Node:          "nas",
		TitleTemplate: "Docker image update for {name} on {node}",
	}
	if got := d.Title(); got != "Docker image update for homebridge on nas" {
		t.Errorf("Title = %q", got)
	}

	plain := &Discovery{Name: "homebridge"}
	if plain.Title() != "homebridge" {
		t.Error("Empty template should fall back to the name")
	}
}

func TestCanUpdate(t *testing.T) {
	if (&Discovery{}).CanUpdate() {
		t.Error("No capabilities means no update")
	}
	if !(&Discovery{CanPull: true}).CanUpdate() {
		t.Error("CanPull should enable update")
	}
	if !(&Discovery{CanBuild: true}).CanUpdate() {
		t.Error("CanBuild should enable update")
	}
	if !(&Discovery{CanRestart: true}).CanUpdate() {
		t.Error("CanRestart should enable update")
	}
}

func TestChainFromNil(t *testing.T) {
	d := &Discovery{LastSeen: time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)}
	d.ChainFrom(nil)
	if d.ScanCount != 1 {
		t.Errorf("ScanCount = %d", d.ScanCount)
	}
	if !d.FirstSeen.Equal(d.LastSeen) {
		t.Error("FirstSeen should initialize from LastSeen")
	}
}

func TestChainFromPrevious(t *testing.T) {
	first := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	attempt := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	prev := &Discovery{FirstSeen: first, ScanCount: 4, UpdateLastAttempt: attempt}

	d := &Discovery{LastSeen: time.Now()}
	d.ChainFrom(prev)

	if !d.FirstSeen.Equal(first) {
		t.Error("FirstSeen must carry forward unchanged")
	}
	if d.ScanCount != 5 {
		t.Errorf("ScanCount = %d", d.ScanCount)
	}
	if !d.UpdateLastAttempt.Equal(attempt) {
		t.Error("Zero UpdateLastAttempt must inherit from previous record")
	}
}

func TestChainFromKeepsOwnAttempt(t *testing.T) {
	prevAttempt := time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC)
	ownAttempt := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	prev := &Discovery{UpdateLastAttempt: prevAttempt, ScanCount: 1}

	d := &Discovery{UpdateLastAttempt: ownAttempt}
	d.ChainFrom(prev)
	if !d.UpdateLastAttempt.Equal(ownAttempt) {
		t.Error("A fresh attempt timestamp must not be overwritten")
	}
}

func TestChainFromThrottledKeepsLastChecked(t *testing.T) {
	checked := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	prev := &Discovery{LastChecked: checked, ScanCount: 1}

	throttled := &Discovery{Throttled: true, LastChecked: time.Now()}
	throttled.ChainFrom(prev)
	if !throttled.LastChecked.Equal(checked) {
		t.Error("Throttled rescan must not advance LastChecked")
	}

	fresh := &Discovery{LastChecked: time.Now()}
	fresh.ChainFrom(prev)
	if fresh.LastChecked.Equal(checked) {
		t.Error("Unthrottled rescan must advance LastChecked")
	}
}
