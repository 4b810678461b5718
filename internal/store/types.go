// Package store holds the daemon's domain state slices.
//
// Each store owns one slice (distributions, resource stats, health, mounts),
// fetches it from the backend bridge, and exposes snapshot reads for the
// control surface and the polling scheduler. A "silent" fetch updates
// data/error state without toggling the user-facing loading flag.
package store

import "time"

// DistroState is the backend-reported lifecycle state of a distribution.
type DistroState string

const (
	StateRunning    DistroState = "Running"
	StateStopped    DistroState = "Stopped"
	StateInstalling DistroState = "Installing"
)

// Distro is one managed distribution.
type Distro struct {
	Name    string      `json:"name"`
	State   DistroState `json:"state"`
	Version string      `json:"version,omitempty"`
	Default bool        `json:"default,omitempty"`
}

// ResourceStats is the per-distribution resource usage sample.
type ResourceStats struct {
	Distro      string  `json:"distro"`
	CPUPercent  float64 `json:"cpu_percent"`
	MemoryBytes int64   `json:"memory_bytes"`
	DiskBytes   int64   `json:"disk_bytes"`
}

// HealthReport is the backend's self-reported condition.
type HealthReport struct {
	Status  string   `json:"status"` // "ok", "degraded", ...
	Version string   `json:"version,omitempty"`
	Uptime  int64    `json:"uptime_seconds,omitempty"`
	Issues  []string `json:"issues,omitempty"`
}

// Mount is one attached virtual disk.
type Mount struct {
	Distro   string `json:"distro"`
	Source   string `json:"source"`
	Target   string `json:"target"`
	ReadOnly bool   `json:"read_only,omitempty"`
}

// ActionEvent is published on the event bus for every user-initiated backend
// operation; the history recorder persists it as an audit entry.
type ActionEvent struct {
	Action string
	Target string
	OK     bool
	Error  string
	Took   time.Duration
}
