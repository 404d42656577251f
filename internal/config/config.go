// Package config defines OLC's built-in flag surface and the compiled-in
// defaults table keyed by deployment mode (spec §6). The flag names below
// are part of the wire contract with the deployment manifest — never rename
// an existing one.
package config

import (
	"fmt"
	"time"
)

// Mode is a deployment mode, selecting a row of the defaults table.
type Mode string

const (
	ModeConsole   Mode = "console"
	ModeLabServer Mode = "lab_server"
	ModeOmniLab   Mode = "omni_lab"
	ModeOmniDrone Mode = "omni_drone"
)

// Flags is the full built-in flag surface named in spec §6 (non-exhaustive
// there; SPEC_FULL.md carries it unchanged). Every field has a defaults-table
// entry per Mode; explicit flags (set via cmd/olc) override the table.
type Flags struct {
	Mode Mode

	DeviceDetectionInterval time.Duration
	DeviceCheckInterval     time.Duration

	SessionRetention        time.Duration
	MaxConcurrentSessions   int

	LogBufferSize int

	MasterEndpoint          string
	MasterHeartbeatInterval time.Duration
	MasterExtraTime         time.Duration

	CacheRoot            string
	CacheRetention       time.Duration

	RPCAddress string
}

// defaultsTable is the authoritative, compiled-in defaults table, keyed by
// deployment mode. It must stay bit-compatible with the deployment manifest,
// per spec §6 — downstream components depend on the exact flag names and the
// exact defaults for modes they don't override explicitly.
var defaultsTable = map[Mode]Flags{
	ModeConsole: {
		Mode:                    ModeConsole,
		DeviceDetectionInterval: 2 * time.Second,
		DeviceCheckInterval:     10 * time.Second,
		SessionRetention:        24 * time.Hour,
		MaxConcurrentSessions:   30,
		LogBufferSize:           10000,
		MasterHeartbeatInterval: 10 * time.Second,
		MasterExtraTime:         time.Minute,
		CacheRoot:               "/tmp/olc-cache",
		CacheRetention:          7 * 24 * time.Hour,
		RPCAddress:              "localhost:9100",
	},
	ModeLabServer: {
		Mode:                    ModeLabServer,
		DeviceDetectionInterval: 2 * time.Second,
		DeviceCheckInterval:     10 * time.Second,
		SessionRetention:        24 * time.Hour,
		MaxConcurrentSessions:   30,
		LogBufferSize:           50000,
		MasterHeartbeatInterval: 10 * time.Second,
		MasterExtraTime:         time.Minute,
		CacheRoot:               "/var/lib/olc/cache",
		CacheRetention:          30 * 24 * time.Hour,
		RPCAddress:              "0.0.0.0:9100",
	},
	ModeOmniLab: {
		Mode:                    ModeOmniLab,
		DeviceDetectionInterval: 1 * time.Second,
		DeviceCheckInterval:     5 * time.Second,
		SessionRetention:        12 * time.Hour,
		MaxConcurrentSessions:   100,
		LogBufferSize:           50000,
		MasterHeartbeatInterval: 5 * time.Second,
		MasterExtraTime:         30 * time.Second,
		CacheRoot:               "/var/lib/olc/cache",
		CacheRetention:          30 * 24 * time.Hour,
		RPCAddress:              "0.0.0.0:9100",
	},
	ModeOmniDrone: {
		Mode:                    ModeOmniDrone,
		DeviceDetectionInterval: 2 * time.Second,
		DeviceCheckInterval:     10 * time.Second,
		SessionRetention:        1 * time.Hour,
		MaxConcurrentSessions:   4,
		LogBufferSize:           5000,
		MasterHeartbeatInterval: 10 * time.Second,
		MasterExtraTime:         time.Minute,
		CacheRoot:               "/tmp/olc-cache",
		CacheRetention:          24 * time.Hour,
		RPCAddress:              "localhost:9100",
	},
}

// Defaults returns the compiled-in defaults for mode.
func Defaults(mode Mode) (Flags, error) {
	f, ok := defaultsTable[mode]
	if !ok {
		return Flags{}, fmt.Errorf("config: unknown deployment mode %q", mode)
	}
	return f, nil
}

// Override applies non-zero fields of explicit onto base, per spec §6:
// "Flags override built-in defaults". Zero-valued fields in explicit are
// treated as unset and left at base's value.
func Override(base Flags, explicit Flags) Flags {
	out := base
	if explicit.DeviceDetectionInterval != 0 {
		out.DeviceDetectionInterval = explicit.DeviceDetectionInterval
	}
	if explicit.DeviceCheckInterval != 0 {
		out.DeviceCheckInterval = explicit.DeviceCheckInterval
	}
	if explicit.SessionRetention != 0 {
		out.SessionRetention = explicit.SessionRetention
	}
	if explicit.MaxConcurrentSessions != 0 {
		out.MaxConcurrentSessions = explicit.MaxConcurrentSessions
	}
	if explicit.LogBufferSize != 0 {
		out.LogBufferSize = explicit.LogBufferSize
	}
	if explicit.MasterEndpoint != "" {
		out.MasterEndpoint = explicit.MasterEndpoint
	}
	if explicit.MasterHeartbeatInterval != 0 {
		out.MasterHeartbeatInterval = explicit.MasterHeartbeatInterval
	}
	if explicit.MasterExtraTime != 0 {
		out.MasterExtraTime = explicit.MasterExtraTime
	}
	if explicit.CacheRoot != "" {
		out.CacheRoot = explicit.CacheRoot
	}
	if explicit.CacheRetention != 0 {
		out.CacheRetention = explicit.CacheRetention
	}
	if explicit.RPCAddress != "" {
		out.RPCAddress = explicit.RPCAddress
	}
	return out
}

// MasterSyncEnabled reports whether the flags configure an external master,
// per spec §4.9 ("Completely optional; all core functions must work with
// master sync disabled").
func (f Flags) MasterSyncEnabled() bool {
	return f.MasterEndpoint != ""
}
