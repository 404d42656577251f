// Package model holds the data types shared across OLC's components —
// Session, Job, Test, Device, Allocation and the selection/dimension types
// that tie the Scheduler to the Device Manager. Keeping them in one package
// (rather than, say, defining Device inside internal/device) avoids import
// cycles, since the scheduler, job runner and session manager all need to
// name these types without depending on each other's packages.
package model

import "time"

// DeviceStatus is the device lifecycle state tracked by the Device Manager.
type DeviceStatus int

const (
	DeviceStatusUnspecified DeviceStatus = iota
	DeviceStatusIdle
	DeviceStatusBusy
	DeviceStatusPrepping
	DeviceStatusMissing
	DeviceStatusDirty
)

func (s DeviceStatus) String() string {
	switch s {
	case DeviceStatusIdle:
		return "IDLE"
	case DeviceStatusBusy:
		return "BUSY"
	case DeviceStatusPrepping:
		return "PREPPING"
	case DeviceStatusMissing:
		return "MISSING"
	case DeviceStatusDirty:
		return "DIRTY"
	default:
		return "UNSPECIFIED"
	}
}

// HealthState is a supplement to spec §3's bare "health state" field,
// derived by a DeviceStateChecker from the device's runtime properties (see
// SPEC_FULL.md §C.2).
type HealthState int

const (
	HealthUnknown HealthState = iota
	HealthOK
	HealthLowBattery
	HealthOverheating
	HealthUnresponsive
)

func (h HealthState) String() string {
	switch h {
	case HealthOK:
		return "OK"
	case HealthLowBattery:
		return "LOW_BATTERY"
	case HealthOverheating:
		return "OVERHEATING"
	case HealthUnresponsive:
		return "UNRESPONSIVE"
	default:
		return "UNKNOWN"
	}
}

// Dimension is a single-valued or multi-valued device/job tag used by the
// Scheduler for matching (spec §4.3, GLOSSARY "Dimension").
type Dimension struct {
	Name   string
	Values []string
}

// DeviceProperties are the runtime-reported properties named in spec §3.
type DeviceProperties struct {
	BatteryLevel       *int // percent, 0-100
	BatteryTemperature *float64
	SDKVersion         *int
	ProductType        string
	ProductVariant     string
	Extra              map[string]string
}

// Device is the Device Manager's view of a single physical or virtual
// device, per spec §3.
type Device struct {
	ControlID string
	UUID      string
	Serial    string

	TypeTags          []string
	SupportedDrivers  []string
	SupportedDecors   []string
	SupportedDims     []Dimension
	RequiredDims      []Dimension

	Properties DeviceProperties

	Status          DeviceStatus
	StatusUpdatedAt time.Time
	Health          HealthState
}

// HasProductType reports whether d advertises productType among its
// supported dimensions/properties.
func (d *Device) HasProductType() bool {
	return d.Properties.ProductType != ""
}

// SupportsDriver reports whether name is in d's supported driver set.
func (d *Device) SupportsDriver(name string) bool {
	for _, n := range d.SupportedDrivers {
		if n == name {
			return true
		}
	}
	return false
}

// SupportsDecorator reports whether name is in d's supported decorator set.
func (d *Device) SupportsDecorator(name string) bool {
	for _, n := range d.SupportedDecors {
		if n == name {
			return true
		}
	}
	return false
}

// Property looks up an extra device property by key, per
// DeviceSelectionOptions.DeviceProperties matching (spec §4.3).
func (d *Device) Property(key string) (string, bool) {
	v, ok := d.Properties.Extra[key]
	return v, ok
}

// Clone returns a deep-enough copy of d suitable for a Query snapshot — the
// Device Manager must never hand out a pointer a caller could mutate
// concurrently with the manager's own state (spec §4.2, readers see a
// consistent snapshot).
func (d *Device) Clone() *Device {
	if d == nil {
		return nil
	}
	cp := *d
	cp.TypeTags = append([]string(nil), d.TypeTags...)
	cp.SupportedDrivers = append([]string(nil), d.SupportedDrivers...)
	cp.SupportedDecors = append([]string(nil), d.SupportedDecors...)
	cp.SupportedDims = append([]Dimension(nil), d.SupportedDims...)
	cp.RequiredDims = append([]Dimension(nil), d.RequiredDims...)
	if d.Properties.Extra != nil {
		cp.Properties.Extra = make(map[string]string, len(d.Properties.Extra))
		for k, v := range d.Properties.Extra {
			cp.Properties.Extra[k] = v
		}
	}
	return &cp
}
