package model

import (
	"fmt"
	"strings"
)

// ProductTypeFilter is one entry of DeviceSelectionOptions.ProductTypes: a
// bare product type, or "type:variant" restricting to specific variants.
type ProductTypeFilter struct {
	Type     string
	Variants []string // empty means any variant of Type matches
}

// ParseProductTypeFilter parses a single filter entry (spec §4.3: "entries
// have the form `type` or `type:variant`; more than one colon is a
// configuration error").
func ParseProductTypeFilter(s string) (ProductTypeFilter, error) {
	parts := strings.Split(s, ":")
	switch len(parts) {
	case 1:
		return ProductTypeFilter{Type: parts[0]}, nil
	case 2:
		return ProductTypeFilter{Type: parts[0], Variants: []string{parts[1]}}, nil
	default:
		return ProductTypeFilter{}, fmt.Errorf("model: invalid product type filter %q: more than one colon", s)
	}
}

// DeviceSelectionOptions is the filter set a job attaches to its allocation
// requests, per spec §3/§4.3.
type DeviceSelectionOptions struct {
	Serials         []string
	ExcludeSerials  []string
	ProductTypes    []ProductTypeFilter
	DeviceProperties map[string]string

	MinSDK, MaxSDK *int
	MinBattery, MaxBattery *int
	MaxBatteryTemperature  *float64
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// mergeVariants collects, across all ProductTypes filter entries matching
// productType, the union of required variants. An empty return with ok=false
// means productType was not named in the filter at all.
func mergeVariants(filters []ProductTypeFilter, productType string) (variants []string, anyVariantFilter bool, ok bool) {
	for _, f := range filters {
		if f.Type != productType {
			continue
		}
		ok = true
		if len(f.Variants) > 0 {
			anyVariantFilter = true
			variants = append(variants, f.Variants...)
		}
	}
	return
}

// Matches implements the matching predicate of spec §4.3.
func (o *DeviceSelectionOptions) Matches(d *Device) bool {
	if o == nil {
		return true
	}

	if len(o.Serials) > 0 && !containsString(o.Serials, deviceID(d)) {
		return false
	}
	if containsString(o.ExcludeSerials, deviceID(d)) {
		return false
	}

	if len(o.ProductTypes) > 0 {
		if !d.HasProductType() {
			return false
		}
		variants, anyVariantFilter, ok := mergeVariants(o.ProductTypes, d.Properties.ProductType)
		if !ok {
			return false
		}
		if anyVariantFilter {
			if d.Properties.ProductVariant == "" || !containsString(variants, d.Properties.ProductVariant) {
				return false
			}
		}
	}

	if o.MinBattery != nil || o.MaxBattery != nil {
		if d.Properties.BatteryLevel == nil {
			return false
		}
		level := *d.Properties.BatteryLevel
		if o.MinBattery != nil && level < *o.MinBattery {
			return false
		}
		if o.MaxBattery != nil && level > *o.MaxBattery {
			return false
		}
	}

	if o.MaxBatteryTemperature != nil {
		if d.Properties.BatteryTemperature == nil || *d.Properties.BatteryTemperature > *o.MaxBatteryTemperature {
			return false
		}
	}

	if o.MinSDK != nil || o.MaxSDK != nil {
		if d.Properties.SDKVersion == nil {
			return false
		}
		sdk := *d.Properties.SDKVersion
		if o.MinSDK != nil && sdk < *o.MinSDK {
			return false
		}
		if o.MaxSDK != nil && sdk > *o.MaxSDK {
			return false
		}
	}

	for key, want := range o.DeviceProperties {
		got, ok := d.Property(key)
		if !ok || got != want {
			return false
		}
	}

	return true
}

// deviceID is the serial used for allow/exclude-list matching; falls back to
// ControlID when Serial is unset (e.g. virtual devices).
func deviceID(d *Device) string {
	if d.Serial != "" {
		return d.Serial
	}
	return d.ControlID
}
