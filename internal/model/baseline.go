// Package model defines the core domain models used throughout the application.
package model

import (
	"strings"
	"time"
)

// RegionCode identifies the jurisdiction (for example a state) a record belongs to.
type RegionCode string

// NormalizeRegion returns the canonical, upper-cased form of a region code.
func NormalizeRegion(region string) RegionCode {
	return RegionCode(strings.ToUpper(strings.TrimSpace(region)))
}

// String implements fmt.Stringer.
func (r RegionCode) String() string {
	return string(r)
}

// BaselineEntity is an authoritative organizational record, such as a school
// district, treated as ground truth for existence. It is loaded once from an
// authoritative source and never modified by the matcher.
type BaselineEntity struct {
	LoadedAt   time.Time  `json:"loaded_at"`
	Enrollment *int       `json:"enrollment,omitempty"`
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Region     RegionCode `json:"region"`
	City       string     `json:"city,omitempty"`
	EntityType string     `json:"entity_type,omitempty"`
	Version    string     `json:"version,omitempty"`
}
