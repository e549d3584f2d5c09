package domain

import (
	"errors"
	"math"
	"time"
)

// UnitStatus represents the operational state of a sanitation unit.
type UnitStatus string

const (
	UnitActive      UnitStatus = "active"
	UnitMaintenance UnitStatus = "maintenance"
	UnitOffline     UnitStatus = "offline"
)

var ErrUnknownUnit = errors.New("unknown unit")
var ErrInvalidReading = errors.New("invalid reading")
var ErrUnitExists = errors.New("unit already exists")
var ErrInvalidUnit = errors.New("invalid unit")
var ErrStaleWrite = errors.New("stale write")

// Valid reports whether s is one of the known unit statuses.
func (s UnitStatus) Valid() bool {
	switch s {
	case UnitActive, UnitMaintenance, UnitOffline:
		return true
	}
	return false
}

// Coordinates represents a geographic point.
type Coordinates struct {
	Lat float64 `json:"lat" bson:"lat"`
	Lng float64 `json:"lng" bson:"lng"`
}

// Unit is the registry record for one physical sanitation unit.
type Unit struct {
	SerialNo        string       `json:"serial_no" bson:"serial_no"`
	Location        string       `json:"location" bson:"location"`
	Coordinates     *Coordinates `json:"coordinates,omitempty" bson:"coordinates,omitempty"`
	FillLevel       float64      `json:"fill_level" bson:"fill_level"`
	BatteryLevel    float64      `json:"battery_level" bson:"battery_level"`
	Status          UnitStatus   `json:"status" bson:"status"`
	LastTelemetryAt time.Time    `json:"last_telemetry_at" bson:"last_telemetry_at"`
	Version         int64        `json:"version" bson:"version"`
	CreatedAt       time.Time    `json:"created_at" bson:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at" bson:"updated_at"`
}

// Clone returns a deep copy so snapshots handed to subscribers never alias registry state.
func (u *Unit) Clone() *Unit {
	c := *u
	if u.Coordinates != nil {
		coords := *u.Coordinates
		c.Coordinates = &coords
	}
	return &c
}

// ClampLevel bounds a percentage to [0,100].
func ClampLevel(v float64) float64 {
	return math.Max(0, math.Min(100, v))
}

// ValidLevel reports whether v is a finite percentage within [0,100].
func ValidLevel(v float64) bool {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return false
	}
	return v >= 0 && v <= 100
}
