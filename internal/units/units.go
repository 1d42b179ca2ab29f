// Package units converts track speeds from the stored m/s into display units.
package units

import (
	"fmt"
	"strings"
)

// Unit is a speed unit accepted by the API.
type Unit string

const (
	MPS  Unit = "mps"
	KMPH Unit = "kmph"
	MPH  Unit = "mph"
	// KPH is accepted as an alias of KMPH.
	KPH Unit = "kph"
)

var valid = []Unit{MPS, KMPH, MPH, KPH}

// Parse accepts a unit name case-insensitively. An empty name means MPS.
func Parse(s string) (Unit, error) {
	if s == "" {
		return MPS, nil
	}
	u := Unit(strings.ToLower(strings.TrimSpace(s)))
	for _, v := range valid {
		if u == v {
			if u == KPH {
				return KMPH, nil
			}
			return u, nil
		}
	}
	return "", fmt.Errorf("unknown speed unit %q (want mps, kmph or mph)", s)
}

// FromMPS converts a speed in metres per second.
func (u Unit) FromMPS(v float64) float64 {
	switch u {
	case KMPH, KPH:
		return v * 3.6
	case MPH:
		return v * 2.23694
	default:
		return v
	}
}

// Label is the short suffix shown next to converted values.
func (u Unit) Label() string {
	switch u {
	case KMPH, KPH:
		return "km/h"
	case MPH:
		return "mph"
	default:
		return "m/s"
	}
}
