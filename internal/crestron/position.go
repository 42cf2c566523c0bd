package crestron

import (
	"math"

	"crestron-shades-backend/internal/model"
)

// Percent bounds of the presentation scale.
const (
	PercentClosed = 0
	PercentOpen   = 100
)

// ToDeviceUnits converts a 0-100 percentage to hub units (0-65535).
func ToDeviceUnits(pct int) int {
	if pct <= PercentClosed {
		return model.PositionClosed
	}
	if pct >= PercentOpen {
		return model.PositionOpen
	}
	return int(math.Round(float64(pct) / PercentOpen * model.PositionOpen))
}

// ToPercent converts hub units (0-65535) to a 0-100 percentage.
func ToPercent(units int) int {
	if units <= model.PositionClosed {
		return PercentClosed
	}
	if units >= model.PositionOpen {
		return PercentOpen
	}
	return int(math.Round(float64(units) / model.PositionOpen * PercentOpen))
}
