package main

import (
	"math"
)

// pushDisplacement returns the displacement magnitude for a player at
// distance d from a push origin. Players at the exact origin are unaffected
// to avoid a zero-length direction vector, and the effect falls off
// linearly to nothing at pushRadius.
func pushDisplacement(d float64) float64 {
	if d <= 0 || d >= pushRadius {
		return 0
	}

	return pushStrength * (pushRadius - d) / pushRadius
}

// pushFrom applies a radial push originating at (x, y) to the given
// position and returns the displaced position.
func pushFrom(x, y float64, p position) position {
	dx := p.X - x
	dy := p.Y - y
	d := math.Hypot(dx, dy)

	mag := pushDisplacement(d)
	if mag == 0 {
		return p
	}

	return position{
		X: p.X + dx/d*mag,
		Y: p.Y + dy/d*mag,
	}
}
