package main

// rect is an axis-aligned answer zone, anchored at its top-left corner.
type rect struct {
	x, y, w, h float64
}

// contains reports whether the point lies within the rectangle, bounds
// inclusive.
func (r rect) contains(x, y float64) bool {
	return x >= r.x && x <= r.x+r.w && y >= r.y && y <= r.y+r.h
}

// answerZone maps the index of the correct answer to its screen quadrant:
// 0 top-left, 1 top-right, 2 bottom-left, 3 bottom-right. Each zone spans
// zoneFraction of the canvas in both dimensions, anchored at its corner.
func answerZone(index int, canvasW, canvasH float64) rect {
	w := canvasW * zoneFraction
	h := canvasH * zoneFraction

	z := rect{w: w, h: h}

	if index == 1 || index == 3 {
		z.x = canvasW - w
	}
	if index == 2 || index == 3 {
		z.y = canvasH - h
	}

	return z
}
