package main

// Gameplay tuning shared between the match state machine, the answer
// evaluator, and the position synchronizer. The zone fraction and canvas
// dimensions must match the rendering client or hit-testing silently
// misses.
const (
	answerAward  = 200
	quorumRatio  = 0.5
	zoneFraction = 0.4

	pushRadius   = 150.0
	pushStrength = 50.0
)
