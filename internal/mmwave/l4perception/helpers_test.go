package l4perception

import "math"

func nan() float64 { return math.NaN() }
