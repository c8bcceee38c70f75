package supervise

import (
	"crypto/rand"
	"math"
	"math/big"
	"time"
)

// jitterBetween draws uniformly from [min, max].
func jitterBetween(min, max time.Duration) time.Duration {
	if max <= min {
		return min
	}
	span := big.NewInt(int64(max - min))
	n, err := rand.Int(rand.Reader, span)
	if err != nil {
		return min + (max-min)/2
	}
	return min + time.Duration(n.Int64())
}

// expBackoff doubles from base per consecutive block and caps at max. Half
// the delay is fixed, the rest jittered.
func expBackoff(base, max time.Duration, streak int) time.Duration {
	if streak < 1 {
		streak = 1
	}
	delay := float64(base) * math.Pow(2, float64(streak-1))
	if delay > float64(max) {
		delay = float64(max)
	}
	half := time.Duration(delay / 2)
	return half + jitterBetween(0, half)
}
