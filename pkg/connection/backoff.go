package connection

import (
	"math"
	"time"
)

// backoffFactor is the growth factor between successive reconnect delays.
const backoffFactor = 1.5

// ReconnectDelay returns the delay before reconnect attempt k (k >= 1):
// base × 1.5^(k-1). Attempts below 1 are treated as 1.
func ReconnectDelay(attempt int, base time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(base) * math.Pow(backoffFactor, float64(attempt-1)))
}
