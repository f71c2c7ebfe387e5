package breaker

import "math/rand"

// randFloat64 is the PID breaker's admission coin flip. Plain math/rand is
// deliberate here: the decision only needs a uniform [0,1) draw with no
// cryptographic or domain-specific requirement a third-party library would
// serve any better.
func randFloat64() float64 {
	return rand.Float64()
}
