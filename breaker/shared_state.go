package breaker

import "unsafe"

// classicHeaderSize is the fixed prologue a ClassicBreaker's segment
// carries before its error window: the RobustMutex dirty flag, the
// half-open probe flag, the last error timestamp, and the half-open success
// counter. The window's backing
// buffer follows immediately after, sized by the caller's configured
// capacity.
const classicHeaderSize = 24

type classicHeader struct {
	dirty         uint32
	probeInFlight uint32 // 1 while a HALF_OPEN trial call is outstanding
	lastErrorAt   int64
	successCount  int32
	_             int32
}

// ClassicPayloadSize returns how large a segment's payload must be to back
// a ClassicBreaker configured with the given window capacity.
func ClassicPayloadSize(windowCapacity int) int {
	return classicHeaderSize + windowCapacity*8
}

func mapClassicHeader(payload []byte) *classicHeader {
	if len(payload) < classicHeaderSize {
		panic("faultkernel: classic breaker shared state truncated")
	}
	return (*classicHeader)(unsafe.Pointer(&payload[0]))
}

func classicWindowBuffer(payload []byte, capacity int) []int64 {
	rest := payload[classicHeaderSize:]
	if len(rest) < capacity*8 {
		panic("faultkernel: classic breaker window buffer truncated")
	}
	return unsafe.Slice((*int64)(unsafe.Pointer(&rest[0])), capacity)
}

// pidHistorySize is the number of closed-window error rates the controller
// keeps, used to derive a dynamic target error rate (the trailing p90) when
// no fixed target is configured.
const pidHistorySize = 360

// pidHeaderSize is the fixed payload size a PIDBreaker's segment needs: the
// RobustMutex dirty flag plus every term the controller carries across
// window rotations, including the trailing error-rate history.
const pidHeaderSize = 2984

type pidHeader struct {
	dirty       uint32
	initialized uint32
	creatorPID  int32
	_           int32

	rejectionRate uint64 // float64 bits: current reject probability, [0,1]
	integral      uint64 // float64 bits
	previousError uint64 // float64 bits: previous window's health term

	lastUpdateTime  int64
	windowStartTime int64

	windowSuccess     uint32
	windowError       uint32
	windowRejected    uint32
	windowPingSuccess uint32
	windowPingFailure uint32

	historyIndex uint32 // next slot to write, modulo pidHistorySize
	historyCount uint32 // number of valid entries, capped at pidHistorySize
	_            uint32

	lastErrorRate       uint64 // float64 bits: er from the last closed window
	lastPingFailureRate uint64 // float64 bits: pfr from the last closed window

	history [pidHistorySize]uint64 // float64 bits, circular buffer of closed-window error rates
}

// PIDPayloadSize returns how large a segment's payload must be to back a
// PIDBreaker.
func PIDPayloadSize() int {
	return pidHeaderSize
}

func mapPIDHeader(payload []byte) *pidHeader {
	if len(payload) < pidHeaderSize {
		panic("faultkernel: pid breaker shared state truncated")
	}
	return (*pidHeader)(unsafe.Pointer(&payload[0]))
}
