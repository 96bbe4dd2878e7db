package avm

import "math"

// Sentinel instance ids.
const (
	// IDStatics is the reserved id of the root statics container.
	IDStatics = int64(0)

	// IDEphemeral marks a callee-space stub that is never persisted.
	IDEphemeral = int64(math.MinInt64)
)

// Helper is the per-task meter. One transaction task owns exactly one
// Helper; it is passed explicitly through every metered call site and
// cleared by the executor on every exit path. It is not safe for use from
// more than one goroutine.
type Helper struct {
	remaining uint64
	limit     uint64

	nextInstanceID int64
	nextHashCode   int32

	frameDepth int
}

// NewHelper creates a helper seeded with the call's energy budget and the
// environment counters.
func NewHelper(energyLimit uint64, nextInstanceID int64, nextHashCode int32) *Helper {
	return &Helper{
		remaining:      energyLimit,
		limit:          energyLimit,
		nextInstanceID: nextInstanceID,
		nextHashCode:   nextHashCode,
	}
}

// ChargeEnergy debits the budget, raising ErrOutOfEnergy on exhaustion.
// Exhaustion zeroes the remaining budget so the full limit is charged.
func (h *Helper) ChargeEnergy(cost uint64) error {
	if h.remaining < cost {
		h.remaining = 0
		return ErrOutOfEnergy
	}
	h.remaining -= cost
	return nil
}

// EnergyRemaining returns the unconsumed budget.
func (h *Helper) EnergyRemaining() uint64 {
	return h.remaining
}

// EnergyUsed returns the consumed budget.
func (h *Helper) EnergyUsed() uint64 {
	return h.limit - h.remaining
}

// EnergyLimit returns the seeded budget.
func (h *Helper) EnergyLimit() uint64 {
	return h.limit
}

// NextInstanceID assigns the next monotonic instance id. Ids are never
// recycled within a transaction.
func (h *Helper) NextInstanceID() int64 {
	id := h.nextInstanceID
	h.nextInstanceID++
	return id
}

// PeekNextInstanceID returns the id the next allocation would receive.
func (h *Helper) PeekNextInstanceID() int64 {
	return h.nextInstanceID
}

// NextHashCode assigns the next object identity hash.
func (h *Helper) NextHashCode() int32 {
	hc := h.nextHashCode
	h.nextHashCode++
	return hc
}

// PeekNextHashCode returns the hash code the next allocation would receive.
func (h *Helper) PeekNextHashCode() int32 {
	return h.nextHashCode
}

// SyncCounters advances the id and hash counters past values consumed by a
// committed nested call. Counters never move backward.
func (h *Helper) SyncCounters(nextInstanceID int64, nextHashCode int32) {
	if nextInstanceID > h.nextInstanceID {
		h.nextInstanceID = nextInstanceID
	}
	if nextHashCode > h.nextHashCode {
		h.nextHashCode = nextHashCode
	}
}

// SeedFrameDepth initializes the frame counter of a nested call's helper
// so reentrant entry shares the caller's depth budget.
func (h *Helper) SeedFrameDepth(depth int) {
	h.frameDepth = depth
}

// EnterFrame charges one frame of stack depth, raising ErrOutOfStack past
// the ceiling. Reentrant calls share the same counter.
func (h *Helper) EnterFrame() error {
	if h.frameDepth >= StackDepthMax {
		return ErrOutOfStack
	}
	h.frameDepth++
	return nil
}

// ExitFrame releases one frame of stack depth.
func (h *Helper) ExitFrame() {
	if h.frameDepth > 0 {
		h.frameDepth--
	}
}

// FrameDepth returns the current frame depth.
func (h *Helper) FrameDepth() int {
	return h.frameDepth
}
