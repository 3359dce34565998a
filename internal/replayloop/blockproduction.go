package replayloop

import (
	"sync"

	"github.com/lumenlabs/validator-core/internal/coretypes"
)

// NoopBlockProductionClock is a fixture BlockProductionClock for tests and
// single-node development clusters that never actually build leader blocks
// themselves (entries arrive solely via the block store).
type NoopBlockProductionClock struct {
	mu             sync.Mutex
	active         bool
	resetBlock     coretypes.BlockId
	resetBlockhash coretypes.BlockHash
	started        []coretypes.Slot
}

func NewNoopBlockProductionClock() *NoopBlockProductionClock {
	return &NoopBlockProductionClock{}
}

func (c *NoopBlockProductionClock) HasActiveBlock() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.active
}

func (c *NoopBlockProductionClock) Reset(resetBlock coretypes.BlockId, resetBlockhash coretypes.BlockHash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetBlock = resetBlock
	c.resetBlockhash = resetBlockhash
	c.active = false
}

func (c *NoopBlockProductionClock) StartLeaderSlot(slot coretypes.Slot, _ coretypes.BlockId) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = append(c.started, slot)
}

// StartedSlots returns every slot StartLeaderSlot was called with, for test
// assertions.
func (c *NoopBlockProductionClock) StartedSlots() []coretypes.Slot {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]coretypes.Slot, len(c.started))
	copy(out, c.started)
	return out
}

// ResetBlock returns the last block Reset was called with.
func (c *NoopBlockProductionClock) ResetBlock() (coretypes.BlockId, coretypes.BlockHash) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.resetBlock, c.resetBlockhash
}
