package silkerr

import (
	"sync"

	"go.uber.org/zap"
)

// Collapser logs one line when a rejection condition is first seen, stays
// silent for consecutive occurrences of the *same* condition, and emits a
// single summary line carrying the suppressed count when the condition
// clears (a different condition is logged, or Flush is called).
//
// This mirrors the PDU/record rejection logging in the NetFlow v5 source:
// consecutive rejections of the same kind collapse into one log line on
// edge transitions.
type Collapser struct {
	log *zap.Logger

	mu     sync.Mutex
	active string
	count  uint64
	fields []zap.Field
}

// NewCollapser creates a Collapser that writes through log.
func NewCollapser(log *zap.Logger) *Collapser {
	return &Collapser{log: log}
}

// Reject records one occurrence of condition. On the first occurrence (or
// a transition from a different condition) it logs immediately; subsequent
// occurrences of the same condition are only counted.
func (c *Collapser) Reject(condition string, fields ...zap.Field) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if condition == c.active {
		c.count++
		return
	}

	c.flushLocked()

	c.active = condition
	c.count = 1
	c.fields = fields
	c.log.Warn(condition, fields...)
}

// Flush emits the suppressed-count summary for the currently active
// condition, if any, and clears state. Call this when the source of
// rejections is known to have cleared (e.g. a valid PDU was seen).
func (c *Collapser) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.flushLocked()
}

func (c *Collapser) flushLocked() {
	if c.active == "" || c.count <= 1 {
		c.active = ""
		c.count = 0
		c.fields = nil
		return
	}
	c.log.Warn(c.active+" (cleared)", append(append([]zap.Field{}, c.fields...), zap.Uint64("additional_rejections", c.count-1))...)
	c.active = ""
	c.count = 0
	c.fields = nil
}
