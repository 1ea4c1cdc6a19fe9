// Package interrupt models the interrupt enable flag of a single CPU.
//
// A Controller belongs to one CPU and is only touched by the thread currently
// running on that CPU, so it needs no locking of its own. The usual pattern is
// the same as on real hardware:
//
//	state := c.Disable()
//	// ... critical section ...
//	c.Restore(state)
package interrupt

// State is the saved interrupt state returned by Disable.
type State uint8

const (
	// Disabled is the state of a CPU that does not accept interrupts.
	Disabled State = iota
	// Enabled is the state of a CPU that accepts interrupts.
	Enabled
)

func (s State) String() string {
	if s == Enabled {
		return "enabled"
	}
	return "disabled"
}

// Controller is the interrupt flag of one CPU. The zero value has interrupts
// disabled, which is the state of a CPU before it is started.
type Controller struct {
	enabled bool
}

// Disable turns interrupts off and returns the previous state.
func (c *Controller) Disable() State {
	prev := Disabled
	if c.enabled {
		prev = Enabled
	}
	c.enabled = false
	return prev
}

// Enable turns interrupts on. It is used when a new thread starts running,
// which is the equivalent of a return from interrupt.
func (c *Controller) Enable() {
	c.enabled = true
}

// Restore sets the interrupt flag to a state previously returned by Disable.
func (c *Controller) Restore(s State) {
	c.enabled = s == Enabled
}

// Enabled reports whether interrupts are currently enabled.
func (c *Controller) Enabled() bool {
	return c.enabled
}
