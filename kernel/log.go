package kernel

// Set to true to print every scheduling decision to stderr. Kept as a constant
// so the calls compile away.
const schedulerDebug = false

// Enable checks of the locking rules on every context switch.
const asserts = true

func scheduleLog(msg string) {
	if schedulerDebug {
		println("---", msg)
	}
}

func scheduleLogThread(msg string, t *Thread) {
	if schedulerDebug {
		println("---", msg, t.id)
	}
}

func scheduleLogSwitch(c *CPU, old, next *Thread) {
	if schedulerDebug {
		println("--- switch cpu", c.id, ":", old.id, "->", next.id)
	}
}
