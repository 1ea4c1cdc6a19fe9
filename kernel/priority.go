package kernel

// Thread priorities. Higher numbers run first.
const (
	PriorityIdle            = 0
	PriorityLowestActive    = 1
	PriorityLow             = 5
	PriorityNormal          = 10
	PriorityDisplay         = 15
	PriorityUrgentDisplay   = 20
	PriorityRealTimeDisplay = 50
	PriorityUrgent          = 55
	PriorityRealTime        = 60

	// PriorityFirstRealTime is the lowest priority of the real-time band.
	PriorityFirstRealTime = PriorityRealTimeDisplay

	// PriorityMin is the lowest priority of any thread but the idle threads.
	// A thread at PriorityIdle would never be chosen over an idle thread.
	PriorityMin = PriorityLowestActive
	PriorityMax = 63

	// NumPriorities is the number of run queue levels.
	NumPriorities = PriorityMax + 1
)

// PriorityClass is a conventional sub-range of the priority band.
type PriorityClass int

const (
	ClassIdle PriorityClass = iota
	ClassLow
	ClassMedium
	ClassHigh
	ClassRealTime
)

var priorityClassNames = [...]string{"idle", "low", "medium", "high", "real-time"}

func (c PriorityClass) String() string {
	if int(c) < len(priorityClassNames) {
		return priorityClassNames[c]
	}
	return "unknown"
}

// ClassOf returns the conventional sub-range a priority belongs to.
func ClassOf(priority int32) PriorityClass {
	switch {
	case priority <= PriorityIdle:
		return ClassIdle
	case priority < PriorityNormal:
		return ClassLow
	case priority < PriorityUrgentDisplay:
		return ClassMedium
	case priority < PriorityFirstRealTime:
		return ClassHigh
	default:
		return ClassRealTime
	}
}

func clampPriority(priority int32) int32 {
	if priority > PriorityMax {
		return PriorityMax
	}
	if priority < PriorityMin {
		return PriorityMin
	}
	return priority
}
