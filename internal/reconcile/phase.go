package reconcile

// Phase is the loop's current step.
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseDiscovering
	PhaseProbing
	PhaseActing
	PhasePersisting
	PhaseSleeping
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "idle"
	case PhaseDiscovering:
		return "discovering"
	case PhaseProbing:
		return "probing"
	case PhaseActing:
		return "acting"
	case PhasePersisting:
		return "persisting"
	case PhaseSleeping:
		return "sleeping"
	default:
		return "unknown"
	}
}
