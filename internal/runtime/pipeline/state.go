package pipeline

// State is a step of the per-message state machine:
//
//	Received -> Decoded -> Featured -> FactsLoaded -> Verdicted -> Acked
//
// Any failure jumps straight to Acked.
type State int

const (
	StateReceived State = iota
	StateDecoded
	StateFeatured
	StateFactsLoaded
	StateVerdicted
	StateAcked
)

func (s State) String() string {
	switch s {
	case StateReceived:
		return "received"
	case StateDecoded:
		return "decoded"
	case StateFeatured:
		return "featured"
	case StateFactsLoaded:
		return "facts_loaded"
	case StateVerdicted:
		return "verdicted"
	case StateAcked:
		return "acked"
	default:
		return "unknown"
	}
}
