package domain

// NegotiationState tracks one peer connection through offer/answer and health monitoring.
type NegotiationState int

const (
	NegotiationNone NegotiationState = iota
	NegotiationOffering
	NegotiationAnswering
	NegotiationConnected
	NegotiationFailed
	NegotiationClosed
)

func (s NegotiationState) String() string {
	switch s {
	case NegotiationNone:
		return "none"
	case NegotiationOffering:
		return "offering"
	case NegotiationAnswering:
		return "answering"
	case NegotiationConnected:
		return "connected"
	case NegotiationFailed:
		return "failed"
	case NegotiationClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Negotiating reports whether an offer/answer exchange is in flight.
func (s NegotiationState) Negotiating() bool {
	return s == NegotiationOffering || s == NegotiationAnswering
}
