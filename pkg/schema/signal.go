package schema

// SignalType enumerates the operator commands accepted by a chain execution.
type SignalType string

const (
	SignalResume SignalType = "resume"
	SignalPause  SignalType = "pause"
	SignalCancel SignalType = "cancel"
	SignalReject SignalType = "reject"
	SignalRerun  SignalType = "rerun"
)

// Valid reports whether the signal type is known.
func (t SignalType) Valid() bool {
	switch t {
	case SignalResume, SignalPause, SignalCancel, SignalReject, SignalRerun:
		return true
	}
	return false
}

// Signal is an operator-initiated command addressed to one execution.
type Signal struct {
	Type    SignalType `json:"type"`
	ActorID string     `json:"actor_id,omitempty"`
	Reason  string     `json:"reason,omitempty"`
}
