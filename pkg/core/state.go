package core

// TradeState tracks a swap through negotiation and settlement on the taker side.
type TradeState int

const (
	StateReserving TradeState = iota
	StateReserved
	StateSigning
	StateSigned
	StateBroadcasting
	StatePending
	StateConfirming
	StateConfirmed
	StateErrored
)

var stateNames = [...]string{
	StateReserving:    "RESERVING",
	StateReserved:     "RESERVED",
	StateSigning:      "SIGNING",
	StateSigned:       "SIGNED",
	StateBroadcasting: "BROADCASTING",
	StatePending:      "PENDING",
	StateConfirming:   "CONFIRMING",
	StateConfirmed:    "CONFIRMED",
	StateErrored:      "ERRORED",
}

func (s TradeState) String() string {
	if int(s) < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

var transitions = map[TradeState][]TradeState{
	StateReserving:    {StateReserved, StateErrored},
	StateReserved:     {StateSigning, StateErrored},
	StateSigning:      {StateSigned, StateErrored},
	StateSigned:       {StateBroadcasting, StateErrored},
	StateBroadcasting: {StatePending, StateErrored},
	StatePending:      {StateConfirming, StateConfirmed, StateErrored},
	StateConfirming:   {StateConfirmed, StateErrored},
}

// CanTransition reports whether next may follow s.
func (s TradeState) CanTransition(next TradeState) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Terminal reports whether no further transition is possible.
func (s TradeState) Terminal() bool { return s == StateConfirmed || s == StateErrored }

// StateFromStatus maps a persisted trade status onto the state machine.
func StateFromStatus(st TradeStatus) TradeState {
	switch st {
	case TradeConfirming:
		return StateConfirming
	case TradeConfirmed:
		return StateConfirmed
	case TradeErrored:
		return StateErrored
	default:
		return StatePending
	}
}
