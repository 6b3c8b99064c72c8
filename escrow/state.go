package escrow

import "fmt"

// State is the closed set of order lifecycle states.
type State int

const (
	StatePendingDeadlineApproval State = iota + 1
	StatePendingShipment
	StateInTransit
	StatePendingExtensionApproval
	StateDisputed
	StateCompleted
	StateRefunded
)

var stateNames = map[State]string{
	StatePendingDeadlineApproval:  "PendingDeadlineApproval",
	StatePendingShipment:          "PendingShipment",
	StateInTransit:                "InTransit",
	StatePendingExtensionApproval: "PendingExtensionApproval",
	StateDisputed:                 "Disputed",
	StateCompleted:                "Completed",
	StateRefunded:                 "Refunded",
}

// States lists every state in lifecycle order.
func States() []State {
	return []State{
		StatePendingDeadlineApproval,
		StatePendingShipment,
		StateInTransit,
		StatePendingExtensionApproval,
		StateDisputed,
		StateCompleted,
		StateRefunded,
	}
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("State(%d)", int(s))
}

// Valid reports whether s is one of the declared states.
func (s State) Valid() bool {
	_, ok := stateNames[s]
	return ok
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateRefunded
}

// ParseState maps a state name back to its value.
func ParseState(name string) (State, error) {
	for s, n := range stateNames {
		if n == name {
			return s, nil
		}
	}
	return 0, fmt.Errorf("escrow: unknown state %q", name)
}

func (s State) MarshalText() ([]byte, error) {
	if !s.Valid() {
		return nil, fmt.Errorf("escrow: cannot marshal %s", s)
	}
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(text []byte) error {
	parsed, err := ParseState(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}
