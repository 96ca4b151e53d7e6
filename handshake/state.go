package handshake

import "fmt"

// State is the progress of the secret exchange. Transitions only move
// forward: AuthPending, AuthApproved, then KeyPresent or KeyAbsent, then
// KeyApproved.
type State int

const (
	AuthPending State = iota
	AuthApproved
	KeyAbsent
	KeyPresent
	KeyApproved
)

func (s State) String() string {
	switch s {
	case AuthPending:
		return "auth-pending"
	case AuthApproved:
		return "auth-approved"
	case KeyAbsent:
		return "key-absent"
	case KeyPresent:
		return "key-present"
	case KeyApproved:
		return "key-approved"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Phase labels used in metrics and pending actions.
const (
	PhaseAuth = "auth"
	PhaseKey  = "key"
)
