package p2p

import "time"

// Direction records which side initiated a session.
type Direction int

const (
	Inbound Direction = iota
	Outbound
)

func (d Direction) String() string {
	if d == Inbound {
		return "inbound"
	}
	return "outbound"
}

// SessionOutcome is the terminal classification of a closed session. It is
// the only input the score engine accepts from the transport layer.
type SessionOutcome int

const (
	// OutcomeClean is an orderly disconnect initiated by either side.
	OutcomeClean SessionOutcome = iota
	// OutcomeTimeout covers unanswered pings and stalled reads.
	OutcomeTimeout
	// OutcomeError covers transport-level failures (reset, broken pipe).
	OutcomeError
	// OutcomeViolation covers protocol misbehavior reported by the message
	// layer; it is the only outcome that can ban on its own.
	OutcomeViolation
)

func (o SessionOutcome) String() string {
	switch o {
	case OutcomeClean:
		return "clean"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeError:
		return "error"
	case OutcomeViolation:
		return "violation"
	}
	return "unknown"
}

// SessionState tracks one live connection. It lives only in memory; its
// terminal outcome is flushed to the address book when the session closes.
type SessionState struct {
	PeerID        string
	Direction     Direction
	EstablishedAt time.Time
}

// Transport notifications form a closed set of tagged variants; the manager's
// event loop consumes exactly these.
type event interface{ isEvent() }

type sessionOpenedEvent struct {
	PeerID    string
	Direction Direction
	Addr      string
}

type sessionClosedEvent struct {
	PeerID  string
	Outcome SessionOutcome
}

type addressObservedEvent struct {
	PeerID string
	Addr   string
}

func (sessionOpenedEvent) isEvent()   {}
func (sessionClosedEvent) isEvent()   {}
func (addressObservedEvent) isEvent() {}
