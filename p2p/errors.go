package p2p

import "errors"

var (
	// ErrStorage indicates the address book could not complete an operation
	// against its backing store after exhausting retries.
	ErrStorage = errors.New("p2p: storage failure")

	// ErrPoolTimeout is returned when no storage connection became available
	// within the configured wait window.
	ErrPoolTimeout = errors.New("p2p: connection pool timeout")

	// ErrPeerUnknown marks lookups for identities the address book has never
	// seen. Callers treat it as "no prior history", not a failure.
	ErrPeerUnknown = errors.New("p2p: unknown peer")

	ErrPeerBanned      = errors.New("p2p: peer is banned")
	ErrBookClosed      = errors.New("p2p: address book closed")
	ErrDialTargetEmpty = errors.New("p2p: empty dial target")
)

// IsStorage reports whether the error originated in the storage layer.
func IsStorage(err error) bool {
	return errors.Is(err, ErrStorage)
}
