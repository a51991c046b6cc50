package p2p

import "context"

// Transport is the collaborator that owns sockets, handshakes and framing.
// The manager only decides who it talks to.
type Transport interface {
	// Dial opens an outbound session. Cancelling the context aborts the
	// attempt; late completions after cancellation must be no-ops.
	Dial(ctx context.Context, peerID, addr string) error
	// Disconnect closes a live session gracefully. The transport reports the
	// closure back through NotifySessionClosed.
	Disconnect(peerID string, reason string)
}

// Decision is the admission verdict for an inbound attempt.
type Decision int

const (
	Accept Decision = iota
	Reject
)

func (d Decision) String() string {
	if d == Accept {
		return "accept"
	}
	return "reject"
}

// RejectReason explains a Reject decision. Rejections are policy outcomes,
// not errors.
type RejectReason string

const (
	RejectNone        RejectReason = ""
	RejectBanned      RejectReason = "banned"
	RejectPeersFull   RejectReason = "peers_full"
	RejectNotReserved RejectReason = "not_reserved"
	RejectDuplicate   RejectReason = "duplicate"
)

// DialTarget pairs a candidate identity with the endpoint to try.
type DialTarget struct {
	PeerID string
	Addr   string
}
