package p2p

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeTransport struct {
	mu          sync.Mutex
	dialed      []DialTarget
	dialErr     error
	disconnects []string
}

func (f *fakeTransport) Dial(ctx context.Context, peerID, addr string) error {
	f.mu.Lock()
	f.dialed = append(f.dialed, DialTarget{PeerID: peerID, Addr: addr})
	err := f.dialErr
	f.mu.Unlock()
	return err
}

func (f *fakeTransport) Disconnect(peerID string, reason string) {
	f.mu.Lock()
	f.disconnects = append(f.disconnects, peerID)
	f.mu.Unlock()
}

func (f *fakeTransport) disconnected() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.disconnects...)
}

func newTestManager(t *testing.T, clk *testClock, cfg ManagerConfig) (*Manager, *AddressBook, *fakeTransport) {
	t.Helper()
	book := newTestBook(t, clk, 0)
	transport := &fakeTransport{}
	cfg.Now = clk.Now
	cfg.DialInterval = time.Hour
	mgr, err := NewManager(book, transport, cfg)
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	return mgr, book, transport
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestAcceptDecisionEnforcesCap(t *testing.T) {
	clk := newTestClock()
	mgr, _, _ := newTestManager(t, clk, ManagerConfig{
		MaxPeers:      2,
		MinPeers:      1,
		ReservedNodes: []string{"peer-r@10.0.0.9:1"},
	})

	if d, reason := mgr.AcceptDecision("peer-a"); d != Accept {
		t.Fatalf("peer-a rejected: %s", reason)
	}
	if d, reason := mgr.AcceptDecision("peer-a"); d != Reject || reason != RejectDuplicate {
		t.Fatalf("duplicate accept = %s/%s, want reject/duplicate", d, reason)
	}
	if d, reason := mgr.AcceptDecision("peer-b"); d != Accept {
		t.Fatalf("peer-b rejected: %s", reason)
	}
	if d, reason := mgr.AcceptDecision("peer-c"); d != Reject || reason != RejectPeersFull {
		t.Fatalf("over-cap accept = %s/%s, want reject/peers_full", d, reason)
	}
	// Reserved peers bypass the cap.
	if d, reason := mgr.AcceptDecision("peer-r"); d != Accept {
		t.Fatalf("reserved peer rejected over cap: %s", reason)
	}
	if got := mgr.ConnectedCount(); got != 3 {
		t.Fatalf("connected = %d, want 3", got)
	}
}

func TestAcceptDecisionRejectsBanned(t *testing.T) {
	clk := newTestClock()
	mgr, book, _ := newTestManager(t, clk, ManagerConfig{MaxPeers: 10})
	ctx := context.Background()
	if err := book.UpsertPeer(ctx, "peer-x", []string{"10.0.0.1:1"}, false); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := book.Ban(ctx, "peer-x", clk.Now().Add(time.Hour)); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if d, reason := mgr.AcceptDecision("peer-x"); d != Reject || reason != RejectBanned {
		t.Fatalf("banned accept = %s/%s, want reject/banned", d, reason)
	}
	// An expired ban no longer blocks admission.
	clk.Advance(2 * time.Hour)
	if d, reason := mgr.AcceptDecision("peer-x"); d != Accept {
		t.Fatalf("peer with expired ban rejected: %s", reason)
	}
}

func TestAcceptDecisionOnlyReservedMode(t *testing.T) {
	clk := newTestClock()
	mgr, _, _ := newTestManager(t, clk, ManagerConfig{
		MaxPeers:          10,
		ReservedNodes:     []string{"peer-r@10.0.0.9:1"},
		OnlyReservedPeers: true,
	})
	if d, reason := mgr.AcceptDecision("peer-a"); d != Reject || reason != RejectNotReserved {
		t.Fatalf("stranger accept = %s/%s, want reject/not_reserved", d, reason)
	}
	if d, reason := mgr.AcceptDecision("peer-r"); d != Accept {
		t.Fatalf("reserved peer rejected: %s", reason)
	}
}

func TestDialTargetsBootnodeFallback(t *testing.T) {
	clk := newTestClock()
	mgr, _, _ := newTestManager(t, clk, ManagerConfig{
		MaxPeers:  10,
		MinPeers:  2,
		Bootnodes: []string{"boot-a@1.1.1.1:1", "boot-b@2.2.2.2:2"},
	})

	// The book is empty, so the bootnodes fill the deficit in order.
	targets := mgr.DialTargets()
	if len(targets) != 2 {
		t.Fatalf("targets = %v, want both bootnodes", targets)
	}
	if targets[0].PeerID != "boot-a" || targets[1].PeerID != "boot-b" {
		t.Fatalf("targets = %v, want boot-a then boot-b", targets)
	}
}

func TestDialTargetsPrefersReservedThenCandidates(t *testing.T) {
	clk := newTestClock()
	mgr, book, _ := newTestManager(t, clk, ManagerConfig{
		MaxPeers:      10,
		MinPeers:      2,
		ReservedNodes: []string{"peer-r@10.0.0.9:1"},
		Bootnodes:     []string{"boot-a@1.1.1.1:1"},
	})
	ctx := context.Background()
	if err := book.UpsertPeer(ctx, "peer-c", []string{"10.0.0.3:1"}, false); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	targets := mgr.DialTargets()
	if len(targets) != 2 {
		t.Fatalf("targets = %v, want 2", targets)
	}
	if targets[0].PeerID != "peer-r" {
		t.Fatalf("first target = %s, want reserved peer", targets[0].PeerID)
	}
	if targets[1].PeerID != "peer-c" {
		t.Fatalf("second target = %s, want stored candidate over bootnode", targets[1].PeerID)
	}
}

func TestDialTargetsSkipsConnectedAndSatisfied(t *testing.T) {
	clk := newTestClock()
	mgr, book, _ := newTestManager(t, clk, ManagerConfig{MaxPeers: 10, MinPeers: 1})
	ctx := context.Background()
	if err := book.UpsertPeer(ctx, "peer-a", []string{"10.0.0.1:1"}, false); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if d, _ := mgr.AcceptDecision("peer-a"); d != Accept {
		t.Fatal("accept failed")
	}
	// min_peers is met and the only candidate is already connected.
	if targets := mgr.DialTargets(); len(targets) != 0 {
		t.Fatalf("targets = %v, want none", targets)
	}
}

func TestDialTargetsOnlyReservedMode(t *testing.T) {
	clk := newTestClock()
	mgr, book, _ := newTestManager(t, clk, ManagerConfig{
		MaxPeers:          10,
		MinPeers:          5,
		ReservedNodes:     []string{"peer-r@10.0.0.9:1"},
		OnlyReservedPeers: true,
		Bootnodes:         []string{"boot-a@1.1.1.1:1"},
	})
	ctx := context.Background()
	if err := book.UpsertPeer(ctx, "peer-c", []string{"10.0.0.3:1"}, false); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	targets := mgr.DialTargets()
	if len(targets) != 1 || targets[0].PeerID != "peer-r" {
		t.Fatalf("targets = %v, want only the reserved peer", targets)
	}
}

func TestEnforcePeerCapEvictsLowestScore(t *testing.T) {
	clk := newTestClock()
	mgr, book, transport := newTestManager(t, clk, ManagerConfig{
		MaxPeers:      2,
		MinPeers:      1,
		ReservedNodes: []string{"peer-r@10.0.0.9:1"},
	})
	ctx := context.Background()
	for _, id := range []string{"peer-a", "peer-b"} {
		if err := book.UpsertPeer(ctx, id, []string{"10.0.0.1:1"}, false); err != nil {
			t.Fatalf("upsert %s: %v", id, err)
		}
	}
	if err := book.ApplyScoreDelta(ctx, "peer-a", -10, OutcomeError); err != nil {
		t.Fatalf("score: %v", err)
	}

	for _, id := range []string{"peer-a", "peer-b", "peer-r"} {
		if d, reason := mgr.AcceptDecision(id); d != Accept {
			t.Fatalf("accept %s: %s", id, reason)
		}
	}

	mgr.EnforcePeerCap()
	got := transport.disconnected()
	if len(got) != 1 || got[0] != "peer-a" {
		t.Fatalf("evicted %v, want only peer-a (lowest score, non-reserved)", got)
	}
}

func TestBanPeerBlocksFutureAdmission(t *testing.T) {
	clk := newTestClock()
	mgr, book, _ := newTestManager(t, clk, ManagerConfig{MaxPeers: 10})
	ctx := context.Background()
	if err := book.UpsertPeer(ctx, "peer-x", []string{"10.0.0.1:1"}, false); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := mgr.BanPeer("peer-x", time.Hour); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if d, reason := mgr.AcceptDecision("peer-x"); d != Reject || reason != RejectBanned {
		t.Fatalf("banned accept = %s/%s, want reject/banned", d, reason)
	}
	if targets := mgr.DialTargets(); len(targets) != 0 {
		t.Fatalf("banned peer offered for dialing: %v", targets)
	}
}

func TestStorageOutageDegradesToPermitUnscored(t *testing.T) {
	clk := newTestClock()
	mgr, book, _ := newTestManager(t, clk, ManagerConfig{MaxPeers: 10})
	ctx := context.Background()
	if err := book.UpsertPeer(ctx, "peer-x", []string{"10.0.0.1:1"}, false); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := mgr.BanPeer("peer-x", time.Hour); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if err := book.Close(); err != nil {
		t.Fatalf("close book: %v", err)
	}

	// Unknown peers are admitted unscored while the store is down.
	if d, reason := mgr.AcceptDecision("peer-y"); d != Accept {
		t.Fatalf("unscored accept = reject/%s, want accept", reason)
	}
	// Cached bans still hold.
	if d, reason := mgr.AcceptDecision("peer-x"); d != Reject || reason != RejectBanned {
		t.Fatalf("cached ban = %s/%s, want reject/banned", d, reason)
	}
}

func TestSessionLifecycleUpdatesBook(t *testing.T) {
	clk := newTestClock()
	mgr, book, _ := newTestManager(t, clk, ManagerConfig{MaxPeers: 10, MinPeers: 1})
	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer mgr.Stop()

	mgr.NotifySessionOpened("peer-a", Outbound, "10.0.0.1:8115")
	waitFor(t, "session registration", func() bool {
		_, ok := mgr.Session("peer-a")
		return ok
	})
	waitFor(t, "handshake reward", func() bool {
		rec, found, err := book.GetPeer(ctx, "peer-a")
		return err == nil && found && rec.Score == 1 && !rec.LastConnected.IsZero()
	})

	mgr.NotifySessionClosed("peer-a", OutcomeViolation)
	waitFor(t, "session removal", func() bool {
		_, ok := mgr.Session("peer-a")
		return !ok
	})
	waitFor(t, "violation penalty", func() bool {
		rec, found, err := book.GetPeer(ctx, "peer-a")
		return err == nil && found && rec.Score == -19 // +1 reward, -20 violation
	})
}

func TestAddressObservedUpsertsWithoutDialing(t *testing.T) {
	clk := newTestClock()
	mgr, book, transport := newTestManager(t, clk, ManagerConfig{MaxPeers: 10, MinPeers: 1})
	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer mgr.Stop()

	mgr.NotifyAddressObserved("peer-n", "10.0.0.7:8115")
	waitFor(t, "observed address persisted", func() bool {
		rec, found, err := book.GetPeer(ctx, "peer-n")
		return err == nil && found && len(rec.Addresses) == 1 && rec.Score == 0
	})
	// Discovery never triggers a dial by itself.
	transport.mu.Lock()
	dials := len(transport.dialed)
	transport.mu.Unlock()
	if dials != 0 {
		t.Fatalf("observed address caused %d dials", dials)
	}
}

func TestStartSeedsReservedAndBootnodes(t *testing.T) {
	clk := newTestClock()
	mgr, book, _ := newTestManager(t, clk, ManagerConfig{
		MaxPeers:      10,
		ReservedNodes: []string{"peer-r@10.0.0.9:1"},
		Bootnodes:     []string{"boot-a@1.1.1.1:1"},
	})
	ctx := context.Background()
	if err := mgr.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer mgr.Stop()

	rec := mustGet(t, book, "peer-r")
	if !rec.Reserved {
		t.Fatal("reserved node not flagged in book")
	}
	boot := mustGet(t, book, "boot-a")
	if len(boot.Addresses) != 1 || boot.Addresses[0].Addr != "1.1.1.1:1" {
		t.Fatalf("bootnode addresses = %v", boot.Addresses)
	}
}

func TestParseEndpointListDropsMalformed(t *testing.T) {
	targets := parseEndpointList([]string{
		"peer-a@1.1.1.1:1",
		"  ",
		"no-separator",
		"peer-a@1.1.1.1:1", // duplicate
		"peer-b@2.2.2.2:2",
	}, nil)
	if len(targets) != 2 {
		t.Fatalf("targets = %v, want 2", targets)
	}
	if targets[0].PeerID != "peer-a" || targets[1].PeerID != "peer-b" {
		t.Fatalf("targets = %v", targets)
	}
}
