package p2p

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestHelloExchange(t *testing.T) {
	a := NewTCPTransport("0xaaaa", nil)
	b := NewTCPTransport("0xbbbb", nil)
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	type result struct {
		id  string
		err error
	}
	done := make(chan result, 1)
	go func() {
		id, err := b.exchangeHello(right)
		done <- result{id, err}
	}()

	gotA, errA := a.exchangeHello(left)
	gotB := <-done
	if errA != nil {
		t.Fatalf("a side: %v", errA)
	}
	if gotB.err != nil {
		t.Fatalf("b side: %v", gotB.err)
	}
	if gotA != "0xbbbb" {
		t.Fatalf("a learned %q, want 0xbbbb", gotA)
	}
	if gotB.id != "0xaaaa" {
		t.Fatalf("b learned %q, want 0xaaaa", gotB.id)
	}
}

func TestHelloRejectsSelfConnection(t *testing.T) {
	a := NewTCPTransport("0xaaaa", nil)
	b := NewTCPTransport("0xaaaa", nil)
	left, right := net.Pipe()
	defer left.Close()
	defer right.Close()

	go func() {
		_, _ = b.exchangeHello(right)
	}()
	if _, err := a.exchangeHello(left); err == nil {
		t.Fatal("expected self-connection to be refused")
	}
}

func newLoopbackNode(t *testing.T, selfID string) (*Manager, *TCPTransport, *AddressBook) {
	t.Helper()
	clk := newTestClock()
	book := newTestBook(t, clk, 0)
	transport := NewTCPTransport(selfID, nil)
	mgr, err := NewManager(book, transport, ManagerConfig{
		SelfID:       selfID,
		MaxPeers:     8,
		MinPeers:     1,
		DialInterval: time.Hour,
		Now:          clk.Now,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	transport.Attach(mgr)
	if err := mgr.Start(context.Background()); err != nil {
		t.Fatalf("start manager: %v", err)
	}
	t.Cleanup(func() {
		transport.Close()
		mgr.Stop()
	})
	return mgr, transport, book
}

func TestTCPTransportSessionLifecycle(t *testing.T) {
	serverMgr, serverTr, _ := newLoopbackNode(t, "0xserver")
	clientMgr, clientTr, _ := newLoopbackNode(t, "0xclient")

	if err := serverTr.Listen([]string{"127.0.0.1:0"}); err != nil {
		t.Fatalf("listen: %v", err)
	}
	serverTr.mu.Lock()
	addr := serverTr.listeners[0].Addr().String()
	serverTr.mu.Unlock()

	if err := clientTr.Dial(context.Background(), "0xserver", addr); err != nil {
		t.Fatalf("dial: %v", err)
	}
	waitFor(t, "server session", func() bool {
		s, ok := serverMgr.Session("0xclient")
		return ok && s.Direction == Inbound
	})
	waitFor(t, "client session", func() bool {
		s, ok := clientMgr.Session("0xserver")
		return ok && s.Direction == Outbound
	})

	// A server-side disconnect surfaces as a clean close on both ends.
	serverTr.Disconnect("0xclient", "test teardown")
	waitFor(t, "server teardown", func() bool {
		return serverMgr.ConnectedCount() == 0
	})
	waitFor(t, "client teardown", func() bool {
		return clientMgr.ConnectedCount() == 0
	})
}

func TestTCPTransportHonorsRejection(t *testing.T) {
	serverMgr, serverTr, serverBook := newLoopbackNode(t, "0xserver")
	clientMgr, clientTr, _ := newLoopbackNode(t, "0xclient")

	if err := serverBook.UpsertPeer(context.Background(), "0xclient", nil, false); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := serverMgr.BanPeer("0xclient", time.Hour); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if err := serverTr.Listen([]string{"127.0.0.1:0"}); err != nil {
		t.Fatalf("listen: %v", err)
	}
	serverTr.mu.Lock()
	addr := serverTr.listeners[0].Addr().String()
	serverTr.mu.Unlock()

	// The TCP dial itself succeeds; the admission decision closes the session.
	_ = clientTr.Dial(context.Background(), "0xserver", addr)
	waitFor(t, "client-side teardown of rejected session", func() bool {
		return clientMgr.ConnectedCount() == 0
	})
	time.Sleep(100 * time.Millisecond)
	if serverMgr.ConnectedCount() != 0 {
		t.Fatal("banned peer admitted")
	}
}
