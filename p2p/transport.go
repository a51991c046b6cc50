package p2p

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/Eark/ckb/observability/logging"
)

const (
	defaultHelloTimeout = 5 * time.Second
	defaultDialTimeout  = 10 * time.Second
	maxHelloBytes       = 4096
)

// helloPayload is the plaintext session preamble. Encrypted transport
// negotiation happens in the outer transport stack; this exchange only
// carries the peer identity the manager keys its state on.
type helloPayload struct {
	PeerID string `json:"peerId"`
}

// TCPTransport is the built-in transport collaborator: plain TCP sessions
// with a one-line identity hello. It feeds every session event into the
// attached Manager and obeys its admission decisions.
type TCPTransport struct {
	selfID string
	log    *slog.Logger

	dialTimeout  time.Duration
	helloTimeout time.Duration

	mu        sync.Mutex
	mgr       *Manager
	conns     map[string]net.Conn
	evicting  map[string]struct{}
	listeners []net.Listener
	closed    bool

	wg sync.WaitGroup
}

// NewTCPTransport builds a transport for the given node identity.
func NewTCPTransport(selfID string, logger *slog.Logger) *TCPTransport {
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "tcp_transport"))
	}
	return &TCPTransport{
		selfID:       selfID,
		log:          logger,
		dialTimeout:  defaultDialTimeout,
		helloTimeout: defaultHelloTimeout,
		conns:        make(map[string]net.Conn),
		evicting:     make(map[string]struct{}),
	}
}

// Attach binds the manager whose decisions this transport enforces. Must be
// called before Listen or Dial.
func (t *TCPTransport) Attach(mgr *Manager) {
	t.mu.Lock()
	t.mgr = mgr
	t.mu.Unlock()
}

// Listen starts accept loops on every configured address.
func (t *TCPTransport) Listen(addrs []string) error {
	for _, addr := range addrs {
		addr = strings.TrimSpace(addr)
		if addr == "" {
			continue
		}
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("listen %s: %w", addr, err)
		}
		t.mu.Lock()
		t.listeners = append(t.listeners, ln)
		t.mu.Unlock()
		t.wg.Add(1)
		go t.acceptLoop(ln)
	}
	return nil
}

func (t *TCPTransport) acceptLoop(ln net.Listener) {
	defer t.wg.Done()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if t.isClosed() {
				return
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			t.log.Warn("Accept failed", slog.Any("error", err))
			continue
		}
		t.wg.Add(1)
		go t.handleInbound(conn)
	}
}

func (t *TCPTransport) handleInbound(conn net.Conn) {
	defer t.wg.Done()
	peerID, err := t.exchangeHello(conn)
	if err != nil {
		t.log.Info("Inbound hello failed",
			logging.MaskField("peer_address", conn.RemoteAddr().String()),
			slog.Any("error", err))
		_ = conn.Close()
		return
	}
	mgr := t.manager()
	if mgr == nil {
		_ = conn.Close()
		return
	}
	decision, reason := mgr.AcceptDecision(peerID)
	if decision == Reject {
		t.log.Info("Inbound connection rejected",
			logging.MaskField("peer_id", peerID),
			slog.String("reason", string(reason)))
		_ = conn.Close()
		return
	}
	if !t.register(peerID, conn) {
		_ = conn.Close()
		return
	}
	mgr.NotifySessionOpened(peerID, Inbound, conn.RemoteAddr().String())
	t.readLoop(peerID, conn)
}

// Dial opens an outbound session. A context cancellation aborts the attempt
// and any late completion is discarded.
func (t *TCPTransport) Dial(ctx context.Context, peerID, addr string) error {
	if strings.TrimSpace(addr) == "" {
		return ErrDialTargetEmpty
	}
	dialer := net.Dialer{Timeout: t.dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	if ctx.Err() != nil {
		_ = conn.Close()
		return ctx.Err()
	}
	remoteID, err := t.exchangeHello(conn)
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("hello with %s: %w", addr, err)
	}
	if peerID != "" && !strings.EqualFold(remoteID, peerID) {
		_ = conn.Close()
		return fmt.Errorf("dial %s: identity mismatch", addr)
	}
	if ctx.Err() != nil {
		_ = conn.Close()
		return ctx.Err()
	}
	mgr := t.manager()
	if mgr == nil {
		_ = conn.Close()
		return fmt.Errorf("transport not attached")
	}
	if !t.register(remoteID, conn) {
		_ = conn.Close()
		return fmt.Errorf("dial %s: session already open", addr)
	}
	mgr.NotifySessionOpened(remoteID, Outbound, addr)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		t.readLoop(remoteID, conn)
	}()
	return nil
}

// Disconnect closes a live session gracefully; the closure surfaces as a
// clean outcome through the read loop.
func (t *TCPTransport) Disconnect(peerID string, reason string) {
	t.mu.Lock()
	conn, open := t.conns[peerID]
	if open {
		t.evicting[peerID] = struct{}{}
	}
	t.mu.Unlock()
	if !open {
		return
	}
	t.log.Info("Closing session",
		logging.MaskField("peer_id", peerID),
		slog.String("reason", reason))
	_ = conn.Close()
}

// Close tears down listeners and all live sessions.
func (t *TCPTransport) Close() {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	listeners := t.listeners
	conns := make([]net.Conn, 0, len(t.conns))
	for id, conn := range t.conns {
		t.evicting[id] = struct{}{}
		conns = append(conns, conn)
	}
	t.mu.Unlock()
	for _, ln := range listeners {
		_ = ln.Close()
	}
	for _, conn := range conns {
		_ = conn.Close()
	}
	t.wg.Wait()
}

func (t *TCPTransport) exchangeHello(conn net.Conn) (string, error) {
	deadline := time.Now().Add(t.helloTimeout)
	if err := conn.SetDeadline(deadline); err != nil {
		return "", err
	}
	defer conn.SetDeadline(time.Time{})

	payload, err := json.Marshal(helloPayload{PeerID: t.selfID})
	if err != nil {
		return "", err
	}
	if _, err := conn.Write(append(payload, '\n')); err != nil {
		return "", fmt.Errorf("send hello: %w", err)
	}
	reader := bufio.NewReaderSize(conn, maxHelloBytes)
	line, err := reader.ReadBytes('\n')
	if err != nil {
		return "", fmt.Errorf("read hello: %w", err)
	}
	var hello helloPayload
	if err := json.Unmarshal(line, &hello); err != nil {
		return "", fmt.Errorf("decode hello: %w", err)
	}
	id := strings.TrimSpace(hello.PeerID)
	if id == "" {
		return "", fmt.Errorf("hello missing peer ID")
	}
	if strings.EqualFold(id, t.selfID) {
		return "", fmt.Errorf("connected to self")
	}
	return id, nil
}

func (t *TCPTransport) register(peerID string, conn net.Conn) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	if _, open := t.conns[peerID]; open {
		return false
	}
	t.conns[peerID] = conn
	return true
}

// readLoop drains the session until it ends, then classifies the terminal
// outcome for the manager. Chain-protocol payloads are handled by the outer
// message layer; this transport only observes liveness.
func (t *TCPTransport) readLoop(peerID string, conn net.Conn) {
	buf := make([]byte, 4096)
	var outcome SessionOutcome
	for {
		_, err := conn.Read(buf)
		if err == nil {
			continue
		}
		switch {
		case errors.Is(err, io.EOF), errors.Is(err, net.ErrClosed):
			outcome = OutcomeClean
		default:
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				outcome = OutcomeTimeout
			} else {
				outcome = OutcomeError
			}
		}
		break
	}

	t.mu.Lock()
	if _, evicted := t.evicting[peerID]; evicted {
		outcome = OutcomeClean
		delete(t.evicting, peerID)
	}
	delete(t.conns, peerID)
	mgr := t.mgr
	t.mu.Unlock()
	_ = conn.Close()
	if mgr != nil {
		mgr.NotifySessionClosed(peerID, outcome)
	}
}

func (t *TCPTransport) manager() *Manager {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mgr
}

func (t *TCPTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}
