package p2p

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Eark/ckb/observability/logging"
)

const (
	defaultDialInterval  = 3 * time.Second
	eventQueueSize       = 256
	storeQueueSize       = 256
	storeOpTimeout       = 5 * time.Second
	admissionReadTimeout = time.Second
)

// ManagerConfig carries the admission knobs from the network section of the
// node configuration.
type ManagerConfig struct {
	SelfID            string
	MinPeers          int
	MaxPeers          int
	Bootnodes         []string
	ReservedNodes     []string
	OnlyReservedPeers bool
	DialInterval      time.Duration
	Now               func() time.Time
	Logger            *slog.Logger
}

// Manager orchestrates the peer-session lifecycle: it admits inbound
// sessions, selects and dials outbound candidates, enforces the peer budget
// and flushes every terminal session outcome to the address book. A single
// event-loop goroutine drives all state transitions; storage writes run on a
// separate worker so the loop never blocks on the pool.
type Manager struct {
	cfg       ManagerConfig
	book      *AddressBook
	policy    ScorePolicy
	transport Transport
	log       *slog.Logger
	now       func() time.Time
	metrics   *networkMetrics

	events    chan event
	storeJobs chan func(context.Context)
	quit      chan struct{}
	wg        sync.WaitGroup
	stopOnce  sync.Once

	mu            sync.RWMutex
	sessions      map[string]SessionState
	inboundCount  int
	outboundCount int
	pendingDial   map[string]context.CancelFunc
	dialContexts  map[string]context.Context
	reserved      map[string]string
	bootnodes     []DialTarget
	banCache      map[string]time.Time
}

// NewManager wires a manager over an opened address book and the transport
// collaborator.
func NewManager(book *AddressBook, transport Transport, cfg ManagerConfig) (*Manager, error) {
	if book == nil {
		return nil, fmt.Errorf("manager: address book required")
	}
	if transport == nil {
		return nil, fmt.Errorf("manager: transport required")
	}
	if cfg.MaxPeers <= 0 {
		cfg.MaxPeers = 125
	}
	if cfg.MinPeers <= 0 || cfg.MinPeers > cfg.MaxPeers {
		cfg.MinPeers = cfg.MaxPeers / 2
		if cfg.MinPeers <= 0 {
			cfg.MinPeers = 1
		}
	}
	if cfg.DialInterval <= 0 {
		cfg.DialInterval = defaultDialInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With(slog.String("component", "peer_manager"))
	}

	m := &Manager{
		cfg:          cfg,
		book:         book,
		policy:       book.Policy(),
		transport:    transport,
		log:          logger,
		now:          cfg.Now,
		metrics:      newNetworkMetrics(),
		events:       make(chan event, eventQueueSize),
		storeJobs:    make(chan func(context.Context), storeQueueSize),
		quit:         make(chan struct{}),
		sessions:     make(map[string]SessionState),
		pendingDial:  make(map[string]context.CancelFunc),
		dialContexts: make(map[string]context.Context),
		reserved:     make(map[string]string),
		banCache:     make(map[string]time.Time),
	}
	for _, target := range parseEndpointList(cfg.ReservedNodes, logger) {
		m.reserved[target.PeerID] = target.Addr
	}
	m.bootnodes = parseEndpointList(cfg.Bootnodes, logger)
	return m, nil
}

// Start seeds the book with the configured reserved nodes and bootnodes, then
// launches the event loop, the storage worker and the dial scheduler.
func (m *Manager) Start(ctx context.Context) error {
	for id, addr := range m.reserved {
		addrs := []string{}
		if addr != "" {
			addrs = append(addrs, addr)
		}
		if err := m.book.UpsertPeer(ctx, id, addrs, true); err != nil {
			return fmt.Errorf("seed reserved node: %w", err)
		}
	}
	for _, boot := range m.bootnodes {
		if err := m.book.UpsertPeer(ctx, boot.PeerID, []string{boot.Addr}, m.isReserved(boot.PeerID)); err != nil {
			return fmt.Errorf("seed bootnode: %w", err)
		}
	}
	m.wg.Add(3)
	go m.runEvents()
	go m.runStoreWorker()
	go m.runDialScheduler()
	return nil
}

// Stop drains the manager. In-flight storage jobs get a bounded window to
// flush before the workers exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.quit)
	})
	m.wg.Wait()

	m.mu.Lock()
	for _, cancel := range m.pendingDial {
		cancel()
	}
	m.pendingDial = make(map[string]context.CancelFunc)
	m.mu.Unlock()
}

// NotifySessionOpened is called by the transport once a handshake completes.
func (m *Manager) NotifySessionOpened(peerID string, direction Direction, addr string) {
	m.enqueue(sessionOpenedEvent{PeerID: peerID, Direction: direction, Addr: addr})
}

// NotifySessionClosed reports a terminal session outcome.
func (m *Manager) NotifySessionClosed(peerID string, outcome SessionOutcome) {
	m.enqueue(sessionClosedEvent{PeerID: peerID, Outcome: outcome})
}

// NotifyAddressObserved reports an address learned through discovery. It
// updates the book but never triggers a dial by itself.
func (m *Manager) NotifyAddressObserved(peerID, addr string) {
	m.enqueue(addressObservedEvent{PeerID: peerID, Addr: addr})
}

func (m *Manager) enqueue(ev event) {
	select {
	case m.events <- ev:
	case <-m.quit:
	}
}

// AcceptDecision decides an inbound connection attempt. Accepting registers
// the session slot immediately so concurrent attempts cannot oversubscribe
// the budget. Storage unavailability degrades to permit-unscored rather than
// refusing the network.
func (m *Manager) AcceptDecision(peerID string) (Decision, RejectReason) {
	peerID = strings.TrimSpace(peerID)
	now := m.now()
	reserved := m.isReserved(peerID)

	if m.isBanned(peerID, now) {
		m.metrics.recordAdmission("reject_" + string(RejectBanned))
		return Reject, RejectBanned
	}
	if m.cfg.OnlyReservedPeers && !reserved {
		m.metrics.recordAdmission("reject_" + string(RejectNotReserved))
		return Reject, RejectNotReserved
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, open := m.sessions[peerID]; open {
		m.metrics.recordAdmission("reject_" + string(RejectDuplicate))
		return Reject, RejectDuplicate
	}
	if len(m.sessions) >= m.cfg.MaxPeers && !reserved {
		m.metrics.recordAdmission("reject_" + string(RejectPeersFull))
		return Reject, RejectPeersFull
	}
	m.sessions[peerID] = SessionState{PeerID: peerID, Direction: Inbound, EstablishedAt: now}
	m.inboundCount++
	m.metrics.observePeerCount(Inbound, m.inboundCount)
	m.metrics.recordAdmission("accept")
	return Accept, RejectNone
}

// DialTargets computes the current outbound candidates without dialing them.
// The scheduler calls this on its interval; the transport may also poll it.
func (m *Manager) DialTargets() []DialTarget {
	now := m.now()

	m.mu.RLock()
	connected := len(m.sessions)
	pending := len(m.pendingDial)
	exclude := make(map[string]struct{}, connected+pending+1)
	for id := range m.sessions {
		exclude[id] = struct{}{}
	}
	for id := range m.pendingDial {
		exclude[id] = struct{}{}
	}
	m.mu.RUnlock()
	if m.cfg.SelfID != "" {
		exclude[m.cfg.SelfID] = struct{}{}
	}

	needed := m.cfg.MinPeers - connected
	slots := m.cfg.MaxPeers - connected - pending
	if needed > slots {
		needed = slots
	}
	if needed <= 0 {
		return nil
	}

	targets := make([]DialTarget, 0, needed)
	seen := make(map[string]struct{})
	add := func(id, addr string) bool {
		if id == "" || addr == "" {
			return false
		}
		if _, dup := seen[id]; dup {
			return false
		}
		if _, skip := exclude[id]; skip {
			return false
		}
		if m.isBanned(id, now) {
			return false
		}
		seen[id] = struct{}{}
		targets = append(targets, DialTarget{PeerID: id, Addr: addr})
		return len(targets) >= needed
	}

	// Reserved nodes come first in every mode.
	for id, addr := range m.reserved {
		resolved := addr
		if resolved == "" {
			resolved = m.bestAddress(id)
		}
		if add(id, resolved) {
			return targets
		}
	}
	if m.cfg.OnlyReservedPeers {
		return targets
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	candidates, err := m.book.ListCandidates(ctx, exclude, needed*2)
	if err != nil {
		m.metrics.recordStoreError()
		m.log.Warn("Candidate listing failed; falling back to bootnodes",
			slog.Any("error", err))
	}
	for _, rec := range candidates {
		if len(rec.Addresses) == 0 {
			continue
		}
		if add(rec.PeerID, rec.Addresses[0].Addr) {
			return targets
		}
	}
	if len(candidates) == 0 {
		for _, boot := range m.bootnodes {
			if add(boot.PeerID, boot.Addr) {
				return targets
			}
		}
	}
	return targets
}

// EnforcePeerCap evicts the lowest-ranked non-reserved sessions until the
// connected count is back at max_peers. Eviction is a capacity decision;
// victims take no score penalty here.
func (m *Manager) EnforcePeerCap() {
	m.mu.RLock()
	excess := len(m.sessions) - m.cfg.MaxPeers
	sessions := make([]SessionState, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.mu.RUnlock()
	if excess <= 0 {
		return
	}

	scores := make(map[string]int, len(sessions))
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	records, err := m.book.Snapshot(ctx)
	cancel()
	if err != nil {
		m.metrics.recordStoreError()
		m.log.Warn("Cap enforcement ranking without stored scores", slog.Any("error", err))
	} else {
		for _, rec := range records {
			scores[rec.PeerID] = rec.Score
		}
	}

	victims := make([]SessionState, 0, len(sessions))
	for _, s := range sessions {
		if m.isReserved(s.PeerID) {
			continue
		}
		victims = append(victims, s)
	}
	sort.Slice(victims, func(i, j int) bool {
		si, sj := scores[victims[i].PeerID], scores[victims[j].PeerID]
		if si != sj {
			return si < sj
		}
		return victims[i].EstablishedAt.Before(victims[j].EstablishedAt)
	})
	for i := 0; i < len(victims) && excess > 0; i++ {
		victim := victims[i]
		m.log.Info("Evicting peer over connection budget",
			logging.MaskField("peer_id", victim.PeerID),
			slog.Int("score", scores[victim.PeerID]))
		m.metrics.recordEviction()
		m.transport.Disconnect(victim.PeerID, "peer cap exceeded")
		excess--
	}
}

// BanPeer imposes an explicit ban for a severe single-event violation. A
// live session is allowed to finish; only future dials and accepts are
// refused.
func (m *Manager) BanPeer(peerID string, duration time.Duration) error {
	now := m.now()
	until := now.Add(duration)
	m.mu.Lock()
	m.banCache[peerID] = until
	m.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
	defer cancel()
	return m.book.Ban(ctx, peerID, until)
}

// ConnectedCount returns the number of open sessions.
func (m *Manager) ConnectedCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Session returns the live session state for a peer, if any.
func (m *Manager) Session(peerID string) (SessionState, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[peerID]
	return s, ok
}

func (m *Manager) runEvents() {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.events:
			m.handleEvent(ev)
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) handleEvent(ev event) {
	switch e := ev.(type) {
	case sessionOpenedEvent:
		m.handleSessionOpened(e)
	case sessionClosedEvent:
		m.handleSessionClosed(e)
	case addressObservedEvent:
		m.handleAddressObserved(e)
	}
}

func (m *Manager) handleSessionOpened(e sessionOpenedEvent) {
	now := m.now()
	m.mu.Lock()
	// An inbound session supersedes a pending outbound dial to the same peer.
	if cancel, pending := m.pendingDial[e.PeerID]; pending {
		cancel()
		delete(m.pendingDial, e.PeerID)
	}
	if existing, open := m.sessions[e.PeerID]; open {
		existing.EstablishedAt = now
		m.sessions[e.PeerID] = existing
	} else {
		m.sessions[e.PeerID] = SessionState{PeerID: e.PeerID, Direction: e.Direction, EstablishedAt: now}
		if e.Direction == Inbound {
			m.inboundCount++
		} else {
			m.outboundCount++
		}
	}
	m.metrics.observePeerCount(Inbound, m.inboundCount)
	m.metrics.observePeerCount(Outbound, m.outboundCount)
	m.mu.Unlock()

	m.log.Info("Peer session opened",
		logging.MaskField("peer_id", e.PeerID),
		logging.MaskField("peer_address", e.Addr),
		slog.String("direction", e.Direction.String()))

	reserved := m.isReserved(e.PeerID)
	reward := m.policy.HandshakeReward
	m.submitStore(func(ctx context.Context) {
		if e.Addr != "" {
			if err := m.book.UpsertPeer(ctx, e.PeerID, []string{e.Addr}, reserved); err != nil {
				m.reportStoreFailure("persist session open", err)
				return
			}
		}
		if err := m.book.MarkConnected(ctx, e.PeerID); err != nil {
			m.reportStoreFailure("mark connected", err)
			return
		}
		if err := m.book.ApplyScoreDelta(ctx, e.PeerID, reward, OutcomeClean); err != nil {
			m.reportStoreFailure("reward handshake", err)
		}
	})
}

func (m *Manager) handleSessionClosed(e sessionClosedEvent) {
	m.mu.Lock()
	session, open := m.sessions[e.PeerID]
	if open {
		delete(m.sessions, e.PeerID)
		if session.Direction == Inbound {
			m.inboundCount--
		} else {
			m.outboundCount--
		}
		m.metrics.observePeerCount(Inbound, m.inboundCount)
		m.metrics.observePeerCount(Outbound, m.outboundCount)
	}
	m.mu.Unlock()
	if !open {
		return
	}

	m.log.Info("Peer session closed",
		logging.MaskField("peer_id", e.PeerID),
		slog.String("outcome", e.Outcome.String()))

	delta := m.policy.ScoreForEvent(e.Outcome)
	m.submitStore(func(ctx context.Context) {
		err := m.book.ApplyScoreDelta(ctx, e.PeerID, delta, e.Outcome)
		if err != nil && IsStorage(err) {
			err = m.book.ApplyScoreDelta(ctx, e.PeerID, delta, e.Outcome)
		}
		if err != nil {
			// Teardown already happened; the unwritten delta is dropped.
			m.reportStoreFailure("persist session outcome", err)
			return
		}
		m.refreshBanCache(ctx, e.PeerID)
	})
}

func (m *Manager) handleAddressObserved(e addressObservedEvent) {
	if e.PeerID == "" || e.Addr == "" {
		return
	}
	reserved := m.isReserved(e.PeerID)
	m.submitStore(func(ctx context.Context) {
		if err := m.book.UpsertPeer(ctx, e.PeerID, []string{e.Addr}, reserved); err != nil {
			m.reportStoreFailure("persist observed address", err)
		}
	})
}

func (m *Manager) runStoreWorker() {
	defer m.wg.Done()
	for {
		select {
		case job := <-m.storeJobs:
			ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
			job(ctx)
			cancel()
		case <-m.quit:
			// Flush whatever is already queued before exiting.
			for {
				select {
				case job := <-m.storeJobs:
					ctx, cancel := context.WithTimeout(context.Background(), storeOpTimeout)
					job(ctx)
					cancel()
				default:
					return
				}
			}
		}
	}
}

func (m *Manager) submitStore(job func(context.Context)) {
	select {
	case m.storeJobs <- job:
	default:
		// The event loop must not block on a slow store; dropping the write
		// is the accepted trade-off.
		m.metrics.recordStoreError()
		m.log.Warn("Store queue full; dropping peer-state write")
	}
}

func (m *Manager) runDialScheduler() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.DialInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.EnforcePeerCap()
			for _, target := range m.DialTargets() {
				if m.reserveDial(target.PeerID) {
					go m.dial(target)
				}
			}
		case <-m.quit:
			return
		}
	}
}

func (m *Manager) reserveDial(peerID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, pending := m.pendingDial[peerID]; pending {
		return false
	}
	if _, open := m.sessions[peerID]; open {
		return false
	}
	ctx, cancel := context.WithCancel(context.Background())
	m.pendingDial[peerID] = cancel
	m.dialContexts[peerID] = ctx
	return true
}

func (m *Manager) takeDialContext(peerID string) context.Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	ctx := m.dialContexts[peerID]
	delete(m.dialContexts, peerID)
	if ctx == nil {
		ctx = context.Background()
	}
	return ctx
}

func (m *Manager) dial(target DialTarget) {
	ctx := m.takeDialContext(target.PeerID)
	var err error
	// A ban may have landed between target selection and this dial firing.
	if m.isBanned(target.PeerID, m.now()) {
		err = fmt.Errorf("dial %s: %w", logPeerID(target.PeerID), ErrPeerBanned)
	} else {
		err = m.transport.Dial(ctx, target.PeerID, target.Addr)
	}

	m.mu.Lock()
	if cancel, pending := m.pendingDial[target.PeerID]; pending {
		cancel()
		delete(m.pendingDial, target.PeerID)
	}
	m.mu.Unlock()

	switch {
	case err == nil:
		m.metrics.recordDial("ok")
	case errors.Is(err, ErrPeerBanned):
		// Not a transport failure; the peer takes no attempt penalty.
		m.metrics.recordDial("banned")
	case ctx.Err() != nil:
		// Superseded; any late completion is a no-op.
		m.metrics.recordDial("cancelled")
	default:
		m.metrics.recordDial("failed")
		m.log.Info("Dial failed",
			logging.MaskField("peer_id", target.PeerID),
			logging.MaskField("peer_address", target.Addr),
			slog.Any("error", err))
		m.submitStore(func(ctx context.Context) {
			if err := m.book.MarkAttemptFailed(ctx, target.PeerID); err != nil {
				m.reportStoreFailure("mark dial failure", err)
			}
		})
	}
}

func (m *Manager) isReserved(peerID string) bool {
	_, ok := m.reserved[peerID]
	return ok
}

// isBanned consults the book with a short deadline and falls back to the
// in-memory ban cache when storage is unavailable, so a store outage cannot
// turn into a connectivity outage.
func (m *Manager) isBanned(peerID string, now time.Time) bool {
	ctx, cancel := context.WithTimeout(context.Background(), admissionReadTimeout)
	defer cancel()
	rec, found, err := m.book.GetPeer(ctx, peerID)
	if err != nil {
		m.metrics.recordStoreError()
		m.mu.RLock()
		until, cached := m.banCache[peerID]
		m.mu.RUnlock()
		return cached && until.After(now)
	}
	if !found {
		return false
	}
	banned := m.policy.IsBanned(rec, now)
	m.mu.Lock()
	if banned {
		m.banCache[peerID] = rec.BanUntil
	} else {
		delete(m.banCache, peerID)
	}
	m.mu.Unlock()
	return banned
}

func (m *Manager) bestAddress(peerID string) string {
	ctx, cancel := context.WithTimeout(context.Background(), admissionReadTimeout)
	defer cancel()
	rec, found, err := m.book.GetPeer(ctx, peerID)
	if err != nil || !found || len(rec.Addresses) == 0 {
		return ""
	}
	return rec.Addresses[0].Addr
}

func (m *Manager) refreshBanCache(ctx context.Context, peerID string) {
	rec, found, err := m.book.GetPeer(ctx, peerID)
	if err != nil || !found {
		return
	}
	m.mu.Lock()
	if m.policy.IsBanned(rec, m.now()) {
		m.banCache[peerID] = rec.BanUntil
	} else {
		delete(m.banCache, peerID)
	}
	m.mu.Unlock()
}

func (m *Manager) reportStoreFailure(op string, err error) {
	m.metrics.recordStoreError()
	m.log.Warn("Address book write failed",
		slog.String("component", "peer_manager"),
		slog.Any("error", fmt.Errorf("%s: %w", op, err)))
}

// parseEndpointList parses "peerID@host:port" entries, dropping malformed
// ones with a warning.
func parseEndpointList(values []string, logger *slog.Logger) []DialTarget {
	targets := make([]DialTarget, 0, len(values))
	seen := make(map[string]struct{})
	for _, raw := range values {
		trimmed := strings.TrimSpace(raw)
		if trimmed == "" {
			continue
		}
		idPart, addrPart, found := strings.Cut(trimmed, "@")
		if !found || strings.TrimSpace(idPart) == "" {
			if logger != nil {
				logger.Warn("Ignoring endpoint without peer ID",
					logging.MaskField("endpoint", trimmed))
			}
			continue
		}
		id := strings.TrimSpace(idPart)
		addr := strings.TrimSpace(addrPart)
		key := id + "@" + addr
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		targets = append(targets, DialTarget{PeerID: id, Addr: addr})
	}
	return targets
}
