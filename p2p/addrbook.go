package p2p

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

const addrBookSchema = `
CREATE TABLE IF NOT EXISTS peers (
    peer_id         TEXT PRIMARY KEY,
    score           INTEGER NOT NULL,
    ban_until       INTEGER NOT NULL DEFAULT 0,
    is_reserved     INTEGER NOT NULL DEFAULT 0,
    last_connected  INTEGER NOT NULL DEFAULT 0,
    last_attempt    INTEGER NOT NULL DEFAULT 0,
    attempts_failed INTEGER NOT NULL DEFAULT 0,
    ban_count       INTEGER NOT NULL DEFAULT 0,
    last_ban        INTEGER NOT NULL DEFAULT 0,
    first_seen      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS peer_addresses (
    peer_id   TEXT NOT NULL,
    addr      TEXT NOT NULL,
    last_seen INTEGER NOT NULL,
    PRIMARY KEY (peer_id, addr)
);
CREATE INDEX IF NOT EXISTS idx_peers_rank ON peers (score DESC, last_attempt ASC);
`

// PeerAddress is one observed endpoint for a peer.
type PeerAddress struct {
	Addr     string
	LastSeen time.Time
}

// PeerRecord is the durable state kept per peer identity. The address book is
// its only owner; a zero BanUntil means the peer is not banned.
type PeerRecord struct {
	PeerID         string
	Addresses      []PeerAddress
	Score          int
	BanUntil       time.Time
	Reserved       bool
	LastConnected  time.Time
	LastAttempt    time.Time
	AttemptsFailed int
	BanCount       int
	LastBan        time.Time
	FirstSeen      time.Time
}

// AddressBook persists peer records in SQLite through a bounded connection
// pool. Every mutating operation runs inside a single transaction so score
// and ban state never diverge across a crash.
type AddressBook struct {
	pool     *ConnPool
	policy   ScorePolicy
	capacity int
	now      func() time.Time
	log      *slog.Logger
}

// BookConfig bundles the address book knobs.
type BookConfig struct {
	Path     string
	Pool     PoolConfig
	Policy   ScorePolicy
	Capacity int
	Now      func() time.Time
	Logger   *slog.Logger
}

// OpenAddressBook opens (or creates) the store at cfg.Path and applies the
// schema. Failure to open is the only storage error treated as fatal by
// callers.
func OpenAddressBook(cfg BookConfig) (*AddressBook, error) {
	pool, err := OpenPool(cfg.Path, cfg.Pool)
	if err != nil {
		return nil, err
	}
	if cfg.Capacity <= 0 {
		cfg.Capacity = 16384
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default().With(slog.String("component", "addrbook"))
	}
	book := &AddressBook{
		pool:     pool,
		policy:   cfg.Policy,
		capacity: cfg.Capacity,
		now:      cfg.Now,
		log:      cfg.Logger,
	}
	err = pool.WithConn(context.Background(), func(ctx context.Context, conn *sql.Conn) error {
		_, execErr := conn.ExecContext(ctx, addrBookSchema)
		return execErr
	})
	if err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return book, nil
}

// Close releases the underlying pool.
func (b *AddressBook) Close() error {
	if b == nil || b.pool == nil {
		return nil
	}
	return b.pool.Close()
}

// Policy exposes the score policy the book enforces.
func (b *AddressBook) Policy() ScorePolicy { return b.policy }

// UpsertPeer inserts a new record at the default score or merges the observed
// addresses into an existing one. It never lowers an existing score.
func (b *AddressBook) UpsertPeer(ctx context.Context, peerID string, addrs []string, reserved bool) error {
	peerID = strings.TrimSpace(peerID)
	if peerID == "" {
		return fmt.Errorf("upsert peer: peer ID required")
	}
	now := b.now()
	return b.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return storageErr("upsert peer", err)
		}
		defer tx.Rollback()

		_, err = tx.ExecContext(ctx, `
        INSERT INTO peers (peer_id, score, is_reserved, first_seen)
        VALUES (?, ?, ?, ?)
        ON CONFLICT(peer_id) DO UPDATE SET is_reserved = excluded.is_reserved
    `, peerID, b.policy.DefaultScore, boolInt(reserved), now.Unix())
		if err != nil {
			return storageErr("upsert peer", err)
		}
		for _, addr := range addrs {
			addr = strings.TrimSpace(addr)
			if addr == "" {
				continue
			}
			_, err = tx.ExecContext(ctx, `
            INSERT INTO peer_addresses (peer_id, addr, last_seen)
            VALUES (?, ?, ?)
            ON CONFLICT(peer_id, addr) DO UPDATE SET last_seen = excluded.last_seen
        `, peerID, addr, now.Unix())
			if err != nil {
				return storageErr("upsert address", err)
			}
		}
		if err := tx.Commit(); err != nil {
			return storageErr("upsert peer", err)
		}
		return nil
	})
}

// GetPeer returns the record for peerID. Absence is reported through the
// boolean, not an error.
func (b *AddressBook) GetPeer(ctx context.Context, peerID string) (PeerRecord, bool, error) {
	var rec PeerRecord
	found := false
	err := b.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		row := conn.QueryRowContext(ctx, `
        SELECT peer_id, score, ban_until, is_reserved, last_connected,
               last_attempt, attempts_failed, ban_count, last_ban, first_seen
        FROM peers WHERE peer_id = ?
    `, strings.TrimSpace(peerID))
		loaded, err := scanPeer(row)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return storageErr("get peer", err)
		}
		loaded.Addresses, err = loadAddresses(ctx, conn, loaded.PeerID)
		if err != nil {
			return storageErr("get peer addresses", err)
		}
		rec = loaded
		found = true
		return nil
	})
	if err != nil {
		return PeerRecord{}, false, err
	}
	return rec, found, nil
}

// ListCandidates returns up to limit non-banned, non-excluded peers ordered
// by score descending and least-recently-attempted first. Only peers with at
// least one known address qualify as dial candidates.
func (b *AddressBook) ListCandidates(ctx context.Context, exclude map[string]struct{}, limit int) ([]PeerRecord, error) {
	if limit <= 0 {
		return nil, nil
	}
	now := b.now().Unix()
	fetch := limit + len(exclude)
	var out []PeerRecord
	err := b.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
        SELECT peer_id, score, ban_until, is_reserved, last_connected,
               last_attempt, attempts_failed, ban_count, last_ban, first_seen
        FROM peers
        WHERE ban_until <= ?
          AND EXISTS (SELECT 1 FROM peer_addresses a WHERE a.peer_id = peers.peer_id)
        ORDER BY score DESC, last_attempt ASC, rowid ASC
        LIMIT ?
    `, now, fetch)
		if err != nil {
			return storageErr("list candidates", err)
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanPeer(rows)
			if err != nil {
				return storageErr("scan candidate", err)
			}
			if _, skip := exclude[rec.PeerID]; skip {
				continue
			}
			out = append(out, rec)
			if len(out) >= limit {
				break
			}
		}
		if err := rows.Err(); err != nil {
			return storageErr("list candidates", err)
		}
		rows.Close()
		for i := range out {
			out[i].Addresses, err = loadAddresses(ctx, conn, out[i].PeerID)
			if err != nil {
				return storageErr("load candidate addresses", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ApplyScoreDelta transactionally clamps score+delta into policy bounds and,
// when the result sits at or below the ban floor for an unbanned peer, sets
// ban_until per the escalation schedule in the same transaction. Expired bans
// are cleared lazily here.
func (b *AddressBook) ApplyScoreDelta(ctx context.Context, peerID string, delta int, reason SessionOutcome) error {
	now := b.now()
	return b.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return storageErr("apply score", err)
		}
		defer tx.Rollback()

		row := tx.QueryRowContext(ctx, `
        SELECT score, ban_until, is_reserved, ban_count, last_ban
        FROM peers WHERE peer_id = ?
    `, strings.TrimSpace(peerID))
		var (
			score, reserved, banCount int
			banUntilSec, lastBanSec   int64
		)
		if err := row.Scan(&score, &banUntilSec, &reserved, &banCount, &lastBanSec); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("apply score %s: %w", logPeerID(peerID), ErrPeerUnknown)
			}
			return storageErr("apply score", err)
		}

		newScore := b.policy.Clamp(score + delta)
		banUntil := timeOrZero(banUntilSec)
		banned := banUntil.After(now)
		if !banned {
			banUntil = time.Time{}
		}

		if !banned && reserved == 0 && newScore <= b.policy.BanFloor {
			dur := b.policy.BanDuration(banCount, timeOrZero(lastBanSec), now)
			banUntil = now.Add(dur)
			banCount++
			_, err = tx.ExecContext(ctx, `
            UPDATE peers SET score = ?, ban_until = ?, ban_count = ?, last_ban = ?
            WHERE peer_id = ?
        `, newScore, banUntil.Unix(), banCount, now.Unix(), peerID)
		} else {
			_, err = tx.ExecContext(ctx, `
            UPDATE peers SET score = ?, ban_until = ? WHERE peer_id = ?
        `, newScore, unixOrZero(banUntil), peerID)
		}
		if err != nil {
			return storageErr("apply score", err)
		}
		if err := tx.Commit(); err != nil {
			return storageErr("apply score", err)
		}
		return nil
	})
}

// Ban sets an explicit ban expiry, used for severe single-event violations.
func (b *AddressBook) Ban(ctx context.Context, peerID string, until time.Time) error {
	now := b.now()
	return b.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		res, err := conn.ExecContext(ctx, `
        UPDATE peers SET ban_until = ?, ban_count = ban_count + 1, last_ban = ?
        WHERE peer_id = ? AND is_reserved = 0
    `, until.Unix(), now.Unix(), strings.TrimSpace(peerID))
		if err != nil {
			return storageErr("ban peer", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("ban peer %s: %w", logPeerID(peerID), ErrPeerUnknown)
		}
		return nil
	})
}

// MarkConnected records a successful session establishment, resetting the
// failed-attempt counter used by dial ranking.
func (b *AddressBook) MarkConnected(ctx context.Context, peerID string) error {
	now := b.now().Unix()
	return b.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
        UPDATE peers SET last_connected = ?, last_attempt = ?, attempts_failed = 0
        WHERE peer_id = ?
    `, now, now, strings.TrimSpace(peerID))
		if err != nil {
			return storageErr("mark connected", err)
		}
		return nil
	})
}

// MarkAttemptFailed bumps the failed-dial counter and the attempt timestamp.
func (b *AddressBook) MarkAttemptFailed(ctx context.Context, peerID string) error {
	now := b.now().Unix()
	return b.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		_, err := conn.ExecContext(ctx, `
        UPDATE peers SET attempts_failed = attempts_failed + 1, last_attempt = ?
        WHERE peer_id = ?
    `, now, strings.TrimSpace(peerID))
		if err != nil {
			return storageErr("mark attempt", err)
		}
		return nil
	})
}

// DeletePeer removes a record and its addresses.
func (b *AddressBook) DeletePeer(ctx context.Context, peerID string) error {
	return b.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return storageErr("delete peer", err)
		}
		defer tx.Rollback()
		if _, err := tx.ExecContext(ctx, `DELETE FROM peer_addresses WHERE peer_id = ?`, peerID); err != nil {
			return storageErr("delete peer", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM peers WHERE peer_id = ?`, peerID); err != nil {
			return storageErr("delete peer", err)
		}
		if err := tx.Commit(); err != nil {
			return storageErr("delete peer", err)
		}
		return nil
	})
}

// Prune drops the lowest-scoring non-reserved peers until the book is back
// under its capacity ceiling, returning how many were removed.
func (b *AddressBook) Prune(ctx context.Context) (int, error) {
	removed := 0
	err := b.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			return storageErr("prune", err)
		}
		defer tx.Rollback()

		var total int
		if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM peers`).Scan(&total); err != nil {
			return storageErr("prune count", err)
		}
		excess := total - b.capacity
		if excess <= 0 {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
        DELETE FROM peer_addresses WHERE peer_id IN (
            SELECT peer_id FROM peers WHERE is_reserved = 0
            ORDER BY score ASC, last_connected ASC LIMIT ?
        )`, excess); err != nil {
			return storageErr("prune addresses", err)
		}
		res, err := tx.ExecContext(ctx, `
        DELETE FROM peers WHERE peer_id IN (
            SELECT peer_id FROM peers WHERE is_reserved = 0
            ORDER BY score ASC, last_connected ASC LIMIT ?
        )`, excess)
		if err != nil {
			return storageErr("prune peers", err)
		}
		n, _ := res.RowsAffected()
		removed = int(n)
		if err := tx.Commit(); err != nil {
			return storageErr("prune", err)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return removed, nil
}

// Snapshot returns every record in the book, addresses included. Used for
// nodes-file export and cap-enforcement ranking.
func (b *AddressBook) Snapshot(ctx context.Context) ([]PeerRecord, error) {
	var out []PeerRecord
	err := b.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		rows, err := conn.QueryContext(ctx, `
        SELECT peer_id, score, ban_until, is_reserved, last_connected,
               last_attempt, attempts_failed, ban_count, last_ban, first_seen
        FROM peers ORDER BY score DESC
    `)
		if err != nil {
			return storageErr("snapshot", err)
		}
		defer rows.Close()
		for rows.Next() {
			rec, err := scanPeer(rows)
			if err != nil {
				return storageErr("snapshot scan", err)
			}
			out = append(out, rec)
		}
		if err := rows.Err(); err != nil {
			return storageErr("snapshot", err)
		}
		rows.Close()
		for i := range out {
			out[i].Addresses, err = loadAddresses(ctx, conn, out[i].PeerID)
			if err != nil {
				return storageErr("snapshot addresses", err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Count returns the number of known peers.
func (b *AddressBook) Count(ctx context.Context) (int, error) {
	var total int
	err := b.pool.WithConn(ctx, func(ctx context.Context, conn *sql.Conn) error {
		if err := conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM peers`).Scan(&total); err != nil {
			return storageErr("count peers", err)
		}
		return nil
	})
	return total, err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPeer(row rowScanner) (PeerRecord, error) {
	var (
		rec                         PeerRecord
		reserved                    int
		banUntil, lastConn, lastAtt int64
		lastBan, firstSeen          int64
	)
	err := row.Scan(&rec.PeerID, &rec.Score, &banUntil, &reserved, &lastConn,
		&lastAtt, &rec.AttemptsFailed, &rec.BanCount, &lastBan, &firstSeen)
	if err != nil {
		return PeerRecord{}, err
	}
	rec.Reserved = reserved != 0
	rec.BanUntil = timeOrZero(banUntil)
	rec.LastConnected = timeOrZero(lastConn)
	rec.LastAttempt = timeOrZero(lastAtt)
	rec.LastBan = timeOrZero(lastBan)
	rec.FirstSeen = timeOrZero(firstSeen)
	return rec, nil
}

func loadAddresses(ctx context.Context, conn *sql.Conn, peerID string) ([]PeerAddress, error) {
	rows, err := conn.QueryContext(ctx, `
        SELECT addr, last_seen FROM peer_addresses WHERE peer_id = ? ORDER BY last_seen DESC
    `, peerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var addrs []PeerAddress
	for rows.Next() {
		var (
			addr PeerAddress
			seen int64
		)
		if err := rows.Scan(&addr.Addr, &seen); err != nil {
			return nil, err
		}
		addr.LastSeen = timeOrZero(seen)
		addrs = append(addrs, addr)
	}
	return addrs, rows.Err()
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStorage, err)
}

func boolInt(v bool) int {
	if v {
		return 1
	}
	return 0
}

func unixOrZero(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func timeOrZero(sec int64) time.Time {
	if sec == 0 {
		return time.Time{}
	}
	return time.Unix(sec, 0)
}

// logPeerID shortens identifiers for error strings; full IDs only ever reach
// masked log fields.
func logPeerID(id string) string {
	id = strings.TrimSpace(id)
	if len(id) <= 10 {
		return id
	}
	return id[:10] + "…"
}
