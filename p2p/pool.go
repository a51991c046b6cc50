package p2p

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

const (
	defaultPoolSize    = 4
	defaultPoolWait    = 3 * time.Second
	defaultBusyRetries = 3
	defaultBusyBackoff = 50 * time.Millisecond
)

// PoolConfig sizes the storage connection pool and its retry discipline.
type PoolConfig struct {
	Size        int
	Wait        time.Duration
	BusyRetries int
	BusyBackoff time.Duration
}

// ConnPool owns a fixed set of SQLite connections loaned to the address book
// one operation at a time. Exhaustion blocks the caller up to the configured
// wait and then fails with ErrPoolTimeout. Transient lock contention is
// retried with doubling backoff before an error surfaces.
type ConnPool struct {
	db    *sql.DB
	conns chan *sql.Conn

	wait        time.Duration
	busyRetries int
	busyBackoff time.Duration

	closeOnce sync.Once
	closed    chan struct{}
}

// OpenPool opens (or creates) the SQLite file at path and checks out the full
// set of pool connections eagerly so later acquisition never dials.
func OpenPool(path string, cfg PoolConfig) (*ConnPool, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("pool: store path required")
	}
	if cfg.Size <= 0 {
		cfg.Size = defaultPoolSize
	}
	if cfg.Wait <= 0 {
		cfg.Wait = defaultPoolWait
	}
	if cfg.BusyRetries <= 0 {
		cfg.BusyRetries = defaultBusyRetries
	}
	if cfg.BusyBackoff <= 0 {
		cfg.BusyBackoff = defaultBusyBackoff
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	db.SetMaxOpenConns(cfg.Size)
	db.SetConnMaxIdleTime(0)

	pool := &ConnPool{
		db:          db,
		conns:       make(chan *sql.Conn, cfg.Size),
		wait:        cfg.Wait,
		busyRetries: cfg.BusyRetries,
		busyBackoff: cfg.BusyBackoff,
		closed:      make(chan struct{}),
	}
	ctx, cancel := context.WithTimeout(context.Background(), cfg.Wait)
	defer cancel()
	for i := 0; i < cfg.Size; i++ {
		conn, err := db.Conn(ctx)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("checkout store connection: %w", err)
		}
		pool.conns <- conn
	}
	return pool, nil
}

// WithConn loans one connection to fn, releasing it on every exit path. fn
// must complete exactly one transaction per invocation; the pool retries fn
// as a whole on lock contention.
func (p *ConnPool) WithConn(ctx context.Context, fn func(context.Context, *sql.Conn) error) error {
	timer := time.NewTimer(p.wait)
	defer timer.Stop()

	var conn *sql.Conn
	select {
	case conn = <-p.conns:
	case <-p.closed:
		return ErrBookClosed
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return ErrPoolTimeout
	}
	defer func() {
		select {
		case p.conns <- conn:
		case <-p.closed:
			_ = conn.Close()
		}
	}()

	backoff := p.busyBackoff
	var err error
	for attempt := 0; ; attempt++ {
		err = fn(ctx, conn)
		if err == nil || !isBusy(err) || attempt >= p.busyRetries {
			break
		}
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return ctx.Err()
		case <-p.closed:
			return ErrBookClosed
		}
		backoff *= 2
	}
	if err != nil && isBusy(err) {
		return fmt.Errorf("%w: store busy after %d retries: %v", ErrStorage, p.busyRetries, err)
	}
	return err
}

// Close releases all pooled connections and the underlying database.
func (p *ConnPool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		for {
			select {
			case conn := <-p.conns:
				_ = conn.Close()
				continue
			default:
			}
			break
		}
		err = p.db.Close()
	})
	return err
}

// isBusy matches SQLite lock contention, the only storage failure worth
// retrying in place.
func isBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "SQLITE_BUSY")
}
